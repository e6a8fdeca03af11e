package exporters

import (
	"testing"

	"chipledger/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownProtocol(t *testing.T) {
	cfg := &config.Config{}
	cfg.Otel.Addr = "localhost:4317"
	cfg.Otel.Protocol = "udp"

	_, err := New(cfg)
	require.ErrorContains(t, err, "udp")
}
