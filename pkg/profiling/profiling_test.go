package profiling

import (
	"testing"

	"github.com/grafana/pyroscope-go"
	"github.com/stretchr/testify/require"
)

func TestProfileTypes(t *testing.T) {
	require.NotContains(t, ProfileTypes("production"), pyroscope.ProfileMutexCount)
	require.Contains(t, ProfileTypes("development"), pyroscope.ProfileMutexCount)
	require.Contains(t, ProfileTypes("production"), pyroscope.ProfileCPU)
}
