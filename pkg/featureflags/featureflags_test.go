package featureflags

import (
	"context"
	"testing"

	"chipledger/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	flags := Static{TrialAnalysis: false}

	require.False(t, flags.IsEnabled(context.Background(), "caller", TrialAnalysis, true))
	require.True(t, flags.IsEnabled(context.Background(), "caller", "unknown", true))
}

func TestProvideWithoutKeyFallsBack(t *testing.T) {
	flags := ProvideFeatureFlag(FeatureParams{Config: &config.Config{}})

	require.IsType(t, Static{}, flags)
	require.True(t, flags.IsEnabled(context.Background(), "", TrialAnalysis, true))
}
