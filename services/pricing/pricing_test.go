package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCost(t *testing.T) {
	cases := []struct {
		seconds int64
		want    int64
	}{
		{1, 1},
		{59, 1},
		{1800, 1},
		{1801, 2},
		{3600, 2},
		{3601, 3},
		{10 * 3600, 20},
	}
	for _, tc := range cases {
		got, err := Cost(tc.seconds)
		require.NoError(t, err, "seconds=%d", tc.seconds)
		require.Equal(t, tc.want, got, "seconds=%d", tc.seconds)
	}
}

func TestCostRejectsOutOfRange(t *testing.T) {
	for _, s := range []int64{0, -1, MaxDurationSeconds + 1, math.MaxInt64} {
		_, err := Cost(s)
		require.ErrorIs(t, err, ErrInvalidDuration)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]int64{
		"45":       45,
		"1:05":     65,
		"30:00":    1800,
		"1:00:01":  3601,
		"PT31M":    1860,
		"PT1H2M3S": 3723,
		"pt90s":    90,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestParseDurationMalformed(t *testing.T) {
	for _, in := range []string{"", "  ", "0", "00:00", "abc", "1:75", "1:2:3:4", "PT", "P1D", "-5", "1.5", "9223372036854775807", "PT2562047788015216H", "PT9223372036854775807S", "2562047788015216:00:00", "169:00:00"} {
		_, err := ParseDuration(in)
		require.ErrorIs(t, err, ErrInvalidDuration, in)
	}
}

func TestCostAtUpperBound(t *testing.T) {
	got, err := Cost(MaxDurationSeconds)
	require.NoError(t, err)
	require.Equal(t, int64(MaxDurationSeconds/SecondsPerChip), got)

	secs, err := ParseDuration("168:00:00")
	require.NoError(t, err)
	require.Equal(t, int64(MaxDurationSeconds), secs)
}
