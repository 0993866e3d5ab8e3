package weights

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattdev071/subnet-42/types"
)

func TestNewEngineRejectsBadWeights(t *testing.T) {
	_, err := NewEngine(EngineConfig{WeightTweets: 0.5, WeightErrorQuality: 0.6, ErrorRateThreshold: 10, Kurtosis: DefaultKurtosisParams})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidWeights))
}

func TestNewEngineAcceptsDefaults(t *testing.T) {
	e, err := NewEngine(DefaultEngineConfig)
	require.NoError(t, err)
	require.NotNil(t, e)
}

// Scenario 5: threshold penalty saturates the score to zero.
func TestThresholdPenaltySaturatesScore(t *testing.T) {
	e, err := NewEngine(DefaultEngineConfig)
	require.NoError(t, err)

	deltas := []types.DeltaRecord{
		{Hotkey: hotkeyAt(0x10), UID: 1, Counters: types.TelemetryCounters{TwitterReturnedTweets: 100, TwitterErrors: 20}, TimeSpanSeconds: 3600, TotalErrors: 20},
	}
	scores := e.CalculateWeights(deltas)
	require.Len(t, scores, 1)
	require.True(t, scores[0].ThresholdExceeded)
	require.InDelta(t, 0.0, scores[0].FinalScore, 1e-9)
}

func TestCalculateWeightsHandlesZeroTimeSpanAsWorstErrorRate(t *testing.T) {
	e, err := NewEngine(DefaultEngineConfig)
	require.NoError(t, err)

	deltas := []types.DeltaRecord{
		{Hotkey: hotkeyAt(0x11), UID: 1, Counters: types.TelemetryCounters{TwitterReturnedTweets: 10}, TimeSpanSeconds: 1000, TotalErrors: 0},
		{Hotkey: hotkeyAt(0x12), UID: 2, Counters: types.TelemetryCounters{TwitterReturnedTweets: 10}, TimeSpanSeconds: 0, TotalErrors: 5},
	}
	scores := e.CalculateWeights(deltas)
	require.Len(t, scores, 2)
	// the zero-time-span node must end up with the highest error rate of the
	// batch (placeholder = max finite + 1).
	require.Greater(t, scores[1].ErrorRate, scores[0].ErrorRate)
}

func TestKurtosisShapePreservesOrdering(t *testing.T) {
	shaped := KurtosisShape([]float64{1, 5, 10, 100}, DefaultKurtosisParams)
	require.Len(t, shaped, 4)
	for i := 1; i < len(shaped); i++ {
		require.GreaterOrEqual(t, shaped[i], shaped[i-1])
	}
	require.InDelta(t, 0.0, shaped[0], 1e-9)
	require.InDelta(t, 1.0, shaped[len(shaped)-1], 1e-9)
}
