package weights

import (
	"fmt"
	"math"

	"github.com/mattdev071/subnet-42/types"
)

// ErrInvalidWeights is returned by NewEngine when the tweets/error-quality
// weights don't sum to 1.0.
var ErrInvalidWeights = fmt.Errorf("tweet/error weights must sum to 1.0")

// EngineConfig holds the scoring tunables.
type EngineConfig struct {
	WeightTweets         float64 // default 0.6
	WeightErrorQuality   float64 // default 0.4
	ErrorRateThreshold   float64 // errors/hour, default 10
	Kurtosis             KurtosisParams
}

// DefaultEngineConfig holds the engine's production defaults.
var DefaultEngineConfig = EngineConfig{
	WeightTweets:       0.6,
	WeightErrorQuality: 0.4,
	ErrorRateThreshold: 10,
	Kurtosis:           DefaultKurtosisParams,
}

// Engine computes CalculateWeights over a DeltaRecord set.
type Engine struct {
	cfg EngineConfig
}

// NewEngine validates the weight pair sums to 1.0 ± 1e-6 before construction
// succeeds.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if math.Abs(cfg.WeightTweets+cfg.WeightErrorQuality-1.0) > 1e-6 {
		return nil, ErrInvalidWeights
	}
	return &Engine{cfg: cfg}, nil
}

// Score is the scoring result for one uid.
type Score struct {
	Hotkey           types.Hotkey
	UID              types.UID
	Tweets           float64
	ErrorRate        float64
	ThresholdExceeded bool
	ErrorQuality     float64
	Base             float64
	FinalScore       float64
}

// CalculateWeights scores each delta record: tweet throughput, error rate and
// quality, kurtosis shaping, then threshold-penalty saturation.
func (e *Engine) CalculateWeights(deltas []types.DeltaRecord) []Score {
	n := len(deltas)
	if n == 0 {
		return nil
	}

	tweets := make([]float64, n)
	errorRate := make([]float64, n)
	thresholdExceeded := make([]bool, n)
	errorQuality := make([]float64, n)

	maxFinite := 0.0
	hasInf := make([]bool, n)
	for i, d := range deltas {
		tweets[i] = float64(d.Counters.TwitterReturnedTweets)
		if d.TimeSpanSeconds == 0 {
			hasInf[i] = true
			continue
		}
		errorRate[i] = float64(d.TotalErrors) / math.Max(d.TimeSpanSeconds, epsilon) * 3600
		if errorRate[i] > maxFinite {
			maxFinite = errorRate[i]
		}
	}
	for i := range deltas {
		if hasInf[i] {
			errorRate[i] = maxFinite + 1
		}
		thresholdExceeded[i] = errorRate[i] > e.cfg.ErrorRateThreshold
		errorQuality[i] = 1 / (1 + errorRate[i])
	}

	shapedTweets := KurtosisShape(tweets, e.cfg.Kurtosis)
	shapedErrorQuality := KurtosisShape(errorQuality, e.cfg.Kurtosis)

	scores := make([]Score, n)
	for i, d := range deltas {
		base := e.cfg.WeightTweets*shapedTweets[i] + e.cfg.WeightErrorQuality*shapedErrorQuality[i]
		final := base
		if thresholdExceeded[i] {
			penalty := math.Min(1, (errorRate[i]-e.cfg.ErrorRateThreshold)/e.cfg.ErrorRateThreshold)
			final = base * (1 - penalty)
		}
		scores[i] = Score{
			Hotkey: d.Hotkey, UID: d.UID,
			Tweets: tweets[i], ErrorRate: errorRate[i], ThresholdExceeded: thresholdExceeded[i],
			ErrorQuality: errorQuality[i], Base: base, FinalScore: final,
		}
	}
	return scores
}
