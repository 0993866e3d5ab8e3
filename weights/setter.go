package weights

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mattdev071/subnet-42/chainiface"
	"github.com/mattdev071/subnet-42/types"
)

// SubmitAttempts and SubmitBackoff bound the chain submission retry loop.
const (
	SubmitAttempts = 3
	SubmitBackoff  = 10 * time.Second
)

// TelemetrySeries is the telemetry read/prune surface SetWeights and the
// scheduler's monitor-cleanup loop need: the full series for scoring, plus
// the aging-out delete enforcing TELEMETRY_EXPIRATION_HOURS.
type TelemetrySeries interface {
	All() ([]types.TelemetryRecord, error)
	DeleteOlderThan(cutoff time.Time) error
}

// Setter drives weight publication: block-interval gate, delta and score
// recompute, then a retried chain submission.
type Setter struct {
	chain  chainiface.Chain
	engine *Engine
	series TelemetrySeries
	netuid int
	log    log.Logger
	sleep  func(time.Duration)
}

// NewSetter builds a Setter. netuid is kept for the SetNodeWeights call; the
// validator's own node id is passed to SetWeights per call.
func NewSetter(chain chainiface.Chain, engine *Engine, series TelemetrySeries, netuid int) *Setter {
	return &Setter{chain: chain, engine: engine, series: series, netuid: netuid, log: log.New("component", "weights-setter"), sleep: time.Sleep}
}

// SetWeights gates on the chain's minimum update interval, recomputes scores
// from the current telemetry series, and submits them. It returns nil even
// when the block gate defers submission or the final chain call fails after
// retries — those are logged, not propagated, so a transient chain outage
// never aborts the scheduler loop that calls this.
func (s *Setter) SetWeights(ctx context.Context, validatorNodeID int, versionKey uint64, knownUIDs map[types.Hotkey]types.UID) error {
	since, err := s.chain.BlocksSinceLastUpdate(ctx)
	if err != nil {
		s.log.Error("blocks since last update", "err", err)
		return nil
	}
	minInterval, err := s.chain.MinInterval(ctx)
	if err != nil {
		s.log.Error("min interval", "err", err)
		return nil
	}
	if since < minInterval {
		wait := time.Duration(minInterval-since) * 12 * time.Second
		s.log.Info("weight interval not elapsed, deferring", "since", since, "min_interval", minInterval, "sleep", wait)
		s.sleep(wait)
		return nil
	}

	records, err := s.series.All()
	if err != nil {
		s.log.Error("read telemetry for scoring", "err", err)
		return nil
	}
	seriesByHotkey := map[types.Hotkey][]types.TelemetryRecord{}
	for _, r := range records {
		seriesByHotkey[r.Hotkey] = append(seriesByHotkey[r.Hotkey], r)
	}
	deltas := GetDeltaNodeData(seriesByHotkey, knownUIDs)
	scores := s.engine.CalculateWeights(deltas)

	uids := make([]types.UID, len(scores))
	weightVals := make([]float64, len(scores))
	for i, sc := range scores {
		uids[i] = sc.UID
		weightVals[i] = sc.FinalScore
	}

	var submitErr error
	for attempt := 1; attempt <= SubmitAttempts; attempt++ {
		submitErr = s.chain.SetNodeWeights(ctx, uids, weightVals, s.netuid, validatorNodeID, versionKey)
		if submitErr == nil {
			s.log.Info("weights submitted", "uids", len(uids))
			return nil
		}
		s.log.Warn("submit weights failed", "attempt", attempt, "err", submitErr)
		if attempt < SubmitAttempts {
			s.sleep(SubmitBackoff)
		}
	}
	s.log.Error("submit weights exhausted retries", "err", submitErr)
	return nil
}
