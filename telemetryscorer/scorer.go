// Package telemetryscorer implements the Telemetry Scorer (C5): the per-cycle
// pull of fresh telemetry from every registered TEE address, aggregated into
// one TelemetryRecord per hotkey and appended to the telemetry store.
package telemetryscorer

import (
	"context"
	"fmt"
	"sync"

	"github.com/JekaMas/workerpool"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mattdev071/subnet-42/registryclient"
	"github.com/mattdev071/subnet-42/routing"
	"github.com/mattdev071/subnet-42/store"
	"github.com/mattdev071/subnet-42/tee"
	"github.com/mattdev071/subnet-42/types"
)

// PoolWidth bounds the per-cycle fan-out of telemetry pulls.
const PoolWidth = 32

// Scorer pulls fresh telemetry from every routed address once per cycle and
// aggregates it into the telemetry store.
type Scorer struct {
	routing    *routing.Table
	verifier   *tee.Verifier
	registry   *registryclient.Client
	telemetry  *store.TelemetryStore
	errors     *store.ErrorStore
	log        log.Logger
	resultHost string
}

// New builds a Scorer over an already-open routing table, verifier and
// stores. resultHost overrides the result-decoding host for every pull;
// empty means "same as the candidate address".
func New(rt *routing.Table, v *tee.Verifier, reg *registryclient.Client, telemetry *store.TelemetryStore, errStore *store.ErrorStore, resultHost string) *Scorer {
	return &Scorer{
		routing:    rt,
		verifier:   v,
		registry:   reg,
		telemetry:  telemetry,
		errors:     errStore,
		log:        log.New("component", "telemetry-scorer"),
		resultHost: resultHost,
	}
}

// Run pulls telemetry from every routed address, fanning the pulls out over a
// bounded worker pool, and appends one record per successful pull.
func (s *Scorer) Run(ctx context.Context) error {
	routes, err := s.routing.GetAllAddressesWithHotkeys()
	if err != nil {
		return fmt.Errorf("list routes: %w", err)
	}

	activeStatName := s.registry.ActiveStatName(ctx)
	activeWorkerVersion := s.registry.ActiveWorkerVersion(ctx)

	var (
		mu        sync.Mutex
		processed int
		failed    int
	)

	pool := workerpool.New(PoolWidth)
	for _, route := range routes {
		route := route
		pool.Submit(func() {
			ok := s.pullOne(ctx, route, activeStatName, activeWorkerVersion)
			mu.Lock()
			processed++
			if !ok {
				failed++
			}
			mu.Unlock()
		})
	}
	pool.StopWait()

	s.log.Info("telemetry cycle complete", "routes", len(routes), "processed", processed, "failed", failed)
	return nil
}

func (s *Scorer) pullOne(ctx context.Context, route store.AddressHotkeyWorker, activeStatName, activeWorkerVersion string) bool {
	resultHost := string(route.Address)
	if s.resultHost != "" {
		resultHost = s.resultHost
	}

	result, err := s.verifier.Verify(ctx, string(route.Address), resultHost)
	if err != nil {
		s.recordError(route, fmt.Sprintf("telemetry pull: %v", err))
		return false
	}
	if result == nil {
		s.recordError(route, "telemetry pull: exhausted retries")
		return false
	}

	rec := aggregate(route, result, activeStatName, activeWorkerVersion)
	if err := s.telemetry.Insert(rec); err != nil {
		s.log.Error("insert telemetry record failed", "hotkey", route.Hotkey, "err", err)
		return false
	}
	return true
}

// aggregate implements the telemetry aggregation rule: a worker_version
// mismatch (or either side being absent) zeros the record, a legacy-format
// payload is treated as zero, and otherwise counters are summed only for the
// by-worker entry keyed by the active stat_name, or over every by-worker
// entry when the active stat_name is empty.
func aggregate(route store.AddressHotkeyWorker, result *tee.Result, activeStatName, activeWorkerVersion string) types.TelemetryRecord {
	rec := types.TelemetryRecord{
		Hotkey:            route.Hotkey,
		UID:               route.UID,
		WorkerId:          route.WorkerId,
		Timestamp:         result.CurrentTime,
		BootTime:          result.BootTime,
		LastOperationTime: result.LastOperationTime,
		CurrentTime:       result.CurrentTime,
	}

	if activeWorkerVersion == "" || result.WorkerVersion == "" || result.WorkerVersion != activeWorkerVersion {
		return rec
	}
	if result.Stats.IsLegacy() {
		return rec
	}

	if activeStatName == "" {
		for _, counters := range result.Stats.ByWorker {
			rec.Counters = sumCounters(rec.Counters, counters)
		}
		return rec
	}
	if counters, ok := result.Stats.ByWorker[activeStatName]; ok {
		rec.Counters = sumCounters(rec.Counters, counters)
	}
	return rec
}

func sumCounters(acc types.TelemetryCounters, c tee.Counters) types.TelemetryCounters {
	acc.TwitterAuthErrors += c.TwitterAuthErrors
	acc.TwitterErrors += c.TwitterErrors
	acc.TwitterRatelimitErrors += c.TwitterRatelimitErrors
	acc.TwitterReturnedOther += c.TwitterReturnedOther
	acc.TwitterReturnedProfiles += c.TwitterReturnedProfiles
	acc.TwitterReturnedTweets += c.TwitterReturnedTweets
	acc.TwitterScrapes += c.TwitterScrapes
	acc.WebErrors += c.WebErrors
	acc.WebSuccess += c.WebSuccess
	return acc
}

func (s *Scorer) recordError(route store.AddressHotkeyWorker, message string) {
	s.log.Warn("telemetry pull failed", "hotkey", route.Hotkey, "address", route.Address, "err", message)
	if s.errors == nil {
		return
	}
	if err := s.errors.Record(types.ErrorRecord{Hotkey: route.Hotkey, TEEAddress: route.Address, Message: message}); err != nil {
		s.log.Error("record error failed", "err", err)
	}
}
