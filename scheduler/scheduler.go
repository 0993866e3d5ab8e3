// Package scheduler implements the Scheduler (C7): four independent periodic
// loops (sync, update-tee, telemetry, set-weights) plus a monitor-cleanup
// loop, coordinated by a single routing_table_updating flag shared between
// the update-tee loop and the connected-nodes publish path.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mattdev071/subnet-42/bus"
	"github.com/mattdev071/subnet-42/chainiface"
	"github.com/mattdev071/subnet-42/monitor"
	"github.com/mattdev071/subnet-42/nodemanager"
	"github.com/mattdev071/subnet-42/routing"
	"github.com/mattdev071/subnet-42/telemetryscorer"
	"github.com/mattdev071/subnet-42/types"
	"github.com/mattdev071/subnet-42/weights"
)

// Default cadences, matching the per-loop table: sync every 2 minutes,
// update-tee hourly, telemetry and set-weights every 10 minutes, monitor
// cleanup hourly with a fixed 300s retry.
const (
	DefaultSyncCadence           = 120 * time.Second
	DefaultUpdateTEECadence      = 3600 * time.Second
	DefaultTelemetryCadence      = 600 * time.Second
	DefaultSetWeightsCadence     = 600 * time.Second
	DefaultMonitorCleanupCadence = 3600 * time.Second
	DefaultMonitorRetentionHours = 24

	DefaultTelemetryExpirationHours      = 8
	DefaultUnregisteredTEERetentionHours = 24

	MonitorCleanupRetry = 300 * time.Second
	MinCadence          = 30 * time.Second
)

// Config holds every scheduler-tunable cadence plus the identifiers its
// loops need to call Chain and MessageBus.
type Config struct {
	SyncCadence           time.Duration
	UpdateTEECadence      time.Duration
	TelemetryCadence      time.Duration
	SetWeightsCadence     time.Duration
	MonitorCleanupCadence time.Duration
	MonitorRetentionHours int

	TelemetryExpirationHours      int
	UnregisteredTEERetentionHours int

	NetUID          int
	ValidatorNodeID int
	VersionKey      uint64

	NatsChannel         string
	NatsPriorityChannel string
	PriorityListSize    int
}

// Scheduler owns the four periodic loops and the routing_table_updating
// coordination flag.
type Scheduler struct {
	cfg Config

	chain        chainiface.Chain
	nodeManager  *nodemanager.Manager
	scorer       *telemetryscorer.Scorer
	setter       *weights.Setter
	engine       *weights.Engine
	telemetry    weights.TelemetrySeries
	routingTable *routing.Table
	bus          bus.MessageBus
	monitorM     *monitor.Monitor

	flag RoutingUpdateFlag
	log  log.Logger

	scoresMu     sync.Mutex
	latestScores map[types.Hotkey]float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Scheduler over already-constructed components, per the
// one-way injection order: stores, routing table, verifier, node manager,
// scorer, weights engine, then the scheduler itself.
func New(cfg Config, chain chainiface.Chain, nodeManager *nodemanager.Manager, scorer *telemetryscorer.Scorer, setter *weights.Setter, engine *weights.Engine, telemetry weights.TelemetrySeries, routingTable *routing.Table, messageBus bus.MessageBus, mon *monitor.Monitor) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		chain:        chain,
		nodeManager:  nodeManager,
		scorer:       scorer,
		setter:       setter,
		engine:       engine,
		telemetry:    telemetry,
		routingTable: routingTable,
		bus:          messageBus,
		monitorM:     mon,
		log:          log.New("component", "scheduler"),
		latestScores: map[types.Hotkey]float64{},
	}
}

// Start launches all five loops as goroutines under ctx; Stop cancels them
// and waits for exit.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	loops := []struct {
		name    string
		cadence time.Duration
		retry   time.Duration
		fn      func(context.Context) error
	}{
		{"sync", s.cfg.SyncCadence, retryFor(s.cfg.SyncCadence), s.syncOnce},
		{"update_tee", s.cfg.UpdateTEECadence, retryFor(s.cfg.UpdateTEECadence), s.updateTEEOnce},
		{"telemetry", s.cfg.TelemetryCadence, retryFor(s.cfg.TelemetryCadence), s.telemetryOnce},
		{"set_weights", s.cfg.SetWeightsCadence, retryFor(s.cfg.SetWeightsCadence), s.setWeightsOnce},
		{"monitor_cleanup", s.cfg.MonitorCleanupCadence, MonitorCleanupRetry, s.monitorCleanupOnce},
	}
	for _, l := range loops {
		l := l
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(ctx, l.name, l.cadence, l.retry, l.fn)
		}()
	}
}

// Stop cancels every loop and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func cadenceFloor(d time.Duration) time.Duration {
	if d < MinCadence {
		return MinCadence
	}
	return d
}

// retryFor implements the periodic-loop retry contract: max(30s, cadence/2).
func retryFor(cadence time.Duration) time.Duration {
	half := cadence / 2
	if half < MinCadence {
		return MinCadence
	}
	return half
}

// runLoop drives one named loop: Start/End bracket every iteration, a
// panic or returned error is caught at the loop boundary (clearing the
// routing-update flag, annotating the monitor record), and the loop sleeps
// retry instead of cadence before the next attempt.
func (s *Scheduler) runLoop(ctx context.Context, name string, cadence, retry time.Duration, fn func(context.Context) error) {
	cadence = cadenceFloor(cadence)
	for {
		if ctx.Err() != nil {
			return
		}

		key := s.monitorM.Start(name)
		err := s.runOnce(ctx, fn)
		if err != nil {
			s.monitorM.Update(name, key, nil, nil, nil, []string{err.Error()}, nil)
			s.flag.Clear()
			s.monitorM.End(name, key)
			s.log.Error("loop iteration failed", "loop", name, "err", err)
			if !sleepCtx(ctx, retry) {
				return
			}
			continue
		}
		s.monitorM.End(name, key)
		if !sleepCtx(ctx, cadence) {
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) syncOnce(ctx context.Context) error {
	if err := s.chain.SyncNodes(ctx); err != nil {
		return fmt.Errorf("sync nodes: %w", err)
	}
	nodes, err := s.chain.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	s.nodeManager.RemoveDisconnectedNodes(nodes)
	return nil
}

func (s *Scheduler) updateTEEOnce(ctx context.Context) error {
	nodes, err := s.chain.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	s.nodeManager.ConnectNewNodes(ctx, nodes)

	uidForHotkey := uidsFromNodes(nodes)
	s.flag.Set()
	err = func() error {
		defer s.flag.Clear()
		return s.nodeManager.UpdateTEEList(ctx, uidForHotkey)
	}()
	if err != nil {
		return fmt.Errorf("update tee list: %w", err)
	}
	return s.PublishConnectedNodes(ctx)
}

func (s *Scheduler) telemetryOnce(ctx context.Context) error {
	return s.scorer.Run(ctx)
}

func (s *Scheduler) setWeightsOnce(ctx context.Context) error {
	nodes, err := s.chain.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	known := uidsFromNodes(nodes)

	if err := s.setter.SetWeights(ctx, s.cfg.ValidatorNodeID, s.cfg.VersionKey, known); err != nil {
		return fmt.Errorf("set weights: %w", err)
	}

	scores, err := s.scoreSnapshotFor(known)
	if err != nil {
		return fmt.Errorf("score snapshot: %w", err)
	}
	m := make(map[types.Hotkey]float64, len(scores))
	for _, sc := range scores {
		m[sc.Hotkey] = sc.FinalScore
		s.nodeManager.SendScoreReport(ctx, sc.Hotkey, sc.UID, sc.FinalScore)
	}
	s.scoresMu.Lock()
	s.latestScores = m
	s.scoresMu.Unlock()
	return nil
}

// monitorCleanupOnce trims the monitor rings and enforces the two
// time-bounded retention invariants that otherwise have no periodic trigger:
// telemetry aged out past TELEMETRY_EXPIRATION_HOURS (spec.md §3/§4.1) and
// unregistered-TEE staging entries past their retention window.
func (s *Scheduler) monitorCleanupOnce(ctx context.Context) error {
	hours := s.cfg.MonitorRetentionHours
	if hours <= 0 {
		hours = DefaultMonitorRetentionHours
	}
	s.monitorM.CleanupOldRecords(hours)

	telemetryHours := s.cfg.TelemetryExpirationHours
	if telemetryHours <= 0 {
		telemetryHours = DefaultTelemetryExpirationHours
	}
	if err := s.telemetry.DeleteOlderThan(time.Now().Add(-time.Duration(telemetryHours) * time.Hour)); err != nil {
		return fmt.Errorf("prune telemetry: %w", err)
	}

	unregisteredHours := s.cfg.UnregisteredTEERetentionHours
	if unregisteredHours <= 0 {
		unregisteredHours = DefaultUnregisteredTEERetentionHours
	}
	if _, err := s.routingTable.PruneUnregisteredOlderThan(time.Now().Add(-time.Duration(unregisteredHours) * time.Hour)); err != nil {
		return fmt.Errorf("prune unregistered tees: %w", err)
	}
	return nil
}

func uidsFromNodes(nodes map[types.Hotkey]chainiface.NodeInfo) map[types.Hotkey]types.UID {
	out := make(map[types.Hotkey]types.UID, len(nodes))
	for hk, n := range nodes {
		out[hk] = types.UID(n.NodeID)
	}
	return out
}

// ScoreSnapshot scores every hotkey against the current telemetry series
// without touching the chain submission path — the same computation the
// admin API's score-simulation endpoint exposes on demand.
func (s *Scheduler) ScoreSnapshot(ctx context.Context) ([]weights.Score, error) {
	nodes, err := s.chain.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return s.scoreSnapshotFor(uidsFromNodes(nodes))
}

func (s *Scheduler) scoreSnapshotFor(known map[types.Hotkey]types.UID) ([]weights.Score, error) {
	records, err := s.telemetry.All()
	if err != nil {
		return nil, err
	}
	seriesByHotkey := map[types.Hotkey][]types.TelemetryRecord{}
	for _, r := range records {
		seriesByHotkey[r.Hotkey] = append(seriesByHotkey[r.Hotkey], r)
	}
	deltas := weights.GetDeltaNodeData(seriesByHotkey, known)
	return s.engine.CalculateWeights(deltas), nil
}

// PublishConnectedNodes is the shared publish path: it runs under its own
// monitor entry ("send_connected_nodes") so both the update-tee loop and the
// admin trigger endpoint share the exact same interlock behavior. If the
// routing table is mid-update it skips without publishing.
func (s *Scheduler) PublishConnectedNodes(ctx context.Context) error {
	key := s.monitorM.Start("send_connected_nodes")
	defer s.monitorM.End("send_connected_nodes", key)

	if s.flag.IsSet() {
		s.monitorM.MarkSkipped("send_connected_nodes", key, "routing_table_updating")
		return nil
	}

	addrs, err := s.routingTable.GetAllAddressesAtomic()
	if err != nil {
		return fmt.Errorf("snapshot addresses: %w", err)
	}
	payload, err := json.Marshal(addrs)
	if err != nil {
		return fmt.Errorf("marshal addresses: %w", err)
	}
	if err := s.bus.Publish(s.cfg.NatsChannel, payload); err != nil {
		return fmt.Errorf("publish addresses: %w", err)
	}

	scores, err := s.addressScores()
	if err != nil {
		return fmt.Errorf("address scores: %w", err)
	}
	size := s.cfg.PriorityListSize
	if size <= 0 {
		size = weights.DefaultPriorityListLength
	}
	priority := weights.GetPriorityMinersByScore(scores, size, nil)
	priorityPayload, err := json.Marshal(priority)
	if err != nil {
		return fmt.Errorf("marshal priority list: %w", err)
	}
	return s.bus.Publish(s.cfg.NatsPriorityChannel, priorityPayload)
}

func (s *Scheduler) addressScores() ([]weights.AddressScore, error) {
	routes, err := s.routingTable.GetAllAddressesWithHotkeys()
	if err != nil {
		return nil, err
	}
	s.scoresMu.Lock()
	scores := s.latestScores
	s.scoresMu.Unlock()

	out := make([]weights.AddressScore, 0, len(routes))
	for _, r := range routes {
		out = append(out, weights.AddressScore{Address: r.Address, Score: scores[r.Hotkey]})
	}
	return out, nil
}

// Flag exposes the routing_table_updating coordination flag, e.g. for an
// admin endpoint reporting coordination state.
func (s *Scheduler) Flag() *RoutingUpdateFlag { return &s.flag }
