package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattdev071/subnet-42/bus"
	"github.com/mattdev071/subnet-42/chainiface"
	"github.com/mattdev071/subnet-42/monitor"
	"github.com/mattdev071/subnet-42/nodemanager"
	"github.com/mattdev071/subnet-42/registryclient"
	"github.com/mattdev071/subnet-42/routing"
	"github.com/mattdev071/subnet-42/store"
	"github.com/mattdev071/subnet-42/tee"
	"github.com/mattdev071/subnet-42/telemetryscorer"
	"github.com/mattdev071/subnet-42/transport"
	"github.com/mattdev071/subnet-42/types"
	"github.com/mattdev071/subnet-42/weights"
)

func hotkeyAt(b byte) types.Hotkey {
	var hk types.Hotkey
	for i := range hk {
		hk[i] = b
	}
	return hk
}

type testRig struct {
	rt        *routing.Table
	ts        *store.TelemetryStore
	es        *store.ErrorStore
	chain     *chainiface.Stub
	recorder  *bus.Recorder
	monitorM  *monitor.Monitor
	scheduler *Scheduler
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()
	rs, err := store.OpenRoutingStore(filepath.Join(dir, "routing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	ts, err := store.OpenTelemetryStore(filepath.Join(dir, "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	es, err := store.OpenErrorStore(filepath.Join(dir, "errors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })

	rt := routing.New(rs)
	chain := chainiface.NewStub(hotkeyAt(0xaa))
	nm := nodemanager.New(rt, transport.NewStub(), tee.New(), es)
	reg := registryclient.New("http://unused.invalid")
	scorer := telemetryscorer.New(rt, tee.New(), reg, ts, es, "")
	engine, err := weights.NewEngine(weights.DefaultEngineConfig)
	require.NoError(t, err)
	setter := weights.NewSetter(chain, engine, ts, 42)
	recorder := bus.NewRecorder()
	mon := monitor.New()

	cfg := Config{
		SyncCadence: MinCadence, UpdateTEECadence: MinCadence, TelemetryCadence: MinCadence, SetWeightsCadence: MinCadence,
		MonitorCleanupCadence: MinCadence, MonitorRetentionHours: DefaultMonitorRetentionHours,
		NetUID: 42, ValidatorNodeID: 1, VersionKey: 1,
		NatsChannel: "miners", NatsPriorityChannel: "priority", PriorityListSize: 8,
	}
	sched := New(cfg, chain, nm, scorer, setter, engine, ts, rt, recorder, mon)

	return &testRig{rt: rt, ts: ts, es: es, chain: chain, recorder: recorder, monitorM: mon, scheduler: sched}
}

func TestPublishConnectedNodesSkipsWhileFlagSet(t *testing.T) {
	rig := newRig(t)
	require.NoError(t, rig.rt.AddMinerAddress(hotkeyAt(1), 1, "https://tee.example.com", "worker-1"))

	rig.scheduler.Flag().Set()
	err := rig.scheduler.PublishConnectedNodes(context.Background())
	require.NoError(t, err)
	require.Empty(t, rig.recorder.Published)

	records := rig.monitorM.Records("send_connected_nodes")
	require.Len(t, records, 1)
	require.True(t, records[0].Skipped)
	require.Equal(t, "routing_table_updating", records[0].SkippedReason)
}

func TestPublishConnectedNodesPublishesWhenFlagClear(t *testing.T) {
	rig := newRig(t)
	require.NoError(t, rig.rt.AddMinerAddress(hotkeyAt(1), 1, "https://tee.example.com", "worker-1"))

	err := rig.scheduler.PublishConnectedNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, rig.recorder.Published, 2)
	require.Equal(t, "miners", rig.recorder.Published[0].Subject)
	require.Equal(t, "priority", rig.recorder.Published[1].Subject)
}

func TestSyncOnceRemovesDisconnectedNodes(t *testing.T) {
	rig := newRig(t)
	hk := hotkeyAt(2)
	require.NoError(t, rig.rt.AddMinerAddress(hk, 1, "https://tee2.example.com", "worker-2"))
	rig.scheduler.nodeManager.ConnectNewNodes(context.Background(), map[types.Hotkey]chainiface.NodeInfo{
		hk: {Hotkey: hk, IP: "1.2.3.4", Port: 1},
	})
	require.Len(t, rig.scheduler.nodeManager.Connected(), 1)

	require.NoError(t, rig.scheduler.syncOnce(context.Background()))
	require.Len(t, rig.scheduler.nodeManager.Connected(), 0)

	addrs, err := rig.rt.GetAllAddresses()
	require.NoError(t, err)
	require.Empty(t, addrs)
}

func TestMonitorCleanupOncePrunesAgedTelemetry(t *testing.T) {
	rig := newRig(t)
	rig.scheduler.cfg.TelemetryExpirationHours = 8

	hk := hotkeyAt(3)
	old := types.TelemetryRecord{Hotkey: hk, UID: 1, Timestamp: time.Now().Add(-48 * time.Hour)}
	fresh := types.TelemetryRecord{Hotkey: hk, UID: 1, Timestamp: time.Now()}
	require.NoError(t, rig.ts.Insert(old))
	require.NoError(t, rig.ts.Insert(fresh))

	require.NoError(t, rig.scheduler.monitorCleanupOnce(context.Background()))

	records, err := rig.ts.AllForHotkey(hk)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestMonitorCleanupOnceKeepsFreshUnregisteredTEEs(t *testing.T) {
	rig := newRig(t)
	rig.scheduler.cfg.UnregisteredTEERetentionHours = 24

	hk := hotkeyAt(4)
	require.NoError(t, rig.rt.StageUnverified("https://fresh-tee.example.com", hk))

	require.NoError(t, rig.scheduler.monitorCleanupOnce(context.Background()))

	entries, err := rig.rt.UnregisteredEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCadenceFloorEnforcesMinimum(t *testing.T) {
	require.Equal(t, MinCadence, cadenceFloor(time.Second))
	require.Equal(t, 40*time.Second, cadenceFloor(40*time.Second))
}

func TestRetryForHalvesCadenceWithFloor(t *testing.T) {
	require.Equal(t, MinCadence, retryFor(10*time.Second))
	require.Equal(t, 300*time.Second, retryFor(600*time.Second))
}

func TestRunLoopStopsOnContextCancel(t *testing.T) {
	rig := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})
	go func() {
		rig.scheduler.runLoop(ctx, "test_loop", MinCadence, MinCadence, func(context.Context) error {
			calls++
			return nil
		})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runLoop did not exit after cancel")
	}
	require.GreaterOrEqual(t, calls, 0)
}
