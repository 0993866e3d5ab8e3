package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartUpdateEndRecordsStatistics(t *testing.T) {
	m := New()
	key := m.Start("telemetry")
	success := 3
	failed := 1
	nodes := 4
	m.Update("telemetry", key, &nodes, &success, &failed, []string{"oops"}, map[string]float64{"latency_ms": 12.5})
	m.End("telemetry", key)

	stats, ok := m.GetStatistics("telemetry")
	require.True(t, ok)
	require.Equal(t, 1, stats.TotalRuns)
	require.Equal(t, 9, stats.TotalNodes) // nodes + success + failed as recorded
	require.Greater(t, stats.SuccessRate, 0.0)

	records := m.Records("telemetry")
	require.Len(t, records, 1)
	require.Equal(t, []string{"oops"}, records[0].Errors)
}

func TestRingBufferBounded(t *testing.T) {
	m := New()
	m.ringSize = 3
	for i := 0; i < 5; i++ {
		key := m.Start("sync")
		m.End("sync", key)
	}
	require.Len(t, m.Records("sync"), 3)
}

func TestRingBufferPreservesChronologicalOrderAfterWrap(t *testing.T) {
	m := New()
	m.ringSize = 3
	var nodes []int
	for i := 0; i < 5; i++ {
		key := m.Start("sync")
		n := i
		m.Update("sync", key, &n, nil, nil, nil, nil)
		m.End("sync", key)
	}
	records := m.Records("sync")
	require.Len(t, records, 3)
	for _, r := range records {
		nodes = append(nodes, r.NodesProcessed)
	}
	// Only the last 3 iterations (2,3,4) survive, in the order they ran.
	require.Equal(t, []int{2, 3, 4}, nodes)
}

func TestMarkSkipped(t *testing.T) {
	m := New()
	key := m.Start("send_connected_nodes")
	m.MarkSkipped("send_connected_nodes", key, "routing_table_updating")
	m.End("send_connected_nodes", key)

	records := m.Records("send_connected_nodes")
	require.Len(t, records, 1)
	require.True(t, records[0].Skipped)
	require.Equal(t, "routing_table_updating", records[0].SkippedReason)
}

func TestCleanupOldRecords(t *testing.T) {
	m := New()
	key := m.Start("sync")
	m.End("sync", key)
	// Force the record to look 48h old.
	m.state["sync"].ring[0].Start = time.Now().Add(-48 * time.Hour)

	m.CleanupOldRecords(24)

	require.Empty(t, m.Records("sync"))
}
