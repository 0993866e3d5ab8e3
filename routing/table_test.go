package routing

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattdev071/subnet-42/store"
	"github.com/mattdev071/subnet-42/types"
)

func newTable(t *testing.T) *Table {
	t.Helper()
	s, err := store.OpenRoutingStore(filepath.Join(t.TempDir(), "miner_tee_addresses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func hotkey(b byte) types.Hotkey {
	var hk types.Hotkey
	for i := range hk {
		hk[i] = b
	}
	return hk
}

func TestClaimWorkerFirstClaimThenConflict(t *testing.T) {
	tbl := newTable(t)
	hkA := hotkey(0xA1)
	hkB := hotkey(0xB2)

	isNew, err := tbl.ClaimWorker("w1", hkA)
	require.NoError(t, err)
	require.True(t, isNew)

	_, err = tbl.ClaimWorker("w1", hkB)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOwnershipConflict))

	isNew, err = tbl.ClaimWorker("w1", hkA)
	require.NoError(t, err)
	require.False(t, isNew)
}

func TestReconcileRemovesDrift(t *testing.T) {
	tbl := newTable(t)
	hk := hotkey(0xC3)
	require.NoError(t, tbl.StageUnverified("https://tee.example/1", hk))
	require.NoError(t, tbl.AddMinerAddress(hk, 1, "https://tee.example/1", "w1"))
	require.NoError(t, tbl.Reconcile())

	entries, err := tbl.UnregisteredEntries()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPruneUnregisteredOlderThanDeletesEntriesBeforeCutoff(t *testing.T) {
	tbl := newTable(t)
	hk := hotkey(0xD4)
	require.NoError(t, tbl.StageUnverified("https://stale-tee.example/1", hk))

	n, err := tbl.PruneUnregisteredOlderThan(time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	entries, err := tbl.UnregisteredEntries()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPruneUnregisteredOlderThanKeepsEntriesAfterCutoff(t *testing.T) {
	tbl := newTable(t)
	hk := hotkey(0xE5)
	require.NoError(t, tbl.StageUnverified("https://live-tee.example/1", hk))

	n, err := tbl.PruneUnregisteredOlderThan(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	entries, err := tbl.UnregisteredEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
