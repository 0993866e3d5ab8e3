package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattdev071/subnet-42/types"
)

func TestErrorStoreRecordAndQuery(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenErrorStore(filepath.Join(dir, "errors.db"))
	require.NoError(t, err)
	defer s.Close()

	hk := mustHotkey(t, 0x20)
	require.NoError(t, s.Record(types.ErrorRecord{Hotkey: hk, TEEAddress: "https://tee.example/1", Message: "boom"}))
	require.NoError(t, s.Record(types.ErrorRecord{Message: "unrelated"}))

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)

	forHotkey, err := s.ForHotkey(hk)
	require.NoError(t, err)
	require.Len(t, forHotkey, 1)
	require.Equal(t, "boom", forHotkey[0].Message)
}

func TestErrorStoreCleanupOlderThan(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenErrorStore(filepath.Join(dir, "errors.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record(types.ErrorRecord{Message: "old"}))
	_, err = s.db.Exec(`UPDATE errors SET timestamp = ?`, time.Now().AddDate(0, 0, -10).UTC().Format(timestampLayout))
	require.NoError(t, err)

	affected, err := s.CleanupOlderThan(5)
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	all, err := s.All()
	require.NoError(t, err)
	require.Empty(t, all)
}
