package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mattdev071/subnet-42/types"
)

// ErrorStore persists the ring-retained operational error log.
type ErrorStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenErrorStore opens (and migrates) errors.db.
func OpenErrorStore(path string) (*ErrorStore, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	s := &ErrorStore{db: db}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		hotkey TEXT,
		tee_address TEXT,
		miner_address TEXT,
		message TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrStoreUnavailable, err)
	}
	return s, nil
}

func (s *ErrorStore) Close() error { return s.db.Close() }

// Record appends one error row.
func (s *ErrorStore) Record(rec types.ErrorRecord) error {
	return withWriteLock(&s.mu, func() error {
		_, err := s.db.Exec(`INSERT INTO errors (timestamp, hotkey, tee_address, miner_address, message) VALUES (CURRENT_TIMESTAMP, ?, ?, ?, ?)`,
			rec.Hotkey.String(), string(rec.TEEAddress), rec.MinerAddress, rec.Message)
		return err
	})
}

// All returns every error row, newest first.
func (s *ErrorStore) All() ([]types.ErrorRecord, error) {
	return s.query(`SELECT id, timestamp, hotkey, tee_address, miner_address, message FROM errors ORDER BY id DESC`)
}

// ForHotkey returns every error row for hotkey, newest first.
func (s *ErrorStore) ForHotkey(hotkey types.Hotkey) ([]types.ErrorRecord, error) {
	return s.query(`SELECT id, timestamp, hotkey, tee_address, miner_address, message FROM errors WHERE hotkey = ? ORDER BY id DESC`, hotkey.String())
}

func (s *ErrorStore) query(q string, args ...interface{}) ([]types.ErrorRecord, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var out []types.ErrorRecord
	for rows.Next() {
		var id int64
		var ts, hk, tee, miner, msg string
		if err := rows.Scan(&id, &ts, &hk, &tee, &miner, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		timestamp, _ := parseTimestamp(ts)
		var h types.Hotkey
		if hk != "" {
			if parsed, err := types.HotkeyFromHex(hk); err == nil {
				h = parsed
			}
		}
		out = append(out, types.ErrorRecord{
			ID: id, Timestamp: timestamp, Hotkey: h,
			TEEAddress: types.TEEAddress(tee), MinerAddress: miner, Message: msg,
		})
	}
	return out, rows.Err()
}

// CleanupOlderThan removes every error row older than days.
func (s *ErrorStore) CleanupOlderThan(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UTC().Format(timestampLayout)
	var affected int64
	err := withWriteLock(&s.mu, func() error {
		res, err := s.db.Exec(`DELETE FROM errors WHERE timestamp < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
