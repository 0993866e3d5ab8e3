package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattdev071/subnet-42/types"
)

// TelemetryStore persists the append-only telemetry time series.
type TelemetryStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenTelemetryStore opens (and migrates) telemetry_data.db, including the
// additive worker_id column for databases created before it existed.
func OpenTelemetryStore(path string) (*TelemetryStore, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	s := &TelemetryStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *TelemetryStore) Close() error { return s.db.Close() }

func (s *TelemetryStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS telemetry (
		hotkey TEXT NOT NULL,
		uid TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		worker_id TEXT,
		boot_time DATETIME,
		last_operation_time DATETIME,
		current_time_reported DATETIME,
		twitter_auth_errors INTEGER DEFAULT 0,
		twitter_errors INTEGER DEFAULT 0,
		twitter_ratelimit_errors INTEGER DEFAULT 0,
		twitter_returned_other INTEGER DEFAULT 0,
		twitter_returned_profiles INTEGER DEFAULT 0,
		twitter_returned_tweets INTEGER DEFAULT 0,
		twitter_scrapes INTEGER DEFAULT 0,
		web_errors INTEGER DEFAULT 0,
		web_success INTEGER DEFAULT 0
	)`)
	if err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrStoreUnavailable, err)
	}
	return s.ensureWorkerIDColumn()
}

// ensureWorkerIDColumn adds telemetry.worker_id in place when missing,
// tolerating an older schema version.
func (s *TelemetryStore) ensureWorkerIDColumn() error {
	rows, err := s.db.Query(`PRAGMA table_info(telemetry)`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	hasColumn := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if name == "worker_id" {
			hasColumn = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if hasColumn {
		return nil
	}
	if _, err := s.db.Exec(`ALTER TABLE telemetry ADD COLUMN worker_id TEXT`); err != nil {
		if strings.Contains(err.Error(), "duplicate column") {
			return nil
		}
		return fmt.Errorf("%w: add worker_id column: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Insert appends one telemetry reading.
func (s *TelemetryStore) Insert(rec types.TelemetryRecord) error {
	return withWriteLock(&s.mu, func() error {
		_, err := s.db.Exec(`INSERT INTO telemetry (
			hotkey, uid, timestamp, worker_id, boot_time, last_operation_time, current_time_reported,
			twitter_auth_errors, twitter_errors, twitter_ratelimit_errors, twitter_returned_other,
			twitter_returned_profiles, twitter_returned_tweets, twitter_scrapes, web_errors, web_success
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Hotkey.String(), fmt.Sprint(rec.UID), rec.Timestamp.UTC().Format(timestampLayout), string(rec.WorkerId),
			rec.BootTime.UTC().Format(timestampLayout), rec.LastOperationTime.UTC().Format(timestampLayout), rec.CurrentTime.UTC().Format(timestampLayout),
			rec.Counters.TwitterAuthErrors, rec.Counters.TwitterErrors, rec.Counters.TwitterRatelimitErrors, rec.Counters.TwitterReturnedOther,
			rec.Counters.TwitterReturnedProfiles, rec.Counters.TwitterReturnedTweets, rec.Counters.TwitterScrapes, rec.Counters.WebErrors, rec.Counters.WebSuccess)
		return err
	})
}

// AllForHotkey returns every telemetry record for hotkey, oldest first.
func (s *TelemetryStore) AllForHotkey(hotkey types.Hotkey) ([]types.TelemetryRecord, error) {
	rows, err := s.db.Query(`SELECT hotkey, uid, timestamp, worker_id, boot_time, last_operation_time, current_time_reported,
		twitter_auth_errors, twitter_errors, twitter_ratelimit_errors, twitter_returned_other,
		twitter_returned_profiles, twitter_returned_tweets, twitter_scrapes, web_errors, web_success
		FROM telemetry WHERE hotkey = ? ORDER BY timestamp ASC`, hotkey.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return scanTelemetryRows(rows)
}

// All returns every telemetry record, ordered by hotkey and, within each
// hotkey, oldest first.
func (s *TelemetryStore) All() ([]types.TelemetryRecord, error) {
	rows, err := s.db.Query(`SELECT hotkey, uid, timestamp, worker_id, boot_time, last_operation_time, current_time_reported,
		twitter_auth_errors, twitter_errors, twitter_ratelimit_errors, twitter_returned_other,
		twitter_returned_profiles, twitter_returned_tweets, twitter_scrapes, web_errors, web_success
		FROM telemetry ORDER BY hotkey, timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return scanTelemetryRows(rows)
}

func scanTelemetryRows(rows *sql.Rows) ([]types.TelemetryRecord, error) {
	var out []types.TelemetryRecord
	for rows.Next() {
		var hk, uidStr, ts, wid, boot, lastOp, cur string
		var c types.TelemetryCounters
		if err := rows.Scan(&hk, &uidStr, &ts, &wid, &boot, &lastOp, &cur,
			&c.TwitterAuthErrors, &c.TwitterErrors, &c.TwitterRatelimitErrors, &c.TwitterReturnedOther,
			&c.TwitterReturnedProfiles, &c.TwitterReturnedTweets, &c.TwitterScrapes, &c.WebErrors, &c.WebSuccess); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		h, err := types.HotkeyFromHex(hk)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt hotkey: %v", ErrStoreUnavailable, err)
		}
		timestamp, _ := parseTimestamp(ts)
		boottime, _ := parseTimestamp(boot)
		lastOperation, _ := parseTimestamp(lastOp)
		current, _ := parseTimestamp(cur)
		var uid uint64
		fmt.Sscan(uidStr, &uid)
		out = append(out, types.TelemetryRecord{
			Hotkey: h, UID: types.UID(uid), WorkerId: types.WorkerId(wid),
			Timestamp: timestamp, BootTime: boottime, LastOperationTime: lastOperation, CurrentTime: current,
			Counters: c,
		})
	}
	return out, rows.Err()
}

// DeleteOlderThan removes every record whose timestamp precedes the cutoff —
// used to enforce TELEMETRY_EXPIRATION_HOURS.
func (s *TelemetryStore) DeleteOlderThan(cutoff time.Time) error {
	return withWriteLock(&s.mu, func() error {
		_, err := s.db.Exec(`DELETE FROM telemetry WHERE timestamp < ?`, cutoff.UTC().Format(timestampLayout))
		return err
	})
}
