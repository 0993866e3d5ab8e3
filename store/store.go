// Package store implements the three persistent SQLite-backed tables of the
// validator control plane: the routing/worker-registry tables, the
// telemetry time series, and the error log.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ethereum/go-ethereum/log"
)

// ErrStoreUnavailable wraps any I/O error surfaced by a store operation. The
// contract is that a store never panics the caller's loop — every
// failure comes back as this sentinel.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrAddressAlreadyClaimed is returned by AddMinerAddress when the address is
// already owned by a different hotkey (or the UNIQUE constraint on
// miner_addresses.address rejects the insert).
var ErrAddressAlreadyClaimed = errors.New("address already claimed")

// open opens a SQLite database file with a single shared *sql.DB, relying on
// go-sqlite3's own internal connection mutex plus our own writer lock for
// serialized writes.
func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: ping %s: %v", ErrStoreUnavailable, path, err)
	}
	return db, nil
}

// withWriteLock runs fn while holding mu, translating any returned error into
// ErrStoreUnavailable unless it is already a recognized sentinel.
func withWriteLock(mu *sync.Mutex, fn func() error) error {
	mu.Lock()
	defer mu.Unlock()
	if err := fn(); err != nil {
		if errors.Is(err, ErrAddressAlreadyClaimed) {
			storeLog.Debug("address already claimed", "err", err)
			return err
		}
		storeLog.Error("store write failed", "err", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

var storeLog = log.New("component", "store")

// isUniqueConstraint reports whether err is a SQLite UNIQUE constraint
// violation, the mechanism the routing store uses to enforce first-claim
// addresses.
func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
