package store

import (
	"database/sql"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mattdev071/subnet-42/types"
)

// RoutingStore persists the three address-related tables: miner_addresses,
// worker_registry, unregistered_tees.
type RoutingStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenRoutingStore opens (and migrates) miner_tee_addresses.db.
func OpenRoutingStore(path string) (*RoutingStore, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	s := &RoutingStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RoutingStore) Close() error { return s.db.Close() }

func (s *RoutingStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS miner_addresses (
			hotkey TEXT NOT NULL,
			uid TEXT NOT NULL,
			address TEXT UNIQUE NOT NULL,
			worker_id TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS worker_registry (
			worker_id TEXT PRIMARY KEY,
			hotkey TEXT NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS unregistered_tees (
			address TEXT PRIMARY KEY,
			hotkey TEXT NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", ErrStoreUnavailable, err)
		}
	}
	return nil
}

// AddMinerAddress implements the first-claim ownership contract: refresh-in-place on an
// identical row, replace-on-(hotkey,uid) when the address/worker_id changed,
// and a hard AddressAlreadyClaimed failure when another hotkey already owns
// the address.
func (s *RoutingStore) AddMinerAddress(hotkey types.Hotkey, uid types.UID, address types.TEEAddress, workerID types.WorkerId) error {
	return withWriteLock(&s.mu, func() error {
		var existingHotkey, existingUID, existingWorkerID string
		err := s.db.QueryRow(`SELECT hotkey, uid, worker_id FROM miner_addresses WHERE address = ?`, string(address)).
			Scan(&existingHotkey, &existingUID, &existingWorkerID)
		switch {
		case err == sql.ErrNoRows:
			// no existing owner; fall through to insert.
		case err != nil:
			return err
		default:
			if existingHotkey != hotkey.String() {
				return ErrAddressAlreadyClaimed
			}
			// Same hotkey already owns this address: refresh timestamp.
			_, err := s.db.Exec(`UPDATE miner_addresses SET uid = ?, worker_id = ?, timestamp = CURRENT_TIMESTAMP WHERE address = ?`,
				fmt.Sprint(uid), string(workerID), string(address))
			return err
		}

		// Same (hotkey, uid) may already own a different address/worker_id —
		// delete it before inserting the new one.
		if _, err := s.db.Exec(`DELETE FROM miner_addresses WHERE hotkey = ? AND uid = ? AND address != ?`,
			hotkey.String(), fmt.Sprint(uid), string(address)); err != nil {
			return err
		}

		_, err = s.db.Exec(`INSERT INTO miner_addresses (hotkey, uid, address, worker_id) VALUES (?, ?, ?, ?)`,
			hotkey.String(), fmt.Sprint(uid), string(address), string(workerID))
		if isUniqueConstraint(err) {
			return ErrAddressAlreadyClaimed
		}
		return err
	})
}

// GetWorkerHotkey returns the hotkey bound to workerID, or a zero Hotkey and
// false if unbound.
func (s *RoutingStore) GetWorkerHotkey(workerID types.WorkerId) (types.Hotkey, bool, error) {
	var hk string
	err := s.db.QueryRow(`SELECT hotkey FROM worker_registry WHERE worker_id = ?`, string(workerID)).Scan(&hk)
	if err == sql.ErrNoRows {
		return types.Hotkey{}, false, nil
	}
	if err != nil {
		return types.Hotkey{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	h, err := types.HotkeyFromHex(hk)
	if err != nil {
		return types.Hotkey{}, false, fmt.Errorf("%w: corrupt hotkey: %v", ErrStoreUnavailable, err)
	}
	return h, true, nil
}

// RegisterWorker inserts-or-replaces the worker_id -> hotkey binding. Callers
// must have already checked GetWorkerHotkey for a conflicting owner.
func (s *RoutingStore) RegisterWorker(workerID types.WorkerId, hotkey types.Hotkey) error {
	return withWriteLock(&s.mu, func() error {
		_, err := s.db.Exec(`INSERT INTO worker_registry (worker_id, hotkey, timestamp) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(worker_id) DO UPDATE SET hotkey = excluded.hotkey, timestamp = CURRENT_TIMESTAMP`,
			string(workerID), hotkey.String())
		return err
	})
}

// ClearMiner deletes all addresses owned by hotkey. The worker_id binding in
// worker_registry is left untouched.
func (s *RoutingStore) ClearMiner(hotkey types.Hotkey) error {
	return withWriteLock(&s.mu, func() error {
		_, err := s.db.Exec(`DELETE FROM miner_addresses WHERE hotkey = ?`, hotkey.String())
		return err
	})
}

// GetAllAddresses returns the current distinct address set in randomized
// order, so no caller can infer index-order meaning.
func (s *RoutingStore) GetAllAddresses() ([]types.TEEAddress, error) {
	return s.getAllAddresses(false)
}

// GetAllAddressesAtomic is identical but holds the write lock for the
// duration of the read, producing a single consistent snapshot suitable as a
// NATS publish payload.
func (s *RoutingStore) GetAllAddressesAtomic() ([]types.TEEAddress, error) {
	return s.getAllAddresses(true)
}

func (s *RoutingStore) getAllAddresses(atomic bool) ([]types.TEEAddress, error) {
	query := func() ([]types.TEEAddress, error) {
		rows, err := s.db.Query(`SELECT address FROM miner_addresses`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []types.TEEAddress
		for rows.Next() {
			var addr string
			if err := rows.Scan(&addr); err != nil {
				return nil, err
			}
			out = append(out, types.TEEAddress(addr))
		}
		return out, rows.Err()
	}

	var out []types.TEEAddress
	var err error
	if atomic {
		s.mu.Lock()
		out, err = query()
		s.mu.Unlock()
	} else {
		out, err = query()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out, nil
}

// AddressHotkeyWorker is one row of GetAllAddressesWithHotkeys.
type AddressHotkeyWorker struct {
	Hotkey   types.Hotkey
	UID      types.UID
	Address  types.TEEAddress
	WorkerId types.WorkerId
}

// GetAllAddressesWithHotkeys returns (hotkey, uid, address, worker_id) tuples.
func (s *RoutingStore) GetAllAddressesWithHotkeys() ([]AddressHotkeyWorker, error) {
	rows, err := s.db.Query(`SELECT hotkey, uid, address, worker_id FROM miner_addresses`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var out []AddressHotkeyWorker
	for rows.Next() {
		var hk, uidStr, addr, wid string
		if err := rows.Scan(&hk, &uidStr, &addr, &wid); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		h, err := types.HotkeyFromHex(hk)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt hotkey: %v", ErrStoreUnavailable, err)
		}
		var uid uint64
		fmt.Sscan(uidStr, &uid)
		out = append(out, AddressHotkeyWorker{Hotkey: h, UID: types.UID(uid), Address: types.TEEAddress(addr), WorkerId: types.WorkerId(wid)})
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out, rows.Err()
}

// AllWorkerRegistrations returns every worker_id -> hotkey binding, for the
// worker-registry monitoring endpoint.
func (s *RoutingStore) AllWorkerRegistrations() ([]types.WorkerRegistration, error) {
	rows, err := s.db.Query(`SELECT worker_id, hotkey, timestamp FROM worker_registry`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var out []types.WorkerRegistration
	for rows.Next() {
		var wid, hk, ts string
		if err := rows.Scan(&wid, &hk, &ts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		h, err := types.HotkeyFromHex(hk)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt hotkey: %v", ErrStoreUnavailable, err)
		}
		t, err := parseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		out = append(out, types.WorkerRegistration{WorkerId: types.WorkerId(wid), Hotkey: h, FirstSeen: t})
	}
	return out, rows.Err()
}

// GetAddressTimestamp returns the parsed timestamp of address, used for
// age-based cleanup decisions.
func (s *RoutingStore) GetAddressTimestamp(address types.TEEAddress) (time.Time, bool, error) {
	var ts string
	err := s.db.QueryRow(`SELECT timestamp FROM miner_addresses WHERE address = ?`, string(address)).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	t, err := parseTimestamp(ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return t, true, nil
}

// RemoveMinerAddressByAddress deletes address from miner_addresses.
func (s *RoutingStore) RemoveMinerAddressByAddress(address types.TEEAddress) error {
	return withWriteLock(&s.mu, func() error {
		_, err := s.db.Exec(`DELETE FROM miner_addresses WHERE address = ?`, string(address))
		return err
	})
}

// AddUnregisteredTEE stages address as failed-this-cycle.
func (s *RoutingStore) AddUnregisteredTEE(address types.TEEAddress, hotkey types.Hotkey) error {
	return withWriteLock(&s.mu, func() error {
		_, err := s.db.Exec(`INSERT INTO unregistered_tees (address, hotkey, timestamp) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(address) DO UPDATE SET hotkey = excluded.hotkey, timestamp = CURRENT_TIMESTAMP`,
			string(address), hotkey.String())
		return err
	})
}

// RemoveUnregisteredTEE drains address from the staging set — called when it
// later succeeds verification, or to repair drift against miner_addresses.
func (s *RoutingStore) RemoveUnregisteredTEE(address types.TEEAddress) error {
	return withWriteLock(&s.mu, func() error {
		_, err := s.db.Exec(`DELETE FROM unregistered_tees WHERE address = ?`, string(address))
		return err
	})
}

// UnregisteredAddresses returns every staged address, for drift repair and
// monitoring.
func (s *RoutingStore) UnregisteredAddresses() ([]types.TEEAddress, error) {
	rows, err := s.db.Query(`SELECT address FROM unregistered_tees`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var out []types.TEEAddress
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		out = append(out, types.TEEAddress(addr))
	}
	return out, rows.Err()
}

// UnregisteredEntry is one staged failed-verification address with its
// staging timestamp.
type UnregisteredEntry struct {
	Address   types.TEEAddress
	Hotkey    types.Hotkey
	Timestamp time.Time
}

// UnregisteredEntries returns every staged entry with its staging time, for
// age-based cleanup.
func (s *RoutingStore) UnregisteredEntries() ([]UnregisteredEntry, error) {
	rows, err := s.db.Query(`SELECT address, hotkey, timestamp FROM unregistered_tees`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var out []UnregisteredEntry
	for rows.Next() {
		var addr, hk, ts string
		if err := rows.Scan(&addr, &hk, &ts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		h, err := types.HotkeyFromHex(hk)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt hotkey: %v", ErrStoreUnavailable, err)
		}
		t, err := parseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		out = append(out, UnregisteredEntry{Address: types.TEEAddress(addr), Hotkey: h, Timestamp: t})
	}
	return out, rows.Err()
}

// RemoveUnregisteredOlderThan deletes every staged entry whose timestamp
// precedes cutoff, returning the number removed.
func (s *RoutingStore) RemoveUnregisteredOlderThan(cutoff time.Time) (int64, error) {
	var affected int64
	err := withWriteLock(&s.mu, func() error {
		res, err := s.db.Exec(`DELETE FROM unregistered_tees WHERE timestamp < ?`, cutoff.UTC().Format(timestampLayout))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// ReconcileUnregistered repairs the drift invariant: any address present
// in miner_addresses must never also appear in unregistered_tees.
func (s *RoutingStore) ReconcileUnregistered() error {
	return withWriteLock(&s.mu, func() error {
		_, err := s.db.Exec(`DELETE FROM unregistered_tees WHERE address IN (SELECT address FROM miner_addresses)`)
		return err
	})
}

const timestampLayout = "2006-01-02 15:04:05"

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
