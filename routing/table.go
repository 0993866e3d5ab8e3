// Package routing implements the Routing Table (C3): the shared view of
// which hotkey owns which worker-id and which TEE addresses are currently
// registered, on top of the persisted store.
package routing

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mattdev071/subnet-42/store"
	"github.com/mattdev071/subnet-42/types"
)

// ErrOwnershipConflict is returned by ClaimWorker when worker_id is already
// bound to a different hotkey.
var ErrOwnershipConflict = errors.New("worker ownership conflict")

// Table wraps the persisted address/worker tables with the routing business
// rules: first-claim ownership and the unregistered-TEE drift repair.
type Table struct {
	store *store.RoutingStore
	log   log.Logger
}

// New builds a Table over an already-open RoutingStore.
func New(s *store.RoutingStore) *Table {
	return &Table{store: s, log: log.New("component", "routing")}
}

// ClaimWorker enforces first-claim ownership for worker_id: if it is
// unbound, hotkey wins and is registered (isNew=true); if it is already
// bound to hotkey, this is a refresh (isNew=false); if bound to a different
// hotkey, ErrOwnershipConflict is returned and nothing is mutated.
func (t *Table) ClaimWorker(workerID types.WorkerId, hotkey types.Hotkey) (isNew bool, err error) {
	owner, ok, err := t.store.GetWorkerHotkey(workerID)
	if err != nil {
		return false, fmt.Errorf("claim worker %s: %w", workerID, err)
	}
	if ok && owner != hotkey {
		t.log.Error("worker ownership conflict", "worker_id", workerID, "owner", owner, "claimant", hotkey)
		return false, ErrOwnershipConflict
	}
	if err := t.store.RegisterWorker(workerID, hotkey); err != nil {
		return false, fmt.Errorf("register worker %s: %w", workerID, err)
	}
	return !ok, nil
}

// AddMinerAddress commits a verified (hotkey, uid, address, worker_id)
// binding. See store.RoutingStore.AddMinerAddress for the exact semantics.
func (t *Table) AddMinerAddress(hotkey types.Hotkey, uid types.UID, address types.TEEAddress, workerID types.WorkerId) error {
	return t.store.AddMinerAddress(hotkey, uid, address, workerID)
}

// ClearMiner removes every address owned by hotkey (used on deregistration).
func (t *Table) ClearMiner(hotkey types.Hotkey) error {
	return t.store.ClearMiner(hotkey)
}

// GetAllAddresses returns the current address set, order randomized.
func (t *Table) GetAllAddresses() ([]types.TEEAddress, error) {
	return t.store.GetAllAddresses()
}

// GetAllAddressesAtomic returns a single consistent snapshot of the address
// set, suitable as a publish payload.
func (t *Table) GetAllAddressesAtomic() ([]types.TEEAddress, error) {
	return t.store.GetAllAddressesAtomic()
}

// GetAllAddressesWithHotkeys returns (hotkey, uid, address, worker_id) rows.
func (t *Table) GetAllAddressesWithHotkeys() ([]store.AddressHotkeyWorker, error) {
	return t.store.GetAllAddressesWithHotkeys()
}

// GetAddressTimestamp returns the last-refreshed time of address.
func (t *Table) GetAddressTimestamp(address types.TEEAddress) (time.Time, bool, error) {
	return t.store.GetAddressTimestamp(address)
}

// GetWorkerHotkey returns the hotkey bound to workerID, or (_, false) if
// unbound.
func (t *Table) GetWorkerHotkey(workerID types.WorkerId) (types.Hotkey, bool, error) {
	return t.store.GetWorkerHotkey(workerID)
}

// AllWorkerRegistrations returns every worker_id -> hotkey binding.
func (t *Table) AllWorkerRegistrations() ([]types.WorkerRegistration, error) {
	return t.store.AllWorkerRegistrations()
}

// StageUnverified records address as having failed verification this cycle.
func (t *Table) StageUnverified(address types.TEEAddress, hotkey types.Hotkey) error {
	return t.store.AddUnregisteredTEE(address, hotkey)
}

// RemoveAddress deletes address from miner_addresses (used by cleanup of
// stale unverified entries).
func (t *Table) RemoveAddress(address types.TEEAddress) error {
	return t.store.RemoveMinerAddressByAddress(address)
}

// DrainUnregistered removes address from the unregistered-TEE staging set —
// called once an address that previously failed later succeeds.
func (t *Table) DrainUnregistered(address types.TEEAddress) error {
	return t.store.RemoveUnregisteredTEE(address)
}

// UnregisteredEntries returns every staged failed-verification address with
// its staging timestamp.
func (t *Table) UnregisteredEntries() ([]store.UnregisteredEntry, error) {
	return t.store.UnregisteredEntries()
}

// PruneUnregisteredOlderThan deletes every staged entry older than cutoff,
// returning the number removed.
func (t *Table) PruneUnregisteredOlderThan(cutoff time.Time) (int64, error) {
	return t.store.RemoveUnregisteredOlderThan(cutoff)
}

// Reconcile repairs the drift invariant at the end of an update cycle:
// no address may be present in both miner_addresses and unregistered_tees.
func (t *Table) Reconcile() error {
	return t.store.ReconcileUnregistered()
}
