// Package nodemanager implements the Node Manager (C4): the handshake with
// newly-seen chain nodes, the per-cycle TEE discovery and verification walk,
// and the routing-table cleanup that keeps it consistent with the chain's
// current node set.
package nodemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/JekaMas/workerpool"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mattdev071/subnet-42/chainiface"
	"github.com/mattdev071/subnet-42/registryclient"
	"github.com/mattdev071/subnet-42/routing"
	"github.com/mattdev071/subnet-42/store"
	"github.com/mattdev071/subnet-42/tee"
	"github.com/mattdev071/subnet-42/transport"
	"github.com/mattdev071/subnet-42/types"
)

// VerifyPoolWidth bounds the per-cycle fan-out of TEE verification attempts.
const VerifyPoolWidth = 32

// UnverifiedMaxAge is how long a previously-verified address is tolerated
// without re-verification before it is dropped from the routing table.
const UnverifiedMaxAge = 4 * time.Hour

// Manager runs the node-connection and TEE-discovery workflow against a
// routing.Table.
type Manager struct {
	routing   *routing.Table
	transport transport.SecureTransport
	verifier  *tee.Verifier
	errors    *store.ErrorStore
	registry  *registryclient.Client
	log       log.Logger

	resultHost string
	devMode    bool
	whitelist  map[string]bool

	mu        sync.Mutex
	connected map[types.Hotkey]types.ConnectedNode
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithResultHost overrides the result-decoding host used for every
// verification (TELEMETRY_RESULT_WORKER_ADDRESS). Empty means "same as the
// candidate address".
func WithResultHost(host string) Option {
	return func(m *Manager) { m.resultHost = host }
}

// WithDevWhitelist restricts ConnectNewNodes to hotkeys in whitelist when
// devMode is true.
func WithDevWhitelist(devMode bool, whitelist []string) Option {
	return func(m *Manager) {
		m.devMode = devMode
		for _, h := range whitelist {
			m.whitelist[h] = true
		}
	}
}

// WithRegistry wires the central registry client so every address staged as
// unregistered is also announced to MASA_TEE_API/register-tee-worker, the
// same call original_source/validator/routing_table.py's add_unregistered_tee
// makes on the failure path. Omit it (nil) to run without a registry.
func WithRegistry(rc *registryclient.Client) Option {
	return func(m *Manager) { m.registry = rc }
}

// New builds a Manager over an already-open routing table, transport and
// verifier.
func New(rt *routing.Table, st transport.SecureTransport, v *tee.Verifier, errStore *store.ErrorStore, opts ...Option) *Manager {
	m := &Manager{
		routing:   rt,
		transport: st,
		verifier:  v,
		errors:    errStore,
		log:       log.New("component", "node-manager"),
		whitelist: map[string]bool{},
		connected: map[types.Hotkey]types.ConnectedNode{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connected returns a snapshot of the currently connected node set.
func (m *Manager) Connected() map[types.Hotkey]types.ConnectedNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.Hotkey]types.ConnectedNode, len(m.connected))
	for k, v := range m.connected {
		out[k] = v
	}
	return out
}

// ConnectNewNodes performs the symmetric-key handshake with every chain-side
// node not yet connected. In dev mode only whitelisted hotkeys are attempted.
func (m *Manager) ConnectNewNodes(ctx context.Context, nodes map[types.Hotkey]chainiface.NodeInfo) {
	for hk, node := range nodes {
		if m.devMode && !m.whitelist[hk.String()] {
			continue
		}
		m.mu.Lock()
		_, already := m.connected[hk]
		m.mu.Unlock()
		if already {
			continue
		}

		addr := serverAddress(node)
		hs, err := m.transport.Handshake(ctx, addr)
		if err != nil {
			m.log.Warn("handshake failed", "hotkey", hk, "address", addr, "err", err)
			m.recordError(hk, "", addr, fmt.Sprintf("handshake: %v", err))
			continue
		}

		m.mu.Lock()
		m.connected[hk] = types.ConnectedNode{
			Hotkey:       hk,
			Address:      addr,
			SymmetricKey: hs.SymmetricKey,
			KeyUUID:      hs.KeyUUID,
			NodeID:       node.NodeID,
			IP:           node.IP,
			Port:         node.Port,
			Stake:        node.Stake,
			Trust:        node.Trust,
			VTrust:       node.VTrust,
			LastUpdated:  time.Now(),
		}
		m.mu.Unlock()
		m.log.Info("connected new node", "hotkey", hk, "address", addr)
	}
}

// RemoveDisconnectedNodes drops the connection and routing-table addresses
// for every connected hotkey no longer present in the chain node set.
func (m *Manager) RemoveDisconnectedNodes(nodes map[types.Hotkey]chainiface.NodeInfo) {
	m.mu.Lock()
	var stale []types.Hotkey
	for hk := range m.connected {
		if _, ok := nodes[hk]; !ok {
			stale = append(stale, hk)
		}
	}
	for _, hk := range stale {
		delete(m.connected, hk)
	}
	m.mu.Unlock()

	for _, hk := range stale {
		if err := m.routing.ClearMiner(hk); err != nil {
			m.log.Error("clear miner on disconnect", "hotkey", hk, "err", err)
		}
	}
}

// serverAddress builds the miner's server URL from the chain-reported IP and
// port. A bind-all address is rewritten to the loopback interface so a
// validator running alongside its miners in the same docker network can
// still reach them.
func serverAddress(node chainiface.NodeInfo) string {
	host := node.IP
	if host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, node.Port)
}

type baselineKey struct {
	hotkey  types.Hotkey
	address types.TEEAddress
}

// UpdateTEEList runs one discovery-and-verification cycle over every
// connected node, fanning out the per-node TEE fetch and verification work
// over a bounded worker pool.
func (m *Manager) UpdateTEEList(ctx context.Context, uidForHotkey map[types.Hotkey]types.UID) error {
	baseline, err := m.snapshotBaseline()
	if err != nil {
		return fmt.Errorf("snapshot baseline: %w", err)
	}

	connected := m.Connected()
	hotkeys := make([]types.Hotkey, 0, len(connected))
	for hk := range connected {
		hotkeys = append(hotkeys, hk)
	}
	rand.Shuffle(len(hotkeys), func(i, j int) { hotkeys[i], hotkeys[j] = hotkeys[j], hotkeys[i] })

	var vmu sync.Mutex
	verified := map[baselineKey]bool{}

	pool := workerpool.New(VerifyPoolWidth)
	for _, hk := range hotkeys {
		hk := hk
		node := connected[hk]
		uid := uidForHotkey[hk]
		pool.Submit(func() {
			m.verifyNode(ctx, hk, node, uid, &vmu, verified)
		})
	}
	pool.StopWait()

	if err := m.cleanupUnverified(baseline, verified); err != nil {
		return fmt.Errorf("cleanup unverified: %w", err)
	}
	return m.routing.Reconcile()
}

func (m *Manager) snapshotBaseline() (map[baselineKey]bool, error) {
	rows, err := m.routing.GetAllAddressesWithHotkeys()
	if err != nil {
		return nil, err
	}
	out := make(map[baselineKey]bool, len(rows))
	for _, r := range rows {
		out[baselineKey{hotkey: r.Hotkey, address: r.Address}] = true
	}
	return out, nil
}

func (m *Manager) verifyNode(ctx context.Context, hk types.Hotkey, node types.ConnectedNode, uid types.UID, vmu *sync.Mutex, verified map[baselineKey]bool) {
	if node.IP == "0" {
		return
	}
	raw, err := m.transport.Get(ctx, node.Address, "/tee")
	if err != nil {
		m.log.Warn("fetch tee list failed", "hotkey", hk, "address", node.Address, "err", err)
		m.recordError(hk, "", node.Address, fmt.Sprintf("fetch /tee: %v", err))
		return
	}
	if strings.TrimSpace(string(raw)) == "" {
		m.log.Info("miner returned no tee addresses", "hotkey", hk, "address", node.Address)
		return
	}
	for _, candidate := range strings.Split(string(raw), ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		m.verifyAddress(ctx, hk, uid, node, candidate, vmu, verified)
	}
}

func (m *Manager) verifyAddress(ctx context.Context, hk types.Hotkey, uid types.UID, node types.ConnectedNode, candidate string, vmu *sync.Mutex, verified map[baselineKey]bool) {
	address, err := types.NewTEEAddress(candidate)
	if err != nil {
		m.log.Debug("rejected tee address", "hotkey", hk, "candidate", candidate, "err", err)
		m.recordError(hk, "", node.Address, fmt.Sprintf("invalid tee address %q: %v", candidate, err))
		return
	}

	resultHost := string(address)
	if m.resultHost != "" {
		resultHost = m.resultHost
	}

	result, err := m.verifier.Verify(ctx, string(address), resultHost)
	if err != nil {
		m.stageUnverified(ctx, hk, address, fmt.Sprintf("verify %s: %v", address, err))
		return
	}
	if result == nil {
		m.stageUnverified(ctx, hk, address, fmt.Sprintf("verify %s: exhausted retries", address))
		return
	}
	if result.WorkerId == "" {
		m.stageUnverified(ctx, hk, address, fmt.Sprintf("verify %s: empty worker_id", address))
		return
	}

	workerID := types.WorkerId(result.WorkerId)
	isNew, err := m.routing.ClaimWorker(workerID, hk)
	if err != nil {
		m.log.Error("worker ownership conflict", "hotkey", hk, "worker_id", workerID, "address", address, "err", err)
		m.recordError(hk, address, node.Address, fmt.Sprintf("claim worker %s: %v", workerID, err))
		return
	}

	if err := m.routing.AddMinerAddress(hk, uid, address, workerID); err != nil {
		m.log.Error("add miner address", "hotkey", hk, "address", address, "err", err)
		m.recordError(hk, address, node.Address, fmt.Sprintf("add miner address: %v", err))
		return
	}

	vmu.Lock()
	verified[baselineKey{hotkey: hk, address: address}] = true
	vmu.Unlock()

	if isNew {
		m.notify(ctx, hk, "new worker registered: "+string(workerID))
	}
	m.notify(ctx, hk, "successfully registered")
}

func (m *Manager) stageUnverified(ctx context.Context, hk types.Hotkey, address types.TEEAddress, reason string) {
	if err := m.routing.StageUnverified(address, hk); err != nil {
		m.log.Error("stage unregistered tee", "address", address, "err", err)
	}
	if m.registry != nil {
		if err := m.registry.RegisterTEE(ctx, string(address)); err != nil {
			m.log.Debug("register tee with central registry failed", "address", address, "err", err)
		}
	}
	m.recordError(hk, address, "", reason)
}

func (m *Manager) cleanupUnverified(baseline map[baselineKey]bool, verified map[baselineKey]bool) error {
	cutoff := time.Now().Add(-UnverifiedMaxAge)
	for k := range baseline {
		if verified[k] {
			continue
		}
		ts, ok, err := m.routing.GetAddressTimestamp(k.address)
		if err != nil {
			return err
		}
		if !ok || ts.After(cutoff) {
			continue
		}
		if err := m.routing.RemoveAddress(k.address); err != nil {
			return err
		}
		m.log.Info("removed stale unverified address", "hotkey", k.hotkey, "address", k.address, "age", time.Since(ts))
	}
	return nil
}

// SendScoreReport delivers a score report back to a scored hotkey's miner,
// fire-and-forget: a delivery failure is logged, never surfaced to the
// caller, so one unreachable miner can't abort the set-weights cycle.
func (m *Manager) SendScoreReport(ctx context.Context, hk types.Hotkey, uid types.UID, score float64) {
	m.mu.Lock()
	node, ok := m.connected[hk]
	m.mu.Unlock()
	if !ok {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{"uid": uid, "score": score})
	if err != nil {
		m.log.Error("marshal score report", "hotkey", hk, "err", err)
		return
	}
	if _, err := m.transport.Post(ctx, node.Address, "/score-report", payload); err != nil {
		m.log.Debug("send score report failed", "hotkey", hk, "address", node.Address, "err", err)
	}
}

func (m *Manager) notify(ctx context.Context, hk types.Hotkey, message string) {
	m.mu.Lock()
	node, ok := m.connected[hk]
	m.mu.Unlock()
	if !ok {
		return
	}
	payload := []byte(fmt.Sprintf(`{"message":%q}`, message))
	if _, err := m.transport.Post(ctx, node.Address, "/custom-message", payload); err != nil {
		m.log.Debug("notify miner failed", "hotkey", hk, "address", node.Address, "err", err)
	}
}

func (m *Manager) recordError(hk types.Hotkey, address types.TEEAddress, minerAddress, message string) {
	if m.errors == nil {
		return
	}
	if err := m.errors.Record(types.ErrorRecord{Hotkey: hk, TEEAddress: address, MinerAddress: minerAddress, Message: message}); err != nil {
		m.log.Error("record error failed", "err", err)
	}
}
