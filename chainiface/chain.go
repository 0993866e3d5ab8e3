// Package chainiface names the Chain collaborator: the substrate RPC
// surface the validator reads the metagraph from and submits weights to.
// Out of scope — only the interface and an in-memory stub for
// tests live here; no real chain client.
package chainiface

import (
	"context"

	"github.com/mattdev071/subnet-42/types"
)

// NodeInfo is the chain-side view of one miner in the current node set.
type NodeInfo struct {
	Hotkey      types.Hotkey
	NodeID      int
	IP          string
	Port        int
	Stake       float64
	Trust       float64
	VTrust      float64
	LastUpdated int64
}

// Keypair is an opaque signing identity; Chain treats it as a black box.
type Keypair struct {
	Hotkey types.Hotkey
}

// Chain is the external collaborator the validator reads the metagraph from
// and submits weights to.
type Chain interface {
	LoadHotkeyKeypair() (Keypair, error)
	LoadColdkeyPubKeypair() (Keypair, error)
	SyncNodes(ctx context.Context) error
	Nodes(ctx context.Context) (map[types.Hotkey]NodeInfo, error)
	PostNodeIPToChain(ctx context.Context, ip string, port int) error
	QueryValidatorPermit(ctx context.Context, hotkey types.Hotkey) (bool, error)
	QueryWeights(ctx context.Context) (map[types.UID]float64, error)
	BlocksSinceLastUpdate(ctx context.Context) (uint64, error)
	MinInterval(ctx context.Context) (uint64, error)
	SetNodeWeights(ctx context.Context, uids []types.UID, weights []float64, netuid int, validatorNodeID int, versionKey uint64) error
}

// Stub is a minimal in-memory Chain used by tests and local development. The
// cmd/validator entrypoint also runs against it (chainiface.NewStub).
type Stub struct {
	Hotkey      types.Hotkey
	NodeSet     map[types.Hotkey]NodeInfo
	SinceUpdate uint64
	MinBlocks   uint64
}

func NewStub(hotkey types.Hotkey) *Stub {
	return &Stub{Hotkey: hotkey, NodeSet: map[types.Hotkey]NodeInfo{}, MinBlocks: 100}
}

func (s *Stub) LoadHotkeyKeypair() (Keypair, error)    { return Keypair{Hotkey: s.Hotkey}, nil }
func (s *Stub) LoadColdkeyPubKeypair() (Keypair, error) { return Keypair{Hotkey: s.Hotkey}, nil }
func (s *Stub) SyncNodes(ctx context.Context) error     { return nil }
func (s *Stub) Nodes(ctx context.Context) (map[types.Hotkey]NodeInfo, error) {
	return s.NodeSet, nil
}
func (s *Stub) PostNodeIPToChain(ctx context.Context, ip string, port int) error { return nil }
func (s *Stub) QueryValidatorPermit(ctx context.Context, hotkey types.Hotkey) (bool, error) {
	return true, nil
}
func (s *Stub) QueryWeights(ctx context.Context) (map[types.UID]float64, error) { return nil, nil }
func (s *Stub) BlocksSinceLastUpdate(ctx context.Context) (uint64, error)       { return s.SinceUpdate, nil }
func (s *Stub) MinInterval(ctx context.Context) (uint64, error)                 { return s.MinBlocks, nil }
func (s *Stub) SetNodeWeights(ctx context.Context, uids []types.UID, weights []float64, netuid int, validatorNodeID int, versionKey uint64) error {
	return nil
}

var _ Chain = (*Stub)(nil)
