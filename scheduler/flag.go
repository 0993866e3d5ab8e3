package scheduler

import "sync/atomic"

// RoutingUpdateFlag is the single coordination point between the update-tee
// loop and any publisher: set before the first routing-table mutation of a
// cycle, cleared after the last. A publisher that observes it set must skip
// rather than emit a payload built from a table mid-update.
type RoutingUpdateFlag struct {
	updating atomic.Bool
}

// Set marks the routing table as mid-update.
func (f *RoutingUpdateFlag) Set() { f.updating.Store(true) }

// Clear marks the routing table as settled.
func (f *RoutingUpdateFlag) Clear() { f.updating.Store(false) }

// IsSet reports whether the routing table is currently mid-update.
func (f *RoutingUpdateFlag) IsSet() bool { return f.updating.Load() }
