// Package metrics holds the process-wide counters defined in
// spec.md §3: bytes_up, bytes_down, active_relays and total_relays.
// These are the only shared mutable state in the system and support
// concurrent increment without locking, following the atomic-counter
// idiom used for per-connection byte counts elsewhere in the corpus.
package metrics

import "sync/atomic"

// Counters is process-wide and safe for concurrent use. The zero
// value is ready to use.
type Counters struct {
	bytesUp      atomic.Uint64
	bytesDown    atomic.Uint64
	activeRelays atomic.Int64
	totalRelays  atomic.Uint64
}

// Snapshot is a point-in-time, non-linearizable copy of the counters
// suitable for polling by the Supervisor's observation API.
type Snapshot struct {
	BytesUp      uint64
	BytesDown    uint64
	ActiveRelays int64
	TotalRelays  uint64
}

func (c *Counters) AddBytesUp(n uint64)   { c.bytesUp.Add(n) }
func (c *Counters) AddBytesDown(n uint64) { c.bytesDown.Add(n) }

// Accepted increments total_relays. It is called once per admitted
// connection, right after a front-end's concurrency-cap check passes
// and before any protocol handling begins, satisfying the invariant
// that every admitted client increments total_relays exactly once —
// regardless of whether it goes on to complete a handshake, have its
// upstream open refused, or relay any bytes at all.
func (c *Counters) Accepted() {
	c.totalRelays.Add(1)
}

// RelayStarted increments active_relays once a relay actually begins
// pumping bytes (after a successful handshake and upstream open).
func (c *Counters) RelayStarted() {
	c.activeRelays.Add(1)
}

// RelayFinished decrements active_relays. Safe to call at most once
// per RelayStarted.
func (c *Counters) RelayFinished() {
	c.activeRelays.Add(-1)
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BytesUp:      c.bytesUp.Load(),
		BytesDown:    c.bytesDown.Load(),
		ActiveRelays: c.activeRelays.Load(),
		TotalRelays:  c.totalRelays.Load(),
	}
}
