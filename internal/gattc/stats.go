package gattc

import "go.uber.org/atomic"

// Stats counts engine activity. Counters are updated on the engine goroutine
// and may be read from anywhere.
type Stats struct {
	responses     atomic.Uint64
	notifications atomic.Uint64
	deferred      atomic.Uint64
	rejected      atomic.Uint64
	dropped       atomic.Uint64
	timeouts      atomic.Uint64
	enabled       atomic.Uint64
	active        atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Responses     uint64 `json:"responses"`
	Notifications uint64 `json:"notifications"`
	Deferred      uint64 `json:"deferred"`
	Rejected      uint64 `json:"rejected"`
	Dropped       uint64 `json:"dropped"`
	Timeouts      uint64 `json:"timeouts"`
	Enabled       uint64 `json:"enabled"`
	Active        int64  `json:"active"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Responses:     s.responses.Load(),
		Notifications: s.notifications.Load(),
		Deferred:      s.deferred.Load(),
		Rejected:      s.rejected.Load(),
		Dropped:       s.dropped.Load(),
		Timeouts:      s.timeouts.Load(),
		Enabled:       s.enabled.Load(),
		Active:        s.active.Load(),
	}
}
