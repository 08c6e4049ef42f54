package gattc

import "fmt"

// phase is the state of one connection slot. Exactly one of free, idle,
// discovering or busy; the in-flight operation lives only inside busy.
type phase interface {
	name() string
}

type free struct{}

type idle struct{}

type discovering struct {
	col *collector
}

type busy struct {
	op *operation
}

func (free) name() string        { return "free" }
func (idle) name() string        { return "idle" }
func (discovering) name() string { return "discovering" }
func (busy) name() string        { return "busy" }

// stopper is the part of *time.Timer the engine needs.
type stopper interface {
	Stop() bool
}

// operation is the request currently in flight on a busy slot.
type operation struct {
	tag    Tag
	handle uint16
	// controlPoint writes complete on the peer's indication, not on the
	// write acknowledgement.
	controlPoint bool
	awaiting     bool
	timer        stopper

	// reads emit once both the completion and the value have arrived
	completed   bool
	havePayload bool
	payload     []byte
}

// slot is one entry of the connection arena.
type slot struct {
	idx int
	// gen changes on every release so timer events armed for an earlier
	// connection lifetime can be recognised and ignored.
	gen     uint64
	state   phase
	handles Handles
	session Session
	queue   []Request
}

// registry is the fixed-capacity slot arena, indexed by connection index.
type registry struct {
	slots []*slot
}

func newRegistry(n int) *registry {
	r := &registry{slots: make([]*slot, n)}
	for i := range r.slots {
		r.slots[i] = &slot{idx: i, state: free{}}
	}
	return r
}

func (r *registry) get(idx int) (*slot, bool) {
	if idx < 0 || idx >= len(r.slots) {
		return nil, false
	}
	return r.slots[idx], true
}

// allocate activates the slot for idx.
func (r *registry) allocate(idx int, sess Session) (*slot, error) {
	s, ok := r.get(idx)
	if !ok {
		return nil, fmt.Errorf("gattc: connection %d out of range [0,%d): %w", idx, len(r.slots), ErrInvalidParameter)
	}
	if _, isFree := s.state.(free); !isFree {
		return nil, fmt.Errorf("gattc: connection %d is %s: %w", idx, s.state.name(), ErrAlreadyActive)
	}
	if sess == nil {
		sess = NopSession{}
	}
	s.state = idle{}
	s.session = sess
	return s, nil
}

// release resets the slot for idx to free. Safe to call on a free slot.
// The caller receives whatever was still queued.
func (r *registry) release(idx int) []Request {
	s, ok := r.get(idx)
	if !ok {
		return nil
	}
	if b, isBusy := s.state.(busy); isBusy && b.op.timer != nil {
		b.op.timer.Stop()
	}
	queued := s.queue
	if _, isFree := s.state.(free); !isFree {
		s.gen++
	}
	s.state = free{}
	s.handles = Handles{}
	s.session = nil
	s.queue = nil
	return queued
}
