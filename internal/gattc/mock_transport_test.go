package gattc

import (
	"sync"
	"testing"
	"time"

	"tinygo.org/x/bluetooth"
)

type transportCall struct {
	op     string
	idx    int
	tag    Tag
	handle uint16
	value  []byte
	mode   WriteMode
}

// mockTransport records every call the engine makes.
type mockTransport struct {
	mu       sync.Mutex
	calls    []transportCall
	confirms []uint16
	err      error
}

func (m *mockTransport) DiscoverService(idx int, uuid bluetooth.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, transportCall{op: "discover", idx: idx})
	return nil
}

func (m *mockTransport) ReadAttribute(idx int, tag Tag, handle uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, transportCall{op: "read", idx: idx, tag: tag, handle: handle})
	return nil
}

func (m *mockTransport) WriteAttribute(idx int, tag Tag, handle uint16, value []byte, mode WriteMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := append([]byte(nil), value...)
	m.calls = append(m.calls, transportCall{op: "write", idx: idx, tag: tag, handle: handle, value: cp, mode: mode})
	return nil
}

func (m *mockTransport) ConfirmIndication(idx int, handle uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirms = append(m.confirms, handle)
	return nil
}

func (m *mockTransport) last(t *testing.T) transportCall {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		t.Fatal("no transport calls recorded")
	}
	return m.calls[len(m.calls)-1]
}

func (m *mockTransport) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

// recordingSink keeps every response in order.
type recordingSink struct {
	mu    sync.Mutex
	resps []Response
}

func (s *recordingSink) Deliver(r Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resps = append(s.resps, r)
}

func (s *recordingSink) take() []Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.resps
	s.resps = nil
	return out
}

// one returns the single pending response, failing otherwise.
func (s *recordingSink) one(t *testing.T) Response {
	t.Helper()
	got := s.take()
	if len(got) != 1 {
		t.Fatalf("got %d responses, want 1: %#v", len(got), got)
	}
	return got[0]
}

func (s *recordingSink) none(t *testing.T) {
	t.Helper()
	if got := s.take(); len(got) != 0 {
		t.Fatalf("got %d responses, want none: %#v", len(got), got)
	}
}

// manualTimers replaces time.AfterFunc so tests decide when timers fire.
type manualTimers struct {
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (m *manualTimer) Stop() bool {
	was := !m.stopped
	m.stopped = true
	return was
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) stopper {
	t := &manualTimer{d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

// fire runs timer i regardless of whether it was stopped, the way a
// time.AfterFunc callback can already be running when Stop is called.
func (m *manualTimers) fire(i int) {
	m.timers[i].f()
}
