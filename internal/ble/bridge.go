package ble

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"tinygo.org/x/bluetooth"
)

// Poster receives the events produced by a Bridge. *gattc.Engine satisfies it.
type Poster interface {
	Post(ev gattc.Event) error
}

// Bridge implements gattc.Transport over attached peers. Each connection
// index gets one worker goroutine that runs peer calls in order and posts
// their results back to the engine.
type Bridge struct {
	queueSize int

	// mu protects poster and conns.
	mu     sync.Mutex
	poster Poster
	conns  map[int]*attachment
}

type attachment struct {
	idx    int
	peer   Peer
	jobs   chan job
	quit   chan struct{}
	once   sync.Once
	onLost func()

	// postMu orders event delivery against removal. Once gone is set,
	// nothing from this attachment reaches the engine.
	postMu sync.Mutex
	gone   bool

	// mu protects running and held.
	mu      sync.Mutex
	running bool
	held    []gattc.Event
}

// NewBridge creates a bridge whose per-connection job queues hold queueSize
// calls.
func NewBridge(queueSize int) *Bridge {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bridge{
		queueSize: queueSize,
		conns:     make(map[int]*attachment),
	}
}

// Bind sets the event receiver. Events produced before Bind are dropped.
func (b *Bridge) Bind(p Poster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.poster = p
}

// Attach serves connection idx with peer. onLost, if set, runs after the
// engine has been told about a link loss the bridge did not initiate.
func (b *Bridge) Attach(idx int, peer Peer, onLost func()) error {
	a := &attachment{
		idx:    idx,
		peer:   peer,
		jobs:   make(chan job, b.queueSize),
		quit:   make(chan struct{}),
		onLost: onLost,
	}
	b.mu.Lock()
	if _, exists := b.conns[idx]; exists {
		b.mu.Unlock()
		return fmt.Errorf("ble: attach conn %d: %w", idx, gattc.ErrAlreadyActive)
	}
	b.conns[idx] = a
	b.mu.Unlock()

	peer.SetHandler(func(handle uint16, kind gattc.EventKind, payload []byte) {
		b.peerEvent(a, gattc.AttributeEvent{
			ConnIdx: idx,
			Handle:  handle,
			Kind:    kind,
			Payload: append([]byte(nil), payload...),
		})
	})
	peer.OnDisconnect(func() {
		if !b.remove(a) {
			return
		}
		slog.Warn("[BLE] peer disconnected", "conn", idx, "address", peer.Address())
		b.post(gattc.Disconnect{ConnIdx: idx})
		if a.onLost != nil {
			a.onLost()
		}
	})

	go b.serve(a)
	slog.Info("[BLE] peer attached", "conn", idx, "address", peer.Address())
	return nil
}

// Detach disconnects the peer at idx and tells the engine the link is gone.
func (b *Bridge) Detach(idx int) error {
	b.mu.Lock()
	a, ok := b.conns[idx]
	b.mu.Unlock()
	if !ok || !b.remove(a) {
		return fmt.Errorf("ble: detach conn %d: %w", idx, ErrNotAttached)
	}
	b.post(gattc.Disconnect{ConnIdx: idx})
	slog.Info("[BLE] peer detached", "conn", idx, "address", a.peer.Address())
	if err := a.peer.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect conn %d: %w", idx, err)
	}
	return nil
}

// Peer returns the peer attached at idx.
func (b *Bridge) Peer(idx int) (Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.conns[idx]
	if !ok {
		return nil, false
	}
	return a.peer, true
}

// Close detaches every peer.
func (b *Bridge) Close() {
	b.mu.Lock()
	idxs := make([]int, 0, len(b.conns))
	for idx := range b.conns {
		idxs = append(idxs, idx)
	}
	b.mu.Unlock()
	for _, idx := range idxs {
		if err := b.Detach(idx); err != nil {
			slog.Warn("[BLE] detach on close failed", "conn", idx, "error", err)
		}
	}
}

// remove reports whether a was still the attachment for its index.
func (b *Bridge) remove(a *attachment) bool {
	b.mu.Lock()
	cur, ok := b.conns[a.idx]
	if !ok || cur != a {
		b.mu.Unlock()
		return false
	}
	delete(b.conns, a.idx)
	b.mu.Unlock()
	a.postMu.Lock()
	a.gone = true
	a.postMu.Unlock()
	a.once.Do(func() { close(a.quit) })
	return true
}

func (b *Bridge) serve(a *attachment) {
	for {
		select {
		case <-a.quit:
			return
		case run := <-a.jobs:
			a.mu.Lock()
			a.running = true
			a.mu.Unlock()

			run(a.peer, func(ev gattc.Event) { b.postFrom(a, ev) })

			a.mu.Lock()
			a.running = false
			held := a.held
			a.held = nil
			a.mu.Unlock()
			for _, ev := range held {
				b.postFrom(a, ev)
			}
		}
	}
}

// peerEvent holds events that arrive while a call is running until that
// call's results have been posted, so a control-point indication never
// overtakes the write that triggered it.
func (b *Bridge) peerEvent(a *attachment, ev gattc.Event) {
	a.mu.Lock()
	if a.running {
		a.held = append(a.held, ev)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	b.postFrom(a, ev)
}

// postFrom posts ev unless a has been removed. A call still running when its
// link went away must not report into the connection that replaced it.
func (b *Bridge) postFrom(a *attachment, ev gattc.Event) {
	a.postMu.Lock()
	defer a.postMu.Unlock()
	if a.gone {
		slog.Debug("[BLE] event from detached peer dropped", "conn", a.idx, "event", fmt.Sprintf("%T", ev))
		return
	}
	b.post(ev)
}

func (b *Bridge) post(ev gattc.Event) {
	b.mu.Lock()
	p := b.poster
	b.mu.Unlock()
	if p == nil {
		slog.Warn("[BLE] event dropped, bridge not bound", "event", fmt.Sprintf("%T", ev))
		return
	}
	if err := p.Post(ev); err != nil {
		slog.Debug("[BLE] event not delivered", "event", fmt.Sprintf("%T", ev), "error", err)
	}
}

// job is one peer call. post reports its results to the engine.
type job func(p Peer, post func(gattc.Event))

func (b *Bridge) submit(idx int, run job) error {
	b.mu.Lock()
	a, ok := b.conns[idx]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: conn %d: %w", idx, ErrNotAttached)
	}
	select {
	case <-a.quit:
		return fmt.Errorf("ble: conn %d: %w", idx, ErrNotAttached)
	case a.jobs <- run:
		return nil
	default:
		return fmt.Errorf("ble: conn %d: job queue full (%d)", idx, b.queueSize)
	}
}

// statusOf maps a peer error onto an ATT status. Errors that carry no status
// are reported as StatusUnlikely.
func statusOf(err error) gattc.ATTStatus {
	if s, ok := gattc.StatusOf(err); ok {
		return s
	}
	return gattc.StatusUnlikely
}

func (b *Bridge) DiscoverService(idx int, service bluetooth.UUID) error {
	return b.submit(idx, func(p Peer, post func(gattc.Event)) {
		svcs, err := p.DiscoverServices(service)
		if err != nil {
			slog.Warn("[BLE] service discovery failed", "conn", idx, "service", service.String(), "error", err)
			post(gattc.DiscoveryComplete{ConnIdx: idx, Status: statusOf(err)})
			return
		}
		for _, svc := range svcs {
			post(gattc.ServiceFound{ConnIdx: idx, UUID: svc.UUID, Range: svc.Range, Chars: svc.Chars})
		}
		post(gattc.DiscoveryComplete{ConnIdx: idx, Status: gattc.StatusSuccess})
	})
}

func (b *Bridge) ReadAttribute(idx int, tag gattc.Tag, handle uint16) error {
	return b.submit(idx, func(p Peer, post func(gattc.Event)) {
		value, err := p.Read(handle)
		if err != nil {
			post(gattc.OperationComplete{ConnIdx: idx, Tag: tag, Status: statusOf(err)})
			return
		}
		post(gattc.AttributeRead{ConnIdx: idx, Tag: tag, Payload: value})
		post(gattc.OperationComplete{ConnIdx: idx, Tag: tag, Status: gattc.StatusSuccess})
	})
}

func (b *Bridge) WriteAttribute(idx int, tag gattc.Tag, handle uint16, value []byte, mode gattc.WriteMode) error {
	v := append([]byte(nil), value...)
	return b.submit(idx, func(p Peer, post func(gattc.Event)) {
		err := p.Write(handle, v, mode == gattc.WriteWithResponse)
		post(gattc.OperationComplete{ConnIdx: idx, Tag: tag, Status: statusOf(err)})
	})
}

func (b *Bridge) ConfirmIndication(idx int, handle uint16) error {
	return b.submit(idx, func(p Peer, post func(gattc.Event)) {
		if err := p.Confirm(handle); err != nil {
			slog.Warn("[BLE] indication confirm failed", "conn", idx, "handle", handle, "error", err)
		}
	})
}

var _ gattc.Transport = (*Bridge)(nil)
