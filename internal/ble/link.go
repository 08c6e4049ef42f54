package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// LinkOptions configures reconnection behavior.
type LinkOptions struct {
	ReconnectMax   int           // max reconnect backoff in seconds
	ConnectTimeout time.Duration // per-attempt connect timeout
}

// DefaultLinkOptions returns sensible defaults.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		ReconnectMax:   30,
		ConnectTimeout: 10 * time.Second,
	}
}

// Link keeps one peripheral attached to a bridge connection index, and
// reconnects with exponential backoff when the link drops.
type Link struct {
	adapter Adapter
	bridge  *Bridge
	idx     int
	address string
	opts    LinkOptions

	// onUp runs after every successful attach; reconnect is false the first time.
	onUp func(idx int, peer Peer, reconnect bool)

	mu        sync.Mutex
	connected bool
	closed    bool
	stop      chan struct{}

	reconnecting atomic.Bool
	attempts     atomic.Uint64

	delay func(attempt int) time.Duration
}

// NewLink creates a link for the device at address, served on bridge
// connection idx.
func NewLink(adapter Adapter, bridge *Bridge, idx int, address string, opts LinkOptions, onUp func(idx int, peer Peer, reconnect bool)) *Link {
	def := DefaultLinkOptions()
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	l := &Link{
		adapter: adapter,
		bridge:  bridge,
		idx:     idx,
		address: address,
		opts:    opts,
		onUp:    onUp,
		stop:    make(chan struct{}),
	}
	l.delay = func(attempt int) time.Duration { return backoffDelay(attempt, l.opts.ReconnectMax) }
	return l
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Connect enables the adapter and establishes the initial connection.
func (l *Link) Connect(ctx context.Context) error {
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	if err := l.attach(ctx, false); err != nil {
		return err
	}
	slog.Info("[BLE] connected", "conn", l.idx, "address", l.address)
	return nil
}

// Connected reports whether a peer is currently attached.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Reconnects returns the number of reconnect attempts made so far.
func (l *Link) Reconnects() uint64 { return l.attempts.Load() }

func (l *Link) Index() int      { return l.idx }
func (l *Link) Address() string { return l.address }

func (l *Link) attach(ctx context.Context, reconnect bool) error {
	cctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()
	peer, err := l.adapter.Connect(cctx, l.address)
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", l.address, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = peer.Disconnect()
		return fmt.Errorf("ble: link %d closed", l.idx)
	}
	if err := l.bridge.Attach(l.idx, peer, l.lost); err != nil {
		l.mu.Unlock()
		_ = peer.Disconnect()
		return err
	}
	l.connected = true
	l.mu.Unlock()

	if l.onUp != nil {
		l.onUp(l.idx, peer, reconnect)
	}
	return nil
}

// lost runs when the bridge sees the peer go away.
func (l *Link) lost() {
	l.mu.Lock()
	l.connected = false
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	if !l.reconnecting.CompareAndSwap(false, true) {
		return
	}
	slog.Warn("[BLE] disconnected, reconnecting...", "conn", l.idx, "address", l.address)
	go l.reconnectLoop()
}

// reconnectLoop attempts to reconnect with exponential backoff until it
// succeeds or the link is closed.
func (l *Link) reconnectLoop() {
	defer l.reconnecting.Store(false)
	for attempt := 0; ; attempt++ {
		// The first attempt is immediate; later ones back off.
		if attempt > 0 {
			delay := l.delay(attempt - 1)
			slog.Info("[BLE] reconnect backoff", "conn", l.idx, "attempt", attempt+1, "delay", delay)
			select {
			case <-l.stop:
				return
			case <-time.After(delay):
			}
		}
		select {
		case <-l.stop:
			return
		default:
		}

		l.attempts.Inc()
		if err := l.attach(context.Background(), true); err != nil {
			slog.Warn("[BLE] reconnect failed", "conn", l.idx, "error", err, "attempt", attempt+1)
			continue
		}
		slog.Info("[BLE] reconnected", "conn", l.idx, "address", l.address)
		return
	}
}

// Close stops reconnecting and disconnects the peer.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.stop)
	connected := l.connected
	l.connected = false
	l.mu.Unlock()

	if connected {
		return l.bridge.Detach(l.idx)
	}
	return nil
}
