package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/gattprofile/internal/ble"
	"github.com/chaz8081/gattprofile/internal/config"
	"github.com/chaz8081/gattprofile/internal/gattc"
	"github.com/chaz8081/gattprofile/internal/handlecache"
	"github.com/chaz8081/gattprofile/internal/profiles"
	"github.com/chaz8081/gattprofile/internal/profiles/gattsvc"
	"github.com/chaz8081/gattprofile/internal/profiles/scpp"
	"github.com/chaz8081/gattprofile/internal/profiles/uds"
	"github.com/chaz8081/gattprofile/internal/profiles/wss"
	"github.com/chaz8081/gattprofile/internal/statusapi"
)

// stack wires one profile engine to the radio through a bridge, with a link
// per configured peer and the handle cache in front of enable.
type stack struct {
	cfg     *config.Config
	profile gattc.Profile
	cache   *handlecache.Cache
	adapter ble.Adapter
	bridge  *ble.Bridge
	engine  *gattc.Engine
	sink    *gattc.ChanSink

	mu    sync.Mutex
	links map[int]*ble.Link
	modes map[int]gattc.EnableMode
	scan  map[int][]byte // last scan interval window written per connection
}

func newStack(ctx context.Context, cfg *config.Config, adapter ble.Adapter, cache *handlecache.Cache) (*stack, error) {
	profile, err := profiles.Lookup(cfg.Profile)
	if err != nil {
		return nil, err
	}
	bridge := ble.NewBridge(cfg.Transport.QueueSize)
	sink := gattc.NewChanSink(ctx, cfg.Engine.QueueDepth)
	engine, err := gattc.NewEngine(profile, bridge, sink, gattc.Options{
		MaxConnections:    cfg.Engine.MaxConnections,
		QueueDepth:        cfg.Engine.QueueDepth,
		IndicationTimeout: cfg.Engine.IndicationTimeout,
	})
	if err != nil {
		return nil, err
	}
	bridge.Bind(engine)
	return &stack{
		cfg:     cfg,
		profile: profile,
		cache:   cache,
		adapter: adapter,
		bridge:  bridge,
		engine:  engine,
		sink:    sink,
		links:   make(map[int]*ble.Link),
		modes:   make(map[int]gattc.EnableMode),
		scan:    make(map[int][]byte),
	}, nil
}

// connect attaches address on connection idx and keeps it attached.
func (s *stack) connect(ctx context.Context, idx int, address string) error {
	link := ble.NewLink(s.adapter, s.bridge, idx, address, ble.LinkOptions{
		ReconnectMax:   s.cfg.Transport.ReconnectMax,
		ConnectTimeout: s.cfg.Transport.ConnectTimeout,
	}, s.linkUp)
	s.mu.Lock()
	s.links[idx] = link
	s.mu.Unlock()
	return link.Connect(ctx)
}

// linkUp enables the profile on a fresh link, from cached handles when the
// peer was seen before.
func (s *stack) linkUp(idx int, peer ble.Peer, reconnect bool) {
	req := gattc.EnableRequest{ConnIdx: idx, Mode: gattc.Discover}
	if s.cache != nil {
		if h, ok := s.cache.Lookup(peer.Address(), s.profile); ok {
			req.Mode = gattc.UseCachedHandles
			req.Handles = h
		}
	}
	s.mu.Lock()
	s.modes[idx] = req.Mode
	s.mu.Unlock()

	slog.Info("[GATTC] enabling profile", "conn", idx, "address", peer.Address(), "mode", req.Mode, "reconnect", reconnect)
	if err := s.engine.Submit(req); err != nil {
		slog.Error("[GATTC] enable submit failed", "conn", idx, "error", err)
	}
}

func (s *stack) address(idx int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.links[idx]; ok {
		return l.Address()
	}
	return ""
}

// serve runs the engine and passes every response to out after the stack
// has done its own bookkeeping. It returns when ctx is done.
func (s *stack) serve(ctx context.Context, out func(gattc.Response)) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.engine.Run(ctx) }()
	for {
		select {
		case resp := <-s.sink.C():
			s.observe(resp)
			if out != nil {
				out(resp)
			}
		case err := <-errCh:
			return err
		}
	}
}

func (s *stack) observe(resp gattc.Response) {
	if n, ok := resp.(gattc.Notification); ok {
		s.serviceChanged(n)
		s.scanRefresh(n)
		return
	}
	en, ok := resp.(gattc.EnableResponse)
	if !ok {
		return
	}
	s.mu.Lock()
	mode := s.modes[en.ConnIdx]
	s.mu.Unlock()
	addr := s.address(en.ConnIdx)
	if s.cache == nil || addr == "" {
		return
	}

	if en.Err != nil {
		if mode != gattc.UseCachedHandles {
			return
		}
		// cached handles were refused, rediscover
		s.cache.Forget(addr, s.profile.Name())
		s.mu.Lock()
		s.modes[en.ConnIdx] = gattc.Discover
		s.mu.Unlock()
		slog.Warn("[CACHE] cached handles rejected, discovering", "conn", en.ConnIdx, "error", en.Err)
		if err := s.engine.Submit(gattc.EnableRequest{ConnIdx: en.ConnIdx, Mode: gattc.Discover}); err != nil {
			slog.Error("[GATTC] enable submit failed", "conn", en.ConnIdx, "error", err)
		}
		return
	}

	if mode == gattc.Discover {
		s.cache.Store(addr, s.profile, en.Handles)
		if err := s.cache.Save(); err != nil {
			slog.Warn("[CACHE] save failed", "error", err)
		}
	}
}

// serviceChanged drops the cached handles of a peer whose database changed.
// The next connection rediscovers.
func (s *stack) serviceChanged(n gattc.Notification) {
	if s.cache == nil || s.profile.Name() != gattsvc.Name || n.Item != gattc.Char(gattsvc.CharServiceChanged) {
		return
	}
	addr := s.address(n.ConnIdx)
	if addr == "" || !s.cache.Forget(addr, s.profile.Name()) {
		return
	}
	slog.Info("[CACHE] service changed, handles forgotten", "conn", n.ConnIdx, "address", addr)
	if err := s.cache.Save(); err != nil {
		slog.Warn("[CACHE] save failed", "error", err)
	}
}

// writeScanParams tells an scpp peer the local scan interval and window and
// remembers them for later refresh requests.
func (s *stack) writeScanParams(idx int, interval, window uint16) error {
	value, err := scpp.EncodeIntervalWindow(interval, window)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.scan[idx] = value
	s.mu.Unlock()
	return s.engine.Submit(gattc.WriteRequest{ConnIdx: idx, Item: gattc.Char(scpp.CharIntervalWindow), Value: value})
}

// scanRefresh answers a Scan Refresh notification by writing the last scan
// interval window again.
func (s *stack) scanRefresh(n gattc.Notification) {
	if s.profile.Name() != scpp.Name || n.Item != gattc.Char(scpp.CharRefresh) || !scpp.IsRefreshRequest(n.Payload) {
		return
	}
	s.mu.Lock()
	value := s.scan[n.ConnIdx]
	s.mu.Unlock()
	if value == nil {
		slog.Debug("[GATTC] scan refresh before any interval window was written", "conn", n.ConnIdx)
		return
	}
	slog.Info("[GATTC] scan refresh requested, rewriting interval window", "conn", n.ConnIdx)
	if err := s.engine.Submit(gattc.WriteRequest{ConnIdx: n.ConnIdx, Item: gattc.Char(scpp.CharIntervalWindow), Value: value}); err != nil {
		slog.Error("[GATTC] write submit failed", "conn", n.ConnIdx, "error", err)
	}
}

// subscribeAll turns on notifications or indications for every
// configuration descriptor the peer exposes.
func (s *stack) subscribeAll(idx int, h gattc.Handles) {
	schema := s.profile.Schema()
	for i, d := range schema.Descs {
		if d.UUID != gattc.ClientCharConfigUUID || h.Descs[i] == gattc.InvalidHandle {
			continue
		}
		value := gattc.CCCDNotify
		if schema.Chars[d.Char].Props&gattc.PropIndicate != 0 {
			value = gattc.CCCDIndicate
		}
		if err := s.engine.Submit(gattc.ConfigureRequest{ConnIdx: idx, Desc: i, Value: value}); err != nil {
			slog.Error("[GATTC] configure submit failed", "conn", idx, "desc", d.Name, "error", err)
		}
	}
}

func (s *stack) linkStatus() []statusapi.LinkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]statusapi.LinkStatus, 0, len(s.links))
	for idx, l := range s.links {
		out = append(out, statusapi.LinkStatus{
			Index:      idx,
			Address:    l.Address(),
			Connected:  l.Connected(),
			Reconnects: l.Reconnects(),
		})
	}
	return out
}

func (s *stack) close() {
	s.mu.Lock()
	links := make([]*ble.Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()
	for _, l := range links {
		if err := l.Close(); err != nil {
			slog.Warn("[BLE] close link", "address", l.Address(), "error", err)
		}
	}
	s.bridge.Close()
	if s.cache != nil {
		if err := s.cache.Save(); err != nil {
			slog.Warn("[CACHE] save failed", "error", err)
		}
	}
}

// defaultSimAddress is the simulated peer used when no address is configured.
const defaultSimAddress = "sim-0"

// newAdapter returns the radio backend named in cfg.
func newAdapter(cfg *config.Config) (ble.Adapter, error) {
	switch cfg.Transport.Backend {
	case "sim":
		profile, err := profiles.Lookup(cfg.Profile)
		if err != nil {
			return nil, err
		}
		sim := ble.NewSimAdapter(func(addr string) *ble.SimPeer {
			return ble.NewSimPeer(addr, simService(profile))
		})
		addr := cfg.Transport.Address
		if addr == "" {
			addr = defaultSimAddress
		}
		sim.Advertise(addr)
		return sim, nil
	case "tinygo":
		return ble.NewTinyGoAdapter(), nil
	case "goble":
		return ble.NewGoBLEAdapter(nil), nil
	}
	return nil, fmt.Errorf("unknown transport backend %q", cfg.Transport.Backend)
}

// simService builds a simulated server for profile with plausible initial
// values.
func simService(profile gattc.Profile) ble.SimService {
	svc := ble.SimServiceFromSchema(profile.Schema())
	switch profile.Name() {
	case wss.Name:
		svc.Chars[wss.CharFeature].Value = binary.LittleEndian.AppendUint32(nil, uint32(wss.FeatureTimeStamp|wss.FeatureBMI))
	case uds.Name:
		svc.Chars[uds.CharChangeIncrement].Value = uds.EncodeChangeIncrement(1)
		svc.Chars[uds.CharUserIndex].Value = []byte{0xFF}
		svc.Chars[uds.CharControlPoint].Reply = uds.NewResponder().Reply
	}
	return svc
}
