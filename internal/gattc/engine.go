package gattc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrStopped is returned when posting to an engine whose Run has returned.
var ErrStopped = errors.New("gattc: engine stopped")

// Options configures an Engine.
type Options struct {
	MaxConnections    int           // number of connection slots
	QueueDepth        int           // deferred requests per connection
	IndicationTimeout time.Duration // control-point indication wait
	InboxSize         int           // buffered events awaiting dispatch
}

// DefaultOptions returns sensible defaults. The indication timeout is the
// ATT transaction timeout.
func DefaultOptions() Options {
	return Options{
		MaxConnections:    4,
		QueueDepth:        32,
		IndicationTimeout: 30 * time.Second,
		InboxSize:         256,
	}
}

// Engine runs the profile client state machine for every connection. All
// state is owned by the goroutine in Run; the exported methods only enqueue.
type Engine struct {
	profile   Profile
	schema    *Schema
	transport Transport
	sink      Sink
	opts      Options

	reg   *registry
	seq   uint64
	stats Stats

	inbox chan any
	done  chan struct{}

	afterFunc func(time.Duration, func()) stopper
}

// timerFired is posted by an indication timer. gen and seq pin it to one
// connection lifetime and one operation.
type timerFired struct {
	idx int
	gen uint64
	seq uint64
}

type snapshotReq struct {
	reply chan []SlotInfo
}

// SlotInfo describes one connection slot.
type SlotInfo struct {
	Index      int      `json:"index"`
	State      string   `json:"state"`
	Generation uint64   `json:"generation"`
	Pending    string   `json:"pending,omitempty"`
	Queued     int      `json:"queued"`
	Handles    *Handles `json:"handles,omitempty"`
}

// NewEngine creates an engine for profile. Zero option fields take defaults.
func NewEngine(profile Profile, transport Transport, sink Sink, opts Options) (*Engine, error) {
	if profile == nil || transport == nil || sink == nil {
		return nil, fmt.Errorf("gattc: profile, transport and sink are required")
	}
	schema := profile.Schema()
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("gattc: profile %s: %w", profile.Name(), err)
	}
	def := DefaultOptions()
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = def.MaxConnections
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = def.QueueDepth
	}
	if opts.IndicationTimeout <= 0 {
		opts.IndicationTimeout = def.IndicationTimeout
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = def.InboxSize
	}
	return &Engine{
		profile:   profile,
		schema:    schema,
		transport: transport,
		sink:      sink,
		opts:      opts,
		reg:       newRegistry(opts.MaxConnections),
		inbox:     make(chan any, opts.InboxSize),
		done:      make(chan struct{}),
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
	}, nil
}

// Profile returns the profile the engine serves.
func (e *Engine) Profile() Profile { return e.profile }

// Stats returns the engine counters.
func (e *Engine) Stats() StatsSnapshot { return e.stats.Snapshot() }

// Run dispatches events until ctx is cancelled. It must be called exactly
// once; every slot is released on return.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("[GATTC] engine started", "profile", e.profile.Name(), "slots", e.opts.MaxConnections)
	defer func() {
		close(e.done)
		for i, s := range e.reg.slots {
			if _, isFree := s.state.(free); isFree {
				continue
			}
			e.reg.release(i)
			e.stats.active.Dec()
		}
		slog.Info("[GATTC] engine stopped", "profile", e.profile.Name())
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-e.inbox:
			e.process(msg)
		}
	}
}

// Post hands a transport event to the engine.
func (e *Engine) Post(ev Event) error { return e.post(ev) }

// Submit hands an application request to the engine. The outcome arrives
// at the sink.
func (e *Engine) Submit(req Request) error { return e.post(req) }

// Disconnect tears down the connection at idx without responding to
// anything still in flight.
func (e *Engine) Disconnect(idx int) error { return e.post(Disconnect{ConnIdx: idx}) }

// Snapshot reports the state of every slot.
func (e *Engine) Snapshot(ctx context.Context) ([]SlotInfo, error) {
	req := snapshotReq{reply: make(chan []SlotInfo, 1)}
	select {
	case e.inbox <- req:
	case <-e.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case infos := <-req.reply:
		return infos, nil
	case <-e.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) post(msg any) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.inbox <- msg:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) process(msg any) {
	switch m := msg.(type) {
	case EnableRequest:
		e.enable(m)
	case ReadRequest, WriteRequest, ConfigureRequest:
		e.request(m.(Request))
	case ServiceFound:
		e.serviceFound(m)
	case DiscoveryComplete:
		e.discoveryComplete(m)
	case OperationComplete:
		e.operationComplete(m)
	case AttributeRead:
		e.attributeRead(m)
	case AttributeEvent:
		e.attributeEvent(m)
	case Disconnect:
		e.disconnect(m.ConnIdx)
	case timerFired:
		e.timerFired(m)
	case snapshotReq:
		m.reply <- e.snapshot()
	default:
		slog.Error("[GATTC] unknown message", "type", fmt.Sprintf("%T", msg))
	}
}

func (e *Engine) snapshot() []SlotInfo {
	infos := make([]SlotInfo, 0, len(e.reg.slots))
	for _, s := range e.reg.slots {
		info := SlotInfo{
			Index:      s.idx,
			State:      s.state.name(),
			Generation: s.gen,
			Queued:     len(s.queue),
		}
		switch st := s.state.(type) {
		case busy:
			info.Pending = st.op.tag.String()
			h := s.handles.Clone()
			info.Handles = &h
		case idle:
			h := s.handles.Clone()
			info.Handles = &h
		}
		infos = append(infos, info)
	}
	return infos
}

func (e *Engine) emit(r Response) {
	e.stats.responses.Inc()
	e.sink.Deliver(r)
}

func (e *Engine) enable(req EnableRequest) {
	s, err := e.reg.allocate(req.ConnIdx, e.profile.NewSession())
	if err != nil {
		slog.Warn("[GATTC] enable refused", "conn", req.ConnIdx, "error", err)
		e.emit(EnableResponse{ConnIdx: req.ConnIdx, Err: err})
		return
	}
	e.stats.active.Inc()

	switch req.Mode {
	case UseCachedHandles:
		if err := req.Handles.Fits(e.schema); err != nil {
			e.failEnable(s, err)
			return
		}
		s.handles = req.Handles.Clone()
		slog.Info("[GATTC] enabled from cached handles", "conn", s.idx, "service", s.handles.Service)
		e.stats.enabled.Inc()
		e.emit(EnableResponse{ConnIdx: s.idx, Handles: s.handles.Clone()})
		e.drain(s)
	case Discover:
		s.state = discovering{col: newCollector(e.schema)}
		if err := e.transport.DiscoverService(s.idx, e.schema.Service); err != nil {
			e.failEnable(s, fmt.Errorf("gattc: discover %s: %w", e.schema.Service, err))
			return
		}
		slog.Debug("[GATTC] discovering", "conn", s.idx, "service", e.schema.Service)
	default:
		e.failEnable(s, fmt.Errorf("gattc: enable mode %d: %w", req.Mode, ErrInvalidParameter))
	}
}

// failEnable answers the enable with err, releases the slot and turns away
// anything that was queued behind the enable.
func (e *Engine) failEnable(s *slot, err error) {
	slog.Warn("[GATTC] enable failed", "conn", s.idx, "error", err)
	queued := e.reg.release(s.idx)
	e.stats.active.Dec()
	e.emit(EnableResponse{ConnIdx: s.idx, Err: err})
	for _, req := range queued {
		e.reject(req, fmt.Errorf("gattc: connection %d not enabled: %w", s.idx, ErrRequestDisallowed))
	}
}

func (e *Engine) serviceFound(ev ServiceFound) {
	s, ok := e.reg.get(ev.ConnIdx)
	if !ok {
		e.drop(ev, "unknown connection")
		return
	}
	d, isDiscovering := s.state.(discovering)
	if !isDiscovering {
		e.drop(ev, "not discovering")
		return
	}
	if ev.UUID != e.schema.Service {
		e.drop(ev, "foreign service")
		return
	}
	d.col.add(ev)
}

func (e *Engine) discoveryComplete(ev DiscoveryComplete) {
	s, ok := e.reg.get(ev.ConnIdx)
	if !ok {
		e.drop(ev, "unknown connection")
		return
	}
	d, isDiscovering := s.state.(discovering)
	if !isDiscovering {
		e.drop(ev, "not discovering")
		return
	}
	handles, err := d.col.verdict(ev.Status)
	if err != nil {
		e.failEnable(s, err)
		return
	}
	s.handles = handles
	s.state = idle{}
	slog.Info("[GATTC] enabled", "conn", s.idx, "service", handles.Service)
	e.stats.enabled.Inc()
	e.emit(EnableResponse{ConnIdx: s.idx, Handles: handles.Clone()})
	e.drain(s)
}

func (e *Engine) disconnect(idx int) {
	s, ok := e.reg.get(idx)
	if !ok {
		slog.Warn("[GATTC] disconnect for unknown connection", "conn", idx)
		return
	}
	if _, isFree := s.state.(free); isFree {
		return
	}
	prev := s.state.name()
	queued := e.reg.release(idx)
	e.stats.active.Dec()
	slog.Info("[GATTC] disconnected", "conn", idx, "state", prev, "discarded", len(queued))
}

func (e *Engine) drop(ev Event, reason string) {
	e.stats.dropped.Inc()
	slog.Warn("[GATTC] dropping transport event", "conn", ev.connIndex(), "event", fmt.Sprintf("%T", ev), "reason", reason)
}
