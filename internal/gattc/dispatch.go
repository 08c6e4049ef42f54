package gattc

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// request routes a read, write or configure request according to slot state.
func (e *Engine) request(req Request) {
	s, ok := e.reg.get(req.connIndex())
	if !ok {
		e.reject(req, fmt.Errorf("gattc: connection %d out of range: %w", req.connIndex(), ErrInvalidParameter))
		return
	}
	switch s.state.(type) {
	case free:
		e.reject(req, fmt.Errorf("gattc: connection %d not enabled: %w", s.idx, ErrRequestDisallowed))
	case discovering, busy:
		if len(s.queue) >= e.opts.QueueDepth {
			e.reject(req, fmt.Errorf("gattc: connection %d queue full (%d): %w", s.idx, len(s.queue), ErrRequestDisallowed))
			return
		}
		s.queue = append(s.queue, req)
		e.stats.deferred.Inc()
		slog.Debug("[GATTC] request deferred", "conn", s.idx, "state", s.state.name(), "queued", len(s.queue))
	case idle:
		e.dispatch(s, req)
	}
}

// drain replays deferred requests while the slot stays idle.
func (e *Engine) drain(s *slot) {
	for len(s.queue) > 0 {
		if _, isIdle := s.state.(idle); !isIdle {
			return
		}
		req := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		e.dispatch(s, req)
	}
	s.queue = nil
}

// dispatch issues req on an idle slot. Synchronous failures are answered
// immediately and leave the slot idle.
func (e *Engine) dispatch(s *slot, req Request) {
	if err := e.checkItem(req); err != nil {
		e.reject(req, err)
		return
	}
	admitted, err := s.session.Admit(req)
	if err != nil {
		e.reject(req, err)
		return
	}
	if admitted.connIndex() != req.connIndex() {
		e.reject(req, fmt.Errorf("gattc: session moved request to connection %d: %w", admitted.connIndex(), ErrInvalidParameter))
		return
	}
	req = admitted
	if err := e.checkItem(req); err != nil {
		e.reject(req, err)
		return
	}

	e.seq++
	op := &operation{}
	switch r := req.(type) {
	case ReadRequest:
		op.tag = Tag{Op: OpRead, Item: r.Item, Seq: e.seq}
		if op.handle, err = s.handles.lookup(r.Item); err == nil {
			err = e.transport.ReadAttribute(s.idx, op.tag, op.handle)
		}
	case WriteRequest:
		op.tag = Tag{Op: OpWrite, Item: r.Item, Seq: e.seq}
		op.controlPoint = e.schema.Chars[r.Item.Index].ControlPoint
		if op.handle, err = s.handles.lookup(r.Item); err == nil {
			mode := writeMode(s.handles.Chars[r.Item.Index].Props)
			err = e.transport.WriteAttribute(s.idx, op.tag, op.handle, r.Value, mode)
		}
	case ConfigureRequest:
		op.tag = Tag{Op: OpConfigure, Item: Desc(r.Desc), Seq: e.seq}
		if err = e.checkConfigure(s, r); err != nil {
			break
		}
		if op.handle, err = s.handles.lookup(op.tag.Item); err == nil {
			var v [2]byte
			binary.LittleEndian.PutUint16(v[:], r.Value)
			err = e.transport.WriteAttribute(s.idx, op.tag, op.handle, v[:], WriteWithResponse)
		}
	default:
		err = fmt.Errorf("gattc: unsupported request %T: %w", req, ErrInvalidParameter)
	}
	if err != nil {
		e.reject(req, err)
		return
	}
	s.state = busy{op: op}
	slog.Debug("[GATTC] dispatched", "conn", s.idx, "tag", op.tag.String(), "handle", op.handle)
}

// checkItem validates the request against the schema before any handle is
// looked up.
func (e *Engine) checkItem(req Request) error {
	switch r := req.(type) {
	case ReadRequest:
		if !e.schema.Has(r.Item) {
			return fmt.Errorf("gattc: read %s: %w", r.Item, ErrInvalidParameter)
		}
		if r.Item.Kind == ItemChar && e.schema.Chars[r.Item.Index].ControlPoint {
			return fmt.Errorf("gattc: read control point %s: %w", e.schema.ItemName(r.Item), ErrInvalidParameter)
		}
	case WriteRequest:
		if r.Item.Kind != ItemChar || !e.schema.Has(r.Item) {
			return fmt.Errorf("gattc: write %s: %w", r.Item, ErrInvalidParameter)
		}
	case ConfigureRequest:
		it := Desc(r.Desc)
		if !e.schema.Has(it) {
			return fmt.Errorf("gattc: configure %s: %w", it, ErrInvalidParameter)
		}
		def := e.schema.Descs[r.Desc]
		if def.UUID != ClientCharConfigUUID {
			return fmt.Errorf("gattc: configure %s: not a client configuration: %w", def.Name, ErrInvalidParameter)
		}
		if _, err := cccdProperty(r.Value); err != nil {
			return fmt.Errorf("gattc: configure %s: %w", def.Name, err)
		}
	}
	return nil
}

// cccdProperty returns the characteristic property a configuration value
// depends on.
func cccdProperty(v uint16) (Property, error) {
	switch v {
	case CCCDStop:
		return 0, nil
	case CCCDNotify:
		return PropNotify, nil
	case CCCDIndicate:
		return PropIndicate, nil
	}
	return 0, fmt.Errorf("value 0x%04x: %w", v, ErrInvalidParameter)
}

// checkConfigure verifies the owning characteristic can deliver what the
// configuration value asks for. Properties required by the schema or
// reported by discovery both count.
func (e *Engine) checkConfigure(s *slot, r ConfigureRequest) error {
	def := e.schema.Descs[r.Desc]
	need, _ := cccdProperty(r.Value)
	have := e.schema.Chars[def.Char].Props | s.handles.Chars[def.Char].Props
	if have&need != need {
		return fmt.Errorf("gattc: configure %s: %s does not %s: %w",
			def.Name, e.schema.Chars[def.Char].Name, need, ErrInvalidParameter)
	}
	return nil
}

// writeMode picks a write command only when the peer does not accept write
// requests on the characteristic.
func writeMode(props Property) WriteMode {
	if props&PropWrite == 0 && props&PropWriteNoResp != 0 {
		return WriteWithoutResponse
	}
	return WriteWithResponse
}

// reject answers req with err without touching slot state.
func (e *Engine) reject(req Request, err error) {
	e.stats.rejected.Inc()
	slog.Debug("[GATTC] request rejected", "conn", req.connIndex(), "error", err)
	e.emit(errorResponse(req, err))
}

func errorResponse(req Request, err error) Response {
	switch r := req.(type) {
	case EnableRequest:
		return EnableResponse{ConnIdx: r.ConnIdx, Err: err}
	case ReadRequest:
		return ReadResponse{ConnIdx: r.ConnIdx, Item: r.Item, Err: err}
	case WriteRequest:
		return WriteResponse{ConnIdx: r.ConnIdx, Item: r.Item, Err: err}
	case ConfigureRequest:
		return ConfigureResponse{ConnIdx: r.ConnIdx, Desc: r.Desc, Err: err}
	}
	panic(fmt.Sprintf("gattc: no response shape for %T", req))
}

// complete answers the in-flight operation and returns the slot to idle.
func (e *Engine) complete(s *slot, op *operation, err error, value []byte) {
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
	idx := s.idx
	var resp Response
	switch op.tag.Op {
	case OpRead:
		resp = ReadResponse{ConnIdx: idx, Item: op.tag.Item, Err: err, Value: value}
	case OpWrite:
		resp = WriteResponse{ConnIdx: idx, Item: op.tag.Item, Err: err, Reply: value}
	case OpConfigure:
		resp = ConfigureResponse{ConnIdx: idx, Desc: op.tag.Item.Index, Err: err}
	}
	s.state = idle{}
	e.emit(resp)
	e.drain(s)
}

// pending returns the operation in flight on the event's connection if its
// tag matches.
func (e *Engine) pending(ev Event, tag Tag) (*slot, *operation, bool) {
	s, ok := e.reg.get(ev.connIndex())
	if !ok {
		e.drop(ev, "unknown connection")
		return nil, nil, false
	}
	b, isBusy := s.state.(busy)
	if !isBusy {
		e.drop(ev, "connection "+s.state.name())
		return nil, nil, false
	}
	if b.op.tag != tag {
		e.drop(ev, fmt.Sprintf("tag %s does not match pending %s", tag, b.op.tag))
		return nil, nil, false
	}
	return s, b.op, true
}

func (e *Engine) operationComplete(ev OperationComplete) {
	s, op, ok := e.pending(ev, ev.Tag)
	if !ok {
		return
	}
	if op.awaiting || op.completed {
		e.drop(ev, "duplicate completion")
		return
	}
	if ev.Status != StatusSuccess {
		e.complete(s, op, transportErr(ev.Status), nil)
		return
	}
	switch op.tag.Op {
	case OpRead:
		op.completed = true
		if op.havePayload {
			e.finishRead(s, op)
		}
	case OpWrite:
		if op.controlPoint {
			e.awaitIndication(s, op)
			return
		}
		e.complete(s, op, nil, nil)
	default:
		e.complete(s, op, nil, nil)
	}
}

func (e *Engine) attributeRead(ev AttributeRead) {
	s, op, ok := e.pending(ev, ev.Tag)
	if !ok {
		return
	}
	if op.tag.Op != OpRead || op.havePayload {
		e.drop(ev, "unexpected read value")
		return
	}
	op.havePayload = true
	op.payload = append([]byte(nil), ev.Payload...)
	if op.completed {
		e.finishRead(s, op)
	}
}

func (e *Engine) finishRead(s *slot, op *operation) {
	s.session.Observe(op.tag.Item, op.payload)
	e.complete(s, op, nil, op.payload)
}

// awaitIndication keeps a control-point write busy until the peer indicates
// the outcome or the timer expires.
func (e *Engine) awaitIndication(s *slot, op *operation) {
	op.awaiting = true
	fired := timerFired{idx: s.idx, gen: s.gen, seq: op.tag.Seq}
	op.timer = e.afterFunc(e.opts.IndicationTimeout, func() {
		_ = e.post(fired)
	})
	slog.Debug("[GATTC] awaiting control point indication", "conn", s.idx, "tag", op.tag.String(), "timeout", e.opts.IndicationTimeout)
}

func (e *Engine) timerFired(t timerFired) {
	s, ok := e.reg.get(t.idx)
	if !ok || s.gen != t.gen {
		slog.Debug("[GATTC] stale timer", "conn", t.idx, "gen", t.gen)
		return
	}
	b, isBusy := s.state.(busy)
	if !isBusy || b.op.tag.Seq != t.seq || !b.op.awaiting {
		slog.Debug("[GATTC] stale timer", "conn", t.idx, "seq", t.seq)
		return
	}
	b.op.timer = nil
	e.stats.timeouts.Inc()
	slog.Warn("[GATTC] control point timed out", "conn", s.idx, "item", e.schema.ItemName(b.op.tag.Item))
	e.complete(s, b.op, fmt.Errorf("gattc: %s: no indication within %s: %w",
		e.schema.ItemName(b.op.tag.Item), e.opts.IndicationTimeout, ErrProcedureTimeout), nil)
}

// attributeEvent delivers peer-initiated values. Indications are confirmed
// straight away whatever the slot is doing.
func (e *Engine) attributeEvent(ev AttributeEvent) {
	s, ok := e.reg.get(ev.ConnIdx)
	if !ok {
		e.drop(ev, "unknown connection")
		return
	}
	if _, isFree := s.state.(free); isFree {
		e.drop(ev, "connection free")
		return
	}
	if ev.Kind == EventIndicate {
		if err := e.transport.ConfirmIndication(s.idx, ev.Handle); err != nil {
			slog.Warn("[GATTC] indication confirm failed", "conn", s.idx, "handle", ev.Handle, "error", err)
		}
	}
	if _, isDiscovering := s.state.(discovering); isDiscovering {
		e.drop(ev, "discovery in progress")
		return
	}
	it, found := s.handles.itemFor(ev.Handle)
	if !found {
		e.drop(ev, fmt.Sprintf("unknown handle 0x%04x", ev.Handle))
		return
	}
	payload := append([]byte(nil), ev.Payload...)
	if b, isBusy := s.state.(busy); isBusy && b.op.awaiting && ev.Kind == EventIndicate && b.op.tag.Item == it {
		s.session.Observe(it, payload)
		e.complete(s, b.op, nil, payload)
		return
	}
	s.session.Observe(it, payload)
	e.stats.notifications.Inc()
	e.sink.Deliver(Notification{ConnIdx: s.idx, Item: it, Kind: ev.Kind, Payload: payload})
}
