package gattc

import "context"

// Response is an application-bound message.
type Response interface {
	connIndex() int
}

// EnableResponse answers an EnableRequest. Handles is only set on success.
type EnableResponse struct {
	ConnIdx int
	Err     error
	Handles Handles
}

// ReadResponse answers a ReadRequest.
type ReadResponse struct {
	ConnIdx int
	Item    Item
	Err     error
	Value   []byte
}

// WriteResponse answers a WriteRequest. Reply holds the indication that
// completed a control-point write.
type WriteResponse struct {
	ConnIdx int
	Item    Item
	Err     error
	Reply   []byte
}

// ConfigureResponse answers a ConfigureRequest.
type ConfigureResponse struct {
	ConnIdx int
	Desc    int
	Err     error
}

// Notification delivers a peer-initiated value.
type Notification struct {
	ConnIdx int
	Item    Item
	Kind    EventKind
	Payload []byte
}

func (r EnableResponse) connIndex() int    { return r.ConnIdx }
func (r ReadResponse) connIndex() int      { return r.ConnIdx }
func (r WriteResponse) connIndex() int     { return r.ConnIdx }
func (r ConfigureResponse) connIndex() int { return r.ConnIdx }
func (r Notification) connIndex() int      { return r.ConnIdx }

// Sink receives every response and notification the engine emits. Deliver
// is called from the engine goroutine and must not block for long or call
// back into the engine synchronously.
type Sink interface {
	Deliver(Response)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Response)

func (f SinkFunc) Deliver(r Response) { f(r) }

// ChanSink forwards responses to a channel, giving up when ctx is done.
type ChanSink struct {
	ctx context.Context
	ch  chan Response
}

// NewChanSink returns a sink backed by a channel of the given capacity.
func NewChanSink(ctx context.Context, capacity int) *ChanSink {
	return &ChanSink{ctx: ctx, ch: make(chan Response, capacity)}
}

// C returns the receive side.
func (s *ChanSink) C() <-chan Response { return s.ch }

func (s *ChanSink) Deliver(r Response) {
	select {
	case s.ch <- r:
	case <-s.ctx.Done():
	}
}
