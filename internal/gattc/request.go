package gattc

// Request is an application message addressed to one connection.
type Request interface {
	connIndex() int
}

// EnableMode selects how an enable obtains its handles.
type EnableMode uint8

const (
	// Discover runs service discovery against the peer.
	Discover EnableMode = iota
	// UseCachedHandles installs handles recorded on an earlier connection
	// with a bonded peer, without any discovery traffic.
	UseCachedHandles
)

func (m EnableMode) String() string {
	if m == UseCachedHandles {
		return "cached"
	}
	return "discover"
}

// EnableRequest activates the profile client on a connection.
type EnableRequest struct {
	ConnIdx int
	Mode    EnableMode
	Handles Handles
}

// ReadRequest reads a characteristic value or descriptor.
type ReadRequest struct {
	ConnIdx int
	Item    Item
}

// WriteRequest writes a characteristic value. For a control point the
// response waits for the peer's indication.
type WriteRequest struct {
	ConnIdx int
	Item    Item
	Value   []byte
}

// ConfigureRequest writes a Client Characteristic Configuration descriptor.
// Value is one of CCCDStop, CCCDNotify or CCCDIndicate.
type ConfigureRequest struct {
	ConnIdx int
	Desc    int
	Value   uint16
}

func (r EnableRequest) connIndex() int    { return r.ConnIdx }
func (r ReadRequest) connIndex() int      { return r.ConnIdx }
func (r WriteRequest) connIndex() int     { return r.ConnIdx }
func (r ConfigureRequest) connIndex() int { return r.ConnIdx }
