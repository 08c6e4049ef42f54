package gattc

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// WriteMode selects between an acknowledged ATT write request and a write
// command.
type WriteMode uint8

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

func (m WriteMode) String() string {
	if m == WriteWithoutResponse {
		return "write-command"
	}
	return "write-request"
}

// OpKind is the semantic operation a Tag stands for.
type OpKind uint8

const (
	OpRead OpKind = iota + 1
	OpWrite
	OpConfigure
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpConfigure:
		return "configure"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Tag correlates a transport call with the completion that answers it. Seq
// is unique per engine, so a completion for an earlier operation on the same
// item never matches a later one.
type Tag struct {
	Op   OpKind
	Item Item
	Seq  uint64
}

func (t Tag) String() string {
	return fmt.Sprintf("%s %s #%d", t.Op, t.Item, t.Seq)
}

// Transport is the asynchronous ATT client the engine drives. Calls must not
// block on the peer: results come back later as Events posted to the engine.
// A non-nil error return means the call was never issued.
type Transport interface {
	DiscoverService(connIdx int, service bluetooth.UUID) error
	ReadAttribute(connIdx int, tag Tag, handle uint16) error
	WriteAttribute(connIdx int, tag Tag, handle uint16, value []byte, mode WriteMode) error
	ConfirmIndication(connIdx int, handle uint16) error
}

// Event is an inbound message from the transport.
type Event interface {
	connIndex() int
}

// DiscoveredDesc is a descriptor found under a characteristic.
type DiscoveredDesc struct {
	UUID   bluetooth.UUID
	Handle uint16
}

// DiscoveredChar is a characteristic found within a service.
type DiscoveredChar struct {
	UUID  bluetooth.UUID
	Decl  uint16
	Value uint16
	Props Property
	Descs []DiscoveredDesc
}

// ServiceFound reports one service instance matching the requested UUID.
type ServiceFound struct {
	ConnIdx int
	UUID    bluetooth.UUID
	Range   Range
	Chars   []DiscoveredChar
}

// DiscoveryComplete ends a discovery sequence.
type DiscoveryComplete struct {
	ConnIdx int
	Status  ATTStatus
}

// OperationComplete answers a ReadAttribute or WriteAttribute call.
type OperationComplete struct {
	ConnIdx int
	Tag     Tag
	Status  ATTStatus
}

// AttributeRead carries the value of a successful read.
type AttributeRead struct {
	ConnIdx int
	Tag     Tag
	Payload []byte
}

// EventKind distinguishes notifications from indications.
type EventKind uint8

const (
	EventNotify EventKind = iota + 1
	EventIndicate
)

func (k EventKind) String() string {
	if k == EventIndicate {
		return "indicate"
	}
	return "notify"
}

// AttributeEvent is a peer-initiated notification or indication.
type AttributeEvent struct {
	ConnIdx int
	Handle  uint16
	Kind    EventKind
	Payload []byte
}

// Disconnect reports that the link is gone.
type Disconnect struct {
	ConnIdx int
}

func (e ServiceFound) connIndex() int      { return e.ConnIdx }
func (e DiscoveryComplete) connIndex() int { return e.ConnIdx }
func (e OperationComplete) connIndex() int { return e.ConnIdx }
func (e AttributeRead) connIndex() int     { return e.ConnIdx }
func (e AttributeEvent) connIndex() int    { return e.ConnIdx }
func (e Disconnect) connIndex() int        { return e.ConnIdx }
