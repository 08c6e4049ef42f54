package gattc

// Profile binds a schema to the per-connection sequencing rules of one
// profile client.
type Profile interface {
	Name() string
	Schema() *Schema
	NewSession() Session
}

// Session holds profile scratch state for one connection. A fresh session is
// created on every enable and dropped on release.
type Session interface {
	// Admit vets a read, write or configure request before it is dispatched.
	// It may rewrite the request (same connection, same kind). A non-nil
	// error is sent back to the application as the response.
	Admit(req Request) (Request, error)
	// Observe sees every value read from or notified by the peer.
	Observe(it Item, value []byte)
}

// NopSession admits everything unchanged.
type NopSession struct{}

func (NopSession) Admit(req Request) (Request, error) { return req, nil }
func (NopSession) Observe(Item, []byte)               {}

// StaticProfile is a Profile with no sequencing rules.
type StaticProfile struct {
	ProfileName string
	Def         *Schema
}

func (p *StaticProfile) Name() string        { return p.ProfileName }
func (p *StaticProfile) Schema() *Schema     { return p.Def }
func (p *StaticProfile) NewSession() Session { return NopSession{} }
