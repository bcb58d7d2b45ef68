// Package capability issues unforgeable tokens that grant the right to mutate
// ledger and custody state directly. A token is created once when the
// components are wired together and handed only to the components that relay
// user operations.
package capability

type secret struct{ _ byte }

// Relayer is an opaque capability. The zero value grants nothing.
type Relayer struct {
	s *secret
}

// NewRelayer creates a fresh relayer capability distinct from every other.
func NewRelayer() Relayer {
	return Relayer{s: new(secret)}
}

// Grants reports whether presented is the same capability as r.
func (r Relayer) Grants(presented Relayer) bool {
	return r.s != nil && r.s == presented.s
}

// Valid reports whether r was issued by NewRelayer.
func (r Relayer) Valid() bool {
	return r.s != nil
}
