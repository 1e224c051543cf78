// Package descriptor holds the per-request value that carries a correlation
// token from the party that instrumented a request to the code producing its
// response.
package descriptor

// Descriptor wraps an opaque correlation token. The zero value is the empty
// descriptor, used for requests nobody chose to instrument.
type Descriptor struct {
	token any
	set   bool
}

// Empty returns the descriptor of an uninstrumented request.
func Empty() Descriptor {
	return Descriptor{}
}

// New returns a descriptor holding token. A nil token yields Empty().
func New(token any) Descriptor {
	if token == nil {
		return Empty()
	}

	return Descriptor{token: token, set: true}
}

// Token returns the wrapped token and whether one is present.
func (d Descriptor) Token() (any, bool) {
	return d.token, d.set
}

// IsEmpty reports whether d carries no token.
func (d Descriptor) IsEmpty() bool {
	return !d.set
}

// IsEmpty reports whether d carries no token.
func IsEmpty(d Descriptor) bool {
	return d.IsEmpty()
}
