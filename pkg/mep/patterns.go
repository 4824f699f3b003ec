// Package mep implements Message Exchange Patterns for the exchange gateway

package mep

// Type represents a Message Exchange Pattern type
type Type string

const (
	// OneWay is the one-way MEP
	OneWay Type = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay"

	// TwoWay is the two-way MEP
	TwoWay Type = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/twoWay"
)

// Binding represents a MEP binding
type Binding string

const (
	// Push binding: the sending MSH initiates the transfer
	Push Binding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push"

	// Pull binding: the receiving MSH retrieves the message from an MPC
	Pull Binding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pull"

	// PushAndPush binding for two-way exchanges
	PushAndPush Binding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pushAndPush"
)

// DefaultMpc is the qualified name of the default message partition channel
const DefaultMpc = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"

// shortNames maps the binding names used in exchange-configuration
// documents to their URIs.
var shortNames = map[string]Binding{
	"push":        Push,
	"pull":        Pull,
	"pushAndPush": PushAndPush,
}

// BindingFromShortName resolves a document-level binding name ("push",
// "pull") to its URI form. Returns false for unknown names.
func BindingFromShortName(name string) (Binding, bool) {
	b, ok := shortNames[name]
	return b, ok
}

// IsPull reports whether the binding is receiver-initiated.
func (b Binding) IsPull() bool {
	return b == Pull
}

// IsPush reports whether the binding is sender-initiated.
func (b Binding) IsPush() bool {
	return b == Push || b == PushAndPush
}
