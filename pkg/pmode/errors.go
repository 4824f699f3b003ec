package pmode

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoCandidate is returned when no process matches the agreement
	// and party criteria of a leg query.
	ErrNoCandidate = errors.New("no process candidates found")

	// ErrNoMatchingLeg is returned when candidate processes exist but
	// none of their legs matches the service/action (and MPC, for pull)
	// criteria.
	ErrNoMatchingLeg = errors.New("no matching leg found")

	// ErrNoConfiguration is returned by queries before any
	// configuration has been loaded.
	ErrNoConfiguration = errors.New("no exchange configuration loaded")
)

// RoutingError reports a leg-matching failure. The two failure tiers
// (ErrNoCandidate, ErrNoMatchingLeg) surface as the same routing-failure
// code externally but stay distinguishable via errors.Is for
// diagnostics.
type RoutingError struct {
	Agreement string
	Sender    string
	Receiver  string
	Service   string
	Action    string
	Mpc       string

	reason error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("%v: agreement=%q sender=%q receiver=%q service=%q action=%q mpc=%q",
		e.reason, e.Agreement, e.Sender, e.Receiver, e.Service, e.Action, e.Mpc)
}

func (e *RoutingError) Unwrap() error {
	return e.reason
}

// ValidationError reports a failed configuration load. The previous
// configuration remains active; the caller must fix the document and
// re-upload.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid exchange configuration: %s", strings.Join(e.Issues, "; "))
}
