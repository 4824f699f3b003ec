// Package pmode implements exchange-configuration processing modes

package pmode

import (
	"strings"
	"time"

	"github.com/sirosfoundation/go-gateway/pkg/mep"
)

// PModeKeySeparator joins the components of a pmode key:
// sender|receiver|service|action|agreement|leg.
const PModeKeySeparator = "|"

// OptionalAndEmpty is the agreement placeholder used when a message
// carries no agreement reference. It matches processes without an
// agreement.
const OptionalAndEmpty = ""

// Configuration is the root aggregate of one exchange-configuration
// document. It is immutable once published; reloads replace it
// wholesale.
type Configuration struct {
	// Party is the gateway's own party.
	Party *Party

	Parties    []*Party
	Roles      []Role
	Agreements []Agreement
	Services   []Service
	Actions    []Action
	Mpcs       []*Mpc
	Legs       []*LegConfiguration
	Processes  []*Process
}

// Party identifies one trading partner.
type Party struct {
	Name        string
	Endpoint    string
	Identifiers []Identifier
}

// Identifier is one (value, type) pair identifying a party.
type Identifier struct {
	PartyID     string
	PartyIDType string
}

// HasIdentifier reports whether the party carries the given identifier
// value under any type. Comparison is case-insensitive, matching the
// rest of the configuration model.
func (p *Party) HasIdentifier(partyID string) bool {
	for _, id := range p.Identifiers {
		if strings.EqualFold(id.PartyID, partyID) {
			return true
		}
	}
	return false
}

// Role names a business-process role.
type Role struct {
	Name  string
	Value string
}

// Agreement contains agreement reference information.
type Agreement struct {
	Name  string
	Value string
	Type  string
}

// Service represents a business service.
type Service struct {
	Name  string
	Value string
	Type  string
}

// Action represents a business action within a service.
type Action struct {
	Name  string
	Value string
}

// Mpc is a message partition channel with its retention settings.
// Retention periods are minutes; RetentionUndownloaded -1 means keep
// forever.
type Mpc struct {
	Name          string
	QualifiedName string
	Enabled       bool
	Default       bool

	RetentionDownloaded   int
	RetentionUndownloaded int
}

// ReceptionAwareness is the retry policy attached to a leg. RetryTimeout
// is the total window in minutes within which RetryCount redelivery
// attempts are scheduled.
type ReceptionAwareness struct {
	Name         string
	Algorithm    string
	RetryTimeout int
	RetryCount   int
}

// TimeoutDuration returns the retry window as a duration.
func (r *ReceptionAwareness) TimeoutDuration() time.Duration {
	return time.Duration(r.RetryTimeout) * time.Minute
}

// LegConfiguration is the unit of routing decision: the service/action
// pair it serves, the default MPC, the security policy name and the
// retry policy applied to deliveries routed through it.
type LegConfiguration struct {
	Name               string
	Service            *Service
	Action             *Action
	DefaultMpc         *Mpc
	Security           string
	ReceptionAwareness *ReceptionAwareness
}

// Process is a named business process binding an exchange pattern, the
// parties allowed to initiate and respond, an optional agreement and an
// ordered list of legs. Leg order is declaration order and is
// significant: matching is first-match-wins.
type Process struct {
	Name           string
	MEP            mep.Type
	MEPBinding     mep.Binding
	InitiatorRole  Role
	ResponderRole  Role
	Agreement      *Agreement
	InitiatorParty []*Party
	ResponderParty []*Party
	Legs           []*LegConfiguration
}

// HasInitiator reports whether the named party may initiate this
// process.
func (p *Process) HasInitiator(name string) bool {
	return containsParty(p.InitiatorParty, name)
}

// HasResponder reports whether the named party may respond in this
// process.
func (p *Process) HasResponder(name string) bool {
	return containsParty(p.ResponderParty, name)
}

// MatchesAgreement reports whether this process is a candidate for the
// given agreement name. An empty agreement name matches processes
// without an agreement (or with an empty agreement value, kept for
// backward compatibility with legacy documents).
func (p *Process) MatchesAgreement(agreementName string) bool {
	if agreementName == OptionalAndEmpty {
		return p.Agreement == nil || p.Agreement.Value == ""
	}
	return p.Agreement != nil && strings.EqualFold(p.Agreement.Name, agreementName)
}

func containsParty(parties []*Party, name string) bool {
	for _, party := range parties {
		if strings.EqualFold(party.Name, name) {
			return true
		}
	}
	return false
}

// PartyByIdentifier returns the party carrying the given identifier
// value, or nil.
func (c *Configuration) PartyByIdentifier(partyID string) *Party {
	for _, party := range c.Parties {
		if party.HasIdentifier(partyID) {
			return party
		}
	}
	return nil
}

// PartyByName returns the named party, or nil.
func (c *Configuration) PartyByName(name string) *Party {
	for _, party := range c.Parties {
		if strings.EqualFold(party.Name, name) {
			return party
		}
	}
	return nil
}

// RoleByValue returns the role with the given value, or the zero Role
// and false.
func (c *Configuration) RoleByValue(value string) (Role, bool) {
	for _, role := range c.Roles {
		if strings.EqualFold(role.Value, value) {
			return role, true
		}
	}
	return Role{}, false
}

// MpcByName returns the MPC with the given short name, or nil.
func (c *Configuration) MpcByName(name string) *Mpc {
	for _, m := range c.Mpcs {
		if strings.EqualFold(m.Name, name) {
			return m
		}
	}
	return nil
}

// MpcByQualifiedName returns the MPC with the given qualified name, or
// nil.
func (c *Configuration) MpcByQualifiedName(uri string) *Mpc {
	for _, m := range c.Mpcs {
		if strings.EqualFold(m.QualifiedName, uri) {
			return m
		}
	}
	return nil
}

// LegByName returns the named leg configuration, or nil.
func (c *Configuration) LegByName(name string) *LegConfiguration {
	for _, leg := range c.Legs {
		if strings.EqualFold(leg.Name, name) {
			return leg
		}
	}
	return nil
}

// PModeKey builds the composite key identifying one resolved delivery
// leg. Callers treat it as opaque; LegFromPModeKey resolves it back.
func PModeKey(sender, receiver *Party, leg *LegConfiguration, agreementName string) string {
	if agreementName == OptionalAndEmpty {
		agreementName = "OAE"
	}
	return strings.Join([]string{
		sender.Name,
		receiver.Name,
		leg.Service.Name,
		leg.Action.Name,
		agreementName,
		leg.Name,
	}, PModeKeySeparator)
}
