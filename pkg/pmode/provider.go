package pmode

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
)

// ReloadBroadcaster fans a configuration-reload signal out to the other
// nodes of a cluster so they can drop cached derived data. Best-effort:
// nodes that miss the signal reconcile via [Provider.Version] on next
// access.
type ReloadBroadcaster interface {
	BroadcastConfigReload(ctx context.Context, tenantID string)
}

// PullInitiatorPolicy is the tenant-wide gate consulted during pull
// matching when the pull request carries no initiator party.
type PullInitiatorPolicy interface {
	AllowDynamicInitiatorInPullProcess() bool
}

// Provider owns the currently active exchange configuration and
// performs structural queries and leg matching against it.
//
// Load swaps the configuration atomically; in-flight reads keep using
// the snapshot they started with.
type Provider struct {
	tenantID string
	logger   *slog.Logger

	broadcaster ReloadBroadcaster
	pullPolicy  PullInitiatorPolicy

	current atomic.Pointer[Configuration]
	version atomic.Int64
}

// ProviderConfig holds the provider's collaborators. All fields are
// optional.
type ProviderConfig struct {
	TenantID    string
	Logger      *slog.Logger
	Broadcaster ReloadBroadcaster
	PullPolicy  PullInitiatorPolicy
}

// NewProvider creates an empty provider. Queries fail with
// ErrNoConfiguration until the first successful Load.
func NewProvider(cfg ProviderConfig) *Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		tenantID:    cfg.TenantID,
		logger:      logger,
		broadcaster: cfg.Broadcaster,
		pullPolicy:  cfg.PullPolicy,
	}
}

// Load parses and validates a new exchange-configuration document. On
// success the active configuration is replaced atomically and the
// reload is broadcast to the cluster; the returned warnings are
// non-fatal. On failure the previous configuration remains active and
// the error is a *ValidationError.
func (p *Provider) Load(ctx context.Context, data []byte) ([]string, error) {
	cfg, warnings, err := Parse(data)
	if err != nil {
		p.logger.Warn("exchange configuration rejected", "tenant", p.tenantID, "error", err)
		return nil, err
	}

	p.current.Store(cfg)
	version := p.version.Add(1)
	p.logger.Info("exchange configuration loaded",
		"tenant", p.tenantID,
		"version", version,
		"processes", len(cfg.Processes),
		"warnings", len(warnings))

	if p.broadcaster != nil {
		p.broadcaster.BroadcastConfigReload(ctx, p.tenantID)
	}
	return warnings, nil
}

// Snapshot returns the active configuration, or nil when none has been
// loaded. Callers hold the returned pointer for the duration of one
// operation and must not mix it with a later snapshot.
func (p *Provider) Snapshot() *Configuration {
	return p.current.Load()
}

// Version returns the monotonically increasing configuration version,
// starting at 0 before the first load. Nodes use it to detect a missed
// reload broadcast.
func (p *Provider) Version() int64 {
	return p.version.Load()
}

// HasConfiguration reports whether a configuration is loaded.
func (p *Provider) HasConfiguration() bool {
	return p.current.Load() != nil
}

// GatewayParty returns the gateway's own party.
func (p *Provider) GatewayParty() (*Party, error) {
	cfg := p.current.Load()
	if cfg == nil {
		return nil, ErrNoConfiguration
	}
	return cfg.Party, nil
}

// BusinessProcessRole returns the role declared with the given value.
func (p *Provider) BusinessProcessRole(value string) (Role, bool) {
	cfg := p.current.Load()
	if cfg == nil {
		return Role{}, false
	}
	role, ok := cfg.RoleByValue(value)
	if !ok {
		p.logger.Warn("role not found in exchange configuration", "tenant", p.tenantID, "role", value)
	}
	return role, ok
}

// PartyByIdentifier returns the party carrying the given identifier
// value, or nil.
func (p *Provider) PartyByIdentifier(partyID string) *Party {
	cfg := p.current.Load()
	if cfg == nil {
		return nil
	}
	return cfg.PartyByIdentifier(partyID)
}

// MpcExists reports whether an MPC with the given short name is
// declared.
func (p *Provider) MpcExists(name string) bool {
	cfg := p.current.Load()
	return cfg != nil && cfg.MpcByName(name) != nil
}

// MpcURIList returns the qualified names of all declared MPCs.
func (p *Provider) MpcURIList() []string {
	cfg := p.current.Load()
	if cfg == nil {
		return nil
	}
	uris := make([]string, 0, len(cfg.Mpcs))
	for _, m := range cfg.Mpcs {
		uris = append(uris, m.QualifiedName)
	}
	return uris
}

// RetentionDownloadedByMpcURI returns the retention period in minutes
// for downloaded messages on the given MPC. Unknown MPCs get 0.
func (p *Provider) RetentionDownloadedByMpcURI(uri string) int {
	cfg := p.current.Load()
	if cfg != nil {
		if m := cfg.MpcByQualifiedName(uri); m != nil {
			return m.RetentionDownloaded
		}
	}
	p.logger.Error("no MPC found, assuming retention 0 for downloaded messages", "mpc", uri)
	return 0
}

// RetentionUndownloadedByMpcURI returns the retention period in minutes
// for messages never downloaded from the given MPC. Unknown MPCs get -1
// (keep forever).
func (p *Provider) RetentionUndownloadedByMpcURI(uri string) int {
	cfg := p.current.Load()
	if cfg != nil {
		if m := cfg.MpcByQualifiedName(uri); m != nil {
			return m.RetentionUndownloaded
		}
	}
	p.logger.Error("no MPC found, assuming retention -1 for undownloaded messages", "mpc", uri)
	return -1
}

// LegByPModeKey resolves a previously issued pmode key back to its leg
// configuration against the current snapshot.
func (p *Provider) LegByPModeKey(pmodeKey string) (*LegConfiguration, error) {
	cfg := p.current.Load()
	if cfg == nil {
		return nil, ErrNoConfiguration
	}
	parts := strings.Split(pmodeKey, PModeKeySeparator)
	legName := parts[len(parts)-1]
	leg := cfg.LegByName(legName)
	if leg == nil {
		return nil, &RoutingError{reason: ErrNoMatchingLeg}
	}
	return leg, nil
}

// PushLegQuery carries the business attributes of a sender-initiated
// delivery. Party fields are identifier values, not party names.
type PushLegQuery struct {
	Agreement string
	Sender    string
	Receiver  string
	Service   string
	Action    string
}

// PushMatch is the result of a successful push leg match.
type PushMatch struct {
	Process  *Process
	Leg      *LegConfiguration
	Sender   *Party
	Receiver *Party
	PModeKey string
}

// FindPushLeg matches a push delivery to a leg configuration.
//
// Candidate processes are those whose agreement matches (an empty
// agreement matches processes without one) and whose initiator and
// responder party sets contain the sender and receiver. Within the
// candidates' legs, declaration order is preserved and the first leg
// whose service and action match wins; callers must not assume the
// order is normalized.
func (p *Provider) FindPushLeg(q PushLegQuery) (*PushMatch, error) {
	cfg := p.current.Load()
	if cfg == nil {
		return nil, ErrNoConfiguration
	}

	fail := func(reason error) *RoutingError {
		return &RoutingError{
			Agreement: q.Agreement,
			Sender:    q.Sender,
			Receiver:  q.Receiver,
			Service:   q.Service,
			Action:    q.Action,
			reason:    reason,
		}
	}

	sender := cfg.PartyByIdentifier(q.Sender)
	receiver := cfg.PartyByIdentifier(q.Receiver)
	if sender == nil || receiver == nil {
		return nil, fail(ErrNoCandidate)
	}

	type candidate struct {
		process *Process
		leg     *LegConfiguration
	}
	var candidates []candidate
	for _, proc := range cfg.Processes {
		if !proc.MEPBinding.IsPush() {
			continue
		}
		if !proc.MatchesAgreement(q.Agreement) {
			continue
		}
		if !proc.HasInitiator(sender.Name) || !proc.HasResponder(receiver.Name) {
			continue
		}
		for _, leg := range proc.Legs {
			candidates = append(candidates, candidate{process: proc, leg: leg})
		}
	}
	if len(candidates) == 0 {
		return nil, fail(ErrNoCandidate)
	}

	for _, c := range candidates {
		if c.leg.Service == nil || c.leg.Action == nil {
			continue
		}
		if strings.EqualFold(c.leg.Service.Value, q.Service) && strings.EqualFold(c.leg.Action.Value, q.Action) {
			return &PushMatch{
				Process:  c.process,
				Leg:      c.leg,
				Sender:   sender,
				Receiver: receiver,
				PModeKey: PModeKey(sender, receiver, c.leg, q.Agreement),
			}, nil
		}
	}
	return nil, fail(ErrNoMatchingLeg)
}

// PullLegQuery carries the attributes of a receiver-initiated
// retrieval. Initiator may be empty: that matches only when the
// tenant-wide dynamic-initiator gate is enabled. Responder is required.
type PullLegQuery struct {
	Agreement string
	Initiator string
	Responder string
	Service   string
	Action    string
	Mpc       string
}

// PullMatch is the result of a successful pull leg match.
type PullMatch struct {
	Process   *Process
	Leg       *LegConfiguration
	Initiator *Party
	Responder *Party
	PModeKey  string
}

// FindPullLeg matches a partner-initiated pull retrieval to a leg.
//
// The initiator rule is deliberately looser than push matching: an
// absent initiator matches any pull process when the dynamic-initiator
// gate is on, modelling anonymous retrieval. The responder rule has no
// such relaxation. Leg matching additionally requires the MPC qualified
// name to match.
func (p *Provider) FindPullLeg(q PullLegQuery) (*PullMatch, error) {
	cfg := p.current.Load()
	if cfg == nil {
		return nil, ErrNoConfiguration
	}

	fail := func(reason error) *RoutingError {
		return &RoutingError{
			Agreement: q.Agreement,
			Sender:    q.Initiator,
			Receiver:  q.Responder,
			Service:   q.Service,
			Action:    q.Action,
			Mpc:       q.Mpc,
			reason:    reason,
		}
	}

	var initiator *Party
	if q.Initiator != "" {
		initiator = cfg.PartyByIdentifier(q.Initiator)
		if initiator == nil {
			return nil, fail(ErrNoCandidate)
		}
	} else if !p.allowDynamicInitiator() {
		return nil, fail(ErrNoCandidate)
	}

	responder := cfg.PartyByIdentifier(q.Responder)
	if responder == nil {
		return nil, fail(ErrNoCandidate)
	}

	type candidate struct {
		process *Process
		leg     *LegConfiguration
	}
	var candidates []candidate
	for _, proc := range cfg.Processes {
		if !proc.MEPBinding.IsPull() {
			continue
		}
		if !proc.MatchesAgreement(q.Agreement) {
			continue
		}
		if initiator != nil && !proc.HasInitiator(initiator.Name) {
			continue
		}
		if !proc.HasResponder(responder.Name) {
			continue
		}
		for _, leg := range proc.Legs {
			candidates = append(candidates, candidate{process: proc, leg: leg})
		}
	}
	if len(candidates) == 0 {
		return nil, fail(ErrNoCandidate)
	}

	for _, c := range candidates {
		if c.leg.Service == nil || c.leg.Action == nil || c.leg.DefaultMpc == nil {
			continue
		}
		if strings.EqualFold(c.leg.Service.Value, q.Service) &&
			strings.EqualFold(c.leg.Action.Value, q.Action) &&
			strings.EqualFold(c.leg.DefaultMpc.QualifiedName, q.Mpc) {
			match := &PullMatch{
				Process:   c.process,
				Leg:       c.leg,
				Initiator: initiator,
				Responder: responder,
			}
			sender := responder // pull: the responder's MSH holds the message
			keyInitiator := initiator
			if keyInitiator == nil {
				keyInitiator = responder
			}
			match.PModeKey = PModeKey(sender, keyInitiator, c.leg, q.Agreement)
			return match, nil
		}
	}
	return nil, fail(ErrNoMatchingLeg)
}

func (p *Provider) allowDynamicInitiator() bool {
	return p.pullPolicy != nil && p.pullPolicy.AllowDynamicInitiatorInPullProcess()
}
