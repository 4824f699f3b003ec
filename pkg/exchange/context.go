package exchange

import (
	"log/slog"

	"github.com/sirosfoundation/go-gateway/internal/storage"
	"github.com/sirosfoundation/go-gateway/pkg/mep"
	"github.com/sirosfoundation/go-gateway/pkg/pmode"
)

// Context is the routing decision for one message. Leg points into the
// configuration snapshot the context was built from; callers must not
// hold it across a reload when they need reload-consistent policy.
type Context struct {
	PModeKey string
	Leg      *pmode.LegConfiguration
	Mpc      string
	Pattern  mep.Binding
}

// IsPull reports whether the message is delivered by partner-initiated
// retrieval rather than pushed.
func (c *Context) IsPull() bool {
	return c.Pattern.IsPull()
}

// ContextBuilder resolves messages to exchange contexts against a
// configuration provider.
type ContextBuilder struct {
	provider *pmode.Provider
	logger   *slog.Logger
}

// ContextBuilderConfig holds the collaborators of a ContextBuilder.
type ContextBuilderConfig struct {
	Provider *pmode.Provider
	Logger   *slog.Logger
}

// NewContextBuilder creates a ContextBuilder.
func NewContextBuilder(cfg ContextBuilderConfig) *ContextBuilder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{
		provider: cfg.Provider,
		logger:   logger,
	}
}

// BuildContext derives the exchange context for msg as seen from role.
//
// Push processes are consulted first. When no push process claims the
// message and the message carries an MPC, pull processes are consulted
// with the recipient as initiator; the responder holds the message. A
// message matched by neither surfaces the push matcher's error, which
// carries the more useful diagnosis for the common case.
func (b *ContextBuilder) BuildContext(msg *storage.Message, role storage.MSHRole) (*Context, error) {
	push, pushErr := b.provider.FindPushLeg(pmode.PushLegQuery{
		Agreement: msg.Agreement,
		Sender:    msg.FromPartyID,
		Receiver:  msg.ToPartyID,
		Service:   msg.Service,
		Action:    msg.Action,
	})
	if pushErr == nil {
		return &Context{
			PModeKey: push.PModeKey,
			Leg:      push.Leg,
			Mpc:      contextMpc(msg, push.Leg),
			Pattern:  push.Process.MEPBinding,
		}, nil
	}

	if msg.Mpc != "" {
		pull, pullErr := b.provider.FindPullLeg(pmode.PullLegQuery{
			Agreement: msg.Agreement,
			Initiator: msg.ToPartyID,
			Responder: msg.FromPartyID,
			Service:   msg.Service,
			Action:    msg.Action,
			Mpc:       msg.Mpc,
		})
		if pullErr == nil {
			return &Context{
				PModeKey: pull.PModeKey,
				Leg:      pull.Leg,
				Mpc:      msg.Mpc,
				Pattern:  pull.Process.MEPBinding,
			}, nil
		}
		b.logger.Debug("no pull process for message",
			"message_id", msg.MessageID,
			"mpc", msg.Mpc,
			"role", role,
			"error", pullErr)
	}

	return nil, pushErr
}

func contextMpc(msg *storage.Message, leg *pmode.LegConfiguration) string {
	if msg.Mpc != "" {
		return msg.Mpc
	}
	if leg.DefaultMpc != nil {
		return leg.DefaultMpc.QualifiedName
	}
	return mep.DefaultMpc
}
