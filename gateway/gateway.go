package gateway

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/iwanhae/netblocker/admission"
	"github.com/iwanhae/netblocker/types"
	"github.com/rs/zerolog"
)

// NotificationKind is the host event that announces a connecting client.
type NotificationKind int

const (
	// AuthEvent fires once the client has authenticated.
	AuthEvent NotificationKind = iota
	// PreAuthProbeEvent fires on the punkbuster-style new connection probe,
	// before authentication completes.
	PreAuthProbeEvent
)

func (k NotificationKind) String() string {
	if k == PreAuthProbeEvent {
		return "preauth"
	}
	return "auth"
}

// ParseKind accepts "auth" or "preauth".
func ParseKind(s string) (NotificationKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auth":
		return AuthEvent, nil
	case "preauth":
		return PreAuthProbeEvent, nil
	default:
		return AuthEvent, fmt.Errorf("unknown notification kind %q", s)
	}
}

var frostbiteGames = map[string]bool{
	"bfbc2": true,
	"moh":   true,
	"bf3":   true,
	"bf4":   true,
}

// KindForGame returns the notification a game raises for new connections.
func KindForGame(game string) NotificationKind {
	if frostbiteGames[strings.ToLower(game)] {
		return PreAuthProbeEvent
	}
	return AuthEvent
}

// Client is the host's handle on a connecting client.
type Client interface {
	Address() string
	Name() string
	Level() int
	Kick(message string) error
}

// Notification is one "client connecting" event.
type Notification struct {
	Kind   NotificationKind
	Client Client
}

// Outcome is what the gateway did with a notification.
type Outcome struct {
	EventID  uuid.UUID
	Identity types.ConnectingIdentity
	Decision types.Decision
	Message  string // kick message, empty when accepted

	// Ignored is set when the notification was not of the gateway's kind.
	// No decision was made and the client was left alone.
	Ignored bool
}

// Gateway turns host notifications into admission decisions and kicks
// refused clients.
type Gateway struct {
	decider *admission.Decider
	kind    NotificationKind
	logger  zerolog.Logger
}

// New returns a gateway listening for notifications of kind.
func New(decider *admission.Decider, kind NotificationKind, logger zerolog.Logger) *Gateway {
	return &Gateway{decider: decider, kind: kind, logger: logger}
}

// Kind is the notification the host should deliver to this gateway.
func (g *Gateway) Kind() NotificationKind {
	return g.kind
}

func (g *Gateway) Decider() *admission.Decider {
	return g.decider
}

// Handle decides on the notified client and kicks it when refused.
// Notifications of any other kind than the gateway's are ignored.
func (g *Gateway) Handle(n Notification) Outcome {
	out := Outcome{
		EventID: uuid.New(),
		Identity: types.ConnectingIdentity{
			Address: n.Client.Address(),
			Name:    n.Client.Name(),
			Level:   n.Client.Level(),
		},
	}
	logger := g.logger.With().
		Str("event", out.EventID.String()).
		Stringer("kind", n.Kind).
		Logger()

	if n.Kind != g.kind {
		logger.Debug().Str("ip", out.Identity.Address).Msg("ignoring notification of another kind")
		out.Ignored = true
		return out
	}

	out.Decision = g.decider.Decide(out.Identity)
	if !out.Decision.Rejected() {
		return out
	}

	out.Message = types.KickMessage(out.Identity, out.Decision.Kind)
	logger.Info().Str("name", out.Identity.Name).Str("ip", out.Identity.Address).Msg(out.Message)
	if err := n.Client.Kick(out.Message); err != nil {
		logger.Error().Err(err).Str("ip", out.Identity.Address).Msg("failed to kick client")
	}
	return out
}

// HostOnly strips the port from a host:port remote address.
func HostOnly(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
