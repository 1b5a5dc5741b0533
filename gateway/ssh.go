package gateway

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gliderlabs/ssh"
	"github.com/rs/zerolog"
	gossh "golang.org/x/crypto/ssh"
)

// verifiedNameExt is the permissions extension naming a client proven by a
// trusted key. x/crypto only keeps the permissions of the key the client
// actually signed with.
const verifiedNameExt = "netblocker-verified-name"

type probeResultsKey struct{}

var errRefused = errors.New("permission denied")

// SSHServer is an SSH front door gated by a Gateway. In AuthEvent mode the
// decision runs when the session opens; in PreAuthProbeEvent mode it runs
// inside the auth callbacks and a refused client never gets a session.
//
// Any credential is accepted as a guest (level 0). A client only gets its
// privilege level when it signs with a key trusted for the user name it
// logs in as.
type SSHServer struct {
	gw      *Gateway
	levels  *LevelCache
	trusted TrustedKeys
	srv     *ssh.Server
	limit   *ConnRateLimiter
	logger  zerolog.Logger
}

// NewSSHServer builds the server. hostKeyPath may be empty, in which case an
// ephemeral host key is generated.
func NewSSHServer(addr, hostKeyPath string, gw *Gateway, levels *LevelCache, logger zerolog.Logger) (*SSHServer, error) {
	s := &SSHServer{gw: gw, levels: levels, logger: logger}
	s.srv = &ssh.Server{
		Addr:                 addr,
		Handler:              s.handleSession,
		ConnCallback:         s.admitConn,
		ServerConfigCallback: s.serverConfig,
		PasswordHandler: func(ctx ssh.Context, _ string) bool {
			return s.guestAuth(ctx)
		},
		KeyboardInteractiveHandler: func(ctx ssh.Context, _ gossh.KeyboardInteractiveChallenge) bool {
			return s.guestAuth(ctx)
		},
	}
	if hostKeyPath != "" {
		if err := s.srv.SetOption(ssh.HostKeyFile(hostKeyPath)); err != nil {
			return nil, fmt.Errorf("failed to load host key: %w", err)
		}
	}
	return s, nil
}

// TrustKeys sets the keys that prove a client's name. Call it before serving.
func (s *SSHServer) TrustKeys(keys TrustedKeys) {
	s.trusted = keys
}

// LimitConnections drops connections from an address once it exceeds rl,
// before any admission check runs. Call it before serving.
func (s *SSHServer) LimitConnections(rl *ConnRateLimiter) {
	s.limit = rl
}

func (s *SSHServer) admitConn(_ ssh.Context, conn net.Conn) net.Conn {
	addr := HostOnly(conn.RemoteAddr().String())
	if !s.limit.Allow(addr) {
		s.logger.Warn().Str("address", addr).Msg("too many connections, dropping")
		return nil
	}
	return conn
}

func (s *SSHServer) ListenAndServe() error {
	s.logger.Info().Str("addr", s.srv.Addr).Stringer("kind", s.gw.Kind()).Msg("starting ssh gateway")
	return s.srv.ListenAndServe()
}

// Serve accepts connections on l.
func (s *SSHServer) Serve(l net.Listener) error {
	return s.srv.Serve(l)
}

func (s *SSHServer) Close() error {
	return s.srv.Close()
}

// serverConfig installs the public key callback directly so every key gets
// its own permissions.
func (s *SSHServer) serverConfig(ctx ssh.Context) *gossh.ServerConfig {
	return &gossh.ServerConfig{
		PublicKeyCallback: func(conn gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			return s.keyAuth(ctx, conn, key)
		},
	}
}

func (s *SSHServer) keyAuth(ctx ssh.Context, conn gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
	name := strings.TrimSpace(conn.User())
	verified := name != "" && s.trusted.Name(key) == name
	if s.gw.Kind() == PreAuthProbeEvent && !s.probe(ctx, HostOnly(conn.RemoteAddr().String()), name, verified) {
		return nil, errRefused
	}
	perms := &gossh.Permissions{}
	if verified {
		perms.Extensions = map[string]string{verifiedNameExt: name}
	}
	return perms, nil
}

func (s *SSHServer) guestAuth(ctx ssh.Context) bool {
	if s.gw.Kind() != PreAuthProbeEvent {
		return true
	}
	return s.probe(ctx, HostOnly(ctx.RemoteAddr().String()), strings.TrimSpace(ctx.User()), false)
}

// probe runs the admission check before authentication completes. A client
// may try many keys or passwords on one connection; each identity is decided
// once per connection.
func (s *SSHServer) probe(ctx ssh.Context, addr, name string, verified bool) bool {
	level := 0
	if verified {
		level = s.levels.Level(ctx, name)
	}
	results, _ := ctx.Value(probeResultsKey{}).(map[string]bool)
	if results == nil {
		results = make(map[string]bool)
		ctx.SetValue(probeResultsKey{}, results)
	}
	key := fmt.Sprintf("%s/%d", name, level)
	if ok, seen := results[key]; seen {
		return ok
	}
	c := &sshClient{addr: addr, name: name, level: level}
	ok := !s.gw.Handle(Notification{Kind: PreAuthProbeEvent, Client: c}).Decision.Rejected()
	results[key] = ok
	return ok
}

func (s *SSHServer) handleSession(sess ssh.Session) {
	if s.gw.Kind() == AuthEvent {
		c := &sshClient{
			addr:    HostOnly(sess.RemoteAddr().String()),
			name:    strings.TrimSpace(sess.User()),
			session: sess,
		}
		if c.name != "" && verifiedName(sess.Context()) == c.name {
			c.level = s.levels.Level(sess.Context(), c.name)
		}
		if s.gw.Handle(Notification{Kind: AuthEvent, Client: c}).Decision.Rejected() {
			return
		}
	}
	fmt.Fprintf(sess, "Welcome %s, connected from %s.\n", sess.User(), HostOnly(sess.RemoteAddr().String()))
	_ = sess.Exit(0)
}

// verifiedName is the name proven by the key the connection authenticated
// with, or "".
func verifiedName(ctx ssh.Context) string {
	conn, ok := ctx.Value(ssh.ContextKeyConn).(*gossh.ServerConn)
	if !ok || conn.Permissions == nil {
		return ""
	}
	return conn.Permissions.Extensions[verifiedNameExt]
}

type sshClient struct {
	addr    string
	name    string
	level   int
	session ssh.Session // nil before authentication
}

func (c *sshClient) Address() string { return c.addr }
func (c *sshClient) Name() string    { return c.name }
func (c *sshClient) Level() int      { return c.level }

// Kick tells the client why it was refused and ends the session. Before
// authentication there is no channel to write to; refusing auth is the kick.
func (c *sshClient) Kick(message string) error {
	if c.session == nil {
		return nil
	}
	fmt.Fprintln(c.session, message)
	return c.session.Exit(1)
}
