// Package sshadapter hands a tunnel stream to golang.org/x/crypto/ssh's
// server implementation, configured from a per-service Policy. The SSH
// protocol itself is out of scope here; this package only supplies the host
// key, the authentication callbacks, and the session-feature toggles the
// library calls back into.
package sshadapter

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymesh/tunnelclient/internal/logging"
	"github.com/relaymesh/tunnelclient/internal/metrics"
	"github.com/relaymesh/tunnelclient/internal/service"
	"github.com/relaymesh/tunnelclient/internal/transport"
	"golang.org/x/crypto/ssh"
)

// Policy configures one SSH-typed service.
type Policy struct {
	HostKeyPath        string
	AuthorizedKeysPath string
	Username           string
	Password           string
	AuthMethods        []string // "password", "publickey"

	Shell           bool
	Exec            bool
	SFTP            bool
	PTY             bool
	TCPForwarding   bool
	X11Forwarding   bool
	AgentForwarding bool

	MaxAuthTries      int
	ConnectionTimeout time.Duration
	DefaultShell      string
}

// DefaultPolicy returns the baseline policy: an interactive shell
// service with password auth disabled (public key only) and no forwarding.
func DefaultPolicy() Policy {
	return Policy{
		AuthMethods:       []string{"publickey"},
		Shell:             true,
		Exec:              true,
		PTY:               true,
		MaxAuthTries:      6,
		ConnectionTimeout: 30 * time.Second,
		DefaultShell:      "/bin/sh",
	}
}

func (p Policy) allows(method string) bool {
	for _, m := range p.AuthMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Handler is the SSH variant of service.Handler.
type Handler struct {
	policy         Policy
	sshConfig      *ssh.ServerConfig
	authorizedKeys []authorizedKey
	log            *slog.Logger
	conns          *connTracker[*ssh.ServerConn]
}

// NewHandler builds an SSH handler for one service from its policy, loading
// (or generating) the host key and parsing the authorized_keys file eagerly
// so a misconfiguration fails at startup rather than on first connection.
func NewHandler(policy Policy, log *slog.Logger) (*Handler, error) {
	if policy.MaxAuthTries <= 0 {
		policy.MaxAuthTries = DefaultPolicy().MaxAuthTries
	}
	if policy.ConnectionTimeout <= 0 {
		policy.ConnectionTimeout = DefaultPolicy().ConnectionTimeout
	}
	if policy.DefaultShell == "" {
		policy.DefaultShell = DefaultPolicy().DefaultShell
	}
	if log == nil {
		log = logging.NopLogger()
	}

	signer, err := loadOrGenerateHostKey(policy.HostKeyPath)
	if err != nil {
		return nil, err
	}

	var authorizedKeys []authorizedKey
	if policy.AuthorizedKeysPath != "" {
		authorizedKeys, err = loadAuthorizedKeys(policy.AuthorizedKeysPath)
		if err != nil {
			return nil, err
		}
	}

	h := &Handler{
		policy:         policy,
		authorizedKeys: authorizedKeys,
		log:            log,
		conns:          newConnTracker[*ssh.ServerConn](),
	}

	cfg := &ssh.ServerConfig{
		MaxAuthTries: policy.MaxAuthTries,
	}
	if policy.allows("password") {
		cfg.PasswordCallback = h.checkPassword
	}
	if policy.allows("publickey") {
		cfg.PublicKeyCallback = h.checkPublicKey
	}
	cfg.AddHostKey(signer)

	h.sshConfig = cfg
	return h, nil
}

// checkPassword compares the presented password against the policy's
// configured password using a constant-time comparison.
func (h *Handler) checkPassword(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if conn.User() != h.policy.Username {
		metrics.Default().SSHAuthFailures.Inc()
		return nil, fmt.Errorf("sshadapter: unknown user %q", conn.User())
	}
	if subtle.ConstantTimeCompare([]byte(h.policy.Password), password) != 1 {
		metrics.Default().SSHAuthFailures.Inc()
		return nil, fmt.Errorf("sshadapter: invalid password for %q", conn.User())
	}
	return nil, nil
}

// checkPublicKey compares the presented key's SHA-256 fingerprint against
// the parsed authorized_keys file.
func (h *Handler) checkPublicKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	match, ok := matchesAny(h.authorizedKeys, key)
	if !ok {
		metrics.Default().SSHAuthFailures.Inc()
		return nil, fmt.Errorf("sshadapter: key not authorized for %q", conn.User())
	}
	perms := &ssh.Permissions{Extensions: map[string]string{"pubkey-fp": match.fingerprint}}
	return perms, nil
}

// HandleTCPStream takes ownership of stream, performs the SSH server
// handshake on it, and serves channel requests until the connection closes.
func (h *Handler) HandleTCPStream(ctx context.Context, stream transport.Stream) error {
	defer stream.Close()

	if h.policy.ConnectionTimeout > 0 {
		stream.SetDeadline(time.Now().Add(h.policy.ConnectionTimeout))
	}

	conn := newStreamConn(stream)
	serverConn, chans, globalReqs, err := ssh.NewServerConn(conn, h.sshConfig)
	if err != nil {
		return fmt.Errorf("sshadapter: handshake: %w", err)
	}
	defer serverConn.Close()

	h.conns.add(serverConn)
	defer h.conns.remove(serverConn)

	m := metrics.Default()
	m.SSHSessionsTotal.Inc()
	m.SSHSessionsActive.Inc()
	defer m.SSHSessionsActive.Dec()

	stream.SetDeadline(time.Time{})

	h.log.Debug("ssh session established",
		logging.KeyComponent, "sshadapter",
		"user", serverConn.User(),
		"client_version", string(serverConn.ClientVersion()))

	go ssh.DiscardRequests(globalReqs)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			go h.handleSessionChannel(ctx, newChannel)
		case "direct-tcpip":
			if !h.policy.TCPForwarding {
				newChannel.Reject(ssh.Prohibited, "tcp forwarding disabled")
				continue
			}
			go h.handleDirectTCPIP(ctx, newChannel)
		default:
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}

	return serverConn.Wait()
}

// HandleUDPStream is never valid for the SSH adapter.
func (h *Handler) HandleUDPStream(ctx context.Context, stream transport.Stream) error {
	stream.Close()
	return service.ErrUnsupportedOnThisService
}
