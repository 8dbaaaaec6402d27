// Package socks5 implements the in-memory SOCKS5 engine (RFC 1928/1929):
// auth negotiation, command parsing, TCP CONNECT relay, and virtual-mode UDP
// ASSOCIATE. Every session runs directly on a tunnel stream delivered by the
// relay; no local listening socket is ever created for SOCKS5 clients.
package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/relaymesh/tunnelclient/internal/addrcache"
	"github.com/relaymesh/tunnelclient/internal/logging"
	"github.com/relaymesh/tunnelclient/internal/metrics"
	"github.com/relaymesh/tunnelclient/internal/transport"
)

// ErrNoAcceptableMethod is returned when the client offers no method the
// policy accepts; the engine has already written 0x05 0xFF before returning it.
var ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")

// ErrCommandNotSupported covers BIND and any unrecognized CMD byte.
var ErrCommandNotSupported = errors.New("socks5: command not supported")

// Policy configures one SOCKS5-typed service.
type Policy struct {
	AuthRequired bool
	Username     string
	Password     string
	// PasswordHash is a bcrypt hash; preferred over Password when set.
	PasswordHash   string
	AllowUDP       bool
	DNSResolve     bool // resolve ATYP=domain on the client side before connecting
	RequestTimeout time.Duration
	UDPIdleTimeout time.Duration

	// BandwidthLimit caps each CONNECT relay direction in bytes per second.
	// Zero means unlimited.
	BandwidthLimit int64
}

// DefaultPolicy returns the baseline policy defaults.
func DefaultPolicy() Policy {
	return Policy{
		RequestTimeout: 10 * time.Second,
		UDPIdleTimeout: 120 * time.Second,
		AllowUDP:       true,
	}
}

// Handler is the socks5 variant of the service-handler dispatch contract
// (internal/service.Handler). One Handler instance is shared by every
// accepted stream for its service; sessions share only the handler's address
// cache, and each UDP ASSOCIATE stream keeps its own forwarder table.
type Handler struct {
	policy Policy
	auths  []Authenticator
	addrs  *addrcache.Cache
	log    *slog.Logger

	udp *udpEngine
}

// NewHandler builds a SOCKS5 handler for one service from its policy.
func NewHandler(policy Policy, log *slog.Logger) *Handler {
	if policy.RequestTimeout <= 0 {
		policy.RequestTimeout = DefaultPolicy().RequestTimeout
	}
	if policy.UDPIdleTimeout <= 0 {
		policy.UDPIdleTimeout = DefaultPolicy().UDPIdleTimeout
	}

	var auths []Authenticator
	if policy.AuthRequired {
		var creds CredentialStore
		if policy.PasswordHash != "" {
			creds = HashedCredentials{policy.Username: policy.PasswordHash}
		} else {
			creds = StaticCredentials{policy.Username: policy.Password}
		}
		auths = append(auths, NewUserPassAuthenticator(creds))
	} else {
		auths = append(auths, &NoAuthAuthenticator{})
	}

	if log == nil {
		log = logging.NopLogger()
	}

	return &Handler{
		policy: policy,
		auths:  auths,
		addrs:  addrcache.New(policy.RequestTimeout),
		log:    log,
		udp:    newUDPEngine(policy, log),
	}
}

// HandleTCPStream takes ownership of stream, performs the RFC 1928/1929
// handshake, parses the one SOCKS5 command it carries, and either relays a
// CONNECT or holds the stream open for a virtual-mode UDP ASSOCIATE.
func (h *Handler) HandleTCPStream(ctx context.Context, stream transport.Stream) error {
	defer stream.Close()

	m := metrics.Default()
	m.SOCKS5SessionsTotal.Inc()
	m.SOCKS5SessionsActive.Inc()
	defer m.SOCKS5SessionsActive.Dec()

	if err := h.negotiateAuth(stream); err != nil {
		return err
	}

	req, err := readCommand(stream)
	if err != nil {
		if perr, ok := err.(*protocolError); ok {
			writeReply(stream, perr.reply, nil, 0)
		}
		return fmt.Errorf("socks5: read command: %w", err)
	}

	switch req.Command {
	case CmdConnect:
		return h.handleConnect(ctx, stream, req)
	case CmdUDPAssociate:
		if !h.policy.AllowUDP {
			writeReply(stream, ReplyCmdNotSupported, nil, 0)
			return fmt.Errorf("%w: udp associate", ErrCommandNotSupported)
		}
		return h.handleAssociate(ctx, stream)
	case CmdBind:
		writeReply(stream, ReplyCmdNotSupported, nil, 0)
		return fmt.Errorf("%w: bind", ErrCommandNotSupported)
	default:
		writeReply(stream, ReplyCmdNotSupported, nil, 0)
		return fmt.Errorf("%w: cmd=%d", ErrCommandNotSupported, req.Command)
	}
}

// HandleUDPStream takes ownership of a data channel the relay pre-negotiated
// as StartForwardUdp and runs the datagram forwarding loop described in the
// UDP ASSOCIATE lifecycle until the stream closes.
func (h *Handler) HandleUDPStream(ctx context.Context, stream transport.Stream) error {
	defer stream.Close()
	if !h.policy.AllowUDP {
		return fmt.Errorf("socks5: udp forwarding disabled by policy")
	}
	return h.udp.run(ctx, stream)
}

// negotiateAuth performs the RFC 1928 greeting and, if selected, the RFC
// 1929 username/password exchange.
func (h *Handler) negotiateAuth(stream transport.Stream) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(stream, header); err != nil {
		return fmt.Errorf("socks5: read greeting: %w", err)
	}
	if header[0] != SOCKS5Version {
		return fmt.Errorf("socks5: unsupported version %d", header[0])
	}

	methods := make([]byte, header[1])
	if _, err := io.ReadFull(stream, methods); err != nil {
		return fmt.Errorf("socks5: read methods: %w", err)
	}

	var selected Authenticator
	for _, a := range h.auths {
		for _, m := range methods {
			if m == a.GetMethod() {
				selected = a
				break
			}
		}
		if selected != nil {
			break
		}
	}
	if selected == nil {
		stream.Write([]byte{SOCKS5Version, AuthMethodNoAcceptable})
		return ErrNoAcceptableMethod
	}

	if _, err := stream.Write([]byte{SOCKS5Version, selected.GetMethod()}); err != nil {
		return fmt.Errorf("socks5: write method selection: %w", err)
	}

	if _, err := selected.Authenticate(stream, stream); err != nil {
		metrics.Default().SOCKS5AuthFailures.Inc()
		return err
	}
	return nil
}
