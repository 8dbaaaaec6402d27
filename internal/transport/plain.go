package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/relaymesh/tunnelclient/internal/addrcache"
)

// PlainConfig configures the plain TCP transport.
type PlainConfig struct {
	// RemoteAddr is the relay's host:port.
	RemoteAddr string

	// ConnectTimeout bounds the TCP dial.
	ConnectTimeout time.Duration

	// NoDelay disables Nagle's algorithm when true.
	NoDelay bool

	// KeepAliveSecs enables TCP keepalive with the given idle period. Zero disables it.
	KeepAliveSecs time.Duration

	// KeepAliveInterval is the probe interval once keepalive is active.
	KeepAliveInterval time.Duration
}

// DefaultPlainConfig returns sensible defaults for the plain transport.
func DefaultPlainConfig(remoteAddr string) PlainConfig {
	return PlainConfig{
		RemoteAddr:        remoteAddr,
		ConnectTimeout:    10 * time.Second,
		NoDelay:           true,
		KeepAliveSecs:     30 * time.Second,
		KeepAliveInterval: 10 * time.Second,
	}
}

// PlainTransport dials a plain TCP connection per Stream with no encryption
// beyond whatever the caller layers on top at the wire-protocol level.
type PlainTransport struct {
	cfg   PlainConfig
	addrs *addrcache.Cache
}

// NewPlainTransport creates a plain TCP transport.
func NewPlainTransport(cfg PlainConfig) *PlainTransport {
	return &PlainTransport{cfg: cfg, addrs: addrcache.New(cfg.ConnectTimeout)}
}

// Dial connects to the relay over plain TCP and applies the configured socket options.
// The relay address is resolved through the address cache so repeated dials
// (heartbeats, reconnects, data-channel creation) amortize DNS lookups; a
// failed dial invalidates the cached entry so the next attempt re-resolves.
func (t *PlainTransport) Dial() (Stream, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
	defer cancel()

	resolved, err := t.addrs.Resolve(ctx, t.cfg.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", t.cfg.RemoteAddr, err)
	}

	d := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", resolved.String())
	if err != nil {
		t.addrs.Invalidate(t.cfg.RemoteAddr)
		if ctx.Err() != nil {
			return nil, ErrConnectTimeout
		}
		return nil, fmt.Errorf("transport: dial %s: %w", t.cfg.RemoteAddr, err)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if ok {
		if err := tcpConn.SetNoDelay(t.cfg.NoDelay); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: set nodelay: %w", err)
		}
		if t.cfg.KeepAliveSecs > 0 {
			if err := tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{
				Enable:   true,
				Idle:     t.cfg.KeepAliveSecs,
				Interval: t.cfg.KeepAliveInterval,
			}); err != nil {
				conn.Close()
				return nil, fmt.Errorf("transport: set keepalive: %w", err)
			}
		}
	}

	return &plainStream{Conn: conn}, nil
}

// Type reports the plain transport type.
func (t *PlainTransport) Type() Type { return TypePlain }

// Close is a no-op: the plain transport holds no shared resources.
func (t *PlainTransport) Close() error { return nil }

// plainStream adapts net.Conn to the Stream contract.
type plainStream struct {
	net.Conn
}

// CloseWrite half-closes the TCP connection if supported, otherwise closes it fully.
func (s *plainStream) CloseWrite() error {
	if cw, ok := s.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return s.Conn.Close()
}
