package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/relaymesh/tunnelclient/internal/metrics"
	"github.com/relaymesh/tunnelclient/internal/transport"
)

// halfCloser lets the relay half-close one direction at a time, matching
// transport.Stream's CloseWrite and net.TCPConn's.
type halfCloser interface {
	CloseWrite() error
}

// handleConnect resolves the target (if policy requires client-side DNS),
// dials it with a request_timeout deadline, replies, and relays bytes in
// both directions until either side closes.
func (h *Handler) handleConnect(ctx context.Context, stream transport.Stream, req Request) error {
	hostPort, err := h.resolveTarget(ctx, req.Target)
	if err != nil {
		writeReply(stream, ReplyHostUnreachable, nil, 0)
		return fmt.Errorf("socks5: resolve target: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, h.policy.RequestTimeout)
	defer cancel()

	var d net.Dialer
	start := time.Now()
	target, err := d.DialContext(dialCtx, "tcp", hostPort)
	if err != nil {
		writeReply(stream, mapErrorToReply(dialCtx, err), nil, 0)
		return fmt.Errorf("socks5: dial %s: %w", hostPort, err)
	}
	defer target.Close()
	metrics.Default().SOCKS5ConnectLatency.Observe(time.Since(start).Seconds())

	localAddr, _ := target.LocalAddr().(*net.TCPAddr)
	var bindIP net.IP
	var bindPort uint16
	if localAddr != nil {
		bindIP, bindPort = localAddr.IP, uint16(localAddr.Port)
	}
	if err := writeReply(stream, ReplySucceeded, bindIP, bindPort); err != nil {
		return fmt.Errorf("socks5: write connect reply: %w", err)
	}

	return h.relay(ctx, stream, target)
}

// resolveTarget returns a dialable host:port string. Domains are resolved
// client-side only when the policy requests it; otherwise the domain is
// passed through unresolved so the outbound dialer's own resolver handles it.
func (h *Handler) resolveTarget(ctx context.Context, t Target) (string, error) {
	if t.IP != nil {
		return net.JoinHostPort(t.IP.String(), fmt.Sprint(t.Port)), nil
	}
	if !h.policy.DNSResolve {
		return t.HostPort(), nil
	}
	addr, err := h.addrs.Resolve(ctx, t.HostPort())
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// mapErrorToReply maps a dial failure to the closest RFC 1928 reply code.
func mapErrorToReply(ctx context.Context, err error) byte {
	if ctx.Err() != nil {
		return ReplyTTLExpired
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return ReplyTTLExpired
		}
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return ReplyConnectionRefused
		}
		if errors.Is(opErr.Err, syscall.ENETUNREACH) {
			return ReplyNetworkUnreachable
		}
		if errors.Is(opErr.Err, syscall.EHOSTUNREACH) {
			return ReplyHostUnreachable
		}
	}

	return ReplyServerFailure
}

// relay copies bytes bidirectionally between the tunnel stream and the
// outbound connection until either direction hits EOF or an error; either
// half-closes the other side so in-flight data from the opposite direction
// can still drain. Each direction is independently rate limited when the
// policy sets a bandwidth cap.
func (h *Handler) relay(ctx context.Context, stream transport.Stream, target net.Conn) error {
	upstream := newRateLimitedReader(ctx, stream, h.policy.BandwidthLimit)
	downstream := newRateLimitedReader(ctx, target, h.policy.BandwidthLimit)
	bytes := metrics.Default().SOCKS5BytesRelayed

	errCh := make(chan error, 2)

	go func() {
		n, err := io.Copy(target, upstream)
		bytes.WithLabelValues(metrics.DirectionUpstream).Add(float64(n))
		if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()
	go func() {
		n, err := io.Copy(stream, downstream)
		bytes.WithLabelValues(metrics.DirectionDownstream).Add(float64(n))
		if hc, ok := stream.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	err1 := <-errCh
	<-errCh
	return err1
}
