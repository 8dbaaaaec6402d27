// Package controlchannel supervises one configured service's authenticated
// control stream to the relay: handshake, heartbeat liveness, reconnection
// with backoff, and dispatch of relay-initiated CreateDataChannel commands.
package controlchannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/relaymesh/tunnelclient/internal/digest"
	"github.com/relaymesh/tunnelclient/internal/logging"
	"github.com/relaymesh/tunnelclient/internal/metrics"
	"github.com/relaymesh/tunnelclient/internal/pool"
	"github.com/relaymesh/tunnelclient/internal/protocol"
	"github.com/relaymesh/tunnelclient/internal/service"
	"github.com/relaymesh/tunnelclient/internal/transport"
)

// State is the lifecycle state of a control channel.
type State int32

const (
	StateHandshaking State = iota
	StateRunning
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrServiceNotExist and ErrAuthFailed are terminal handshake outcomes: the
// control channel must not reconnect after either.
var (
	ErrServiceNotExist = errors.New("controlchannel: service does not exist on relay")
	ErrAuthFailed      = errors.New("controlchannel: authentication failed")
)

// Config configures one control channel.
type Config struct {
	Descriptor       service.Descriptor
	Transport        transport.Transport
	HeartbeatTimeout time.Duration
	Backoff          BackoffConfig
	Pool             pool.Config
}

// ControlChannel supervises a single service's control stream.
type ControlChannel struct {
	cfg     Config
	log     *slog.Logger
	state   atomic.Int32
	pool    *pool.Pool
	backoff *backoff
}

// New creates a control channel for the given service.
func New(cfg Config, log *slog.Logger) *ControlChannel {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 40 * time.Second
	}
	return &ControlChannel{
		cfg:     cfg,
		log:     log.With(logging.KeyService, cfg.Descriptor.Name),
		backoff: newBackoff(cfg.Backoff),
	}
}

// Run drives the control channel's full lifecycle until ctx is canceled, a
// terminal handshake failure occurs, or the reconnection attempts are
// exhausted. It never returns nil: on ctx cancellation it returns ctx.Err().
func (c *ControlChannel) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrServiceNotExist) || errors.Is(err, ErrAuthFailed) {
			c.state.Store(int32(StateFailed))
			c.log.Error("control channel failed permanently", logging.KeyError, err, logging.KeyErrorKind, "handshake")
			return err
		}

		c.state.Store(int32(StateReconnecting))
		metrics.Default().ReconnectsTotal.WithLabelValues(c.cfg.Descriptor.Name).Inc()
		delay, ok := c.backoff.next()
		if !ok {
			c.log.Error("control channel exhausted reconnection attempts", logging.KeyError, err)
			return fmt.Errorf("controlchannel: max reconnection attempts exhausted: %w", err)
		}
		c.log.Warn("control channel reconnecting", logging.KeyError, err, logging.KeyDuration, delay.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce performs one handshake and, on success, runs the command loop
// until the connection is judged dead or ctx is canceled.
func (c *ControlChannel) runOnce(ctx context.Context) error {
	c.state.Store(int32(StateHandshaking))
	stream, sessionKey, err := c.handshake(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	c.backoff.reset()
	c.state.Store(int32(StateRunning))
	metrics.Default().ControlChannelUp.WithLabelValues(c.cfg.Descriptor.Name).Set(1)
	defer metrics.Default().ControlChannelUp.WithLabelValues(c.cfg.Descriptor.Name).Set(0)
	c.log.Info("control channel running", logging.KeyEvent, "running", logging.KeyTransport, string(c.cfg.Transport.Type()))

	p := pool.New(c.cfg.Pool, c.cfg.Transport, c.cfg.Descriptor, sessionKey, c.log)
	c.pool = p
	p.Start(ctx)
	defer p.Close()

	return c.runLoop(ctx, stream)
}

// handshake executes the lifecycle described for entering Running: send
// ControlChannelHello, read the nonce, send Auth, read the Ack.
func (c *ControlChannel) handshake(ctx context.Context) (transport.Stream, digest.Digest, error) {
	stream, err := c.cfg.Transport.Dial()
	if err != nil {
		return nil, digest.Digest{}, fmt.Errorf("controlchannel: dial: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = stream.SetDeadline(deadline)
	defer stream.SetDeadline(time.Time{})

	hello := protocol.Hello{
		Kind:         protocol.HelloControlChannel,
		ProtoVersion: protocol.ProtocolVersion,
		Digest:       c.cfg.Descriptor.NameDigest(),
	}
	if err := protocol.WriteHello(stream, hello); err != nil {
		stream.Close()
		return nil, digest.Digest{}, fmt.Errorf("controlchannel: write hello: %w", err)
	}

	nonceHello, err := protocol.ReadHello(stream)
	if err != nil {
		stream.Close()
		return nil, digest.Digest{}, fmt.Errorf("controlchannel: read nonce: %w", err)
	}
	nonce := nonceHello.Digest

	sessionKey := digest.Sum([]byte(c.cfg.Descriptor.Token), nonce[:])
	if err := protocol.WriteAuth(stream, protocol.Auth{Digest: sessionKey}); err != nil {
		stream.Close()
		return nil, digest.Digest{}, fmt.Errorf("controlchannel: write auth: %w", err)
	}

	ack, err := protocol.ReadAck(stream)
	if err != nil {
		stream.Close()
		return nil, digest.Digest{}, fmt.Errorf("controlchannel: read ack: %w", err)
	}

	handshakes := metrics.Default().HandshakesTotal
	switch ack {
	case protocol.AckOk:
		handshakes.WithLabelValues(c.cfg.Descriptor.Name, metrics.ResultOk).Inc()
		return stream, sessionKey, nil
	case protocol.AckServiceNotExist:
		handshakes.WithLabelValues(c.cfg.Descriptor.Name, metrics.ResultServiceNotExist).Inc()
		stream.Close()
		return nil, digest.Digest{}, ErrServiceNotExist
	case protocol.AckAuthFailed:
		handshakes.WithLabelValues(c.cfg.Descriptor.Name, metrics.ResultAuthFailed).Inc()
		stream.Close()
		return nil, digest.Digest{}, ErrAuthFailed
	default:
		handshakes.WithLabelValues(c.cfg.Descriptor.Name, metrics.ResultError).Inc()
		stream.Close()
		return nil, digest.Digest{}, fmt.Errorf("controlchannel: unexpected ack %v", ack)
	}
}

// runLoop reads ControlChannelCmd messages until the heartbeat timeout
// elapses without any command, or the stream errors.
func (c *ControlChannel) runLoop(ctx context.Context, stream transport.Stream) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := stream.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout)); err != nil {
			return fmt.Errorf("controlchannel: set read deadline: %w", err)
		}

		cmd, err := protocol.ReadControlChannelCmd(stream)
		if err != nil {
			return fmt.Errorf("controlchannel: heartbeat timeout or read error: %w", err)
		}

		switch cmd {
		case protocol.CmdHeartBeat:
			metrics.Default().HeartbeatsTotal.WithLabelValues(c.cfg.Descriptor.Name).Inc()
			c.log.Debug("heartbeat received", logging.KeyEvent, "heartbeat")
		case protocol.CmdCreateDataChannel:
			go c.dispatchCreateDataChannel(ctx)
		default:
			c.log.Warn("unknown control channel command", logging.KeyEvent, "unknown_cmd")
		}
	}
}

// dispatchCreateDataChannel opens a fresh data stream directly via the
// transport, per the relay's CreateDataChannel command. Per design, pool
// entries exist only to shorten the acquire path for other consumers (the
// SOCKS5/SSH engines); CreateDataChannel never consults the pool.
func (c *ControlChannel) dispatchCreateDataChannel(ctx context.Context) {
	stream, err := c.cfg.Transport.Dial()
	if err != nil {
		c.log.Error("create data channel: dial failed", logging.KeyError, err, logging.KeyErrorKind, "dial")
		return
	}
	defer stream.Close()

	sessionKey := c.pool.SessionKey()
	hello := protocol.Hello{
		Kind:         protocol.HelloDataChannel,
		ProtoVersion: protocol.ProtocolVersion,
		Digest:       sessionKey,
	}
	if err := protocol.WriteHello(stream, hello); err != nil {
		c.log.Error("create data channel: write hello failed", logging.KeyError, err)
		return
	}

	cmd, err := protocol.ReadDataChannelCmd(stream)
	if err != nil {
		c.log.Error("create data channel: read cmd failed", logging.KeyError, err)
		return
	}

	handler := c.cfg.Descriptor.Handler
	switch cmd {
	case protocol.CmdStartForwardTcp:
		if err := handler.HandleTCPStream(ctx, stream); err != nil {
			c.log.Error("tcp stream handling failed", logging.KeyError, err, logging.KeyErrorKind, "handler")
		}
	case protocol.CmdStartForwardUdp:
		if err := handler.HandleUDPStream(ctx, stream); err != nil {
			c.log.Error("udp stream handling failed", logging.KeyError, err, logging.KeyErrorKind, "handler")
		}
	default:
		c.log.Warn("create data channel: unknown data channel cmd", logging.KeyEvent, "unknown_cmd")
	}
}

// State returns the current lifecycle state.
func (c *ControlChannel) State() State {
	return State(c.state.Load())
}
