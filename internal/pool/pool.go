// Package pool keeps a small warm supply of pre-authenticated data streams
// per service so a relay-initiated data channel can be matched by a consumer
// (the SOCKS5 and SSH engines) without paying transport and handshake
// latency on every forward.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relaymesh/tunnelclient/internal/digest"
	"github.com/relaymesh/tunnelclient/internal/logging"
	"github.com/relaymesh/tunnelclient/internal/metrics"
	"github.com/relaymesh/tunnelclient/internal/protocol"
	"github.com/relaymesh/tunnelclient/internal/service"
	"github.com/relaymesh/tunnelclient/internal/transport"
)

// Kind distinguishes the TCP pool from the UDP pool; each is warmed,
// acquired from, and replenished independently.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
)

func (k Kind) String() string {
	if k == KindUDP {
		return "udp"
	}
	return "tcp"
}

func (k Kind) expectedCmd() protocol.DataChannelCmd {
	if k == KindUDP {
		return protocol.CmdStartForwardUdp
	}
	return protocol.CmdStartForwardTcp
}

// ErrPoolExhausted is returned by Acquire when no idle entry becomes
// available within the configured acquire timeout.
var ErrPoolExhausted = errors.New("pool: exhausted")

// ErrKindMismatch is returned when the relay's DataChannelHello response
// does not match the kind of pool that dialed it.
var ErrKindMismatch = errors.New("pool: data channel kind mismatch")

// Config controls pool sizing and timing. New replaces non-positive maximums
// and durations with the DefaultConfig values; zero minimums are kept and
// negative minimums are clamped to zero.
type Config struct {
	MinTCPChannels      int
	MaxTCPChannels      int
	MinUDPChannels      int
	MaxUDPChannels      int
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MinTCPChannels:      2,
		MaxTCPChannels:      16,
		MinUDPChannels:      1,
		MaxUDPChannels:      8,
		IdleTimeout:         300 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		AcquireTimeout:      10 * time.Second,
	}
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig()
	// Zero warm channels is a valid choice (pure on-demand creation); only
	// negatives are clamped.
	if cfg.MinTCPChannels < 0 {
		cfg.MinTCPChannels = 0
	}
	if cfg.MaxTCPChannels <= 0 {
		cfg.MaxTCPChannels = d.MaxTCPChannels
	}
	if cfg.MinUDPChannels < 0 {
		cfg.MinUDPChannels = 0
	}
	if cfg.MaxUDPChannels <= 0 {
		cfg.MaxUDPChannels = d.MaxUDPChannels
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = d.HealthCheckInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = d.AcquireTimeout
	}
	return cfg
}

// Stats is a snapshot of pool activity counters, emitted on every
// maintenance tick.
type Stats struct {
	Created  uint64
	Acquired uint64
	Returned uint64
	Expired  uint64
	Pooled   int
}

// entry is one idle stream sitting in the FIFO.
type entry struct {
	stream   transport.Stream
	lastUsed time.Time
}

// subpool manages the TCP or UDP half of the pool.
type subpool struct {
	kind Kind
	min  int
	max  int

	mu     sync.Mutex
	idle   []entry
	active int

	// sem holds one permit per active stream (idle + in-use). Every creation
	// path acquires before dialing; the permit is released wherever a stream
	// leaves the pool: create failure, stale eviction, Take, or full-return
	// discard.
	sem      *semaphore.Weighted
	notify   chan struct{}
	returnCh chan entry

	created  atomic.Uint64
	acquired atomic.Uint64
	returned atomic.Uint64
	expired  atomic.Uint64
}

func newSubpool(kind Kind, min, max int) *subpool {
	return &subpool{
		kind:     kind,
		min:      min,
		max:      max,
		sem:      semaphore.NewWeighted(int64(max)),
		notify:   make(chan struct{}, 1),
		returnCh: make(chan entry, max),
	}
}

// Pool is the warm data-channel supply for one running control channel.
type Pool struct {
	cfg        Config
	transport  transport.Transport
	descriptor service.Descriptor
	sessionKey digest.Digest
	log        *slog.Logger

	tcp *subpool
	udp *subpool
}

// New builds a pool bound to one control channel's session key. The pool
// must be discarded (not reused) across reconnection: a fresh Pool is
// created with the new session key each time the control channel re-enters
// Running.
func New(cfg Config, t transport.Transport, descriptor service.Descriptor, sessionKey digest.Digest, log *slog.Logger) *Pool {
	cfg = withDefaults(cfg)
	return &Pool{
		cfg:        cfg,
		transport:  t,
		descriptor: descriptor,
		sessionKey: sessionKey,
		log:        log,
		tcp:        newSubpool(KindTCP, cfg.MinTCPChannels, cfg.MaxTCPChannels),
		udp:        newSubpool(KindUDP, cfg.MinUDPChannels, cfg.MaxUDPChannels),
	}
}

// SessionKey returns the session key this pool's streams were authenticated with.
func (p *Pool) SessionKey() digest.Digest {
	return p.sessionKey
}

// Start warms up both subpools synchronously and launches the background
// maintenance and return-consumer tasks. ctx governs their lifetime.
func (p *Pool) Start(ctx context.Context) {
	p.warmUp(ctx, p.tcp)
	p.warmUp(ctx, p.udp)

	go p.consumeReturns(ctx, p.tcp)
	go p.consumeReturns(ctx, p.udp)
	go p.maintenanceLoop(ctx)
}

func (p *Pool) warmUp(ctx context.Context, sp *subpool) {
	for i := 0; i < sp.min; i++ {
		if !sp.sem.TryAcquire(1) {
			break
		}
		e, err := p.create(ctx, sp)
		if err != nil {
			sp.sem.Release(1)
			p.log.Warn("pool warm up failed", logging.KeyService, p.descriptor.Name, logging.KeyError, err)
			continue
		}
		sp.mu.Lock()
		sp.active++
		sp.idle = append(sp.idle, e)
		sp.mu.Unlock()
	}
}

// create dials a fresh stream, greets it as a data channel, and verifies the
// relay's response matches the subpool's kind.
func (p *Pool) create(ctx context.Context, sp *subpool) (entry, error) {
	stream, err := p.transport.Dial()
	if err != nil {
		return entry{}, fmt.Errorf("pool: dial: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = stream.SetDeadline(deadline)

	hello := protocol.Hello{
		Kind:         protocol.HelloDataChannel,
		ProtoVersion: protocol.ProtocolVersion,
		Digest:       p.sessionKey,
	}
	if err := protocol.WriteHello(stream, hello); err != nil {
		stream.Close()
		return entry{}, fmt.Errorf("pool: write hello: %w", err)
	}

	cmd, err := protocol.ReadDataChannelCmd(stream)
	if err != nil {
		stream.Close()
		return entry{}, fmt.Errorf("pool: read data channel cmd: %w", err)
	}
	if cmd != sp.kind.expectedCmd() {
		stream.Close()
		sp.expired.Add(1)
		metrics.Default().PoolStreamsExpired.WithLabelValues(p.descriptor.Name, sp.kind.String()).Inc()
		return entry{}, fmt.Errorf("%w: got %s, pool is %s", ErrKindMismatch, cmd, sp.kind)
	}

	_ = stream.SetDeadline(time.Time{})
	sp.created.Add(1)
	metrics.Default().PoolStreamsCreated.WithLabelValues(p.descriptor.Name, sp.kind.String()).Inc()
	return entry{stream: stream, lastUsed: time.Now()}, nil
}

// Guard wraps an acquired stream. Callers must call Release exactly once,
// typically via defer immediately after Acquire succeeds.
type Guard struct {
	pool     *Pool
	sp       *subpool
	stream   transport.Stream
	taken    bool
	released bool
}

// Stream returns the underlying stream for short-lived use within the
// guard's scope.
func (g *Guard) Stream() transport.Stream {
	return g.stream
}

// Take hands ownership of the stream to the caller for a long-lived
// session (the SOCKS5 and SSH engines need this). The caller becomes
// responsible for closing the stream; Release will only free the pool's
// accounting slot, not requeue the stream.
func (g *Guard) Take() transport.Stream {
	g.taken = true
	return g.stream
}

// Release returns the stream to the pool's idle FIFO, or if Take was
// called, simply frees the pool's active-count slot.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	if g.taken {
		g.sp.returnCh <- entry{stream: nil, lastUsed: time.Now()}
		return
	}
	g.sp.returnCh <- entry{stream: g.stream, lastUsed: time.Now()}
}

// consumeReturns is the single task that reinserts or discards returned
// streams, decoupling the guard's release path from the FIFO's mutex.
func (p *Pool) consumeReturns(ctx context.Context, sp *subpool) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sp.returnCh:
			sp.returned.Add(1)
			metrics.Default().PoolStreamsReturned.WithLabelValues(p.descriptor.Name, sp.kind.String()).Inc()
			sp.mu.Lock()
			if e.stream == nil {
				// Guard.Take() path: stream ownership already transferred.
				sp.active--
				sp.sem.Release(1)
			} else if len(sp.idle) < sp.max {
				sp.idle = append(sp.idle, e)
			} else {
				sp.active--
				sp.sem.Release(1)
				e.stream.Close()
			}
			sp.mu.Unlock()
			select {
			case sp.notify <- struct{}{}:
			default:
			}
		}
	}
}

// Acquire pops the FIFO head, creates a stream on demand if the subpool has
// spare capacity, or blocks for an available notification up to
// acquire_timeout before returning ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, kind Kind) (*Guard, error) {
	sp := p.tcp
	if kind == KindUDP {
		sp = p.udp
	}

	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	for {
		sp.mu.Lock()
		p.evictStaleLocked(sp)
		if len(sp.idle) > 0 {
			e := sp.idle[0]
			sp.idle = sp.idle[1:]
			sp.mu.Unlock()
			sp.acquired.Add(1)
			metrics.Default().PoolStreamsAcquired.WithLabelValues(p.descriptor.Name, sp.kind.String()).Inc()
			return &Guard{pool: p, sp: sp, stream: e.stream}, nil
		}
		canCreate := sp.sem.TryAcquire(1)
		if canCreate {
			sp.active++
		}
		sp.mu.Unlock()

		if canCreate {
			e, err := p.create(ctx, sp)
			if err != nil {
				sp.mu.Lock()
				sp.active--
				sp.mu.Unlock()
				sp.sem.Release(1)
				return nil, err
			}
			sp.acquired.Add(1)
			metrics.Default().PoolStreamsAcquired.WithLabelValues(p.descriptor.Name, sp.kind.String()).Inc()
			return &Guard{pool: p, sp: sp, stream: e.stream}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.Default().PoolExhaustedTotal.WithLabelValues(p.descriptor.Name, sp.kind.String()).Inc()
			return nil, ErrPoolExhausted
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sp.notify:
		case <-time.After(remaining):
			metrics.Default().PoolExhaustedTotal.WithLabelValues(p.descriptor.Name, sp.kind.String()).Inc()
			return nil, ErrPoolExhausted
		}
	}
}

// evictStaleLocked drops idle entries older than idle_timeout from the
// front of the FIFO. Callers must hold sp.mu.
func (p *Pool) evictStaleLocked(sp *subpool) {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	n := 0
	for n < len(sp.idle) && sp.idle[n].lastUsed.Before(cutoff) {
		sp.idle[n].stream.Close()
		sp.active--
		sp.sem.Release(1)
		sp.expired.Add(1)
		metrics.Default().PoolStreamsExpired.WithLabelValues(p.descriptor.Name, sp.kind.String()).Inc()
		n++
	}
	if n > 0 {
		sp.idle = sp.idle[n:]
	}
}

// maintenanceLoop runs the periodic eviction/replenish/stats tick.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, p.tcp)
			p.tick(ctx, p.udp)
		}
	}
}

func (p *Pool) tick(ctx context.Context, sp *subpool) {
	sp.mu.Lock()
	p.evictStaleLocked(sp)
	deficit := sp.min - sp.active
	sp.mu.Unlock()

	for i := 0; i < deficit; i++ {
		if !sp.sem.TryAcquire(1) {
			break
		}
		e, err := p.create(ctx, sp)
		if err != nil {
			sp.sem.Release(1)
			p.log.Warn("pool replenish failed", logging.KeyService, p.descriptor.Name, logging.KeyError, err)
			continue
		}
		sp.mu.Lock()
		sp.active++
		sp.idle = append(sp.idle, e)
		sp.mu.Unlock()
	}

	stats := p.statsFor(sp)
	metrics.Default().PoolIdle.WithLabelValues(p.descriptor.Name, sp.kind.String()).Set(float64(stats.Pooled))
	p.log.Debug("pool stats",
		logging.KeyService, p.descriptor.Name,
		"kind", sp.kind.String(),
		"created", stats.Created,
		"acquired", stats.Acquired,
		"returned", stats.Returned,
		"expired", stats.Expired,
		"pooled", stats.Pooled,
	)
}

func (p *Pool) statsFor(sp *subpool) Stats {
	sp.mu.Lock()
	pooled := len(sp.idle)
	sp.mu.Unlock()
	return Stats{
		Created:  sp.created.Load(),
		Acquired: sp.acquired.Load(),
		Returned: sp.returned.Load(),
		Expired:  sp.expired.Load(),
		Pooled:   pooled,
	}
}

// Stats returns a snapshot of TCP and UDP pool statistics.
func (p *Pool) Stats() (tcp, udp Stats) {
	return p.statsFor(p.tcp), p.statsFor(p.udp)
}

// Close discards all idle streams in both subpools. It does not wait for
// in-flight (acquired) streams; those close when their owning task ends.
func (p *Pool) Close() {
	for _, sp := range []*subpool{p.tcp, p.udp} {
		sp.mu.Lock()
		for _, e := range sp.idle {
			e.stream.Close()
			sp.active--
			sp.sem.Release(1)
		}
		sp.idle = nil
		sp.mu.Unlock()
	}
}
