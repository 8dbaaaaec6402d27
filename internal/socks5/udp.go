package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relaymesh/tunnelclient/internal/logging"
	"github.com/relaymesh/tunnelclient/internal/metrics"
	"github.com/relaymesh/tunnelclient/internal/transport"
)

// maxUDPFrameSize is the largest header+payload a u16 length prefix can address.
const maxUDPFrameSize = 1<<16 - 1

// udpHeaderMinLen is RSV(2) + FRAG(1) + ATYP(1) + IPv4(4) + PORT(2).
const udpHeaderMinLen = 10

var (
	// errFragmented marks a fragmented datagram, which is dropped silently
	// by the caller rather than surfaced as a session error.
	errFragmented = errors.New("socks5: fragmented datagram unsupported")
)

// udpHeader is the RFC 1928 section 7 UDP request header.
type udpHeader struct {
	AddrType byte
	IP       net.IP
	Domain   string
	Port     uint16
	RawAddr  []byte
}

func (h udpHeader) key() string {
	if h.Domain != "" {
		return net.JoinHostPort(h.Domain, fmt.Sprint(h.Port))
	}
	return net.JoinHostPort(h.IP.String(), fmt.Sprint(h.Port))
}

// parseUDPHeader splits a frame (already stripped of its outer length
// prefix) into its header and payload.
func parseUDPHeader(data []byte) (udpHeader, []byte, error) {
	if len(data) < udpHeaderMinLen {
		return udpHeader{}, nil, fmt.Errorf("socks5: udp datagram too short")
	}
	if data[2] != 0 {
		return udpHeader{}, nil, errFragmented
	}

	h := udpHeader{AddrType: data[3]}
	offset := 4

	switch h.AddrType {
	case AddrTypeIPv4:
		if len(data) < offset+4+2 {
			return udpHeader{}, nil, fmt.Errorf("socks5: udp ipv4 header too short")
		}
		h.IP = net.IP(data[offset : offset+4])
		h.RawAddr = data[offset : offset+4]
		offset += 4
	case AddrTypeIPv6:
		if len(data) < offset+16+2 {
			return udpHeader{}, nil, fmt.Errorf("socks5: udp ipv6 header too short")
		}
		h.IP = net.IP(data[offset : offset+16])
		h.RawAddr = data[offset : offset+16]
		offset += 16
	case AddrTypeDomain:
		if len(data) < offset+1 {
			return udpHeader{}, nil, fmt.Errorf("socks5: udp domain length missing")
		}
		n := int(data[offset])
		offset++
		if n == 0 || len(data) < offset+n+2 {
			return udpHeader{}, nil, fmt.Errorf("socks5: udp domain header too short")
		}
		h.Domain = string(data[offset : offset+n])
		h.RawAddr = data[offset-1 : offset+n]
		offset += n
	default:
		return udpHeader{}, nil, fmt.Errorf("socks5: unsupported udp address type %d", h.AddrType)
	}

	h.Port = binary.BigEndian.Uint16(data[offset:])
	offset += 2

	return h, data[offset:], nil
}

// buildUDPHeader serializes the RSV|FRAG|ATYP|ADDR|PORT header for a reply
// framed with the target as source address.
func buildUDPHeader(addrType byte, rawAddr []byte, port uint16) []byte {
	buf := make([]byte, 4+len(rawAddr)+2)
	buf[3] = addrType
	copy(buf[4:], rawAddr)
	binary.BigEndian.PutUint16(buf[4+len(rawAddr):], port)
	return buf
}

// readUDPFrame reads one LEN(2 bytes big-endian) | UDP-header | payload
// frame from the UDP tunnel stream.
func readUDPFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("socks5: short read on udp frame: %w", err)
		}
	}
	return buf, nil
}

// writeUDPFrame length-prefixes and writes one frame, rejecting anything
// that would not fit the u16 length prefix.
func writeUDPFrame(w io.Writer, frame []byte) error {
	if len(frame) > maxUDPFrameSize {
		return fmt.Errorf("socks5: udp frame of %d bytes exceeds %d byte limit", len(frame), maxUDPFrameSize)
	}
	buf := make([]byte, 2+len(frame))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(frame)))
	copy(buf[2:], frame)
	_, err := w.Write(buf)
	return err
}

// forwarder owns one ephemeral UDP socket connected to a single remote
// target, discovered on first sight of a frame addressed to it.
type forwarder struct {
	key      string
	addrType byte
	rawAddr  []byte
	port     uint16
	conn     *net.UDPConn

	mu       sync.Mutex
	lastUsed time.Time
}

func (f *forwarder) touch() {
	f.mu.Lock()
	f.lastUsed = time.Now()
	f.mu.Unlock()
}

func (f *forwarder) idleSince() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.lastUsed)
}

func (f *forwarder) Close() error { return f.conn.Close() }

// udpEngine forwards datagrams between the SOCKS5 UDP tunnel stream and
// per-target UDP sockets, evicting idle targets after policy.UDPIdleTimeout.
type udpEngine struct {
	policy Policy
	log    *slog.Logger
}

func newUDPEngine(policy Policy, log *slog.Logger) *udpEngine {
	if log == nil {
		log = logging.NopLogger()
	}
	return &udpEngine{policy: policy, log: log}
}

// run reads frames from stream until it closes, dispatching each to the
// per-target forwarder (creating one on first sight) and relaying replies
// back over the same stream.
func (e *udpEngine) run(ctx context.Context, stream transport.Stream) error {
	var writeMu sync.Mutex
	// Lookups on the hot path vastly outnumber inserts and evictions.
	var tableMu sync.RWMutex
	table := make(map[string]*forwarder)

	evictCtx, cancelEvict := context.WithCancel(ctx)
	defer cancelEvict()
	go e.evictLoop(evictCtx, &tableMu, table)

	defer func() {
		tableMu.Lock()
		for k, f := range table {
			f.Close()
			delete(table, k)
			metrics.Default().UDPTargetsActive.Dec()
		}
		tableMu.Unlock()
	}()

	for {
		frame, err := readUDPFrame(stream)
		if err != nil {
			return err
		}

		hdr, payload, err := parseUDPHeader(frame)
		if err != nil {
			if errors.Is(err, errFragmented) {
				continue
			}
			e.log.Debug("udp: malformed frame dropped", logging.KeyError, err)
			continue
		}

		fw, err := e.getOrCreate(ctx, &tableMu, table, hdr, stream, &writeMu)
		if err != nil {
			e.log.Warn("udp: forwarder creation failed", logging.KeyError, err)
			continue
		}

		if _, err := fw.conn.Write(payload); err != nil {
			e.log.Debug("udp: write to target failed", logging.KeyError, err)
			continue
		}
		metrics.Default().UDPDatagrams.WithLabelValues(metrics.DirectionUpstream).Inc()
		fw.touch()
	}
}

// getOrCreate returns the existing forwarder for hdr's target, or dials a
// fresh ephemeral UDP socket and spawns its reply-relay goroutine.
func (e *udpEngine) getOrCreate(ctx context.Context, mu *sync.RWMutex, table map[string]*forwarder, hdr udpHeader, stream transport.Stream, writeMu *sync.Mutex) (*forwarder, error) {
	key := hdr.key()

	mu.RLock()
	if fw, ok := table[key]; ok {
		mu.RUnlock()
		return fw, nil
	}
	mu.RUnlock()

	conn, err := net.Dial("udp", key)
	if err != nil {
		return nil, fmt.Errorf("socks5: dial udp target %s: %w", key, err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("socks5: unexpected udp conn type for %s", key)
	}

	fw := &forwarder{
		key:      key,
		addrType: hdr.AddrType,
		rawAddr:  hdr.RawAddr,
		port:     hdr.Port,
		conn:     udpConn,
		lastUsed: time.Now(),
	}

	mu.Lock()
	table[key] = fw
	mu.Unlock()
	metrics.Default().UDPTargetsActive.Inc()

	go e.relayInbound(ctx, fw, stream, writeMu)

	return fw, nil
}

// relayInbound reads datagrams from the target's UDP socket and frames them
// back over the tunnel stream with the target as source address, until the
// socket is closed (by eviction or by run's cleanup on stream close).
func (e *udpEngine) relayInbound(ctx context.Context, fw *forwarder, stream transport.Stream, writeMu *sync.Mutex) {
	buf := make([]byte, 65535)
	for {
		n, err := fw.conn.Read(buf)
		if err != nil {
			return
		}
		fw.touch()

		header := buildUDPHeader(fw.addrType, fw.rawAddr, fw.port)
		frame := make([]byte, len(header)+n)
		copy(frame, header)
		copy(frame[len(header):], buf[:n])

		writeMu.Lock()
		err = writeUDPFrame(stream, frame)
		writeMu.Unlock()
		if err != nil {
			return
		}
		metrics.Default().UDPDatagrams.WithLabelValues(metrics.DirectionDownstream).Inc()
	}
}

// evictLoop removes and closes forwarders idle longer than policy.UDPIdleTimeout.
func (e *udpEngine) evictLoop(ctx context.Context, mu *sync.RWMutex, table map[string]*forwarder) {
	interval := e.policy.UDPIdleTimeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			for k, fw := range table {
				if fw.idleSince() > e.policy.UDPIdleTimeout {
					fw.Close()
					delete(table, k)
					metrics.Default().UDPTargetsActive.Dec()
				}
			}
			mu.Unlock()
		}
	}
}
