package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"

	"github.com/relaymesh/tunnelclient/internal/addrcache"
)

// noiseMaxPlaintext keeps each transport-mode frame comfortably under Noise's
// 65535-byte ciphertext limit once the 16-byte AEAD tag is added.
const noiseMaxPlaintext = 1 << 15

// NoiseConfig configures the Noise-encrypted transport.
type NoiseConfig struct {
	RemoteAddr        string
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	RemotePublicKey   []byte // 32-byte X25519 public key of the relay
	LocalPrivateKey   []byte // optional static keypair; generated per-process if empty
	NoDelay           bool
	KeepAliveSecs     time.Duration
	KeepAliveInterval time.Duration
}

// cipherSuite returns the Noise_NK_25519_ChaChaPoly_BLAKE2s suite the relay speaks.
func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
}

// NoiseTransport dials plain TCP then performs a Noise NK handshake, returning
// a Stream backed by the post-handshake cipher states.
type NoiseTransport struct {
	cfg      NoiseConfig
	suite    noise.CipherSuite
	static   noise.DHKey
	peerStat []byte
	addrs    *addrcache.Cache
}

// NewNoiseTransport builds a Noise transport, generating an ephemeral static
// keypair when the configuration does not supply one.
func NewNoiseTransport(cfg NoiseConfig) (*NoiseTransport, error) {
	if len(cfg.RemotePublicKey) != 32 {
		return nil, fmt.Errorf("transport: noise remote public key must be 32 bytes")
	}

	suite := cipherSuite()

	var static noise.DHKey
	var err error
	if len(cfg.LocalPrivateKey) == 32 {
		pub, err := curve25519.X25519(cfg.LocalPrivateKey, curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("transport: derive noise keypair: %w", err)
		}
		static = noise.DHKey{Private: cfg.LocalPrivateKey, Public: pub}
	} else {
		static, err = suite.GenerateKeypair(nil)
		if err != nil {
			return nil, fmt.Errorf("transport: generate noise keypair: %w", err)
		}
	}

	return &NoiseTransport{
		cfg:      cfg,
		suite:    suite,
		static:   static,
		peerStat: cfg.RemotePublicKey,
		addrs:    addrcache.New(cfg.ConnectTimeout),
	}, nil
}

// Dial connects over TCP, performs the Noise handshake as initiator, and
// returns the encrypted framed Stream.
func (t *NoiseTransport) Dial() (Stream, error) {
	dialCtx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
	defer cancel()

	resolved, err := t.addrs.Resolve(dialCtx, t.cfg.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", t.cfg.RemoteAddr, err)
	}

	d := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := d.DialContext(dialCtx, "tcp", resolved.String())
	if err != nil {
		t.addrs.Invalidate(t.cfg.RemoteAddr)
		if dialCtx.Err() != nil {
			return nil, ErrConnectTimeout
		}
		return nil, fmt.Errorf("transport: dial %s: %w", t.cfg.RemoteAddr, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(t.cfg.NoDelay)
		if t.cfg.KeepAliveSecs > 0 {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(t.cfg.KeepAliveInterval)
		}
	}

	deadline := t.cfg.HandshakeTimeout
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	conn.SetDeadline(time.Now().Add(deadline))

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   t.suite,
		Pattern:       noise.HandshakeNK,
		Initiator:     true,
		StaticKeypair: t.static,
		PeerStatic:    t.peerStat,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	// -> e, es
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: write message 1: %v", ErrHandshakeFailed, err)
	}
	if err := writeHandshakeMessage(conn, msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	// <- e, ee
	reply, err := readHandshakeMessage(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	_, csOut, csIn, err := hs.ReadMessage(nil, reply)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: read message 2: %v", ErrHandshakeFailed, err)
	}

	conn.SetDeadline(time.Time{})

	return &noiseStream{conn: conn, send: csOut, recv: csIn}, nil
}

// Type reports the Noise transport type.
func (t *NoiseTransport) Type() Type { return TypeNoise }

// Close is a no-op: each Dial owns its own TCP connection and cipher states.
func (t *NoiseTransport) Close() error { return nil }

func writeHandshakeMessage(w io.Writer, msg []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readHandshakeMessage(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// noiseStream frames ciphertext over the underlying TCP connection: a 2-byte
// big-endian length prefix per Noise transport message, matching the framing
// convention used for the plaintext wire protocol above it.
type noiseStream struct {
	conn net.Conn
	send *noise.CipherState
	recv *noise.CipherState

	readBuf []byte
}

func (s *noiseStream) Read(p []byte) (int, error) {
	for len(s.readBuf) == 0 {
		ciphertext, err := readHandshakeMessage(s.conn)
		if err != nil {
			return 0, err
		}
		plaintext, err := s.recv.Decrypt(nil, nil, ciphertext)
		if err != nil {
			return 0, fmt.Errorf("transport: noise decrypt: %w", err)
		}
		s.readBuf = plaintext
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *noiseStream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > noiseMaxPlaintext {
			chunk = chunk[:noiseMaxPlaintext]
		}
		ciphertext, err := s.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, fmt.Errorf("transport: noise encrypt: %w", err)
		}
		if err := writeHandshakeMessage(s.conn, ciphertext); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *noiseStream) CloseWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return s.conn.Close()
}

func (s *noiseStream) Close() error                       { return s.conn.Close() }
func (s *noiseStream) SetDeadline(t time.Time) error      { return s.conn.SetDeadline(t) }
func (s *noiseStream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *noiseStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
