package socks5

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/proxy"
)

// serveOnListener simulates the tunnel delivery path for tests: every
// accepted connection is handed to the engine exactly the way a data channel
// stream would be. The engine itself still never listens in production.
func serveOnListener(t *testing.T, h *Handler) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go h.HandleTCPStream(context.Background(), connStream{conn})
		}
	}()
	return ln.Addr()
}

// echoServer returns the address of a TCP server that echoes everything it
// reads back until the client closes.
func echoServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr()
}

func TestProxyDialerConnect(t *testing.T) {
	h := NewHandler(DefaultPolicy(), nil)
	engineAddr := serveOnListener(t, h)
	echoAddr := echoServer(t)

	dialer, err := proxy.SOCKS5("tcp", engineAddr.String(), nil, proxy.Direct)
	if err != nil {
		t.Fatalf("proxy.SOCKS5: %v", err)
	}

	conn, err := dialer.Dial("tcp", echoAddr.String())
	if err != nil {
		t.Fatalf("Dial through engine: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("round trip")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 10)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "round trip" {
		t.Errorf("echoed %q", buf)
	}
}

func TestProxyDialerUserPassAuth(t *testing.T) {
	policy := DefaultPolicy()
	policy.AuthRequired = true
	policy.Username = "alice"
	policy.PasswordHash = MustHashPassword("s3cret")

	h := NewHandler(policy, nil)
	engineAddr := serveOnListener(t, h)
	echoAddr := echoServer(t)

	good, err := proxy.SOCKS5("tcp", engineAddr.String(),
		&proxy.Auth{User: "alice", Password: "s3cret"}, proxy.Direct)
	if err != nil {
		t.Fatalf("proxy.SOCKS5: %v", err)
	}
	conn, err := good.Dial("tcp", echoAddr.String())
	if err != nil {
		t.Fatalf("Dial with valid credentials: %v", err)
	}
	conn.Close()

	bad, err := proxy.SOCKS5("tcp", engineAddr.String(),
		&proxy.Auth{User: "alice", Password: "wrong"}, proxy.Direct)
	if err != nil {
		t.Fatalf("proxy.SOCKS5: %v", err)
	}
	if _, err := bad.Dial("tcp", echoAddr.String()); err == nil {
		t.Error("Dial succeeded with wrong password")
	}
}

func TestProxyDialerNoAcceptableMethod(t *testing.T) {
	policy := DefaultPolicy()
	policy.AuthRequired = true
	policy.Username = "alice"
	policy.Password = "s3cret"

	h := NewHandler(policy, nil)
	engineAddr := serveOnListener(t, h)

	// A client that only offers no-auth must be turned away with 0xFF.
	anon, err := proxy.SOCKS5("tcp", engineAddr.String(), nil, proxy.Direct)
	if err != nil {
		t.Fatalf("proxy.SOCKS5: %v", err)
	}
	if _, err := anon.Dial("tcp", "127.0.0.1:1"); err == nil {
		t.Error("Dial succeeded without credentials")
	}
}

func TestConnectConnectionRefusedReply(t *testing.T) {
	h := NewHandler(DefaultPolicy(), nil)
	stream, client := newStreamPipe()
	defer client.Close()

	go h.HandleTCPStream(context.Background(), stream)

	client.Write([]byte{0x05, 0x01, 0x00})
	method := make([]byte, 2)
	io.ReadFull(client, method)

	// Port 1 on loopback is almost certainly closed.
	var req bytes.Buffer
	req.Write([]byte{0x05, CmdConnect, 0x00, AddrTypeIPv4, 127, 0, 0, 1})
	binary.Write(&req, binary.BigEndian, uint16(1))
	client.Write(req.Bytes())

	reply := make([]byte, 10)
	client.SetReadDeadline(time.Now().Add(11 * time.Second))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != ReplyConnectionRefused && reply[1] != ReplyServerFailure {
		t.Errorf("REP = %#x, want connection refused", reply[1])
	}
}

func TestUDPEngineRoundTrip(t *testing.T) {
	// Local UDP echo target.
	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer target.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := target.ReadFromUDP(buf)
			if err != nil {
				return
			}
			target.WriteToUDP(append([]byte("re:"), buf[:n]...), addr)
		}
	}()

	policy := DefaultPolicy()
	h := NewHandler(policy, nil)

	stream, client := newStreamPipe()
	done := make(chan error, 1)
	go func() { done <- h.HandleUDPStream(context.Background(), stream) }()

	// Frame a datagram for the echo target.
	ta := target.LocalAddr().(*net.UDPAddr)
	header := buildUDPHeader(AddrTypeIPv4, ta.IP.To4(), uint16(ta.Port))
	frame := append(append([]byte{}, header...), []byte("ping")...)
	if err := writeUDPFrame(connStream{client}, frame); err != nil {
		t.Fatalf("writeUDPFrame: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	replyFrame, err := readUDPFrame(client)
	if err != nil {
		t.Fatalf("readUDPFrame: %v", err)
	}

	hdr, payload, err := parseUDPHeader(replyFrame)
	if err != nil {
		t.Fatalf("parseUDPHeader: %v", err)
	}
	if hdr.Port != uint16(ta.Port) {
		t.Errorf("reply source port = %d, want %d", hdr.Port, ta.Port)
	}
	if string(payload) != "re:ping" {
		t.Errorf("payload = %q, want re:ping", payload)
	}

	client.Close()
	<-done
}

func TestRateLimitedReaderThrottles(t *testing.T) {
	data := strings.Repeat("x", 64*1024)
	// 64 KiB at 64 KiB/s: the bucket starts full at the 32 KiB burst cap, so
	// the second half of the data must wait roughly half a second.
	r := newRateLimitedReader(context.Background(), strings.NewReader(data), 64*1024)

	start := time.Now()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(out) != len(data) {
		t.Fatalf("read %d bytes, want %d", len(out), len(data))
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("read completed in %v, expected throttling", elapsed)
	}
}

func TestRateLimitedReaderUnlimited(t *testing.T) {
	r := newRateLimitedReader(context.Background(), strings.NewReader("abc"), 0)
	if _, ok := r.(*strings.Reader); !ok {
		t.Error("zero limit should return the reader unchanged")
	}
}
