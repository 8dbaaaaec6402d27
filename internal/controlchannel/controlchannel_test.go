package controlchannel

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/relaymesh/tunnelclient/internal/digest"
	"github.com/relaymesh/tunnelclient/internal/logging"
	"github.com/relaymesh/tunnelclient/internal/protocol"
	"github.com/relaymesh/tunnelclient/internal/service"
	"github.com/relaymesh/tunnelclient/internal/transport"
)

// echoHandler is a minimal service.Handler used to exercise CreateDataChannel
// dispatch: it echoes whatever it reads back to the stream.
type echoHandler struct {
	handled chan struct{}
}

func (h *echoHandler) HandleTCPStream(ctx context.Context, s transport.Stream) error {
	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	if n > 0 {
		if _, err := s.Write(buf[:n]); err != nil {
			return err
		}
	}
	close(h.handled)
	return nil
}

func (h *echoHandler) HandleUDPStream(ctx context.Context, s transport.Stream) error {
	return service.ErrUnsupportedOnThisService
}

func newTestDescriptor(handled chan struct{}) service.Descriptor {
	return service.Descriptor{
		Name:    "socks5",
		Token:   "t",
		Type:    service.TypeSOCKS5,
		Handler: &echoHandler{handled: handled},
	}
}

// serveHandshake performs the relay side of the control-channel handshake
// and returns the agreed session key.
func serveHandshake(t *testing.T, conn net.Conn, token string, ackStatus protocol.AckStatus) digest.Digest {
	t.Helper()

	hello, err := protocol.ReadHello(conn)
	if err != nil {
		t.Fatalf("relay: ReadHello() error = %v", err)
	}
	if hello.Kind != protocol.HelloControlChannel {
		t.Fatalf("relay: expected ControlChannelHello, got %v", hello.Kind)
	}

	nonce, err := digest.Random()
	if err != nil {
		t.Fatalf("digest.Random() error = %v", err)
	}
	if err := protocol.WriteHello(conn, protocol.Hello{
		Kind:         protocol.HelloControlChannel,
		ProtoVersion: protocol.ProtocolVersion,
		Digest:       nonce,
	}); err != nil {
		t.Fatalf("relay: WriteHello() error = %v", err)
	}

	auth, err := protocol.ReadAuth(conn)
	if err != nil {
		t.Fatalf("relay: ReadAuth() error = %v", err)
	}

	want := digest.Sum([]byte(token), nonce[:])
	if ackStatus == protocol.AckOk && !auth.Digest.Equal(want) {
		t.Fatalf("relay: auth digest mismatch")
	}

	if err := protocol.WriteAck(conn, ackStatus); err != nil {
		t.Fatalf("relay: WriteAck() error = %v", err)
	}
	return want
}

func TestControlChannel_ServiceNotExistIsTerminal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serveHandshake(t, conn, "t", protocol.AckServiceNotExist)
	}()

	cfg := Config{
		Descriptor: newTestDescriptor(make(chan struct{})),
		Transport:  transport.NewPlainTransport(transport.DefaultPlainConfig(ln.Addr().String())),
	}
	cc := New(cfg, logging.NopLogger())

	err = cc.Run(context.Background())
	if !errors.Is(err, ErrServiceNotExist) {
		t.Fatalf("Run() error = %v, want ErrServiceNotExist", err)
	}
	if cc.State() != StateFailed {
		t.Errorf("State() = %v, want StateFailed", cc.State())
	}
}

func TestControlChannel_AuthFailedIsTerminal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serveHandshake(t, conn, "t", protocol.AckAuthFailed)
	}()

	cfg := Config{
		Descriptor: newTestDescriptor(make(chan struct{})),
		Transport:  transport.NewPlainTransport(transport.DefaultPlainConfig(ln.Addr().String())),
	}
	cc := New(cfg, logging.NopLogger())

	err = cc.Run(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Run() error = %v, want ErrAuthFailed", err)
	}
}

func TestControlChannel_CreateDataChannelDispatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()

	handled := make(chan struct{})
	descriptor := newTestDescriptor(handled)

	go func() {
		// First connection: control channel handshake, then one
		// CreateDataChannel command, then silence (relying on the
		// client's heartbeat timeout to end the test).
		ctrl, err := ln.Accept()
		if err != nil {
			return
		}
		defer ctrl.Close()
		serveHandshake(t, ctrl, descriptor.Token, protocol.AckOk)

		if err := protocol.WriteControlChannelCmd(ctrl, protocol.CmdCreateDataChannel); err != nil {
			t.Errorf("relay: WriteControlChannelCmd() error = %v", err)
			return
		}

		// Second connection: the data channel the client dials in response.
		data, err := ln.Accept()
		if err != nil {
			return
		}
		defer data.Close()

		dataHello, err := protocol.ReadHello(data)
		if err != nil {
			t.Errorf("relay: ReadHello(data) error = %v", err)
			return
		}
		if dataHello.Kind != protocol.HelloDataChannel {
			t.Errorf("relay: expected DataChannelHello, got %v", dataHello.Kind)
		}

		if err := protocol.WriteDataChannelCmd(data, protocol.CmdStartForwardTcp); err != nil {
			t.Errorf("relay: WriteDataChannelCmd() error = %v", err)
			return
		}

		if _, err := data.Write([]byte("ping")); err != nil {
			t.Errorf("relay: Write() error = %v", err)
			return
		}
		buf := make([]byte, 4)
		io.ReadFull(data, buf)
	}()

	cfg := Config{
		Descriptor:       descriptor,
		Transport:        transport.NewPlainTransport(transport.DefaultPlainConfig(ln.Addr().String())),
		HeartbeatTimeout: 300 * time.Millisecond,
	}
	cc := New(cfg, logging.NopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- cc.Run(ctx) }()

	select {
	case <-handled:
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for data channel to be handled")
	}

	cancel()
	<-errCh
}
