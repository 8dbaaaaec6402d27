package transport

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestPlainTransport_Dial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()

	serverDone := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- nil
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		serverDone <- buf
	}()

	cfg := DefaultPlainConfig(ln.Addr().String())
	cfg.ConnectTimeout = 2 * time.Second
	tr := NewPlainTransport(cfg)

	if tr.Type() != TypePlain {
		t.Errorf("Type() = %v, want %v", tr.Type(), TypePlain)
	}

	stream, err := tr.Dial()
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got := <-serverDone
	if string(got) != "hello" {
		t.Errorf("server received %q, want %q", got, "hello")
	}
}

func TestPlainTransport_ConnectTimeout(t *testing.T) {
	cfg := DefaultPlainConfig("10.255.255.1:1")
	cfg.ConnectTimeout = 50 * time.Millisecond
	tr := NewPlainTransport(cfg)

	if _, err := tr.Dial(); err == nil {
		t.Error("Dial() to unreachable address should fail")
	}
}
