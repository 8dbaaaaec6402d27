package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/flynn/noise"
)

// TestNoiseTransport_Dial exercises a full NK handshake against a hand-rolled
// responder and verifies that application bytes survive the encrypted stream.
func TestNoiseTransport_Dial(t *testing.T) {
	suite := cipherSuite()
	responderStatic, err := suite.GenerateKeypair(nil)
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- runNoiseResponder(ln, suite, responderStatic)
	}()

	nt, err := NewNoiseTransport(NoiseConfig{
		RemoteAddr:       ln.Addr().String(),
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		RemotePublicKey:  responderStatic.Public,
	})
	if err != nil {
		t.Fatalf("NewNoiseTransport() error = %v", err)
	}

	stream, err := nt.Dial()
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte("hello relay")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("responder error = %v", err)
	}
}

func runNoiseResponder(ln net.Listener, suite noise.CipherSuite, static noise.DHKey) error {
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   suite,
		Pattern:       noise.HandshakeNK,
		Initiator:     false,
		StaticKeypair: static,
	})
	if err != nil {
		return err
	}

	msg, err := readHandshakeMessage(conn)
	if err != nil {
		return err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return err
	}

	reply, csDecrypt, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return err
	}
	if err := writeHandshakeMessage(conn, reply); err != nil {
		return err
	}

	ciphertext, err := readHandshakeMessage(conn)
	if err != nil {
		return err
	}
	plaintext, err := csDecrypt.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return err
	}
	if string(plaintext) != "hello relay" {
		return io.ErrUnexpectedEOF
	}
	return nil
}
