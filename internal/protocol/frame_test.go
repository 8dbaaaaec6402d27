package protocol

import (
	"bytes"
	"testing"

	"github.com/relaymesh/tunnelclient/internal/digest"
)

func TestHello_EncodeDecode(t *testing.T) {
	d1, _ := digest.Random()
	d2, _ := digest.Random()

	for _, kind := range []HelloKind{HelloControlChannel, HelloDataChannel} {
		var buf bytes.Buffer
		in := Hello{Kind: kind, ProtoVersion: d1, Digest: d2}
		if err := WriteHello(&buf, in); err != nil {
			t.Fatalf("WriteHello() error = %v", err)
		}

		out, err := ReadHello(&buf)
		if err != nil {
			t.Fatalf("ReadHello() error = %v", err)
		}

		if out != in {
			t.Errorf("ReadHello() = %+v, want %+v", out, in)
		}
	}
}

func TestAuth_EncodeDecode(t *testing.T) {
	token := []byte("shared-secret")
	nonce, _ := digest.Random()
	d := digest.Sum(token, nonce.Bytes())

	var buf bytes.Buffer
	if err := WriteAuth(&buf, Auth{Digest: d}); err != nil {
		t.Fatalf("WriteAuth() error = %v", err)
	}

	out, err := ReadAuth(&buf)
	if err != nil {
		t.Fatalf("ReadAuth() error = %v", err)
	}
	if !out.Digest.Equal(d) {
		t.Errorf("ReadAuth() digest mismatch")
	}
}

func TestAck_RoundTrip(t *testing.T) {
	for _, status := range []AckStatus{AckOk, AckServiceNotExist, AckAuthFailed} {
		var buf bytes.Buffer
		if err := WriteAck(&buf, status); err != nil {
			t.Fatalf("WriteAck(%v) error = %v", status, err)
		}
		out, err := ReadAck(&buf)
		if err != nil {
			t.Fatalf("ReadAck() error = %v", err)
		}
		if out != status {
			t.Errorf("ReadAck() = %v, want %v", out, status)
		}
	}
}

func TestControlChannelCmd_RoundTrip(t *testing.T) {
	for _, cmd := range []ControlChannelCmd{CmdCreateDataChannel, CmdHeartBeat} {
		var buf bytes.Buffer
		if err := WriteControlChannelCmd(&buf, cmd); err != nil {
			t.Fatalf("WriteControlChannelCmd(%v) error = %v", cmd, err)
		}
		out, err := ReadControlChannelCmd(&buf)
		if err != nil {
			t.Fatalf("ReadControlChannelCmd() error = %v", err)
		}
		if out != cmd {
			t.Errorf("ReadControlChannelCmd() = %v, want %v", out, cmd)
		}
	}
}

func TestDataChannelCmd_RoundTrip(t *testing.T) {
	for _, cmd := range []DataChannelCmd{CmdStartForwardTcp, CmdStartForwardUdp} {
		var buf bytes.Buffer
		if err := WriteDataChannelCmd(&buf, cmd); err != nil {
			t.Fatalf("WriteDataChannelCmd(%v) error = %v", cmd, err)
		}
		out, err := ReadDataChannelCmd(&buf)
		if err != nil {
			t.Fatalf("ReadDataChannelCmd() error = %v", err)
		}
		if out != cmd {
			t.Errorf("ReadDataChannelCmd() = %v, want %v", out, cmd)
		}
	}
}

func TestReadAck_UnknownTag(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFramed(&buf, encodeU32Tag(99)); err != nil {
		t.Fatalf("writeFramed() error = %v", err)
	}
	if _, err := ReadAck(&buf); err == nil {
		t.Error("ReadAck() with unknown tag should fail")
	}
}

func TestReadHello_ShortFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFramed(&buf, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("writeFramed() error = %v", err)
	}
	if _, err := ReadHello(&buf); err == nil {
		t.Error("ReadHello() with truncated payload should fail")
	}
}

func TestWriteFramed_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	huge := make([]byte, MaxMessageSize+1)
	if err := writeFramed(&buf, huge); err == nil {
		t.Error("writeFramed() with oversized payload should fail")
	}
}
