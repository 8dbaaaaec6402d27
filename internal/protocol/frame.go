package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/relaymesh/tunnelclient/internal/digest"
)

var (
	// ErrMessageTooLarge is returned when a payload exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("protocol: message exceeds maximum size")

	// ErrProtocolError is returned for malformed frames or unknown tag values.
	ErrProtocolError = errors.New("protocol: malformed message")
)

// writeFramed length-prefixes payload with a u16 big-endian length and writes it.
func writeFramed(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint16(buf[:LengthPrefixSize], uint16(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	_, err := w.Write(buf)
	return err
}

// readFramed reads a u16 big-endian length prefix followed by that many bytes.
func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("%w: short read on payload: %v", ErrProtocolError, err)
		}
	}
	return payload, nil
}

// Hello is the first message sent on every newly opened stream. ControlChannelHello
// carries the hashed service name; DataChannelHello carries the session key.
type Hello struct {
	Kind         HelloKind
	ProtoVersion digest.Digest
	Digest       digest.Digest
}

// Encode serializes a Hello payload: u32 kind tag, then two inlined 32-byte digests.
func (h Hello) Encode() []byte {
	buf := make([]byte, 4+digest.Size+digest.Size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Kind))
	copy(buf[4:4+digest.Size], h.ProtoVersion[:])
	copy(buf[4+digest.Size:], h.Digest[:])
	return buf
}

func decodeHello(buf []byte) (Hello, error) {
	if len(buf) != 4+digest.Size*2 {
		return Hello{}, fmt.Errorf("%w: bad Hello length %d", ErrProtocolError, len(buf))
	}
	kind := HelloKind(binary.LittleEndian.Uint32(buf[0:4]))
	if kind != HelloControlChannel && kind != HelloDataChannel {
		return Hello{}, fmt.Errorf("%w: unknown Hello kind %d", ErrProtocolError, kind)
	}
	proto, err := digest.FromBytes(buf[4 : 4+digest.Size])
	if err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}
	d, err := digest.FromBytes(buf[4+digest.Size:])
	if err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}
	return Hello{Kind: kind, ProtoVersion: proto, Digest: d}, nil
}

// WriteHello writes a length-prefixed Hello message.
func WriteHello(w io.Writer, h Hello) error {
	return writeFramed(w, h.Encode())
}

// ReadHello reads and decodes a Hello message.
func ReadHello(r io.Reader) (Hello, error) {
	buf, err := readFramed(r)
	if err != nil {
		return Hello{}, err
	}
	return decodeHello(buf)
}

// Auth carries the client's proof of knowledge of the shared secret.
type Auth struct {
	Digest digest.Digest
}

// Encode serializes an Auth payload: a single inlined 32-byte digest.
func (a Auth) Encode() []byte {
	buf := make([]byte, digest.Size)
	copy(buf, a.Digest[:])
	return buf
}

func decodeAuth(buf []byte) (Auth, error) {
	if len(buf) != digest.Size {
		return Auth{}, fmt.Errorf("%w: bad Auth length %d", ErrProtocolError, len(buf))
	}
	d, err := digest.FromBytes(buf)
	if err != nil {
		return Auth{}, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}
	return Auth{Digest: d}, nil
}

// WriteAuth writes a length-prefixed Auth message.
func WriteAuth(w io.Writer, a Auth) error {
	return writeFramed(w, a.Encode())
}

// ReadAuth reads and decodes an Auth message.
func ReadAuth(r io.Reader) (Auth, error) {
	buf, err := readFramed(r)
	if err != nil {
		return Auth{}, err
	}
	return decodeAuth(buf)
}

func encodeU32Tag(tag uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, tag)
	return buf
}

func decodeU32Tag(buf []byte) (uint32, error) {
	if len(buf) != 4 {
		return 0, fmt.Errorf("%w: bad enum length %d", ErrProtocolError, len(buf))
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// WriteAck writes a length-prefixed Ack message.
func WriteAck(w io.Writer, status AckStatus) error {
	return writeFramed(w, encodeU32Tag(uint32(status)))
}

// ReadAck reads and decodes an Ack message.
func ReadAck(r io.Reader) (AckStatus, error) {
	buf, err := readFramed(r)
	if err != nil {
		return 0, err
	}
	tag, err := decodeU32Tag(buf)
	if err != nil {
		return 0, err
	}
	status := AckStatus(tag)
	if status != AckOk && status != AckServiceNotExist && status != AckAuthFailed {
		return 0, fmt.Errorf("%w: unknown Ack tag %d", ErrProtocolError, tag)
	}
	return status, nil
}

// WriteControlChannelCmd writes a length-prefixed ControlChannelCmd message.
func WriteControlChannelCmd(w io.Writer, cmd ControlChannelCmd) error {
	return writeFramed(w, encodeU32Tag(uint32(cmd)))
}

// ReadControlChannelCmd reads and decodes a ControlChannelCmd message.
func ReadControlChannelCmd(r io.Reader) (ControlChannelCmd, error) {
	buf, err := readFramed(r)
	if err != nil {
		return 0, err
	}
	tag, err := decodeU32Tag(buf)
	if err != nil {
		return 0, err
	}
	cmd := ControlChannelCmd(tag)
	if cmd != CmdCreateDataChannel && cmd != CmdHeartBeat {
		return 0, fmt.Errorf("%w: unknown ControlChannelCmd tag %d", ErrProtocolError, tag)
	}
	return cmd, nil
}

// WriteDataChannelCmd writes a length-prefixed DataChannelCmd message.
func WriteDataChannelCmd(w io.Writer, cmd DataChannelCmd) error {
	return writeFramed(w, encodeU32Tag(uint32(cmd)))
}

// ReadDataChannelCmd reads and decodes a DataChannelCmd message.
func ReadDataChannelCmd(r io.Reader) (DataChannelCmd, error) {
	buf, err := readFramed(r)
	if err != nil {
		return 0, err
	}
	tag, err := decodeU32Tag(buf)
	if err != nil {
		return 0, err
	}
	cmd := DataChannelCmd(tag)
	if cmd != CmdStartForwardTcp && cmd != CmdStartForwardUdp {
		return 0, fmt.Errorf("%w: unknown DataChannelCmd tag %d", ErrProtocolError, tag)
	}
	return cmd, nil
}
