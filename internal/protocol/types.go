// Package protocol implements the relay wire protocol: length-prefixed
// framing for the handshake and command messages exchanged on control and
// data channels.
package protocol

import "github.com/relaymesh/tunnelclient/internal/digest"

// ProtocolVersion is the fixed Digest constant shared with the relay,
// carried in every Hello message.
var ProtocolVersion = digest.SumString("relaymesh-tunnel-v1")

// LengthPrefixSize is the size in bytes of the big-endian length prefix
// that precedes every message on the wire.
const LengthPrefixSize = 2

// MaxMessageSize is the largest payload a length prefix can address.
const MaxMessageSize = 1<<16 - 1

// HelloKind distinguishes a control-channel greeting from a data-channel one.
type HelloKind uint32

const (
	HelloControlChannel HelloKind = iota
	HelloDataChannel
)

// String returns a human-readable name for the hello kind.
func (k HelloKind) String() string {
	switch k {
	case HelloControlChannel:
		return "ControlChannelHello"
	case HelloDataChannel:
		return "DataChannelHello"
	default:
		return "Unknown"
	}
}

// AckStatus is the relay's reply to an Auth message.
type AckStatus uint32

const (
	AckOk AckStatus = iota
	AckServiceNotExist
	AckAuthFailed
)

// String returns a human-readable name for the ack status.
func (a AckStatus) String() string {
	switch a {
	case AckOk:
		return "Ok"
	case AckServiceNotExist:
		return "ServiceNotExist"
	case AckAuthFailed:
		return "AuthFailed"
	default:
		return "Unknown"
	}
}

// ControlChannelCmd is a command the relay sends down a running control channel.
type ControlChannelCmd uint32

const (
	CmdCreateDataChannel ControlChannelCmd = iota
	CmdHeartBeat
)

// String returns a human-readable name for the control-channel command.
func (c ControlChannelCmd) String() string {
	switch c {
	case CmdCreateDataChannel:
		return "CreateDataChannel"
	case CmdHeartBeat:
		return "HeartBeat"
	default:
		return "Unknown"
	}
}

// DataChannelCmd tells a freshly opened data channel which protocol it will carry.
type DataChannelCmd uint32

const (
	CmdStartForwardTcp DataChannelCmd = iota
	CmdStartForwardUdp
)

// String returns a human-readable name for the data-channel command.
func (c DataChannelCmd) String() string {
	switch c {
	case CmdStartForwardTcp:
		return "StartForwardTcp"
	case CmdStartForwardUdp:
		return "StartForwardUdp"
	default:
		return "Unknown"
	}
}
