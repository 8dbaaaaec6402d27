package sshadapter

import (
	"net"

	"github.com/relaymesh/tunnelclient/internal/transport"
)

// streamAddr is a placeholder net.Addr; the underlying transport.Stream has
// no notion of host/port, only the relay's multiplexed byte stream.
type streamAddr struct{ label string }

func (a streamAddr) Network() string { return "tunnel" }
func (a streamAddr) String() string  { return a.label }

// streamConn adapts a transport.Stream to net.Conn so it can be handed to
// golang.org/x/crypto/ssh, which only speaks net.Conn.
type streamConn struct {
	transport.Stream
}

func newStreamConn(s transport.Stream) net.Conn {
	return streamConn{s}
}

func (streamConn) LocalAddr() net.Addr  { return streamAddr{"tunnel-local"} }
func (streamConn) RemoteAddr() net.Addr { return streamAddr{"tunnel-remote"} }

var _ net.Conn = streamConn{}
