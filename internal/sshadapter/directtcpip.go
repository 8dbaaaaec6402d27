package sshadapter

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/relaymesh/tunnelclient/internal/logging"
)

// directTCPIPRequest is the "direct-tcpip" channel open payload (RFC 4254 §7.2).
type directTCPIPRequest struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

// handleDirectTCPIP dials the requested target and relays bytes between the
// channel and the target until either side closes. Callers have already
// checked the tcp_forwarding policy toggle.
func (h *Handler) handleDirectTCPIP(ctx context.Context, newChannel ssh.NewChannel) {
	var req directTCPIPRequest
	if err := ssh.Unmarshal(newChannel.ExtraData(), &req); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}

	addr := net.JoinHostPort(req.DestAddr, fmt.Sprint(req.DestPort))
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var d net.Dialer
	target, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s failed", addr))
		return
	}

	channel, requests, err := newChannel.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	h.log.Debug("direct-tcpip open",
		logging.KeyComponent, "sshadapter",
		logging.KeyRemoteAddr, addr)

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(target, channel)
		if tc, ok := target.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(channel, target)
		channel.CloseWrite()
		done <- struct{}{}
	}()

	<-done
	<-done
	channel.Close()
	target.Close()
}
