package socks5

import (
	"context"
	"fmt"
	"net"

	"github.com/relaymesh/tunnelclient/internal/transport"
)

// handleAssociate implements the SOCKS5 client-facing half of UDP ASSOCIATE
// in virtual mode: there is no real local UDP socket, so the engine replies
// with the RFC 1928 placeholder bind address and then simply holds the
// stream open. Per RFC 1928 the association's lifetime is bound to this TCP
// stream; the actual datagram traffic arrives on a separate tunnel stream
// handled by HandleUDPStream.
func (h *Handler) handleAssociate(ctx context.Context, stream transport.Stream) error {
	if err := writeReply(stream, ReplySucceeded, net.IPv4zero, 0); err != nil {
		return fmt.Errorf("socks5: write associate reply: %w", err)
	}

	// Shutdown must interrupt the blocking read below, otherwise the task
	// lingers until the relay closes the stream.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()

	buf := make([]byte, 1)
	for {
		if _, err := stream.Read(buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
	}
}
