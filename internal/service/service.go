// Package service defines the per-service configuration and the polymorphic
// handler contract that routes an accepted data stream to its protocol engine.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaymesh/tunnelclient/internal/digest"
	"github.com/relaymesh/tunnelclient/internal/transport"
)

// Type identifies which protocol engine a service is bound to.
type Type string

const (
	TypeSOCKS5 Type = "socks5"
	TypeSSH    Type = "ssh"
)

// ErrUnsupportedOnThisService is returned when a handler is asked to serve a
// stream kind it does not support (e.g. UDP on the SSH adapter).
var ErrUnsupportedOnThisService = errors.New("service: unsupported on this service")

// Descriptor is the immutable, per-service configuration built at startup
// from the configuration file and never mutated afterward.
type Descriptor struct {
	Name    string
	Token   string
	Type    Type
	Handler Handler
}

// NameDigest returns the SHA-256 hash of the service name, used in the
// ControlChannelHello greeting.
func (d Descriptor) NameDigest() digest.Digest {
	return digest.SumString(d.Name)
}

// Handler is the polymorphic capability each service implements. Adding a
// third service type requires only a new Handler implementation; the
// data-channel task needs no changes.
type Handler interface {
	// HandleTCPStream takes ownership of stream and serves it until it closes.
	HandleTCPStream(ctx context.Context, stream transport.Stream) error

	// HandleUDPStream takes ownership of stream and serves it until it closes.
	// Implementations that do not support UDP forwarding must return
	// ErrUnsupportedOnThisService.
	HandleUDPStream(ctx context.Context, stream transport.Stream) error
}

// Validate checks that a descriptor is well formed.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("service: name is required")
	}
	if d.Token == "" {
		return fmt.Errorf("service: token is required for %q", d.Name)
	}
	if d.Type != TypeSOCKS5 && d.Type != TypeSSH {
		return fmt.Errorf("service: unknown service_type %q for %q", d.Type, d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("service: handler is required for %q", d.Name)
	}
	return nil
}
