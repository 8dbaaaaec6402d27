package service

import (
	"context"
	"testing"

	"github.com/relaymesh/tunnelclient/internal/digest"
	"github.com/relaymesh/tunnelclient/internal/transport"
)

type nopHandler struct{}

func (nopHandler) HandleTCPStream(ctx context.Context, s transport.Stream) error { return nil }
func (nopHandler) HandleUDPStream(ctx context.Context, s transport.Stream) error { return nil }

func TestDescriptorValidate(t *testing.T) {
	valid := Descriptor{Name: "proxy", Token: "t", Type: TypeSOCKS5, Handler: nopHandler{}}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}

	cases := []Descriptor{
		{Token: "t", Type: TypeSOCKS5, Handler: nopHandler{}},            // no name
		{Name: "p", Type: TypeSOCKS5, Handler: nopHandler{}},             // no token
		{Name: "p", Token: "t", Type: Type("http"), Handler: nopHandler{}}, // bad type
		{Name: "p", Token: "t", Type: TypeSSH},                           // no handler
	}
	for i, d := range cases {
		if err := d.Validate(); err == nil {
			t.Errorf("case %d: Validate accepted %+v", i, d)
		}
	}
}

func TestNameDigestIsStable(t *testing.T) {
	d := Descriptor{Name: "proxy"}
	if d.NameDigest() != digest.SumString("proxy") {
		t.Error("NameDigest differs from SHA-256 of the name")
	}
	if d.NameDigest() == (Descriptor{Name: "other"}).NameDigest() {
		t.Error("different names share a digest")
	}
}
