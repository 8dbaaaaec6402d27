package addrcache

import (
	"context"
	"testing"
	"time"
)

func TestResolveCachesResult(t *testing.T) {
	c := New(time.Second)
	ctx := context.Background()

	addr1, err := c.Resolve(ctx, "localhost:9000")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	addr2, err := c.Resolve(ctx, "localhost:9000")
	if err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if addr1.String() != addr2.String() {
		t.Fatalf("cached resolve returned different address: %v vs %v", addr1, addr2)
	}
}

func TestInvalidateForcesFreshLookup(t *testing.T) {
	c := New(time.Second)
	ctx := context.Background()

	if _, err := c.Resolve(ctx, "localhost:9001"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	c.Invalidate("localhost:9001")

	c.mu.RLock()
	_, ok := c.entries["localhost:9001"]
	c.mu.RUnlock()
	if ok {
		t.Fatalf("expected entry to be invalidated")
	}
}

func TestResolveFailsOnBadPort(t *testing.T) {
	c := New(time.Second)
	if _, err := c.ResolveFresh(context.Background(), "localhost:notaport"); err == nil {
		t.Fatalf("expected error for malformed port")
	}
}

func TestResolveFailsOnUnresolvableHost(t *testing.T) {
	c := New(100 * time.Millisecond)
	_, err := c.ResolveFresh(context.Background(), "this-host-does-not-exist.invalid:80")
	if err == nil {
		t.Fatalf("expected resolution failure")
	}
}
