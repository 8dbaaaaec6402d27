// Package addrcache caches host:port text to a resolved socket address,
// with explicit re-resolution. It backs the plain transport's relay dial
// and the SOCKS5 engine's client-side domain resolution.
package addrcache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrResolutionFailed is returned when DNS resolution produces no endpoint.
var ErrResolutionFailed = errors.New("addrcache: resolution failed")

type entry struct {
	addr *net.TCPAddr
}

// Cache maps host:port text to its first resolved endpoint.
type Cache struct {
	resolver *net.Resolver
	timeout  time.Duration

	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an address cache using the system resolver.
func New(timeout time.Duration) *Cache {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Cache{
		resolver: net.DefaultResolver,
		timeout:  timeout,
		entries:  make(map[string]entry),
	}
}

// Resolve returns the cached address for hostPort if present, otherwise it
// performs a DNS lookup, caches the first resolved endpoint, and returns it.
func (c *Cache) Resolve(ctx context.Context, hostPort string) (*net.TCPAddr, error) {
	c.mu.RLock()
	if e, ok := c.entries[hostPort]; ok {
		c.mu.RUnlock()
		return e.addr, nil
	}
	c.mu.RUnlock()

	return c.ResolveFresh(ctx, hostPort)
}

// ResolveFresh forces a new lookup, updating the cache on success.
func (c *Cache) ResolveFresh(ctx context.Context, hostPort string) (*net.TCPAddr, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("addrcache: split %q: %w", hostPort, err)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ips, err := c.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolutionFailed, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s: no addresses returned", ErrResolutionFailed, host)
	}

	var portNum int
	if _, err := fmt.Sscanf(port, "%d", &portNum); err != nil {
		return nil, fmt.Errorf("addrcache: bad port %q: %w", port, err)
	}

	addr := &net.TCPAddr{IP: ips[0].IP, Port: portNum, Zone: ips[0].Zone}

	c.mu.Lock()
	c.entries[hostPort] = entry{addr: addr}
	c.mu.Unlock()

	return addr, nil
}

// Invalidate drops any cached entry for hostPort.
func (c *Cache) Invalidate(hostPort string) {
	c.mu.Lock()
	delete(c.entries, hostPort)
	c.mu.Unlock()
}
