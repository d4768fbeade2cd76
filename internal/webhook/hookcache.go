package webhook

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

// RangeSource yields the CIDR blocks webhook deliveries may originate
// from, as advertised by the publisher.
type RangeSource interface {
	HookRanges(ctx context.Context) ([]string, error)
}

// RangeCache caches the publisher's advertised hook CIDR ranges with a
// TTL. The clock is injected so expiry is testable without sleeping.
type RangeCache struct {
	source RangeSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	ranges  []netip.Prefix
	fetched time.Time
}

// NewRangeCache creates a cache over source. A nil now falls back to
// time.Now.
func NewRangeCache(source RangeSource, ttl time.Duration, now func() time.Time) *RangeCache {
	if now == nil {
		now = time.Now
	}
	return &RangeCache{source: source, ttl: ttl, now: now}
}

// Contains reports whether addr falls inside one of the cached ranges,
// refreshing the cache when it is stale. A refresh failure with a warm
// cache falls back to the stale data.
func (c *RangeCache) Contains(ctx context.Context, addr string) (bool, error) {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false, fmt.Errorf("parsing remote address %q: %w", addr, err)
	}

	prefixes, err := c.current(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range prefixes {
		if p.Contains(ip.Unmap()) {
			return true, nil
		}
	}
	return false, nil
}

func (c *RangeCache) current(ctx context.Context) ([]netip.Prefix, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ranges != nil && c.now().Sub(c.fetched) < c.ttl {
		return c.ranges, nil
	}

	raw, err := c.source.HookRanges(ctx)
	if err != nil {
		if c.ranges != nil {
			return c.ranges, nil
		}
		return nil, fmt.Errorf("fetching hook ranges: %w", err)
	}

	prefixes := make([]netip.Prefix, 0, len(raw))
	for _, r := range raw {
		p, err := netip.ParsePrefix(r)
		if err != nil {
			continue
		}
		prefixes = append(prefixes, p)
	}
	c.ranges = prefixes
	c.fetched = c.now()
	return c.ranges, nil
}
