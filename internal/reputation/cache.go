package reputation

import (
	"context"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmsg-chat/dmsg/internal/metrics"
)

// DefaultCacheSize bounds the LRU; the cache is not a system of record.
const DefaultCacheSize = 1024

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

type entry struct {
	profile *Profile
	stale   bool
}

// flight is an in-progress fetch for one address, joined by every caller
// that needs that address while it is outstanding.
type flight struct {
	done    chan struct{}
	profile *Profile
	err     error
}

// Cache deduplicates and caches reputation lookups. Entries are valid for
// the life of the process unless invalidated; Invalidate marks an entry
// stale rather than dropping it, so the stale value can be served while the
// refetch is in flight.
type Cache struct {
	fetcher BatchFetcher
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	entries  *lru.Cache[string, entry]
	inflight map[string]*flight
}

// NewCache creates a cache over the given fetcher. limiter may be nil to
// disable rate limiting.
func NewCache(fetcher BatchFetcher, size int, limiter *rate.Limiter, m *metrics.Metrics, logger *zap.Logger) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{
		fetcher:  fetcher,
		limiter:  limiter,
		metrics:  m,
		logger:   logger,
		entries:  entries,
		inflight: make(map[string]*flight),
	}, nil
}

// GetOne returns the profile for one address, or nil when unknown. A stale
// entry is served immediately while a refetch proceeds in the background.
func (c *Cache) GetOne(ctx context.Context, address string) (*Profile, error) {
	addr := normalize(address)
	if addr == "" {
		return nil, nil
	}

	c.mu.Lock()
	if e, ok := c.entries.Get(addr); ok {
		c.metrics.ReputationHits.Inc()
		if e.stale {
			c.refetchLocked(addr)
		}
		c.mu.Unlock()
		return e.profile, nil
	}
	c.mu.Unlock()

	result, err := c.GetBatch(ctx, []string{addr})
	if err != nil {
		return nil, err
	}
	return result[addr], nil
}

// GetBatch returns profiles for a set of addresses, issuing at most one
// remote request for the subset not already cached or in flight. Addresses
// that fail to resolve are absent from the result.
func (c *Cache) GetBatch(ctx context.Context, addresses []string) (map[string]*Profile, error) {
	result := make(map[string]*Profile)
	joined := make(map[string]*flight)
	var toFetch []string
	owned := make(map[string]*flight)

	c.mu.Lock()
	seen := make(map[string]struct{}, len(addresses))
	for _, raw := range addresses {
		addr := normalize(raw)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}

		if e, ok := c.entries.Get(addr); ok {
			if !e.stale {
				c.metrics.ReputationHits.Inc()
				result[addr] = e.profile
				continue
			}
			// Serve the stale value while revalidating below.
			result[addr] = e.profile
		}
		c.metrics.ReputationMisses.Inc()

		if fl, ok := c.inflight[addr]; ok {
			joined[addr] = fl
			continue
		}
		fl := &flight{done: make(chan struct{})}
		c.inflight[addr] = fl
		owned[addr] = fl
		toFetch = append(toFetch, addr)
	}
	c.mu.Unlock()

	if len(toFetch) > 0 {
		sort.Strings(toFetch)
		if err := c.fetch(ctx, toFetch, owned); err != nil {
			// A failed batch poisons nothing: cached/stale values already in
			// result stand, fetched addresses are simply absent.
			c.logger.Warn("reputation batch fetch failed", zap.Int("addresses", len(toFetch)), zap.Error(err))
		}
		for addr, fl := range owned {
			if fl.profile != nil {
				result[addr] = fl.profile
			}
		}
	}

	for addr, fl := range joined {
		select {
		case <-fl.done:
			if fl.profile != nil {
				result[addr] = fl.profile
			}
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	return result, nil
}

// Invalidate marks an address stale, forcing a refetch on next use while
// keeping the current value servable.
func (c *Cache) Invalidate(address string) {
	addr := normalize(address)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Peek(addr); ok {
		e.stale = true
		c.entries.Add(addr, e)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// fetch performs one batched remote request and settles the owned flights.
func (c *Cache) fetch(ctx context.Context, addrs []string, owned map[string]*flight) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.settle(addrs, owned, nil, err)
			return err
		}
	}

	c.metrics.ReputationFetches.Inc()
	profiles, err := c.fetcher.FetchBatch(ctx, addrs)
	c.settle(addrs, owned, profiles, err)
	return err
}

// settle stores fetched profiles, resolves flights, and wakes joiners.
func (c *Cache) settle(addrs []string, owned map[string]*flight, profiles map[string]*Profile, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range addrs {
		fl := owned[addr]
		if err == nil {
			if p, ok := profiles[addr]; ok {
				c.entries.Add(addr, entry{profile: p})
				fl.profile = p
			}
		} else {
			fl.err = err
		}
		delete(c.inflight, addr)
		close(fl.done)
	}
}

// refetchLocked starts a background revalidation for a stale address.
// Caller holds c.mu.
func (c *Cache) refetchLocked(addr string) {
	if _, ok := c.inflight[addr]; ok {
		return
	}
	fl := &flight{done: make(chan struct{})}
	c.inflight[addr] = fl
	go func() {
		_ = c.fetch(context.Background(), []string{addr}, map[string]*flight{addr: fl})
	}()
}
