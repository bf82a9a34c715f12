// Package avatar resolves and caches profile picture URLs. Lookups are
// served from a TTL cache; misses fan out to the provider under a
// shared rate limit so a large roster does not hammer the upstream.
package avatar

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gestorlite/zapbridge/internal/convo"
	"github.com/gestorlite/zapbridge/internal/metrics"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Provider fetches the current avatar URL for a peer. An empty URL with
// a nil error means the peer has no avatar set.
type Provider interface {
	AvatarURL(ctx context.Context, peerID string) (string, error)
}

// entry is the cached resolution. none marks a peer known to have no
// avatar, so absence is cached as firmly as presence.
type entry struct {
	url  string
	none bool
}

// Cache is the avatar resolution layer. Resolved URLs are also written
// through to the conversation store so list endpoints carry them.
type Cache struct {
	provider Provider
	convos   *convo.Store
	metrics  *metrics.Set
	logger   *zap.Logger

	cache   *ttlcache.Cache[string, entry]
	limiter *rate.Limiter
	limit   int

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// Options tunes the cache. Zero values fall back to defaults.
type Options struct {
	TTL         time.Duration // entry lifetime, default 24h
	FetchLimit  int           // concurrent provider fetches, default 5
	FetchPerSec float64       // provider fetch rate, default 10/s
}

// New creates an avatar cache over the given provider.
func New(provider Provider, convos *convo.Store, m *metrics.Set, opts Options, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 5
	}
	if opts.FetchPerSec <= 0 {
		opts.FetchPerSec = 10
	}
	return &Cache{
		provider: provider,
		convos:   convos,
		metrics:  m,
		logger:   logger,
		cache: ttlcache.New[string, entry](
			ttlcache.WithTTL[string, entry](opts.TTL),
			ttlcache.WithDisableTouchOnHit[string, entry](),
		),
		limiter:  rate.NewLimiter(rate.Limit(opts.FetchPerSec), opts.FetchLimit),
		limit:    opts.FetchLimit,
		inflight: make(map[string]chan struct{}),
	}
}

// Start launches the expiry sweeper.
func (c *Cache) Start() {
	go c.cache.Start()
}

// Stop stops the expiry sweeper.
func (c *Cache) Stop() {
	c.cache.Stop()
}

// normalize strips the device suffix so all sessions of one peer share
// a cache slot.
func normalize(peerID string) string {
	if i := strings.IndexByte(peerID, ':'); i >= 0 {
		if j := strings.IndexByte(peerID, '@'); j > i {
			return peerID[:i] + peerID[j:]
		}
	}
	return peerID
}

// Get returns the avatar URL for a peer, fetching on a cache miss.
// A cached "no avatar" answer returns ("", nil) without contacting the
// provider again until the entry expires. Provider failures are also
// answered with ("", nil); the lookup is best effort.
func (c *Cache) Get(ctx context.Context, peerID string) (string, error) {
	key := normalize(peerID)
	if item := c.cache.Get(key); item != nil {
		c.metrics.AvatarCacheHits.Inc()
		e := item.Value()
		if e.none {
			return "", nil
		}
		return e.url, nil
	}
	return c.fetch(ctx, key, peerID)
}

// fetch resolves one peer through the provider, deduplicating
// concurrent misses for the same key.
func (c *Cache) fetch(ctx context.Context, key, peerID string) (string, error) {
	c.mu.Lock()
	if ch, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if item := c.cache.Get(key); item != nil {
			if e := item.Value(); !e.none {
				return e.url, nil
			}
		}
		return "", nil
	}
	ch := make(chan struct{})
	c.inflight[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(ch)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	c.metrics.AvatarFetches.Inc()
	url, err := c.provider.AvatarURL(ctx, peerID)
	if err != nil {
		// A failed lookup is remembered as "no avatar" for the full
		// TTL so a flapping provider is not hammered. A picture change
		// event clears it through Invalidate.
		c.logger.Warn("avatar fetch failed", zap.String("peer", peerID), zap.Error(err))
		c.cache.Set(key, entry{none: true}, ttlcache.DefaultTTL)
		return "", nil
	}

	c.cache.Set(key, entry{url: url, none: url == ""}, ttlcache.DefaultTTL)
	if url != "" && c.convos != nil {
		c.convos.SetAvatarURL(peerID, url)
	}
	return url, nil
}

// GetMany resolves a batch of peers concurrently, bounded by the fetch
// limit. Individual failures are logged and omitted from the result so
// one bad peer does not fail the batch.
func (c *Cache) GetMany(ctx context.Context, peerIDs []string) map[string]string {
	var mu sync.Mutex
	out := make(map[string]string, len(peerIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for _, peer := range peerIDs {
		g.Go(func() error {
			url, err := c.Get(ctx, peer)
			if err != nil || url == "" {
				return nil
			}
			mu.Lock()
			out[peer] = url
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Warm fetches a peer's avatar in the background, for ingestion-driven
// prefetching.
func (c *Cache) Warm(peerID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = c.Get(ctx, peerID)
	}()
}

// Invalidate drops a peer's cached entry, forcing the next lookup to
// refetch. Used when a profile picture change event arrives.
func (c *Cache) Invalidate(peerID string) {
	c.cache.Delete(normalize(peerID))
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.cache.Len()
}
