// Package certcache guards the leaf certificate issuer with a two-stage
// admission pipeline: a probabilistic gate decides whether a hostname is worth
// caching at all, and a key-value store retains certificates for hostnames
// that have passed the gate. Concurrent requests for the same absent key
// collapse into a single issuance.
package certcache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/jnovack/tls-proxy/pkg/ca"
)

// Issuer mints a leaf certificate for a hostname. *ca.Issuer satisfies this.
type Issuer interface {
	Issue(host string) (*ca.Leaf, error)
}

// Cache is the admission pipeline in front of an Issuer.
type Cache struct {
	admitter Admitter
	store    Store
	issuer   Issuer
	ttl      time.Duration
	group    singleflight.Group
}

// New assembles a Cache. ttl bounds how long an issued leaf is retained; the
// effective expiry of an entry is min(ttl, leaf NotAfter).
func New(admitter Admitter, store Store, issuer Issuer, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{admitter: admitter, store: store, issuer: issuer, ttl: ttl}
}

// GetOrIssue returns a certificate for host.
//
// A hostname not yet known to the gate is recorded and served a one-off
// certificate without caching it, so single-use hosts never pollute the
// store. Once the gate knows the hostname, cache hits are served directly and
// misses issue under single-flight: concurrent callers for the same absent
// key share one signing operation. Two callers racing on an unseen hostname
// may both issue; that costs one duplicate non-cached signing and is
// tolerated.
func (c *Cache) GetOrIssue(ctx context.Context, host string) (*ca.Leaf, error) {
	if !c.admitter.Seen(host) {
		c.admitter.Record(host)
		log.Ctx(ctx).Debug().Str("host", host).Msg("first sight, issuing without caching")
		return c.issuer.Issue(host)
	}

	if leaf := c.store.Get(host); leaf != nil {
		log.Ctx(ctx).Trace().Str("host", host).Msg("certificate cache hit")
		return leaf, nil
	}

	v, err, shared := c.group.Do(host, func() (interface{}, error) {
		// Re-check under single-flight: a racing caller may have stored it
		// between our miss and acquiring the flight.
		if leaf := c.store.Get(host); leaf != nil {
			return leaf, nil
		}
		leaf, err := c.issuer.Issue(host)
		if err != nil {
			return nil, err
		}
		expiresAt := leaf.IssuedAt.Add(c.ttl)
		if leaf.NotAfter.Before(expiresAt) {
			expiresAt = leaf.NotAfter
		}
		c.store.Put(host, leaf, expiresAt)
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).Debug().Str("host", host).Bool("shared", shared).Msg("certificate issued and cached")
	return v.(*ca.Leaf), nil
}

// Evict drops host from the store. The gate is not reset; the next request
// re-issues and re-caches.
func (c *Cache) Evict(host string) {
	c.store.Evict(host)
}
