package gateway

import (
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// fetchResult is one buffered upstream response, ready to serve to any
// number of requesters.
type fetchResult struct {
	status int
	header http.Header
	body   []byte
}

// pageCache keeps served pages for a short TTL and collapses concurrent
// fetches of the same key into one upstream request.
type pageCache struct {
	entries *cache.Cache
	group   singleflight.Group
}

func newPageCache(ttl time.Duration) *pageCache {
	return &pageCache{entries: cache.New(ttl, ttl)}
}

// fetch returns the cached result for key, or runs fill to produce it.
// Concurrent callers for the same key share a single fill; the outcome is
// stored only when fill says so.
//
// Parameters:
//   - key: The cache key
//   - fill: Produces the result on a miss and reports whether to store it
//
// Returns:
//   - The result, or the error fill returned
func (c *pageCache) fetch(key string, fill func() (*fetchResult, bool, error)) (*fetchResult, error) {
	if res, ok := c.lookup(key); ok {
		return res, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Double-check, an earlier flight may have filled the entry.
		if res, ok := c.lookup(key); ok {
			return res, nil
		}

		res, store, err := fill()
		if err != nil {
			return nil, err
		}
		if store {
			c.entries.Set(key, res, cache.DefaultExpiration)
		}

		return res, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*fetchResult), nil
}

func (c *pageCache) lookup(key string) (*fetchResult, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}

	return v.(*fetchResult), true
}
