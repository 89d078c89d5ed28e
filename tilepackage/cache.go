package tilepackage

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"
)

type entryKind uint8

const (
	kindHeader entryKind = iota
	kindTileIndex
	kindResource
	kindTile
)

func (k entryKind) String() string {
	switch k {
	case kindHeader:
		return "header"
	case kindTileIndex:
		return "index"
	case kindTile:
		return "tile"
	default:
		return "resource"
	}
}

type cacheKey struct {
	archive string
	etag    string // empty for the header slot
	path    string
	kind    entryKind
}

// cachedValue is the product of one fetch. badEtag marks values whose fetch
// observed a changed archive; callers translate that into a purge + retry.
type cachedValue struct {
	header       *Header
	directory    *BundleDirectory
	bytes        []byte
	cacheControl string
	expires      string
	etag         string
	ok           bool
	badEtag      bool
	err          error
}

// fetchFunc produces a value and its approximate size in bytes. It runs on
// its own goroutine, outside the cache's critical section, under a
// background context: a cancelled caller abandons its wait but the shared
// fetch completes and is cached, so later callers are never poisoned.
type fetchFunc func(ctx context.Context) (cachedValue, int)

type request struct {
	key       cacheKey
	value     chan cachedValue
	purgeEtag string
	fetch     fetchFunc
}

type response struct {
	key   cacheKey
	value cachedValue
	size  int
	ok    bool
}

type tileKey struct {
	archive string
	z       uint8
	x, y    uint32
}

// Cache coalesces concurrent loads of headers, bundle directories and
// resources: a slot holds the in-flight work, not only its product, so
// waiters attach instead of re-issuing reads. Entries are pruned one
// least-recently-used slot per insertion once maxEntries is reached.
//
// Subdivided tiles live in a parallel store without per-entry usage
// tracking; it is halved in iteration order when it outgrows 2*maxEntries.
type Cache struct {
	reqs       chan request
	maxEntries int
	logger     *log.Logger
	metrics    *metrics

	mu         sync.Mutex
	subdivided map[tileKey][]byte
	group      singleflight.Group
}

// NewCache creates a cache capped at maxEntries slots (default 100).
func NewCache(maxEntries int, logger *log.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{
		reqs:       make(chan request, 8),
		maxEntries: maxEntries,
		logger:     logger,
		subdivided: make(map[tileKey][]byte),
	}
}

// Start launches the cache's run loop.
func (c *Cache) Start() {
	go c.run()
}

func (c *Cache) run() {
	cache := make(map[cacheKey]*list.Element)
	inflight := make(map[cacheKey][]request)
	resps := make(chan response, 8)
	evictList := list.New()
	ctx := context.Background()

	for {
		select {
		case req := <-c.reqs:
			if len(req.purgeEtag) > 0 {
				if _, dup := inflight[req.key]; !dup {
					c.metrics.reloadArchive(req.key.archive)
					c.logger.Printf("re-reading directories for changed archive %s", req.key.archive)
				}
				for k, v := range cache {
					resp := v.Value.(*response)
					if k.archive == req.key.archive && (k.etag == req.purgeEtag || resp.value.etag == req.purgeEtag) {
						evictList.Remove(v)
						delete(cache, k)
					}
				}
				c.metrics.updateCacheStats(len(cache))
			}
			key := req.key
			if val, ok := cache[key]; ok {
				evictList.MoveToFront(val)
				req.value <- val.Value.(*response).value
				c.metrics.cacheRequest(key.archive, key.kind.String(), "hit")
			} else if _, ok := inflight[key]; ok {
				inflight[key] = append(inflight[key], req)
				// an attached waiter costs no new read, so count it as a hit
				c.metrics.cacheRequest(key.archive, key.kind.String(), "hit")
			} else {
				inflight[key] = []request{req}
				c.metrics.cacheRequest(key.archive, key.kind.String(), "miss")
				fetch := req.fetch
				go func() {
					value, size := fetch(ctx)
					resps <- response{key: key, value: value, size: size, ok: value.ok}
				}()
			}
		case resp := <-resps:
			key := resp.key
			for _, v := range inflight[key] {
				v.value <- resp.value
			}
			delete(inflight, key)

			if resp.ok {
				if len(cache) >= c.maxEntries {
					if back := evictList.Back(); back != nil {
						evictList.Remove(back)
						delete(cache, back.Value.(*response).key)
					}
				}
				ent := &resp
				cache[key] = evictList.PushFront(ent)
				c.metrics.updateCacheStats(len(cache))
			}
		}
	}
}

// get resolves key through the cache, waiting on an in-flight fetch when one
// exists. purgeEtag, when set, first evicts every entry of the archive still
// carrying that stale etag; concurrent purges for one archive coalesce onto
// the single refetch.
func (c *Cache) get(ctx context.Context, key cacheKey, purgeEtag string, fetch fetchFunc) (cachedValue, error) {
	req := request{key: key, value: make(chan cachedValue, 1), purgeEtag: purgeEtag, fetch: fetch}
	select {
	case c.reqs <- req:
	case <-ctx.Done():
		return cachedValue{}, ctx.Err()
	}
	select {
	case value := <-req.value:
		return value, nil
	case <-ctx.Done():
		return cachedValue{}, ctx.Err()
	}
}

// getSubdivided returns a previously synthesized tile.
func (c *Cache) getSubdivided(key tileKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.subdivided[key]
	return data, ok
}

// subdivide runs compute for key at most once across concurrent callers and
// caches the produced bytes.
func (c *Cache) subdivide(key tileKey, compute func() ([]byte, error)) ([]byte, error) {
	flightKey := fmt.Sprintf("%s/%d/%d/%d", key.archive, key.z, key.x, key.y)
	data, err, _ := c.group.Do(flightKey, func() (interface{}, error) {
		if cached, ok := c.getSubdivided(key); ok {
			return cached, nil
		}
		produced, err := compute()
		if err != nil {
			return nil, err
		}
		c.putSubdivided(key, produced)
		return produced, nil
	})
	if err != nil {
		return nil, err
	}
	return data.([]byte), nil
}

func (c *Cache) putSubdivided(key tileKey, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subdivided) >= 2*c.maxEntries {
		drop := len(c.subdivided) / 2
		for k := range c.subdivided {
			if drop == 0 {
				break
			}
			delete(c.subdivided, k)
			drop--
		}
	}
	c.subdivided[key] = data
}
