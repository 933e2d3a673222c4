package docgen

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 24 * time.Hour

type CacheOptions struct {
	// Dir is the cache root. It is owned by the cache; nothing else writes it.
	Dir string
	TTL time.Duration

	// MemoryEntries sizes the in-process LRU tier in front of the disk.
	// Zero disables it.
	MemoryEntries int

	Logger  *zap.Logger
	Metrics *Metrics

	// Now overrides the clock used for CachedAt and TTL checks.
	Now func() time.Time
}

// TemplateCache mirrors templates from an ObjectStore onto local disk.
// Entries are served while younger than the TTL and not older than the
// newest remote version.
type TemplateCache struct {
	store ObjectStore
	disk  *diskCache
	mem   *lru.Cache[string, CacheEntry]
	ttl   time.Duration
	now   func() time.Time

	log     *zap.Logger
	warnLog *rateLimitedLogger
	metrics *Metrics
	stats   *servedStats

	flight singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewTemplateCache(store ObjectStore, opts CacheOptions) (*TemplateCache, error) {
	if store == nil {
		return nil, errors.New("template cache: nil object store")
	}
	if opts.Dir == "" {
		return nil, errors.New("template cache: empty dir")
	}
	disk, err := newDiskCache(opts.Dir)
	if err != nil {
		return nil, err
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &TemplateCache{
		store:   store,
		disk:    disk,
		ttl:     opts.TTL,
		now:     opts.Now,
		log:     opts.Logger,
		warnLog: newRateLimitedLogger(opts.Logger, time.Minute),
		metrics: opts.Metrics,
		stats:   newServedStats(),
		stopCh:  make(chan struct{}),
	}
	if opts.MemoryEntries > 0 {
		c.mem, err = lru.New[string, CacheEntry](opts.MemoryEntries)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Resolve looks up the newest remote version of a template using a listing,
// without reading content.
func (c *TemplateCache) Resolve(ctx context.Context, category, key string) (TemplateDescriptor, error) {
	prefix := TemplatePrefix(category, key)
	infos, err := c.store.List(ctx, prefix)
	if err != nil {
		if StoreClass(err) == StoreNotFound {
			return TemplateDescriptor{}, &NotFoundError{Category: category, Key: key}
		}
		return TemplateDescriptor{}, &FetchError{Op: "list", ObjectKey: prefix, Err: err}
	}

	var best *ObjectInfo
	for i := range infos {
		info := &infos[i]
		if key == "" && strings.Contains(strings.TrimPrefix(info.Key, prefix), "/") {
			// belongs to a subcategory
			continue
		}
		if best == nil || info.LastModified.After(best.LastModified) ||
			(info.LastModified.Equal(best.LastModified) && info.Key > best.Key) {
			best = info
		}
	}
	if best == nil {
		return TemplateDescriptor{}, &NotFoundError{Category: category, Key: key}
	}
	return TemplateDescriptor{
		Category:         category,
		Key:              key,
		ObjectKey:        best.Key,
		OriginalFileName: originalNameOf(*best),
		LastModified:     best.LastModified,
		Size:             best.Size,
	}, nil
}

// GetTemplate returns the template for category/key, fetching it when the
// local copy is absent, expired, corrupt or older than the remote one.
// Content of the returned entry is shared and must not be modified.
func (c *TemplateCache) GetTemplate(ctx context.Context, category, key string) (CacheEntry, error) {
	d, err := c.Resolve(ctx, category, key)
	if err != nil {
		return CacheEntry{}, err
	}
	id := cacheIdentity(category, key, d.ObjectKey)
	if ent, ok := c.lookup(id, d); ok {
		c.metrics.cacheLookup("hit")
		c.stats.observe(len(ent.Content), false)
		return ent, nil
	}

	// Concurrent misses for one identity share the first caller's fetch.
	v, err, _ := c.flight.Do(id, func() (any, error) {
		if ent, ok := c.lookup(id, d); ok {
			return ent, nil
		}
		return c.fetch(ctx, id, d)
	})
	if err != nil {
		return CacheEntry{}, err
	}
	ent := v.(CacheEntry)
	c.stats.observe(len(ent.Content), true)
	return ent, nil
}

func (c *TemplateCache) lookup(id string, d TemplateDescriptor) (CacheEntry, bool) {
	now := c.now()
	if c.mem != nil {
		if ent, ok := c.mem.Get(id); ok {
			if ent.validFor(d, c.ttl, now) {
				return ent, true
			}
			c.mem.Remove(id)
		}
	}

	ent, err := c.disk.load(id)
	if err != nil {
		var corrupt *CacheCorruptionError
		switch {
		case errors.As(err, &corrupt):
			c.metrics.cacheLookup("corrupt")
			c.warnLog.Warn("cache entry unreadable, refetching", zap.String("identity", id), zap.Error(err))
		case errors.Is(err, fs.ErrNotExist):
			c.metrics.cacheLookup("miss")
		}
		return CacheEntry{}, false
	}
	if !ent.validFor(d, c.ttl, now) {
		c.metrics.cacheLookup("stale")
		return CacheEntry{}, false
	}
	if c.mem != nil {
		c.mem.Add(id, ent)
	}
	return ent, true
}

func (c *TemplateCache) fetch(ctx context.Context, id string, d TemplateDescriptor) (CacheEntry, error) {
	rc, info, err := c.store.Get(ctx, d.ObjectKey)
	if err != nil {
		if StoreClass(err) == StoreNotFound {
			return CacheEntry{}, &NotFoundError{Category: d.Category, Key: d.Key}
		}
		return CacheEntry{}, &FetchError{Op: "get", ObjectKey: d.ObjectKey, Err: err}
	}
	defer rc.Close()

	var buf bytes.Buffer
	if info.Size > 0 {
		buf.Grow(int(info.Size))
	}
	if _, err := io.Copy(&buf, rc); err != nil {
		return CacheEntry{}, &FetchError{Op: "read", ObjectKey: d.ObjectKey, Err: err}
	}

	lm := d.LastModified
	if info.LastModified.After(lm) {
		lm = info.LastModified
	}
	ent := CacheEntry{
		Content:            buf.Bytes(),
		FileName:           d.OriginalFileName,
		FileExtension:      fileExtension(d.OriginalFileName),
		ObjectKey:          d.ObjectKey,
		CachedAt:           c.now(),
		SourceLastModified: lm,
	}
	c.metrics.fetched(len(ent.Content))

	if err := c.disk.store(id, ent); err != nil {
		// The caller still gets the template; the next call fetches again.
		c.warnLog.Warn("cache write failed", zap.String("identity", id), zap.Error(err))
	} else {
		c.dropSiblings(d.Category, d.Key, id)
	}
	if c.mem != nil {
		c.mem.Add(id, ent)
	}
	c.log.Debug("template fetched",
		zap.String("category", d.Category),
		zap.String("key", d.Key),
		zap.String("object", d.ObjectKey),
		zap.String("size", formatBytes(uint64(len(ent.Content)))))
	return ent, nil
}

// dropSiblings removes entries for older object keys of the same template.
func (c *TemplateCache) dropSiblings(category, key, keep string) {
	prefix := identityPrefix(category, key)
	ids, err := c.disk.identities(prefix)
	if err != nil {
		return
	}
	for _, id := range ids {
		if id == keep {
			continue
		}
		_ = c.disk.remove(id)
		if c.mem != nil {
			c.mem.Remove(id)
		}
	}
}

// Clear removes every entry of category.
func (c *TemplateCache) Clear(category string) (int, error) {
	return c.clearPrefix(identityPrefix(category))
}

// ClearAll removes every entry.
func (c *TemplateCache) ClearAll() (int, error) {
	return c.clearPrefix("")
}

func (c *TemplateCache) clearPrefix(prefix string) (int, error) {
	if c.mem != nil {
		for _, id := range c.mem.Keys() {
			if strings.HasPrefix(id, prefix) {
				c.mem.Remove(id)
			}
		}
	}
	n, err := c.disk.removePrefix(prefix)
	c.log.Info("cache cleared", zap.String("prefix", prefix), zap.Int("entries", n))
	return n, err
}

// Keys lists the template keys stored remotely for category. The empty key
// stands for templates stored directly under the category.
func (c *TemplateCache) Keys(ctx context.Context, category string) ([]string, error) {
	prefix := TemplatePrefix(category, "")
	infos, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, &FetchError{Op: "list", ObjectKey: prefix, Err: err}
	}
	seen := map[string]bool{}
	var keys []string
	for _, info := range infos {
		rest := strings.TrimPrefix(info.Key, prefix)
		key := ""
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			key = rest[:i]
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Warm makes sure every template of category is cached and returns how many
// templates are ready. Failures for single keys do not stop the others.
func (c *TemplateCache) Warm(ctx context.Context, category string) (int, error) {
	keys, err := c.Keys(ctx, category)
	if err != nil {
		return 0, err
	}
	var errs []error
	ready := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := c.GetTemplate(ctx, category, key); err != nil {
			errs = append(errs, err)
			continue
		}
		ready++
	}
	return ready, errors.Join(errs...)
}

// StartWarmup warms categories every interval until Close. With no
// categories it warms whatever the store holds.
func (c *TemplateCache) StartWarmup(every time.Duration, categories []string) {
	if every <= 0 {
		return
	}
	c.log.Info("warmup scheduled", zap.Duration("every", every), zap.Strings("categories", categories))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-t.C:
				c.warmOnce(categories)
			}
		}
	}()
}

func (c *TemplateCache) warmOnce(categories []string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	targets := c.warmTargets(ctx, categories)
	cancel()
	for _, cat := range targets {
		select {
		case <-c.stopCh:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		n, err := c.Warm(ctx, cat)
		cancel()
		if err != nil {
			c.warnLog.Warn("warmup failed", zap.String("category", cat), zap.Error(err))
		}
		c.log.Debug("warmup done", zap.String("category", cat), zap.Int("ready", n))
	}
}

// Entries reports the number of entries on disk and their total size.
func (c *TemplateCache) Entries() (int, int64) {
	ids, _ := c.disk.identities("")
	return len(ids), c.disk.totalSize()
}

func (c *TemplateCache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
