package docgen

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cacheFixture struct {
	store *LevelStore
	count *countingStore
	clock *fakeClock
	dir   string
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()
	clock := newFakeClock()
	store := newMemStore(t)
	store.SetClock(clock.Now)
	return &cacheFixture{
		store: store,
		count: &countingStore{ObjectStore: store},
		clock: clock,
		dir:   t.TempDir(),
	}
}

func (fx *cacheFixture) cache(t *testing.T, opts CacheOptions) *TemplateCache {
	t.Helper()
	opts.Dir = fx.dir
	if opts.Now == nil {
		opts.Now = fx.clock.Now
	}
	c, err := NewTemplateCache(fx.count, opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func (fx *cacheFixture) put(t *testing.T, category, key, name, content string) ObjectInfo {
	t.Helper()
	return putTemplate(t, fx.store, fx.clock, category, key, name, []byte(content))
}

func TestGetTemplateFetchesOnce(t *testing.T) {
	fx := newCacheFixture(t)
	info := fx.put(t, "shoes", "de", "Schuhe DE.xlsx", "template-v1")
	c := fx.cache(t, CacheOptions{})
	ctx := context.Background()

	ent, err := c.GetTemplate(ctx, "shoes", "de")
	require.NoError(t, err)
	assert.Equal(t, "template-v1", string(ent.Content))
	assert.Equal(t, "Schuhe DE.xlsx", ent.FileName)
	assert.Equal(t, ".xlsx", ent.FileExtension)
	assert.Equal(t, info.Key, ent.ObjectKey)
	assert.EqualValues(t, 1, fx.count.gets.Load())

	again, err := c.GetTemplate(ctx, "shoes", "de")
	require.NoError(t, err)
	assert.Equal(t, ent.Content, again.Content)
	assert.EqualValues(t, 1, fx.count.gets.Load(), "second call served locally")

	// a fresh instance on the same directory reuses the disk entry
	restarted := fx.cache(t, CacheOptions{})
	_, err = restarted.GetTemplate(ctx, "shoes", "de")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fx.count.gets.Load())

	n, size := c.Entries()
	assert.Equal(t, 1, n)
	assert.Positive(t, size)
}

func TestGetTemplateSidecarLayout(t *testing.T) {
	fx := newCacheFixture(t)
	info := fx.put(t, "shoes", "de", "a.xlsx", "payload")
	c := fx.cache(t, CacheOptions{})
	_, err := c.GetTemplate(context.Background(), "shoes", "de")
	require.NoError(t, err)

	id := cacheIdentity("shoes", "de", info.Key)
	assert.True(t, strings.HasPrefix(id, "shoes~de~"))
	content, err := os.ReadFile(filepath.Join(fx.dir, id+".bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))

	meta, err := os.ReadFile(filepath.Join(fx.dir, id+".json"))
	require.NoError(t, err)
	for _, field := range []string{`"fileName": "a.xlsx"`, `"fileExtension": ".xlsx"`, `"lastModified"`, `"cachedAt"`, `"size": 7`} {
		assert.Contains(t, string(meta), field)
	}
}

func TestGetTemplateInvalidatesOnNewerVersion(t *testing.T) {
	fx := newCacheFixture(t)
	fx.put(t, "shoes", "de", "a.xlsx", "v1")
	c := fx.cache(t, CacheOptions{})
	ctx := context.Background()

	_, err := c.GetTemplate(ctx, "shoes", "de")
	require.NoError(t, err)

	fx.clock.Advance(time.Minute)
	fx.put(t, "shoes", "de", "a.xlsx", "v2")

	ent, err := c.GetTemplate(ctx, "shoes", "de")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(ent.Content))
	assert.EqualValues(t, 2, fx.count.gets.Load())

	n, _ := c.Entries()
	assert.Equal(t, 1, n, "older versions are dropped")
}

func TestGetTemplateRefetchesOverwrittenObject(t *testing.T) {
	fx := newCacheFixture(t)
	info := fx.put(t, "shoes", "", "a.xlsx", "v1")
	c := fx.cache(t, CacheOptions{})
	ctx := context.Background()
	_, err := c.GetTemplate(ctx, "shoes", "")
	require.NoError(t, err)

	// same key, later modification time
	fx.clock.Advance(time.Second)
	_, err = fx.store.Put(ctx, info.Key, strings.NewReader("v1-fixed"), PutOptions{Metadata: info.Metadata})
	require.NoError(t, err)

	ent, err := c.GetTemplate(ctx, "shoes", "")
	require.NoError(t, err)
	assert.Equal(t, "v1-fixed", string(ent.Content))
	assert.EqualValues(t, 2, fx.count.gets.Load())
}

func TestGetTemplateTTL(t *testing.T) {
	fx := newCacheFixture(t)
	fx.put(t, "shoes", "de", "a.xlsx", "v1")
	c := fx.cache(t, CacheOptions{TTL: time.Hour})
	ctx := context.Background()

	_, err := c.GetTemplate(ctx, "shoes", "de")
	require.NoError(t, err)
	fx.clock.Advance(59 * time.Minute)
	_, err = c.GetTemplate(ctx, "shoes", "de")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fx.count.gets.Load())

	fx.clock.Advance(2 * time.Minute)
	_, err = c.GetTemplate(ctx, "shoes", "de")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fx.count.gets.Load(), "expired entries are refetched")
}

func TestGetTemplateRecoversFromCorruption(t *testing.T) {
	tests := map[string]func(t *testing.T, content, meta string){
		"truncated content": func(t *testing.T, content, _ string) {
			require.NoError(t, os.WriteFile(content, []byte("v"), 0o644))
		},
		"flipped content": func(t *testing.T, content, _ string) {
			require.NoError(t, os.WriteFile(content, []byte("XX"), 0o644))
		},
		"garbage metadata": func(t *testing.T, _, meta string) {
			require.NoError(t, os.WriteFile(meta, []byte("{not json"), 0o644))
		},
		"content removed": func(t *testing.T, content, _ string) {
			require.NoError(t, os.Remove(content))
		},
	}
	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			fx := newCacheFixture(t)
			info := fx.put(t, "shoes", "de", "a.xlsx", "v1")
			c := fx.cache(t, CacheOptions{})
			ctx := context.Background()
			_, err := c.GetTemplate(ctx, "shoes", "de")
			require.NoError(t, err)

			content, meta := c.disk.paths(cacheIdentity("shoes", "de", info.Key))
			corrupt(t, content, meta)

			_, err = c.disk.load(cacheIdentity("shoes", "de", info.Key))
			var ce *CacheCorruptionError
			require.ErrorAs(t, err, &ce)

			ent, err := c.GetTemplate(ctx, "shoes", "de")
			require.NoError(t, err)
			assert.Equal(t, "v1", string(ent.Content))
			assert.EqualValues(t, 2, fx.count.gets.Load())

			_, err = c.disk.load(cacheIdentity("shoes", "de", info.Key))
			assert.NoError(t, err, "entry rewritten")
		})
	}
}

func TestGetTemplateErrors(t *testing.T) {
	fx := newCacheFixture(t)
	c := fx.cache(t, CacheOptions{})
	ctx := context.Background()

	_, err := c.GetTemplate(ctx, "shoes", "de")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "shoes", nf.Category)
	assert.Equal(t, "de", nf.Key)

	info := fx.put(t, "shoes", "de", "a.xlsx", "v1")
	fx.count.getErr = storeErr("get", info.Key, fs.ErrPermission, nil)
	_, err = c.GetTemplate(ctx, "shoes", "de")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, info.Key, fe.ObjectKey)
	assert.Equal(t, StorePermission, StoreClass(err), "store classification survives")

	n, _ := c.Entries()
	assert.Zero(t, n, "failed fetches leave nothing behind")
}

func TestResolveNewestWins(t *testing.T) {
	fx := newCacheFixture(t)
	fx.put(t, "shoes", "", "old.xlsx", "a")
	fx.clock.Advance(time.Hour)
	newest := fx.put(t, "shoes", "", "new.xlsx", "b")
	fx.clock.Advance(time.Hour)
	fx.put(t, "shoes", "de", "country.xlsx", "c")
	c := fx.cache(t, CacheOptions{})

	d, err := c.Resolve(context.Background(), "shoes", "")
	require.NoError(t, err)
	assert.Equal(t, newest.Key, d.ObjectKey, "subcategory objects are not candidates for the empty key")
	assert.Equal(t, "new.xlsx", d.OriginalFileName)
	assert.Equal(t, int64(1), d.Size)
	assert.EqualValues(t, 0, fx.count.gets.Load(), "resolve never reads content")
}

func TestGetTemplateSingleFetchUnderConcurrency(t *testing.T) {
	fx := newCacheFixture(t)
	fx.put(t, "shoes", "de", "a.xlsx", "v1")
	gate := make(chan struct{})
	fx.count.getGate = gate
	c := fx.cache(t, CacheOptions{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetTemplate(context.Background(), "shoes", "de")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, fx.count.gets.Load())
}

func TestMemoryTier(t *testing.T) {
	fx := newCacheFixture(t)
	info := fx.put(t, "shoes", "de", "a.xlsx", "v1")
	c := fx.cache(t, CacheOptions{MemoryEntries: 4})
	ctx := context.Background()
	_, err := c.GetTemplate(ctx, "shoes", "de")
	require.NoError(t, err)

	require.NoError(t, c.disk.remove(cacheIdentity("shoes", "de", info.Key)))
	ent, err := c.GetTemplate(ctx, "shoes", "de")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(ent.Content))
	assert.EqualValues(t, 1, fx.count.gets.Load())
}

func TestClear(t *testing.T) {
	fx := newCacheFixture(t)
	fx.put(t, "shoes", "de", "a.xlsx", "1")
	fx.put(t, "shoes", "fr", "a.xlsx", "2")
	fx.put(t, "bags", "", "b.xlsx", "3")
	c := fx.cache(t, CacheOptions{MemoryEntries: 8})
	ctx := context.Background()
	for _, ck := range [][2]string{{"shoes", "de"}, {"shoes", "fr"}, {"bags", ""}} {
		_, err := c.GetTemplate(ctx, ck[0], ck[1])
		require.NoError(t, err)
	}

	n, err := c.Clear("shoes")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	left, _ := c.Entries()
	assert.Equal(t, 1, left)

	_, err = c.GetTemplate(ctx, "shoes", "de")
	require.NoError(t, err)
	assert.EqualValues(t, 4, fx.count.gets.Load(), "cleared entries are fetched again")

	n, err = c.ClearAll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	left, _ = c.Entries()
	assert.Zero(t, left)
}

func TestClearKeepsLookalikeCategories(t *testing.T) {
	fx := newCacheFixture(t)
	fx.put(t, "shoes", "de", "a.xlsx", "1")
	fx.put(t, "shoes__kids", "de", "a.xlsx", "2")
	c := fx.cache(t, CacheOptions{MemoryEntries: 8})
	ctx := context.Background()
	for _, cat := range []string{"shoes", "shoes__kids"} {
		_, err := c.GetTemplate(ctx, cat, "de")
		require.NoError(t, err)
	}

	n, err := c.Clear("shoes")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	left, _ := c.Entries()
	assert.Equal(t, 1, left)

	_, err = c.GetTemplate(ctx, "shoes__kids", "de")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fx.count.gets.Load(), "the other category is still cached")
}

func TestFetchKeepsLookalikeKeys(t *testing.T) {
	fx := newCacheFixture(t)
	fx.put(t, "shoes", "de_", "a.xlsx", "underscore")
	fx.put(t, "shoes", "de", "a.xlsx", "plain")
	c := fx.cache(t, CacheOptions{})
	ctx := context.Background()

	_, err := c.GetTemplate(ctx, "shoes", "de_")
	require.NoError(t, err)
	// fetching de evicts only older versions of de
	_, err = c.GetTemplate(ctx, "shoes", "de")
	require.NoError(t, err)

	ent, err := c.GetTemplate(ctx, "shoes", "de_")
	require.NoError(t, err)
	assert.Equal(t, "underscore", string(ent.Content))
	assert.EqualValues(t, 2, fx.count.gets.Load())
	n, _ := c.Entries()
	assert.Equal(t, 2, n)
}

func TestIdentityPrefixSeparatesSegments(t *testing.T) {
	assert.Equal(t, "shoes~", identityPrefix("shoes"))
	assert.Equal(t, "shoes__kids~", identityPrefix("shoes__kids"))
	assert.Equal(t, "shoes~de_~", identityPrefix("shoes", "de_"))
	assert.Equal(t, "a_b~~", identityPrefix("a~b", ""), "the separator never survives sanitizing")
	assert.False(t, strings.HasPrefix(cacheIdentity("shoes", "de_", "k"), identityPrefix("shoes", "de")))
}

func TestKeysCategoriesAndWarm(t *testing.T) {
	fx := newCacheFixture(t)
	fx.put(t, "shoes", "", "base.xlsx", "1")
	fx.put(t, "shoes", "de", "de.xlsx", "2")
	fx.put(t, "bags", "fr", "fr.xlsx", "3")
	_, err := fx.store.Put(context.Background(), "documents/shoes/out.xlsx", strings.NewReader("x"), PutOptions{})
	require.NoError(t, err)
	c := fx.cache(t, CacheOptions{})
	ctx := context.Background()

	keys, err := c.Keys(ctx, "shoes")
	require.NoError(t, err)
	assert.Equal(t, []string{"", "de"}, keys)

	cats, err := c.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bags", "shoes"}, cats)

	ready, err := c.Warm(ctx, "shoes")
	require.NoError(t, err)
	assert.Equal(t, 2, ready)
	assert.EqualValues(t, 2, fx.count.gets.Load())

	_, err = c.Warm(ctx, "shoes")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fx.count.gets.Load())

	assert.Equal(t, []string{"only"}, c.warmTargets(ctx, []string{"only"}))
	assert.Equal(t, []string{"bags", "shoes"}, c.warmTargets(ctx, nil))
}

func TestWarmReportsFailures(t *testing.T) {
	fx := newCacheFixture(t)
	fx.put(t, "shoes", "de", "de.xlsx", "2")
	fx.count.getErr = errors.New("unreachable")
	c := fx.cache(t, CacheOptions{})

	ready, err := c.Warm(context.Background(), "shoes")
	assert.Zero(t, ready)
	var fe *FetchError
	assert.ErrorAs(t, err, &fe)
}

func TestStartWarmupStopsOnClose(t *testing.T) {
	fx := newCacheFixture(t)
	fx.put(t, "shoes", "de", "de.xlsx", "2")
	c, err := NewTemplateCache(fx.count, CacheOptions{Dir: fx.dir, Now: fx.clock.Now})
	require.NoError(t, err)

	c.StartWarmup(10*time.Millisecond, nil)
	require.Eventually(t, func() bool {
		n, _ := c.Entries()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
	c.Close()
	c.Close()
}
