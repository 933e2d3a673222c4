package docgen

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	contentSuffix = ".bin"
	metaSuffix    = ".json"
)

// diskMeta is the sidecar JSON written next to each content file.
type diskMeta struct {
	FileName      string `json:"fileName"`
	FileExtension string `json:"fileExtension"`
	LastModified  string `json:"lastModified"`
	CachedAt      int64  `json:"cachedAt"`
	Size          int64  `json:"size"`
	ObjectKey     string `json:"objectKey"`
	CRC32         uint32 `json:"crc32"`
}

// diskCache stores one content file and one metadata file per identity.
// Both are replaced via rename, content first, so a metadata file never
// points at content that failed to write.
type diskCache struct {
	dir string
}

func newDiskCache(dir string) (*diskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache dir %s: %w", dir, err)
	}
	return &diskCache{dir: dir}, nil
}

// identitySep joins identity parts. sanitizeSegment never emits it, so a
// prefix of whole segments only matches entries of those segments.
const identitySep = "~"

func identityPrefix(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(sanitizeSegment(s))
		b.WriteString(identitySep)
	}
	return b.String()
}

func cacheIdentity(category, key, objectKey string) string {
	return fmt.Sprintf("%s%08x", identityPrefix(category, key), crc32.ChecksumIEEE([]byte(objectKey)))
}

func (d *diskCache) paths(identity string) (content, meta string) {
	base := filepath.Join(d.dir, identity)
	return base + contentSuffix, base + metaSuffix
}

// load returns fs.ErrNotExist for absent entries and *CacheCorruptionError
// for entries that exist but cannot be trusted.
func (d *diskCache) load(identity string) (CacheEntry, error) {
	contentPath, metaPath := d.paths(identity)
	mb, err := os.ReadFile(metaPath)
	if errors.Is(err, fs.ErrNotExist) {
		return CacheEntry{}, err
	}
	if err != nil {
		return CacheEntry{}, &CacheCorruptionError{Identity: identity, Err: err}
	}
	var meta diskMeta
	if err := json.Unmarshal(mb, &meta); err != nil {
		return CacheEntry{}, &CacheCorruptionError{Identity: identity, Err: err}
	}
	lm, err := time.Parse(time.RFC3339Nano, meta.LastModified)
	if err != nil {
		return CacheEntry{}, &CacheCorruptionError{Identity: identity, Err: err}
	}
	content, err := os.ReadFile(contentPath)
	if err != nil {
		return CacheEntry{}, &CacheCorruptionError{Identity: identity, Err: err}
	}
	if int64(len(content)) != meta.Size {
		return CacheEntry{}, &CacheCorruptionError{Identity: identity,
			Err: fmt.Errorf("size %d, metadata says %d", len(content), meta.Size)}
	}
	if sum := crc32.ChecksumIEEE(content); sum != meta.CRC32 {
		return CacheEntry{}, &CacheCorruptionError{Identity: identity,
			Err: fmt.Errorf("checksum %08x, metadata says %08x", sum, meta.CRC32)}
	}
	return CacheEntry{
		Content:            content,
		FileName:           meta.FileName,
		FileExtension:      meta.FileExtension,
		ObjectKey:          meta.ObjectKey,
		CachedAt:           time.UnixMilli(meta.CachedAt),
		SourceLastModified: lm,
	}, nil
}

func (d *diskCache) store(identity string, ent CacheEntry) error {
	contentPath, metaPath := d.paths(identity)
	meta := diskMeta{
		FileName:      ent.FileName,
		FileExtension: ent.FileExtension,
		LastModified:  ent.SourceLastModified.UTC().Format(time.RFC3339Nano),
		CachedAt:      ent.CachedAt.UnixMilli(),
		Size:          int64(len(ent.Content)),
		ObjectKey:     ent.ObjectKey,
		CRC32:         crc32.ChecksumIEEE(ent.Content),
	}
	mb, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(contentPath, ent.Content); err != nil {
		return err
	}
	return writeFileAtomic(metaPath, mb)
}

// remove deletes the metadata first so a half-removed entry reads as absent.
func (d *diskCache) remove(identity string) error {
	contentPath, metaPath := d.paths(identity)
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(contentPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// identities lists cached identities starting with prefix.
func (d *diskCache) identities(prefix string) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimSuffix(name, metaSuffix), contentSuffix)
		if id == name || !strings.HasPrefix(id, prefix) || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

func (d *diskCache) removePrefix(prefix string) (int, error) {
	ids, err := d.identities(prefix)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, id := range ids {
		if err := d.remove(id); err != nil {
			errs = append(errs, err)
		}
	}
	return len(ids) - len(errs), errors.Join(errs...)
}

func (d *diskCache) totalSize() int64 {
	var total int64
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}

func writeFileAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	f, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
