package docgen

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key prefixes inside the leveldb keyspace:
//
//	o:<key>          object content
//	m:<key>          object meta (gob)
//	u:<id>           open multipart session (gob)
//	p:<id>:<n>       uploaded part n of session id
const (
	prefixObject  = "o:"
	prefixMeta    = "m:"
	prefixSession = "u:"
	prefixPart    = "p:"
)

type levelMeta struct {
	Size         int64
	LastModified int64 // unix nanoseconds, UTC
	Metadata     map[string]string
}

type levelSession struct {
	Key     string
	Opts    PutOptions
	Started int64
}

// LevelStore is an ObjectStore and MultipartStore on top of goleveldb.
type LevelStore struct {
	db *leveldb.DB

	mu  sync.Mutex
	now func() time.Time
}

var _ MultipartStore = (*LevelStore)(nil)

func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storeErr("open", path, err, classifyLevel)
	}
	return &LevelStore{db: db, now: time.Now}, nil
}

// OpenMemLevelStore opens a store backed by memory only.
func OpenMemLevelStore() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, storeErr("open", "", err, classifyLevel)
	}
	return &LevelStore{db: db, now: time.Now}, nil
}

// SetClock replaces the source of LastModified timestamps.
func (s *LevelStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *LevelStore) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().UTC()
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func classifyLevel(err error) StoreErrorClass {
	if errors.Is(err, leveldb.ErrNotFound) {
		return StoreNotFound
	}
	return StoreUnknown
}

func (s *LevelStore) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, storeErr("put", key, err, nil)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, storeErr("put", key, err, nil)
	}
	batch := new(leveldb.Batch)
	info, err := s.stage(batch, key, data, opts)
	if err != nil {
		return ObjectInfo{}, storeErr("put", key, err, nil)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return ObjectInfo{}, storeErr("put", key, err, classifyLevel)
	}
	return info, nil
}

// stage adds content and meta for key to batch so both become visible in
// one atomic write.
func (s *LevelStore) stage(batch *leveldb.Batch, key string, data []byte, opts PutOptions) (ObjectInfo, error) {
	md := make(map[string]string, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		md[k] = v
	}
	if opts.ContentType != "" {
		md[MetaContentType] = opts.ContentType
	}
	meta := levelMeta{
		Size:         int64(len(data)),
		LastModified: s.clock().UnixNano(),
		Metadata:     md,
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return ObjectInfo{}, err
	}
	batch.Put([]byte(prefixObject+key), data)
	batch.Put([]byte(prefixMeta+key), mb)
	return meta.info(key), nil
}

func (m levelMeta) info(key string) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         m.Size,
		LastModified: time.Unix(0, m.LastModified).UTC(),
		Metadata:     m.Metadata,
	}
}

func (s *LevelStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	b, err := s.db.Get([]byte(prefixObject+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ObjectInfo{}, storeErr("get", key, ErrObjectNotFound, nil)
	}
	if err != nil {
		return nil, ObjectInfo{}, storeErr("get", key, err, classifyLevel)
	}
	return io.NopCloser(bytes.NewReader(b)), info, nil
}

func (s *LevelStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, storeErr("head", key, err, nil)
	}
	b, err := s.db.Get([]byte(prefixMeta+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ObjectInfo{}, storeErr("head", key, ErrObjectNotFound, nil)
	}
	if err != nil {
		return ObjectInfo{}, storeErr("head", key, err, classifyLevel)
	}
	var meta levelMeta
	if err := decodeGob(b, &meta); err != nil {
		return ObjectInfo{}, storeErr("head", key, err, nil)
	}
	return meta.info(key), nil
}

func (s *LevelStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list", prefix, err, nil)
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixMeta+prefix)), nil)
	defer it.Release()

	var out []ObjectInfo
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))
		var meta levelMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		out = append(out, meta.info(key))
	}
	if err := it.Error(); err != nil {
		return nil, storeErr("list", prefix, err, classifyLevel)
	}
	return out, nil
}

func (s *LevelStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return storeErr("delete", key, err, nil)
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixObject + key))
	batch.Delete([]byte(prefixMeta + key))
	return storeErr("delete", key, s.db.Write(batch, nil), classifyLevel)
}

func partKey(id string, n int) []byte {
	return []byte(fmt.Sprintf("%s%s:%06d", prefixPart, id, n))
}

func (s *LevelStore) CreateMultipart(ctx context.Context, key string, opts PutOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storeErr("create-multipart", key, err, nil)
	}
	id := uuid.NewString()
	b, err := encodeGob(levelSession{Key: key, Opts: opts, Started: s.clock().UnixNano()})
	if err != nil {
		return "", storeErr("create-multipart", key, err, nil)
	}
	if err := s.db.Put([]byte(prefixSession+id), b, nil); err != nil {
		return "", storeErr("create-multipart", key, err, classifyLevel)
	}
	return id, nil
}

func (s *LevelStore) session(op, id string) (levelSession, error) {
	b, err := s.db.Get([]byte(prefixSession+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return levelSession{}, storeErr(op, id, fmt.Errorf("upload session: %w", ErrObjectNotFound), nil)
	}
	if err != nil {
		return levelSession{}, storeErr(op, id, err, classifyLevel)
	}
	var sess levelSession
	if err := decodeGob(b, &sess); err != nil {
		return levelSession{}, storeErr(op, id, err, nil)
	}
	return sess, nil
}

func (s *LevelStore) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return storeErr("upload-part", uploadID, err, nil)
	}
	if partNumber < 1 {
		return storeErr("upload-part", uploadID, fmt.Errorf("invalid part number %d", partNumber), nil)
	}
	if _, err := s.session("upload-part", uploadID); err != nil {
		return err
	}
	return storeErr("upload-part", uploadID, s.db.Put(partKey(uploadID, partNumber), data, nil), classifyLevel)
}

func (s *LevelStore) CompleteMultipart(ctx context.Context, uploadID string, parts int) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, storeErr("complete-multipart", uploadID, err, nil)
	}
	sess, err := s.session("complete-multipart", uploadID)
	if err != nil {
		return ObjectInfo{}, err
	}

	var buf bytes.Buffer
	batch := new(leveldb.Batch)
	for n := 1; n <= parts; n++ {
		pk := partKey(uploadID, n)
		b, err := s.db.Get(pk, nil)
		if err != nil {
			return ObjectInfo{}, storeErr("complete-multipart", sess.Key,
				fmt.Errorf("part %d: %w", n, err), classifyLevel)
		}
		buf.Write(b)
		batch.Delete(pk)
	}
	batch.Delete([]byte(prefixSession + uploadID))

	info, err := s.stage(batch, sess.Key, buf.Bytes(), sess.Opts)
	if err != nil {
		return ObjectInfo{}, storeErr("complete-multipart", sess.Key, err, nil)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return ObjectInfo{}, storeErr("complete-multipart", sess.Key, err, classifyLevel)
	}
	return info, nil
}

// AbortMultipart drops the session and its parts. It ignores ctx
// cancellation so it can run after a deadline expired.
func (s *LevelStore) AbortMultipart(_ context.Context, uploadID string) error {
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixPart+uploadID+":")), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return storeErr("abort-multipart", uploadID, err, classifyLevel)
	}
	batch.Delete([]byte(prefixSession + uploadID))
	return storeErr("abort-multipart", uploadID, s.db.Write(batch, nil), classifyLevel)
}

// openSessions lists ids of multipart sessions not yet completed or aborted.
func (s *LevelStore) openSessions() []string {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixSession)), nil)
	defer it.Release()
	var ids []string
	for it.Next() {
		ids = append(ids, strings.TrimPrefix(string(it.Key()), prefixSession))
	}
	return ids
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
