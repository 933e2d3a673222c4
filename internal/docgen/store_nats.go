package docgen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore keeps objects in a JetStream object store bucket. JetStream
// publishes object meta only after every chunk is stored, so an interrupted
// Put never becomes visible to readers.
type NATSStore struct {
	nc       *nats.Conn
	obs      jetstream.ObjectStore
	bucket   string
	ownsConn bool
}

var _ ObjectStore = (*NATSStore)(nil)

// DialNATSStore connects to url and opens (or creates) bucket.
func DialNATSStore(ctx context.Context, url, bucket string) (*NATSStore, error) {
	nc, err := nats.Connect(url, nats.Name("docgen"), nats.Timeout(10*time.Second))
	if err != nil {
		return nil, storeErr("connect", url, err, classifyNATS)
	}
	s, err := NewNATSStore(ctx, nc, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.ownsConn = true
	return s, nil
}

// NewNATSStore opens bucket on an existing connection. The connection
// stays owned by the caller.
func NewNATSStore(ctx context.Context, nc *nats.Conn, bucket string) (*NATSStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, storeErr("open", bucket, err, classifyNATS)
	}
	obs, err := js.ObjectStore(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		obs, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "docgen templates and generated documents",
		})
	}
	if err != nil {
		return nil, storeErr("open", bucket, err, classifyNATS)
	}
	return &NATSStore{nc: nc, obs: obs, bucket: bucket}, nil
}

func (s *NATSStore) Conn() *nats.Conn { return s.nc }

func (s *NATSStore) Close() error {
	if s.ownsConn {
		return s.nc.Drain()
	}
	return nil
}

func classifyNATS(err error) StoreErrorClass {
	switch {
	case errors.Is(err, jetstream.ErrObjectNotFound), errors.Is(err, jetstream.ErrBucketNotFound):
		return StoreNotFound
	case errors.Is(err, nats.ErrAuthorization), errors.Is(err, nats.ErrPermissionViolation):
		return StorePermission
	case errors.Is(err, nats.ErrTimeout):
		return StoreTimeout
	}
	return StoreUnknown
}

// chunkSize bounds part to what one NATS message can carry.
func (s *NATSStore) chunkSize(part int64) uint32 {
	limit := s.nc.MaxPayload() / 2
	if limit <= 0 {
		limit = 512 * kib
	}
	return uint32(clamp(part, 64*kib, limit))
}

func (s *NATSStore) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (ObjectInfo, error) {
	meta := jetstream.ObjectMeta{Name: key, Metadata: map[string]string{}}
	for k, v := range opts.Metadata {
		meta.Metadata[k] = v
	}
	if opts.ContentType != "" {
		meta.Metadata[MetaContentType] = opts.ContentType
		meta.Headers = nats.Header{"Content-Type": []string{opts.ContentType}}
	}
	if opts.PartSize > 0 {
		meta.Opts = &jetstream.ObjectMetaOptions{ChunkSize: s.chunkSize(opts.PartSize)}
	}
	info, err := s.obs.Put(ctx, meta, r)
	if err != nil {
		return ObjectInfo{}, storeErr("put", key, err, classifyNATS)
	}
	return natsInfo(info), nil
}

func (s *NATSStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	res, err := s.obs.Get(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, storeErr("get", key, err, classifyNATS)
	}
	info, err := res.Info()
	if err != nil {
		res.Close()
		return nil, ObjectInfo{}, storeErr("get", key, err, classifyNATS)
	}
	return res, natsInfo(info), nil
}

func (s *NATSStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.obs.GetInfo(ctx, key)
	if err != nil {
		return ObjectInfo{}, storeErr("head", key, err, classifyNATS)
	}
	return natsInfo(info), nil
}

func (s *NATSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	infos, err := s.obs.List(ctx)
	if errors.Is(err, jetstream.ErrNoObjectsFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("list", prefix, err, classifyNATS)
	}
	var out []ObjectInfo
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		out = append(out, natsInfo(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	err := s.obs.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil
	}
	return storeErr("delete", key, err, classifyNATS)
}

func natsInfo(info *jetstream.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          info.Name,
		Size:         int64(info.Size),
		LastModified: info.ModTime.UTC(),
		Metadata:     info.Metadata,
	}
}

func (s *NATSStore) String() string {
	return fmt.Sprintf("nats(%s, bucket=%s)", s.nc.ConnectedUrlRedacted(), s.bucket)
}
