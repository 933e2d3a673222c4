package docgen

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

type PutOptions struct {
	Metadata    map[string]string
	ContentType string

	// PartSize is a transfer hint; stores that chunk internally may use it.
	PartSize int64
}

// ObjectStore is the remote blob store the pipeline consumes. Errors are
// *StoreError values carrying a StoreErrorClass.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (ObjectInfo, error)
	// Get returns a stream of the object content. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	// List returns objects whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	Close() error
}

// MultipartStore is implemented by stores that accept an object in parts.
// Parts are invisible to readers until CompleteMultipart; AbortMultipart
// discards them.
type MultipartStore interface {
	ObjectStore
	CreateMultipart(ctx context.Context, key string, opts PutOptions) (uploadID string, err error)
	UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error
	CompleteMultipart(ctx context.Context, uploadID string, parts int) (ObjectInfo, error)
	AbortMultipart(ctx context.Context, uploadID string) error
}
