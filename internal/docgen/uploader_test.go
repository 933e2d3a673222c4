package docgen

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// recordingStore tracks multipart traffic on top of a LevelStore.
type recordingStore struct {
	*LevelStore

	inflight atomic.Int32
	peak     atomic.Int32
	aborts   atomic.Int32
	puts     atomic.Int32

	mu    sync.Mutex
	parts []int

	failPart int
	block    bool
}

func (s *recordingStore) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (ObjectInfo, error) {
	s.puts.Add(1)
	return s.LevelStore.Put(ctx, key, r, opts)
}

func (s *recordingStore) UploadPart(ctx context.Context, id string, n int, data []byte) error {
	cur := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if cur <= p || s.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	time.Sleep(5 * time.Millisecond)
	if n == s.failPart {
		return storeErr("upload-part", id, errors.New("connection reset"), nil)
	}
	s.mu.Lock()
	s.parts = append(s.parts, n)
	s.mu.Unlock()
	return s.LevelStore.UploadPart(ctx, id, n, data)
}

func (s *recordingStore) AbortMultipart(ctx context.Context, id string) error {
	s.aborts.Add(1)
	return s.LevelStore.AbortMultipart(ctx, id)
}

var tightPlanner = Planner{SmallMax: 1 * mib, MediumMax: 100 * mib, LargeMax: 500 * mib, HugeMax: 2 * gib}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestUploadSmallIsSinglePut(t *testing.T) {
	s := &recordingStore{LevelStore: newMemStore(t)}
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	u := NewUploader(s, DefaultPlanner(), nil, m)

	info, err := u.Upload(context.Background(), "documents/a.xlsx", payload(4096), PutOptions{}, QualityDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size)
	assert.EqualValues(t, 1, s.puts.Load())
	assert.Empty(t, s.parts)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploadParts.WithLabelValues("single")))
}

func TestUploadChunked(t *testing.T) {
	s := &recordingStore{LevelStore: newMemStore(t)}
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	u := NewUploader(s, tightPlanner, nil, m)
	data := payload(3*int(mib) + int(mib)/2)

	info, err := u.Upload(context.Background(), "documents/big.xlsx", data, PutOptions{}, QualityDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Zero(t, s.puts.Load())
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, s.parts)
	assert.LessOrEqual(t, s.peak.Load(), int32(2), "parallelism bounded by the plan")
	assert.Empty(t, s.openSessions())
	assert.Equal(t, 4.0, testutil.ToFloat64(m.uploadParts.WithLabelValues("chunked")))

	got, _ := readAll(t, s, "documents/big.xlsx")
	assert.True(t, bytes.Equal(data, got), "parts reassemble in order")
}

func TestUploadFailedPartAborts(t *testing.T) {
	s := &recordingStore{LevelStore: newMemStore(t), failPart: 3}
	u := NewUploader(s, tightPlanner, nil, nil)

	_, err := u.Upload(context.Background(), "documents/big.xlsx", payload(4*int(mib)), PutOptions{}, QualityDefault)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.EqualValues(t, 1, s.aborts.Load())
	assert.Empty(t, s.openSessions())

	_, err = s.Head(context.Background(), "documents/big.xlsx")
	assert.Equal(t, StoreNotFound, StoreClass(err), "nothing partial is visible")
}

func TestUploadDeadlineAborts(t *testing.T) {
	s := &recordingStore{LevelStore: newMemStore(t), block: true}
	ignore := goleak.IgnoreCurrent()
	defer goleak.VerifyNone(t, ignore)

	u := NewUploader(s, tightPlanner, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := u.Upload(ctx, "documents/big.xlsx", payload(4*int(mib)), PutOptions{}, QualityDefault)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, s.aborts.Load())
	assert.Empty(t, s.openSessions())
}

func TestUploadWithoutMultipartFallsBack(t *testing.T) {
	lvl := newMemStore(t)
	plain := struct{ ObjectStore }{lvl}
	u := NewUploader(plain, tightPlanner, nil, nil)
	data := payload(2 * int(mib))

	info, err := u.Upload(context.Background(), "documents/big.xlsx", data, PutOptions{}, QualitySlow)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Empty(t, lvl.openSessions())
}

func TestPublish(t *testing.T) {
	s := newMemStore(t)
	clock := newFakeClock()
	u := NewUploader(s, DefaultPlanner(), nil, nil)
	u.now = clock.Now
	ctx := context.Background()

	info, err := u.Publish(ctx, KindDocuments, "shoes", "de", "Schuhe Ü.xlsm", []byte("doc"), QualityDefault)
	require.NoError(t, err)
	assert.Equal(t, ObjectKey(KindDocuments, "shoes", "de", GenerateObjectName(clock.Now(), "Schuhe Ü.xlsm")), info.Key)
	assert.Regexp(t, `^documents/shoes/de/[^/]+\.xlsm$`, info.Key)

	head, err := s.Head(ctx, info.Key)
	require.NoError(t, err)
	assert.Equal(t, "Schuhe Ü.xlsm", originalNameOf(head))
	assert.Equal(t, "shoes", head.Metadata[MetaCategory])
	assert.Equal(t, "de", head.Metadata[MetaKey])
	assert.Equal(t, ContentTypeFor(".xlsm"), head.Metadata[MetaContentType])

	_, err = u.Publish(ctx, KindDocuments, "", "", "a.xlsx", nil, QualityDefault)
	assert.Error(t, err)
	_, err = u.Publish(ctx, KindDocuments, "shoes", "", "", nil, QualityDefault)
	assert.Error(t, err)
}
