package docgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const abortTimeout = 30 * time.Second

// Uploader sends payloads to an ObjectStore following the planner.
type Uploader struct {
	store   ObjectStore
	planner Planner
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewUploader(store ObjectStore, planner Planner, log *zap.Logger, metrics *Metrics) *Uploader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Uploader{store: store, planner: planner, log: log, metrics: metrics, now: time.Now}
}

// Upload stores data under key. Chunked plans go through a multipart
// session when the store offers one; a failed or timed out session is
// aborted so nothing partial stays visible.
func (u *Uploader) Upload(ctx context.Context, key string, data []byte, opts PutOptions, hint Quality) (ObjectInfo, error) {
	size := int64(len(data))
	plan := u.planner.Plan(size, hint)
	opts.PartSize = plan.PartSize

	mp, ok := u.store.(MultipartStore)
	if !plan.UseChunking || !ok {
		info, err := u.store.Put(ctx, key, bytes.NewReader(data), opts)
		if err != nil {
			return ObjectInfo{}, err
		}
		u.metrics.uploaded("single", 1, len(data))
		return info, nil
	}
	return u.multipart(ctx, mp, key, data, opts, plan)
}

func (u *Uploader) multipart(ctx context.Context, mp MultipartStore, key string, data []byte, opts PutOptions, plan UploadPlan) (ObjectInfo, error) {
	id, err := mp.CreateMultipart(ctx, key, opts)
	if err != nil {
		return ObjectInfo{}, err
	}
	parts := plan.PartCount(int64(len(data)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(plan.Parallelism)
	for n := 1; n <= parts; n++ {
		start := int64(n-1) * plan.PartSize
		end := min(start+plan.PartSize, int64(len(data)))
		part := data[start:end]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return mp.UploadPart(gctx, id, n, part)
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		u.abort(mp, key, id, err)
		return ObjectInfo{}, err
	}

	info, err := mp.CompleteMultipart(ctx, id, parts)
	if err != nil {
		u.abort(mp, key, id, err)
		return ObjectInfo{}, err
	}
	u.metrics.uploaded("chunked", parts, len(data))
	u.log.Debug("multipart upload complete",
		zap.String("key", key),
		zap.Int("parts", parts),
		zap.Int("parallelism", plan.Parallelism),
		zap.String("part_size", formatBytes(uint64(plan.PartSize))))
	return info, nil
}

// abort runs detached from the caller's context, which may already be done.
func (u *Uploader) abort(mp MultipartStore, key, id string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := mp.AbortMultipart(ctx, id); err != nil {
		u.log.Warn("multipart abort failed", zap.String("key", key), zap.String("upload", id), zap.Error(err))
		return
	}
	u.log.Info("multipart upload aborted", zap.String("key", key), zap.String("upload", id), zap.Error(cause))
}

// Publish stores a document under the conventional
// <kind>/<category>/<sub>/<generated-name> key. The original name is kept in
// metadata only.
func (u *Uploader) Publish(ctx context.Context, kind, category, sub, originalName string, data []byte, hint Quality) (ObjectInfo, error) {
	if kind == "" || category == "" {
		return ObjectInfo{}, errors.New("publish: kind and category are required")
	}
	if originalName == "" {
		return ObjectInfo{}, errors.New("publish: original file name is required")
	}
	key := ObjectKey(kind, category, sub, GenerateObjectName(u.now(), originalName))
	opts := PutOptions{
		ContentType: ContentTypeFor(fileExtension(originalName)),
		Metadata: map[string]string{
			MetaOriginalName: EncodeOriginalName(originalName),
			MetaCategory:     category,
			MetaKey:          sub,
		},
	}
	info, err := u.Upload(ctx, key, data, opts, hint)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("publish %s: %w", key, err)
	}
	return info, nil
}
