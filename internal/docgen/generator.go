package docgen

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type GenerateRequest struct {
	TaskID   string      `json:"taskId"`
	Category string      `json:"category"`
	Key      string      `json:"key"`
	Order    []string    `json:"order"`
	Records  []RowRecord `json:"records"`
	// Upload publishes the output under documents/<category>/<key>/.
	Upload  bool    `json:"upload"`
	Quality Quality `json:"quality"`
	// OutputName overrides the generated file name (extension excluded).
	OutputName string `json:"outputName"`
}

type GenerateResult struct {
	TaskID      string   `json:"taskId"`
	FileName    string   `json:"fileName"`
	ContentType string   `json:"contentType"`
	Rows        int      `json:"rows"`
	Skipped     []string `json:"skipped,omitempty"`
	Template    string   `json:"template"`
	ObjectKey   string   `json:"objectKey,omitempty"`
	Content     []byte   `json:"-"`
}

// Generator resolves a template through the cache, fills it and optionally
// publishes the result.
type Generator struct {
	cache    *TemplateCache
	engine   *Engine
	uploader *Uploader
	fill     FillOptions
	sink     ProgressSink
	log      *zap.Logger
}

func NewGenerator(cache *TemplateCache, engine *Engine, uploader *Uploader, fill FillOptions, sink ProgressSink, log *zap.Logger) *Generator {
	if sink == nil {
		sink = NopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{cache: cache, engine: engine, uploader: uploader, fill: fill, sink: sink, log: log}
}

func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	res, err := g.generate(ctx, req)
	if err != nil {
		g.sink.Report(ProgressEvent{TaskID: req.TaskID, Error: err.Error()})
		return GenerateResult{}, err
	}
	g.sink.Report(ProgressEvent{TaskID: req.TaskID, Result: res})
	return res, nil
}

func (g *Generator) generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if strings.TrimSpace(req.Category) == "" {
		return GenerateResult{}, fmt.Errorf("%w: category is required", ErrInvalidRequest)
	}
	g.sink.Report(progressEvent(req.TaskID, 10, "resolving template"))
	ent, err := g.cache.GetTemplate(ctx, req.Category, req.Key)
	if err != nil {
		return GenerateResult{}, err
	}

	groups, missing := GroupRecords(req.Records, req.Order)
	if len(missing) > 0 {
		g.log.Warn("group keys not in dataset, skipped",
			zap.String("task", req.TaskID), zap.Strings("keys", missing))
	}
	if len(groups) == 0 {
		return GenerateResult{}, &EmptyInputError{Missing: missing}
	}

	// Fill cannot be interrupted, so the deadline is checked before it starts.
	if err := ctx.Err(); err != nil {
		return GenerateResult{}, err
	}
	g.sink.Report(progressEvent(req.TaskID, 30, "filling template"))
	opts := g.fill
	opts.Extension = ent.FileExtension
	out, err := g.engine.Fill(ent.Content, groups, opts)
	if err != nil {
		// An engine failure is a template or input problem, never a reason
		// to purge the cache.
		return GenerateResult{}, err
	}
	rows := len(Flatten(groups))
	g.cache.stats.observeFill(rows)

	format, _ := FormatFor(ent.FileExtension)
	res := GenerateResult{
		TaskID:      req.TaskID,
		FileName:    outputName(req, ent) + string(format),
		ContentType: ContentTypeFor(string(format)),
		Rows:        rows,
		Skipped:     missing,
		Template:    ent.ObjectKey,
		Content:     out,
	}

	if req.Upload && g.uploader != nil {
		g.sink.Report(progressEvent(req.TaskID, 80, "uploading document"))
		info, err := g.uploader.Publish(ctx, KindDocuments, req.Category, req.Key, res.FileName, out, req.Quality)
		if err != nil {
			return GenerateResult{}, err
		}
		res.ObjectKey = info.Key
	}
	g.sink.Report(progressEvent(req.TaskID, 100, "done"))
	return res, nil
}

func outputName(req GenerateRequest, ent CacheEntry) string {
	if n := strings.TrimSpace(req.OutputName); n != "" {
		return strings.TrimSuffix(n, path.Ext(n))
	}
	stem := strings.TrimSuffix(path.Base(ent.FileName), path.Ext(ent.FileName))
	if stem == "" || stem == "." {
		stem = req.Category
	}
	return stem + "_filled"
}
