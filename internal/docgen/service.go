package docgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxRequestBytes = 64 << 20

// Service wires the store, cache, engine, uploader and generator from a
// Config and owns their background loops.
type Service struct {
	cfg Config
	log *zap.Logger

	store    ObjectStore
	nc       *nats.Conn
	registry *prometheus.Registry
	metrics  *Metrics

	cache     *TemplateCache
	engine    *Engine
	uploader  *Uploader
	generator *Generator

	fillSem chan struct{}

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewService(ctx context.Context, cfg Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := newService(cfg, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func openStore(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch cfg.Store.Driver {
	case DriverNATS:
		return DialNATSStore(ctx, cfg.Store.NATS.URL, cfg.Store.NATS.Bucket)
	default:
		return OpenLevelStore(cfg.Store.LevelDB.Path)
	}
}

// newService takes ownership of store.
func newService(cfg Config, store ObjectStore, log *zap.Logger) (*Service, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	cache, err := NewTemplateCache(store, CacheOptions{
		Dir:           cfg.Cache.Dir,
		TTL:           cfg.CacheTTL(),
		MemoryEntries: cfg.Cache.MemoryEntries,
		Logger:        log.Named("cache"),
		Metrics:       metrics,
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: reg,
		metrics:  metrics,
		cache:    cache,
		engine:   NewEngine(WithEngineLogger(log.Named("engine")), WithEngineMetrics(metrics)),
		uploader: NewUploader(store, cfg.PlannerConfig(), log.Named("uploader"), metrics),
		fillSem:  make(chan struct{}, cfg.Server.MaxConcurrentFills),
		stopCh:   make(chan struct{}),
	}

	var sink ProgressSink = LogSink{Log: log.Named("progress")}
	if ns, ok := store.(*NATSStore); ok {
		s.nc = ns.Conn()
		if subj := cfg.Store.NATS.ProgressSubject; subj != "" {
			sink = multiSink{sink, NewNATSProgressSink(s.nc, subj, log.Named("progress"))}
		}
	}
	s.generator = NewGenerator(cache, s.engine, s.uploader, cfg.FillOptions(), sink, log.Named("generator"))

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	cache.StartWarmup(cfg.Cache.warmDur, cfg.Cache.Categories)

	log.Info("service ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("cache_dir", cfg.Cache.Dir),
		zap.Duration("cache_ttl", cfg.CacheTTL()),
		zap.Int("max_concurrent_fills", cfg.Server.MaxConcurrentFills))
	return s, nil
}

func (s *Service) Cache() *TemplateCache { return s.cache }
func (s *Service) Engine() *Engine { return s.engine }
func (s *Service) Uploader() *Uploader { return s.uploader }
func (s *Service) Generator() *Generator { return s.generator }
func (s *Service) Store() ObjectStore { return s.store }
func (s *Service) Config() Config { return s.cfg }
func (s *Service) Metrics() *Metrics { return s.metrics }
func (s *Service) Registry() *prometheus.Registry { return s.registry }

func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.cache.Close()
		s.wg.Wait()
		err = s.store.Close()
	})
	return err
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.cache.stats.snapshot()
	entries, diskBytes := s.cache.Entries()
	fields := []zap.Field{
		zap.Int("entries", entries),
		zap.String("disk_usage", formatBytes(uint64(diskBytes))),
		zap.Uint64("hits", ss.Hits),
		zap.Uint64("fetches", ss.Fetches),
		zap.String("served_min", formatBytes(ss.MinBytes)),
		zap.String("served_avg", formatBytes(ss.AvgBytes)),
		zap.String("served_max", formatBytes(ss.MaxBytes)),
		zap.Uint64("fills", ss.FillCalls),
		zap.Uint64("rows", ss.FillRows),
	}
	s.log.Info("stats", append(fields, memoryFields()...)...)
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /generate", s.handleGenerate)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Service) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	q, err := ParseQuality(string(req.Quality))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Quality = q

	select {
	case s.fillSem <- struct{}{}:
		defer func() { <-s.fillSem }()
	case <-r.Context().Done():
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}

	res, err := s.generator.Generate(r.Context(), req)
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			s.log.Warn("generate failed", zap.String("category", req.Category), zap.String("key", req.Key), zap.Error(err))
		}
		http.Error(w, err.Error(), code)
		return
	}

	h := w.Header()
	h.Set("Content-Type", res.ContentType)
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.FileName))
	h.Set("Content-Length", strconv.Itoa(len(res.Content)))
	setDocgenHeaders(h, res)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Content)
}

func setDocgenHeaders(h http.Header, res GenerateResult) {
	h.Set("X-Docgen-Task", res.TaskID)
	h.Set("X-Docgen-Rows", strconv.Itoa(res.Rows))
	h.Set("X-Docgen-Template", res.Template)
	exposed := []string{"X-Docgen-Task", "X-Docgen-Rows", "X-Docgen-Template", "Content-Disposition"}
	if res.ObjectKey != "" {
		h.Set("X-Docgen-Object", res.ObjectKey)
		exposed = append(exposed, "X-Docgen-Object")
	}
	if len(res.Skipped) > 0 {
		h.Set("X-Docgen-Skipped", strings.Join(res.Skipped, ","))
		exposed = append(exposed, "X-Docgen-Skipped")
	}
	h.Set("Access-Control-Expose-Headers", strings.Join(exposed, ", "))
}

func statusFor(err error) int {
	var (
		notFound  *NotFoundError
		structure *TemplateStructureError
		empty     *EmptyInputError
		fetch     *FetchError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &structure), errors.As(err, &empty):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), StoreClass(err) == StoreTimeout:
		return http.StatusGatewayTimeout
	case errors.As(err, &fetch):
		return http.StatusBadGateway
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
