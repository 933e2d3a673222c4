package docgen

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	cacheLookups *prometheus.CounterVec
	fetchBytes   prometheus.Counter
	fillDuration *prometheus.HistogramVec
	fillRows     prometheus.Counter
	uploadParts  *prometheus.CounterVec
	uploadBytes  *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Collectors already
// registered by another instance are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docgen",
			Subsystem: "template_cache",
			Name:      "lookups_total",
			Help:      "Template cache lookups by result.",
		}, []string{"result"}), // hit, miss, stale, corrupt
		fetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docgen",
			Subsystem: "template_cache",
			Name:      "remote_fetch_bytes_total",
			Help:      "Bytes read from the object store on cache misses.",
		}),
		fillDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docgen",
			Subsystem: "engine",
			Name:      "fill_duration_seconds",
			Help:      "Duration of spreadsheet fills.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		fillRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docgen",
			Subsystem: "engine",
			Name:      "fill_rows_total",
			Help:      "Rows written into generated documents.",
		}),
		uploadParts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docgen",
			Subsystem: "uploader",
			Name:      "parts_total",
			Help:      "Parts transferred to the object store.",
		}, []string{"mode"}), // single, chunked
		uploadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docgen",
			Subsystem: "uploader",
			Name:      "bytes_total",
			Help:      "Bytes transferred to the object store.",
		}, []string{"mode"}),
	}

	var err error
	if m.cacheLookups, err = register(reg, m.cacheLookups); err != nil {
		return nil, err
	}
	if m.fetchBytes, err = register(reg, m.fetchBytes); err != nil {
		return nil, err
	}
	if m.fillDuration, err = register(reg, m.fillDuration); err != nil {
		return nil, err
	}
	if m.fillRows, err = register(reg, m.fillRows); err != nil {
		return nil, err
	}
	if m.uploadParts, err = register(reg, m.uploadParts); err != nil {
		return nil, err
	}
	if m.uploadBytes, err = register(reg, m.uploadBytes); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) cacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) fetched(n int) {
	if m == nil {
		return
	}
	m.fetchBytes.Add(float64(n))
}

func (m *Metrics) fill(start time.Time, rows int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.fillDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	m.fillRows.Add(float64(rows))
}

func (m *Metrics) uploaded(mode string, parts int, size int) {
	if m == nil {
		return
	}
	m.uploadParts.WithLabelValues(mode).Add(float64(parts))
	m.uploadBytes.WithLabelValues(mode).Add(float64(size))
}
