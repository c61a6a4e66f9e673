package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quillbox-app/quillbox-workers/internal/events"
)

// PrometheusSink exports note processing metrics via Prometheus. It owns all
// collectors for embedding and enrichment runs, per-host link fetches, and
// capture intake outcomes.
type PrometheusSink struct {
	embedsTotal   *prometheus.CounterVec
	embedRuntime  *prometheus.HistogramVec
	embedsRunning prometheus.Gauge

	enrichTotal    *prometheus.CounterVec
	enrichRuntime  *prometheus.HistogramVec
	enrichRunning  prometheus.Gauge
	linkFetches    *prometheus.CounterVec
	linkFetchBytes *prometheus.CounterVec
	linkFetchDur   *prometheus.HistogramVec

	captures *prometheus.CounterVec

	embedTracker  *noteTracker
	enrichTracker *noteTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		embedsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noteworker_embeddings_total",
			Help: "Embedding runs partitioned by result.",
		}, []string{"result"}),
		embedRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "noteworker_embedding_duration_seconds",
			Help:    "Wall time per embedding run.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"result"}),
		embedsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "noteworker_embeddings_running",
			Help: "Notes currently being embedded.",
		}),
		enrichTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noteworker_enrichments_total",
			Help: "Enrichment runs partitioned by result.",
		}, []string{"result"}),
		enrichRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "noteworker_enrichment_duration_seconds",
			Help:    "Wall time per enrichment run.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"result"}),
		enrichRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "noteworker_enrichments_running",
			Help: "Notes currently being enriched.",
		}),
		linkFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noteworker_link_fetches_total",
			Help: "Link fetch completions partitioned by host and status class.",
		}, []string{"host", "status_class"}),
		linkFetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noteworker_link_fetch_bytes_total",
			Help: "Bytes downloaded per host during enrichment.",
		}, []string{"host"}),
		linkFetchDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "noteworker_link_fetch_duration_seconds",
			Help:    "Link fetch duration partitioned by host and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"host", "status_class"}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noteworker_captures_total",
			Help: "Capture intake outcomes partitioned by source.",
		}, []string{"source", "outcome"}),
		embedTracker:  newNoteTracker(),
		enrichTracker: newNoteTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.embedsTotal,
		s.embedRuntime,
		s.embedsRunning,
		s.enrichTotal,
		s.enrichRuntime,
		s.enrichRunning,
		s.linkFetches,
		s.linkFetchBytes,
		s.linkFetchDur,
		s.captures,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Stage {
	case events.StageEmbedStart, events.StageEmbedDone, events.StageEmbedError, events.StageEmbedSkip:
		s.handleEmbedEvent(evt)
	case events.StageEnrichStart, events.StageEnrichDone, events.StageEnrichError, events.StageEnrichSkip:
		s.handleEnrichEvent(evt)
	case events.StageLinkFetch:
		s.handleLinkFetchEvent(evt)
	case events.StageCaptureOK:
		s.captures.WithLabelValues(sourceLabel(evt), "accepted").Inc()
	case events.StageCaptureDrop:
		s.captures.WithLabelValues(sourceLabel(evt), "rejected").Inc()
	}
}

func (s *PrometheusSink) handleEmbedEvent(evt events.Event) {
	switch evt.Stage {
	case events.StageEmbedStart:
		if s.embedTracker.start(evt.NoteID) {
			s.embedsRunning.Inc()
		}
		return
	case events.StageEmbedDone:
		s.embedsTotal.WithLabelValues("success").Inc()
		s.observeEmbed(evt, "success")
	case events.StageEmbedError:
		s.embedsTotal.WithLabelValues("error").Inc()
		s.observeEmbed(evt, "error")
	case events.StageEmbedSkip:
		s.embedsTotal.WithLabelValues("skipped").Inc()
	}
	if s.embedTracker.complete(evt.NoteID) {
		s.embedsRunning.Dec()
	}
}

func (s *PrometheusSink) observeEmbed(evt events.Event, label string) {
	if evt.Dur > 0 {
		s.embedRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleEnrichEvent(evt events.Event) {
	switch evt.Stage {
	case events.StageEnrichStart:
		if s.enrichTracker.start(evt.NoteID) {
			s.enrichRunning.Inc()
		}
		return
	case events.StageEnrichDone:
		s.enrichTotal.WithLabelValues("success").Inc()
		s.observeEnrich(evt, "success")
	case events.StageEnrichError:
		s.enrichTotal.WithLabelValues("error").Inc()
		s.observeEnrich(evt, "error")
	case events.StageEnrichSkip:
		s.enrichTotal.WithLabelValues("skipped").Inc()
	}
	if s.enrichTracker.complete(evt.NoteID) {
		s.enrichRunning.Dec()
	}
}

func (s *PrometheusSink) observeEnrich(evt events.Event, label string) {
	if evt.Dur > 0 {
		s.enrichRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleLinkFetchEvent(evt events.Event) {
	host := evt.Host
	if host == "" {
		host = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(events.StatusOther)
	}
	s.linkFetches.WithLabelValues(host, statusClass).Inc()
	if evt.Bytes > 0 {
		s.linkFetchBytes.WithLabelValues(host).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.linkFetchDur.WithLabelValues(host, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func sourceLabel(evt events.Event) string {
	if evt.Source == "" {
		return "unknown"
	}
	return evt.Source
}

type noteTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newNoteTracker() *noteTracker {
	return &noteTracker{running: make(map[[16]byte]struct{})}
}

func (t *noteTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *noteTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
