package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes hub buffering. Zero values take the package defaults.
// BaseContext is the parent of per-sink flush contexts and defaults to
// context.Background(); Logger may be nil.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	return c
}

// Hub batches lifecycle events on a background goroutine and fans each batch
// out to the registered sinks. Emit never blocks the caller: a full inbox
// drops the event and the drop is counted instead.
type Hub struct {
	cfg   Config
	sinks []Sink

	inbox chan Event
	quit  chan struct{}
	done  chan struct{}

	logger      *zap.Logger
	dropped     atomic.Int64
	nextDropLog atomic.Int64
	closing     atomic.Bool

	once     sync.Once
	closeCtx context.Context
}

// NewHub starts the batching goroutine over the given sinks. The hub accepts
// events immediately.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		inbox:  make(chan Event, cfg.BufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go h.loop()
	return h
}

// Emit queues evt for delivery. Events that fail validation are discarded at
// debug level; a full inbox drops the event rather than stalling a worker.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid lifecycle event", zap.Error(err))
		return
	}
	select {
	case h.inbox <- evt:
	default:
		h.noteDrop()
	}
}

// noteDrop counts a dropped event and reports the running total at most once
// per dropLogInterval.
func (h *Hub) noteDrop() {
	h.dropped.Add(1)
	now := time.Now().UnixNano()
	next := h.nextDropLog.Load()
	if now < next || !h.nextDropLog.CompareAndSwap(next, now+dropLogInterval.Nanoseconds()) {
		return
	}
	h.logger.Warn("lifecycle events dropped due to backpressure",
		zap.Int64("dropped", h.dropped.Swap(0)))
}

// Close stops intake, flushes whatever is buffered, and waits for the
// background goroutine to exit. Later calls join the first shutdown.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.once.Do(func() {
		h.closing.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	var (
		batch  = make([]Event, 0, h.cfg.MaxBatchEvents)
		timer  *time.Timer
		flushC <-chan time.Time
	)
	disarm := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		flushC = nil
	}

	for {
		select {
		case evt := <-h.inbox:
			batch = append(batch, evt)
			switch {
			case len(batch) >= h.cfg.MaxBatchEvents:
				h.fanOut(batch)
				batch = make([]Event, 0, h.cfg.MaxBatchEvents)
				disarm()
			case flushC == nil:
				// Armed on the first buffered event so batch latency stays
				// bounded under a trickle of traffic.
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				flushC = timer.C
			}
		case <-flushC:
			timer = nil
			flushC = nil
			if len(batch) > 0 {
				h.fanOut(batch)
				batch = make([]Event, 0, h.cfg.MaxBatchEvents)
			}
		case <-h.quit:
			disarm()
			h.drain(batch)
			return
		}
	}
}

// drain empties the inbox after Close, still honoring the batch size limit,
// then closes the sinks.
func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.inbox:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.fanOut(batch)
				batch = make([]Event, 0, h.cfg.MaxBatchEvents)
			}
		default:
			if len(batch) > 0 {
				h.fanOut(batch)
			}
			h.shutdownSinks()
			return
		}
	}
}

// fanOut hands the batch to every sink. The hub never reuses the slice after
// flushing, so sinks may retain it.
func (h *Hub) fanOut(batch []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := h.cfg.BaseContext, context.CancelFunc(func() {})
		if h.cfg.SinkTimeout > 0 {
			ctx, cancel = context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		}
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.logger.Warn("event sink consume failed", zap.Error(err))
		}
	}
}

func (h *Hub) shutdownSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}
