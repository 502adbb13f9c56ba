// Package persist implements the write-behind engine that batches model
// mutations and commits them to the store in enqueue order.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gwi.com/chatcore/internal/ids"
	"gwi.com/chatcore/internal/model"
	"gwi.com/chatcore/internal/store"
)

const DefaultFlushWindow = time.Second

// Store is the part of the DAO the engine owns.
type Store interface {
	InTx(ctx context.Context, fn func(tx store.Writer) error) error
	QueryAllChannels(ctx context.Context) ([]model.Channel, error)
	QueryMsgsByChannel(ctx context.Context, channelID ids.ID) ([]*model.Message, error)
	QueryAttachment(ctx context.Context, name string) (model.Attachment, error)
	Close() error
}

type State int

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "Draining"
	}
	return "Idle"
}

type Options struct {
	FlushWindow time.Duration
	Logger      *slog.Logger
	// Registerer receives the engine metrics. A private registry is used
	// when nil.
	Registerer prometheus.Registerer
}

type Engine struct {
	store   Store
	window  time.Duration
	logger  *slog.Logger
	metrics *metrics

	// drainMu serializes timer drains with the shutdown flush.
	drainMu sync.Mutex

	mu     sync.Mutex
	queue  []Action
	state  State
	timer  *time.Timer
	closed bool
	idle   chan struct{}
}

func NewEngine(st Store, opts Options) *Engine {
	if opts.FlushWindow <= 0 {
		opts.FlushWindow = DefaultFlushWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	idle := make(chan struct{})
	close(idle)
	return &Engine{
		store:   st,
		window:  opts.FlushWindow,
		logger:  opts.Logger,
		metrics: newMetrics(opts.Registerer),
		idle:    idle,
	}
}

// Enqueue appends an action to the queue and, when the engine is idle,
// arms the flush timer. It never blocks on I/O. Actions enqueued after
// Shutdown are dropped.
func (e *Engine) Enqueue(a Action) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.logger.Warn("dropping action after shutdown", "kind", a.Kind(), "action", a)
		e.metrics.failed.WithLabelValues(string(a.Kind())).Inc()
		return
	}
	e.queue = append(e.queue, a)
	e.metrics.enqueued.WithLabelValues(string(a.Kind())).Inc()
	e.metrics.queueDepth.Set(float64(len(e.queue)))

	if e.state == Idle {
		e.state = Draining
		e.idle = make(chan struct{})
		e.timer = time.AfterFunc(e.window, e.flush)
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// WaitIdle blocks until the queue has been drained and the engine is Idle.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) QueryChannels(ctx context.Context) ([]model.Channel, error) {
	return e.store.QueryAllChannels(ctx)
}

func (e *Engine) QueryMessages(ctx context.Context, channelID ids.ID) ([]*model.Message, error) {
	return e.store.QueryMsgsByChannel(ctx, channelID)
}

func (e *Engine) QueryAttachment(ctx context.Context, name string) (model.Attachment, error) {
	return e.store.QueryAttachment(ctx, name)
}

// Shutdown stops accepting actions, flushes whatever is queued without
// waiting for the window, waits for an in-flight drain and closes the
// store. Writes already started are never cancelled; ctx only bounds how
// long the caller waits.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.timer != nil && e.timer.Stop() {
		e.timer = nil
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.drainMu.Lock()
		defer e.drainMu.Unlock()
		e.drainOnce()
		e.mu.Lock()
		e.settle()
		e.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.logger.Info("persistence engine stopped")
	return e.store.Close()
}

// flush is the timer callback.
func (e *Engine) flush() {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	e.drainOnce()

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) > 0 && !e.closed {
		e.timer = time.AfterFunc(e.window, e.flush)
		return
	}
	e.settle()
}

// settle returns the engine to Idle once the queue is empty. Caller holds mu.
func (e *Engine) settle() {
	if len(e.queue) == 0 && e.state == Draining {
		e.state = Idle
		e.timer = nil
		close(e.idle)
	}
}

// drainOnce takes the whole queue and applies it in one transaction.
// Caller holds drainMu.
func (e *Engine) drainOnce() {
	e.mu.Lock()
	batch := e.queue
	e.queue = nil
	e.timer = nil
	e.metrics.queueDepth.Set(0)
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	e.apply(batch)
}

func (e *Engine) apply(batch []Action) {
	ctx := context.Background()
	start := time.Now()
	defer func() {
		e.metrics.drains.Inc()
		e.metrics.drainTime.Observe(time.Since(start).Seconds())
	}()

	var (
		applied []Kind
		ran     bool
	)
	err := e.store.InTx(ctx, func(w store.Writer) error {
		ran = true
		for _, a := range batch {
			if err := a.Apply(ctx, w); err != nil {
				e.logger.Error("failed to apply action", "kind", a.Kind(), "action", a, "error", err)
				e.metrics.failed.WithLabelValues(string(a.Kind())).Inc()
				continue
			}
			applied = append(applied, a.Kind())
		}
		return nil
	})
	if err != nil {
		e.logger.Error("failed to commit batch", "actions", len(batch), "error", err)
		if !ran {
			applied = applied[:0]
			for _, a := range batch {
				applied = append(applied, a.Kind())
			}
		}
		for _, k := range applied {
			e.metrics.failed.WithLabelValues(string(k)).Inc()
		}
		return
	}
	for _, k := range applied {
		e.metrics.applied.WithLabelValues(string(k)).Inc()
	}
	e.logger.Debug("flushed actions", "actions", len(batch), "applied", len(applied), "elapsed", time.Since(start))
}
