// Package batcher converts a high-rate stream of small writes into bounded,
// adaptively sized batches with backpressure and at-least-once durability.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/uds3-core/internal/domain"
	"github.com/fairyhunter13/uds3-core/internal/observability"
)

// Item is one unit of batched work. ID must be stable so replay against an
// upsert-shaped backend operation converges.
type Item struct {
	ID      string         `json:"id"`
	Payload domain.Payload `json:"payload"`
}

// Config tunes one batcher instance. Zero values fall back to defaults.
type Config struct {
	MinBatch      int
	MaxBatch      int
	Growth        float64
	Shrink        float64
	LatencyTarget time.Duration
	MaxLinger     time.Duration
	HighWatermark int
	MaxRetries    int
	// Kind and Operation select the dispatch target; the operation must have
	// upsert semantics for replay to be idempotent.
	Kind      domain.BackendKind
	Operation string
}

func (c Config) withDefaults() Config {
	if c.MinBatch <= 0 {
		c.MinBatch = 16
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 512
	}
	if c.Growth <= 0 {
		c.Growth = 0.08
	}
	if c.Shrink <= 0 {
		c.Shrink = 0.2
	}
	if c.LatencyTarget <= 0 {
		c.LatencyTarget = 200 * time.Millisecond
	}
	if c.MaxLinger <= 0 {
		c.MaxLinger = 50 * time.Millisecond
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 10000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Kind == "" {
		c.Kind = domain.KindVector
	}
	if c.Operation == "" {
		c.Operation = "upsert"
	}
	return c
}

type queued struct {
	item       Item
	enqueuedAt time.Time
}

// Batcher owns a bounded queue drained by a single consumer goroutine.
// Producers never block: over the high watermark Submit rejects.
type Batcher struct {
	cfg  Config
	exec domain.Executor
	log  *RecoveryLog

	queue   chan queued
	flushCh chan chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool

	target atomic.Int64

	// Smoothed control metrics, touched only by the consumer goroutine.
	ewmaLatencyMS float64
	ewmaErrRate   float64
}

const ewmaAlpha = 0.3

// New constructs a batcher. The recovery log may be nil, in which case failed
// batches are counted as failed instead of persisted.
func New(exec domain.Executor, log *RecoveryLog, cfg Config) *Batcher {
	cfg = cfg.withDefaults()
	b := &Batcher{
		cfg:     cfg,
		exec:    exec,
		log:     log,
		queue:   make(chan queued, cfg.HighWatermark),
		flushCh: make(chan chan struct{}),
		quit:    make(chan struct{}),
	}
	b.target.Store(int64(cfg.MinBatch))
	return b
}

// Start launches the consumer goroutine.
func (b *Batcher) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.loop(ctx)
	}()
}

// Submit enqueues one item without blocking. Over the high watermark it
// rejects with ErrQueueFull; callers own the retry decision.
func (b *Batcher) Submit(item Item) error {
	if b.closed.Load() {
		return fmt.Errorf("op=batcher.submit: %w: batcher shut down", domain.ErrUnavailable)
	}
	if item.ID == "" {
		return fmt.Errorf("op=batcher.submit: %w: item id required", domain.ErrInvalidArgument)
	}
	select {
	case b.queue <- queued{item: item, enqueuedAt: time.Now()}:
		observability.BatcherItemsSubmitted.Inc()
		observability.BatcherQueueSize.Set(float64(len(b.queue)))
		return nil
	default:
		return fmt.Errorf("op=batcher.submit: %w", domain.ErrQueueFull)
	}
}

// Flush forces a drain of whatever is buffered and waits for it, bounded by
// timeout.
func (b *Batcher) Flush(timeout time.Duration) error {
	ack := make(chan struct{})
	select {
	case b.flushCh <- ack:
	case <-time.After(timeout):
		return fmt.Errorf("op=batcher.flush: %w: consumer busy", domain.ErrTransient)
	}
	select {
	case <-ack:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("op=batcher.flush: %w: drain timeout", domain.ErrTransient)
	}
}

// Shutdown stops intake and drains. Every accepted item is committed, parked
// in the recovery log, or counted as failed before return.
func (b *Batcher) Shutdown(drainTimeout time.Duration) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.quit)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		return fmt.Errorf("op=batcher.shutdown: %w: drain timeout", domain.ErrTransient)
	}
}

// TargetBatchSize exposes the current adaptive target.
func (b *Batcher) TargetBatchSize() int { return int(b.target.Load()) }

// loop is the single consumer: accumulate until the target size or the
// oldest item's linger expires, then commit.
func (b *Batcher) loop(ctx context.Context) {
	var batch []queued
	for {
		observability.BatcherQueueSize.Set(float64(len(b.queue)))
		if len(batch) == 0 {
			select {
			case q := <-b.queue:
				batch = append(batch, q)
			case ack := <-b.flushCh:
				b.drain(ctx, nil)
				close(ack)
			case <-b.quit:
				b.drain(ctx, batch)
				return
			case <-ctx.Done():
				b.drain(context.Background(), batch)
				return
			}
			continue
		}

		if len(batch) >= int(b.target.Load()) {
			b.commit(ctx, batch)
			batch = nil
			continue
		}
		linger := time.Until(batch[0].enqueuedAt.Add(b.cfg.MaxLinger))
		if linger <= 0 {
			b.commit(ctx, batch)
			batch = nil
			continue
		}
		timer := time.NewTimer(linger)
		select {
		case q := <-b.queue:
			batch = append(batch, q)
		case <-timer.C:
			b.commit(ctx, batch)
			batch = nil
		case ack := <-b.flushCh:
			b.drain(ctx, batch)
			batch = nil
			close(ack)
		case <-b.quit:
			timer.Stop()
			b.drain(ctx, batch)
			return
		case <-ctx.Done():
			timer.Stop()
			b.drain(context.Background(), batch)
			return
		}
		timer.Stop()
	}
}

// drain commits the partial batch plus everything still queued.
func (b *Batcher) drain(ctx context.Context, batch []queued) {
	for {
		select {
		case q := <-b.queue:
			batch = append(batch, q)
			if len(batch) >= b.cfg.MaxBatch {
				b.commit(ctx, batch)
				batch = nil
			}
		default:
			if len(batch) > 0 {
				b.commit(ctx, batch)
			}
			observability.BatcherQueueSize.Set(0)
			return
		}
	}
}

// commit dispatches one batch, retrying transient failures, then feeds the
// control loop that adapts the target size.
func (b *Batcher) commit(ctx context.Context, batch []queued) {
	docs := make([]map[string]any, 0, len(batch))
	items := make([]Item, 0, len(batch))
	for _, q := range batch {
		doc := map[string]any{"id": q.item.ID}
		for k, v := range q.item.Payload {
			doc[k] = v
		}
		docs = append(docs, doc)
		items = append(items, q.item)
	}
	payload := domain.Payload{"documents": docs}

	started := time.Now()
	var err error
	for attempt := 0; ; attempt++ {
		_, err = b.exec.Execute(ctx, b.cfg.Kind, b.cfg.Operation, payload)
		if err == nil || !errors.Is(err, domain.ErrTransient) || attempt >= b.cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		case <-ctx.Done():
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}
	latencyMS := float64(time.Since(started).Milliseconds())
	observability.BatcherBatchLatency.Observe(latencyMS)

	if err == nil {
		observability.BatcherItemsCommitted.Add(float64(len(items)))
		b.observe(latencyMS, false)
		return
	}

	slog.Warn("batch commit failed, parking items",
		slog.Int("items", len(items)),
		slog.Any("error", err))
	b.observe(latencyMS, true)

	if b.log != nil {
		lerr := b.log.Append(items)
		if lerr == nil {
			return
		}
		slog.Error("recovery log append failed", slog.Any("error", lerr))
	}
	observability.BatcherItemsFailed.Add(float64(len(items)))
}

// observe updates the smoothed metrics and runs one control tick.
func (b *Batcher) observe(latencyMS float64, failed bool) {
	errVal := 0.0
	if failed {
		errVal = 1.0
	}
	b.ewmaLatencyMS = ewmaAlpha*latencyMS + (1-ewmaAlpha)*b.ewmaLatencyMS
	b.ewmaErrRate = ewmaAlpha*errVal + (1-ewmaAlpha)*b.ewmaErrRate

	target := float64(b.target.Load())
	latTarget := float64(b.cfg.LatencyTarget.Milliseconds())
	switch {
	case b.ewmaErrRate < 0.01 && b.ewmaLatencyMS < latTarget:
		target *= 1 + b.cfg.Growth
	case b.ewmaErrRate > 0.05 || b.ewmaLatencyMS > 2*latTarget:
		target *= 1 - b.cfg.Shrink
	}
	if target > float64(b.cfg.MaxBatch) {
		target = float64(b.cfg.MaxBatch)
	}
	if target < float64(b.cfg.MinBatch) {
		target = float64(b.cfg.MinBatch)
	}
	b.target.Store(int64(target))
	observability.BatcherBatchSize.Set(target)
}

// RunReplayLoop periodically replays the recovery log against the backend
// until ctx ends. Replay is idempotent: items carry stable IDs and the
// configured operation upserts.
func (b *Batcher) RunReplayLoop(ctx context.Context, interval time.Duration) {
	if b.log == nil {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := b.log.Replay(func(item Item) error {
				doc := map[string]any{"id": item.ID}
				for k, v := range item.Payload {
					doc[k] = v
				}
				_, rerr := b.exec.Execute(ctx, b.cfg.Kind, b.cfg.Operation, domain.Payload{"documents": []map[string]any{doc}})
				return rerr
			})
			if err != nil {
				slog.Warn("recovery replay pass failed", slog.Any("error", err))
			}
			if n > 0 {
				observability.BatcherItemsRecovered.Add(float64(n))
				slog.Info("recovered parked items", slog.Int("items", n))
			}
		}
	}
}
