// Package persist writes conversation turns to durable storage off the
// request path.
//
// Messages are queued on a buffered channel and a background goroutine
// inserts them in batches, one transaction per batch. When the queue is full
// new messages are dropped and counted. Insert failures are logged and
// counted, never returned to the request that produced the message.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/companion-gateway/internal/store"
)

const (
	defaultBuffer        = 10_000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultInsertTimeout = 5 * time.Second
)

// Outcome labels passed to the observer.
const (
	OutcomeWritten = "written"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// BatchInserter is the subset of store.Store the writer needs.
type BatchInserter interface {
	InsertBatch(ctx context.Context, msgs []store.Message) error
}

// Writer is a fire-and-forget message sink.
type Writer struct {
	sink BatchInserter

	ch   chan store.Message
	done chan struct{}
	wg   sync.WaitGroup

	// mu orders Enqueue's send against Close, so nothing reaches ch after
	// the run loop has started its final drain.
	mu     sync.RWMutex
	closed bool

	batchSize     int
	flushInterval time.Duration
	insertTimeout time.Duration
	observe       func(outcome string)

	written int64
	failed  int64
	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithBuffer sets the queue capacity.
func WithBuffer(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.ch = make(chan store.Message, n)
		}
	}
}

// WithBatchSize sets how many queued messages trigger an early flush.
func WithBatchSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.flushInterval = d
		}
	}
}

// WithInsertTimeout bounds each batch insert.
func WithInsertTimeout(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.insertTimeout = d
		}
	}
}

// WithObserver registers a callback invoked with an Outcome for every
// message, e.g. to feed metrics.
func WithObserver(fn func(outcome string)) Option {
	return func(w *Writer) { w.observe = fn }
}

// New starts a Writer that inserts into sink. Inserts run under ctx, not
// under the context of the request that queued the message, so they
// complete even when the client disconnects.
func New(ctx context.Context, sink BatchInserter, logger *slog.Logger, opts ...Option) (*Writer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("persist: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("persist: sink must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Writer{
		sink:          sink,
		ch:            make(chan store.Message, defaultBuffer),
		done:          make(chan struct{}),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		insertTimeout: defaultInsertTimeout,
		observe:       func(string) {},
		baseCtx:       context.WithoutCancel(ctx),
		log:           logger,
	}
	for _, o := range opts {
		o(w)
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Enqueue queues m without blocking. It reports false when the message was
// dropped because the queue is full or the writer is closed.
func (w *Writer) Enqueue(m store.Message) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.drop()
		return false
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	select {
	case w.ch <- m:
		return true
	default:
		w.drop()
		return false
	}
}

func (w *Writer) drop() {
	atomic.AddInt64(&w.dropped, 1)
	w.observe(OutcomeDropped)
}

// Written returns the number of messages inserted successfully.
func (w *Writer) Written() int64 { return atomic.LoadInt64(&w.written) }

// Failed returns the number of messages whose insert failed.
func (w *Writer) Failed() int64 { return atomic.LoadInt64(&w.failed) }

// Dropped returns the number of messages discarded before insert.
func (w *Writer) Dropped() int64 { return atomic.LoadInt64(&w.dropped) }

// Close stops accepting messages, flushes the queue and waits for the
// background goroutine to exit.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.done)
	}
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]store.Message, 0, w.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.insertBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case m := <-w.ch:
			batch = append(batch, m)
			if len(batch) >= w.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case m := <-w.ch:
					batch = append(batch, m)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) insertBatch(batch []store.Message) {
	ctx, cancel := context.WithTimeout(w.baseCtx, w.insertTimeout)
	defer cancel()

	n := int64(len(batch))
	if err := w.sink.InsertBatch(ctx, batch); err != nil {
		atomic.AddInt64(&w.failed, n)
		for range batch {
			w.observe(OutcomeFailed)
		}
		w.log.WarnContext(ctx, "persist_failed",
			slog.Int("batch", len(batch)),
			slog.String("first_id", batch[0].ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	atomic.AddInt64(&w.written, n)
	for range batch {
		w.observe(OutcomeWritten)
	}
}
