package file

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/replayd/pkg/logging"
)

// ErrWriterClosed is returned by Persist after Close.
var ErrWriterClosed = errors.New("writer is closed")

// Sink receives snapshots from an AsyncWriter.
type Sink interface {
	Persist(snapshot []byte) error
}

// AsyncOptions configures an AsyncWriter.
type AsyncOptions struct {
	// Debounce delays each write so bursts of snapshots collapse into one.
	Debounce time.Duration
	// Logger reports failed writes (nil = no logging)
	Logger *slog.Logger
}

// AsyncWriter hands snapshots to a Sink on a single background goroutine.
// Only the latest pending snapshot is written, so writes never go backwards
// and a slow disk never blocks the caller.
type AsyncWriter struct {
	sink     Sink
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending []byte
	closed  bool

	writes   atomic.Int64
	failures atomic.Int64

	signal    chan struct{}
	closeCh   chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once
}

// NewAsyncWriter starts a writer draining into sink.
func NewAsyncWriter(sink Sink, opts AsyncOptions) *AsyncWriter {
	w := &AsyncWriter{
		sink:     sink,
		debounce: opts.Debounce,
		log:      opts.Logger,
		signal:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
		closedCh: make(chan struct{}),
	}
	if w.log == nil {
		w.log = logging.Nop()
	}
	go w.loop()
	return w
}

// Persist queues snapshot, replacing any snapshot not yet written. It never
// blocks on I/O.
func (w *AsyncWriter) Persist(snapshot []byte) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.pending = snapshot
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
	return nil
}

// Close writes any pending snapshot and stops the writer. Safe to call
// multiple times.
func (w *AsyncWriter) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.closeCh)
	})
	<-w.closedCh
	return nil
}

// Writes returns the number of successful writes.
func (w *AsyncWriter) Writes() int64 {
	return w.writes.Load()
}

// Failures returns the number of failed writes.
func (w *AsyncWriter) Failures() int64 {
	return w.failures.Load()
}

func (w *AsyncWriter) loop() {
	defer close(w.closedCh)
	for {
		select {
		case <-w.signal:
			if w.debounce > 0 {
				select {
				case <-time.After(w.debounce):
				case <-w.closeCh:
				}
			}
			w.flush()
		case <-w.closeCh:
			w.flush()
			return
		}
	}
}

func (w *AsyncWriter) flush() {
	w.mu.Lock()
	snapshot := w.pending
	w.pending = nil
	w.mu.Unlock()

	if snapshot == nil {
		return
	}
	if err := w.sink.Persist(snapshot); err != nil {
		w.failures.Add(1)
		w.log.Warn("failed to write fixture", "error", err)
		return
	}
	w.writes.Add(1)
}
