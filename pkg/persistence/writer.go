package persistence

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Writer coalesces persist requests so that flush runs at most once per
// interval. With a zero interval every request flushes synchronously.
type Writer struct {
	interval time.Duration
	flush    func() error
	logger   *zap.Logger

	dirty  chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func NewWriter(interval time.Duration, flush func() error, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Writer{
		interval: interval,
		flush:    flush,
		logger:   logger,
		dirty:    make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	if interval > 0 {
		go w.run()
	} else {
		close(w.done)
	}
	return w
}

// Request marks the state dirty. It never blocks on I/O unless the writer
// runs in synchronous mode.
func (w *Writer) Request() {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	if w.interval <= 0 {
		w.doFlush()
		return
	}

	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.done)

	for {
		select {
		case <-w.dirty:
		case <-w.stopCh:
			return
		}

		w.doFlush()

		select {
		case <-time.After(w.interval):
		case <-w.stopCh:
			return
		}
	}
}

func (w *Writer) doFlush() {
	if err := w.flush(); err != nil {
		w.logger.Warn("Failed to persist state", zap.Error(err))
	}
}

// Close stops the writer and flushes any pending request.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		close(w.stopCh)
		<-w.done

		select {
		case <-w.dirty:
			w.doFlush()
		default:
		}
	})
}
