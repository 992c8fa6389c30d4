package client

import (
	"context"
	"io"
	"sync"
	"time"
)

// watchdog cancels a request context when no bytes move for window.
type watchdog struct {
	window time.Duration
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	timer *time.Timer
}

func newWatchdog(parent context.Context, window time.Duration) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	w := &watchdog{window: window, cancel: cancel}
	if window > 0 {
		w.timer = time.AfterFunc(window, func() { cancel(ErrStalled) })
	}
	return ctx, w
}

func (w *watchdog) kick() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Reset(w.window)
	}
	w.mu.Unlock()
}

func (w *watchdog) stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.cancel(nil)
}

// sourceReader feeds an upload body, keeping the first local read error so
// it is not mistaken for a network failure.
type sourceReader struct {
	r        io.Reader
	dog      *watchdog
	progress func(int64)

	mu  sync.Mutex
	err error
}

func (s *sourceReader) readErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.dog.kick()
		if s.progress != nil {
			s.progress(int64(n))
		}
	}
	if err != nil && err != io.EOF {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
	}
	return n, err
}

// bodyReader wraps a download response body. Read errors are transport
// errors; Close releases the watchdog.
type bodyReader struct {
	ctx      context.Context
	body     io.ReadCloser
	dog      *watchdog
	progress func(int64)
	op       string
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.dog.kick()
		if b.progress != nil {
			b.progress(int64(n))
		}
	}
	if err != nil && err != io.EOF {
		if cause := context.Cause(b.ctx); cause != nil {
			err = cause
		}
		return n, &TransportError{Op: b.op, Err: err}
	}
	return n, err
}

func (b *bodyReader) Close() error {
	b.dog.stop()
	return b.body.Close()
}
