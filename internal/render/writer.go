package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

var (
	// ErrRowLimit matches flushes refused because the body channel is full.
	ErrRowLimit = errors.New("row limit exceeded")
	// ErrClientGone is returned by flushes after the client disconnected.
	ErrClientGone = errors.New("the client closed the connection")
)

// RowLimitError reports a full body channel on a flush that cannot wait.
type RowLimitError struct {
	Limit int
}

func (e *RowLimitError) Error() string {
	return fmt.Sprintf("Row limit exceeded. The server cannot store more than %d pending messages in memory. "+
		"Try again later or increase max_pending_rows in the configuration.", e.Limit)
}

func (e *RowLimitError) Is(target error) bool { return target == ErrRowLimit }

// Writer buffers rendered output and hands it to the HTTP handler in chunks
// through a bounded channel. The status and headers may be changed until
// HeadersReady is closed; after that only the body grows.
type Writer struct {
	status int
	header http.Header

	buf   bytes.Buffer
	body  chan []byte
	limit int

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

// NewWriter returns a writer holding at most maxPending unsent chunks.
func NewWriter(maxPending int) *Writer {
	maxPending = max(maxPending, 1)
	return &Writer{
		status: http.StatusOK,
		header: make(http.Header),
		body:   make(chan []byte, maxPending),
		limit:  maxPending,
		ready:  make(chan struct{}),
	}
}

// Header is the response header map. It must not be modified once the headers
// are ready.
func (w *Writer) Header() http.Header { return w.header }

// Status is the response status code.
func (w *Writer) Status() int { return w.status }

// SetStatus changes the response status code.
func (w *Writer) SetStatus(code int) { w.status = code }

// HeadersReady is closed once the status and headers are final.
func (w *Writer) HeadersReady() <-chan struct{} { return w.ready }

// SendHeaders marks the status and headers as final.
func (w *Writer) SendHeaders() {
	w.readyOnce.Do(func() { close(w.ready) })
}

func (w *Writer) headersSent() bool {
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}

// discard drops buffered output that was not flushed.
func (w *Writer) discard() { w.buf.Reset() }

// Body yields the response body chunks. It is closed by Close.
func (w *Writer) Body() <-chan []byte { return w.body }

// flushThreshold is the buffer size from which writes push a chunk
// themselves.
const flushThreshold = 64 << 10

// Write appends p to the local buffer. A large buffer is flushed without
// waiting, so a full channel makes the write fail with a RowLimitError.
func (w *Writer) Write(p []byte) (int, error) {
	n, _ := w.buf.Write(p)
	if w.buf.Len() >= flushThreshold {
		return n, w.Flush()
	}
	return n, nil
}

// WriteString is Write for strings.
func (w *Writer) WriteString(s string) (int, error) {
	n, _ := w.buf.WriteString(s)
	if w.buf.Len() >= flushThreshold {
		return n, w.Flush()
	}
	return n, nil
}

// Buffered is the number of bytes not yet flushed.
func (w *Writer) Buffered() int { return w.buf.Len() }

// Flush pushes the buffer without waiting. A full channel fails with a
// RowLimitError and keeps the buffer. A pushed chunk is never written to
// again: the buffer is replaced, not reset.
func (w *Writer) Flush() error {
	if w.buf.Len() == 0 {
		return nil
	}
	w.SendHeaders()
	select {
	case w.body <- w.buf.Bytes():
		w.buf = bytes.Buffer{}
		return nil
	default:
		return &RowLimitError{Limit: w.limit}
	}
}

// AsyncFlush pushes the buffer, waiting for room in the channel. It fails
// with ErrClientGone when ctx is done first.
func (w *Writer) AsyncFlush(ctx context.Context) error {
	if w.buf.Len() == 0 {
		return nil
	}
	w.SendHeaders()
	select {
	case w.body <- w.buf.Bytes():
		w.buf = bytes.Buffer{}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrClientGone, context.Cause(ctx))
	}
}

// Close makes a last attempt to deliver buffered output, then ends the body.
// It is safe to call more than once.
func (w *Writer) Close(ctx context.Context) error {
	var err error
	w.closeOnce.Do(func() {
		pending := w.buf.Len()
		if err = w.AsyncFlush(ctx); err != nil {
			slog.Warn("dropping unsent response bytes", "bytes", pending, "err", err)
		}
		w.SendHeaders()
		close(w.body)
	})
	return err
}
