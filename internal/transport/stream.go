package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// chunkReader reads whatever arrives within wait. Silence is (0, nil).
type chunkReader interface {
	readChunk(buf []byte, wait time.Duration) (int, error)
}

// readStream gathers bytes from a stream medium until max bytes, a
// complete response, or the end of ctx. Without a complete predicate it
// also stops at idle silence after data. With one, silence is not an end:
// ELM adapters print SEARCHING... and can go quiet for seconds before the
// real reply.
func readStream(ctx context.Context, r chunkReader, max int, idle time.Duration, complete func([]byte) bool) ([]byte, error) {
	if max <= 0 {
		max = DefaultReadSize
	}
	start := time.Now()
	var (
		buf   []byte
		last  time.Time
		chunk = make([]byte, 512)
	)
	for {
		if ctx.Err() != nil {
			return buf, ctxReadErr(ctx, start)
		}
		wait := pollInterval
		if dl, ok := ctx.Deadline(); ok {
			remaining := time.Until(dl)
			if remaining <= 0 {
				return buf, ctxReadErr(ctx, start)
			}
			if remaining < wait {
				wait = remaining
			}
		}
		want := max - len(buf)
		if want > len(chunk) {
			want = len(chunk)
		}
		n, err := r.readChunk(chunk[:want], wait)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			last = time.Now()
			if len(buf) >= max || (complete != nil && complete(buf)) {
				return buf, nil
			}
		}
		if err != nil {
			return buf, err
		}
		if complete == nil && n == 0 && len(buf) > 0 && time.Since(last) >= idle {
			return buf, nil
		}
	}
}

func ctxReadErr(ctx context.Context, start time.Time) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &obd.TimeoutError{Op: "read", After: time.Since(start).Round(time.Millisecond)}
	}
	return ctx.Err()
}

// inbox buffers pushed bytes (BLE notifications, simulator replies) for a
// pull-style Read.
type inbox struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) push(p []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
	b.wake()
}

func (b *inbox) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.buf = nil
	b.mu.Unlock()
	b.wake()
}

func (b *inbox) reopen() {
	b.mu.Lock()
	b.closed = false
	b.buf = nil
	b.mu.Unlock()
}

// discard drops stale bytes left over from an abandoned exchange.
func (b *inbox) discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.buf)
	b.buf = nil
	return n
}

// take returns buffered bytes once they form a complete response (or any
// bytes when complete is nil), never more than max.
func (b *inbox) take(max int, complete func([]byte) bool) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false, obd.ErrTransportClosed
	}
	if len(b.buf) == 0 {
		return nil, false, nil
	}
	if len(b.buf) < max && complete != nil && !complete(b.buf) {
		return nil, false, nil
	}
	n := len(b.buf)
	if n > max {
		n = max
	}
	out := append([]byte(nil), b.buf[:n]...)
	b.buf = b.buf[n:]
	return out, true, nil
}

func (b *inbox) read(ctx context.Context, max int, complete func([]byte) bool) ([]byte, error) {
	if max <= 0 {
		max = DefaultReadSize
	}
	start := time.Now()
	for {
		out, ok, err := b.take(max, complete)
		if err != nil {
			return nil, err
		}
		if ok {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctxReadErr(ctx, start)
		case <-b.signal:
		}
	}
}
