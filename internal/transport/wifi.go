package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultWiFiPort is where most Wi-Fi ELM clones listen.
const DefaultWiFiPort = "35000"

// WiFi is a TCP socket to a Wi-Fi adapter.
type WiFi struct {
	address string
	opts    Options
	log     *zap.Logger

	mu   sync.Mutex
	conn net.Conn
}

func NewWiFi(address string, opts Options) (Transport, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, DefaultWiFiPort)
	}
	return &WiFi{
		address: address,
		opts:    opts,
		log:     opts.logger().Named("wifi").With(zap.String("address", address)),
	}, nil
}

func (w *WiFi) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", w.address)
	if err != nil {
		return opErr(KindWiFi, "open", err)
	}
	w.conn = conn
	w.log.Info("connected")
	return nil
}

func (w *WiFi) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	if err != nil {
		return opErr(KindWiFi, "close", err)
	}
	return nil
}

func (w *WiFi) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

func (w *WiFi) current() net.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *WiFi) Write(ctx context.Context, p []byte) error {
	conn := w.current()
	if conn == nil {
		return closedErr(KindWiFi, "write")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	w.log.Debug("tx", zap.ByteString("data", p))
	if _, err := conn.Write(p); err != nil {
		return opErr(KindWiFi, "write", err)
	}
	return nil
}

func (w *WiFi) Read(ctx context.Context, max int) ([]byte, error) {
	conn := w.current()
	if conn == nil {
		return nil, closedErr(KindWiFi, "read")
	}
	buf, err := readStream(ctx, deadlineChunks{conn}, max, w.opts.idle(), w.opts.Complete)
	if len(buf) > 0 {
		w.log.Debug("rx", zap.ByteString("data", buf))
	}
	if err != nil {
		return buf, wrapReadErr(KindWiFi, err)
	}
	return buf, nil
}

// deadlineReader is satisfied by net.Conn and *os.File.
type deadlineReader interface {
	Read(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
}

type deadlineChunks struct{ r deadlineReader }

func (c deadlineChunks) readChunk(buf []byte, wait time.Duration) (int, error) {
	if err := c.r.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return 0, err
	}
	n, err := c.r.Read(buf)
	if err != nil && isTimeout(err) {
		return n, nil
	}
	return n, err
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
