package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	DefaultBaudRate = 38400

	drainSilence = 100 * time.Millisecond
	drainTimeout = 1500 * time.Millisecond
)

// serialPort is the part of serial.Port this package uses.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

var openPort = func(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

// Serial is a UART adapter on a local device path.
type Serial struct {
	kind     Kind
	path     string
	baudRate int
	opts     Options
	log      *zap.Logger

	mu   sync.Mutex
	port serialPort
}

func NewSerial(address string, opts Options) (Transport, error) {
	return newSerial(KindSerial, address, opts), nil
}

func newSerial(kind Kind, path string, opts Options) *Serial {
	baud := opts.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &Serial{
		kind:     kind,
		path:     path,
		baudRate: baud,
		opts:     opts,
		log:      opts.logger().Named("serial").With(zap.String("port", path)),
	}
}

func (s *Serial) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return opErr(s.kind, "open", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(s.path, mode)
	if err != nil {
		return opErr(s.kind, "open", fmt.Errorf("%s: %w", s.path, err))
	}
	s.port = port
	s.log.Info("opened", zap.Int("baud", s.baudRate))

	// Adapters print a banner on power-up.
	s.drainLocked("open")
	return nil
}

// drainLocked discards pending input until the line is quiet.
func (s *Serial) drainLocked(label string) {
	_ = s.port.ResetInputBuffer()
	_ = s.port.SetReadTimeout(drainSilence)

	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, _ := s.port.Read(buf)
		if n == 0 {
			break
		}
		if total == 0 {
			s.log.Debug("drain first bytes", zap.String("phase", label), zap.Binary("bytes", buf[:n]))
		}
		total += n
	}
	if total > 0 {
		s.log.Debug("drained", zap.String("phase", label), zap.Int("bytes", total))
	}
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	if err != nil {
		return opErr(s.kind, "close", err)
	}
	return nil
}

func (s *Serial) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *Serial) current() serialPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Serial) Write(ctx context.Context, p []byte) error {
	port := s.current()
	if port == nil {
		return closedErr(s.kind, "write")
	}
	if err := ctx.Err(); err != nil {
		return opErr(s.kind, "write", err)
	}
	s.log.Debug("tx", zap.ByteString("data", p))
	for len(p) > 0 {
		n, err := port.Write(p)
		if err != nil {
			return opErr(s.kind, "write", err)
		}
		p = p[n:]
	}
	return nil
}

func (s *Serial) Read(ctx context.Context, max int) ([]byte, error) {
	port := s.current()
	if port == nil {
		return nil, closedErr(s.kind, "read")
	}
	buf, err := readStream(ctx, serialChunks{port}, max, s.opts.idle(), s.opts.Complete)
	if len(buf) > 0 {
		s.log.Debug("rx", zap.ByteString("data", buf))
	}
	if err != nil {
		return buf, wrapReadErr(s.kind, err)
	}
	return buf, nil
}

type serialChunks struct{ port serialPort }

func (c serialChunks) readChunk(buf []byte, wait time.Duration) (int, error) {
	if err := c.port.SetReadTimeout(wait); err != nil {
		return 0, err
	}
	return c.port.Read(buf)
}
