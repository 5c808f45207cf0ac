// Package transport hides BLE, RFCOMM, USB, serial and Wi-Fi adapters
// behind one byte-oriented contract.
//
// Transports never retry. A failed Open, Write or Read is reported once and
// the connection layer decides what happens next.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// Transport is a duplex byte channel owned by exactly one connection.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	Write(ctx context.Context, p []byte) error
	// Read blocks until max bytes arrive, the response is complete, the
	// line goes idle after data, or ctx ends. A ctx deadline yields an
	// *obd.TimeoutError.
	Read(ctx context.Context, max int) ([]byte, error)
	IsOpen() bool
}

const (
	DefaultIdleTimeout = 150 * time.Millisecond
	DefaultReadSize    = 4096
	pollInterval       = 50 * time.Millisecond
)

// Options carries construction settings. Fields that do not apply to a
// kind are ignored.
type Options struct {
	BaudRate    int
	IdleTimeout time.Duration

	// Complete reports whether buf holds a whole response. It usually comes
	// from the codec so reads stop at the adapter prompt.
	Complete func(buf []byte) bool

	Logger *zap.Logger

	// BLE GATT overrides; empty selects the common fff0/fff1/fff2 layout.
	ServiceUUID string
	NotifyUUID  string
	WriteUUID   string
	// GATTDialer replaces the system Bluetooth adapter.
	GATTDialer GATTDialer

	// Channel is the RFCOMM channel, default 1.
	Channel uint8
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) idle() time.Duration {
	if o.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return o.IdleTimeout
}

// Constructor builds an unopened transport for an address.
type Constructor func(address string, opts Options) (Transport, error)

// Factory maps kinds to constructors.
type Factory struct {
	mu    sync.RWMutex
	ctors map[Kind]Constructor
}

func NewFactory() *Factory {
	return &Factory{ctors: make(map[Kind]Constructor)}
}

// DefaultFactory registers the hardware implementation of every kind.
func DefaultFactory() *Factory {
	f := NewFactory()
	f.Register(KindBLE, NewBLE)
	f.Register(KindBluetoothClassic, NewRFCOMM)
	f.Register(KindUSB, NewUSB)
	f.Register(KindSerial, NewSerial)
	f.Register(KindWiFi, NewWiFi)
	return f
}

func (f *Factory) Register(k Kind, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[k] = c
}

func (f *Factory) New(k Kind, address string, opts Options) (Transport, error) {
	f.mu.RLock()
	c, ok := f.ctors[k]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", obd.ErrUnsupportedTransport, k)
	}
	return c(address, opts)
}

func (f *Factory) Kinds() []Kind {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Kind, 0, len(f.ctors))
	for k := range f.ctors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func closedErr(kind Kind, op string) error {
	return &obd.TransportError{Kind: kind.String(), Op: op, Err: obd.ErrTransportClosed}
}

func opErr(kind Kind, op string, err error) error {
	return &obd.TransportError{Kind: kind.String(), Op: op, Err: err}
}

// wrapReadErr keeps timeouts and cancellation recognisable and tags
// everything else as a transport failure.
func wrapReadErr(kind Kind, err error) error {
	var terr *obd.TransportError
	switch {
	case errors.Is(err, obd.ErrTimeout), errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &terr):
		return err
	case errors.Is(err, obd.ErrTransportClosed):
		return closedErr(kind, "read")
	default:
		return opErr(kind, "read", err)
	}
}
