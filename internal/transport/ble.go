package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// Most BLE ELM clones expose a UART-like service at fff0 with a notify
// characteristic at fff1 and a write characteristic at fff2.
const (
	DefaultServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"
	DefaultNotifyUUID  = "0000fff1-0000-1000-8000-00805f9b34fb"
	DefaultWriteUUID   = "0000fff2-0000-1000-8000-00805f9b34fb"

	bleChunk = 20
)

// GATTLink is a connected characteristic pair.
type GATTLink interface {
	Write(p []byte) error
	Disconnect() error
}

// GATTDialer connects to address and delivers every notification to
// notify until the link is disconnected.
type GATTDialer func(ctx context.Context, address string, opts Options, notify func([]byte)) (GATTLink, error)

// BLE maps writes to a characteristic write and reads to buffered
// notifications.
type BLE struct {
	address string
	opts    Options
	dial    GATTDialer
	log     *zap.Logger
	in      *inbox

	mu   sync.Mutex
	link GATTLink
}

func NewBLE(address string, opts Options) (Transport, error) {
	if address == "" {
		return nil, fmt.Errorf("transport: empty ble address")
	}
	dial := opts.GATTDialer
	if dial == nil {
		dial = dialSystemGATT
	}
	return &BLE{
		address: address,
		opts:    opts,
		dial:    dial,
		log:     opts.logger().Named("ble").With(zap.String("address", address)),
		in:      newInbox(),
	}, nil
}

func (b *BLE) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.link != nil {
		return nil
	}
	b.in.reopen()
	link, err := b.dial(ctx, b.address, b.opts, b.in.push)
	if err != nil {
		b.in.close()
		return opErr(KindBLE, "open", err)
	}
	b.link = link
	b.log.Info("connected")
	return nil
}

func (b *BLE) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.link == nil {
		return nil
	}
	err := b.link.Disconnect()
	b.link = nil
	b.in.close()
	if err != nil {
		return opErr(KindBLE, "close", err)
	}
	return nil
}

func (b *BLE) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link != nil
}

func (b *BLE) Write(ctx context.Context, p []byte) error {
	b.mu.Lock()
	link := b.link
	b.mu.Unlock()
	if link == nil {
		return closedErr(KindBLE, "write")
	}
	if n := b.in.discard(); n > 0 {
		b.log.Debug("discarded stale notifications", zap.Int("bytes", n))
	}
	b.log.Debug("tx", zap.ByteString("data", p))
	for len(p) > 0 {
		if err := ctx.Err(); err != nil {
			return opErr(KindBLE, "write", err)
		}
		n := len(p)
		if n > bleChunk {
			n = bleChunk
		}
		if err := link.Write(p[:n]); err != nil {
			return opErr(KindBLE, "write", err)
		}
		p = p[n:]
	}
	return nil
}

func (b *BLE) Read(ctx context.Context, max int) ([]byte, error) {
	if !b.IsOpen() {
		return nil, closedErr(KindBLE, "read")
	}
	buf, err := b.in.read(ctx, max, b.opts.Complete)
	if err != nil {
		return nil, wrapReadErr(KindBLE, err)
	}
	b.log.Debug("rx", zap.ByteString("data", buf))
	return buf, nil
}

var (
	adapterOnce sync.Once
	adapterErr  error
)

// EnableAdapter powers up the default Bluetooth adapter once per process.
func EnableAdapter() (*bluetooth.Adapter, error) {
	adapterOnce.Do(func() {
		adapterErr = bluetooth.DefaultAdapter.Enable()
	})
	return bluetooth.DefaultAdapter, adapterErr
}

// ParseUUID accepts full 128-bit UUIDs or 16-bit short forms ("fff0").
func ParseUUID(s, fallback string) (bluetooth.UUID, error) {
	if s == "" {
		s = fallback
	}
	if len(s) == 4 {
		var v uint16
		if _, err := fmt.Sscanf(strings.ToLower(s), "%04x", &v); err != nil {
			return bluetooth.UUID{}, fmt.Errorf("transport: bad uuid %q", s)
		}
		return bluetooth.New16BitUUID(v), nil
	}
	return bluetooth.ParseUUID(strings.ToLower(s))
}

type systemLink struct {
	write      func([]byte) (int, error)
	disconnect func() error
}

func (l *systemLink) Write(p []byte) error {
	_, err := l.write(p)
	return err
}

func (l *systemLink) Disconnect() error { return l.disconnect() }

// dialSystemGATT scans for address, connects, and subscribes to the notify
// characteristic.
func dialSystemGATT(ctx context.Context, address string, opts Options, notify func([]byte)) (GATTLink, error) {
	svcUUID, err := ParseUUID(opts.ServiceUUID, DefaultServiceUUID)
	if err != nil {
		return nil, err
	}
	notifyUUID, err := ParseUUID(opts.NotifyUUID, DefaultNotifyUUID)
	if err != nil {
		return nil, err
	}
	writeUUID, err := ParseUUID(opts.WriteUUID, DefaultWriteUUID)
	if err != nil {
		return nil, err
	}

	adapter, err := EnableAdapter()
	if err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if strings.EqualFold(r.Address.String(), address) {
				select {
				case found <- r:
				default:
				}
				a.StopScan()
			}
		})
	}()

	var result bluetooth.ScanResult
	select {
	case result = <-found:
	case err := <-scanErr:
		// Scan returns once StopScan runs, possibly before we see found.
		select {
		case result = <-found:
		default:
			if err == nil {
				err = fmt.Errorf("scan stopped before %s was seen", address)
			}
			return nil, err
		}
	case <-ctx.Done():
		adapter.StopScan()
		return nil, ctx.Err()
	}

	dev, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	disconnect := dev.Disconnect

	services, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		disconnect()
		return nil, fmt.Errorf("service %s not found: %v", svcUUID, err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{notifyUUID, writeUUID})
	if err != nil {
		disconnect()
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}

	var link systemLink
	link.disconnect = disconnect
	subscribed := false
	for i := range chars {
		c := chars[i]
		if c.UUID() == notifyUUID {
			if err := c.EnableNotifications(func(buf []byte) {
				notify(append([]byte(nil), buf...))
			}); err != nil {
				disconnect()
				return nil, fmt.Errorf("enable notifications: %w", err)
			}
			subscribed = true
		}
		// Some adapters use one characteristic for both directions.
		if c.UUID() == writeUUID {
			link.write = c.WriteWithoutResponse
		}
	}
	if !subscribed || link.write == nil {
		disconnect()
		return nil, fmt.Errorf("characteristics %s/%s not found", notifyUUID, writeUUID)
	}
	return &link, nil
}
