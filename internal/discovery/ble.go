package discovery

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/shaunagostinho/goobd/internal/transport"
)

// Advertisement is one BLE advertising report.
type Advertisement struct {
	Address  string
	Name     string
	RSSI     int
	Services []string
}

// AdvertSource scans until ctx ends, calling found for every report.
type AdvertSource func(ctx context.Context, found func(Advertisement)) error

// BLEScanner reports each advertising adapter once per scan.
type BLEScanner struct {
	source AdvertSource
	all    bool
	log    *zap.Logger
}

type BLEOption func(*BLEScanner)

// WithAdvertSource replaces the system adapter.
func WithAdvertSource(src AdvertSource) BLEOption {
	return func(s *BLEScanner) { s.source = src }
}

// WithAllDevices disables the automotive filter.
func WithAllDevices() BLEOption {
	return func(s *BLEScanner) { s.all = true }
}

func NewBLEScanner(log *zap.Logger, opts ...BLEOption) *BLEScanner {
	if log == nil {
		log = zap.NewNop()
	}
	s := &BLEScanner{source: systemAdverts, log: log.Named("discovery.ble")}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *BLEScanner) Scan(ctx context.Context) (<-chan Device, error) {
	ch := make(chan Device)
	go func() {
		defer close(ch)
		seen := make(map[string]bool)
		err := s.source(ctx, func(a Advertisement) {
			key := strings.ToUpper(a.Address)
			if seen[key] {
				return
			}
			if !s.all && !IsAutomotive(a.Name, a.Services) {
				return
			}
			seen[key] = true
			d := Device{
				Address:      a.Address,
				Name:         a.Name,
				RSSI:         a.RSSI,
				Connectable:  true,
				Kind:         transport.KindBLE,
				AdapterType:  AdapterType(a.Name, a.Services),
				ServiceUUIDs: a.Services,
			}
			select {
			case ch <- d:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			s.log.Warn("scan failed", zap.Error(err))
		}
		s.log.Debug("scan finished", zap.Int("devices", len(seen)))
	}()
	return ch, nil
}

// systemAdverts scans with the default adapter until ctx ends. Only the
// known OBD services are looked for in each advertisement.
func systemAdverts(ctx context.Context, found func(Advertisement)) error {
	adapter, err := transport.EnableAdapter()
	if err != nil {
		return err
	}
	type candidate struct {
		uuid bluetooth.UUID
		name string
	}
	var candidates []candidate
	for _, s := range obdServices {
		if u, err := bluetooth.ParseUUID(s); err == nil {
			candidates = append(candidates, candidate{u, s})
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			adapter.StopScan()
		case <-stop:
		}
	}()

	return adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if ctx.Err() != nil {
			return
		}
		adv := Advertisement{
			Address: r.Address.String(),
			Name:    r.LocalName(),
			RSSI:    int(r.RSSI),
		}
		for _, p := range candidates {
			if r.HasServiceUUID(p.uuid) {
				adv.Services = append(adv.Services, p.name)
			}
		}
		found(adv)
	})
}
