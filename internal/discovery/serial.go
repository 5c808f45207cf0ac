package discovery

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/transport"
)

// USB-serial bridges found in cable adapters, by VID:PID.
var usbBridges = map[string]string{
	"0403:6001": "FTDI FT232",
	"0403:6015": "FTDI FT231X",
	"067B:2303": "Prolific PL2303",
	"1A86:7523": "CH340",
	"10C4:EA60": "CP210x",
}

// SerialScanner lists serial ports. USB ports are reported twice: once as a
// serial path and once as a stable usb:VID:PID[:SERIAL] address.
type SerialScanner struct {
	list func() ([]*enumerator.PortDetails, error)
	all  bool
	log  *zap.Logger
}

type SerialOption func(*SerialScanner)

// WithPortLister replaces the OS enumerator.
func WithPortLister(list func() ([]*enumerator.PortDetails, error)) SerialOption {
	return func(s *SerialScanner) { s.list = list }
}

// WithAllPorts includes ports that are not USB bridges.
func WithAllPorts() SerialOption {
	return func(s *SerialScanner) { s.all = true }
}

func NewSerialScanner(log *zap.Logger, opts ...SerialOption) *SerialScanner {
	if log == nil {
		log = zap.NewNop()
	}
	s := &SerialScanner{list: enumerator.GetDetailedPortsList, log: log.Named("discovery.serial")}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SerialScanner) Scan(ctx context.Context) (<-chan Device, error) {
	ports, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	ch := make(chan Device)
	go func() {
		defer close(ch)
		for _, p := range ports {
			for _, d := range s.devices(p) {
				select {
				case ch <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (s *SerialScanner) devices(p *enumerator.PortDetails) []Device {
	if !p.IsUSB {
		if !s.all {
			return nil
		}
		return []Device{{Address: p.Name, Name: p.Name, Connectable: true, Kind: transport.KindSerial}}
	}
	vidpid := strings.ToUpper(p.VID + ":" + p.PID)
	bridge := usbBridges[vidpid]
	if bridge == "" && !s.all && !IsAutomotive(p.Product, nil) {
		return nil
	}
	name := p.Product
	if name == "" {
		name = bridge
	}
	adapter := AdapterType(p.Product, nil)
	if adapter == "" {
		adapter = bridge
	}
	usbAddr := "usb:" + vidpid
	if p.SerialNumber != "" {
		usbAddr += ":" + p.SerialNumber
	}
	return []Device{
		{Address: p.Name, Name: name, Connectable: true, Kind: transport.KindSerial, AdapterType: adapter},
		{Address: usbAddr, Name: name, Connectable: true, Kind: transport.KindUSB, AdapterType: adapter},
	}
}
