package transport

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

var listPorts = enumerator.GetDetailedPortsList

// USB is a USB adapter exposed by the OS as a CDC-ACM or FTDI serial
// device. The address is either a device path or "usb:VID:PID[:SERIAL]",
// resolved to a path on every Open so re-plugging is tolerated.
type USB struct {
	*Serial
	address string
}

func NewUSB(address string, opts Options) (Transport, error) {
	if _, _, _, err := parseUSBAddress(address); err != nil {
		return nil, err
	}
	return &USB{Serial: newSerial(KindUSB, address, opts), address: address}, nil
}

// parseUSBAddress splits a usb: address. A plain path returns empty ids.
func parseUSBAddress(address string) (vid, pid, serialNo string, err error) {
	rest, ok := strings.CutPrefix(address, "usb:")
	if !ok {
		return "", "", "", nil
	}
	parts := strings.Split(rest, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("transport: bad usb address %q, want usb:VID:PID[:SERIAL]", address)
	}
	vid, pid = strings.ToUpper(parts[0]), strings.ToUpper(parts[1])
	if len(parts) == 3 {
		serialNo = parts[2]
	}
	return vid, pid, serialNo, nil
}

// ResolveUSB finds the device path for a usb: address.
func ResolveUSB(address string) (string, error) {
	vid, pid, serialNo, err := parseUSBAddress(address)
	if err != nil {
		return "", err
	}
	if vid == "" {
		return address, nil
	}
	ports, err := listPorts()
	if err != nil {
		return "", fmt.Errorf("transport: enumerate ports: %w", err)
	}
	for _, p := range ports {
		if !p.IsUSB || strings.ToUpper(p.VID) != vid || strings.ToUpper(p.PID) != pid {
			continue
		}
		if serialNo != "" && p.SerialNumber != serialNo {
			continue
		}
		return p.Name, nil
	}
	return "", fmt.Errorf("transport: no usb device %s:%s attached", vid, pid)
}

func (u *USB) Open(ctx context.Context) error {
	path, err := ResolveUSB(u.address)
	if err != nil {
		return opErr(KindUSB, "open", err)
	}
	u.Serial.mu.Lock()
	u.Serial.path = path
	u.Serial.log = u.opts.logger().Named("usb").With(zap.String("address", u.address), zap.String("port", path))
	u.Serial.mu.Unlock()
	return u.Serial.Open(ctx)
}
