//go:build !linux

package transport

import (
	"fmt"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// NewRFCOMM reports that Bluetooth Classic sockets are Linux-only. On macOS
// and Windows pair the adapter and use its virtual serial port instead.
func NewRFCOMM(address string, opts Options) (Transport, error) {
	return nil, fmt.Errorf("%w: bluetooth classic needs linux, use the paired serial port", obd.ErrUnsupportedTransport)
}
