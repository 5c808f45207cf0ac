// Package discovery finds OBD2 adapters. Scanners stream results over a
// channel that is closed when the scan ends, either because ctx expired or
// because the underlying enumeration finished.
package discovery

import (
	"context"
	"strings"

	"github.com/shaunagostinho/goobd/internal/transport"
)

// Device is one discovered adapter. Address is what the manager's Connect
// expects for Kind.
type Device struct {
	Address      string         `json:"address"`
	Name         string         `json:"name,omitempty"`
	RSSI         int            `json:"rssi,omitempty"`
	Connectable  bool           `json:"connectable"`
	Kind         transport.Kind `json:"kind"`
	AdapterType  string         `json:"adapter_type,omitempty"`
	ServiceUUIDs []string       `json:"service_uuids,omitempty"`
}

type Scanner interface {
	Scan(ctx context.Context) (<-chan Device, error)
}

// Collect drains ch into a slice.
func Collect(ch <-chan Device) []Device {
	var out []Device
	for d := range ch {
		out = append(out, d)
	}
	return out
}

var automotiveKeywords = []string{
	"obd", "elm", "vlink", "obdii", "obdlink", "scantool",
	"veepeak", "bafx", "foseal", "panlong", "konnwei", "vgate", "carista",
}

// Service UUIDs advertised by common BLE OBD2 adapters.
var obdServices = []string{
	"0000fff0-0000-1000-8000-00805f9b34fb",
	"0000ffe0-0000-1000-8000-00805f9b34fb",
	"e7810a71-73ae-499d-8c15-faa9aef0c3f2",
}

// IsAutomotive reports whether a name or advertised service looks like an
// OBD2 adapter.
func IsAutomotive(name string, services []string) bool {
	lower := strings.ToLower(name)
	for _, k := range automotiveKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	for _, s := range services {
		if isOBDService(s) {
			return true
		}
	}
	return false
}

func isOBDService(uuid string) bool {
	for _, known := range obdServices {
		if strings.EqualFold(uuid, known) {
			return true
		}
	}
	return false
}

// AdapterType guesses the adapter family from its advertised name.
func AdapterType(name string, services []string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "obdlink"):
		return "OBDLink"
	case strings.Contains(lower, "elm"):
		return "ELM327"
	case strings.Contains(lower, "vlink"), strings.Contains(lower, "vgate"):
		return "VLink"
	case strings.Contains(lower, "obd"):
		return "OBD2"
	}
	for _, s := range services {
		if isOBDService(s) {
			return "OBD2"
		}
	}
	if IsAutomotive(name, nil) {
		return "Unknown Automotive"
	}
	return ""
}
