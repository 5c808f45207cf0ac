// Package obd holds the request/response data model shared by the codec,
// registry, transport and connection layers, together with the typed errors
// every layer reports.
package obd

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode is the OBD2 diagnostic service byte.
type Mode byte

const (
	ModeCurrentData     Mode = 0x01
	ModeFreezeFrame     Mode = 0x02
	ModeStoredCodes     Mode = 0x03
	ModeClearCodes      Mode = 0x04
	ModeOxygenSensor    Mode = 0x05
	ModeMonitorResults  Mode = 0x06
	ModePendingCodes    Mode = 0x07
	ModeControl         Mode = 0x08
	ModeVehicleInfo     Mode = 0x09
	ModePermanentCodes  Mode = 0x0A
	ModeEnhancedData    Mode = 0x22 // manufacturer ReadDataByIdentifier, 16-bit PIDs
	NegativeResponse    byte = 0x7F
	positiveResponseAdd byte = 0x40
)

// Valid reports whether m is a mode this engine knows how to frame.
func (m Mode) Valid() bool {
	switch m {
	case ModeCurrentData, ModeFreezeFrame, ModeStoredCodes, ModeClearCodes,
		ModeOxygenSensor, ModeMonitorResults, ModePendingCodes, ModeControl,
		ModeVehicleInfo, ModePermanentCodes, ModeEnhancedData:
		return true
	}
	return false
}

// RequiresPID reports whether requests in this mode carry a PID.
func (m Mode) RequiresPID() bool {
	switch m {
	case ModeStoredCodes, ModeClearCodes, ModePendingCodes, ModePermanentCodes:
		return false
	}
	return true
}

// PIDWidth is the number of bytes the PID occupies on the wire.
func (m Mode) PIDWidth() int {
	switch {
	case m == ModeEnhancedData:
		return 2
	case m.RequiresPID():
		return 1
	default:
		return 0
	}
}

// ReturnsDTCs reports whether the positive response is a trouble code list.
func (m Mode) ReturnsDTCs() bool {
	return m == ModeStoredCodes || m == ModePendingCodes || m == ModePermanentCodes
}

// Response is the positive response service byte for this mode.
func (m Mode) Response() byte {
	return byte(m) + positiveResponseAdd
}

func (m Mode) String() string {
	switch m {
	case ModeCurrentData:
		return "current data"
	case ModeFreezeFrame:
		return "freeze frame"
	case ModeStoredCodes:
		return "stored codes"
	case ModeClearCodes:
		return "clear codes"
	case ModeOxygenSensor:
		return "oxygen sensor"
	case ModeMonitorResults:
		return "monitor results"
	case ModePendingCodes:
		return "pending codes"
	case ModeControl:
		return "control operation"
	case ModeVehicleInfo:
		return "vehicle info"
	case ModePermanentCodes:
		return "permanent codes"
	case ModeEnhancedData:
		return "enhanced data"
	default:
		return fmt.Sprintf("mode 0x%02X", byte(m))
	}
}

// ParseRef parses a "MM:PP" or "MM:PPPP" hex reference (e.g. "01:0C",
// "22:1E1C") or a bare "MM" for PID-less modes.
func ParseRef(s string) (Mode, uint16, error) {
	s = strings.TrimSpace(s)
	modeStr, pidStr, hasPID := strings.Cut(s, ":")
	mv, err := strconv.ParseUint(modeStr, 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("obd: bad mode in %q: %w", s, err)
	}
	mode := Mode(mv)
	if !hasPID {
		return mode, 0, nil
	}
	pv, err := strconv.ParseUint(pidStr, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("obd: bad pid in %q: %w", s, err)
	}
	return mode, uint16(pv), nil
}

// FormatRef is the inverse of ParseRef.
func FormatRef(mode Mode, pid uint16) string {
	switch mode.PIDWidth() {
	case 0:
		return fmt.Sprintf("%02X", byte(mode))
	case 2:
		return fmt.Sprintf("%02X:%04X", byte(mode), pid)
	default:
		return fmt.Sprintf("%02X:%02X", byte(mode), pid)
	}
}
