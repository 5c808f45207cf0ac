package obd

import (
	"fmt"
	"strconv"
)

// DTC is a two-byte diagnostic trouble code. The top two bits select the
// system letter, the remaining 14 bits are rendered as four hex digits.
type DTC uint16

var dtcLetters = [4]byte{'P', 'C', 'B', 'U'}

// DecodeDTC builds a code from its wire bytes. An all-zero pair is padding,
// not a code, and reports ok=false.
func DecodeDTC(hi, lo byte) (DTC, bool) {
	v := uint16(hi)<<8 | uint16(lo)
	if v == 0 {
		return 0, false
	}
	return DTC(v), true
}

// DecodeDTCList splits payload into two-byte codes, dropping zero padding.
// A trailing odd byte is ignored; callers strip any count byte first.
func DecodeDTCList(payload []byte) []DTC {
	codes := make([]DTC, 0, len(payload)/2)
	for i := 0; i+1 < len(payload); i += 2 {
		if code, ok := DecodeDTC(payload[i], payload[i+1]); ok {
			codes = append(codes, code)
		}
	}
	return codes
}

// Category is the system letter: P, C, B or U.
func (d DTC) Category() byte {
	return dtcLetters[(uint16(d)>>14)&0x03]
}

func (d DTC) String() string {
	return fmt.Sprintf("%c%04X", d.Category(), uint16(d)&0x3FFF)
}

func (d DTC) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DTC) UnmarshalText(b []byte) error {
	v, err := ParseDTC(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDTC reads the text form ("P0301") back into a code.
func ParseDTC(s string) (DTC, error) {
	if len(s) != 5 {
		return 0, fmt.Errorf("obd: bad DTC %q", s)
	}
	var cat uint16
	switch s[0] {
	case 'P', 'p':
		cat = 0
	case 'C', 'c':
		cat = 1
	case 'B', 'b':
		cat = 2
	case 'U', 'u':
		cat = 3
	default:
		return 0, fmt.Errorf("obd: bad DTC category in %q", s)
	}
	n, err := strconv.ParseUint(s[1:], 16, 16)
	if err != nil || n > 0x3FFF {
		return 0, fmt.Errorf("obd: bad DTC number in %q", s)
	}
	return DTC(cat<<14 | uint16(n)), nil
}

// Description returns the generic SAE text for common codes, or "".
func (d DTC) Description() string {
	return dtcDescriptions[d.String()]
}

var dtcDescriptions = map[string]string{
	"P0100": "Mass or Volume Air Flow Circuit Malfunction",
	"P0101": "Mass or Volume Air Flow Circuit Range/Performance",
	"P0110": "Intake Air Temperature Circuit Malfunction",
	"P0115": "Engine Coolant Temperature Circuit Malfunction",
	"P0120": "Throttle Position Sensor Circuit Malfunction",
	"P0123": "Throttle Position Sensor Circuit High Input",
	"P0128": "Coolant Thermostat Below Regulating Temperature",
	"P0130": "O2 Sensor Circuit Malfunction (Bank 1 Sensor 1)",
	"P0171": "System Too Lean (Bank 1)",
	"P0172": "System Too Rich (Bank 1)",
	"P0174": "System Too Lean (Bank 2)",
	"P0175": "System Too Rich (Bank 2)",
	"P0300": "Random/Multiple Cylinder Misfire Detected",
	"P0301": "Cylinder 1 Misfire Detected",
	"P0302": "Cylinder 2 Misfire Detected",
	"P0303": "Cylinder 3 Misfire Detected",
	"P0304": "Cylinder 4 Misfire Detected",
	"P0325": "Knock Sensor 1 Circuit Malfunction",
	"P0335": "Crankshaft Position Sensor A Circuit Malfunction",
	"P0340": "Camshaft Position Sensor Circuit Malfunction",
	"P0401": "Exhaust Gas Recirculation Flow Insufficient",
	"P0420": "Catalyst System Efficiency Below Threshold (Bank 1)",
	"P0430": "Catalyst System Efficiency Below Threshold (Bank 2)",
	"P0440": "Evaporative Emission Control System Malfunction",
	"P0442": "Evaporative Emission Control System Leak Detected (small leak)",
	"P0455": "Evaporative Emission Control System Leak Detected (large leak)",
	"P0500": "Vehicle Speed Sensor Malfunction",
	"P0505": "Idle Control System Malfunction",
	"P0562": "System Voltage Low",
	"P0700": "Transmission Control System Malfunction",
	"C0035": "Left Front Wheel Speed Sensor Circuit",
	"C0750": "Tire Pressure Monitor Sensor",
	"B0001": "Driver Frontal Stage 1 Deployment Control",
	"U0100": "Lost Communication With ECM/PCM",
	"U0121": "Lost Communication With Anti-Lock Brake System Module",
	"U0155": "Lost Communication With Instrument Panel Cluster",
}
