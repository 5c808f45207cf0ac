package pid

import (
	"strings"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// A and B below follow the J1979 convention of naming payload bytes.

func byteA(p []byte) any { return float64(p[0]) }

func word(p []byte) float64 { return float64(uint16(p[0])<<8 | uint16(p[1])) }

func wordAB(p []byte) any { return word(p) }

func percent(p []byte) any { return float64(p[0]) * 100 / 255 }

func temperature(p []byte) any { return float64(p[0]) - 40 }

func fuelTrim(p []byte) any { return (float64(p[0]) - 128) * 100 / 128 }

func rpm(p []byte) any { return word(p) / 4 }

func timingAdvance(p []byte) any { return float64(p[0])/2 - 64 }

func maf(p []byte) any { return word(p) / 100 }

func fuelPressure(p []byte) any { return float64(p[0]) * 3 }

func railPressureVac(p []byte) any { return word(p) * 0.079 }

func railPressureDirect(p []byte) any { return word(p) * 10 }

func moduleVoltage(p []byte) any { return word(p) / 1000 }

func absoluteLoad(p []byte) any { return word(p) * 100 / 255 }

func equivRatio(p []byte) any { return word(p) * 2 / 65536 }

func fuelRate(p []byte) any { return word(p) / 20 }

func scaled(factor, offset float64) DecodeFunc {
	return func(p []byte) any { return float64(p[0])*factor + offset }
}

// SupportedPIDs expands a 4-byte support bitmap. Bit 31 is base+1.
func SupportedPIDs(base uint16, p []byte) []uint16 {
	if len(p) < 4 {
		return nil
	}
	bits := uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	var out []uint16
	for i := 0; i < 32; i++ {
		if bits&(1<<(31-i)) != 0 {
			out = append(out, base+uint16(i)+1)
		}
	}
	return out
}

func supported(base uint16) DecodeFunc {
	return func(p []byte) any { return SupportedPIDs(base, p) }
}

// MonitorStatus is PID 01:01.
type MonitorStatus struct {
	MIL      bool `json:"mil"`
	DTCCount int  `json:"dtc_count"`
	Diesel   bool `json:"diesel"`
}

func monitorStatus(p []byte) any {
	return MonitorStatus{
		MIL:      p[0]&0x80 != 0,
		DTCCount: int(p[0] & 0x7F),
		Diesel:   p[1]&0x08 != 0,
	}
}

var fuelSystemStates = map[byte]string{
	0x00: "unused",
	0x01: "open loop: insufficient temperature",
	0x02: "closed loop",
	0x04: "open loop: load or deceleration",
	0x08: "open loop: system failure",
	0x10: "closed loop: feedback fault",
}

func fuelSystemStatus(p []byte) any {
	if s, ok := fuelSystemStates[p[0]]; ok {
		return s
	}
	return "unknown"
}

var fuelTypes = []string{
	"not available", "gasoline", "methanol", "ethanol", "diesel", "LPG", "CNG",
	"propane", "electric", "bifuel gasoline", "bifuel methanol", "bifuel ethanol",
	"bifuel LPG", "bifuel CNG", "bifuel propane", "bifuel electricity",
	"bifuel electric/combustion", "hybrid gasoline", "hybrid ethanol",
	"hybrid diesel", "hybrid electric", "hybrid electric/combustion",
	"hybrid regenerative", "bifuel diesel",
}

func fuelType(p []byte) any {
	if int(p[0]) < len(fuelTypes) {
		return fuelTypes[p[0]]
	}
	return "unknown"
}

func freezeDTC(p []byte) any {
	return obd.DecodeDTCList(p[:2])
}

func dtcList(p []byte) any {
	return obd.DecodeDTCList(p)
}

func cleared(p []byte) any { return true }

// ascii keeps the printable characters. Mode 09 replies may lead with an
// item count byte and pad with zeros.
func ascii(p []byte) any {
	var sb strings.Builder
	for _, c := range p {
		if c >= 0x20 && c < 0x7F {
			sb.WriteByte(c)
		}
	}
	return strings.TrimSpace(sb.String())
}

func signedWord(factor, offset float64) DecodeFunc {
	return func(p []byte) any { return float64(int16(uint16(p[0])<<8|uint16(p[1])))*factor + offset }
}
