package pid

import "github.com/shaunagostinho/goobd/internal/obd"

// Manufacturer mode 22 identifiers. Values come from public enthusiast
// documentation and cover the common gauges only.
var profileTables = map[string][]Descriptor{
	"ford": {
		{Mode: obd.ModeEnhancedData, PID: 0x1E1C, Name: "trans_fluid_temp", Description: "Transmission fluid temperature", Length: 2, Unit: "°C", Func: signedWord(1.0/16, 0)},
		{Mode: obd.ModeEnhancedData, PID: 0x1E12, Name: "gear_commanded", Description: "Commanded gear", Length: 1, Func: byteA},
		{Mode: obd.ModeEnhancedData, PID: 0x0461, Name: "fuel_level_filtered", Description: "Filtered fuel level", Length: 1, Unit: "%", Func: percent},
		{Mode: obd.ModeEnhancedData, PID: 0x404C, Name: "odometer", Description: "Odometer", Length: 3, Unit: "km", Func: func(p []byte) any {
			return float64(uint32(p[0])<<16|uint32(p[1])<<8|uint32(p[2])) / 10
		}},
	},
	"gm": {
		{Mode: obd.ModeEnhancedData, PID: 0x1940, Name: "trans_fluid_temp", Description: "Transmission fluid temperature", Length: 1, Unit: "°C", Func: temperature},
		{Mode: obd.ModeEnhancedData, PID: 0x115C, Name: "oil_pressure", Description: "Engine oil pressure", Length: 1, Unit: "kPa", Func: scaled(4, 0)},
		{Mode: obd.ModeEnhancedData, PID: 0x1131, Name: "fuel_level_filtered", Description: "Filtered fuel level", Length: 1, Unit: "%", Func: percent},
	},
}

func addProfiles(b *Builder) {
	for profile, table := range profileTables {
		for _, d := range table {
			d.Profile = profile
			b.Add(d)
		}
	}
}
