package obd

import "math"

// Units selects how numeric readings are presented.
type Units string

const (
	Metric   Units = "metric"
	Imperial Units = "imperial"
)

// Convert rewrites a metric value into the requested system. Units it does
// not recognise pass through unchanged.
func Convert(value float64, unit string, to Units) (float64, string) {
	if to != Imperial {
		return value, unit
	}
	switch unit {
	case "°C":
		return CelsiusToFahrenheit(value), "°F"
	case "km/h":
		return KmhToMph(value), "mph"
	case "kPa":
		return KPaToPSI(value), "psi"
	case "km":
		return round2(value * 0.621371), "mi"
	case "L/h":
		return round2(value * 0.264172), "gal/h"
	}
	return value, unit
}

func CelsiusToFahrenheit(c float64) float64 { return round2(c*9/5 + 32) }

func KmhToMph(kmh float64) float64 { return round2(kmh * 0.621371) }

func KPaToPSI(kpa float64) float64 { return round2(kpa * 0.145038) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
