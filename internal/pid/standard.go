package pid

import "github.com/shaunagostinho/goobd/internal/obd"

func std(pid uint16, name, desc string, length int, unit string, fn DecodeFunc) Descriptor {
	return Descriptor{
		Mode:        obd.ModeCurrentData,
		PID:         pid,
		Name:        name,
		Description: desc,
		Length:      length,
		Unit:        unit,
		Func:        fn,
	}
}

// currentData is the SAE J1979 mode 01 table.
var currentData = []Descriptor{
	std(0x00, "pids_01_20", "PIDs supported [01-20]", 4, "", supported(0x00)),
	std(0x01, "monitor_status", "Monitor status since DTCs cleared", 4, "", monitorStatus),
	std(0x02, "freeze_dtc", "DTC that caused freeze frame", 2, "", freezeDTC),
	std(0x03, "fuel_system_status", "Fuel system status", 2, "", fuelSystemStatus),
	std(0x04, "engine_load", "Calculated engine load", 1, "%", percent),
	std(0x05, "coolant_temp", "Engine coolant temperature", 1, "°C", temperature),
	std(0x06, "short_fuel_trim_1", "Short term fuel trim, bank 1", 1, "%", fuelTrim),
	std(0x07, "long_fuel_trim_1", "Long term fuel trim, bank 1", 1, "%", fuelTrim),
	std(0x08, "short_fuel_trim_2", "Short term fuel trim, bank 2", 1, "%", fuelTrim),
	std(0x09, "long_fuel_trim_2", "Long term fuel trim, bank 2", 1, "%", fuelTrim),
	std(0x0A, "fuel_pressure", "Fuel pressure (gauge)", 1, "kPa", fuelPressure),
	std(0x0B, "intake_pressure", "Intake manifold absolute pressure", 1, "kPa", byteA),
	std(0x0C, "rpm", "Engine speed", 2, "rpm", rpm),
	std(0x0D, "speed", "Vehicle speed", 1, "km/h", byteA),
	std(0x0E, "timing_advance", "Timing advance before TDC", 1, "°", timingAdvance),
	std(0x0F, "intake_temp", "Intake air temperature", 1, "°C", temperature),
	std(0x10, "maf", "Mass air flow rate", 2, "g/s", maf),
	std(0x11, "throttle_pos", "Throttle position", 1, "%", percent),
	std(0x1C, "obd_standard", "OBD standard this vehicle conforms to", 1, "", byteA),
	std(0x1F, "run_time", "Run time since engine start", 2, "s", wordAB),
	std(0x20, "pids_21_40", "PIDs supported [21-40]", 4, "", supported(0x20)),
	std(0x21, "distance_with_mil", "Distance traveled with MIL on", 2, "km", wordAB),
	std(0x22, "fuel_rail_pressure_vac", "Fuel rail pressure relative to manifold vacuum", 2, "kPa", railPressureVac),
	std(0x23, "fuel_rail_pressure", "Fuel rail gauge pressure", 2, "kPa", railPressureDirect),
	std(0x2C, "commanded_egr", "Commanded EGR", 1, "%", percent),
	std(0x2E, "commanded_evap_purge", "Commanded evaporative purge", 1, "%", percent),
	std(0x2F, "fuel_level", "Fuel tank level input", 1, "%", percent),
	std(0x30, "warmups_since_clear", "Warm-ups since codes cleared", 1, "", byteA),
	std(0x31, "distance_since_clear", "Distance traveled since codes cleared", 2, "km", wordAB),
	std(0x33, "barometric_pressure", "Absolute barometric pressure", 1, "kPa", byteA),
	std(0x40, "pids_41_60", "PIDs supported [41-60]", 4, "", supported(0x40)),
	std(0x42, "control_module_voltage", "Control module voltage", 2, "V", moduleVoltage),
	std(0x43, "absolute_load", "Absolute load value", 2, "%", absoluteLoad),
	std(0x44, "commanded_equiv_ratio", "Commanded air-fuel equivalence ratio", 2, "", equivRatio),
	std(0x45, "relative_throttle_pos", "Relative throttle position", 1, "%", percent),
	std(0x46, "ambient_temp", "Ambient air temperature", 1, "°C", temperature),
	std(0x47, "throttle_pos_b", "Absolute throttle position B", 1, "%", percent),
	std(0x49, "accel_pedal_pos_d", "Accelerator pedal position D", 1, "%", percent),
	std(0x4A, "accel_pedal_pos_e", "Accelerator pedal position E", 1, "%", percent),
	std(0x4C, "commanded_throttle", "Commanded throttle actuator", 1, "%", percent),
	std(0x4D, "time_with_mil", "Time run with MIL on", 2, "min", wordAB),
	std(0x4E, "time_since_clear", "Time since trouble codes cleared", 2, "min", wordAB),
	std(0x51, "fuel_type", "Fuel type", 1, "", fuelType),
	std(0x52, "ethanol_percent", "Ethanol fuel percentage", 1, "%", percent),
	std(0x5A, "relative_accel_pos", "Relative accelerator pedal position", 1, "%", percent),
	std(0x5B, "hybrid_battery_life", "Hybrid battery pack remaining life", 1, "%", percent),
	std(0x5C, "oil_temp", "Engine oil temperature", 1, "°C", temperature),
	std(0x5E, "fuel_rate", "Engine fuel rate", 2, "L/h", fuelRate),
	std(0x60, "pids_61_80", "PIDs supported [61-80]", 4, "", supported(0x60)),
	std(0x61, "demand_torque", "Driver's demand engine percent torque", 1, "%", scaled(1, -125)),
	std(0x62, "actual_torque", "Actual engine percent torque", 1, "%", scaled(1, -125)),
	std(0x63, "reference_torque", "Engine reference torque", 2, "Nm", wordAB),
	std(0x80, "pids_81_a0", "PIDs supported [81-A0]", 4, "", supported(0x80)),
	std(0xA0, "pids_a1_c0", "PIDs supported [A1-C0]", 4, "", supported(0xA0)),
	std(0xA6, "odometer", "Odometer", 4, "km", func(p []byte) any {
		return float64(uint32(p[0])<<24|uint32(p[1])<<16|uint32(p[2])<<8|uint32(p[3])) / 10
	}),
	std(0xC0, "pids_c1_e0", "PIDs supported [C1-E0]", 4, "", supported(0xC0)),
}

var codeModes = []Descriptor{
	{Mode: obd.ModeStoredCodes, Name: "stored_dtcs", Description: "Stored diagnostic trouble codes", Func: dtcList},
	{Mode: obd.ModeClearCodes, Name: "clear_dtcs", Description: "Clear trouble codes and stored values", Func: cleared},
	{Mode: obd.ModePendingCodes, Name: "pending_dtcs", Description: "Pending diagnostic trouble codes", Func: dtcList},
	{Mode: obd.ModePermanentCodes, Name: "permanent_dtcs", Description: "Permanent diagnostic trouble codes", Func: dtcList},
}

var vehicleInfo = []Descriptor{
	{Mode: obd.ModeVehicleInfo, PID: 0x00, Name: "pids_09", Description: "Mode 09 PIDs supported [01-20]", Length: 4, Func: supported(0x00)},
	{Mode: obd.ModeVehicleInfo, PID: 0x02, Name: "vin", Description: "Vehicle identification number", Func: ascii},
	{Mode: obd.ModeVehicleInfo, PID: 0x04, Name: "calibration_id", Description: "Calibration ID", Func: ascii},
	{Mode: obd.ModeVehicleInfo, PID: 0x0A, Name: "ecu_name", Description: "ECU name", Func: ascii},
}

func addStandard(b *Builder) {
	b.Add(currentData...)
	for _, d := range currentData {
		// Freeze frame reuses the live decoders on the stored snapshot.
		d.Mode = obd.ModeFreezeFrame
		d.Name = "freeze_" + d.Name
		b.Add(d)
	}
	b.Add(codeModes...)
	b.Add(vehicleInfo...)
}
