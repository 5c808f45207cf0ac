package connection

import (
	"context"
	"fmt"
	"sort"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// SupportedPIDs walks the mode 01 support bitmaps (00, 20, 40, ...) and
// returns every PID the vehicle reports. The walk stops at the first range
// whose continuation bit is clear.
func (c *Connection) SupportedPIDs(ctx context.Context) ([]uint16, error) {
	var out []uint16
	for base := uint16(0x00); base <= 0xE0; base += 0x20 {
		resp, err := c.Execute(ctx, obd.PIDCommand(obd.ModeCurrentData, base))
		if err != nil {
			if len(out) > 0 && obd.IsNegative(err) {
				break
			}
			return out, err
		}
		pids, ok := resp.Value.([]uint16)
		if !ok {
			return out, fmt.Errorf("%w: pid %02X is not a support bitmap", obd.ErrDecode, base)
		}
		out = append(out, pids...)
		if !contains(pids, base+0x20) {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func contains(pids []uint16, p uint16) bool {
	for _, v := range pids {
		if v == p {
			return true
		}
	}
	return false
}

// ReadDTCs requests the trouble codes of a code-list mode (03, 07 or 0A).
func (c *Connection) ReadDTCs(ctx context.Context, mode obd.Mode) ([]obd.DTC, error) {
	if !mode.ReturnsDTCs() {
		return nil, fmt.Errorf("%w: %s does not return trouble codes", obd.ErrInvalidCommand, mode)
	}
	resp, err := c.Execute(ctx, obd.ModeCommand(mode))
	if err != nil {
		return nil, err
	}
	return resp.DTCs(), nil
}

// ClearDTCs sends mode 04. Most ECUs refuse it with the engine running.
func (c *Connection) ClearDTCs(ctx context.Context) error {
	_, err := c.Execute(ctx, obd.ModeCommand(obd.ModeClearCodes))
	return err
}

func (c *Connection) VIN(ctx context.Context) (string, error) {
	resp, err := c.Execute(ctx, obd.PIDCommand(obd.ModeVehicleInfo, 0x02))
	if err != nil {
		return "", err
	}
	vin, _ := resp.Value.(string)
	return vin, nil
}

// Query executes the PID named by a descriptor name or "MM:PP" reference.
func (c *Connection) Query(ctx context.Context, name string) (*obd.Response, error) {
	d, err := c.registry.Resolve(name, c.vehicle)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, d.Command())
}
