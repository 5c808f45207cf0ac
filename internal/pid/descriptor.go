// Package pid maps (mode, pid, vehicle profile) to decoders.
//
// A Registry is assembled once with a Builder and is read-only afterwards,
// so lookups from any number of connections need no locking.
package pid

import (
	"github.com/shaunagostinho/goobd/internal/obd"
)

// DecodeFunc turns a length-checked payload into a value.
type DecodeFunc func(payload []byte) any

// Descriptor is one registry entry.
type Descriptor struct {
	Mode        obd.Mode
	PID         uint16
	Name        string
	Description string

	// Length is the exact payload size in bytes. Zero means variable.
	Length int
	Unit   string

	// Profile is empty for SAE-standard entries.
	Profile string

	Func DecodeFunc
}

// Ref is the "MM:PP" form used in config and the API.
func (d Descriptor) Ref() string {
	return obd.FormatRef(d.Mode, d.PID)
}

// Command builds the request that reads d. Freeze frame requests ask for
// frame 0.
func (d Descriptor) Command() obd.Command {
	cmd := obd.ModeCommand(d.Mode)
	if d.Mode.PIDWidth() > 0 {
		cmd = obd.PIDCommand(d.Mode, d.PID)
	}
	if d.Mode == obd.ModeFreezeFrame {
		cmd.Payload = []byte{0x00}
	}
	return cmd
}

// Decode checks the payload length and runs the decoder. It never indexes
// past the end of a short payload.
func (d Descriptor) Decode(payload []byte) (any, error) {
	if len(payload) < d.Length {
		return nil, &obd.DecodeError{Name: d.Name, Want: d.Length, Got: len(payload)}
	}
	if d.Func == nil {
		return append([]byte(nil), payload...), nil
	}
	return d.Func(payload), nil
}

type key struct {
	mode    obd.Mode
	pid     uint16
	profile string
}

func (d Descriptor) key() key {
	return key{mode: d.Mode, pid: d.PID, profile: d.Profile}
}
