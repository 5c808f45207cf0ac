package obd

import (
	"fmt"
	"time"
)

// DefaultTimeout applies when a Command carries no timeout of its own.
const DefaultTimeout = 2 * time.Second

// Command describes one request. Build it with PIDCommand or ModeCommand and
// call Validate before dispatch.
type Command struct {
	Mode   Mode
	PID    uint16
	HasPID bool

	// Payload is appended after the PID (e.g. the freeze frame number).
	Payload []byte

	// ExpectedLength overrides the registry's payload length when non-zero.
	ExpectedLength int

	Timeout time.Duration
}

// PIDCommand builds a request for a mode that addresses a PID.
func PIDCommand(mode Mode, pid uint16) Command {
	return Command{Mode: mode, PID: pid, HasPID: true}
}

// ModeCommand builds a request for a PID-less mode such as 03 or 04.
func ModeCommand(mode Mode) Command {
	return Command{Mode: mode}
}

// WithTimeout returns a copy of c with the given deadline.
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

// EffectiveTimeout is c.Timeout, or DefaultTimeout when unset.
func (c Command) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Validate checks the command before it reaches the wire.
func (c Command) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("%w: unsupported mode 0x%02X", ErrInvalidCommand, byte(c.Mode))
	}
	switch c.Mode.PIDWidth() {
	case 0:
		if c.HasPID {
			return fmt.Errorf("%w: mode 0x%02X takes no PID", ErrInvalidCommand, byte(c.Mode))
		}
	case 1:
		if !c.HasPID {
			return fmt.Errorf("%w: mode 0x%02X requires a PID", ErrInvalidCommand, byte(c.Mode))
		}
		if c.PID > 0xFF {
			return fmt.Errorf("%w: PID 0x%X does not fit mode 0x%02X", ErrInvalidCommand, c.PID, byte(c.Mode))
		}
	case 2:
		if !c.HasPID {
			return fmt.Errorf("%w: mode 0x%02X requires a PID", ErrInvalidCommand, byte(c.Mode))
		}
	}
	if c.ExpectedLength < 0 {
		return fmt.Errorf("%w: negative expected length", ErrInvalidCommand)
	}
	return nil
}

func (c Command) String() string {
	if c.HasPID {
		return FormatRef(c.Mode, c.PID)
	}
	return FormatRef(c.Mode, 0)
}
