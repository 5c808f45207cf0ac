// Package codec translates between obd.Command values and the bytes an
// adapter speaks, and back from raw response bytes to obd.Frame.
//
// Adapter differences are carried by a Profile value rather than by codec
// variants, so one Codec type serves every dialect.
package codec

import (
	"fmt"
	"sort"
	"strings"
)

// Dialect is the wire family an adapter speaks.
type Dialect int

const (
	// DialectELM is ASCII hex with a CR terminator and a '>' prompt.
	DialectELM Dialect = iota
	// DialectBinary is raw 8-byte CAN data frames carrying ISO 15765-2.
	DialectBinary
)

func (d Dialect) String() string {
	switch d {
	case DialectELM:
		return "elm"
	case DialectBinary:
		return "binary"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// Profile describes one adapter's framing.
type Profile struct {
	Name    string
	Dialect Dialect

	Terminator byte
	Prompt     byte

	// Spaces renders requests as "01 0C" instead of "010C".
	Spaces bool

	// Echo marks adapters that echo the request before answering. Echoed
	// lines are stripped either way; this only affects logging.
	Echo bool

	// InitSequence is sent once after the transport opens.
	InitSequence []string

	// FramePad fills unused bytes of binary CAN frames.
	FramePad byte
}

// DefaultInitSequence resets the adapter, turns off echo, linefeeds,
// spaces and headers, then lets it pick the bus protocol. Headers stay off
// because replies are parsed as bare mode+PID+data.
var DefaultInitSequence = []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH0", "ATSP0"}

var (
	ELM327 = Profile{
		Name:         "elm327",
		Dialect:      DialectELM,
		Terminator:   '\r',
		Prompt:       '>',
		Spaces:       true,
		Echo:         true,
		InitSequence: DefaultInitSequence,
	}

	ELM327NoSpace = Profile{
		Name:         "elm327-nospace",
		Dialect:      DialectELM,
		Terminator:   '\r',
		Prompt:       '>',
		Echo:         true,
		InitSequence: DefaultInitSequence,
	}

	// STN is the OBDLink family. A warm start keeps the baud rate.
	STN = Profile{
		Name:         "stn",
		Dialect:      DialectELM,
		Terminator:   '\r',
		Prompt:       '>',
		InitSequence: []string{"ATWS", "ATE0", "ATL0", "ATS0", "ATH0", "ATSP0"},
	}

	BinaryCAN = Profile{
		Name:     "binary-can",
		Dialect:  DialectBinary,
		FramePad: 0x00,
	}
)

var profiles = map[string]Profile{
	ELM327.Name:        ELM327,
	ELM327NoSpace.Name: ELM327NoSpace,
	STN.Name:           STN,
	BinaryCAN.Name:     BinaryCAN,
}

// LookupProfile resolves a configured adapter_profile name. Empty means
// elm327.
func LookupProfile(name string) (Profile, error) {
	if name == "" {
		return ELM327, nil
	}
	p, ok := profiles[strings.ToLower(name)]
	if !ok {
		return Profile{}, fmt.Errorf("codec: unknown adapter profile %q (have %s)", name, strings.Join(ProfileNames(), ", "))
	}
	return p, nil
}

func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WithInitSequence returns a copy of p using seq instead of its default.
func (p Profile) WithInitSequence(seq []string) Profile {
	p.InitSequence = append([]string(nil), seq...)
	return p
}
