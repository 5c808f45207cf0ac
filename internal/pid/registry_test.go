package pid

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/obd"
)

func TestStandardDecoders(t *testing.T) {
	tests := []struct {
		name    string
		pid     uint16
		payload []byte
		want    float64
	}{
		{"rpm", 0x0C, []byte{0x1A, 0xF8}, 1726},
		{"coolant", 0x05, []byte{0x5A}, 50},
		{"speed", 0x0D, []byte{0x3C}, 60},
		{"load full", 0x04, []byte{0xFF}, 100},
		{"throttle zero", 0x11, []byte{0x00}, 0},
		{"fuel trim neutral", 0x06, []byte{0x80}, 0},
		{"timing", 0x0E, []byte{0x90}, 8},
		{"maf", 0x10, []byte{0x01, 0xF4}, 5},
		{"voltage", 0x42, []byte{0x36, 0xB0}, 14},
	}
	reg := Default()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := reg.Lookup(obd.ModeCurrentData, tt.pid, "")
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			v, err := d.Decode(tt.payload)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got := v.(float64); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeRejectsShortPayload(t *testing.T) {
	for _, d := range Default().List("") {
		if d.Length == 0 {
			continue
		}
		_, err := d.Decode(make([]byte, d.Length-1))
		var de *obd.DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: got %v, want DecodeError", d.Name, err)
		}
		if de.Want != d.Length || de.Got != d.Length-1 {
			t.Errorf("%s: want/got = %d/%d", d.Name, de.Want, de.Got)
		}
	}
}

// syntheticReply is the adapter text for d answering with payload,
// optionally preceded by the echoed request.
func syntheticReply(t *testing.T, c *codec.Codec, d Descriptor, payload []byte, echo bool) []byte {
	t.Helper()
	cmd := d.Command()
	wire, err := c.Encode(cmd)
	if err != nil {
		t.Fatalf("%s %s: encode: %v", d.Profile, d.Ref(), err)
	}
	msg := []byte{cmd.Mode.Response()}
	switch cmd.Mode.PIDWidth() {
	case 1:
		msg = append(msg, byte(cmd.PID))
	case 2:
		msg = append(msg, byte(cmd.PID>>8), byte(cmd.PID))
	}
	msg = append(msg, cmd.Payload...)
	msg = append(msg, payload...)
	var raw []byte
	if echo {
		raw = append(raw, wire...)
	}
	raw = append(raw, obd.FormatHex(msg)...)
	return append(raw, "\r\r>"...)
}

func TestEncodeDecodeIsDeterministic(t *testing.T) {
	reg := Default()
	c := codec.New(codec.ELM327)

	type sample struct {
		d    Descriptor
		echo bool
	}
	var samples []sample
	for _, profile := range append([]string{""}, reg.Profiles()...) {
		for _, d := range reg.List(profile) {
			if d.Length == 0 || (profile != "" && d.Profile != profile) {
				continue
			}
			samples = append(samples, sample{d, false}, sample{d, true})
		}
	}
	if len(samples) == 0 {
		t.Fatal("no fixed-length descriptors")
	}

	decode := func(s sample) any {
		payload := make([]byte, s.d.Length)
		for i := range payload {
			payload[i] = byte(0x11 * (i + 1))
		}
		cmd := s.d.Command()
		frame, err := c.Decode(cmd, syntheticReply(t, c, s.d, payload, s.echo), s.d.Length)
		if err != nil {
			t.Fatalf("%s %s (echo=%v): %v", s.d.Profile, s.d.Ref(), s.echo, err)
		}
		if frame.Mode() != s.d.Mode || frame.PID() != s.d.PID {
			t.Fatalf("%s %s: frame header %s %X", s.d.Profile, s.d.Ref(), frame.Mode(), frame.PID())
		}
		v, err := s.d.Decode(frame.Payload())
		if err != nil {
			t.Fatalf("%s %s: %v", s.d.Profile, s.d.Ref(), err)
		}
		return v
	}

	first := make([]any, len(samples))
	for i, s := range samples {
		first[i] = decode(s)
	}
	for i := len(samples) - 1; i >= 0; i-- {
		if got := decode(samples[i]); !reflect.DeepEqual(got, first[i]) {
			t.Errorf("%s %s (echo=%v): %v then %v", samples[i].d.Profile, samples[i].d.Ref(), samples[i].echo, first[i], got)
		}
	}
}

func TestProfileEntriesRoundTrip(t *testing.T) {
	reg := Default()
	c := codec.New(codec.ELM327)
	d, err := reg.Resolve("trans_fluid_temp", "ford")
	if err != nil {
		t.Fatal(err)
	}
	raw := syntheticReply(t, c, d, []byte{0x05, 0x00}, true)
	if want := "22 1E 1C\r62 1E 1C 05 00\r\r>"; string(raw) != want {
		t.Fatalf("reply = %q, want %q", raw, want)
	}
	frame, err := c.Decode(d.Command(), raw, d.Length)
	if err != nil {
		t.Fatal(err)
	}
	v, err := d.Decode(frame.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if v.(float64) != 80 {
		t.Errorf("trans_fluid_temp = %v, want 80", v)
	}
}

func TestLookupResolutionOrder(t *testing.T) {
	b := NewBuilder().Add(
		Descriptor{Mode: obd.ModeCurrentData, PID: 0x0C, Name: "rpm", Length: 2, Func: rpm},
		Descriptor{Mode: obd.ModeCurrentData, PID: 0x0C, Name: "rpm_raw", Length: 2, Profile: "acme", Func: wordAB},
		Descriptor{Mode: obd.ModeEnhancedData, PID: 0xF190, Name: "vin", Profile: "acme", Func: ascii},
	)
	reg, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	d, err := reg.Lookup(obd.ModeCurrentData, 0x0C, "acme")
	if err != nil || d.Name != "rpm_raw" {
		t.Fatalf("profile entry not preferred: %v %v", d.Name, err)
	}
	d, err = reg.Lookup(obd.ModeCurrentData, 0x0C, "other")
	if err != nil || d.Name != "rpm" {
		t.Fatalf("generic fallback failed: %v %v", d.Name, err)
	}
	_, err = reg.Lookup(obd.ModeEnhancedData, 0xF190, "")
	if !errors.Is(err, obd.ErrUnsupportedPID) {
		t.Fatalf("got %v, want ErrUnsupportedPID", err)
	}
	var uerr *obd.UnsupportedPIDError
	if !errors.As(err, &uerr) || uerr.PID != 0xF190 {
		t.Fatalf("bad error detail: %v", err)
	}
	if got := reg.Profiles(); len(got) != 1 || got[0] != "acme" {
		t.Errorf("profiles = %v", got)
	}
	if list := reg.List("acme"); len(list) != 2 || list[0].Name != "rpm_raw" {
		t.Errorf("list(acme) = %+v", list)
	}
}

func TestBuilderRejectsDuplicates(t *testing.T) {
	_, err := NewBuilder().Add(
		Descriptor{Mode: obd.ModeCurrentData, PID: 0x0D, Name: "speed"},
		Descriptor{Mode: obd.ModeCurrentData, PID: 0x0D, Name: "speed2"},
	).Build()
	if err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestSupportedPIDs(t *testing.T) {
	got := SupportedPIDs(0x00, []byte{0xBE, 0x1F, 0xA8, 0x13})
	want := []uint16{0x01, 0x03, 0x04, 0x05, 0x06, 0x07, 0x0C, 0x0D, 0x0E, 0x0F, 0x10, 0x11, 0x13, 0x15, 0x1C, 0x1F, 0x20}
	if len(got) != len(want) {
		t.Fatalf("got %X, want %X", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %X, want %X", got, want)
		}
	}
}

func TestVehicleInfoAndCodes(t *testing.T) {
	reg := Default()
	d, err := reg.Lookup(obd.ModeVehicleInfo, 0x02, "")
	if err != nil {
		t.Fatal(err)
	}
	vin, _ := d.Decode(append([]byte{0x01}, []byte("1FTFW1ET5DFC10312")...))
	if vin != "1FTFW1ET5DFC10312" {
		t.Errorf("vin = %q", vin)
	}

	d, err = reg.ForCommand(obd.ModeCommand(obd.ModeStoredCodes), "")
	if err != nil {
		t.Fatal(err)
	}
	v, _ := d.Decode([]byte{0x01, 0x23, 0x00, 0x00})
	codes := v.([]obd.DTC)
	if len(codes) != 1 || codes[0].String() != "P0123" {
		t.Errorf("codes = %v", codes)
	}
}

func TestFreezeFrameMirrorsCurrentData(t *testing.T) {
	reg := Default()
	live, _ := reg.Lookup(obd.ModeCurrentData, 0x0C, "")
	frozen, err := reg.Lookup(obd.ModeFreezeFrame, 0x0C, "")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := live.Decode([]byte{0x1A, 0xF8})
	b, _ := frozen.Decode([]byte{0x1A, 0xF8})
	if a != b {
		t.Errorf("live %v, frozen %v", a, b)
	}
}

func TestProfileEntries(t *testing.T) {
	d, err := Default().Lookup(obd.ModeEnhancedData, 0x1E1C, "ford")
	if err != nil {
		t.Fatal(err)
	}
	v, _ := d.Decode([]byte{0x03, 0x20})
	if v.(float64) != 50 {
		t.Errorf("trans temp = %v", v)
	}
	if _, err := Default().Lookup(obd.ModeEnhancedData, 0x1E1C, "gm"); !errors.Is(err, obd.ErrUnsupportedPID) {
		t.Errorf("ford entry leaked into gm: %v", err)
	}
}

func TestResolve(t *testing.T) {
	reg := Default()
	tests := []struct {
		in, profile string
		mode        obd.Mode
		pid         uint16
	}{
		{"rpm", "", obd.ModeCurrentData, 0x0C},
		{"01:0C", "", obd.ModeCurrentData, 0x0C},
		{"freeze_rpm", "", obd.ModeFreezeFrame, 0x0C},
		{"trans_fluid_temp", "ford", obd.ModeEnhancedData, 0x1E1C},
		{"trans_fluid_temp", "gm", obd.ModeEnhancedData, 0x1940},
		{"22:1E1C", "ford", obd.ModeEnhancedData, 0x1E1C},
	}
	for _, tt := range tests {
		t.Run(tt.in+"/"+tt.profile, func(t *testing.T) {
			d, err := reg.Resolve(tt.in, tt.profile)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if d.Mode != tt.mode || d.PID != tt.pid {
				t.Errorf("got %s, want %s", d.Ref(), obd.FormatRef(tt.mode, tt.pid))
			}
		})
	}

	if _, err := reg.Resolve("trans_fluid_temp", ""); !errors.Is(err, obd.ErrUnsupportedPID) {
		t.Errorf("profile-only name without profile: %v", err)
	}
	if _, err := reg.Resolve("22:1E1C", ""); !errors.Is(err, obd.ErrUnsupportedPID) {
		t.Errorf("profile-only ref without profile: %v", err)
	}
}
