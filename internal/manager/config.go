package manager

import (
	"fmt"
	"time"

	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/connection"
	"github.com/shaunagostinho/goobd/internal/obd"
	"github.com/shaunagostinho/goobd/internal/transport"
)

// Duration reads "250ms"-style strings from YAML and JSON.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// BLEConfig overrides the GATT layout of a BLE adapter.
type BLEConfig struct {
	Service string `yaml:"service" json:"service,omitempty"`
	Notify  string `yaml:"notify" json:"notify,omitempty"`
	Write   string `yaml:"write" json:"write,omitempty"`
}

// ConnConfig holds the per-connection options accepted by Connect.
type ConnConfig struct {
	AdapterProfile string   `yaml:"adapter_profile" json:"adapter_profile,omitempty"`
	InitSequence   []string `yaml:"init_sequence" json:"init_sequence,omitempty"`
	RetryCount     int      `yaml:"retry_count" json:"retry_count,omitempty"`
	RetryBackoff   Duration `yaml:"retry_backoff" json:"retry_backoff,omitempty"`
	// ReopenOnFault lets the retry wrapper and the poller reopen a Faulted
	// connection on their own. Off, a fault stays put until Reopen is called.
	ReopenOnFault  bool     `yaml:"reopen_on_fault" json:"reopen_on_fault,omitempty"`
	VehicleProfile string   `yaml:"vehicle_profile" json:"vehicle_profile,omitempty"`
	// Timeout is the default per-command deadline.
	Timeout Duration `yaml:"timeout" json:"timeout,omitempty"`

	BaudRate      int       `yaml:"baud_rate" json:"baud_rate,omitempty"`
	BLE           BLEConfig `yaml:"ble" json:"ble,omitempty"`
	RFCOMMChannel uint8     `yaml:"rfcomm_channel" json:"rfcomm_channel,omitempty"`

	// Poll lists PIDs ("rpm" or "01:0C") read continuously at PollHz.
	Poll   []string `yaml:"poll" json:"poll,omitempty"`
	PollHz float64  `yaml:"poll_hz" json:"poll_hz,omitempty"`
}

// codecProfile resolves the adapter dialect and init sequence.
func (c ConnConfig) codecProfile() (codec.Profile, error) {
	p, err := codec.LookupProfile(c.AdapterProfile)
	if err != nil {
		return codec.Profile{}, fmt.Errorf("%w: %v", obd.ErrInvalidCommand, err)
	}
	if len(c.InitSequence) > 0 {
		p = p.WithInitSequence(c.InitSequence)
	}
	return p, nil
}

func (c ConnConfig) transportOptions() transport.Options {
	return transport.Options{
		BaudRate:    c.BaudRate,
		ServiceUUID: c.BLE.Service,
		NotifyUUID:  c.BLE.Notify,
		WriteUUID:   c.BLE.Write,
		Channel:     c.RFCOMMChannel,
	}
}

func (c ConnConfig) retryPolicy() connection.RetryPolicy {
	return connection.RetryPolicy{
		Count:   c.RetryCount,
		Backoff: time.Duration(c.RetryBackoff),
		Reopen:  c.ReopenOnFault,
	}
}

func (c ConnConfig) pollInterval() time.Duration {
	if c.PollHz <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / c.PollHz)
}
