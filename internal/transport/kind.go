package transport

import (
	"fmt"
	"strings"
)

// Kind selects the physical medium.
type Kind int

const (
	KindBLE Kind = iota
	KindBluetoothClassic
	KindUSB
	KindSerial
	KindWiFi
)

var kindNames = [...]string{
	KindBLE:              "ble",
	KindBluetoothClassic: "bluetooth",
	KindUSB:              "usb",
	KindSerial:           "serial",
	KindWiFi:             "wifi",
}

var kindAliases = map[string]Kind{
	"ble":       KindBLE,
	"bluetooth": KindBluetoothClassic,
	"classic":   KindBluetoothClassic,
	"rfcomm":    KindBluetoothClassic,
	"bt":        KindBluetoothClassic,
	"usb":       KindUSB,
	"serial":    KindSerial,
	"uart":      KindSerial,
	"wifi":      KindWiFi,
	"tcp":       KindWiFi,
}

// Kinds lists every medium in declaration order.
func Kinds() []Kind {
	return []Kind{KindBLE, KindBluetoothClassic, KindUSB, KindSerial, KindWiFi}
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("transport: unknown kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
