// Package bt holds the types shared across the HCI, L2CAP, ATT and SMP
// layers: device addresses and UUIDs. Nothing in here is protocol-specific;
// it is the common currency the other packages pass around.
package bt

import (
	"fmt"
	"strconv"
	"strings"
)

// AddrType distinguishes the address kinds a BdAddr can carry on LE.
type AddrType uint8

const (
	// AddrTypePublic is an IEEE-assigned public device address.
	AddrTypePublic AddrType = iota
	// AddrTypeRandom is a static or private (resolvable/non-resolvable) random address.
	AddrTypeRandom
)

func (t AddrType) String() string {
	if t == AddrTypeRandom {
		return "random"
	}
	return "public"
}

// BdAddr is a 6-byte Bluetooth device address. It is stored MSB-first (the
// order a human reads it in), and flipped to LSB-first only at the wire
// boundary (see Marshal/Unmarshal).
type BdAddr [6]byte

// ParseBdAddr parses a colon-separated, MSB-first address like
// "AA:BB:CC:DD:EE:FF".
func ParseBdAddr(s string) (BdAddr, error) {
	var a BdAddr
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return a, fmt.Errorf("bt: malformed bdaddr %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return a, fmt.Errorf("bt: malformed bdaddr %q: %w", s, err)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// String renders the address MSB-first with colons, as BD_ADDRs are
// conventionally displayed.
func (a BdAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Marshal writes the address LSB-first, as it appears on the wire in HCI
// and L2CAP/SMP parameters.
func (a BdAddr) Marshal(b []byte) {
	for i := 0; i < 6; i++ {
		b[i] = a[5-i]
	}
}

// UnmarshalBdAddr reads an LSB-first wire-format address.
func UnmarshalBdAddr(b []byte) BdAddr {
	var a BdAddr
	for i := 0; i < 6; i++ {
		a[i] = b[5-i]
	}
	return a
}

// IsZero reports whether a is the all-zero address.
func (a BdAddr) IsZero() bool {
	return a == BdAddr{}
}
