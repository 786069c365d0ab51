package bt

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// baseUUID is the Bluetooth Base UUID, big-endian (canonical) form:
// 0000xxxx-0000-1000-8000-00805F9B34FB with the 16/32-bit short form
// spliced into bytes [2:4] or [0:4].
var baseUUID = [16]byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x80, 0x5F, 0x9B, 0x34, 0xFB,
}

// UUID is a Bluetooth attribute/service/characteristic UUID. It is stored
// internally as little-endian bytes (the order the base-UUID arithmetic
// below is easiest in), in its shortest known form: 2 bytes if constructed
// from a 16-bit value, 4 from a 32-bit value, 16 otherwise. Len and the
// wire marshalers look at the stored length directly; Full always expands
// to the 128-bit form for comparison.
type UUID struct {
	b []byte
}

// UUID16 builds a UUID from its 16-bit short form.
func UUID16(v uint16) UUID {
	return UUID{b: []byte{byte(v), byte(v >> 8)}}
}

// UUID32 builds a UUID from its 32-bit short form.
func UUID32(v uint32) UUID {
	return UUID{b: []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}}
}

// UUID128 builds a UUID from 16 raw bytes already in little-endian wire
// order (as used by 128-bit ATT UUIDs and SMP key material).
func UUID128(b []byte) (UUID, error) {
	if len(b) != 16 {
		return UUID{}, fmt.Errorf("bt: UUID128 needs 16 bytes, got %d", len(b))
	}
	cp := make([]byte, 16)
	copy(cp, b)
	return UUID{b: cp}, nil
}

// ParseUUID parses the standard hyphenated, big-endian display form
// ("0000180d-0000-1000-8000-00805f9b34fb") into a UUID, stored
// little-endian internally, and shortened if it matches the base UUID.
func ParseUUID(s string) (UUID, error) {
	hexs := strings.ReplaceAll(s, "-", "")
	raw, err := hex.DecodeString(hexs)
	if err != nil {
		return UUID{}, fmt.Errorf("bt: malformed uuid %q: %w", s, err)
	}
	if len(raw) != 16 {
		return UUID{}, fmt.Errorf("bt: malformed uuid %q: want 16 bytes, got %d", s, len(raw))
	}
	u := UUID{b: reverse(raw)} // big-endian wire -> little-endian storage
	return u.shorten(), nil
}

// MustParseUUID is ParseUUID, panicking on error. Intended for package-level
// UUID constants.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Len reports the number of bytes this UUID occupies in its current,
// possibly-shortened form: 2, 4 or 16.
func (u UUID) Len() int { return len(u.b) }

// Bytes returns the little-endian internal representation, in its current
// (possibly shortened) length. The caller must not modify it.
func (u UUID) Bytes() []byte { return u.b }

// Full expands u to its 128-bit little-endian form.
func (u UUID) Full() UUID {
	switch len(u.b) {
	case 16:
		return u
	case 2, 4:
		full := baseUUID // big-endian copy
		copy(full[4-len(u.b):4], reverseCopy(u.b))
		return UUID{b: reverse(full[:])}
	default:
		return UUID{}
	}
}

// shorten returns the shortest equivalent representation of u: 2 bytes if
// the low 96 bits match the base UUID and the top 16 bits are zero (so the
// 16-bit region captures the whole short value), else 16 bytes unchanged. A UUID already in 2/4-byte
// form is returned as-is.
func (u UUID) shorten() UUID {
	if len(u.b) != 16 {
		return u
	}
	be := reverse(u.b) // big-endian view
	var base16 [16]byte = baseUUID
	if be[0] == 0 && be[1] == 0 && bytesEqual(be[4:], base16[4:]) {
		return UUID{b: []byte{be[3], be[2]}}
	}
	return u
}

// Equal reports whether u and o denote the same UUID, regardless of
// whether either is currently stored in shortened form.
func (u UUID) Equal(o UUID) bool {
	return bytesEqual(u.Full().b, o.Full().b)
}

// String renders the standard hyphenated, big-endian display form.
func (u UUID) String() string {
	full := u.Full().b
	if full == nil {
		return "<invalid-uuid>"
	}
	be := reverse(full)
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		uint32(be[0])<<24|uint32(be[1])<<16|uint32(be[2])<<8|uint32(be[3]),
		uint16(be[4])<<8|uint16(be[5]),
		uint16(be[6])<<8|uint16(be[7]),
		uint16(be[8])<<8|uint16(be[9]),
		be[10:16])
}

// reverseBytes returns u's stored bytes in reverse order (the order in
// which a 16- or 128-bit UUID is written as a contiguous wire field whose
// high-order byte leads, e.g. inside an AD structure).
func (u UUID) reverseBytes() []byte { return reverse(u.b) }

// reverse returns a newly allocated copy of b with byte order reversed.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func reverseCopy(b []byte) []byte { return reverse(b) }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Well-known GATT declaration and descriptor UUIDs, used by both the ATT
// database (group-type discovery) and callers installing attributes.
var (
	PrimaryServiceUUID   = UUID16(0x2800)
	SecondaryServiceUUID = UUID16(0x2801)
	IncludeUUID          = UUID16(0x2802)
	CharacteristicUUID   = UUID16(0x2803)

	ClientCharacteristicConfigUUID = UUID16(0x2902)
	ServerCharacteristicConfigUUID = UUID16(0x2903)
)
