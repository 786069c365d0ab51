package hci

import (
	"encoding/binary"
	"fmt"
)

// PacketType is the first byte of every packet crossing the HCI transport.
type PacketType uint8

const (
	PacketCommand PacketType = 0x01
	PacketACL     PacketType = 0x02
	PacketSCO     PacketType = 0x03
	PacketEvent   PacketType = 0x04
	PacketISO     PacketType = 0x05
)

func (t PacketType) String() string {
	switch t {
	case PacketCommand:
		return "Command"
	case PacketACL:
		return "ACL"
	case PacketSCO:
		return "SCO"
	case PacketEvent:
		return "Event"
	case PacketISO:
		return "ISO"
	default:
		return fmt.Sprintf("PacketType(0x%02x)", uint8(t))
	}
}

// Command is the decoded form of a Command packet: opcode, param_len, params.
type Command struct {
	Opcode Opcode
	Params []byte
}

// Marshal encodes a Command packet including the leading PacketCommand tag.
func (c Command) Marshal() []byte {
	b := make([]byte, 1+2+1+len(c.Params))
	b[0] = byte(PacketCommand)
	binary.LittleEndian.PutUint16(b[1:3], uint16(c.Opcode))
	b[3] = uint8(len(c.Params))
	copy(b[4:], c.Params)
	return b
}

// ParseCommand decodes a Command packet body (b excludes the leading packet
// type byte).
func ParseCommand(b []byte) (Command, error) {
	if len(b) < 3 {
		return Command{}, newErr(ErrMalformed, fmt.Errorf("short command header: %d bytes", len(b)))
	}
	op := Opcode(binary.LittleEndian.Uint16(b[0:2]))
	plen := int(b[2])
	if len(b) != 3+plen {
		return Command{}, newErr(ErrMalformed, fmt.Errorf("command param_len %d does not match body %d", plen, len(b)-3))
	}
	params := make([]byte, plen)
	copy(params, b[3:])
	return Command{Opcode: op, Params: params}, nil
}

// Event is the decoded form of an Event packet: event_code, param_len, params.
type Event struct {
	Code   uint8
	Params []byte
}

// Marshal encodes an Event packet including the leading PacketEvent tag.
// Mainly useful for tests that round-trip synthetic controller traffic.
func (e Event) Marshal() []byte {
	b := make([]byte, 1+1+1+len(e.Params))
	b[0] = byte(PacketEvent)
	b[1] = e.Code
	b[2] = uint8(len(e.Params))
	copy(b[3:], e.Params)
	return b
}

// ParseEvent decodes an Event packet body (b excludes the leading packet
// type byte).
func ParseEvent(b []byte) (Event, error) {
	if len(b) < 2 {
		return Event{}, newErr(ErrMalformed, fmt.Errorf("short event header: %d bytes", len(b)))
	}
	code := b[0]
	plen := int(b[1])
	if len(b) != 2+plen {
		return Event{}, newErr(ErrMalformed, fmt.Errorf("event param_len %d does not match body %d", plen, len(b)-2))
	}
	params := make([]byte, plen)
	copy(params, b[2:])
	return Event{Code: code, Params: params}, nil
}

// ACL flag bits, the top 4 bits of the handle_and_flags field.
const (
	ACLFlagFirstNonAutoFlushable = 0x0 << 12
	ACLFlagContinuing            = 0x1 << 12
	ACLFlagFirstAutoFlushable    = 0x2 << 12
	ACLFlagBroadcastPointToPoint = 0x0 << 14
)

// ACLPacket is the decoded form of an ACL Data packet.
type ACLPacket struct {
	Handle uint16 // 12-bit connection handle
	Flags  uint8  // packet-boundary / broadcast flags (top 4 bits of the wire field)
	Data   []byte
}

// Marshal encodes an ACLPacket including the leading PacketACL tag.
func (p ACLPacket) Marshal() []byte {
	b := make([]byte, 1+2+2+len(p.Data))
	b[0] = byte(PacketACL)
	hf := (p.Handle & 0x0FFF) | (uint16(p.Flags) << 12)
	binary.LittleEndian.PutUint16(b[1:3], hf)
	binary.LittleEndian.PutUint16(b[3:5], uint16(len(p.Data)))
	copy(b[5:], p.Data)
	return b
}

// ParseACLPacket decodes an ACL packet body (b excludes the leading packet
// type byte).
func ParseACLPacket(b []byte) (ACLPacket, error) {
	if len(b) < 4 {
		return ACLPacket{}, newErr(ErrMalformed, fmt.Errorf("short acl header: %d bytes", len(b)))
	}
	hf := binary.LittleEndian.Uint16(b[0:2])
	dlen := binary.LittleEndian.Uint16(b[2:4])
	if len(b) != 4+int(dlen) {
		return ACLPacket{}, newErr(ErrMalformed, fmt.Errorf("acl data_len %d does not match body %d", dlen, len(b)-4))
	}
	data := make([]byte, dlen)
	copy(data, b[4:])
	return ACLPacket{
		Handle: hf & 0x0FFF,
		Flags:  uint8(hf >> 12),
		Data:   data,
	}, nil
}
