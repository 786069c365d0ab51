package hci

import (
	"encoding/binary"
	"fmt"
)

// Event codes this core decodes. GAP owns most LE Meta subevents (scanning,
// advertising reports); the core only needs the subset that L2CAP and SMP
// act on directly.
const (
	EvtDisconnectionComplete    uint8 = 0x05
	EvtEncryptionChange         uint8 = 0x08
	EvtCommandComplete          uint8 = 0x0E
	EvtCommandStatus            uint8 = 0x0F
	EvtNumberOfCompletedPackets uint8 = 0x13
	EvtLEMeta                   uint8 = 0x3E
)

// LE Meta subevent codes.
const (
	LEConnectionComplete               uint8 = 0x01
	LEAdvertisingReport                uint8 = 0x02
	LEConnectionUpdateComplete         uint8 = 0x03
	LELongTermKeyRequest               uint8 = 0x05
	LERemoteConnectionParameterRequest uint8 = 0x06
)

// DisconnectionCompleteEvent reports a link has gone down; L2CAP uses
// ConnectionHandle to drive its teardown cascade (spec.md §5).
type DisconnectionCompleteEvent struct {
	Status           uint8
	ConnectionHandle uint16
	Reason           uint8
}

func decodeDisconnectionComplete(b []byte) (DisconnectionCompleteEvent, error) {
	if len(b) != 4 {
		return DisconnectionCompleteEvent{}, newErr(ErrMalformed, fmt.Errorf("disconnection complete: want 4 bytes, got %d", len(b)))
	}
	return DisconnectionCompleteEvent{
		Status:           b[0],
		ConnectionHandle: binary.LittleEndian.Uint16(b[1:3]),
		Reason:           b[3],
	}, nil
}

// CommandCompleteEvent correlates to a prior Command by Opcode.
type CommandCompleteEvent struct {
	NumHCICommandPackets uint8
	Opcode               Opcode
	ReturnParams         []byte
}

func decodeCommandComplete(b []byte) (CommandCompleteEvent, error) {
	if len(b) < 3 {
		return CommandCompleteEvent{}, newErr(ErrMalformed, fmt.Errorf("command complete: short body %d", len(b)))
	}
	return CommandCompleteEvent{
		NumHCICommandPackets: b[0],
		Opcode:               Opcode(binary.LittleEndian.Uint16(b[1:3])),
		ReturnParams:         append([]byte(nil), b[3:]...),
	}, nil
}

// CommandStatusEvent is an early ack that a command was accepted (or
// rejected) by the controller, before CommandComplete arrives.
type CommandStatusEvent struct {
	Status               uint8
	NumHCICommandPackets uint8
	Opcode               Opcode
}

func decodeCommandStatus(b []byte) (CommandStatusEvent, error) {
	if len(b) != 4 {
		return CommandStatusEvent{}, newErr(ErrMalformed, fmt.Errorf("command status: want 4 bytes, got %d", len(b)))
	}
	return CommandStatusEvent{
		Status:               b[0],
		NumHCICommandPackets: b[1],
		Opcode:               Opcode(binary.LittleEndian.Uint16(b[2:4])),
	}, nil
}

// NumberOfCompletedPacketsEvent lets the ACL writer replenish its
// controller-buffer credit.
type NumberOfCompletedPacketsEvent struct {
	Handles []uint16
	Counts  []uint16
}

func decodeNumberOfCompletedPackets(b []byte) (NumberOfCompletedPacketsEvent, error) {
	if len(b) < 1 {
		return NumberOfCompletedPacketsEvent{}, newErr(ErrMalformed, fmt.Errorf("number of completed packets: empty body"))
	}
	n := int(b[0])
	if len(b) != 1+4*n {
		return NumberOfCompletedPacketsEvent{}, newErr(ErrMalformed, fmt.Errorf("number of completed packets: want %d entries, body too short", n))
	}
	ev := NumberOfCompletedPacketsEvent{Handles: make([]uint16, n), Counts: make([]uint16, n)}
	for i := 0; i < n; i++ {
		ev.Handles[i] = binary.LittleEndian.Uint16(b[1+2*i:])
	}
	for i := 0; i < n; i++ {
		ev.Counts[i] = binary.LittleEndian.Uint16(b[1+2*n+2*i:])
	}
	return ev, nil
}

// EncryptionChangeEvent reports whether link encryption turned on, the
// trigger for SMP to consider a legacy or SC pairing's link secured.
type EncryptionChangeEvent struct {
	Status           uint8
	ConnectionHandle uint16
	Encryption       uint8
}

func decodeEncryptionChange(b []byte) (EncryptionChangeEvent, error) {
	if len(b) != 4 {
		return EncryptionChangeEvent{}, newErr(ErrMalformed, fmt.Errorf("encryption change: want 4 bytes, got %d", len(b)))
	}
	return EncryptionChangeEvent{
		Status:           b[0],
		ConnectionHandle: binary.LittleEndian.Uint16(b[1:3]),
		Encryption:       b[3],
	}, nil
}

// LELongTermKeyRequestEvent asks the host (as slave) to supply the LTK for
// this EDIV/Rand, or reject it.
type LELongTermKeyRequestEvent struct {
	ConnectionHandle uint16
	RandomNumber     [8]byte
	EDIV             uint16
}

func decodeLELongTermKeyRequest(b []byte) (LELongTermKeyRequestEvent, error) {
	if len(b) != 12 {
		return LELongTermKeyRequestEvent{}, newErr(ErrMalformed, fmt.Errorf("le ltk request: want 12 bytes, got %d", len(b)))
	}
	ev := LELongTermKeyRequestEvent{ConnectionHandle: binary.LittleEndian.Uint16(b[0:2])}
	copy(ev.RandomNumber[:], b[2:10])
	ev.EDIV = binary.LittleEndian.Uint16(b[10:12])
	return ev, nil
}

// LEConnectionCompleteEvent reports a new LE link. GAP is the primary
// consumer; L2CAP only needs ConnectionHandle and Role to pre-open fixed
// channels.
type LEConnectionCompleteEvent struct {
	Status              uint8
	ConnectionHandle    uint16
	Role                uint8
	PeerAddressType     uint8
	PeerAddress         [6]byte
	ConnInterval        uint16
	ConnLatency         uint16
	SupervisionTimeout  uint16
	MasterClockAccuracy uint8
}

func decodeLEConnectionComplete(b []byte) (LEConnectionCompleteEvent, error) {
	if len(b) != 19 {
		return LEConnectionCompleteEvent{}, newErr(ErrMalformed, fmt.Errorf("le connection complete: want 19 bytes, got %d", len(b)))
	}
	ev := LEConnectionCompleteEvent{
		Status:           b[0],
		ConnectionHandle: binary.LittleEndian.Uint16(b[1:3]),
		Role:             b[3],
		PeerAddressType:  b[4],
	}
	copy(ev.PeerAddress[:], b[5:11])
	ev.ConnInterval = binary.LittleEndian.Uint16(b[11:13])
	ev.ConnLatency = binary.LittleEndian.Uint16(b[13:15])
	ev.SupervisionTimeout = binary.LittleEndian.Uint16(b[15:17])
	ev.MasterClockAccuracy = b[18]
	return ev, nil
}

// LEMetaEvent is the outer envelope for all LE subevents.
type LEMetaEvent struct {
	SubeventCode uint8
	Decoded      interface{} // one of the LE*Event types above, or nil if unrecognized
	Raw          []byte
}

func decodeLEMeta(b []byte) (LEMetaEvent, error) {
	if len(b) < 1 {
		return LEMetaEvent{}, newErr(ErrMalformed, fmt.Errorf("le meta: empty body"))
	}
	sub := b[0]
	rest := b[1:]
	var decoded interface{}
	var err error
	switch sub {
	case LEConnectionComplete:
		decoded, err = decodeLEConnectionComplete(rest)
	case LELongTermKeyRequest:
		decoded, err = decodeLELongTermKeyRequest(rest)
	default:
		// Advertising reports, connection-update-complete, remote
		// connection-parameter requests, etc. belong to GAP; the core
		// surfaces the raw subevent for a collaborator to decode.
	}
	if err != nil {
		return LEMetaEvent{}, err
	}
	return LEMetaEvent{SubeventCode: sub, Decoded: decoded, Raw: append([]byte(nil), rest...)}, nil
}

// Decode parses e's parameter block according to e.Code, returning one of
// the concrete *Event types above. An unrecognized event code is not an
// error: it returns (nil, nil) so a caller (GAP, diagnostics) can inspect
// e.Params itself.
func (e Event) Decode() (interface{}, error) {
	switch e.Code {
	case EvtDisconnectionComplete:
		return decodeDisconnectionComplete(e.Params)
	case EvtCommandComplete:
		return decodeCommandComplete(e.Params)
	case EvtCommandStatus:
		return decodeCommandStatus(e.Params)
	case EvtNumberOfCompletedPackets:
		return decodeNumberOfCompletedPackets(e.Params)
	case EvtEncryptionChange:
		return decodeEncryptionChange(e.Params)
	case EvtLEMeta:
		return decodeLEMeta(e.Params)
	default:
		return nil, nil
	}
}
