package att

import (
	"encoding/binary"

	"github.com/go-btcore/btcore/bt"
)

// Opcode is the one-byte ATT PDU method/signal octet (spec.md §4.3).
type Opcode uint8

const (
	OpError                  Opcode = 0x01
	OpExchangeMTUReq         Opcode = 0x02
	OpExchangeMTURsp         Opcode = 0x03
	OpFindInformationReq     Opcode = 0x04
	OpFindInformationRsp     Opcode = 0x05
	OpFindByTypeValueReq     Opcode = 0x06
	OpFindByTypeValueRsp     Opcode = 0x07
	OpReadByTypeReq          Opcode = 0x08
	OpReadByTypeRsp          Opcode = 0x09
	OpReadReq                Opcode = 0x0A
	OpReadRsp                Opcode = 0x0B
	OpReadBlobReq            Opcode = 0x0C
	OpReadBlobRsp            Opcode = 0x0D
	OpReadMultipleReq        Opcode = 0x0E
	OpReadMultipleRsp        Opcode = 0x0F
	OpReadByGroupTypeReq     Opcode = 0x10
	OpReadByGroupTypeRsp     Opcode = 0x11
	OpWriteReq               Opcode = 0x12
	OpWriteRsp               Opcode = 0x13
	OpPrepareWriteReq        Opcode = 0x16
	OpPrepareWriteRsp        Opcode = 0x17
	OpExecuteWriteReq        Opcode = 0x18
	OpExecuteWriteRsp        Opcode = 0x19
	OpHandleValueNotification Opcode = 0x1B
	OpHandleValueIndication  Opcode = 0x1D
	OpHandleValueConfirmation Opcode = 0x1E
	OpWriteCommand           Opcode = 0x52
	OpSignedWriteCommand     Opcode = 0xD2
)

// responseFor maps a request opcode to its response opcode, and a Handle
// Value Indication to its Confirmation; commands (no response) and
// notifications are absent.
var responseFor = map[Opcode]Opcode{
	OpExchangeMTUReq:     OpExchangeMTURsp,
	OpFindInformationReq: OpFindInformationRsp,
	OpFindByTypeValueReq: OpFindByTypeValueRsp,
	OpReadByTypeReq:      OpReadByTypeRsp,
	OpReadReq:            OpReadRsp,
	OpReadBlobReq:        OpReadBlobRsp,
	OpReadMultipleReq:    OpReadMultipleRsp,
	OpReadByGroupTypeReq: OpReadByGroupTypeRsp,
	OpWriteReq:           OpWriteRsp,
	OpPrepareWriteReq:    OpPrepareWriteRsp,
	OpExecuteWriteReq:    OpExecuteWriteRsp,
	OpHandleValueIndication: OpHandleValueConfirmation,
}

func errorResponse(op Opcode, handle uint16, code ErrorCode) []byte {
	b := make([]byte, 5)
	b[0] = byte(OpError)
	b[1] = byte(op)
	binary.LittleEndian.PutUint16(b[2:4], handle)
	b[4] = byte(code)
	return b
}

// decodeErrorResponse decodes the body of an ATT_ERROR_RSP (the leading
// opcode byte already stripped by the caller): request_opcode, handle, code.
func decodeErrorResponse(b []byte) (reqOp Opcode, handle uint16, code ErrorCode, ok bool) {
	if len(b) != 4 {
		return 0, 0, 0, false
	}
	return Opcode(b[0]), binary.LittleEndian.Uint16(b[1:3]), ErrorCode(b[3]), true
}

// --- ExchangeMTU ---

func encodeExchangeMTUReq(mtu uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, mtu)
	return b
}

func decodeExchangeMTU(b []byte) (uint16, bool) {
	if len(b) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

// --- FindInformation ---

type findInfoReq struct {
	StartHandle, EndHandle uint16
}

func decodeFindInfoReq(b []byte) (findInfoReq, bool) {
	if len(b) != 4 {
		return findInfoReq{}, false
	}
	return findInfoReq{binary.LittleEndian.Uint16(b[0:2]), binary.LittleEndian.Uint16(b[2:4])}, true
}

// findInfoFormat1 (handle, UUID16 pairs) vs format2 (handle, UUID128 pairs);
// a response must be homogeneous, so the server picks the format from the
// first matching attribute and stops before a UUID of the other width.
const (
	findInfoFormatUUID16  = 0x01
	findInfoFormatUUID128 = 0x02
)

func encodeFindInfoRsp(format uint8, entries [][2][]byte) []byte {
	b := []byte{format}
	for _, e := range entries {
		b = append(b, e[0]...)
		b = append(b, e[1]...)
	}
	return b
}

// --- FindByTypeValue ---

type findByTypeValueReq struct {
	StartHandle, EndHandle uint16
	Type                   bt.UUID
	Value                  []byte
}

func decodeFindByTypeValueReq(b []byte) (findByTypeValueReq, bool) {
	if len(b) < 6 {
		return findByTypeValueReq{}, false
	}
	return findByTypeValueReq{
		StartHandle: binary.LittleEndian.Uint16(b[0:2]),
		EndHandle:   binary.LittleEndian.Uint16(b[2:4]),
		Type:        bt.UUID16(binary.LittleEndian.Uint16(b[4:6])),
		Value:       b[6:],
	}, true
}

type handleRange struct{ Start, End uint16 }

func encodeFindByTypeValueRsp(ranges []handleRange) []byte {
	b := make([]byte, 0, 4*len(ranges))
	for _, r := range ranges {
		tmp := make([]byte, 4)
		binary.LittleEndian.PutUint16(tmp[0:2], r.Start)
		binary.LittleEndian.PutUint16(tmp[2:4], r.End)
		b = append(b, tmp...)
	}
	return b
}

// --- ReadByType / ReadByGroupType ---

type readByTypeReq struct {
	StartHandle, EndHandle uint16
	Type                   bt.UUID
}

func decodeReadByTypeReq(b []byte) (readByTypeReq, bool) {
	if len(b) != 6 && len(b) != 20 {
		return readByTypeReq{}, false
	}
	r := readByTypeReq{
		StartHandle: binary.LittleEndian.Uint16(b[0:2]),
		EndHandle:   binary.LittleEndian.Uint16(b[2:4]),
	}
	if len(b) == 6 {
		r.Type = bt.UUID16(binary.LittleEndian.Uint16(b[4:6]))
	} else {
		u, err := bt.UUID128(b[4:20])
		if err != nil {
			return readByTypeReq{}, false
		}
		r.Type = u
	}
	return r, true
}

type attrValuePair struct {
	Handle uint16
	Value  []byte
}

// encodeReadByTypeRsp truncates every value to the shortest one's length,
// per spec.md §4.3 rule 4 (PDU length field is per-pair and must be constant).
func encodeReadByTypeRsp(pairs []attrValuePair) []byte {
	if len(pairs) == 0 {
		return nil
	}
	minLen := len(pairs[0].Value)
	for _, p := range pairs {
		if len(p.Value) < minLen {
			minLen = len(p.Value)
		}
	}
	out := []byte{byte(2 + minLen)}
	for _, p := range pairs {
		tmp := make([]byte, 2)
		binary.LittleEndian.PutUint16(tmp, p.Handle)
		out = append(out, tmp...)
		out = append(out, p.Value[:minLen]...)
	}
	return out
}

type groupAttrValue struct {
	StartHandle, EndHandle uint16
	Value                  []byte
}

func encodeReadByGroupTypeRsp(groups []groupAttrValue) []byte {
	if len(groups) == 0 {
		return nil
	}
	minLen := len(groups[0].Value)
	for _, g := range groups {
		if len(g.Value) < minLen {
			minLen = len(g.Value)
		}
	}
	out := []byte{byte(4 + minLen)}
	for _, g := range groups {
		tmp := make([]byte, 4)
		binary.LittleEndian.PutUint16(tmp[0:2], g.StartHandle)
		binary.LittleEndian.PutUint16(tmp[2:4], g.EndHandle)
		out = append(out, tmp...)
		out = append(out, g.Value[:minLen]...)
	}
	return out
}

// --- Read / ReadBlob / ReadMultiple ---

func decodeReadReq(b []byte) (uint16, bool) {
	if len(b) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

type readBlobReq struct {
	Handle uint16
	Offset uint16
}

func decodeReadBlobReq(b []byte) (readBlobReq, bool) {
	if len(b) != 4 {
		return readBlobReq{}, false
	}
	return readBlobReq{binary.LittleEndian.Uint16(b[0:2]), binary.LittleEndian.Uint16(b[2:4])}, true
}

func decodeReadMultipleReq(b []byte) ([]uint16, bool) {
	if len(b) < 4 || len(b)%2 != 0 {
		return nil, false
	}
	handles := make([]uint16, len(b)/2)
	for i := range handles {
		handles[i] = binary.LittleEndian.Uint16(b[2*i : 2*i+2])
	}
	return handles, true
}

// --- Write / WriteCommand ---

type writeReq struct {
	Handle uint16
	Value  []byte
}

func decodeWriteReq(b []byte) (writeReq, bool) {
	if len(b) < 2 {
		return writeReq{}, false
	}
	return writeReq{binary.LittleEndian.Uint16(b[0:2]), b[2:]}, true
}

// --- PrepareWrite / ExecuteWrite ---

type prepareWriteReq struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

func decodePrepareWriteReq(b []byte) (prepareWriteReq, bool) {
	if len(b) < 4 {
		return prepareWriteReq{}, false
	}
	return prepareWriteReq{
		Handle: binary.LittleEndian.Uint16(b[0:2]),
		Offset: binary.LittleEndian.Uint16(b[2:4]),
		Value:  b[4:],
	}, true
}

func encodePrepareWriteRsp(r prepareWriteReq) []byte {
	b := make([]byte, 4, 4+len(r.Value))
	binary.LittleEndian.PutUint16(b[0:2], r.Handle)
	binary.LittleEndian.PutUint16(b[2:4], r.Offset)
	return append(b, r.Value...)
}

const (
	ExecuteWriteCancel uint8 = 0x00
	ExecuteWriteCommit uint8 = 0x01
)

func decodeExecuteWriteReq(b []byte) (uint8, bool) {
	if len(b) != 1 {
		return 0, false
	}
	return b[0], true
}

// --- HandleValue Notification/Indication/Confirmation ---

func encodeHandleValue(op Opcode, handle uint16, value []byte) []byte {
	b := make([]byte, 3, 3+len(value))
	b[0] = byte(op)
	binary.LittleEndian.PutUint16(b[1:3], handle)
	return append(b, value...)
}

func decodeHandleValue(b []byte) (handle uint16, value []byte, ok bool) {
	if len(b) < 2 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint16(b[0:2]), b[2:], true
}
