package hci

import "encoding/binary"

// CmdParam is a command parameter block that knows its own opcode and wire
// length, mirroring the teacher's (paypal-gatt) linux/internal/cmd.CmdParam
// interface.
type CmdParam interface {
	Opcode() Opcode
	Len() int
	Marshal(b []byte)
}

// Reset is HCI_Reset (OGF 0x03, OCF 0x0003): no parameters.
type Reset struct{}

func (Reset) Opcode() Opcode    { return OpReset }
func (Reset) Len() int          { return 0 }
func (Reset) Marshal(b []byte) {}

// Disconnect is HCI_Disconnect (OGF 0x01, OCF 0x0006).
type Disconnect struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (Disconnect) Opcode() Opcode { return OpDisconnect }
func (Disconnect) Len() int       { return 3 }
func (d Disconnect) Marshal(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], d.ConnectionHandle)
	b[2] = d.Reason
}

// LEStartEncryption is HCI_LE_Start_Encryption (OGF 0x08, OCF 0x0019), used
// by SMP to start link encryption with a legacy or Secure-Connections LTK.
type LEStartEncryption struct {
	ConnectionHandle uint16
	RandomNumber     [8]byte
	EDIV             uint16
	LTK              [16]byte
}

func (LEStartEncryption) Opcode() Opcode { return OpLEStartEncryption }
func (LEStartEncryption) Len() int       { return 28 }
func (c LEStartEncryption) Marshal(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], c.ConnectionHandle)
	copy(b[2:10], c.RandomNumber[:])
	binary.LittleEndian.PutUint16(b[10:12], c.EDIV)
	copy(b[12:28], c.LTK[:])
}

// LELongTermKeyRequestReply is HCI_LE_Long_Term_Key_Request_Reply
// (OGF 0x08, OCF 0x001A), the slave-side reply to an LE_LTK_Request event.
type LELongTermKeyRequestReply struct {
	ConnectionHandle uint16
	LTK              [16]byte
}

func (LELongTermKeyRequestReply) Opcode() Opcode { return OpLELongTermKeyRequestReply }
func (LELongTermKeyRequestReply) Len() int        { return 18 }
func (c LELongTermKeyRequestReply) Marshal(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], c.ConnectionHandle)
	copy(b[2:18], c.LTK[:])
}

// LELongTermKeyRequestNegativeReply is HCI_LE_Long_Term_Key_Request_Negative_Reply
// (OGF 0x08, OCF 0x001B): we do not have a key for this peer.
type LELongTermKeyRequestNegativeReply struct {
	ConnectionHandle uint16
}

func (LELongTermKeyRequestNegativeReply) Opcode() Opcode {
	return OpLELongTermKeyRequestNegativeReply
}
func (LELongTermKeyRequestNegativeReply) Len() int { return 2 }
func (c LELongTermKeyRequestNegativeReply) Marshal(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], c.ConnectionHandle)
}

// marshalParam is a convenience used by Transport.SendCommand.
func marshalParam(p CmdParam) []byte {
	b := make([]byte, p.Len())
	p.Marshal(b)
	return b
}
