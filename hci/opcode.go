package hci

import "fmt"

// Opcode is the HCI command opcode: the pair (OGF, OCF) packed as
// OGF<<10 | OCF (spec.md §3).
type Opcode uint16

// Standard OGF (Opcode Group Field) values used by this core.
const (
	OGFLinkControl    = 0x01
	OGFHostControl    = 0x03
	OGFInfoParam      = 0x04
	OGFStatusParam    = 0x05
	OGFLEController   = 0x08
	OGFVendorSpecific = 0x3F
)

// MakeOpcode packs an OGF/OCF pair into an Opcode.
func MakeOpcode(ogf uint8, ocf uint16) Opcode {
	return Opcode(uint16(ogf)<<10 | (ocf & 0x03FF))
}

// OGF returns the opcode group field.
func (op Opcode) OGF() uint8 { return uint8((uint16(op) & 0xFC00) >> 10) }

// OCF returns the opcode command field.
func (op Opcode) OCF() uint16 { return uint16(op) & 0x03FF }

func (op Opcode) String() string {
	return fmt.Sprintf("opcode(ogf=0x%02x,ocf=0x%04x)", op.OGF(), op.OCF())
}

// Well-known opcodes this core issues directly. GAP owns scanning,
// advertising and connection establishment and is out of scope; the core
// only needs to drive disconnection and LE link-encryption, both of which
// L2CAP and SMP call into HCI for.
var (
	OpReset                            = MakeOpcode(OGFHostControl, 0x0003)
	OpDisconnect                       = MakeOpcode(OGFLinkControl, 0x0006)
	OpReadBDAddr                       = MakeOpcode(OGFInfoParam, 0x0009)
	OpLESetRandomAddress               = MakeOpcode(OGFLEController, 0x0005)
	OpLEStartEncryption                = MakeOpcode(OGFLEController, 0x0019)
	OpLELongTermKeyRequestReply        = MakeOpcode(OGFLEController, 0x001A)
	OpLELongTermKeyRequestNegativeReply = MakeOpcode(OGFLEController, 0x001B)
	OpLEConnectionParameterUpdate      = MakeOpcode(OGFLEController, 0x0013)
)
