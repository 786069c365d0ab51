package smp

import "encoding/binary"

// Opcode is the one-byte SMP PDU opcode (Core Spec Vol 3 Part H §3.3),
// grounded on the opcode table in the currantlabs/ble smp stub.
type Opcode uint8

const (
	OpPairingRequest       Opcode = 0x01
	OpPairingResponse      Opcode = 0x02
	OpPairingConfirm       Opcode = 0x03
	OpPairingRandom        Opcode = 0x04
	OpPairingFailed        Opcode = 0x05
	OpEncryptionInformation Opcode = 0x06
	OpMasterIdentification Opcode = 0x07
	OpIdentityInformation  Opcode = 0x08
	OpIdentityAddressInformation Opcode = 0x09
	OpSigningInformation   Opcode = 0x0A
	OpSecurityRequest      Opcode = 0x0B
	OpPairingPublicKey     Opcode = 0x0C
	OpPairingDHKeyCheck    Opcode = 0x0D
	OpPairingKeypress      Opcode = 0x0E
)

// IOCapability values carried in Pairing Request/Response (§3.5.1 Table 3.3).
type IOCapability uint8

const (
	IOCapDisplayOnly     IOCapability = 0x00
	IOCapDisplayYesNo    IOCapability = 0x01
	IOCapKeyboardOnly    IOCapability = 0x02
	IOCapNoInputNoOutput IOCapability = 0x03
	IOCapKeyboardDisplay IOCapability = 0x04
)

// AuthReq bit flags (§3.5.1 Table 3.4).
type AuthReq uint8

const (
	AuthReqBonding       AuthReq = 1 << 0
	AuthReqMITM          AuthReq = 1 << 2
	AuthReqSC            AuthReq = 1 << 3
	AuthReqKeypress      AuthReq = 1 << 4
)

// KeyDistribution bit flags (§3.6.1 Table 3.7): which keys a side promises
// to distribute in phase 3.
type KeyDistribution uint8

const (
	KeyDistEncKey  KeyDistribution = 1 << 0 // LTK + EDIV + Rand
	KeyDistIDKey   KeyDistribution = 1 << 1 // IRK + address
	KeyDistSignKey KeyDistribution = 1 << 2 // CSRK
	KeyDistLinkKey KeyDistribution = 1 << 3
)

// pairingPDU is the common 6-byte body of Pairing Request/Response
// (§3.5.1/§3.5.2): IOCapability, OOBDataFlag, AuthReq, MaxEncKeySize,
// InitiatorKeyDistribution, ResponderKeyDistribution.
type pairingPDU struct {
	IOCap       IOCapability
	OOBPresent  bool
	AuthReq     AuthReq
	MaxKeySize  uint8
	InitKeyDist KeyDistribution
	RespKeyDist KeyDistribution
}

func (p pairingPDU) marshal(op Opcode) []byte {
	oob := byte(0)
	if p.OOBPresent {
		oob = 1
	}
	return []byte{byte(op), byte(p.IOCap), oob, byte(p.AuthReq), p.MaxKeySize, byte(p.InitKeyDist), byte(p.RespKeyDist)}
}

func decodePairingPDU(b []byte) (pairingPDU, bool) {
	if len(b) != 6 {
		return pairingPDU{}, false
	}
	return pairingPDU{
		IOCap:       IOCapability(b[0]),
		OOBPresent:  b[1] != 0,
		AuthReq:     AuthReq(b[2]),
		MaxKeySize:  b[3],
		InitKeyDist: KeyDistribution(b[4]),
		RespKeyDist: KeyDistribution(b[5]),
	}, true
}

// encodeValue16 encodes the 16-byte value carried by both Pairing Confirm
// and Pairing Random (they share a wire shape), and by the other PDUs that
// carry one 16-octet value.
func encodeValue16(op Opcode, v [16]byte) []byte {
	b := make([]byte, 17)
	b[0] = byte(op)
	copy(b[1:], v[:])
	return b
}

func decodeValue16(b []byte) ([16]byte, bool) {
	var v [16]byte
	if len(b) != 16 {
		return v, false
	}
	copy(v[:], b)
	return v, true
}

func encodePairingFailed(reason Reason) []byte {
	return []byte{byte(OpPairingFailed), byte(reason)}
}

func decodePairingFailed(b []byte) (Reason, bool) {
	if len(b) != 1 {
		return 0, false
	}
	return Reason(b[0]), true
}

// encodePublicKey encodes the Pairing Public Key PDU: X and Y, 32 octets
// each, little-endian (§3.5.6). x and y are given big-endian, as
// ECDH.Marshal produces them; decodePublicKey returns them the same way.
func encodePublicKey(x, y [32]byte) []byte {
	b := make([]byte, 65)
	b[0] = byte(OpPairingPublicKey)
	for i := 0; i < 32; i++ {
		b[1+i], b[33+i] = x[31-i], y[31-i]
	}
	return b
}

func decodePublicKey(b []byte) (x, y [32]byte, ok bool) {
	if len(b) != 64 {
		return x, y, false
	}
	for i := 0; i < 32; i++ {
		x[31-i], y[31-i] = b[i], b[32+i]
	}
	return x, y, true
}

func encodeDHKeyCheck(v [16]byte) []byte { return encodeValue16(OpPairingDHKeyCheck, v) }

// encryptionInformation carries the LTK (§3.6.2).
func encodeEncryptionInformation(ltk [16]byte) []byte { return encodeValue16(OpEncryptionInformation, ltk) }

// masterIdentification carries EDIV + Rand (§3.6.3).
func encodeMasterIdentification(ediv uint16, rand [8]byte) []byte {
	b := make([]byte, 11)
	b[0] = byte(OpMasterIdentification)
	binary.LittleEndian.PutUint16(b[1:3], ediv)
	copy(b[3:], rand[:])
	return b
}

func decodeMasterIdentification(b []byte) (ediv uint16, rand [8]byte, ok bool) {
	if len(b) != 10 {
		return 0, rand, false
	}
	ediv = binary.LittleEndian.Uint16(b[0:2])
	copy(rand[:], b[2:10])
	return ediv, rand, true
}

// identityInformation carries the IRK (§3.6.4).
func encodeIdentityInformation(irk [16]byte) []byte { return encodeValue16(OpIdentityInformation, irk) }

// identityAddressInformation carries the identity address (§3.6.5).
func encodeIdentityAddressInformation(addrType uint8, addr [6]byte) []byte {
	b := make([]byte, 8)
	b[0] = byte(OpIdentityAddressInformation)
	b[1] = addrType
	copy(b[2:], addr[:])
	return b
}

func decodeIdentityAddressInformation(b []byte) (addrType uint8, addr [6]byte, ok bool) {
	if len(b) != 7 {
		return 0, addr, false
	}
	addrType = b[0]
	copy(addr[:], b[1:7])
	return addrType, addr, true
}

// signingInformation carries the CSRK (§3.6.6).
func encodeSigningInformation(csrk [16]byte) []byte { return encodeValue16(OpSigningInformation, csrk) }

func encodeSecurityRequest(authReq AuthReq) []byte {
	return []byte{byte(OpSecurityRequest), byte(authReq)}
}

func encodeKeypress(notificationType uint8) []byte {
	return []byte{byte(OpPairingKeypress), notificationType}
}
