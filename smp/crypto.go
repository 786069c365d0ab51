// Package smp implements the Security Manager Protocol: LE legacy pairing,
// LE Secure Connections, key distribution and the connection's key store.
package smp

import (
	"crypto/aes"
	"crypto/elliptic"
	"crypto/rand"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
	"github.com/wsddn/go-ecdh"
)

// p256 returns the NIST P-256 curve LE Secure Connections requires.
func p256() elliptic.Curve { return elliptic.P256() }

// aesECB encrypts one 16-byte block with AES-128 in ECB mode, the `e`
// primitive the Core Spec's c1/s1/f4/f5/f6/g2 functions are built from
// (Vol 3 Part H §2.2).
func aesECB(key, block [16]byte) ([16]byte, error) {
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return [16]byte{}, errors.Wrap(err, "aes cipher")
	}
	var out [16]byte
	c.Encrypt(out[:], block[:])
	return out, nil
}

// aesCMAC computes AES-CMAC (RFC 4493) of msg under key, grounded on the
// aead/cmac library the reference BLE stack (leso-kn/ble) depends on for
// exactly this purpose.
func aesCMAC(key []byte, msg []byte) ([16]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return [16]byte{}, errors.Wrap(err, "aes cipher")
	}
	mac, err := cmac.Sum(msg, c, 16)
	if err != nil {
		return [16]byte{}, errors.Wrap(err, "cmac")
	}
	var out [16]byte
	copy(out[:], mac)
	return out, nil
}

func xor16(a, b [16]byte) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// c1 is the legacy confirm value function: confirm = e(k, e(k, r XOR p1)
// XOR p2). preq/pres are the 7-octet Pairing Request/Response PDUs; ia/ra
// are the initiator/responder addresses (7 octets: 1 type + 6 address,
// LSB-first, as addrBytes builds them); iat/rat are folded into those address octets by the caller.
func c1(k, r [16]byte, preq, pres [7]byte, ia, ra [7]byte) ([16]byte, error) {
	p1 := packP1(preq, pres)
	p2 := packP2(ia, ra)

	step1 := xor16(r, p1)
	enc1, err := aesECB(k, step1)
	if err != nil {
		return [16]byte{}, err
	}
	step2 := xor16(enc1, p2)
	return aesECB(k, step2)
}

// packP1 builds p1 = pres || preq (each 7 octets: the Pairing
// Response/Request opcode followed by its 6 parameter octets, per Core
// Spec Vol 3 Part H §2.2.3), the first XOR operand of c1.
func packP1(preq, pres [7]byte) [16]byte {
	var p1 [16]byte
	copy(p1[0:7], pres[:])
	copy(p1[7:14], preq[:])
	return p1
}

// packP2 builds p2 = ia || ra (padded) per the Core Spec.
func packP2(ia, ra [7]byte) [16]byte {
	var p2 [16]byte
	copy(p2[0:7], ia[:])
	copy(p2[7:14], ra[:])
	return p2
}

// s1 derives the legacy STK: s1(k, r1, r2) = e(k, r1' || r2') where r1'/r2'
// are the low 64 bits of r1/r2. r1, r2 and the block are stored LSB-first,
// so the low halves are bytes [0:8] and r1' forms the block's upper half.
func s1(k, r1, r2 [16]byte) ([16]byte, error) {
	var block [16]byte
	copy(block[0:8], r2[0:8])
	copy(block[8:16], r1[0:8])
	return aesECB(k, block)
}

// f4 is the LE Secure Connections confirm function (Core Spec Vol 3 Part H
// §2.2.6): f4(U, V, X, Z) = AES-CMAC_X(U || V || Z).
func f4(u, v [32]byte, x [16]byte, z byte) ([16]byte, error) {
	msg := make([]byte, 0, 65)
	msg = append(msg, u[:]...)
	msg = append(msg, v[:]...)
	msg = append(msg, z)
	return aesCMAC(x[:], msg)
}

// f5 derives (MacKey, LTK) from the ECDH shared secret (§2.2.7).
func f5(w [32]byte, n1, n2 [16]byte, a1, a2 [7]byte) (macKey, ltk [16]byte, err error) {
	salt := [16]byte{0x6C, 0x88, 0x83, 0x91, 0xAA, 0xF5, 0xA5, 0x38, 0x60, 0x37, 0x0B, 0xDB, 0x5A, 0x60, 0x83, 0xBE}
	t, err := aesCMAC(salt[:], w[:])
	if err != nil {
		return macKey, ltk, err
	}

	keyID := []byte{0x62, 0x74, 0x6C, 0x65} // "btle"
	counter1 := append([]byte{0x00}, keyID...)
	counter1 = append(counter1, n1[:]...)
	counter1 = append(counter1, n2[:]...)
	counter1 = append(counter1, a1[:]...)
	counter1 = append(counter1, a2[:]...)
	counter1 = append(counter1, 0x00, 0x01)
	mk, err := aesCMAC(t[:], counter1)
	if err != nil {
		return macKey, ltk, err
	}

	counter2 := append([]byte{0x01}, keyID...)
	counter2 = append(counter2, n1[:]...)
	counter2 = append(counter2, n2[:]...)
	counter2 = append(counter2, a1[:]...)
	counter2 = append(counter2, a2[:]...)
	counter2 = append(counter2, 0x00, 0x01)
	lk, err := aesCMAC(t[:], counter2)
	if err != nil {
		return macKey, ltk, err
	}
	return mk, lk, nil
}

// f6 computes the DHKey check value (§2.2.8):
// f6(W, N1, N2, R, IOcap, A1, A2) = AES-CMAC_W(N1 || N2 || R || IOcap || A1 || A2).
func f6(w [16]byte, n1, n2 [16]byte, r [16]byte, ioCap [3]byte, a1, a2 [7]byte) ([16]byte, error) {
	msg := make([]byte, 0, 16+16+16+3+7+7)
	msg = append(msg, n1[:]...)
	msg = append(msg, n2[:]...)
	msg = append(msg, r[:]...)
	msg = append(msg, ioCap[:]...)
	msg = append(msg, a1[:]...)
	msg = append(msg, a2[:]...)
	return aesCMAC(w[:], msg)
}

// g2 computes the 6-digit numeric comparison value (§2.2.9):
// g2(U, V, X, Y) = AES-CMAC_X(U || V || Y) mod 2^32, displayed mod 10^6.
func g2(u, v [32]byte, x [16]byte, y [16]byte) (uint32, error) {
	msg := make([]byte, 0, 80)
	msg = append(msg, u[:]...)
	msg = append(msg, v[:]...)
	msg = append(msg, y[:]...)
	mac, err := aesCMAC(x[:], msg)
	if err != nil {
		return 0, err
	}
	val := uint32(mac[12])<<24 | uint32(mac[13])<<16 | uint32(mac[14])<<8 | uint32(mac[15])
	return val % 1000000, nil
}

// ECDH wraps the P-256 key agreement the Secure Connections phase uses.
// Grounded on github.com/wsddn/go-ecdh, as depended on by the reference BLE
// stack (leso-kn/ble) for exactly this purpose.
type ECDH struct {
	curve ecdh.ECDH
}

func NewECDH() *ECDH {
	return &ECDH{curve: ecdh.NewEllipticECDH(p256())}
}

// GenerateKey returns a fresh private/public keypair.
func (e *ECDH) GenerateKey() (priv, pub interface{}, err error) {
	priv, pub, err = e.curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "ecdh generate key")
	}
	return priv, pub, nil
}

// Marshal/Unmarshal convert a public key to/from the 64-octet X||Y form
// (each coordinate big-endian, without the 0x04 uncompressed-point prefix
// crypto/elliptic adds); encodePublicKey/decodePublicKey convert each
// coordinate to and from the little-endian order the PDU carries.
func (e *ECDH) Marshal(pub interface{}) []byte { return e.curve.Marshal(pub)[1:] }

func (e *ECDH) Unmarshal(b []byte) (interface{}, bool) {
	return e.curve.Unmarshal(append([]byte{0x04}, b...))
}

// SharedSecret computes the ECDH shared secret given our private key and
// the peer's public key.
func (e *ECDH) SharedSecret(priv, peerPub interface{}) ([]byte, error) {
	secret, err := e.curve.GenerateSharedSecret(priv, peerPub)
	if err != nil {
		return nil, errors.Wrap(err, "ecdh shared secret")
	}
	return secret, nil
}

// randomBytes fills b with CSPRNG output (spec.md §4.5: "A CSPRNG-backed
// random source for all nonces, IRK/CSRK, and ECDH private keys").
func randomBytes(b []byte) error {
	_, err := rand.Read(b)
	return err
}
