package smp

import (
	"encoding/binary"
	"time"

	"github.com/go-btcore/btcore/bt"
	"github.com/sirupsen/logrus"
)

// Role is the pairing role, fixed for the lifetime of a Session.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

// State is the pairing state machine's current position (spec.md §4.5
// "Pairing state machine (common)").
type State uint8

const (
	StateIdle State = iota
	StateWaitPairingResponse
	StateWaitPublicKey
	StateWaitConfirm
	StateWaitRandom
	StateWaitSCRound
	StateWaitDHKeyCheck
	StateWaitKeyDistribution
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitPairingResponse:
		return "wait-pairing-response"
	case StateWaitPublicKey:
		return "wait-public-key"
	case StateWaitConfirm:
		return "wait-confirm"
	case StateWaitRandom:
		return "wait-random"
	case StateWaitSCRound:
		return "wait-sc-round"
	case StateWaitDHKeyCheck:
		return "wait-dhkey-check"
	case StateWaitKeyDistribution:
		return "wait-key-distribution"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Method is the selected pairing association model.
type Method uint8

const (
	MethodJustWorks Method = iota
	MethodPasskeyEntry
	MethodNumericComparison
	MethodOutOfBand
)

// selectMethod implements spec.md §4.5's method-selection matrix exactly:
//   - Both sides OOB present → OutOfBand.
//   - SC enabled on both sides AND both DisplayYesNo → NumericComparison.
//   - DisplayOnly<->KeyboardOnly or DisplayYesNo<->KeyboardOnly → PasskeyEntry.
//   - Otherwise → JustWorks.
func selectMethod(localIOCap, remoteIOCap IOCapability, localOOB, remoteOOB, localSC, remoteSC bool) Method {
	if localOOB && remoteOOB {
		return MethodOutOfBand
	}
	if localSC && remoteSC && localIOCap == IOCapDisplayYesNo && remoteIOCap == IOCapDisplayYesNo {
		return MethodNumericComparison
	}
	if isKeyboardDisplayCross(localIOCap, remoteIOCap) {
		return MethodPasskeyEntry
	}
	return MethodJustWorks
}

func isKeyboardDisplayCross(a, b IOCapability) bool {
	pair := func(x, y IOCapability) bool {
		return (x == IOCapDisplayOnly && y == IOCapKeyboardOnly) || (x == IOCapDisplayYesNo && y == IOCapKeyboardOnly)
	}
	return pair(a, b) || pair(b, a)
}

// Callbacks lets the application drive out-of-band user interaction and
// observe the pairing outcome.
type Callbacks struct {
	// DisplayPasskey shows a 6-digit passkey the peer must type in.
	DisplayPasskey func(passkey uint32)
	// RequestPasskey asks the user to type in a passkey shown on the peer.
	RequestPasskey func() (uint32, error)
	// ConfirmNumeric shows a 6-digit value and asks the user to accept or
	// reject the comparison.
	ConfirmNumeric func(value uint32) bool
	// OnComplete fires once, with the negotiated keys, when pairing succeeds.
	OnComplete func(keys Keys)
	// OnFailed fires once if pairing is abandoned for any reason.
	OnFailed func(reason Reason)
}

// Sender delivers a raw SMP PDU to the peer over the fixed SMP channel
// (L2CAP CID 0x0006).
type Sender interface {
	Send(pdu []byte) error
}

// Config bundles per-session parameters the application supplies.
type Config struct {
	IOCap                    IOCapability
	OOBData                  *[16]byte // local r value, if OOB data is available
	MITM                     bool
	SC                       bool
	Bonding                  bool
	MaxKeySize               uint8
	InitKeyDist, RespKeyDist KeyDistribution
	LocalAddr, RemoteAddr    DeviceAddr
}

const pairingTimeout = 30 * time.Second

// Session drives one peer's pairing state machine end to end: legacy
// phase 2, Secure Connections phase 2, and the common phase-3 key
// distribution (spec.md §4.5). localRand/remoteRand hold this side's and
// the peer's nonce for whichever sub-machine is active: the legacy
// random in legacy phase 2, Na/Nb in SC phase 2 (including each round of
// passkey entry).
type Session struct {
	log *logrus.Entry
	tx  Sender
	ks  KeyStore
	cb  Callbacks
	cfg Config

	role  Role
	state State

	localPDU, remotePDU pairingPDU
	method              Method
	sc                  bool

	tk                    [16]byte
	localRand, remoteRand [16]byte
	localConfirm          [16]byte
	pendingRemoteConfirm  [16]byte

	ecdh                   *ECDH
	localPriv              interface{}
	localPubX, localPubY   [32]byte
	remotePubX, remotePubY [32]byte
	dhKey                  [32]byte
	macKey, ltk            [16]byte
	passkey                uint32
	scRound                int

	localKeyDistDone, remoteKeyDistDone bool
	collectedKeys                       Keys

	deadline time.Time
}

// NewSession constructs a pairing session in the Idle state.
func NewSession(role Role, tx Sender, ks KeyStore, cfg Config, cb Callbacks, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	if cfg.MaxKeySize == 0 {
		cfg.MaxKeySize = 16
	}
	return &Session{role: role, tx: tx, ks: ks, cb: cb, cfg: cfg, log: log, state: StateIdle, ecdh: NewECDH()}
}

// State returns the session's current state, for diagnostics and tests.
func (s *Session) State() State { return s.state }

func (s *Session) fail(reason Reason, notify bool) {
	s.state = StateFailed
	if notify && s.tx != nil {
		wire := reason
		if reason >= ReasonTimeout {
			// internal reasons go to the peer as Unspecified Reason
			wire = ReasonUnspecifiedReason
		}
		s.tx.Send(encodePairingFailed(wire))
	}
	if s.cb.OnFailed != nil {
		s.cb.OnFailed(reason)
	}
}

func (s *Session) localPairingPDU() pairingPDU {
	oob := s.cfg.OOBData != nil
	var authReq AuthReq
	if s.cfg.Bonding {
		authReq |= AuthReqBonding
	}
	if s.cfg.MITM {
		authReq |= AuthReqMITM
	}
	if s.cfg.SC {
		authReq |= AuthReqSC
	}
	return pairingPDU{
		IOCap:       s.cfg.IOCap,
		OOBPresent:  oob,
		AuthReq:     authReq,
		MaxKeySize:  s.cfg.MaxKeySize,
		InitKeyDist: s.cfg.InitKeyDist,
		RespKeyDist: s.cfg.RespKeyDist,
	}
}

// Start begins pairing as the initiator by sending a Pairing Request.
func (s *Session) Start() error {
	if s.role != RoleInitiator || s.state != StateIdle {
		return newErr(ReasonInvalidState)
	}
	s.localPDU = s.localPairingPDU()
	s.deadline = timeNow().Add(pairingTimeout)
	s.state = StateWaitPairingResponse
	return s.tx.Send(s.localPDU.marshal(OpPairingRequest))
}

// timeNow supplies the start time of the 30s pairing deadline. Sweep takes
// the current time as a parameter, so tests drive the abandonment sweep
// without wall-clock sleeps.
func timeNow() time.Time { return time.Now() }

// Sweep abandons the session with Timeout if it has been pending longer
// than 30s in any state other than Complete/Idle/Failed (spec.md §4.5
// "Timeouts").
func (s *Session) Sweep(now time.Time) {
	if s.state == StateIdle || s.state == StateComplete || s.state == StateFailed {
		return
	}
	if now.After(s.deadline) {
		s.fail(ReasonTimeout, true)
	}
}

// HandlePDU dispatches one inbound SMP PDU through the state machine.
func (s *Session) HandlePDU(pdu []byte) {
	if len(pdu) < 1 {
		return
	}
	op := Opcode(pdu[0])
	body := pdu[1:]

	if op == OpPairingFailed {
		reason, ok := decodePairingFailed(body)
		if !ok {
			reason = ReasonUnspecifiedReason
		}
		s.state = StateFailed
		if s.cb.OnFailed != nil {
			s.cb.OnFailed(reason)
		}
		return
	}

	switch s.state {
	case StateIdle:
		s.handleIdle(op, body)
	case StateWaitPairingResponse:
		s.handleWaitPairingResponse(op, body)
	case StateWaitPublicKey:
		s.handleWaitPublicKey(op, body)
	case StateWaitConfirm:
		s.handleWaitConfirm(op, body)
	case StateWaitRandom:
		s.handleWaitRandom(op, body)
	case StateWaitSCRound:
		s.handleWaitSCRound(op, body)
	case StateWaitDHKeyCheck:
		s.handleWaitDHKeyCheck(op, body)
	case StateWaitKeyDistribution:
		s.handleKeyDistribution(op, body)
	default:
		// pairing already concluded; ignore stray PDUs
	}
}

// handleIdle is the responder's entry point: receive Pairing Request, send
// Pairing Response, select method, proceed to phase 2.
func (s *Session) handleIdle(op Opcode, body []byte) {
	if s.role != RoleResponder || op != OpPairingRequest {
		s.fail(ReasonCommandNotSupported, true)
		return
	}
	req, ok := decodePairingPDU(body)
	if !ok {
		s.fail(ReasonInvalidParameters, true)
		return
	}
	s.remotePDU = req
	s.localPDU = s.localPairingPDU()
	s.deadline = timeNow().Add(pairingTimeout)
	if err := s.tx.Send(s.localPDU.marshal(OpPairingResponse)); err != nil {
		s.log.WithError(err).Warn("smp: send pairing response failed")
		return
	}
	s.beginPhase2()
}

func (s *Session) handleWaitPairingResponse(op Opcode, body []byte) {
	if op != OpPairingResponse {
		s.fail(ReasonCommandNotSupported, true)
		return
	}
	rsp, ok := decodePairingPDU(body)
	if !ok {
		s.fail(ReasonInvalidParameters, true)
		return
	}
	s.remotePDU = rsp
	s.beginPhase2()
}

// beginPhase2 selects the method from the two sides' negotiated PDUs and
// kicks off the legacy or SC phase 2; both converge on the common phase-3
// key distribution. The SC JustWorks/NumericComparison/OutOfBand path
// reuses handleWaitConfirm/handleWaitRandom, which branch on s.sc.
func (s *Session) beginPhase2() {
	localOOB := s.localPDU.OOBPresent
	remoteOOB := s.remotePDU.OOBPresent
	localSC := s.localPDU.AuthReq&AuthReqSC != 0
	remoteSC := s.remotePDU.AuthReq&AuthReqSC != 0
	s.sc = localSC && remoteSC
	s.method = selectMethod(s.localPDU.IOCap, s.remotePDU.IOCap, localOOB, remoteOOB, localSC, remoteSC)

	if s.sc {
		s.beginSCPhase2()
	} else {
		s.beginLegacyPhase2()
	}
}

func (s *Session) initiatorPDU() pairingPDU {
	if s.role == RoleInitiator {
		return s.localPDU
	}
	return s.remotePDU
}

func (s *Session) responderPDU() pairingPDU {
	if s.role == RoleResponder {
		return s.localPDU
	}
	return s.remotePDU
}

// pduBytes7 renders a pairingPDU's 7-octet wire form (opcode op + 6 param
// bytes) as c1 expects it; c1 packs all 7 octets into p1.
func pduBytes7(p pairingPDU, op Opcode) [7]byte {
	b := p.marshal(op)
	var out [7]byte
	copy(out[:], b[:7])
	return out
}

// addrBytes returns (initiator address, responder address) each as a
// 7-octet field: address type followed by the 6-octet address, LSB-first
// (the order c1/s1/f5/f6 consume them in per the Core spec).
func (s *Session) addrBytes() (ia, ra [7]byte) {
	initAddr, respAddr := s.cfg.LocalAddr, s.cfg.RemoteAddr
	if s.role == RoleResponder {
		initAddr, respAddr = s.cfg.RemoteAddr, s.cfg.LocalAddr
	}
	ia[0] = byte(initAddr.Type)
	for i := 0; i < 6; i++ {
		ia[1+i] = initAddr.Addr[5-i]
	}
	ra[0] = byte(respAddr.Type)
	for i := 0; i < 6; i++ {
		ra[1+i] = respAddr.Addr[5-i]
	}
	return ia, ra
}

// --- legacy phase 2 ---

func (s *Session) tkForMethod() [16]byte {
	switch s.method {
	case MethodOutOfBand:
		if s.cfg.OOBData != nil {
			return *s.cfg.OOBData
		}
		return [16]byte{}
	case MethodPasskeyEntry:
		var tk [16]byte
		binary.BigEndian.PutUint32(tk[12:], s.passkey)
		return tk
	default: // JustWorks
		return [16]byte{}
	}
}

func (s *Session) beginLegacyPhase2() {
	if s.method == MethodPasskeyEntry {
		if s.role == RoleInitiator && s.cb.RequestPasskey != nil {
			pk, err := s.cb.RequestPasskey()
			if err != nil {
				s.fail(ReasonPasskeyEntryFailed, true)
				return
			}
			s.passkey = pk % 1000000
		} else if s.role == RoleResponder && s.cb.DisplayPasskey != nil {
			s.passkey = randomPasskey()
			s.cb.DisplayPasskey(s.passkey)
		}
	}
	s.tk = s.tkForMethod()

	var rnd [16]byte
	if err := randomBytes(rnd[:]); err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	s.localRand = rnd

	confirm, err := s.legacyConfirm(s.tk, s.localRand)
	if err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	s.localConfirm = confirm
	s.state = StateWaitConfirm
	if s.role == RoleInitiator {
		s.tx.Send(encodeValue16(OpPairingConfirm, s.localConfirm))
	}
	// the responder withholds its confirm until the initiator's arrives
}

// legacyConfirm computes c1 over the two sides' Pairing Request/Response
// PDU bytes and their addresses, the exact inputs spec.md §4.5 names:
// c1(TK, rand, preq, pres, iat, ia, rat, ra).
func (s *Session) legacyConfirm(tk, rand [16]byte) ([16]byte, error) {
	preq := pduBytes7(s.initiatorPDU(), OpPairingRequest)
	pres := pduBytes7(s.responderPDU(), OpPairingResponse)
	ia, ra := s.addrBytes()
	return c1(tk, rand, preq, pres, ia, ra)
}

func (s *Session) handleWaitConfirm(op Opcode, body []byte) {
	if op != OpPairingConfirm {
		s.fail(ReasonCommandNotSupported, true)
		return
	}
	v, ok := decodeValue16(body)
	if !ok {
		s.fail(ReasonInvalidParameters, true)
		return
	}
	s.pendingRemoteConfirm = v
	s.state = StateWaitRandom
	if s.role == RoleResponder {
		s.tx.Send(encodeValue16(OpPairingConfirm, s.localConfirm))
	}
	s.tx.Send(encodeValue16(OpPairingRandom, s.localRand))
}

func (s *Session) handleWaitRandom(op Opcode, body []byte) {
	if op != OpPairingRandom {
		s.fail(ReasonCommandNotSupported, true)
		return
	}
	remoteRand, ok := decodeValue16(body)
	if !ok {
		s.fail(ReasonInvalidParameters, true)
		return
	}
	s.remoteRand = remoteRand

	if s.sc {
		s.verifyAndFinishSC()
		return
	}

	expected, err := s.legacyConfirm(s.tk, s.remoteRand)
	if err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	if expected != s.pendingRemoteConfirm {
		s.fail(ReasonConfirmValueFailed, true)
		return
	}

	initRand, respRand := s.localRand, s.remoteRand
	if s.role == RoleResponder {
		initRand, respRand = s.remoteRand, s.localRand
	}
	stk, err := s1(s.tk, initRand, respRand)
	if err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	s.ltk = stk
	s.beginKeyDistribution()
}

// --- Secure Connections phase 2 ---

func (s *Session) beginSCPhase2() {
	priv, pub, err := s.ecdh.GenerateKey()
	if err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	s.localPriv = priv
	marshaled := s.ecdh.Marshal(pub)
	copy(s.localPubX[:], marshaled[0:32])
	copy(s.localPubY[:], marshaled[32:64])

	s.state = StateWaitPublicKey
	s.tx.Send(encodePublicKey(s.localPubX, s.localPubY))
}

func (s *Session) handleWaitPublicKey(op Opcode, body []byte) {
	if op != OpPairingPublicKey {
		s.fail(ReasonCommandNotSupported, true)
		return
	}
	x, y, ok := decodePublicKey(body)
	if !ok {
		s.fail(ReasonInvalidParameters, true)
		return
	}
	s.remotePubX, s.remotePubY = x, y

	peerPubBytes := append(append([]byte{}, x[:]...), y[:]...)
	peerPub, ok := s.ecdh.Unmarshal(peerPubBytes)
	if !ok {
		s.fail(ReasonInvalidParameters, true)
		return
	}
	secret, err := s.ecdh.SharedSecret(s.localPriv, peerPub)
	if err != nil {
		s.fail(ReasonDHKeyCheckFailed, true)
		return
	}
	copy(s.dhKey[:], secret)

	switch s.method {
	case MethodPasskeyEntry:
		s.beginSCPasskey()
	default: // JustWorks, NumericComparison, OutOfBand share the single f4 confirm/nonce exchange
		if err := randomBytes(s.localRand[:]); err != nil {
			s.fail(ReasonUnspecifiedReason, true)
			return
		}
		s.beginSCConfirm()
	}
}

// scConfirmValue computes Ca/Cb = f4(PKa, PKa, Na, 0) (or Nb for the
// responder), exactly as spec.md §4.5 writes the formula.
func (s *Session) scConfirmValue(pub [32]byte, nonce [16]byte) ([16]byte, error) {
	return f4(pub, pub, nonce, 0)
}

func (s *Session) beginSCConfirm() {
	confirm, err := s.scConfirmValue(s.localPubX, s.localRand)
	if err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	s.localConfirm = confirm
	s.state = StateWaitConfirm
	s.tx.Send(encodeValue16(OpPairingConfirm, s.localConfirm))
}

// verifyAndFinishSC checks the peer's revealed nonce against the confirm it
// sent earlier, derives (MacKey, LTK), and sends our DHKeyCheck.
func (s *Session) verifyAndFinishSC() {
	expected, err := s.scConfirmValue(s.remotePubX, s.remoteRand)
	if err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	if expected != s.pendingRemoteConfirm {
		s.fail(ReasonConfirmValueFailed, true)
		return
	}

	pkInit, pkResp := s.localPubX, s.remotePubX
	na, nb := s.localRand, s.remoteRand
	if s.role == RoleResponder {
		pkInit, pkResp = s.remotePubX, s.localPubX
		na, nb = s.remoteRand, s.localRand
	}

	if s.method == MethodNumericComparison && s.cb.ConfirmNumeric != nil {
		value, err := g2(pkInit, pkResp, na, nb)
		if err != nil {
			s.fail(ReasonUnspecifiedReason, true)
			return
		}
		if !s.cb.ConfirmNumeric(value) {
			s.fail(ReasonNumericComparisonFailed, true)
			return
		}
	}

	ia, ra := s.addrBytes()
	macKey, ltk, err := f5(s.dhKey, na, nb, ia, ra)
	if err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	s.macKey, s.ltk = macKey, ltk

	check, err := s.dhKeyCheckValue(s.localPDU, s.localRand, s.remoteRand)
	if err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	s.state = StateWaitDHKeyCheck
	s.tx.Send(encodeDHKeyCheck(check))
}

// dhKeyCheckValue computes f6(MacKey, myNonce, peerNonce, peerNonce,
// myIOcap, A1, A2) per spec.md §4.5 ("DHKeyCheck = f6(MacKey, Na, Nb, rb,
// IOcap, A, B)"); the sender plugs in its own nonce/IOcap/address first,
// the verifier recomputes with the peer's.
func (s *Session) dhKeyCheckValue(pdu pairingPDU, myNonce, peerNonce [16]byte) ([16]byte, error) {
	var ioCap [3]byte
	ioCap[0] = byte(pdu.IOCap)
	if pdu.OOBPresent {
		ioCap[1] = 1
	}
	ioCap[2] = byte(pdu.AuthReq)

	myAddr, peerAddr := s.addrBytes()
	if s.role == RoleResponder {
		myAddr, peerAddr = peerAddr, myAddr
	}
	if myNonce != s.localRand {
		// recomputing the peer's check: the peer's address goes first
		myAddr, peerAddr = peerAddr, myAddr
	}
	return f6(s.macKey, myNonce, peerNonce, peerNonce, ioCap, myAddr, peerAddr)
}

func (s *Session) handleWaitDHKeyCheck(op Opcode, body []byte) {
	if op != OpPairingDHKeyCheck {
		s.fail(ReasonCommandNotSupported, true)
		return
	}
	remoteCheck, ok := decodeValue16(body)
	if !ok {
		s.fail(ReasonInvalidParameters, true)
		return
	}
	expected, err := s.dhKeyCheckValue(s.remotePDU, s.remoteRand, s.localRand)
	if err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	if expected != remoteCheck {
		s.fail(ReasonDHKeyCheckFailed, true)
		return
	}
	s.beginKeyDistribution()
}

// --- SC passkey entry (20 rounds of confirm/random, one per bit) ---

func (s *Session) beginSCPasskey() {
	if s.role == RoleInitiator && s.cb.RequestPasskey != nil {
		pk, err := s.cb.RequestPasskey()
		if err != nil {
			s.fail(ReasonPasskeyEntryFailed, true)
			return
		}
		s.passkey = pk % 1000000
	} else if s.role == RoleResponder && s.cb.DisplayPasskey != nil {
		s.passkey = randomPasskey()
		s.cb.DisplayPasskey(s.passkey)
	}
	s.scRound = 0
	s.runSCPasskeyRound()
}

// runSCPasskeyRound sends this round's confirm for the current passkey
// bit (Core Spec Vol 3 Part H §2.3.5.6: z = 0x80|bit). After 20 rounds the
// last round's nonces stand in for Na/Nb in the shared f5/f6 derivation.
func (s *Session) runSCPasskeyRound() {
	if s.scRound >= 20 {
		s.verifyAndFinishSC()
		return
	}
	bit := (s.passkey >> uint(s.scRound)) & 1
	var rnd [16]byte
	if err := randomBytes(rnd[:]); err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	s.localRand = rnd

	z := byte(0x80 | bit)
	confirm, err := f4(s.localPubX, s.remotePubX, rnd, z)
	if err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	s.localConfirm = confirm
	s.state = StateWaitSCRound
	s.tx.Send(encodeValue16(OpPairingConfirm, confirm))
}

func (s *Session) handleWaitSCRound(op Opcode, body []byte) {
	switch op {
	case OpPairingConfirm:
		v, ok := decodeValue16(body)
		if !ok {
			s.fail(ReasonInvalidParameters, true)
			return
		}
		s.pendingRemoteConfirm = v
		s.tx.Send(encodeValue16(OpPairingRandom, s.localRand))
	case OpPairingRandom:
		remote, ok := decodeValue16(body)
		if !ok {
			s.fail(ReasonInvalidParameters, true)
			return
		}
		bit := (s.passkey >> uint(s.scRound)) & 1
		z := byte(0x80 | bit)
		expected, err := f4(s.remotePubX, s.localPubX, remote, z)
		if err != nil {
			s.fail(ReasonUnspecifiedReason, true)
			return
		}
		if expected != s.pendingRemoteConfirm {
			s.fail(ReasonConfirmValueFailed, true)
			return
		}
		s.remoteRand = remote
		s.scRound++
		// final round's verify happens inline above; runSCPasskeyRound
		// advances to the next bit or, once all 20 are done, to the
		// shared f5/f6 derivation via verifyAndFinishSC.
		if s.scRound >= 20 {
			s.verifyAndFinishSCPasskey()
			return
		}
		s.runSCPasskeyRound()
	default:
		s.fail(ReasonCommandNotSupported, true)
	}
}

// verifyAndFinishSCPasskey derives (MacKey, LTK) and sends the DHKeyCheck
// once all 20 passkey rounds have verified; unlike verifyAndFinishSC it
// does not re-verify a confirm (already done per round above).
func (s *Session) verifyAndFinishSCPasskey() {
	na, nb := s.localRand, s.remoteRand
	if s.role == RoleResponder {
		na, nb = s.remoteRand, s.localRand
	}
	ia, ra := s.addrBytes()
	macKey, ltk, err := f5(s.dhKey, na, nb, ia, ra)
	if err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	s.macKey, s.ltk = macKey, ltk

	check, err := s.dhKeyCheckValue(s.localPDU, s.localRand, s.remoteRand)
	if err != nil {
		s.fail(ReasonUnspecifiedReason, true)
		return
	}
	s.state = StateWaitDHKeyCheck
	s.tx.Send(encodeDHKeyCheck(check))
}

// --- phase 3: key distribution ---

func (s *Session) beginKeyDistribution() {
	s.state = StateWaitKeyDistribution
	s.sendPromisedKeys()
	if s.remotePromisedDist() == 0 {
		// the peer promised nothing; there is no PDU to wait for
		s.remoteKeyDistDone = true
	}
	s.maybeCompletePairing()
}

// sendPromisedKeys sends this side's keys in the fixed order spec.md §4.5
// names, skipping anything not promised in its own key-distribution field.
func (s *Session) sendPromisedKeys() {
	dist := s.localPDU.RespKeyDist
	if s.role == RoleInitiator {
		dist = s.localPDU.InitKeyDist
	}
	if dist&KeyDistEncKey != 0 {
		s.tx.Send(encodeEncryptionInformation(s.ltk))
		var rnd [8]byte
		randomBytes(rnd[:])
		s.tx.Send(encodeMasterIdentification(0, rnd))
	}
	if dist&KeyDistIDKey != 0 {
		var irk [16]byte
		randomBytes(irk[:])
		s.tx.Send(encodeIdentityInformation(irk))
		var wireAddr [6]byte
		s.cfg.LocalAddr.Addr.Marshal(wireAddr[:])
		s.tx.Send(encodeIdentityAddressInformation(byte(s.cfg.LocalAddr.Type), wireAddr))
	}
	if dist&KeyDistSignKey != 0 {
		var csrk [16]byte
		randomBytes(csrk[:])
		s.tx.Send(encodeSigningInformation(csrk))
	}
	s.localKeyDistDone = true
}

func (s *Session) remotePromisedDist() KeyDistribution {
	if s.role == RoleInitiator {
		return s.remotePDU.RespKeyDist
	}
	return s.remotePDU.InitKeyDist
}

func (s *Session) handleKeyDistribution(op Opcode, body []byte) {
	dist := s.remotePromisedDist()
	switch op {
	case OpEncryptionInformation:
		v, ok := decodeValue16(body)
		if !ok || dist&KeyDistEncKey == 0 {
			s.fail(ReasonInvalidParameters, true)
			return
		}
		s.collectedKeys.LTK = v
	case OpMasterIdentification:
		ediv, rnd, ok := decodeMasterIdentification(body)
		if !ok || dist&KeyDistEncKey == 0 {
			s.fail(ReasonInvalidParameters, true)
			return
		}
		s.collectedKeys.EDIV, s.collectedKeys.Rand = ediv, rnd
	case OpIdentityInformation:
		v, ok := decodeValue16(body)
		if !ok || dist&KeyDistIDKey == 0 {
			s.fail(ReasonInvalidParameters, true)
			return
		}
		s.collectedKeys.IRK = &v
	case OpIdentityAddressInformation:
		addrType, addr, ok := decodeIdentityAddressInformation(body)
		if !ok || dist&KeyDistIDKey == 0 {
			s.fail(ReasonInvalidParameters, true)
			return
		}
		da := DeviceAddr{Type: bt.AddrType(addrType), Addr: bt.UnmarshalBdAddr(addr[:])}
		s.collectedKeys.IdentityAddr = &da
	case OpSigningInformation:
		v, ok := decodeValue16(body)
		if !ok || dist&KeyDistSignKey == 0 {
			s.fail(ReasonInvalidParameters, true)
			return
		}
		s.collectedKeys.CSRK = &v
	default:
		s.fail(ReasonCommandNotSupported, true)
		return
	}
	if allPromisedReceived(dist, s.collectedKeys) {
		s.remoteKeyDistDone = true
	}
	s.maybeCompletePairing()
}

func allPromisedReceived(dist KeyDistribution, k Keys) bool {
	if dist&KeyDistEncKey != 0 && k.LTK == ([16]byte{}) {
		return false
	}
	if dist&KeyDistIDKey != 0 && (k.IRK == nil || k.IdentityAddr == nil) {
		return false
	}
	if dist&KeyDistSignKey != 0 && k.CSRK == nil {
		return false
	}
	return true
}

func (s *Session) maybeCompletePairing() {
	if !s.localKeyDistDone || !s.remoteKeyDistDone {
		return
	}
	s.collectedKeys.LTK = s.ltk
	s.state = StateComplete
	if s.cfg.Bonding && s.ks != nil {
		s.ks.SaveKeys(s.cfg.RemoteAddr, s.collectedKeys)
	}
	if s.cb.OnComplete != nil {
		s.cb.OnComplete(s.collectedKeys)
	}
}

// randomPasskey returns a CSPRNG-backed 6-digit passkey in [0, 999999].
func randomPasskey() uint32 {
	var b [4]byte
	if err := randomBytes(b[:]); err != nil {
		return 0
	}
	v := binary.BigEndian.Uint32(b[:])
	return v % 1000000
}
