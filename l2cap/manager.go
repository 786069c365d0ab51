package l2cap

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-btcore/btcore/hci"
)

// PSMHandler is registered against a PSM by an upper-layer protocol (ATT
// uses the fixed CID path instead; this is for dynamically negotiated
// channels, e.g. a custom GATT-over-BR/EDR service). It is consulted for
// inbound Connection Requests and notified of lifecycle events and data on
// channels it owns.
type PSMHandler interface {
	// Accept is asked whether an inbound connection request for this PSM
	// should be accepted; returning a non-success ConnResult* rejects it.
	Accept(handle uint16) uint16
	OnData(ch *Channel, sdu []byte)
	OnEvent(ch *Channel, ev ChannelEvent)
}

// psmRegistration is one row of the PSM registry (spec.md §4.2): the
// handler plus the security gate a Connection Request must clear before
// Accept is even consulted.
type psmRegistration struct {
	handler               PSMHandler
	minSecurityLevel      SecurityLevel
	authorizationRequired bool
}

// sender is the narrow interface Manager needs from the HCI layer: sending
// raw ACL data, segmented to the controller's buffer size.
type sender interface {
	SendACL(pkt hci.ACLPacket) error
}

// Manager owns every L2CAP channel across every HCI connection handle: the
// PSM registry, the per-handle fixed channels (signaling, ATT, SMP), and
// dynamically negotiated channels. It is the single point inbound ACL data
// is fed into and outbound SDUs are sent from (spec.md §3-4).
type Manager struct {
	log *logrus.Entry
	tx  sender

	mu        sync.Mutex
	channels  map[uint16]map[uint16]*Channel // handle -> local CID -> channel
	byHandle  map[uint16][]uint16            // handle -> local CIDs, for teardown
	psms      map[uint16]psmRegistration
	linkSec   map[uint16]SecurityLevel // handle -> current link security, set by SMP
	nextCID   uint16
	aclMTU    uint16 // controller ACL data buffer size, for fragmentation

	sigTx map[uint16]*transactionTracker // handle -> signaling tracker (classic+LE share one per handle)

	fragments map[uint16]*aclReassembly // handle -> in-progress basic-frame reassembly

	sweepStop chan struct{}
}

// NewManager creates a Manager. aclMTU is the controller's ACL data packet
// length (HCI_Read_Buffer_Size / LE_Read_Buffer_Size), used to fragment
// outbound L2CAP PDUs into multiple ACL packets per spec.md §2.
func NewManager(tx sender, aclMTU uint16, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	if aclMTU == 0 {
		aclMTU = 27 // minimum LE data length, a safe conservative default
	}
	m := &Manager{
		log:       log.WithField("component", "l2cap"),
		tx:        tx,
		channels:  make(map[uint16]map[uint16]*Channel),
		byHandle:  make(map[uint16][]uint16),
		psms:      make(map[uint16]psmRegistration),
		linkSec:   make(map[uint16]SecurityLevel),
		nextCID:   DynamicCIDMin,
		aclMTU:    aclMTU,
		sigTx:     make(map[uint16]*transactionTracker),
		sweepStop: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) sweepLoop() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case now := <-t.C:
			m.mu.Lock()
			for handle, tracker := range m.sigTx {
				for _, id := range tracker.sweep(now) {
					m.log.WithFields(logrus.Fields{"handle": handle, "id": id}).Warn("signaling transaction timed out")
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the background sweep goroutine. It does not tear down open
// channels; callers should call CloseLink for every live handle
// first if a clean shutdown is wanted.
func (m *Manager) Close() {
	close(m.sweepStop)
}

// RegisterPSM associates a PSM with a handler for future Connection
// Requests and outbound Connect calls (spec.md §4.2: odd values only,
// dynamic range [0x1001, 0xFFFF] for locally assigned PSMs). minSecurityLevel
// and authorizationRequired gate inbound Connection Requests before Accept
// is ever consulted; pass SecurityNone/false for a PSM with no security
// requirement of its own.
func (m *Manager) RegisterPSM(psm uint16, h PSMHandler, minSecurityLevel SecurityLevel, authorizationRequired bool) error {
	if psm == 0 || psm%2 == 0 {
		return newErr(ErrInvalidParameter, "psm must be odd and non-zero")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.psms[psm]; exists {
		return newErr(ErrInvalidParameter, "psm already registered")
	}
	m.psms[psm] = psmRegistration{handler: h, minSecurityLevel: minSecurityLevel, authorizationRequired: authorizationRequired}
	return nil
}

// UnregisterPSM removes a PSM registration.
func (m *Manager) UnregisterPSM(psm uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.psms, psm)
}

// SetLinkSecurity records the current encryption/authentication state of an
// HCI connection handle, called by the SMP layer once pairing or encryption
// completes. Later Connection Requests against a PSM's min_security_level
// are checked against whatever was last recorded here.
func (m *Manager) SetLinkSecurity(handle uint16, level SecurityLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkSec[handle] = level
}

// OpenLink registers a new HCI connection handle and pre-opens its fixed
// channels (spec.md §3: "fixed channels exist as soon as the underlying
// link is up, with no signaling exchange").
func (m *Manager) OpenLink(handle uint16, transport TransportType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[handle]; exists {
		return
	}
	m.channels[handle] = make(map[uint16]*Channel)
	m.sigTx[handle] = newTransactionTracker()

	sigCID := CIDSignalingClassic
	if transport == TransportLE {
		sigCID = CIDSignalingLE
	}
	m.openFixed(handle, transport, sigCID)
	m.openFixed(handle, transport, CIDATT)
	m.openFixed(handle, transport, CIDSMP)
}

func (m *Manager) openFixed(handle uint16, transport TransportType, cid uint16) {
	ch := &Channel{
		LocalCID:  cid,
		RemoteCID: cid,
		Handle:    handle,
		Transport: transport,
		Kind:      KindFixed,
		State:     StateOpen,
		LocalMTU:  23,
		RemoteMTU: 23,
	}
	ch.touch()
	m.channels[handle][cid] = ch
	m.byHandle[handle] = append(m.byHandle[handle], cid)
}

// FixedChannel returns the pre-opened fixed channel (signaling, ATT or SMP)
// for a link, or nil if the link is not open.
func (m *Manager) FixedChannel(handle uint16, cid uint16) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	chs, ok := m.channels[handle]
	if !ok {
		return nil
	}
	return chs[cid]
}

// BindFixedChannel attaches data/event handlers to a fixed channel (ATT/SMP
// layers call this once at link setup).
func (m *Manager) BindFixedChannel(handle uint16, cid uint16, onData DataHandler, onEvent EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch := m.channels[handle][cid]; ch != nil {
		ch.onData = onData
		ch.onEvent = onEvent
	}
}

// CloseLink tears down every channel on handle, e.g. on HCI Disconnection
// Complete (spec.md §4.2 edge case: "link loss implicitly closes every
// channel on that handle without a Disconnection Request exchange").
func (m *Manager) CloseLink(handle uint16, reason string) {
	m.mu.Lock()
	chs := m.channels[handle]
	delete(m.channels, handle)
	delete(m.byHandle, handle)
	delete(m.sigTx, handle)
	delete(m.linkSec, handle)
	m.mu.Unlock()

	for _, ch := range chs {
		if ch.onEvent != nil {
			ch.onEvent(ChannelEvent{Kind: EventDisconnected, CID: ch.LocalCID, Reason: reason})
		}
	}
}

func (m *Manager) allocCID() uint16 {
	for {
		cid := m.nextCID
		m.nextCID++
		if m.nextCID > DynamicCIDMax || m.nextCID < DynamicCIDMin {
			m.nextCID = DynamicCIDMin
		}
		used := false
		for _, chs := range m.channels {
			if _, ok := chs[cid]; ok {
				used = true
				break
			}
		}
		if !used {
			return cid
		}
	}
}

// Connect opens a dynamic, PSM-based channel on handle (classic Basic Mode
// or LE credit-based, chosen by transport). It blocks until the peer
// responds or the signaling RTX expires.
func (m *Manager) Connect(handle uint16, transport TransportType, psm uint16, mtu uint16) (*Channel, error) {
	m.mu.Lock()
	if _, ok := m.channels[handle]; !ok {
		m.mu.Unlock()
		return nil, newErr(ErrNotConnected, "no link for handle")
	}
	localCID := m.allocCID()
	kind := KindDynamicBasic
	if transport == TransportLE {
		kind = KindLECreditBased
	}
	ch := &Channel{
		LocalCID:  localCID,
		PSM:       psm,
		Handle:    handle,
		Transport: transport,
		Kind:      kind,
		State:     StateWaitConnect,
		LocalMTU:  mtu,
		MTU:       mtu,
		MPS:       mtu,
	}
	ch.touch()
	m.channels[handle][localCID] = ch
	m.byHandle[handle] = append(m.byHandle[handle], localCID)
	tracker := m.sigTx[handle]
	m.mu.Unlock()

	if transport == TransportLE {
		return m.connectLECredit(handle, ch, tracker, psm, mtu)
	}
	return m.connectClassic(handle, ch, tracker, psm)
}

func (m *Manager) connectClassic(handle uint16, ch *Channel, tracker *transactionTracker, psm uint16) (*Channel, error) {
	id, done := tracker.start(SigConnectionRequest, false)
	req := connectionRequest{PSM: psm, SourceCID: ch.LocalCID}
	if err := m.sendSignalingPDU(handle, CIDSignalingClassic, sigPDU{Code: SigConnectionRequest, ID: id, Payload: req.encode()}); err != nil {
		tracker.cancel(id)
		return nil, err
	}

	pdu, ok := <-done
	if !ok {
		m.closeChannel(handle, ch.LocalCID, "connection request timed out")
		return nil, newErr(ErrTimeout, "connection request")
	}
	if pdu.Code != SigConnectionResponse {
		return nil, newErr(ErrProtocol, "unexpected response to connection request")
	}
	rsp, err := decodeConnectionResponse(pdu.Payload)
	if err != nil {
		return nil, err
	}
	if rsp.Result != ConnResultSuccess {
		m.closeChannel(handle, ch.LocalCID, "connection rejected")
		return nil, newErr(ErrProtocol, "connection request rejected")
	}

	m.mu.Lock()
	ch.RemoteCID = rsp.DestCID
	ch.State = StateWaitConfig
	m.mu.Unlock()

	if err := m.configureChannel(handle, ch, tracker); err != nil {
		return nil, err
	}
	return ch, nil
}

// configureChannel drives the two-request configuration handshake: our
// Configure Request to the peer, and the peer's Configure Request to us,
// each acked independently; the channel enters Open only once both sides
// have acked (spec.md §9 open question, resolved in SPEC_FULL.md as two
// independent per-direction flags).
func (m *Manager) configureChannel(handle uint16, ch *Channel, tracker *transactionTracker) error {
	mtuOpt := encodeMTUOption(ch.LocalMTU)
	id, done := tracker.start(SigConfigureRequest, false)
	req := configureRequest{DestCID: ch.RemoteCID, Options: []ConfigOption{mtuOpt}}
	if err := m.sendSignalingPDU(handle, sigChannelFor(ch), sigPDU{Code: SigConfigureRequest, ID: id, Payload: req.encode()}); err != nil {
		tracker.cancel(id)
		return err
	}
	pdu, ok := <-done
	if !ok {
		return newErr(ErrTimeout, "configure request")
	}
	if pdu.Code != SigConfigureResponse {
		return newErr(ErrProtocol, "unexpected response to configure request")
	}
	rsp, err := decodeConfigureResponse(pdu.Payload)
	if err != nil {
		return err
	}
	if rsp.Result != ConfigResultSuccess {
		return newErr(ErrProtocol, "configure request rejected")
	}

	m.mu.Lock()
	ch.localConfigAcked = true
	if ch.bothConfigured() {
		ch.State = StateOpen
	} else {
		ch.State = StateWaitConfigReq
	}
	opened := ch.State == StateOpen
	m.mu.Unlock()

	if opened && ch.onEvent != nil {
		ch.onEvent(ChannelEvent{Kind: EventConnected, CID: ch.LocalCID})
	}
	return nil
}

func sigChannelFor(ch *Channel) uint16 {
	if ch.Transport == TransportLE {
		return CIDSignalingLE
	}
	return CIDSignalingClassic
}

func (m *Manager) connectLECredit(handle uint16, ch *Channel, tracker *transactionTracker, psm uint16, mtu uint16) (*Channel, error) {
	id, done := tracker.start(SigLECreditBasedConnReq, false)
	req := leCreditConnRequest{PSM: psm, SourceCID: ch.LocalCID, MTU: mtu, MPS: mtu, Credits: 0}
	if err := m.sendSignalingPDU(handle, CIDSignalingLE, sigPDU{Code: SigLECreditBasedConnReq, ID: id, Payload: req.encode()}); err != nil {
		tracker.cancel(id)
		return nil, err
	}
	pdu, ok := <-done
	if !ok {
		m.closeChannel(handle, ch.LocalCID, "le credit connection request timed out")
		return nil, newErr(ErrTimeout, "le credit connection request")
	}
	rsp, err := decodeLECreditConnResponse(pdu.Payload)
	if err != nil {
		return nil, err
	}
	if rsp.Result != LECreditResultSuccess {
		m.closeChannel(handle, ch.LocalCID, "le credit connection rejected")
		return nil, newErr(ErrProtocol, "le credit connection rejected")
	}

	m.mu.Lock()
	ch.RemoteCID = rsp.DestCID
	ch.RemoteMTU = rsp.MTU
	ch.MPS = minU16(ch.MPS, rsp.MPS)
	ch.RemoteCredits = rsp.Credits
	ch.LocalCredits = 0
	ch.State = StateOpen
	m.mu.Unlock()

	if ch.onEvent != nil {
		ch.onEvent(ChannelEvent{Kind: EventConnected, CID: ch.LocalCID})
	}
	return ch, nil
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

// Disconnect starts the Disconnection Request/Response teardown for a
// dynamic channel.
func (m *Manager) Disconnect(handle uint16, localCID uint16) error {
	m.mu.Lock()
	ch, ok := m.channels[handle][localCID]
	if !ok || ch.Kind == KindFixed {
		m.mu.Unlock()
		return newErr(ErrChannelNotFound, "no such dynamic channel")
	}
	tracker := m.sigTx[handle]
	ch.State = StateWaitDisconnect
	m.mu.Unlock()

	id, done := tracker.start(SigDisconnectionRequest, false)
	req := disconnectionPDU{DestCID: ch.RemoteCID, SourceCID: ch.LocalCID}
	if err := m.sendSignalingPDU(handle, sigChannelFor(ch), sigPDU{Code: SigDisconnectionRequest, ID: id, Payload: req.encode()}); err != nil {
		tracker.cancel(id)
		return err
	}
	<-done // response payload carries no new information we act on
	m.closeChannel(handle, localCID, "disconnected")
	return nil
}

func (m *Manager) closeChannel(handle uint16, localCID uint16, reason string) {
	m.mu.Lock()
	ch, ok := m.channels[handle][localCID]
	if ok {
		delete(m.channels[handle], localCID)
	}
	m.mu.Unlock()
	if ok && ch.onEvent != nil {
		ch.onEvent(ChannelEvent{Kind: EventDisconnected, CID: localCID, Reason: reason})
	}
}

// Send transmits an SDU on an open channel, fragmenting to the ACL MTU (and,
// for credit-based channels, to MPS-sized k-frames first).
func (m *Manager) Send(handle uint16, localCID uint16, sdu []byte) error {
	m.mu.Lock()
	ch, ok := m.channels[handle][localCID]
	m.mu.Unlock()
	if !ok {
		return newErr(ErrChannelNotFound, "no such channel")
	}
	if ch.State != StateOpen {
		return newErr(ErrNotConnected, "channel not open")
	}

	if ch.Kind == KindLECreditBased {
		frames := segmentSDU(sdu, ch.MPS)
		if len(frames) > int(ch.RemoteCredits) {
			return newErr(ErrResourceLimitReached, "insufficient peer credits")
		}
		for _, f := range frames {
			if err := m.sendBFrame(handle, ch.RemoteCID, f); err != nil {
				return err
			}
		}
		m.mu.Lock()
		ch.RemoteCredits -= uint16(len(frames))
		m.mu.Unlock()
		return nil
	}

	if len(sdu) > int(ch.RemoteMTU) {
		return newErr(ErrMTUExceeded, "sdu exceeds remote mtu")
	}
	return m.sendBFrame(handle, ch.RemoteCID, sdu)
}

// sendBFrame wraps one B-frame with its L2CAP basic header and fragments it
// across as many ACL packets as the controller buffer size requires
// (spec.md §2).
func (m *Manager) sendBFrame(handle uint16, cid uint16, payload []byte) error {
	hdr := make([]byte, 4)
	leUint16(hdr[0:2], uint16(len(payload)))
	leUint16(hdr[2:4], cid)
	frame := append(hdr, payload...)

	first := true
	for len(frame) > 0 {
		n := len(frame)
		if n > int(m.aclMTU) {
			n = int(m.aclMTU)
		}
		flags := uint8(hci.ACLFlagFirstNonAutoFlushable >> 12)
		if !first {
			flags = uint8(hci.ACLFlagContinuing >> 12)
		}
		if err := m.tx.SendACL(hci.ACLPacket{Handle: handle, Flags: flags, Data: frame[:n]}); err != nil {
			return wrapIOErr(err)
		}
		frame = frame[n:]
		first = false
	}
	return nil
}

func (m *Manager) sendSignalingPDU(handle uint16, cid uint16, pdu sigPDU) error {
	return m.sendBFrame(handle, cid, pdu.marshal())
}

func leUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}
