package l2cap

import (
	"encoding/binary"

	"github.com/go-btcore/btcore/hci"
)

// aclReassembly tracks the in-progress L2CAP basic frame being rebuilt from
// Continuing-flag ACL fragments, per handle (spec.md §2: a basic frame can
// span multiple ACL packets, distinct from the SDU segmentation credit-based
// channels perform on top of it).
type aclReassembly struct {
	want int
	buf  []byte
}

// HandleACL is the inbound entry point fed by the HCI dispatch loop for
// every ACL packet received on any handle. It reassembles L2CAP basic
// frames across ACL fragments, then routes each complete frame by CID.
func (m *Manager) HandleACL(pkt hci.ACLPacket) {
	m.mu.Lock()
	state := m.aclState(pkt.Handle)
	boundary := pkt.Flags & 0x3
	var frame []byte
	if boundary == (hci.ACLFlagContinuing >> 12) {
		if state.want == 0 {
			m.mu.Unlock()
			m.log.WithField("handle", pkt.Handle).Warn("continuing acl fragment with no frame in progress")
			return
		}
		state.buf = append(state.buf, pkt.Data...)
		if len(state.buf) < state.want {
			m.mu.Unlock()
			return
		}
		frame = state.buf[:state.want]
		state.buf, state.want = nil, 0
	} else {
		if len(pkt.Data) < 4 {
			m.mu.Unlock()
			m.log.WithField("handle", pkt.Handle).Warn("acl start fragment shorter than l2cap header")
			return
		}
		length := int(binary.LittleEndian.Uint16(pkt.Data[0:2]))
		total := 4 + length
		if len(pkt.Data) >= total {
			frame = pkt.Data[:total]
		} else {
			state.buf = append([]byte(nil), pkt.Data...)
			state.want = total
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	cid := binary.LittleEndian.Uint16(frame[2:4])
	payload := frame[4:]
	m.routeFrame(pkt.Handle, cid, payload)
}

func (m *Manager) aclState(handle uint16) *aclReassembly {
	if m.fragments == nil {
		m.fragments = make(map[uint16]*aclReassembly)
	}
	s, ok := m.fragments[handle]
	if !ok {
		s = &aclReassembly{}
		m.fragments[handle] = s
	}
	return s
}

// routeFrame dispatches one complete L2CAP basic frame payload by CID: to
// the signaling dispatcher for the two signaling CIDs, through SAR
// reassembly and the registered data handler for an open channel, or
// dropped with a log line for anything else.
func (m *Manager) routeFrame(handle uint16, cid uint16, payload []byte) {
	if cid == CIDSignalingClassic || cid == CIDSignalingLE {
		m.handleSignaling(handle, cid, payload)
		return
	}

	m.mu.Lock()
	ch, ok := m.channels[handle][cid]
	open := ok && ch.State == StateOpen
	m.mu.Unlock()
	if !open {
		m.log.WithFields(map[string]interface{}{"handle": handle, "cid": cid}).Debug("data for unknown or unopened cid")
		return
	}

	if ch.Kind == KindLECreditBased {
		m.mu.Lock()
		if ch.LocalCredits == 0 {
			m.mu.Unlock()
			m.log.WithField("cid", cid).Warn("k-frame received with zero local credits")
			return
		}
		ch.LocalCredits--
		sdu, err := ch.reassembleFrame(payload)
		m.mu.Unlock()
		if err != nil {
			m.log.WithError(err).Warn("sdu reassembly failed")
			m.closeChannel(handle, cid, err.Error())
			return
		}
		if sdu != nil && ch.onData != nil {
			ch.onData(cid, sdu)
		}
		return
	}

	if ch.onData != nil {
		ch.onData(cid, payload)
	}
}

// handleSignaling decodes one or more signaling commands from payload and
// either answers them directly (requests from the peer) or matches them to
// a pending local transaction (responses, rejects).
func (m *Manager) handleSignaling(handle uint16, sigCID uint16, payload []byte) {
	pdus, err := splitSignalingPDUs(payload)
	if err != nil {
		m.log.WithError(err).Warn("malformed signaling pdu")
		return
	}
	for _, pdu := range pdus {
		m.dispatchSignalingPDU(handle, sigCID, pdu)
	}
}

func (m *Manager) dispatchSignalingPDU(handle uint16, sigCID uint16, pdu sigPDU) {
	switch pdu.Code {
	case SigConnectionResponse, SigConfigureResponse, SigDisconnectionResponse,
		SigEchoResponse, SigInformationResponse, SigConnectionParamUpdateRsp,
		SigLECreditBasedConnRsp, SigCommandReject:
		m.mu.Lock()
		tracker := m.sigTx[handle]
		m.mu.Unlock()
		if tracker == nil || !tracker.complete(pdu.ID, pdu) {
			m.log.WithFields(map[string]interface{}{"code": sigCommandName(pdu.Code), "id": pdu.ID}).
				Debug("signaling response with no matching transaction")
		}
		return
	case SigConnectionRequest:
		m.handleConnectionRequest(handle, pdu)
	case SigConfigureRequest:
		m.handleConfigureRequest(handle, sigCID, pdu)
	case SigDisconnectionRequest:
		m.handleDisconnectionRequest(handle, sigCID, pdu)
	case SigEchoRequest:
		m.reply(handle, sigCID, sigPDU{Code: SigEchoResponse, ID: pdu.ID, Payload: pdu.Payload})
	case SigInformationRequest:
		m.handleInformationRequest(handle, sigCID, pdu)
	case SigConnectionParamUpdateReq:
		m.handleConnParamUpdateRequest(handle, sigCID, pdu)
	case SigLECreditBasedConnReq:
		m.handleLECreditConnRequest(handle, pdu)
	case SigLEFlowControlCredit:
		m.handleFlowControlCredit(handle, pdu)
	default:
		reject := commandReject{Reason: RejectCommandNotUnderstood}
		m.reply(handle, sigCID, sigPDU{Code: SigCommandReject, ID: pdu.ID, Payload: reject.encode()})
	}
}

func (m *Manager) reply(handle uint16, cid uint16, pdu sigPDU) {
	if err := m.sendSignalingPDU(handle, cid, pdu); err != nil {
		m.log.WithError(err).Warn("failed to send signaling reply")
	}
}

func (m *Manager) handleConnectionRequest(handle uint16, pdu sigPDU) {
	req, err := decodeConnectionRequest(pdu.Payload)
	if err != nil {
		m.log.WithError(err).Warn("malformed connection request")
		return
	}

	m.mu.Lock()
	reg, registered := m.psms[req.PSM]
	linkLevel := m.linkSec[handle]
	m.mu.Unlock()
	if !registered {
		rsp := connectionResponse{DestCID: CIDNull, SourceCID: req.SourceCID, Result: ConnResultPSMNotSupported}
		m.reply(handle, CIDSignalingClassic, sigPDU{Code: SigConnectionResponse, ID: pdu.ID, Payload: rsp.encode()})
		return
	}
	if linkLevel < reg.minSecurityLevel || (reg.authorizationRequired && linkLevel < SecurityEncryptionWithAuthentication) {
		rsp := connectionResponse{DestCID: CIDNull, SourceCID: req.SourceCID, Result: ConnResultSecurityBlock}
		m.reply(handle, CIDSignalingClassic, sigPDU{Code: SigConnectionResponse, ID: pdu.ID, Payload: rsp.encode()})
		return
	}
	handler := reg.handler

	result := handler.Accept(handle)
	if result != ConnResultSuccess {
		rsp := connectionResponse{DestCID: CIDNull, SourceCID: req.SourceCID, Result: result}
		m.reply(handle, CIDSignalingClassic, sigPDU{Code: SigConnectionResponse, ID: pdu.ID, Payload: rsp.encode()})
		return
	}

	m.mu.Lock()
	localCID := m.allocCID()
	ch := &Channel{
		LocalCID: localCID, RemoteCID: req.SourceCID, PSM: req.PSM, Handle: handle,
		Transport: TransportClassic, Kind: KindDynamicBasic, State: StateWaitConfig,
		LocalMTU: 672, RemoteMTU: 48,
	}
	ch.onData = func(_ uint16, sdu []byte) { handler.OnData(ch, sdu) }
	ch.onEvent = func(ev ChannelEvent) { handler.OnEvent(ch, ev) }
	ch.touch()
	m.channels[handle][localCID] = ch
	m.byHandle[handle] = append(m.byHandle[handle], localCID)
	m.mu.Unlock()

	rsp := connectionResponse{DestCID: localCID, SourceCID: req.SourceCID, Result: ConnResultSuccess}
	m.reply(handle, CIDSignalingClassic, sigPDU{Code: SigConnectionResponse, ID: pdu.ID, Payload: rsp.encode()})

	// We are the acceptor: initiate our half of the configure handshake too.
	tracker := m.sigTx[handle]
	go func() {
		if err := m.configureChannel(handle, ch, tracker); err != nil {
			m.log.WithError(err).Warn("inbound channel configure failed")
		}
	}()
}

func (m *Manager) handleConfigureRequest(handle uint16, sigCID uint16, pdu sigPDU) {
	req, reject, err := decodeConfigureRequest(pdu.Payload)
	if err != nil {
		m.log.WithError(err).Warn("malformed configure request")
		return
	}
	if reject != nil {
		rsp := configureResponse{SourceCID: req.DestCID, Result: ConfigResultUnknownOptions, Options: []ConfigOption{*reject}}
		m.reply(handle, sigCID, sigPDU{Code: SigConfigureResponse, ID: pdu.ID, Payload: rsp.encode()})
		return
	}

	m.mu.Lock()
	ch, ok := m.channels[handle][req.DestCID]
	if !ok {
		m.mu.Unlock()
		rsp := configureResponse{SourceCID: req.DestCID, Result: ConfigResultRejected}
		m.reply(handle, sigCID, sigPDU{Code: SigConfigureResponse, ID: pdu.ID, Payload: rsp.encode()})
		return
	}
	for _, opt := range req.Options {
		if mtu, ok := decodeMTUOption(opt); ok {
			ch.RemoteMTU = mtu
		}
		if rfc, ok := decodeRFCOption(opt); ok {
			ch.RFC = rfc
		}
	}
	ch.remoteConfigAcked = true
	if ch.bothConfigured() {
		ch.State = StateOpen
	} else if ch.State == StateWaitConfig {
		ch.State = StateWaitFinalConfig
	}
	opened := ch.State == StateOpen
	onEvent := ch.onEvent
	localCID := ch.LocalCID
	m.mu.Unlock()

	rsp := configureResponse{SourceCID: req.DestCID, Result: ConfigResultSuccess}
	m.reply(handle, sigCID, sigPDU{Code: SigConfigureResponse, ID: pdu.ID, Payload: rsp.encode()})

	if opened && onEvent != nil {
		onEvent(ChannelEvent{Kind: EventConnected, CID: localCID})
	}
}

func (m *Manager) handleDisconnectionRequest(handle uint16, sigCID uint16, pdu sigPDU) {
	req, err := decodeDisconnectionPDU(pdu.Payload)
	if err != nil {
		m.log.WithError(err).Warn("malformed disconnection request")
		return
	}
	rsp := disconnectionPDU{DestCID: req.SourceCID, SourceCID: req.DestCID}
	m.reply(handle, sigCID, sigPDU{Code: SigDisconnectionResponse, ID: pdu.ID, Payload: rsp.encode()})
	m.closeChannel(handle, req.DestCID, "peer disconnected")
}

func (m *Manager) handleInformationRequest(handle uint16, sigCID uint16, pdu sigPDU) {
	req, err := decodeInformationRequest(pdu.Payload)
	if err != nil {
		m.log.WithError(err).Warn("malformed information request")
		return
	}
	var rsp informationResponse
	switch req.InfoType {
	case InfoTypeConnectionlessMTU:
		data := make([]byte, 2)
		binary.LittleEndian.PutUint16(data, 670)
		rsp = informationResponse{InfoType: req.InfoType, Result: InfoResultSuccess, Data: data}
	case InfoTypeExtendedFeatures:
		rsp = informationResponse{InfoType: req.InfoType, Result: InfoResultSuccess, Data: make([]byte, 4)}
	case InfoTypeFixedChannels:
		mask := make([]byte, 8)
		mask[0] = 1<<1 | 1<<2 // signaling (bit 1) + connectionless reception (bit 2); no other fixed channels advertised
		rsp = informationResponse{InfoType: req.InfoType, Result: InfoResultSuccess, Data: mask}
	default:
		rsp = informationResponse{InfoType: req.InfoType, Result: InfoResultNotSupported}
	}
	m.reply(handle, sigCID, sigPDU{Code: SigInformationResponse, ID: pdu.ID, Payload: rsp.encode()})
}

func (m *Manager) handleConnParamUpdateRequest(handle uint16, sigCID uint16, pdu sigPDU) {
	req, err := decodeConnParamUpdateRequest(pdu.Payload)
	if err != nil {
		m.log.WithError(err).Warn("malformed connection parameter update request")
		return
	}
	result := ConnParamResultAccepted
	if !req.valid() {
		result = ConnParamResultRejected
	}
	rsp := connParamUpdateResponse{Result: result}
	m.reply(handle, sigCID, sigPDU{Code: SigConnectionParamUpdateRsp, ID: pdu.ID, Payload: rsp.encode()})
}

func (m *Manager) handleLECreditConnRequest(handle uint16, pdu sigPDU) {
	req, err := decodeLECreditConnRequest(pdu.Payload)
	if err != nil {
		m.log.WithError(err).Warn("malformed le credit connection request")
		return
	}
	m.mu.Lock()
	reg, registered := m.psms[req.PSM]
	linkLevel := m.linkSec[handle]
	m.mu.Unlock()
	if !registered {
		rsp := leCreditConnResponse{Result: LECreditResultPSMNotSupported}
		m.reply(handle, CIDSignalingLE, sigPDU{Code: SigLECreditBasedConnRsp, ID: pdu.ID, Payload: rsp.encode()})
		return
	}
	if reg.authorizationRequired && linkLevel < SecurityEncryptionWithAuthentication {
		rsp := leCreditConnResponse{Result: LECreditResultInsufficientAuthz}
		m.reply(handle, CIDSignalingLE, sigPDU{Code: SigLECreditBasedConnRsp, ID: pdu.ID, Payload: rsp.encode()})
		return
	}
	if linkLevel < reg.minSecurityLevel {
		result := LECreditResultInsufficientAuthn
		if reg.minSecurityLevel == SecurityEncryptionOnly {
			result = LECreditResultInsufficientEncKey
		}
		rsp := leCreditConnResponse{Result: result}
		m.reply(handle, CIDSignalingLE, sigPDU{Code: SigLECreditBasedConnRsp, ID: pdu.ID, Payload: rsp.encode()})
		return
	}
	handler := reg.handler
	if result := handler.Accept(handle); result != ConnResultSuccess {
		rsp := leCreditConnResponse{Result: LECreditResultNoResources}
		m.reply(handle, CIDSignalingLE, sigPDU{Code: SigLECreditBasedConnRsp, ID: pdu.ID, Payload: rsp.encode()})
		return
	}

	m.mu.Lock()
	localCID := m.allocCID()
	ch := &Channel{
		LocalCID: localCID, RemoteCID: req.SourceCID, PSM: req.PSM, Handle: handle,
		Transport: TransportLE, Kind: KindLECreditBased, State: StateOpen,
		LocalMTU: 256, MTU: 256, MPS: minU16(256, req.MPS), RemoteMTU: req.MTU,
		RemoteCredits: req.Credits, LocalCredits: 8,
	}
	ch.onData = func(_ uint16, sdu []byte) { handler.OnData(ch, sdu) }
	ch.onEvent = func(ev ChannelEvent) { handler.OnEvent(ch, ev) }
	ch.touch()
	m.channels[handle][localCID] = ch
	m.byHandle[handle] = append(m.byHandle[handle], localCID)
	m.mu.Unlock()

	rsp := leCreditConnResponse{DestCID: localCID, MTU: ch.LocalMTU, MPS: ch.MPS, Credits: ch.LocalCredits, Result: LECreditResultSuccess}
	m.reply(handle, CIDSignalingLE, sigPDU{Code: SigLECreditBasedConnRsp, ID: pdu.ID, Payload: rsp.encode()})
	handler.OnEvent(ch, ChannelEvent{Kind: EventConnected, CID: localCID})
}

func (m *Manager) handleFlowControlCredit(handle uint16, pdu sigPDU) {
	cr, err := decodeLEFlowControlCredit(pdu.Payload)
	if err != nil {
		m.log.WithError(err).Warn("malformed flow control credit")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[handle][cr.CID]; ok {
		sum := uint32(ch.RemoteCredits) + uint32(cr.Credits)
		if sum > 0xFFFF {
			sum = 0xFFFF
		}
		ch.RemoteCredits = uint16(sum)
	}
}
