package l2cap

import (
	"encoding/binary"
	"fmt"
)

// Signaling command codes (spec.md §4.2.1).
const (
	SigCommandReject            uint8 = 0x01
	SigConnectionRequest        uint8 = 0x02
	SigConnectionResponse       uint8 = 0x03
	SigConfigureRequest         uint8 = 0x04
	SigConfigureResponse        uint8 = 0x05
	SigDisconnectionRequest     uint8 = 0x06
	SigDisconnectionResponse    uint8 = 0x07
	SigEchoRequest              uint8 = 0x08
	SigEchoResponse             uint8 = 0x09
	SigInformationRequest       uint8 = 0x0A
	SigInformationResponse      uint8 = 0x0B
	SigConnectionParamUpdateReq uint8 = 0x12
	SigConnectionParamUpdateRsp uint8 = 0x13
	SigLECreditBasedConnReq     uint8 = 0x14
	SigLECreditBasedConnRsp     uint8 = 0x15
	SigLEFlowControlCredit      uint8 = 0x16
)

func sigCommandName(code uint8) string {
	switch code {
	case SigCommandReject:
		return "CommandReject"
	case SigConnectionRequest:
		return "ConnectionRequest"
	case SigConnectionResponse:
		return "ConnectionResponse"
	case SigConfigureRequest:
		return "ConfigureRequest"
	case SigConfigureResponse:
		return "ConfigureResponse"
	case SigDisconnectionRequest:
		return "DisconnectionRequest"
	case SigDisconnectionResponse:
		return "DisconnectionResponse"
	case SigEchoRequest:
		return "EchoRequest"
	case SigEchoResponse:
		return "EchoResponse"
	case SigInformationRequest:
		return "InformationRequest"
	case SigInformationResponse:
		return "InformationResponse"
	case SigConnectionParamUpdateReq:
		return "ConnectionParameterUpdateRequest"
	case SigConnectionParamUpdateRsp:
		return "ConnectionParameterUpdateResponse"
	case SigLECreditBasedConnReq:
		return "LECreditBasedConnectionRequest"
	case SigLECreditBasedConnRsp:
		return "LECreditBasedConnectionResponse"
	case SigLEFlowControlCredit:
		return "LEFlowControlCredit"
	default:
		return fmt.Sprintf("SigCode(0x%02x)", code)
	}
}

// Connection Response result/status codes.
const (
	ConnResultSuccess            uint16 = 0x0000
	ConnResultPending            uint16 = 0x0001
	ConnResultPSMNotSupported    uint16 = 0x0002
	ConnResultSecurityBlock      uint16 = 0x0003
	ConnResultNoResources        uint16 = 0x0004
	ConnResultInvalidSourceCID   uint16 = 0x0006
	ConnResultSourceCIDInUse     uint16 = 0x0007
)

// Configure Response result codes.
const (
	ConfigResultSuccess              uint16 = 0x0000
	ConfigResultUnacceptableParams   uint16 = 0x0001
	ConfigResultRejected             uint16 = 0x0002
	ConfigResultUnknownOptions       uint16 = 0x0003
)

// Command Reject reason codes.
const (
	RejectCommandNotUnderstood uint16 = 0x0000
	RejectSignalingMTUExceeded uint16 = 0x0001
	RejectInvalidCIDInRequest  uint16 = 0x0002
)

// LE Credit Based Connection Response result codes.
const (
	LECreditResultSuccess           uint16 = 0x0000
	LECreditResultPSMNotSupported   uint16 = 0x0002
	LECreditResultNoResources       uint16 = 0x0004
	LECreditResultInsufficientAuthn uint16 = 0x0005
	LECreditResultInsufficientAuthz uint16 = 0x0006
	LECreditResultInsufficientEncKey uint16 = 0x0007
	LECreditResultInvalidSourceCID  uint16 = 0x0009
	LECreditResultSourceCIDInUse    uint16 = 0x000A
)

// sigHeader is the 4-byte signaling command header shared by every PDU on
// the classic and LE signaling channels (spec.md §4.2.1).
type sigHeader struct {
	Code   uint8
	ID     uint8
	Length uint16
}

func (h sigHeader) marshal() []byte {
	b := make([]byte, 4)
	b[0] = h.Code
	b[1] = h.ID
	binary.LittleEndian.PutUint16(b[2:4], h.Length)
	return b
}

func parseSigHeader(b []byte) (sigHeader, []byte, error) {
	if len(b) < 4 {
		return sigHeader{}, nil, newErr(ErrProtocol, "short signaling header")
	}
	h := sigHeader{Code: b[0], ID: b[1], Length: binary.LittleEndian.Uint16(b[2:4])}
	if len(b)-4 < int(h.Length) {
		return sigHeader{}, nil, newErr(ErrProtocol, "signaling length exceeds body")
	}
	return h, b[4 : 4+int(h.Length)], nil
}

// sigPDU is one signaling command/response, decoded generically. Individual
// decode*/encode* helpers below turn the Payload into typed fields.
type sigPDU struct {
	Code    uint8
	ID      uint8
	Payload []byte
}

func (p sigPDU) marshal() []byte {
	h := sigHeader{Code: p.Code, ID: p.ID, Length: uint16(len(p.Payload))}
	return append(h.marshal(), p.Payload...)
}

// splitSignalingPDUs splits a signaling-channel SDU into its (possibly
// multiple, per spec.md §4.2.1) back-to-back commands.
func splitSignalingPDUs(sdu []byte) ([]sigPDU, error) {
	var out []sigPDU
	for len(sdu) > 0 {
		h, payload, err := parseSigHeader(sdu)
		if err != nil {
			return nil, err
		}
		out = append(out, sigPDU{Code: h.Code, ID: h.ID, Payload: payload})
		sdu = sdu[4+len(payload):]
	}
	return out, nil
}

// --- Connection Request/Response ---

type connectionRequest struct {
	PSM      uint16
	SourceCID uint16
}

func (r connectionRequest) encode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], r.PSM)
	binary.LittleEndian.PutUint16(b[2:4], r.SourceCID)
	return b
}

func decodeConnectionRequest(b []byte) (connectionRequest, error) {
	if len(b) != 4 {
		return connectionRequest{}, newErr(ErrProtocol, "bad connection request length")
	}
	return connectionRequest{
		PSM:       binary.LittleEndian.Uint16(b[0:2]),
		SourceCID: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

type connectionResponse struct {
	DestCID   uint16
	SourceCID uint16
	Result    uint16
	Status    uint16
}

func (r connectionResponse) encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], r.DestCID)
	binary.LittleEndian.PutUint16(b[2:4], r.SourceCID)
	binary.LittleEndian.PutUint16(b[4:6], r.Result)
	binary.LittleEndian.PutUint16(b[6:8], r.Status)
	return b
}

func decodeConnectionResponse(b []byte) (connectionResponse, error) {
	if len(b) != 8 {
		return connectionResponse{}, newErr(ErrProtocol, "bad connection response length")
	}
	return connectionResponse{
		DestCID:   binary.LittleEndian.Uint16(b[0:2]),
		SourceCID: binary.LittleEndian.Uint16(b[2:4]),
		Result:    binary.LittleEndian.Uint16(b[4:6]),
		Status:    binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// --- Configure Request/Response ---

type configureRequest struct {
	DestCID uint16
	Flags   uint16
	Options []ConfigOption
}

func (r configureRequest) encode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], r.DestCID)
	binary.LittleEndian.PutUint16(b[2:4], r.Flags)
	for _, o := range r.Options {
		b = append(b, encodeConfigOption(o)...)
	}
	return b
}

func decodeConfigureRequest(b []byte) (configureRequest, *ConfigOption, error) {
	if len(b) < 4 {
		return configureRequest{}, nil, newErr(ErrProtocol, "bad configure request length")
	}
	opts, reject := parseConfigOptions(b[4:])
	return configureRequest{
		DestCID: binary.LittleEndian.Uint16(b[0:2]),
		Flags:   binary.LittleEndian.Uint16(b[2:4]),
		Options: opts,
	}, reject, nil
}

type configureResponse struct {
	SourceCID uint16
	Flags     uint16
	Result    uint16
	Options   []ConfigOption
}

func (r configureResponse) encode() []byte {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint16(b[0:2], r.SourceCID)
	binary.LittleEndian.PutUint16(b[2:4], r.Flags)
	binary.LittleEndian.PutUint16(b[4:6], r.Result)
	for _, o := range r.Options {
		b = append(b, encodeConfigOption(o)...)
	}
	return b
}

func decodeConfigureResponse(b []byte) (configureResponse, error) {
	if len(b) < 6 {
		return configureResponse{}, newErr(ErrProtocol, "bad configure response length")
	}
	opts, _ := parseConfigOptions(b[6:])
	return configureResponse{
		SourceCID: binary.LittleEndian.Uint16(b[0:2]),
		Flags:     binary.LittleEndian.Uint16(b[2:4]),
		Result:    binary.LittleEndian.Uint16(b[4:6]),
		Options:   opts,
	}, nil
}

// --- Disconnection Request/Response ---

type disconnectionPDU struct {
	DestCID   uint16
	SourceCID uint16
}

func (r disconnectionPDU) encode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], r.DestCID)
	binary.LittleEndian.PutUint16(b[2:4], r.SourceCID)
	return b
}

func decodeDisconnectionPDU(b []byte) (disconnectionPDU, error) {
	if len(b) != 4 {
		return disconnectionPDU{}, newErr(ErrProtocol, "bad disconnection pdu length")
	}
	return disconnectionPDU{
		DestCID:   binary.LittleEndian.Uint16(b[0:2]),
		SourceCID: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// --- Command Reject ---

type commandReject struct {
	Reason uint16
	Data   []byte
}

func (r commandReject) encode() []byte {
	b := make([]byte, 2, 2+len(r.Data))
	binary.LittleEndian.PutUint16(b[0:2], r.Reason)
	return append(b, r.Data...)
}

func decodeCommandReject(b []byte) (commandReject, error) {
	if len(b) < 2 {
		return commandReject{}, newErr(ErrProtocol, "bad command reject length")
	}
	return commandReject{Reason: binary.LittleEndian.Uint16(b[0:2]), Data: b[2:]}, nil
}

// --- Echo, Information ---

const (
	InfoTypeConnectionlessMTU uint16 = 0x0001
	InfoTypeExtendedFeatures  uint16 = 0x0002
	InfoTypeFixedChannels     uint16 = 0x0003
)

const (
	InfoResultSuccess      uint16 = 0x0000
	InfoResultNotSupported uint16 = 0x0001
)

type informationRequest struct {
	InfoType uint16
}

func (r informationRequest) encode() []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, r.InfoType)
	return b
}

func decodeInformationRequest(b []byte) (informationRequest, error) {
	if len(b) != 2 {
		return informationRequest{}, newErr(ErrProtocol, "bad information request length")
	}
	return informationRequest{InfoType: binary.LittleEndian.Uint16(b)}, nil
}

type informationResponse struct {
	InfoType uint16
	Result   uint16
	Data     []byte
}

func (r informationResponse) encode() []byte {
	b := make([]byte, 4, 4+len(r.Data))
	binary.LittleEndian.PutUint16(b[0:2], r.InfoType)
	binary.LittleEndian.PutUint16(b[2:4], r.Result)
	return append(b, r.Data...)
}

// --- Connection Parameter Update (LE, master-initiated only per spec) ---

type connParamUpdateRequest struct {
	IntervalMin uint16
	IntervalMax uint16
	Latency     uint16
	Timeout     uint16
}

func decodeConnParamUpdateRequest(b []byte) (connParamUpdateRequest, error) {
	if len(b) != 8 {
		return connParamUpdateRequest{}, newErr(ErrProtocol, "bad connection parameter update request length")
	}
	return connParamUpdateRequest{
		IntervalMin: binary.LittleEndian.Uint16(b[0:2]),
		IntervalMax: binary.LittleEndian.Uint16(b[2:4]),
		Latency:     binary.LittleEndian.Uint16(b[4:6]),
		Timeout:     binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// valid reports whether the requested connection parameters satisfy the
// Core Spec's range and consistency constraints (spec.md §4.2.1 edge case:
// "a master rejects an out-of-range Connection Parameter Update Request").
func (r connParamUpdateRequest) valid() bool {
	if r.IntervalMin < 6 || r.IntervalMax > 3200 || r.IntervalMin > r.IntervalMax {
		return false
	}
	if r.Latency > 499 {
		return false
	}
	if r.Timeout < 10 || r.Timeout > 3200 {
		return false
	}
	maxLatencyTimeout := uint32(r.Latency+1) * 2 * uint32(r.IntervalMax)
	if uint32(r.Timeout)*8 <= maxLatencyTimeout {
		return false
	}
	return true
}

const (
	ConnParamResultAccepted uint16 = 0x0000
	ConnParamResultRejected uint16 = 0x0001
)

type connParamUpdateResponse struct {
	Result uint16
}

func (r connParamUpdateResponse) encode() []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, r.Result)
	return b
}

// --- LE Credit Based Connection Request/Response ---

type leCreditConnRequest struct {
	PSM       uint16
	SourceCID uint16
	MTU       uint16
	MPS       uint16
	Credits   uint16
}

func (r leCreditConnRequest) encode() []byte {
	b := make([]byte, 10)
	binary.LittleEndian.PutUint16(b[0:2], r.PSM)
	binary.LittleEndian.PutUint16(b[2:4], r.SourceCID)
	binary.LittleEndian.PutUint16(b[4:6], r.MTU)
	binary.LittleEndian.PutUint16(b[6:8], r.MPS)
	binary.LittleEndian.PutUint16(b[8:10], r.Credits)
	return b
}

func decodeLECreditConnRequest(b []byte) (leCreditConnRequest, error) {
	if len(b) != 10 {
		return leCreditConnRequest{}, newErr(ErrProtocol, "bad le credit connection request length")
	}
	return leCreditConnRequest{
		PSM:       binary.LittleEndian.Uint16(b[0:2]),
		SourceCID: binary.LittleEndian.Uint16(b[2:4]),
		MTU:       binary.LittleEndian.Uint16(b[4:6]),
		MPS:       binary.LittleEndian.Uint16(b[6:8]),
		Credits:   binary.LittleEndian.Uint16(b[8:10]),
	}, nil
}

type leCreditConnResponse struct {
	DestCID uint16
	MTU     uint16
	MPS     uint16
	Credits uint16
	Result  uint16
}

func (r leCreditConnResponse) encode() []byte {
	b := make([]byte, 10)
	binary.LittleEndian.PutUint16(b[0:2], r.DestCID)
	binary.LittleEndian.PutUint16(b[2:4], r.MTU)
	binary.LittleEndian.PutUint16(b[4:6], r.MPS)
	binary.LittleEndian.PutUint16(b[6:8], r.Credits)
	binary.LittleEndian.PutUint16(b[8:10], r.Result)
	return b
}

func decodeLECreditConnResponse(b []byte) (leCreditConnResponse, error) {
	if len(b) != 10 {
		return leCreditConnResponse{}, newErr(ErrProtocol, "bad le credit connection response length")
	}
	return leCreditConnResponse{
		DestCID: binary.LittleEndian.Uint16(b[0:2]),
		MTU:     binary.LittleEndian.Uint16(b[2:4]),
		MPS:     binary.LittleEndian.Uint16(b[4:6]),
		Credits: binary.LittleEndian.Uint16(b[6:8]),
		Result:  binary.LittleEndian.Uint16(b[8:10]),
	}, nil
}

// --- LE Flow Control Credit ---

type leFlowControlCredit struct {
	CID     uint16
	Credits uint16
}

func (r leFlowControlCredit) encode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], r.CID)
	binary.LittleEndian.PutUint16(b[2:4], r.Credits)
	return b
}

func decodeLEFlowControlCredit(b []byte) (leFlowControlCredit, error) {
	if len(b) != 4 {
		return leFlowControlCredit{}, newErr(ErrProtocol, "bad flow control credit length")
	}
	return leFlowControlCredit{
		CID:     binary.LittleEndian.Uint16(b[0:2]),
		Credits: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}
