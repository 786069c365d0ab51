package att

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	defaultMTU = 23
	maxPreparedWrites = 64
)

// Sender is the narrow interface the server needs to push PDUs to its
// L2CAP channel (the ATT fixed CID, or a classic PSM 0x001F channel).
type Sender interface {
	Send(pdu []byte) error
}

type pendingWrite struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

// Server answers inbound ATT requests against a Database for one
// connection (spec.md §4.3 "Server dispatch").
type Server struct {
	db    *Database
	tx    Sender
	log   *logrus.Entry
	level SecurityLevel

	mu        sync.Mutex
	clientMTU uint16
	serverMTU uint16
	mtuNegotiated bool
	queue     []pendingWrite

	NotifyHandler func(handle uint16, value []byte) // optional: server-initiated notify/indicate hook
}

// NewServer wraps db for one connection. serverMTU is this side's preferred
// MTU (the default, 23, if 0).
func NewServer(db *Database, tx Sender, serverMTU uint16, log *logrus.Entry) *Server {
	if serverMTU == 0 {
		serverMTU = defaultMTU
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Server{db: db, tx: tx, serverMTU: serverMTU, log: log.WithField("component", "att-server"), clientMTU: defaultMTU}
}

// SetSecurityLevel is called by the SMP layer once the link's security
// state changes.
func (s *Server) SetSecurityLevel(level SecurityLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

// EffectiveMTU returns min(client_mtu, server_mtu) once negotiated, else
// the default 23 (testable property #7).
func (s *Server) EffectiveMTU() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mtuNegotiated {
		return defaultMTU
	}
	if s.clientMTU < s.serverMTU {
		return s.clientMTU
	}
	return s.serverMTU
}

// HandlePDU processes one inbound ATT PDU (spec.md §4.3 rules 1-5).
func (s *Server) HandlePDU(pdu []byte) {
	if len(pdu) == 0 {
		return
	}
	op := Opcode(pdu[0])
	body := pdu[1:]

	switch op {
	case OpExchangeMTUReq:
		s.handleExchangeMTU(body)
	case OpFindInformationReq:
		s.handleFindInformation(body)
	case OpFindByTypeValueReq:
		s.handleFindByTypeValue(body)
	case OpReadByTypeReq:
		s.handleReadByType(body)
	case OpReadReq:
		s.handleRead(body)
	case OpReadBlobReq:
		s.handleReadBlob(body)
	case OpReadMultipleReq:
		s.handleReadMultiple(body)
	case OpReadByGroupTypeReq:
		s.handleReadByGroupType(body)
	case OpWriteReq:
		s.handleWrite(body, true)
	case OpWriteCommand:
		s.handleWrite(body, false)
	case OpPrepareWriteReq:
		s.handlePrepareWrite(body)
	case OpExecuteWriteReq:
		s.handleExecuteWrite(body)
	case OpHandleValueConfirmation:
		// nothing to do: the indication is considered acked.
	default:
		s.replyError(op, 0, ErrCodeRequestNotSupported)
	}
}

func (s *Server) replyError(reqOp Opcode, handle uint16, code ErrorCode) {
	if err := s.tx.Send(errorResponse(reqOp, handle, code)); err != nil {
		s.log.WithError(err).Warn("failed to send error response")
	}
}

func (s *Server) reply(b []byte) {
	if err := s.tx.Send(b); err != nil {
		s.log.WithError(err).Warn("failed to send response")
	}
}

func (s *Server) handleExchangeMTU(body []byte) {
	mtu, ok := decodeExchangeMTU(body)
	if !ok {
		s.replyError(OpExchangeMTUReq, 0, ErrCodeInvalidPDU)
		return
	}
	s.mu.Lock()
	if s.mtuNegotiated {
		s.mu.Unlock()
		s.replyError(OpExchangeMTUReq, 0, ErrCodeRequestNotSupported)
		return
	}
	s.clientMTU = mtu
	s.mtuNegotiated = true
	serverMTU := s.serverMTU
	s.mu.Unlock()
	s.reply(append([]byte{byte(OpExchangeMTURsp)}, encodeExchangeMTUReq(serverMTU)...))
}

func validRange(start, end uint16) bool { return start != 0 && start <= end }

func (s *Server) handleFindInformation(body []byte) {
	req, ok := decodeFindInfoReq(body)
	if !ok {
		s.replyError(OpFindInformationReq, 0, ErrCodeInvalidPDU)
		return
	}
	if !validRange(req.StartHandle, req.EndHandle) {
		s.replyError(OpFindInformationReq, req.StartHandle, ErrCodeInvalidHandle)
		return
	}
	attrs := s.db.Range(req.StartHandle, req.EndHandle)
	if len(attrs) == 0 {
		s.replyError(OpFindInformationReq, req.StartHandle, ErrCodeAttributeNotFound)
		return
	}
	format := findInfoFormatUUID16
	if attrs[0].Type.Len() != 2 {
		format = findInfoFormatUUID128
	}
	var entries [][2][]byte
	for _, a := range attrs {
		isShort := a.Type.Len() == 2
		if (format == findInfoFormatUUID16) != isShort {
			break
		}
		hb := make([]byte, 2)
		leUint16(hb, a.Handle)
		entries = append(entries, [2][]byte{hb, a.Type.Bytes()})
	}
	s.reply(append([]byte{byte(OpFindInformationRsp)}, encodeFindInfoRsp(uint8(format), entries)...))
}

func leUint16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }

func (s *Server) handleFindByTypeValue(body []byte) {
	req, ok := decodeFindByTypeValueReq(body)
	if !ok {
		s.replyError(OpFindByTypeValueReq, 0, ErrCodeInvalidPDU)
		return
	}
	if !validRange(req.StartHandle, req.EndHandle) {
		s.replyError(OpFindByTypeValueReq, req.StartHandle, ErrCodeInvalidHandle)
		return
	}
	var ranges []handleRange
	attrs := s.db.RangeByType(req.StartHandle, req.EndHandle, req.Type)
	for _, a := range attrs {
		v, perr := s.db.Read(a.Handle, 0, s.currentLevel())
		if perr != nil {
			continue
		}
		if bytesEqual(v, req.Value) {
			ranges = append(ranges, handleRange{Start: a.Handle, End: a.Handle})
		}
	}
	if len(ranges) == 0 {
		s.replyError(OpFindByTypeValueReq, req.StartHandle, ErrCodeAttributeNotFound)
		return
	}
	s.reply(append([]byte{byte(OpFindByTypeValueRsp)}, encodeFindByTypeValueRsp(ranges)...))
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Server) currentLevel() SecurityLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// handleReadByType is testable property #8: truncation to the shortest
// matching value's length.
func (s *Server) handleReadByType(body []byte) {
	req, ok := decodeReadByTypeReq(body)
	if !ok {
		s.replyError(OpReadByTypeReq, 0, ErrCodeInvalidPDU)
		return
	}
	if !validRange(req.StartHandle, req.EndHandle) {
		s.replyError(OpReadByTypeReq, req.StartHandle, ErrCodeInvalidHandle)
		return
	}
	attrs := s.db.RangeByType(req.StartHandle, req.EndHandle, req.Type)
	if len(attrs) == 0 {
		s.replyError(OpReadByTypeReq, req.StartHandle, ErrCodeAttributeNotFound)
		return
	}
	var pairs []attrValuePair
	for _, a := range attrs {
		v, perr := s.db.Read(a.Handle, 0, s.currentLevel())
		if perr != nil {
			if len(pairs) == 0 {
				s.replyError(OpReadByTypeReq, a.Handle, perr.Code)
				return
			}
			break
		}
		pairs = append(pairs, attrValuePair{Handle: a.Handle, Value: v})
	}
	s.reply(append([]byte{byte(OpReadByTypeRsp)}, encodeReadByTypeRsp(pairs)...))
}

func (s *Server) handleRead(body []byte) {
	handle, ok := decodeReadReq(body)
	if !ok {
		s.replyError(OpReadReq, 0, ErrCodeInvalidPDU)
		return
	}
	v, perr := s.db.Read(handle, 0, s.currentLevel())
	if perr != nil {
		s.replyError(OpReadReq, handle, perr.Code)
		return
	}
	s.reply(append([]byte{byte(OpReadRsp)}, v...))
}

func (s *Server) handleReadBlob(body []byte) {
	req, ok := decodeReadBlobReq(body)
	if !ok {
		s.replyError(OpReadBlobReq, 0, ErrCodeInvalidPDU)
		return
	}
	v, perr := s.db.Read(req.Handle, int(req.Offset), s.currentLevel())
	if perr != nil {
		s.replyError(OpReadBlobReq, req.Handle, perr.Code)
		return
	}
	s.reply(append([]byte{byte(OpReadBlobRsp)}, v...))
}

func (s *Server) handleReadMultiple(body []byte) {
	handles, ok := decodeReadMultipleReq(body)
	if !ok {
		s.replyError(OpReadMultipleReq, 0, ErrCodeInvalidPDU)
		return
	}
	var out []byte
	for _, h := range handles {
		v, perr := s.db.Read(h, 0, s.currentLevel())
		if perr != nil {
			s.replyError(OpReadMultipleReq, h, perr.Code)
			return
		}
		out = append(out, v...)
	}
	s.reply(append([]byte{byte(OpReadMultipleRsp)}, out...))
}

func (s *Server) handleReadByGroupType(body []byte) {
	req, ok := decodeReadByTypeReq(body)
	if !ok {
		s.replyError(OpReadByGroupTypeReq, 0, ErrCodeInvalidPDU)
		return
	}
	if !validRange(req.StartHandle, req.EndHandle) {
		s.replyError(OpReadByGroupTypeReq, req.StartHandle, ErrCodeInvalidHandle)
		return
	}
	groups, perr := s.db.Groups(req.StartHandle, req.EndHandle, req.Type)
	if perr != nil {
		s.replyError(OpReadByGroupTypeReq, req.StartHandle, perr.Code)
		return
	}
	if len(groups) == 0 {
		s.replyError(OpReadByGroupTypeReq, req.StartHandle, ErrCodeAttributeNotFound)
		return
	}
	s.reply(append([]byte{byte(OpReadByGroupTypeRsp)}, encodeReadByGroupTypeRsp(groups)...))
}

func (s *Server) handleWrite(body []byte, withResponse bool) {
	req, ok := decodeWriteReq(body)
	if !ok {
		if withResponse {
			s.replyError(OpWriteReq, 0, ErrCodeInvalidPDU)
		}
		return
	}
	if maxLen := int(s.EffectiveMTU()) - 3; len(req.Value) > maxLen {
		if withResponse {
			s.replyError(OpWriteReq, req.Handle, ErrCodeInvalidAttributeValueLength)
		}
		return
	}
	perr := s.db.Write(req.Handle, req.Value, s.currentLevel())
	if perr != nil {
		if withResponse {
			s.replyError(OpWriteReq, req.Handle, perr.Code)
		}
		return
	}
	if withResponse {
		s.reply([]byte{byte(OpWriteRsp)})
	}
}

// handlePrepareWrite queues a fragment, testable property #9/#10's write path.
func (s *Server) handlePrepareWrite(body []byte) {
	req, ok := decodePrepareWriteReq(body)
	if !ok {
		s.replyError(OpPrepareWriteReq, 0, ErrCodeInvalidPDU)
		return
	}
	if s.db.Attribute(req.Handle) == nil {
		s.replyError(OpPrepareWriteReq, req.Handle, ErrCodeInvalidHandle)
		return
	}
	s.mu.Lock()
	if len(s.queue) >= maxPreparedWrites {
		s.mu.Unlock()
		s.replyError(OpPrepareWriteReq, req.Handle, ErrCodePrepareQueueFull)
		return
	}
	s.queue = append(s.queue, pendingWrite{Handle: req.Handle, Offset: req.Offset, Value: append([]byte(nil), req.Value...)})
	s.mu.Unlock()
	s.reply(append([]byte{byte(OpPrepareWriteRsp)}, encodePrepareWriteRsp(req)...))
}

// handleExecuteWrite is testable properties #9 and #10.
func (s *Server) handleExecuteWrite(body []byte) {
	flag, ok := decodeExecuteWriteReq(body)
	if !ok {
		s.replyError(OpExecuteWriteReq, 0, ErrCodeInvalidPDU)
		return
	}

	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	if flag == ExecuteWriteCancel {
		s.reply([]byte{byte(OpExecuteWriteRsp)})
		return
	}
	if flag != ExecuteWriteCommit {
		s.replyError(OpExecuteWriteReq, 0, ErrCodeInvalidPDU)
		return
	}

	byHandle := make(map[uint16][]pendingWrite)
	var order []uint16
	for _, w := range queue {
		if _, seen := byHandle[w.Handle]; !seen {
			order = append(order, w.Handle)
		}
		byHandle[w.Handle] = append(byHandle[w.Handle], w)
	}

	for _, h := range order {
		frags := byHandle[h]
		sort.Slice(frags, func(i, j int) bool { return frags[i].Offset < frags[j].Offset })
		var value []byte
		expected := uint16(0)
		for _, f := range frags {
			if f.Offset != expected {
				s.replyError(OpExecuteWriteReq, h, ErrCodeInvalidOffset)
				return
			}
			value = append(value, f.Value...)
			expected += uint16(len(f.Value))
		}
		if perr := s.db.Write(h, value, s.currentLevel()); perr != nil {
			s.replyError(OpExecuteWriteReq, h, perr.Code)
			return
		}
	}
	s.reply([]byte{byte(OpExecuteWriteRsp)})
}

// Notify sends an unacknowledged HandleValueNotification.
func (s *Server) Notify(handle uint16, value []byte) error {
	return s.tx.Send(encodeHandleValue(OpHandleValueNotification, handle, value))
}

// Indicate sends a HandleValueIndication; the caller is expected to wait
// for the peer's Confirmation via its own transaction bookkeeping (the
// fixed-channel model has one Indication outstanding at a time per
// connection, the same discipline as the request pipeline).
func (s *Server) Indicate(handle uint16, value []byte) error {
	return s.tx.Send(encodeHandleValue(OpHandleValueIndication, handle, value))
}
