package att

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const requestTimeout = 30 * time.Second

// IndicationHandler is invoked for an inbound HandleValueIndication; the
// Client sends the Confirmation immediately afterward (spec.md §4.3).
type IndicationHandler func(handle uint16, value []byte)

// NotificationHandler is invoked for an inbound HandleValueNotification.
type NotificationHandler func(handle uint16, value []byte)

// response is what a pending request resolves to: either a decoded
// response payload or an ATT error.
type response struct {
	opcode Opcode
	body   []byte
	err    *ProtocolError
}

// Client drives the single-outstanding-request pipeline described in
// spec.md §4.3: only one Request may be in flight at a time; Commands and
// inbound Notifications/Indications interleave freely.
type Client struct {
	tx  Sender
	log *logrus.Entry

	mu      sync.Mutex
	pending *pendingRequest

	OnNotification NotificationHandler
	OnIndication    IndicationHandler
}

type pendingRequest struct {
	reqOpcode Opcode
	done      chan response
	timer     *time.Timer
}

// NewClient wraps tx. log may be nil.
func NewClient(tx Sender, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Client{tx: tx, log: log.WithField("component", "att-client")}
}

// request sends pdu (whose first byte is its opcode) and blocks for the
// matching response or a 30s timeout.
func (c *Client) request(pdu []byte) (response, error) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return response{}, protoErr(ErrCodeRequestNotSupported, 0) // a second concurrent request is a caller bug
	}
	pr := &pendingRequest{reqOpcode: Opcode(pdu[0]), done: make(chan response, 1)}
	c.pending = pr
	c.mu.Unlock()

	if err := c.tx.Send(pdu); err != nil {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		return response{}, err
	}

	select {
	case r := <-pr.done:
		return r, nil
	case <-time.After(requestTimeout):
		c.mu.Lock()
		if c.pending == pr {
			c.pending = nil
		}
		c.mu.Unlock()
		return response{}, protoErr(ErrCodeUnlikelyError, 0)
	}
}

// HandlePDU processes one inbound PDU on the client side: a response to
// the outstanding request, an error response, an unsolicited notification,
// or an indication (which gets an immediate confirmation).
func (c *Client) HandlePDU(pdu []byte) {
	if len(pdu) == 0 {
		return
	}
	op := Opcode(pdu[0])
	body := pdu[1:]

	switch op {
	case OpError:
		reqOp, handle, code, ok := decodeErrorResponse(body)
		if !ok {
			return
		}
		c.resolve(reqOp, response{err: protoErr(code, handle)})
	case OpHandleValueNotification:
		handle, value, ok := decodeHandleValue(body)
		if ok && c.OnNotification != nil {
			c.OnNotification(handle, value)
		}
	case OpHandleValueIndication:
		handle, value, ok := decodeHandleValue(body)
		if !ok {
			return
		}
		if c.OnIndication != nil {
			c.OnIndication(handle, value)
		}
		if err := c.tx.Send([]byte{byte(OpHandleValueConfirmation)}); err != nil {
			c.log.WithError(err).Warn("failed to send indication confirmation")
		}
	default:
		c.resolve(requestOpcodeFor(op), response{opcode: op, body: body})
	}
}

// requestOpcodeFor inverts responseFor: given a response opcode, find the
// request opcode it answers.
func requestOpcodeFor(rspOp Opcode) Opcode {
	for req, rsp := range responseFor {
		if rsp == rspOp {
			return req
		}
	}
	return 0
}

func (c *Client) resolve(reqOp Opcode, r response) {
	c.mu.Lock()
	pr := c.pending
	if pr == nil || pr.reqOpcode != reqOp {
		c.mu.Unlock()
		c.log.WithField("opcode", reqOp).Debug("response with no matching outstanding request")
		return
	}
	c.pending = nil
	c.mu.Unlock()
	pr.done <- r
}

// ExchangeMTU negotiates the connection MTU; the caller is responsible for
// remembering the result (the Server side tracks it separately for symmetric
// peer-to-peer configurations where both ends run client+server).
func (c *Client) ExchangeMTU(mtu uint16) (uint16, error) {
	pdu := append([]byte{byte(OpExchangeMTUReq)}, encodeExchangeMTUReq(mtu)...)
	r, err := c.request(pdu)
	if err != nil {
		return 0, err
	}
	if r.err != nil {
		return 0, r.err
	}
	got, ok := decodeExchangeMTU(r.body)
	if !ok {
		return 0, protoErr(ErrCodeInvalidPDU, 0)
	}
	return got, nil
}

// Read performs a Read Request.
func (c *Client) Read(handle uint16) ([]byte, error) {
	pdu := make([]byte, 3)
	pdu[0] = byte(OpReadReq)
	leUint16(pdu[1:3], handle)
	r, err := c.request(pdu)
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.body, nil
}

// Write performs a Write Request (with response).
func (c *Client) Write(handle uint16, value []byte) error {
	pdu := make([]byte, 3, 3+len(value))
	pdu[0] = byte(OpWriteReq)
	leUint16(pdu[1:3], handle)
	pdu = append(pdu, value...)
	r, err := c.request(pdu)
	if err != nil {
		return err
	}
	if r.err != nil {
		return r.err
	}
	return nil
}

// WriteCommand performs a fire-and-forget write: no response is awaited.
func (c *Client) WriteCommand(handle uint16, value []byte) error {
	pdu := make([]byte, 3, 3+len(value))
	pdu[0] = byte(OpWriteCommand)
	leUint16(pdu[1:3], handle)
	pdu = append(pdu, value...)
	return c.tx.Send(pdu)
}
