package l2cap

import (
	"testing"
	"time"

	"github.com/go-btcore/btcore/hci"
)

// fakeSender captures every ACL packet sent, and can be asked to feed one
// back in as if it came from the peer.
type fakeSender struct {
	sent []hci.ACLPacket
}

func (f *fakeSender) SendACL(pkt hci.ACLPacket) error {
	f.sent = append(f.sent, pkt)
	return nil
}

func (f *fakeSender) last() hci.ACLPacket {
	return f.sent[len(f.sent)-1]
}

func newTestManager() (*Manager, *fakeSender) {
	fs := &fakeSender{}
	m := NewManager(fs, 512, nil)
	return m, fs
}

// TestSignalingIdentifierUniqueness is testable property #4.
func TestSignalingIdentifierUniqueness(t *testing.T) {
	tr := newTransactionTracker()
	seen := make(map[uint8]int)
	const n = 10000
	const maxOutstanding = 128 // well under the 255-value id space, so start() never blocks
	window := make([]uint8, 0, maxOutstanding)

	for i := 0; i < n; i++ {
		id, done := tr.start(SigEchoRequest, false)
		if id == 0 {
			t.Fatalf("allocation %d returned reserved id 0", i)
		}
		for _, w := range window {
			if w == id {
				t.Fatalf("id %d repeated within outstanding window at iteration %d", id, i)
			}
		}
		window = append(window, id)
		if len(window) > maxOutstanding {
			// retire the oldest by completing it, as a live transaction would.
			tr.complete(window[0], sigPDU{Code: SigEchoResponse, ID: window[0]})
			window = window[1:]
		}
		seen[id]++
		_ = done
	}
}

// TestConnParamUpdateRequestValidRejectsOverflow guards against a uint16
// overflow in the (Latency+1)*2*IntervalMax intermediate: these parameters
// are out of range (timeout*8 <= interval_max*(latency+1)*2 must fail) but
// wrapped to look in range when computed in uint16.
func TestConnParamUpdateRequestValidRejectsOverflow(t *testing.T) {
	r := connParamUpdateRequest{IntervalMin: 6, IntervalMax: 2800, Latency: 49, Timeout: 2300}
	if r.valid() {
		t.Fatal("expected out-of-range connection parameters to be rejected")
	}
}

// TestDynamicCIDAllocation is testable property #5.
func TestDynamicCIDAllocation(t *testing.T) {
	m, _ := newTestManager()
	m.OpenLink(1, TransportLE)

	cids := make(map[uint16]bool)
	for i := 0; i < 100; i++ {
		cid := m.allocCID()
		if cid < DynamicCIDMin || cid > DynamicCIDMax {
			t.Fatalf("cid %#04x out of range", cid)
		}
		if cids[cid] {
			t.Fatalf("cid %#04x duplicated", cid)
		}
		cids[cid] = true
		m.channels[1][cid] = &Channel{LocalCID: cid}
	}
}

func TestDynamicCIDAllocationWraps(t *testing.T) {
	m, _ := newTestManager()
	m.OpenLink(1, TransportLE)
	m.nextCID = DynamicCIDMax
	first := m.allocCID()
	if first != DynamicCIDMax {
		t.Fatalf("expected first allocation at max, got %#04x", first)
	}
	m.channels[1][first] = &Channel{LocalCID: first}
	second := m.allocCID()
	if second != DynamicCIDMin {
		t.Fatalf("expected wrap to %#04x, got %#04x", DynamicCIDMin, second)
	}
}

// TestDynamicPSMRegistration is testable property #6: PSM registration
// enforces the odd, non-zero constraint; this test checks two successive
// caller-chosen dynamic PSMs are accepted, an even PSM is rejected, and a
// duplicate registration is rejected.
func TestDynamicPSMRegistration(t *testing.T) {
	m, _ := newTestManager()
	h := &stubPSMHandler{}
	if err := m.RegisterPSM(0x1001, h, SecurityNone, false); err != nil {
		t.Fatalf("register first dynamic psm: %v", err)
	}
	if err := m.RegisterPSM(0x1003, h, SecurityNone, false); err != nil {
		t.Fatalf("register second dynamic psm: %v", err)
	}
	if err := m.RegisterPSM(0x1002, h, SecurityNone, false); err == nil {
		t.Fatal("expected even psm to be rejected")
	}
	if err := m.RegisterPSM(0x1001, h, SecurityNone, false); err == nil {
		t.Fatal("expected duplicate psm registration to be rejected")
	}
}

// TestPSMSecurityBlock is testable property covering spec.md §4.2's PSM
// registry security gate: a Connection Request against a PSM that demands
// more security than the link currently has is rejected before Accept is
// ever consulted.
func TestPSMSecurityBlock(t *testing.T) {
	m, fs := newTestManager()
	m.OpenLink(0x0040, TransportClassic)
	h := &stubPSMHandler{}
	if err := m.RegisterPSM(0x0003, h, SecurityEncryptionWithAuthentication, false); err != nil {
		t.Fatal(err)
	}

	req := connectionRequest{PSM: 0x0003, SourceCID: 0x0041}
	m.dispatchSignalingPDU(0x0040, CIDSignalingClassic, sigPDU{Code: SigConnectionRequest, ID: 1, Payload: req.encode()})

	rspPkt := fs.last()
	rsp, err := decodeConnectionResponse(rspPkt.Data[8:])
	if err != nil {
		t.Fatalf("decode connection response: %v", err)
	}
	if rsp.Result != ConnResultSecurityBlock {
		t.Fatalf("expected ConnResultSecurityBlock, got %#04x", rsp.Result)
	}
	if len(h.accepted) != 0 {
		t.Fatal("Accept must not be consulted when the security gate rejects the request")
	}
}

type stubPSMHandler struct {
	accepted []uint16
	data     [][]byte
	events   []ChannelEvent
}

func (s *stubPSMHandler) Accept(handle uint16) uint16 {
	s.accepted = append(s.accepted, handle)
	return ConnResultSuccess
}
func (s *stubPSMHandler) OnData(ch *Channel, sdu []byte) { s.data = append(s.data, sdu) }
func (s *stubPSMHandler) OnEvent(ch *Channel, ev ChannelEvent) {
	s.events = append(s.events, ev)
}

// TestLECreditFlowControl is testable property #11.
func TestLECreditFlowControl(t *testing.T) {
	m, fs := newTestManager()
	m.OpenLink(1, TransportLE)
	m.mu.Lock()
	cid := m.allocCID()
	ch := &Channel{
		LocalCID: cid, RemoteCID: 0x50, Handle: 1, Transport: TransportLE,
		Kind: KindLECreditBased, State: StateOpen, MTU: 100, MPS: 23,
		RemoteCredits: 1, RemoteMTU: 100,
	}
	m.channels[1][cid] = ch
	m.mu.Unlock()

	if err := m.Send(1, cid, []byte("hi")); err != nil {
		t.Fatalf("send with credit available: %v", err)
	}
	if len(fs.sent) != 1 {
		t.Fatalf("expected one k-frame sent, got %d", len(fs.sent))
	}
	if ch.RemoteCredits != 0 {
		t.Fatalf("expected remote credits decremented to 0, got %d", ch.RemoteCredits)
	}

	if err := m.Send(1, cid, []byte("more")); err == nil {
		t.Fatal("expected resource-limit error with zero credits")
	} else if e, ok := err.(*Error); !ok || e.Kind != ErrResourceLimitReached {
		t.Fatalf("expected ErrResourceLimitReached, got %v", err)
	}

	m.handleFlowControlCredit(1, sigPDU{Payload: leFlowControlCredit{CID: cid, Credits: 5}.encode()})
	if ch.RemoteCredits != 5 {
		t.Fatalf("expected credit grant to set remote credits to 5, got %d", ch.RemoteCredits)
	}
}

func TestLECreditSaturatesAtMax(t *testing.T) {
	m, _ := newTestManager()
	m.OpenLink(1, TransportLE)
	m.mu.Lock()
	cid := m.allocCID()
	ch := &Channel{LocalCID: cid, RemoteCID: 0x50, Handle: 1, Transport: TransportLE,
		Kind: KindLECreditBased, State: StateOpen, RemoteCredits: 0xFFFE}
	m.channels[1][cid] = ch
	m.mu.Unlock()

	m.handleFlowControlCredit(1, sigPDU{Payload: leFlowControlCredit{CID: cid, Credits: 5}.encode()})
	if ch.RemoteCredits != 0xFFFF {
		t.Fatalf("expected credits to saturate at 0xFFFF, got %#04x", ch.RemoteCredits)
	}
}

// TestTeardownCascade is testable property #14.
func TestTeardownCascade(t *testing.T) {
	m, _ := newTestManager()
	m.OpenLink(1, TransportLE)

	m.mu.Lock()
	var events []ChannelEvent
	for cid, ch := range m.channels[1] {
		c := ch
		cidCopy := cid
		_ = cidCopy
		c.onEvent = func(ev ChannelEvent) { events = append(events, ev) }
	}
	extraCID := m.allocCID()
	extra := &Channel{LocalCID: extraCID, Handle: 1, Kind: KindDynamicBasic, State: StateOpen}
	extra.onEvent = func(ev ChannelEvent) { events = append(events, ev) }
	m.channels[1][extraCID] = extra
	wantCount := len(m.channels[1])
	m.mu.Unlock()

	m.CloseLink(1, "link loss")

	if len(events) != wantCount {
		t.Fatalf("expected %d disconnected events, got %d", wantCount, len(events))
	}
	for _, ev := range events {
		if ev.Kind != EventDisconnected {
			t.Fatalf("expected Disconnected event, got %v", ev.Kind)
		}
	}
	m.mu.Lock()
	if _, ok := m.channels[1]; ok {
		t.Fatal("expected handle to be fully removed after CloseLink")
	}
	m.mu.Unlock()
}

// TestDynamicConnectionHandshake exercises scenario S5: connection request,
// response, and the two-request configure handshake, ending Open.
func TestDynamicConnectionHandshake(t *testing.T) {
	m, fs := newTestManager()
	m.OpenLink(0x0040, TransportClassic)
	h := &stubPSMHandler{}
	if err := m.RegisterPSM(0x0003, h, SecurityNone, false); err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	localCID := m.allocCID()
	m.mu.Unlock()

	req := connectionRequest{PSM: 0x0003, SourceCID: localCID}
	m.dispatchSignalingPDU(0x0040, CIDSignalingClassic, sigPDU{Code: SigConnectionRequest, ID: 1, Payload: req.encode()})

	rspPkt := fs.last()
	rspFrame := rspPkt.Data[4:]
	rsp, err := decodeConnectionResponse(rspFrame[4:])
	if err != nil {
		t.Fatalf("decode connection response: %v", err)
	}
	if rsp.Result != ConnResultSuccess || rsp.SourceCID != localCID {
		t.Fatalf("unexpected connection response: %+v", rsp)
	}
	remoteCID := rsp.DestCID

	m.mu.Lock()
	ch, ok := m.channels[0x0040][remoteCID]
	tracker := m.sigTx[0x0040]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("expected responder-side channel at cid %#04x", remoteCID)
	}

	// The acceptor's own outbound Configure Request was kicked off in a
	// background goroutine by handleConnectionRequest; wait for it to
	// register, then answer it as the (simulated) initiator would.
	var outboundID uint8
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tracker.mu.Lock()
		for id, tx := range tracker.pending {
			if tx.code == SigConfigureRequest {
				outboundID = id
			}
		}
		tracker.mu.Unlock()
		if outboundID != 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if outboundID == 0 {
		t.Fatal("timed out waiting for acceptor's outbound configure request")
	}
	ourRsp := configureResponse{SourceCID: localCID, Result: ConfigResultSuccess}
	if !tracker.complete(outboundID, sigPDU{Code: SigConfigureResponse, ID: outboundID, Payload: ourRsp.encode()}) {
		t.Fatal("failed to complete outbound configure transaction")
	}

	// Now deliver the peer's Configure Request for our side of the channel.
	cfgReq := configureRequest{DestCID: remoteCID}
	m.dispatchSignalingPDU(0x0040, CIDSignalingClassic, sigPDU{Code: SigConfigureRequest, ID: 2, Payload: cfgReq.encode()})

	deadline = time.Now().Add(2 * time.Second)
	for ch.State != StateOpen && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ch.State != StateOpen {
		t.Fatalf("expected channel to reach Open, got %v", ch.State)
	}
}
