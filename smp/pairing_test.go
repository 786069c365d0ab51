package smp

import (
	"testing"
	"time"

	"github.com/go-btcore/btcore/bt"
)

// fakeSender captures every SMP PDU a Session sends, so tests can inspect
// or hand-feed them to a peer session.
type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(pdu []byte) error {
	cp := make([]byte, len(pdu))
	copy(cp, pdu)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSender) last() []byte { return f.sent[len(f.sent)-1] }

func testAddr(b byte) DeviceAddr {
	return DeviceAddr{Type: bt.AddrTypePublic, Addr: bt.BdAddr{b, b, b, b, b, b}}
}

// TestMethodSelectionMatrix is testable property #12: the eight canonical
// IO-capability combinations map to the methods spec.md §4.5 names.
func TestMethodSelectionMatrix(t *testing.T) {
	cases := []struct {
		name                   string
		localIOCap, remoteIOCap IOCapability
		localOOB, remoteOOB    bool
		localSC, remoteSC      bool
		want                   Method
	}{
		{"both oob", IOCapNoInputNoOutput, IOCapNoInputNoOutput, true, true, false, false, MethodOutOfBand},
		{"sc numeric comparison", IOCapDisplayYesNo, IOCapDisplayYesNo, false, false, true, true, MethodNumericComparison},
		{"sc but not both display-yes-no falls to just works", IOCapDisplayYesNo, IOCapDisplayOnly, false, false, true, true, MethodJustWorks},
		{"display-only vs keyboard-only", IOCapDisplayOnly, IOCapKeyboardOnly, false, false, false, false, MethodPasskeyEntry},
		{"keyboard-only vs display-only (reversed)", IOCapKeyboardOnly, IOCapDisplayOnly, false, false, false, false, MethodPasskeyEntry},
		{"display-yes-no vs keyboard-only", IOCapDisplayYesNo, IOCapKeyboardOnly, false, false, false, false, MethodPasskeyEntry},
		{"keyboard-only vs display-yes-no (reversed)", IOCapKeyboardOnly, IOCapDisplayYesNo, false, false, false, false, MethodPasskeyEntry},
		{"no input no output both sides", IOCapNoInputNoOutput, IOCapNoInputNoOutput, false, false, false, false, MethodJustWorks},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := selectMethod(c.localIOCap, c.remoteIOCap, c.localOOB, c.remoteOOB, c.localSC, c.remoteSC)
			if got != c.want {
				t.Fatalf("selectMethod(%v,%v,oob=%v/%v,sc=%v/%v) = %v, want %v",
					c.localIOCap, c.remoteIOCap, c.localOOB, c.remoteOOB, c.localSC, c.remoteSC, got, c.want)
			}
		})
	}
}

func newPair(t *testing.T, sc bool) (*Session, *fakeSender, *Session, *fakeSender) {
	t.Helper()
	initTx, respTx := &fakeSender{}, &fakeSender{}
	cfgInit := Config{
		IOCap:       IOCapNoInputNoOutput,
		Bonding:     false,
		SC:          sc,
		MaxKeySize:  16,
		LocalAddr:   testAddr(0x11),
		RemoteAddr:  testAddr(0x22),
	}
	cfgResp := cfgInit
	cfgResp.LocalAddr, cfgResp.RemoteAddr = cfgInit.RemoteAddr, cfgInit.LocalAddr

	initiator := NewSession(RoleInitiator, initTx, nil, cfgInit, Callbacks{}, nil)
	responder := NewSession(RoleResponder, respTx, nil, cfgResp, Callbacks{}, nil)
	return initiator, initTx, responder, respTx
}

// drive pumps PDUs between the two sessions until both reach a terminal
// state (Complete or Failed) or the round budget runs out.
func drive(t *testing.T, initiator *Session, initTx *fakeSender, responder *Session, respTx *fakeSender) {
	t.Helper()
	terminal := func(s *Session) bool { return s.State() == StateComplete || s.State() == StateFailed }

	for round := 0; round < 64; round++ {
		if terminal(initiator) && terminal(responder) {
			return
		}
		progressed := false
		for len(initTx.sent) > 0 {
			pdu := initTx.sent[0]
			initTx.sent = initTx.sent[1:]
			responder.HandlePDU(pdu)
			progressed = true
		}
		for len(respTx.sent) > 0 {
			pdu := respTx.sent[0]
			respTx.sent = respTx.sent[1:]
			initiator.HandlePDU(pdu)
			progressed = true
		}
		if !progressed {
			return
		}
	}
	t.Fatalf("pairing did not converge within round budget: initiator=%v responder=%v", initiator.State(), responder.State())
}

// TestLegacyJustWorksSuccess is scenario S6: legacy JustWorks pairing with
// bonding disabled completes without either side storing keys, and both
// sides derive the same STK.
func TestLegacyJustWorksSuccess(t *testing.T) {
	initiator, initTx, responder, respTx := newPair(t, false)

	var initiatorLTK, responderLTK [16]byte
	var initiatorDone, responderDone bool
	initiator.cb.OnComplete = func(k Keys) { initiatorLTK = k.LTK; initiatorDone = true }
	responder.cb.OnComplete = func(k Keys) { responderLTK = k.LTK; responderDone = true }

	if err := initiator.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drive(t, initiator, initTx, responder, respTx)

	if initiator.State() != StateComplete || responder.State() != StateComplete {
		t.Fatalf("pairing did not complete: initiator=%v responder=%v", initiator.State(), responder.State())
	}
	if !initiatorDone || !responderDone {
		t.Fatalf("OnComplete did not fire on both sides")
	}
	if initiatorLTK != responderLTK {
		t.Fatalf("derived STK mismatch: initiator=%x responder=%x", initiatorLTK, responderLTK)
	}
	if initiator.method != MethodJustWorks {
		t.Fatalf("expected JustWorks method, got %v", initiator.method)
	}
}

// TestLegacyConfirmMismatchFails is testable property #13: a tampered
// Pairing Random no longer matches its earlier confirm, so the responder
// fails with ConfirmValueFailed and never completes (no keys are stored).
func TestLegacyConfirmMismatchFails(t *testing.T) {
	initiator, initTx, responder, respTx := newPair(t, false)

	var responderFailedReason Reason
	var responderFailed bool
	responder.cb.OnFailed = func(r Reason) { responderFailedReason = r; responderFailed = true }
	responder.cb.OnComplete = func(Keys) { t.Fatalf("responder must not complete pairing") }

	if err := initiator.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Pump the request/response/confirm exchange manually so we can
	// corrupt the initiator's Pairing Random before the responder sees it.
	responder.HandlePDU(initTx.sent[0]) // Pairing Request -> responder sends Pairing Response

	resp := respTx.sent[len(respTx.sent)-1]
	initiator.HandlePDU(resp) // Pairing Response -> initiator sends Confirm

	initConfirm := initTx.sent[len(initTx.sent)-1]
	responder.HandlePDU(initConfirm) // initiator's Confirm -> responder sends its own Confirm + Random

	respConfirm := respTx.sent[len(respTx.sent)-2]
	initiator.HandlePDU(respConfirm) // responder's Confirm -> initiator sends its Random

	// Corrupt the initiator's outgoing Random before delivering it.
	initiatorRandom := append([]byte{}, initTx.sent[len(initTx.sent)-1]...)
	initiatorRandom[1] ^= 0xFF
	responder.HandlePDU(initiatorRandom)

	if !responderFailed {
		t.Fatalf("expected responder to fail on mismatched confirm")
	}
	if responderFailedReason != ReasonConfirmValueFailed {
		t.Fatalf("expected ConfirmValueFailed, got %v", responderFailedReason)
	}
	if responder.State() != StateFailed {
		t.Fatalf("expected responder state Failed, got %v", responder.State())
	}
}

// TestSweepAbandonsStalePairing exercises the 30s timeout: a session stuck
// mid-pairing past its deadline is abandoned with ReasonTimeout.
func TestSweepAbandonsStalePairing(t *testing.T) {
	initiator, _, _, _ := newPair(t, false)
	var gotReason Reason
	var failed bool
	initiator.cb.OnFailed = func(r Reason) { gotReason = r; failed = true }

	if err := initiator.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	past := initiator.deadline.Add(time.Second)
	initiator.Sweep(past)

	if !failed || gotReason != ReasonTimeout {
		t.Fatalf("expected timeout failure, got failed=%v reason=%v", failed, gotReason)
	}
	if initiator.State() != StateFailed {
		t.Fatalf("expected state Failed after sweep, got %v", initiator.State())
	}
}

// TestSweepIgnoresFreshPairing confirms Sweep is a no-op before the
// deadline passes.
func TestSweepIgnoresFreshPairing(t *testing.T) {
	initiator, _, _, _ := newPair(t, false)
	if err := initiator.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := initiator.deadline.Add(-time.Second)
	initiator.Sweep(before)
	if initiator.State() != StateWaitPairingResponse {
		t.Fatalf("expected state unchanged, got %v", initiator.State())
	}
}
