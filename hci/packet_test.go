package hci

import (
	"bytes"
	"testing"
)

func TestCommandRoundTrip(t *testing.T) {
	cases := []CmdParam{
		Reset{},
		Disconnect{ConnectionHandle: 0x0040, Reason: 0x13},
		LEStartEncryption{ConnectionHandle: 0x0041, EDIV: 0x1234},
		LELongTermKeyRequestReply{ConnectionHandle: 0x0041},
		LELongTermKeyRequestNegativeReply{ConnectionHandle: 0x0041},
	}

	for _, cp := range cases {
		pkt := Command{Opcode: cp.Opcode(), Params: marshalParam(cp)}
		raw := pkt.Marshal()

		if got, want := len(raw), int(raw[3])+4; got != want {
			t.Errorf("%T: serialized length %d does not match param_len+4 (%d)", cp, got, want)
		}

		got, err := ParseCommand(raw[1:])
		if err != nil {
			t.Fatalf("%T: ParseCommand: %v", cp, err)
		}
		if got.Opcode != pkt.Opcode {
			t.Errorf("%T: opcode round trip: got %v want %v", cp, got.Opcode, pkt.Opcode)
		}
		if !bytes.Equal(got.Params, pkt.Params) {
			t.Errorf("%T: params round trip: got %x want %x", cp, got.Params, pkt.Params)
		}
	}
}

func TestParseCommandRejectsShortInput(t *testing.T) {
	if _, err := ParseCommand([]byte{0x01}); err == nil {
		t.Fatal("expected error for short command body")
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev := Event{Code: EvtDisconnectionComplete, Params: []byte{0x00, 0x40, 0x00, 0x13}}
	raw := ev.Marshal()
	got, err := ParseEvent(raw[1:])
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != ev.Code || !bytes.Equal(got.Params, ev.Params) {
		t.Errorf("round trip: got %+v want %+v", got, ev)
	}

	decoded, err := got.Decode()
	if err != nil {
		t.Fatal(err)
	}
	dc, ok := decoded.(DisconnectionCompleteEvent)
	if !ok {
		t.Fatalf("decode: got %T, want DisconnectionCompleteEvent", decoded)
	}
	if dc.ConnectionHandle != 0x0040 || dc.Reason != 0x13 {
		t.Errorf("decoded fields: got %+v", dc)
	}
}

func TestACLPacketRoundTrip(t *testing.T) {
	p := ACLPacket{Handle: 0x0041, Flags: 0x0, Data: []byte{0x04, 0x00, 0x04, 0x00, 0xAA, 0xBB, 0xCC, 0xDD}}
	raw := p.Marshal()
	got, err := ParseACLPacket(raw[1:])
	if err != nil {
		t.Fatal(err)
	}
	if got.Handle != p.Handle || !bytes.Equal(got.Data, p.Data) {
		t.Errorf("round trip: got %+v want %+v", got, p)
	}
}

func TestParseACLPacketRejectsShortInput(t *testing.T) {
	if _, err := ParseACLPacket([]byte{0x01, 0x00, 0x05, 0x00}); err == nil {
		t.Fatal("expected error: declared data_len exceeds body")
	}
}

func TestOpcodeOGFOCF(t *testing.T) {
	op := MakeOpcode(0x08, 0x0019)
	if op.OGF() != 0x08 {
		t.Errorf("OGF: got 0x%02x want 0x08", op.OGF())
	}
	if op.OCF() != 0x0019 {
		t.Errorf("OCF: got 0x%04x want 0x0019", op.OCF())
	}
}
