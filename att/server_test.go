package att

import (
	"bytes"
	"testing"

	"github.com/go-btcore/btcore/bt"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(pdu []byte) error {
	f.sent = append(f.sent, append([]byte(nil), pdu...))
	return nil
}

func (f *fakeSender) last() []byte { return f.sent[len(f.sent)-1] }

// TestExchangeMTUScenario is scenario S1.
func TestExchangeMTUScenario(t *testing.T) {
	db := NewDatabase()
	fs := &fakeSender{}
	s := NewServer(db, fs, 250, nil)

	s.HandlePDU([]byte{0x02, 0x00, 0x02})

	want := []byte{0x03, 0xFA, 0x00}
	if !bytes.Equal(fs.last(), want) {
		t.Fatalf("got % x want % x", fs.last(), want)
	}
	if mtu := s.EffectiveMTU(); mtu != 250 {
		t.Fatalf("effective mtu = %d, want 250", mtu)
	}
}

// TestExchangeMTUEffectiveIsMin is testable property #7.
func TestExchangeMTUEffectiveIsMin(t *testing.T) {
	db := NewDatabase()
	fs := &fakeSender{}
	s := NewServer(db, fs, 512, nil)
	s.HandlePDU(append([]byte{0x02}, encodeExchangeMTUReq(100)...))
	if got := s.EffectiveMTU(); got != 100 {
		t.Fatalf("effective mtu = %d, want 100", got)
	}

	db.Insert(0x0010, bt.MustParseUUID("00002a00-0000-1000-8000-00805f9b34fb"), PermRead|PermWrite, make([]byte, 200), nil, nil)
	fs.sent = nil
	longValue := bytes.Repeat([]byte{0xAA}, 150)
	s.HandlePDU(append([]byte{byte(OpWriteReq), 0x10, 0x00}, longValue...))
	want := errorResponse(OpWriteReq, 0x0010, ErrCodeInvalidAttributeValueLength)
	if !bytes.Equal(fs.last(), want) {
		t.Fatalf("got % x want % x", fs.last(), want)
	}
	if v := db.Attribute(0x0010).value; bytes.Equal(v, longValue) {
		t.Fatalf("oversized write must not reach the database")
	}
}

// TestReadByGroupTypeScenario is scenario S2.
func TestReadByGroupTypeScenario(t *testing.T) {
	db := NewDatabase()
	fs := &fakeSender{}
	s := NewServer(db, fs, 0, nil)

	db.InsertService(0x0001, bt.PrimaryServiceUUID, bt.UUID16(0x1800), 0x000B)
	db.InsertService(0x000C, bt.PrimaryServiceUUID, bt.UUID16(0x1801), 0x000F)

	req := []byte{0x10, 0x01, 0x00, 0xFF, 0xFF, 0x00, 0x28}
	s.HandlePDU(req)

	want := []byte{0x11, 0x06, 0x01, 0x00, 0x0B, 0x00, 0x00, 0x18, 0x0C, 0x00, 0x0F, 0x00, 0x01, 0x18}
	if !bytes.Equal(fs.last(), want) {
		t.Fatalf("got % x want % x", fs.last(), want)
	}
}

// TestWritePermissionDenied is scenario S3.
func TestWritePermissionDenied(t *testing.T) {
	db := NewDatabase()
	fs := &fakeSender{}
	s := NewServer(db, fs, 0, nil)
	db.Insert(0x0010, bt.UUID16(0x2A00), PermRead, []byte("ro"), nil, nil)

	s.HandlePDU([]byte{0x12, 0x10, 0x00, 0xAA})

	want := []byte{0x01, 0x12, 0x10, 0x00, 0x03}
	if !bytes.Equal(fs.last(), want) {
		t.Fatalf("got % x want % x", fs.last(), want)
	}
}

// TestPreparedWriteCommit is scenario S4 and testable property #9.
func TestPreparedWriteCommit(t *testing.T) {
	db := NewDatabase()
	fs := &fakeSender{}
	s := NewServer(db, fs, 0, nil)
	db.Insert(0x0020, bt.UUID16(0x2A00), PermRead|PermWrite, nil, nil, nil)

	s.HandlePDU(append([]byte{0x16, 0x20, 0x00, 0x00, 0x00}, []byte("He")...))
	if got := fs.last()[0]; got != 0x17 {
		t.Fatalf("first prepare write response opcode = %#02x", got)
	}
	s.HandlePDU(append([]byte{0x16, 0x20, 0x00, 0x02, 0x00}, []byte("llo")...))
	if got := fs.last()[0]; got != 0x17 {
		t.Fatalf("second prepare write response opcode = %#02x", got)
	}
	s.HandlePDU([]byte{0x18, 0x01})
	if got := fs.last()[0]; got != 0x19 {
		t.Fatalf("execute write response opcode = %#02x", got)
	}

	v, perr := db.Read(0x0020, 0, SecurityNone)
	if perr != nil {
		t.Fatal(perr)
	}
	if string(v) != "Hello" {
		t.Fatalf("committed value = %q, want %q", v, "Hello")
	}
}

// TestPreparedWriteCommitRejectsGap is testable property #9's negative case.
func TestPreparedWriteCommitRejectsGap(t *testing.T) {
	db := NewDatabase()
	fs := &fakeSender{}
	s := NewServer(db, fs, 0, nil)
	db.Insert(0x0020, bt.UUID16(0x2A00), PermRead|PermWrite, []byte("orig"), nil, nil)

	s.HandlePDU(append([]byte{0x16, 0x20, 0x00, 0x00, 0x00}, []byte("AB")...))
	s.HandlePDU(append([]byte{0x16, 0x20, 0x00, 0x03, 0x00}, []byte("CD")...))
	s.HandlePDU([]byte{0x18, 0x01})

	last := fs.last()
	if last[0] != 0x01 || ErrorCode(last[4]) != ErrCodeInvalidOffset {
		t.Fatalf("expected InvalidOffset error response, got % x", last)
	}
	v, _ := db.Read(0x0020, 0, SecurityNone)
	if string(v) != "orig" {
		t.Fatalf("value should be unchanged after a rejected commit, got %q", v)
	}
}

// TestPreparedWriteCancelIsSilent is testable property #10.
func TestPreparedWriteCancelIsSilent(t *testing.T) {
	db := NewDatabase()
	fs := &fakeSender{}
	s := NewServer(db, fs, 0, nil)
	db.Insert(0x0020, bt.UUID16(0x2A00), PermRead|PermWrite, []byte("orig"), nil, nil)

	s.HandlePDU(append([]byte{0x16, 0x20, 0x00, 0x00, 0x00}, []byte("AB")...))
	s.HandlePDU([]byte{0x18, 0x00})

	if got := fs.last()[0]; got != 0x19 {
		t.Fatalf("execute write (cancel) response opcode = %#02x", got)
	}
	v, _ := db.Read(0x0020, 0, SecurityNone)
	if string(v) != "orig" {
		t.Fatalf("value changed after cancel: %q", v)
	}
}

func TestReadByTypeTruncatesToShortest(t *testing.T) {
	db := NewDatabase()
	fs := &fakeSender{}
	s := NewServer(db, fs, 0, nil)
	typ := bt.UUID16(0x2A01)
	db.Insert(0x0001, typ, PermRead, []byte("abcd"), nil, nil)
	db.Insert(0x0002, typ, PermRead, []byte("xy"), nil, nil)

	s.HandlePDU([]byte{0x08, 0x01, 0x00, 0xFF, 0xFF, 0x01, 0x2A})

	rsp := fs.last()
	if rsp[0] != byte(OpReadByTypeRsp) {
		t.Fatalf("unexpected opcode %#02x", rsp[0])
	}
	pairLen := rsp[1]
	if pairLen != 4 { // 2-byte handle + 2-byte shortest value
		t.Fatalf("pair length = %d, want 4", pairLen)
	}
}
