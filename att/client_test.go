package att

import (
	"bytes"
	"testing"

	"github.com/go-btcore/btcore/bt"
)

// loopback wires a Client's outbound PDUs directly into a Server's HandlePDU
// and vice versa, so the two transaction pipelines can be exercised without
// a real L2CAP channel.
type loopback struct {
	peer func(pdu []byte)
}

func (l *loopback) Send(pdu []byte) error {
	l.peer(pdu)
	return nil
}

func TestClientExchangeMTU(t *testing.T) {
	db := NewDatabase()
	serverSide := &loopback{}
	clientSide := &loopback{}

	srv := NewServer(db, serverSide, 185, nil)
	cli := NewClient(clientSide, nil)

	serverSide.peer = func(pdu []byte) { cli.HandlePDU(pdu) }
	clientSide.peer = func(pdu []byte) { srv.HandlePDU(pdu) }

	got, err := cli.ExchangeMTU(100)
	if err != nil {
		t.Fatal(err)
	}
	if got != 185 {
		t.Fatalf("server mtu = %d, want 185", got)
	}
}

func TestClientReadWriteRoundTrip(t *testing.T) {
	db := NewDatabase()
	db.Insert(0x0010, bt.UUID16(0x2A00), PermRead|PermWrite, []byte("hi"), nil, nil)

	serverSide := &loopback{}
	clientSide := &loopback{}
	srv := NewServer(db, serverSide, 0, nil)
	cli := NewClient(clientSide, nil)
	serverSide.peer = func(pdu []byte) { cli.HandlePDU(pdu) }
	clientSide.peer = func(pdu []byte) { srv.HandlePDU(pdu) }

	v, err := cli.Read(0x0010)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(v, []byte("hi")) {
		t.Fatalf("read = %q, want %q", v, "hi")
	}

	if err := cli.Write(0x0010, []byte("bye")); err != nil {
		t.Fatal(err)
	}
	v2, _ := db.Read(0x0010, 0, SecurityNone)
	if !bytes.Equal(v2, []byte("bye")) {
		t.Fatalf("db value after write = %q, want %q", v2, "bye")
	}
}

func TestClientIndicationSendsConfirmation(t *testing.T) {
	serverSide := &loopback{}
	clientSide := &loopback{}
	cli := NewClient(clientSide, nil)

	var confirmed bool
	var gotHandle uint16
	var gotValue []byte
	serverSide.peer = func(pdu []byte) {
		if Opcode(pdu[0]) == OpHandleValueConfirmation {
			confirmed = true
		}
	}
	clientSide.peer = func(pdu []byte) {}
	cli.OnIndication = func(handle uint16, value []byte) {
		gotHandle = handle
		gotValue = value
	}

	cli.HandlePDU(encodeHandleValue(OpHandleValueIndication, 0x0042, []byte("v")))

	if gotHandle != 0x0042 || string(gotValue) != "v" {
		t.Fatalf("indication handler got (%#04x, %q)", gotHandle, gotValue)
	}
	if !confirmed {
		t.Fatal("expected a confirmation to be sent")
	}
}
