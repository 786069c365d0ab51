package l2cap

import (
	"sync"
	"time"
)

// Response timer values, used as defaults (spec.md §4.2.2's signaling
// transaction tracker: "RTX/ERTX timeout (default 30 s)").
const (
	defaultRTX  = 30 * time.Second // standard Response Timeout
	defaultERTX = 30 * time.Second
)

// transaction is one outstanding signaling request awaiting its response,
// keyed by signaling identifier.
type transaction struct {
	id       uint8
	code     uint8 // the request code, for matching the response
	deadline time.Time
	done     chan sigPDU
	extended bool
}

// transactionTracker hands out signaling identifiers (1-255, 0 reserved,
// per spec.md §4.2.1) and matches inbound responses/rejects back to the
// pending request, sweeping out anything that blows its RTX/ERTX deadline.
type transactionTracker struct {
	mu      sync.Mutex
	nextID  uint8
	pending map[uint8]*transaction
}

func newTransactionTracker() *transactionTracker {
	return &transactionTracker{nextID: 1, pending: make(map[uint8]*transaction)}
}

// start allocates an identifier and registers a pending transaction,
// returning the id and a channel that receives the matching response (or is
// closed, with no value, on timeout/cancellation).
func (t *transactionTracker) start(code uint8, extended bool) (uint8, <-chan sigPDU) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	for {
		if _, used := t.pending[id]; !used && id != 0 {
			break
		}
		id++
		if id == 0 {
			id = 1
		}
	}
	t.nextID = id + 1
	if t.nextID == 0 {
		t.nextID = 1
	}

	timeout := defaultRTX
	if extended {
		timeout = defaultERTX
	}
	tx := &transaction{
		id:       id,
		code:     code,
		deadline: time.Now().Add(timeout),
		done:     make(chan sigPDU, 1),
		extended: extended,
	}
	t.pending[id] = tx
	return id, tx.done
}

// complete matches an inbound PDU (a response or a Command Reject) against
// id and delivers it, returning false if there was nothing pending for id.
func (t *transactionTracker) complete(id uint8, pdu sigPDU) bool {
	t.mu.Lock()
	tx, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	tx.done <- pdu
	return true
}

// cancel removes a pending transaction without delivering a result, e.g.
// when the owning channel is torn down while a request is in flight.
func (t *transactionTracker) cancel(id uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tx, ok := t.pending[id]; ok {
		close(tx.done)
		delete(t.pending, id)
	}
}

// sweep closes out any transaction past its deadline, returning their ids.
// Callers run this periodically (manager.go starts a ticker) and log/signal
// a timeout error for each returned id.
func (t *transactionTracker) sweep(now time.Time) []uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []uint8
	for id, tx := range t.pending {
		if now.After(tx.deadline) {
			expired = append(expired, id)
			close(tx.done)
			delete(t.pending, id)
		}
	}
	return expired
}
