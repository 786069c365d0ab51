package l2cap

import "encoding/binary"

// k-frame SDU length prefix used on LE credit-based channels (spec.md
// §4.2.3): the first k-frame of an SDU is prefixed with a 2-byte SDU
// length; subsequent k-frames carry only payload up to MPS.

// segmentSDU splits sdu into one or more k-frames no larger than mps bytes,
// the first carrying the 2-byte SDU length prefix.
func segmentSDU(sdu []byte, mps uint16) [][]byte {
	if len(sdu) == 0 {
		return [][]byte{{0x00, 0x00}}
	}
	first := make([]byte, 2, int(mps))
	binary.LittleEndian.PutUint16(first, uint16(len(sdu)))
	room := int(mps) - 2
	if room < 0 {
		room = 0
	}
	n := room
	if n > len(sdu) {
		n = len(sdu)
	}
	first = append(first, sdu[:n]...)
	frames := [][]byte{first}
	rest := sdu[n:]
	for len(rest) > 0 {
		take := int(mps)
		if take > len(rest) {
			take = len(rest)
		}
		frames = append(frames, append([]byte(nil), rest[:take]...))
		rest = rest[take:]
	}
	return frames
}

// reassembleFrame feeds one inbound k-frame into the channel's in-progress SDU,
// returning the completed SDU (nil if more frames are still expected) and
// an error if the peer violates the SAR contract (spec.md §4.2.3 edge
// case: "a k-frame arrives that would grow the SDU past its declared
// length").
func (c *Channel) reassembleFrame(frame []byte) ([]byte, error) {
	if c.reassembleWant == 0 {
		if len(frame) < 2 {
			return nil, newErr(ErrProtocol, "k-frame missing sdu length prefix")
		}
		want := int(binary.LittleEndian.Uint16(frame[0:2]))
		payload := frame[2:]
		if want > int(c.MTU) {
			return nil, newErr(ErrMTUExceeded, "sdu length exceeds negotiated mtu")
		}
		if len(payload) > want {
			return nil, newErr(ErrProtocol, "first k-frame payload exceeds declared sdu length")
		}
		if len(payload) == want {
			return payload, nil
		}
		c.reassembleWant = want
		c.reassembly = append([]byte(nil), payload...)
		return nil, nil
	}

	if len(c.reassembly)+len(frame) > c.reassembleWant {
		c.reassembly = nil
		c.reassembleWant = 0
		return nil, newErr(ErrProtocol, "k-frame overruns declared sdu length")
	}
	c.reassembly = append(c.reassembly, frame...)
	if len(c.reassembly) == c.reassembleWant {
		sdu := c.reassembly
		c.reassembly = nil
		c.reassembleWant = 0
		return sdu, nil
	}
	return nil, nil
}

// creditsConsumed returns how many k-frames segmentSDU(sdu, mps) would
// produce, i.e. how many credits sending sdu costs (spec.md §4.2.3: "each
// k-frame transmitted consumes one credit from the sender's local count").
func creditsConsumed(sdu []byte, mps uint16) int {
	return len(segmentSDU(sdu, mps))
}
