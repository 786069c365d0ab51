package l2cap

import "encoding/binary"

// Configuration option type codes (spec.md §4.2.1).
const (
	OptMTU                   uint8 = 0x01
	OptFlushTimeout          uint8 = 0x02
	OptQoS                   uint8 = 0x03
	OptRetransmissionFlowCtl uint8 = 0x04
	OptFCS                   uint8 = 0x05
	OptExtendedWindowSize    uint8 = 0x07

	optHintBit uint8 = 0x80
)

// ConfigOption is one decoded TLV from a Configure Request/Response option list.
type ConfigOption struct {
	Type uint8 // without the hint bit
	Hint bool
	Data []byte
}

// parseConfigOptions walks a configuration option list, returning each
// option and, if a non-hinted unknown option type is seen, a
// rejectOption != nil for the caller to answer UnknownOption with
// (spec.md §4.2.1: "Unknown options with the hint bit set are ignored;
// without the hint bit, the request is rejected").
func parseConfigOptions(b []byte) (opts []ConfigOption, reject *ConfigOption) {
	for len(b) >= 2 {
		raw := b[0]
		length := int(b[1])
		if len(b) < 2+length {
			break
		}
		opt := ConfigOption{
			Type: raw &^ optHintBit,
			Hint: raw&optHintBit != 0,
			Data: append([]byte(nil), b[2:2+length]...),
		}
		b = b[2+length:]
		switch opt.Type {
		case OptMTU, OptFlushTimeout, OptQoS, OptRetransmissionFlowCtl, OptFCS, OptExtendedWindowSize:
			opts = append(opts, opt)
		default:
			if opt.Hint {
				continue // hinted unknown option: ignored per spec
			}
			o := opt
			return opts, &o
		}
	}
	return opts, nil
}

func encodeConfigOption(opt ConfigOption) []byte {
	raw := opt.Type
	if opt.Hint {
		raw |= optHintBit
	}
	out := make([]byte, 2+len(opt.Data))
	out[0] = raw
	out[1] = uint8(len(opt.Data))
	copy(out[2:], opt.Data)
	return out
}

func encodeMTUOption(mtu uint16) ConfigOption {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, mtu)
	return ConfigOption{Type: OptMTU, Data: b}
}

func decodeMTUOption(o ConfigOption) (uint16, bool) {
	if len(o.Data) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(o.Data), true
}

func encodeRFCOption(rfc RetransmissionConfig) ConfigOption {
	b := make([]byte, 9)
	b[0] = uint8(rfc.Mode)
	b[1] = rfc.TxWindowSize
	b[2] = rfc.MaxTransmit
	binary.LittleEndian.PutUint16(b[3:5], rfc.RetransmitTimeout)
	binary.LittleEndian.PutUint16(b[5:7], rfc.MonitorTimeout)
	binary.LittleEndian.PutUint16(b[7:9], rfc.MPS)
	return ConfigOption{Type: OptRetransmissionFlowCtl, Data: b}
}

func decodeRFCOption(o ConfigOption) (RetransmissionConfig, bool) {
	if len(o.Data) != 9 {
		return RetransmissionConfig{}, false
	}
	return RetransmissionConfig{
		Mode:              Mode(o.Data[0]),
		TxWindowSize:      o.Data[1],
		MaxTransmit:       o.Data[2],
		RetransmitTimeout: binary.LittleEndian.Uint16(o.Data[3:5]),
		MonitorTimeout:    binary.LittleEndian.Uint16(o.Data[5:7]),
		MPS:               binary.LittleEndian.Uint16(o.Data[7:9]),
	}, true
}

func encodeFCSOption(enabled bool) ConfigOption {
	v := uint8(0)
	if enabled {
		v = 1
	}
	return ConfigOption{Type: OptFCS, Data: []byte{v}}
}
