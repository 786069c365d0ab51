// Package l2cap implements the Logical Link Control and Adaptation
// Protocol: the channel multiplexer sitting between HCI ACL data and the
// ATT/SMP/PSM-registered protocol handlers above it.
package l2cap

import "time"

// Well-known fixed CIDs (spec.md §3).
const (
	CIDNull            uint16 = 0x0000
	CIDSignalingClassic uint16 = 0x0001
	CIDATT              uint16 = 0x0004
	CIDSignalingLE       uint16 = 0x0005
	CIDSMP               uint16 = 0x0006

	DynamicCIDMin uint16 = 0x0040
	DynamicCIDMax uint16 = 0xFFFF
)

// PSM ranges (spec.md §4.2).
const (
	PSMMin        uint16 = 0x0001
	PSMMax        uint16 = 0xFFFF
	DynamicPSMMin uint16 = 0x1001
)

// TransportType distinguishes the underlying HCI link a channel rides on.
type TransportType uint8

const (
	TransportClassic TransportType = iota
	TransportLE
)

// SecurityLevel is the link's current encryption/authentication state, set
// by the SMP layer once pairing/encryption completes (spec.md §4.2's PSM
// registry "min_security_level" gate).
type SecurityLevel uint8

const (
	SecurityNone SecurityLevel = iota
	SecurityEncryptionOnly
	SecurityEncryptionWithAuthentication
)

// Role distinguishes which side of a link-up event we are.
type Role uint8

const (
	RoleMaster Role = iota
	RoleSlave
)

// ChannelState is the channel lifecycle state machine (spec.md §4.2).
type ChannelState int

const (
	StateClosed ChannelState = iota
	StateWaitConnect
	StateWaitConnectRsp
	StateWaitConfig
	StateWaitConfigReq
	StateWaitFinalConfig
	StateOpen
	StateWaitDisconnect
)

func (s ChannelState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateWaitConnect:
		return "WaitConnect"
	case StateWaitConnectRsp:
		return "WaitConnectRsp"
	case StateWaitConfig:
		return "WaitConfig"
	case StateWaitConfigReq:
		return "WaitConfigReq"
	case StateWaitFinalConfig:
		return "WaitFinalConfig"
	case StateOpen:
		return "Open"
	case StateWaitDisconnect:
		return "WaitDisconnect"
	default:
		return "Unknown"
	}
}

// ChannelKind distinguishes fixed channels (pre-opened, never torn down by
// signaling) from dynamic PSM-based and LE-credit-based channels.
type ChannelKind uint8

const (
	KindFixed ChannelKind = iota
	KindDynamicBasic
	KindLECreditBased
)

// Mode is the L2CAP retransmission/flow-control mode negotiated by the
// Retransmission & Flow Control configuration option (spec.md §4.2.1).
type Mode uint8

const (
	ModeBasic Mode = iota
	ModeRetransmission
	ModeFlowControl
	ModeEnhancedRetransmission
	ModeStreaming
)

// QoS mirrors the Quality-of-Service configuration option.
type QoS struct {
	ServiceType   uint8
	TokenRate     uint32
	TokenBucket   uint32
	PeakBandwidth uint32
	Latency       uint32
	DelayVariation uint32
}

// RetransmissionConfig mirrors the Retransmission & Flow Control option.
type RetransmissionConfig struct {
	Mode            Mode
	TxWindowSize    uint8
	MaxTransmit     uint8
	RetransmitTimeout uint16 // ms
	MonitorTimeout    uint16 // ms
	MPS               uint16
}

// DataHandler receives reassembled SDUs delivered to an open channel.
type DataHandler func(cid uint16, sdu []byte)

// EventHandler receives channel lifecycle events: "connected", "disconnected",
// "config_complete" and so on. Reason is populated for Disconnected.
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventDisconnected      EventKind = "disconnected"
	EventConfigComplete    EventKind = "config_complete"
	EventConnectionRequest EventKind = "connection_request"
)

type ChannelEvent struct {
	Kind   EventKind
	CID    uint16
	Reason string
}

type EventHandler func(ev ChannelEvent)

// Channel is one L2CAP channel endpoint (spec.md §3).
type Channel struct {
	LocalCID  uint16
	RemoteCID uint16
	PSM       uint16 // 0 if not PSM-based (fixed channel)
	Handle    uint16 // owning HCI connection handle
	Transport TransportType
	Kind      ChannelKind

	State ChannelState

	LocalMTU  uint16
	RemoteMTU uint16
	QoS       *QoS
	RFC       RetransmissionConfig

	// LE credit-based flow control (spec.md §4.2.3).
	LocalCredits  uint16
	RemoteCredits uint16
	MPS           uint16
	MTU           uint16 // SDU MTU for credit-based channels

	reassembly []byte // in-flight SDU under reassembly
	reassembleWant int // total SDU length expected, 0 if not mid-SDU

	localConfigAcked  bool
	remoteConfigAcked bool

	onData  DataHandler
	onEvent EventHandler

	lastActivity time.Time
}

func (c *Channel) touch() { c.lastActivity = time.Now() }

// bothConfigured reports whether both directions of the configuration
// handshake have completed (spec.md §9 open-question resolution).
func (c *Channel) bothConfigured() bool {
	return c.localConfigAcked && c.remoteConfigAcked
}
