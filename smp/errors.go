package smp

import "fmt"

// Reason is an SMP Pairing Failed reason code (Core Spec Vol 3 Part H
// §3.5.5), plus internal states not carried on the wire.
type Reason uint8

const (
	ReasonPasskeyEntryFailed     Reason = 0x01
	ReasonOOBNotAvailable        Reason = 0x02
	ReasonAuthenticationRequirements Reason = 0x03
	ReasonConfirmValueFailed     Reason = 0x04
	ReasonPairingNotSupported    Reason = 0x05
	ReasonEncryptionKeySize      Reason = 0x06
	ReasonCommandNotSupported    Reason = 0x07
	ReasonUnspecifiedReason      Reason = 0x08
	ReasonRepeatedAttempts       Reason = 0x09
	ReasonInvalidParameters      Reason = 0x0A
	ReasonDHKeyCheckFailed       Reason = 0x0B
	ReasonNumericComparisonFailed Reason = 0x0C
	ReasonBREDRPairingInProgress Reason = 0x0D
	ReasonCrossTransportNotAllowed Reason = 0x0E

	// internal states, never sent on the wire
	ReasonTimeout       Reason = 0xF0
	ReasonInvalidState  Reason = 0xF1
)

func (r Reason) String() string {
	switch r {
	case ReasonPasskeyEntryFailed:
		return "passkey entry failed"
	case ReasonOOBNotAvailable:
		return "oob not available"
	case ReasonAuthenticationRequirements:
		return "authentication requirements"
	case ReasonConfirmValueFailed:
		return "confirm value failed"
	case ReasonPairingNotSupported:
		return "pairing not supported"
	case ReasonEncryptionKeySize:
		return "encryption key size"
	case ReasonCommandNotSupported:
		return "command not supported"
	case ReasonUnspecifiedReason:
		return "unspecified reason"
	case ReasonRepeatedAttempts:
		return "repeated attempts"
	case ReasonInvalidParameters:
		return "invalid parameters"
	case ReasonDHKeyCheckFailed:
		return "dhkey check failed"
	case ReasonNumericComparisonFailed:
		return "numeric comparison failed"
	case ReasonBREDRPairingInProgress:
		return "bredr pairing in progress"
	case ReasonCrossTransportNotAllowed:
		return "cross transport key derivation not allowed"
	case ReasonTimeout:
		return "timeout"
	case ReasonInvalidState:
		return "invalid state"
	default:
		return "unknown"
	}
}

// Error is the single error type the smp package returns.
type Error struct {
	Reason Reason
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("smp: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("smp: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(reason Reason) *Error { return &Error{Reason: reason} }

func wrapErr(reason Reason, cause error) *Error { return &Error{Reason: reason, Cause: cause} }
