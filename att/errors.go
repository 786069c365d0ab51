// Package att implements the Attribute Protocol: the attribute database,
// the server-side request dispatcher, and the client-side single-request
// transaction pipeline sitting on top of the L2CAP ATT fixed channel.
package att

import "fmt"

// ErrorCode is the ATT_ERROR_RSP status code vocabulary (spec.md §4.3-4.4).
type ErrorCode uint8

const (
	ErrCodeInvalidHandle                ErrorCode = 0x01
	ErrCodeReadNotPermitted              ErrorCode = 0x02
	ErrCodeWriteNotPermitted             ErrorCode = 0x03
	ErrCodeInvalidPDU                    ErrorCode = 0x04
	ErrCodeInsufficientAuthentication     ErrorCode = 0x05
	ErrCodeRequestNotSupported            ErrorCode = 0x06
	ErrCodeInvalidOffset                  ErrorCode = 0x07
	ErrCodeInsufficientAuthorization      ErrorCode = 0x08
	ErrCodePrepareQueueFull               ErrorCode = 0x09
	ErrCodeAttributeNotFound              ErrorCode = 0x0A
	ErrCodeAttributeNotLong               ErrorCode = 0x0B
	ErrCodeInsufficientEncryptionKeySize  ErrorCode = 0x0C
	ErrCodeInvalidAttributeValueLength    ErrorCode = 0x0D
	ErrCodeUnlikelyError                  ErrorCode = 0x0E
	ErrCodeInsufficientEncryption         ErrorCode = 0x0F
	ErrCodeUnsupportedGroupType           ErrorCode = 0x10
	ErrCodeInsufficientResources          ErrorCode = 0x11
	ErrCodeDatabaseOutOfSync              ErrorCode = 0x12
	ErrCodeValueNotAllowed                ErrorCode = 0x13
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeInvalidHandle:
		return "InvalidHandle"
	case ErrCodeReadNotPermitted:
		return "ReadNotPermitted"
	case ErrCodeWriteNotPermitted:
		return "WriteNotPermitted"
	case ErrCodeInvalidPDU:
		return "InvalidPDU"
	case ErrCodeInsufficientAuthentication:
		return "InsufficientAuthentication"
	case ErrCodeRequestNotSupported:
		return "RequestNotSupported"
	case ErrCodeInvalidOffset:
		return "InvalidOffset"
	case ErrCodeInsufficientAuthorization:
		return "InsufficientAuthorization"
	case ErrCodePrepareQueueFull:
		return "PrepareQueueFull"
	case ErrCodeAttributeNotFound:
		return "AttributeNotFound"
	case ErrCodeAttributeNotLong:
		return "AttributeNotLong"
	case ErrCodeInsufficientEncryptionKeySize:
		return "InsufficientEncryptionKeySize"
	case ErrCodeInvalidAttributeValueLength:
		return "InvalidAttributeValueLength"
	case ErrCodeUnlikelyError:
		return "UnlikelyError"
	case ErrCodeInsufficientEncryption:
		return "InsufficientEncryption"
	case ErrCodeUnsupportedGroupType:
		return "UnsupportedGroupType"
	case ErrCodeInsufficientResources:
		return "InsufficientResources"
	case ErrCodeDatabaseOutOfSync:
		return "DatabaseOutOfSync"
	case ErrCodeValueNotAllowed:
		return "ValueNotAllowed"
	default:
		return fmt.Sprintf("ErrorCode(0x%02x)", uint8(c))
	}
}

// ProtocolError is returned by the database and server when a request must
// be answered with an ATT_ERROR_RSP; Handle is the attribute handle named
// in the error (0 when not applicable, e.g. malformed PDU).
type ProtocolError struct {
	Code   ErrorCode
	Handle uint16
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("att: %s (handle 0x%04x)", e.Code, e.Handle)
}

func protoErr(code ErrorCode, handle uint16) *ProtocolError {
	return &ProtocolError{Code: code, Handle: handle}
}
