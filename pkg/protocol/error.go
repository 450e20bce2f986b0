package protocol

// ErrorCode identifies the type of error.
type ErrorCode uint16

const (
	ErrUnknown          ErrorCode = 0x0000 // Unknown error
	ErrProtocol         ErrorCode = 0x0001 // Malformed or out-of-order frame
	ErrNotFound         ErrorCode = 0x0002 // No function bound under the name
	ErrHandler          ErrorCode = 0x0003 // Handler failed or panicked
	ErrCancelled        ErrorCode = 0x0004 // Window or connection closed first
	ErrInvalidArguments ErrorCode = 0x0005 // Arity or argument type mismatch
	ErrRateLimited      ErrorCode = 0x0006 // Too many requests
	ErrTimeout          ErrorCode = 0x0007 // Handler exceeded its deadline
	ErrInternal         ErrorCode = 0x0100 // Internal server error
)

// String returns the string representation of the error code.
func (ec ErrorCode) String() string {
	switch ec {
	case ErrProtocol:
		return "Protocol"
	case ErrNotFound:
		return "NotFound"
	case ErrHandler:
		return "Handler"
	case ErrCancelled:
		return "Cancelled"
	case ErrInvalidArguments:
		return "InvalidArguments"
	case ErrRateLimited:
		return "RateLimited"
	case ErrTimeout:
		return "Timeout"
	case ErrInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// ErrorPayload is the body of a KindError message.
//
// Wire format: [code: u16][message: string]
type ErrorPayload struct {
	Code    ErrorCode
	Message string
}

// NewError creates a new ErrorPayload.
func NewError(code ErrorCode, message string) *ErrorPayload {
	return &ErrorPayload{Code: code, Message: message}
}

// Error implements the error interface so a remote failure can be returned
// to Go callers unchanged.
func (ep *ErrorPayload) Error() string {
	if ep.Message == "" {
		return ep.Code.String()
	}
	return ep.Code.String() + ": " + ep.Message
}

// EncodeError encodes an ErrorPayload to bytes.
func EncodeError(ep *ErrorPayload) []byte {
	e := NewEncoder()
	e.WriteUint16(uint16(ep.Code))
	e.WriteString(ep.Message)
	return e.Bytes()
}

// DecodeError decodes an ErrorPayload from bytes.
func DecodeError(data []byte) (*ErrorPayload, error) {
	d := NewDecoder(data)

	code, err := d.ReadUint16()
	if err != nil {
		return nil, err
	}
	message, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}

	return &ErrorPayload{Code: ErrorCode(code), Message: message}, nil
}

// NewErrorMessage builds a KindError message.
func NewErrorMessage(correlationID uint32, code ErrorCode, message string) *Message {
	return NewMessage(KindError, correlationID, EncodeError(NewError(code, message)))
}
