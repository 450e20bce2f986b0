package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame constants.
const (
	// HeaderSize is the size of the frame header in bytes.
	HeaderSize = 9

	// DefaultMaxPayload is the default payload ceiling (16MB).
	DefaultMaxPayload = 16 * 1024 * 1024
)

// Kind identifies the type of a message.
type Kind uint8

const (
	KindHandshake Kind = 0x00 // Connection setup
	KindEvent     Kind = 0x01 // Fire-and-forget notification
	KindCall      Kind = 0x02 // Named function invocation
	KindResponse  Kind = 0x03 // Call result
	KindError     Kind = 0x04 // Call failure
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindEvent:
		return "Event"
	case KindCall:
		return "Call"
	case KindResponse:
		return "Response"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(0x%02x)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k <= KindError
}

// Frame errors.
var (
	// ErrNeedMoreData reports that the input does not yet hold a full frame.
	ErrNeedMoreData = errors.New("protocol: need more data")

	// ErrMalformed is the sentinel every *MalformedError unwraps to.
	ErrMalformed = errors.New("protocol: malformed frame")

	ErrFrameTooLarge = errors.New("protocol: frame payload too large")
)

// MalformedError describes a frame header that can never become valid.
// Receiving one is fatal for the connection that produced it.
type MalformedError struct {
	Kind   Kind
	Length uint32
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("protocol: malformed frame (kind=%s, length=%d): %s", e.Kind, e.Length, e.Reason)
}

// Unwrap returns ErrMalformed.
func (e *MalformedError) Unwrap() error {
	return ErrMalformed
}

// Message is one decoded frame.
type Message struct {
	Kind          Kind
	CorrelationID uint32
	Payload       []byte
}

// NewMessage creates a message with the given kind, correlation ID and payload.
func NewMessage(kind Kind, correlationID uint32, payload []byte) *Message {
	return &Message{Kind: kind, CorrelationID: correlationID, Payload: payload}
}

// Size returns the encoded size of the message including the header.
func (m *Message) Size() int {
	return HeaderSize + len(m.Payload)
}

// Encode encodes the message to bytes including the header.
func Encode(m *Message) []byte {
	return AppendMessage(make([]byte, 0, m.Size()), m)
}

// AppendMessage appends the encoded message to dst and returns the result.
func AppendMessage(dst []byte, m *Message) []byte {
	dst = append(dst, byte(m.Kind))
	dst = binary.BigEndian.AppendUint32(dst, m.CorrelationID)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(m.Payload)))
	return append(dst, m.Payload...)
}

// DecodeHeader validates and decodes a frame header.
func DecodeHeader(data []byte, maxPayload int) (Kind, uint32, uint32, error) {
	if len(data) < HeaderSize {
		return 0, 0, 0, ErrNeedMoreData
	}
	kind := Kind(data[0])
	corr := binary.BigEndian.Uint32(data[1:5])
	length := binary.BigEndian.Uint32(data[5:9])

	if !kind.Valid() {
		return kind, corr, length, &MalformedError{Kind: kind, Length: length, Reason: "unknown kind"}
	}
	if maxPayload > 0 && uint64(length) > uint64(maxPayload) {
		return kind, corr, length, &MalformedError{Kind: kind, Length: length, Reason: "payload exceeds limit"}
	}
	return kind, corr, length, nil
}

// Decode decodes one message from the front of data, returning it along with
// the number of bytes consumed. The returned payload is a copy.
func Decode(data []byte, maxPayload int) (*Message, int, error) {
	kind, corr, length, err := DecodeHeader(data, maxPayload)
	if err != nil {
		return nil, 0, err
	}
	total := HeaderSize + int(length)
	if len(data) < total {
		return nil, 0, ErrNeedMoreData
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderSize:total])

	return &Message{Kind: kind, CorrelationID: corr, Payload: payload}, total, nil
}

// ReadMessage reads a complete message from an io.Reader.
func ReadMessage(r io.Reader, maxPayload int) (*Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	kind, corr, length, err := DecodeHeader(header[:], maxPayload)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Message{Kind: kind, CorrelationID: corr, Payload: payload}, nil
}

// WriteMessage writes a complete message to an io.Writer.
func WriteMessage(w io.Writer, m *Message) error {
	if uint64(len(m.Payload)) > uint64(^uint32(0)) {
		return ErrFrameTooLarge
	}
	_, err := w.Write(Encode(m))
	return err
}
