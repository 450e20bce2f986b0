package protocol

import "errors"

// ErrEmptyName is returned when a call names no function.
var ErrEmptyName = errors.New("protocol: call has empty function name")

// CallPayload is the body of a KindCall message.
//
// Wire format: [name: string][args: len-prefixed MessagePack array]
type CallPayload struct {
	Name string
	Args []any
}

// EncodeCall encodes a CallPayload to bytes.
func EncodeCall(c *CallPayload) ([]byte, error) {
	if c.Name == "" {
		return nil, ErrEmptyName
	}
	packed, err := MarshalArgs(c.Args)
	if err != nil {
		return nil, err
	}
	e := NewEncoder()
	e.WriteString(c.Name)
	e.WriteLenBytes(packed)
	return e.Bytes(), nil
}

// DecodeCall decodes a CallPayload from bytes.
func DecodeCall(data []byte) (*CallPayload, error) {
	d := NewDecoder(data)

	name, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrEmptyName
	}

	packed, err := d.ReadLenBytes()
	if err != nil {
		return nil, err
	}
	args, err := UnmarshalArgs(packed)
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}

	return &CallPayload{Name: name, Args: args}, nil
}

// NewCallMessage builds a KindCall message.
func NewCallMessage(correlationID uint32, name string, args ...any) (*Message, error) {
	payload, err := EncodeCall(&CallPayload{Name: name, Args: args})
	if err != nil {
		return nil, err
	}
	return NewMessage(KindCall, correlationID, payload), nil
}

// NewResponseMessage builds a KindResponse message carrying v.
func NewResponseMessage(correlationID uint32, v Value) (*Message, error) {
	payload, err := EncodeValue(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(KindResponse, correlationID, payload), nil
}
