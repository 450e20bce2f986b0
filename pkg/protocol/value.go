package protocol

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ValueKind identifies how a Value is carried on the wire.
type ValueKind uint8

const (
	ValueNull   ValueKind = 0x00 // No value
	ValueString ValueKind = 0x01 // UTF-8 text
	ValueBlob   ValueKind = 0x02 // Raw bytes
	ValueArgs   ValueKind = 0x03 // MessagePack array
)

// String returns the string representation of the value kind.
func (k ValueKind) String() string {
	switch k {
	case ValueNull:
		return "Null"
	case ValueString:
		return "String"
	case ValueBlob:
		return "Blob"
	case ValueArgs:
		return "Args"
	default:
		return "Unknown"
	}
}

// Value is the result of a call or the data attached to an event.
type Value struct {
	Kind ValueKind
	Text string
	Blob []byte
	Args []any
}

// NullValue returns an empty value.
func NullValue() Value { return Value{Kind: ValueNull} }

// StringValue wraps text.
func StringValue(s string) Value { return Value{Kind: ValueString, Text: s} }

// BlobValue wraps raw bytes.
func BlobValue(b []byte) Value { return Value{Kind: ValueBlob, Blob: b} }

// ArgsValue wraps a list of MessagePack-encodable values.
func ArgsValue(args ...any) Value { return Value{Kind: ValueArgs, Args: args} }

// ValueOf converts a Go value into its wire form: strings become String,
// byte slices become Blob, []any becomes Args, nil becomes Null and anything
// else becomes a single-element Args.
func ValueOf(v any) Value {
	switch x := v.(type) {
	case nil:
		return NullValue()
	case Value:
		return x
	case *Value:
		if x == nil {
			return NullValue()
		}
		return *x
	case string:
		return StringValue(x)
	case []byte:
		return BlobValue(x)
	case []any:
		return ArgsValue(x...)
	default:
		return ArgsValue(x)
	}
}

// Interface returns the natural Go representation of the value.
func (v Value) Interface() any {
	switch v.Kind {
	case ValueString:
		return v.Text
	case ValueBlob:
		return v.Blob
	case ValueArgs:
		if len(v.Args) == 1 {
			return v.Args[0]
		}
		return v.Args
	default:
		return nil
	}
}

// String returns the textual form used by script results.
func (v Value) String() string {
	switch v.Kind {
	case ValueString:
		return v.Text
	case ValueBlob:
		return string(v.Blob)
	case ValueArgs:
		if len(v.Args) == 1 {
			return fmt.Sprint(v.Args[0])
		}
		return fmt.Sprint(v.Args)
	default:
		return ""
	}
}

// EncodeValueTo encodes v using the provided encoder.
func EncodeValueTo(e *Encoder, v Value) error {
	e.WriteByte(byte(v.Kind))
	switch v.Kind {
	case ValueNull:
	case ValueString:
		e.WriteString(v.Text)
	case ValueBlob:
		e.WriteLenBytes(v.Blob)
	case ValueArgs:
		packed, err := MarshalArgs(v.Args)
		if err != nil {
			return err
		}
		e.WriteLenBytes(packed)
	default:
		return fmt.Errorf("protocol: unknown value kind %d", v.Kind)
	}
	return nil
}

// DecodeValueFrom decodes a Value from a decoder.
func DecodeValueFrom(d *Decoder) (Value, error) {
	k, err := d.ReadByte()
	if err != nil {
		return Value{}, err
	}
	v := Value{Kind: ValueKind(k)}
	switch v.Kind {
	case ValueNull:
	case ValueString:
		v.Text, err = d.ReadString()
	case ValueBlob:
		v.Blob, err = d.ReadLenBytes()
	case ValueArgs:
		var packed []byte
		if packed, err = d.ReadLenBytes(); err == nil {
			v.Args, err = UnmarshalArgs(packed)
		}
	default:
		err = fmt.Errorf("protocol: unknown value kind %d", k)
	}
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

// EncodeValue encodes a Value to bytes.
func EncodeValue(v Value) ([]byte, error) {
	e := NewEncoder()
	if err := EncodeValueTo(e, v); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// DecodeValue decodes a Value from bytes.
func DecodeValue(data []byte) (Value, error) {
	d := NewDecoder(data)
	v, err := DecodeValueFrom(d)
	if err != nil {
		return Value{}, err
	}
	return v, d.Finish()
}

// MarshalArgs packs call arguments as a MessagePack array.
func MarshalArgs(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	b, err := msgpack.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode args: %w", err)
	}
	return b, nil
}

// UnmarshalArgs unpacks a MessagePack array. Integers decode as int64 or
// uint64 and floats as float64 regardless of their packed width.
func UnmarshalArgs(data []byte) ([]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var args []any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("protocol: decode args: %w", err)
	}
	return args, nil
}
