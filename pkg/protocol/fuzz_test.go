package protocol

import (
	"testing"
)

// FuzzDecode tests that decoding arbitrary bytes doesn't panic.
func FuzzDecode(f *testing.F) {
	f.Add(Encode(&Message{Kind: KindCall, CorrelationID: 7, Payload: []byte{0x03, 'a', 'd', 'd', 0x01, 0x90}}))
	f.Add(Encode(&Message{Kind: KindError, Payload: EncodeError(NewError(ErrNotFound, "x"))}))
	f.Add([]byte{0xFF, 0, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _, _ = Decode(data, DefaultMaxPayload)
	})
}

// FuzzStreamDecoder checks that chunked and whole decoding agree.
func FuzzStreamDecoder(f *testing.F) {
	f.Add(Encode(NewClientHelloMessage(1, "t")), uint8(3))
	f.Add(AppendMessage(Encode(&Message{Kind: KindEvent}), &Message{Kind: KindResponse, CorrelationID: 1}), uint8(1))

	f.Fuzz(func(t *testing.T, data []byte, chunk uint8) {
		size := int(chunk%16) + 1

		whole := NewStreamDecoder(1024)
		whole.Feed(data)
		var want []*Message
		for {
			m, err := whole.Next()
			if err != nil {
				break
			}
			want = append(want, m)
		}

		parts := NewStreamDecoder(1024)
		var got []*Message
		for off := 0; off < len(data); off += size {
			parts.Feed(data[off:min(off+size, len(data))])
			for {
				m, err := parts.Next()
				if err != nil {
					break
				}
				got = append(got, m)
			}
		}

		if len(got) != len(want) {
			t.Fatalf("chunked decode produced %d messages, whole produced %d", len(got), len(want))
		}
	})
}

// FuzzDecodeCall tests that decoding arbitrary call payloads doesn't panic.
func FuzzDecodeCall(f *testing.F) {
	data, _ := EncodeCall(&CallPayload{Name: "add", Args: []any{1, "two", 3.0}})
	f.Add(data)
	f.Add([]byte{0x01, 'f', 0x05, 0xdd, 0xff, 0xff, 0xff, 0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeCall(data)
	})
}

// FuzzDecodeEvent tests that decoding arbitrary event payloads doesn't panic.
func FuzzDecodeEvent(f *testing.F) {
	data, _ := EncodeEvent(&EventPayload{Type: EventMouseClick, Element: "btn", Data: StringValue("v")})
	f.Add(data)

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeEvent(data)
	})
}

// FuzzDecodeClientHello tests that decoding arbitrary handshakes doesn't panic.
func FuzzDecodeClientHello(f *testing.F) {
	f.Add(EncodeClientHello(&ClientHello{Version: CurrentVersion, WindowID: 1}))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeClientHello(data)
	})
}
