// Package protocol implements the binary wire protocol spoken between a
// bridge backend and its browser frontends.
//
// Every message travels in a frame with a fixed 9-byte header:
//
//	┌──────────┬────────────────────────┬────────────────────────┐
//	│ Kind     │ Correlation ID         │ Payload Length         │
//	│ (1 byte) │ (4 bytes, big-endian)  │ (4 bytes, big-endian)  │
//	└──────────┴────────────────────────┴────────────────────────┘
//	│                                                            │
//	│  Payload (variable length)                                 │
//	│                                                            │
//	└────────────────────────────────────────────────────────────┘
//
// # Kinds
//
//   - KindHandshake (0x00): ClientHello / ServerHello exchange
//   - KindEvent (0x01): fire-and-forget notification, either direction
//   - KindCall (0x02): invoke a bound function by name
//   - KindResponse (0x03): successful result of a Call
//   - KindError (0x04): failed result of a Call, or a connection error
//
// A Call is answered by exactly one Response or Error frame carrying the
// same correlation ID. Events and handshakes use correlation ID 0.
//
// # Stream Decoding
//
// Transports deliver bytes in arbitrary chunks. StreamDecoder buffers partial
// input and yields complete messages; it reports ErrNeedMoreData when a frame
// is incomplete and a *MalformedError when the header cannot be valid.
//
//	dec := protocol.NewStreamDecoder(protocol.DefaultMaxPayload)
//	dec.Feed(chunk)
//	for {
//	    msg, err := dec.Next()
//	    if errors.Is(err, protocol.ErrNeedMoreData) {
//	        break
//	    }
//	    if err != nil {
//	        return err // connection-fatal
//	    }
//	    handle(msg)
//	}
//
// # Payload Encoding
//
// Payloads use the same primitives throughout:
//
//   - Varint: compact unsigned integers (protobuf-style)
//   - Length-prefixed: strings and byte arrays prefixed with a varint length
//   - Big-endian: fixed-width integers
//   - MessagePack: call arguments, so that JavaScript and Go agree on
//     numbers, booleans, strings, arrays and maps without a schema
package protocol
