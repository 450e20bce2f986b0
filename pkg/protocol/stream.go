package protocol

// StreamDecoder reassembles messages from a byte stream delivered in
// arbitrary chunks. It never blocks: callers Feed whatever bytes arrived and
// call Next until it reports ErrNeedMoreData.
//
// A StreamDecoder is not safe for concurrent use; each connection owns one.
type StreamDecoder struct {
	buf        []byte
	off        int
	maxPayload int
	err        error
}

// NewStreamDecoder creates a decoder that rejects payloads above maxPayload.
// A non-positive maxPayload selects DefaultMaxPayload.
func NewStreamDecoder(maxPayload int) *StreamDecoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &StreamDecoder{maxPayload: maxPayload}
}

// Feed appends bytes to the decoder's buffer. The slice is copied.
func (s *StreamDecoder) Feed(p []byte) {
	if s.err != nil || len(p) == 0 {
		return
	}
	if s.off > 0 && s.off == len(s.buf) {
		s.buf = s.buf[:0]
		s.off = 0
	}
	s.buf = append(s.buf, p...)
}

// Next returns the next complete message.
//
// It returns ErrNeedMoreData when the buffered bytes do not yet form a full
// frame, and a *MalformedError when the next header is invalid. A malformed
// stream stays broken: every later call returns the same error.
func (s *StreamDecoder) Next() (*Message, error) {
	if s.err != nil {
		return nil, s.err
	}

	msg, n, err := Decode(s.buf[s.off:], s.maxPayload)
	if err != nil {
		if err != ErrNeedMoreData {
			s.err = err
		}
		s.compact()
		return nil, err
	}
	s.off += n
	return msg, nil
}

// Buffered returns the number of bytes held but not yet decoded.
func (s *StreamDecoder) Buffered() int {
	return len(s.buf) - s.off
}

// Reset discards buffered bytes and clears a malformed state.
func (s *StreamDecoder) Reset() {
	s.buf = s.buf[:0]
	s.off = 0
	s.err = nil
}

// compact moves unread bytes to the front once the consumed prefix dominates.
func (s *StreamDecoder) compact() {
	if s.off == 0 {
		return
	}
	if s.off < len(s.buf)-s.off && s.off < 4096 {
		return
	}
	n := copy(s.buf, s.buf[s.off:])
	s.buf = s.buf[:n]
	s.off = 0
}
