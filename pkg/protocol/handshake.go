package protocol

// HandshakeStatus represents the result of a handshake.
type HandshakeStatus uint8

const (
	HandshakeOK              HandshakeStatus = 0x00
	HandshakeVersionMismatch HandshakeStatus = 0x01
	HandshakeUnknownWindow   HandshakeStatus = 0x02 // WindowID not registered
	HandshakeInvalidFormat   HandshakeStatus = 0x03 // Malformed handshake message
	HandshakeNotAuthorized   HandshakeStatus = 0x04 // Token rejected
	HandshakeServerBusy      HandshakeStatus = 0x05
	HandshakeInternalError   HandshakeStatus = 0x06
)

// String returns the string representation of the handshake status.
func (hs HandshakeStatus) String() string {
	switch hs {
	case HandshakeOK:
		return "OK"
	case HandshakeVersionMismatch:
		return "VersionMismatch"
	case HandshakeUnknownWindow:
		return "UnknownWindow"
	case HandshakeInvalidFormat:
		return "InvalidFormat"
	case HandshakeNotAuthorized:
		return "NotAuthorized"
	case HandshakeServerBusy:
		return "ServerBusy"
	case HandshakeInternalError:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// ProtocolVersion represents a protocol version as major.minor.
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

// CurrentVersion is the current protocol version.
var CurrentVersion = ProtocolVersion{Major: 1, Minor: 0}

// Compatible reports whether a peer speaking v can talk to this build.
// Minor versions are additive; majors must match.
func (v ProtocolVersion) Compatible() bool {
	return v.Major == CurrentVersion.Major
}

// ClientHello is the first frame a client sends after connecting.
type ClientHello struct {
	Version  ProtocolVersion
	WindowID uint64 // Window this connection attaches to
	Token    string // Optional shared secret
}

// ServerHello is the server's response to ClientHello.
type ServerHello struct {
	Status     HandshakeStatus
	ClientID   string // Assigned connection ID (empty on failure)
	WindowID   uint64
	ServerTime uint64 // Unix milliseconds
}

// EncodeClientHello encodes a ClientHello to bytes.
func EncodeClientHello(ch *ClientHello) []byte {
	e := NewEncoder()
	e.WriteByte(ch.Version.Major)
	e.WriteByte(ch.Version.Minor)
	e.WriteUvarint(ch.WindowID)
	e.WriteString(ch.Token)
	return e.Bytes()
}

// DecodeClientHello decodes a ClientHello from bytes.
func DecodeClientHello(data []byte) (*ClientHello, error) {
	d := NewDecoder(data)
	ch := &ClientHello{}
	var err error

	if ch.Version.Major, err = d.ReadByte(); err != nil {
		return nil, err
	}
	if ch.Version.Minor, err = d.ReadByte(); err != nil {
		return nil, err
	}
	if ch.WindowID, err = d.ReadUvarint(); err != nil {
		return nil, err
	}
	if ch.Token, err = d.ReadString(); err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return ch, nil
}

// EncodeServerHello encodes a ServerHello to bytes.
func EncodeServerHello(sh *ServerHello) []byte {
	e := NewEncoder()
	e.WriteByte(byte(sh.Status))
	e.WriteString(sh.ClientID)
	e.WriteUvarint(sh.WindowID)
	e.WriteUint64(sh.ServerTime)
	return e.Bytes()
}

// DecodeServerHello decodes a ServerHello from bytes.
func DecodeServerHello(data []byte) (*ServerHello, error) {
	d := NewDecoder(data)
	sh := &ServerHello{}

	status, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	sh.Status = HandshakeStatus(status)

	if sh.ClientID, err = d.ReadString(); err != nil {
		return nil, err
	}
	if sh.WindowID, err = d.ReadUvarint(); err != nil {
		return nil, err
	}
	if sh.ServerTime, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return sh, nil
}

// NewClientHelloMessage builds the handshake frame a client opens with.
func NewClientHelloMessage(windowID uint64, token string) *Message {
	return NewMessage(KindHandshake, 0, EncodeClientHello(&ClientHello{
		Version:  CurrentVersion,
		WindowID: windowID,
		Token:    token,
	}))
}

// NewServerHelloMessage builds the handshake reply frame.
func NewServerHelloMessage(sh *ServerHello) *Message {
	return NewMessage(KindHandshake, 0, EncodeServerHello(sh))
}
