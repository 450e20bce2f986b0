package protocol

// EventType identifies what happened.
type EventType uint8

// Client → server events.
const (
	EventDisconnected EventType = 0x00 // Page is unloading
	EventConnected    EventType = 0x01 // Page finished loading
	EventMouseClick   EventType = 0x02 // Element clicked
	EventNavigation   EventType = 0x03 // Page navigated; data holds the URL
	EventCallback     EventType = 0x04 // Generic element callback
)

// Server → client events.
const (
	EventScript EventType = 0x10 // Evaluate data as JavaScript, no reply
	EventRaw    EventType = 0x11 // Pass a blob to the named JS function
)

// String returns the string representation of the event type.
func (et EventType) String() string {
	switch et {
	case EventDisconnected:
		return "Disconnected"
	case EventConnected:
		return "Connected"
	case EventMouseClick:
		return "MouseClick"
	case EventNavigation:
		return "Navigation"
	case EventCallback:
		return "Callback"
	case EventScript:
		return "Script"
	case EventRaw:
		return "Raw"
	default:
		return "Unknown"
	}
}

// EventPayload is the body of a KindEvent message.
//
// Wire format: [type: u8][element: string][data: Value]
//
// Element names the DOM element (or, for EventRaw, the JS function) the
// event concerns. It may be empty.
type EventPayload struct {
	Type    EventType
	Element string
	Data    Value
}

// EncodeEvent encodes an EventPayload to bytes.
func EncodeEvent(ev *EventPayload) ([]byte, error) {
	e := NewEncoder()
	e.WriteByte(byte(ev.Type))
	e.WriteString(ev.Element)
	if err := EncodeValueTo(e, ev.Data); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// DecodeEvent decodes an EventPayload from bytes.
func DecodeEvent(data []byte) (*EventPayload, error) {
	d := NewDecoder(data)

	t, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	element, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	v, err := DecodeValueFrom(d)
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}

	return &EventPayload{Type: EventType(t), Element: element, Data: v}, nil
}

// NewEventMessage builds a KindEvent message.
func NewEventMessage(ev *EventPayload) (*Message, error) {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	return NewMessage(KindEvent, 0, payload), nil
}
