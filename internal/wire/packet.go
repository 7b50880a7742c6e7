package wire

import "fmt"

// Type bit-field flags (spec.md section 3/4.A): direction, source and kind
// are packed into the packet's Type field.
const (
	Notification int32 = 1 << 0
	Request      int32 = 1 << 1
	Reply        int32 = 1 << 2

	ClientToServer int32 = 1 << 3
	ServerToClient int32 = 1 << 4
)

// NotificationRequestID is the fixed request id carried by every
// notification packet, including the session-establishment Setup packet
// and any other server-initiated push (spec.md section 3 invariant).
const NotificationRequestID int32 = -2

// Packet is the wire unit: either a 4-element notification or a 6-element
// request/reply, in declaration order: requestId, type, command, payload,
// [timeout, timestamp].
type Packet struct {
	RequestID int32
	Type      int32
	Command   []byte
	Payload   []byte

	HasTimeout bool
	Timeout    int32
	Timestamp  int64
}

// IsNotification reports whether this packet carries the NOTIFICATION flag.
func (p Packet) IsNotification() bool { return p.Type&Notification != 0 }

// IsReply reports whether this packet carries the REPLY flag.
func (p Packet) IsReply() bool { return p.Type&Reply != 0 }

// IsRequest reports whether this packet carries the REQUEST flag.
func (p Packet) IsRequest() bool { return p.Type&Request != 0 }

// Encode serializes p as a top-level array of 4 or 6 items.
func Encode(p Packet) []byte {
	n := 4
	if p.HasTimeout {
		n = 6
	}

	out := EncodeArrayHeader(n)
	out = append(out, EncodeInt(int64(p.RequestID))...)
	out = append(out, EncodeInt(int64(p.Type))...)
	out = append(out, EncodeBytes(p.Command)...)
	out = append(out, EncodeBytes(p.Payload)...)
	if p.HasTimeout {
		out = append(out, EncodeInt(int64(p.Timeout))...)
		out = append(out, EncodeInt(p.Timestamp)...)
	}
	return out
}

// NewNotification builds a 4-field notification packet.
func NewNotification(typ int32, command, payload []byte) Packet {
	return Packet{
		RequestID: NotificationRequestID,
		Type:      typ | Notification,
		Command:   command,
		Payload:   payload,
	}
}

// NewRequest builds a 6-field request packet.
func NewRequest(id int32, typ int32, command, payload []byte, timeout int32, timestamp int64) Packet {
	return Packet{
		RequestID:  id,
		Type:       typ | Request,
		Command:    command,
		Payload:    payload,
		HasTimeout: true,
		Timeout:    timeout,
		Timestamp:  timestamp,
	}
}

// NewReply builds a 6-field reply packet echoing the original request id.
func NewReply(id int32, typ int32, command, payload []byte, timeout int32, timestamp int64) Packet {
	return Packet{
		RequestID:  id,
		Type:       typ | Reply,
		Command:    command,
		Payload:    payload,
		HasTimeout: true,
		Timeout:    timeout,
		Timestamp:  timestamp,
	}
}

// packetFromItems validates and converts a decoded top-level array into a Packet.
func packetFromItems(items []interface{}) (Packet, error) {
	if len(items) != 4 && len(items) != 6 {
		return Packet{}, fmt.Errorf("%w: packet must have 4 or 6 elements, got %d", ErrMalformed, len(items))
	}

	reqID, ok := asInt(items[0])
	if !ok {
		return Packet{}, fmt.Errorf("%w: requestId must be an integer", ErrMalformed)
	}
	typ, ok := asInt(items[1])
	if !ok {
		return Packet{}, fmt.Errorf("%w: type must be an integer", ErrMalformed)
	}
	command, ok := asBytes(items[2])
	if !ok {
		return Packet{}, fmt.Errorf("%w: command must be a byte string", ErrMalformed)
	}
	payload, ok := asBytes(items[3])
	if !ok {
		return Packet{}, fmt.Errorf("%w: payload must be a byte string", ErrMalformed)
	}

	p := Packet{
		RequestID: int32(reqID),
		Type:      int32(typ),
		Command:   command,
		Payload:   payload,
	}

	if len(items) == 6 {
		timeout, ok := asInt(items[4])
		if !ok {
			return Packet{}, fmt.Errorf("%w: timeout must be an integer", ErrMalformed)
		}
		timestamp, ok := asInt(items[5])
		if !ok {
			return Packet{}, fmt.Errorf("%w: timestamp must be an integer", ErrMalformed)
		}
		p.HasTimeout = true
		p.Timeout = int32(timeout)
		p.Timestamp = timestamp
	}

	return p, nil
}

func asInt(v interface{}) (int64, bool) {
	i, ok := v.(int64)
	return i, ok
}

func asBytes(v interface{}) ([]byte, bool) {
	switch t := v.(type) {
	case []byte:
		return t, true
	case string:
		return []byte(t), true
	default:
		return nil, false
	}
}

// DecodeSetupPayload decodes the 5-item array of byte strings carried as the
// Setup notification's payload (spec.md section 4.D): name, encrypted
// password, content fingerprint, client version, client uuid.
func DecodeSetupPayload(payload []byte) (name, password, fingerprint, version, uuid []byte, err error) {
	v, n, decErr := DecodeValue(payload)
	if decErr != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("%w: %s", ErrMalformed, decErr)
	}
	if n != len(payload) {
		return nil, nil, nil, nil, nil, fmt.Errorf("%w: trailing bytes after Setup payload", ErrMalformed)
	}

	items, ok := v.([]interface{})
	if !ok || len(items) != 5 {
		return nil, nil, nil, nil, nil, fmt.Errorf("%w: Setup payload must be a 5-item array", ErrMalformed)
	}

	fields := make([][]byte, 5)
	for i, item := range items {
		b, ok := asBytes(item)
		if !ok {
			return nil, nil, nil, nil, nil, fmt.Errorf("%w: Setup payload item %d must be a byte string", ErrMalformed, i)
		}
		fields[i] = b
	}
	return fields[0], fields[1], fields[2], fields[3], fields[4], nil
}

// EncodeSetupPayload is the inverse of DecodeSetupPayload, used by tests and tools.
func EncodeSetupPayload(name, password, fingerprint, version, uuid []byte) []byte {
	out := EncodeArrayHeader(5)
	out = append(out, EncodeBytes(name)...)
	out = append(out, EncodeBytes(password)...)
	out = append(out, EncodeBytes(fingerprint)...)
	out = append(out, EncodeBytes(version)...)
	out = append(out, EncodeBytes(uuid)...)
	return out
}
