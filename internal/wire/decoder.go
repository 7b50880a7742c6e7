package wire

// Decoder is a streaming state machine that turns an arbitrary split of
// incoming bytes into a sequence of complete Packets (spec.md section 4.A).
// It tolerates multiple packets arriving in one Feed call and a single
// packet arriving split across many Feed calls. Once it observes bytes that
// can never complete into a valid packet it returns ErrMalformed and must
// not be fed any more data — the caller is expected to end the session.
type Decoder struct {
	buf    []byte
	broken bool
}

// NewDecoder returns a ready-to-use Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends data to the decoder's residual buffer and extracts as many
// complete packets as are now available. If the buffer's prefix can never
// form a valid packet, Feed returns the packets successfully decoded so far
// (if any) alongside ErrMalformed; the caller must treat this as fatal for
// the connection and stop calling Feed.
func (d *Decoder) Feed(data []byte) ([]Packet, error) {
	if d.broken {
		return nil, ErrMalformed
	}

	d.buf = append(d.buf, data...)

	var packets []Packet
	for {
		v, n, err := DecodeValue(d.buf)
		if err == ErrShortBuffer {
			return packets, nil
		}
		if err != nil {
			d.broken = true
			return packets, err
		}

		items, ok := v.([]interface{})
		if !ok {
			d.broken = true
			return packets, ErrMalformed
		}

		pkt, err := packetFromItems(items)
		if err != nil {
			d.broken = true
			return packets, err
		}

		packets = append(packets, pkt)
		d.buf = d.buf[n:]

		if len(d.buf) == 0 {
			return packets, nil
		}
	}
}
