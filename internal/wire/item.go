// Package wire implements the self-delimiting binary item encoding used on
// the client TCP stream (spec.md section 4.A): a CBOR-style tagged-major-type
// encoding where the top 3 bits of a head byte select unsigned int, negative
// int, byte string, text string, array, map or a simple value (bool), and the
// low 5 bits carry either the value itself (0-23) or how many following
// bytes hold it (24/25/26/27 -> 1/2/4/8 bytes).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	majorUnsigned = 0
	majorNegative = 1
	majorBytes    = 2
	majorText     = 3
	majorArray    = 4
	majorMap      = 5
	majorSimple   = 7
)

const (
	simpleFalse = 20
	simpleTrue  = 21
	simpleNull  = 22
)

// ErrShortBuffer indicates the buffer does not yet contain a complete item;
// the caller should wait for more bytes and retry rather than treat this as
// a protocol violation.
var ErrShortBuffer = errors.New("wire: short buffer")

// ErrMalformed indicates the buffer contains bytes that can never form a
// valid item. The session must be terminated; no further packets from this
// stream can be trusted.
var ErrMalformed = errors.New("wire: malformed frame")

// encodeHead returns the minimum-width head encoding for (major, n).
func encodeHead(major byte, n uint64) []byte {
	prefix := major << 5
	switch {
	case n < 24:
		return []byte{prefix | byte(n)}
	case n <= 0xFF:
		return []byte{prefix | 24, byte(n)}
	case n <= 0xFFFF:
		b := make([]byte, 3)
		b[0] = prefix | 25
		binary.BigEndian.PutUint16(b[1:], uint16(n))
		return b
	case n <= 0xFFFFFFFF:
		b := make([]byte, 5)
		b[0] = prefix | 26
		binary.BigEndian.PutUint32(b[1:], uint32(n))
		return b
	default:
		b := make([]byte, 9)
		b[0] = prefix | 27
		binary.BigEndian.PutUint64(b[1:], n)
		return b
	}
}

// EncodeInt encodes a signed integer as an unsigned-int or negative-int item.
func EncodeInt(v int64) []byte {
	if v >= 0 {
		return encodeHead(majorUnsigned, uint64(v))
	}
	return encodeHead(majorNegative, uint64(-1-v))
}

// EncodeBytes encodes a byte string item.
func EncodeBytes(b []byte) []byte {
	head := encodeHead(majorBytes, uint64(len(b)))
	return append(head, b...)
}

// EncodeText encodes a UTF-8 text string item.
func EncodeText(s string) []byte {
	head := encodeHead(majorText, uint64(len(s)))
	return append(head, []byte(s)...)
}

// EncodeBool encodes a boolean as a major-7 simple value.
func EncodeBool(b bool) []byte {
	if b {
		return []byte{majorSimple<<5 | simpleTrue}
	}
	return []byte{majorSimple<<5 | simpleFalse}
}

// EncodeArrayHeader returns the head bytes for an array of n items; the
// caller is responsible for appending the n encoded items that follow.
func EncodeArrayHeader(n int) []byte {
	return encodeHead(majorArray, uint64(n))
}

// EncodeMapHeader returns the head bytes for a map of n key/value pairs.
func EncodeMapHeader(n int) []byte {
	return encodeHead(majorMap, uint64(n))
}

// EncodeMap encodes a string-keyed map of arbitrary encodable values. Key
// order is preserved from the keys slice so callers get deterministic output.
func EncodeMap(keys []string, values []interface{}) ([]byte, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("wire: key/value length mismatch")
	}
	out := EncodeMapHeader(len(keys))
	for i, k := range keys {
		out = append(out, EncodeText(k)...)
		v, err := EncodeValue(values[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v...)
	}
	return out, nil
}

// EncodeValue encodes a generic Go value using the narrowest matching item type.
func EncodeValue(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte{majorSimple<<5 | simpleNull}, nil
	case bool:
		return EncodeBool(t), nil
	case int:
		return EncodeInt(int64(t)), nil
	case int32:
		return EncodeInt(int64(t)), nil
	case int64:
		return EncodeInt(t), nil
	case []byte:
		return EncodeBytes(t), nil
	case string:
		return EncodeText(t), nil
	case []interface{}:
		out := EncodeArrayHeader(len(t))
		for _, item := range t {
			enc, err := EncodeValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, enc...)
		}
		return out, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		vals := make([]interface{}, 0, len(t))
		for k, val := range t {
			keys = append(keys, k)
			vals = append(vals, val)
		}
		return EncodeMap(keys, vals)
	default:
		return nil, fmt.Errorf("wire: unsupported value type %T", v)
	}
}

// head describes a decoded item head.
type head struct {
	major byte
	value uint64
	size  int // total bytes consumed by the head itself
}

func decodeHead(buf []byte) (head, error) {
	if len(buf) < 1 {
		return head{}, ErrShortBuffer
	}
	b := buf[0]
	major := b >> 5
	info := b & 0x1F

	switch {
	case info < 24:
		return head{major: major, value: uint64(info), size: 1}, nil
	case info == 24:
		if len(buf) < 2 {
			return head{}, ErrShortBuffer
		}
		return head{major: major, value: uint64(buf[1]), size: 2}, nil
	case info == 25:
		if len(buf) < 3 {
			return head{}, ErrShortBuffer
		}
		return head{major: major, value: uint64(binary.BigEndian.Uint16(buf[1:3])), size: 3}, nil
	case info == 26:
		if len(buf) < 5 {
			return head{}, ErrShortBuffer
		}
		return head{major: major, value: uint64(binary.BigEndian.Uint32(buf[1:5])), size: 5}, nil
	case info == 27:
		if len(buf) < 9 {
			return head{}, ErrShortBuffer
		}
		return head{major: major, value: binary.BigEndian.Uint64(buf[1:9]), size: 9}, nil
	default:
		return head{}, fmt.Errorf("%w: invalid length indicator %d", ErrMalformed, info)
	}
}

// DecodeValue decodes a single item from the front of buf, returning the
// decoded Go value and the number of bytes consumed. Returns ErrShortBuffer
// if buf does not yet contain a complete item, or a wrapped ErrMalformed if
// buf can never be completed into a valid item.
func DecodeValue(buf []byte) (interface{}, int, error) {
	h, err := decodeHead(buf)
	if err != nil {
		return nil, 0, err
	}

	switch h.major {
	case majorUnsigned:
		return int64(h.value), h.size, nil
	case majorNegative:
		return -1 - int64(h.value), h.size, nil
	case majorBytes:
		total := h.size + int(h.value)
		if len(buf) < total {
			return nil, 0, ErrShortBuffer
		}
		out := make([]byte, h.value)
		copy(out, buf[h.size:total])
		return out, total, nil
	case majorText:
		total := h.size + int(h.value)
		if len(buf) < total {
			return nil, 0, ErrShortBuffer
		}
		return string(buf[h.size:total]), total, nil
	case majorArray:
		return decodeArray(buf, h)
	case majorMap:
		return decodeMap(buf, h)
	case majorSimple:
		switch h.value {
		case simpleFalse:
			return false, h.size, nil
		case simpleTrue:
			return true, h.size, nil
		case simpleNull:
			return nil, h.size, nil
		default:
			return nil, 0, fmt.Errorf("%w: unsupported simple value %d", ErrMalformed, h.value)
		}
	default:
		return nil, 0, fmt.Errorf("%w: unsupported major type %d", ErrMalformed, h.major)
	}
}

func decodeArray(buf []byte, h head) (interface{}, int, error) {
	consumed := h.size
	items := make([]interface{}, 0, h.value)
	for i := uint64(0); i < h.value; i++ {
		if consumed > len(buf) {
			return nil, 0, ErrShortBuffer
		}
		v, n, err := DecodeValue(buf[consumed:])
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
		consumed += n
	}
	return items, consumed, nil
}

func decodeMap(buf []byte, h head) (interface{}, int, error) {
	consumed := h.size
	out := make(map[string]interface{}, h.value)
	for i := uint64(0); i < h.value; i++ {
		if consumed > len(buf) {
			return nil, 0, ErrShortBuffer
		}
		kv, n, err := DecodeValue(buf[consumed:])
		if err != nil {
			return nil, 0, err
		}
		key, ok := kv.(string)
		if !ok {
			if b, ok2 := kv.([]byte); ok2 {
				key = string(b)
			} else {
				return nil, 0, fmt.Errorf("%w: map key must be a string or byte string", ErrMalformed)
			}
		}
		consumed += n

		if consumed > len(buf) {
			return nil, 0, ErrShortBuffer
		}
		val, n2, err := DecodeValue(buf[consumed:])
		if err != nil {
			return nil, 0, err
		}
		out[key] = val
		consumed += n2
	}
	return out, consumed, nil
}
