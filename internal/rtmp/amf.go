package rtmp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// AMF0 type markers.
const (
	amfNumber    = 0x00
	amfBoolean   = 0x01
	amfString    = 0x02
	amfObject    = 0x03
	amfNull      = 0x05
	amfUndefined = 0x06
	amfECMAArray = 0x08
	amfObjectEnd = 0x09
)

// amfObjectValue is an AMF0 object or ECMA array decoded into a Go map.
type amfObjectValue map[string]any

// encodeAMF appends the AMF0 encoding of each value. Supported Go types are
// float64, bool, string, amfObjectValue, and nil.
func encodeAMF(buf *bytes.Buffer, values ...any) error {
	for _, value := range values {
		switch v := value.(type) {
		case float64:
			buf.WriteByte(amfNumber)
			var scratch [8]byte
			binary.BigEndian.PutUint64(scratch[:], math.Float64bits(v))
			buf.Write(scratch[:])
		case int:
			if err := encodeAMF(buf, float64(v)); err != nil {
				return err
			}
		case uint32:
			if err := encodeAMF(buf, float64(v)); err != nil {
				return err
			}
		case bool:
			buf.WriteByte(amfBoolean)
			if v {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case string:
			if len(v) > math.MaxUint16 {
				return fmt.Errorf("amf string too long: %d", len(v))
			}
			buf.WriteByte(amfString)
			writeAMFKey(buf, v)
		case amfObjectValue:
			buf.WriteByte(amfObject)
			keys := make([]string, 0, len(v))
			for key := range v {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				writeAMFKey(buf, key)
				if err := encodeAMF(buf, v[key]); err != nil {
					return err
				}
			}
			writeAMFKey(buf, "")
			buf.WriteByte(amfObjectEnd)
		case nil:
			buf.WriteByte(amfNull)
		default:
			return fmt.Errorf("unsupported amf value type %T", value)
		}
	}
	return nil
}

func writeAMFKey(buf *bytes.Buffer, key string) {
	var scratch [2]byte
	binary.BigEndian.PutUint16(scratch[:], uint16(len(key)))
	buf.Write(scratch[:])
	buf.WriteString(key)
}

// decodeAMF reads every AMF0 value remaining in r.
func decodeAMF(r *bytes.Reader) ([]any, error) {
	var values []any
	for r.Len() > 0 {
		value, err := decodeAMFValue(r)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

func decodeAMFValue(r *bytes.Reader) (any, error) {
	marker, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case amfNumber:
		var scratch [8]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(scratch[:])), nil
	case amfBoolean:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case amfString:
		return readAMFKey(r)
	case amfNull, amfUndefined:
		return nil, nil
	case amfECMAArray:
		var scratch [4]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}
		return decodeAMFObject(r)
	case amfObject:
		return decodeAMFObject(r)
	default:
		return nil, fmt.Errorf("%w: unsupported amf marker %#x", ErrProtocol, marker)
	}
}

func decodeAMFObject(r *bytes.Reader) (amfObjectValue, error) {
	object := make(amfObjectValue)
	for {
		key, err := readAMFKey(r)
		if err != nil {
			return nil, err
		}
		if key == "" {
			marker, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			if marker != amfObjectEnd {
				return nil, fmt.Errorf("%w: missing amf object end", ErrProtocol)
			}
			return object, nil
		}
		value, err := decodeAMFValue(r)
		if err != nil {
			return nil, err
		}
		object[key] = value
	}
}

func readAMFKey(r *bytes.Reader) (string, error) {
	var scratch [2]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return "", err
	}
	length := int(binary.BigEndian.Uint16(scratch[:]))
	if length == 0 {
		return "", nil
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
