package amf

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

const (
	markerNumber      = 0x00
	markerBoolean     = 0x01
	markerString      = 0x02
	markerObject      = 0x03
	markerNull        = 0x05
	markerUndefined   = 0x06
	markerECMAArray   = 0x08
	markerObjectEnd   = 0x09
	markerStrictArray = 0x0a
	markerDate        = 0x0b
	markerLongString  = 0x0c
)

// Object is an AMF0 anonymous object. Keys are written in sorted order.
type Object map[string]interface{}

// ECMAArray is an associative array; it decodes like an object but keeps its marker.
type ECMAArray map[string]interface{}

// Undefined is the AMF0 undefined value.
type Undefined struct{}

var (
	ErrUnsupportedMarker = errors.New("amf0: unsupported marker")
	ErrUnsupportedType   = errors.New("amf0: unsupported type")
	ErrTooDeep           = errors.New("amf0: nesting too deep")
)

// Encoder writes AMF0 values to a buffer.
type Encoder struct {
	buf *bytes.Buffer
}

func NewEncoder() *Encoder {
	return &Encoder{buf: &bytes.Buffer{}}
}

func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Marshal encodes the values one after another.
func Marshal(values ...interface{}) ([]byte, error) {
	e := NewEncoder()
	for _, v := range values {
		if err := e.Encode(v); err != nil {
			return nil, err
		}
	}
	return e.Bytes(), nil
}

func (e *Encoder) Encode(v interface{}) error {
	switch val := v.(type) {
	case nil:
		e.buf.WriteByte(markerNull)
	case Undefined:
		e.buf.WriteByte(markerUndefined)
	case bool:
		e.buf.WriteByte(markerBoolean)
		if val {
			e.buf.WriteByte(1)
		} else {
			e.buf.WriteByte(0)
		}
	case string:
		e.writeString(val)
	case float64:
		e.writeNumber(val)
	case float32:
		e.writeNumber(float64(val))
	case int:
		e.writeNumber(float64(val))
	case int8:
		e.writeNumber(float64(val))
	case int16:
		e.writeNumber(float64(val))
	case int32:
		e.writeNumber(float64(val))
	case int64:
		e.writeNumber(float64(val))
	case uint:
		e.writeNumber(float64(val))
	case uint8:
		e.writeNumber(float64(val))
	case uint16:
		e.writeNumber(float64(val))
	case uint32:
		e.writeNumber(float64(val))
	case uint64:
		e.writeNumber(float64(val))
	case Object:
		e.buf.WriteByte(markerObject)
		return e.writeProperties(val)
	case map[string]interface{}:
		e.buf.WriteByte(markerObject)
		return e.writeProperties(val)
	case ECMAArray:
		e.buf.WriteByte(markerECMAArray)
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(len(val)))
		e.buf.Write(count[:])
		return e.writeProperties(val)
	case []interface{}:
		e.buf.WriteByte(markerStrictArray)
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(len(val)))
		e.buf.Write(count[:])
		for _, item := range val {
			if err := e.Encode(item); err != nil {
				return err
			}
		}
	case time.Time:
		e.buf.WriteByte(markerDate)
		var b [10]byte
		binary.BigEndian.PutUint64(b[:8], math.Float64bits(float64(val.UnixMilli())))
		e.buf.Write(b[:])
	default:
		return errors.Wrapf(ErrUnsupportedType, "%T", v)
	}
	return nil
}

func (e *Encoder) writeNumber(n float64) {
	var b [9]byte
	b[0] = markerNumber
	binary.BigEndian.PutUint64(b[1:], math.Float64bits(n))
	e.buf.Write(b[:])
}

func (e *Encoder) writeString(s string) {
	if len(s) > math.MaxUint16 {
		var b [5]byte
		b[0] = markerLongString
		binary.BigEndian.PutUint32(b[1:], uint32(len(s)))
		e.buf.Write(b[:])
		e.buf.WriteString(s)
		return
	}
	e.buf.WriteByte(markerString)
	e.writeKey(s)
}

func (e *Encoder) writeKey(s string) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	e.buf.Write(b[:])
	e.buf.WriteString(s)
}

func (e *Encoder) writeProperties(props map[string]interface{}) error {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.writeKey(k)
		if err := e.Encode(props[k]); err != nil {
			return errors.Wrapf(err, "property %q", k)
		}
	}
	e.buf.Write([]byte{0, 0, markerObjectEnd})
	return nil
}

// Decoder reads consecutive AMF0 values from a byte slice.
type Decoder struct {
	r     *bytes.Reader
	depth int
}

// MaxDepth bounds how deeply objects and arrays may nest.
const MaxDepth = 64

func NewDecoder(b []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(b)}
}

// More reports whether undecoded bytes remain.
func (d *Decoder) More() bool {
	return d.r.Len() > 0
}

// Unmarshal decodes every value in b.
func Unmarshal(b []byte) ([]interface{}, error) {
	d := NewDecoder(b)
	var values []interface{}
	for d.More() {
		v, err := d.Decode()
		if err != nil {
			return values, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (d *Decoder) Decode() (interface{}, error) {
	marker, err := d.r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "amf0: read marker")
	}
	return d.decodeValue(marker)
}

func (d *Decoder) decodeValue(marker byte) (interface{}, error) {
	switch marker {
	case markerObject, markerECMAArray, markerStrictArray:
		if d.depth >= MaxDepth {
			return nil, errors.Wrapf(ErrTooDeep, "limit %d", MaxDepth)
		}
		d.depth++
		defer func() { d.depth-- }()
	}
	switch marker {
	case markerNumber:
		return d.readNumber()
	case markerBoolean:
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "amf0: read boolean")
		}
		return b != 0, nil
	case markerString:
		return d.readKey()
	case markerLongString:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		return d.readN(int(n))
	case markerObject:
		props, err := d.readProperties()
		if err != nil {
			return nil, err
		}
		return Object(props), nil
	case markerNull:
		return nil, nil
	case markerUndefined:
		return Undefined{}, nil
	case markerECMAArray:
		// the count is advisory, the terminator decides
		if _, err := d.readUint32(); err != nil {
			return nil, err
		}
		props, err := d.readProperties()
		if err != nil {
			return nil, err
		}
		return ECMAArray(props), nil
	case markerStrictArray:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		if int64(n) > int64(d.r.Len()) {
			return nil, errors.Errorf("amf0: strict array length %d exceeds payload", n)
		}
		items := make([]interface{}, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := d.Decode()
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case markerDate:
		ms, err := d.readNumber()
		if err != nil {
			return nil, err
		}
		// timezone, always zero in practice
		if _, err := d.readN(2); err != nil {
			return nil, err
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedMarker, "0x%02x", marker)
	}
}

func (d *Decoder) readProperties() (map[string]interface{}, error) {
	props := make(map[string]interface{})
	for {
		key, err := d.readKey()
		if err != nil {
			return nil, err
		}
		if key == "" {
			marker, err := d.r.ReadByte()
			if err != nil {
				return nil, errors.Wrap(err, "amf0: read object end")
			}
			if marker == markerObjectEnd {
				return props, nil
			}
			v, err := d.decodeValue(marker)
			if err != nil {
				return nil, err
			}
			props[key] = v
			continue
		}
		v, err := d.Decode()
		if err != nil {
			return nil, errors.Wrapf(err, "property %q", key)
		}
		props[key] = v
	}
}

func (d *Decoder) readNumber() (float64, error) {
	var b [8]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, errors.Wrap(err, "amf0: read number")
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b[:])), nil
}

func (d *Decoder) readUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, errors.Wrap(err, "amf0: read u32")
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (d *Decoder) readKey() (string, error) {
	var b [2]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return "", errors.Wrap(err, "amf0: read string length")
	}
	return d.readN(int(binary.BigEndian.Uint16(b[:])))
}

func (d *Decoder) readN(n int) (string, error) {
	if n > d.r.Len() {
		return "", errors.Wrapf(io.ErrUnexpectedEOF, "amf0: string of %d bytes", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return "", errors.Wrap(err, "amf0: read string")
	}
	return string(b), nil
}
