package rtmp

import (
	"bufio"
	"encoding/binary"
	"io"
	"slices"

	"github.com/pkg/errors"
)

const extendedTimestamp = 0xFFFFFF

// DefaultMaxMessageLength is the largest message a reader accepts unless
// SetMaxMessageLength says otherwise.
const DefaultMaxMessageLength = 8 << 20

// message header size per chunk format
var headerSizes = [4]int{11, 7, 3, 0}

type readChannel struct {
	header Header
	// hasHeader is set once a type 0/1/2 chunk has been seen
	hasHeader bool
	// field is the last timestamp field: absolute after type 0, delta after 1 and 2
	field      uint32
	extended   bool
	payload    []byte
	assembling bool
}

// ChunkReader reassembles messages from a chunk stream.
// SetChunkSize and Abort control messages are applied as they are read.
type ChunkReader struct {
	r            *bufio.Reader
	chunkSize    uint32
	maxChunkSize uint32
	maxLength    uint32
	// pending is the number of payload bytes held by partial messages
	pending   uint64
	channels  map[uint32]*readChannel
	bytesRead uint64
	buf       [11]byte
}

func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{
		r:            bufio.NewReaderSize(r, 64*1024),
		chunkSize:    DefaultChunkSize,
		maxChunkSize: MaxChunkSize,
		maxLength:    DefaultMaxMessageLength,
		channels:     make(map[uint32]*readChannel),
	}
}

// SetMaxChunkSize bounds what a peer may negotiate.
func (cr *ChunkReader) SetMaxChunkSize(max uint32) {
	if max == 0 || max > MaxChunkSize {
		max = MaxChunkSize
	}
	cr.maxChunkSize = max
}

// SetMaxMessageLength bounds the declared length of a single message. The
// payload bytes held by all partial messages together never exceed twice
// that value.
func (cr *ChunkReader) SetMaxMessageLength(max uint32) {
	if max == 0 || max > MaxChunkSize {
		max = MaxChunkSize
	}
	cr.maxLength = max
}

func (cr *ChunkReader) SetChunkSize(size uint32) error {
	if size == 0 || size > cr.maxChunkSize {
		return errors.Wrapf(ErrInvalidChunkSize, "%d", size)
	}
	cr.chunkSize = size
	return nil
}

func (cr *ChunkReader) ChunkSize() uint32 {
	return cr.chunkSize
}

// Abort drops the partially received message on csid.
func (cr *ChunkReader) Abort(csid uint32) {
	if ch, ok := cr.channels[csid]; ok {
		cr.release(ch)
	}
}

func (cr *ChunkReader) release(ch *readChannel) {
	cr.pending -= uint64(len(ch.payload))
	ch.payload = nil
	ch.assembling = false
}

// BytesRead returns the number of bytes consumed from the transport.
func (cr *ChunkReader) BytesRead() uint64 {
	return cr.bytesRead
}

func (cr *ChunkReader) readFull(b []byte) error {
	n, err := io.ReadFull(cr.r, b)
	cr.bytesRead += uint64(n)
	return err
}

func (cr *ChunkReader) readBasicHeader() (uint8, uint32, error) {
	if err := cr.readFull(cr.buf[:1]); err != nil {
		return 0, 0, err
	}
	format := cr.buf[0] >> 6
	csid := uint32(cr.buf[0] & 0x3f)
	switch csid {
	case 0:
		if err := cr.readFull(cr.buf[:1]); err != nil {
			return 0, 0, err
		}
		csid = 64 + uint32(cr.buf[0])
	case 1:
		if err := cr.readFull(cr.buf[:2]); err != nil {
			return 0, 0, err
		}
		csid = 64 + uint32(cr.buf[0]) + uint32(cr.buf[1])*256
	}
	return format, csid, nil
}

// ReadMessage blocks until one complete message has been assembled.
func (cr *ChunkReader) ReadMessage() (*Message, error) {
	for {
		msg, err := cr.readChunk()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		if err := cr.applyControl(msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (cr *ChunkReader) readChunk() (*Message, error) {
	format, csid, err := cr.readBasicHeader()
	if err != nil {
		return nil, err
	}
	ch, ok := cr.channels[csid]
	if !ok {
		ch = &readChannel{}
		cr.channels[csid] = ch
	}
	if format != 0 && !ch.hasHeader {
		return nil, errors.Wrapf(ErrNoPriorHeader, "csid %d format %d", csid, format)
	}
	if format != 3 && ch.assembling {
		return nil, errors.Wrapf(ErrInterleavedHeader, "csid %d", csid)
	}

	hdr := cr.buf[:headerSizes[format]]
	if err := cr.readFull(hdr); err != nil {
		return nil, err
	}

	if format < 3 {
		field := uint32(hdr[0])<<16 | uint32(hdr[1])<<8 | uint32(hdr[2])
		if format <= 1 {
			ch.header.Length = uint32(hdr[3])<<16 | uint32(hdr[4])<<8 | uint32(hdr[5])
			ch.header.TypeID = hdr[6]
		}
		if format == 0 {
			ch.header.StreamID = binary.LittleEndian.Uint32(hdr[7:11])
		}
		ch.extended = field == extendedTimestamp
		if ch.extended {
			if err := cr.readFull(cr.buf[:4]); err != nil {
				return nil, err
			}
			field = binary.BigEndian.Uint32(cr.buf[:4])
		}
		if format == 0 {
			ch.header.Timestamp = field
		} else {
			ch.header.Timestamp += field
		}
		ch.field = field
		ch.hasHeader = true
	} else {
		if ch.extended {
			if err := cr.readFull(cr.buf[:4]); err != nil {
				return nil, err
			}
			if !ch.assembling {
				ch.field = binary.BigEndian.Uint32(cr.buf[:4])
			}
		}
		if !ch.assembling {
			// a type 3 chunk starting a new message repeats the last delta
			ch.header.Timestamp += ch.field
		}
	}

	if !ch.assembling {
		if ch.header.Length > cr.maxLength {
			return nil, errors.Wrapf(ErrMessageTooLarge, "%d", ch.header.Length)
		}
		// grown as chunks arrive, a declared length alone allocates nothing
		ch.payload = make([]byte, 0, min(ch.header.Length, cr.chunkSize))
		ch.assembling = true
	}

	n := ch.header.Length - uint32(len(ch.payload))
	if n > cr.chunkSize {
		n = cr.chunkSize
	}
	if cr.pending+uint64(n) > 2*uint64(cr.maxLength) {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes in partial messages", cr.pending+uint64(n))
	}
	start := len(ch.payload)
	ch.payload = slices.Grow(ch.payload, int(n))[:start+int(n)]
	cr.pending += uint64(n)
	if err := cr.readFull(ch.payload[start:]); err != nil {
		return nil, err
	}
	if uint32(len(ch.payload)) < ch.header.Length {
		return nil, nil
	}

	header := ch.header
	header.ChunkStreamID = csid
	msg := &Message{Header: header, Payload: ch.payload}
	cr.release(ch)
	return msg, nil
}

func (cr *ChunkReader) applyControl(msg *Message) error {
	switch msg.TypeID {
	case TypeSetChunkSize:
		size, err := ParseUint32(msg.Payload)
		if err != nil {
			return err
		}
		return cr.SetChunkSize(size & 0x7FFFFFFF)
	case TypeAbort:
		csid, err := ParseUint32(msg.Payload)
		if err != nil {
			return err
		}
		cr.Abort(csid)
	}
	return nil
}

type writeChannel struct {
	header    Header
	hasHeader bool
}

// ChunkWriter splits messages into chunks. It is not safe for concurrent use.
type ChunkWriter struct {
	w         *bufio.Writer
	chunkSize uint32
	channels  map[uint32]*writeChannel
	buf       []byte
}

func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{
		w:         bufio.NewWriterSize(w, 64*1024),
		chunkSize: DefaultChunkSize,
		channels:  make(map[uint32]*writeChannel),
		buf:       make([]byte, 0, 18),
	}
}

func (cw *ChunkWriter) SetChunkSize(size uint32) error {
	if size == 0 || size > MaxChunkSize {
		return errors.Wrapf(ErrInvalidChunkSize, "%d", size)
	}
	cw.chunkSize = size
	return nil
}

func (cw *ChunkWriter) ChunkSize() uint32 {
	return cw.chunkSize
}

// WriteMessage chunks msg onto msg.ChunkStreamID without flushing.
// The header format is the smallest one the reader can resolve from the
// channel's previous header.
func (cw *ChunkWriter) WriteMessage(msg *Message) error {
	csid := msg.ChunkStreamID
	if csid < 2 || csid > 65599 {
		return errors.Errorf("rtmp: invalid chunk stream id %d", csid)
	}
	length := uint32(len(msg.Payload))
	if length > MaxChunkSize {
		return errors.Wrapf(ErrMessageTooLarge, "%d", length)
	}
	ch, ok := cw.channels[csid]
	if !ok {
		ch = &writeChannel{}
		cw.channels[csid] = ch
	}

	var format uint8
	var field uint32
	prev := ch.header
	switch {
	case !ch.hasHeader || prev.StreamID != msg.StreamID || msg.Timestamp < prev.Timestamp:
		format = 0
		field = msg.Timestamp
	case prev.Length != length || prev.TypeID != msg.TypeID:
		format = 1
		field = msg.Timestamp - prev.Timestamp
	default:
		format = 2
		field = msg.Timestamp - prev.Timestamp
	}
	extended := field >= extendedTimestamp

	ch.header = Header{
		ChunkStreamID: csid,
		Timestamp:     msg.Timestamp,
		Length:        length,
		TypeID:        msg.TypeID,
		StreamID:      msg.StreamID,
	}
	ch.hasHeader = true

	if err := cw.writeHeader(format, csid, field, extended, length, msg.TypeID, msg.StreamID); err != nil {
		return err
	}
	for off := uint32(0); ; {
		n := length - off
		if n > cw.chunkSize {
			n = cw.chunkSize
		}
		if _, err := cw.w.Write(msg.Payload[off : off+n]); err != nil {
			return err
		}
		off += n
		if off >= length {
			return nil
		}
		if err := cw.writeHeader(3, csid, field, extended, 0, 0, 0); err != nil {
			return err
		}
	}
}

func (cw *ChunkWriter) writeHeader(format uint8, csid, field uint32, extended bool, length uint32, typeID uint8, streamID uint32) error {
	b := cw.buf[:0]
	switch {
	case csid < 64:
		b = append(b, format<<6|byte(csid))
	case csid < 320:
		b = append(b, format<<6, byte(csid-64))
	default:
		id := csid - 64
		b = append(b, format<<6|1, byte(id), byte(id>>8))
	}
	ts := field
	if extended {
		ts = extendedTimestamp
	}
	if format < 3 {
		b = append(b, byte(ts>>16), byte(ts>>8), byte(ts))
	}
	if format < 2 {
		b = append(b, byte(length>>16), byte(length>>8), byte(length), typeID)
	}
	if format == 0 {
		b = binary.LittleEndian.AppendUint32(b, streamID)
	}
	if extended {
		b = binary.BigEndian.AppendUint32(b, field)
	}
	cw.buf = b
	_, err := cw.w.Write(b)
	return err
}

// Flush writes buffered chunks to the transport.
func (cw *ChunkWriter) Flush() error {
	return cw.w.Flush()
}
