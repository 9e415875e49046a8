package rtmp

import (
	"encoding/binary"
)

// Message type ids.
const (
	TypeSetChunkSize     uint8 = 1
	TypeAbort            uint8 = 2
	TypeAck              uint8 = 3
	TypeUserControl      uint8 = 4
	TypeWindowAckSize    uint8 = 5
	TypeSetPeerBandwidth uint8 = 6
	TypeAudio            uint8 = 8
	TypeVideo            uint8 = 9
	TypeDataAMF3         uint8 = 15
	TypeSharedObjectAMF3 uint8 = 16
	TypeCommandAMF3      uint8 = 17
	TypeDataAMF0         uint8 = 18
	TypeSharedObjectAMF0 uint8 = 19
	TypeCommandAMF0      uint8 = 20
	TypeAggregate        uint8 = 22
)

// Chunk stream ids used for outbound traffic.
const (
	ChannelProtocol uint32 = 2
	ChannelInvoke   uint32 = 3
	ChannelAudio    uint32 = 4
	ChannelVideo    uint32 = 5
	ChannelData     uint32 = 6
)

// User control event types.
const (
	EventStreamBegin      uint16 = 0
	EventStreamEOF        uint16 = 1
	EventStreamDry        uint16 = 2
	EventSetBufferLength  uint16 = 3
	EventStreamIsRecorded uint16 = 4
	EventPingRequest      uint16 = 6
	EventPingResponse     uint16 = 7
	EventRequestVerify    uint16 = 0x1a
	EventRespondVerify    uint16 = 0x1b
	EventBufferEmpty      uint16 = 0x1f
	EventBufferReady      uint16 = 0x20
)

// Peer bandwidth limit types.
const (
	LimitHard    uint8 = 0
	LimitSoft    uint8 = 1
	LimitDynamic uint8 = 2
)

const (
	DefaultChunkSize uint32 = 128
	// MaxChunkSize matches the largest message length a header can carry.
	MaxChunkSize uint32 = 0xFFFFFF
)

type Header struct {
	ChunkStreamID uint32
	Timestamp     uint32
	Length        uint32
	TypeID        uint8
	StreamID      uint32
}

type Message struct {
	Header
	Payload []byte
}

// IsControl reports whether the message belongs to the protocol control range.
func (m *Message) IsControl() bool {
	return m.TypeID >= TypeSetChunkSize && m.TypeID <= TypeSetPeerBandwidth
}

func controlMessage(typeID uint8, payload []byte) *Message {
	return &Message{
		Header: Header{
			ChunkStreamID: ChannelProtocol,
			Length:        uint32(len(payload)),
			TypeID:        typeID,
		},
		Payload: payload,
	}
}

func uint32Payload(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func NewSetChunkSize(size uint32) *Message {
	return controlMessage(TypeSetChunkSize, uint32Payload(size&0x7FFFFFFF))
}

func NewAbort(csid uint32) *Message {
	return controlMessage(TypeAbort, uint32Payload(csid))
}

func NewAck(sequence uint32) *Message {
	return controlMessage(TypeAck, uint32Payload(sequence))
}

func NewWindowAckSize(size uint32) *Message {
	return controlMessage(TypeWindowAckSize, uint32Payload(size))
}

func NewSetPeerBandwidth(size uint32, limit uint8) *Message {
	b := make([]byte, 5)
	binary.BigEndian.PutUint32(b, size)
	b[4] = limit
	return controlMessage(TypeSetPeerBandwidth, b)
}

// NewUserControl builds a user control message with 4-byte arguments.
func NewUserControl(event uint16, args ...uint32) *Message {
	b := make([]byte, 2+4*len(args))
	binary.BigEndian.PutUint16(b, event)
	for i, a := range args {
		binary.BigEndian.PutUint32(b[2+4*i:], a)
	}
	return controlMessage(TypeUserControl, b)
}

func NewStreamBegin(streamID uint32) *Message {
	return NewUserControl(EventStreamBegin, streamID)
}

func NewStreamEOF(streamID uint32) *Message {
	return NewUserControl(EventStreamEOF, streamID)
}

func NewPingRequest(timestamp uint32) *Message {
	return NewUserControl(EventPingRequest, timestamp)
}

func NewPingResponse(timestamp uint32) *Message {
	return NewUserControl(EventPingResponse, timestamp)
}

// UserControl is a decoded user control event.
type UserControl struct {
	Event uint16
	Value uint32
}

func ParseUserControl(payload []byte) (UserControl, error) {
	if len(payload) < 2 {
		return UserControl{}, ErrShortPayload
	}
	uc := UserControl{Event: binary.BigEndian.Uint16(payload)}
	if len(payload) >= 6 {
		uc.Value = binary.BigEndian.Uint32(payload[2:])
	}
	return uc, nil
}

// ParseUint32 reads the 4-byte argument of set chunk size, abort, ack and window ack size.
func ParseUint32(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, ErrShortPayload
	}
	return binary.BigEndian.Uint32(payload), nil
}
