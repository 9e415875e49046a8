package flv

import "encoding/binary"

const (
	TagAudio  uint8 = 8
	TagVideo  uint8 = 9
	TagScript uint8 = 18

	HeaderSize    = 9
	TagHeaderSize = 11
)

const (
	flagVideo = 0x01
	flagAudio = 0x04
)

// Header returns the 9-byte file header.
func Header(hasAudio, hasVideo bool) []byte {
	var flags byte
	if hasAudio {
		flags |= flagAudio
	}
	if hasVideo {
		flags |= flagVideo
	}
	return []byte{'F', 'L', 'V', 1, flags, 0, 0, 0, HeaderSize}
}

// StreamHeader is Header followed by the zero PreviousTagSize0 that starts
// every stream.
func StreamHeader(hasAudio, hasVideo bool) []byte {
	return append(Header(hasAudio, hasVideo), 0, 0, 0, 0)
}

// Tag packs one payload into a tag followed by its PreviousTagSize.
func Tag(tagType uint8, timestamp uint32, payload []byte) []byte {
	size := len(payload)
	b := make([]byte, TagHeaderSize+size+4)
	b[0] = tagType
	b[1] = byte(size >> 16)
	b[2] = byte(size >> 8)
	b[3] = byte(size)
	b[4] = byte(timestamp >> 16)
	b[5] = byte(timestamp >> 8)
	b[6] = byte(timestamp)
	b[7] = byte(timestamp >> 24)
	// b[8:11] stream id, always zero
	copy(b[TagHeaderSize:], payload)
	binary.BigEndian.PutUint32(b[TagHeaderSize+size:], uint32(TagHeaderSize+size))
	return b
}
