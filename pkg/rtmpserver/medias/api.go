package medias

import (
	"github.com/JRascall/MediaServer/pkg/flv"
)

// Packet is one audio, video or data message as it arrived from a publisher.
type Packet struct {
	Type      uint8
	Timestamp uint32
	Payload   []byte
}

// Frame carries a packet in both transport representations: the raw packet
// for RTMP players and the pre-packaged FLV tag for HTTP and WebSocket players.
type Frame struct {
	Packet
	Tag []byte
}

func NewFrame(typeID uint8, timestamp uint32, payload []byte) *Frame {
	return &Frame{
		Packet: Packet{Type: typeID, Timestamp: timestamp, Payload: payload},
		Tag:    flv.Tag(typeID, timestamp, payload),
	}
}

// Size is the number of bytes the frame holds in memory.
func (f *Frame) Size() int {
	return len(f.Payload) + len(f.Tag)
}

func (f *Frame) IsAudio() bool {
	return f.Type == flv.TagAudio
}

func (f *Frame) IsVideo() bool {
	return f.Type == flv.TagVideo
}

// Sound formats and video codec ids as carried in the first payload byte.
const (
	SoundFormatAAC  = 10
	SoundFormatOpus = 13
	VideoCodecH264  = 7
	VideoCodecHEVC  = 12
)

// AudioCodec returns the sound format nibble, or -1 for an empty payload.
func AudioCodec(payload []byte) int {
	if len(payload) == 0 {
		return -1
	}
	return int(payload[0] >> 4)
}

// VideoCodec returns the codec id nibble, or -1 for an empty payload.
func VideoCodec(payload []byte) int {
	if len(payload) == 0 {
		return -1
	}
	return int(payload[0] & 0x0f)
}

// AudioNeedsSequenceHeader reports codecs that cannot be decoded without one.
func AudioNeedsSequenceHeader(codecID int) bool {
	return codecID == SoundFormatAAC || codecID == SoundFormatOpus
}

func VideoNeedsSequenceHeader(codecID int) bool {
	return codecID == VideoCodecH264 || codecID == VideoCodecHEVC
}

func IsAudioSequenceHeader(payload []byte) bool {
	return len(payload) > 1 && AudioNeedsSequenceHeader(AudioCodec(payload)) && payload[1] == 0
}

func IsVideoSequenceHeader(payload []byte) bool {
	return len(payload) > 1 && VideoNeedsSequenceHeader(VideoCodec(payload)) &&
		payload[0]>>4 == 1 && payload[1] == 0
}

func IsKeyFrame(payload []byte) bool {
	return len(payload) > 0 && payload[0]>>4 == 1
}

var audioCodecNames = [...]string{
	"", "ADPCM", "MP3", "LinearLE", "Nellymoser16", "Nellymoser8", "Nellymoser",
	"G711A", "G711U", "", "AAC", "Speex", "", "OPUS", "MP3-8K", "DeviceSpecific", "Uncompressed",
}

var videoCodecNames = [...]string{
	"", "Jpeg", "Sorenson-H263", "ScreenVideo", "On2-VP6", "On2-VP6-Alpha", "ScreenVideo2",
	"H264", "", "", "", "", "H265", "AV1",
}

func AudioCodecName(soundFormat int) string {
	if soundFormat < 0 || soundFormat >= len(audioCodecNames) {
		return ""
	}
	return audioCodecNames[soundFormat]
}

func VideoCodecName(codecID int) string {
	if codecID < 0 || codecID >= len(videoCodecNames) {
		return ""
	}
	return videoCodecNames[codecID]
}
