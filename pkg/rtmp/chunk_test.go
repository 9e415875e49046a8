package rtmp

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestChunkRoundTrip(t *testing.T) {
	lengths := []int{0, 1, 127, 128, 129, 300, 4096, 70000}
	sizes := []uint32{1, 128, 129, 4096, 60000}
	channels := []uint32{2, 3, 63, 64, 319, 320, 65599}

	for _, size := range sizes {
		for _, csid := range channels {
			var buf bytes.Buffer
			w := NewChunkWriter(&buf)
			require.NoError(t, w.SetChunkSize(size))
			var sent []*Message
			for i, l := range lengths {
				msg := &Message{
					Header: Header{
						ChunkStreamID: csid,
						Timestamp:     uint32(i * 40),
						TypeID:        TypeVideo,
						StreamID:      1,
					},
					Payload: payload(l),
				}
				require.NoError(t, w.WriteMessage(msg))
				sent = append(sent, msg)
			}
			require.NoError(t, w.Flush())

			r := NewChunkReader(&buf)
			require.NoError(t, r.SetChunkSize(size))
			for _, want := range sent {
				got, err := r.ReadMessage()
				require.NoError(t, err, "size %d csid %d", size, csid)
				assert.Equal(t, csid, got.ChunkStreamID)
				assert.Equal(t, want.Timestamp, got.Timestamp)
				assert.Equal(t, want.TypeID, got.TypeID)
				assert.Equal(t, want.StreamID, got.StreamID)
				assert.Equal(t, uint32(len(want.Payload)), got.Length)
				assert.True(t, bytes.Equal(want.Payload, got.Payload))
			}
		}
	}
}

func TestRechunkAtDifferentSize(t *testing.T) {
	msg := &Message{
		Header:  Header{ChunkStreamID: ChannelVideo, Timestamp: 1000, TypeID: TypeVideo, StreamID: 1},
		Payload: payload(10000),
	}
	var first bytes.Buffer
	w := NewChunkWriter(&first)
	require.NoError(t, w.SetChunkSize(128))
	require.NoError(t, w.WriteMessage(msg))
	require.NoError(t, w.Flush())

	r := NewChunkReader(&first)
	decoded, err := r.ReadMessage()
	require.NoError(t, err)

	var second bytes.Buffer
	w2 := NewChunkWriter(&second)
	require.NoError(t, w2.SetChunkSize(4000))
	require.NoError(t, w2.WriteMessage(decoded))
	require.NoError(t, w2.Flush())

	r2 := NewChunkReader(&second)
	require.NoError(t, r2.SetChunkSize(4000))
	again, err := r2.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, again.Payload)
	assert.Equal(t, msg.Timestamp, again.Timestamp)
}

func TestHeaderFormatSelection(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	write := func(ts uint32, typeID uint8, n int) byte {
		buf.Reset()
		require.NoError(t, w.WriteMessage(&Message{
			Header:  Header{ChunkStreamID: ChannelAudio, Timestamp: ts, TypeID: typeID, StreamID: 1},
			Payload: payload(n),
		}))
		require.NoError(t, w.Flush())
		return buf.Bytes()[0] >> 6
	}

	assert.Equal(t, byte(0), write(0, TypeAudio, 10), "first message")
	assert.Equal(t, byte(2), write(23, TypeAudio, 10), "only delta changed")
	assert.Equal(t, byte(1), write(46, TypeAudio, 11), "length changed")
	assert.Equal(t, byte(1), write(69, TypeVideo, 11), "type changed")
	assert.Equal(t, byte(0), write(10, TypeVideo, 11), "timestamp went back")
}

func TestContinuationChunksUseFormat3(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	require.NoError(t, w.WriteMessage(&Message{
		Header:  Header{ChunkStreamID: ChannelVideo, TypeID: TypeVideo, StreamID: 1},
		Payload: payload(300),
	}))
	require.NoError(t, w.Flush())

	b := buf.Bytes()
	// 1 + 11 + 128, then 1 + 128, then 1 + 44
	require.Len(t, b, 12+128+1+128+1+44)
	assert.Equal(t, byte(0xC0|ChannelVideo), b[12+128])
	assert.Equal(t, byte(0xC0|ChannelVideo), b[12+128+1+128])
}

func TestBasicHeaderForms(t *testing.T) {
	cases := []struct {
		csid uint32
		want []byte
	}{
		{3, []byte{0x03}},
		{63, []byte{0x3f}},
		{64, []byte{0x00, 0x00}},
		{319, []byte{0x00, 0xff}},
		{320, []byte{0x01, 0x00, 0x01}},
		{65599, []byte{0x01, 0xff, 0xff}},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		w := NewChunkWriter(&buf)
		require.NoError(t, w.WriteMessage(&Message{Header: Header{ChunkStreamID: tc.csid, TypeID: TypeAudio}}))
		require.NoError(t, w.Flush())
		assert.Equal(t, tc.want, buf.Bytes()[:len(tc.want)], "csid %d", tc.csid)
	}
}

func TestFormat3WithoutPriorHeader(t *testing.T) {
	r := NewChunkReader(bytes.NewReader([]byte{0xC3, 0x00, 0x01}))
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, ErrNoPriorHeader)

	r = NewChunkReader(bytes.NewReader([]byte{0x83, 0x00, 0x00, 0x01}))
	_, err = r.ReadMessage()
	assert.ErrorIs(t, err, ErrNoPriorHeader)
}

func TestInterleavedHeaderIsRejected(t *testing.T) {
	in := []byte{
		// type 0, csid 3, ts 0, length 200, type 20, stream 0
		0x03, 0, 0, 0, 0, 0, 200, 20, 0, 0, 0, 0,
	}
	in = append(in, payload(128)...)
	// a new type 0 header on the same channel before the remaining 72 bytes
	in = append(in, 0x03, 0, 0, 0, 0, 0, 10, 20, 0, 0, 0, 0)
	in = append(in, payload(10)...)

	r := NewChunkReader(bytes.NewReader(in))
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, ErrInterleavedHeader)
}

func TestExtendedTimestamp(t *testing.T) {
	for _, ts := range []uint32{0xFFFFFE, 0xFFFFFF, 0x1000000, 0xFFFFFFF0} {
		var buf bytes.Buffer
		w := NewChunkWriter(&buf)
		msg := &Message{
			Header:  Header{ChunkStreamID: ChannelVideo, Timestamp: ts, TypeID: TypeVideo, StreamID: 1},
			Payload: payload(300),
		}
		require.NoError(t, w.WriteMessage(msg))
		require.NoError(t, w.Flush())

		b := buf.Bytes()
		field := uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		if ts >= 0xFFFFFF {
			assert.Equal(t, uint32(0xFFFFFF), field)
			// 1 + 11 + 4 + 128, then continuation basic header + extended field
			assert.Equal(t, 1+11+4+128+1+4+128+1+4+44, len(b))
		} else {
			assert.Equal(t, ts, field)
			assert.Equal(t, 1+11+128+1+128+1+44, len(b))
		}

		r := NewChunkReader(&buf)
		got, err := r.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, ts, got.Timestamp)
		assert.Equal(t, msg.Payload, got.Payload)
	}
}

func TestExtendedDelta(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	for _, ts := range []uint32{10, 10 + 0xFFFFFF, 20 + 0xFFFFFF} {
		require.NoError(t, w.WriteMessage(&Message{
			Header:  Header{ChunkStreamID: ChannelAudio, Timestamp: ts, TypeID: TypeAudio, StreamID: 1},
			Payload: payload(4),
		}))
	}
	require.NoError(t, w.Flush())

	r := NewChunkReader(&buf)
	for _, ts := range []uint32{10, 10 + 0xFFFFFF, 20 + 0xFFFFFF} {
		got, err := r.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, ts, got.Timestamp)
	}
}

func TestFormat3StartsNewMessage(t *testing.T) {
	in := []byte{
		0x04, 0, 0, 100, 0, 0, 2, 8, 1, 0, 0, 0, 0xaa, 0xbb,
		0x84, 0, 0, 20, 0xcc, 0xdd,
		0xC4, 0xee, 0xff,
	}
	r := NewChunkReader(bytes.NewReader(in))
	var got []uint32
	for i := 0; i < 3; i++ {
		msg, err := r.ReadMessage()
		require.NoError(t, err)
		got = append(got, msg.Timestamp)
	}
	assert.Equal(t, []uint32{100, 120, 140}, got)
}

func TestSetChunkSizeAppliedByReader(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	require.NoError(t, w.WriteMessage(NewSetChunkSize(4096)))
	require.NoError(t, w.SetChunkSize(4096))
	require.NoError(t, w.WriteMessage(&Message{
		Header:  Header{ChunkStreamID: ChannelVideo, TypeID: TypeVideo, StreamID: 1},
		Payload: payload(3000),
	}))
	require.NoError(t, w.Flush())

	r := NewChunkReader(&buf)
	ctrl, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeSetChunkSize, ctrl.TypeID)
	assert.Equal(t, uint32(4096), r.ChunkSize())

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Len(t, msg.Payload, 3000)
	assert.Equal(t, uint64(1+11+4+1+11+3000), r.BytesRead())
}

func TestSetChunkSizeBounds(t *testing.T) {
	r := NewChunkReader(bytes.NewReader(nil))
	r.SetMaxChunkSize(65536)
	assert.ErrorIs(t, r.SetChunkSize(0), ErrInvalidChunkSize)
	assert.ErrorIs(t, r.SetChunkSize(65537), ErrInvalidChunkSize)
	assert.NoError(t, r.SetChunkSize(65536))
}

func TestAbortDropsPartialMessage(t *testing.T) {
	in := []byte{0x04, 0, 0, 0, 0, 0, 200, 8, 1, 0, 0, 0}
	in = append(in, payload(128)...)
	abort := NewAbort(4)
	in = append(in, 0x02, 0, 0, 0, 0, 0, 4, TypeAbort, 0, 0, 0, 0)
	in = append(in, abort.Payload...)
	in = append(in, 0x04, 0, 0, 5, 0, 0, 3, 8, 1, 0, 0, 0, 1, 2, 3)

	r := NewChunkReader(bytes.NewReader(in))
	ctrl, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeAbort, ctrl.TypeID)

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, msg.Payload)
	assert.Equal(t, uint32(5), msg.Timestamp)
}

func TestDeclaredLengthOverLimit(t *testing.T) {
	r := NewChunkReader(bytes.NewReader([]byte{0x03, 0, 0, 0, 0xFF, 0xFF, 0xFF, TypeVideo, 1, 0, 0, 0}))
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	// 1001 bytes against a 1000 byte limit
	r = NewChunkReader(bytes.NewReader([]byte{0x03, 0, 0, 0, 0, 0x03, 0xE9, TypeVideo, 1, 0, 0, 0}))
	r.SetMaxMessageLength(1000)
	_, err = r.ReadMessage()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

// partialMessages opens n channels, each declaring a 2000 byte message and
// delivering only its first 128 byte chunk.
func partialMessages(n int) []byte {
	var in []byte
	for csid := 3; csid < 3+n; csid++ {
		in = append(in, byte(csid), 0, 0, 0, 0, 0x07, 0xD0, TypeVideo, 1, 0, 0, 0)
		in = append(in, payload(128)...)
	}
	return in
}

func TestPartialMessagesGrowWithData(t *testing.T) {
	r := NewChunkReader(bytes.NewReader(partialMessages(32)))
	r.SetMaxMessageLength(2048)
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)

	require.Len(t, r.channels, 32)
	for csid, ch := range r.channels {
		assert.Len(t, ch.payload, 128, "csid %d", csid)
		assert.LessOrEqual(t, cap(ch.payload), 128, "csid %d", csid)
	}
	assert.Equal(t, uint64(32*128), r.pending)

	r.Abort(3)
	assert.Equal(t, uint64(31*128), r.pending)
}

func TestPartialMessagesBytesCapped(t *testing.T) {
	r := NewChunkReader(bytes.NewReader(partialMessages(33)))
	r.SetMaxMessageLength(2048)
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestLargeMessageUnderLimit(t *testing.T) {
	msg := &Message{
		Header:  Header{ChunkStreamID: ChannelVideo, TypeID: TypeVideo, StreamID: 1},
		Payload: payload(1 << 20),
	}
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	require.NoError(t, w.WriteMessage(msg))
	require.NoError(t, w.Flush())

	r := NewChunkReader(&buf)
	r.SetMaxMessageLength(1 << 20)
	got, err := r.ReadMessage()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(msg.Payload, got.Payload))
	assert.Zero(t, r.pending)
}
