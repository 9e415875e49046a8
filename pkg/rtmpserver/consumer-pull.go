package rtmpserver

import (
	"sync"
	"sync/atomic"

	"github.com/JRascall/MediaServer/pkg/flv"
	"github.com/JRascall/MediaServer/pkg/rtmp"
	"github.com/JRascall/MediaServer/pkg/rtmpserver/medias"
)

// rtmpPlayer delivers a stream to an RTMP client. Registry callbacks only
// enqueue; sendToClient writes on its own goroutine.
type rtmpPlayer struct {
	sess     *MediaSession
	streamID uint32
	queue    *medias.Queue[*rtmp.Message]

	quit   chan struct{}
	quited atomic.Bool
	die    sync.Once
}

func newRtmpPlayer(sess *MediaSession, streamID uint32, limit int) *rtmpPlayer {
	return &rtmpPlayer{
		sess:     sess,
		streamID: streamID,
		queue:    medias.NewQueue[*rtmp.Message](limit),
		quit:     make(chan struct{}),
	}
}

func (c *rtmpPlayer) Id() string {
	return c.sess.id
}

func (c *rtmpPlayer) Kind() string {
	return "rtmp"
}

func (c *rtmpPlayer) Begin(hasAudio, hasVideo bool) {
	c.sess.setRole(RolePlaying)
	c.queue.Push(rtmp.NewStreamBegin(c.streamID))
	c.pushStatus(rtmp.StatusPlayReset, "Playing and resetting stream.")
	c.pushStatus(rtmp.StatusPlayStart, "Started playing stream.")
	if msg, err := rtmp.DataMessage(c.streamID, "|RtmpSampleAccess", false, false); err == nil {
		c.queue.Push(msg)
	}
}

func (c *rtmpPlayer) pushStatus(code, description string) {
	msg, err := rtmp.Status("status", code, description).Message(c.streamID)
	if err == nil {
		c.queue.Push(msg)
	}
}

func (c *rtmpPlayer) Play(frame *medias.Frame) bool {
	if c.quited.Load() {
		return false
	}
	return c.queue.Push(frameMessage(frame, c.streamID))
}

// Unpublished keeps the client connected and waiting for the next publisher.
func (c *rtmpPlayer) Unpublished() bool {
	c.queue.Push(rtmp.NewStreamEOF(c.streamID))
	c.pushStatus(rtmp.StatusPlayUnpublish, "stream is now unpublished.")
	c.sess.setRole(RoleIdle)
	return !c.quited.Load()
}

func (c *rtmpPlayer) IsClosed() bool {
	return c.quited.Load()
}

// Close drops the client entirely.
func (c *rtmpPlayer) Close() error {
	c.stop()
	return c.sess.Close()
}

// stop ends delivery but leaves the connection up.
func (c *rtmpPlayer) stop() {
	c.die.Do(func() {
		c.quited.Store(true)
		close(c.quit)
	})
}

func (c *rtmpPlayer) sendToClient() {
	for {
		select {
		case <-c.queue.Come():
			msgs := c.queue.Drain()
			if len(msgs) == 0 {
				continue
			}
			if err := c.sess.writeMessages(msgs...); err != nil {
				c.sess.log.WithError(err).Debug("player write failed")
				_ = c.Close()
				return
			}
		case <-c.quit:
			return
		case <-c.sess.quit:
			return
		}
	}
}

func frameMessage(f *medias.Frame, streamID uint32) *rtmp.Message {
	csid := rtmp.ChannelData
	switch f.Type {
	case flv.TagAudio:
		csid = rtmp.ChannelAudio
	case flv.TagVideo:
		csid = rtmp.ChannelVideo
	}
	return &rtmp.Message{
		Header: rtmp.Header{
			ChunkStreamID: csid,
			Timestamp:     f.Timestamp,
			Length:        uint32(len(f.Payload)),
			TypeID:        f.Type,
			StreamID:      streamID,
		},
		Payload: f.Payload,
	}
}

var _ medias.Player = (*rtmpPlayer)(nil)
