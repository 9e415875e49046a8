package medias

import (
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yapingcat/gomedia/go-codec"
	gflv "github.com/yapingcat/gomedia/go-flv"
	"github.com/yapingcat/gomedia/go-rtmp"

	"github.com/JRascall/MediaServer/pkg/flv"
	"github.com/JRascall/MediaServer/pkg/utils"
)

const pushQueueLimit = 4096

// PushConsumer relays a local stream to an upstream RTMP server. It is
// attached to a publisher like any other player and reconnects until closed.
type PushConsumer struct {
	id  string
	url *url.URL

	conn    net.Conn
	connMtx sync.Mutex

	isReady   atomic.Bool
	skipToKey atomic.Bool

	quit   chan struct{}
	quited atomic.Bool
	die    sync.Once

	frames *Queue[*Frame]

	seqMtx   sync.Mutex
	audioSeq *Frame
	videoSeq *Frame

	sourceName string
	log        logrus.FieldLogger
}

func NewPushConsumer(target *url.URL, sourceName string, log logrus.FieldLogger) *PushConsumer {
	consumer := &PushConsumer{
		id:         utils.GenId(),
		url:        target,
		quit:       make(chan struct{}),
		frames:     NewQueue[*Frame](pushQueueLimit),
		sourceName: sourceName,
	}
	consumer.log = log.WithFields(logrus.Fields{
		"component": "relay",
		"target":    target.String(),
		"source":    sourceName,
	})

	go func() {
		for {
			if consumer.connect() {
				break
			}
		}
		consumer.log.Info("push client exited")
	}()

	return consumer
}

func (cn *PushConsumer) connect() bool {
	defer func() {
		if r := recover(); r != nil {
			cn.log.Errorf("push client connection panic: %v", r)
		}
	}()
	err := cn.connection()
	if cn.quited.Load() {
		return true
	}
	cn.log.WithError(err).Warn("push client failed, reconnecting")
	select {
	case <-time.After(2 * time.Second):
	case <-cn.quit:
		return true
	}
	return false
}

func (cn *PushConsumer) dial() (net.Conn, error) {
	host := cn.url.Host
	if cn.url.Port() == "" {
		if strings.HasPrefix(cn.url.Scheme, "rtmps") {
			host += ":443"
		} else {
			host += ":1935"
		}
	}
	if strings.HasPrefix(cn.url.Scheme, "rtmps") {
		conf := &tls.Config{
			InsecureSkipVerify: true,
		}
		return tls.Dial("tcp", host, conf)
	}
	return net.DialTimeout("tcp4", host, 10*time.Second)
}

func (cn *PushConsumer) connection() error {
	c, err := cn.dial()
	if err != nil {
		return err
	}
	cn.connMtx.Lock()
	if cn.quited.Load() {
		cn.connMtx.Unlock()
		_ = c.Close()
		return nil
	}
	cn.conn = c
	cn.connMtx.Unlock()
	defer c.Close()

	client := rtmp.NewRtmpClient(rtmp.WithComplexHandshake(), rtmp.WithEnablePublish())

	ready := make(chan struct{})
	var readyOnce sync.Once
	done := make(chan struct{})
	defer close(done)

	client.OnStateChange(func(newState rtmp.RtmpState) {
		if newState == rtmp.STATE_RTMP_PUBLISH_START {
			cn.log.Info("ready to publish")
			cn.isReady.Store(true)
			readyOnce.Do(func() { close(ready) })
		}
	})
	client.OnError(func(code, describe string) {
		cn.log.WithField("code", code).Warnf("client error: %s", describe)
	})
	client.SetOutput(func(data []byte) error {
		_, err := c.Write(data)
		return err
	})

	go func() {
		select {
		case <-ready:
			cn.sendToServer(client, done)
		case <-done:
		case <-cn.quit:
		}
	}()

	return cn.socketRead(client, c)
}

func (cn *PushConsumer) socketRead(client *rtmp.RtmpClient, c net.Conn) (err error) {
	client.Start(cn.url.String())
	buf := make([]byte, 65536)
	n := 0
	for {
		n, err = c.Read(buf)
		if err != nil && errors.Is(err, net.ErrClosed) {
			break
		} else if err != nil {
			cn.log.WithError(err).Warn("read error")
			break
		}
		err = client.Input(buf[:n])
		if err != nil {
			cn.log.WithError(err).Warn("handle error")
			break
		}
	}
	cn.isReady.Store(false)
	return err
}

func isIDR(cid codec.CodecID, frame []byte) bool {
	switch cid {
	case codec.CODECID_VIDEO_H264:
		return codec.IsH264IDRFrame(frame)
	case codec.CODECID_VIDEO_H265:
		return codec.IsH265IDRFrame(frame)
	}
	return false
}

func (cn *PushConsumer) sendFrame(client *rtmp.RtmpClient, cid codec.CodecID, frame []byte, pts, dts uint32) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cn.log.Errorf("write frame panic: %v", r)
			err = errors.New("write frame panic")
		}
	}()
	return client.WriteFrame(cid, frame, pts, dts)
}

// sendToServer demuxes queued FLV tags back into elementary frames and
// publishes them upstream, starting at the first IDR frame.
func (cn *PushConsumer) sendToServer(client *rtmp.RtmpClient, done <-chan struct{}) {
	reader := gflv.CreateFlvReader()
	firstVideo := true
	var writeErr error
	reader.OnFrame = func(cid codec.CodecID, frame []byte, pts uint32, dts uint32) {
		if writeErr != nil {
			return
		}
		if firstVideo { //wait for I frame
			if !isIDR(cid, frame) {
				return
			}
			firstVideo = false
		}
		writeErr = cn.sendFrame(client, cid, frame, pts, dts)
	}
	input := func(tag []byte) bool {
		if err := reader.Input(tag); err != nil {
			cn.log.WithError(err).Warn("demux error")
			return false
		}
		if writeErr != nil {
			cn.log.WithError(writeErr).Warn("write socket error")
			return false
		}
		return true
	}

	if !input(flv.StreamHeader(true, true)) {
		return
	}
	for _, f := range cn.sequenceHeaders() {
		if !input(f.Tag) {
			return
		}
	}
	// the backlog is stale by now, start again from the next keyframe
	cn.frames.Drain()

	for {
		select {
		case <-cn.frames.Come():
			for _, f := range cn.frames.Drain() {
				if f.Type == flv.TagScript {
					continue
				}
				if !input(f.Tag) {
					return
				}
			}
		case <-done:
			return
		case <-cn.quit:
			return
		}
	}
}

func (cn *PushConsumer) sequenceHeaders() []*Frame {
	cn.seqMtx.Lock()
	defer cn.seqMtx.Unlock()
	var out []*Frame
	if cn.audioSeq != nil {
		out = append(out, cn.audioSeq)
	}
	if cn.videoSeq != nil {
		out = append(out, cn.videoSeq)
	}
	return out
}

func (cn *PushConsumer) Id() string {
	return cn.id
}

func (cn *PushConsumer) Kind() string {
	return "relay"
}

func (cn *PushConsumer) Target() string {
	return cn.url.String()
}

func (cn *PushConsumer) Begin(hasAudio, hasVideo bool) {
	cn.log.WithFields(logrus.Fields{"audio": hasAudio, "video": hasVideo}).Debug("attached")
}

// Play never reports overflow: a relay that falls behind drops its backlog
// and resumes from the next keyframe instead of being detached.
func (cn *PushConsumer) Play(frame *Frame) bool {
	if cn.quited.Load() {
		return false
	}
	switch {
	case frame.IsAudio() && IsAudioSequenceHeader(frame.Payload):
		cn.seqMtx.Lock()
		cn.audioSeq = frame
		cn.seqMtx.Unlock()
	case frame.IsVideo() && IsVideoSequenceHeader(frame.Payload):
		cn.seqMtx.Lock()
		cn.videoSeq = frame
		cn.seqMtx.Unlock()
	}
	if !cn.isReady.Load() {
		return true
	}
	if frame.IsVideo() && cn.skipToKey.Load() {
		if !IsKeyFrame(frame.Payload) {
			return true
		}
		cn.skipToKey.Store(false)
	}
	if !cn.frames.Push(frame) {
		cn.log.Warn("relay queue overflow, dropping backlog")
		cn.frames.Drain()
		cn.skipToKey.Store(true)
	}
	return true
}

func (cn *PushConsumer) Unpublished() bool {
	return false
}

func (cn *PushConsumer) Close() error {
	cn.quited.Store(true)
	var err error
	cn.die.Do(func() {
		close(cn.quit)
		cn.connMtx.Lock()
		if cn.conn != nil {
			err = cn.conn.Close()
		}
		cn.connMtx.Unlock()
		cn.log.Info("closed push consumer")
	})
	return err
}

func (cn *PushConsumer) IsClosed() bool {
	return cn.quited.Load()
}
