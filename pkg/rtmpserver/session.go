package rtmpserver

import (
	"context"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JRascall/MediaServer/pkg/events"
	"github.com/JRascall/MediaServer/pkg/registry"
	"github.com/JRascall/MediaServer/pkg/rtmp"
)

// MediaSession is one RTMP connection. Its fields are owned by the goroutine
// running start; the player writer only shares the chunk writer, under wmu.
type MediaSession struct {
	id     string
	conn   net.Conn
	server *MediaServer
	log    logrus.FieldLogger

	reader *rtmp.ChunkReader
	wmu    sync.Mutex
	writer *rtmp.ChunkWriter

	role      atomic.Int32
	connect   ConnectObject
	startedAt time.Time
	streams   uint32
	ackWindow uint32
	lastAck   uint64

	path            registry.StreamPath
	query           url.Values
	publishStreamID uint32
	publisher       *registry.Publisher
	playStreamID    uint32
	player          *rtmpPlayer

	quit chan struct{}
	die  sync.Once
}

func (sess *MediaSession) Role() Role {
	return Role(sess.role.Load())
}

func (sess *MediaSession) setRole(r Role) {
	sess.role.Store(int32(r))
}

func (sess *MediaSession) start(ctx context.Context) {
	sess.startedAt = time.Now()
	defer sess.stop()
	defer func() {
		if r := recover(); r != nil {
			sess.log.Errorf("session panic: %v", r)
		}
	}()

	_ = sess.conn.SetDeadline(time.Now().Add(handshakeWait))
	if err := rtmp.NewHandshake(sess.conn).Do(); err != nil {
		sess.log.WithError(err).Debug("handshake failed")
		return
	}
	_ = sess.conn.SetDeadline(time.Time{})

	sess.reader = rtmp.NewChunkReader(sess.conn)
	sess.reader.SetMaxChunkSize(sess.server.config.RTMP.MaxChunkSize)
	sess.reader.SetMaxMessageLength(uint32(sess.server.config.RTMP.MaxMessageSize))
	sess.writer = rtmp.NewChunkWriter(sess.conn)

	if ping := sess.server.config.RTMP.Ping; ping > 0 {
		go sess.keepAlive(ping)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.quit:
			return
		default:
		}
		if err := sess.readDeadline(); err != nil {
			sess.log.WithError(err).Warn("set read deadline")
			return
		}
		msg, err := sess.reader.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if netErr, ok := errors.Cause(err).(net.Error); ok && netErr.Timeout() {
				sess.log.Info("keep-alive timeout")
				return
			}
			sess.log.WithError(err).Warn("read failed")
			return
		}
		if err := sess.handleMessage(msg); err != nil {
			sess.log.WithError(err).Warn("closing session")
			return
		}
		if err := sess.acknowledge(); err != nil {
			return
		}
	}
}

func (sess *MediaSession) readDeadline() error {
	cfg := sess.server.config.RTMP
	if cfg.Ping <= 0 {
		return nil
	}
	return sess.conn.SetReadDeadline(time.Now().Add(cfg.Ping + cfg.PingTimeout))
}

func (sess *MediaSession) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			uptime := uint32(time.Since(sess.startedAt).Milliseconds())
			if err := sess.writeMessages(rtmp.NewPingRequest(uptime)); err != nil {
				_ = sess.Close()
				return
			}
		case <-sess.quit:
			return
		}
	}
}

func (sess *MediaSession) acknowledge() error {
	if sess.ackWindow == 0 {
		return nil
	}
	read := sess.reader.BytesRead()
	if read-sess.lastAck < uint64(sess.ackWindow) {
		return nil
	}
	sess.lastAck = read
	return sess.writeMessages(rtmp.NewAck(uint32(read)))
}

func (sess *MediaSession) handleMessage(msg *rtmp.Message) error {
	switch msg.TypeID {
	case rtmp.TypeWindowAckSize:
		size, err := rtmp.ParseUint32(msg.Payload)
		if err != nil {
			return err
		}
		sess.ackWindow = size
	case rtmp.TypeUserControl:
		return sess.handleUserControl(msg)
	case rtmp.TypeAudio, rtmp.TypeVideo:
		sess.handleMedia(msg)
	case rtmp.TypeDataAMF0, rtmp.TypeDataAMF3:
		sess.handleData(msg)
	case rtmp.TypeCommandAMF0, rtmp.TypeCommandAMF3:
		cmd, err := rtmp.DecodeCommand(msg.TypeID, msg.Payload)
		if err != nil {
			sess.log.WithError(err).Warn("ignoring malformed command")
			return nil
		}
		return sess.handleCommand(msg, cmd)
	}
	return nil
}

func (sess *MediaSession) handleUserControl(msg *rtmp.Message) error {
	uc, err := rtmp.ParseUserControl(msg.Payload)
	if err != nil {
		sess.log.WithError(err).Debug("ignoring user control")
		return nil
	}
	if uc.Event == rtmp.EventPingRequest {
		return sess.writeMessages(rtmp.NewPingResponse(uc.Value))
	}
	return nil
}

// writeMessages chunks and flushes msgs as one unit.
func (sess *MediaSession) writeMessages(msgs ...*rtmp.Message) error {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	for _, msg := range msgs {
		if err := sess.writer.WriteMessage(msg); err != nil {
			return errors.Wrap(err, "write message")
		}
	}
	return sess.writer.Flush()
}

func (sess *MediaSession) writeCommand(streamID uint32, cmd *rtmp.Command) error {
	msg, err := cmd.Message(streamID)
	if err != nil {
		return err
	}
	return sess.writeMessages(msg)
}

func (sess *MediaSession) sendStatus(streamID uint32, level, code, description string) error {
	return sess.writeCommand(streamID, rtmp.Status(level, code, description))
}

func (sess *MediaSession) emit(kind events.Kind, path string, args map[string]interface{}) bool {
	e := &events.Event{
		Kind:       kind,
		SessionID:  sess.id,
		StreamPath: path,
		Transport:  "rtmp",
		Args:       args,
	}
	ok := sess.server.bus.Emit(e)
	if !ok {
		_, reason := e.Rejected()
		sess.log.WithField("event", kind.String()).Infof("rejected: %s", reason)
	}
	return ok
}

// stop detaches the session from the registry and emits the done events.
// It runs once, on the session goroutine.
func (sess *MediaSession) stop() {
	if sess.publisher != nil {
		sess.closePublish()
	}
	if sess.player != nil {
		sess.closePlay()
	}
	if sess.Role() != RoleStarting {
		sess.emit(events.DoneConnect, "", sess.connect.Args())
	}
	sess.setRole(RoleStopped)
	_ = sess.Close()
	sess.server.removeSession(sess.id)
	sess.log.Info("session closed")
}

// Close tears the transport down. Safe from any goroutine and idempotent.
func (sess *MediaSession) Close() error {
	sess.die.Do(func() {
		close(sess.quit)
		_ = sess.conn.Close()
	})
	return nil
}
