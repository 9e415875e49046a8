package rtmpserver

import (
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JRascall/MediaServer/pkg/amf"
	"github.com/JRascall/MediaServer/pkg/auth"
	"github.com/JRascall/MediaServer/pkg/events"
	"github.com/JRascall/MediaServer/pkg/registry"
	"github.com/JRascall/MediaServer/pkg/rtmp"
)

// ConnectObject is the command object of a connect request.
type ConnectObject struct {
	App            string  `mapstructure:"app"`
	FlashVer       string  `mapstructure:"flashVer"`
	SwfURL         string  `mapstructure:"swfUrl"`
	TcURL          string  `mapstructure:"tcUrl"`
	PageURL        string  `mapstructure:"pageUrl"`
	Type           string  `mapstructure:"type"`
	ObjectEncoding float64 `mapstructure:"objectEncoding"`
}

func (c ConnectObject) Args() map[string]interface{} {
	return map[string]interface{}{
		"app":      c.App,
		"flashVer": c.FlashVer,
		"tcUrl":    c.TcURL,
	}
}

func decodeObject(in interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

var errRejected = errors.New("rejected")

// handleCommand dispatches one command. A returned error closes the session.
func (sess *MediaSession) handleCommand(msg *rtmp.Message, cmd *rtmp.Command) error {
	log := sess.log.WithField("command", cmd.Name)
	var err error
	switch cmd.Name {
	case "connect":
		err = sess.onConnect(cmd)
	case "createStream":
		err = sess.onCreateStream(cmd)
	case "publish":
		err = sess.onPublish(msg, cmd)
	case "play":
		err = sess.onPlay(msg, cmd)
	case "pause":
		err = sess.onPause(cmd)
	case "deleteStream":
		id, _ := cmd.Arg(0).(float64)
		err = sess.onDeleteStream(uint32(id))
	case "closeStream":
		err = sess.onDeleteStream(msg.StreamID)
	case "receiveAudio", "receiveVideo":
		sess.onReceive(cmd)
	case "releaseStream", "FCPublish", "FCUnpublish", "getStreamLength":
	default:
		log.Debug("unknown command")
	}
	if errors.Is(err, errRejected) {
		return err
	}
	if err != nil {
		log.WithError(err).Warn("command failed")
		if sess.Role() == RoleStarting {
			return err
		}
		return nil
	}
	return nil
}

func (sess *MediaSession) onConnect(cmd *rtmp.Command) error {
	if sess.Role() != RoleStarting {
		return errors.New("connect after connect")
	}
	if err := decodeObject(cmd.Object, &sess.connect); err != nil {
		return errors.Wrap(err, "connect object")
	}
	if i := strings.IndexByte(sess.connect.App, '/'); i >= 0 {
		sess.connect.App = sess.connect.App[:i]
	}
	sess.log = sess.log.WithField("app", sess.connect.App)

	if !sess.emit(events.PreConnect, "", sess.connect.Args()) {
		_ = sess.writeCommand(0, &rtmp.Command{
			Name:          "_error",
			TransactionID: cmd.TransactionID,
			Args: []interface{}{amf.Object{
				"level":       "error",
				"code":        rtmp.StatusConnectRejected,
				"description": "Connection rejected.",
			}},
		})
		return errRejected
	}

	chunkSize := sess.server.config.RTMP.ChunkSize
	result, err := (&rtmp.Command{
		Name:          "_result",
		TransactionID: cmd.TransactionID,
		Object: amf.Object{
			"fmsVer":       "FMS/3,0,1,123",
			"capabilities": 31,
		},
		Args: []interface{}{amf.Object{
			"level":          "status",
			"code":           rtmp.StatusConnectSuccess,
			"description":    "Connection succeeded.",
			"objectEncoding": sess.connect.ObjectEncoding,
		}},
	}).Message(0)
	if err != nil {
		return err
	}

	sess.wmu.Lock()
	err = sess.writer.WriteMessage(rtmp.NewWindowAckSize(windowAckSize))
	if err == nil {
		err = sess.writer.WriteMessage(rtmp.NewSetPeerBandwidth(peerBandwidth, rtmp.LimitDynamic))
	}
	if err == nil {
		err = sess.writer.WriteMessage(rtmp.NewSetChunkSize(chunkSize))
	}
	if err == nil {
		err = sess.writer.SetChunkSize(chunkSize)
	}
	if err == nil {
		err = sess.writer.WriteMessage(result)
	}
	if err == nil {
		err = sess.writer.Flush()
	}
	sess.wmu.Unlock()
	if err != nil {
		return err
	}

	sess.setRole(RoleIdle)
	sess.log.Info("connected")
	sess.emit(events.PostConnect, "", sess.connect.Args())
	return nil
}

func (sess *MediaSession) onCreateStream(cmd *rtmp.Command) error {
	sess.streams++
	return sess.writeCommand(0, &rtmp.Command{
		Name:          "_result",
		TransactionID: cmd.TransactionID,
		Args:          []interface{}{float64(sess.streams)},
	})
}

// streamTarget splits "name?query" and builds the stream path for this app.
func (sess *MediaSession) streamTarget(raw string) (registry.StreamPath, url.Values) {
	name, rawQuery, _ := strings.Cut(raw, "?")
	query, _ := url.ParseQuery(rawQuery)
	return registry.StreamPath{App: sess.connect.App, Name: name}, query
}

func queryArgs(q url.Values) map[string]interface{} {
	if len(q) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(q))
	for k := range q {
		args[k] = q.Get(k)
	}
	return args
}

func (sess *MediaSession) authorized(enabled bool, path registry.StreamPath, q url.Values) bool {
	if !enabled {
		return true
	}
	return auth.Verify(q.Get("sign"), path.String(), sess.server.config.Auth.Secret, time.Now())
}

func (sess *MediaSession) onPublish(msg *rtmp.Message, cmd *rtmp.Command) error {
	if r := sess.Role(); r != RoleIdle || sess.player != nil || sess.publisher != nil {
		return errors.Errorf("publish while %s", r)
	}
	streamID := msg.StreamID
	path, query := sess.streamTarget(cmd.StringArg(0))
	log := sess.log.WithField("path", path.String())
	if path.IsZero() {
		_ = sess.sendStatus(streamID, "error", rtmp.StatusPublishBadName, "Invalid stream name.")
		return nil
	}

	if !sess.authorized(sess.server.config.Auth.Publish, path, query) {
		log.Warn("publish unauthorized")
		_ = sess.sendStatus(streamID, "error", rtmp.StatusPublishUnauth, "Authorization required.")
		return errRejected
	}
	if !sess.emit(events.PrePublish, path.String(), queryArgs(query)) {
		return errRejected
	}

	pub, started, err := sess.server.registry.Publish(path, sess.id)
	if err != nil {
		log.WithError(err).Warn("publish refused")
		_ = sess.sendStatus(streamID, "error", rtmp.StatusPublishBadName, "Stream already publishing")
		return errRejected
	}
	sess.path = path
	sess.query = query
	sess.publishStreamID = streamID
	sess.publisher = pub
	sess.setRole(RolePublishing)

	if err := sess.sendStatus(streamID, "status", rtmp.StatusPublishStart, path.String()+" is now published."); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"waiting": len(started), "type": cmd.StringArg(1)}).Info("publishing")
	sess.emit(events.PostPublish, path.String(), queryArgs(query))
	return nil
}

func (sess *MediaSession) onPlay(msg *rtmp.Message, cmd *rtmp.Command) error {
	if r := sess.Role(); r != RoleIdle || sess.player != nil {
		return errors.Errorf("play while %s", r)
	}
	streamID := msg.StreamID
	path, query := sess.streamTarget(cmd.StringArg(0))
	log := sess.log.WithField("path", path.String())
	if path.IsZero() {
		return errors.New("play without stream name")
	}

	if !sess.authorized(sess.server.config.Auth.Play, path, query) {
		log.Warn("play unauthorized")
		_ = sess.sendStatus(streamID, "error", rtmp.StatusPlayUnauth, "Authorization required.")
		return errRejected
	}
	if !sess.emit(events.PrePlay, path.String(), queryArgs(query)) {
		return errRejected
	}

	sess.path = path
	sess.query = query
	sess.playStreamID = streamID
	sess.player = newRtmpPlayer(sess, streamID, sess.server.config.RTMP.PlayerQueue)
	go sess.player.sendToClient()

	attached, err := sess.server.registry.Play(path, sess.player)
	if err != nil {
		return err
	}
	if attached {
		log.Info("playing")
	} else {
		log.Info("waiting for publisher")
	}
	sess.emit(events.PostPlay, path.String(), queryArgs(query))
	return nil
}

func (sess *MediaSession) onPause(cmd *rtmp.Command) error {
	if sess.player == nil {
		return nil
	}
	pause, _ := cmd.Arg(0).(bool)
	role := sess.Role()
	streamID := sess.playStreamID
	switch {
	case pause && role == RolePlaying:
		if err := sess.server.registry.Pause(sess.path, sess.id, true); err != nil {
			return err
		}
		sess.setRole(RolePaused)
		return sess.writeStatusAfter(rtmp.NewStreamEOF(streamID), streamID, rtmp.StatusPauseNotify, "Paused live")
	case !pause && role == RolePaused:
		if err := sess.writeStatusAfter(rtmp.NewStreamBegin(streamID), streamID, rtmp.StatusUnpauseNotify, "Unpaused live"); err != nil {
			return err
		}
		sess.setRole(RolePlaying)
		return sess.server.registry.Pause(sess.path, sess.id, false)
	}
	return nil
}

func (sess *MediaSession) writeStatusAfter(ctl *rtmp.Message, streamID uint32, code, description string) error {
	status, err := rtmp.Status("status", code, description).Message(streamID)
	if err != nil {
		return err
	}
	return sess.writeMessages(ctl, status)
}

func (sess *MediaSession) onDeleteStream(streamID uint32) error {
	if sess.publisher != nil && streamID == sess.publishStreamID {
		sess.closePublish()
		return sess.sendStatus(streamID, "status", rtmp.StatusUnpublishSuccess, sess.path.String()+" is now unpublished.")
	}
	if sess.player != nil && streamID == sess.playStreamID {
		sess.closePlay()
		return sess.sendStatus(streamID, "status", rtmp.StatusPlayStop, "Stopped playing stream.")
	}
	return nil
}

// closePlay detaches the player from its publisher or from the waiting set.
func (sess *MediaSession) closePlay() {
	path := sess.path
	sess.server.registry.StopPlay(path, sess.id)
	sess.player.stop()
	sess.player = nil
	if r := sess.Role(); r == RolePlaying || r == RolePaused {
		sess.setRole(RoleIdle)
	}
	sess.emit(events.DonePlay, path.String(), queryArgs(sess.query))
}

func (sess *MediaSession) onReceive(cmd *rtmp.Command) {
	if sess.player == nil {
		return
	}
	enabled, _ := cmd.Arg(0).(bool)
	err := sess.server.registry.SetReceive(sess.path, sess.id, cmd.Name == "receiveAudio", enabled)
	if err != nil {
		sess.log.WithError(err).Debug(cmd.Name)
	}
}
