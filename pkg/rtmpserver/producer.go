package rtmpserver

import (
	"bytes"

	"github.com/JRascall/MediaServer/pkg/amf"
	"github.com/JRascall/MediaServer/pkg/events"
	"github.com/JRascall/MediaServer/pkg/rtmp"
	"github.com/JRascall/MediaServer/pkg/rtmpserver/medias"
)

var setDataFramePrefix, _ = amf.Marshal("@setDataFrame")

// handleMedia forwards audio and video from a publishing session.
func (sess *MediaSession) handleMedia(msg *rtmp.Message) {
	if sess.publisher == nil || msg.StreamID != sess.publishStreamID || len(msg.Payload) == 0 {
		return
	}
	sess.publisher.Publish(medias.NewFrame(msg.TypeID, msg.Timestamp, msg.Payload))
}

// handleData keeps the onMetaData body of @setDataFrame and forwards it.
func (sess *MediaSession) handleData(msg *rtmp.Message) {
	if sess.publisher == nil {
		return
	}
	payload := msg.Payload
	if msg.TypeID == rtmp.TypeDataAMF3 && len(payload) > 0 {
		payload = payload[1:]
	}
	if !bytes.HasPrefix(payload, setDataFramePrefix) {
		return
	}
	meta := payload[len(setDataFramePrefix):]
	values, err := amf.Unmarshal(meta)
	if err != nil || len(values) == 0 || values[0] != "onMetaData" {
		sess.log.WithError(err).Debug("ignoring data message")
		return
	}
	sess.publisher.SetMetadata(meta, msg.Timestamp)
}

// closePublish removes the publisher record. Attached RTMP players go back to
// waiting, other players are closed.
func (sess *MediaSession) closePublish() {
	path := sess.path
	if sess.server.registry.Unpublish(path, sess.id) {
		sess.log.WithField("path", path.String()).Info("unpublished")
	}
	sess.publisher = nil
	sess.setRole(RoleIdle)
	sess.emit(events.DonePublish, path.String(), queryArgs(sess.query))
}
