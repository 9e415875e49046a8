package rtmp

import (
	"github.com/pkg/errors"

	"github.com/JRascall/MediaServer/pkg/amf"
)

// Command is an AMF-encoded command message: name, transaction id,
// command object and any trailing arguments.
type Command struct {
	Name          string
	TransactionID float64
	Object        interface{}
	Args          []interface{}
}

var ErrMalformedCommand = errors.New("rtmp: malformed command")

// DecodeCommand parses the payload of a type 17 or 20 message.
func DecodeCommand(typeID uint8, payload []byte) (*Command, error) {
	if typeID == TypeCommandAMF3 && len(payload) > 0 {
		// AMF3 commands carry an AMF0 body after a format byte
		payload = payload[1:]
	}
	values, err := amf.Unmarshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "decode command")
	}
	if len(values) == 0 {
		return nil, ErrMalformedCommand
	}
	name, ok := values[0].(string)
	if !ok {
		return nil, errors.Wrapf(ErrMalformedCommand, "name is %T", values[0])
	}
	cmd := &Command{Name: name}
	if len(values) > 1 {
		if tx, ok := values[1].(float64); ok {
			cmd.TransactionID = tx
		}
	}
	if len(values) > 2 {
		cmd.Object = values[2]
	}
	if len(values) > 3 {
		cmd.Args = values[3:]
	}
	return cmd, nil
}

func (c *Command) Encode() ([]byte, error) {
	values := make([]interface{}, 0, 3+len(c.Args))
	values = append(values, c.Name, c.TransactionID, c.Object)
	values = append(values, c.Args...)
	return amf.Marshal(values...)
}

// Arg returns the i-th trailing argument or nil.
func (c *Command) Arg(i int) interface{} {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// StringArg returns the i-th trailing argument when it is a string.
func (c *Command) StringArg(i int) string {
	s, _ := c.Arg(i).(string)
	return s
}

// Message wraps the encoded command for the invoke channel.
func (c *Command) Message(streamID uint32) (*Message, error) {
	payload, err := c.Encode()
	if err != nil {
		return nil, err
	}
	return &Message{
		Header: Header{
			ChunkStreamID: ChannelInvoke,
			Length:        uint32(len(payload)),
			TypeID:        TypeCommandAMF0,
			StreamID:      streamID,
		},
		Payload: payload,
	}, nil
}

// DataMessage builds an AMF0 data message such as |RtmpSampleAccess.
func DataMessage(streamID uint32, values ...interface{}) (*Message, error) {
	payload, err := amf.Marshal(values...)
	if err != nil {
		return nil, err
	}
	return &Message{
		Header: Header{
			ChunkStreamID: ChannelData,
			Length:        uint32(len(payload)),
			TypeID:        TypeDataAMF0,
			StreamID:      streamID,
		},
		Payload: payload,
	}, nil
}

// Status builds an onStatus command.
func Status(level, code, description string) *Command {
	return &Command{
		Name:   "onStatus",
		Object: nil,
		Args: []interface{}{amf.Object{
			"level":       level,
			"code":        code,
			"description": description,
		}},
	}
}

// Status codes sent to clients.
const (
	StatusConnectSuccess   = "NetConnection.Connect.Success"
	StatusConnectRejected  = "NetConnection.Connect.Rejected"
	StatusPublishStart     = "NetStream.Publish.Start"
	StatusPublishBadName   = "NetStream.Publish.BadName"
	StatusPublishUnauth    = "NetStream.publish.Unauthorized"
	StatusUnpublishSuccess = "NetStream.Unpublish.Success"
	StatusPlayReset        = "NetStream.Play.Reset"
	StatusPlayStart        = "NetStream.Play.Start"
	StatusPlayStop         = "NetStream.Play.Stop"
	StatusPlayBadConn      = "NetStream.Play.BadConnection"
	StatusPlayUnauth       = "NetStream.Play.Unauthorized"
	StatusPlayUnpublish    = "NetStream.Play.UnpublishNotify"
	StatusPlayPublish      = "NetStream.Play.PublishNotify"
	StatusPauseNotify      = "NetStream.Pause.Notify"
	StatusUnpauseNotify    = "NetStream.Unpause.Notify"
	StatusDeleteStream     = "NetStream.DeleteStream.Suceess"
)
