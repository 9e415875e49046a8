package rtmp

import "github.com/pkg/errors"

// Framing errors. Any of them is fatal for the connection.
var (
	ErrBadVersion        = errors.New("rtmp: unsupported handshake version")
	ErrHandshakeState    = errors.New("rtmp: unexpected handshake state")
	ErrNoPriorHeader     = errors.New("rtmp: abbreviated chunk header without prior header")
	ErrInterleavedHeader = errors.New("rtmp: new message header while message is incomplete")
	ErrInvalidChunkSize  = errors.New("rtmp: invalid chunk size")
	ErrMessageTooLarge   = errors.New("rtmp: message length exceeds limit")
	ErrShortPayload      = errors.New("rtmp: control payload too short")
)
