package rtmp

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

const (
	Version       = 3
	HandshakeSize = 1536
)

type HandshakeState int

const (
	HandshakeUninitialized HandshakeState = iota
	HandshakeReceived0
	HandshakeReceived1
	HandshakeComplete
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeUninitialized:
		return "uninitialized"
	case HandshakeReceived0:
		return "received0"
	case HandshakeReceived1:
		return "received1"
	case HandshakeComplete:
		return "complete"
	}
	return "unknown"
}

// Handshake drives the server side of the simple (digest-free) handshake.
type Handshake struct {
	rw    io.ReadWriter
	state HandshakeState
	epoch time.Time
	c1    []byte
}

func NewHandshake(rw io.ReadWriter) *Handshake {
	return &Handshake{rw: rw, epoch: time.Now()}
}

func (h *Handshake) State() HandshakeState {
	return h.state
}

// Do runs the whole exchange: C0 C1 -> S0 S1 S2 -> C2.
func (h *Handshake) Do() error {
	if err := h.readC0(); err != nil {
		return err
	}
	if err := h.readC1(); err != nil {
		return err
	}
	if err := h.writeS0S1S2(); err != nil {
		return err
	}
	return h.readC2()
}

func (h *Handshake) readC0() error {
	if h.state != HandshakeUninitialized {
		return errors.Wrap(ErrHandshakeState, h.state.String())
	}
	var c0 [1]byte
	if _, err := io.ReadFull(h.rw, c0[:]); err != nil {
		return errors.Wrap(err, "read C0")
	}
	if c0[0] != Version {
		return errors.Wrapf(ErrBadVersion, "got %d", c0[0])
	}
	h.state = HandshakeReceived0
	return nil
}

func (h *Handshake) readC1() error {
	if h.state != HandshakeReceived0 {
		return errors.Wrap(ErrHandshakeState, h.state.String())
	}
	h.c1 = make([]byte, HandshakeSize)
	if _, err := io.ReadFull(h.rw, h.c1); err != nil {
		return errors.Wrap(err, "read C1")
	}
	h.state = HandshakeReceived1
	return nil
}

func (h *Handshake) writeS0S1S2() error {
	s1, err := newHandshakePacket(uint32(time.Since(h.epoch).Milliseconds()))
	if err != nil {
		return err
	}
	out := make([]byte, 0, 1+2*HandshakeSize)
	out = append(out, Version)
	out = append(out, s1...)
	out = append(out, h.c1...)
	if _, err := h.rw.Write(out); err != nil {
		return errors.Wrap(err, "write S0S1S2")
	}
	return nil
}

func (h *Handshake) readC2() error {
	if h.state != HandshakeReceived1 {
		return errors.Wrap(ErrHandshakeState, h.state.String())
	}
	c2 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(h.rw, c2); err != nil {
		return errors.Wrap(err, "read C2")
	}
	h.state = HandshakeComplete
	return nil
}

func newHandshakePacket(uptime uint32) ([]byte, error) {
	p := make([]byte, HandshakeSize)
	binary.BigEndian.PutUint32(p, uptime)
	if _, err := rand.Read(p[8:]); err != nil {
		return nil, errors.Wrap(err, "handshake random")
	}
	return p, nil
}

// ClientHandshake performs the initiating side. It is used by tests and tools
// that talk to the server over a raw connection.
func ClientHandshake(rw io.ReadWriter) error {
	c1, err := newHandshakePacket(0)
	if err != nil {
		return err
	}
	if _, err := rw.Write(append([]byte{Version}, c1...)); err != nil {
		return errors.Wrap(err, "write C0C1")
	}
	s0s1s2 := make([]byte, 1+2*HandshakeSize)
	if _, err := io.ReadFull(rw, s0s1s2); err != nil {
		return errors.Wrap(err, "read S0S1S2")
	}
	if s0s1s2[0] != Version {
		return errors.Wrapf(ErrBadVersion, "got %d", s0s1s2[0])
	}
	if !bytes.Equal(s0s1s2[1+HandshakeSize:], c1) {
		return errors.New("rtmp: S2 does not echo C1")
	}
	if _, err := rw.Write(s0s1s2[1 : 1+HandshakeSize]); err != nil {
		return errors.Wrap(err, "write C2")
	}
	return nil
}
