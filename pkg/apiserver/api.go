package apiserver

import (
	"time"

	"github.com/JRascall/MediaServer/pkg/registry"
	"github.com/JRascall/MediaServer/pkg/relay"
)

// ServerInfo is the body of GET /api/server.
type ServerInfo struct {
	StartedAt    time.Time `json:"startedAt"`
	Uptime       int64     `json:"uptime"`
	Sessions     int       `json:"sessions"`
	RTMPSessions int       `json:"rtmpSessions"`
	Streams      int       `json:"streams"`
	IdlePlayers  int       `json:"idlePlayers"`
	Goroutines   int       `json:"goroutines"`
	HeapAlloc    uint64    `json:"heapAlloc"`
}

// PushRequest starts a relay of App/Stream to URL.
type PushRequest struct {
	App    string `json:"app"`
	Stream string `json:"stream"`
	URL    string `json:"url"`
}

func (p PushRequest) path() registry.StreamPath {
	return registry.StreamPath{App: p.App, Name: p.Stream}
}

// SessionCloser disconnects a session by id.
type SessionCloser interface {
	CloseSession(id string) bool
	SessionCount() int
}

// Relays manages push relays.
type Relays interface {
	Tasks() []relay.Task
	Push(path registry.StreamPath, target string) (relay.Task, error)
	Stop(id string) error
}
