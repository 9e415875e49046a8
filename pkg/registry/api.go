package registry

import (
	"strings"
	"time"
)

// StreamPath is the /app/name key of a live stream.
type StreamPath struct {
	App  string
	Name string
}

func (p StreamPath) String() string {
	return "/" + p.App + "/" + p.Name
}

func (p StreamPath) IsZero() bool {
	return p.App == "" || p.Name == ""
}

// ParseStreamPath accepts "/app/name" and "app/name".
func ParseStreamPath(s string) (StreamPath, error) {
	parts := strings.Split(strings.TrimPrefix(s, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return StreamPath{}, InvalidPath{Raw: s}
	}
	return StreamPath{App: parts[0], Name: parts[1]}, nil
}

type PlayerInfo struct {
	ID     string `json:"id"`
	Kind   string `json:"type"`
	Paused bool   `json:"paused"`
}

// StreamInfo is a snapshot of a publisher for the admin API.
type StreamInfo struct {
	Path        string       `json:"path"`
	App         string       `json:"app"`
	Name        string       `json:"name"`
	PublisherID string       `json:"publisherId"`
	StartedAt   time.Time    `json:"startedAt"`
	AudioCodec  string       `json:"audioCodec,omitempty"`
	VideoCodec  string       `json:"videoCodec,omitempty"`
	HasMetadata bool         `json:"hasMetadata"`
	BytesIn     uint64       `json:"bytesIn"`
	FramesIn    uint64       `json:"framesIn"`
	GopFrames   int          `json:"gopFrames"`
	GopBytes    int          `json:"gopBytes"`
	Players     []PlayerInfo `json:"players"`
}

type Options struct {
	GopCache bool
	// GopCacheLimit caps the cached bytes per publisher; 0 disables the cap.
	GopCacheLimit int
}
