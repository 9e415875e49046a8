package rtmpserver

import (
	"time"

	"github.com/JRascall/MediaServer/pkg/config"
)

// Role is the session state: Starting until connect completes, then Idle,
// Publishing or Playing (with Paused), and finally Stopped.
type Role int32

const (
	RoleStarting Role = iota
	RoleIdle
	RolePublishing
	RolePlaying
	RolePaused
	RoleStopped
)

var roleNames = [...]string{"starting", "idle", "publishing", "playing", "paused", "stopped"}

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return "unknown"
	}
	return roleNames[r]
}

type MediaServerConfig struct {
	RTMP config.RTMPConfig
	Auth config.AuthConfig
}

func prepareConfig(cfg MediaServerConfig) MediaServerConfig {
	if cfg.RTMP.Port == 0 {
		cfg.RTMP.Port = 1935
	}
	if cfg.RTMP.ChunkSize == 0 {
		cfg.RTMP.ChunkSize = 60000
	}
	if cfg.RTMP.MaxChunkSize == 0 {
		cfg.RTMP.MaxChunkSize = 1 << 20
	}
	if cfg.RTMP.MaxMessageSize == 0 {
		cfg.RTMP.MaxMessageSize = 8 << 20
	}
	if cfg.RTMP.PlayerQueue == 0 {
		cfg.RTMP.PlayerQueue = 1024
	}
	if cfg.RTMP.PingTimeout == 0 {
		cfg.RTMP.PingTimeout = 30 * time.Second
	}
	return cfg
}

// Window and bandwidth announced to every client after connect.
const (
	windowAckSize = 5000000
	peerBandwidth = 5000000
	handshakeWait = 10 * time.Second
)
