package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type RTMPConfig struct {
	Port         int
	ChunkSize    uint32
	MaxChunkSize uint32
	// MaxMessageSize bounds the declared length of one inbound message.
	MaxMessageSize int
	GopCache       bool
	// GopCacheLimit caps cached GOP bytes per publisher; 0 means no cap.
	GopCacheLimit int
	Ping          time.Duration
	PingTimeout   time.Duration
	// PlayerQueue is how many frames a player may lag before it is dropped.
	PlayerQueue int
}

type HTTPConfig struct {
	Port        int
	AllowOrigin string
	APIUser     string
	APIPass     string
}

type AuthConfig struct {
	Play    bool
	Publish bool
	Secret  string
}

type TransmuxTask struct {
	App       string
	HLS       bool
	HLSFlags  string
	DASH      bool
	DASHFlags string
}

type TransmuxConfig struct {
	FFmpeg    string
	MediaRoot string
	Tasks     []TransmuxTask
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func (s StorageConfig) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

type Config struct {
	RTMP     RTMPConfig
	HTTP     HTTPConfig
	Auth     AuthConfig
	Transmux TransmuxConfig
	Storage  StorageConfig
	// Relay maps an application name to the upstream RTMP URL its streams are pushed to.
	Relay RelayTargets
	Redis RedisConfig
	Log   LogConfig
}

func Default() Config {
	return Config{
		RTMP: RTMPConfig{
			Port:           1935,
			ChunkSize:      60000,
			MaxChunkSize:   1 << 20,
			MaxMessageSize: 8 << 20,
			GopCache:       true,
			GopCacheLimit:  16 << 20,
			Ping:           60 * time.Second,
			PingTimeout:    30 * time.Second,
			PlayerQueue:    1024,
		},
		HTTP: HTTPConfig{
			Port:        8000,
			AllowOrigin: "*",
		},
		Transmux: TransmuxConfig{
			FFmpeg:    "ffmpeg",
			MediaRoot: "./media",
		},
		Relay: RelayTargets{},
		Redis: RedisConfig{
			Channel: "mediaserver:events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "mediaserver.log",
		},
	}
}

func (c *Config) Validate() error {
	var result *multierror.Error
	if c.RTMP.Port <= 0 || c.RTMP.Port > 65535 {
		result = multierror.Append(result, errors.Errorf("rtmp port %d out of range", c.RTMP.Port))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		result = multierror.Append(result, errors.Errorf("http port %d out of range", c.HTTP.Port))
	}
	if c.RTMP.MaxChunkSize < 128 || c.RTMP.MaxChunkSize > 0xFFFFFF {
		result = multierror.Append(result, errors.Errorf("max chunk size %d out of range", c.RTMP.MaxChunkSize))
	}
	if c.RTMP.ChunkSize < 128 || c.RTMP.ChunkSize > c.RTMP.MaxChunkSize {
		result = multierror.Append(result, errors.Errorf("chunk size %d must be within 128..%d", c.RTMP.ChunkSize, c.RTMP.MaxChunkSize))
	}
	if c.RTMP.MaxMessageSize <= 0 || c.RTMP.MaxMessageSize > 0xFFFFFF {
		result = multierror.Append(result, errors.Errorf("max message size %d out of range", c.RTMP.MaxMessageSize))
	}
	if c.RTMP.Ping <= 0 || c.RTMP.PingTimeout <= 0 {
		result = multierror.Append(result, errors.New("ping interval and timeout must be positive"))
	}
	if c.RTMP.GopCacheLimit < 0 {
		result = multierror.Append(result, errors.New("gop cache limit must not be negative"))
	}
	if c.RTMP.PlayerQueue <= 0 {
		result = multierror.Append(result, errors.New("player queue must be positive"))
	}
	if (c.Auth.Play || c.Auth.Publish) && c.Auth.Secret == "" {
		result = multierror.Append(result, errors.New("auth enabled without a secret"))
	}
	if (c.HTTP.APIUser == "") != (c.HTTP.APIPass == "") {
		result = multierror.Append(result, errors.New("api user and password must be set together"))
	}
	for _, task := range c.Transmux.Tasks {
		if task.App == "" {
			result = multierror.Append(result, errors.New("transmux task without app"))
		}
		if !task.HLS && !task.DASH {
			result = multierror.Append(result, errors.Errorf("transmux task %q has no output", task.App))
		}
	}
	if c.Storage.Enabled() && (c.Storage.AccessKey == "" || c.Storage.SecretKey == "") {
		result = multierror.Append(result, errors.New("storage credentials missing"))
	}
	return result.ErrorOrNil()
}

// RelayTargets is a flag.Value of app=url pairs.
type RelayTargets map[string]string

func (r *RelayTargets) String() string {
	if r == nil || len(*r) == 0 {
		return ""
	}
	parts := make([]string, 0, len(*r))
	for app, target := range *r {
		parts = append(parts, fmt.Sprintf("%s=%s", app, target))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (r *RelayTargets) Set(value string) error {
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		app, target, ok := strings.Cut(item, "=")
		app = strings.TrimSpace(app)
		if !ok || app == "" || strings.TrimSpace(target) == "" {
			return errors.Errorf("invalid relay %q, expected app=rtmp://host/app", item)
		}
		if *r == nil {
			*r = make(map[string]string)
		}
		(*r)[app] = strings.TrimSpace(target)
	}
	return nil
}

// ApplyEnv overlays values from the environment. Unset variables keep the
// current value.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var result *multierror.Error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "%s", key))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "%s", key))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "%s", key))
				return
			}
			*dst = d
		}
	}

	num("MEDIASERVER_RTMP_PORT", &c.RTMP.Port)
	num("MEDIASERVER_HTTP_PORT", &c.HTTP.Port)
	boolean("MEDIASERVER_GOP_CACHE", &c.RTMP.GopCache)
	num("MEDIASERVER_GOP_CACHE_LIMIT", &c.RTMP.GopCacheLimit)
	num("MEDIASERVER_MAX_MESSAGE_SIZE", &c.RTMP.MaxMessageSize)
	duration("MEDIASERVER_PING", &c.RTMP.Ping)
	duration("MEDIASERVER_PING_TIMEOUT", &c.RTMP.PingTimeout)
	str("MEDIASERVER_ALLOW_ORIGIN", &c.HTTP.AllowOrigin)
	str("BASIC_AUTH_USER", &c.HTTP.APIUser)
	str("BASIC_AUTH_PASS", &c.HTTP.APIPass)
	boolean("MEDIASERVER_AUTH_PLAY", &c.Auth.Play)
	boolean("MEDIASERVER_AUTH_PUBLISH", &c.Auth.Publish)
	str("MEDIASERVER_AUTH_SECRET", &c.Auth.Secret)
	str("MEDIASERVER_FFMPEG", &c.Transmux.FFmpeg)
	str("MEDIASERVER_MEDIA_ROOT", &c.Transmux.MediaRoot)
	if apps := strings.TrimSpace(getenv("MEDIASERVER_HLS_APPS")); apps != "" {
		for _, app := range strings.Split(apps, ",") {
			if app = strings.TrimSpace(app); app != "" {
				c.Transmux.Tasks = append(c.Transmux.Tasks, TransmuxTask{
					App:      app,
					HLS:      true,
					HLSFlags: "[hls_time=2:hls_list_size=3:hls_flags=delete_segments]",
				})
			}
		}
	}
	if relays := getenv("MEDIASERVER_RELAY_PUSH"); relays != "" {
		if err := c.Relay.Set(relays); err != nil {
			result = multierror.Append(result, err)
		}
	}
	str("S3_ENDPOINT", &c.Storage.Endpoint)
	str("S3_ACCESS_KEY", &c.Storage.AccessKey)
	str("S3_SECRET_KEY", &c.Storage.SecretKey)
	str("S3_BUCKET", &c.Storage.Bucket)
	boolean("S3_USE_SSL", &c.Storage.UseSSL)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("REDIS_CHANNEL", &c.Redis.Channel)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)
	return result.ErrorOrNil()
}
