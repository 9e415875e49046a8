package transmux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JRascall/MediaServer/pkg/auth"
	"github.com/JRascall/MediaServer/pkg/config"
	"github.com/JRascall/MediaServer/pkg/events"
	"github.com/JRascall/MediaServer/pkg/registry"
	"github.com/JRascall/MediaServer/pkg/storage"
)

// signTTL bounds how long the ffmpeg pull URL stays valid when playback
// needs a signature.
const signTTL = 24 * time.Hour

// Task is one ffmpeg process transmuxing a published stream.
type Task struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	SessionID string    `json:"sessionId"`
	OutDir    string    `json:"outDir"`
	StartedAt time.Time `json:"startedAt"`

	cancel context.CancelFunc
	done   chan struct{}
}

type Command func(ctx context.Context, name string, args ...string) *exec.Cmd

// Server starts a transmux task when a stream of a configured application is
// published and stops it when the stream ends.
type Server struct {
	cfg      config.TransmuxConfig
	auth     config.AuthConfig
	rtmpPort int
	store    storage.Uploader
	command  Command
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

// NewServer builds a transmux server. store may be nil, in which case
// output only stays on local disk.
func NewServer(cfg config.TransmuxConfig, authCfg config.AuthConfig, rtmpPort int, store storage.Uploader, log logrus.FieldLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		auth:     authCfg,
		rtmpPort: rtmpPort,
		store:    store,
		command:  exec.CommandContext,
		log:      log.WithField("component", "transmux"),
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*Task),
	}
}

// WithCommand replaces how the ffmpeg process is created.
func (s *Server) WithCommand(c Command) *Server {
	s.command = c
	return s
}

// Check verifies the media root is writable and ffmpeg can be found.
func (s *Server) Check() error {
	if err := os.MkdirAll(s.cfg.MediaRoot, 0o755); err != nil {
		return errors.Wrapf(err, "media root %s cannot be written", s.cfg.MediaRoot)
	}
	if _, err := exec.LookPath(s.cfg.FFmpeg); err != nil {
		return errors.Wrapf(err, "ffmpeg %s cannot be executed", s.cfg.FFmpeg)
	}
	return nil
}

func (s *Server) Attach(bus *events.Bus) {
	bus.Subscribe(s.onPostPublish, events.PostPublish)
	bus.Subscribe(s.onDonePublish, events.DonePublish)
}

// Start blocks until ctx is done and then stops every task.
func (s *Server) Start(ctx context.Context) error {
	apps := make([]string, 0, len(s.cfg.Tasks))
	for _, t := range s.cfg.Tasks {
		apps = append(apps, t.App)
	}
	s.log.WithFields(logrus.Fields{"apps": apps, "mediaRoot": s.cfg.MediaRoot}).Info("transmux server started")
	<-ctx.Done()
	s.Close()
	return nil
}

func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) taskConfig(app string) (config.TransmuxTask, bool) {
	for _, t := range s.cfg.Tasks {
		if t.App == app {
			return t, true
		}
	}
	return config.TransmuxTask{}, false
}

func (s *Server) inputURL(path registry.StreamPath) string {
	input := fmt.Sprintf("rtmp://127.0.0.1:%d%s", s.rtmpPort, path.String())
	if s.auth.Play {
		expires := time.Now().Add(signTTL).Unix()
		input += "?sign=" + auth.Sign(path.String(), expires, s.auth.Secret)
	}
	return input
}

func (s *Server) onPostPublish(e *events.Event) {
	path, err := registry.ParseStreamPath(e.StreamPath)
	if err != nil {
		return
	}
	taskCfg, ok := s.taskConfig(path.App)
	if !ok {
		return
	}
	if err := s.start(e.SessionID, path, taskCfg); err != nil {
		s.log.WithError(err).WithField("path", e.StreamPath).Error("transmux start failed")
	}
}

func (s *Server) onDonePublish(e *events.Event) {
	s.mu.Lock()
	t, ok := s.tasks[e.SessionID]
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
}

func (s *Server) start(sessionID string, path registry.StreamPath, taskCfg config.TransmuxTask) error {
	if s.ctx.Err() != nil {
		return errors.New("transmux server closed")
	}
	outDir := filepath.Join(s.cfg.MediaRoot, path.App, path.Name)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", outDir)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &Task{
		ID:        uuid.NewString(),
		Path:      path.String(),
		SessionID: sessionID,
		OutDir:    outDir,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	if old, ok := s.tasks[sessionID]; ok {
		old.cancel()
	}
	s.tasks[sessionID] = t
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"task": t.ID, "path": t.Path})
	args := buildArgs(taskCfg, s.inputURL(path), outDir)
	cmd := s.command(ctx, s.cfg.FFmpeg, args...)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer cancel()

		var watchWg sync.WaitGroup
		if s.store != nil {
			uploader := newSegmentUploader(outDir, path.App+"/"+path.Name, s.store, log)
			watchWg.Add(1)
			go func() {
				defer watchWg.Done()
				if err := uploader.watch(ctx); err != nil {
					log.WithError(err).Warn("segment watcher stopped")
				}
			}()
		}

		log.WithField("args", args).Info("transmux started")
		if err := cmd.Run(); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("ffmpeg exited")
		}
		cancel()
		watchWg.Wait()

		s.mu.Lock()
		if s.tasks[sessionID] == t {
			delete(s.tasks, sessionID)
		}
		s.mu.Unlock()
		cleanOutput(outDir, log)
		log.Info("transmux ended")
	}()
	return nil
}

// Tasks returns the running tasks ordered by start time.
func (s *Server) Tasks() []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, Task{ID: t.ID, Path: t.Path, SessionID: t.SessionID, OutDir: t.OutDir, StartedAt: t.StartedAt})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// cleanOutput removes what ffmpeg left in dir once the stream is over.
func cleanOutput(dir string, log logrus.FieldLogger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".ts", ".m3u8", ".mpd", ".m4s", ".tmp":
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				log.WithError(err).Debug("remove output")
			}
		}
	}
}
