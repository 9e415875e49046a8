package relay

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JRascall/MediaServer/pkg/config"
	"github.com/JRascall/MediaServer/pkg/events"
	"github.com/JRascall/MediaServer/pkg/registry"
	"github.com/JRascall/MediaServer/pkg/rtmpserver/medias"
)

var (
	ErrBadTarget    = errors.New("relay target must be an rtmp:// or rtmps:// url")
	ErrTaskNotFound = errors.New("relay task not found")
)

// Pusher is a player that forwards a stream to an upstream server.
type Pusher interface {
	medias.Player
	Target() string
}

type Dialer func(target *url.URL, source string, log logrus.FieldLogger) Pusher

func dialPushConsumer(target *url.URL, source string, log logrus.FieldLogger) Pusher {
	return medias.NewPushConsumer(target, source, log)
}

type Task struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Target    string    `json:"target"`
	Static    bool      `json:"static"`
	CreatedAt time.Time `json:"createdAt"`
}

type task struct {
	Task
	path   registry.StreamPath
	pusher Pusher
}

// Manager runs push relays: one per configured application on every
// publish, plus pushes requested through the admin API.
type Manager struct {
	registry *registry.Registry
	targets  config.RelayTargets
	dial     Dialer
	log      logrus.FieldLogger

	mu    sync.Mutex
	tasks map[string]*task
}

func NewManager(reg *registry.Registry, targets config.RelayTargets, log logrus.FieldLogger) *Manager {
	return &Manager{
		registry: reg,
		targets:  targets,
		dial:     dialPushConsumer,
		log:      log.WithField("component", "relay"),
		tasks:    make(map[string]*task),
	}
}

// WithDialer replaces how push clients are created.
func (m *Manager) WithDialer(d Dialer) *Manager {
	m.dial = d
	return m
}

// Attach subscribes the manager to publish events.
func (m *Manager) Attach(bus *events.Bus) {
	bus.Subscribe(m.onPostPublish, events.PostPublish)
	bus.Subscribe(m.onDonePublish, events.DonePublish)
}

func (m *Manager) onPostPublish(e *events.Event) {
	path, err := registry.ParseStreamPath(e.StreamPath)
	if err != nil {
		return
	}
	base, ok := m.targets[path.App]
	if !ok {
		return
	}
	target := strings.TrimSuffix(base, "/") + "/" + path.Name
	if _, err := m.start(path, target, true); err != nil {
		m.log.WithError(err).WithField("path", e.StreamPath).Warn("static relay failed")
	}
}

func (m *Manager) onDonePublish(e *events.Event) {
	path, err := registry.ParseStreamPath(e.StreamPath)
	if err != nil {
		return
	}
	m.mu.Lock()
	var ended []*task
	for id, t := range m.tasks {
		if t.path == path {
			ended = append(ended, t)
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()
	for _, t := range ended {
		_ = t.pusher.Close()
		m.log.WithField("task", t.ID).Info("relay ended with stream")
	}
}

// Push starts relaying path to target. The relay waits if nothing is
// published on path yet.
func (m *Manager) Push(path registry.StreamPath, target string) (Task, error) {
	return m.start(path, target, false)
}

func (m *Manager) start(path registry.StreamPath, target string, static bool) (Task, error) {
	u, err := url.Parse(target)
	if err != nil {
		return Task{}, errors.Wrap(ErrBadTarget, err.Error())
	}
	if (u.Scheme != "rtmp" && u.Scheme != "rtmps") || u.Host == "" {
		return Task{}, errors.Wrap(ErrBadTarget, target)
	}

	pusher := m.dial(u, path.String(), m.log)
	t := &task{
		Task: Task{
			ID:        uuid.NewString(),
			Path:      path.String(),
			Target:    pusher.Target(),
			Static:    static,
			CreatedAt: time.Now(),
		},
		path:   path,
		pusher: pusher,
	}
	if _, err := m.registry.Play(path, pusher); err != nil {
		_ = pusher.Close()
		return Task{}, errors.Wrap(err, "attach relay")
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	m.log.WithFields(logrus.Fields{"task": t.ID, "path": t.Path, "target": t.Target}).Info("relay started")
	return t.Task, nil
}

func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	m.registry.StopPlay(t.path, t.pusher.Id())
	return t.pusher.Close()
}

func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Task)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close stops every relay.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Stop(id)
	}
}
