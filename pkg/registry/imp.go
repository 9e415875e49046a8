package registry

import (
	"sort"
	"sync"

	"github.com/JRascall/MediaServer/pkg/rtmpserver/medias"
	"github.com/JRascall/MediaServer/pkg/utils"
)

type idlePlayer struct {
	path   StreamPath
	player medias.Player
}

// Registry is the server-wide index of sessions, publishers and players.
// Publish, unpublish, attach and detach are serialized by mux; frame
// fan-out only takes the publisher's own lock.
type Registry struct {
	opts       Options
	mux        sync.RWMutex
	sessions   map[string]struct{}
	publishers map[StreamPath]*Publisher
	idle       map[string]idlePlayer
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:       opts,
		sessions:   make(map[string]struct{}),
		publishers: make(map[StreamPath]*Publisher),
		idle:       make(map[string]idlePlayer),
	}
}

// NewSessionId reserves a fresh id that no live session uses.
func (r *Registry) NewSessionId() string {
	r.mux.Lock()
	defer r.mux.Unlock()
	id := utils.GenUniqueId(func(id string) bool {
		_, ok := r.sessions[id]
		return ok
	})
	r.sessions[id] = struct{}{}
	return id
}

func (r *Registry) ReleaseSession(id string) {
	r.mux.Lock()
	delete(r.sessions, id)
	r.mux.Unlock()
}

func (r *Registry) SessionCount() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.sessions)
}

// Publish registers sessionID as the publisher of path. Players idling on the
// path are attached and returned so the caller can announce them.
func (r *Registry) Publish(path StreamPath, sessionID string) (*Publisher, []medias.Player, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.publishers[path]; ok {
		return nil, nil, StreamBusy{Path: path}
	}
	p := newPublisher(path, sessionID, r.opts)
	r.publishers[path] = p

	var started []medias.Player
	p.mtx.Lock()
	for id, idle := range r.idle {
		if idle.path != path {
			continue
		}
		delete(r.idle, id)
		if idle.player.IsClosed() {
			continue
		}
		if p.attach(idle.player) {
			started = append(started, idle.player)
		}
	}
	p.mtx.Unlock()
	return p, started, nil
}

// Unpublish removes the publisher if sessionID still owns path. Attached
// players are detached before it returns.
func (r *Registry) Unpublish(path StreamPath, sessionID string) bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	p, ok := r.publishers[path]
	if !ok || p.SessionID != sessionID {
		return false
	}
	delete(r.publishers, path)

	p.mtx.Lock()
	waiting := p.close()
	p.mtx.Unlock()
	for _, pl := range waiting {
		r.idle[pl.Id()] = idlePlayer{path: path, player: pl}
	}
	return true
}

// Play attaches the player to the publisher of path, or parks it until one
// appears. attached is false when the player was parked.
func (r *Registry) Play(path StreamPath, pl medias.Player) (attached bool, err error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	p, ok := r.publishers[path]
	if !ok {
		r.idle[pl.Id()] = idlePlayer{path: path, player: pl}
		return false, nil
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if !p.attach(pl) {
		return false, PlayerNotFound{Path: path, ID: pl.Id()}
	}
	return true, nil
}

// StopPlay detaches or un-parks a player. It reports whether the player was
// attached to a live publisher.
func (r *Registry) StopPlay(path StreamPath, id string) bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.idle, id)
	p, ok := r.publishers[path]
	if !ok {
		return false
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.detach(id)
}

// IsIdle reports whether the player is parked waiting for a publisher.
func (r *Registry) IsIdle(id string) bool {
	r.mux.RLock()
	defer r.mux.RUnlock()
	_, ok := r.idle[id]
	return ok
}

func (r *Registry) Pause(path StreamPath, id string, paused bool) error {
	r.mux.RLock()
	defer r.mux.RUnlock()
	p, ok := r.publishers[path]
	if !ok {
		return StreamNotFound{Path: path}
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if !p.setPaused(id, paused) {
		return PlayerNotFound{Path: path, ID: id}
	}
	return nil
}

// SetReceive toggles audio or video delivery for one player.
func (r *Registry) SetReceive(path StreamPath, id string, audio bool, enabled bool) error {
	r.mux.RLock()
	defer r.mux.RUnlock()
	p, ok := r.publishers[path]
	if !ok {
		return StreamNotFound{Path: path}
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	st, ok := p.players[id]
	if !ok {
		return PlayerNotFound{Path: path, ID: id}
	}
	if audio {
		st.receiveAudio = enabled
	} else {
		st.receiveVideo = enabled
	}
	return nil
}

func (r *Registry) Publisher(path StreamPath) (*Publisher, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	p, ok := r.publishers[path]
	return p, ok
}

func (r *Registry) IsPublishing(path StreamPath) bool {
	_, ok := r.Publisher(path)
	return ok
}

func (r *Registry) GetStreams() []StreamInfo {
	r.mux.RLock()
	publishers := make([]*Publisher, 0, len(r.publishers))
	for _, p := range r.publishers {
		publishers = append(publishers, p)
	}
	r.mux.RUnlock()

	streams := make([]StreamInfo, 0, len(publishers))
	for _, p := range publishers {
		streams = append(streams, p.Info())
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Path < streams[j].Path })
	return streams
}

func (r *Registry) GetStream(path StreamPath) (StreamInfo, error) {
	p, ok := r.Publisher(path)
	if !ok {
		return StreamInfo{}, StreamNotFound{Path: path}
	}
	return p.Info(), nil
}

// IdleCount is the number of players parked without a publisher.
func (r *Registry) IdleCount() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.idle)
}
