package apiserver

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/JRascall/MediaServer/pkg/auth"
	"github.com/JRascall/MediaServer/pkg/config"
	"github.com/JRascall/MediaServer/pkg/events"
	"github.com/JRascall/MediaServer/pkg/flv"
	"github.com/JRascall/MediaServer/pkg/registry"
	"github.com/JRascall/MediaServer/pkg/rtmpserver/medias"
)

const wsWriteTimeout = 10 * time.Second

// flvPlayer streams FLV tags over an HTTP response or a WebSocket. It is
// closed, not parked, when the publisher goes away.
type flvPlayer struct {
	id    string
	kind  string
	queue *medias.Queue[[]byte]

	quit   chan struct{}
	quited atomic.Bool
	die    sync.Once
}

func newFlvPlayer(id, kind string, limit int) *flvPlayer {
	return &flvPlayer{
		id:    id,
		kind:  kind,
		queue: medias.NewQueue[[]byte](limit),
		quit:  make(chan struct{}),
	}
}

func (p *flvPlayer) Id() string {
	return p.id
}

func (p *flvPlayer) Kind() string {
	return p.kind
}

func (p *flvPlayer) Begin(hasAudio, hasVideo bool) {
	p.queue.Push(flv.StreamHeader(hasAudio, hasVideo))
}

func (p *flvPlayer) Play(frame *medias.Frame) bool {
	if p.quited.Load() {
		return false
	}
	return p.queue.Push(frame.Tag)
}

func (p *flvPlayer) Unpublished() bool {
	return false
}

func (p *flvPlayer) IsClosed() bool {
	return p.quited.Load()
}

func (p *flvPlayer) Close() error {
	p.die.Do(func() {
		p.quited.Store(true)
		close(p.quit)
	})
	return nil
}

// run feeds queued buffers to write until the player is closed, the client
// goes away or a write fails.
func (p *flvPlayer) run(done <-chan struct{}, write func([]byte) error) {
	for {
		select {
		case <-p.queue.Come():
			for _, b := range p.queue.Drain() {
				if err := write(b); err != nil {
					return
				}
			}
		case <-p.quit:
			// deliver whatever was queued before the close
			for _, b := range p.queue.Drain() {
				if err := write(b); err != nil {
					return
				}
			}
			return
		case <-done:
			return
		}
	}
}

type flvRouter struct {
	registry    *registry.Registry
	bus         *events.Bus
	auth        config.AuthConfig
	playerQueue int
	upgrader    websocket.Upgrader
	log         logrus.FieldLogger
}

func (router *flvRouter) Routes(r chi.Router) {
	r.Get("/{app}/{stream}.flv", router.play())
}

func (router *flvRouter) emit(kind events.Kind, id, transport string, path registry.StreamPath, r *http.Request) bool {
	args := map[string]interface{}{"remote": r.RemoteAddr}
	for k := range r.URL.Query() {
		args[k] = r.URL.Query().Get(k)
	}
	return router.bus.Emit(&events.Event{
		Kind:       kind,
		SessionID:  id,
		StreamPath: path.String(),
		Transport:  transport,
		Args:       args,
	})
}

func (router *flvRouter) play() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := streamPathParam(r)
		kind := "flv"
		if websocket.IsWebSocketUpgrade(r) {
			kind = "ws"
		}
		id := router.registry.NewSessionId()
		defer router.registry.ReleaseSession(id)
		log := router.log.WithFields(logrus.Fields{"session": id, "path": path.String(), "transport": kind})

		if router.auth.Play && !auth.Verify(r.URL.Query().Get("sign"), path.String(), router.auth.Secret, time.Now()) {
			log.Warn("play unauthorized")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if !router.emit(events.PrePlay, id, kind, path, r) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		var write func([]byte) error
		var done <-chan struct{}
		if kind == "ws" {
			conn, err := router.upgrader.Upgrade(w, r, nil)
			if err != nil {
				log.WithError(err).Debug("websocket upgrade failed")
				return
			}
			defer conn.Close()
			closed := make(chan struct{})
			go func() {
				defer close(closed)
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			}()
			done = closed
			write = func(b []byte) error {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				return conn.WriteMessage(websocket.BinaryMessage, b)
			}
		} else {
			flusher, _ := w.(http.Flusher)
			w.Header().Set("Content-Type", "video/x-flv")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			done = r.Context().Done()
			write = func(b []byte) error {
				if _, err := w.Write(b); err != nil {
					return err
				}
				if flusher != nil {
					flusher.Flush()
				}
				return nil
			}
		}

		player := newFlvPlayer(id, kind, router.playerQueue)
		attached, err := router.registry.Play(path, player)
		if err != nil {
			log.WithError(err).Warn("attach failed")
			return
		}
		log.WithField("attached", attached).Info("play")
		router.emit(events.PostPlay, id, kind, path, r)

		player.run(done, write)

		router.registry.StopPlay(path, id)
		_ = player.Close()
		log.Info("play stopped")
		router.emit(events.DonePlay, id, kind, path, r)
		router.emit(events.DoneConnect, id, kind, path, r)
	}
}
