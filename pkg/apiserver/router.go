package apiserver

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JRascall/MediaServer/pkg/registry"
	"github.com/JRascall/MediaServer/pkg/relay"
)

type adminRouter struct {
	r         chi.Router
	registry  *registry.Registry
	sessions  SessionCloser
	relays    Relays
	startedAt time.Time
	log       logrus.FieldLogger
}

func (router *adminRouter) Routes() {
	router.r.Route("/api", func(r chi.Router) {
		r.Use(ContentTypeJson)
		r.Get("/server", router.getServer())
		r.Route("/streams", func(r chi.Router) {
			r.Get("/", router.getStreams())
			r.Get("/{app}/{stream}", router.getStream())
			r.Delete("/{app}/{stream}", router.deleteStream())
		})
		r.Route("/relay", func(r chi.Router) {
			r.Get("/", router.getRelays())
			r.Post("/push", router.pushRelay())
			r.Delete("/{id}", router.deleteRelay())
		})
	})
}

func (router *adminRouter) getServer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		info := ServerInfo{
			StartedAt:   router.startedAt,
			Uptime:      int64(time.Since(router.startedAt).Seconds()),
			Sessions:    router.registry.SessionCount(),
			Streams:     len(router.registry.GetStreams()),
			IdlePlayers: router.registry.IdleCount(),
			Goroutines:  runtime.NumGoroutine(),
			HeapAlloc:   mem.HeapAlloc,
		}
		if router.sessions != nil {
			info.RTMPSessions = router.sessions.SessionCount()
		}
		router.writeJSON(w, info)
	}
}

func (router *adminRouter) getStreams() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		router.writeJSON(w, router.registry.GetStreams())
	}
}

func streamPathParam(r *http.Request) registry.StreamPath {
	return registry.StreamPath{App: chi.URLParam(r, "app"), Name: chi.URLParam(r, "stream")}
}

func (router *adminRouter) getStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream, err := router.registry.GetStream(streamPathParam(r))
		if err != nil {
			router.handleErrors(w, err)
			return
		}
		router.writeJSON(w, stream)
	}
}

// deleteStream disconnects the publisher of a stream.
func (router *adminRouter) deleteStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := streamPathParam(r)
		stream, err := router.registry.GetStream(path)
		if err != nil {
			router.handleErrors(w, err)
			return
		}
		if router.sessions == nil || !router.sessions.CloseSession(stream.PublisherID) {
			router.handleErrors(w, registry.StreamNotFound{Path: path})
			return
		}
		router.log.WithField("path", path.String()).Info("publisher kicked")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (router *adminRouter) getRelays() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks := []relay.Task{}
		if router.relays != nil {
			tasks = router.relays.Tasks()
		}
		router.writeJSON(w, tasks)
	}
}

func (router *adminRouter) pushRelay() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			JSONError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.path().IsZero() || req.URL == "" {
			JSONError(w, "app, stream and url are required", http.StatusBadRequest)
			return
		}
		if router.relays == nil {
			JSONError(w, "relay disabled", http.StatusServiceUnavailable)
			return
		}
		task, err := router.relays.Push(req.path(), req.URL)
		if err != nil {
			router.handleErrors(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		router.writeJSON(w, task)
	}
}

func (router *adminRouter) deleteRelay() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if router.relays == nil {
			router.handleErrors(w, relay.ErrTaskNotFound)
			return
		}
		if err := router.relays.Stop(chi.URLParam(r, "id")); err != nil {
			router.handleErrors(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (router *adminRouter) writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		router.log.WithError(err).Warn("encode response")
	}
}

// ErrorResponse represents json error structure
type ErrorResponse struct {
	Error string `json:"error"`
}

func JSONError(w http.ResponseWriter, error string, code int) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(ErrorResponse{error}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (router *adminRouter) handleErrors(w http.ResponseWriter, err error) {
	switch {
	case errors.As(err, new(registry.StreamNotFound)), errors.Is(err, relay.ErrTaskNotFound):
		JSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, relay.ErrBadTarget):
		JSONError(w, err.Error(), http.StatusBadRequest)
	default:
		router.log.Errorf("fatal: %+v", err)
		JSONError(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
