package apiserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JRascall/MediaServer/pkg/config"
	"github.com/JRascall/MediaServer/pkg/events"
	"github.com/JRascall/MediaServer/pkg/registry"
)

// Deps are the collaborators the HTTP server reads from.
type Deps struct {
	Registry    *registry.Registry
	Bus         *events.Bus
	Sessions    SessionCloser
	Relays      Relays
	PlayerQueue int
}

type webServer struct {
	router *chi.Mux
	server *http.Server
	log    logrus.FieldLogger
}

func NewWebServer(cfg config.HTTPConfig, authCfg config.AuthConfig, deps Deps, log logrus.FieldLogger) *webServer {
	log = log.WithField("component", "http")
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(loggerMiddleware(log))
	router.Use(middleware.Recoverer)
	router.Use(CORS(cfg.AllowOrigin))

	router.Group(func(r chi.Router) {
		r.Use(BasicAuth(cfg.APIUser, cfg.APIPass))
		admin := &adminRouter{
			r:         r,
			registry:  deps.Registry,
			sessions:  deps.Sessions,
			relays:    deps.Relays,
			startedAt: time.Now(),
			log:       log,
		}
		admin.Routes()
		r.Mount("/debug", middleware.Profiler())
	})

	playerQueue := deps.PlayerQueue
	if playerQueue == 0 {
		playerQueue = 1024
	}
	flvs := &flvRouter{
		registry:    deps.Registry,
		bus:         deps.Bus,
		auth:        authCfg,
		playerQueue: playerQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		log: log,
	}
	flvs.Routes(router)

	return &webServer{
		router: router,
		server: &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: router},
		log:    log,
	}
}

func (a *webServer) Handler() http.Handler {
	return a.router
}

func (a *webServer) Start(ctx context.Context) error {
	// long-lived FLV responses end with ctx
	a.server.BaseContext = func(net.Listener) context.Context { return ctx }
	go func() {
		<-ctx.Done()
		if err := a.Stop(); err != nil {
			a.log.WithError(err).Warn("error stopping web server")
		}
	}()

	a.log.Infof("Starting web server on %s", a.server.Addr)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *webServer) Stop() error {
	a.log.Info("Stopping web server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}
