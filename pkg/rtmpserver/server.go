package rtmpserver

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JRascall/MediaServer/pkg/events"
	"github.com/JRascall/MediaServer/pkg/registry"
)

type MediaServer struct {
	config   MediaServerConfig
	registry *registry.Registry
	bus      *events.Bus
	log      logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*MediaSession
	wg       sync.WaitGroup
}

func NewMediaServer(cfg MediaServerConfig, reg *registry.Registry, bus *events.Bus, log logrus.FieldLogger) *MediaServer {
	return &MediaServer{
		config:   prepareConfig(cfg),
		registry: reg,
		bus:      bus,
		log:      log.WithField("component", "rtmp"),
		sessions: make(map[string]*MediaSession),
	}
}

// Start listens on the configured port and serves until ctx is done.
func (s *MediaServer) Start(ctx context.Context) error {
	addr := "0.0.0.0:" + strconv.Itoa(s.config.RTMP.Port)
	listen, err := net.Listen("tcp4", addr)
	if err != nil {
		return errors.Wrap(err, "failed to start RTMP server")
	}
	s.log.Infof("RTMP server listening on %s", addr)
	return s.Serve(ctx, listen)
}

// Serve accepts connections on listen until ctx is done, then closes every
// session and waits for them to finish.
func (s *MediaServer) Serve(ctx context.Context, listen net.Listener) error {
	defer listen.Close()

	go func() {
		<-ctx.Done()
		listen.Close()
	}()

	for {
		conn, err := listen.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.closeAll()
				s.wg.Wait()
				return nil
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		sess := s.newMediaSession(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.start(ctx)
		}()
	}
}

func (s *MediaServer) newMediaSession(conn net.Conn) *MediaSession {
	id := s.registry.NewSessionId()
	sess := &MediaSession{
		id:     id,
		conn:   conn,
		server: s,
		quit:   make(chan struct{}),
		log: s.log.WithFields(logrus.Fields{
			"session": id,
			"remote":  conn.RemoteAddr().String(),
		}),
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess
}

func (s *MediaServer) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.registry.ReleaseSession(id)
}

// CloseSession disconnects the session with the given id.
func (s *MediaServer) CloseSession(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	_ = sess.Close()
	return true
}

// SessionCount is the number of connected RTMP clients.
func (s *MediaServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *MediaServer) closeAll() {
	s.mu.Lock()
	sessions := make([]*MediaSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.Close()
	}
}
