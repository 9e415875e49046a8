package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Publisher is the part of *redis.Client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type redisEnvelope struct {
	*Event
	Time int64 `json:"time"`
}

// RedisSink forwards notifications as JSON to a Redis pub/sub channel.
// Handle never blocks the emitter; when the queue is full the event is dropped.
type RedisSink struct {
	client  Publisher
	channel string
	queue   chan []byte
	log     logrus.FieldLogger
}

func NewRedisSink(client Publisher, channel string, log logrus.FieldLogger) *RedisSink {
	return &RedisSink{
		client:  client,
		channel: channel,
		queue:   make(chan []byte, 1024),
		log:     log.WithField("component", "redis-events"),
	}
}

func (s *RedisSink) Handle(e *Event) {
	b, err := json.Marshal(redisEnvelope{Event: e, Time: time.Now().UnixMilli()})
	if err != nil {
		s.log.WithError(err).Warn("marshal event")
		return
	}
	select {
	case s.queue <- b:
	default:
		s.log.WithField("event", e.Kind.String()).Warn("event queue full, dropping")
	}
}

// Run publishes queued events until ctx is done.
func (s *RedisSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-s.queue:
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := s.client.Publish(pubCtx, s.channel, b).Err()
			cancel()
			if err != nil {
				s.log.WithError(err).Warn("publish event")
			}
		}
	}
}
