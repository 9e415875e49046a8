package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Kind enumerates the session lifecycle notifications.
type Kind int

const (
	PreConnect Kind = iota
	PostConnect
	DoneConnect
	PrePublish
	PostPublish
	DonePublish
	PrePlay
	PostPlay
	DonePlay
)

var kindNames = [...]string{
	PreConnect:  "preConnect",
	PostConnect: "postConnect",
	DoneConnect: "doneConnect",
	PrePublish:  "prePublish",
	PostPublish: "postPublish",
	DonePublish: "donePublish",
	PrePlay:     "prePlay",
	PostPlay:    "postPlay",
	DonePlay:    "donePlay",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// MarshalText lets Kind appear by name in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is delivered synchronously to every subscriber. Subscribers of a
// pre* event may call Reject to stop the session from proceeding.
type Event struct {
	Kind       Kind                   `json:"event"`
	SessionID  string                 `json:"id"`
	StreamPath string                 `json:"streamPath,omitempty"`
	Transport  string                 `json:"transport,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`

	mu     sync.Mutex
	reason string
	vetoed bool
}

func (e *Event) Reject(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vetoed = true
	e.reason = reason
}

func (e *Event) Rejected() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vetoed, e.reason
}

type Handler func(e *Event)

type subscription struct {
	kinds   map[Kind]struct{}
	handler Handler
}

// Bus fans notifications out to subscribers without the emitter knowing them.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	log  logrus.FieldLogger
}

func NewBus(log logrus.FieldLogger) *Bus {
	return &Bus{log: log.WithField("component", "events")}
}

// Subscribe registers h for the given kinds, or for every kind when none are given.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) {
	sub := subscription{handler: h}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Emit calls every matching handler in subscription order and reports
// whether the event is still allowed to proceed.
func (b *Bus) Emit(e *Event) bool {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[e.Kind]; !ok {
				continue
			}
		}
		b.call(sub.handler, e)
	}
	rejected, _ := e.Rejected()
	return !rejected
}

func (b *Bus) call(h Handler, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"event":   e.Kind.String(),
				"session": e.SessionID,
			}).Errorf("handler panic: %v", r)
		}
	}()
	h(e)
}
