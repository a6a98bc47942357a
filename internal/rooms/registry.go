// Package rooms fans webhook events out to the live UI sessions watching a
// call. Rooms are keyed by provider call ID and exist only while at least
// one subscriber is joined; all state is process local.
package rooms

import (
	"sync"

	"github.com/google/uuid"
	"github.com/loadlink-ai/dispatch-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// Envelope is one message delivered to a subscriber, mirroring the wire
// shape sent over the websocket.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Session is a single subscriber's delivery queue. A slow subscriber never
// blocks publishing; messages beyond its buffer are dropped.
type Session struct {
	ID string
	ch chan Envelope
}

// NewSession creates a subscriber queue with the given buffer size.
func NewSession(buffer int) *Session {
	return &Session{
		ID: uuid.NewString(),
		ch: make(chan Envelope, buffer),
	}
}

// C is the channel the subscriber's write loop drains.
func (s *Session) C() <-chan Envelope {
	return s.ch
}

// Registry is the in-memory room table.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Session
}

// NewRegistry creates an empty room table.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]*Session),
	}
}

// Join adds a session to the room for callID, creating the room on first
// join. Joining a second room does not remove the session from the first;
// callers leave explicitly.
func (r *Registry) Join(callID string, s *Session) {
	r.mu.Lock()
	room, ok := r.rooms[callID]
	if !ok {
		room = make(map[string]*Session)
		r.rooms[callID] = room
	}
	room[s.ID] = s
	size := len(room)
	r.mu.Unlock()

	logger.Base().Info("Session joined call room",
		zap.String("call_id", callID),
		zap.String("session_id", s.ID),
		zap.Int("room_size", size))
}

// Leave removes a session from the room for callID and deletes the room
// once it is empty. Leaving a room the session never joined is a no-op.
func (r *Registry) Leave(callID string, s *Session) {
	r.mu.Lock()
	room, ok := r.rooms[callID]
	if ok {
		delete(room, s.ID)
		if len(room) == 0 {
			delete(r.rooms, callID)
		}
	}
	r.mu.Unlock()

	if ok {
		logger.Base().Info("Session left call room",
			zap.String("call_id", callID),
			zap.String("session_id", s.ID))
	}
}

// Publish delivers an event to every session in the room for callID and
// returns the number of sessions it reached. Sessions whose buffers are
// full are skipped.
func (r *Registry) Publish(callID, event string, data interface{}) int {
	r.mu.RLock()
	room := r.rooms[callID]
	snapshot := make([]*Session, 0, len(room))
	for _, s := range room {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	env := Envelope{Event: event, Data: data}
	delivered := 0
	for _, s := range snapshot {
		select {
		case s.ch <- env:
			delivered++
		default:
			logger.Base().Warn("Dropping event for slow session",
				zap.String("call_id", callID),
				zap.String("session_id", s.ID),
				zap.String("event", event))
		}
	}
	return delivered
}

// RoomCount reports how many call rooms currently have subscribers.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// SubscriberCount reports how many sessions are watching callID.
func (r *Registry) SubscriberCount(callID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[callID])
}
