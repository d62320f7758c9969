package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"liyu1981.xyz/smartplant-service/pkg/common"
)

const (
	DefaultSendBuffer   = 64
	DefaultMirrorBuffer = 1024
)

var ErrUnknownConnection = errors.New("unknown connection")

// Message is what subscribers and sinks receive for every Publish.
type Message struct {
	Room    string    `json:"room"`
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// EventSink mirrors hub traffic to an external system. Handle runs on the
// hub's Run goroutine and should ignore messages it does not care about.
type EventSink interface {
	Name() string
	Handle(ctx context.Context, msg Message) error
}

type member struct {
	id    string
	send  chan Message
	rooms map[string]struct{}
}

// Hub is the in-memory room fan-out. It keeps no history: a message
// published to a room with no members is gone.
type Hub struct {
	mu      sync.RWMutex
	members map[string]*member
	rooms   map[string]map[string]*member

	sinks  []EventSink
	mirror chan Message

	sendBuffer int
	now        func() time.Time
}

type Options struct {
	SendBuffer   int
	MirrorBuffer int
	Now          func() time.Time
}

func New(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.MirrorBuffer <= 0 {
		opts.MirrorBuffer = DefaultMirrorBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		members:    make(map[string]*member),
		rooms:      make(map[string]map[string]*member),
		mirror:     make(chan Message, opts.MirrorBuffer),
		sendBuffer: opts.SendBuffer,
		now:        opts.Now,
	}
}

func logger() *zap.Logger {
	return common.GetLoggerWith(common.LoggerNameHub)
}

// AddSink must be called before Run.
func (h *Hub) AddSink(sink EventSink) {
	h.sinks = append(h.sinks, sink)
}

// Register adds a connection and returns the channel its messages arrive
// on. The channel is closed by Unregister, or by the hub when the
// connection falls too far behind.
func (h *Hub) Register(connID string) <-chan Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.members[connID]; ok {
		h.dropLocked(old)
	}
	m := &member{
		id:    connID,
		send:  make(chan Message, h.sendBuffer),
		rooms: make(map[string]struct{}),
	}
	h.members[connID] = m
	logger().Debug("Connection registered", zap.String("connId", connID))
	return m.send
}

func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.members[connID]; ok {
		h.dropLocked(m)
		logger().Debug("Connection unregistered", zap.String("connId", connID))
	}
}

func (h *Hub) dropLocked(m *member) {
	for room := range m.rooms {
		h.leaveLocked(m, room)
	}
	delete(h.members, m.id)
	close(m.send)
}

func (h *Hub) Join(connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[connID]
	if !ok {
		return ErrUnknownConnection
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*member)
		h.rooms[room] = members
	}
	members[connID] = m
	m.rooms[room] = struct{}{}
	return nil
}

func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.members[connID]; ok {
		h.leaveLocked(m, room)
	}
}

func (h *Hub) leaveLocked(m *member, room string) {
	delete(m.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, m.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Publish delivers to every member of room without blocking. Members whose
// buffer is full are disconnected, and sinks only see the message if the
// mirror buffer has room.
func (h *Hub) Publish(room, event string, payload any) {
	msg := Message{Room: room, Event: event, Payload: payload, At: h.now().UTC()}

	var slow []string
	h.mu.RLock()
	for id, m := range h.rooms[room] {
		select {
		case m.send <- msg:
		default:
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		logger().Warn("Connection send buffer full, removing", zap.String("connId", id), zap.String("room", room))
		h.Unregister(id)
	}

	if len(h.sinks) == 0 {
		return
	}
	select {
	case h.mirror <- msg:
	default:
		logger().Warn("Mirror buffer full, event not mirrored", zap.String("room", room), zap.String("event", event))
	}
}

// Run feeds mirrored messages to the sinks until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-h.mirror:
			for _, sink := range h.sinks {
				if err := sink.Handle(ctx, msg); err != nil {
					logger().Error("Sink failed",
						zap.String("sink", sink.Name()),
						zap.String("room", msg.Room),
						zap.String("event", msg.Event),
						zap.Error(err))
				}
			}
		}
	}
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Stream is a one-way subscription to a single room, used by the SSE
// endpoint and the gRPC command stream.
type Stream struct {
	ID   string
	C    <-chan Message
	hub  *Hub
	once sync.Once
}

func (h *Hub) Subscribe(room string) *Stream {
	id := "stream-" + uuid.NewString()
	c := h.Register(id)
	// cannot fail, the connection was just registered
	_ = h.Join(id, room)
	return &Stream{ID: id, C: c, hub: h}
}

func (s *Stream) Close() {
	s.once.Do(func() {
		s.hub.Unregister(s.ID)
	})
}
