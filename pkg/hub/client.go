package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// Control is the only message a websocket client may send: join or leave
// a room it is authorized for.
type Control struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

type controlReply struct {
	Event   string `json:"event"`
	Room    string `json:"room"`
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

// Authorizer decides whether a connection may join room.
type Authorizer func(room string) bool

// Client pumps hub messages to one websocket connection.
type Client struct {
	ID        string
	Hub       *Hub
	Conn      *websocket.Conn
	Authorize Authorizer

	recv    <-chan Message
	replies chan controlReply
}

// Serve registers the connection, joins the initial rooms and runs both
// pumps. It returns once the connection is closed.
func (c *Client) Serve(rooms ...string) {
	c.recv = c.Hub.Register(c.ID)
	c.replies = make(chan controlReply, 8)
	for _, room := range rooms {
		_ = c.Hub.Join(c.ID, room)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump()
	<-done
}

func (c *Client) readPump() {
	log := logger().With(zap.String("connId", c.ID))
	defer func() {
		c.Hub.Unregister(c.ID)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ctl Control
		if err := c.Conn.ReadJSON(&ctl); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("Websocket read error", zap.Error(err))
			}
			return
		}
		c.handleControl(ctl)
	}
}

func (c *Client) handleControl(ctl Control) {
	reply := controlReply{Event: ctl.Action, Room: ctl.Room}

	switch {
	case ctl.Action != "join" && ctl.Action != "leave":
		reply.Error = "unknown action"
	case ctl.Room == "":
		reply.Error = "room is required"
	case ctl.Action == "leave":
		c.Hub.Leave(c.ID, ctl.Room)
		reply.Success = true
	case c.Authorize != nil && !c.Authorize(ctl.Room):
		reply.Error = "forbidden"
	default:
		if err := c.Hub.Join(c.ID, ctl.Room); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Success = true
		}
	}

	select {
	case c.replies <- reply:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.recv:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeJSON(msg); err != nil {
				return
			}
		case reply := <-c.replies:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.writeJSON(reply); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		logger().Error("Failed to encode websocket message", zap.String("connId", c.ID), zap.Error(err))
		return nil
	}
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}
