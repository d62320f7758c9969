package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"liyu1981.xyz/smartplant-service/pkg/hub"
	"liyu1981.xyz/smartplant-service/pkg/iot"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (rs *RestfulServer) serveSocket(c *gin.Context, room string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		rs.logger().Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	client := &hub.Client{
		ID:        uuid.NewString(),
		Hub:       rs.Hub,
		Conn:      conn,
		Authorize: func(r string) bool { return r == room },
	}

	rs.logger().Info("Websocket connected", zap.String("connId", client.ID), zap.String("room", room))
	client.Serve(room)
	rs.logger().Info("Websocket disconnected", zap.String("connId", client.ID))
}

// ServeOwnerSocket joins the caller to their own room only.
func (rs *RestfulServer) ServeOwnerSocket(c *gin.Context) {
	rs.serveSocket(c, iot.OwnerRoom(ownerID(c)))
}

// ServeDeviceSocket joins a device to the shared command room.
func (rs *RestfulServer) ServeDeviceSocket(c *gin.Context) {
	rs.serveSocket(c, iot.DeviceRoom())
}
