package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kdlbs/orchestra/internal/agentmanager"
	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway wires a Hub to an HTTP route, upgrading each request to a
// WebSocket connection and running its reader/writer pair.
type Gateway struct {
	Hub    *Hub
	logger *logger.Logger
}

// NewGateway constructs the Gateway component around the
// given Coordinator and Agent Manager.
func NewGateway(coord *coordinator.Coordinator, agentMgr *agentmanager.Manager, log *logger.Logger) *Gateway {
	return &Gateway{
		Hub:    NewHub(coord, agentMgr, log),
		logger: log.WithFields(zap.String("component", "gateway")),
	}
}

// SetupRoutes mounts the Gateway's single upgrade endpoint.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.handleConnection)
}

func (g *Gateway) handleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, g.Hub, g.logger)
	g.Hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
