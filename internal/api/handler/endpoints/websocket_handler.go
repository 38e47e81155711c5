package endpoints

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"imgflow"
	"imgflow/internal/api/handler/middleware"
	"imgflow/internal/api/handler/response"
	"imgflow/internal/api/service"
	flowws "imgflow/internal/api/websocket"
	"imgflow/pkg"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type websocketHandler struct {
	hub         *flowws.Hub
	processor   *flowws.MessageProcessor
	flowService *service.FlowService
	logger      zerolog.Logger
	config      imgflow.AppConfig
}

func newWebSocketHandler(hub *flowws.Hub, processor *flowws.MessageProcessor, flows *service.FlowService, config imgflow.AppConfig, logger zerolog.Logger) *websocketHandler {
	return &websocketHandler{
		hub:         hub,
		processor:   processor,
		flowService: flows,
		logger:      logger,
		config:      config,
	}
}

// WebSocketHandler sets up WebSocket routes
func WebSocketHandler(router gin.IRouter, hub *flowws.Hub, processor *flowws.MessageProcessor, flows *service.FlowService) {
	newWebSocketHandler(hub, processor, flows, imgflow.GetConfig(), imgflow.Logger).register(router)
}

func (slf *websocketHandler) register(router gin.IRouter) {
	wsRoutes := router.Group("/api/v1/ws")
	wsRoutes.Use(middleware.AuthMiddleware(slf.config))
	{
		wsRoutes.GET("/flows/:id", slf.handleWebSocket)
		wsRoutes.GET("/flows/:id/users", slf.getActiveUsers)
		wsRoutes.GET("/stats", slf.getRoomStats)
	}
}

// handleWebSocket joins the caller to the editing room of a flow
func (slf *websocketHandler) handleWebSocket(c *gin.Context) {
	flowID, err := pkg.ParseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}

	// Opening the session up front turns an unknown flow into a 404 instead
	// of a socket that fails on its first edit.
	if _, err = slf.flowService.Snapshot(flowID); err != nil {
		abortWithError(c, slf.logger, err, "Failed to open flow")
		return
	}

	userID, _ := pkg.GetUserID(c)
	username := c.GetString("username")
	if username == "" {
		username = fmt.Sprintf("User%d", userID)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slf.logger.Error().Err(err).Msg("Failed to upgrade to WebSocket")
		return
	}

	clientID := uuid.New().String()
	client := flowws.NewClient(clientID, userID, username, flowID, slf.hub, conn, slf.processor, slf.logger)

	select {
	case slf.hub.Register <- client:
	case <-slf.hub.Done():
		close(client.ProcessQueue)
		conn.Close()
		return
	}

	slf.logger.Info().
		Str("clientId", clientID).
		Uint("userId", userID).
		Uint("flowId", flowID).
		Msg("WebSocket connection established")

	go client.WritePump()
	go client.ReadPump()
}

// getActiveUsers returns the list of active users in a room
func (slf *websocketHandler) getActiveUsers(c *gin.Context) {
	flowID, err := pkg.ParseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"flowId": flowID,
		"users":  slf.hub.GetActiveUsersInRoom(flowID),
	})
}

// getRoomStats returns statistics about all active rooms
func (slf *websocketHandler) getRoomStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rooms": slf.hub.GetRoomStats(),
	})
}
