package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ghostmesh/ghostmesh/internal/app"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/outbound"
	"github.com/ghostmesh/ghostmesh/internal/pkg/log"
	"github.com/ghostmesh/ghostmesh/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth already ran in middleware; the origin check is the gateway
	// token, not the browser origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFrame is one inbound WebSocket message. Ghost switching is
// connection state: a "ghost <name>" control rebinds the connection
// rather than reaching the chat service.
type wsFrame struct {
	Ghost      string `json:"ghost,omitempty"`
	Text       string `json:"text"`
	Platform   string `json:"platform,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

type wsHandler struct {
	app *app.App
}

func (h *wsHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	currentGhost := ""
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Ghost != "" {
			currentGhost = frame.Ghost
		}

		if ctrl, ok := transport.ParseControl(frame.Text); ok && ctrl.Kind == transport.ControlGhost {
			currentGhost = ctrl.Ghost
			h.write(conn, []outbound.Message{outbound.Text("switched to ghost " + ctrl.Ghost)})
			continue
		}
		if currentGhost == "" {
			h.write(conn, []outbound.Message{outbound.Err("no ghost selected; send ghost <name> first")})
			continue
		}

		op, err := resolveOperator(c, h.app, frame.Platform, frame.ExternalID)
		if err != nil {
			h.write(conn, []outbound.Message{outbound.Err(err.Error())})
			continue
		}
		out, err := h.app.Chat.HandleOperatorMessage(c.Request.Context(), op, currentGhost, frame.Text, nil)
		if err != nil {
			log.Warn("[ws] turn failed: %v", err)
			h.write(conn, []outbound.Message{outbound.Err("processing failed; try again later")})
			continue
		}
		h.write(conn, out)
	}
}

func (h *wsHandler) write(conn *websocket.Conn, msgs []outbound.Message) {
	if err := conn.WriteJSON(gin.H{"messages": msgs}); err != nil {
		log.Warn("[ws] write: %v", err)
	}
}
