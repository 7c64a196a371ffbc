package relay

import (
	"context"
	"net/http"

	"practice-sync/internal/middleware"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// devices connect from native apps and the CLI, not from browsers
		return true
	},
}

// WebSocketHandler upgrades device connections and attaches them to the hub.
type WebSocketHandler struct {
	hub *Hub
	log *zap.SugaredLogger
}

func NewWebSocketHandler(hub *Hub, log *zap.SugaredLogger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, log: log}
}

// HandleConnection serves /ws?identity=<id>&token=<credential>. The token is
// accepted as is; credential checks belong to the deployment in front.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}

	ctx, span := middleware.StartSpan(r.Context(), "Relay.Connect",
		attribute.String("identity", identity),
		attribute.Bool("token.present", r.URL.Query().Get("token") != ""),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("Failed to upgrade websocket", "identity", identity, "error", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := NewSession(h.hub, conn, identity, r.RemoteAddr)
	h.hub.Register(session)

	// the request context ends when this handler returns; the pumps outlive it
	sessionCtx := context.WithoutCancel(ctx)
	go session.WritePump()
	go session.ReadPump(sessionCtx)

	h.log.Infow("Websocket connection established", "identity", identity, "session", session.ID, "remote", r.RemoteAddr)
}
