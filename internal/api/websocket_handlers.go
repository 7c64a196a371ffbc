package api

import (
	"net/http"
)

// HandleSyncWebSocket upgrades a device connection to the relay.
func (h *Handler) HandleSyncWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleConnection(w, r)
}
