package chatter

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/putto11262002/chatrooms/core"
)

// WSHandler upgrades authenticated requests. Authentication runs on the
// upgrade request so a rejected client never holds a connection.
type WSHandler struct {
	manager *core.ConnManager
	logger  *slog.Logger
}

func NewWSHandler(manager *core.ConnManager, logger *slog.Logger) *WSHandler {
	return &WSHandler{manager: manager, logger: logger}
}

// ConnectHandler writes no error body: a failed upgrade has already replied.
func (h *WSHandler) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	user := core.UserFromRequest(r)
	if err := h.manager.Connect(user, w, r); err != nil {
		h.logger.Debug(fmt.Sprintf("connect: %v", err), slog.String("user", user.ID))
	}
}
