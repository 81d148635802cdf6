package websocket

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/coursehub/backend/internal/auth"
	apperrors "github.com/coursehub/backend/internal/errors"
)

// Handler handles WebSocket connections.
type Handler struct {
	hub         *Hub
	authService *auth.Service
	upgrader    websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. allowedOrigins of nil or
// containing "*" accepts any origin.
func NewHandler(hub *Hub, authService *auth.Service, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:         hub,
		authService: authService,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
				return true
			}
			return slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// ServeWS authenticates and upgrades a connection. The credential comes from
// the Authorization header or, for browsers that cannot set headers, the
// token query parameter. Nothing is upgraded without a valid credential.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	token, ok := auth.BearerToken(r)
	if !ok {
		token = r.URL.Query().Get("token")
	}

	user, err := h.authService.Authenticate(token)
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.hub.log.WarnErr(r.Context(), "websocket upgrade failed", err)
		return
	}

	client := NewClient(h.hub, conn, user.UserID)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
