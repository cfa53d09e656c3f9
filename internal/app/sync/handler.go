package sync

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	platformauth "github.com/taskpulse/project/internal/platform/auth"
)

// Handler upgrades authenticated requests to websocket connections and keys
// them by the token's subject.
type Handler struct {
	Registry *Registry
	Tokens   platformauth.Manager
	Upgrader websocket.Upgrader
}

func NewHandler(registry *Registry, tokens platformauth.Manager) *Handler {
	return &Handler{
		Registry: registry,
		Tokens:   tokens,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients cannot set Authorization on the upgrade, so
			// origin checking is left to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := platformauth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return
	}
	claims, err := h.Tokens.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("sync: upgrade for owner %s: %v", claims.Subject, err)
		return
	}

	connID := fmt.Sprintf("%s-%d", claims.Subject, time.Now().UnixNano())
	c := newConn(connID, claims.Subject, ws)
	h.Registry.Register(c)

	go c.writePump()
	go c.readPump(func() {
		if removed := h.Registry.Deregister(c.OwnerID, c.ID); removed != nil {
			removed.close()
		}
	})
}
