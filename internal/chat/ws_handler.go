package chat

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ageniuscoder/mmchat/dmcore/internal/auth"
	"github.com/ageniuscoder/mmchat/dmcore/internal/httpx"
)

// Gate admits a credential token and returns the user it names.
type Gate interface {
	Admit(ctx context.Context, token string) (string, error)
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		},
	}
}

// RegisterWS mounts GET /ws for authenticated clients.
// Auth works via:
// 1) Query:  ?token=<JWT>
// 2) Header: Authorization: Bearer <JWT>
// A refused token is answered before the upgrade and leaves no presence
// state behind.
func RegisterWS(rg gin.IRoutes, hub *Hub, gate Gate, allowedOrigins []string) {
	upgrader := newUpgrader(allowedOrigins)
	rg.GET("/ws", func(c *gin.Context) {
		uid, err := gate.Admit(c.Request.Context(), auth.RequestToken(c.Request))
		if err != nil {
			httpx.Fail(c, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Debug().Err(err).Str("user_id", uid).Msg("websocket upgrade failed")
			return
		}

		client := newClient(hub, conn, uid)
		go client.writePump()
		hub.join(client)
		go client.readPump()
	})
}
