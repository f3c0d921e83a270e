package transport

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/auth"
	"github.com/flylive/msab/internal/v1/logging"
)

type handshakeToken struct {
	value        string
	fromProtocol bool
}

// extractToken pulls the handshake token, in priority order: Authorization
// header, ?token= query param, then Sec-WebSocket-Protocol "bearer,<token>"
// (browsers cannot set arbitrary headers on WebSocket requests).
func extractToken(c *gin.Context) handshakeToken {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return handshakeToken{value: token}
		}
	}

	if token := c.Query("token"); token != "" {
		return handshakeToken{value: token}
	}

	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	if headerVal != "" {
		sawBearer := false
		for part := range strings.SplitSeq(headerVal, ",") {
			part = strings.TrimSpace(part)
			if part == "bearer" {
				sawBearer = true
				continue
			}
			if sawBearer && part != "" {
				return handshakeToken{value: part, fromProtocol: true}
			}
		}
	}

	return handshakeToken{}
}

// upgrade performs the WebSocket upgrade. When the token arrived via the
// subprotocol header, the "bearer" marker (never the token itself) is
// echoed back so browsers accept the negotiated protocol.
func (h *Hub) upgrade(c *gin.Context, token handshakeToken) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return auth.ValidateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{},
	}

	responseHeader := http.Header{}
	if token.fromProtocol {
		responseHeader.Set("Sec-WebSocket-Protocol", "bearer")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}
