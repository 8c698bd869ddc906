package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay-chat/internal/auth"
	relayerrors "relay-chat/pkg/errors"
)

// statusLoginTimeout distinguishes expired credentials from generically
// invalid ones, so clients know to refresh instead of logging out.
const statusLoginTimeout = 440

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gatekeeper validates upgrade requests against the identity verifier
// before a connection object exists. It never touches the room index or
// the durable store.
type Gatekeeper struct {
	verifier      auth.Verifier
	hub           *Hub
	verifyTimeout time.Duration
	logger        *ConnLogger
}

func NewGatekeeper(verifier auth.Verifier, hub *Hub, verifyTimeout time.Duration, logger *ConnLogger) *Gatekeeper {
	if verifyTimeout == 0 {
		verifyTimeout = 3 * time.Second
	}
	return &Gatekeeper{verifier: verifier, hub: hub, verifyTimeout: verifyTimeout, logger: logger}
}

// Handle upgrades HTTP to WebSocket after the bearer credential checks out.
func (g *Gatekeeper) Handle(c *gin.Context) {
	token := g.extractToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	vctx, cancel := context.WithTimeout(c.Request.Context(), g.verifyTimeout)
	identity, err := g.verifier.Verify(vctx, token)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, relayerrors.ErrTokenExpired):
			c.JSON(statusLoginTimeout, gin.H{"error": "token expired"})
		case errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "verification timed out"})
		default:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		}
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("upgrade failed", identity.UserID, "", err)
		return
	}

	sessionID := uuid.New().String()
	client := NewClient(g.hub, conn, identity.UserID, sessionID, g.logger)

	if err := g.hub.Register(context.Background(), client); err != nil {
		g.logger.Error("admission failed", identity.UserID, sessionID, err,
			zap.String("remote", c.Request.RemoteAddr))
	}
}

func (g *Gatekeeper) extractToken(c *gin.Context) string {
	// Query parameter first: browsers cannot set headers on websocket
	// connects, so ws://host/ws?token=... is the primary placement.
	token := c.Query("token")
	if token != "" {
		return token
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}

	return ""
}
