package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/procurenet/notify-engine/internal/realtime"
	"go.uber.org/zap"
)

type RealtimeHandler struct {
	hub    *realtime.Hub
	auth   *realtime.TokenAuthenticator
	logger *zap.Logger
}

func NewRealtimeHandler(hub *realtime.Hub, auth *realtime.TokenAuthenticator, logger *zap.Logger) (*RealtimeHandler, error) {
	if hub == nil {
		return nil, fmt.Errorf("realtime hub is required")
	}
	if auth == nil {
		return nil, fmt.Errorf("token authenticator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeHandler{hub: hub, auth: auth, logger: logger}, nil
}

func RegisterRealtimeRoutes(router fiber.Router, hub *realtime.Hub, auth *realtime.TokenAuthenticator, logger *zap.Logger) error {
	h, err := NewRealtimeHandler(hub, auth, logger)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Use("/realtime", h.authenticateUpgrade)
	v1.Get("/realtime", websocket.New(h.handleSocket))

	return nil
}

// authenticateUpgrade runs before the protocol switch so a bad token gets a
// proper HTTP status instead of an opened-then-closed socket.
func (h *RealtimeHandler) authenticateUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	recipientID, err := h.auth.Verify(strings.TrimSpace(c.Query("token")))
	if err != nil {
		return toHTTPError(err)
	}

	c.Locals("recipientId", recipientID)
	return c.Next()
}

func (h *RealtimeHandler) handleSocket(conn *websocket.Conn) {
	defer conn.Close()

	recipientID, ok := conn.Locals("recipientId").(string)
	if !ok || recipientID == "" {
		return
	}

	ctx := context.Background()
	session, err := h.hub.Connect(ctx, recipientID)
	if err != nil {
		h.logger.Warn("failed to register socket",
			zap.String("recipientId", recipientID),
			zap.Error(err),
		)
		return
	}
	defer h.hub.Disconnect(ctx, session)

	// Drain the read side so client closes and pings are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, open := <-session.Events():
			if !open {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
