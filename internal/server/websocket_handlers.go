package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatterbox/internal/middleware"
	"chatterbox/internal/models"
	"chatterbox/internal/notifications"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	typingRateLimit  = 10
	typingRateWindow = 10 * time.Second
)

// inboundFrame is the payload of every client-originated frame.
type inboundFrame struct {
	ConversationID uint `json:"conversation_id"`
}

// WebSocketHandler serves GET /api/ws. Each connection is one session in the
// presence registry; on connect every pending message addressed to the user
// is acknowledged as delivered.
func (s *Server) WebSocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID, ok := conn.Locals("userID").(uint)
		if !ok || userID == 0 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"unauthorized"}`))
			_ = conn.Close()
			return
		}
		ctx := context.WithValue(context.Background(), middleware.UserIDKey, userID)

		client := notifications.NewClient(s.presence, conn, userID)
		client.IncomingHandler = func(c *notifications.Client, frame []byte) {
			s.handleInbound(ctx, c, frame)
		}

		if _, err := s.presence.Connect(ctx, userID, client); err != nil {
			middleware.Logger.WarnContext(ctx, "websocket session rejected", "error", err)
			if frame, encErr := notifications.Encode(notifications.EventAlert, fiber.Map{"message": err.Error()}); encErr == nil {
				_ = conn.WriteMessage(websocket.TextMessage, frame)
			}
			_ = conn.Close()
			return
		}
		// Closing Send after ReadPump stops WritePump; TrySend on a closed
		// channel is recovered.
		defer close(client.Send)

		go client.WritePump()

		if frame, err := notifications.Encode(notifications.EventOnlineUsers, s.presence.OnlineUsers(ctx)); err == nil {
			client.TrySend(frame)
		}
		if _, err := s.chatService.MarkDeliveredAll(ctx, userID); err != nil {
			middleware.Logger.WarnContext(ctx, "mark delivered on connect failed", "error", err)
		}

		client.ReadPump()
	})
}

// handleInbound dispatches one client frame. Failures are reported back to
// the session as an ALERT frame.
func (s *Server) handleInbound(ctx context.Context, c *notifications.Client, data []byte) {
	env, err := notifications.Decode(data)
	if err != nil {
		s.alert(c, models.NewValidationError("Invalid frame"))
		return
	}
	var in inboundFrame
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &in); err != nil {
			s.alert(c, models.NewValidationError("Invalid payload"))
			return
		}
	}
	if in.ConversationID == 0 {
		s.alert(c, models.NewValidationError("conversation_id is required"))
		return
	}

	switch env.Type {
	case notifications.InboundStartTyping, notifications.InboundStopTyping:
		allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "typing",
			fmt.Sprintf("user:%d", c.UserID), typingRateLimit, typingRateWindow)
		if !allowed {
			return
		}
		err = s.chatService.RelayTyping(ctx, in.ConversationID, c.UserID, env.Type == notifications.InboundStartTyping)
	case notifications.InboundMarkRead:
		_, err = s.chatService.MarkRead(ctx, in.ConversationID, c.UserID)
	case notifications.InboundMarkDelivered:
		_, err = s.chatService.MarkDelivered(ctx, in.ConversationID, c.UserID)
	default:
		err = models.NewValidationError("Unknown frame type " + env.Type)
	}
	if err != nil {
		s.alert(c, err)
	}
}

func (s *Server) alert(c *notifications.Client, err error) {
	var appErr *models.AppError
	payload := fiber.Map{"message": "Internal server error", "code": models.CodeInternal}
	if errors.As(err, &appErr) {
		payload = fiber.Map{"message": appErr.Message, "code": appErr.Code}
	}
	if appErr == nil || appErr.Code == models.CodeInternal {
		middleware.Logger.Error("websocket frame failed", "user_id", c.UserID, "session", c.ID, "error", err)
	}
	if frame, encErr := notifications.Encode(notifications.EventAlert, payload); encErr == nil {
		c.TrySend(frame)
	}
}
