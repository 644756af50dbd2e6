package server

import (
	"context"
	"strings"

	"chatterbox/internal/middleware"
	"chatterbox/internal/models"
	"chatterbox/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Signup handles POST /api/auth/signup
// @Summary User signup
// @Description Register a new user account
// @Tags auth
// @Accept json
// @Produce json
// @Param request body service.SignupInput true "Signup request"
// @Success 201 {object} service.AuthResult
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /auth/signup [post]
func (s *Server) Signup(c *fiber.Ctx) error {
	var req service.SignupInput
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	result, err := s.userService.Signup(c.UserContext(), req)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

// Login handles POST /api/auth/login
// @Summary User login
// @Description Authenticate with username or email and return a token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body object{identifier=string,password=string} true "Login credentials"
// @Success 200 {object} service.AuthResult
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/login [post]
func (s *Server) Login(c *fiber.Ctx) error {
	var req struct {
		Identifier string `json:"identifier"`
		Email      string `json:"email"`
		Password   string `json:"password"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	if req.Identifier == "" {
		req.Identifier = req.Email
	}
	if req.Identifier == "" || req.Password == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Identifier and password are required"))
	}

	result, err := s.userService.Login(c.UserContext(), req.Identifier, req.Password)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(result)
}

// Logout handles POST /api/auth/logout
func (s *Server) Logout(c *fiber.Ctx) error {
	claims, _ := c.Locals("claims").(middleware.TokenClaims)
	if err := s.userService.Logout(c.UserContext(), claims); err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Logged out"})
}

// IssueWSTicket handles POST /api/ws/ticket
// @Summary Issue websocket ticket
// @Description Returns a single-use ticket valid for 30 seconds
// @Tags realtime
// @Produce json
// @Success 200 {object} object{ticket=string,expires_in=int}
// @Router /ws/ticket [post]
func (s *Server) IssueWSTicket(c *fiber.Ctx) error {
	ticket, err := s.userService.IssueWSTicket(c.UserContext(), currentUserID(c))
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(fiber.Map{
		"ticket":     ticket,
		"expires_in": 30,
	})
}

// AuthRequired validates the bearer token and stores the caller in locals.
func (s *Server) AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := ""
		if parts := strings.SplitN(c.Get("Authorization"), " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
			tokenString = strings.TrimSpace(parts[1])
		}
		if tokenString == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Authorization required"))
		}

		claims, err := s.userService.Authenticate(c.UserContext(), tokenString)
		if err != nil {
			return s.respondAppError(c, err)
		}

		setCaller(c, claims.UserID)
		c.Locals("claims", claims)
		return c.Next()
	}
}

// WebSocketAuth admits websocket upgrades carrying a valid single-use ticket.
func (s *Server) WebSocketAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		userID, err := s.userService.RedeemWSTicket(c.UserContext(), c.Query("ticket"))
		if err != nil {
			return s.respondAppError(c, err)
		}
		setCaller(c, userID)
		return c.Next()
	}
}

func setCaller(c *fiber.Ctx, userID uint) {
	c.Locals("userID", userID)
	// Sync to UserContext for logging and downstream services
	c.SetUserContext(context.WithValue(c.UserContext(), middleware.UserIDKey, userID))
}
