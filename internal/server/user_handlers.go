package server

import (
	"chatterbox/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetMyProfile handles GET /api/users/me
func (s *Server) GetMyProfile(c *fiber.Ctx) error {
	user, err := s.userService.Profile(c.UserContext(), currentUserID(c))
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(user)
}

// UpdateMyProfile handles PUT /api/users/me
// @Summary Update profile
// @Tags users
// @Accept json
// @Produce json
// @Param request body service.ProfileUpdate true "Fields to change"
// @Success 200 {object} models.User
// @Failure 400 {object} models.ErrorResponse
// @Router /users/me [put]
func (s *Server) UpdateMyProfile(c *fiber.Ctx) error {
	var req service.ProfileUpdate
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	user, err := s.userService.UpdateProfile(c.UserContext(), currentUserID(c), req)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(user)
}

// SearchUsers handles GET /api/users/search?q=
func (s *Server) SearchUsers(c *fiber.Ctx) error {
	limit := parseLimit(c, defaultSearchLimit, maxMessagePageSize)
	users, err := s.userService.Search(c.UserContext(), c.Query("q"), currentUserID(c), limit)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(users)
}

// GetUserProfile handles GET /api/users/:id. Other users only see the
// public summary.
func (s *Server) GetUserProfile(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	user, err := s.userService.Profile(c.UserContext(), id)
	if err != nil {
		return s.respondAppError(c, err)
	}
	if id == currentUserID(c) {
		return c.JSON(user)
	}
	return c.JSON(user.Summary())
}

// GetFeatureFlags returns the configured flags and their state for the caller.
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"raw":       s.featureFlags.Raw(),
		"evaluated": s.featureFlags.Snapshot(currentUserID(c)),
	})
}
