package server

import (
	"chatterbox/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetPreferences handles GET /api/preferences
func (s *Server) GetPreferences(c *fiber.Ctx) error {
	prefs, err := s.preferencesService.Get(c.UserContext(), currentUserID(c))
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(prefs)
}

// UpdatePreferences handles PATCH /api/preferences
// @Summary Update one preference section
// @Description Body is {"section": "appearance|privacy|notifications|chat", "payload": {...}}
// @Tags preferences
// @Accept json
// @Produce json
// @Param request body service.PreferenceCommand true "Section update"
// @Success 200 {object} models.UserPreferences
// @Failure 400 {object} models.ErrorResponse
// @Router /preferences [patch]
func (s *Server) UpdatePreferences(c *fiber.Ctx) error {
	var cmd service.PreferenceCommand
	if err := parseBody(c, &cmd); err != nil {
		return nil
	}
	prefs, err := s.preferencesService.Apply(c.UserContext(), currentUserID(c), cmd)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(prefs)
}

// ChangePassword handles PUT /api/preferences/password
func (s *Server) ChangePassword(c *fiber.Ctx) error {
	var req service.PasswordChange
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	if err := s.preferencesService.ChangePassword(c.UserContext(), currentUserID(c), req); err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Password updated"})
}
