package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"chatterbox/internal/middleware"
	"chatterbox/internal/models"
	"chatterbox/internal/repository"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper.  Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 100
	defaultSearchLimit     = 20
)

// currentUserID returns the caller set by AuthRequired or WebSocketAuth.
func currentUserID(c *fiber.Ctx) uint {
	id, _ := c.Locals("userID").(uint)
	return id
}

// respondAppError writes err with the status its AppError code maps to.
// Details of internal errors are only exposed outside production.
func (s *Server) respondAppError(c *fiber.Ctx, err error) error {
	status := models.HTTPStatus(err)
	if status >= fiber.StatusInternalServerError {
		middleware.Logger.ErrorContext(c.UserContext(), "request failed",
			"method", c.Method(), "path", c.Path(), "error", err)
	}
	expose := s.config != nil && !s.config.IsProduction()
	return models.RespondWithError(c, status, err, expose)
}

// parseBody decodes the request body. On failure it writes a 400 JSON
// response and returns errResponseWritten.
func parseBody(c *fiber.Ctx, dest interface{}) error {
	if err := c.BodyParser(dest); err != nil {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
		return errResponseWritten
	}
	return nil
}

// parseID extracts a route parameter by name as a positive uint.
// On failure it writes a 400 JSON response and returns errResponseWritten.
// Callers should check: if err != nil { return nil }
// The error message is derived from the parameter name (e.g. "id" -> "Invalid ID",
// "userId" -> "Invalid user ID", "requestId" -> "Invalid request ID").
func (s *Server) parseID(c *fiber.Ctx, param string) (uint, error) {
	id, err := c.ParamsInt(param)
	if err != nil || id <= 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid "+humanizeParam(param)))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// humanizeParam converts a route param name into a human-readable label.
// Examples: "id" -> "ID", "userId" -> "user ID", "requestId" -> "request ID".
func humanizeParam(param string) string {
	if param == "id" {
		return "ID"
	}
	if strings.HasSuffix(param, "Id") {
		words := splitCamel(param[:len(param)-2])
		return strings.ToLower(strings.Join(words, " ")) + " ID"
	}
	return param
}

// splitCamel splits a camelCase string into words.
func splitCamel(s string) []string {
	var words []string
	start := 0
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			words = append(words, s[start:i])
			start = i
		}
	}
	words = append(words, s[start:])
	return words
}

// parseLimit reads the limit query parameter, clamped to [1, max].
func parseLimit(c *fiber.Ctx, def, max int) int {
	limit := c.QueryInt("limit", def)
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}

// encodeCursor renders a history cursor as "<unix-nanos>_<id>".
func encodeCursor(createdAt time.Time, id uint) string {
	return fmt.Sprintf("%d_%d", createdAt.UnixNano(), id)
}

// decodeCursor parses the before query parameter. An empty value means the
// newest page.
func decodeCursor(raw string) (*repository.Cursor, error) {
	if raw == "" {
		return nil, nil
	}
	nanos, id, ok := strings.Cut(raw, "_")
	if !ok {
		return nil, models.NewValidationError("Invalid cursor")
	}
	ns, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, models.NewValidationError("Invalid cursor")
	}
	mid, err := strconv.ParseUint(id, 10, 32)
	if err != nil || mid == 0 {
		return nil, models.NewValidationError("Invalid cursor")
	}
	return &repository.Cursor{CreatedAt: time.Unix(0, ns).UTC(), ID: uint(mid)}, nil
}
