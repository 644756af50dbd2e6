package server

import (
	"github.com/gofiber/fiber/v2"
)

// SendRequest handles POST /api/requests/:userId
// @Summary Ask a user to chat
// @Tags requests
// @Produce json
// @Param userId path int true "Receiver ID"
// @Success 201 {object} models.ChatRequest
// @Failure 409 {object} models.ErrorResponse
// @Router /requests/{userId} [post]
func (s *Server) SendRequest(c *fiber.Ctx) error {
	receiverID, err := s.parseID(c, "userId")
	if err != nil {
		return nil
	}
	req, err := s.requestService.Send(c.UserContext(), currentUserID(c), receiverID)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

// GetIncomingRequests handles GET /api/requests
func (s *Server) GetIncomingRequests(c *fiber.Ctx) error {
	reqs, err := s.requestService.Incoming(c.UserContext(), currentUserID(c))
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(reqs)
}

// AcceptRequest handles POST /api/requests/:requestId/accept and returns the
// direct conversation it opened.
func (s *Server) AcceptRequest(c *fiber.Ctx) error {
	requestID, err := s.parseID(c, "requestId")
	if err != nil {
		return nil
	}
	detail, err := s.requestService.Accept(c.UserContext(), requestID, currentUserID(c))
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(detail)
}

// RejectRequest handles POST /api/requests/:requestId/reject
func (s *Server) RejectRequest(c *fiber.Ctx) error {
	requestID, err := s.parseID(c, "requestId")
	if err != nil {
		return nil
	}
	if err := s.requestService.Reject(c.UserContext(), requestID, currentUserID(c)); err != nil {
		return s.respondAppError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
