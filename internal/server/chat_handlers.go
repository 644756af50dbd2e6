package server

import (
	"fmt"
	"io"
	"strings"

	"chatterbox/internal/models"
	"chatterbox/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetMyChats handles GET /api/chats. ?active=true hides conversations the
// caller left or was removed from.
// @Summary List my conversations
// @Tags chats
// @Produce json
// @Param active query bool false "Only active conversations"
// @Success 200 {array} service.ChatListItem
// @Router /chats [get]
func (s *Server) GetMyChats(c *fiber.Ctx) error {
	items, err := s.chatService.ListMyConversations(c.UserContext(), currentUserID(c), c.QueryBool("active", false))
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(items)
}

// GetUnreadSummary handles GET /api/chats/unread
func (s *Server) GetUnreadSummary(c *fiber.Ctx) error {
	summary, err := s.chatService.UnreadSummary(c.UserContext(), currentUserID(c))
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(summary)
}

// MarkChatsRead handles POST /api/chats/read
func (s *Server) MarkChatsRead(c *fiber.Ctx) error {
	var req struct {
		ConversationIDs []uint `json:"conversation_ids"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	if len(req.ConversationIDs) == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("conversation_ids is required"))
	}
	changes, err := s.chatService.MarkReadMany(c.UserContext(), currentUserID(c), req.ConversationIDs)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"changes": nonNilChanges(changes)})
}

// CreateGroup handles POST /api/chats/groups
// @Summary Create a group
// @Tags chats
// @Accept json
// @Produce json
// @Param request body object{name=string,member_ids=[]int} true "Group"
// @Success 201 {object} service.ConversationDetail
// @Failure 400 {object} models.ErrorResponse
// @Router /chats/groups [post]
func (s *Server) CreateGroup(c *fiber.Ctx) error {
	var req struct {
		Name      string `json:"name"`
		MemberIDs []uint `json:"member_ids"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	detail, err := s.chatService.CreateGroup(c.UserContext(), currentUserID(c), req.Name, req.MemberIDs)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(detail)
}

// GetChat handles GET /api/chats/:id
func (s *Server) GetChat(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	detail, err := s.chatService.GetConversation(c.UserContext(), convID, currentUserID(c))
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(detail)
}

// GetMessages handles GET /api/chats/:id/messages?limit=&before=
// @Summary Message history
// @Description Newest first. Pass next_cursor as before to page back.
// @Tags chats
// @Produce json
// @Param id path int true "Conversation ID"
// @Param limit query int false "Page size (max 100)"
// @Param before query string false "Cursor"
// @Success 200 {object} object{messages=[]service.MessageView,next_cursor=string}
// @Router /chats/{id}/messages [get]
func (s *Server) GetMessages(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	before, err := decodeCursor(c.Query("before"))
	if err != nil {
		return s.respondAppError(c, err)
	}
	limit := parseLimit(c, defaultMessagePageSize, maxMessagePageSize)

	msgs, err := s.chatService.ListMessages(c.UserContext(), convID, currentUserID(c), before, limit)
	if err != nil {
		return s.respondAppError(c, err)
	}

	resp := fiber.Map{"messages": msgs, "next_cursor": nil}
	if len(msgs) == limit {
		oldest := msgs[len(msgs)-1]
		resp["next_cursor"] = encodeCursor(oldest.CreatedAt, oldest.ID)
	}
	return c.JSON(resp)
}

// SendMessage handles POST /api/chats/:id/messages. Accepts JSON
// {"text": "..."} or multipart with a text field and attachments files.
// @Summary Send a message
// @Tags chats
// @Accept json,mpfd
// @Produce json
// @Param id path int true "Conversation ID"
// @Success 201 {object} service.MessageView
// @Failure 403 {object} models.ErrorResponse
// @Router /chats/{id}/messages [post]
func (s *Server) SendMessage(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	in := service.SendMessageInput{ConversationID: convID, SenderID: currentUserID(c)}
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		text, uploads, err := s.readMultipartMessage(c)
		if err != nil {
			return s.respondAppError(c, err)
		}
		in.Text = text
		in.Uploads = uploads
	} else {
		var req struct {
			Text string `json:"text"`
		}
		if err := parseBody(c, &req); err != nil {
			return nil
		}
		in.Text = req.Text
	}

	view, err := s.chatService.SendMessage(c.UserContext(), in)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(view)
}

func (s *Server) readMultipartMessage(c *fiber.Ctx) (string, []service.Upload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return "", nil, models.NewValidationError("Invalid multipart body")
	}

	var text string
	if values := form.Value["text"]; len(values) > 0 {
		text = values[0]
	}

	files := form.File["attachments"]
	if len(files) > models.MaxAttachmentsPerMessage {
		return "", nil, models.NewValidationError(
			fmt.Sprintf("A message can carry at most %d attachments", models.MaxAttachmentsPerMessage))
	}
	maxBytes := int64(s.config.MaxUploadMB) << 20

	uploads := make([]service.Upload, 0, len(files))
	for _, fh := range files {
		if maxBytes > 0 && fh.Size > maxBytes {
			return "", nil, models.NewValidationError(
				fmt.Sprintf("%s is larger than %d MB", fh.Filename, s.config.MaxUploadMB))
		}
		f, err := fh.Open()
		if err != nil {
			return "", nil, models.NewInternalError(err)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return "", nil, models.NewInternalError(err)
		}
		uploads = append(uploads, service.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get(fiber.HeaderContentType),
			Data:        data,
		})
	}
	return text, uploads, nil
}

// ClearChat handles DELETE /api/chats/:id/messages
func (s *Server) ClearChat(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	if err := s.chatService.ClearChat(c.UserContext(), convID, currentUserID(c)); err != nil {
		return s.respondAppError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// MarkChatRead handles POST /api/chats/:id/read
func (s *Server) MarkChatRead(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	changes, err := s.chatService.MarkRead(c.UserContext(), convID, currentUserID(c))
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"changes": nonNilChanges(changes)})
}

// MarkChatDelivered handles POST /api/chats/:id/delivered
func (s *Server) MarkChatDelivered(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	changes, err := s.chatService.MarkDelivered(c.UserContext(), convID, currentUserID(c))
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"changes": nonNilChanges(changes)})
}

// BlockChat handles POST /api/chats/:id/block
func (s *Server) BlockChat(c *fiber.Ctx) error {
	return s.setBlocked(c, true)
}

// UnblockChat handles DELETE /api/chats/:id/block
func (s *Server) UnblockChat(c *fiber.Ctx) error {
	return s.setBlocked(c, false)
}

func (s *Server) setBlocked(c *fiber.Ctx, blocked bool) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	view, err := s.chatService.SetBlocked(c.UserContext(), convID, currentUserID(c), blocked)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(view)
}

// RenameGroup handles PUT /api/chats/:id/name
func (s *Server) RenameGroup(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	detail, err := s.chatService.RenameGroup(c.UserContext(), convID, currentUserID(c), req.Name)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(detail)
}

// UpdateGroupInfo handles PUT /api/chats/:id/info
func (s *Server) UpdateGroupInfo(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		Description *string `json:"description"`
		Avatar      *string `json:"avatar"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	detail, err := s.chatService.UpdateGroupInfo(c.UserContext(), convID, currentUserID(c), req.Description, req.Avatar)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(detail)
}

// AddGroupMember handles POST /api/chats/:id/members
func (s *Server) AddGroupMember(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	if req.UserID == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("user_id is required"))
	}
	detail, err := s.chatService.AddMember(c.UserContext(), convID, currentUserID(c), req.UserID)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(detail)
}

// RemoveGroupMember handles DELETE /api/chats/:id/members/:userId
func (s *Server) RemoveGroupMember(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	targetID, err := s.parseID(c, "userId")
	if err != nil {
		return nil
	}
	detail, err := s.chatService.RemoveMember(c.UserContext(), convID, currentUserID(c), targetID)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(detail)
}

// LeaveGroup handles POST /api/chats/:id/leave. The creator must pass
// successor_id.
func (s *Server) LeaveGroup(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		SuccessorID *uint `json:"successor_id"`
	}
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return nil
		}
	}
	if err := s.chatService.LeaveGroup(c.UserContext(), convID, currentUserID(c), req.SuccessorID); err != nil {
		return s.respondAppError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteGroup handles DELETE /api/chats/:id
func (s *Server) DeleteGroup(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	if err := s.chatService.DeleteGroup(c.UserContext(), convID, currentUserID(c)); err != nil {
		return s.respondAppError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteMessageForMe handles POST /api/messages/:id/delete-for-me. An
// attachment_id in the body targets that attachment instead of the text.
func (s *Server) DeleteMessageForMe(c *fiber.Ctx) error {
	messageID, target, ok := s.deletionTarget(c)
	if !ok {
		return nil
	}
	view, err := s.chatService.DeleteForMe(c.UserContext(), messageID, currentUserID(c), target)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(view)
}

// DeleteMessageForEveryone handles POST /api/messages/:id/delete-for-everyone
func (s *Server) DeleteMessageForEveryone(c *fiber.Ctx) error {
	messageID, target, ok := s.deletionTarget(c)
	if !ok {
		return nil
	}
	view, err := s.chatService.DeleteForEveryone(c.UserContext(), messageID, currentUserID(c), target)
	if err != nil {
		return s.respondAppError(c, err)
	}
	return c.JSON(view)
}

func (s *Server) deletionTarget(c *fiber.Ctx) (uint, service.DeleteTarget, bool) {
	messageID, err := s.parseID(c, "id")
	if err != nil {
		return 0, service.DeleteTarget{}, false
	}
	var req struct {
		AttachmentID *uint `json:"attachment_id"`
	}
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return 0, service.DeleteTarget{}, false
		}
	}
	if req.AttachmentID == nil || *req.AttachmentID == models.TextTarget {
		return messageID, service.TextTarget(), true
	}
	return messageID, service.AttachmentTarget(*req.AttachmentID), true
}

func nonNilChanges(changes []service.StatusChange) []service.StatusChange {
	if changes == nil {
		return []service.StatusChange{}
	}
	return changes
}
