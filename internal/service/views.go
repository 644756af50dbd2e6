package service

import (
	"time"

	"chatterbox/internal/models"
)

// MessageView is a message as one viewer sees it. Content hidden from the
// viewer is left out; content deleted for everyone is flagged.
type MessageView struct {
	ID                     uint                 `json:"id"`
	ConversationID         uint                 `json:"conversation_id"`
	SenderID               uint                 `json:"sender_id"`
	Sender                 *models.UserSummary  `json:"sender,omitempty"`
	Text                   string               `json:"text"`
	MessageType            string               `json:"message_type"`
	Status                 models.MessageStatus `json:"status"`
	Attachments            []models.Attachment  `json:"attachments"`
	DeletedAttachmentIDs   []uint               `json:"deleted_attachment_ids,omitempty"`
	TextDeletedForMe       bool                 `json:"text_deleted_for_me"`
	TextDeletedForEveryone bool                 `json:"text_deleted_for_everyone"`
	DeletedForEveryone     bool                 `json:"deleted_for_everyone"`
	DeliveredTo            []uint               `json:"delivered_to"`
	ReadBy                 []uint               `json:"read_by"`
	CreatedAt              time.Time            `json:"created_at"`
}

// RenderMessage builds viewerID's view of msg. sender may be nil.
func RenderMessage(msg *models.Message, viewerID uint, sender *models.UserSummary) MessageView {
	view := MessageView{
		ID:                     msg.ID,
		ConversationID:         msg.ConversationID,
		SenderID:               msg.SenderID,
		Sender:                 sender,
		MessageType:            msg.MessageType,
		Status:                 msg.Status,
		Attachments:            msg.VisibleAttachments(viewerID),
		TextDeletedForMe:       msg.HiddenFor(viewerID, models.TextTarget),
		TextDeletedForEveryone: msg.TextDeletedForEveryone,
		DeletedForEveryone:     msg.DeletedForEveryone,
		DeliveredTo:            msg.DeliveredTo(),
		ReadBy:                 msg.ReadBy(),
		CreatedAt:              msg.CreatedAt,
	}
	if msg.TextVisibleTo(viewerID) {
		view.Text = msg.Text
	}
	for _, att := range msg.Attachments {
		if att.DeletedForEveryone && !msg.HiddenFor(viewerID, att.ID) {
			view.DeletedAttachmentIDs = append(view.DeletedAttachmentIDs, att.ID)
		}
	}
	return view
}

// ConversationDetail is a conversation with its member profiles resolved.
type ConversationDetail struct {
	ID             uint                   `json:"id"`
	Name           string                 `json:"name,omitempty"`
	Description    string                 `json:"description,omitempty"`
	Avatar         string                 `json:"avatar,omitempty"`
	IsGroup        bool                   `json:"is_group"`
	CreatorID      *uint                  `json:"creator_id,omitempty"`
	Members        []models.UserSummary   `json:"members"`
	RemovedMembers []models.RemovedMember `json:"removed_members,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// RenderConversation resolves member profiles from users. Members without a
// profile in users are skipped.
func RenderConversation(conv *models.Conversation, users map[uint]models.User) ConversationDetail {
	detail := ConversationDetail{
		ID:             conv.ID,
		Name:           conv.Name,
		Description:    conv.Description,
		Avatar:         conv.Avatar,
		IsGroup:        conv.IsGroup,
		CreatorID:      conv.CreatorID,
		Members:        make([]models.UserSummary, 0, len(conv.Members)),
		RemovedMembers: conv.RemovedMembers,
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
	}
	for _, id := range conv.MemberIDs() {
		if u, ok := users[id]; ok {
			detail.Members = append(detail.Members, u.Summary())
		}
	}
	return detail
}

// ChatListItem is one entry of a user's conversation list: the conversation
// merged with that user's view of it.
type ChatListItem struct {
	ConversationDetail
	DisplayName     string             `json:"display_name"`
	LastMessage     models.LastMessage `json:"last_message"`
	LastMessageTime *time.Time         `json:"last_message_time"`
	UnreadCount     int                `json:"unread_count"`
	IsActive        bool               `json:"is_active"`
	LeftAt          *time.Time         `json:"left_at"`
	IsBlocked       bool               `json:"is_blocked"`
	BlockedAt       *time.Time         `json:"blocked_at"`
}

// RenderChatListItem merges conv with view. Direct conversations are named
// after the peer.
func RenderChatListItem(conv *models.Conversation, view *models.UserChat, users map[uint]models.User) ChatListItem {
	item := ChatListItem{
		ConversationDetail: RenderConversation(conv, users),
		DisplayName:        conv.Name,
		LastMessage:        view.LastMessage(),
		LastMessageTime:    view.LastMessageTime,
		UnreadCount:        view.UnreadCount,
		IsActive:           view.IsActive,
		LeftAt:             view.LeftAt,
		IsBlocked:          view.IsBlocked,
		BlockedAt:          view.BlockedAt,
	}
	if peerID, ok := conv.OtherMember(view.UserID); ok {
		if peer, found := users[peerID]; found {
			item.DisplayName = peer.FullName
			if item.DisplayName == "" {
				item.DisplayName = peer.Username
			}
			item.Avatar = peer.Avatar
		}
	}
	return item
}

func usersByID(users []models.User) map[uint]models.User {
	out := make(map[uint]models.User, len(users))
	for _, u := range users {
		out[u.ID] = u
	}
	return out
}
