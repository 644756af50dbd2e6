package service

import (
	"context"
	"time"

	"chatterbox/internal/cache"
	"chatterbox/internal/events"
	"chatterbox/internal/featureflags"
	"chatterbox/internal/middleware"
	"chatterbox/internal/models"
	"chatterbox/internal/notifications"
	"chatterbox/internal/repository"
	"chatterbox/internal/storage"
)

// ChatConfig wires the collaborators of a ChatService.
type ChatConfig struct {
	Store       *repository.Store
	Files       storage.AttachmentStore
	Broadcaster Broadcaster
	Events      events.Publisher
	Flags       *featureflags.Manager
}

// ChatService runs chat operations transactionally and fans the resulting
// changes out to live sessions and the event stream.
type ChatService struct {
	store    *repository.Store
	messages *MessageStore
	engine   *UserChatEngine
	registry *Registry
	delivery *Delivery
	gate     *SendGate
	notify   Broadcaster
	events   events.Publisher
	flags    *featureflags.Manager
}

// NewChatService creates a ChatService.
func NewChatService(cfg ChatConfig) *ChatService {
	s := &ChatService{
		store:  cfg.Store,
		notify: cfg.Broadcaster,
		events: cfg.Events,
		flags:  cfg.Flags,
	}
	if s.notify == nil {
		s.notify = noopBroadcaster{}
	}
	s.messages = NewMessageStore(cfg.Store, cfg.Files, func() bool {
		return s.flags.On(featureflags.AttachmentThumbnails)
	})
	s.engine = NewUserChatEngine(cfg.Store, s.messages)
	s.registry = NewRegistry(cfg.Store, s.engine)
	s.delivery = NewDelivery(cfg.Store, s.engine)
	s.gate = NewSendGate(cfg.Store)
	return s
}

// Messages exposes the message store, used for shutdown draining.
func (s *ChatService) Messages() *MessageStore {
	return s.messages
}

type chatTx struct {
	messages *MessageStore
	engine   *UserChatEngine
	registry *Registry
	delivery *Delivery
	store    *repository.Store
}

func (s *ChatService) inTx(ctx context.Context, fn func(tx chatTx) error) error {
	return s.store.Transaction(ctx, func(store *repository.Store) error {
		messages := s.messages.withStore(store)
		engine := s.engine.withStore(store, messages)
		return fn(chatTx{
			messages: messages,
			engine:   engine,
			registry: s.registry.withStore(store, engine),
			delivery: s.delivery.withStore(store, engine),
			store:    store,
		})
	})
}

// SendMessageInput carries a new message.
type SendMessageInput struct {
	ConversationID uint
	SenderID       uint
	Text           string
	Uploads        []Upload
}

// SendMessage validates the sender, uploads attachments, persists the
// message, updates every member's view and notifies the members.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*MessageView, error) {
	conv, err := s.store.Conversations.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Check(ctx, conv, in.SenderID); err != nil {
		return nil, err
	}
	if len(in.Uploads) > models.MaxAttachmentsPerMessage {
		return nil, models.NewValidationError("A message can carry at most 6 attachments")
	}
	if len(in.Uploads) == 0 && isBlank(in.Text) {
		return nil, models.NewValidationError("Message text or attachments are required")
	}

	atts, err := s.messages.UploadAttachments(ctx, conv.ID, in.Uploads)
	if err != nil {
		return nil, err
	}

	var msg *models.Message
	var memberIDs []uint
	err = s.inTx(ctx, func(tx chatTx) error {
		var err error
		if memberIDs, err = tx.store.Conversations.MemberIDs(ctx, conv.ID); err != nil {
			return err
		}
		if msg, err = tx.messages.CreateMessage(ctx, conv.ID, in.SenderID, in.Text, atts); err != nil {
			return err
		}
		return tx.engine.OnMessageSent(ctx, memberIDs, msg)
	})
	if err != nil {
		var keys []string
		for _, a := range atts {
			keys = append(keys, a.Locator, a.ThumbnailLocator)
		}
		s.messages.DiscardRemote(ctx, keys...)
		return nil, err
	}

	cache.InvalidateUnread(ctx, memberIDs...)
	sender := s.summary(ctx, in.SenderID)
	view := RenderMessage(msg, in.SenderID, sender)

	s.notify.Notify(ctx, notifications.EventNewMessage, memberIDs, view)
	s.notify.Notify(ctx, notifications.EventUpdateLastMessage, memberIDs, ViewUpdate{
		ConversationID: conv.ID,
		LastMessage:    models.LastMessage{MessageID: &msg.ID, Message: ResolvePreview(msg, in.SenderID)},
	})
	s.notifyUnread(ctx, conv.ID, without(memberIDs, in.SenderID))

	publishEvent(ctx, s.events, events.Event{
		Type:           events.MessageCreated,
		ConversationID: conv.ID,
		ActorID:        in.SenderID,
		Payload:        map[string]interface{}{"message_id": msg.ID, "message_type": msg.MessageType, "attachments": len(atts)},
		OccurredAt:     msg.CreatedAt,
	})
	return &view, nil
}

// ListMessages returns a newest-first page of the conversation as viewerID
// sees it.
func (s *ChatService) ListMessages(ctx context.Context, convID, viewerID uint, before *repository.Cursor, limit int) ([]MessageView, error) {
	if err := s.messages.ensureParticipant(ctx, convID, viewerID); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListMessages(ctx, convID, before, limit)
	if err != nil {
		return nil, err
	}

	senderIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		senderIDs = append(senderIDs, m.SenderID)
	}
	users, err := s.store.Users.GetByIDs(ctx, uniqueIDs(senderIDs))
	if err != nil {
		return nil, err
	}
	byID := usersByID(users)

	out := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		var sender *models.UserSummary
		if u, ok := byID[msgs[i].SenderID]; ok {
			summary := u.Summary()
			sender = &summary
		}
		out = append(out, RenderMessage(&msgs[i], viewerID, sender))
	}
	return out, nil
}

// DeleteForMe hides the target from actorID and repoints actorID's preview
// when it showed the deleted content.
func (s *ChatService) DeleteForMe(ctx context.Context, messageID, actorID uint, target DeleteTarget) (*MessageView, error) {
	var msg *models.Message
	var updates []ViewUpdate
	err := s.inTx(ctx, func(tx chatTx) error {
		var err error
		if msg, err = tx.messages.DeleteForMe(ctx, messageID, actorID, target); err != nil {
			return err
		}
		updates, err = tx.engine.RecomputeAfterDelete(ctx, msg, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}

	view := RenderMessage(msg, actorID, nil)
	s.notify.Notify(ctx, notifications.EventMessageDeleted, []uint{actorID}, view)
	s.pushViewUpdates(ctx, updates)
	return &view, nil
}

// DeleteForEveryone blanks the target for all viewers and repoints every
// preview that showed it. Only the sender may do this.
func (s *ChatService) DeleteForEveryone(ctx context.Context, messageID, actorID uint, target DeleteTarget) (*MessageView, error) {
	var msg *models.Message
	var updates []ViewUpdate
	var memberIDs []uint
	err := s.inTx(ctx, func(tx chatTx) error {
		var err error
		if msg, err = tx.messages.DeleteForEveryone(ctx, messageID, actorID, target); err != nil {
			return err
		}
		if memberIDs, err = tx.store.Conversations.MemberIDs(ctx, msg.ConversationID); err != nil {
			return err
		}
		updates, err = tx.engine.RecomputeAfterDelete(ctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, uid := range memberIDs {
		s.notify.Notify(ctx, notifications.EventMessageDeleted, []uint{uid}, RenderMessage(msg, uid, nil))
	}
	s.pushViewUpdates(ctx, updates)

	publishEvent(ctx, s.events, events.Event{
		Type:           events.MessageDeleted,
		ConversationID: msg.ConversationID,
		ActorID:        actorID,
		Payload:        map[string]interface{}{"message_id": msg.ID, "attachment_id": target.AttachmentID, "deleted_for_everyone": msg.DeletedForEveryone},
		OccurredAt:     time.Now(),
	})
	view := RenderMessage(msg, actorID, nil)
	return &view, nil
}

// ClearChat hides the whole history of the conversation from actorID.
func (s *ChatService) ClearChat(ctx context.Context, convID, actorID uint) error {
	if err := s.messages.ensureParticipant(ctx, convID, actorID); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx chatTx) error {
		if err := tx.messages.ClearChat(ctx, convID, actorID); err != nil {
			return err
		}
		return tx.engine.ClearPreview(ctx, actorID, convID)
	})
	if err != nil {
		return err
	}

	cache.InvalidateUnread(ctx, actorID)
	s.notify.Notify(ctx, notifications.EventChatCleared, []uint{actorID}, map[string]uint{"conversation_id": convID})
	s.notify.Notify(ctx, notifications.EventUpdateLastMessage, []uint{actorID}, ViewUpdate{ConversationID: convID})
	s.notify.Notify(ctx, notifications.EventUnreadCountUpdated, []uint{actorID}, ConversationUnread{ConversationID: convID})
	return nil
}

// CreateDirect returns the pair's direct conversation, creating it when needed.
func (s *ChatService) CreateDirect(ctx context.Context, actorID, peerID uint) (*ConversationDetail, bool, error) {
	var conv *models.Conversation
	var created bool
	err := s.inTx(ctx, func(tx chatTx) error {
		var err error
		conv, created, err = tx.registry.CreateDirect(ctx, actorID, peerID)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	detail, err := s.detail(ctx, conv)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.notify.Notify(ctx, notifications.EventRefetchChats, conv.MemberIDs(), nil)
		s.publishConversation(ctx, events.ConversationCreated, conv.ID, actorID, map[string]interface{}{"is_group": false})
	}
	return detail, created, nil
}

// CreateGroup creates a group owned by creatorID.
func (s *ChatService) CreateGroup(ctx context.Context, creatorID uint, name string, memberIDs []uint) (*ConversationDetail, error) {
	var conv *models.Conversation
	err := s.inTx(ctx, func(tx chatTx) error {
		var err error
		conv, err = tx.registry.CreateGroup(ctx, creatorID, name, memberIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	detail, err := s.detail(ctx, conv)
	if err != nil {
		return nil, err
	}
	s.notify.Notify(ctx, notifications.EventRefetchChats, conv.MemberIDs(), nil)
	s.publishConversation(ctx, events.ConversationCreated, conv.ID, creatorID, map[string]interface{}{"is_group": true, "members": conv.MemberIDs()})
	return detail, nil
}

// AddMember adds targetID to a group owned by actorID.
func (s *ChatService) AddMember(ctx context.Context, convID, actorID, targetID uint) (*ConversationDetail, error) {
	var conv *models.Conversation
	err := s.inTx(ctx, func(tx chatTx) error {
		var err error
		conv, err = tx.registry.AddMember(ctx, convID, actorID, targetID)
		return err
	})
	if err != nil {
		return nil, err
	}

	detail, err := s.detail(ctx, conv)
	if err != nil {
		return nil, err
	}
	s.notify.Notify(ctx, notifications.EventGroupMemberUpdated, conv.MemberIDs(), detail)
	s.notify.Notify(ctx, notifications.EventRefetchChats, []uint{targetID}, nil)
	s.publishConversation(ctx, events.MemberAdded, conv.ID, actorID, map[string]uint{"user_id": targetID})
	return detail, nil
}

// RemoveMember removes targetID from a group owned by actorID.
func (s *ChatService) RemoveMember(ctx context.Context, convID, actorID, targetID uint) (*ConversationDetail, error) {
	var conv *models.Conversation
	var changes []StatusChange
	err := s.inTx(ctx, func(tx chatTx) error {
		var err error
		if conv, err = tx.registry.RemoveMember(ctx, convID, actorID, targetID); err != nil {
			return err
		}
		changes, err = tx.delivery.Reevaluate(ctx, convID)
		return err
	})
	if err != nil {
		return nil, err
	}

	detail, err := s.detail(ctx, conv)
	if err != nil {
		return nil, err
	}
	cache.InvalidateUnread(ctx, targetID)
	s.notify.Notify(ctx, notifications.EventGroupMemberUpdated, append(conv.MemberIDs(), targetID), detail)
	s.notify.Notify(ctx, notifications.EventRefetchChats, []uint{targetID}, nil)
	s.publishConversation(ctx, events.MemberRemoved, conv.ID, actorID, map[string]uint{"user_id": targetID})
	s.pushStatusChanges(ctx, actorID, changes)
	return detail, nil
}

// LeaveGroup removes actorID from a group. A creator must name a successor.
func (s *ChatService) LeaveGroup(ctx context.Context, convID, actorID uint, successorID *uint) error {
	var conv *models.Conversation
	var changes []StatusChange
	err := s.inTx(ctx, func(tx chatTx) error {
		var err error
		if conv, err = tx.registry.Leave(ctx, convID, actorID, successorID); err != nil {
			return err
		}
		changes, err = tx.delivery.Reevaluate(ctx, convID)
		return err
	})
	if err != nil {
		return err
	}

	detail, err := s.detail(ctx, conv)
	if err != nil {
		return err
	}
	cache.InvalidateUnread(ctx, actorID)
	remaining := conv.MemberIDs()
	s.notify.Notify(ctx, notifications.EventGroupMemberUpdated, remaining, detail)
	if leaver := s.summary(ctx, actorID); leaver != nil {
		s.notify.Notify(ctx, notifications.EventAlert, remaining, map[string]interface{}{
			"conversation_id": conv.ID,
			"message":         leaver.Username + " left the group",
		})
	}
	s.notify.Notify(ctx, notifications.EventRefetchChats, []uint{actorID}, nil)
	s.publishConversation(ctx, events.MemberRemoved, conv.ID, actorID, map[string]interface{}{"user_id": actorID, "left": true})
	s.pushStatusChanges(ctx, actorID, changes)
	return nil
}

// DeleteGroup deletes a group owned by actorID with its whole history.
func (s *ChatService) DeleteGroup(ctx context.Context, convID, actorID uint) error {
	var memberIDs []uint
	var locators []string
	err := s.inTx(ctx, func(tx chatTx) error {
		var err error
		memberIDs, locators, err = tx.registry.DeleteGroup(ctx, convID, actorID)
		return err
	})
	if err != nil {
		return err
	}

	s.messages.DiscardRemote(ctx, locators...)
	cache.InvalidateUnread(ctx, memberIDs...)
	s.notify.Notify(ctx, notifications.EventRefetchChats, memberIDs, nil)
	s.publishConversation(ctx, events.ConversationDeleted, convID, actorID, nil)
	return nil
}

// RenameGroup renames a group owned by actorID.
func (s *ChatService) RenameGroup(ctx context.Context, convID, actorID uint, name string) (*ConversationDetail, error) {
	return s.updateGroup(ctx, actorID, func(tx chatTx) (*models.Conversation, error) {
		return tx.registry.Rename(ctx, convID, actorID, name)
	})
}

// UpdateGroupInfo changes the description and avatar of a group owned by actorID.
func (s *ChatService) UpdateGroupInfo(ctx context.Context, convID, actorID uint, description, avatar *string) (*ConversationDetail, error) {
	return s.updateGroup(ctx, actorID, func(tx chatTx) (*models.Conversation, error) {
		return tx.registry.UpdateInfo(ctx, convID, actorID, description, avatar)
	})
}

func (s *ChatService) updateGroup(ctx context.Context, actorID uint, fn func(tx chatTx) (*models.Conversation, error)) (*ConversationDetail, error) {
	var conv *models.Conversation
	err := s.inTx(ctx, func(tx chatTx) error {
		var err error
		conv, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	detail, err := s.detail(ctx, conv)
	if err != nil {
		return nil, err
	}
	s.notify.Notify(ctx, notifications.EventGroupMemberUpdated, conv.MemberIDs(), detail)
	s.publishConversation(ctx, events.ConversationUpdated, conv.ID, actorID, map[string]string{"name": conv.Name})
	return detail, nil
}

// GetConversation returns a conversation to a member or former member.
func (s *ChatService) GetConversation(ctx context.Context, convID, viewerID uint) (*ConversationDetail, error) {
	conv, err := s.store.Conversations.GetByID(ctx, convID)
	if err != nil {
		return nil, err
	}
	if err := s.messages.ensureParticipant(ctx, convID, viewerID); err != nil {
		return nil, err
	}
	return s.detail(ctx, conv)
}

// ListMyConversations returns userID's conversations merged with userID's
// views, most recent activity first.
func (s *ChatService) ListMyConversations(ctx context.Context, userID uint, activeOnly bool) ([]ChatListItem, error) {
	views, err := s.store.UserChats.ListByUser(ctx, userID, activeOnly)
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return []ChatListItem{}, nil
	}

	convIDs := make([]uint, 0, len(views))
	for _, v := range views {
		convIDs = append(convIDs, v.ConversationID)
	}
	convs, err := s.store.Conversations.GetByIDs(ctx, convIDs)
	if err != nil {
		return nil, err
	}
	byConv := make(map[uint]*models.Conversation, len(convs))
	var userIDs []uint
	for i := range convs {
		byConv[convs[i].ID] = &convs[i]
		userIDs = append(userIDs, convs[i].MemberIDs()...)
	}
	users, err := s.store.Users.GetByIDs(ctx, uniqueIDs(userIDs))
	if err != nil {
		return nil, err
	}
	byUser := usersByID(users)

	items := make([]ChatListItem, 0, len(views))
	for i := range views {
		conv, ok := byConv[views[i].ConversationID]
		if !ok {
			continue
		}
		items = append(items, RenderChatListItem(conv, &views[i], byUser))
	}
	return items, nil
}

// MarkDelivered acknowledges delivery in one conversation and notifies the
// senders whose messages advanced.
func (s *ChatService) MarkDelivered(ctx context.Context, convID, readerID uint) ([]StatusChange, error) {
	var changes []StatusChange
	err := s.inTx(ctx, func(tx chatTx) error {
		var err error
		changes, err = tx.delivery.MarkDelivered(ctx, convID, readerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.pushStatusChanges(ctx, readerID, changes)
	return changes, nil
}

// MarkRead acknowledges reading in one conversation, zeroes the reader's
// unread counter and notifies the senders whose messages advanced.
func (s *ChatService) MarkRead(ctx context.Context, convID, readerID uint) ([]StatusChange, error) {
	return s.MarkReadMany(ctx, readerID, []uint{convID})
}

// MarkReadMany marks several conversations read.
func (s *ChatService) MarkReadMany(ctx context.Context, readerID uint, convIDs []uint) ([]StatusChange, error) {
	var changes []StatusChange
	err := s.inTx(ctx, func(tx chatTx) error {
		var err error
		changes, err = tx.delivery.MarkReadMany(ctx, readerID, convIDs)
		return err
	})
	if err != nil {
		return nil, err
	}
	cache.InvalidateUnread(ctx, readerID)
	for _, convID := range uniqueIDs(convIDs) {
		s.notify.Notify(ctx, notifications.EventUnreadCountUpdated, []uint{readerID}, ConversationUnread{ConversationID: convID})
	}
	s.pushStatusChanges(ctx, readerID, changes)
	return changes, nil
}

// MarkDeliveredAll acknowledges delivery in every active conversation of
// readerID, typically when a session connects.
func (s *ChatService) MarkDeliveredAll(ctx context.Context, readerID uint) ([]StatusChange, error) {
	var changes []StatusChange
	err := s.inTx(ctx, func(tx chatTx) error {
		var err error
		changes, err = tx.delivery.MarkDeliveredAll(ctx, readerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.pushStatusChanges(ctx, readerID, changes)
	return changes, nil
}

// UnreadSummary returns userID's unread counters.
func (s *ChatService) UnreadSummary(ctx context.Context, userID uint) (*UnreadSummary, error) {
	return s.delivery.UnreadSummary(ctx, userID)
}

// SetBlocked blocks or unblocks a conversation for actorID.
func (s *ChatService) SetBlocked(ctx context.Context, convID, actorID uint, blocked bool) (*models.UserChat, error) {
	conv, err := s.store.Conversations.GetByID(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(actorID) {
		return nil, models.NewForbiddenError("You are not a member of this conversation")
	}

	var view *models.UserChat
	err = s.inTx(ctx, func(tx chatTx) error {
		var err error
		view, err = tx.engine.SetBlocked(ctx, actorID, convID, blocked)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify.Notify(ctx, notifications.EventRefetchChats, []uint{actorID}, nil)
	return view, nil
}

// RelayTyping forwards a typing indicator to the other members. It is a
// no-op when the indicator is switched off for the typist.
func (s *ChatService) RelayTyping(ctx context.Context, convID, userID uint, typing bool) error {
	if !s.flags.Enabled(featureflags.TypingIndicators, userID) {
		return nil
	}
	members, err := s.store.Conversations.MemberIDs(ctx, convID)
	if err != nil {
		return err
	}
	if !contains(members, userID) {
		return models.NewForbiddenError("You are not a member of this conversation")
	}
	prefs, err := s.store.Preferences.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !prefs.TypingIndicator {
		return nil
	}

	event := notifications.EventStopTyping
	if typing {
		event = notifications.EventStartTyping
	}
	s.notify.Notify(ctx, event, without(members, userID), map[string]uint{
		"conversation_id": convID,
		"user_id":         userID,
	})
	return nil
}

func (s *ChatService) pushStatusChanges(ctx context.Context, readerID uint, changes []StatusChange) {
	for _, change := range changes {
		event, streamType := notifications.EventMessageDelivered, events.MessagesDelivered
		if change.Status == models.MessageStatusRead {
			event, streamType = notifications.EventMessageRead, events.MessagesRead
		}
		s.notify.Notify(ctx, event, []uint{change.SenderID}, change)
		publishEvent(ctx, s.events, events.Event{
			Type:           streamType,
			ConversationID: change.ConversationID,
			ActorID:        readerID,
			Payload:        change,
			OccurredAt:     time.Now(),
		})
	}
}

func (s *ChatService) pushViewUpdates(ctx context.Context, updates []ViewUpdate) {
	for _, u := range updates {
		s.notify.Notify(ctx, notifications.EventUpdateLastMessage, []uint{u.UserID}, u)
	}
}

// notifyUnread pushes each recipient's own unread counter.
func (s *ChatService) notifyUnread(ctx context.Context, convID uint, recipients []uint) {
	if len(recipients) == 0 {
		return
	}
	views, err := s.store.UserChats.ListByConversation(ctx, convID)
	if err != nil {
		middleware.Logger.WarnContext(ctx, "load views for unread push failed", "conversation_id", convID, "error", err)
		return
	}
	for _, v := range views {
		if contains(recipients, v.UserID) {
			s.notify.Notify(ctx, notifications.EventUnreadCountUpdated, []uint{v.UserID}, ConversationUnread{
				ConversationID: convID,
				UnreadCount:    v.UnreadCount,
			})
		}
	}
}

func (s *ChatService) publishConversation(ctx context.Context, eventType string, convID, actorID uint, payload interface{}) {
	publishEvent(ctx, s.events, events.Event{
		Type:           eventType,
		ConversationID: convID,
		ActorID:        actorID,
		Payload:        payload,
		OccurredAt:     time.Now(),
	})
}

func (s *ChatService) detail(ctx context.Context, conv *models.Conversation) (*ConversationDetail, error) {
	users, err := s.store.Users.GetByIDs(ctx, conv.MemberIDs())
	if err != nil {
		return nil, err
	}
	detail := RenderConversation(conv, usersByID(users))
	return &detail, nil
}

func (s *ChatService) summary(ctx context.Context, userID uint) *models.UserSummary {
	u, err := s.store.Users.GetByID(ctx, userID)
	if err != nil {
		return nil
	}
	summary := u.Summary()
	return &summary
}
