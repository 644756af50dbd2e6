package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"chatterbox/internal/models"
	"chatterbox/internal/repository"
)

// Registry owns conversations and their membership rules.
type Registry struct {
	store  *repository.Store
	engine *UserChatEngine
	now    func() time.Time
}

// NewRegistry creates a Registry. engine keeps member views in step with
// membership changes.
func NewRegistry(store *repository.Store, engine *UserChatEngine) *Registry {
	return &Registry{store: store, engine: engine, now: time.Now}
}

func (r *Registry) withStore(tx *repository.Store, engine *UserChatEngine) *Registry {
	c := *r
	c.store = tx
	c.engine = engine
	return &c
}

// CreateDirect returns the direct conversation of the pair, creating it when
// none exists. created reports whether a new conversation was made.
func (r *Registry) CreateDirect(ctx context.Context, userA, userB uint) (conv *models.Conversation, created bool, err error) {
	if userA == 0 || userB == 0 {
		return nil, false, models.NewValidationError("Both participants are required")
	}
	if userA == userB {
		return nil, false, models.NewValidationError("You can't start a conversation with yourself")
	}
	if err := r.requireUsers(ctx, []uint{userA, userB}); err != nil {
		return nil, false, err
	}

	existing, err := r.store.Conversations.FindDirect(ctx, userA, userB)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	key := models.DirectKeyFor(userA, userB)
	conv = &models.Conversation{
		DirectKey: &key,
		Members: []models.ConversationMember{
			{UserID: userA},
			{UserID: userB},
		},
	}
	if err := r.store.Conversations.Create(ctx, conv); err != nil {
		if models.ErrorCode(err) != models.CodeConflict {
			return nil, false, err
		}
		// Lost a race with the peer; the pair already has its conversation.
		existing, findErr := r.store.Conversations.FindDirect(ctx, userA, userB)
		if findErr != nil || existing == nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err := r.engine.Activate(ctx, conv.ID, userA, userB); err != nil {
		return nil, false, err
	}

	conv, err = r.store.Conversations.GetByID(ctx, conv.ID)
	return conv, true, err
}

// CreateGroup creates a named group owned by creatorID. The creator is always
// a member; at least two distinct members are required.
func (r *Registry) CreateGroup(ctx context.Context, creatorID uint, name string, memberIDs []uint) (*models.Conversation, error) {
	name, err := validGroupName(name)
	if err != nil {
		return nil, err
	}
	ids := uniqueIDs(append(append([]uint{}, memberIDs...), creatorID))
	if len(ids) < models.MinConversationMembers {
		return nil, models.NewValidationError("A group needs at least 2 members")
	}
	if err := r.requireUsers(ctx, ids); err != nil {
		return nil, err
	}

	members := make([]models.ConversationMember, 0, len(ids))
	for _, id := range ids {
		members = append(members, models.ConversationMember{UserID: id})
	}
	conv := &models.Conversation{
		Name:      name,
		IsGroup:   true,
		CreatorID: &creatorID,
		Members:   members,
	}
	if err := r.store.Conversations.Create(ctx, conv); err != nil {
		return nil, err
	}
	if err := r.engine.Activate(ctx, conv.ID, ids...); err != nil {
		return nil, err
	}
	return r.store.Conversations.GetByID(ctx, conv.ID)
}

// AddMember adds targetID to a group. Only the creator may add members.
func (r *Registry) AddMember(ctx context.Context, convID, actorID, targetID uint) (*models.Conversation, error) {
	conv, err := r.ownedGroup(ctx, convID, actorID)
	if err != nil {
		return nil, err
	}
	if conv.HasMember(targetID) {
		return nil, models.NewConflictError("User is already a member of this group")
	}
	if _, err := r.store.Users.GetByID(ctx, targetID); err != nil {
		return nil, err
	}

	if err := r.store.Conversations.AddMember(ctx, conv.ID, targetID); err != nil {
		return nil, err
	}
	if err := r.store.Conversations.ClearRemoval(ctx, conv.ID, targetID); err != nil {
		return nil, err
	}
	if err := r.engine.Activate(ctx, conv.ID, targetID); err != nil {
		return nil, err
	}
	return r.store.Conversations.GetByID(ctx, conv.ID)
}

// RemoveMember removes targetID from a group. Only the creator may remove
// members, and the group never drops below two members.
func (r *Registry) RemoveMember(ctx context.Context, convID, actorID, targetID uint) (*models.Conversation, error) {
	conv, err := r.ownedGroup(ctx, convID, actorID)
	if err != nil {
		return nil, err
	}
	if targetID == actorID {
		return nil, models.NewValidationError("Use leave to exit a group you created")
	}
	if !conv.HasMember(targetID) {
		return nil, models.NewNotFoundError("Member", targetID)
	}
	if len(conv.Members)-1 < models.MinConversationMembers {
		return nil, models.NewValidationError("A group must keep at least 2 members")
	}

	if err := r.detach(ctx, conv.ID, targetID); err != nil {
		return nil, err
	}
	return r.store.Conversations.GetByID(ctx, conv.ID)
}

// Leave removes actorID from a group. A leaving creator must hand the group
// to a current member first.
func (r *Registry) Leave(ctx context.Context, convID, actorID uint, successorID *uint) (*models.Conversation, error) {
	conv, err := r.store.Conversations.GetByID(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, models.NewValidationError("You can't leave a direct conversation")
	}
	if !conv.HasMember(actorID) {
		return nil, models.NewForbiddenError("You are not a member of this group")
	}

	creator := conv.IsCreator(actorID)
	if creator {
		if successorID == nil || *successorID == actorID || !conv.HasMember(*successorID) {
			return nil, models.NewValidationError("Choose a current member to take over the group before leaving")
		}
	}
	if len(conv.Members)-1 < models.MinConversationMembers {
		return nil, models.NewValidationError("A group must keep at least 2 members")
	}

	if creator {
		if err := r.store.Conversations.Update(ctx, conv.ID, map[string]interface{}{"creator_id": *successorID}); err != nil {
			return nil, err
		}
	}
	if err := r.detach(ctx, conv.ID, actorID); err != nil {
		return nil, err
	}
	return r.store.Conversations.GetByID(ctx, conv.ID)
}

// DeleteGroup deletes a group with all of its messages and views. It returns
// the former members and the storage keys of the group's attachments.
func (r *Registry) DeleteGroup(ctx context.Context, convID, actorID uint) (memberIDs []uint, locators []string, err error) {
	conv, err := r.ownedGroup(ctx, convID, actorID)
	if err != nil {
		return nil, nil, err
	}
	locators, err = r.store.Messages.AttachmentLocators(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := r.store.Conversations.Delete(ctx, conv.ID); err != nil {
		return nil, nil, err
	}
	return conv.MemberIDs(), locators, nil
}

// Rename changes a group's name. Only the creator may rename.
func (r *Registry) Rename(ctx context.Context, convID, actorID uint, name string) (*models.Conversation, error) {
	conv, err := r.ownedGroup(ctx, convID, actorID)
	if err != nil {
		return nil, err
	}
	name, err = validGroupName(name)
	if err != nil {
		return nil, err
	}
	if err := r.store.Conversations.Update(ctx, conv.ID, map[string]interface{}{"name": name}); err != nil {
		return nil, err
	}
	return r.store.Conversations.GetByID(ctx, conv.ID)
}

// UpdateInfo changes a group's description and avatar. nil leaves a field as is.
func (r *Registry) UpdateInfo(ctx context.Context, convID, actorID uint, description, avatar *string) (*models.Conversation, error) {
	conv, err := r.ownedGroup(ctx, convID, actorID)
	if err != nil {
		return nil, err
	}
	fields := map[string]interface{}{}
	if description != nil {
		fields["description"] = strings.TrimSpace(*description)
	}
	if avatar != nil {
		fields["avatar"] = strings.TrimSpace(*avatar)
	}
	if len(fields) == 0 {
		return conv, nil
	}
	if err := r.store.Conversations.Update(ctx, conv.ID, fields); err != nil {
		return nil, err
	}
	return r.store.Conversations.GetByID(ctx, conv.ID)
}

func (r *Registry) detach(ctx context.Context, convID, userID uint) error {
	if err := r.store.Conversations.RemoveMember(ctx, convID, userID); err != nil {
		return err
	}
	if err := r.store.Conversations.RecordRemoval(ctx, convID, userID, r.now()); err != nil {
		return err
	}
	return r.engine.Deactivate(ctx, convID, userID)
}

func (r *Registry) ownedGroup(ctx context.Context, convID, actorID uint) (*models.Conversation, error) {
	conv, err := r.store.Conversations.GetByID(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, models.NewValidationError("This action is only available for group conversations")
	}
	if !conv.IsCreator(actorID) {
		return nil, models.NewForbiddenError("Only the group creator can do that")
	}
	return conv, nil
}

func (r *Registry) requireUsers(ctx context.Context, ids []uint) error {
	users, err := r.store.Users.GetByIDs(ctx, ids)
	if err != nil {
		return err
	}
	found := make(map[uint]bool, len(users))
	for _, u := range users {
		found[u.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return models.NewNotFoundError("User", id)
		}
	}
	return nil
}

func validGroupName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", models.NewValidationError("Group name is required")
	}
	if utf8.RuneCountInString(name) > models.MaxGroupNameLength {
		return "", models.NewValidationError("Group name must be 25 characters or fewer")
	}
	return name, nil
}
