package repository

import (
	"context"
	"testing"
	"time"

	"chatterbox/internal/models"
	"chatterbox/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGroup(t *testing.T, store *Store, creator uint, members ...uint) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{Name: "crew", IsGroup: true, CreatorID: &creator}
	for _, id := range append([]uint{creator}, members...) {
		conv.Members = append(conv.Members, models.ConversationMember{UserID: id})
	}
	require.NoError(t, store.Conversations.Create(context.Background(), conv))
	return conv
}

func TestConversationRepository_DirectKeyIsUnique(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := NewStore(db)
	users := testutil.CreateUsers(t, db, "alice", "bob")
	ctx := context.Background()

	key := models.DirectKeyFor(users[1].ID, users[0].ID)
	first := &models.Conversation{DirectKey: &key, Members: []models.ConversationMember{
		{UserID: users[0].ID}, {UserID: users[1].ID},
	}}
	require.NoError(t, store.Conversations.Create(ctx, first))

	dup := &models.Conversation{DirectKey: &key}
	err := store.Conversations.Create(ctx, dup)
	assert.Equal(t, models.CodeConflict, models.ErrorCode(err))

	found, err := store.Conversations.FindDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
	assert.ElementsMatch(t, []uint{users[0].ID, users[1].ID}, found.MemberIDs())
}

func TestUserChatRepository_ApplySend(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := NewStore(db)
	users := testutil.CreateUsers(t, db, "alice", "bob", "carol")
	ctx := context.Background()
	a, b, c := users[0].ID, users[1].ID, users[2].ID
	conv := newGroup(t, store, a, b, c)

	send := func(msgID uint, text string) {
		require.NoError(t, store.UserChats.ApplySend(ctx, []uint{a, b, c}, LastMessageUpdate{
			ConversationID: conv.ID, MessageID: msgID, Text: &text, At: time.Now(), SenderID: a,
		}))
	}
	send(1, "hi")
	send(2, "again")

	views, err := store.UserChats.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, views, 3)

	unread := map[uint]int{}
	for _, v := range views {
		unread[v.UserID] = v.UnreadCount
		assert.True(t, v.PointsAt(2))
		assert.Equal(t, "again", *v.LastMessageText)
		assert.True(t, v.IsActive)
	}
	assert.Equal(t, map[uint]int{a: 0, b: 2, c: 2}, unread)

	require.NoError(t, store.UserChats.ResetUnread(ctx, b, conv.ID))
	view, err := store.UserChats.Get(ctx, b, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, view.UnreadCount)
}

func TestUserChatRepository_RepointOnlyFromDeletedMessage(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := NewStore(db)
	users := testutil.CreateUsers(t, db, "alice", "bob")
	ctx := context.Background()
	a, b := users[0].ID, users[1].ID
	conv := newGroup(t, store, a, b)

	send := func(msgID uint, text string) {
		require.NoError(t, store.UserChats.ApplySend(ctx, []uint{a, b}, LastMessageUpdate{
			ConversationID: conv.ID, MessageID: msgID, Text: &text, At: time.Now(), SenderID: a,
		}))
	}
	send(1, "first")
	// A newer send lands before the delete of 1 repoints the view.
	send(2, "second")

	older, olderText, at := uint(0), "stale", time.Now().Add(-time.Hour)
	applied, err := store.UserChats.RepointLastMessage(ctx, b, conv.ID, 1, &older, &olderText, &at)
	require.NoError(t, err)
	assert.False(t, applied)

	view, err := store.UserChats.Get(ctx, b, conv.ID)
	require.NoError(t, err)
	assert.True(t, view.PointsAt(2))
	assert.Equal(t, "second", *view.LastMessageText)

	applied, err = store.UserChats.RepointLastMessage(ctx, b, conv.ID, 2, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	view, err = store.UserChats.Get(ctx, b, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, view.LastMessageID)
	assert.Nil(t, view.LastMessageText)
}

func TestUserChatRepository_ActivateIsUpsert(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := NewStore(db)
	users := testutil.CreateUsers(t, db, "alice", "bob", "carol")
	ctx := context.Background()
	conv := newGroup(t, store, users[0].ID, users[1].ID, users[2].ID)

	require.NoError(t, store.UserChats.Activate(ctx, conv.ID, users[1].ID))
	require.NoError(t, store.UserChats.Deactivate(ctx, conv.ID, users[1].ID, time.Now()))

	view, err := store.UserChats.Get(ctx, users[1].ID, conv.ID)
	require.NoError(t, err)
	assert.False(t, view.IsActive)
	assert.NotNil(t, view.LeftAt)

	require.NoError(t, store.UserChats.Activate(ctx, conv.ID, users[1].ID))
	require.NoError(t, store.UserChats.Activate(ctx, conv.ID, users[1].ID))

	views, err := store.UserChats.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].IsActive)
	assert.Nil(t, views[0].LeftAt)
}

func TestMessageRepository_ReceiptsAreMonotonic(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := NewStore(db)
	users := testutil.CreateUsers(t, db, "alice", "bob", "carol")
	ctx := context.Background()
	a, b, c := users[0].ID, users[1].ID, users[2].ID
	conv := newGroup(t, store, a, b, c)

	msg := &models.Message{ConversationID: conv.ID, SenderID: a, Text: "hi", MessageType: "text", Status: models.MessageStatusSent}
	require.NoError(t, store.Messages.Create(ctx, msg))

	pending, err := store.Messages.PendingReceipts(ctx, conv.ID, b, false)
	require.NoError(t, err)
	assert.Equal(t, []uint{msg.ID}, pending)

	own, err := store.Messages.PendingReceipts(ctx, conv.ID, a, false)
	require.NoError(t, err)
	assert.Empty(t, own)

	first := time.Now().Add(-time.Minute)
	require.NoError(t, store.Messages.MarkReceipts(ctx, []uint{msg.ID}, b, first, false))
	require.NoError(t, store.Messages.MarkReceipts(ctx, []uint{msg.ID}, b, time.Now(), true))
	require.NoError(t, store.Messages.MarkReceipts(ctx, []uint{msg.ID}, c, time.Now(), false))

	loaded, err := store.Messages.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{b, c}, loaded.DeliveredTo())
	assert.ElementsMatch(t, []uint{b}, loaded.ReadBy())
	for _, r := range loaded.Receipts {
		if r.UserID == b {
			assert.WithinDuration(t, first, *r.DeliveredAt, time.Second)
		}
	}

	tally, err := store.Messages.TallyReceipts(ctx, []uint{msg.ID}, []uint{b, c})
	require.NoError(t, err)
	assert.Equal(t, 2, tally[msg.ID].DeliveredCount)
	assert.Equal(t, 1, tally[msg.ID].ReadCount)

	require.NoError(t, store.Messages.AdvanceStatus(ctx, []uint{msg.ID}, models.MessageStatusRead))
	require.NoError(t, store.Messages.AdvanceStatus(ctx, []uint{msg.ID}, models.MessageStatusDelivered))
	loaded, err = store.Messages.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusRead, loaded.Status)
}

func TestMessageRepository_DeletionsAreIdempotent(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := NewStore(db)
	users := testutil.CreateUsers(t, db, "alice", "bob")
	ctx := context.Background()
	conv := newGroup(t, store, users[0].ID, users[1].ID)

	msg := &models.Message{ConversationID: conv.ID, SenderID: users[0].ID, Text: "hi", MessageType: "text", Status: models.MessageStatusSent}
	require.NoError(t, store.Messages.Create(ctx, msg))

	row := models.MessageDeletion{MessageID: msg.ID, UserID: users[1].ID, AttachmentID: models.TextTarget}
	require.NoError(t, store.Messages.AddDeletions(ctx, []models.MessageDeletion{row}))
	require.NoError(t, store.Messages.AddDeletions(ctx, []models.MessageDeletion{row}))

	loaded, err := store.Messages.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Deletions, 1)
	assert.False(t, loaded.TextVisibleTo(users[1].ID))
	assert.True(t, loaded.TextVisibleTo(users[0].ID))
}

func TestMessageRepository_ListBeforeUsesCreatedAtThenID(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := NewStore(db)
	users := testutil.CreateUsers(t, db, "alice", "bob")
	ctx := context.Background()
	conv := newGroup(t, store, users[0].ID, users[1].ID)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var ids []uint
	for _, text := range []string{"one", "two", "three"} {
		m := &models.Message{ConversationID: conv.ID, SenderID: users[0].ID, Text: text, MessageType: "text", Status: models.MessageStatusSent, CreatedAt: at}
		require.NoError(t, store.Messages.Create(ctx, m))
		ids = append(ids, m.ID)
	}

	page, err := store.Messages.ListBefore(ctx, conv.ID, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	rest, err := store.Messages.ListBefore(ctx, conv.ID, &Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[0], rest[0].ID)
}

func TestConversationRepository_DeleteCascades(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := NewStore(db)
	users := testutil.CreateUsers(t, db, "alice", "bob")
	ctx := context.Background()
	conv := newGroup(t, store, users[0].ID, users[1].ID)

	url := "https://cdn.example.com/a.png"
	msg := &models.Message{
		ConversationID: conv.ID, SenderID: users[0].ID, MessageType: "image", Status: models.MessageStatusSent,
		Attachments: []models.Attachment{{Locator: "chat/a.png", URL: &url, Type: models.AttachmentImage}},
	}
	require.NoError(t, store.Messages.Create(ctx, msg))
	require.NoError(t, store.Messages.MarkReceipts(ctx, []uint{msg.ID}, users[1].ID, time.Now(), true))
	require.NoError(t, store.UserChats.Activate(ctx, conv.ID, users[0].ID, users[1].ID))

	locators, err := store.Messages.AttachmentLocators(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat/a.png"}, locators)

	require.NoError(t, store.Conversations.Delete(ctx, conv.ID))

	for _, model := range []interface{}{&models.Message{}, &models.Attachment{}, &models.MessageReceipt{}, &models.UserChat{}, &models.ConversationMember{}} {
		var count int64
		require.NoError(t, db.Model(model).Count(&count).Error)
		assert.Zero(t, count)
	}
	_, err = store.Conversations.GetByID(ctx, conv.ID)
	assert.Equal(t, models.CodeNotFound, models.ErrorCode(err))
}

func TestStore_TransactionRollsBack(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := NewStore(db)
	users := testutil.CreateUsers(t, db, "alice", "bob")
	ctx := context.Background()
	conv := newGroup(t, store, users[0].ID, users[1].ID)

	err := store.Transaction(ctx, func(tx *Store) error {
		require.NoError(t, tx.Conversations.RemoveMember(ctx, conv.ID, users[1].ID))
		return models.NewValidationError("abort")
	})
	assert.Equal(t, models.CodeValidation, models.ErrorCode(err))

	ids, err := store.Conversations.MemberIDs(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestChatRequestRepository_PendingEitherDirection(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := NewStore(db)
	users := testutil.CreateUsers(t, db, "alice", "bob")
	ctx := context.Background()

	req := &models.ChatRequest{SenderID: users[0].ID, ReceiverID: users[1].ID, Status: models.ChatRequestPending}
	require.NoError(t, store.Requests.Create(ctx, req))

	found, err := store.Requests.FindPendingBetween(ctx, users[1].ID, users[0].ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, req.ID, found.ID)

	require.NoError(t, store.Requests.UpdateStatus(ctx, req.ID, models.ChatRequestAccepted))
	err = store.Requests.UpdateStatus(ctx, req.ID, models.ChatRequestRejected)
	assert.Equal(t, models.CodeConflict, models.ErrorCode(err))
}

func TestPreferencesRepository_DefaultsThenSave(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := NewStore(db)
	users := testutil.CreateUsers(t, db, "alice")
	ctx := context.Background()

	prefs, err := store.Preferences.Get(ctx, users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "light", prefs.Theme)
	assert.True(t, prefs.TypingIndicator)

	prefs.Theme = "dark"
	prefs.TypingIndicator = false
	require.NoError(t, store.Preferences.Save(ctx, prefs))

	again, err := store.Preferences.Get(ctx, users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "dark", again.Theme)
	assert.False(t, again.TypingIndicator)
}

func TestUserRepository_Search(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := NewStore(db)
	users := testutil.CreateUsers(t, db, "alice", "alina", "bob")

	found, err := store.Users.Search(context.Background(), "ALI", users[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "alina", found[0].Username)
}
