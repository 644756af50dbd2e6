package service

import (
	"testing"

	"chatterbox/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestService_Lifecycle(t *testing.T) {
	f := newFixture(t, "", "alice", "bob", "carol")
	requests := NewRequestService(f.store, f.chats, f.bus)

	req, err := requests.Send(f.ctx, f.id("alice"), f.id("bob"))
	require.NoError(t, err)
	assert.Equal(t, models.ChatRequestPending, req.Status)
	require.NotNil(t, req.Sender)
	assert.Equal(t, "alice", req.Sender.Username)
	assert.Len(t, f.bus.sent("NEW_REQUEST", f.id("bob")), 1)

	_, err = requests.Send(f.ctx, f.id("alice"), f.id("bob"))
	requireCode(t, models.CodeConflict, err)
	_, err = requests.Send(f.ctx, f.id("bob"), f.id("alice"))
	requireCode(t, models.CodeConflict, err)

	incoming, err := requests.Incoming(f.ctx, f.id("bob"))
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, req.ID, incoming[0].ID)

	_, err = requests.Accept(f.ctx, req.ID, f.id("alice"))
	requireCode(t, models.CodeForbidden, err)

	detail, err := requests.Accept(f.ctx, req.ID, f.id("bob"))
	require.NoError(t, err)
	assert.False(t, detail.IsGroup)
	assert.NotEmpty(t, f.bus.sent("REFETCH_CHATS", f.id("alice")))

	_, err = requests.Accept(f.ctx, req.ID, f.id("bob"))
	requireCode(t, models.CodeConflict, err)
	incoming, err = requests.Incoming(f.ctx, f.id("bob"))
	require.NoError(t, err)
	assert.Empty(t, incoming)

	// The pair now shares a conversation.
	_, err = requests.Send(f.ctx, f.id("bob"), f.id("alice"))
	requireCode(t, models.CodeConflict, err)
}

func TestRequestService_Reject(t *testing.T) {
	f := newFixture(t, "", "alice", "bob")
	requests := NewRequestService(f.store, f.chats, f.bus)

	_, err := requests.Send(f.ctx, f.id("alice"), f.id("alice"))
	requireCode(t, models.CodeValidation, err)
	_, err = requests.Send(f.ctx, f.id("alice"), 4040)
	requireCode(t, models.CodeNotFound, err)

	req, err := requests.Send(f.ctx, f.id("alice"), f.id("bob"))
	require.NoError(t, err)
	requireCode(t, models.CodeForbidden, requests.Reject(f.ctx, req.ID, f.id("alice")))
	require.NoError(t, requests.Reject(f.ctx, req.ID, f.id("bob")))
	requireCode(t, models.CodeConflict, requests.Reject(f.ctx, req.ID, f.id("bob")))

	views, err := f.store.UserChats.ListByUser(f.ctx, f.id("bob"), false)
	require.NoError(t, err)
	assert.Empty(t, views)

	// A rejected request does not block a new one.
	_, err = requests.Send(f.ctx, f.id("alice"), f.id("bob"))
	require.NoError(t, err)
}
