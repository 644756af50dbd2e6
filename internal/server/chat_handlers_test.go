package server

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"chatterbox/internal/models"
	"chatterbox/internal/service"
	"chatterbox/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type messagePage struct {
	Messages   []service.MessageView `json:"messages"`
	NextCursor *string               `json:"next_cursor"`
}

// openDirect pairs two users through a request and returns the conversation id.
func (e *testEnv) openDirect(t *testing.T, from, to uint) uint {
	t.Helper()
	resp := e.call(t, http.MethodPost, fmt.Sprintf("/api/requests/%d", to), from, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	req := decodeBody[models.ChatRequest](t, resp)

	resp = e.call(t, http.MethodPost, fmt.Sprintf("/api/requests/%d/accept", req.ID), to, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[service.ConversationDetail](t, resp).ID
}

func (e *testEnv) send(t *testing.T, convID, from uint, text string) service.MessageView {
	t.Helper()
	resp := e.call(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", convID), from, fiber.Map{"text": text})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[service.MessageView](t, resp)
}

func TestRequests(t *testing.T) {
	env := newTestEnv(t, "alice", "bob", "carol")
	alice, bob, carol := env.users[0].ID, env.users[1].ID, env.users[2].ID

	resp := env.call(t, http.MethodPost, fmt.Sprintf("/api/requests/%d", alice), alice, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.call(t, http.MethodPost, "/api/requests/999", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/requests/%d", carol), alice, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	pending := decodeBody[models.ChatRequest](t, resp)

	resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/requests/%d", alice), carol, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "reverse duplicate")

	resp = env.call(t, http.MethodGet, "/api/requests", carol, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	incoming := decodeBody[[]models.ChatRequest](t, resp)
	require.Len(t, incoming, 1)
	assert.Equal(t, alice, incoming[0].SenderID)

	resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/requests/%d/accept", pending.ID), bob, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/requests/%d/reject", pending.ID), carol, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/requests/%d/accept", pending.ID), carol, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	convID := env.openDirect(t, alice, bob)
	resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/requests/%d", bob), alice, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "already chatting")

	resp = env.call(t, http.MethodGet, fmt.Sprintf("/api/chats/%d", convID), bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeBody[service.ConversationDetail](t, resp)
	assert.False(t, detail.IsGroup)
	assert.Len(t, detail.Members, 2)
}

func TestDirectChatFlow(t *testing.T) {
	env := newTestEnv(t, "alice", "bob", "mallory")
	alice, bob, mallory := env.users[0].ID, env.users[1].ID, env.users[2].ID
	convID := env.openDirect(t, alice, bob)

	first := env.send(t, convID, alice, "hello bob")
	assert.Equal(t, models.MessageStatusSent, first.Status)

	resp := env.call(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", convID), mallory, fiber.Map{"text": "let me in"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", convID), alice, fiber.Map{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.call(t, http.MethodGet, "/api/chats", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]service.ChatListItem](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "Alice", list[0].DisplayName)
	assert.Equal(t, 1, list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage.Message)
	assert.Equal(t, "hello bob", *list[0].LastMessage.Message)

	resp = env.call(t, http.MethodGet, "/api/chats/unread", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decodeBody[service.UnreadSummary](t, resp).Total)

	resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/delivered", convID), bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	delivered := decodeBody[struct {
		Changes []service.StatusChange `json:"changes"`
	}](t, resp)
	require.Len(t, delivered.Changes, 1)
	assert.Equal(t, models.MessageStatusDelivered, delivered.Changes[0].Status)

	resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/read", convID), bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.call(t, http.MethodGet, fmt.Sprintf("/api/chats/%d/messages", convID), alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decodeBody[messagePage](t, resp)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, models.MessageStatusRead, page.Messages[0].Status)
	assert.Equal(t, []uint{bob}, page.Messages[0].ReadBy)
	assert.Nil(t, page.NextCursor)

	resp = env.call(t, http.MethodGet, "/api/chats/unread", bob, nil)
	assert.Equal(t, 0, decodeBody[service.UnreadSummary](t, resp).Total)

	resp = env.call(t, http.MethodGet, fmt.Sprintf("/api/chats/%d/messages", convID), mallory, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMessagePaging(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice, bob := env.users[0].ID, env.users[1].ID
	convID := env.openDirect(t, alice, bob)

	var sent []uint
	for i := 0; i < 5; i++ {
		sent = append(sent, env.send(t, convID, alice, fmt.Sprintf("message %d", i)).ID)
	}

	path := fmt.Sprintf("/api/chats/%d/messages?limit=2", convID)
	var seen []uint
	for pages := 0; pages < 5; pages++ {
		resp := env.call(t, http.MethodGet, path, bob, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		page := decodeBody[messagePage](t, resp)
		for _, m := range page.Messages {
			seen = append(seen, m.ID)
		}
		if page.NextCursor == nil {
			break
		}
		path = fmt.Sprintf("/api/chats/%d/messages?limit=2&before=%s", convID, *page.NextCursor)
	}

	require.Len(t, seen, 5)
	for i := range sent {
		assert.Equal(t, sent[len(sent)-1-i], seen[i], "newest first")
	}

	resp := env.call(t, http.MethodGet, fmt.Sprintf("/api/chats/%d/messages?before=garbage", convID), bob, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessageDeletion(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice, bob := env.users[0].ID, env.users[1].ID
	convID := env.openDirect(t, alice, bob)

	older := env.send(t, convID, alice, "first")
	latest := env.send(t, convID, alice, "second")

	t.Run("for me hides only from the actor", func(t *testing.T) {
		resp := env.call(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/delete-for-me", latest.ID), bob, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		view := decodeBody[service.MessageView](t, resp)
		assert.True(t, view.TextDeletedForMe)
		assert.Empty(t, view.Text)

		resp = env.call(t, http.MethodGet, "/api/chats", bob, nil)
		list := decodeBody[[]service.ChatListItem](t, resp)
		require.Len(t, list, 1)
		require.NotNil(t, list[0].LastMessage.MessageID)
		assert.Equal(t, older.ID, *list[0].LastMessage.MessageID, "preview falls back to the previous message")

		resp = env.call(t, http.MethodGet, "/api/chats", alice, nil)
		list = decodeBody[[]service.ChatListItem](t, resp)
		assert.Equal(t, latest.ID, *list[0].LastMessage.MessageID)
	})

	t.Run("for everyone is sender only", func(t *testing.T) {
		resp := env.call(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/delete-for-everyone", older.ID), bob, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/delete-for-everyone", older.ID), alice, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		view := decodeBody[service.MessageView](t, resp)
		assert.True(t, view.DeletedForEveryone)

		resp = env.call(t, http.MethodGet, fmt.Sprintf("/api/chats/%d/messages", convID), bob, nil)
		page := decodeBody[messagePage](t, resp)
		require.Len(t, page.Messages, 2)
		assert.True(t, page.Messages[1].DeletedForEveryone)
		assert.Empty(t, page.Messages[1].Text)
	})

	t.Run("unknown attachment", func(t *testing.T) {
		resp := env.call(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/delete-for-me", latest.ID), alice, fiber.Map{"attachment_id": 4242})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("clear chat", func(t *testing.T) {
		resp := env.call(t, http.MethodDelete, fmt.Sprintf("/api/chats/%d/messages", convID), alice, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = env.call(t, http.MethodGet, "/api/chats", alice, nil)
		list := decodeBody[[]service.ChatListItem](t, resp)
		require.Len(t, list, 1)
		assert.Nil(t, list[0].LastMessage.MessageID)
		assert.Nil(t, list[0].LastMessage.Message)
	})
}

func TestSendMessageMultipart(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice, bob := env.users[0].ID, env.users[1].ID
	convID := env.openDirect(t, alice, bob)

	upload := func(text string, files map[string][]byte) *http.Response {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		require.NoError(t, w.WriteField("text", text))
		for name, data := range files {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename="%s"`, name))
			h.Set("Content-Type", "image/png")
			part, err := w.CreatePart(h)
			require.NoError(t, err)
			_, err = part.Write(data)
			require.NoError(t, err)
		}
		require.NoError(t, w.Close())

		req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", convID), &buf)
		req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+env.token(t, alice))
		resp, err := env.app.Test(req, -1)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := upload("look", map[string][]byte{"dot.png": testutil.PNGBytes(t, 8, 8)})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	view := decodeBody[service.MessageView](t, resp)
	assert.Equal(t, "look", view.Text)
	require.Len(t, view.Attachments, 1)
	assert.Equal(t, models.AttachmentImage, view.Attachments[0].Type)
	assert.Equal(t, 1, env.files.count())

	resp = upload("", map[string][]byte{"huge.png": make([]byte, (1<<20)+1)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, env.files.count())

	resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/delete-for-everyone", view.ID), alice,
		fiber.Map{"attachment_id": view.Attachments[0].ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.s.chatService.Messages().WaitRemote()
	assert.Equal(t, 0, env.files.count(), "remote object discarded")
}

func TestBlockChat(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice, bob := env.users[0].ID, env.users[1].ID
	convID := env.openDirect(t, alice, bob)

	resp := env.call(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/block", convID), bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeBody[models.UserChat](t, resp)
	assert.True(t, view.IsBlocked)

	resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", convID), alice, fiber.Map{"text": "hi?"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.call(t, http.MethodDelete, fmt.Sprintf("/api/chats/%d/block", convID), bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.send(t, convID, alice, "hi again")
}

func TestGroupLifecycle(t *testing.T) {
	env := newTestEnv(t, "alice", "bob", "carol", "dave")
	alice, bob, carol, dave := env.users[0].ID, env.users[1].ID, env.users[2].ID, env.users[3].ID

	resp := env.call(t, http.MethodPost, "/api/chats/groups", alice, fiber.Map{"name": "", "member_ids": []uint{bob}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.call(t, http.MethodPost, "/api/chats/groups", alice, fiber.Map{"name": "Book club", "member_ids": []uint{bob, carol}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	group := decodeBody[service.ConversationDetail](t, resp)
	assert.True(t, group.IsGroup)
	assert.Len(t, group.Members, 3)
	path := fmt.Sprintf("/api/chats/%d", group.ID)

	resp = env.call(t, http.MethodPut, path+"/name", bob, fiber.Map{"name": "Bob's club"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.call(t, http.MethodPut, path+"/name", alice, fiber.Map{"name": "Reading circle"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Reading circle", decodeBody[service.ConversationDetail](t, resp).Name)

	resp = env.call(t, http.MethodPut, path+"/info", alice, fiber.Map{"description": "Monthly picks"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Monthly picks", decodeBody[service.ConversationDetail](t, resp).Description)

	resp = env.call(t, http.MethodPost, path+"/members", alice, fiber.Map{"user_id": bob})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.call(t, http.MethodPost, path+"/members", alice, fiber.Map{"user_id": dave})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[service.ConversationDetail](t, resp).Members, 4)

	env.send(t, group.ID, carol, "hi all")

	resp = env.call(t, http.MethodDelete, fmt.Sprintf("%s/members/%d", path, dave), alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.call(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", group.ID), dave, fiber.Map{"text": "still here?"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.call(t, http.MethodGet, path+"/messages", dave, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "former members keep read access")

	resp = env.call(t, http.MethodGet, "/api/chats?active=true", dave, nil)
	assert.Empty(t, decodeBody[[]service.ChatListItem](t, resp))

	resp = env.call(t, http.MethodPost, path+"/leave", bob, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.call(t, http.MethodPost, path+"/leave", alice, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "creator needs a successor")

	resp = env.call(t, http.MethodDelete, path, carol, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.call(t, http.MethodDelete, path, alice, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.call(t, http.MethodGet, path, alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMarkChatsReadBulk(t *testing.T) {
	env := newTestEnv(t, "alice", "bob", "carol")
	alice, bob, carol := env.users[0].ID, env.users[1].ID, env.users[2].ID
	withBob := env.openDirect(t, bob, alice)
	withCarol := env.openDirect(t, carol, alice)
	env.send(t, withBob, bob, "one")
	env.send(t, withCarol, carol, "two")

	resp := env.call(t, http.MethodPost, "/api/chats/read", alice, fiber.Map{"conversation_ids": []uint{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.call(t, http.MethodPost, "/api/chats/read", alice, fiber.Map{"conversation_ids": []uint{withBob, withCarol}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[struct {
		Changes []service.StatusChange `json:"changes"`
	}](t, resp)
	readConvs := map[uint]bool{}
	for _, ch := range body.Changes {
		if ch.Status == models.MessageStatusRead {
			readConvs[ch.ConversationID] = true
		}
	}
	assert.Equal(t, map[uint]bool{withBob: true, withCarol: true}, readConvs)

	resp = env.call(t, http.MethodGet, "/api/chats/unread", alice, nil)
	assert.Equal(t, 0, decodeBody[service.UnreadSummary](t, resp).Total)
}
