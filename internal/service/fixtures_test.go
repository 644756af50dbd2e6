package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"chatterbox/internal/featureflags"
	"chatterbox/internal/models"
	"chatterbox/internal/repository"
	"chatterbox/internal/testutil"

	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	Event   string
	UserIDs []uint
	Payload interface{}
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingBroadcaster) Notify(_ context.Context, event string, userIDs []uint, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Event: event, UserIDs: append([]uint(nil), userIDs...), Payload: payload})
}

// sent returns the payloads of event addressed to userID, in order.
func (r *recordingBroadcaster) sent(event string, userID uint) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interface{}
	for _, e := range r.events {
		if e.Event == event && contains(e.UserIDs, userID) {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (r *recordingBroadcaster) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (r *recordingBroadcaster) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type memoryFiles struct {
	mu         sync.Mutex
	objects    map[string][]byte
	deleted    []string
	failUpload bool
}

func newMemoryFiles() *memoryFiles {
	return &memoryFiles{objects: make(map[string][]byte)}
}

func (m *memoryFiles) Upload(_ context.Context, key, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpload {
		return "", errors.New("bucket unavailable")
	}
	m.objects[key] = data
	return "https://files.test/" + key, nil
}

func (m *memoryFiles) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memoryFiles) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memoryFiles) deletedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *repository.Store
	chats *ChatService
	bus   *recordingBroadcaster
	files *memoryFiles
	users map[string]uint
}

func newFixture(t *testing.T, flags string, names ...string) *fixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	store := repository.NewStore(db)
	bus := &recordingBroadcaster{}
	files := newMemoryFiles()

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store,
		bus:   bus,
		files: files,
		users: make(map[string]uint),
		chats: NewChatService(ChatConfig{
			Store:       store,
			Files:       files,
			Broadcaster: bus,
			Flags:       featureflags.NewManager(flags),
		}),
	}
	for _, u := range testutil.CreateUsers(t, db, names...) {
		f.users[u.Username] = u.ID
	}
	return f
}

func (f *fixture) id(name string) uint {
	id, ok := f.users[name]
	require.True(f.t, ok, "unknown user %s", name)
	return id
}

func (f *fixture) ids(names ...string) []uint {
	out := make([]uint, 0, len(names))
	for _, n := range names {
		out = append(out, f.id(n))
	}
	return out
}

func (f *fixture) direct(a, b string) uint {
	f.t.Helper()
	detail, _, err := f.chats.CreateDirect(f.ctx, f.id(a), f.id(b))
	require.NoError(f.t, err)
	return detail.ID
}

func (f *fixture) group(creator string, members ...string) uint {
	f.t.Helper()
	detail, err := f.chats.CreateGroup(f.ctx, f.id(creator), "crew", f.ids(members...))
	require.NoError(f.t, err)
	return detail.ID
}

func (f *fixture) send(convID uint, sender, text string) *MessageView {
	f.t.Helper()
	view, err := f.chats.SendMessage(f.ctx, SendMessageInput{ConversationID: convID, SenderID: f.id(sender), Text: text})
	require.NoError(f.t, err)
	return view
}

func (f *fixture) view(user string, convID uint) *models.UserChat {
	f.t.Helper()
	v, err := f.store.UserChats.Get(f.ctx, f.id(user), convID)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) message(id uint) *models.Message {
	f.t.Helper()
	msg, err := f.store.Messages.GetByID(f.ctx, id)
	require.NoError(f.t, err)
	return msg
}

func (f *fixture) preview(user string, convID uint) (messageID uint, text string, ok bool) {
	f.t.Helper()
	v := f.view(user, convID)
	if v.LastMessageID == nil {
		return 0, "", false
	}
	if v.LastMessageText != nil {
		text = *v.LastMessageText
	}
	return *v.LastMessageID, text, true
}

func requireCode(t *testing.T, code string, err error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, models.ErrorCode(err), "unexpected error: %v", err)
}

func longText(n int) string {
	return strings.Repeat("x", n)
}
