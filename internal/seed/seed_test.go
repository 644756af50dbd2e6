package seed

import (
	"context"
	"testing"

	"chatterbox/internal/models"
	"chatterbox/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestLoadScenario_Demo(t *testing.T) {
	sc, err := LoadScenario("demo")
	require.NoError(t, err)
	assert.Len(t, sc.Users, 5)
	assert.Len(t, sc.Directs, 2)
	assert.Len(t, sc.Groups, 2)
}

func TestParseScenario_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":     "users:\n  - username: ada\n    nickname: countess\n",
		"duplicate user":    "users:\n  - username: ada\n  - username: ada\n",
		"unknown member":    "users:\n  - username: ada\ndirects:\n  - members: [ada, bob]\n",
		"three in a direct": "users:\n  - {username: a}\n  - {username: b}\n  - {username: c}\ndirects:\n  - members: [a, b, c]\n",
		"outsider writes": "users:\n  - {username: a}\n  - {username: b}\n  - {username: c}\n" +
			"directs:\n  - members: [a, b]\n    messages:\n      - {from: c, text: hi}\n",
		"outsider reads": "users:\n  - {username: a}\n  - {username: b}\n  - {username: c}\n" +
			"groups:\n  - {name: g, creator: a, members: [b], read_by: [c]}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScenario([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestSeeder_ApplyScenario(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := context.Background()
	sc, err := LoadScenario("demo")
	require.NoError(t, err)

	res, err := NewSeeder(db, Options{SkipBcrypt: true, RandSeed: 7}).ApplyScenario(ctx, sc)
	require.NoError(t, err)
	assert.Len(t, res.Users, 5)
	assert.Len(t, res.Conversations, 4)
	assert.Equal(t, 9, res.Messages)

	var ada models.User
	require.NoError(t, db.Where("username = ?", "ada").First(&ada).Error)
	assert.Equal(t, "Ada Lovelace", ada.FullName)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(ada.Password), []byte(DefaultPassword)))

	// Compilers: three messages, read by ada only.
	compilers := res.Conversations[2]
	var views []models.UserChat
	require.NoError(t, db.Where("conversation_id = ?", compilers).Find(&views).Error)
	require.Len(t, views, 4)
	unread := map[uint]int{}
	for _, v := range views {
		unread[v.UserID] = v.UnreadCount
	}
	assert.Equal(t, 0, unread[res.Users["ada"]])
	assert.Equal(t, 2, unread[res.Users["grace"]])
	assert.Equal(t, 2, unread[res.Users["margaret"]])

	var conv models.Conversation
	require.NoError(t, db.First(&conv, compilers).Error)
	assert.Equal(t, "Parsing, codegen and everything in between.", conv.Description)

	// ada and grace read their direct chat, so every message there is read.
	var statuses []models.MessageStatus
	require.NoError(t, db.Model(&models.Message{}).Where("conversation_id = ?", res.Conversations[0]).Pluck("status", &statuses).Error)
	require.Len(t, statuses, 3)
	for _, st := range statuses {
		assert.Equal(t, models.MessageStatusRead, st)
	}
}

func TestSeeder_SeedRandomAndClear(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := context.Background()
	seeder := NewSeeder(db, Options{NumUsers: 6, NumGroups: 2, DirectsPerUser: 1, MessagesPerChat: 3, SkipBcrypt: true, RandSeed: 42})

	res, err := seeder.SeedRandom(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Users, 6)
	assert.GreaterOrEqual(t, len(res.Conversations), 2)
	assert.Equal(t, 3*len(res.Conversations), res.Messages)

	var prefs int64
	require.NoError(t, db.Model(&models.UserPreferences{}).Count(&prefs).Error)
	assert.EqualValues(t, 6, prefs)

	var groups []models.Conversation
	require.NoError(t, db.Where("is_group = ?", true).Find(&groups).Error)
	require.Len(t, groups, 2)
	for _, g := range groups {
		assert.LessOrEqual(t, len([]rune(g.Name)), models.MaxGroupNameLength)
	}

	require.NoError(t, seeder.ClearAll(ctx))
	for _, model := range []interface{}{&models.User{}, &models.Message{}, &models.UserChat{}, &models.Conversation{}} {
		var n int64
		require.NoError(t, db.Model(model).Count(&n).Error)
		assert.Zero(t, n, "%T", model)
	}
}
