package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"chatterbox/internal/config"
	"chatterbox/internal/events"
	"chatterbox/internal/middleware"
	"chatterbox/internal/models"
	"chatterbox/internal/storage"
	"chatterbox/internal/testutil"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const testSecret = "server-test-secret-0123456789abcdef"

// memoryFiles is an AttachmentStore keeping objects in a map.
type memoryFiles struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryFiles() *memoryFiles {
	return &memoryFiles{objects: make(map[string][]byte)}
}

func (m *memoryFiles) Upload(_ context.Context, key, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return "https://files.test/" + key, nil
}

func (m *memoryFiles) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryFiles) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type testEnv struct {
	s     *Server
	app   *fiber.App
	db    *gorm.DB
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	files *memoryFiles
	users []models.User
}

// newTestEnv builds a server over in-memory SQLite and miniredis with one
// user per name.
func newTestEnv(t *testing.T, names ...string) *testEnv {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		JWTSecret:    testSecret,
		Env:          "test",
		Port:         "0",
		MaxUploadMB:  1,
		FeatureFlags: "typing_indicators=on,attachment_thumbnails=off",
	}
	files := newMemoryFiles()
	s := newServer(cfg, db, rdb, files, events.Noop{})
	t.Cleanup(func() { s.chatService.Messages().WaitRemote() })

	return &testEnv{
		s:     s,
		app:   s.newApp(),
		db:    db,
		mr:    mr,
		rdb:   rdb,
		files: files,
		users: testutil.CreateUsers(t, db, names...),
	}
}

func (e *testEnv) token(t *testing.T, userID uint) string {
	t.Helper()
	tok, _, err := middleware.IssueToken(testSecret, userID, time.Hour)
	require.NoError(t, err)
	return tok
}

// call sends a JSON request as userID (0 means anonymous).
func (e *testEnv) call(t *testing.T, method, path string, userID uint, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if userID != 0 {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+e.token(t, userID))
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestLivenessAndReadiness(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, http.MethodGet, "/health/live", 0, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.call(t, http.MethodGet, "/health/ready", 0, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]interface{}](t, resp)
	assert.Equal(t, "healthy", body["status"])

	env.mr.SetError("LOADING Redis is loading the dataset in memory")
	defer env.mr.SetError("")
	resp = env.call(t, http.MethodGet, "/health/ready", 0, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body = decodeBody[map[string]interface{}](t, resp)
	assert.Equal(t, "unhealthy", body["checks"].(map[string]interface{})["redis"])
}

func TestReadiness_DatabaseDown(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	s := newServer(&config.Config{JWTSecret: testSecret, Env: "test"}, gormDB, rdb, storage.NoopStore{}, events.Noop{})
	app := fiber.New()
	app.Get("/ready", s.ReadinessCheck)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decodeBody[map[string]interface{}](t, resp)
	assert.Equal(t, "unhealthy", body["checks"].(map[string]interface{})["database"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	resp := env.call(t, http.MethodGet, "/health/live", 0, nil)
	assert.NotEmpty(t, resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	env := newTestEnv(t, "alice")
	resp := env.call(t, http.MethodGet, "/api/nope", env.users[0].ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHumanizeParam(t *testing.T) {
	tests := []struct {
		param    string
		expected string
	}{
		{"id", "ID"},
		{"userId", "user ID"},
		{"requestId", "request ID"},
		{"attachmentId", "attachment ID"},
		{"something", "something"},
	}
	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			assert.Equal(t, tt.expected, humanizeParam(tt.param))
		})
	}
}

func TestParseID(t *testing.T) {
	s := &Server{}
	app := fiber.New()
	app.Get("/items/:userId", func(c *fiber.Ctx) error {
		id, err := s.parseID(c, "userId")
		if err != nil {
			return nil
		}
		return c.JSON(fiber.Map{"id": id})
	})

	for path, status := range map[string]int{
		"/items/42":  http.StatusOK,
		"/items/abc": http.StatusBadRequest,
		"/items/0":   http.StatusBadRequest,
		"/items/-3":  http.StatusBadRequest,
	} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, status, resp.StatusCode, path)
		if status == http.StatusBadRequest {
			body := decodeBody[models.ErrorResponse](t, resp)
			assert.Equal(t, "Invalid user ID", body.Error)
			assert.Equal(t, models.CodeValidation, body.Code)
		}
		_ = resp.Body.Close()
	}
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC)
	cur, err := decodeCursor(encodeCursor(at, 77))
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.True(t, at.Equal(cur.CreatedAt))
	assert.Equal(t, uint(77), cur.ID)

	cur, err = decodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, cur)

	for _, bad := range []string{"nope", "12_", "_5", "abc_5", "12_0"} {
		_, err := decodeCursor(bad)
		assert.Equal(t, models.CodeValidation, models.ErrorCode(err), bad)
	}
}

func TestRespondAppError_HidesDetailsInProduction(t *testing.T) {
	for env, exposed := range map[string]bool{"production": false, "development": true} {
		s := &Server{config: &config.Config{Env: env}}
		app := fiber.New()
		app.Get("/boom", func(c *fiber.Ctx) error {
			return s.respondAppError(c, models.NewInternalError(errors.New("pq: relation missing")))
		})

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		body := decodeBody[models.ErrorResponse](t, resp)
		assert.Equal(t, exposed, body.Details != "", env)
		_ = resp.Body.Close()
	}
}
