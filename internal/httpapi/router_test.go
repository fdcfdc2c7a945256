package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/freechat/internal/app"
	"github.com/suPer8Hu/freechat/internal/app/apptest"
	"github.com/suPer8Hu/freechat/internal/httpapi"
	"github.com/suPer8Hu/freechat/internal/httpapi/middleware"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type server struct {
	t     *testing.T
	app   *app.App
	mr    *miniredis.Miniredis
	r     *gin.Engine
	token string
}

func newServer(t *testing.T) *server {
	t.Helper()
	a, mr := apptest.New(t)
	token, err := middleware.SignToken(a.Cfg.JWT.Secret, "admin@t1", "t1", time.Hour)
	require.NoError(t, err)
	return &server{t: t, app: a, mr: mr, r: httpapi.NewRouter(a), token: token}
}

func (s *server) do(method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	rec := httptest.NewRecorder()
	s.r.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") != "" && bytes.HasPrefix(rec.Body.Bytes(), []byte("{")) {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestRouter_Basics(t *testing.T) {
	s := newServer(t)

	rec, env := s.do(http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, env.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	rec, env = s.do(http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 40400, env.Code)

	rec, env = s.do(http.MethodPatch, "/ping", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 40500, env.Code)

	rec, _ = s.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `freechat_http_requests_total{method="GET",route="/ping",status="200"} 1`)
}

func TestRouter_RequestIDIsEchoed(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	s.r.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(middleware.RequestIDHeader))
}

func TestRouter_RecoversPanics(t *testing.T) {
	s := newServer(t)
	s.r.GET("/boom", func(*gin.Context) { panic("boom") })

	rec, env := s.do(http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 50000, env.Code)
}

func TestAuth(t *testing.T) {
	s := newServer(t)

	s.token = ""
	rec, env := s.do(http.MethodGet, "/api/v1/free_chat/settings?user_id=u1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 40101, env.Code)

	s.token = "garbage"
	rec, env = s.do(http.MethodGet, "/api/v1/free_chat/settings?user_id=u1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 40102, env.Code)

	wrong, err := middleware.SignToken("other-secret", "x", "t1", time.Hour)
	require.NoError(t, err)
	s.token = wrong
	rec, _ = s.do(http.MethodGet, "/api/v1/free_chat/settings?user_id=u1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := middleware.SignToken(s.app.Cfg.JWT.Secret, "x", "t1", -time.Minute)
	require.NoError(t, err)
	s.token = expired
	rec, _ = s.do(http.MethodGet, "/api/v1/free_chat/settings?user_id=u1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	s := newServer(t)

	rec, env := s.do(http.MethodGet, "/api/v1/free_chat/settings", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 10003, env.Code)

	rec, env = s.do(http.MethodGet, "/api/v1/free_chat/settings?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	defaults := decode[map[string]any](t, env.Data)
	assert.Equal(t, map[string]any{"temperature": 0.7, "top_p": 0.9}, defaults["model_params"])

	rec, _ = s.do(http.MethodPost, "/api/v1/free_chat/settings", map[string]any{"dialog_id": "d1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = s.do(http.MethodPut, "/api/v1/free_chat/settings", map[string]any{
		"user_id":      "u1",
		"dialog_id":    "d1",
		"model_params": map[string]any{"temperature": 0.2},
		"kb_ids":       []string{"kb1"},
		"role_prompt":  "be brief",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = s.do(http.MethodGet, "/api/v1/free_chat/settings?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, env.Data)
	assert.Equal(t, "d1", got["dialog_id"])
	assert.Equal(t, "be brief", got["role_prompt"])
	assert.Equal(t, []any{"kb1"}, got["kb_ids"])

	rec, _ = s.do(http.MethodDelete, "/api/v1/free_chat/settings/u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, env = s.do(http.MethodDelete, "/api/v1/free_chat/settings/u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 40004, env.Code)
}

func TestSettings_LockBusyIsRetryable(t *testing.T) {
	s := newServer(t)
	l, err := s.app.Locker.Acquire(context.Background(), "freechat_settings:u1", 0, 0)
	require.NoError(t, err)
	defer l.Release(context.Background())

	rec, env := s.do(http.MethodPost, "/api/v1/free_chat/settings", map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 40902, env.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestSettings_RedisDown(t *testing.T) {
	s := newServer(t)
	s.mr.Close()

	rec, env := s.do(http.MethodPost, "/api/v1/free_chat/settings", map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 50301, env.Code)

	rec, _ = s.do(http.MethodGet, "/api/v1/free_chat/settings?user_id=u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type sessionView struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	MessageCount int64  `json:"message_count"`
}

type messageView struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Seq     int    `json:"seq"`
}

func TestSessionAndMessageEndpoints(t *testing.T) {
	s := newServer(t)
	base := "/api/v1/free_chat"

	rec, env := s.do(http.MethodPost, base+"/sessions", map[string]any{"user_id": "u1", "id": "s1", "name": "first"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "s1", decode[sessionView](t, env.Data).ID)

	rec, env = s.do(http.MethodPost, base+"/sessions", map[string]any{"user_id": "u1", "id": "s1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 40901, env.Code)

	for _, m := range []map[string]any{
		{"user_id": "u1", "role": "user", "content": "hi"},
		{"user_id": "u1", "role": "assistant", "content": "hello"},
		{"user_id": "u1", "role": "user", "content": "more"},
	} {
		rec, _ = s.do(http.MethodPost, base+"/sessions/s1/messages", m)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec, env = s.do(http.MethodPost, base+"/sessions/s1/messages", map[string]any{"user_id": "u1", "role": "system", "content": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 10002, env.Code)

	rec, env = s.do(http.MethodGet, base+"/sessions/s1/messages?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[struct {
		Messages []messageView `json:"messages"`
	}](t, env.Data).Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{msgs[0].Seq, msgs[1].Seq, msgs[2].Seq})
	assert.Equal(t, "hello", msgs[1].Content)

	rec, env = s.do(http.MethodGet, base+"/sessions/s1/messages?user_id=u1&limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Messages []messageView `json:"messages"`
	}](t, env.Data).Messages
	require.Len(t, page, 1)
	assert.Equal(t, 1, page[0].Seq)

	rec, _ = s.do(http.MethodGet, base+"/sessions/s1/messages?user_id=u1&limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = s.do(http.MethodGet, base+"/sessions?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Sessions []sessionView `json:"sessions"`
		Total    int           `json:"total"`
	}](t, env.Data)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, int64(3), list.Sessions[0].MessageCount)

	rec, _ = s.do(http.MethodGet, base+"/sessions?user_id=u1&order=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// another end user cannot touch u1's session
	rec, env = s.do(http.MethodGet, base+"/sessions/s1/messages?user_id=u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 40301, env.Code)

	rec, env = s.do(http.MethodPut, base+"/messages/"+msgs[2].ID, map[string]any{"user_id": "u1", "content": "edited"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "edited", decode[messageView](t, env.Data).Content)

	rec, _ = s.do(http.MethodPost, base+"/sessions/s1/truncate", map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = s.do(http.MethodPost, base+"/sessions/s1/truncate", map[string]any{"user_id": "u1", "seq": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode[map[string]any](t, env.Data)["deleted"])

	rec, _ = s.do(http.MethodDelete, base+"/messages/"+msgs[0].ID+"?user_id=u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(http.MethodDelete, base+"/messages/"+msgs[0].ID+"?user_id=u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = s.do(http.MethodPut, base+"/sessions/s1", map[string]any{"user_id": "u1", "name": "renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "renamed", decode[sessionView](t, env.Data).Name)

	rec, _ = s.do(http.MethodDelete, base+"/sessions/s1?user_id=u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(http.MethodGet, base+"/sessions/s1/messages?user_id=u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
