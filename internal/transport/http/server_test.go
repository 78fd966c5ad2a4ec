package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/infra/memory"
)

type testServer struct {
	*httptest.Server
	engine *app.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.NewStore()
	engine := app.NewEngine(store, app.NewBroadcaster(64, zerolog.Nop()), zerolog.Nop())
	registry := app.NewRegistry(engine, zerolog.Nop())
	ws := NewWSHandler(engine, registry, WSConfig{}, zerolog.Nop())
	srv := httptest.NewServer(NewServer(engine, ws, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, engine: engine}
}

func (s *testServer) do(t *testing.T, method, path, mcToken string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if mcToken != "" {
		req.Header.Set(MCTokenHeader, mcToken)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

type lobby struct {
	sessionID string
	code      string
	mcToken   string
	questions []string
	players   map[string]string // name -> player token
	playerIDs map[string]string
}

// setupLobby creates a two-question session and joins the players through the API.
func (s *testServer) setupLobby(t *testing.T, names ...string) lobby {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/api/sessions", "", map[string]any{
		"questions": []map[string]any{
			{"text": "Capital of France?", "answer": "Paris", "points": 5},
			{"text": "Largest planet?", "answer": "Jupiter", "points": 3},
		},
	})
	require.Equal(t, http.StatusCreated, status, body)

	l := lobby{
		sessionID: body["sessionId"].(string),
		code:      body["code"].(string),
		mcToken:   body["mcToken"].(string),
		players:   make(map[string]string),
		playerIDs: make(map[string]string),
	}
	for _, q := range body["questions"].([]any) {
		l.questions = append(l.questions, q.(map[string]any)["id"].(string))
	}
	for _, name := range names {
		status, joined := s.do(t, http.MethodPost, "/api/sessions/"+l.code+"/players", "", map[string]any{"name": name})
		require.Equal(t, http.StatusCreated, status, joined)
		l.players[name] = joined["playerToken"].(string)
		l.playerIDs[name] = joined["playerId"].(string)
	}
	return l
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionAPI(t *testing.T) {
	srv := newTestServer(t)
	l := srv.setupLobby(t, "Alice", "Bob")

	status, body := srv.do(t, http.MethodGet, "/api/sessions/"+strings.ToLower(l.code), "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "LOBBY", body["status"])
	assert.Equal(t, float64(2), body["questionCount"])
	current := body["currentQuestion"].(map[string]any)
	assert.Equal(t, "Capital of France?", current["text"])
	assert.NotContains(t, current, "answer")

	status, body = srv.do(t, http.MethodPost, "/api/sessions/"+l.code+"/start", "wrong", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "NOT_AUTHORIZED", body["error"])

	status, body = srv.do(t, http.MethodPost, "/api/sessions/"+l.code+"/start", l.mcToken, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "RUNNING", body["status"])

	status, body = srv.do(t, http.MethodPost, "/api/sessions/"+l.code+"/players", "", map[string]any{"name": "Carol"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "SESSION_NOT_LOBBY", body["error"])

	status, body = srv.do(t, http.MethodGet, "/api/sessions/"+l.code+"/scoreboard", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["players"], 2)

	status, body = srv.do(t, http.MethodGet, "/api/sessions/"+l.code+"/buzz-events", "", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = srv.do(t, http.MethodGet, "/api/sessions/"+l.code+"/buzz-events", l.mcToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["events"])

	status, body = srv.do(t, http.MethodPost, "/api/sessions/"+l.code+"/finish", l.mcToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "FINISHED", body["status"])

	status, body = srv.do(t, http.MethodPost, "/api/sessions/"+l.code+"/resume", l.mcToken, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "SESSION_FINISHED", body["error"])
}

func TestSessionAPIErrors(t *testing.T) {
	srv := newTestServer(t)
	l := srv.setupLobby(t, "Alice")

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{name: "unknown code", method: http.MethodGet, path: "/api/sessions/NOPE99", wantCode: http.StatusNotFound, wantErr: "SESSION_NOT_FOUND"},
		{name: "unknown field", method: http.MethodPost, path: "/api/sessions", body: map[string]any{"rounds": 3}, wantCode: http.StatusBadRequest, wantErr: "INVALID_ARGUMENT"},
		{name: "blank question", method: http.MethodPost, path: "/api/sessions", body: map[string]any{"questions": []map[string]any{{"text": ""}}}, wantCode: http.StatusBadRequest, wantErr: "INVALID_ARGUMENT"},
		{name: "duplicate name", method: http.MethodPost, path: "/api/sessions/" + l.code + "/players", body: map[string]any{"name": "alice"}, wantCode: http.StatusConflict, wantErr: "NAME_TAKEN"},
		{name: "blank name", method: http.MethodPost, path: "/api/sessions/" + l.code + "/players", body: map[string]any{"name": " "}, wantCode: http.StatusBadRequest, wantErr: "INVALID_ARGUMENT"},
		{name: "missing token", method: http.MethodPost, path: "/api/sessions/" + l.code + "/start", wantCode: http.StatusForbidden, wantErr: "NOT_AUTHORIZED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := srv.do(t, tt.method, tt.path, "", tt.body)
			assert.Equal(t, tt.wantCode, status)
			assert.Equal(t, tt.wantErr, body["error"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestReplaceQuestionsAPI(t *testing.T) {
	srv := newTestServer(t)
	status, created := srv.do(t, http.MethodPost, "/api/sessions", "", map[string]any{"questions": []any{}})
	require.Equal(t, http.StatusCreated, status, created)
	code := created["code"].(string)
	mcToken := created["mcToken"].(string)

	status, _ = srv.do(t, http.MethodPost, "/api/sessions/"+code+"/players", "", map[string]any{"name": "Alice"})
	require.Equal(t, http.StatusCreated, status)

	status, body := srv.do(t, http.MethodPost, "/api/sessions/"+code+"/start", mcToken, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NO_QUESTIONS", body["error"])

	replacement := map[string]any{"questions": []map[string]any{
		{"text": "Smallest prime?", "answer": "2", "points": 4},
		{"text": "Boiling point of water?", "answer": "100"},
	}}
	status, body = srv.do(t, http.MethodPut, "/api/sessions/"+code+"/questions", "wrong", replacement)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "NOT_AUTHORIZED", body["error"])

	status, body = srv.do(t, http.MethodPut, "/api/sessions/"+code+"/questions", mcToken, map[string]any{"questions": []any{}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_ARGUMENT", body["error"])

	status, body = srv.do(t, http.MethodPut, "/api/sessions/"+code+"/questions", mcToken, replacement)
	require.Equal(t, http.StatusOK, status, body)
	questions := body["questions"].([]any)
	require.Len(t, questions, 2)
	first := questions[0].(map[string]any)
	assert.Equal(t, "Smallest prime?", first["text"])
	assert.Equal(t, float64(4), first["points"])
	assert.Equal(t, float64(1), questions[1].(map[string]any)["points"])

	status, body = srv.do(t, http.MethodGet, "/api/sessions/"+code, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["questionCount"])

	status, body = srv.do(t, http.MethodPost, "/api/sessions/"+code+"/start", mcToken, nil)
	require.Equal(t, http.StatusOK, status, body)

	status, body = srv.do(t, http.MethodPut, "/api/sessions/"+code+"/questions", mcToken, replacement)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "SESSION_NOT_LOBBY", body["error"])
}

func TestMCStateAPI(t *testing.T) {
	srv := newTestServer(t)
	l := srv.setupLobby(t, "Alice")

	status, body := srv.do(t, http.MethodGet, "/api/sessions/"+l.code+"/state", l.mcToken, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Paris", body["currentQuestion"].(map[string]any)["answer"])
	assert.Equal(t, "LOBBY", body["status"])

	// The token may also come as a query parameter.
	status, body = srv.do(t, http.MethodGet, "/api/sessions/"+l.code+"/state?mcToken="+l.mcToken, "", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Paris", body["currentQuestion"].(map[string]any)["answer"])

	status, body = srv.do(t, http.MethodGet, "/api/sessions/"+l.code+"/state", l.players["Alice"], nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "NOT_AUTHORIZED", body["error"])

	status, _ = srv.do(t, http.MethodGet, "/api/sessions/NOPE99/state", l.mcToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
}
