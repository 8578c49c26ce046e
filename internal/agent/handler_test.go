package agent

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/movi/internal/config"
	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/identity"
	"github.com/ashureev/movi/internal/pipeline"
)

type fakeProcessor struct {
	mu       sync.Mutex
	pending  *domain.Checkpoint
	snapshot *pipeline.AgentState
	err      error
	events   []*pipeline.Event
	submits  []pipeline.SubmitRequest
	resumes  []bool
}

func (f *fakeProcessor) play() iter.Seq2[*pipeline.Event, error] {
	f.mu.Lock()
	events, err := f.events, f.err
	f.mu.Unlock()
	return func(yield func(*pipeline.Event, error) bool) {
		if err != nil {
			yield(nil, err)
			return
		}
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (f *fakeProcessor) Submit(_ context.Context, req pipeline.SubmitRequest) iter.Seq2[*pipeline.Event, error] {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	f.mu.Unlock()
	return f.play()
}

func (f *fakeProcessor) Resume(_ context.Context, _ string, approved bool) iter.Seq2[*pipeline.Event, error] {
	f.mu.Lock()
	f.resumes = append(f.resumes, approved)
	f.mu.Unlock()
	return f.play()
}

func (f *fakeProcessor) PendingConfirmation(context.Context, string) (*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeProcessor) Snapshot(context.Context, string) (*pipeline.AgentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

var replyEvents = []*pipeline.Event{
	{Type: pipeline.EventToken, Content: "You have "},
	{Type: pipeline.EventToken, Content: "5 vehicles."},
	{Type: pipeline.EventDone, Content: "You have 5 vehicles.", Result: &domain.ExecutionResult{Success: true}},
}

func testConfig() *config.Config {
	return &config.Config{
		MaxRequestBytes: 1 << 20,
		RateLimit:       config.RateLimitConfig{RequestsPerMinute: 600, Burst: 50},
	}
}

func newTestRouter(t *testing.T, proc *fakeProcessor, cfg *config.Config) http.Handler {
	t.Helper()
	return newTestRouterWithConns(t, proc, cfg, NewConnectionManager())
}

func newTestRouterWithConns(t *testing.T, proc *fakeProcessor, cfg *config.Config, conns *ConnectionManager) http.Handler {
	t.Helper()
	h := NewHandler(NewServiceWithProcessor(proc, nil), nil, cfg, nil)
	t.Cleanup(h.Close)
	r := chi.NewRouter()
	r.Use(identity.Middleware)
	h.RegisterRoutes(r)
	r.Handle("/ws/movi", NewWebSocketHandler(h, conns, []string{"*"}))
	return r
}

func post(t *testing.T, router http.Handler, path, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set(identity.SessionHeaderName, sessionID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

type sseFrame struct {
	event string
	data  string
}

func readSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.event != "":
			frames = append(frames, cur)
			cur = sseFrame{}
		}
	}
	return frames
}

func TestParseDecision(t *testing.T) {
	tests := map[string]Decision{
		"yes":               DecisionApprove,
		"  Yes!  ":          DecisionApprove,
		"okay":              DecisionApprove,
		"confirm, please":   DecisionApprove,
		"No.":               DecisionReject,
		"cancel":            DecisionReject,
		"yes remove it":     DecisionNone,
		"list all vehicles": DecisionNone,
		"":                  DecisionNone,
	}
	for msg, want := range tests {
		require.Equal(t, want, ParseDecision(msg), "ParseDecision(%q)", msg)
	}
}

func TestChatStreamsSSE(t *testing.T) {
	proc := &fakeProcessor{events: replyEvents}
	router := newTestRouter(t, proc, testConfig())

	w := post(t, router, "/api/movi/chat", "s-1", `{"message":"list all vehicles","currentPage":"busDashboard"}`)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	frames := readSSE(t, w.Body.String())
	require.Len(t, frames, 3)
	require.Equal(t, "token", frames[0].event)
	require.Equal(t, "done", frames[2].event)

	var done pipeline.Event
	require.NoError(t, json.Unmarshal([]byte(frames[2].data), &done))
	require.Equal(t, "You have 5 vehicles.", done.Content)

	require.Len(t, proc.submits, 1)
	require.Equal(t, pipeline.SubmitRequest{SessionID: "s-1", Message: "list all vehicles", UIContext: "busDashboard"}, proc.submits[0])
}

func TestYesWithPendingConfirmationResumes(t *testing.T) {
	proc := &fakeProcessor{events: replyEvents, pending: &domain.Checkpoint{SessionID: "s-2"}}
	router := newTestRouter(t, proc, testConfig())

	w := post(t, router, "/api/movi/chat", "s-2", `{"message":"Yes","currentPage":"busDashboard"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []bool{true}, proc.resumes)
	require.Empty(t, proc.submits)

	proc.pending = nil
	post(t, router, "/api/movi/chat", "s-2", `{"message":"yes","currentPage":"busDashboard"}`)
	require.Len(t, proc.submits, 1, "a bare yes without a pending confirmation is a new turn")
}

func TestChatErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"busy", pipeline.ErrSessionBusy, http.StatusConflict},
		{"invalid", pipeline.ErrInvalidRequest, http.StatusBadRequest},
		{"no pending", pipeline.ErrNoPendingConfirmation, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &fakeProcessor{err: tt.err}, testConfig())
			w := post(t, router, "/api/movi/confirm", "s-3", `{"approved":true}`)
			require.Equal(t, tt.status, w.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestChatRejectsBadBodies(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestBytes = 64
	router := newTestRouter(t, &fakeProcessor{events: replyEvents}, cfg)

	require.Equal(t, http.StatusBadRequest, post(t, router, "/api/movi/chat", "s", `{`).Code)
	require.Equal(t, http.StatusBadRequest, post(t, router, "/api/movi/chat", "s", `{"message":"  "}`).Code)
	big := `{"message":"` + strings.Repeat("x", 128) + `"}`
	require.Equal(t, http.StatusRequestEntityTooLarge, post(t, router, "/api/movi/chat", "s", big).Code)
}

func TestChatRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerMinute: 1, Burst: 1}
	router := newTestRouter(t, &fakeProcessor{events: replyEvents}, cfg)

	require.Equal(t, http.StatusOK, post(t, router, "/api/movi/chat", "s-rl", `{"message":"hi"}`).Code)
	require.Equal(t, http.StatusTooManyRequests, post(t, router, "/api/movi/chat", "s-rl", `{"message":"hi"}`).Code)
	require.Equal(t, http.StatusOK, post(t, router, "/api/movi/chat", "s-other", `{"message":"hi"}`).Code)
}

func TestSessionView(t *testing.T) {
	proc := &fakeProcessor{}
	router := newTestRouter(t, proc, testConfig())

	r := httptest.NewRequest(http.MethodGet, "/api/movi/session", nil)
	r.Header.Set(identity.SessionHeaderName, "s-view")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusNotFound, w.Code)

	expires := time.Now().Add(time.Minute)
	proc.snapshot = &pipeline.AgentState{
		Phase:        pipeline.PhaseAwaitingConfirmation,
		SelectedTool: "delete_trip",
		History:      []domain.Message{{Role: domain.RoleUser, Content: "delete Night Service"}},
	}
	proc.pending = &domain.Checkpoint{SessionID: "s-view", ExpiresAt: expires}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var view SessionView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	require.True(t, view.AwaitingConfirmation)
	require.Equal(t, "delete_trip", view.PendingTool)
	require.Equal(t, expires.UnixMilli(), view.ExpiresAt)
}

func TestDecodeImage(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	raw, mime, err := decodeImage("data:image/png;base64,"+base64.StdEncoding.EncodeToString(png), "")
	require.NoError(t, err)
	require.Equal(t, png, raw)
	require.Equal(t, "image/png", mime)

	_, mime, err = decodeImage(base64.StdEncoding.EncodeToString(png), "")
	require.NoError(t, err)
	require.Equal(t, "image/png", mime)

	_, _, err = decodeImage(base64.StdEncoding.EncodeToString([]byte("plain text")), "")
	require.Error(t, err)
	_, _, err = decodeImage("!!!", "image/png")
	require.Error(t, err)
}

func TestWebSocketChat(t *testing.T) {
	proc := &fakeProcessor{events: replyEvents}
	srv := httptest.NewServer(newTestRouter(t, proc, testConfig()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/movi?session_id=s-ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	var ready map[string]string
	require.NoError(t, wsjson.Read(ctx, conn, &ready))
	require.Equal(t, "ready", ready["type"])
	require.Equal(t, "s-ws", ready["session_id"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{
		"type": "message", "message": "list all vehicles", "currentPage": "busDashboard",
	}))
	var got []pipeline.Event
	for {
		var ev pipeline.Event
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		got = append(got, ev)
		if ev.Type == pipeline.EventDone {
			break
		}
	}
	require.Len(t, got, 3)
	require.Equal(t, "You have ", got[0].Content)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "confirm", "approved": false}))
	var ev pipeline.Event
	for ev.Type != pipeline.EventDone {
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Equal(t, []bool{false}, proc.resumes)
}

func TestWebSocketContextFrame(t *testing.T) {
	proc := &fakeProcessor{events: replyEvents}
	conns := NewConnectionManager()
	srv := httptest.NewServer(newTestRouterWithConns(t, proc, testConfig(), conns))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/movi?session_id=s-ctx"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	var frame map[string]string
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	require.Equal(t, "ready", frame["type"])
	require.Equal(t, 1, conns.Count())

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "context", "currentPage": "manageRoute"}))
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	require.Equal(t, "context", frame["type"])
	require.Equal(t, "manageRoute", frame["currentPage"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "message", "message": "list stops"}))
	var ev pipeline.Event
	for ev.Type != pipeline.EventDone {
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.submits, 1)
	require.Equal(t, "manageRoute", proc.submits[0].UIContext)
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	defer rl.Stop()

	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))
	rl.evict(time.Now().Add(time.Minute))
	require.True(t, rl.Allow("a"), "evicted key starts with a full bucket")
}
