package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashwinyue/next-tutor/internal/config"
	"github.com/ashwinyue/next-tutor/internal/middleware"
	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/ashwinyue/next-tutor/internal/service/attachment"
	"github.com/ashwinyue/next-tutor/internal/service/chat"
	"github.com/ashwinyue/next-tutor/internal/service/event"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ========== Mock 依赖 ==========

type fakeGateway struct{}

func (g *fakeGateway) StreamCompletion(ctx context.Context, history []model.Message, mode model.Mode, modelName string, onChunk func(chunk string)) (*chat.Completion, error) {
	for _, c := range []string{"先画", "受力图"} {
		onChunk(c)
	}
	return &chat.Completion{Text: "先画受力图"}, nil
}

func (g *fakeGateway) CompleteOnce(ctx context.Context, history []model.Message, mode model.Mode, modelName string, attachments []model.FileAttachment) (*chat.Completion, error) {
	return &chat.Completion{
		Text:          "得分：90",
		GradingResult: &model.GradingResult{Score: 90, Summary: "很好"},
	}, nil
}

func (g *fakeGateway) GenerateTitle(ctx context.Context, messages []model.Message) (string, error) {
	return "受力分析", nil
}

type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	nextID   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]model.Session)}
}

func (r *fakeRepo) FetchAll(ctx context.Context) ([]model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (r *fakeRepo) Save(ctx context.Context, id string, messages []model.Message, title string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		r.nextID++
		id = fmt.Sprintf("sess-%d", r.nextID)
	}
	s := model.Session{ID: id, Title: title, Messages: model.CloneMessages(messages), UpdatedAt: time.Now()}
	r.sessions[id] = s
	out := s.Clone()
	return &out, nil
}

func (r *fakeRepo) Rename(ctx context.Context, id, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return chat.ErrSessionNotFound
	}
	s.Title = title
	r.sessions[id] = s
	return nil
}

func (r *fakeRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// ========== 辅助函数 ==========

type testEnv struct {
	router *gin.Engine
	repos  map[string]*fakeRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{repos: make(map[string]*fakeRepo)}
	var mu sync.Mutex
	manager := chat.NewManager(&fakeGateway{}, func(userID string) chat.Repository {
		mu.Lock()
		defer mu.Unlock()
		repo := newFakeRepo()
		env.repos[userID] = repo
		return repo
	}, event.NewMemoryStore(100), nil, chat.Config{TitleMaxRunes: 15, FallbackTitle: "新对话"})

	h := &Handlers{
		Chat:   NewChatHandler(manager),
		Events: NewEventHandler(manager, true),
		Attachment: NewAttachmentHandler(attachment.NewService(config.AttachmentConfig{
			MaxSize:     1024,
			MaxChars:    1000,
			AllowedExts: []string{".txt", ".py"},
		})),
	}

	r := gin.New()
	api := r.Group("/api/v1", middleware.AuthMiddleware(""))
	api.GET("/chat/sessions", h.Chat.ListSessions)
	api.POST("/chat/sessions/refresh", h.Chat.RefreshSessions)
	api.GET("/chat/sessions/:id", h.Chat.GetSession)
	api.PUT("/chat/sessions/:id", h.Chat.RenameSession)
	api.DELETE("/chat/sessions/:id", h.Chat.DeleteSession)
	api.POST("/chat/sessions/:id/select", h.Chat.SelectSession)
	api.GET("/chat/sessions/:id/events", h.Chat.GetEvents)
	api.POST("/chat/new", h.Chat.NewChat)
	api.POST("/chat/send", h.Chat.Send)
	api.POST("/chat/stop", h.Chat.Stop)
	api.GET("/chat/state", h.Chat.GetState)
	api.GET("/chat/events/ws", h.Events.Stream)
	api.POST("/attachments", h.Attachment.Upload)
	env.router = r
	return env
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid response body %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("failed to decode %s: %v", raw, err)
	}
	return v
}

// ========== Chat 测试 ==========

func TestSend_JSON(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodPost, "/api/v1/chat/send", "u1", model.Submission{Text: "斜面上的物体如何受力？"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[chat.SendResult](t, resp.Data)
	if res.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", res.SessionID)
	}
	if res.AssistantMessage == nil || res.AssistantMessage.Text != "先画受力图" {
		t.Errorf("AssistantMessage = %+v", res.AssistantMessage)
	}

	_, resp = env.do(t, http.MethodGet, "/api/v1/chat/sessions", "u1", nil)
	sessions := decode[[]model.Session](t, resp.Data)
	if len(sessions) != 1 || sessions[0].Title != "受力分析" {
		t.Errorf("sessions = %+v, want one titled session", sessions)
	}

	_, resp = env.do(t, http.MethodGet, "/api/v1/chat/state", "u1", nil)
	state := decode[StateResponse](t, resp.Data)
	if state.Submitting || state.CurrentSessionID != "sess-1" {
		t.Errorf("state = %+v", state)
	}
}

func TestSend_CorrectMode(t *testing.T) {
	env := newTestEnv(t)

	_, resp := env.do(t, http.MethodPost, "/api/v1/chat/send", "u1", model.Submission{
		Mode:      model.ModeCorrect,
		ImageURLs: []string{"https://example.com/hw1.png"},
	})
	res := decode[chat.SendResult](t, resp.Data)
	if res.AssistantMessage == nil || res.AssistantMessage.Kind != model.KindGrading {
		t.Errorf("AssistantMessage = %+v, want grading", res.AssistantMessage)
	}
}

func TestSend_Validation(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodPost, "/api/v1/chat/send", "u1", model.Submission{Text: "x", Mode: "essay"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w, resp := env.do(t, http.MethodPost, "/api/v1/chat/send", "u1", model.Submission{Text: "   "})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if res := decode[chat.SendResult](t, resp.Data); !res.Skipped {
		t.Error("empty submission should be skipped")
	}
}

func TestSend_SSE(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/chat/send", strings.NewReader(`{"text":"你好"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-User-ID", "u1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	for _, want := range []string{
		"event:" + string(event.EventGenerationStarted),
		"event:" + string(event.EventMessageChunk),
		"event:" + string(event.EventGenerationFinished),
		"event:result",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("stream missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "event:"+string(event.EventGenerationStarted)) > strings.Index(text, "event:result") {
		t.Error("result should be the last event")
	}
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/chat/send", "u1", model.Submission{Text: "第一题"})

	w, resp := env.do(t, http.MethodPut, "/api/v1/chat/sessions/sess-1", "u1", RenameRequest{Title: "  力学  "})
	if w.Code != http.StatusOK {
		t.Fatalf("rename status = %d, body = %s", w.Code, w.Body.String())
	}
	if s := decode[model.Session](t, resp.Data); s.Title != "力学" {
		t.Errorf("Title = %q, want 力学", s.Title)
	}

	if w, _ := env.do(t, http.MethodPut, "/api/v1/chat/sessions/sess-1", "u1", RenameRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty rename status = %d, want 400", w.Code)
	}

	_, resp = env.do(t, http.MethodGet, "/api/v1/chat/sessions/sess-1/events", "u1", nil)
	if events := decode[[]event.Event](t, resp.Data); len(events) == 0 {
		t.Error("expected recorded events for the session")
	}

	_, resp = env.do(t, http.MethodPost, "/api/v1/chat/new", "u1", nil)
	if st := decode[StateResponse](t, resp.Data); st.CurrentSessionID != "" {
		t.Errorf("CurrentSessionID = %q after new chat", st.CurrentSessionID)
	}

	_, resp = env.do(t, http.MethodPost, "/api/v1/chat/sessions/sess-1/select", "u1", nil)
	if st := decode[StateResponse](t, resp.Data); st.CurrentSessionID != "sess-1" {
		t.Errorf("CurrentSessionID = %q, want sess-1", st.CurrentSessionID)
	}

	if w, _ := env.do(t, http.MethodDelete, "/api/v1/chat/sessions/sess-1", "u1", nil); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if w, _ := env.do(t, http.MethodGet, "/api/v1/chat/sessions/sess-1", "u1", nil); w.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", w.Code)
	}
	if w, _ := env.do(t, http.MethodDelete, "/api/v1/chat/sessions/missing", "u1", nil); w.Code != http.StatusNotFound {
		t.Errorf("delete missing status = %d, want 404", w.Code)
	}
}

func TestStopWhenIdle(t *testing.T) {
	env := newTestEnv(t)

	_, resp := env.do(t, http.MethodPost, "/api/v1/chat/stop", "u1", nil)
	got := decode[map[string]bool](t, resp.Data)
	if got["stopped"] {
		t.Error("stop should report false when idle")
	}
}

func TestUsersAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/chat/send", "alice", model.Submission{Text: "alice 的问题"})

	_, resp := env.do(t, http.MethodGet, "/api/v1/chat/sessions", "bob", nil)
	if sessions := decode[[]model.Session](t, resp.Data); len(sessions) != 0 {
		t.Errorf("bob sees %d sessions, want 0", len(sessions))
	}
	if w, _ := env.do(t, http.MethodGet, "/api/v1/chat/sessions/sess-1", "bob", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ========== Attachment 测试 ==========

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	io.WriteString(fw, content)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestAttachmentUpload(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		filename   string
		content    string
		wantStatus int
	}{
		{name: "python file", filename: "solve.py", content: "print(42)", wantStatus: http.StatusCreated},
		{name: "unsupported", filename: "a.exe", content: "MZ", wantStatus: http.StatusBadRequest},
		{name: "too large", filename: "big.txt", content: strings.Repeat("x", 2048), wantStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, uploadRequest(t, tt.filename, tt.content))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusCreated {
				var resp apiResponse
				json.Unmarshal(w.Body.Bytes(), &resp)
				att := decode[model.FileAttachment](t, resp.Data)
				if att.Language != "python" || att.Content != "print(42)" {
					t.Errorf("attachment = %+v", att)
				}
			}
		})
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/attachments", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing file status = %d, want 400", w.Code)
	}
}

// ========== WebSocket 测试 ==========

func readServerMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) ServerMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid message %s: %v", data, err)
	}
	return msg
}

func TestEventStream_WebSocket(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/chat/events/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-User-ID": []string{"u1"}},
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if msg := readServerMessage(t, ctx, conn); msg.Type != "snapshot" {
		t.Fatalf("first message = %s, want snapshot", msg.Type)
	}

	conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`))
	if msg := readServerMessage(t, ctx, conn); msg.Type != "pong" {
		t.Errorf("reply = %s, want pong", msg.Type)
	}

	conn.Write(ctx, websocket.MessageText, []byte(`not json`))
	if msg := readServerMessage(t, ctx, conn); msg.Type != "error" {
		t.Errorf("reply = %s, want error", msg.Type)
	}

	// 另一个请求发送消息，WebSocket 上应收到生成事件
	env.do(t, http.MethodPost, "/api/v1/chat/send", "u1", model.Submission{Text: "你好"})

	seen := make(map[event.EventType]bool)
	for !seen[event.EventGenerationFinished] {
		msg := readServerMessage(t, ctx, conn)
		if msg.Type == "event" && msg.Event != nil {
			seen[msg.Event.EventType] = true
		}
	}
	if !seen[event.EventGenerationStarted] {
		t.Error("missing generation_started event")
	}
}
