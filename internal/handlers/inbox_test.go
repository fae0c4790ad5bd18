package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lumadesk/operator/internal/backend"
	"github.com/lumadesk/operator/internal/handlers"
	"github.com/lumadesk/operator/internal/inbox"
	"github.com/lumadesk/operator/internal/session"
	"github.com/lumadesk/operator/internal/takeover"
)

type stubBackend struct {
	threads  []inbox.Thread
	messages []inbox.Message
}

func (s *stubBackend) ListThreads(ctx context.Context, agentID string, channel inbox.Channel) ([]inbox.Thread, error) {
	return s.threads, nil
}

func (s *stubBackend) ThreadMessages(ctx context.Context, key inbox.ThreadKey, query backend.ThreadMessagesQuery) (backend.ThreadMessagesResult, error) {
	return backend.ThreadMessagesResult{Messages: s.messages}, nil
}

func (s *stubBackend) Send(ctx context.Context, key inbox.ThreadKey, body backend.SendBody) (backend.SendResult, error) {
	return backend.SendResult{MessageID: "m-1", Timestamp: time.Now().UnixMilli()}, nil
}

func (s *stubBackend) MarkRead(ctx context.Context, key inbox.ThreadKey) (int, error) {
	return 0, nil
}

func (s *stubBackend) Takeover(ctx context.Context, key inbox.ThreadKey, req takeover.Request) (takeover.Result, error) {
	return takeover.Result{Mode: req.Mode}, nil
}

func newTestAPI(t *testing.T, client session.Backend) (*echo.Echo, *session.Controller) {
	t.Helper()
	ctrl := session.NewController(slog.Default(), client, session.Options{
		AgentID:    "agent-1",
		Channel:    inbox.ChannelWhatsApp,
		OperatorID: "op-1",
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = ctrl.Run(ctx) }()
	if err := ctrl.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	e := echo.New()
	e.Validator = handlers.NewRequestValidator()
	handlers.NewInboxHandler(slog.Default(), ctrl).Register(e)
	return e, ctrl
}

func lockedThread() inbox.Thread {
	return inbox.Thread{
		AgentID:       "agent-1",
		Channel:       inbox.ChannelWhatsApp,
		ContactID:     "c-1",
		LastMessageAt: 100,
		Takeover:      inbox.TakeoverState{Mode: inbox.ModeHuman, LockHolder: "op-1"},
	}
}

func TestListThreadsEndpoint(t *testing.T) {
	t.Parallel()
	e, _ := newTestAPI(t, &stubBackend{threads: []inbox.Thread{lockedThread()}})

	req := httptest.NewRequest(http.MethodGet, "/inbox/threads", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Threads []struct {
			Thread inbox.Thread `json:"thread"`
			Title  string       `json:"title"`
		} `json:"threads"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Threads) != 1 || body.Threads[0].Thread.ContactID != "c-1" {
		t.Fatalf("threads = %+v", body.Threads)
	}
}

func TestOpenThreadEndpoint(t *testing.T) {
	t.Parallel()
	e, _ := newTestAPI(t, &stubBackend{
		threads: []inbox.Thread{lockedThread()},
		messages: []inbox.Message{
			{Role: inbox.RoleUser, Content: "hi", Timestamp: 90},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/open", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Messages []inbox.Message `json:"messages"`
		CanSend  bool            `json:"can_send"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 1 || !body.CanSend {
		t.Fatalf("body = %+v, want one message and writable composer", body)
	}
}

func TestSendRequiresOpenThread(t *testing.T) {
	t.Parallel()
	e, _ := newTestAPI(t, &stubBackend{threads: []inbox.Thread{lockedThread()}})

	req := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/send",
		strings.NewReader(`{"text":"hello"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 before the thread is opened", rec.Code)
	}
}

func TestSendTextEndpoint(t *testing.T) {
	t.Parallel()
	e, _ := newTestAPI(t, &stubBackend{threads: []inbox.Thread{lockedThread()}})

	open := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/open", nil)
	e.ServeHTTP(httptest.NewRecorder(), open)

	req := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/send",
		strings.NewReader(`{"text":"hello"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Message inbox.Message `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message.Content != "hello" || body.Message.ClientID == "" {
		t.Fatalf("message = %+v", body.Message)
	}
}

func TestSendRejectsEmptyText(t *testing.T) {
	t.Parallel()
	e, _ := newTestAPI(t, &stubBackend{threads: []inbox.Thread{lockedThread()}})

	open := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/open", nil)
	e.ServeHTTP(httptest.NewRecorder(), open)

	req := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/send",
		strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing text", rec.Code)
	}
}

func TestSendConflictInBotMode(t *testing.T) {
	t.Parallel()
	botThread := lockedThread()
	botThread.Takeover = inbox.TakeoverState{Mode: inbox.ModeBot}
	e, _ := newTestAPI(t, &stubBackend{threads: []inbox.Thread{botThread}})

	open := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/open", nil)
	e.ServeHTTP(httptest.NewRecorder(), open)

	req := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/send",
		strings.NewReader(`{"text":"hello"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 while the bot holds the thread", rec.Code)
	}
}

func TestStageAttachmentRejectsBadMime(t *testing.T) {
	t.Parallel()
	e, _ := newTestAPI(t, &stubBackend{threads: []inbox.Thread{lockedThread()}})

	req := httptest.NewRequest(http.MethodPost, "/inbox/attachments",
		strings.NewReader(`{"payload":"AA==","mime":"garbage"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415 for a non-mime value", rec.Code)
	}
}

func TestAttachmentStageSendFlow(t *testing.T) {
	t.Parallel()
	e, _ := newTestAPI(t, &stubBackend{threads: []inbox.Thread{lockedThread()}})

	open := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/open", nil)
	e.ServeHTTP(httptest.NewRecorder(), open)

	stage := httptest.NewRequest(http.MethodPost, "/inbox/attachments",
		strings.NewReader(`{"payload":"data:image/png;base64,AA==","mime":"image/png","caption":"look"}`))
	stage.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	stageRec := httptest.NewRecorder()
	e.ServeHTTP(stageRec, stage)
	if stageRec.Code != http.StatusOK {
		t.Fatalf("stage status = %d, body = %s", stageRec.Code, stageRec.Body.String())
	}

	send := httptest.NewRequest(http.MethodPost, "/inbox/attachments/send", nil)
	sendRec := httptest.NewRecorder()
	e.ServeHTTP(sendRec, send)
	if sendRec.Code != http.StatusOK {
		t.Fatalf("send status = %d, body = %s", sendRec.Code, sendRec.Body.String())
	}

	// The slot was consumed; a second send has nothing to deliver.
	again := httptest.NewRequest(http.MethodPost, "/inbox/attachments/send", nil)
	againRec := httptest.NewRecorder()
	e.ServeHTTP(againRec, again)
	if againRec.Code != http.StatusBadRequest {
		t.Fatalf("second send status = %d, want 400", againRec.Code)
	}
}

func TestUploadAttachmentEndpoint(t *testing.T) {
	t.Parallel()
	e, ctrl := newTestAPI(t, &stubBackend{threads: []inbox.Thread{lockedThread()}})

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "cat.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write([]byte{0x89, 0x50, 0x4e, 0x47}); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := form.WriteField("mime", "image/png"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := form.WriteField("caption", "the cat"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/inbox/attachments/upload", &body)
	req.Header.Set(echo.HeaderContentType, form.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	staged, ok, err := ctrl.StagedAttachment(context.Background())
	if err != nil || !ok {
		t.Fatalf("StagedAttachment = (%+v, %v, %v), want a staged upload", staged, ok, err)
	}
	if staged.Name != "cat.png" || staged.Caption != "the cat" ||
		!strings.HasPrefix(staged.Payload, "data:image/png;base64,") {
		t.Fatalf("staged = %+v, want encoded cat.png", staged)
	}
}

func TestMarkReadEndpoint(t *testing.T) {
	t.Parallel()
	e, _ := newTestAPI(t, &stubBackend{threads: []inbox.Thread{lockedThread()}})

	// Before a thread is open the route conflicts.
	req := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/read", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 before the thread is opened", rec.Code)
	}

	open := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/open", nil)
	e.ServeHTTP(httptest.NewRecorder(), open)

	req = httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/read", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Thread inbox.Thread `json:"thread"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Thread.ContactID != "c-1" || body.Thread.UnreadCount != 0 {
		t.Fatalf("thread = %+v, want c-1 with zero unread", body.Thread)
	}
}

func TestTakeoverEndpoint(t *testing.T) {
	t.Parallel()
	e, _ := newTestAPI(t, &stubBackend{threads: []inbox.Thread{lockedThread()}})

	open := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/open", nil)
	e.ServeHTTP(httptest.NewRecorder(), open)

	req := httptest.NewRequest(http.MethodPost, "/inbox/threads/c-1/takeover",
		strings.NewReader(`{"force":false}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Thread  inbox.Thread `json:"thread"`
		CanSend bool         `json:"can_send"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The stub confirms a transition to bot mode (the opposite of the
	// current human lock), which closes the composer.
	if body.Thread.Takeover.Mode != inbox.ModeBot || body.CanSend {
		t.Fatalf("body = %+v, want confirmed bot mode", body)
	}
}
