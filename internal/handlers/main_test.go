package handlers_test

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rcitrin/gem-web/internal/handlers"
	"github.com/rcitrin/gem-web/internal/models"
	"github.com/tmaxmax/go-sse"
)

type mockLLM struct {
	responses []string
	err       error
	release   chan struct{}
}

const welcome = "Greetings. I am Gem. How may I illuminate your path today?"

var (
	widgetIDPattern  = regexp.MustCompile(`data-widget-id="([^"]+)"`)
	messageIDPattern = regexp.MustCompile(`id="message-([^"]+)"`)
)

func newTestMain(t *testing.T, llm *mockLLM) *handlers.Main {
	t.Helper()

	m, err := handlers.NewMain(llm, handlers.Options{
		Welcome:   welcome,
		ModelName: "Gemini 2.5 Flash",
		EditorURL: "https://rcitrin.github.io/editor/",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

// mountWidget renders the home page and returns the widget id embedded in it.
func mountWidget(t *testing.T, m *handlers.Main) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	m.HandleHome(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleHome() status = %v, want %v", w.Code, http.StatusOK)
	}
	match := widgetIDPattern.FindStringSubmatch(w.Body.String())
	if match == nil {
		t.Fatal("HandleHome() body has no widget id")
	}
	return match[1]
}

func postForm(handler http.HandlerFunc, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func waitIdle(t *testing.T, m *handlers.Main, widgetID string) {
	t.Helper()

	s, ok := m.Sessions().Session(widgetID)
	if !ok {
		t.Fatalf("widget %s is not mounted", widgetID)
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.Streaming() {
		if time.Now().After(deadline) {
			t.Fatal("widget is still streaming")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewMain(t *testing.T) {
	m, err := handlers.NewMain(&mockLLM{}, handlers.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if m.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	m := newTestMain(t, &mockLLM{})

	tests := []struct {
		name       string
		method     string
		url        string
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Home page",
			method:     http.MethodGet,
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody: []string{
				"Citrin: TBA Computer Science",
				"https://rcitrin.github.io/editor/",
				"Greetings. I am Gem.",
				"Powered by Gemini 2.5 Flash",
			},
		},
		{
			name:       "Unknown path",
			method:     http.MethodGet,
			url:        "/missing",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Invalid method",
			method:     http.MethodPost,
			url:        "/",
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.url, nil)
			w := httptest.NewRecorder()

			m.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), want)
				}
			}
		})
	}
}

func TestHandleHomeMountsWidgetPerView(t *testing.T) {
	m := newTestMain(t, &mockLLM{})

	first, second := mountWidget(t, m), mountWidget(t, m)
	if first == second {
		t.Errorf("widget ids should differ per page view, got %q twice", first)
	}
	if got := m.Sessions().Len(); got != 2 {
		t.Errorf("mounted widgets = %d, want 2", got)
	}
}

func TestHandleMessages(t *testing.T) {
	m := newTestMain(t, &mockLLM{responses: []string{"Hi", " there", "!"}})
	widgetID := mountWidget(t, m)

	tests := []struct {
		name       string
		method     string
		widgetID   string
		message    string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			widgetID:   widgetID,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Missing widget",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unknown widget",
			method:     http.MethodPost,
			widgetID:   "unknown",
			message:    "Hello",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Blank message",
			method:     http.MethodPost,
			widgetID:   widgetID,
			message:    "   ",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Message",
			method:     http.MethodPost,
			widgetID:   widgetID,
			message:    "Hello",
			wantStatus: http.StatusOK,
			wantBody:   "Hello",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{"widget_id": {tt.widgetID}, "message": {tt.message}}
			req := httptest.NewRequest(tt.method, "/messages", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			m.HandleMessages(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleMessages() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleMessages() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}

	waitIdle(t, m, widgetID)

	s, _ := m.Sessions().Session(widgetID)
	if got := s.Input(); got != "" {
		t.Errorf("input after accepted message = %q, want empty", got)
	}
	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[1].Role != models.RoleUser || msgs[1].Content != "Hello" {
		t.Errorf("messages[1] = %+v, want user message %q", msgs[1], "Hello")
	}
	if msgs[2].Role != models.RoleModel || msgs[2].Content != "Hi there!" {
		t.Errorf("messages[2] = %+v, want model reply %q", msgs[2], "Hi there!")
	}
}

func TestHandleMessagesRendersPlaceholder(t *testing.T) {
	llm := &mockLLM{responses: []string{"never"}, release: make(chan struct{})}
	m := newTestMain(t, llm)
	widgetID := mountWidget(t, m)

	w := postForm(m.HandleMessages, "/messages", url.Values{"widget_id": {widgetID}, "message": {"Hello"}})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleMessages() status = %v, want %v", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, `class="message message--user"`) {
		t.Errorf("HandleMessages() body = %v, want a user message", body)
	}
	if !strings.Contains(body, `data-streaming-state="loading"`) {
		t.Errorf("HandleMessages() body = %v, want a loading placeholder", body)
	}

	// A second message while the first reply is streaming is ignored.
	w = postForm(m.HandleMessages, "/messages", url.Values{"widget_id": {widgetID}, "message": {"Again"}})
	if w.Code != http.StatusNoContent {
		t.Errorf("HandleMessages() while streaming status = %v, want %v", w.Code, http.StatusNoContent)
	}

	s, _ := m.Sessions().Session(widgetID)
	if got := len(s.Messages()); got != 3 {
		t.Errorf("messages = %d, want 3", got)
	}
	if got := s.Input(); got != "Again" {
		t.Errorf("input after rejected message = %q, want %q", got, "Again")
	}

	close(llm.release)
	waitIdle(t, m, widgetID)
}

func TestHandleClose(t *testing.T) {
	llm := &mockLLM{responses: []string{"never"}, release: make(chan struct{})}
	m := newTestMain(t, llm)
	widgetID := mountWidget(t, m)

	w := postForm(m.HandleMessages, "/messages", url.Values{"widget_id": {widgetID}, "message": {"Hello"}})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleMessages() status = %v, want %v", w.Code, http.StatusOK)
	}
	s, _ := m.Sessions().Session(widgetID)

	w = postForm(m.HandleClose, "/widget/close", url.Values{"widget_id": {widgetID}})
	if w.Code != http.StatusNoContent {
		t.Errorf("HandleClose() status = %v, want %v", w.Code, http.StatusNoContent)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.Streaming() {
		if time.Now().After(deadline) {
			t.Fatal("closing the widget did not cancel its reply")
		}
		time.Sleep(10 * time.Millisecond)
	}

	w = postForm(m.HandleClose, "/widget/close", url.Values{"widget_id": {widgetID}})
	if w.Code != http.StatusNotFound {
		t.Errorf("HandleClose() twice status = %v, want %v", w.Code, http.StatusNotFound)
	}

	w = postForm(m.HandleMessages, "/messages", url.Values{"widget_id": {widgetID}, "message": {"Hello"}})
	if w.Code != http.StatusNotFound {
		t.Errorf("HandleMessages() after close status = %v, want %v", w.Code, http.StatusNotFound)
	}
}

func TestHandleSSEUnknownWidget(t *testing.T) {
	m := newTestMain(t, &mockLLM{})

	req := httptest.NewRequest(http.MethodGet, "/sse/messages?widget_id=unknown", nil)
	w := httptest.NewRecorder()
	m.HandleSSE(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("HandleSSE() status = %v, want %v", w.Code, http.StatusNotFound)
	}
}

func TestHandleSSEStreamsReply(t *testing.T) {
	llm := &mockLLM{responses: []string{"Hi", " there", "!"}, release: make(chan struct{})}
	m := newTestMain(t, llm)
	widgetID := mountWidget(t, m)

	mux := http.NewServeMux()
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/sse/messages", m.HandleSSE)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/messages?widget_id="+widgetID, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	events := make(chan sse.Event, 64)
	go func() {
		defer close(events)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			events <- ev
		}
	}()

	resp, err := http.PostForm(srv.URL+"/messages", url.Values{"widget_id": {widgetID}, "message": {"Hello"}})
	if err != nil {
		t.Fatalf("POST /messages error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /messages status = %v, want %v", resp.StatusCode, http.StatusOK)
	}
	ids := messageIDPattern.FindAllStringSubmatch(string(body), -1)
	if len(ids) != 2 {
		t.Fatalf("POST /messages body = %v, want two messages", string(body))
	}
	placeholderID := ids[1][1]

	// Give the SSE subscription time to register before the reply starts.
	time.Sleep(200 * time.Millisecond)
	close(llm.release)

	var replies []string
	var sawEnd bool
	for !sawEnd {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("SSE stream ended early, replies = %q", replies)
			}
			switch ev.Type {
			case "message":
				if strings.Contains(ev.Data, `id="message-`+placeholderID+`"`) {
					replies = append(replies, ev.Data)
				}
			case "streaming":
				sawEnd = ev.Data == "false"
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for the end of the reply, replies = %q", replies)
		}
	}

	wantContents := []string{"Hi", "Hi there", "Hi there!"}
	var streamed []string
	for _, r := range replies {
		if strings.Contains(r, `data-streaming-state="streaming"`) {
			streamed = append(streamed, r)
		}
	}
	if len(streamed) != len(wantContents) {
		t.Fatalf("streaming updates = %q, want %d", streamed, len(wantContents))
	}
	for i, want := range wantContents {
		if !strings.Contains(streamed[i], "<p>"+want+"</p>") {
			t.Errorf("update %d = %v, want content %q", i, streamed[i], want)
		}
	}

	last := replies[len(replies)-1]
	if !strings.Contains(last, `data-streaming-state="ended"`) || !strings.Contains(last, "<p>Hi there!</p>") {
		t.Errorf("final message = %v, want the ended reply", last)
	}

	cancel()
	for range events {
	}
}

func (m mockLLM) Chat(ctx context.Context, _ []models.Message, _ string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if m.release != nil {
			select {
			case <-m.release:
			case <-ctx.Done():
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
			return
		}
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
	}
}
