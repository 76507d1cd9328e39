package handlers

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/rcitrin/gem-web/internal/models"
)

const (
	streamingStateLoading   = "loading"
	streamingStateStreaming = "streaming"
	streamingStateEnded     = "ended"
)

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

type homePageData struct {
	WidgetID  string
	Messages  []message
	ModelName string
	EditorURL string
}

func newMessage(msg models.Message, streamingState string) (message, error) {
	content, err := models.RenderContent(msg.Content)
	if err != nil {
		return message{}, fmt.Errorf("failed to render content of message %s: %w", msg.ID, err)
	}
	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        content,
		Timestamp:      msg.Timestamp,
		StreamingState: streamingState,
	}, nil
}

// HandleHome renders the landing page. Every page view mounts a fresh chat widget, whose welcome message
// is rendered right away.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := m.sessions.Mount()

	messages := s.Messages()
	msgs := make([]message, len(messages))
	for i := range messages {
		msg, err := newMessage(messages[i], streamingStateEnded)
		if err != nil {
			m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgs[i] = msg
	}

	data := homePageData{
		WidgetID:  s.ID(),
		Messages:  msgs,
		ModelName: m.opts.ModelName,
		EditorURL: m.opts.EditorURL,
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
