package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	gemweb "github.com/rcitrin/gem-web"
	"github.com/rcitrin/gem-web/internal/chat"
	"github.com/rcitrin/gem-web/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Options holds the page-level settings of the landing page and its chat widget.
type Options struct {
	// Welcome is the first model message of every widget.
	Welcome string
	// ModelName is shown in the chat window footer.
	ModelName string
	// EditorURL is the link target of the pseudocode editor button.
	EditorURL string
}

// Main handles the landing page and its chat widget: it renders the page, mounts a chat session per
// widget, and pushes every session change to the widget through server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	sessions *chat.Registry
	opts     Options

	logger *slog.Logger
}

// SSE event types for real-time updates.
var (
	messageSSEType   = sse.Type("message")
	streamingSSEType = sse.Type("streaming")
)

const errLoggerKey = "err"

// NewMain creates a new Main instance streaming replies from llm. It parses the HTML templates from the
// embedded filesystem and configures the SSE server so that every widget subscribes to its own topic.
func NewMain(llm chat.LLM, opts Options, logger *slog.Logger) (*Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		gemweb.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	m := &Main{
		templates: tmpl,
		opts:      opts,
		logger:    logger.With(slog.String("module", "handlers")),
	}

	m.sessions = chat.NewRegistry(chat.NewAdapter(llm, logger), chat.RegistryOptions{
		Welcome:  opts.Welcome,
		OnChange: m.publish,
	}, logger)

	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			widgetID := s.Req.URL.Query().Get("widget_id")
			if _, ok := m.sessions.Session(widgetID); !ok {
				m.logger.Warn("SSE subscription for unknown widget", slog.String("widgetID", widgetID))
				return sse.Subscription{}, false
			}

			// Every widget listens to its own topic, and to the default one for shutdown notices
			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      []string{sse.DefaultTopic, widgetTopic(widgetID)},
			}, true
		},
	}

	return m, nil
}

// Sessions returns the registry of mounted widgets.
func (m *Main) Sessions() *chat.Registry {
	return m.sessions
}

func widgetTopic(widgetID string) string {
	return fmt.Sprintf("widget-%s", widgetID)
}

// publish forwards a session change to the widget that owns the session.
func (m *Main) publish(widgetID string, e chat.Event) {
	msg := sse.Message{}

	switch e.Type {
	case chat.EventMessageAdded, chat.EventMessageUpdated:
		state := streamingStateEnded
		if e.Message.Role == models.RoleModel && e.Type == chat.EventMessageUpdated {
			state = streamingStateStreaming
		} else if e.Message.Role == models.RoleModel && e.Message.Content == "" {
			state = streamingStateLoading
		}
		html, err := m.renderMessage(e.Message, state)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("messageID", e.Message.ID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		msg.Type = messageSSEType
		msg.AppendData(html)
	case chat.EventStreaming:
		msg.Type = streamingSSEType
		msg.AppendData(fmt.Sprintf("%t", e.Streaming))
		if !e.Streaming {
			m.publishLastMessage(widgetID)
		}
	}

	if err := m.sseSrv.Publish(&msg, widgetTopic(widgetID)); err != nil {
		m.logger.Error("Failed to publish event",
			slog.String("widgetID", widgetID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// publishLastMessage re-renders the reply that just finished, so the widget drops its streaming marks.
func (m *Main) publishLastMessage(widgetID string) {
	s, ok := m.sessions.Session(widgetID)
	if !ok {
		return
	}
	msgs := s.Messages()
	if len(msgs) == 0 {
		return
	}

	html, err := m.renderMessage(msgs[len(msgs)-1], streamingStateEnded)
	if err != nil {
		m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
		return
	}
	msg := sse.Message{Type: messageSSEType}
	msg.AppendData(html)
	if err := m.sseSrv.Publish(&msg, widgetTopic(widgetID)); err != nil {
		m.logger.Error("Failed to publish message", slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) renderMessage(msg models.Message, state string) (string, error) {
	view, err := newMessage(msg, state)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "message", view); err != nil {
		return "", fmt.Errorf("failed to execute message template: %w", err)
	}
	return sb.String(), nil
}

// Shutdown gracefully terminates the Main instance. It broadcasts a close message to all connected
// widgets, cancels every reply still streaming and waits up to 5 seconds for SSE connections to
// terminate. After the timeout, any remaining connections are forcefully closed.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	m.sessions.Close()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
