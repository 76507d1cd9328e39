package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rcitrin/gem-web/internal/chat"
	"github.com/rcitrin/gem-web/internal/models"
)

// HandleMessages accepts a message typed into a widget. It expects the "widget_id" and "message" form
// fields.
//
// A blank message, or one sent while the widget is still receiving a reply, is ignored and answered with
// 204 No Content. Otherwise the response holds the rendered user message and the empty placeholder of the
// reply, and the reply itself is streamed to the widget through server-sent events.
func (m *Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, ok := m.widget(w, r)
	if !ok {
		return
	}

	// The form carries the widget's input box as it was when the visitor submitted it.
	s.SetInput(r.FormValue("message"))
	ex, ok := s.Submit(s.Input())
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// The reply outlives this request; it is canceled when the widget is unmounted.
	go m.stream(s, ex)

	for _, v := range []struct {
		msg   models.Message
		state string
	}{
		{ex.User, streamingStateEnded},
		{ex.Placeholder, streamingStateLoading},
	} {
		html, err := m.renderMessage(v.msg, v.state)
		if err != nil {
			m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if _, err := w.Write([]byte(html)); err != nil {
			m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
			return
		}
	}
}

func (m *Main) stream(s *chat.Session, ex chat.Exchange) {
	res := s.Stream(context.Background(), ex)
	m.logger.Debug("Reply finished",
		slog.String("widgetID", s.ID()),
		slog.Int("chunks", res.Chunks),
		slog.Bool("failed", res.Failed()),
		slog.Bool("canceled", res.Canceled()))
}

// HandleClose unmounts a widget whose page went away, canceling the reply it may still be receiving. It
// expects the "widget_id" form field.
func (m *Main) HandleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	widgetID := r.FormValue("widget_id")
	if !m.sessions.Unmount(widgetID) {
		http.Error(w, "Widget not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE subscribes a widget to the updates of its session. It expects the "widget_id" query
// parameter.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.widget(w, r); !ok {
		return
	}
	m.sseSrv.ServeHTTP(w, r)
}

func (m *Main) widget(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	widgetID := r.FormValue("widget_id")
	if widgetID == "" {
		http.Error(w, "widget_id is required", http.StatusBadRequest)
		return nil, false
	}

	s, ok := m.sessions.Session(widgetID)
	if !ok {
		m.logger.Warn("Unknown widget", slog.String("widgetID", widgetID))
		http.Error(w, "Widget not found", http.StatusNotFound)
		return nil, false
	}
	return s, true
}
