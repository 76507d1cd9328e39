package chat

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rcitrin/gem-web/internal/models"
)

// FallbackNotice is appended to a model reply whose stream failed. Text that already arrived stays in
// place, so a reply that broke mid-way reads as the partial text followed by this notice.
const FallbackNotice = "\n\n*I encountered a glitch in my crystalline matrix. Please check your connection or API key.*"

// ErrSessionClosed is reported by Stream when the session was closed before the stream could start.
var ErrSessionClosed = errors.New("session is closed")

// EventType tells what changed in a Session.
type EventType int

const (
	// EventMessageAdded is emitted when a message is appended to the session.
	EventMessageAdded EventType = iota
	// EventMessageUpdated is emitted when the content of the streaming placeholder changes.
	EventMessageUpdated
	// EventStreaming is emitted when the session switches between idle and streaming.
	EventStreaming
)

// Event describes a single state change of a Session. Message is set for EventMessageAdded and
// EventMessageUpdated, Streaming for EventStreaming.
type Event struct {
	Type      EventType
	Message   models.Message
	Streaming bool
}

// Exchange is one accepted submission: the user turn, the placeholder that will receive the model's
// reply, and the history as it stood before the user turn was appended.
type Exchange struct {
	History     []models.Message
	Text        string
	User        models.Message
	Placeholder models.Message
}

// SessionOptions configures a new Session.
type SessionOptions struct {
	// Welcome, if not empty, seeds the session with a model message.
	Welcome string
	// OnChange receives every state change synchronously and in order. It must not block for long,
	// since streaming waits for it.
	OnChange func(Event)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Session is the controller of one chat widget. It owns the widget's ordered message list and allows at
// most one streaming reply at a time.
type Session struct {
	id       string
	adapter  Adapter
	ids      models.IDGenerator
	onChange func(Event)
	now      func() time.Time

	mu         sync.Mutex
	messages   []models.Message
	input      string
	streaming  bool
	closed     bool
	cancel     context.CancelFunc
	lastActive time.Time

	logger *slog.Logger
}

// NewSession creates a Session identified by id that streams replies through adapter.
func NewSession(id string, adapter Adapter, opts SessionOptions, logger *slog.Logger) *Session {
	s := &Session{
		id:       id,
		adapter:  adapter,
		onChange: opts.OnChange,
		now:      opts.Now,
		logger:   logger.With(slog.String("module", "session"), slog.String("sessionID", id)),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.onChange == nil {
		s.onChange = func(Event) {}
	}

	s.lastActive = s.now()
	if opts.Welcome != "" {
		s.messages = append(s.messages, models.Message{
			ID:        s.ids.NewID(),
			Role:      models.RoleModel,
			Content:   opts.Welcome,
			Timestamp: s.lastActive,
		})
	}

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Messages returns a snapshot of the message list in chronological order.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.messages)
}

// Streaming reports whether a reply is in flight.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.streaming
}

// SetInput stores the text currently typed into the widget. The browser owns the live text box and
// reports its contents with every submission; a submission that Submit rejects leaves that text here.
func (s *Session) SetInput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.input = text
	s.lastActive = s.now()
}

// Input returns the text currently typed into the widget.
func (s *Session) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.input
}

// LastActive returns the time of the last submission, input change or finished stream.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastActive
}

// Submit accepts text as the next user turn. It clears the input, appends the user message, switches the
// session to streaming and appends an empty model placeholder, in that order. Blank text, a reply already
// in flight, or a closed session make Submit a no-op that returns false.
//
// Every accepted Exchange must be passed to Stream, which is what returns the session to idle.
func (s *Session) Submit(text string) (Exchange, bool) {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	if text == "" || s.streaming || s.closed {
		s.mu.Unlock()
		return Exchange{}, false
	}

	ex := Exchange{
		History: slices.Clone(s.messages),
		Text:    text,
	}

	s.input = ""
	ex.User = models.Message{
		ID:        s.ids.NewID(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: s.now(),
	}
	s.messages = append(s.messages, ex.User)
	s.streaming = true

	ex.Placeholder = models.Message{
		ID:        s.ids.NewID(),
		Role:      models.RoleModel,
		Timestamp: s.now(),
	}
	s.messages = append(s.messages, ex.Placeholder)
	s.lastActive = ex.Placeholder.Timestamp
	s.mu.Unlock()

	s.onChange(Event{Type: EventMessageAdded, Message: ex.User})
	s.onChange(Event{Type: EventStreaming, Streaming: true})
	s.onChange(Event{Type: EventMessageAdded, Message: ex.Placeholder})

	return ex, true
}

// Stream fetches the model's reply for ex and folds it into the placeholder: after every chunk the
// placeholder holds the concatenation of all chunks so far. A failed stream folds FallbackNotice the same
// way, a canceled one does not. The session is back to idle when Stream returns, whatever happened.
func (s *Session) Stream(ctx context.Context, ex Exchange) StreamResult {
	defer s.release()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return StreamResult{Err: ErrSessionClosed}
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	var reply strings.Builder
	fold := func(chunk string) {
		reply.WriteString(chunk)
		s.updateContent(ex.Placeholder.ID, reply.String())
	}

	res := s.adapter.Stream(ctx, ex.History, ex.Text, fold)
	if res.Failed() {
		fold(FallbackNotice)
	}

	return res
}

// Send submits text and streams the reply before returning. It returns false without contacting the
// model when Submit would have rejected text.
func (s *Session) Send(ctx context.Context, text string) (StreamResult, bool) {
	ex, ok := s.Submit(text)
	if !ok {
		return StreamResult{}, false
	}
	return s.Stream(ctx, ex), true
}

// Close marks the session as torn down. An in-flight stream is canceled and further submissions are
// rejected. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Debug("Session closed", slog.Bool("streaming", s.streaming))
}

func (s *Session) updateContent(messageID, content string) {
	s.mu.Lock()
	idx := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == messageID })
	if idx == -1 {
		s.mu.Unlock()
		s.logger.Warn("Placeholder not found", slog.String("messageID", messageID))
		return
	}
	s.messages[idx].Content = content
	msg := s.messages[idx]
	s.mu.Unlock()

	s.onChange(Event{Type: EventMessageUpdated, Message: msg})
}

func (s *Session) release() {
	s.mu.Lock()
	s.streaming = false
	s.cancel = nil
	s.lastActive = s.now()
	s.mu.Unlock()

	s.onChange(Event{Type: EventStreaming, Streaming: false})
}
