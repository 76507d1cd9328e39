package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RegistryOptions configures the sessions created by a Registry.
type RegistryOptions struct {
	// Welcome seeds every new session, see SessionOptions.Welcome.
	Welcome string
	// OnChange receives the state changes of every session, tagged with the session ID.
	OnChange func(sessionID string, e Event)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Registry keeps the sessions of the chat widgets that are currently mounted. Sessions only live in
// memory and are gone once unmounted.
type Registry struct {
	adapter Adapter
	opts    RegistryOptions

	mu       sync.Mutex
	sessions map[string]*Session

	logger *slog.Logger
}

// NewRegistry creates an empty Registry whose sessions stream through adapter.
func NewRegistry(adapter Adapter, opts RegistryOptions, logger *slog.Logger) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		adapter:  adapter,
		opts:     opts,
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Mount creates the session for a newly rendered widget.
func (r *Registry) Mount() *Session {
	id := uuid.NewString()

	var onChange func(Event)
	if r.opts.OnChange != nil {
		onChange = func(e Event) { r.opts.OnChange(id, e) }
	}

	s := NewSession(id, r.adapter, SessionOptions{
		Welcome:  r.opts.Welcome,
		OnChange: onChange,
		Now:      r.opts.Now,
	}, r.logger)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.logger.Debug("Widget mounted", slog.String("sessionID", id))
	return s
}

// Session returns the session of a mounted widget.
func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Unmount closes and forgets the session of a widget. It reports whether the widget was mounted.
func (r *Registry) Unmount(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.Close()
	r.logger.Debug("Widget unmounted", slog.String("sessionID", id))
	return true
}

// Sweep unmounts every session that has not been active for longer than idle and is not streaming. It
// returns the number of sessions unmounted.
func (r *Registry) Sweep(idle time.Duration) int {
	deadline := r.opts.Now().Add(-idle)

	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if s.Streaming() || s.LastActive().After(deadline) {
			continue
		}
		stale = append(stale, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	if len(stale) > 0 {
		r.logger.Info("Swept idle widgets", slog.Int("count", len(stale)))
	}
	return len(stale)
}

// Len returns the number of mounted widgets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// Close unmounts every widget.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
