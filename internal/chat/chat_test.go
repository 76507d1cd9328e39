package chat_test

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"github.com/rcitrin/gem-web/internal/chat"
	"github.com/rcitrin/gem-web/internal/models"
)

type llmCall struct {
	history    []models.Message
	newMessage string
}

// fakeLLM yields chunks, then err if set. When release is set, it waits for it (or for cancellation)
// before yielding anything.
type fakeLLM struct {
	chunks  []string
	err     error
	release chan struct{}
	started chan struct{}

	mu    sync.Mutex
	calls []llmCall
}

func (f *fakeLLM) Chat(ctx context.Context, history []models.Message, newMessage string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f.mu.Lock()
		f.calls = append(f.calls, llmCall{history: history, newMessage: newMessage})
		f.mu.Unlock()

		if f.started != nil {
			close(f.started)
		}
		if f.release != nil {
			select {
			case <-f.release:
			case <-ctx.Done():
				return
			}
		}

		for _, c := range f.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func (f *fakeLLM) lastCall() llmCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[len(f.calls)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type eventRecorder struct {
	mu     sync.Mutex
	events []chat.Event
}

func (r *eventRecorder) record(e chat.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []chat.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.events)
}

// updates returns the placeholder contents in the order they were published.
func (r *eventRecorder) updates() []string {
	var contents []string
	for _, e := range r.snapshot() {
		if e.Type == chat.EventMessageUpdated {
			contents = append(contents, e.Message.Content)
		}
	}
	return contents
}
