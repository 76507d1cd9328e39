// Package chat holds the chat widget's domain logic: the adapter that performs one streaming round-trip to
// a language model, and the session controller that keeps a widget's message list consistent with the
// reply being streamed into it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/rcitrin/gem-web/internal/models"
)

// LLM represents a large language model provider. Chat sends newMessage as the next user turn after
// history, using the provider's own system instruction and model, and returns an iterator that yields
// text deltas in arrival order. Errors are yielded, never panicked.
type LLM interface {
	Chat(ctx context.Context, history []models.Message, newMessage string) iter.Seq2[string, error]
}

// ErrEmptyMessage is reported when a blank message is about to be sent to the model.
var ErrEmptyMessage = errors.New("message is empty")

// StreamResult describes how a streaming round-trip ended.
type StreamResult struct {
	// Chunks is the number of non-empty deltas delivered to the chunk callback.
	Chunks int
	// Err is nil when the stream reached its end.
	Err error
}

// Failed reports whether the stream ended with an error other than cancellation.
func (r StreamResult) Failed() bool {
	return r.Err != nil && !r.Canceled()
}

// Canceled reports whether the stream was stopped by its context.
func (r StreamResult) Canceled() bool {
	return errors.Is(r.Err, context.Canceled)
}

// Adapter performs streaming round-trips against an LLM and keeps every provider failure inside the
// returned StreamResult.
type Adapter struct {
	llm LLM

	logger *slog.Logger
}

// NewAdapter creates an Adapter for the given provider.
func NewAdapter(llm LLM, logger *slog.Logger) Adapter {
	return Adapter{
		llm:    llm,
		logger: logger.With(slog.String("module", "adapter")),
	}
}

// Stream sends newMessage with previous as conversational context, and calls onChunk synchronously for
// every non-empty delta in the order the provider yields them. Nothing is buffered beyond that call.
func (a Adapter) Stream(
	ctx context.Context,
	previous []models.Message,
	newMessage string,
	onChunk func(string),
) StreamResult {
	if strings.TrimSpace(newMessage) == "" {
		return StreamResult{Err: ErrEmptyMessage}
	}

	var res StreamResult
	for chunk, err := range a.llm.Chat(ctx, previous, newMessage) {
		if err != nil {
			res.Err = fmt.Errorf("error streaming response: %w", err)
			break
		}
		if chunk == "" {
			continue
		}
		onChunk(chunk)
		res.Chunks++
	}

	// Providers end their iterator quietly on cancellation, so the context is the source of truth.
	if res.Err == nil && ctx.Err() != nil {
		res.Err = ctx.Err()
	}

	switch {
	case res.Canceled():
		a.logger.Info("Stream canceled", slog.Int("chunks", res.Chunks))
	case res.Err != nil:
		a.logger.Error("Stream failed",
			slog.Int("chunks", res.Chunks),
			slog.String(errLoggerKey, res.Err.Error()))
	default:
		a.logger.Debug("Stream ended", slog.Int("chunks", res.Chunks))
	}

	return res
}

const errLoggerKey = "err"
