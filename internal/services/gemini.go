package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/rcitrin/gem-web/internal/models"
	"google.golang.org/genai"
)

// GeminiDefaultModel is the model used when the configuration doesn't name one.
const GeminiDefaultModel = "gemini-2.5-flash"

type geminiModels interface {
	GenerateContentStream(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Gemini provides an implementation of the LLM interface for Google's Gemini models through the
// Gemini API.
type Gemini struct {
	model        string
	systemPrompt string

	models geminiModels

	logger *slog.Logger
}

// NewGemini creates a new Gemini instance with the specified API key, model name, and system prompt. The
// client is created once here and shared by every chat.
func NewGemini(ctx context.Context, apiKey, model, systemPrompt string, logger *slog.Logger) (Gemini, error) {
	if apiKey == "" {
		return Gemini{}, errors.New("gemini api key is required")
	}
	if model == "" {
		model = GeminiDefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return Gemini{}, fmt.Errorf("error creating gemini client: %w", err)
	}

	return newGemini(client.Models, model, systemPrompt, logger), nil
}

func newGemini(m geminiModels, model, systemPrompt string, logger *slog.Logger) Gemini {
	return Gemini{
		model:        model,
		systemPrompt: systemPrompt,
		models:       m,
		logger:       logger.With(slog.String("module", "gemini")),
	}
}

func geminiContents(history []models.Message, newMessage string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, msg := range turns(history) {
		role := genai.RoleUser
		if msg.Role == models.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return append(contents, &genai.Content{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: newMessage}},
	})
}

// Chat streams a reply from Gemini, yielding the text of every response as it arrives.
func (g Gemini) Chat(ctx context.Context, history []models.Message, newMessage string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		cfg := &genai.GenerateContentConfig{}
		if g.systemPrompt != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: g.systemPrompt}},
			}
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for resp, err := range g.models.GenerateContentStream(ctx, g.model, geminiContents(history, newMessage), cfg) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			text := geminiText(resp)
			if text == "" {
				continue
			}

			g.logger.Debug("Received chunk", slog.Int("length", len(text)))
			if !yield(text, nil) {
				return
			}
		}
	}
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}
