package services

import (
	"strings"

	"github.com/rcitrin/gem-web/internal/models"
)

// turns returns the messages of history that can be sent back to a provider. A reply that ended without
// any text leaves an empty model message behind, and the provider APIs reject empty turns. Messages with
// an unknown role are left out too.
func turns(history []models.Message) []models.Message {
	out := make([]models.Message, 0, len(history))
	for _, msg := range history {
		if !msg.Role.Valid() || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		out = append(out, msg)
	}
	return out
}
