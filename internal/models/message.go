package models

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Message represents a single chat turn. Its ID is stable for the lifetime of the session it belongs to,
// and its Timestamp is only used for ordering and display, never for equality.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the visitor.
	RoleUser Role = "user"
	// RoleModel represents a message produced by the language model. A model message may start with
	// empty content and grow while its reply is being streamed.
	RoleModel Role = "model"
)

// Valid reports whether r is one of the supported roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// IDGenerator hands out message identifiers that are unique even when requested within the same instant.
// Every ID is prefixed with a monotonic sequence number, so IDs issued by the same generator also sort
// in creation order.
type IDGenerator struct {
	seq atomic.Uint64
}

// NewID returns the next identifier.
func (g *IDGenerator) NewID() string {
	return fmt.Sprintf("%d-%s", g.seq.Add(1), uuid.NewString())
}
