package entity

import "github.com/google/uuid"

// NewID returns a time-ordered, globally unique identifier (UUIDv7) for
// a Conversation, Session, Turn, ToolCall, or Task. UUIDv7 embeds a
// millisecond timestamp in its high bits, so IDs sort lexically in
// creation order without a separate sequence counter.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the OS entropy source is broken;
		// fall back to a random v4 rather than panic mid-turn.
		return uuid.New().String()
	}
	return id.String()
}
