package entity

import (
	"time"

	"github.com/turnforge/agentcore/internal/domain/valueobject"
)

// TokenEstimator estimates the token cost of a string. Conversation and
// Message use it to compute the per-message token count carried on
// every Message at insertion time.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// charBudgetEstimator is the zero-dependency fallback estimator (4
// characters per token) used when no TokenEstimator is supplied.
type charBudgetEstimator struct{}

func (charBudgetEstimator) EstimateTokens(text string) int {
	return len(text)/4 + 1
}

// DefaultTokenEstimator is used wherever a caller has no sharper
// estimate on hand.
var DefaultTokenEstimator TokenEstimator = charBudgetEstimator{}

// Message is the atomic unit of a Conversation. Role classifies it for
// the orchestrator's turn loop; Content carries exactly one of the
// plain-text/parts/tool-result/tool-calls variants (see
// valueobject.MessageContent). tokenCount is computed once at
// construction and never recomputed, matching the conversation-level
// invariant that token_count is the sum of frozen per-message
// estimates.
type Message struct {
	id             string
	conversationID string
	role           valueobject.MessageRole
	content        valueobject.MessageContent
	sender         valueobject.User
	timestamp      time.Time
	tokenCount     int
	metadata       map[string]interface{}
}

// NewMessage constructs a Message, inferring Role from the sender's
// user type (bot → Assistant, anything else → User) and estimating
// tokens with DefaultTokenEstimator. Adapters that don't yet
// distinguish System/Tool messages from plain chat turns use this.
func NewMessage(
	id string,
	conversationID string,
	content valueobject.MessageContent,
	sender valueobject.User,
) (*Message, error) {
	role := valueobject.RoleUser
	if sender.Type() == "bot" || sender.Type() == "assistant" {
		role = valueobject.RoleAssistant
	}
	return NewMessageWithRole(id, conversationID, role, content, sender, nil)
}

// NewMessageWithRole constructs a Message with an explicit Role and
// TokenEstimator, for callers inside the orchestrator that already
// know which of System/User/Assistant/Tool a message is.
func NewMessageWithRole(
	id string,
	conversationID string,
	role valueobject.MessageRole,
	content valueobject.MessageContent,
	sender valueobject.User,
	estimator TokenEstimator,
) (*Message, error) {
	if id == "" {
		return nil, ErrInvalidMessageID
	}
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	if !role.Valid() {
		return nil, ErrEmptyRole
	}
	if estimator == nil {
		estimator = DefaultTokenEstimator
	}

	return &Message{
		id:             id,
		conversationID: conversationID,
		role:           role,
		content:        content,
		sender:         sender,
		timestamp:      time.Now(),
		tokenCount:     estimator.EstimateTokens(content.Text()),
		metadata:       make(map[string]interface{}),
	}, nil
}

// ReconstructMessage rebuilds a Message from persisted fields. The token
// count is taken from metadata["token_count"] when it holds an int;
// otherwise it is re-estimated with DefaultTokenEstimator.
func ReconstructMessage(
	id string,
	conversationID string,
	content valueobject.MessageContent,
	sender valueobject.User,
	timestamp time.Time,
	metadata map[string]interface{},
) *Message {
	role := valueobject.RoleUser
	if sender.Type() == "bot" || sender.Type() == "assistant" {
		role = valueobject.RoleAssistant
	}
	if r, ok := metadata["role"].(string); ok && valueobject.MessageRole(r).Valid() {
		role = valueobject.MessageRole(r)
	}
	tokenCount := 0
	if tc, ok := metadata["token_count"].(int); ok {
		tokenCount = tc
	} else {
		tokenCount = DefaultTokenEstimator.EstimateTokens(content.Text())
	}

	return &Message{
		id:             id,
		conversationID: conversationID,
		role:           role,
		content:        content,
		sender:         sender,
		timestamp:      timestamp,
		tokenCount:     tokenCount,
		metadata:       metadata,
	}
}

func (m *Message) ID() string {
	return m.id
}

func (m *Message) ConversationID() string {
	return m.conversationID
}

func (m *Message) Role() valueobject.MessageRole {
	return m.role
}

func (m *Message) Content() valueobject.MessageContent {
	return m.content
}

func (m *Message) Sender() valueobject.User {
	return m.sender
}

func (m *Message) Timestamp() time.Time {
	return m.timestamp
}

// TokenCount returns the estimate frozen at construction time.
func (m *Message) TokenCount() int {
	return m.tokenCount
}

func (m *Message) SetMetadata(key string, value interface{}) {
	m.metadata[key] = value
}

func (m *Message) GetMetadata(key string) (interface{}, bool) {
	val, ok := m.metadata[key]
	return val, ok
}

func (m *Message) GetAllMetadata() map[string]interface{} {
	result := make(map[string]interface{}, len(m.metadata))
	for k, v := range m.metadata {
		result[k] = v
	}
	return result
}

func (m *Message) Metadata() map[string]interface{} {
	return m.GetAllMetadata()
}

func (m *Message) IsFromUser() bool {
	return m.role == valueobject.RoleUser
}

// IsFromBot reports whether the message came from the assistant, for
// adapters that only distinguish human from assistant turns.
func (m *Message) IsFromBot() bool {
	return m.role == valueobject.RoleAssistant
}

func (m *Message) IsFromAssistant() bool {
	return m.role == valueobject.RoleAssistant
}

func (m *Message) IsFromTool() bool {
	return m.role == valueobject.RoleTool
}

func (m *Message) IsSystem() bool {
	return m.role == valueobject.RoleSystem
}
