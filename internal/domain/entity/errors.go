package entity

import "errors"

var (
	// Agent errors
	ErrInvalidAgentID      = errors.New("invalid agent id")
	ErrInvalidAgentName    = errors.New("invalid agent name")
	ErrSkillAlreadyExists  = errors.New("skill already exists")
	ErrSkillNotFound       = errors.New("skill not found")

	// Message errors
	ErrInvalidMessageID      = errors.New("invalid message id")
	ErrInvalidConversationID = errors.New("invalid conversation id")

	// Skill errors
	ErrInvalidSkillID   = errors.New("invalid skill id")
	ErrInvalidSkillName = errors.New("invalid skill name")

	// Conversation errors
	ErrInvalidChannelID     = errors.New("invalid channel id")
	ErrEmptyRole            = errors.New("message role must not be empty")
	ErrEmptyMessageContent  = errors.New("message must carry exactly one content variant")
	ErrMessageNotFound      = errors.New("message not found in conversation")

	// Turn errors
	ErrInvalidTurnID    = errors.New("invalid turn id")
	ErrTurnNotRunning   = errors.New("turn is not in Running status")
	ErrTurnAlreadyEnded = errors.New("turn has already reached a terminal status")

	// ToolCallRecord errors
	ErrInvalidToolCallID   = errors.New("invalid tool call id")
	ErrInvalidToolCallName = errors.New("invalid tool call name")

	// Session errors
	ErrInvalidSessionID = errors.New("invalid session id")
)
