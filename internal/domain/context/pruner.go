// Package context hosts the token-estimation and message-pruning
// helpers shared by the Conversation & Context Manager. It predates
// (and backs) the compaction strategies in domain/service/compaction.go:
// TokenEstimator is the pluggable estimator referenced there, and
// Pruner/Summarizer supply the Importance/Summarize scoring primitives.
package context

import (
	"strings"
	"unicode/utf8"
)

// PruningStrategy names a pruning approach. It mirrors (but is more
// granular than) the CompactionStrategy variants in domain/service.
type PruningStrategy int

const (
	PruneNone      PruningStrategy = iota // no pruning
	PruneAdaptive                         // importance + recency blended
	PruneHardClear                        // keep only what fits, newest first
	PruneSummarize                        // replace old messages with a summary
)

func (s PruningStrategy) String() string {
	switch s {
	case PruneNone:
		return "none"
	case PruneAdaptive:
		return "adaptive"
	case PruneHardClear:
		return "hard_clear"
	case PruneSummarize:
		return "summarize"
	default:
		return "unknown"
	}
}

// Message is the minimal shape the pruner needs; entity.Message is
// projected down to this before pruning and back afterward.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	Importance float64 // 0-1, 0 means "not yet scored"
	Tokens     int      // estimated token count
}

// PruneConfig configures a Pruner.
type PruneConfig struct {
	Strategy            PruningStrategy
	MaxTokens           int
	SoftTrimRatio       float64 // fraction of MaxTokens that starts soft pruning
	HardClearRatio      float64 // fraction of MaxTokens that forces hard clearing
	PreserveSystem      bool
	PreserveRecent      int
	ImportanceThreshold float64
}

// DefaultPruneConfig mirrors the compaction_threshold default (0.8)
// used by the orchestrator's compaction trigger, with a slightly
// lower soft threshold so this pruner can act as an earlier warning
// stage ahead of a full MessageCompactor pass.
func DefaultPruneConfig() *PruneConfig {
	return &PruneConfig{
		Strategy:            PruneAdaptive,
		MaxTokens:           128000,
		SoftTrimRatio:       0.7,
		HardClearRatio:      0.85,
		PreserveSystem:      true,
		PreserveRecent:      4,
		ImportanceThreshold: 0.3,
	}
}

// Tokenizer estimates the token count of a string. TokenEstimator in
// entity.Conversation wraps the same contract for whole messages.
type Tokenizer interface {
	Count(text string) int
}

// SimpleTokenizer approximates 4 characters per token for ASCII text
// and 2 characters per token for CJK text, matching the heuristic
// used throughout the codebase's guardrails.
type SimpleTokenizer struct {
	charsPerToken float64
}

func NewSimpleTokenizer() *SimpleTokenizer {
	return &SimpleTokenizer{charsPerToken: 4.0}
}

func (t *SimpleTokenizer) Count(text string) int {
	cjkCount := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjkCount++
		}
	}
	totalChars := utf8.RuneCountInString(text)
	asciiChars := totalChars - cjkCount
	tokens := float64(cjkCount)/2.0 + float64(asciiChars)/t.charsPerToken
	return int(tokens) + 1
}

// Pruner reduces a message slice to fit a token budget using one of
// the PruningStrategy variants.
type Pruner struct {
	config    *PruneConfig
	tokenizer Tokenizer
}

func NewPruner(config *PruneConfig, tokenizer Tokenizer) *Pruner {
	if tokenizer == nil {
		tokenizer = NewSimpleTokenizer()
	}
	return &Pruner{config: config, tokenizer: tokenizer}
}

func (p *Pruner) Prune(messages []Message) []Message {
	if p.config.Strategy == PruneNone {
		return messages
	}

	totalTokens := p.calculateTotalTokens(messages)
	softThreshold := int(float64(p.config.MaxTokens) * p.config.SoftTrimRatio)
	hardThreshold := int(float64(p.config.MaxTokens) * p.config.HardClearRatio)

	if totalTokens < softThreshold {
		return messages
	}

	switch p.config.Strategy {
	case PruneAdaptive:
		return p.adaptivePrune(messages, softThreshold, hardThreshold)
	case PruneHardClear:
		return p.hardClearPrune(messages, hardThreshold)
	case PruneSummarize:
		// Summarization needs a model call; the bare Pruner falls
		// back to adaptive — SummarizePruner overrides this path.
		return p.adaptivePrune(messages, softThreshold, hardThreshold)
	default:
		return messages
	}
}

func (p *Pruner) calculateTotalTokens(messages []Message) int {
	total := 0
	for i := range messages {
		if messages[i].Tokens == 0 {
			messages[i].Tokens = p.tokenizer.Count(messages[i].Content)
		}
		total += messages[i].Tokens
	}
	return total
}

func (p *Pruner) adaptivePrune(messages []Message, softThreshold, hardThreshold int) []Message {
	if len(messages) == 0 {
		return messages
	}

	var systemMessages []Message
	if p.config.PreserveSystem {
		for _, msg := range messages {
			if msg.Role == "system" {
				systemMessages = append(systemMessages, msg)
			}
		}
	}

	recentStart := len(messages) - p.config.PreserveRecent
	if recentStart < 0 {
		recentStart = 0
	}
	recentMessages := messages[recentStart:]

	var middleMessages []Message
	for i, msg := range messages {
		if msg.Role == "system" || i >= recentStart {
			continue
		}
		if p.evaluateImportance(msg) >= p.config.ImportanceThreshold {
			middleMessages = append(middleMessages, msg)
		}
	}

	result := make([]Message, 0, len(systemMessages)+len(middleMessages)+len(recentMessages))
	result = append(result, systemMessages...)
	result = append(result, middleMessages...)
	result = append(result, recentMessages...)

	if currentTokens := p.calculateTotalTokens(result); currentTokens > hardThreshold && len(middleMessages) > 0 {
		half := len(middleMessages) / 2
		result = make([]Message, 0)
		result = append(result, systemMessages...)
		result = append(result, middleMessages[half:]...)
		result = append(result, recentMessages...)
	}

	return result
}

func (p *Pruner) hardClearPrune(messages []Message, hardThreshold int) []Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]Message, 0)
	currentTokens := 0

	if p.config.PreserveSystem {
		for _, msg := range messages {
			if msg.Role == "system" {
				result = append(result, msg)
				currentTokens += msg.Tokens
			}
		}
	}

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role == "system" {
			continue
		}
		if currentTokens+msg.Tokens > hardThreshold {
			break
		}

		insertIdx := len(result)
		for j, m := range result {
			if m.Role != "system" {
				insertIdx = j
				break
			}
		}
		result = append(result[:insertIdx], append([]Message{msg}, result[insertIdx:]...)...)
		currentTokens += msg.Tokens
	}

	return result
}

func (p *Pruner) evaluateImportance(msg Message) float64 {
	if msg.Importance > 0 {
		return msg.Importance
	}

	importance := 0.5

	if msg.Role == "tool" || msg.ToolCallID != "" {
		importance += 0.2
	}
	if strings.Contains(msg.Content, "```") {
		importance += 0.15
	}
	lower := strings.ToLower(msg.Content)
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") || strings.Contains(lower, "exception") {
		importance += 0.1
	}
	if len(msg.Content) > 500 {
		importance += 0.05
	}
	if importance > 1.0 {
		importance = 1.0
	}

	return importance
}

func (p *Pruner) EstimateTokens(messages []Message) int {
	return p.calculateTotalTokens(messages)
}

func (p *Pruner) NeedsPruning(messages []Message) bool {
	totalTokens := p.calculateTotalTokens(messages)
	softThreshold := int(float64(p.config.MaxTokens) * p.config.SoftTrimRatio)
	return totalTokens >= softThreshold
}
