package context

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer produces a bounded textual summary of a run of messages,
// backing the Summarize/Hybrid compaction strategies.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// ModelClient is the minimal model-call contract a Summarizer needs.
type ModelClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLMSummarizer asks the model to compress a run of messages into a
// short bullet-point summary.
type LLMSummarizer struct {
	client          ModelClient
	maxInputTokens  int
	maxOutputTokens int
	summaryPrompt   string
}

type SummarizerConfig struct {
	MaxInputTokens  int
	MaxOutputTokens int
	CustomPrompt    string
}

func DefaultSummarizerConfig() *SummarizerConfig {
	return &SummarizerConfig{MaxInputTokens: 8000, MaxOutputTokens: 500}
}

func NewLLMSummarizer(client ModelClient, config *SummarizerConfig) *LLMSummarizer {
	if config == nil {
		config = DefaultSummarizerConfig()
	}
	prompt := config.CustomPrompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	return &LLMSummarizer{
		client:          client,
		maxInputTokens:  config.MaxInputTokens,
		maxOutputTokens: config.MaxOutputTokens,
		summaryPrompt:   prompt,
	}
}

const defaultSummaryPrompt = `Compress the following conversation history into a concise summary. Preserve:
1. The user's core goals and requirements
2. Important actions and decisions already taken
3. Key code or configuration changes
4. Unresolved issues or open follow-ups

Keep the summary under 300 words, as a bullet list.

Conversation history:
%s

Summary:`

func (s *LLMSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	tokenizer := NewSimpleTokenizer()
	total := 0

	for _, msg := range messages {
		line := fmt.Sprintf("[%s]: %s\n", msg.Role, msg.Content)
		lineTokens := tokenizer.Count(line)
		if total+lineTokens > s.maxInputTokens {
			sb.WriteString("... (earlier messages omitted)\n")
			break
		}
		sb.WriteString(line)
		total += lineTokens
	}

	prompt := fmt.Sprintf(s.summaryPrompt, sb.String())

	summary, err := s.client.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}
	return summary, nil
}

// SummarizePruner layers LLM-backed summarization on top of Pruner,
// replacing the oldest non-recent messages with a single summary
// message instead of dropping them outright.
type SummarizePruner struct {
	*Pruner
	summarizer Summarizer
	summaryMsg *Message
}

func NewSummarizePruner(config *PruneConfig, tokenizer Tokenizer, summarizer Summarizer) *SummarizePruner {
	config.Strategy = PruneSummarize
	return &SummarizePruner{
		Pruner:     NewPruner(config, tokenizer),
		summarizer: summarizer,
	}
}

func (p *SummarizePruner) PruneWithSummary(ctx context.Context, messages []Message) ([]Message, error) {
	if !p.NeedsPruning(messages) {
		return messages, nil
	}

	var systemMsgs, dialogMsgs []Message
	for _, msg := range messages {
		if msg.Role == "system" {
			systemMsgs = append(systemMsgs, msg)
		} else {
			dialogMsgs = append(dialogMsgs, msg)
		}
	}

	recentCount := p.config.PreserveRecent
	if recentCount > len(dialogMsgs) {
		recentCount = len(dialogMsgs)
	}

	recentMsgs := dialogMsgs[len(dialogMsgs)-recentCount:]
	oldMsgs := dialogMsgs[:len(dialogMsgs)-recentCount]

	if len(oldMsgs) > 0 && p.summarizer != nil {
		summary, err := p.summarizer.Summarize(ctx, oldMsgs)
		if err != nil {
			return p.Prune(messages), nil
		}
		p.summaryMsg = &Message{
			Role:    "system",
			Content: fmt.Sprintf("[conversation summary]\n%s", summary),
		}
	}

	result := make([]Message, 0, len(systemMsgs)+1+len(recentMsgs))
	result = append(result, systemMsgs...)
	if p.summaryMsg != nil {
		result = append(result, *p.summaryMsg)
	}
	result = append(result, recentMsgs...)

	return result, nil
}

func (p *SummarizePruner) GetLastSummary() string {
	if p.summaryMsg != nil {
		return p.summaryMsg.Content
	}
	return ""
}

// SimpleSummarizer extracts keyword-bearing lines without calling a
// model; used as the MessageCompactor's deterministic fallback when
// no ModelClient is configured.
type SimpleSummarizer struct{}

func NewSimpleSummarizer() *SimpleSummarizer {
	return &SimpleSummarizer{}
}

func (s *SimpleSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var points []string
	for _, msg := range messages {
		content := strings.ToLower(msg.Content)
		if strings.Contains(content, "error") ||
			strings.Contains(content, "done") ||
			strings.Contains(content, "created") ||
			strings.Contains(content, "modified") {
			summary := msg.Content
			if len(summary) > 100 {
				summary = summary[:100] + "..."
			}
			points = append(points, fmt.Sprintf("- [%s] %s", msg.Role, summary))
		}
	}

	if len(points) == 0 {
		return fmt.Sprintf("%d prior messages", len(messages)), nil
	}
	if len(points) > 10 {
		points = points[len(points)-10:]
	}

	return strings.Join(points, "\n"), nil
}
