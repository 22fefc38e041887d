package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CompactionConfig parameterizes every CompactionStrategy: the knobs
// that decide what "preserve" and "over budget" mean, shared across
// Sliding/Summarize/Importance/Hybrid/TurnBased.
type CompactionConfig struct {
	TargetRatio      float64 // Importance: keep this fraction of messages
	PreserveRecent   int     // Sliding/Summarize: last N kept verbatim. TurnBased: last N turns kept.
	PreserveSystem   bool    // keep every System-role message regardless of score
	PreserveTools    bool    // keep tool-result messages regardless of score
	MaxSummaryLength int     // Summarize: cap on the rendered summary body
	TargetTokens     int     // Hybrid: budget the Importance pass trims toward
}

// CompactionResult reports what a MessageCompactor run actually did.
type CompactionResult struct {
	Messages        []LLMMessage
	MessagesRemoved int
	TokensSaved     int
	TokensAfter     int
}

// MessageCompactor applies an ordered list of named strategies until
// the conversation fits TargetTokens or shrinks to MinMessages,
// whichever comes first. Strategy names: "sliding", "summarize",
// "importance", "hybrid", "turn_based".
type MessageCompactor struct {
	Strategies   []string
	TargetTokens int
	MinMessages  int
}

// runCompactor drives the configured strategy chain. It stops early if
// a strategy makes no further progress (same message count as before
// applying it), since re-running it would only loop.
func (a *AgentLoop) runCompactor(messages []LLMMessage, mc MessageCompactor, cfg CompactionConfig) CompactionResult {
	before := len(messages)
	tokensBefore := EstimateMessageTokens(messages)
	current := messages

	for _, name := range mc.Strategies {
		if len(current) <= mc.MinMessages || EstimateMessageTokens(current) <= mc.TargetTokens {
			break
		}
		prevLen := len(current)
		switch name {
		case "sliding":
			current = applySlidingStrategy(current, cfg)
		case "summarize":
			current = a.applySummarizeStrategy(current, cfg)
		case "importance":
			current = applyImportanceStrategy(current, cfg)
		case "hybrid":
			current = a.applyHybridStrategy(current, cfg)
		case "turn_based":
			current = applyTurnBasedStrategy(current, cfg)
		default:
			a.logger.Warn("Unknown compaction strategy, skipping", zap.String("strategy", name))
			continue
		}
		if len(current) == prevLen {
			break // no progress; further strategies won't help either
		}
	}

	tokensAfter := EstimateMessageTokens(current)
	saved := tokensBefore - tokensAfter
	if saved < 0 {
		saved = 0
	}
	return CompactionResult{
		Messages:        current,
		MessagesRemoved: before - len(current),
		TokensSaved:     saved,
		TokensAfter:     tokensAfter,
	}
}

// compactMessages summarizes older messages to reduce context length,
// driven by the Hybrid strategy (Summarize, then Importance-trim if
// still over budget) — the ordered default; callers wanting a
// different strategy chain can call runCompactor directly.
func (a *AgentLoop) compactMessages(messages []LLMMessage) []LLMMessage {
	keepLast := a.config.CompactKeepLast
	if keepLast >= len(messages) {
		return messages // Nothing to compact
	}

	targetTokens := int(float64(a.config.ContextMaxTokens) * a.config.ContextWarnRatio)
	cfg := CompactionConfig{
		TargetRatio:      0.5,
		PreserveRecent:   keepLast,
		PreserveSystem:   true,
		PreserveTools:    false,
		MaxSummaryLength: 2000,
		TargetTokens:     targetTokens,
	}
	mc := MessageCompactor{
		Strategies:   []string{"hybrid"},
		TargetTokens: targetTokens,
		MinMessages:  keepLast + 1,
	}

	result := a.runCompactor(messages, mc, cfg)
	a.logger.Info("Context compaction completed",
		zap.Int("before", len(messages)),
		zap.Int("after", len(result.Messages)),
		zap.Int("messages_removed", result.MessagesRemoved),
		zap.Int("tokens_saved", result.TokensSaved),
	)
	return result.Messages
}

// applySlidingStrategy keeps every System message (if configured) plus
// the last PreserveRecent messages, dropping everything in between
// with no summary placeholder — the cheapest strategy, used when
// fidelity of the dropped middle doesn't matter.
func applySlidingStrategy(messages []LLMMessage, cfg CompactionConfig) []LLMMessage {
	if cfg.PreserveRecent >= len(messages) {
		return messages
	}
	kept := make([]LLMMessage, 0, cfg.PreserveRecent+1)
	if cfg.PreserveSystem {
		for _, m := range messages {
			if m.Role == "system" {
				kept = append(kept, m)
			}
		}
	}
	kept = append(kept, messages[len(messages)-cfg.PreserveRecent:]...)
	return kept
}

// applySummarizeStrategy replaces the oldest total−PreserveRecent
// messages with a single bounded System-role summary (LLM-rendered
// state_snapshot, falling back to deterministic truncation), keeping
// the System prompt and the last PreserveRecent messages verbatim.
func (a *AgentLoop) applySummarizeStrategy(messages []LLMMessage, cfg CompactionConfig) []LLMMessage {
	firstNonSystem := 0
	if len(messages) > 0 && messages[0].Role == "system" {
		firstNonSystem = 1
	}
	middleEnd := len(messages) - cfg.PreserveRecent
	if middleEnd <= firstNonSystem {
		return messages
	}

	summary := a.tryLLMSummarize(messages[firstNonSystem:middleEnd])
	if summary == "" {
		summary = a.truncationSummary(messages[firstNonSystem:middleEnd])
	}
	if cfg.MaxSummaryLength > 0 && len(summary) > cfg.MaxSummaryLength {
		if cfg.MaxSummaryLength > 3 {
			summary = summary[:cfg.MaxSummaryLength-3] + "..."
		} else {
			summary = summary[:cfg.MaxSummaryLength]
		}
	}

	compacted := make([]LLMMessage, 0, 2+cfg.PreserveRecent)
	if firstNonSystem > 0 {
		compacted = append(compacted, messages[0])
	}
	compacted = append(compacted, LLMMessage{Role: "system", Content: summary})
	compacted = append(compacted, messages[len(messages)-cfg.PreserveRecent:]...)
	return compacted
}

// applyImportanceStrategy scores every message — role weight, recency
// bonus, a length penalty, a tool-call bonus — and keeps the top
// TargetRatio fraction by score while preserving chronological order.
// System messages (if PreserveSystem) and tool-result messages (if
// PreserveTools) are always kept regardless of score.
func applyImportanceStrategy(messages []LLMMessage, cfg CompactionConfig) []LLMMessage {
	total := len(messages)
	if total == 0 {
		return messages
	}
	keepCount := int(cfg.TargetRatio * float64(total))
	if keepCount >= total {
		return messages
	}
	if keepCount < 1 {
		keepCount = 1
	}

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, total)
	for i, m := range messages {
		var s float64
		switch m.Role {
		case "system":
			s = 10
		case "user":
			s = 5
		case "assistant":
			s = 4
		case "tool":
			s = 3
		}
		s += float64(i) / float64(total) * 5 // recency bonus
		if len(m.TextContent()) > 2000 {
			s -= 2 // length penalty
		}
		if len(m.ToolCalls) > 0 {
			s += 3
		}
		if cfg.PreserveSystem && m.Role == "system" {
			s += 1000 // force-keep
		}
		if cfg.PreserveTools && m.Role == "tool" {
			s += 1000
		}
		scores[i] = scored{idx: i, score: s}
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	keepIdx := make(map[int]bool, keepCount)
	for _, s := range scores[:keepCount] {
		keepIdx[s.idx] = true
	}

	kept := make([]LLMMessage, 0, keepCount)
	for i, m := range messages {
		if keepIdx[i] {
			kept = append(kept, m)
		}
	}
	return kept
}

// applyHybridStrategy runs Summarize first, then Importance-trims the
// result if it's still over TargetTokens — the default chain, since
// Summarize alone can still leave a conversation too large when the
// preserved recent window is itself bulky (long tool outputs, etc).
func (a *AgentLoop) applyHybridStrategy(messages []LLMMessage, cfg CompactionConfig) []LLMMessage {
	summarized := a.applySummarizeStrategy(messages, cfg)
	if cfg.TargetTokens <= 0 || EstimateMessageTokens(summarized) <= cfg.TargetTokens {
		return summarized
	}
	return applyImportanceStrategy(summarized, cfg)
}

// applyTurnBasedStrategy groups messages into turns (a turn begins at
// a User message) and keeps only the last PreserveRecent turns,
// dropping earlier turns wholesale. Messages before the first User
// message are grouped as a turn of their own; when turns are dropped,
// only messages[0] is kept in addition, and only if it is a System
// message — any other leading messages go with the dropped turns.
func applyTurnBasedStrategy(messages []LLMMessage, cfg CompactionConfig) []LLMMessage {
	var preamble []LLMMessage
	var turns [][]LLMMessage
	var current []LLMMessage

	for _, m := range messages {
		if m.Role == "user" {
			if current != nil {
				turns = append(turns, current)
			} else if len(preamble) > 0 {
				turns = append(turns, preamble)
				preamble = nil
			}
			current = []LLMMessage{m}
			continue
		}
		if current == nil {
			preamble = append(preamble, m)
			continue
		}
		current = append(current, m)
	}
	if current != nil {
		turns = append(turns, current)
	}

	keepTurns := cfg.PreserveRecent
	if keepTurns <= 0 || keepTurns >= len(turns) {
		return messages
	}

	kept := make([]LLMMessage, 0, len(messages))
	if messages[0].Role == "system" {
		kept = append(kept, messages[0])
	}
	for _, t := range turns[len(turns)-keepTurns:] {
		kept = append(kept, t...)
	}
	return kept
}

// tryLLMSummarize uses the LLM to generate a structured XML <state_snapshot>
// summary of older messages. Returns empty string if summarization fails.
func (a *AgentLoop) tryLLMSummarize(messages []LLMMessage) string {
	if a.llm == nil {
		return ""
	}

	// Build a concise representation of the conversation for summarization
	var parts []string
	for _, msg := range messages {
		text := msg.TextContent()
		if text == "" {
			continue
		}
		// Truncate individual messages to save tokens
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		parts = append(parts, fmt.Sprintf("[%s]: %s", msg.Role, text))
	}

	if len(parts) == 0 {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const compressionPrompt = `You are a conversation state compressor. Analyze the following conversation and produce a structured XML snapshot.

Output format:
<state_snapshot>
  <task_description>Current task being executed</task_description>
  <progress>
    <completed>List of completed steps</completed>
    <in_progress>Current step</in_progress>
    <remaining>Remaining steps</remaining>
  </progress>
  <key_decisions>Key technical decisions and reasons</key_decisions>
  <modified_files>
    <file path="path/to/file" action="created|modified|deleted">Change summary</file>
  </modified_files>
  <current_context>
    <working_directory>Current working directory</working_directory>
    <relevant_findings>Key findings and constraints</relevant_findings>
  </current_context>
  <memory_candidates>Facts worth remembering long-term (user preferences, environment info, project decisions)</memory_candidates>
</state_snapshot>

Rules:
- Preserve ALL unfinished task state
- Keep key decisions and reasons
- Drop specific code content (only keep file paths + change summaries)
- Drop intermediate debugging
- Extract memory-worthy facts into <memory_candidates>`

	summaryReq := &LLMRequest{
		Model:       a.config.Model,
		Temperature: 0.2,
		MaxTokens:   800,
		Messages: []LLMMessage{
			{
				Role:    "system",
				Content: compressionPrompt,
			},
			{
				Role:    "user",
				Content: fmt.Sprintf("Compress this conversation (%d messages):\n\n%s", len(parts), strings.Join(parts, "\n")),
			},
		},
	}

	resp, err := a.llm.Generate(ctx, summaryReq)
	if err != nil {
		a.logger.Debug("LLM summarization failed, using fallback",
			zap.Error(err),
		)
		return ""
	}

	if resp.Content == "" {
		return ""
	}

	// Flush conversation state to daily log before context is discarded
	go a.flushToDailyLog(resp.Content, len(messages))

	// P1.7: Auto-extract memory candidates from compaction
	go a.extractMemoriesFromCompaction(resp.Content)

	return fmt.Sprintf("[Context compacted — %d messages → state_snapshot]\n\n%s", len(messages), resp.Content)
}

// extractMemoriesFromCompaction extracts <memory_candidates> from compaction output
// and appends them to ~/.ngoclaw/memory.md. Runs async to not block compaction.
func (a *AgentLoop) extractMemoriesFromCompaction(snapshot string) {
	// Extract <memory_candidates>...</memory_candidates>
	start := strings.Index(snapshot, "<memory_candidates>")
	end := strings.Index(snapshot, "</memory_candidates>")
	if start == -1 || end == -1 || end <= start {
		return
	}

	candidates := strings.TrimSpace(snapshot[start+len("<memory_candidates>") : end])
	if candidates == "" {
		return
	}

	// Parse bullet points
	lines := strings.Split(candidates, "\n")
	var facts []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		line = strings.TrimPrefix(line, "• ")
		line = strings.TrimSpace(line)
		if line != "" && len(line) > 5 {
			facts = append(facts, line)
		}
	}

	if len(facts) == 0 {
		return
	}

	// Use save_memory tool to persist each fact
	for _, fact := range facts {
		_, err := a.tools.Execute(context.Background(), "save_memory", map[string]interface{}{
			"fact": fact,
		})
		if err != nil {
			a.logger.Debug("Auto-extract memory failed",
				zap.String("fact", fact),
				zap.Error(err),
			)
		}
	}

	a.logger.Info("Auto-extracted memories from compaction",
		zap.Int("facts", len(facts)),
	)
}

// flushToDailyLog writes a compact summary of the compacted conversation to
// the daily log file (memory/YYYY-MM-DD.md). This preserves context that
// would otherwise be lost after compaction.
func (a *AgentLoop) flushToDailyLog(snapshot string, messageCount int) {
	// Extract <task_description> for a one-line summary
	taskDesc := extractXMLTag(snapshot, "task_description")
	inProgress := extractXMLTag(snapshot, "in_progress")

	var entry string
	switch {
	case taskDesc != "" && inProgress != "":
		entry = fmt.Sprintf("[compaction] %s — 进行中: %s (%d msgs compacted)", taskDesc, inProgress, messageCount)
	case taskDesc != "":
		entry = fmt.Sprintf("[compaction] %s (%d msgs compacted)", taskDesc, messageCount)
	default:
		entry = fmt.Sprintf("[compaction] %d messages compacted", messageCount)
	}

	// Write directly to avoid import cycle (service ← tool → service)
	home, err := os.UserHomeDir()
	if err != nil {
		a.logger.Warn("Failed to get home dir for daily log", zap.Error(err))
		return
	}
	dir := filepath.Join(home, ".ngoclaw", "memory")
	if err := os.MkdirAll(dir, 0755); err != nil {
		a.logger.Warn("Failed to create daily log dir", zap.Error(err))
		return
	}
	logPath := filepath.Join(dir, time.Now().Format("2006-01-02")+".md")
	line := fmt.Sprintf("- [%s] %s\n", time.Now().Format("15:04"), entry)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		a.logger.Warn("Failed to open daily log", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		a.logger.Warn("Failed to write daily log", zap.Error(err))
	}
}

// extractXMLTag extracts the text content of a simple XML tag from a string.
func extractXMLTag(s, tag string) string {
	open := "<" + tag + ">"
	close := "</" + tag + ">"
	start := strings.Index(s, open)
	end := strings.Index(s, close)
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return strings.TrimSpace(s[start+len(open) : end])
}

// truncationSummary builds a simple truncation-based summary as fallback.
func (a *AgentLoop) truncationSummary(messages []LLMMessage) string {
	var summaryParts []string
	toolCallCount := 0
	assistantMsgCount := 0
	userMsgCount := 0

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			assistantMsgCount++
			if msg.Content != "" {
				text := msg.Content
				if len(text) > 200 {
					text = text[:200] + "..."
				}
				summaryParts = append(summaryParts, fmt.Sprintf("Assistant: %s", text))
			}
			toolCallCount += len(msg.ToolCalls)
		case "user":
			userMsgCount++
			text := msg.Content
			if len(text) > 100 {
				text = text[:100] + "..."
			}
			summaryParts = append(summaryParts, fmt.Sprintf("User: %s", text))
		case "tool":
			// Skip tool results in summary (they're implicit from tool calls)
		}
	}

	return fmt.Sprintf(
		"[Context compacted: %d messages summarized (%d user, %d assistant, %d tool calls)]\n\n%s",
		len(messages),
		userMsgCount,
		assistantMsgCount,
		toolCallCount,
		strings.Join(summaryParts, "\n"),
	)
}
