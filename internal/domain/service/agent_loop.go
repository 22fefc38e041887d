package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/turnforge/agentcore/internal/domain/entity"
	domaintool "github.com/turnforge/agentcore/internal/domain/tool"
	"github.com/turnforge/agentcore/internal/domain/valueobject"
	"github.com/turnforge/agentcore/internal/infrastructure/ghost"
	"go.uber.org/zap"
)

// AgentLoopConfig holds configuration for the agent's ReAct loop
type AgentLoopConfig struct {
	DoomLoopThreshold int     // Deprecated: use LoopDetectThreshold for sliding window
	MaxOutputChars    int     // Maximum characters per tool output before truncation (default: 32000)
	Temperature       float64 // LLM temperature
	Model             string  // LLM model identifier (e.g. "bailian/qwen3-coder-plus")

	// Per-model policy overrides from config.yaml.
	// Keys are matched by substring against model ID (e.g. "qwen3", "minimax").
	ModelPolicies map[string]*ModelPolicyOverride

	// Auto-retry configuration
	MaxRetries    int           // Max retries per LLM call (default: 3)
	RetryBaseWait time.Duration // Base wait between retries (default: 2s, exponential: 2s, 4s, 8s)

	// Context compaction
	CompactThreshold int // Deprecated: use ContextGuard for token-based compaction
	CompactKeepLast  int // Number of recent messages to preserve during compaction (default: 10)

	// Parallel tool execution
	MaxParallelTools int // Max concurrent tool executions (default: 4, 1 = sequential)

	// Guardrails — OpenClaw/Continue aligned: token budget is the only natural limit.
	// No MaxSteps, no RunTimeout. Loop runs until LLM stops calling tools or tokens exhaust.
	MaxTokenBudget      int64         // Token budget limit (0 = disabled)
	ToolTimeout         time.Duration // Per-tool execution timeout (default 30s)
	ContextMaxTokens    int           // Context window token limit (default 128000)
	ContextWarnRatio    float64       // Warn when context > this ratio (default 0.7)
	ContextHardRatio    float64       // Force compact when > this ratio (default 0.85)
	LoopWindowSize      int           // Sliding window size for loop detection (default 10)
	LoopDetectThreshold int           // Identical (name, args) signatures in window that trigger a hard stop (default 5)
}

// DefaultAgentLoopConfig returns production-ready defaults.
// OpenClaw/Continue aligned: no MaxSteps, no RunTimeout.
// Loop runs until LLM stops calling tools, guarded by token budget + ContextGuard.
func DefaultAgentLoopConfig() AgentLoopConfig {
	return AgentLoopConfig{
		DoomLoopThreshold:   3,
		MaxOutputChars:      32000,
		Temperature:         0.7,
		MaxRetries:          3,
		RetryBaseWait:       2 * time.Second,
		CompactThreshold:    40,
		CompactKeepLast:     10,
		MaxParallelTools:    4,
		ToolTimeout:         30 * time.Second,
		ContextMaxTokens:    128000,
		ContextWarnRatio:    0.7,
		ContextHardRatio:    0.85,
		LoopWindowSize:      10,
		LoopDetectThreshold: 5,
	}
}

// LLMClient is the interface the agent loop uses to communicate with language models.
// It decouples the loop from specific LLM provider implementations.
type LLMClient interface {
	// Generate sends a prompt with tool definitions and history, returning a full response.
	Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error)

	// GenerateStream sends a prompt and streams back partial responses.
	// The channel is closed when the stream ends. The caller must drain it.
	// Returns the final accumulated LLMResponse after the channel is closed.
	GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error)
}

// StreamChunk represents a single delta from a streaming LLM response.
type StreamChunk struct {
	DeltaText     string               // Incremental text content
	DeltaToolCall *entity.ToolCallInfo  // Incremental tool call (may arrive in fragments)
	FinishReason  string               // "stop", "tool_calls", "" (not yet finished)
}

// LLMRequest is the request sent to the language model
type LLMRequest struct {
	Messages    []LLMMessage           `json:"messages"`
	Tools       []domaintool.Definition `json:"tools,omitempty"`
	Model       string                 `json:"model"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Temperature float64                `json:"temperature"`
}

// LLMMessage represents a single message in the conversation
type LLMMessage struct {
	Role       string               `json:"role"` // "system", "user", "assistant", "tool"
	Content    string               `json:"content"`
	Parts      []ContentPart        `json:"parts,omitempty"`    // Multimodal content (takes precedence over Content)
	ToolCalls  []entity.ToolCallInfo `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	Name       string               `json:"name,omitempty"`
}

// ContentPart represents a multimodal content fragment.
type ContentPart struct {
	Type     string `json:"type"`               // "text", "image", "audio", "file"
	Text     string `json:"text,omitempty"`      // Content when Type="text"
	MediaURL string `json:"media_url,omitempty"` // URL when Type="image"/"audio"/"file"
	MimeType string `json:"mime_type,omitempty"` // e.g. "image/png"
	Data     []byte `json:"data,omitempty"`      // Inline binary data (optional)
}

// TextContent returns all text content, joining text parts or falling back to Content.
func (m *LLMMessage) TextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return m.Content
	}
	return strings.Join(texts, "\n")
}

// HasMedia returns true if the message contains non-text content.
func (m *LLMMessage) HasMedia() bool {
	for _, p := range m.Parts {
		if p.Type != "text" {
			return true
		}
	}
	return false
}

// LLMResponse is the response from the language model
type LLMResponse struct {
	Content    string               `json:"content"`
	ToolCalls  []entity.ToolCallInfo `json:"tool_calls,omitempty"`
	ModelUsed  string               `json:"model_used"`
	TokensUsed int                  `json:"tokens_used"`
}

// ToolExecutor is the interface for executing tools within the agent loop
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error)
	GetDefinitions() []domaintool.Definition
	// GetToolKind returns the Kind of a registered tool (defaults to "execute" if unknown)
	GetToolKind(name string) domaintool.Kind
}

// ApprovalGate resolves a tool call that risk assessment parked above
// the sandbox policy's auto-approve line. Implementations typically
// surface the PendingApproval to a human (TUI prompt, Telegram inline
// keyboard, HTTP long-poll) and block until ResponseSender receives a
// reply or ctx is cancelled.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, pending entity.PendingApproval) entity.ApprovalResponse
}

// AgentLoop implements the ReAct (Reason + Act) agent loop with:
//   - Auto-retry with exponential backoff
//   - Context compaction for long conversations
//   - Graceful abort support
//   - Doom loop detection
//   - Risk-gated tool approval and ghost-commit snapshotting
type AgentLoop struct {
	llm        LLMClient
	tools      ToolExecutor
	config     AgentLoopConfig
	hooks      AgentHook
	middleware *MiddlewarePipeline
	toolCache  *ToolResultCache
	logger     *zap.Logger

	// ghostEngine, when set, snapshots the working tree onto a detached
	// ghost ref before each turn so UndoLast can restore it. Nil disables
	// snapshotting (e.g. outside a git repo or when the feature is off).
	ghostEngine *ghost.Engine

	// approvalGate, when set, is consulted for any tool call whose
	// assessed risk exceeds what sandboxPolicy auto-approves. Nil means
	// every call proceeds once it clears the legacy BeforeToolCall hook
	// (previous behavior, preserved for callers that haven't wired a gate).
	approvalGate  ApprovalGate
	sandboxPolicy valueobject.SandboxPolicy

	// richEvents, when set, receives a mirror of the richer entity.Event
	// taxonomy (turn/tool-call/approval/ghost lifecycle) alongside the
	// legacy entity.AgentEvent stream every caller already consumes.
	richEvents chan<- entity.Event
}

// NewAgentLoop creates a new ReAct agent loop
func NewAgentLoop(llm LLMClient, tools ToolExecutor, config AgentLoopConfig, logger *zap.Logger) *AgentLoop {
	if config.DoomLoopThreshold <= 0 {
		config.DoomLoopThreshold = 3
	}
	if config.MaxOutputChars <= 0 {
		config.MaxOutputChars = 32000
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseWait <= 0 {
		config.RetryBaseWait = 2 * time.Second
	}
	if config.CompactThreshold <= 0 {
		config.CompactThreshold = 40
	}
	if config.CompactKeepLast <= 0 {
		config.CompactKeepLast = 10
	}
	if config.MaxParallelTools <= 0 {
		config.MaxParallelTools = 4
	}
	// Guardrail defaults
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 30 * time.Second
	}
	if config.ContextMaxTokens <= 0 {
		config.ContextMaxTokens = 128000
	}
	if config.ContextWarnRatio <= 0 {
		config.ContextWarnRatio = 0.7
	}
	if config.ContextHardRatio <= 0 {
		config.ContextHardRatio = 0.85
	}
	if config.LoopWindowSize <= 0 {
		config.LoopWindowSize = 10
	}
	if config.LoopDetectThreshold <= 0 {
		config.LoopDetectThreshold = 5
	}

	return &AgentLoop{
		llm:           llm,
		tools:         tools,
		config:        config,
		hooks:         &NoOpHook{},
		middleware:    NewMiddlewarePipeline(logger),
		toolCache:     NewToolResultCache(30*time.Second, 100),
		logger:        logger,
		sandboxPolicy: valueobject.SandboxPrompt,
	}
}

// SetGhostEngine wires an undo-snapshot engine into the loop. Each turn
// snapshots the working tree before dispatching any tools; a nil engine
// (the default) disables snapshotting entirely.
func (a *AgentLoop) SetGhostEngine(engine *ghost.Engine) {
	a.ghostEngine = engine
}

// SetApprovalGate wires a human-in-the-loop approval resolver. Calls
// assessed above what SandboxPolicy auto-approves block on this gate
// instead of running unattended.
func (a *AgentLoop) SetApprovalGate(gate ApprovalGate) {
	a.approvalGate = gate
}

// SetSandboxPolicy sets the auto-approve threshold consulted before a
// tool call reaches the approval gate.
func (a *AgentLoop) SetSandboxPolicy(policy valueobject.SandboxPolicy) {
	a.sandboxPolicy = policy
}

// SetRichEventSink wires a channel that mirrors the full entity.Event
// taxonomy (turn lifecycle, per-call risk, approval resolution, ghost
// snapshots) alongside the legacy entity.AgentEvent stream every caller
// of Run already reads. Passing nil (the default) disables the mirror;
// the loop never blocks on this channel — it's a best-effort send.
func (a *AgentLoop) SetRichEventSink(ch chan<- entity.Event) {
	a.richEvents = ch
}

// emitRich best-effort sends a rich event, stamping its timestamp. A
// nil sink or full channel silently drops the event — this stream is
// strictly observational, never load-bearing for the loop itself.
func (a *AgentLoop) emitRich(event entity.Event) {
	if a.richEvents == nil {
		return
	}
	event.Timestamp = time.Now()
	select {
	case a.richEvents <- event:
	default:
		a.logger.Warn("Rich event channel full, dropping event",
			zap.String("type", string(event.Type)),
		)
	}
}

// SetHooks replaces the hook chain for this agent loop.
func (a *AgentLoop) SetHooks(hooks AgentHook) {
	if hooks != nil {
		a.hooks = hooks
	}
}



// SetMiddleware replaces the middleware pipeline for this agent loop.
func (a *AgentLoop) SetMiddleware(mw *MiddlewarePipeline) {
	if mw != nil {
		a.middleware = mw
	}
}

// AgentResult is the final result of the agent loop
type AgentResult struct {
	FinalContent string
	TotalSteps   int
	TotalTokens  int
	ModelUsed    string
	ToolsUsed    []string
}

// Run executes the ReAct loop, emitting events to the provided channel.
// The caller should read from eventCh until it's closed.
// modelOverride, when non-empty, overrides the default model for this run
// (used by TG /models command to switch models per-session).
func (a *AgentLoop) Run(ctx context.Context, systemPrompt string, userMessage string, history []LLMMessage, modelOverride string) (*AgentResult, <-chan entity.AgentEvent) {
	eventCh := make(chan entity.AgentEvent, 64)

	result := &AgentResult{}

	// Inject trace ID for structured logging
	ctx = WithTraceID(ctx, "")
	a.logger = a.logger.With(zap.String("trace_id", TraceIDFromContext(ctx)))

	// Clear tool cache for each new run
	a.toolCache.Clear()

	// Create a state machine for this run
	sm := NewStateMachine(0, a.logger) // 0 = unlimited steps (bounded by token budget)

	// Wire hooks into state machine transitions
	sm.OnTransition(func(from, to AgentState, snap StateSnapshot) {
		a.hooks.OnStateChange(from, to, snap)
	})

	_ = sm.Transition(StatePreTurn)

	go func() {
		defer close(eventCh)
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("Agent loop panicked",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				a.emitEvent(eventCh, entity.AgentEvent{
					Type:  entity.EventError,
					Error: fmt.Sprintf("Internal error: %v", r),
				})
				result.FinalContent = fmt.Sprintf("Internal error: %v", r)
			}
		}()
		a.runLoop(ctx, systemPrompt, userMessage, history, result, eventCh, sm, modelOverride)
	}()

	return result, eventCh
}

func (a *AgentLoop) runLoop(
	ctx context.Context,
	systemPrompt string,
	userMessage string,
	history []LLMMessage,
	result *AgentResult,
	eventCh chan<- entity.AgentEvent,
	sm *StateMachine,
	modelOverride string,
) {
	// Store user message in context for MemoryMiddleware
	ctx = WithUserMessage(ctx, userMessage)

	// A Run() is one Turn: construct the Submission/Turn pair the rich
	// event stream and ghost snapshot key off of, and emit the
	// lifecycle events legacy callers (AgentEvent-only) never see.
	submission := entity.NewUserTurnSubmission(entity.NewID(), []string{userMessage})
	turnID := entity.NewID()
	turn, turnErr := entity.NewTurn(turnID, 0, nil, []string{userMessage})
	if turnErr != nil {
		// Only fails on an empty id, which NewID() never produces.
		a.logger.Warn("Failed to construct turn record", zap.Error(turnErr))
	}
	a.emitRich(entity.Event{
		Type:         entity.EventTurnStarted,
		SubmissionID: submission.ID,
		TurnID:       turnID,
		Content:      userMessage,
	})

	if a.ghostEngine != nil {
		desc := userMessage
		if len(desc) > 120 {
			desc = desc[:120]
		}
		if _, report, err := a.ghostEngine.SnapshotBeforeTurn(ctx, turnID, desc); err != nil {
			a.logger.Warn("Ghost snapshot failed, continuing without undo point",
				zap.String("turn_id", turnID),
				zap.Error(err),
			)
		} else if report != nil {
			a.logger.Info("Ghost snapshot captured",
				zap.String("turn_id", turnID),
				zap.Int("files_included", report.FilesIncluded),
				zap.Int("skipped_large_files", len(report.SkippedLargeFiles)),
			)
		}
	}

	// turnStatus/turnErrMsg are set just before each return point below;
	// the deferred close-out translates them into the Turn's terminal
	// status and the matching rich lifecycle event, so every exit path
	// (including the panic recovery in Run) reports consistently.
	turnStatus := entity.TurnCompleted
	turnErrMsg := ""
	defer func() {
		if turn != nil {
			_ = turn.Complete(turnStatus, turnErrMsg)
		}
		evtType := entity.EventTurnCompleted
		switch turnStatus {
		case entity.TurnErrored:
			evtType = entity.EventFailed
		case entity.TurnInterrupted:
			evtType = entity.EventTurnAborted
		}
		a.emitRich(entity.Event{
			Type:         evtType,
			SubmissionID: submission.ID,
			TurnID:       turnID,
			Reason:       turnErrMsg,
			Success:      turnStatus == entity.TurnCompleted,
			TokenUsage:   &entity.TokenUsage{CompletionTokens: result.TotalTokens},
		})
	}()

	// Build initial messages
	messages := make([]LLMMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, LLMMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, LLMMessage{Role: "user", Content: userMessage})

	toolDefs := a.tools.GetDefinitions()
	toolsUsedSet := make(map[string]bool)

	// Initialize guardrails for this run
	loopDetector := NewLoopDetector(a.config.LoopWindowSize, a.config.LoopDetectThreshold, a.logger)
	contextGuard := NewContextGuard(a.config.ContextMaxTokens, a.config.ContextWarnRatio, a.config.ContextHardRatio, a.logger)
	var costGuard *CostGuard
	if a.config.MaxTokenBudget > 0 {
		costGuard = NewCostGuard(a.config.MaxTokenBudget, 0, a.logger)
	}

	// OpenClaw/Continue aligned: no RunTimeout. Token budget is the natural limit.


	consecutiveFailures := 0    // Track consecutive tool failures for early abort
	overflowCompactions := 0    // Track auto-compaction retries on context overflow (max 3)
	compactionThisTurn := false // OpenClaw pattern: auto-continue once after compaction

	// OpenClaw pattern: collect cleaned text from every assistant turn.
	// Many models (MiniMax, Qwen3) emit ALL useful text during intermediate
	// tool-calling steps and return empty content on the final step.
	// This slice captures each non-empty assistant response so we can use
	// the last one as a fallback when the final step's content is empty.
	var assistantTexts []string

	// Determine effective model for this run
	model := a.config.Model
	if modelOverride != "" {
		model = modelOverride
		a.logger.Info("Model override active", zap.String("override", modelOverride))
	}

	// Resolve per-model policy for this run
	policy := ResolveModelPolicy(model, a.config.ModelPolicies)
	a.logger.Info("Model policy resolved",
		zap.String("model", model),
		zap.String("reasoning_format", policy.ReasoningFormat),
		zap.Int("progress_interval", policy.ProgressInterval),
		zap.String("prompt_style", policy.PromptStyle),
	)

	// OpenClaw/Continue pattern: no MaxSteps, no RunTimeout.
	// Loop runs until LLM stops calling tools. Safety nets: token budget, ContextGuard.
	for step := 1; ; step++ {
		sm.SetStep(step)

		// Check cancellation (RunTimeout or user abort)
		if err := ctx.Err(); err != nil {
			sm.ForceInterrupt()
			a.emitEvent(eventCh, entity.AgentEvent{
				Type:  entity.EventError,
				Error: "context cancelled",
			})
			turnStatus = entity.TurnInterrupted
			turnErrMsg = "context cancelled"
			return
		}

		a.logger.Info("Agent loop step",
			zap.Int("step", step),
			zap.Int("messages", len(messages)),
		)

		// === Progress injection: policy-driven interval with escalating urgency ===
		if policy.ProgressInterval > 0 && step > 1 && step%policy.ProgressInterval == 0 {
			if msg := policy.BuildProgressMessage(step); msg != "" {
				messages = append(messages, LLMMessage{
					Role:    "user",
					Content: msg,
				})
			}
		}

		// === Context compaction (token-based only — no fixed message count threshold) ===
		// Aligned with OpenClaw/Gemini CLI: trigger ONLY on token ratio, never on message count.
		ctxCheck := contextGuard.Check(messages)
		if ctxCheck.NeedCompaction {
			messages = a.compactMessages(messages)
			compactionThisTurn = true
			a.logger.Info("Context compacted (token threshold)",
				zap.Int("messages_after", len(messages)),
				zap.Int("estimated_tokens", ctxCheck.EstimatedTokens),
				zap.Float64("ratio", ctxCheck.Ratio),
			)
		}

		// === Sanitize messages (fix orphan tool_use blocks) ===
		messages = sanitizeMessages(messages)

		// === 1. Call LLM with auto-retry ===
		_ = sm.Transition(StateGenerating)

		// === Middleware: BeforeModel (transform messages) ===
		mwMessages := a.middleware.RunBeforeModel(ctx, messages, step)

		llmReq := &LLMRequest{
			Messages:    mwMessages,
			Tools:       toolDefs,
			Model:       model,
			Temperature: a.config.Temperature,
		}

		a.hooks.BeforeLLMCall(ctx, llmReq, step)

		resp, err := a.callLLMWithRetry(ctx, llmReq, step, eventCh)
		if err != nil {
			// OpenClaw pattern: reactive overflow detection.
			// If the API returns a context overflow error, auto-compact and retry
			// instead of failing immediately. Max 3 attempts.
			if IsContextOverflowError(err) && overflowCompactions < 3 {
				overflowCompactions++
				a.logger.Warn("Context overflow detected, auto-compacting",
					zap.Int("attempt", overflowCompactions),
					zap.Int("messages", len(messages)),
					zap.Error(err),
				)
				messages = a.compactMessages(messages)
				a.logger.Info("Auto-compaction complete, retrying LLM call",
					zap.Int("messages_after", len(messages)),
				)
				continue // retry the loop iteration with compacted context
			}

			// All retries exhausted
			sm.RecordError()
			_ = sm.Transition(StateErrorHandling)
			a.hooks.OnError(ctx, err, step)
			a.emitEvent(eventCh, entity.AgentEvent{
				Type:  entity.EventError,
				Error: fmt.Sprintf("LLM error at step %d (after %d retries): %v", step, a.config.MaxRetries, err),
			})
			result.FinalContent = fmt.Sprintf("Error: %v", err)
			turnStatus = entity.TurnErrored
			turnErrMsg = result.FinalContent
			return
		}

		result.TotalTokens += resp.TokensUsed
		result.ModelUsed = resp.ModelUsed
		result.TotalSteps = step
		sm.AddTokens(resp.TokensUsed)
		sm.SetModel(resp.ModelUsed)

		// === CostGuard: check token + time budgets ===
		if costGuard != nil {
			if err := costGuard.AddTokens(int64(resp.TokensUsed)); err != nil {
				_ = sm.Transition(StateErrorHandling)
				a.hooks.OnError(ctx, err, step)
				a.emitEvent(eventCh, entity.AgentEvent{
					Type:  entity.EventError,
					Error: fmt.Sprintf("Budget exceeded: %v", err),
				})
				result.FinalContent = fmt.Sprintf("Stopped: %v", err)
				turnStatus = entity.TurnErrored
				turnErrMsg = result.FinalContent
				return
			}
			if err := costGuard.CheckBudget(); err != nil {
				_ = sm.Transition(StateErrorHandling)
				a.hooks.OnError(ctx, err, step)
				a.emitEvent(eventCh, entity.AgentEvent{
					Type:  entity.EventError,
					Error: fmt.Sprintf("Budget exceeded: %v", err),
				})
				result.FinalContent = fmt.Sprintf("Stopped: %v", err)
				turnStatus = entity.TurnErrored
				turnErrMsg = result.FinalContent
				return
			}
		}

		// === Middleware: AfterModel (transform response) ===
		resp = a.middleware.RunAfterModel(ctx, resp, step)

		a.hooks.AfterLLMCall(ctx, resp, step)

		// 2. Emit step info with state
		snap := sm.Snapshot()
		a.emitEvent(eventCh, entity.AgentEvent{
			Type: entity.EventStepDone,
			StepInfo: &entity.StepInfo{
				Step:       step,
				TokensUsed: resp.TokensUsed,
				ModelUsed:  resp.ModelUsed,
				State:      string(snap.State),
			},
		})

		// 3. Check if there are tool calls
		a.logger.Info("[DIAG] Post-LLM decision point",
			zap.Int("step", step),
			zap.Int("tool_calls", len(resp.ToolCalls)),
			zap.Int("content_len", len(resp.Content)),
			zap.Int("tokens", resp.TokensUsed),
		)
		if len(resp.ToolCalls) == 0 {
			// OpenClaw/Continue pattern: auto-continue once after compaction.
			// If compaction happened this turn, the LLM might stop prematurely because
			// it lost context. Give it one more chance by injecting "continue".
			if compactionThisTurn {
				compactionThisTurn = false // only continue once, preventing infinite loop
				a.logger.Info("Auto-continue after compaction (OpenClaw pattern)",
					zap.Int("step", step),
				)
				messages = append(messages, LLMMessage{
					Role:    "assistant",
					Content: resp.Content,
				})
				messages = append(messages, LLMMessage{
					Role:    "user",
					Content: "continue",
				})
				continue // retry the loop — LLM gets fresh context after compaction
			}

			// No tool calls — final response
			a.logger.Info("[DIAG] Final response path",
				zap.Int("step", step),
				zap.Int("content_len", len(resp.Content)),
			)

			finalContent := StripReasoningTags(resp.Content)

			// Fallback 1: if final step content is empty after multi-step execution,
			// request a proper summary from the model. This produces a coherent answer
			// rather than reusing intermediate narration ("let me check...") which
			// is just the model's plan announcement, not a useful result.
			if strings.TrimSpace(finalContent) == "" && step > 1 {
				a.logger.Info("[DIAG] Final content empty, requesting summary")
				// Ensure proper role alternation. The last message in history is a
				// tool-result (role=tool) from the final tool call. We need to add
				// a user message. Some APIs require assistant-then-user alternation,
				// so insert a minimal assistant acknowledgment if the last message
				// isn't already from the assistant.
				if last := messages[len(messages)-1]; last.Role != "assistant" {
					messages = append(messages, LLMMessage{
						Role:    "assistant",
						Content: "Done — tool calls complete.",
					})
				}
				messages = append(messages, LLMMessage{
					Role:    "user",
					Content: "Summarize concisely what you just did and the final result. Don't repeat the plan, just the outcome.",
				})
				summaryReq := &LLMRequest{
					Messages:    messages,
					Tools:       nil, // No tools — force text response
					Model:       model,
					Temperature: a.config.Temperature,
				}
				summaryResp, err := a.callLLMWithRetry(ctx, summaryReq, step+1, eventCh)
				if err == nil && strings.TrimSpace(summaryResp.Content) != "" {
					finalContent = StripReasoningTags(summaryResp.Content)
					a.logger.Info("[DIAG] Summary fallback succeeded",
						zap.Int("content_len", len(finalContent)),
					)
				}
			}

			// Fallback 2: if summary also failed, use the last collected assistant text.
			// This is better than returning nothing, even though intermediate narration
			// is not ideal as a final answer.
			if strings.TrimSpace(finalContent) == "" && len(assistantTexts) > 0 {
				finalContent = assistantTexts[len(assistantTexts)-1]
				a.logger.Info("[DIAG] Using last assistant text as final content (last resort)",
					zap.Int("content_len", len(finalContent)),
					zap.Int("total_assistant_texts", len(assistantTexts)),
				)
			}

			result.FinalContent = finalContent
			_ = sm.Transition(StatePostTurn)
			a.hooks.OnComplete(ctx, result)
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventDone})
			a.logger.Info("[DIAG] EventDone emitted, returning")
			return
		}

		// OpenClaw pattern: collect intermediate assistant text during tool-calling steps.
		// This captures useful narration that some models produce alongside tool calls,
		// so we can use it as fallback if the final step returns empty content.
		if cleaned := strings.TrimSpace(StripReasoningTags(resp.Content)); cleaned != "" {
			assistantTexts = append(assistantTexts, cleaned)
		}

		// NOTE: intermediate text already streamed in real-time by callLLMWithRetry

		// 4. Append assistant message with tool calls to history
		messages = append(messages, LLMMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// 5. Execute tool calls (parallel when multiple)
		_ = sm.Transition(StateToolDispatch)

		// Loop detection: a signature repeating past threshold within the
		// sliding window is a hard stop, not a hint for the model to
		// self-correct — the turn ends in PostTurn with an EventLoopDetected
		// rather than getting another round to talk itself out of it.
		loopDetected := false
		var loopTool string
		for _, tc := range resp.ToolCalls {
			kind := a.tools.GetToolKind(tc.Name)
			if domaintool.SafeKinds[kind] {
				continue // read-only tools don't count toward loop detection
			}

			argsFingerprint := ""
			if tc.Arguments != nil {
				if raw, err := json.Marshal(tc.Arguments); err == nil {
					argsFingerprint = string(raw)
				}
			}
			if loopDetector.Record(tc.Name, argsFingerprint) {
				loopDetected = true
				loopTool = tc.Name
			}
		}

		// Emit all tool call events, legacy and rich. Risk is assessed once
		// here (pure, cheap) rather than inside each dispatch goroutine so
		// the rich event and the approval gate consult the same verdict.
		riskByID := make(map[string]valueobject.RiskLevel, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			risk := domaintool.Assess(tc.Name, tc.Arguments)
			riskByID[tc.ID] = risk

			a.emitEvent(eventCh, entity.AgentEvent{
				Type: entity.EventToolCall,
				ToolCall: &entity.ToolCallEvent{
					ID:        tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
			argsJSON, _ := json.Marshal(tc.Arguments)
			a.emitRich(entity.Event{
				Type:         entity.EventToolCallStarted,
				SubmissionID: submission.ID,
				TurnID:       turnID,
				ToolCallID:   tc.ID,
				ToolName:     tc.Name,
				Arguments:    string(argsJSON),
				Risk:         risk.String(),
			})
		}

		// Execute tools in parallel with semaphore
		type toolExecResult struct {
			Index    int
			TC       entity.ToolCallInfo
			Output   string
			Display  string // Rich UI output from tool (may be empty)
			Success  bool
			Duration time.Duration
		}

		results := make([]toolExecResult, len(resp.ToolCalls))
		var wg sync.WaitGroup
		sem := make(chan struct{}, a.config.MaxParallelTools)

		for i, tc := range resp.ToolCalls {
			wg.Add(1)
			go func(idx int, call entity.ToolCallInfo) {
				defer wg.Done()

				// Acquire semaphore slot
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					results[idx] = toolExecResult{
						Index:   idx,
						TC:      call,
						Output:  "context cancelled",
						Success: false,
					}
					return
				}

				// BeforeToolCall hook — veto check
				if !a.hooks.BeforeToolCall(ctx, call.Name, call.Arguments) {
					a.logger.Info("Tool call vetoed by hook",
						zap.String("tool", call.Name),
					)
					results[idx] = toolExecResult{
						Index:   idx,
						TC:      call,
						Output:  fmt.Sprintf("Tool '%s' was blocked by security policy", call.Name),
						Success: false,
					}
					return
				}

				risk := riskByID[call.ID]
				argsJSON, _ := json.Marshal(call.Arguments)
				record, recErr := entity.NewToolCallRecord(call.ID, call.Name, string(argsJSON), risk)
				if recErr == nil && turn != nil {
					turn.AddToolCall(record)
				}

				// Risk gate: anything the sandbox policy won't auto-approve
				// blocks on the approval gate (when one is wired). No gate
				// means every call proceeds once past the hook veto above —
				// the legacy behavior preserved for callers that haven't
				// opted into approval suspension.
				if !valueobject.CanAutoApprove(risk, a.sandboxPolicy) && a.approvalGate != nil {
					a.emitRich(entity.Event{
						Type:         entity.EventToolCallPending,
						SubmissionID: submission.ID,
						TurnID:       turnID,
						ToolCallID:   call.ID,
						ToolName:     call.Name,
						Risk:         risk.String(),
					})

					respCh := make(chan entity.ApprovalResponse, 1)
					resolution := a.approvalGate.RequestApproval(ctx, entity.PendingApproval{
						ToolCallID:     call.ID,
						Name:           call.Name,
						Args:           string(argsJSON),
						Risk:           risk,
						Deadline:       time.Now().Add(a.config.ToolTimeout),
						ResponseSender: respCh,
					})

					switch resolution.Kind {
					case entity.ApproveCall, entity.AlwaysApproveCall:
						if record != nil {
							record.Approve()
						}
						a.emitRich(entity.Event{
							Type:         entity.EventToolCallApproved,
							SubmissionID: submission.ID,
							TurnID:       turnID,
							ToolCallID:   call.ID,
							ToolName:     call.Name,
						})
					case entity.ApproveModifiedCall:
						if resolution.NewArgs != "" {
							var newArgs map[string]interface{}
							if err := json.Unmarshal([]byte(resolution.NewArgs), &newArgs); err == nil {
								call.Arguments = newArgs
							}
						}
						if record != nil {
							record.Approve()
						}
						a.emitRich(entity.Event{
							Type:         entity.EventToolCallApproved,
							SubmissionID: submission.ID,
							TurnID:       turnID,
							ToolCallID:   call.ID,
							ToolName:     call.Name,
							Reason:       "approved with modified arguments",
						})
					case entity.RejectCall, entity.AbortCall:
						a.emitRich(entity.Event{
							Type:         entity.EventToolCallRejected,
							SubmissionID: submission.ID,
							TurnID:       turnID,
							ToolCallID:   call.ID,
							ToolName:     call.Name,
							Reason:       resolution.Reason,
						})
						msg := fmt.Sprintf("Tool '%s' was not approved", call.Name)
						if resolution.Reason != "" {
							msg = fmt.Sprintf("%s: %s", msg, resolution.Reason)
						}
						results[idx] = toolExecResult{
							Index:   idx,
							TC:      call,
							Output:  msg,
							Success: false,
						}
						return
					}
				} else if record != nil {
					record.Approve() // auto-approved under the current sandbox policy
				}

				start := time.Now()

				// Check tool cache for deduplication
				if cached, cachedSuccess, hit := a.toolCache.Get(call.Name, call.Arguments); hit {
					a.logger.Debug("Tool cache hit",
						zap.String("tool", call.Name),
					)
					results[idx] = toolExecResult{
						Index:    idx,
						TC:       call,
						Output:   cached,
						Success:  cachedSuccess,
						Duration: time.Since(start),
					}
					a.hooks.AfterToolCall(ctx, call.Name, cached, cachedSuccess)
					return
				}

				// Per-tool timeout
				toolCtx := ctx
				if a.config.ToolTimeout > 0 {
					var toolCancel context.CancelFunc
					toolCtx, toolCancel = context.WithTimeout(ctx, a.config.ToolTimeout)
					defer toolCancel()
				}

				toolResult, err := a.tools.Execute(toolCtx, call.Name, call.Arguments)
				duration := time.Since(start)

				var output string
				var success bool

				if err != nil {
					output = fmt.Sprintf("[TOOL_FAILED] %s\n[ERROR] %v\n[HINT] Tool execution failed. If this keeps happening, stop retrying and tell the user.", call.Name, err)
					success = false
					a.logger.Error("Tool execution failed",
						zap.String("tool", call.Name),
						zap.Duration("duration", duration),
						zap.Error(err),
					)
				} else {
					success = toolResult.Success
					if !success {
						// Structured failure annotation — help model understand what went wrong
						errText := toolResult.Error
						if errText == "" {
							errText = toolResult.Output
						}
						exitCode := 1
						hint := "command failed"
						if toolResult.Metadata != nil {
							if ec, ok := toolResult.Metadata["exit_code"].(int); ok {
								exitCode = ec
								hint = exitCodeHint(ec)
							}
						}
						output = fmt.Sprintf("[TOOL_FAILED] %s\n[EXIT_CODE] %d — %s\n[OUTPUT]\n%s",
							call.Name, exitCode, hint, errText)
					} else {
						output = toolResult.Output
					}
				}

				output = truncateOutput(output, a.config.MaxOutputChars)

				// Store result in cache for deduplication
				a.toolCache.Put(call.Name, call.Arguments, output, success)

				// Capture Display for UI rendering (may be empty)
				var display string
				if toolResult != nil {
					display = toolResult.Display
				}

				if record != nil {
					record.Complete(&entity.ToolResult{Success: success, Output: output, DurationMS: duration.Milliseconds()}, duration)
				}

				results[idx] = toolExecResult{
					Index:    idx,
					TC:       call,
					Output:   output,
					Display:  display,
					Success:  success,
					Duration: duration,
				}
			}(i, tc)
		}

		wg.Wait()

		// Process results in order (preserves message ordering for LLM)
		for _, r := range results {
			toolsUsedSet[r.TC.Name] = true
			sm.RecordToolExec(r.TC.Name)

			a.emitEvent(eventCh, entity.AgentEvent{
				Type: entity.EventToolResult,
				ToolCall: &entity.ToolCallEvent{
					ID:        r.TC.ID,
					Name:      r.TC.Name,
					Arguments: r.TC.Arguments,
					Output:    r.Output,
					Display:   r.Display,
					Success:   r.Success,
					Duration:  r.Duration,
				},
			})
			a.emitRich(entity.Event{
				Type:         entity.EventToolCallCompleted,
				SubmissionID: submission.ID,
				TurnID:       turnID,
				ToolCallID:   r.TC.ID,
				ToolName:     r.TC.Name,
				Content:      r.Output,
				Risk:         riskByID[r.TC.ID].String(),
				Success:      r.Success,
			})

			messages = append(messages, LLMMessage{
				Role:       "tool",
				Content:    r.Output,
				ToolCallID: r.TC.ID,
				Name:       r.TC.Name,
			})
		}

		// Track consecutive failures — if all tools in this step failed, count it
		allFailed := true
		for _, r := range results {
			if r.Success {
				allFailed = false
				break
			}
		}
		if allFailed && len(results) > 0 {
			consecutiveFailures++
		} else {
			consecutiveFailures = 0
		}

		// If 3 consecutive rounds of all-failed tools, inject a reflection
		// prompt telling the model to stop retrying and report back.
		if consecutiveFailures >= 3 {
			messages = append(messages, LLMMessage{
				Role:    "user",
				Content: "[SYSTEM] Tools have failed 3 rounds in a row. Stop retrying and tell the user what went wrong, what you tried, and what you'd suggest instead.",
			})
			consecutiveFailures = 0
		}

		// A detected loop is a hard stop: end the turn in PostTurn instead
		// of giving the model another round to dig itself out.
		if loopDetected {
			sm.RecordError()
			_ = sm.Transition(StatePostTurn)
			a.emitEvent(eventCh, entity.AgentEvent{
				Type:  entity.EventError,
				Error: fmt.Sprintf("Stopped: repeated calls to %q without progress", loopTool),
			})
			result.FinalContent = fmt.Sprintf("I stopped because I kept calling %q without making progress. Let me know how you'd like to proceed.", loopTool)
			a.hooks.OnComplete(ctx, result)
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventDone})
			turnStatus = entity.TurnErrored
			turnErrMsg = fmt.Sprintf("repeated calls to %q without progress", loopTool)
			a.emitRich(entity.Event{
				Type:         entity.EventLoopDetected,
				SubmissionID: submission.ID,
				TurnID:       turnID,
				LoopTool:     loopTool,
			})
			return
		}

		// === Post-tool context check (OpenClaw/Continue pattern) ===
		// If tool outputs pushed us over the hard ratio, force compaction now.
		postToolCheck := contextGuard.Check(messages)
		if postToolCheck.NeedCompaction {
			a.logger.Warn("Post-tool context overflow, forcing compaction",
				zap.Int("estimated_tokens", postToolCheck.EstimatedTokens),
				zap.Float64("ratio", postToolCheck.Ratio),
			)
			messages = a.compactMessages(messages)
			compactionThisTurn = true
			a.logger.Info("Post-tool compaction complete",
				zap.Int("messages_after", len(messages)),
			)
		}

		// Continue loop — go back to step 1 (call LLM again)
	}

	// This point is only reached if the infinite loop somehow exits without
	// returning (should not happen — all exits are via return statements above).
	a.logger.Error("Agent loop exited unexpectedly")
	for name := range toolsUsedSet {
		result.ToolsUsed = append(result.ToolsUsed, name)
	}
}

// exitCodeHint returns a human-readable explanation for common exit codes.
func exitCodeHint(code int) string {
	switch code {
	case 0:
		return "success"
	case 1:
		return "general error — check command arguments or file paths"
	case 2:
		return "argument error — incorrect command syntax"
	case 124:
		return "killed on timeout — command didn't finish in time, network or service may be unresponsive"
	case 126:
		return "permission denied — file not executable"
	case 127:
		return "command not found — check the command name or PATH"
	case 128:
		return "exited on signal — process was terminated abnormally"
	case 130:
		return "interrupted (Ctrl+C)"
	case 137:
		return "killed by SIGKILL — possibly out of memory (OOM)"
	case 139:
		return "segmentation fault (SIGSEGV)"
	case 143:
		return "terminated by SIGTERM"
	case 255:
		return "SSH connection failed — check host reachability, port, authentication"
	default:
		if code > 128 {
			return fmt.Sprintf("terminated by signal %d", code-128)
		}
		return "unknown error"
	}
}
