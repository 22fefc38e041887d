package service

import (
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Guardrail sentinel errors
var (
	ErrTokenBudgetExceeded = fmt.Errorf("token budget exceeded")
	ErrTimeBudgetExceeded  = fmt.Errorf("run time budget exceeded")
	ErrContextOverflow     = fmt.Errorf("context window overflow")
)

// CostGuard prevents token/time budget overruns.
// Thread-safe — can be safely read from multiple goroutines.
type CostGuard struct {
	maxTokens     int64
	currentTokens atomic.Int64
	maxDuration   time.Duration
	startTime     time.Time
	logger        *zap.Logger
}

// NewCostGuard creates a cost guard for the current run.
func NewCostGuard(maxTokens int64, maxDuration time.Duration, logger *zap.Logger) *CostGuard {
	return &CostGuard{
		maxTokens:   maxTokens,
		maxDuration: maxDuration,
		startTime:   time.Now(),
		logger:      logger,
	}
}

// AddTokens accumulates token usage; returns error if budget exceeded.
func (g *CostGuard) AddTokens(n int64) error {
	current := g.currentTokens.Add(n)
	if g.maxTokens > 0 && current > g.maxTokens {
		g.logger.Warn("Token budget exceeded",
			zap.Int64("current", current),
			zap.Int64("max", g.maxTokens),
		)
		return ErrTokenBudgetExceeded
	}
	return nil
}

// CheckBudget returns error if time budget exceeded.
func (g *CostGuard) CheckBudget() error {
	if g.maxDuration > 0 && time.Since(g.startTime) > g.maxDuration {
		return ErrTimeBudgetExceeded
	}
	return nil
}

// GetUsage returns current token count and elapsed time.
func (g *CostGuard) GetUsage() (tokens int64, elapsed time.Duration) {
	return g.currentTokens.Load(), time.Since(g.startTime)
}

// ContextGuard monitors context window usage and triggers compaction.
type ContextGuard struct {
	maxTokens int
	warnRatio float64
	hardRatio float64
	logger    *zap.Logger
}

// NewContextGuard creates a context window guard.
func NewContextGuard(maxTokens int, warnRatio, hardRatio float64, logger *zap.Logger) *ContextGuard {
	return &ContextGuard{
		maxTokens: maxTokens,
		warnRatio: warnRatio,
		hardRatio: hardRatio,
		logger:    logger,
	}
}

// ContextCheckResult holds the result of a context window check.
type ContextCheckResult struct {
	EstimatedTokens int
	MaxTokens       int
	Ratio           float64
	NeedCompaction  bool // Hard threshold exceeded — must compact
	Warning         bool // Warn threshold exceeded — approaching limit
}

// Check estimates token usage for LLMMessages and returns compaction signals.
func (g *ContextGuard) Check(messages []LLMMessage) ContextCheckResult {
	estimated := g.estimateTokens(messages)
	ratio := float64(estimated) / float64(g.maxTokens)

	result := ContextCheckResult{
		EstimatedTokens: estimated,
		MaxTokens:       g.maxTokens,
		Ratio:           ratio,
	}

	if ratio > g.hardRatio {
		result.NeedCompaction = true
		g.logger.Warn("Context window exceeds hard threshold",
			zap.Int("tokens", estimated),
			zap.Int("max", g.maxTokens),
			zap.Float64("ratio", ratio),
		)
	} else if ratio > g.warnRatio {
		result.Warning = true
		g.logger.Info("Context window approaching limit",
			zap.Int("tokens", estimated),
			zap.Int("max", g.maxTokens),
			zap.Float64("ratio", ratio),
		)
	}

	return result
}

// estimateTokens roughly estimates token count.
// Heuristic: ~3 chars/token (blend of English ~4, CJK ~2).
func (g *ContextGuard) estimateTokens(messages []LLMMessage) int {
	return EstimateMessageTokens(messages)
}

// EstimateMessageTokens is the shared token-count heuristic used by both
// ContextGuard (trigger detection) and the compaction strategies
// (target-tokens bookkeeping), so the two always agree on what "over
// budget" means. ~3 chars/token, a blend of English (~4) and CJK (~2).
func EstimateMessageTokens(messages []LLMMessage) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content) / 3
		for _, p := range msg.Parts {
			if p.Type == "text" {
				total += len(p.Text) / 3
			} else {
				total += 85 // image/media tokens (~85 for a typical image descriptor)
			}
		}
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name) + 50
		}
	}
	total += len(messages) * 4
	return total
}

// LoopDetector maintains a sliding window over the last windowSize tool
// calls, each identified by (name, canonical-args hash). When a
// signature repeats at least threshold times within the window, the
// turn is a doom loop: the caller halts the iteration and forces
// PostTurn with an entity.EventLoopDetected rather than retrying.
// Unlike injecting a warning and letting the model self-correct, this
// is a hard stop — the
// orchestrator does not get another chance to talk itself out of it.
type LoopDetector struct {
	recentCalls []loopSignature
	windowSize  int
	threshold   int
	logger      *zap.Logger
}

type loopSignature struct {
	name    string
	argHash uint64
}

// NewLoopDetector creates a detector with a window of windowSize most
// recent tool calls, flagging a loop once any signature repeats
// threshold times within it.
func NewLoopDetector(windowSize, threshold int, logger *zap.Logger) *LoopDetector {
	return &LoopDetector{
		recentCalls: make([]loopSignature, 0, windowSize),
		windowSize:  windowSize,
		threshold:   threshold,
		logger:      logger,
	}
}

// Record adds a tool call to the window and reports whether its
// signature has now repeated threshold times within it. args, if
// given, should be the canonical-JSON argument form; omitting it
// treats every call to the same tool name as one signature.
func (d *LoopDetector) Record(toolName string, args ...string) bool {
	var argsStr string
	if len(args) > 0 {
		argsStr = args[0]
	}
	sig := loopSignature{name: toolName, argHash: hashCanonicalArgs(argsStr)}

	d.recentCalls = append(d.recentCalls, sig)
	if len(d.recentCalls) > d.windowSize {
		d.recentCalls = d.recentCalls[1:]
	}

	count := 0
	for _, c := range d.recentCalls {
		if c == sig {
			count++
		}
	}

	if count >= d.threshold {
		d.logger.Warn("tool call loop detected",
			zap.String("tool", toolName),
			zap.Int("count_in_window", count),
			zap.Int("window_size", len(d.recentCalls)),
			zap.Int("threshold", d.threshold),
		)
		return true
	}
	return false
}

// LastCount returns how many times the most recently recorded
// signature has appeared in the window, for populating the
// LoopDetected event's count field.
func (d *LoopDetector) LastCount() int {
	if len(d.recentCalls) == 0 {
		return 0
	}
	last := d.recentCalls[len(d.recentCalls)-1]
	count := 0
	for _, c := range d.recentCalls {
		if c == last {
			count++
		}
	}
	return count
}

// Reset clears all tracking state (call at start of each Run).
func (d *LoopDetector) Reset() {
	d.recentCalls = d.recentCalls[:0]
}

// hashCanonicalArgs returns a stable 64-bit FNV-1a hash of a
// canonical-JSON argument string.
func hashCanonicalArgs(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
