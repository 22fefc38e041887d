package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	domaintool "github.com/turnforge/agentcore/internal/domain/tool"
	"github.com/turnforge/agentcore/internal/domain/valueobject"
	"github.com/turnforge/agentcore/internal/infrastructure/sandbox"
	"go.uber.org/zap"
)

// ExecutorOptions configures the result cache and default timeouts on top
// of the registry/policy/sandbox wiring NewExecutor already took.
type ExecutorOptions struct {
	SandboxPolicy  valueobject.SandboxPolicy
	CacheEnabled   bool
	CacheTTL       time.Duration
	CacheMaxSize   int
	DefaultTimeout time.Duration          // used when a call has no per-tool override
	PerToolTimeout map[string]time.Duration
}

// DefaultExecutorOptions matches the documented option-table defaults.
func DefaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		SandboxPolicy:  valueobject.SandboxPrompt,
		CacheEnabled:   true,
		CacheTTL:       5 * time.Minute,
		CacheMaxSize:   1000,
		DefaultTimeout: 120 * time.Second,
	}
}

// Executor 工具执行器 - 适配 Runner 接口
type Executor struct {
	registry    domaintool.Registry
	policy      *domaintool.Policy
	sandbox     *sandbox.ProcessSandbox
	skillExec   SkillExecutor
	logger      *zap.Logger
	execContext domaintool.ExecutionContext
	pythonEnv   string // 全局 Python 环境路径
	skillsDir   string // 技能脚本目录

	opts  ExecutorOptions
	cache *resultCache
	stats *executorStats
}

// NewExecutor 创建工具执行器
func NewExecutor(
	registry domaintool.Registry,
	policy *domaintool.Policy,
	sandboxRef *sandbox.ProcessSandbox,
	skillExec SkillExecutor,
	logger *zap.Logger,
	pythonEnv string,
	skillsDir string,
) *Executor {
	return NewExecutorWithOptions(registry, policy, sandboxRef, skillExec, logger, pythonEnv, skillsDir, DefaultExecutorOptions())
}

// NewExecutorWithOptions is NewExecutor plus cache/timeout/sandbox-policy knobs.
func NewExecutorWithOptions(
	registry domaintool.Registry,
	policy *domaintool.Policy,
	sandboxRef *sandbox.ProcessSandbox,
	skillExec SkillExecutor,
	logger *zap.Logger,
	pythonEnv string,
	skillsDir string,
	opts ExecutorOptions,
) *Executor {
	if policy != nil {
		policy.SandboxPolicy = opts.SandboxPolicy
	}
	return &Executor{
		registry:    registry,
		policy:      policy,
		sandbox:     sandboxRef,
		skillExec:   skillExec,
		logger:      logger,
		execContext: domaintool.ExecContextSandbox,
		pythonEnv:   pythonEnv,
		skillsDir:   skillsDir,
		opts:        opts,
		cache:       newResultCache(opts.CacheTTL, opts.CacheMaxSize),
		stats:       newExecutorStats(),
	}
}

// ToolCall 工具调用 (与 runner 包中的定义兼容)
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// ToolResult 工具结果
type ToolResult struct {
	ToolCallID string
	Output     string
	Success    bool
	Error      error
	CacheHit   bool
}

// ToolDef 工具定义
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Execute runs one tool call: policy/risk check, cache lookup, a timeout
// race against the handler, then cache-store and stats recording.
func (e *Executor) Execute(ctx context.Context, call ToolCall) (*ToolResult, error) {
	startTime := time.Now()

	if !e.isPermitted(call) {
		e.logger.Warn("Tool execution denied by policy", zap.String("tool", call.Name))
		e.stats.recordDenied(call.Name)
		return &ToolResult{
			ToolCallID: call.ID,
			Output:     fmt.Sprintf("Tool '%s' is not allowed by current policy", call.Name),
			Success:    false,
			Error:      fmt.Errorf("tool not allowed: %s", call.Name),
		}, nil
	}

	toolImpl, exists := e.registry.Get(call.Name)
	if !exists {
		e.logger.Warn("Tool not found", zap.String("tool", call.Name))
		return &ToolResult{
			ToolCallID: call.ID,
			Output:     fmt.Sprintf("Tool '%s' not found", call.Name),
			Success:    false,
			Error:      fmt.Errorf("tool not found: %s", call.Name),
		}, nil
	}

	cacheKey := cacheKeyFor(call.Name, call.Arguments)
	if e.opts.CacheEnabled {
		if cached, ok := e.cache.get(cacheKey); ok {
			e.stats.recordHit(call.Name, time.Since(startTime))
			return &ToolResult{ToolCallID: call.ID, Output: cached.output, Success: cached.success, CacheHit: true}, nil
		}
	}

	e.logger.Info("Executing tool",
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
		zap.String("context", e.execContext.String()),
	)

	timeout := e.timeoutFor(call.Name)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *domaintool.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := toolImpl.Execute(execCtx, call.Arguments)
		done <- outcome{result, err}
	}()

	var result *ToolResult
	select {
	case <-execCtx.Done():
		duration := time.Since(startTime)
		e.logger.Warn("Tool execution timed out",
			zap.String("tool", call.Name),
			zap.Duration("timeout", timeout),
		)
		e.stats.recordCompletion(call.Name, duration, false)
		result = &ToolResult{
			ToolCallID: call.ID,
			Output:     "Execution timed out",
			Success:    false,
			Error:      execCtx.Err(),
		}

	case out := <-done:
		duration := time.Since(startTime)
		if out.err != nil {
			e.logger.Error("Tool execution error",
				zap.String("tool", call.Name),
				zap.Duration("duration", duration),
				zap.Error(out.err),
			)
			e.stats.recordCompletion(call.Name, duration, false)
			result = &ToolResult{ToolCallID: call.ID, Output: out.err.Error(), Success: false, Error: out.err}
			break
		}

		e.logger.Info("Tool execution completed",
			zap.String("tool", call.Name),
			zap.Duration("duration", duration),
			zap.Bool("success", out.result.Success),
		)
		e.stats.recordCompletion(call.Name, duration, out.result.Success)
		result = &ToolResult{ToolCallID: call.ID, Output: out.result.Output, Success: out.result.Success}

		if e.opts.CacheEnabled && out.result.Success {
			e.cache.put(cacheKey, out.result.Output, out.result.Success)
		}
	}

	return result, nil
}

// isPermitted delegates to Policy.EvaluateRisk: a tool must pass IsAllowed
// and, when AskMode is on, the call's assessed risk must be auto-approvable
// under the sandbox policy. Approvals granted elsewhere are not consulted.
func (e *Executor) isPermitted(call ToolCall) bool {
	return e.policy.EvaluateRisk(call.Name, domaintool.Assess(call.Name, call.Arguments))
}

// AssessRisk exposes the risk ladder verdict for a pending call so callers
// (the orchestrator's approval gate) can decide whether to prompt before
// Execute is even invoked.
func (e *Executor) AssessRisk(call ToolCall) valueobject.RiskLevel {
	return domaintool.Assess(call.Name, call.Arguments)
}

func (e *Executor) timeoutFor(name string) time.Duration {
	if t, ok := e.opts.PerToolTimeout[name]; ok && t > 0 {
		return t
	}
	if e.opts.DefaultTimeout > 0 {
		return e.opts.DefaultTimeout
	}
	return 120 * time.Second
}

// Stats returns a snapshot of per-tool and global execution statistics.
func (e *Executor) Stats() ExecutorStatsSnapshot {
	return e.stats.snapshot()
}

// GetToolDefs 获取所有工具定义
func (e *Executor) GetToolDefs() []ToolDef {
	// 获取策略过滤后的工具列表
	enforcer := domaintool.NewPolicyEnforcer(e.policy, e.registry)
	filtered := enforcer.FilteredList()

	defs := make([]ToolDef, len(filtered))
	for i, def := range filtered {
		defs[i] = ToolDef{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		}
	}

	return defs
}

// SetExecutionContext 设置执行上下文
func (e *Executor) SetExecutionContext(ctx domaintool.ExecutionContext) {
	e.execContext = ctx
}

// RegisterBuiltinTools 注册内置工具
func (e *Executor) RegisterBuiltinTools() error {
	builtins := []domaintool.Tool{
		// Core file operations
		NewBashTool(e.sandbox, e.logger),
		NewReadFileTool(e.sandbox, e.logger),
		NewWriteFileTool(e.sandbox, e.logger),
		NewEditFileTool(e.sandbox, e.logger),
		NewListDirTool(e.sandbox, e.logger),
		NewSearchTool(e.sandbox, e.logger),
		NewGlobTool(e.sandbox, e.logger),
		// Advanced tools
		NewApplyPatchTool(e.sandbox, e.logger),
		NewWebFetchTool(e.sandbox, e.logger),
		// Web search (SearXNG + deep scraping)
		NewWebSearchTool(e.pythonEnv, e.skillsDir, e.logger),
		// Stock analysis
		NewStockAnalysisTool(e.pythonEnv, e.skillsDir, e.logger),
		// Browser tools (delegate to Python AI Service via gRPC)
		NewBrowserNavigateTool(e.skillExec, e.logger),
		NewBrowserScreenshotTool(e.skillExec, e.logger),
		NewBrowserClickTool(e.skillExec, e.logger),
		NewBrowserTypeTool(e.skillExec, e.logger),
	}

	for _, t := range builtins {
		if err := e.registry.Register(t); err != nil {
			e.logger.Warn("Failed to register builtin tool",
				zap.String("tool", t.Name()),
				zap.Error(err),
			)
		} else {
			e.logger.Info("Registered builtin tool",
				zap.String("tool", t.Name()),
			)
		}
	}

	return nil
}

// NeedsApproval 检查是否需要用户批准
func (e *Executor) NeedsApproval() bool {
	return e.policy.AskMode
}

// --- result cache: sha256(name:canonical-JSON(args)) keyed, TTL + bulk evict ---

type resultCache struct {
	mu      sync.RWMutex
	entries map[string]*cachedResult
	ttl     time.Duration
	maxSize int
}

type cachedResult struct {
	output    string
	success   bool
	createdAt time.Time
}

func newResultCache(ttl time.Duration, maxSize int) *resultCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &resultCache{entries: make(map[string]*cachedResult), ttl: ttl, maxSize: maxSize}
}

func (c *resultCache) get(key string) (*cachedResult, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(entry.createdAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry, true
}

func (c *resultCache) put(key, output string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.evictExpiredOrOldest()
	}
	c.entries[key] = &cachedResult{output: output, success: success, createdAt: time.Now()}
}

// evictExpiredOrOldest bulk-evicts everything past TTL; if that doesn't free
// room it falls back to a linear oldest-scan.
func (c *resultCache) evictExpiredOrOldest() {
	now := time.Now()
	for k, v := range c.entries {
		if now.Sub(v.createdAt) > c.ttl {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}
	var oldestKey string
	var oldestTime time.Time
	for k, v := range c.entries {
		if oldestKey == "" || v.createdAt.Before(oldestTime) {
			oldestKey, oldestTime = k, v.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// cacheKeyFor hashes name + canonical-JSON(args) — keys sorted before
// marshaling so argument order never changes the key.
func cacheKeyFor(name string, args map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	if args != nil {
		canonical, _ := json.Marshal(canonicalize(args))
		h.Write(canonical)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize recursively sorts map keys so json.Marshal is deterministic
// regardless of the original map's iteration order.
func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]interface{}, 0, len(keys)*2)
		for _, k := range keys {
			ordered = append(ordered, k, canonicalize(val[k]))
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return val
	}
}

// --- per-tool + global execution statistics ---

type toolStat struct {
	executions int64
	successes  int64
	cacheHits  int64
	totalMs    int64
}

type executorStats struct {
	mu    sync.Mutex
	byTool map[string]*toolStat
	global toolStat
	denied int64
}

func newExecutorStats() *executorStats {
	return &executorStats{byTool: make(map[string]*toolStat)}
}

func (s *executorStats) statFor(name string) *toolStat {
	st, ok := s.byTool[name]
	if !ok {
		st = &toolStat{}
		s.byTool[name] = st
	}
	return st
}

func (s *executorStats) recordCompletion(name string, d time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statFor(name)
	st.executions++
	s.global.executions++
	ms := d.Milliseconds()
	st.totalMs += ms
	s.global.totalMs += ms
	if success {
		st.successes++
		s.global.successes++
	}
}

func (s *executorStats) recordHit(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statFor(name)
	st.executions++
	st.successes++
	st.cacheHits++
	s.global.executions++
	s.global.successes++
	s.global.cacheHits++
}

func (s *executorStats) recordDenied(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied++
}

// ExecutorStatsSnapshot is the read-only view returned by Executor.Stats.
type ExecutorStatsSnapshot struct {
	PerTool         map[string]ToolStatSnapshot
	TotalExecutions int64
	SuccessRate     float64
	CacheHitRate    float64
	AvgDurationMs   float64
	Denied          int64
}

// ToolStatSnapshot is one tool's slice of ExecutorStatsSnapshot.
type ToolStatSnapshot struct {
	Executions    int64
	Successes    int64
	CacheHits     int64
	AvgDurationMs float64
}

func (s *executorStats) snapshot() ExecutorStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := ExecutorStatsSnapshot{PerTool: make(map[string]ToolStatSnapshot, len(s.byTool)), Denied: s.denied}
	for name, st := range s.byTool {
		avg := 0.0
		if st.executions > 0 {
			avg = float64(st.totalMs) / float64(st.executions)
		}
		out.PerTool[name] = ToolStatSnapshot{
			Executions:    st.executions,
			Successes:     st.successes,
			CacheHits:     st.cacheHits,
			AvgDurationMs: avg,
		}
	}

	out.TotalExecutions = s.global.executions
	if s.global.executions > 0 {
		out.SuccessRate = float64(s.global.successes) / float64(s.global.executions)
		out.CacheHitRate = float64(s.global.cacheHits) / float64(s.global.executions)
		out.AvgDurationMs = float64(s.global.totalMs) / float64(s.global.executions)
	}
	return out
}
