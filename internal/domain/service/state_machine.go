package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AgentState is a state of the turn state machine driving one
// "user -> model -> tools -> model -> ..." turn to completion.
type AgentState string

const (
	StateIdle         AgentState = "idle"          // waiting for a Submission
	StatePreTurn       AgentState = "pre_turn"       // snapshot + append + maybe compact
	StateGenerating    AgentState = "generating"     // streaming the model response
	StateToolDispatch  AgentState = "tool_dispatch"   // assessing/executing/awaiting approval for tool calls
	StatePostTurn      AgentState = "post_turn"       // recording the turn, emitting TurnCompleted
	StateErrorHandling AgentState = "error_handling"  // classifying a provider/tool error
	StateInterrupted   AgentState = "interrupted"     // turn aborted by Interrupt
	StateTerminated    AgentState = "terminated"       // shutdown drained, process exiting
)

// validTransitions defines the allowed state transitions. Key = from
// state, value = set of allowed target states.
var validTransitions = map[AgentState]map[AgentState]bool{
	StateIdle: {
		StatePreTurn:     true,
		StateTerminated:  true,
	},
	StatePreTurn: {
		StateGenerating:  true,
		StateInterrupted: true,
		StateErrorHandling: true,
	},
	StateGenerating: {
		StateToolDispatch:  true,
		StatePostTurn:      true,
		StateErrorHandling: true,
		StateInterrupted:   true,
	},
	StateToolDispatch: {
		StateGenerating:    true, // result fed back, iteration++
		StatePostTurn:      true, // LoopDetected/iteration-limit forces PostTurn
		StateErrorHandling: true,
		StateInterrupted:   true,
	},
	StatePostTurn: {
		StateIdle: true,
	},
	StateErrorHandling: {
		StateGenerating:  true, // recoverable, retry with backoff
		StateInterrupted: true, // fatal, abort the turn
	},
	// Terminal within a turn: both return the machine to Idle for the
	// next Submission, except Terminated which ends the process.
	StateInterrupted: {
		StateIdle: true,
	},
	StateTerminated: {},
}

// StateSnapshot captures the machine's runtime state at a point in
// time.
type StateSnapshot struct {
	State         AgentState    `json:"state"`
	Step          int           `json:"step"`
	MaxSteps      int           `json:"max_steps"` // 0 = unlimited
	TokensUsed    int           `json:"tokens_used"`
	ToolsExecuted int           `json:"tools_executed"`
	RetryCount    int           `json:"retry_count"`
	ErrorCount    int           `json:"error_count"`
	Elapsed       time.Duration `json:"elapsed"`
	ModelUsed     string        `json:"model_used,omitempty"`
	LastTool      string        `json:"last_tool,omitempty"`
}

// StateMachine manages transitions for one turn's lifecycle. Safe for
// concurrent reads; Transition serializes writers.
type StateMachine struct {
	mu            sync.RWMutex
	state         AgentState
	step          int
	maxSteps      int
	tokensUsed    int
	toolsExecuted int
	retryCount    int
	errorCount    int
	startTime     time.Time
	modelUsed     string
	lastTool      string
	logger        *zap.Logger

	listeners []func(from, to AgentState, snap StateSnapshot)
}

// NewStateMachine creates a state machine starting in Idle.
func NewStateMachine(maxSteps int, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		state:     StateIdle,
		maxSteps:  maxSteps,
		startTime: time.Now(),
		logger:    logger,
	}
}

func (sm *StateMachine) State() AgentState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

func (sm *StateMachine) Snapshot() StateSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return StateSnapshot{
		State:         sm.state,
		Step:          sm.step,
		MaxSteps:      sm.maxSteps,
		TokensUsed:    sm.tokensUsed,
		ToolsExecuted: sm.toolsExecuted,
		RetryCount:    sm.retryCount,
		ErrorCount:    sm.errorCount,
		Elapsed:       time.Since(sm.startTime),
		ModelUsed:     sm.modelUsed,
		LastTool:      sm.lastTool,
	}
}

// Transition attempts to move to a new state, returning an error if
// the transition is not in validTransitions.
func (sm *StateMachine) Transition(to AgentState) error {
	sm.mu.Lock()
	from := sm.state

	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		sm.mu.Unlock()
		err := fmt.Errorf("invalid state transition: %s -> %s", from, to)
		sm.logger.Error("state machine violation", zap.Error(err))
		return err
	}

	sm.state = to
	snap := StateSnapshot{
		State:         to,
		Step:          sm.step,
		MaxSteps:      sm.maxSteps,
		TokensUsed:    sm.tokensUsed,
		ToolsExecuted: sm.toolsExecuted,
		RetryCount:    sm.retryCount,
		ErrorCount:    sm.errorCount,
		Elapsed:       time.Since(sm.startTime),
		ModelUsed:     sm.modelUsed,
		LastTool:      sm.lastTool,
	}
	listeners := make([]func(from, to AgentState, snap StateSnapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	sm.logger.Debug("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("step", snap.Step),
	)

	for _, fn := range listeners {
		fn(from, to, snap)
	}

	return nil
}

// ForceInterrupt moves the machine straight to Interrupted regardless
// of the current state, an unconditional transition that bypasses
// validTransitions since Interrupt must always
// be honored.
func (sm *StateMachine) ForceInterrupt() {
	sm.mu.Lock()
	from := sm.state
	sm.state = StateInterrupted
	listeners := make([]func(from, to AgentState, snap StateSnapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	snap := StateSnapshot{State: StateInterrupted, Step: sm.step, Elapsed: time.Since(sm.startTime)}
	sm.mu.Unlock()

	sm.logger.Debug("forced interrupt", zap.String("from", string(from)))
	for _, fn := range listeners {
		fn(from, StateInterrupted, snap)
	}
}

// ForceShutdown moves the machine straight to Terminated regardless of
// the current state, an unconditional transition bypassing
// validTransitions.
func (sm *StateMachine) ForceShutdown() {
	sm.mu.Lock()
	from := sm.state
	sm.state = StateTerminated
	listeners := make([]func(from, to AgentState, snap StateSnapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	snap := StateSnapshot{State: StateTerminated, Step: sm.step, Elapsed: time.Since(sm.startTime)}
	sm.mu.Unlock()

	sm.logger.Debug("forced shutdown", zap.String("from", string(from)))
	for _, fn := range listeners {
		fn(from, StateTerminated, snap)
	}
}

func (sm *StateMachine) OnTransition(fn func(from, to AgentState, snap StateSnapshot)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

func (sm *StateMachine) SetStep(step int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.step = step
}

func (sm *StateMachine) AddTokens(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.tokensUsed += n
}

func (sm *StateMachine) RecordToolExec(toolName string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.toolsExecuted++
	sm.lastTool = toolName
}

func (sm *StateMachine) RecordRetry() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.retryCount++
}

func (sm *StateMachine) RecordError() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errorCount++
}

func (sm *StateMachine) SetModel(model string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.modelUsed = model
}

// IsTerminal reports whether the machine is in Idle (between turns) or
// Terminated (process exiting) — the two states §4.1 names terminal.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	switch sm.state {
	case StateIdle, StateTerminated:
		return true
	}
	return false
}
