// Package dispatcher implements the Tool Dispatcher (Component F): a
// uniform local invocation surface for named tools and model backends.
// Grounded on the teacher's core/tool.go registration idiom and
// core/tool_error.go structured-error-over-panic convention.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sablehq/metamind/pkg/logging"
)

// ResultStatus mirrors the teacher's ToolResponse.Success split into an
// explicit status string, matching spec §4.5's ToolResult shape.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
)

// Result is what invoke returns: either a success payload or a
// structured error kind+message (spec §4.5).
type Result struct {
	Status  ResultStatus           `json:"status"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Kind    string                 `json:"kind,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// Tool is a named local capability. Implementations must not block past
// the timeout passed via ctx; Dispatcher enforces a backstop timeout
// regardless.
type Tool func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// Dispatcher registers tools and model backends under a name and
// invokes them uniformly, translating panics and errors into Result
// rather than letting either escape to the caller (spec §4.5: "the
// dispatcher guarantees... exceptions are caught and translated to
// error results").
type Dispatcher struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  logging.Logger
}

// New constructs a Dispatcher with a default per-call timeout.
func New(defaultTimeout time.Duration, logger logging.Logger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/dispatcher")
	}
	return &Dispatcher{tools: map[string]Tool{}, timeout: defaultTimeout, logger: logger}
}

// Register adds or replaces a named tool or model backend. Model
// backends are registered under "llm:<model_id>" by convention (spec
// §4.6.3).
func (d *Dispatcher) Register(name string, tool Tool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[name] = tool
}

// Invoke calls the named tool, bounding it by the dispatcher's default
// timeout, and translating a missing registration, a returned error, a
// deadline exceeded, or a panic into a uniform error Result. It never
// returns a Go error itself — the Result's Status field carries outcome,
// matching spec §4.5's contract.
func (d *Dispatcher) Invoke(ctx context.Context, name string, params map[string]interface{}) Result {
	d.mu.RLock()
	tool, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		return Result{Status: StatusError, Kind: "not_found", Message: fmt.Sprintf("tool %q is not registered", name)}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		payload map[string]interface{}
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %q panicked: %v", name, r)}
			}
		}()
		payload, err := tool(callCtx, params)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case <-callCtx.Done():
		d.logger.WarnWithContext(ctx, "tool invocation timed out", map[string]interface{}{
			"operation": "dispatcher.Invoke", "tool": name,
		})
		return Result{Status: StatusError, Kind: "timeout", Message: fmt.Sprintf("tool %q exceeded %s", name, d.timeout)}
	case out := <-done:
		if out.err != nil {
			return Result{Status: StatusError, Kind: "tool_error", Message: out.err.Error()}
		}
		return Result{Status: StatusSuccess, Payload: out.payload}
	}
}

// Registered reports whether name has a registered tool. The orchestrator
// does not consult it: Invoke itself returns a not_found result for an
// unknown target.
func (d *Dispatcher) Registered(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.tools[name]
	return ok
}
