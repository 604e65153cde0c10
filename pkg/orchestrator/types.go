// Package orchestrator implements the Orchestrator Core (Component G):
// the plan-driven state machine that decomposes a task into staged
// steps, dispatches them locally or to remote peers, tracks
// correlation, and aggregates results. Grounded on the teacher's
// orchestration/workflow_state.go (execution/step state shape),
// orchestration/executor.go (stage-by-stage advance idiom), and
// orchestration/workflow_engine.go (join semantics), adapted from the
// teacher's Redis-persisted async workflow engine down to the single
// cooperative event loop spec §5 requires.
package orchestrator

import "time"

// StepKind selects how a LocalStep's target is invoked.
type StepKind string

const (
	LocalTool         StepKind = "local_tool"
	LocalLLM          StepKind = "local_llm"
	LocalChunkProcess StepKind = "local_chunk_process"
)

// StepStatus is the lifecycle value shared by LocalStep and HspStep,
// restricted per kind by the orchestrator's transition logic.
type StepStatus string

const (
	StepPending        StepStatus = "pending"
	StepDispatched     StepStatus = "dispatched"
	StepWaitingResult  StepStatus = "waiting_result"
	StepCompleted      StepStatus = "completed"
	StepFailedRetry    StepStatus = "failed_retry"
	StepFailedTerminal StepStatus = "failed_terminal"
)

// StepError is the structured failure attached to a step, named by the
// taxonomy in spec §7 (PlanError, CapabilityNotFoundError, PeerError,
// TimeoutError, DispatchError, ToolError, ...).
type StepError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// LocalStep executes in-process via the Tool Dispatcher or the chunker.
type LocalStep struct {
	StepID       string                 `json:"step_id"`
	Kind         StepKind               `json:"kind"`
	Target       string                 `json:"target"`
	Parameters   map[string]interface{} `json:"parameters"`
	InputSources []string               `json:"input_sources,omitempty"`
	InputMapping map[string]string      `json:"input_mapping,omitempty"`
	Status       StepStatus             `json:"status"`
	Result       interface{}            `json:"result,omitempty"`
	Error        *StepError             `json:"error,omitempty"`
}

// HspStep is delegated to a remote peer via the messaging substrate and
// envelope layer (spec §4.6.4).
type HspStep struct {
	StepID         string                 `json:"step_id"`
	CapabilityID   string                 `json:"capability_id"`
	TargetAIID     string                 `json:"target_ai_id,omitempty"`
	Parameters     map[string]interface{} `json:"parameters"`
	InputSources   []string               `json:"input_sources,omitempty"`
	InputMapping   map[string]string      `json:"input_mapping,omitempty"`
	Status         StepStatus             `json:"status"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	DispatchedAt   *time.Time             `json:"dispatched_at,omitempty"`
	Result         interface{}            `json:"result,omitempty"`
	Error          *StepError             `json:"error,omitempty"`
	MaxRetries     int                    `json:"max_retries"`
	RetriesLeft    int                    `json:"retries_left"`
	RetryDelaySecs float64                `json:"retry_delay_seconds"`
	LastRetryAt    *time.Time             `json:"last_retry_at,omitempty"`
	TimeoutSecs    float64                `json:"timeout_seconds"`
	attempt        int
}

// Step is the sum type of LocalStep/HspStep a plan author populates one
// of (exactly one non-nil) per step_id.
type Step struct {
	Local *LocalStep `json:"local,omitempty"`
	Hsp   *HspStep   `json:"hsp,omitempty"`
}

func (s *Step) stepID() string {
	if s.Local != nil {
		return s.Local.StepID
	}
	if s.Hsp != nil {
		return s.Hsp.StepID
	}
	return ""
}

func (s *Step) status() StepStatus {
	if s.Local != nil {
		return s.Local.Status
	}
	if s.Hsp != nil {
		return s.Hsp.Status
	}
	return ""
}

func (s *Step) terminal() bool {
	st := s.status()
	return st == StepCompleted || st == StepFailedTerminal
}

// Stage is one element of a StrategyPlan's stages: either a single step
// (sequential) or a list (parallel).
type Stage struct {
	Steps []Step `json:"steps"`
}

// StrategyPlan is the ordered sequence of stages a task executes.
type StrategyPlan struct {
	PlanID       string  `json:"plan_id"`
	Name         string  `json:"name"`
	Stages       []Stage `json:"stages"`
	OutputStepID string  `json:"output_step_id,omitempty"`
}

// OverallStatus tracks a TaskState through its monotonic lifecycle
// (spec §3.3 invariant).
type OverallStatus string

const (
	StatusNew        OverallStatus = "new"
	StatusPlanning   OverallStatus = "planning"
	StatusExecuting  OverallStatus = "executing"
	StatusWaitingHSP OverallStatus = "waiting_hsp"
	StatusMerging    OverallStatus = "merging"
	StatusCompleted  OverallStatus = "completed"
	StatusFailed     OverallStatus = "failed"
)

// TaskError is the terminal failure recorded against a failed task.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TaskState is a task's full in-memory record. One TaskState exists per
// submitted task for its lifetime; the orchestrator never mutates it
// off the event loop.
type TaskState struct {
	TaskID               string                 `json:"task_id"`
	Description          string                 `json:"description"`
	Input                string                 `json:"input"`
	Plan                 *StrategyPlan          `json:"plan"`
	StepResults          map[string]interface{} `json:"step_results"`
	OverallStatus        OverallStatus          `json:"overall_status"`
	CurrentStageIndex    int                    `json:"current_stage_index"`
	CurrentStepsInFlight map[string]struct{}    `json:"-"`
	Result               interface{}            `json:"result,omitempty"`
	Error                *TaskError             `json:"error,omitempty"`
	Deadline             *time.Time             `json:"deadline,omitempty"`
	Learn                bool                   `json:"learn,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`

	resultCh chan struct{}
}

func newTaskState(taskID, description, input string) *TaskState {
	return &TaskState{
		TaskID:               taskID,
		Description:          description,
		Input:                input,
		StepResults:          map[string]interface{}{},
		OverallStatus:        StatusNew,
		CurrentStepsInFlight: map[string]struct{}{},
		CreatedAt:            time.Now().UTC(),
		resultCh:             make(chan struct{}),
	}
}

// Done returns a channel closed once the task reaches completed/failed,
// the future/promise-like handle spec §4.6.6 describes.
func (t *TaskState) Done() <-chan struct{} {
	return t.resultCh
}

func (t *TaskState) finish(status OverallStatus) {
	if t.OverallStatus == StatusCompleted || t.OverallStatus == StatusFailed {
		return
	}
	t.OverallStatus = status
	now := time.Now().UTC()
	t.CompletedAt = &now
	close(t.resultCh)
}
