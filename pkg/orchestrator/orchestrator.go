package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sablehq/metamind/pkg/apperrors"
	"github.com/sablehq/metamind/pkg/chunker"
	"github.com/sablehq/metamind/pkg/dispatcher"
	"github.com/sablehq/metamind/pkg/envelope"
	"github.com/sablehq/metamind/pkg/ham"
	"github.com/sablehq/metamind/pkg/logging"
	"github.com/sablehq/metamind/pkg/messaging"
	"github.com/sablehq/metamind/pkg/registry"
	"github.com/sablehq/metamind/pkg/telemetry"
)

// Config holds the orchestrator's HSP settings (spec §6.3). Only
// DefaultTimeout and RetryBaseDelay are applied to HSP steps, filling a
// zero timeout or retry delay. DefaultMaxRetries and RetryMaxDelay are not
// applied: a step's retries come only from its plan, and the retry delay
// cap is a fixed 5 minutes (delayForAttempt).
type Config struct {
	AIID              string
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	ChunkPolicy       chunker.Policy

	// AckWindow and AckSweepInterval drive the envelope-level ACK
	// contract (spec §4.4) on every HSP TaskRequest dispatch: AckWindow
	// is how long a message_id waits for an Acknowledgement before the
	// PendingAckTable resends it once, then (on a second miss) fires
	// delivery_failed; AckSweepInterval is how often the table is swept.
	AckWindow        time.Duration
	AckSweepInterval time.Duration
}

// DefaultConfig mirrors the teacher's conservative task-worker defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:    30 * time.Second,
		DefaultMaxRetries: 2,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     30 * time.Second,
		ChunkPolicy:       chunker.DefaultPolicy(),
		AckWindow:         5 * time.Second,
		AckSweepInterval:  time.Second,
	}
}

// Orchestrator is the Orchestrator Core (Component G): the single
// advance loop driving every task through its plan. Every exported
// mutation of shared task state takes o.mu, matching spec §5's "at most
// one state transition per task at a time" via a single coarse lock
// rather than per-task channels — the teacher's TaskWorker achieves the
// same serialization through a Redis-backed queue; a single process
// needs only a mutex.
type Orchestrator struct {
	mu    sync.Mutex
	tasks map[string]*TaskState

	cfg        Config
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	bus        messaging.Bus
	corr       *envelope.CorrelationTable
	acks       *envelope.PendingAckTable
	ham        *ham.Store
	logger     logging.Logger
	telemetry  *telemetry.Provider

	draining bool
	sub      messaging.Subscription

	// advancing/needsRecheck coalesce reentrant advance() calls: a
	// synchronous substrate (MemoryBus in tests) can deliver a
	// TaskResult before Publish returns, which would otherwise recurse
	// into advance() mid-dispatch and join/complete a stage twice. A
	// nested call while the task is already being advanced just flags
	// needsRecheck and returns; the in-progress call loops again with
	// fresh state instead.
	advancing    map[string]bool
	needsRecheck map[string]bool

	// learnFn is installed by cmd/metamindd through SetLearnFn, so this
	// package does not import pkg/learning; nil means learning is
	// disabled.
	learnFn func(task *TaskState)
}

// New wires an Orchestrator from its dependencies, constructed and
// injected at startup per spec §9's anti-singleton redesign flag.
func New(cfg Config, d *dispatcher.Dispatcher, reg *registry.Registry, bus messaging.Bus, store *ham.Store, logger logging.Logger, tel *telemetry.Provider) *Orchestrator {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/orchestrator")
	}
	return &Orchestrator{
		tasks:        map[string]*TaskState{},
		cfg:          cfg,
		dispatcher:   d,
		registry:     reg,
		bus:          bus,
		corr:         envelope.NewCorrelationTable(),
		acks:         envelope.NewPendingAckTable(),
		ham:          store,
		logger:       logger,
		telemetry:    tel,
		advancing:    map[string]bool{},
		needsRecheck: map[string]bool{},
	}
}

// SetLearnFn registers the Learning Adapter's hook, called once a task
// reaches a terminal state with learn=true (spec §4.7).
func (o *Orchestrator) SetLearnFn(fn func(task *TaskState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.learnFn = fn
}

// Start subscribes to this peer's result topic so arriving TaskResult
// envelopes route into onResult, and arms the pending-ACK sweeper.
func (o *Orchestrator) Start(ctx context.Context) error {
	topic := resultTopic(o.cfg.AIID)
	sub, err := o.bus.Subscribe(ctx, topic, o.handleInbound)
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe result topic: %w", err)
	}
	o.mu.Lock()
	o.sub = sub
	o.mu.Unlock()

	go o.runAckSweeper(ctx)
	return nil
}

// runAckSweeper periodically sweeps o.acks for deadline-expired
// Acknowledgements (spec §4.4): a first miss triggers one resend, a
// second fires delivery_failed and forgets the entry.
func (o *Orchestrator) runAckSweeper(ctx context.Context) {
	interval := o.cfg.AckSweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	window := o.cfg.AckWindow
	if window <= 0 {
		window = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.acks.Sweep(time.Now(), window)
		}
	}
}

// Stop tears down the inbound subscription.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	sub := o.sub
	o.mu.Unlock()
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

func resultTopic(aiID string) string {
	return "hsp/result/" + aiID
}

func requestTopic(targetAIID string) string {
	return "hsp/request/" + targetAIID
}

// SubmitOptions configures one submit_task call.
type SubmitOptions struct {
	Plan     *StrategyPlan
	TaskID   string
	Learn    bool
	Deadline time.Duration
}

// SubmitTask is the single high-level entry point (spec §4.6):
// submit_task(description, input, plan?, task_id?=autogen) -> task_id.
func (o *Orchestrator) SubmitTask(ctx context.Context, description, input string, opts SubmitOptions) (string, error) {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return "", apperrors.New("orchestrator.SubmitTask", apperrors.ErrDraining, nil)
	}

	taskID := opts.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	task := newTaskState(taskID, description, input)
	task.Learn = opts.Learn
	if opts.Deadline > 0 {
		d := time.Now().Add(opts.Deadline)
		task.Deadline = &d
	}

	plan := opts.Plan
	if plan == nil {
		plan = trivialPlan(input)
	} else if planErr := validatePlan(plan); planErr != nil {
		o.mu.Unlock()
		return "", apperrors.New("orchestrator.SubmitTask", apperrors.ErrPlan, fmt.Errorf("%s", planErr.Message))
	}
	applyHSPDefaults(plan, o.cfg)

	task.Plan = plan
	task.OverallStatus = StatusPlanning
	o.tasks[taskID] = task
	o.mu.Unlock()

	if o.telemetry != nil {
		o.telemetry.RecordTaskSubmitted()
	}

	o.advance(ctx, taskID)
	return taskID, nil
}

// applyHSPDefaults fills unset per-step HSP tuning from orchestrator
// config. max_retries/retries_left are never defaulted here: zero is a
// legitimate, deliberate plan value (spec §8 scenario 5 uses
// max_retries=0 to require terminal failure on the first error), and
// the core accepts external plans "without interpretation beyond the
// shape" (spec §4.6.1) — a plan author who wants the configured default
// sets retries_left to it explicitly via RetriesLeft: -1 sentinel is
// deliberately NOT introduced; callers building plans programmatically
// read cfg themselves.
func applyHSPDefaults(plan *StrategyPlan, cfg Config) {
	for si := range plan.Stages {
		for ki := range plan.Stages[si].Steps {
			step := &plan.Stages[si].Steps[ki]
			if step.Hsp == nil {
				continue
			}
			if step.Hsp.TimeoutSecs == 0 {
				step.Hsp.TimeoutSecs = cfg.DefaultTimeout.Seconds()
			}
			if step.Hsp.RetryDelaySecs == 0 {
				step.Hsp.RetryDelaySecs = cfg.RetryBaseDelay.Seconds()
			}
			if step.Hsp.Status == "" {
				step.Hsp.Status = StepPending
			}
		}
		for ki := range plan.Stages[si].Steps {
			if step := plan.Stages[si].Steps[ki].Local; step != nil && step.Status == "" {
				step.Status = StepPending
			}
		}
	}
}

// GetTask returns the live task state for status queries (spec §6.4),
// not a copy, or nil if unknown.
func (o *Orchestrator) GetTask(taskID string) *TaskState {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	if !ok {
		return nil
	}
	return t
}

// Drain enters drain mode: new submissions are rejected but in-flight
// tasks are left to finish (spec §4.6.7).
func (o *Orchestrator) Drain() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.draining = true
}

// Resume exits drain mode.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.draining = false
}

// Draining reports current drain state.
func (o *Orchestrator) Draining() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draining
}

// TasksInFlight counts tasks that have not reached a terminal status,
// for the admin surface (spec §4.8).
func (o *Orchestrator) TasksInFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, t := range o.tasks {
		if t.OverallStatus != StatusCompleted && t.OverallStatus != StatusFailed {
			n++
		}
	}
	return n
}

// TasksByState groups current tasks by overall_status, for the admin
// surface (spec §4.8).
func (o *Orchestrator) TasksByState() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := map[string]int{}
	for _, t := range o.tasks {
		out[string(t.OverallStatus)]++
	}
	return out
}

// PendingACKs and ActiveRetries surface hsp.pending_acks / active_retries
// for the admin status endpoint. ActiveRetries counts HSP steps of tasks
// not yet failed that have used a retry and are not yet terminal.
func (o *Orchestrator) PendingACKs() int { return o.acks.Len() }
func (o *Orchestrator) ActiveRetries() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, t := range o.tasks {
		for _, stage := range t.Plan.Stages {
			for _, st := range stage.Steps {
				if st.Hsp != nil && t.OverallStatus != StatusFailed && !st.terminal() && st.Hsp.RetriesLeft < st.Hsp.MaxRetries {
					n++
				}
			}
		}
	}
	return n
}
