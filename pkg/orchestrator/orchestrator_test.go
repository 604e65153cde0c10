package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablehq/metamind/pkg/dispatcher"
	"github.com/sablehq/metamind/pkg/envelope"
	"github.com/sablehq/metamind/pkg/messaging"
	"github.com/sablehq/metamind/pkg/registry"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *dispatcher.Dispatcher, *registry.Registry, *messaging.MemoryBus) {
	t.Helper()
	d := dispatcher.New(time.Second, nil)
	reg := registry.New(time.Minute, nil)
	bus := messaging.NewMemoryBus()
	cfg := DefaultConfig()
	cfg.AIID = "self"
	cfg.DefaultTimeout = 500 * time.Millisecond
	o := New(cfg, d, reg, bus, nil, nil, nil)
	require.NoError(t, o.Start(context.Background()))
	return o, d, reg, bus
}

func waitDone(t *testing.T, task *TaskState, timeout time.Duration) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(timeout):
		t.Fatalf("task %s did not finish within %s (status=%s)", task.TaskID, timeout, task.OverallStatus)
	}
}

// Scenario 1: single local LLM step.
func TestScenarioSingleLocalLLMStep(t *testing.T) {
	o, d, _, _ := newTestOrchestrator(t)
	d.Register("llm:default", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"result": "HELLO"}, nil
	})

	plan := &StrategyPlan{
		PlanID: "p1",
		Stages: []Stage{{Steps: []Step{{Local: &LocalStep{
			StepID:     "step0",
			Kind:       LocalLLM,
			Parameters: map[string]interface{}{"prompt": "{$original_input}"},
		}}}}},
		OutputStepID: "step0",
	}

	taskID, err := o.SubmitTask(context.Background(), "greet", "hello", SubmitOptions{Plan: plan})
	require.NoError(t, err)

	task := o.GetTask(taskID)
	waitDone(t, task, time.Second)
	assert.Equal(t, StatusCompleted, task.OverallStatus)
	assert.Equal(t, "HELLO", task.Result)
	assert.Equal(t, "HELLO", task.StepResults["step0"])
}

// Scenario 2: two-stage fan-out then merge.
func TestScenarioFanOutThenMerge(t *testing.T) {
	o, d, _, _ := newTestOrchestrator(t)
	d.Register("tool_A", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"result": "a"}, nil
	})
	d.Register("tool_B", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"result": "b"}, nil
	})
	d.Register("llm:default", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"result": params["prompt"]}, nil
	})

	plan := &StrategyPlan{
		PlanID: "p2",
		Stages: []Stage{
			{Steps: []Step{
				{Local: &LocalStep{StepID: "tool_A", Kind: LocalTool, Target: "tool_A", Parameters: map[string]interface{}{"in": "{$original_input}"}}},
				{Local: &LocalStep{StepID: "tool_B", Kind: LocalTool, Target: "tool_B", Parameters: map[string]interface{}{"in": "{$original_input}"}}},
			}},
			{Steps: []Step{
				{Local: &LocalStep{
					StepID:       "merge",
					Kind:         LocalLLM,
					InputSources: []string{"tool_A", "tool_B"},
					Parameters:   map[string]interface{}{"prompt": "{$step.tool_A}+{$step.tool_B}"},
				}},
			}},
		},
		OutputStepID: "merge",
	}

	taskID, err := o.SubmitTask(context.Background(), "merge two", "x", SubmitOptions{Plan: plan})
	require.NoError(t, err)
	task := o.GetTask(taskID)
	waitDone(t, task, time.Second)

	assert.Equal(t, StatusCompleted, task.OverallStatus)
	assert.Equal(t, "a+b", task.Result)
}

// Scenario 3: HSP success, single dispatch.
func TestScenarioHSPSuccess(t *testing.T) {
	o, _, reg, bus := newTestOrchestrator(t)
	reg.Register(registry.Advertisement{CapabilityID: "cap:summarize", AIID: "peer1", Version: "1.0.0"})

	dispatches := 0
	_, err := bus.Subscribe(context.Background(), "hsp/request/peer1", func(topic string, payload []byte) {
		dispatches++
		env, err := envelope.Unmarshal(payload)
		require.NoError(t, err)
		var req envelope.TaskRequestPayload
		require.NoError(t, env.DecodePayload(&req))

		resultEnv, err := envelope.New("peer1", "self", envelope.TaskResult, *env.CorrelationID,
			envelope.QoSParameters{}, "hsp://schemas/task_result", envelope.TaskResultPayload{
				RequestID: req.RequestID, CorrelationID: *env.CorrelationID, ExecutingAIID: "peer1",
				Status: "success", Payload: "summary-of-X",
			})
		require.NoError(t, err)
		data, err := resultEnv.Marshal()
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), "hsp/result/self", data, messaging.QoSAtMostOnce))
	})
	require.NoError(t, err)

	plan := &StrategyPlan{
		PlanID: "p3",
		Stages: []Stage{{Steps: []Step{{Hsp: &HspStep{
			StepID: "step0", CapabilityID: "cap:summarize", Parameters: map[string]interface{}{"text": "X"},
		}}}}},
		OutputStepID: "step0",
	}
	taskID, err := o.SubmitTask(context.Background(), "summarize", "X", SubmitOptions{Plan: plan})
	require.NoError(t, err)
	task := o.GetTask(taskID)
	waitDone(t, task, time.Second)

	assert.Equal(t, StatusCompleted, task.OverallStatus)
	assert.Equal(t, "summary-of-X", task.Result)
	assert.Equal(t, 1, dispatches)
}

// Scenario 4: HSP timeout, then retry succeeds; late first reply ignored.
func TestScenarioHSPTimeoutThenRetrySuccess(t *testing.T) {
	o, _, reg, bus := newTestOrchestrator(t)
	reg.Register(registry.Advertisement{CapabilityID: "cap:summarize", AIID: "peer1", Version: "1.0.0"})

	var seenCorrelations []string
	var firstEnv *envelope.Envelope
	dispatchCount := 0

	_, err := bus.Subscribe(context.Background(), "hsp/request/peer1", func(topic string, payload []byte) {
		dispatchCount++
		env, err := envelope.Unmarshal(payload)
		require.NoError(t, err)
		seenCorrelations = append(seenCorrelations, *env.CorrelationID)
		if dispatchCount == 1 {
			firstEnv = env
			return // silent on first dispatch
		}
		var req envelope.TaskRequestPayload
		require.NoError(t, env.DecodePayload(&req))
		resultEnv, err := envelope.New("peer1", "self", envelope.TaskResult, *env.CorrelationID,
			envelope.QoSParameters{}, "hsp://schemas/task_result", envelope.TaskResultPayload{
				RequestID: req.RequestID, CorrelationID: *env.CorrelationID, ExecutingAIID: "peer1",
				Status: "success", Payload: "summary-of-X",
			})
		require.NoError(t, err)
		data, err := resultEnv.Marshal()
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), "hsp/result/self", data, messaging.QoSAtMostOnce))
	})
	require.NoError(t, err)

	plan := &StrategyPlan{
		PlanID: "p4",
		Stages: []Stage{{Steps: []Step{{Hsp: &HspStep{
			StepID: "step0", CapabilityID: "cap:summarize", Parameters: map[string]interface{}{"text": "X"},
			MaxRetries: 2, RetriesLeft: 2, TimeoutSecs: 0.2, RetryDelaySecs: 0.05,
		}}}}},
		OutputStepID: "step0",
	}
	taskID, err := o.SubmitTask(context.Background(), "summarize", "X", SubmitOptions{Plan: plan})
	require.NoError(t, err)
	task := o.GetTask(taskID)
	waitDone(t, task, 3*time.Second)

	assert.Equal(t, StatusCompleted, task.OverallStatus)
	assert.Equal(t, "summary-of-X", task.Result)
	assert.Equal(t, 2, dispatchCount)
	require.Len(t, seenCorrelations, 2)
	assert.NotEqual(t, seenCorrelations[0], seenCorrelations[1], "retry must use a fresh correlation id")

	// late reply for the first (abandoned) correlation id must be ignored
	require.NotNil(t, firstEnv)
	lateEnv, err := envelope.New("peer1", "self", envelope.TaskResult, *firstEnv.CorrelationID,
		envelope.QoSParameters{}, "hsp://schemas/task_result", envelope.TaskResultPayload{
			Status: "success", Payload: "late-and-wrong",
		})
	require.NoError(t, err)
	data, err := lateEnv.Marshal()
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "hsp/result/self", data, messaging.QoSAtMostOnce))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "summary-of-X", task.Result, "late reply for a forgotten correlation id must not overwrite the result")
}

// Scenario 5: HSP terminal failure with no retries.
func TestScenarioHSPTerminalFailure(t *testing.T) {
	o, _, reg, bus := newTestOrchestrator(t)
	reg.Register(registry.Advertisement{CapabilityID: "cap:summarize", AIID: "peer1", Version: "1.0.0"})

	_, err := bus.Subscribe(context.Background(), "hsp/request/peer1", func(topic string, payload []byte) {
		env, err := envelope.Unmarshal(payload)
		require.NoError(t, err)
		resultEnv, err := envelope.New("peer1", "self", envelope.TaskResult, *env.CorrelationID,
			envelope.QoSParameters{}, "hsp://schemas/task_result", envelope.TaskResultPayload{
				CorrelationID: *env.CorrelationID, ExecutingAIID: "peer1", Status: "error",
				ErrorDetails: &envelope.ErrorDetails{Kind: "peer_failure", Message: "boom"},
			})
		require.NoError(t, err)
		data, err := resultEnv.Marshal()
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), "hsp/result/self", data, messaging.QoSAtMostOnce))
	})
	require.NoError(t, err)

	plan := &StrategyPlan{
		PlanID: "p5",
		Stages: []Stage{{Steps: []Step{{Hsp: &HspStep{
			StepID: "step0", CapabilityID: "cap:summarize", Parameters: map[string]interface{}{"text": "X"},
			MaxRetries: 0, RetriesLeft: 0, TimeoutSecs: 1,
		}}}}},
		OutputStepID: "step0",
	}
	taskID, err := o.SubmitTask(context.Background(), "summarize", "X", SubmitOptions{Plan: plan})
	require.NoError(t, err)
	task := o.GetTask(taskID)
	waitDone(t, task, time.Second)

	assert.Equal(t, StatusFailed, task.OverallStatus)
	assert.Equal(t, 1, o.TasksByState()["failed"])
}

func TestSubmitTaskRejectedWhileDraining(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	o.Drain()
	_, err := o.SubmitTask(context.Background(), "x", "y", SubmitOptions{})
	assert.Error(t, err)
}

func TestTrivialPlanUsedWhenNonePassed(t *testing.T) {
	o, d, _, _ := newTestOrchestrator(t)
	d.Register("llm:default", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"result": params["prompt"]}, nil
	})
	taskID, err := o.SubmitTask(context.Background(), "desc", "the input", SubmitOptions{})
	require.NoError(t, err)
	task := o.GetTask(taskID)
	waitDone(t, task, time.Second)
	assert.Equal(t, StatusCompleted, task.OverallStatus)
	assert.Equal(t, "the input", task.Result)
}
