package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sablehq/metamind/pkg/chunker"
	"github.com/sablehq/metamind/pkg/envelope"
	"github.com/sablehq/metamind/pkg/messaging"
)

// advance drives taskID forward as far as it can go without blocking on
// an external event. It loops: start every pending step in the current
// stage, wait for local steps to finish synchronously and HSP steps to
// be dispatched, then check whether the stage has gone fully terminal —
// if so, join it and loop again on the next stage; if not, return and
// wait to be invoked again by a TaskResult arrival or a timer. This is
// the single function invoked on every trigger named in spec §4.6:
// initial submission, an arriving TaskResult, or a timer's expiry.
func (o *Orchestrator) advance(ctx context.Context, taskID string) {
	o.mu.Lock()
	if o.advancing[taskID] {
		// Already being advanced further up the call stack (a synchronous
		// Bus delivered a TaskResult before dispatchHSP's Publish
		// returned). Flag it and let that call loop again instead of
		// joining/completing the stage a second time here.
		o.needsRecheck[taskID] = true
		o.mu.Unlock()
		return
	}
	o.advancing[taskID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.advancing, taskID)
		o.mu.Unlock()
	}()

	for {
		o.mu.Lock()
		task, ok := o.tasks[taskID]
		if !ok {
			o.mu.Unlock()
			return
		}
		if task.OverallStatus == StatusCompleted || task.OverallStatus == StatusFailed {
			o.mu.Unlock()
			return
		}
		if task.Deadline != nil && time.Now().After(*task.Deadline) {
			o.abandonInFlight(task)
			task.Error = &TaskError{Kind: "deadline", Message: "task deadline exceeded"}
			task.finish(StatusFailed)
			o.recordCompletion(ctx, task)
			o.mu.Unlock()
			return
		}

		task.OverallStatus = StatusExecuting
		stage := task.Plan.Stages[task.CurrentStageIndex]

		var toDispatchHSP []*HspStep
		for i := range stage.Steps {
			step := &stage.Steps[i]
			if step.Local != nil && step.Local.Status == StepPending {
				o.runLocalStep(task, step.Local)
			}
			if step.Hsp != nil && step.Hsp.Status == StepPending {
				toDispatchHSP = append(toDispatchHSP, step.Hsp)
			}
		}
		o.mu.Unlock()

		// HSP dispatch involves a substrate publish; do it outside the
		// lock so a slow or blocking Bus implementation never stalls
		// other tasks sharing this orchestrator.
		for _, hspStep := range toDispatchHSP {
			o.dispatchHSP(ctx, task, hspStep)
		}

		o.mu.Lock()
		allTerminal := true
		for i := range stage.Steps {
			if !stage.Steps[i].terminal() {
				allTerminal = false
				break
			}
		}
		if !allTerminal {
			task.OverallStatus = StatusWaitingHSP
			if o.needsRecheck[taskID] {
				// A reentrant call coalesced into this one while we were
				// dispatching; its trigger may have completed another
				// step in this same stage, so loop once more on fresh
				// state before actually waiting.
				delete(o.needsRecheck, taskID)
				o.mu.Unlock()
				continue
			}
			o.mu.Unlock()
			return
		}

		failedTaskNow := false
		for i := range stage.Steps {
			step := stage.Steps[i]
			if step.status() == StepFailedTerminal && referencedByLaterStage(task.Plan, task.CurrentStageIndex, step.stepID()) {
				task.Error = &TaskError{Kind: "plan_error", Message: "referenced step failed terminally: " + step.stepID()}
				task.finish(StatusFailed)
				o.recordCompletion(ctx, task)
				failedTaskNow = true
				break
			}
		}
		if failedTaskNow {
			o.mu.Unlock()
			return
		}

		task.CurrentStageIndex++
		if task.CurrentStageIndex >= len(task.Plan.Stages) {
			o.completeTask(ctx, task)
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
		// Loop to start the next stage immediately (spec's stage
		// ordering guarantee: stage i+1 begins only after stage i is
		// fully terminal, which the allTerminal check above enforced).
	}
}

// runLocalStep executes a LocalStep synchronously (spec §4.6.3). Local
// errors are terminal for the step; there is no core-level retry.
func (o *Orchestrator) runLocalStep(task *TaskState, step *LocalStep) {
	params, perr := resolveInputMapping(task, step.InputMapping)
	if perr != nil {
		step.Status = StepFailedTerminal
		step.Error = perr
		return
	}
	for k, v := range step.Parameters {
		if _, ok := params[k]; !ok {
			resolvedVal, rerr := resolveTemplate(task, toStringParam(v))
			if rerr != nil {
				step.Status = StepFailedTerminal
				step.Error = rerr
				return
			}
			params[k] = resolvedVal
		}
	}

	switch step.Kind {
	case LocalChunkProcess:
		o.runChunkStep(task, step, params)
	default:
		target := step.Target
		if step.Kind == LocalLLM && target == "" {
			target = "llm:default"
		}
		result := o.dispatcher.Invoke(context.Background(), target, params)
		if result.Status != "success" {
			step.Status = StepFailedTerminal
			step.Error = &StepError{Kind: "tool_error", Message: result.Message}
			return
		}
		step.Status = StepCompleted
		step.Result = result.Payload
		task.StepResults[step.StepID] = flattenSingle(result.Payload)
	}
}

// flattenSingle unwraps a single-key {"result": v}-shaped tool payload
// to its bare value when that's the only key, so placeholder
// substitution and scenario 1's literal-string expectation ("HELLO",
// not {"result":"HELLO"}) both hold without every tool needing to know
// about the wrapping convention. Multi-key payloads pass through
// unchanged for {$step.<id>.<key>} lookups.
func flattenSingle(payload map[string]interface{}) interface{} {
	if v, ok := payload["result"]; ok && len(payload) == 1 {
		return v
	}
	return payload
}

func toStringParam(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (o *Orchestrator) runChunkStep(task *TaskState, step *LocalStep, params map[string]interface{}) {
	text, _ := params["text"].(string)
	chunks := chunker.Split(text, o.cfg.ChunkPolicy)

	results := make([]interface{}, 0, len(chunks))
	for _, c := range chunks {
		p := map[string]interface{}{}
		for k, v := range params {
			p[k] = v
		}
		p["text"] = c.Text
		p["ordinal"] = c.Ordinal
		res := o.dispatcher.Invoke(context.Background(), step.Target, p)
		if res.Status != "success" {
			step.Status = StepFailedTerminal
			step.Error = &StepError{Kind: "tool_error", Message: res.Message}
			return
		}
		results = append(results, flattenSingle(res.Payload))
	}
	step.Status = StepCompleted
	step.Result = results
	task.StepResults[step.StepID] = results
}

// dispatchHSP performs target resolution, builds a TaskRequest envelope
// with a fresh correlation_id, publishes it, records the correlation
// mapping, and arms a timeout timer (spec §4.6.4 steps 1-2).
func (o *Orchestrator) dispatchHSP(ctx context.Context, task *TaskState, step *HspStep) {
	o.mu.Lock()
	params, perr := resolveInputMapping(task, step.InputMapping)
	if perr == nil {
		for k, v := range step.Parameters {
			if _, ok := params[k]; !ok {
				resolved, rerr := resolveTemplate(task, toStringParam(v))
				if rerr != nil {
					perr = rerr
					break
				}
				params[k] = resolved
			}
		}
	}
	if perr != nil {
		step.Status = StepFailedTerminal
		step.Error = perr
		o.mu.Unlock()
		return
	}

	target := step.TargetAIID
	if target == "" {
		ad, err := o.registry.ResolveTarget(step.CapabilityID)
		if err != nil {
			step.Status = StepFailedTerminal
			step.Error = &StepError{Kind: "no_capability", Message: err.Error()}
			o.mu.Unlock()
			return
		}
		target = ad.AIID
	}
	step.TargetAIID = target
	o.mu.Unlock()

	correlationID := uuid.NewString()
	requestID := uuid.NewString()

	payload := envelope.TaskRequestPayload{
		RequestID:       requestID,
		CapabilityID:    step.CapabilityID,
		Parameters:      params,
		CallbackAddress: resultTopic(o.cfg.AIID),
		RequesterAIID:   o.cfg.AIID,
	}
	env, err := envelope.New(o.cfg.AIID, target, envelope.TaskRequest, correlationID,
		envelope.QoSParameters{RequiresAck: true, Priority: envelope.PriorityNormal},
		"hsp://schemas/task_request", payload)
	if err != nil {
		o.mu.Lock()
		step.Status = StepFailedTerminal
		step.Error = &StepError{Kind: "dispatch_error", Message: err.Error()}
		o.mu.Unlock()
		return
	}
	data, err := env.Marshal()
	if err != nil {
		o.mu.Lock()
		step.Status = StepFailedTerminal
		step.Error = &StepError{Kind: "dispatch_error", Message: err.Error()}
		o.mu.Unlock()
		return
	}

	timeout := time.Duration(step.TimeoutSecs * float64(time.Second))
	deadline := time.Now().Add(timeout)

	o.mu.Lock()
	o.corr.Insert(correlationID, task.TaskID, step.StepID, deadline)
	step.CorrelationID = correlationID
	now := time.Now().UTC()
	step.DispatchedAt = &now
	step.Status = StepWaitingResult
	step.attempt++
	o.mu.Unlock()

	if err := o.bus.Publish(ctx, requestTopic(target), data, messagingQoS(env.QoSParameters)); err != nil {
		o.mu.Lock()
		o.corr.Forget(correlationID)
		o.failOrRetryHSP(ctx, task, step, "dispatch_error", err.Error())
		o.mu.Unlock()
		return
	}

	reqTopic := requestTopic(target)
	msgID := env.MessageID
	o.acks.Track(msgID, time.Now().Add(o.cfg.AckWindow), func() error {
		return o.bus.Publish(context.Background(), reqTopic, data, messagingQoS(env.QoSParameters))
	}, func(id string) {
		o.logger.Warn("orchestrator: HSP request delivery_failed, no Acknowledgement after resend", map[string]interface{}{
			"operation": "orchestrator.dispatchHSP", "message_id": id, "target_ai_id": target,
		})
	})

	time.AfterFunc(timeout, func() {
		o.onTimeout(context.Background(), task.TaskID, step.StepID, correlationID)
	})
}

// referencedByLaterStage reports whether stepID is named as an
// input_source anywhere in a stage after fromStage.
func referencedByLaterStage(plan *StrategyPlan, fromStage int, stepID string) bool {
	for si := fromStage + 1; si < len(plan.Stages); si++ {
		for _, step := range plan.Stages[si].Steps {
			for _, src := range stepInputSources(step) {
				if src == stepID {
					return true
				}
			}
		}
	}
	return false
}

// completeTask finalizes a task whose last stage just joined (spec
// §4.6.6): the result is the designated output step's result, or the
// last step's result in a single-step last stage, or, for a multi-step
// last stage with no designated output, a map step_id -> result of the
// steps that produced one (a Go map, so it keeps no plan order). If the
// designated or single output step produced no result, the task fails
// instead. Caller holds o.mu.
func (o *Orchestrator) completeTask(ctx context.Context, task *TaskState) {
	lastStage := task.Plan.Stages[len(task.Plan.Stages)-1]

	outputID := task.Plan.OutputStepID
	if outputID == "" && len(lastStage.Steps) == 1 {
		outputID = lastStage.Steps[0].stepID()
	}
	if outputID != "" {
		if _, ok := task.StepResults[outputID]; !ok {
			task.Error = &TaskError{Kind: "step_failed", Message: "output step did not complete: " + outputID}
			task.finish(StatusFailed)
			o.recordCompletion(ctx, task)
			return
		}
	}

	if task.Plan.OutputStepID != "" {
		task.Result = task.StepResults[task.Plan.OutputStepID]
	} else if len(lastStage.Steps) == 1 {
		task.Result = task.StepResults[lastStage.Steps[0].stepID()]
	} else {
		ordered := map[string]interface{}{}
		for _, step := range lastStage.Steps {
			if v, ok := task.StepResults[step.stepID()]; ok {
				ordered[step.stepID()] = v
			}
		}
		task.Result = ordered
	}

	task.finish(StatusCompleted)
	o.recordCompletion(ctx, task)
}

func (o *Orchestrator) recordCompletion(ctx context.Context, task *TaskState) {
	if o.telemetry != nil {
		o.telemetry.RecordTaskCompleted(task.OverallStatus == StatusCompleted)
	}
	// Learning runs on any terminal state with a usable result, not just
	// StatusCompleted (open question resolved in SPEC_FULL.md §4
	// "allowed"). Only completeTask sets Result, so in practice a failed
	// task carries none and is not learned from.
	if task.Learn && task.Result != nil && o.learnFn != nil {
		o.learnFn(task)
	}
}

// abandonInFlight implements the task-deadline expiry rule (spec §5):
// HSP steps of the current stage still waiting on a result are abandoned
// with their correlation dropped. Local steps run synchronously inside
// advance, so none is in flight here. Caller holds o.mu.
func (o *Orchestrator) abandonInFlight(task *TaskState) {
	if task.CurrentStageIndex >= len(task.Plan.Stages) {
		return
	}
	stage := task.Plan.Stages[task.CurrentStageIndex]
	for i := range stage.Steps {
		step := &stage.Steps[i]
		if step.Hsp != nil && step.Hsp.Status == StepWaitingResult {
			o.corr.Forget(step.Hsp.CorrelationID)
			step.Hsp.Status = StepFailedTerminal
			step.Hsp.Error = &StepError{Kind: "deadline", Message: "task deadline exceeded while waiting for HSP result"}
		}
	}
}

func messagingQoS(q envelope.QoSParameters) messaging.QoS {
	if q.RequiresAck {
		return messaging.QoSAtLeastOnce
	}
	return messaging.QoSAtMostOnce
}
