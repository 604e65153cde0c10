package orchestrator

import (
	"context"
	"time"

	"github.com/sablehq/metamind/pkg/envelope"
	"github.com/sablehq/metamind/pkg/resilience"
)

// handleInbound is the Bus Handler registered on this peer's result
// topic. It routes by message_type (spec §4.4: "unknown types are
// logged and dropped"): TaskResult advances the waiting step,
// Acknowledgement clears the sender's pending-ACK entry for the
// message_id it acknowledges — this orchestrator doesn't itself serve
// capabilities, so CapabilityAdvertisement traffic addressed to it is
// out of scope here (peers running a tool-serving process handle that).
func (o *Orchestrator) handleInbound(topic string, payload []byte) {
	env, err := envelope.Unmarshal(payload)
	if err != nil {
		o.logger.Warn("orchestrator: dropped unparseable envelope", map[string]interface{}{
			"operation": "orchestrator.handleInbound", "topic": topic,
		})
		return
	}

	switch env.MessageType {
	case envelope.TaskResult:
		var result envelope.TaskResultPayload
		if err := env.DecodePayload(&result); err != nil {
			o.logger.Warn("orchestrator: dropped malformed TaskResult payload", map[string]interface{}{
				"operation": "orchestrator.handleInbound",
			})
			return
		}
		o.onResult(context.Background(), result)
	case envelope.Acknowledgement:
		var ack envelope.AcknowledgementPayload
		if err := env.DecodePayload(&ack); err != nil {
			o.logger.Warn("orchestrator: dropped malformed Acknowledgement payload", map[string]interface{}{
				"operation": "orchestrator.handleInbound",
			})
			return
		}
		o.acks.Ack(ack.AckedMessageID)
	default:
		o.logger.Debug("orchestrator: dropped envelope of unhandled type", map[string]interface{}{
			"operation": "orchestrator.handleInbound", "message_type": string(env.MessageType),
		})
	}
}

// onResult routes an arriving TaskResult by its correlation_id (spec
// §4.6.4 step 3). A correlation_id with no live entry is a late arrival
// for a forgotten (superseded or expired) dispatch and is discarded
// without affecting state (spec §8 "at-most-one result per step").
func (o *Orchestrator) onResult(ctx context.Context, result envelope.TaskResultPayload) {
	o.mu.Lock()
	entry, ok := o.corr.Resolve(result.CorrelationID)
	if !ok {
		o.mu.Unlock()
		return
	}
	o.corr.Forget(result.CorrelationID)

	task, ok := o.tasks[entry.TaskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	step := findHspStep(task, entry.StepID)
	if step == nil || step.Status != StepWaitingResult || step.CorrelationID != result.CorrelationID {
		// Step already moved on (e.g. a retry superseded this
		// correlation_id, or the task finished) between the timer
		// firing/result arriving and this handler running.
		o.mu.Unlock()
		return
	}

	if result.Status == "success" {
		step.Status = StepCompleted
		step.Result = result.Payload
		task.StepResults[step.StepID] = result.Payload
		o.mu.Unlock()
		o.advance(ctx, task.TaskID)
		return
	}

	kind := "peer_failure"
	message := "peer reported error"
	if result.ErrorDetails != nil {
		kind = result.ErrorDetails.Kind
		message = result.ErrorDetails.Message
	}
	o.failOrRetryHSP(ctx, task, step, kind, message)
	o.mu.Unlock()
}

// onTimeout fires after an HSP step's configured window elapses with no
// matching TaskResult (spec §4.6.4 step 4). If the correlation_id is no
// longer live, the result already arrived (or the step was otherwise
// superseded) and this timer is a no-op.
func (o *Orchestrator) onTimeout(ctx context.Context, taskID, stepID, correlationID string) {
	o.mu.Lock()
	entry, ok := o.corr.Resolve(correlationID)
	if !ok || entry.TaskID != taskID || entry.StepID != stepID {
		o.mu.Unlock()
		return
	}
	o.corr.Forget(correlationID)

	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	step := findHspStep(task, stepID)
	if step == nil || step.Status != StepWaitingResult || step.CorrelationID != correlationID {
		o.mu.Unlock()
		return
	}

	o.failOrRetryHSP(ctx, task, step, "timeout", "no TaskResult before the configured window")
	o.mu.Unlock()
}

// failOrRetryHSP implements spec §4.6.4 steps 5-6: retry with a fresh
// correlation_id and message_id after a capped exponential delay while
// retries remain, otherwise mark failed_terminal and re-run advance so
// the stage can join. Caller holds o.mu.
func (o *Orchestrator) failOrRetryHSP(ctx context.Context, task *TaskState, step *HspStep, kind, message string) {
	step.Error = &StepError{Kind: kind, Message: message}
	step.CorrelationID = ""

	if step.RetriesLeft <= 0 {
		step.Status = StepFailedTerminal
		// advance takes o.mu, which the caller holds, so it runs on its
		// own goroutine.
		go o.advance(ctx, task.TaskID)
		return
	}

	step.RetriesLeft--
	step.Status = StepFailedRetry
	now := time.Now().UTC()
	step.LastRetryAt = &now

	delay := delayForAttempt(step.RetryDelaySecs, step.attempt)
	taskID := task.TaskID
	stepID := step.StepID
	time.AfterFunc(delay, func() {
		o.redispatchHSP(ctx, taskID, stepID)
	})
}

// delayForAttempt computes retry_delay_seconds * 2^(attempt-1), where
// attempt is the number of dispatches made so far, capped at 5 minutes
// so a misconfigured base delay can never stall a task indefinitely
// between retries. The schedule itself is resilience.DelaySequence; the
// messaging substrate's reconnect loop uses resilience.Retry instead.
func delayForAttempt(baseSecs float64, attempt int) time.Duration {
	base := time.Duration(baseSecs * float64(time.Second))
	seq := resilience.NewDelaySequence(base, 5*time.Minute)
	return seq.Delay(attempt)
}

// redispatchHSP re-enters the step into the pending state so the next
// advance() call dispatches it with a brand-new correlation_id and
// message_id (spec §4.6.4 step 5: never reuses the old one).
func (o *Orchestrator) redispatchHSP(ctx context.Context, taskID, stepID string) {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	step := findHspStep(task, stepID)
	if step == nil || step.Status != StepFailedRetry {
		o.mu.Unlock()
		return
	}
	step.Status = StepPending
	o.mu.Unlock()
	o.advance(ctx, taskID)
}

func findHspStep(task *TaskState, stepID string) *HspStep {
	for si := range task.Plan.Stages {
		for ki := range task.Plan.Stages[si].Steps {
			if s := task.Plan.Stages[si].Steps[ki].Hsp; s != nil && s.StepID == stepID {
				return s
			}
		}
	}
	return nil
}
