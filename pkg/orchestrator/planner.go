package orchestrator

import "github.com/google/uuid"

// trivialPlan builds the fallback single-stage, single-step plan (spec
// §4.6.1): "Otherwise build a trivial one-stage plan whose single step
// is local_llm with the original input."
func trivialPlan(input string) *StrategyPlan {
	stepID := "step0"
	return &StrategyPlan{
		PlanID: uuid.NewString(),
		Name:   "trivial-local-llm",
		Stages: []Stage{
			{Steps: []Step{{Local: &LocalStep{
				StepID:     stepID,
				Kind:       LocalLLM,
				Target:     "llm:default",
				Parameters: map[string]interface{}{"prompt": "{$original_input}"},
				Status:     StepPending,
			}}}},
		},
		OutputStepID: stepID,
	}
}

// validatePlan enforces spec §3.3's structural invariants: step_id
// uniqueness, and every input_source referencing a step that appears in
// a strictly earlier stage (no forward or intra-stage references).
func validatePlan(plan *StrategyPlan) *StepError {
	seen := map[string]int{}
	for stageIdx, stage := range plan.Stages {
		for _, step := range stage.Steps {
			id := step.stepID()
			if id == "" {
				return &StepError{Kind: "plan_error", Message: "step missing step_id"}
			}
			if _, dup := seen[id]; dup {
				return &StepError{Kind: "plan_error", Message: "duplicate step_id: " + id}
			}
			seen[id] = stageIdx
		}
	}
	for stageIdx, stage := range plan.Stages {
		for _, step := range stage.Steps {
			sources := stepInputSources(step)
			for _, src := range sources {
				refStage, ok := seen[src]
				if !ok {
					return &StepError{Kind: "plan_error", Message: "input_source references unknown step: " + src}
				}
				if refStage >= stageIdx {
					return &StepError{Kind: "plan_error", Message: "input_source references non-earlier stage: " + src}
				}
			}
		}
	}
	return nil
}

func stepInputSources(step Step) []string {
	if step.Local != nil {
		return step.Local.InputSources
	}
	if step.Hsp != nil {
		return step.Hsp.InputSources
	}
	return nil
}
