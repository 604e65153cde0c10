package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches the closed set of substitution forms from
// spec §4.6.2: {$original_input}, {$task_description}, {$step.<id>},
// {$step.<id>.<key>}.
var placeholderPattern = regexp.MustCompile(`\{\$(original_input|task_description|step\.[^.}]+(?:\.[^}]+)?)\}`)

// resolveInputMapping computes a step's concrete parameters from its
// input_mapping, substituting placeholders against the task's original
// input, description, and the results of earlier (already-terminal,
// completed) steps. An unresolved placeholder is a PlanError (spec
// §4.6.2), fatal to the step and the task.
func resolveInputMapping(task *TaskState, mapping map[string]string) (map[string]interface{}, *StepError) {
	resolved := map[string]interface{}{}
	for key, value := range mapping {
		out, err := resolveTemplate(task, value)
		if err != nil {
			return nil, err
		}
		resolved[key] = out
	}
	return resolved, nil
}

// resolveTemplate substitutes every placeholder in value. If value is
// exactly one placeholder with no surrounding text, the placeholder's
// native value (which may be non-string, e.g. a map) is returned as-is;
// otherwise substitution is string-interpolated (spec §4.6.2: "against
// the string form of the resolved value").
func resolveTemplate(task *TaskState, value string) (interface{}, *StepError) {
	matches := placeholderPattern.FindStringSubmatch(value)
	if matches != nil && matches[0] == value {
		return resolvePlaceholder(task, matches[1])
	}

	var resolveErr *StepError
	out := placeholderPattern.ReplaceAllStringFunc(value, func(m string) string {
		if resolveErr != nil {
			return m
		}
		sub := placeholderPattern.FindStringSubmatch(m)
		v, err := resolvePlaceholder(task, sub[1])
		if err != nil {
			resolveErr = err
			return m
		}
		return stringifyValue(v)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return out, nil
}

func resolvePlaceholder(task *TaskState, form string) (interface{}, *StepError) {
	switch {
	case form == "original_input":
		return task.Input, nil
	case form == "task_description":
		return task.Description, nil
	case strings.HasPrefix(form, "step."):
		rest := strings.TrimPrefix(form, "step.")
		parts := strings.SplitN(rest, ".", 2)
		stepID := parts[0]
		result, ok := task.StepResults[stepID]
		if !ok {
			return nil, &StepError{Kind: "plan_error", Message: fmt.Sprintf("unresolved placeholder: step %q has no result", stepID)}
		}
		if len(parts) == 1 {
			return result, nil
		}
		key := parts[1]
		m, ok := result.(map[string]interface{})
		if !ok {
			return nil, &StepError{Kind: "plan_error", Message: fmt.Sprintf("unresolved placeholder: step %q result is not keyed", stepID)}
		}
		v, ok := m[key]
		if !ok {
			return nil, &StepError{Kind: "plan_error", Message: fmt.Sprintf("unresolved placeholder: step %q has no key %q", stepID, key)}
		}
		return v, nil
	default:
		return nil, &StepError{Kind: "plan_error", Message: "unrecognized placeholder form: " + form}
	}
}

func stringifyValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
