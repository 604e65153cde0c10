// Package learning implements the Learning Adapter (Component H): it
// converts a finished task's result into a HAM "learned_fact_<topic>"
// record carrying user_id, confidence, and provenance (spec §4.7).
// Grounded on the teacher's orchestration/synthesizer.go template-strategy
// fallback (a small deterministic rule set tried before reaching for a
// model-generated structure) and core/tool_error.go's non-fatal error
// convention: a derivation failure here never fails the task (spec
// §4.7 "failure to derive these fields is not fatal to the task").
package learning

import (
	"context"
	"fmt"
	"strings"

	"github.com/sablehq/metamind/pkg/logging"
)

// defaultConfidence is used when a result carries no explicit
// confidence signal; 0.5 matches the teacher's "unknown, assume
// moderate" convention in synthesizeSimple's scoring fallback.
const defaultConfidence = 0.5

// Fact is what the adapter derives from a task's final result before
// handing it to HAM.Store. Topic becomes the learned_fact_<topic> data
// type; everything else becomes metadata.
type Fact struct {
	Topic      string
	UserID     string
	Value      interface{}
	Confidence float64
}

// Store is the subset of *ham.Store the adapter needs, narrowed so
// tests can substitute a fake without pulling in the full store.
type Store interface {
	Store(ctx context.Context, raw string, dataType string, metadata map[string]interface{}) (string, error)
}

// Adapter derives Facts from task results and persists them to HAM.
// One Adapter is constructed at startup and wired into the orchestrator
// via Orchestrator.SetLearnFn (spec §9's anti-singleton redesign: no
// package-level adapter, just an injected function value).
type Adapter struct {
	store     Store
	sourceAID string
	logger    logging.Logger

	// DeriveFn lets a caller override the default deterministic
	// extraction with a model-generated structure (spec §4.7: "via a
	// small deterministic rule set or by passing through a
	// model-generated structure"). Nil uses Derive.
	DeriveFn func(taskDescription string, result interface{}) (Fact, bool)
}

// New constructs an Adapter. sourceAIID is stamped into every learned
// fact's metadata.source_ai_id as provenance.
func New(store Store, sourceAIID string, logger logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/learning")
	}
	return &Adapter{store: store, sourceAID: sourceAIID, logger: logger}
}

// Learn derives a Fact from (description, result, userID) and persists
// it as data_type learned_fact_<topic>. A derivation failure (no usable
// topic/value) is logged at Warn and swallowed: the task's own
// completion is never affected by a learning failure.
func (a *Adapter) Learn(ctx context.Context, taskID, description string, result interface{}, userID string) {
	derive := a.DeriveFn
	if derive == nil {
		derive = Derive
	}
	fact, ok := derive(description, result)
	if !ok {
		a.logger.Warn("learning: could not derive a fact from task result", map[string]interface{}{
			"operation": "learning.Learn", "task_id": taskID,
		})
		return
	}
	if fact.UserID == "" {
		fact.UserID = userID
	}
	if fact.Confidence == 0 {
		fact.Confidence = defaultConfidence
	}

	raw := stringifyValue(fact.Value)
	dataType := "learned_fact_" + fact.Topic
	metadata := map[string]interface{}{
		"user_id":       fact.UserID,
		"confidence":    fact.Confidence,
		"source_ai_id":  a.sourceAID,
		"reference_ids": []interface{}{taskID},
	}

	if _, err := a.store.Store(ctx, raw, dataType, metadata); err != nil {
		a.logger.Warn("learning: HAM store refused the learned fact", map[string]interface{}{
			"operation": "learning.Learn", "task_id": taskID, "data_type": dataType, "error": err.Error(),
		})
	}
}

// Derive is the default deterministic rule set (spec §4.7). It expects
// result shaped either as a bare scalar (topic falls back to "general")
// or as a map carrying explicit "topic"/"value"/"user_id"/"confidence"
// keys populated by an upstream step (e.g. a local_llm step whose
// prompt asked the model to emit that structure) — the "passing through
// a model-generated structure" half of the spec sentence. Returns false
// when no usable topic or value can be found.
func Derive(description string, result interface{}) (Fact, bool) {
	switch v := result.(type) {
	case map[string]interface{}:
		fact := Fact{Topic: "general"}
		if topic, ok := v["topic"].(string); ok && topic != "" {
			fact.Topic = sanitizeTopic(topic)
		} else if description != "" {
			fact.Topic = sanitizeTopic(firstWord(description))
		}
		if value, ok := v["value"]; ok {
			fact.Value = value
		} else {
			fact.Value = v
		}
		if uid, ok := v["user_id"].(string); ok {
			fact.UserID = uid
		}
		if conf, ok := toFloat(v["confidence"]); ok {
			fact.Confidence = conf
		}
		return fact, true
	case string:
		if v == "" {
			return Fact{}, false
		}
		return Fact{Topic: sanitizeTopic(firstWord(description)), Value: v}, true
	case nil:
		return Fact{}, false
	default:
		return Fact{Topic: sanitizeTopic(firstWord(description)), Value: v}, true
	}
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "general"
	}
	fields := strings.Fields(s)
	return fields[0]
}

// sanitizeTopic keeps data_type prefix filtering (spec §3.1) sane: only
// lowercase alnum and underscore survive.
func sanitizeTopic(topic string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(topic) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "general"
	}
	return out
}

func stringifyValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
