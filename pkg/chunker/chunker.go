// Package chunker implements the local_chunk_process splitting policy
// (spec §4.6.3): fixed-size chunking with sentence-boundary preference,
// optional overlap, and ordinal metadata per chunk. Supplements the
// spec's distilled description with a concrete, deterministic policy;
// grounded on the teacher's orchestration/workflow_dag.go staging idiom
// (ordered, metadata-carrying work units) and pkg/ham's sentence-boundary
// regex already used for gist abstraction.
package chunker

import "regexp"

// sentenceBoundary matches the end of a sentence, mirroring pkg/ham's
// abstraction boundary so chunk breaks read naturally to a downstream
// summarizer tool.
var sentenceBoundary = regexp.MustCompile(`[.!?][\s]|[\n]`)

// Chunk is one unit of a chunked text, carrying its position so the
// orchestrator can reassemble results in order (spec §4.6.3: "collect
// outputs in order").
type Chunk struct {
	Ordinal int    `json:"ordinal"`
	Text    string `json:"text"`
}

// Policy configures fixed-size chunking with sentence-boundary
// preference and overlap.
type Policy struct {
	// TargetSize is the preferred chunk length in runes.
	TargetSize int
	// Overlap is how many trailing runes of one chunk are repeated at
	// the start of the next, for context continuity across chunk
	// boundaries. Must be smaller than TargetSize.
	Overlap int
}

// DefaultPolicy matches the teacher's conservative defaults for
// LLM-bound text: small enough for most context windows, modest overlap.
func DefaultPolicy() Policy {
	return Policy{TargetSize: 2000, Overlap: 200}
}

// Split divides text into chunks of approximately TargetSize runes,
// preferring to break at a sentence boundary at or after TargetSize
// rather than mid-sentence, and repeating the last Overlap runes of
// each chunk at the start of the next.
func Split(text string, policy Policy) []Chunk {
	if policy.TargetSize <= 0 {
		policy = DefaultPolicy()
	}
	if policy.Overlap < 0 || policy.Overlap >= policy.TargetSize {
		policy.Overlap = 0
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	ordinal := 0
	for start < len(runes) {
		end := start + policy.TargetSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = preferredBoundary(runes, start, end)
		}
		chunks = append(chunks, Chunk{Ordinal: ordinal, Text: string(runes[start:end])})
		ordinal++

		if end >= len(runes) {
			break
		}
		next := end - policy.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// preferredBoundary looks for a sentence boundary in a small window
// after the target cut point and snaps to it; if none is found within
// the window, it falls back to the raw target index so a single
// pathological long sentence never blocks chunking.
func preferredBoundary(runes []rune, start, target int) int {
	window := target + 200
	if window > len(runes) {
		window = len(runes)
	}
	search := string(runes[target:window])
	loc := sentenceBoundary.FindStringIndex(search)
	if loc == nil {
		return target
	}
	return target + loc[1]
}
