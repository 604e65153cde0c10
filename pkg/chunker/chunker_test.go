package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitEmptyTextReturnsNoChunks(t *testing.T) {
	assert.Nil(t, Split("", DefaultPolicy()))
}

func TestSplitShortTextReturnsSingleChunk(t *testing.T) {
	chunks := Split("a short sentence.", Policy{TargetSize: 2000, Overlap: 200})
	assert.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, "a short sentence.", chunks[0].Text)
}

func TestSplitOrdinalsAreSequential(t *testing.T) {
	text := strings.Repeat("word ", 2000)
	chunks := Split(text, Policy{TargetSize: 500, Overlap: 50})
	assert.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
	}
}

func TestSplitPrefersSentenceBoundary(t *testing.T) {
	text := strings.Repeat("a", 100) + ". " + strings.Repeat("b", 100) + "."
	chunks := Split(text, Policy{TargetSize: 100, Overlap: 0})
	require := chunks[0].Text
	assert.True(t, strings.HasSuffix(require, ". ") || strings.HasSuffix(require, "."),
		"first chunk should end near a sentence boundary, got %q", require)
}

func TestSplitOverlapRepeatsTrailingRunes(t *testing.T) {
	text := strings.Repeat("x", 1000)
	chunks := Split(text, Policy{TargetSize: 300, Overlap: 50})
	assert.Greater(t, len(chunks), 1)
	assert.True(t, strings.HasPrefix(chunks[1].Text, strings.Repeat("x", 1)))
}

func TestSplitZeroTargetSizeFallsBackToDefault(t *testing.T) {
	chunks := Split("hello", Policy{})
	assert.Len(t, chunks, 1)
}
