package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	raw      string
	dataType string
	metadata map[string]interface{}
	err      error
	calls    int
}

func (s *fakeStore) Store(ctx context.Context, raw, dataType string, metadata map[string]interface{}) (string, error) {
	s.calls++
	s.raw = raw
	s.dataType = dataType
	s.metadata = metadata
	if s.err != nil {
		return "", s.err
	}
	return "mem_1", nil
}

func TestDeriveFromStructuredResult(t *testing.T) {
	result := map[string]interface{}{
		"topic":      "Favorite Color",
		"value":      "blue",
		"user_id":    "u1",
		"confidence": 0.9,
	}
	fact, ok := Derive("remember the user's favorite color", result)
	require.True(t, ok)
	assert.Equal(t, "favorite_color", fact.Topic)
	assert.Equal(t, "blue", fact.Value)
	assert.Equal(t, "u1", fact.UserID)
	assert.Equal(t, 0.9, fact.Confidence)
}

func TestDeriveFromScalarResultFallsBackToDescription(t *testing.T) {
	fact, ok := Derive("greeting task", "hello there")
	require.True(t, ok)
	assert.Equal(t, "greeting", fact.Topic)
	assert.Equal(t, "hello there", fact.Value)
}

func TestDeriveNilResultFails(t *testing.T) {
	_, ok := Derive("anything", nil)
	assert.False(t, ok)
}

func TestLearnStoresDerivedFactWithProvenance(t *testing.T) {
	store := &fakeStore{}
	adapter := New(store, "peer1", nil)

	adapter.Learn(context.Background(), "task-1", "favorite color task", map[string]interface{}{
		"topic": "color", "value": "red",
	}, "fallback-user")

	require.Equal(t, 1, store.calls)
	assert.Equal(t, "learned_fact_color", store.dataType)
	assert.Equal(t, "red", store.raw)
	assert.Equal(t, "fallback-user", store.metadata["user_id"])
	assert.Equal(t, "peer1", store.metadata["source_ai_id"])
	assert.Equal(t, defaultConfidence, store.metadata["confidence"])
}

func TestLearnSwallowsDerivationFailure(t *testing.T) {
	store := &fakeStore{}
	adapter := New(store, "peer1", nil)

	adapter.Learn(context.Background(), "task-1", "desc", nil, "u1")

	assert.Equal(t, 0, store.calls)
}

func TestLearnSwallowsStoreError(t *testing.T) {
	store := &fakeStore{err: assertError{}}
	adapter := New(store, "peer1", nil)

	assert.NotPanics(t, func() {
		adapter.Learn(context.Background(), "task-1", "desc", "value", "u1")
	})
}

type assertError struct{}

func (assertError) Error() string { return "store refused" }
