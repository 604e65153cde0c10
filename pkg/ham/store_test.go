package ham

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablehq/metamind/pkg/codec"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	var key [codec.KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "ham_store.json")
	s, err := Open(path, codec.New(key))
	require.NoError(t, err)
	return s
}

func TestStoreRecallRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Store(ctx, "The quick brown fox jumps over the lazy dog. It was fast.", "dialogue_text", map[string]interface{}{
		"user_id": "u1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res, err := s.Recall(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)

	expected := Abstract("The quick brown fox jumps over the lazy dog. It was fast.", "dialogue_text")
	assert.Equal(t, expected.Summary, res.RehydratedGist.Summary)
	assert.Equal(t, expected.Keywords, res.RehydratedGist.Keywords)

	checksum, err := codec.ChecksumGist(expected.ToMap())
	require.NoError(t, err)
	assert.Equal(t, checksum, res.Metadata["sha256_checksum"])
}

func TestStoreIdsUniqueAndNeverReused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Store(ctx, "hello world", "dialogue_text", nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, id1))

	id2, err := s.Store(ctx, "hello again", "dialogue_text", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestRecallDetectsTampering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Store(ctx, "tamper test payload", "dialogue_text", nil)
	require.NoError(t, err)

	require.True(t, s.corruptByteForTest(id))

	res, err := s.Recall(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, res)

	results, err := s.Query(ctx, QueryOptions{Keywords: "tamper"})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, id, r.ID)
	}
}

func TestQueryRespectsLimitAndPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Store(ctx, "repeated payload number", "task_artifact_stage1", nil)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := s.Store(ctx, "other payload", "dialogue_text", nil)
		require.NoError(t, err)
	}

	results, err := s.Query(ctx, QueryOptions{DataTypeFilter: "task_artifact", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, results, 3)
	for _, r := range results {
		assert.Contains(t, r.DataType, "task_artifact")
	}
}

func TestQueryMetadataFiltersAreAND(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, "fact one", "learned_fact_weather", map[string]interface{}{"user_id": "u1", "confidence": 0.9})
	require.NoError(t, err)
	_, err = s.Store(ctx, "fact two", "learned_fact_weather", map[string]interface{}{"user_id": "u2", "confidence": 0.5})
	require.NoError(t, err)

	results, err := s.Query(ctx, QueryOptions{MetadataFilters: map[string]interface{}{"user_id": "u1"}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "u1", results[0].Metadata["user_id"])
}

func TestStoreRefusesWriteOverDiskQuota(t *testing.T) {
	var key [codec.KeySize]byte
	path := filepath.Join(t.TempDir(), "ham_store.json")
	s, err := Open(path, codec.New(key), WithResourceProfile(ResourceProfile{DiskMaxBytes: 1}, func() (int64, error) {
		return 1000, nil
	}))
	require.NoError(t, err)

	id, err := s.Store(context.Background(), "won't fit", "dialogue_text", nil)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, int64(1), s.Refusals())
}
