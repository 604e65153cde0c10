package ham

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sablehq/metamind/pkg/apperrors"
	"github.com/sablehq/metamind/pkg/codec"
	"github.com/sablehq/metamind/pkg/logging"
)

// DiskUsageProbe reports the store's current on-disk footprint, consulted
// against ResourceProfile.DiskMaxBytes before every write (spec §5).
type DiskUsageProbe func() (int64, error)

// ResourceProfile declares the soft limits a write must respect (spec §6.3).
type ResourceProfile struct {
	DiskMaxBytes int64
}

// Store is the append-mostly, file-backed HAM store (spec §4.2).
// Writes are serialized by mu; readers see a consistent in-memory
// snapshot loaded at startup and kept current by every write.
type Store struct {
	mu   sync.Mutex
	path string
	data fileFormat

	codec    *codec.Codec
	logger   logging.Logger
	profile  ResourceProfile
	diskUsed DiskUsageProbe

	refusals int64
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger attaches a component-aware logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) {
		if l == nil {
			return
		}
		if cal, ok := l.(logging.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("framework/ham")
		} else {
			s.logger = l
		}
	}
}

// WithResourceProfile sets the simulated disk quota and its probe.
func WithResourceProfile(p ResourceProfile, probe DiskUsageProbe) Option {
	return func(s *Store) {
		s.profile = p
		s.diskUsed = probe
	}
}

// Open loads (or initializes) the HAM file at path.
func Open(path string, c *codec.Codec, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		codec:  c,
		logger: logging.NoOpLogger{},
		data:   fileFormat{NextMemoryID: 1, Store: map[string]*Record{}},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.diskUsed == nil {
		s.diskUsed = s.defaultDiskUsage
	}

	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("ham: parse store file %s: %w", path, err)
		}
		if s.data.Store == nil {
			s.data.Store = map[string]*Record{}
		}
		for id, rec := range s.data.Store {
			rec.ID = id
			if _, ok := rec.Metadata["sha256_checksum"]; !ok {
				s.logger.Warn("legacy record missing sha256_checksum", map[string]interface{}{
					"operation": "ham.open", "id": id,
				})
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("ham: read store file %s: %w", path, err)
	}

	return s, nil
}

func (s *Store) defaultDiskUsage() (int64, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Store persists raw data as data_type with metadata, returning the new
// id, or ("", nil) if the ResourceProfile refuses the write (spec §4.2).
func (s *Store) Store(ctx context.Context, raw string, dataType string, metadata map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.profile.DiskMaxBytes > 0 {
		used, err := s.diskUsed()
		if err == nil && used >= s.profile.DiskMaxBytes {
			s.refusals++
			s.logger.WarnWithContext(ctx, "ham store refused write: disk quota exceeded", map[string]interface{}{
				"operation": "ham.store", "data_type": dataType, "used_bytes": used, "max_bytes": s.profile.DiskMaxBytes,
			})
			return "", nil
		}
	}

	gist := Abstract(raw, dataType)
	gistMap := gist.ToMap()

	checksum, err := codec.ChecksumGist(gistMap)
	if err != nil {
		return "", apperrors.New("ham.Store", apperrors.ErrIntegrity, err)
	}

	serialized, err := codec.CanonicalJSON(gistMap)
	if err != nil {
		return "", apperrors.New("ham.Store", apperrors.ErrIntegrity, err)
	}

	compressed, err := codec.Compress(serialized)
	if err != nil {
		return "", fmt.Errorf("ham: compress gist: %w", err)
	}

	encrypted, err := s.codec.Encrypt(compressed)
	if err != nil {
		return "", fmt.Errorf("ham: encrypt gist: %w", err)
	}

	meta := map[string]interface{}{}
	for k, v := range metadata {
		meta[k] = v
	}
	meta["sha256_checksum"] = checksum

	id := strconv.FormatInt(s.data.NextMemoryID, 10)
	s.data.NextMemoryID++

	rec := &Record{
		ID:        id,
		Timestamp: time.Now().UTC(),
		DataType:  dataType,
		EncPkgB64: base64.StdEncoding.EncodeToString(encrypted),
		Metadata:  meta,
	}
	s.data.Store[id] = rec

	if err := s.flush(); err != nil {
		delete(s.data.Store, id)
		s.data.NextMemoryID--
		return "", fmt.Errorf("ham: flush: %w", err)
	}

	s.logger.InfoWithContext(ctx, "stored gist", map[string]interface{}{
		"operation": "ham.store", "id": id, "data_type": dataType,
	})
	return id, nil
}

// Recall fetches and verifies a record by id. A checksum mismatch logs
// CRITICAL and returns (nil, nil) — never a silently-wrong record — per
// spec's invariant that integrity failures never return the record.
func (s *Store) Recall(ctx context.Context, id string) (*RecallResult, error) {
	s.mu.Lock()
	rec, ok := s.data.Store[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return s.rehydrate(ctx, rec)
}

func (s *Store) rehydrate(ctx context.Context, rec *Record) (*RecallResult, error) {
	blob, err := base64.StdEncoding.DecodeString(rec.EncPkgB64)
	if err != nil {
		return nil, apperrors.NewWithID("ham.Recall", rec.ID, apperrors.ErrIntegrity, err)
	}

	compressed, err := s.codec.Decrypt(blob)
	if err != nil {
		s.logger.Error("integrity check failed on recall", map[string]interface{}{
			"severity": "critical", "operation": "ham.recall", "id": rec.ID,
		})
		return nil, nil
	}

	serialized, err := codec.Decompress(compressed)
	if err != nil {
		s.logger.Error("decompression failed on recall", map[string]interface{}{
			"severity": "critical", "operation": "ham.recall", "id": rec.ID,
		})
		return nil, nil
	}

	var gistMap map[string]interface{}
	if err := json.Unmarshal(serialized, &gistMap); err != nil {
		return nil, apperrors.NewWithID("ham.Recall", rec.ID, apperrors.ErrCorruption, err)
	}

	if expected, ok := rec.Metadata["sha256_checksum"].(string); ok {
		actual, err := codec.ChecksumGist(gistMap)
		if err != nil {
			return nil, apperrors.NewWithID("ham.Recall", rec.ID, apperrors.ErrIntegrity, err)
		}
		if actual != expected {
			s.logger.Error("checksum mismatch on recall", map[string]interface{}{
				"severity": "critical", "operation": "ham.recall", "id": rec.ID,
			})
			return nil, nil
		}
	}

	return &RecallResult{
		ID:             rec.ID,
		Timestamp:      rec.Timestamp,
		DataType:       rec.DataType,
		RehydratedGist: gistFromMap(gistMap),
		Metadata:       rec.Metadata,
	}, nil
}

func gistFromMap(m map[string]interface{}) Gist {
	g := Gist{}
	if v, ok := m["summary"].(string); ok {
		g.Summary = v
	}
	if v, ok := m["keywords"].([]interface{}); ok {
		for _, e := range v {
			if s, ok := e.(string); ok {
				g.Keywords = append(g.Keywords, s)
			}
		}
	}
	if v, ok := m["original_length"].(float64); ok {
		g.OriginalLength = int(v)
	}
	if v, ok := m["language"].(string); ok {
		g.Language = v
	}
	if v, ok := m["raw"].(string); ok {
		g.Raw = v
	}
	return g
}

// Delete removes a record. Ids are never reused (spec §3.1 invariant);
// deletion does not reclaim the id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Store[id]; !ok {
		return apperrors.NewWithID("ham.Delete", id, apperrors.ErrNotFound, nil)
	}
	delete(s.data.Store, id)
	return s.flush()
}

// Count returns the number of live records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.Store)
}

// Refusals returns the number of writes refused by the resource profile.
func (s *Store) Refusals() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refusals
}

// flush writes the store atomically (write-temp-and-rename), matching
// spec §4.2's disk layout guarantee. Caller must hold s.mu.
func (s *Store) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ham: mkdir: %w", err)
	}
	data, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("ham: marshal store: %w", err)
	}

	tmp := s.path + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ham: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ham: rename temp file: %w", err)
	}
	return nil
}

// corruptByteForTest flips one byte of a stored record's ciphertext, for
// the integrity-detection scenario of spec §8 item 6. It is unexported, so
// only this package's own tests (store_test.go) call it.
func (s *Store) corruptByteForTest(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.Store[id]
	if !ok {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(rec.EncPkgB64)
	if err != nil || len(raw) == 0 {
		return false
	}
	raw[0] ^= 0xFF
	rec.EncPkgB64 = base64.StdEncoding.EncodeToString(raw)
	return true
}

// StringsContainFold reports whether haystack contains needle, case-insensitively.
func stringsContainFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
