package ham

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Query returns records matching opts (spec §4.2). Metadata filters
// compose as logical AND; keyword match is a case-insensitive substring
// over the stringified metadata; data_type_filter is a prefix match.
// Results default to newest-first, or by metadata.confidence descending
// when SortByConfidence is set. Ties break by insertion order (id).
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]RecallResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	s.mu.Lock()
	candidates := make([]*Record, 0, len(s.data.Store))
	for _, rec := range s.data.Store {
		candidates = append(candidates, rec)
	}
	s.mu.Unlock()

	matched := make([]*Record, 0, len(candidates))
	for _, rec := range candidates {
		if !matchesFilters(rec, opts) {
			continue
		}
		matched = append(matched, rec)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if opts.SortByConfidence {
			ci := confidenceOf(matched[i])
			cj := confidenceOf(matched[j])
			if ci != cj {
				return ci > cj
			}
		}
		ii, _ := strconv.ParseInt(matched[i].ID, 10, 64)
		ij, _ := strconv.ParseInt(matched[j].ID, 10, 64)
		return ii > ij
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}

	results := make([]RecallResult, 0, len(matched))
	for _, rec := range matched {
		res, err := s.rehydrate(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("ham: query rehydrate %s: %w", rec.ID, err)
		}
		if res == nil {
			// Integrity failure: omitted from results, matching spec §8
			// scenario 6 ("a subsequent query matching that id also omits it").
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

func matchesFilters(rec *Record, opts QueryOptions) bool {
	if opts.DataTypeFilter != "" && !hasPrefix(rec.DataType, opts.DataTypeFilter) {
		return false
	}
	if opts.DateRange != nil {
		if !opts.DateRange.From.IsZero() && rec.Timestamp.Before(opts.DateRange.From) {
			return false
		}
		if !opts.DateRange.To.IsZero() && rec.Timestamp.After(opts.DateRange.To) {
			return false
		}
	}
	if opts.UserIDForFacts != "" {
		uid, _ := rec.Metadata["user_id"].(string)
		if uid != opts.UserIDForFacts {
			return false
		}
	}
	for k, v := range opts.MetadataFilters {
		mv, ok := rec.Metadata[k]
		if !ok || !equalJSONish(mv, v) {
			return false
		}
	}
	if opts.Keywords != "" {
		blob, err := json.Marshal(rec.Metadata)
		if err != nil {
			return false
		}
		if !stringsContainFold(string(blob), opts.Keywords) {
			return false
		}
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	if len(prefix) > len(s) {
		return false
	}
	return s[:len(prefix)] == prefix
}

func confidenceOf(rec *Record) float64 {
	switch v := rec.Metadata["confidence"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// equalJSONish compares values that may come from a live map[string]interface{}
// (ints, strings) against values decoded from JSON (float64), so filters
// built programmatically and filters round-tripped through storage agree.
func equalJSONish(a, b interface{}) bool {
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
