// Package ham implements the Hierarchical Abstractive Memory store of
// spec §3.1 and §4.2 (Component B): a content-addressed, encrypted,
// compressed, checksum-verified store of "gists" with structured
// metadata and query-by-filter semantics.
package ham

import "time"

// Gist is the abstracted, structured short form of a stored experience.
// Textual gists populate Summary/Keywords/OriginalLength and optionally
// Language/Radicals/POSTags; non-text gists only set Raw. Per spec §4.2
// and §9, the presence or absence of Radicals/POSTags is never
// load-bearing for retrieval correctness — they are reserved shape only.
type Gist struct {
	Summary        string   `json:"summary,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	OriginalLength int      `json:"original_length,omitempty"`
	Language       string   `json:"language,omitempty"`
	Radicals       []string `json:"radicals,omitempty"`
	POSTags        []string `json:"pos_tags,omitempty"`
	Raw            string   `json:"raw,omitempty"`
}

// ToMap renders the gist as the canonical map ChecksumGist hashes.
func (g Gist) ToMap() map[string]interface{} {
	m := map[string]interface{}{}
	if g.Summary != "" {
		m["summary"] = g.Summary
	}
	if len(g.Keywords) > 0 {
		kw := make([]interface{}, len(g.Keywords))
		for i, k := range g.Keywords {
			kw[i] = k
		}
		m["keywords"] = kw
	}
	if g.OriginalLength > 0 {
		m["original_length"] = g.OriginalLength
	}
	if g.Language != "" {
		m["language"] = g.Language
	}
	if len(g.Radicals) > 0 {
		r := make([]interface{}, len(g.Radicals))
		for i, v := range g.Radicals {
			r[i] = v
		}
		m["radicals"] = r
	}
	if len(g.POSTags) > 0 {
		p := make([]interface{}, len(g.POSTags))
		for i, v := range g.POSTags {
			p[i] = v
		}
		m["pos_tags"] = p
	}
	if g.Raw != "" {
		m["raw"] = g.Raw
	}
	return m
}

// Record is one persisted HAM entry (spec §3.1).
type Record struct {
	ID        string                 `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	DataType  string                 `json:"data_type"`
	EncPkgB64 string                 `json:"encrypted_package_b64"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// RecallResult is what recall()/query() return to callers: the
// rehydrated gist plus its envelope, never the raw ciphertext.
type RecallResult struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	DataType       string                 `json:"data_type"`
	RehydratedGist Gist                   `json:"rehydrated_gist"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// fileFormat is the on-disk layout of spec §4.2 / §6.2:
// {"next_memory_id": N, "store": {id -> Record}}.
type fileFormat struct {
	NextMemoryID int64              `json:"next_memory_id"`
	Store        map[string]*Record `json:"store"`
}

// QueryOptions controls query() (spec §4.2).
type QueryOptions struct {
	Keywords          string
	DateRange         *DateRange
	DataTypeFilter    string
	MetadataFilters   map[string]interface{}
	UserIDForFacts    string
	Limit             int
	SortByConfidence  bool
}

// DateRange bounds a query by insertion timestamp, inclusive.
type DateRange struct {
	From time.Time
	To   time.Time
}
