package model

import (
	"fmt"
	"strings"
)

// MergeFieldPolicy decides what happens when both the canonical and the
// duplicate record populate the same field during a merge. The policy is
// explicit configuration; there is no implicit last-write-wins.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type MergeFieldPolicy string

// Merge field policies.
const (
	// MergeFillEmpty copies duplicate values only into empty canonical fields.
	MergeFillEmpty MergeFieldPolicy = "fill_empty"
	// MergePreferCanonical never copies field values from the duplicate.
	MergePreferCanonical MergeFieldPolicy = "prefer_canonical"
	// MergePreferNewest takes the value from whichever record was scraped later.
	MergePreferNewest MergeFieldPolicy = "prefer_newest"
)

// Valid reports whether the merge field policy is a known value.
func (p MergeFieldPolicy) Valid() bool {
	return p == MergeFillEmpty || p == MergePreferCanonical || p == MergePreferNewest
}

// UnmarshalText implements encoding.TextUnmarshaler for MergeFieldPolicy to allow env parsing.
func (p *MergeFieldPolicy) UnmarshalText(text []byte) error {
	v := MergeFieldPolicy(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid MergeFieldPolicy: %q", string(text))
	}
	*p = v
	return nil
}

// MergeOutcome summarises one dedup decision for logging and sub-status counters.
type MergeOutcome struct {
	CanonicalID   string   `json:"canonical_id"`
	DuplicateID   string   `json:"duplicate_id,omitempty"`
	Confidence    float64  `json:"confidence"`
	MatchedFields []string `json:"matched_fields,omitempty"`
	Merged        bool     `json:"merged"`
	Flagged       bool     `json:"flagged"`
}
