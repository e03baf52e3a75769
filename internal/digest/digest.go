// Package digest defines the item and document types shared by the
// extraction, citation, ranking, and assembly stages.
package digest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SchemaVersion identifies the current write schema. Version 1 documents are
// accepted on the read path only and up-converted.
const (
	SchemaV1 = "v1"
	SchemaV2 = "v2"
)

// Kind tags the item union. Each kind carries the same field set but
// different population rules (e.g. only deadline-ish kinds carry Due).
type Kind string

const (
	KindAction   Kind = "action"
	KindQuestion Kind = "question"
	KindMention  Kind = "mention"
	KindDeadline Kind = "deadline"
	KindRisk     Kind = "risk"
	KindFYI      Kind = "fyi"
)

// ValidKind reports whether k is one of the schema kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindAction, KindQuestion, KindMention, KindDeadline, KindRisk, KindFYI:
		return true
	}
	return false
}

// SectionOrder is the fixed rendering order of kinds in the assembled digest.
var SectionOrder = []Kind{KindAction, KindQuestion, KindDeadline, KindMention, KindRisk, KindFYI}

// Citation proves an item's substring-level origin.
// Invariants: 0 <= Start < End <= len(text_body); text_body[Start:End] equals
// Preview; Checksum equals the normalized body checksum.
type Citation struct {
	MsgID    string `json:"msg_id"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Preview  string `json:"preview"`
	Checksum string `json:"checksum"`
}

// Item is one extracted, cited, and ranked unit of the digest.
// RankScore is nil until the ranker runs and stays nil when ranking is
// disabled.
type Item struct {
	Kind       Kind       `json:"kind"`
	Text       string     `json:"text"`
	Verb       string     `json:"verb,omitempty"`
	Who        string     `json:"who,omitempty"`
	Due        string     `json:"due,omitempty"` // YYYY-MM-DD
	Confidence float64    `json:"confidence"`
	EvidenceID string     `json:"evidence_id"`
	Citations  []Citation `json:"citations,omitempty"`
	RankScore  *float64   `json:"rank_score,omitempty"`
}

// Section groups items of one kind in the assembled document.
type Section struct {
	Kind  Kind   `json:"kind"`
	Items []Item `json:"items"`
}

// Digest is the canonical structured output, produced once per
// (user_id, digest_date).
type Digest struct {
	SchemaVersion string    `json:"schema_version"`
	DigestDate    string    `json:"digest_date"` // YYYY-MM-DD
	TraceID       string    `json:"trace_id"`
	Sections      []Section `json:"sections"`
}

// CanonicalJSON renders v as deterministic UTF-8 JSON: object keys sorted,
// two-space indentation, no trailing whitespace, trailing newline. Two equal
// values always produce byte-identical output.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	// Round-trip through interface{} so maps dominate ordering: encoding/json
	// sorts map keys on output.
	var tree any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}
