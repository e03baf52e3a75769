package digest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SchemaError describes why a document or gateway reply failed validation.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation: %s: %s", e.Field, e.Reason)
}

// ValidateItem enforces the v2 item schema: known kind, non-empty text,
// confidence within [0,1], and a non-empty evidence id.
func ValidateItem(it Item) error {
	if !ValidKind(it.Kind) {
		return &SchemaError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", it.Kind)}
	}
	if strings.TrimSpace(it.Text) == "" {
		return &SchemaError{Field: "text", Reason: "empty"}
	}
	if it.Confidence < 0 || it.Confidence > 1 {
		return &SchemaError{Field: "confidence", Reason: fmt.Sprintf("%v outside [0,1]", it.Confidence)}
	}
	if strings.TrimSpace(it.EvidenceID) == "" {
		return &SchemaError{Field: "evidence_id", Reason: "empty"}
	}
	return nil
}

// ValidateDigest enforces the v2 document schema, including every item.
func ValidateDigest(d Digest) error {
	if d.SchemaVersion != SchemaV2 {
		return &SchemaError{Field: "schema_version", Reason: fmt.Sprintf("expected %s, got %q", SchemaV2, d.SchemaVersion)}
	}
	if d.DigestDate == "" {
		return &SchemaError{Field: "digest_date", Reason: "empty"}
	}
	if d.TraceID == "" {
		return &SchemaError{Field: "trace_id", Reason: "empty"}
	}
	for si, s := range d.Sections {
		if !ValidKind(s.Kind) {
			return &SchemaError{Field: fmt.Sprintf("sections[%d].kind", si), Reason: "unknown"}
		}
		for ii, it := range s.Items {
			if err := ValidateItem(it); err != nil {
				return fmt.Errorf("sections[%d].items[%d]: %w", si, ii, err)
			}
		}
	}
	return nil
}

// legacyItem is the v1 reply shape: "type" instead of "kind", no evidence
// binding required.
type legacyItem struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Verb       string  `json:"verb"`
	Who        string  `json:"who"`
	Due        string  `json:"due"`
	Confidence float64 `json:"confidence"`
}

// ParseItems decodes a gateway reply into v2 items. A v2 payload is an object
// {"items": [...]}; a bare v1 array of legacy items is up-converted with the
// given fallback evidence id. Anything else is a SchemaError.
func ParseItems(raw []byte, fallbackEvidenceID string) ([]Item, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, &SchemaError{Field: "body", Reason: "empty response"}
	}

	if strings.HasPrefix(trimmed, "{") {
		var envelope struct {
			Items []Item `json:"items"`
		}
		if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
			return nil, &SchemaError{Field: "body", Reason: "not valid JSON: " + err.Error()}
		}
		if envelope.Items == nil {
			return nil, &SchemaError{Field: "items", Reason: "missing"}
		}
		for i := range envelope.Items {
			if envelope.Items[i].EvidenceID == "" {
				envelope.Items[i].EvidenceID = fallbackEvidenceID
			}
			if err := ValidateItem(envelope.Items[i]); err != nil {
				return nil, fmt.Errorf("items[%d]: %w", i, err)
			}
		}
		return envelope.Items, nil
	}

	// Legacy v1: bare array with "type" tags.
	var legacy []legacyItem
	if err := json.Unmarshal([]byte(trimmed), &legacy); err != nil {
		return nil, &SchemaError{Field: "body", Reason: "neither v2 object nor v1 array"}
	}
	out := make([]Item, 0, len(legacy))
	for i, li := range legacy {
		it := Item{
			Kind:       Kind(li.Type),
			Text:       li.Text,
			Verb:       li.Verb,
			Who:        li.Who,
			Due:        li.Due,
			Confidence: li.Confidence,
			EvidenceID: fallbackEvidenceID,
		}
		if err := ValidateItem(it); err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		out = append(out, it)
	}
	return out, nil
}

// IsSchemaError reports whether err is (or wraps) a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
