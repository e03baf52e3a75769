// Package citation turns extracted items back into exact substring-level
// provenance and proves the five invariants: span in range, start < end,
// preview equality, checksum equality, and content locatability.
package citation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/maildrift/inboxdigest/internal/digest"
	"github.com/maildrift/inboxdigest/internal/evidence"
	"github.com/maildrift/inboxdigest/internal/mail"
)

// MaxPreviewLen caps the preview carried in a citation.
const MaxPreviewLen = 200

// ErrNotFound reports that the cited content could not be located in the
// normalized body, even with fuzzy matching.
var ErrNotFound = errors.New("cited content not found in body")

// ValidationError describes one failed invariant.
type ValidationError struct {
	MsgID     string
	Invariant string // range | order | preview | checksum | not_found
	Detail    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("citation %s invariant failed for %s: %s", e.Invariant, e.MsgID, e.Detail)
}

// Builder constructs and verifies citations against the read-only normalized
// body map built by the cleaning stage.
type Builder struct {
	// Bodies maps msg_id to its normalized message. Written once before
	// citation building starts, read-only after.
	Bodies map[string]mail.NormalizedMessage
	// FuzzApplied is called with the fuzz distance whenever whitespace-
	// collapsed fallback matching located the content; nil disables the hook.
	FuzzApplied func(msgID string, distance int)
}

// Build produces a citation for an item's evidence chunk. Exact substring
// location is attempted first; on failure a whitespace-collapsed fuzzy match
// runs before giving up with ErrNotFound.
func (b *Builder) Build(chunk evidence.Chunk, itemText string) (digest.Citation, error) {
	nm, ok := b.Bodies[chunk.MsgID]
	if !ok {
		return digest.Citation{}, fmt.Errorf("%w: unknown msg %s", ErrNotFound, chunk.MsgID)
	}
	body := nm.TextBody

	// Prefer citing the item's own sentence within the chunk; fall back to
	// the chunk content.
	target := strings.TrimSpace(itemText)
	if target == "" || !strings.Contains(body, target) {
		target = chunk.Content
	}

	start := strings.Index(body, target)
	end := start + len(target)
	if start < 0 {
		var dist int
		start, end, dist = fuzzyLocate(body, target)
		if start < 0 {
			return digest.Citation{}, fmt.Errorf("%w: msg %s", ErrNotFound, chunk.MsgID)
		}
		if b.FuzzApplied != nil {
			b.FuzzApplied(chunk.MsgID, dist)
		}
	}

	return digest.Citation{
		MsgID:    chunk.MsgID,
		Start:    start,
		End:      end,
		Preview:  previewOf(body, start, end),
		Checksum: nm.Checksum,
	}, nil
}

// previewOf is the canonical preview derivation shared by builder and
// validator: the cited span capped at MaxPreviewLen bytes, never cutting a
// UTF-8 sequence in half.
func previewOf(body string, start, end int) string {
	previewEnd := end
	if previewEnd > start+MaxPreviewLen {
		previewEnd = start + MaxPreviewLen
		for previewEnd > start && previewEnd < len(body) && !utf8Start(body[previewEnd]) {
			previewEnd--
		}
	}
	return body[start:previewEnd]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// fuzzyLocate finds target in body ignoring whitespace runs. It returns the
// byte span of the match in body and the fuzz distance (number of bytes by
// which the raw target and the matched span differ), or (-1, 0, 0). The span
// end comes from the collapse index map, never from the raw target length:
// the target may carry more whitespace than the body it matched.
func fuzzyLocate(body, target string) (int, int, int) {
	cBody, bodyMap := collapse(body)
	cTarget, _ := collapse(target)
	if cTarget == "" {
		return -1, 0, 0
	}
	idx := strings.Index(cBody, cTarget)
	if idx < 0 {
		return -1, 0, 0
	}
	start := bodyMap[idx]
	// The last collapsed byte maps to the start of its original rune; the
	// span extends past that rune.
	last := bodyMap[idx+len(cTarget)-1]
	_, width := utf8.DecodeRuneInString(body[last:])
	end := last + width

	span := body[start:end]
	n := len(target)
	if len(span) < n {
		n = len(span)
	}
	dist := (len(target) - n) + (len(span) - n)
	for i := 0; i < n; i++ {
		if span[i] != target[i] {
			dist++
		}
	}
	return start, end, dist
}

// collapse removes whitespace runs, returning the collapsed string and a map
// from collapsed index to original index.
func collapse(s string) (string, []int) {
	var b strings.Builder
	idx := make([]int, 0, len(s))
	for i, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
		for range []byte(string(r)) {
			idx = append(idx, i)
		}
	}
	return b.String(), idx
}

// Mode selects validator behavior on invariant failure.
type Mode int

const (
	// Lax accumulates all violations and reports them together.
	Lax Mode = iota
	// Strict aborts on the first violation.
	Strict
)

// Validator re-proves the invariants of already-built citations.
type Validator struct {
	Bodies map[string]mail.NormalizedMessage
	Mode   Mode
	// OnFailure receives the invariant name for metrics; nil disables.
	OnFailure func(invariant string)
}

// Validate checks every citation on every item. In strict mode the first
// violation is returned immediately; in lax mode all violations are joined.
func (v *Validator) Validate(items []digest.Item) error {
	var errs []error
	report := func(ve *ValidationError) error {
		if v.OnFailure != nil {
			v.OnFailure(ve.Invariant)
		}
		if v.Mode == Strict {
			return ve
		}
		errs = append(errs, ve)
		return nil
	}

	for _, it := range items {
		for _, c := range it.Citations {
			nm, ok := v.Bodies[c.MsgID]
			if !ok {
				if err := report(&ValidationError{MsgID: c.MsgID, Invariant: "not_found", Detail: "unknown message"}); err != nil {
					return err
				}
				continue
			}
			body := nm.TextBody
			if c.Start < 0 || c.End > len(body) {
				if err := report(&ValidationError{MsgID: c.MsgID, Invariant: "range", Detail: fmt.Sprintf("[%d:%d] outside body of %d bytes", c.Start, c.End, len(body))}); err != nil {
					return err
				}
				continue
			}
			if c.Start >= c.End {
				if err := report(&ValidationError{MsgID: c.MsgID, Invariant: "order", Detail: fmt.Sprintf("start %d >= end %d", c.Start, c.End)}); err != nil {
					return err
				}
				continue
			}
			if c.Preview != previewOf(body, c.Start, c.End) {
				if err := report(&ValidationError{MsgID: c.MsgID, Invariant: "preview", Detail: "preview does not match cited span"}); err != nil {
					return err
				}
				continue
			}
			if c.Checksum != nm.Checksum {
				if err := report(&ValidationError{MsgID: c.MsgID, Invariant: "checksum", Detail: "body mutated after citation build"}); err != nil {
					return err
				}
			}
		}
	}
	return errors.Join(errs...)
}
