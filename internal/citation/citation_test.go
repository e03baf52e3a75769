package citation

import (
	"errors"
	"strings"
	"testing"

	"github.com/maildrift/inboxdigest/internal/digest"
	"github.com/maildrift/inboxdigest/internal/evidence"
	"github.com/maildrift/inboxdigest/internal/mail"
)

func bodies(id, body string) map[string]mail.NormalizedMessage {
	return map[string]mail.NormalizedMessage{
		id: {
			Message:  mail.Message{MsgID: id},
			TextBody: body,
			Checksum: mail.BodyChecksum(body),
		},
	}
}

func chunkOf(id, body string) evidence.Chunk {
	return evidence.Chunk{EvidenceID: evidence.ID(id, 0, body), MsgID: id, Content: body, EndInBody: len(body)}
}

func TestBuild_ExactMatch(t *testing.T) {
	body := "Иван, пожалуйста согласуйте бюджет Q3 до пятницы."
	b := &Builder{Bodies: bodies("m1", body)}

	c, err := b.Build(chunkOf("m1", body), body)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if c.Start != 0 || c.End != len(body) {
		t.Fatalf("expected full-body span, got [%d:%d]", c.Start, c.End)
	}
	if body[c.Start:c.End] != body {
		t.Fatal("span mismatch")
	}
	if c.Preview != body { // body is shorter than the preview cap
		t.Fatalf("expected preview to be the sentence, got %q", c.Preview)
	}
	if c.Checksum != mail.BodyChecksum(body) {
		t.Fatal("checksum mismatch")
	}
}

func TestBuild_PreviewCapRespectsUTF8(t *testing.T) {
	body := strings.Repeat("я", 300) // 2 bytes each
	b := &Builder{Bodies: bodies("m1", body)}
	c, err := b.Build(chunkOf("m1", body), body)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(c.Preview) > MaxPreviewLen {
		t.Fatalf("preview exceeds cap: %d", len(c.Preview))
	}
	for _, r := range c.Preview {
		if r != 'я' {
			t.Fatalf("preview cut inside a rune: %q", r)
		}
	}
}

func TestBuild_FuzzyWhitespaceFallback(t *testing.T) {
	body := "Please  review \tthe plan."
	var fuzzMsg string
	b := &Builder{
		Bodies:      bodies("m1", body),
		FuzzApplied: func(id string, dist int) { fuzzMsg = id },
	}
	// Item text with collapsed whitespace does not match exactly.
	chunk := chunkOf("m1", body)
	chunk.Content = "Please review the plan."
	c, err := b.Build(chunk, "Please review the plan.")
	if err != nil {
		t.Fatalf("expected fuzzy match, got %v", err)
	}
	if fuzzMsg != "m1" {
		t.Fatal("fuzz hook not called")
	}
	if c.Start != 0 {
		t.Fatalf("expected match at start, got %d", c.Start)
	}
	if c.End != len(body) {
		t.Fatalf("expected the span to cover the raw body, got end %d", c.End)
	}
}

func TestBuild_FuzzyTargetWiderThanBody(t *testing.T) {
	// The item text carries more whitespace than the body; the cited span must
	// still stay inside the body.
	body := "hello world"
	b := &Builder{Bodies: bodies("m1", body)}
	chunk := chunkOf("m1", body)
	chunk.Content = "hello   world"

	c, err := b.Build(chunk, "hello   world")
	if err != nil {
		t.Fatalf("expected fuzzy match, got %v", err)
	}
	if c.Start != 0 || c.End != len(body) {
		t.Fatalf("expected [0:%d], got [%d:%d]", len(body), c.Start, c.End)
	}
	if c.Preview != body {
		t.Fatalf("preview mismatch: %q", c.Preview)
	}
}

func TestBuild_FuzzySpanEndsOnMultibyteRune(t *testing.T) {
	body := "бюджет согласован"
	b := &Builder{Bodies: bodies("m1", body)}
	chunk := chunkOf("m1", body)
	chunk.Content = "бюджет  согласован"

	c, err := b.Build(chunk, chunk.Content)
	if err != nil {
		t.Fatalf("expected fuzzy match, got %v", err)
	}
	if c.End != len(body) {
		t.Fatalf("span must end after the final rune, got %d want %d", c.End, len(body))
	}
	if body[c.Start:c.End] != body {
		t.Fatalf("span mismatch: %q", body[c.Start:c.End])
	}
}

func TestBuild_NotFound(t *testing.T) {
	b := &Builder{Bodies: bodies("m1", "completely different text")}
	chunk := chunkOf("m1", "absent content")
	if _, err := b.Build(chunk, "absent content"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func validItem(t *testing.T, body string) digest.Item {
	t.Helper()
	b := &Builder{Bodies: bodies("m1", body)}
	c, err := b.Build(chunkOf("m1", body), body)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return digest.Item{
		Kind: digest.KindAction, Text: body, Confidence: 0.9,
		EvidenceID: "abcd1234", Citations: []digest.Citation{c},
	}
}

func TestValidate_AllInvariantsHold(t *testing.T) {
	body := "Approve the budget by Friday."
	v := &Validator{Bodies: bodies("m1", body), Mode: Strict}
	if err := v.Validate([]digest.Item{validItem(t, body)}); err != nil {
		t.Fatalf("expected valid citations, got %v", err)
	}
}

func TestValidate_StrictAbortsOnFirst(t *testing.T) {
	body := "Approve the budget by Friday."
	item := validItem(t, body)
	item.Citations[0].End = len(body) + 10
	var failures []string
	v := &Validator{Bodies: bodies("m1", body), Mode: Strict, OnFailure: func(in string) { failures = append(failures, in) }}

	err := v.Validate([]digest.Item{item, validItem(t, body)})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Invariant != "range" {
		t.Fatalf("expected range violation, got %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("strict mode must stop at first failure, saw %d", len(failures))
	}
}

func TestValidate_LaxAccumulates(t *testing.T) {
	body := "Approve the budget by Friday."
	bad1 := validItem(t, body)
	bad1.Citations[0].Preview = "tampered"
	bad2 := validItem(t, body)
	bad2.Citations[0].Checksum = "deadbeef"
	var failures []string
	v := &Validator{Bodies: bodies("m1", body), Mode: Lax, OnFailure: func(in string) { failures = append(failures, in) }}

	err := v.Validate([]digest.Item{bad1, bad2})
	if err == nil {
		t.Fatal("expected accumulated error")
	}
	if len(failures) != 2 {
		t.Fatalf("lax mode must report every failure, saw %v", failures)
	}
}

func TestValidate_ChecksumDetectsMutation(t *testing.T) {
	body := "Approve the budget by Friday."
	item := validItem(t, body)
	mutated := bodies("m1", body+" [edited]")
	// Re-point the validator at a mutated body; start/end still in range.
	v := &Validator{Bodies: mutated, Mode: Strict}
	err := v.Validate([]digest.Item{item})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ve.Invariant != "preview" && ve.Invariant != "checksum" {
		t.Fatalf("expected preview or checksum violation, got %s", ve.Invariant)
	}
}
