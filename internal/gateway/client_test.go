package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/maildrift/inboxdigest/internal/budget"
	"github.com/maildrift/inboxdigest/internal/evidence"
)

// scriptedChat replays canned responses in order.
type scriptedChat struct {
	replies  []string
	errs     []error
	usage    []openai.Usage
	requests []openai.ChatCompletionRequest
}

func (s *scriptedChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return openai.ChatCompletionResponse{}, s.errs[i]
	}
	var u openai.Usage
	if i < len(s.usage) {
		u = s.usage[i]
	}
	reply := s.replies[len(s.replies)-1]
	if i < len(s.replies) {
		reply = s.replies[i]
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: reply}}},
		Usage:   u,
	}, nil
}

func testChunks() []evidence.Chunk {
	body := "Please approve the Q3 budget by Friday."
	return []evidence.Chunk{{
		EvidenceID: evidence.ID("m1", 0, body),
		MsgID:      "m1",
		ChunkIndex: 0,
		Content:    body,
		EndInBody:  len(body),
		TokenCount: budget.EstimateTokens(body),
	}}
}

const validReplyV2 = `{"items":[{"kind":"action","text":"Approve the Q3 budget","verb":"approve","who":"you","due":"2026-08-28","confidence":0.9,"evidence_id":"e1"}]}`

func newTestClient(chat ChatClient, tracker *budget.Tracker) *Client {
	return NewWithChatClient(Config{Model: "test-model", MaxRetries: 1}, chat, tracker, nil)
}

func TestExtractItems_ValidFirstReply(t *testing.T) {
	chat := &scriptedChat{replies: []string{validReplyV2}}
	c := newTestClient(chat, nil)

	items, err := c.ExtractItems(context.Background(), Request{Chunks: testChunks(), DigestDate: "2026-08-24"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(items) != 1 || items[0].Kind != "action" {
		t.Fatalf("unexpected items: %+v", items)
	}
	if len(chat.requests) != 1 {
		t.Fatalf("expected a single call, saw %d", len(chat.requests))
	}
	if chat.requests[0].Temperature != 0.0 || chat.requests[0].N != 1 {
		t.Fatal("request must be deterministic: temperature 0, n 1")
	}
}

func TestExtractItems_CorrectiveRetryAfterInvalidJSON(t *testing.T) {
	chat := &scriptedChat{
		replies: []string{"Sure! Here are the items you asked for.", validReplyV2},
		usage: []openai.Usage{
			{PromptTokens: 100, CompletionTokens: 10},
			{PromptTokens: 130, CompletionTokens: 40},
		},
	}
	tracker := &budget.Tracker{MaxTokens: 100000}
	c := newTestClient(chat, tracker)

	items, err := c.ExtractItems(context.Background(), Request{Chunks: testChunks(), DigestDate: "2026-08-24"})
	if err != nil {
		t.Fatalf("expected corrective retry to recover, got %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("unexpected items: %+v", items)
	}
	if len(chat.requests) != 2 {
		t.Fatalf("expected 2 calls, saw %d", len(chat.requests))
	}
	// The corrective call carries the failed reply plus the correction.
	second := chat.requests[1].Messages
	if len(second) != 4 {
		t.Fatalf("corrective call must append assistant reply and correction, got %d messages", len(second))
	}
	if second[2].Role != openai.ChatMessageRoleAssistant {
		t.Fatalf("expected assistant echo, got role %s", second[2].Role)
	}
	if !strings.Contains(second[3].Content, "strict JSON") {
		t.Fatal("corrective message missing")
	}
	// Both attempts are billed.
	if got := tracker.Spent(); got != 230 {
		t.Fatalf("expected both attempts counted (230 tokens), got %d", got)
	}
}

func TestExtractItems_SecondInvalidReplyFails(t *testing.T) {
	chat := &scriptedChat{replies: []string{"not json", "still not json"}}
	c := newTestClient(chat, nil)

	_, err := c.ExtractItems(context.Background(), Request{Chunks: testChunks()})
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("expected ErrSchema after failed correction, got %v", err)
	}
	if len(chat.requests) != 2 {
		t.Fatalf("exactly one corrective retry allowed, saw %d calls", len(chat.requests))
	}
}

func TestExtractItems_RetriesOn429(t *testing.T) {
	chat := &scriptedChat{
		errs:    []error{&openai.APIError{HTTPStatusCode: 429, Message: "rate limited"}},
		replies: []string{"", validReplyV2},
	}
	c := newTestClient(chat, nil)
	c.cfg.Timeout = 2 * time.Second

	items, err := c.ExtractItems(context.Background(), Request{Chunks: testChunks()})
	if err != nil {
		t.Fatalf("expected retry to recover from 429, got %v", err)
	}
	if len(items) != 1 || len(chat.requests) != 2 {
		t.Fatalf("expected one retry, saw %d calls", len(chat.requests))
	}
}

func TestExtractItems_AuthFailureIsPermanent(t *testing.T) {
	chat := &scriptedChat{
		errs:    []error{&openai.APIError{HTTPStatusCode: 401, Message: "bad key"}},
		replies: []string{""},
	}
	c := newTestClient(chat, nil)

	_, err := c.ExtractItems(context.Background(), Request{Chunks: testChunks()})
	if err == nil {
		t.Fatal("expected auth failure to surface")
	}
	if len(chat.requests) != 1 {
		t.Fatalf("401 must not be retried, saw %d calls", len(chat.requests))
	}
}

func TestExtractItems_BudgetRefusal(t *testing.T) {
	chat := &scriptedChat{replies: []string{validReplyV2}}
	c := newTestClient(chat, &budget.Tracker{MaxTokens: 5})

	_, err := c.ExtractItems(context.Background(), Request{Chunks: testChunks()})
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if len(chat.requests) != 0 {
		t.Fatal("budget refusal must happen before any call")
	}
}

func TestExtractItems_RedactionTamperRejected(t *testing.T) {
	chunks := testChunks()
	chunks[0].Content = "Card [[REDACT:CARD]] must be blocked today."
	tampered := `{"items":[{"kind":"action","text":"Block card 4111 1111 1111 1111","confidence":0.9,"evidence_id":"e1"}]}`
	chat := &scriptedChat{replies: []string{tampered, tampered}}
	c := newTestClient(chat, nil)

	_, err := c.ExtractItems(context.Background(), Request{Chunks: chunks})
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("expected dropped masking tokens to fail validation, got %v", err)
	}
}

func TestExtractItems_RedactionPreserved(t *testing.T) {
	chunks := testChunks()
	chunks[0].Content = "Card [[REDACT:CARD]] must be blocked today."
	ok := `{"items":[{"kind":"action","text":"Block card [[REDACT:CARD]]","confidence":0.9,"evidence_id":"e1"}]}`
	chat := &scriptedChat{replies: []string{ok}}
	c := newTestClient(chat, nil)

	items, err := c.ExtractItems(context.Background(), Request{Chunks: chunks})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(items[0].Text, "[[REDACT:CARD]]") {
		t.Fatal("masking token must survive the round trip")
	}
}

func TestExtractItems_CacheShortCircuits(t *testing.T) {
	dir := t.TempDir()
	chat := &scriptedChat{replies: []string{validReplyV2}}
	c := NewWithChatClient(Config{Model: "test-model", CacheDir: dir, MaxRetries: 1}, chat, nil, nil)

	req := Request{Chunks: testChunks(), DigestDate: "2026-08-24"}
	if _, err := c.ExtractItems(context.Background(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := c.ExtractItems(context.Background(), req); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if len(chat.requests) != 1 {
		t.Fatalf("second call must be served from cache, saw %d backend calls", len(chat.requests))
	}
}

func TestExtractItems_FencedJSONTolerated(t *testing.T) {
	chat := &scriptedChat{replies: []string{"```json\n" + validReplyV2 + "\n```"}}
	c := newTestClient(chat, nil)

	items, err := c.ExtractItems(context.Background(), Request{Chunks: testChunks()})
	if err != nil {
		t.Fatalf("fenced but valid JSON should parse without a corrective call: %v", err)
	}
	if len(items) != 1 || len(chat.requests) != 1 {
		t.Fatalf("expected single call, saw %d", len(chat.requests))
	}
}

func TestExtractItems_EmptyChunks(t *testing.T) {
	chat := &scriptedChat{replies: []string{validReplyV2}}
	c := newTestClient(chat, nil)
	items, err := c.ExtractItems(context.Background(), Request{})
	if err != nil || items != nil {
		t.Fatalf("empty evidence must be a no-op, got %v %v", items, err)
	}
}
