package mail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Message is a single mailbox item as delivered by a Source. The transport
// that produced it (EWS, IMAP, fixtures) is opaque to the pipeline.
type Message struct {
	MsgID           string    `json:"msg_id"`
	ConversationID  string    `json:"conversation_id"`
	ReceivedAt      time.Time `json:"received_at"`
	Sender          string    `json:"sender"`
	To              []string  `json:"to"`
	CC              []string  `json:"cc"`
	Subject         string    `json:"subject"`
	RawBody         string    `json:"raw_body"`
	HasAttachments  bool      `json:"has_attachments"`
	IsAutoSubmitted bool      `json:"is_auto_submitted"`
	ChangeKey       string    `json:"changekey"`
}

// SpanType labels a region removed by the body cleaner.
type SpanType string

const (
	SpanQuoted       SpanType = "quoted"
	SpanSignature    SpanType = "signature"
	SpanDisclaimer   SpanType = "disclaimer"
	SpanAutoResponse SpanType = "auto_response"
)

// RemovedSpan records one region the cleaner dropped, in pre-cleaning
// coordinates of the normalized (but not yet cleaned) text.
type RemovedSpan struct {
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Type       SpanType `json:"type"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
}

// NormalizedMessage is a Message after HTML normalization and body cleaning.
// TextBody is the final coordinate system for all downstream offsets, and
// Checksum seals it: a citation carrying the same checksum proves the body
// was not mutated after the citation was built.
type NormalizedMessage struct {
	Message
	TextBody     string        `json:"text_body"`
	RemovedSpans []RemovedSpan `json:"removed_spans,omitempty"`
	Checksum     string        `json:"checksum"`
}

// BodyChecksum computes the hex SHA-256 of a cleaned text body.
func BodyChecksum(textBody string) string {
	h := sha256.Sum256([]byte(textBody))
	return hex.EncodeToString(h[:])
}

// ErrPermanent marks fetcher failures that retrying cannot fix
// (authentication, malformed requests). Wrap with fmt.Errorf("...: %w", ...).
var ErrPermanent = errors.New("permanent source error")

// FetchResult is one incremental page from a Source.
type FetchResult struct {
	Messages  []Message
	NextToken string
	// Done reports that the source has no further pages for this sync.
	Done bool
}

// Source yields mailbox items for a user. Implementations support incremental
// sync via an opaque watermark token and a bounded full sweep. Errors not
// wrapping ErrPermanent are treated as retryable by the controller.
type Source interface {
	// Fetch returns messages received at or after since. A non-empty token
	// resumes a previous incremental sync.
	Fetch(ctx context.Context, since time.Time, token string) (FetchResult, error)
	// Sweep returns every message in the window, ignoring any watermark.
	Sweep(ctx context.Context, window time.Duration) ([]Message, error)
}

// IsRetryable reports whether a Source error may be retried.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrPermanent)
}
