// Package evidence splits cleaned message bodies into token-bounded chunks
// with stable identifiers. Chunks are the unit of provenance: every extracted
// item cites back into a chunk, and the chunk content is by construction an
// exact substring of the cleaned body.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/maildrift/inboxdigest/internal/budget"
	"github.com/maildrift/inboxdigest/internal/mail"
)

const (
	// TargetChunkTokens is the soft upper bound for a chunk.
	TargetChunkTokens = 512
	// MinChunkTokens is the soft lower bound; smaller trailing chunks are
	// merged into their predecessor when possible.
	MinChunkTokens = 256
	// MaxChunksPerMessage hard-caps chunks emitted for one message.
	MaxChunksPerMessage = 12
	// DefaultCallBudgetTokens caps the evidence tokens packed into one
	// gateway call across the selected set.
	DefaultCallBudgetTokens = 3000
)

// Meta carries message context forward with a chunk.
type Meta struct {
	Sender         string    `json:"sender"`
	To             []string  `json:"to"`
	CC             []string  `json:"cc"`
	Subject        string    `json:"subject"`
	HasAttachments bool      `json:"has_attachments"`
	ReceivedAt     string    `json:"received_at"`
}

// Chunk is a contiguous substring of a cleaned body.
// Invariant: text_body[StartInBody:EndInBody] == Content.
type Chunk struct {
	EvidenceID  string `json:"evidence_id"`
	MsgID       string `json:"msg_id"`
	ChunkIndex  int    `json:"chunk_index"`
	Content     string `json:"content"`
	StartInBody int    `json:"start_in_body"`
	EndInBody   int    `json:"end_in_body"`
	TokenCount  int    `json:"token_count"`
	Metadata    Meta   `json:"metadata"`
}

// ID derives the stable chunk identifier: the first 8 bytes of
// SHA256(msg_id ":" chunk_index ":" content), hex-encoded. Identical inputs
// produce identical ids across reruns.
func ID(msgID string, chunkIndex int, content string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", msgID, chunkIndex, content)))
	return hex.EncodeToString(h[:8])
}

// Split cuts a cleaned body into chunks. Paragraphs are the primary unit; any
// paragraph exceeding TargetChunkTokens is re-split on sentence boundaries.
// Adjacent small pieces are packed together up to the target, and the result
// is capped at MaxChunksPerMessage.
func Split(m mail.NormalizedMessage) []Chunk {
	body := m.TextBody
	if strings.TrimSpace(body) == "" {
		return nil
	}
	pieces := splitPieces(body)
	packed := pack(body, pieces)
	if len(packed) > MaxChunksPerMessage {
		packed = packed[:MaxChunksPerMessage]
	}

	meta := Meta{
		Sender:         m.Sender,
		To:             m.To,
		CC:             m.CC,
		Subject:        m.Subject,
		HasAttachments: m.HasAttachments,
		ReceivedAt:     m.ReceivedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	out := make([]Chunk, 0, len(packed))
	for i, p := range packed {
		content := body[p.start:p.end]
		out = append(out, Chunk{
			EvidenceID:  ID(m.MsgID, i, content),
			MsgID:       m.MsgID,
			ChunkIndex:  i,
			Content:     content,
			StartInBody: p.start,
			EndInBody:   p.end,
			TokenCount:  budget.EstimateTokens(content),
			Metadata:    meta,
		})
	}
	return out
}

type piece struct{ start, end int }

// splitPieces yields paragraph extents, re-splitting oversized paragraphs on
// sentence boundaries so no piece exceeds the target alone.
func splitPieces(body string) []piece {
	var out []piece
	parStart := -1
	flush := func(end int) {
		if parStart < 0 {
			return
		}
		p := piece{start: parStart, end: end}
		if budget.EstimateTokensFromChars(p.end-p.start) > TargetChunkTokens {
			out = append(out, splitSentences(body, p)...)
		} else {
			out = append(out, p)
		}
		parStart = -1
	}
	lineStart := 0
	lastNonBlankEnd := 0
	for i := 0; i <= len(body); i++ {
		if i != len(body) && body[i] != '\n' {
			continue
		}
		line := body[lineStart:i]
		if strings.TrimSpace(line) == "" {
			flush(lastNonBlankEnd)
		} else {
			if parStart < 0 {
				parStart = lineStart
			}
			lastNonBlankEnd = i
		}
		lineStart = i + 1
	}
	flush(lastNonBlankEnd)
	return out
}

// splitSentences cuts an oversized paragraph at sentence terminators, keeping
// each resulting piece within the target where possible.
func splitSentences(body string, p piece) []piece {
	var out []piece
	start := p.start
	limitChars := TargetChunkTokens * 4
	for i := p.start; i < p.end; i++ {
		c := body[i]
		terminal := c == '.' || c == '!' || c == '?'
		if !terminal && i-start < limitChars {
			continue
		}
		// Cut after the terminator run (handles "..." and "?!").
		end := i + 1
		for end < p.end && (body[end] == '.' || body[end] == '!' || body[end] == '?') {
			end++
		}
		if end-start >= limitChars || terminal && budget.EstimateTokensFromChars(end-start) >= MinChunkTokens {
			out = append(out, piece{start: start, end: end})
			// Skip whitespace so the next piece starts on content.
			for end < p.end && (body[end] == ' ' || body[end] == '\n') {
				end++
			}
			start = end
			i = end - 1
		}
	}
	if start < p.end {
		out = append(out, piece{start: start, end: p.end})
	}
	return out
}

// pack merges consecutive pieces into chunks no larger than the target.
func pack(body string, pieces []piece) []piece {
	var out []piece
	for _, p := range pieces {
		if len(out) > 0 {
			last := &out[len(out)-1]
			mergedTokens := budget.EstimateTokensFromChars(p.end - last.start)
			if mergedTokens <= TargetChunkTokens {
				last.end = p.end
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// Scorer rates a chunk's likely relevance; higher keeps the chunk longer
// under budget pressure. The extractor supplies a cheap rule-based scorer.
type Scorer func(content string) float64

// SelectWithinBudget keeps the highest-scoring chunks whose combined token
// count fits maxTokens, preserving the original deterministic order of the
// survivors. maxTokens <= 0 applies DefaultCallBudgetTokens.
func SelectWithinBudget(chunks []Chunk, maxTokens int, score Scorer) []Chunk {
	if maxTokens <= 0 {
		maxTokens = DefaultCallBudgetTokens
	}
	total := 0
	for _, c := range chunks {
		total += c.TokenCount
	}
	if total <= maxTokens {
		return chunks
	}

	type scored struct {
		idx   int
		score float64
	}
	order := make([]scored, len(chunks))
	for i, c := range chunks {
		s := 0.0
		if score != nil {
			s = score(c.Content)
		}
		order[i] = scored{idx: i, score: s}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		// Deterministic tie-break on evidence id byte order.
		return chunks[order[i].idx].EvidenceID < chunks[order[j].idx].EvidenceID
	})

	keep := make(map[int]bool, len(chunks))
	used := 0
	for _, s := range order {
		tc := chunks[s.idx].TokenCount
		if used+tc > maxTokens {
			continue
		}
		keep[s.idx] = true
		used += tc
	}
	out := make([]Chunk, 0, len(keep))
	for i, c := range chunks {
		if keep[i] {
			out = append(out, c)
		}
	}
	return out
}
