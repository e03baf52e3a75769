// Package cleaner removes quoted replies, signatures, disclaimers, and
// auto-responses from normalized message bodies. It is the last transformation
// before citations are built: every downstream offset points into the cleaned
// text, and the removed-span log keeps the audit trail in pre-cleaning
// coordinates.
package cleaner

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/maildrift/inboxdigest/internal/mail"
)

// DefaultMaxQuoteRemovalLength refuses removal of any single block longer
// than this, as a guard against deleting the entire message.
const DefaultMaxQuoteRemovalLength = 10_000

// Config controls cleaning policy. The zero value disables nothing and tracks
// spans; call Normalize style defaults via New.
type Config struct {
	Enabled               bool
	KeepTopQuoteHead      bool
	MaxTopQuoteParagraphs int
	MaxTopQuoteLines      int
	MaxQuoteRemovalLength int
	WhitelistPatterns     []string
	BlacklistPatterns     []string
	TrackRemovedSpans     bool
}

// Result is the cleaning output contract: the cleaned text plus the ordered
// removed spans in pre-cleaning coordinates.
type Result struct {
	CleanedText  string
	RemovedSpans []mail.RemovedSpan
}

// Cleaner applies the pattern families under the configured policies. Compile
// once per run and reuse across messages; Clean is safe for concurrent use.
type Cleaner struct {
	cfg       Config
	whitelist []*regexp.Regexp
	blacklist []*regexp.Regexp
	// patternErrors counts malformed user-supplied patterns skipped at build.
	patternErrors int
}

// New compiles user-supplied whitelist/blacklist patterns. Malformed entries
// are counted and skipped; the cleaner still works with the remainder.
func New(cfg Config) *Cleaner {
	if cfg.MaxQuoteRemovalLength <= 0 {
		cfg.MaxQuoteRemovalLength = DefaultMaxQuoteRemovalLength
	}
	c := &Cleaner{cfg: cfg}
	c.whitelist = append(c.whitelist, defaultWhitelist...)
	for _, p := range cfg.WhitelistPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			c.patternErrors++
			log.Warn().Str("pattern", p).Err(err).Msg("skipping malformed whitelist pattern")
			continue
		}
		c.whitelist = append(c.whitelist, re)
	}
	for _, p := range cfg.BlacklistPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			c.patternErrors++
			log.Warn().Str("pattern", p).Err(err).Msg("skipping malformed blacklist pattern")
			continue
		}
		c.blacklist = append(c.blacklist, re)
	}
	return c
}

// PatternErrors reports how many user patterns failed to compile.
func (c *Cleaner) PatternErrors() int { return c.patternErrors }

// span is an internal removal candidate in pre-clean coordinates.
type span struct {
	start, end int
	typ        mail.SpanType
	confidence float64
}

// Clean removes noise blocks from text and returns the cleaned body plus the
// removed-span log. When cleaning is disabled the text passes through with no
// spans recorded.
func (c *Cleaner) Clean(text string) Result {
	if !c.cfg.Enabled || text == "" {
		return Result{CleanedText: text}
	}
	lines := splitLines(text)

	var candidates []span
	candidates = append(candidates, c.findQuotedRuns(text, lines)...)
	candidates = append(candidates, c.findMarkerBlocks(text, lines)...)
	candidates = append(candidates, c.findParagraphBlocks(text, lines)...)
	candidates = append(candidates, c.findBlacklisted(text, lines)...)

	accepted := make([]span, 0, len(candidates))
	for _, cand := range candidates {
		block := text[cand.start:cand.end]
		if cand.confidence < 1.0 { // blacklist removals are not vetoable
			if cand.end-cand.start > c.cfg.MaxQuoteRemovalLength {
				log.Debug().Int("len", cand.end-cand.start).Str("type", string(cand.typ)).
					Msg("refusing oversized removal")
				continue
			}
			if c.vetoed(block) {
				continue
			}
		}
		accepted = append(accepted, cand)
	}
	accepted = mergeSpans(accepted)
	accepted = c.applyTopQuoteHead(text, accepted)

	cleaned, removed := cutSpans(text, accepted, c.cfg.TrackRemovedSpans)
	return Result{CleanedText: tidy(cleaned), RemovedSpans: removed}
}

// line carries a body line with its byte offsets (end excludes the newline).
type line struct {
	start, end int
	text       string
}

func splitLines(text string) []line {
	var out []line
	start := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == '\n' {
			out = append(out, line{start: start, end: i, text: text[start:i]})
			start = i + 1
		}
	}
	return out
}

// findQuotedRuns collects maximal runs of '>'-prefixed lines.
func (c *Cleaner) findQuotedRuns(text string, lines []line) []span {
	var out []span
	i := 0
	for i < len(lines) {
		if !strings.HasPrefix(strings.TrimSpace(lines[i].text), ">") {
			i++
			continue
		}
		j := i
		for j < len(lines) {
			t := strings.TrimSpace(lines[j].text)
			// Blank lines inside a quote run stay part of the run.
			if t != "" && !strings.HasPrefix(t, ">") {
				break
			}
			j++
		}
		// Trim trailing blanks off the run.
		k := j
		for k > i && strings.TrimSpace(lines[k-1].text) == "" {
			k--
		}
		out = append(out, span{start: lines[i].start, end: lines[k-1].end, typ: mail.SpanQuoted, confidence: 0.95})
		i = j
	}
	return out
}

// findMarkerBlocks scans for reply headers, signature separators, and
// auto-response openers; each opens a block running to the end of the body.
func (c *Cleaner) findMarkerBlocks(text string, lines []line) []span {
	var out []span
	families := [][]linePattern{quoteMarkerPatterns, signaturePatterns, autoResponsePatterns}
	for idx, ln := range lines {
		t := strings.TrimSpace(ln.text)
		if t == "" {
			continue
		}
		for _, family := range families {
			for _, p := range family {
				if !p.re.MatchString(t) {
					continue
				}
				// A "From:"-style header at the very top is the message's own
				// header rendering, not a quote.
				if p.span == mail.SpanQuoted && idx == 0 {
					continue
				}
				end := lines[len(lines)-1].end
				if !p.toEnd {
					end = ln.end
				}
				out = append(out, span{start: ln.start, end: end, typ: p.span, confidence: p.confidence})
			}
		}
	}
	return out
}

// findParagraphBlocks matches disclaimer patterns and removes the enclosing
// paragraph.
func (c *Cleaner) findParagraphBlocks(text string, lines []line) []span {
	var out []span
	paras := paragraphs(lines)
	for _, pr := range paras {
		content := text[pr.start:pr.end]
		for _, p := range disclaimerPatterns {
			if p.re.MatchString(content) {
				out = append(out, span{start: pr.start, end: pr.end, typ: p.span, confidence: p.confidence})
				break
			}
		}
	}
	return out
}

// findBlacklisted force-removes any paragraph matching a user blacklist
// pattern, regardless of whitelist or size policy.
func (c *Cleaner) findBlacklisted(text string, lines []line) []span {
	if len(c.blacklist) == 0 {
		return nil
	}
	var out []span
	for _, pr := range paragraphs(lines) {
		content := text[pr.start:pr.end]
		for _, re := range c.blacklist {
			if re.MatchString(content) {
				out = append(out, span{start: pr.start, end: pr.end, typ: mail.SpanDisclaimer, confidence: 1.0})
				break
			}
		}
	}
	return out
}

type para struct{ start, end int }

func paragraphs(lines []line) []para {
	var out []para
	open := -1
	var end int
	for _, ln := range lines {
		if strings.TrimSpace(ln.text) == "" {
			if open >= 0 {
				out = append(out, para{start: open, end: end})
				open = -1
			}
			continue
		}
		if open < 0 {
			open = ln.start
		}
		end = ln.end
	}
	if open >= 0 {
		out = append(out, para{start: open, end: end})
	}
	return out
}

func (c *Cleaner) vetoed(block string) bool {
	for _, re := range c.whitelist {
		if re.MatchString(block) {
			return true
		}
	}
	return false
}

// applyTopQuoteHead retains the head of the outermost quoted block when
// configured, shrinking that span so the first paragraphs (or lines) survive.
func (c *Cleaner) applyTopQuoteHead(text string, spans []span) []span {
	if !c.cfg.KeepTopQuoteHead {
		return spans
	}
	for i, s := range spans {
		if s.typ != mail.SpanQuoted {
			continue
		}
		keepEnd := headEnd(text[s.start:s.end], c.cfg.MaxTopQuoteParagraphs, c.cfg.MaxTopQuoteLines)
		if keepEnd <= 0 {
			break
		}
		newStart := s.start + keepEnd
		if newStart >= s.end {
			// Entire quote fits in the head; drop the removal.
			spans = append(spans[:i], spans[i+1:]...)
		} else {
			spans[i].start = newStart
		}
		break // only the outermost quote
	}
	return spans
}

// headEnd returns the byte length of the first maxParas paragraphs (or
// maxLines lines, whichever cap triggers first) of block.
func headEnd(block string, maxParas, maxLines int) int {
	if maxParas <= 0 && maxLines <= 0 {
		return 0
	}
	lines := strings.Split(block, "\n")
	paraCount := 0
	lineCount := 0
	offset := 0
	inPara := false
	for _, ln := range lines {
		blank := strings.TrimSpace(ln) == ""
		if blank {
			if inPara {
				paraCount++
				inPara = false
				if maxParas > 0 && paraCount >= maxParas {
					return offset
				}
			}
		} else {
			inPara = true
			lineCount++
		}
		offset += len(ln) + 1
		if offset > len(block) {
			offset = len(block)
		}
		if maxLines > 0 && lineCount >= maxLines {
			return offset
		}
	}
	if inPara {
		paraCount++
	}
	if maxParas > 0 && paraCount <= maxParas {
		return len(block)
	}
	return len(block)
}

func mergeSpans(spans []span) []span {
	if len(spans) == 0 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			if s.confidence > last.confidence {
				last.confidence = s.confidence
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// cutSpans rebuilds the text without the accepted spans and logs each removal
// in pre-clean coordinates.
func cutSpans(text string, spans []span, track bool) (string, []mail.RemovedSpan) {
	if len(spans) == 0 {
		return text, nil
	}
	var b strings.Builder
	var removed []mail.RemovedSpan
	pos := 0
	for _, s := range spans {
		if s.start > pos {
			b.WriteString(text[pos:s.start])
		}
		if track {
			removed = append(removed, mail.RemovedSpan{
				Start:      s.start,
				End:        s.end,
				Type:       s.typ,
				Content:    text[s.start:s.end],
				Confidence: s.confidence,
			})
		}
		pos = s.end
	}
	if pos < len(text) {
		b.WriteString(text[pos:])
	}
	return b.String(), removed
}

// tidy collapses blank-line runs left behind by removals and trims the edges.
// This is part of producing the canonical cleaned text, not a separate pass.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			if len(out) > 0 && out[len(out)-1] == "" {
				continue
			}
			out = append(out, "")
			continue
		}
		out = append(out, strings.TrimRight(ln, " \t"))
	}
	for len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
