// Package extractor detects actions, questions, and mentions in cleaned
// message bodies with bilingual (RU/EN) rule families and a logistic
// confidence model. It is deliberately cheap: the same rules double as the
// relevance pre-ranker for evidence selection under budget pressure.
package extractor

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maildrift/inboxdigest/internal/digest"
)

// Weights parameterize the logistic confidence
// sigma(sum(w_i * f_i) - bias) over the six features.
type Weights struct {
	UserMention  float64
	Imperative   float64
	ActionMarker float64
	Question     float64
	Deadline     float64
	SenderRank   float64
	Bias         float64
}

// DefaultWeights reproduce the project's gold-set quality gates.
func DefaultWeights() Weights {
	return Weights{
		UserMention:  1.5,
		Imperative:   1.2,
		ActionMarker: 1.0,
		Question:     0.8,
		Deadline:     0.6,
		SenderRank:   0.5,
		Bias:         1.5,
	}
}

// Config configures one extractor instance.
type Config struct {
	// UserAliases are the digest owner's names and addresses, matched
	// case-insensitively for the mention feature.
	UserAliases []string
	Weights     Weights
	// ExtraActionPatterns are user-supplied regexes that additionally fire
	// the action-marker feature. Malformed entries are skipped and counted.
	ExtraActionPatterns []string
}

// Candidate is one extracted span before citation enrichment. Start and End
// index the sentence within the body the extractor ran over.
type Candidate struct {
	Kind       digest.Kind
	Text       string
	Verb       string
	Who        string
	Due        string // YYYY-MM-DD, empty when unresolved
	Confidence float64
	Start      int
	End        int
}

// Features is the per-span feature vector feeding the logistic model.
type Features struct {
	UserMention  bool
	Imperative   bool
	ActionMarker bool
	Question     bool
	Deadline     bool
	SenderRank   float64
}

// Extractor holds compiled patterns. Safe for concurrent use after New.
type Extractor struct {
	cfg     Config
	aliases []string
	extra   []*regexp.Regexp
	// errors counts malformed user-supplied patterns skipped at build time,
	// surfaced to the extractor_errors metric.
	errors int
}

// New compiles the extractor. Zero-valued weights are replaced by defaults.
func New(cfg Config) *Extractor {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	e := &Extractor{cfg: cfg}
	for _, a := range cfg.UserAliases {
		a = strings.TrimSpace(a)
		if a != "" {
			e.aliases = append(e.aliases, strings.ToLower(a))
		}
	}
	for _, p := range cfg.ExtraActionPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			e.errors++
			log.Warn().Str("pattern", p).Err(err).Msg("skipping malformed extractor pattern")
			continue
		}
		e.extra = append(e.extra, re)
	}
	return e
}

// PatternErrors reports malformed user patterns skipped at build.
func (e *Extractor) PatternErrors() int { return e.errors }

// Extract scans a cleaned body and returns candidate items in body order.
// senderRank in [0,1] feeds the confidence model; receivedAt anchors relative
// deadline resolution.
func (e *Extractor) Extract(body string, senderRank float64, receivedAt time.Time) []Candidate {
	var out []Candidate
	for _, s := range sentences(body) {
		f := e.featuresOf(s.text, senderRank)
		kind, ok := classify(f)
		if !ok {
			continue
		}
		c := Candidate{
			Kind:       kind,
			Text:       strings.TrimSpace(s.text),
			Confidence: e.confidence(f),
			Start:      s.start,
			End:        s.end,
		}
		c.Verb = firstVerb(s.text)
		c.Who = e.firstAlias(s.text)
		if f.Deadline {
			if due, ok := ResolveDeadline(s.text, receivedAt); ok {
				c.Due = due.Format("2006-01-02")
			}
		}
		out = append(out, c)
	}
	return out
}

// QuickScore is the cheap relevance pre-ranker used by evidence selection:
// the unbiased weighted feature sum, no sigmoid, no sender rank.
func (e *Extractor) QuickScore(content string) float64 {
	f := e.featuresOf(content, 0)
	w := e.cfg.Weights
	score := 0.0
	if f.UserMention {
		score += w.UserMention
	}
	if f.Imperative {
		score += w.Imperative
	}
	if f.ActionMarker {
		score += w.ActionMarker
	}
	if f.Question {
		score += w.Question
	}
	if f.Deadline {
		score += w.Deadline
	}
	return score
}

func (e *Extractor) featuresOf(text string, senderRank float64) Features {
	f := Features{SenderRank: clamp01(senderRank)}
	f.UserMention = e.firstAlias(text) != ""
	f.Imperative = firstVerbMatch(text) != nil
	for _, re := range actionMarkers {
		if re.MatchString(text) {
			f.ActionMarker = true
			break
		}
	}
	for _, re := range e.extra {
		if re.MatchString(text) {
			f.ActionMarker = true
			break
		}
	}
	for _, re := range questionCues {
		if re.MatchString(text) {
			f.Question = true
			break
		}
	}
	for _, re := range deadlineCues {
		if re.MatchString(text) {
			f.Deadline = true
			break
		}
	}
	return f
}

// classify applies the fixed precedence: question cue wins, then
// imperative/action, then a bare mention.
func classify(f Features) (digest.Kind, bool) {
	switch {
	case f.Question:
		return digest.KindQuestion, true
	case f.Imperative || f.ActionMarker:
		return digest.KindAction, true
	case f.UserMention:
		return digest.KindMention, true
	}
	return "", false
}

func (e *Extractor) confidence(f Features) float64 {
	w := e.cfg.Weights
	sum := -w.Bias
	if f.UserMention {
		sum += w.UserMention
	}
	if f.Imperative {
		sum += w.Imperative
	}
	if f.ActionMarker {
		sum += w.ActionMarker
	}
	if f.Question {
		sum += w.Question
	}
	if f.Deadline {
		sum += w.Deadline
	}
	sum += w.SenderRank * f.SenderRank
	return sigmoid(sum)
}

func sigmoid(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func firstVerbMatch(text string) []string {
	for _, re := range imperativeVerbs {
		if m := re.FindStringSubmatch(text); m != nil {
			return m
		}
	}
	return nil
}

// firstVerb returns the canonical lemma of the first imperative in text, or
// the raw capture when no lemma is known.
func firstVerb(text string) string {
	m := firstVerbMatch(text)
	if m == nil {
		return ""
	}
	key := strings.ToLower(m[1])
	if lemma, ok := canonicalVerb[key]; ok {
		return lemma
	}
	return key
}

func (e *Extractor) firstAlias(text string) string {
	lower := strings.ToLower(text)
	for _, a := range e.aliases {
		if strings.Contains(lower, a) {
			return a
		}
	}
	return ""
}

// sentence is a span of the body holding one candidate unit.
type sentence struct {
	start, end int
	text       string
}

// sentences splits on terminators and newlines, keeping byte offsets so the
// citation builder can locate candidates exactly.
func sentences(body string) []sentence {
	var out []sentence
	start := 0
	flush := func(end int) {
		seg := body[start:end]
		if strings.TrimSpace(seg) != "" {
			// Tighten the span to the trimmed content so citations do not
			// carry leading or trailing whitespace.
			lead := len(seg) - len(strings.TrimLeft(seg, " \t\n"))
			trail := len(seg) - len(strings.TrimRight(seg, " \t\n"))
			out = append(out, sentence{start: start + lead, end: end - trail, text: body[start+lead : end-trail]})
		}
		start = end
	}
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\n':
			flush(i)
			start = i + 1
		case '.', '!', '?':
			// A dot between digits is a date or number, not a terminator.
			if body[i] == '.' && i > 0 && i+1 < len(body) && isDigit(body[i-1]) && isDigit(body[i+1]) {
				continue
			}
			// Consume the terminator run, then flush including it.
			j := i
			for j+1 < len(body) && (body[j+1] == '.' || body[j+1] == '!' || body[j+1] == '?') {
				j++
			}
			flush(j + 1)
			i = j
		}
	}
	if start < len(body) {
		flush(len(body))
	}
	return out
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
