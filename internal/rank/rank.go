// Package rank orders extracted items for the digest. The score is a weighted
// sum of ten features clamped to [0,1]; ordering is fully deterministic so two
// runs over the same input produce the same digest.
package rank

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/maildrift/inboxdigest/internal/digest"
	"github.com/maildrift/inboxdigest/internal/metrics"
)

// Weights holds the per-feature weights. The defaults sum to 1.0, so a score
// never needs clamping unless operators override them.
type Weights struct {
	UserInTo         float64 `yaml:"user_in_to" json:"user_in_to"`
	UserInCC         float64 `yaml:"user_in_cc" json:"user_in_cc"`
	HasAction        float64 `yaml:"has_action" json:"has_action"`
	HasMention       float64 `yaml:"has_mention" json:"has_mention"`
	HasDueDate       float64 `yaml:"has_due_date" json:"has_due_date"`
	SenderImportance float64 `yaml:"sender_importance" json:"sender_importance"`
	ThreadLength     float64 `yaml:"thread_length" json:"thread_length"`
	Recency          float64 `yaml:"recency" json:"recency"`
	HasAttachments   float64 `yaml:"has_attachments" json:"has_attachments"`
	HasProjectTag    float64 `yaml:"has_project_tag" json:"has_project_tag"`
}

// DefaultWeights returns the shipped weights.
func DefaultWeights() Weights {
	return Weights{
		UserInTo:         0.15,
		UserInCC:         0.05,
		HasAction:        0.20,
		HasMention:       0.10,
		HasDueDate:       0.15,
		SenderImportance: 0.10,
		ThreadLength:     0.05,
		Recency:          0.10,
		HasAttachments:   0.05,
		HasProjectTag:    0.05,
	}
}

// recencyWindow is the horizon after which a message contributes nothing.
const recencyWindow = 48 * time.Hour

// threadLengthClip caps the thread-length feature.
const threadLengthClip = 10

// Config configures the ranker.
type Config struct {
	Enabled bool
	Weights Weights
	// UserAddresses identify the digest owner in To/CC lists (lowercased on
	// comparison).
	UserAddresses []string
	// ImportantSenders maps an exact address, a "prefix@" pattern, or an
	// "@domain" pattern to an importance in [0,1]. Exact matches win over
	// patterns.
	ImportantSenders map[string]float64
	// ProjectTags are extra substrings recognized as project markers in
	// subjects, on top of the built-in [TAG] convention.
	ProjectTags []string
}

// Input is one item together with the message context it was extracted from.
type Input struct {
	Item           digest.Item
	Sender         string
	To             []string
	CC             []string
	Subject        string
	HasAttachments bool
	ReceivedAt     time.Time
	ThreadLength   int
}

// Ranker scores and orders items. Met may be nil.
type Ranker struct {
	Config Config
	Met    *metrics.Metrics
}

// projectTagRe matches the bracketed-tag subject convention, e.g. "[Q3-BUDGET]".
var projectTagRe = regexp.MustCompile(`\[[A-Za-zА-Яа-я][A-Za-zА-Яа-я0-9_-]+\]`)

// Rank returns the items in digest order. When ranking is enabled every item
// carries a rank_score and the list is sorted by (score desc, confidence desc,
// received_at desc, evidence_id asc). When disabled the input order is kept
// verbatim and rank_score stays unset.
func (r *Ranker) Rank(inputs []Input, now time.Time) []digest.Item {
	r.Met.SetRankingEnabled(r.Config.Enabled)
	out := make([]digest.Item, len(inputs))
	if !r.Config.Enabled {
		for i, in := range inputs {
			out[i] = in.Item
			out[i].RankScore = nil
		}
		return out
	}

	type ranked struct {
		item     digest.Item
		received time.Time
	}
	items := make([]ranked, len(inputs))
	for i, in := range inputs {
		score := r.Score(in, now)
		it := in.Item
		it.RankScore = &score
		items[i] = ranked{item: it, received: in.ReceivedAt}
		r.Met.ObserveRankScore(score)
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if *a.item.RankScore != *b.item.RankScore {
			return *a.item.RankScore > *b.item.RankScore
		}
		if a.item.Confidence != b.item.Confidence {
			return a.item.Confidence > b.item.Confidence
		}
		if !a.received.Equal(b.received) {
			return a.received.After(b.received)
		}
		return a.item.EvidenceID < b.item.EvidenceID
	})
	for i := range items {
		out[i] = items[i].item
	}
	r.Met.SetTop10ActionsShare(Top10ActionsShare(out))
	return out
}

// Score computes the weighted feature sum for one item, clamped to [0,1].
func (r *Ranker) Score(in Input, now time.Time) float64 {
	w := r.Config.Weights
	s := 0.0
	if containsAddress(in.To, r.Config.UserAddresses) {
		s += w.UserInTo
	}
	if containsAddress(in.CC, r.Config.UserAddresses) {
		s += w.UserInCC
	}
	if in.Item.Kind == digest.KindAction {
		s += w.HasAction
	}
	if in.Item.Kind == digest.KindMention {
		s += w.HasMention
	}
	if in.Item.Due != "" || in.Item.Kind == digest.KindDeadline {
		s += w.HasDueDate
	}
	s += w.SenderImportance * r.SenderImportance(in.Sender)
	s += w.ThreadLength * threadLengthFeature(in.ThreadLength)
	s += w.Recency * recencyFeature(now.Sub(in.ReceivedAt))
	if in.HasAttachments {
		s += w.HasAttachments
	}
	if r.hasProjectTag(in.Subject) {
		s += w.HasProjectTag
	}
	return clamp01(s)
}

// Top10ActionsShare reports the fraction of action, question, and deadline
// kinds among the first ten items.
func Top10ActionsShare(items []digest.Item) float64 {
	n := len(items)
	if n > 10 {
		n = 10
	}
	if n == 0 {
		return 0
	}
	actionable := 0
	for _, it := range items[:n] {
		switch it.Kind {
		case digest.KindAction, digest.KindQuestion, digest.KindDeadline:
			actionable++
		}
	}
	return float64(actionable) / float64(n)
}

// SenderImportance looks up a sender in the importance table; the extractor's
// confidence model consumes the same value as its sender-rank feature.
func (r *Ranker) SenderImportance(sender string) float64 {
	if len(r.Config.ImportantSenders) == 0 || sender == "" {
		return 0
	}
	addr := strings.ToLower(strings.TrimSpace(sender))
	if v, ok := r.Config.ImportantSenders[addr]; ok {
		return clamp01(v)
	}
	best := 0.0
	for pattern, v := range r.Config.ImportantSenders {
		p := strings.ToLower(pattern)
		switch {
		case strings.HasSuffix(p, "@") && strings.HasPrefix(addr, p):
			// "ceo@" style local-part prefix.
		case strings.HasPrefix(p, "@") && strings.HasSuffix(addr, p):
			// "@board.example.com" style domain match.
		default:
			continue
		}
		if v > best {
			best = v
		}
	}
	return clamp01(best)
}

func (r *Ranker) hasProjectTag(subject string) bool {
	if projectTagRe.MatchString(subject) {
		return true
	}
	lower := strings.ToLower(subject)
	for _, tag := range r.Config.ProjectTags {
		if tag != "" && strings.Contains(lower, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}

func threadLengthFeature(n int) float64 {
	if n <= 0 {
		return 0
	}
	if n > threadLengthClip {
		n = threadLengthClip
	}
	return float64(n) / float64(threadLengthClip)
}

// recencyFeature decays from 1.0 at age zero toward zero at the window edge;
// anything older than the window contributes nothing.
func recencyFeature(age time.Duration) float64 {
	if age <= 0 {
		return 1.0
	}
	if age >= recencyWindow {
		return 0
	}
	return math.Exp(-3.0 * age.Hours() / recencyWindow.Hours())
}

func containsAddress(list []string, users []string) bool {
	for _, a := range list {
		la := strings.ToLower(strings.TrimSpace(a))
		for _, u := range users {
			if la == strings.ToLower(strings.TrimSpace(u)) {
				return true
			}
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
