// Package thread groups messages into conversations and filters service
// traffic before extraction.
package thread

import (
	"regexp"
	"sort"
	"strings"

	"github.com/maildrift/inboxdigest/internal/mail"
)

// Options configures bucketing behavior.
type Options struct {
	// MaxDepth down-samples deep threads to the most recent N messages.
	// Zero keeps everything.
	MaxDepth int
}

// Thread is one conversation with its messages ordered by received time.
type Thread struct {
	ConversationID string
	Messages       []mail.Message
}

// Length reports the pre-downsampling depth of the conversation.
func (t Thread) Length() int { return len(t.Messages) }

var (
	serviceSubjectRe = regexp.MustCompile(`(?i)^(undeliverable|delivery (status notification|has failed)|mail delivery failed|не доставлено)`)
	serviceSenderRe  = regexp.MustCompile(`(?i)^(postmaster|mailer-daemon|no-?reply|noreply)@`)
)

// IsServiceTraffic reports whether a message is bounce/auto machinery that
// should never reach the extractor.
func IsServiceTraffic(m mail.Message) bool {
	if m.IsAutoSubmitted {
		return true
	}
	if serviceSubjectRe.MatchString(strings.TrimSpace(m.Subject)) {
		return true
	}
	return serviceSenderRe.MatchString(strings.TrimSpace(m.Sender))
}

// Build buckets messages by conversation, orders each bucket by received_at
// (ties broken by msg_id for determinism), filters service traffic, and
// down-samples deep threads to the most recent MaxDepth messages. Threads are
// returned in a stable order keyed by conversation id.
func Build(messages []mail.Message, opt Options) []Thread {
	buckets := make(map[string][]mail.Message)
	for _, m := range messages {
		if IsServiceTraffic(m) {
			continue
		}
		key := m.ConversationID
		if key == "" {
			// Orphans thread alone under their own id.
			key = "msg:" + m.MsgID
		}
		buckets[key] = append(buckets[key], m)
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Thread, 0, len(keys))
	for _, k := range keys {
		msgs := buckets[k]
		sort.SliceStable(msgs, func(i, j int) bool {
			if !msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
				return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
			}
			return msgs[i].MsgID < msgs[j].MsgID
		})
		if opt.MaxDepth > 0 && len(msgs) > opt.MaxDepth {
			msgs = msgs[len(msgs)-opt.MaxDepth:]
		}
		out = append(out, Thread{ConversationID: k, Messages: msgs})
	}
	return out
}

// Lengths returns the per-message thread depth for ranking, keyed by msg_id.
func Lengths(threads []Thread) map[string]int {
	out := make(map[string]int)
	for _, t := range threads {
		for _, m := range t.Messages {
			out[m.MsgID] = len(t.Messages)
		}
	}
	return out
}
