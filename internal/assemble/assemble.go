// Package assemble turns the ranked item list into the run's artifacts: the
// canonical structured document, the short Markdown rendering, and an optional
// PDF. Assembly is a pure function of its input; no business logic lives here.
package assemble

import (
	"fmt"
	"strings"

	"github.com/maildrift/inboxdigest/internal/digest"
)

// MaxMarkdownWords caps the short rendering.
const MaxMarkdownWords = 400

// Build groups items by kind into the fixed section order. Items arrive in
// digest order and keep it within their section; empty sections are omitted.
func Build(items []digest.Item, digestDate string, traceID string) digest.Digest {
	byKind := map[digest.Kind][]digest.Item{}
	for _, it := range items {
		byKind[it.Kind] = append(byKind[it.Kind], it)
	}
	d := digest.Digest{
		SchemaVersion: digest.SchemaV2,
		DigestDate:    digestDate,
		TraceID:       traceID,
	}
	for _, kind := range digest.SectionOrder {
		if len(byKind[kind]) == 0 {
			continue
		}
		d.Sections = append(d.Sections, digest.Section{Kind: kind, Items: byKind[kind]})
	}
	return d
}

// JSON renders the canonical structured document.
func JSON(d digest.Digest) ([]byte, error) {
	return digest.CanonicalJSON(d)
}

type labels struct {
	title    string
	sections map[digest.Kind]string
	more     string // fmt verb: count of omitted items
	empty    string
	due      string
}

var labelsEN = labels{
	title: "Inbox digest for %s",
	sections: map[digest.Kind]string{
		digest.KindAction:   "Actions",
		digest.KindQuestion: "Questions",
		digest.KindDeadline: "Deadlines",
		digest.KindMention:  "Mentions",
		digest.KindRisk:     "Risks",
		digest.KindFYI:      "FYI",
	},
	more:  "…and %d more items.",
	empty: "Nothing needs your attention today.",
	due:   "due",
}

var labelsRU = labels{
	title: "Дайджест почты за %s",
	sections: map[digest.Kind]string{
		digest.KindAction:   "Действия",
		digest.KindQuestion: "Вопросы",
		digest.KindDeadline: "Дедлайны",
		digest.KindMention:  "Упоминания",
		digest.KindRisk:     "Риски",
		digest.KindFYI:      "К сведению",
	},
	more:  "…и ещё %d пунктов.",
	empty: "Сегодня ничего не требует вашего внимания.",
	due:   "срок",
}

func labelsFor(locale string) labels {
	if strings.HasPrefix(strings.ToLower(locale), "ru") {
		return labelsRU
	}
	return labelsEN
}

// Markdown renders the short localized digest. Every item line carries its
// evidence id; the whole rendering stays within MaxMarkdownWords, dropping
// trailing items (never mid-item) and noting how many were omitted.
func Markdown(d digest.Digest, locale string) string {
	lab := labelsFor(locale)
	var sb strings.Builder
	words := 0
	emit := func(line string) {
		sb.WriteString(line)
		sb.WriteString("\n")
		words += len(strings.Fields(line))
	}

	emit(fmt.Sprintf("# "+lab.title, d.DigestDate))
	total, rendered := 0, 0
	for _, sec := range d.Sections {
		total += len(sec.Items)
	}
	if total == 0 {
		emit("")
		emit(lab.empty)
		return sb.String()
	}

	// Reserve room for a possible omission note.
	reserve := len(strings.Fields(fmt.Sprintf(lab.more, total)))
	truncated := false
	for _, sec := range d.Sections {
		if truncated {
			break
		}
		header := "## " + lab.sections[sec.Kind]
		headerEmitted := false
		for _, it := range sec.Items {
			line := itemLine(it, lab)
			cost := len(strings.Fields(line))
			if !headerEmitted {
				cost += len(strings.Fields(header))
			}
			if words+cost+reserve > MaxMarkdownWords {
				truncated = true
				break
			}
			if !headerEmitted {
				emit("")
				emit(header)
				headerEmitted = true
			}
			emit(line)
			rendered++
		}
	}
	if rendered < total {
		emit("")
		emit(fmt.Sprintf(lab.more, total-rendered))
	}
	return sb.String()
}

func itemLine(it digest.Item, lab labels) string {
	var sb strings.Builder
	sb.WriteString("- ")
	sb.WriteString(strings.TrimSpace(it.Text))
	if it.Who != "" {
		sb.WriteString(" — ")
		sb.WriteString(it.Who)
	}
	if it.Due != "" {
		sb.WriteString(fmt.Sprintf(" (%s %s)", lab.due, it.Due))
	}
	sb.WriteString(fmt.Sprintf(" `%s`", it.EvidenceID))
	return sb.String()
}
