package gateway

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/maildrift/inboxdigest/internal/evidence"
)

// Prompt versions. Each version fixes the reply schema the validator accepts;
// v2 is the default and the only one new deployments should use.
const (
	PromptV1 = "v1" // legacy extract-actions: bare array with "type" tags
	PromptV2 = "v2" // enhanced digest: {"items":[...]} with kind/evidence_id
)

func systemMessage(version string) string {
	if version == PromptV1 {
		return "You are an email triage assistant. Respond with strict JSON only: " +
			`[{"type":"action|question|mention|deadline|risk|fyi","text":string,"verb":string,"who":string,"due":"YYYY-MM-DD","confidence":number}]. ` +
			"Use ONLY the provided evidence. Do not invent content. Preserve any [[REDACT:TYPE]] tokens verbatim."
	}
	return "You are an email triage assistant producing a daily digest. Respond with strict JSON only: " +
		`{"items":[{"kind":"action|question|mention|deadline|risk|fyi","text":string,"verb":string,"who":string,"due":"YYYY-MM-DD","confidence":number,"evidence_id":string}]}. ` +
		"Classify each item, keep text short and factual, copy evidence_id from the evidence block the item came from, " +
		"and use ONLY the provided evidence. Do not invent content. Preserve any [[REDACT:TYPE]] tokens verbatim; never expand them."
}

// correctiveMessage reinforces the contract after a schema violation. Sent at
// most once per call.
const correctiveMessage = "Your previous reply did not validate against the required schema. " +
	"Return strict JSON only, matching the schema exactly. No prose, no markdown fences."

func userMessage(chunks []evidence.Chunk, digestDate string, locale string) string {
	var sb strings.Builder
	sb.WriteString("Extract actionable items from the evidence below for the digest of ")
	sb.WriteString(digestDate)
	sb.WriteString(".\n")
	if locale != "" {
		sb.WriteString("Write item text in language: ")
		sb.WriteString(locale)
		sb.WriteString("\n")
	}
	sb.WriteString("\nEvidence (cite by evidence_id):\n")
	for _, ch := range chunks {
		sb.WriteString(fmt.Sprintf("\n[evidence_id=%s msg_id=%s sender=%s subject=%q received=%s]\n",
			ch.EvidenceID, ch.MsgID, ch.Metadata.Sender, ch.Metadata.Subject, ch.Metadata.ReceivedAt))
		sb.WriteString(ch.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("\nOutput only the JSON. Do not include any prose outside it.")
	return sb.String()
}

var redactTokenRe = regexp.MustCompile(`\[\[REDACT:[A-Z_]+\]\]`)

// redactTokens returns the distinct masking tokens present in the chunks.
func redactTokens(chunks []evidence.Chunk) map[string]bool {
	out := map[string]bool{}
	for _, ch := range chunks {
		for _, tok := range redactTokenRe.FindAllString(ch.Content, -1) {
			out[tok] = true
		}
	}
	return out
}

// checkRedaction rejects replies that tamper with masking tokens: a token the
// input never contained, a mangled token, or a reply that dropped every token
// while the input carried some (the usual symptom of the model expanding the
// masked content).
func checkRedaction(inputTokens map[string]bool, reply string) error {
	for _, tok := range redactTokenRe.FindAllString(reply, -1) {
		if !inputTokens[tok] {
			return fmt.Errorf("reply introduces unknown masking token %s", tok)
		}
	}
	if len(inputTokens) > 0 && strings.Contains(reply, "[[REDACT:") {
		// Well-formed tokens present; nothing further to prove.
		return nil
	}
	if len(inputTokens) > 0 {
		return fmt.Errorf("reply dropped all %d masking tokens from the input", len(inputTokens))
	}
	return nil
}
