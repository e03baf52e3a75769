package extractor

import "regexp"

// Pattern families are table-driven and bilingual (RU/EN), compiled once at
// package init. User-supplied additions compile per extractor instance and
// malformed entries are skipped, counted in extractor_errors.
//
// Note: \b in Go's regexp is ASCII-only and never fires next to Cyrillic
// letters, so Russian alternatives anchor on \P{L} (or nothing) instead.

// imperativeVerbs capture the verb stem in group 1; canonicalVerb maps the
// lowercase capture to a dictionary lemma so that e.g. "согласуйте" reports
// verb "согласовать".
var imperativeVerbs = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(сделай)(?:те)?`),
	regexp.MustCompile(`(?i)(проверь)(?:те)?`),
	regexp.MustCompile(`(?i)(подготовь)(?:те)?`),
	regexp.MustCompile(`(?i)(согласуй)(?:те)?`),
	regexp.MustCompile(`(?i)(утверди)(?:те)?`),
	regexp.MustCompile(`(?i)(пришли)(?:те)?`),
	regexp.MustCompile(`(?i)\b(please)\b`),
	regexp.MustCompile(`(?i)\b(could you|can you|would you)\b`),
	regexp.MustCompile(`(?i)\b(review)\b`),
	regexp.MustCompile(`(?i)\b(approve)\b`),
	regexp.MustCompile(`(?i)\b(sign[ -]?off)\b`),
	regexp.MustCompile(`(?i)\b(submit)\b`),
	regexp.MustCompile(`(?i)\b(provide)\b`),
}

// canonicalVerb maps a lowercase stem capture to its reported lemma. Polite
// openers carry no verb of their own and map to the empty string.
var canonicalVerb = map[string]string{
	"сделай":    "сделать",
	"проверь":   "проверить",
	"подготовь": "подготовить",
	"согласуй":  "согласовать",
	"утверди":   "утвердить",
	"пришли":    "прислать",
	"please":    "",
	"could you": "",
	"can you":   "",
	"would you": "",
	"review":    "review",
	"approve":   "approve",
	"sign off":  "sign off",
	"sign-off":  "sign off",
	"signoff":   "sign off",
	"submit":    "submit",
	"provide":   "provide",
}

var actionMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(нужно|необходимо|прошу|срочно|пожалуйста)`),
	regexp.MustCompile(`(?i)\b(need to|must|should|asap)\b`),
}

var deadlineCues = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(до|к|не позднее)\s+\d{1,2}[./]\d{1,2}`),
	regexp.MustCompile(`(?i)\b(by|before)\b\s+\S`),
	regexp.MustCompile(`(?i)не позднее`),
	regexp.MustCompile(`(?i)\b(EOD|end of day)\b`),
	regexp.MustCompile(`(?i)(конец дня|до конца дня)`),
	regexp.MustCompile(`(?i)(сегодня|завтра|послезавтра)`),
	regexp.MustCompile(`(?i)\b(today|tomorrow)\b`),
	regexp.MustCompile(`(?i)(до|к)\s+(понедельника|вторника|среды|четверга|пятницы|субботы|воскресенья)`),
	regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`),
}

var questionCues = []*regexp.Regexp{
	regexp.MustCompile(`\?\s*$`),
	regexp.MustCompile(`(?i)^\s*(когда|где|как|почему|зачем|кто |что )`),
	regexp.MustCompile(`(?i)^\s*(why|when|where|how|who|what)\b`),
	regexp.MustCompile(`(?i)(can you|could you|можешь|можете|сможешь|сможете).*\?`),
}
