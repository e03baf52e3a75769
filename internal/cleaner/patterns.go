package cleaner

import (
	"regexp"

	"github.com/maildrift/inboxdigest/internal/mail"
)

// linePattern is one row of a table-driven pattern family. Patterns are
// bilingual (RU/EN) and compiled once per process; user-supplied whitelist and
// blacklist entries are compiled per cleaner instance.
type linePattern struct {
	re         *regexp.Regexp
	span       mail.SpanType
	confidence float64
	// toEnd marks patterns that open a block running to the end of the body
	// (reply headers, signature separators). Others remove the enclosing
	// paragraph only.
	toEnd bool
}

var quoteMarkerPatterns = []linePattern{
	{re: regexp.MustCompile(`^-{2,}\s*Original Message\s*-{2,}`), span: mail.SpanQuoted, confidence: 0.98, toEnd: true},
	{re: regexp.MustCompile(`^-{2,}\s*Исходное сообщение\s*-{2,}`), span: mail.SpanQuoted, confidence: 0.98, toEnd: true},
	{re: regexp.MustCompile(`^-{2,}\s*Forwarded message\s*-{2,}`), span: mail.SpanQuoted, confidence: 0.95, toEnd: true},
	{re: regexp.MustCompile(`^-{2,}\s*Пересылаемое сообщение\s*-{2,}`), span: mail.SpanQuoted, confidence: 0.95, toEnd: true},
	{re: regexp.MustCompile(`^(От|From):\s+.+`), span: mail.SpanQuoted, confidence: 0.9, toEnd: true},
	{re: regexp.MustCompile(`^On .+ wrote:\s*$`), span: mail.SpanQuoted, confidence: 0.95, toEnd: true},
	{re: regexp.MustCompile(`^\d{1,2}[./]\d{1,2}[./]\d{2,4}.{0,40}(пишет|написал[а]?):\s*$`), span: mail.SpanQuoted, confidence: 0.9, toEnd: true},
}

var signaturePatterns = []linePattern{
	{re: regexp.MustCompile(`^--\s*$`), span: mail.SpanSignature, confidence: 0.95, toEnd: true},
	{re: regexp.MustCompile(`^__+\s*$`), span: mail.SpanSignature, confidence: 0.7, toEnd: true},
	{re: regexp.MustCompile(`(?i)^Sent from my `), span: mail.SpanSignature, confidence: 0.9, toEnd: true},
	{re: regexp.MustCompile(`(?i)^Отправлено с `), span: mail.SpanSignature, confidence: 0.9, toEnd: true},
	{re: regexp.MustCompile(`^С уважением[,!]?\s*$`), span: mail.SpanSignature, confidence: 0.85, toEnd: true},
	{re: regexp.MustCompile(`(?i)^(Best|Kind) regards[,]?\s*$`), span: mail.SpanSignature, confidence: 0.85, toEnd: true},
	{re: regexp.MustCompile(`(?i)^Thanks[,]?$|^Cheers[,]?$`), span: mail.SpanSignature, confidence: 0.6, toEnd: true},
}

var disclaimerPatterns = []linePattern{
	{re: regexp.MustCompile(`(?i)this (e-?mail|message).{0,80}(confidential|intended solely)`), span: mail.SpanDisclaimer, confidence: 0.9},
	{re: regexp.MustCompile(`(?i)если вы не являетесь (адресатом|получателем)`), span: mail.SpanDisclaimer, confidence: 0.9},
	{re: regexp.MustCompile(`(?i)настоящее (письмо|сообщение).{0,80}конфиденциальн`), span: mail.SpanDisclaimer, confidence: 0.9},
	{re: regexp.MustCompile(`(?i)(click here to|чтобы) (unsubscribe|отписаться)`), span: mail.SpanDisclaimer, confidence: 0.85},
	{re: regexp.MustCompile(`(?i)^unsubscribe\b|\botpisatsya\b`), span: mail.SpanDisclaimer, confidence: 0.7},
	{re: regexp.MustCompile(`(?i)do not reply to this (e-?mail|message)`), span: mail.SpanDisclaimer, confidence: 0.8},
}

var autoResponsePatterns = []linePattern{
	{re: regexp.MustCompile(`(?i)^out of (the )?office`), span: mail.SpanAutoResponse, confidence: 0.95, toEnd: true},
	{re: regexp.MustCompile(`(?i)^automatic reply`), span: mail.SpanAutoResponse, confidence: 0.95, toEnd: true},
	{re: regexp.MustCompile(`^Автоответ`), span: mail.SpanAutoResponse, confidence: 0.95, toEnd: true},
	{re: regexp.MustCompile(`(?i)I (am|will be) (out of|away from) the office`), span: mail.SpanAutoResponse, confidence: 0.9, toEnd: true},
	{re: regexp.MustCompile(`(?i)я (нахожусь )?в отпуске`), span: mail.SpanAutoResponse, confidence: 0.85, toEnd: true},
}

// defaultWhitelist vetoes removal of blocks that plausibly carry work content
// even when they sit inside a quoted or boilerplate region.
var defaultWhitelist = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(deadline|due|approve|approval|sign.?off)\b`),
	regexp.MustCompile(`(?i)(срок|дедлайн|соглас(уй|овать|ование)|утверд)`),
	regexp.MustCompile(`(до|к|не позднее)\s+\d{1,2}[./]\d{1,2}`),
}
