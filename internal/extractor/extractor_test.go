package extractor

import (
	"testing"
	"time"

	"github.com/maildrift/inboxdigest/internal/digest"
)

var ref = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) // a Monday

func newDefault() *Extractor {
	return New(Config{UserAliases: []string{"Иван", "ivan@corp"}})
}

func TestExtract_SimpleImperativeRussian(t *testing.T) {
	e := newDefault()
	body := "Иван, пожалуйста согласуйте бюджет Q3 до пятницы."

	got := e.Extract(body, 0.8, ref)
	if len(got) != 1 {
		t.Fatalf("expected one candidate, got %d", len(got))
	}
	c := got[0]
	if c.Kind != digest.KindAction {
		t.Fatalf("expected action, got %s", c.Kind)
	}
	if c.Verb != "согласовать" {
		t.Fatalf("expected lemma 'согласовать', got %q", c.Verb)
	}
	if c.Due != "2026-08-28" { // upcoming Friday
		t.Fatalf("expected due 2026-08-28, got %q", c.Due)
	}
	if c.Confidence < 0.85 {
		t.Fatalf("expected confidence >= 0.85, got %v", c.Confidence)
	}
	if body[c.Start:c.End] != c.Text {
		t.Fatalf("candidate span does not match text")
	}
}

func TestExtract_QuestionPrecedence(t *testing.T) {
	e := newDefault()
	got := e.Extract("Can you review the draft today?", 0, ref)
	if len(got) != 1 || got[0].Kind != digest.KindQuestion {
		t.Fatalf("question cue must win over imperative, got %+v", got)
	}
}

func TestExtract_MentionOnly(t *testing.T) {
	e := newDefault()
	got := e.Extract("Встреча переносится, Иван в копии", 0, ref)
	if len(got) != 1 || got[0].Kind != digest.KindMention {
		t.Fatalf("expected bare mention, got %+v", got)
	}
	if got[0].Who == "" {
		t.Fatalf("mention must carry who")
	}
}

func TestExtract_EnglishDeadline(t *testing.T) {
	e := newDefault()
	got := e.Extract("Please submit the report by Wednesday.", 0.5, ref)
	if len(got) != 1 || got[0].Kind != digest.KindAction {
		t.Fatalf("expected action, got %+v", got)
	}
	if got[0].Due != "2026-08-26" {
		t.Fatalf("expected Wednesday 2026-08-26, got %q", got[0].Due)
	}
}

func TestExtract_ExplicitDateNotSplit(t *testing.T) {
	e := newDefault()
	got := e.Extract("Прошу прислать отчёт не позднее 15.09.", 0, ref)
	if len(got) != 1 {
		t.Fatalf("date dots must not split the sentence, got %d candidates", len(got))
	}
	if got[0].Due != "2026-09-15" {
		t.Fatalf("expected due 2026-09-15, got %q", got[0].Due)
	}
}

func TestExtract_NoSignalNoCandidates(t *testing.T) {
	e := newDefault()
	got := e.Extract("Протокол встречи приложен для сведения коллег", 0, ref)
	if len(got) != 0 {
		t.Fatalf("expected no candidates on FYI text, got %+v", got)
	}
}

func TestNew_MalformedExtraPatternsCounted(t *testing.T) {
	e := New(Config{ExtraActionPatterns: []string{"(", `(?i)эскалац`}})
	if e.PatternErrors() != 1 {
		t.Fatalf("expected 1 pattern error, got %d", e.PatternErrors())
	}
	got := e.Extract("Требуется эскалация вопроса", 0, ref)
	if len(got) != 1 || got[0].Kind != digest.KindAction {
		t.Fatalf("valid extra pattern must still fire, got %+v", got)
	}
}

// goldCase is one row of the embedded gold set for the precision/recall gate.
type goldCase struct {
	text string
	want digest.Kind // "" marks negatives
}

var goldSet = []goldCase{
	{"Иван, пожалуйста согласуйте бюджет Q3 до пятницы.", digest.KindAction},
	{"Проверьте расчёт и пришлите комментарии.", digest.KindAction},
	{"Нужно подготовить презентацию к среде.", digest.KindAction},
	{"Please review the contract and sign off by EOD.", digest.KindAction},
	{"Could you provide the updated figures?", digest.KindQuestion},
	{"Когда будет готов отчёт?", digest.KindQuestion},
	{"Срочно: необходимо утвердить план сегодня.", digest.KindAction},
	{"We must submit the filing before Friday.", digest.KindAction},
	{"Иван упомянут в протоколе как ответственный", digest.KindMention},
	{"Можешь посмотреть логи за вчера?", digest.KindQuestion},
	{"Протокол приложен для сведения", ""},
	{"Спасибо за встречу", ""},
	{"В приложении счёт за август", ""},
	{"Команда обновила статус релиза", ""},
	{"Хорошего дня", ""},
}

func TestGoldSet_PrecisionRecall(t *testing.T) {
	e := newDefault()
	var tp, fp, fn int
	for _, gc := range goldSet {
		got := e.Extract(gc.text, 0.5, ref)
		predicted := len(got) > 0
		expected := gc.want != ""
		switch {
		case predicted && expected:
			if got[0].Kind != gc.want {
				t.Errorf("%q: kind %s, want %s", gc.text, got[0].Kind, gc.want)
			}
			tp++
		case predicted && !expected:
			t.Logf("false positive: %q -> %s", gc.text, got[0].Kind)
			fp++
		case !predicted && expected:
			t.Logf("false negative: %q", gc.text)
			fn++
		}
	}
	precision := float64(tp) / float64(tp+fp)
	recall := float64(tp) / float64(tp+fn)
	if precision < 0.85 {
		t.Fatalf("precision %.2f below 0.85 gate", precision)
	}
	if recall < 0.80 {
		t.Fatalf("recall %.2f below 0.80 gate", recall)
	}
}

func TestQuickScore_OrdersBySignal(t *testing.T) {
	e := newDefault()
	hot := e.QuickScore("Иван, срочно согласуйте до завтра")
	cold := e.QuickScore("просто новости компании")
	if hot <= cold {
		t.Fatalf("expected actionable text to outscore noise: %v vs %v", hot, cold)
	}
}
