package runctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maildrift/inboxdigest/internal/citation"
	"github.com/maildrift/inboxdigest/internal/cleaner"
	"github.com/maildrift/inboxdigest/internal/digest"
	"github.com/maildrift/inboxdigest/internal/evidence"
	"github.com/maildrift/inboxdigest/internal/extractor"
	"github.com/maildrift/inboxdigest/internal/gateway"
	"github.com/maildrift/inboxdigest/internal/mail"
	"github.com/maildrift/inboxdigest/internal/rank"
	"github.com/maildrift/inboxdigest/internal/state"
)

var runNow = time.Date(2026, 8, 24, 19, 0, 0, 0, time.UTC)

// fakeSource pages through a fixed message set.
type fakeSource struct {
	messages   []mail.Message
	pageErrs   []error
	fetchCalls int
	sweepCalls int
}

func (s *fakeSource) Fetch(_ context.Context, _ time.Time, token string) (mail.FetchResult, error) {
	i := s.fetchCalls
	s.fetchCalls++
	if i < len(s.pageErrs) && s.pageErrs[i] != nil {
		return mail.FetchResult{}, s.pageErrs[i]
	}
	return mail.FetchResult{Messages: s.messages, NextToken: "tok-final", Done: true}, nil
}

func (s *fakeSource) Sweep(_ context.Context, _ time.Duration) ([]mail.Message, error) {
	s.sweepCalls++
	return s.messages, nil
}

// fakeGateway echoes rule-visible items from the evidence it receives.
type fakeGateway struct {
	calls int
	err   error
}

func (g *fakeGateway) ExtractItems(_ context.Context, req gateway.Request) ([]digest.Item, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	var items []digest.Item
	for _, ch := range req.Chunks {
		first := ch.Content
		if i := strings.IndexByte(first, '\n'); i > 0 {
			first = first[:i]
		}
		items = append(items, digest.Item{
			Kind:       digest.KindAction,
			Text:       strings.TrimSpace(first),
			Confidence: 0.9,
			EvidenceID: ch.EvidenceID,
		})
	}
	return items, nil
}

func testMessages() []mail.Message {
	return []mail.Message{
		{
			MsgID:          "m1",
			ConversationID: "conv-1",
			ReceivedAt:     runNow.Add(-3 * time.Hour),
			Sender:         "boss@corp.example.com",
			To:             []string{"ivan@corp.example.com"},
			Subject:        "[Q3-BUDGET] Согласование",
			RawBody:        "Иван, пожалуйста согласуйте бюджет Q3 до пятницы.",
			ChangeKey:      "ck1",
		},
		{
			MsgID:          "m2",
			ConversationID: "conv-2",
			ReceivedAt:     runNow.Add(-5 * time.Hour),
			Sender:         "pm@corp.example.com",
			To:             []string{"ivan@corp.example.com"},
			Subject:        "Vendor choice",
			RawBody:        "<html><body><p>Could you review the vendor shortlist?</p></body></html>",
			ChangeKey:      "ck2",
		},
	}
}

func newController(t *testing.T, src mail.Source, gw Gateway) *Controller {
	t.Helper()
	dir := t.TempDir()
	store, err := state.Open(filepath.Join(dir, "state", "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &Controller{
		Cfg: Config{
			UserID:       "ivan",
			OutputDir:    filepath.Join(dir, "out"),
			Locale:       "ru",
			CitationMode: citation.Strict,
		},
		Source:    src,
		Cleaner:   cleaner.New(cleaner.Config{Enabled: true, TrackRemovedSpans: true}),
		Extractor: extractor.New(extractor.Config{UserAliases: []string{"ivan@corp.example.com", "Иван"}}),
		Gateway:   gw,
		Ranker: &rank.Ranker{Config: rank.Config{
			Enabled:       true,
			Weights:       rank.DefaultWeights(),
			UserAddresses: []string{"ivan@corp.example.com"},
		}},
		Store: store,
	}
}

func TestRun_EndToEnd(t *testing.T) {
	src := &fakeSource{messages: testMessages()}
	gw := &fakeGateway{}
	c := newController(t, src, gw)

	res, err := c.Run(context.Background(), "2026-08-24", runNow)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Skipped || res.ExtractiveOnly {
		t.Fatalf("unexpected result flags: %+v", res)
	}
	if res.ItemCount == 0 {
		t.Fatal("expected extracted items")
	}
	if len(res.Artifacts) != 2 {
		t.Fatalf("expected json+md artifacts, got %v", res.Artifacts)
	}
	for _, p := range res.Artifacts {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("artifact missing: %v", err)
		}
	}

	raw, err := os.ReadFile(res.Artifacts[0])
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var d digest.Digest
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("artifact is not valid JSON: %v", err)
	}
	if d.SchemaVersion != digest.SchemaV2 || d.DigestDate != "2026-08-24" {
		t.Fatalf("unexpected document header: %+v", d)
	}
	for _, sec := range d.Sections {
		for _, it := range sec.Items {
			if len(it.Citations) == 0 {
				t.Fatalf("item without citation survived strict mode: %+v", it)
			}
			if it.RankScore == nil {
				t.Fatal("ranking enabled but rank_score unset")
			}
		}
	}

	w, err := c.Store.LoadWatermark()
	if err != nil {
		t.Fatalf("watermark must be seated after success: %v", err)
	}
	if w.Token != "tok-final" || !w.SweptAt.Equal(runNow) {
		t.Fatalf("watermark wrong: %+v", w)
	}
}

func TestRun_IdempotentRerunSkips(t *testing.T) {
	src := &fakeSource{messages: testMessages()}
	gw := &fakeGateway{}
	c := newController(t, src, gw)

	if _, err := c.Run(context.Background(), "2026-08-24", runNow); err != nil {
		t.Fatalf("first run: %v", err)
	}
	callsAfterFirst := gw.calls

	res, err := c.Run(context.Background(), "2026-08-24", runNow.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if !res.Skipped {
		t.Fatal("rerun inside the rebuild window must be skipped")
	}
	if gw.calls != callsAfterFirst {
		t.Fatal("skipped rerun must not call the gateway")
	}

	// Past the window the run is rebuilt.
	res, err = c.Run(context.Background(), "2026-08-24", runNow.Add(49*time.Hour))
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if res.Skipped {
		t.Fatal("run older than the window must rebuild")
	}
}

func TestRun_ForceRebuilds(t *testing.T) {
	src := &fakeSource{messages: testMessages()}
	gw := &fakeGateway{}
	c := newController(t, src, gw)

	if _, err := c.Run(context.Background(), "2026-08-24", runNow); err != nil {
		t.Fatalf("first run: %v", err)
	}
	c.Cfg.Force = true
	res, err := c.Run(context.Background(), "2026-08-24", runNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if res.Skipped {
		t.Fatal("force must bypass the rebuild window")
	}
}

func TestRun_FailureKeepsWatermark(t *testing.T) {
	src := &fakeSource{messages: testMessages()}
	gw := &fakeGateway{err: fmt.Errorf("%w: still invalid", gateway.ErrSchema)}
	c := newController(t, src, gw)

	_, err := c.Run(context.Background(), "2026-08-24", runNow)
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("expected RunError, got %v", err)
	}
	if re.Stage != StageLLMCalling || re.Kind != FailSchemaViolation {
		t.Fatalf("wrong classification: stage=%s kind=%s", re.Stage, re.Kind)
	}
	if _, err := c.Store.LoadWatermark(); !errors.Is(err, state.ErrNoWatermark) {
		t.Fatal("failed run must not advance the watermark")
	}
	if _, ok, _ := c.Store.RunDone("2026-08-24"); ok {
		t.Fatal("failed run must not record a done marker")
	}
	if entries, _ := os.ReadDir(c.Cfg.OutputDir); len(entries) != 0 {
		t.Fatal("failed run must not leave artifacts")
	}
}

func TestRun_CorruptedWatermarkTriggersSweep(t *testing.T) {
	src := &fakeSource{messages: testMessages()}
	gw := &fakeGateway{}
	c := newController(t, src, gw)

	// A zero sweep timestamp fails the decode-time sanity check.
	if err := c.Store.SaveWatermark(state.Watermark{Token: "stale"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err := c.Run(context.Background(), "2026-08-24", runNow)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if src.sweepCalls != 1 {
		t.Fatalf("expected a full sweep, saw %d", src.sweepCalls)
	}
	if src.fetchCalls != 0 {
		t.Fatal("sweep path must not page incrementally")
	}
	if res.ItemCount == 0 {
		t.Fatal("sweep must still produce a digest")
	}
	w, err := c.Store.LoadWatermark()
	if err != nil || !w.SweptAt.Equal(runNow) {
		t.Fatalf("watermark must be re-seated after sweep: %+v %v", w, err)
	}
}

func TestRun_RepeatedFetchErrorsFallBackToSweep(t *testing.T) {
	src := &fakeSource{
		messages: testMessages(),
		pageErrs: []error{errors.New("timeout"), errors.New("timeout")},
	}
	gw := &fakeGateway{}
	c := newController(t, src, gw)

	if _, err := c.Run(context.Background(), "2026-08-24", runNow); err != nil {
		t.Fatalf("run: %v", err)
	}
	if src.sweepCalls != 1 {
		t.Fatalf("expected sweep after repeated failures, saw %d", src.sweepCalls)
	}
}

func TestRun_PermanentFetchErrorFails(t *testing.T) {
	src := &fakeSource{
		messages: testMessages(),
		pageErrs: []error{fmt.Errorf("bad credentials: %w", mail.ErrPermanent)},
	}
	c := newController(t, src, &fakeGateway{})

	_, err := c.Run(context.Background(), "2026-08-24", runNow)
	var re *RunError
	if !errors.As(err, &re) || re.Kind != FailAuthFailure {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if src.sweepCalls != 0 {
		t.Fatal("permanent errors must not trigger a sweep")
	}
}

func TestRun_BudgetRefusalDegradesToExtractive(t *testing.T) {
	src := &fakeSource{messages: testMessages()}
	gw := &fakeGateway{err: fmt.Errorf("%w: over cap", gateway.ErrBudgetExceeded)}
	c := newController(t, src, gw)

	res, err := c.Run(context.Background(), "2026-08-24", runNow)
	if err != nil {
		t.Fatalf("run must degrade, not fail: %v", err)
	}
	if !res.ExtractiveOnly {
		t.Fatal("expected extractive-only mode")
	}
	if res.ItemCount == 0 {
		t.Fatal("rule-based extraction must still find the approval request")
	}
}

func TestRun_NoGatewayIsExtractiveOnly(t *testing.T) {
	src := &fakeSource{messages: testMessages()}
	c := newController(t, src, nil)

	res, err := c.Run(context.Background(), "2026-08-24", runNow)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.ExtractiveOnly || res.ItemCount == 0 {
		t.Fatalf("expected extractive items without a gateway: %+v", res)
	}
}

func TestRun_Deterministic(t *testing.T) {
	src := &fakeSource{messages: testMessages()}
	gw := &fakeGateway{}
	c := newController(t, src, gw)
	c.Cfg.Force = true

	read := func() []byte {
		raw, err := os.ReadFile(filepath.Join(c.Cfg.OutputDir, "digest-2026-08-24.json"))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return raw
	}

	if _, err := c.Run(context.Background(), "2026-08-24", runNow); err != nil {
		t.Fatalf("first: %v", err)
	}
	first := read()
	if _, err := c.Run(context.Background(), "2026-08-24", runNow); err != nil {
		t.Fatalf("second: %v", err)
	}
	second := read()
	// The trace id is derived from the input, so the whole document repeats.
	if !bytes.Equal(first, second) {
		t.Fatal("two runs over the same input must yield byte-identical JSON")
	}
}

func TestRun_ThreadDepthRaisesRank(t *testing.T) {
	same := runNow.Add(-3 * time.Hour)
	msgs := []mail.Message{
		{MsgID: "t1", ConversationID: "conv-t", ReceivedAt: runNow.Add(-6 * time.Hour),
			Sender: "pm@corp.example.com", To: []string{"ivan@corp.example.com"},
			Subject: "Budget", RawBody: "Please approve the budget plan.", ChangeKey: "ck-t1"},
		{MsgID: "t2", ConversationID: "conv-t", ReceivedAt: same,
			Sender: "pm@corp.example.com", To: []string{"ivan@corp.example.com"},
			Subject: "Budget", RawBody: "Reminder about the budget plan.", ChangeKey: "ck-t2"},
		// Same timestamp and envelope, but a conversation of one.
		{MsgID: "s1", ConversationID: "conv-s", ReceivedAt: same,
			Sender: "pm@corp.example.com", To: []string{"ivan@corp.example.com"},
			Subject: "Roadmap", RawBody: "Please review the roadmap draft.", ChangeKey: "ck-s1"},
	}
	c := newController(t, &fakeSource{messages: msgs}, &fakeGateway{})

	if _, err := c.Run(context.Background(), "2026-08-24", runNow); err != nil {
		t.Fatalf("run: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(c.Cfg.OutputDir, "digest-2026-08-24.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var d digest.Digest
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	scores := map[string]float64{}
	for _, sec := range d.Sections {
		for _, it := range sec.Items {
			if it.RankScore != nil {
				scores[it.Text] = *it.RankScore
			}
		}
	}
	deep, ok := scores["Reminder about the budget plan."]
	if !ok {
		t.Fatalf("threaded item missing from digest: %v", scores)
	}
	solo, ok := scores["Please review the roadmap draft."]
	if !ok {
		t.Fatalf("singleton item missing from digest: %v", scores)
	}
	if deep <= solo {
		t.Fatalf("two-message thread must outrank a singleton, got %v <= %v", deep, solo)
	}
	// The only feature separating the two is thread depth: 2/10 vs 1/10.
	gap := c.Ranker.Config.Weights.ThreadLength * 0.1
	if math.Abs((deep-solo)-gap) > 1e-9 {
		t.Fatalf("score gap %v, want %v", deep-solo, gap)
	}
}

func TestCite_StrictBuildFailureIsValidationError(t *testing.T) {
	c := newController(t, &fakeSource{}, nil)
	chunks := []evidence.Chunk{{EvidenceID: "ev1", MsgID: "ghost", Content: "missing text"}}
	items := []digest.Item{{Kind: digest.KindAction, Text: "missing text", Confidence: 0.9, EvidenceID: "ev1"}}

	_, err := c.cite(items, chunks, map[string]mail.NormalizedMessage{})
	var ve *citation.ValidationError
	if !errors.As(err, &ve) || ve.Invariant != "not_found" {
		t.Fatalf("expected not_found validation error, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{context.Canceled, FailCancelled},
		{fmt.Errorf("wrap: %w", gateway.ErrBudgetExceeded), FailBudgetExceeded},
		{fmt.Errorf("wrap: %w", gateway.ErrSchema), FailSchemaViolation},
		{fmt.Errorf("wrap: %w", mail.ErrPermanent), FailAuthFailure},
		{&citation.ValidationError{Invariant: "range"}, FailDataIntegrity},
		{errors.New("boom"), FailInternal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
