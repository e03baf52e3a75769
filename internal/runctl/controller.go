// Package runctl owns a digest run end to end: idempotency, the watermark,
// the pipeline state machine, fan-out for per-message work, and atomic
// artifact persistence. A run either completes fully or leaves no trace.
package runctl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/maildrift/inboxdigest/internal/assemble"
	"github.com/maildrift/inboxdigest/internal/citation"
	"github.com/maildrift/inboxdigest/internal/cleaner"
	"github.com/maildrift/inboxdigest/internal/digest"
	"github.com/maildrift/inboxdigest/internal/evidence"
	"github.com/maildrift/inboxdigest/internal/extractor"
	"github.com/maildrift/inboxdigest/internal/gateway"
	"github.com/maildrift/inboxdigest/internal/htmltext"
	"github.com/maildrift/inboxdigest/internal/mail"
	"github.com/maildrift/inboxdigest/internal/metrics"
	"github.com/maildrift/inboxdigest/internal/rank"
	"github.com/maildrift/inboxdigest/internal/state"
	"github.com/maildrift/inboxdigest/internal/thread"
)

// Defaults for the controller's knobs.
const (
	DefaultLookback      = 24 * time.Hour
	DefaultRebuildWindow = 48 * time.Hour
	DefaultWorkers       = 4
	DefaultWallClock     = 300 * time.Second
	DefaultPageTimeout   = 30 * time.Second
)

// Config holds the per-user run parameters.
type Config struct {
	UserID        string
	OutputDir     string
	Locale        string
	Lookback      time.Duration
	RebuildWindow time.Duration
	Workers       int
	WallClock     time.Duration
	PageTimeout   time.Duration
	// Force rebuilds even when a younger-than-window run exists.
	Force bool
	// CallBudgetTokens caps evidence packed into the gateway call; zero uses
	// the evidence package default.
	CallBudgetTokens int
	CitationMode     citation.Mode
	MaxThreadDepth   int
	WritePDF         bool
}

func (c *Config) applyDefaults() {
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
	if c.RebuildWindow <= 0 {
		c.RebuildWindow = DefaultRebuildWindow
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.WallClock <= 0 {
		c.WallClock = DefaultWallClock
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = DefaultPageTimeout
	}
}

// Gateway is the LLM side of the pipeline; nil means extractive-only mode.
type Gateway interface {
	ExtractItems(ctx context.Context, req gateway.Request) ([]digest.Item, error)
}

// Controller wires the pipeline stages together.
type Controller struct {
	Cfg       Config
	Source    mail.Source
	Cleaner   *cleaner.Cleaner
	Extractor *extractor.Extractor
	Gateway   Gateway
	Ranker    *rank.Ranker
	Store     *state.Store
	Met       *metrics.Metrics
}

// Result summarizes a finished run.
type Result struct {
	DigestDate     string
	TraceID        string
	Skipped        bool
	ExtractiveOnly bool
	ItemCount      int
	Artifacts      []string
}

// Run builds the digest for one date. Reruns inside the rebuild window are
// skipped unless forced; the watermark advances only after artifacts and the
// done marker are persisted.
func (c *Controller) Run(ctx context.Context, digestDate string, now time.Time) (Result, error) {
	c.Cfg.applyDefaults()
	if c.Cfg.OutputDir == "" || c.Cfg.UserID == "" {
		return Result{}, &RunError{Stage: StageIdle, Kind: FailConfigError,
			Err: errors.New("user id and output dir are required")}
	}

	if rec, ok, err := c.Store.RunDone(digestDate); err != nil {
		return Result{}, c.fail(StageIdle, err)
	} else if ok && now.Sub(rec.CompletedAt) < c.Cfg.RebuildWindow && !c.Cfg.Force {
		log.Info().Str("digest_date", digestDate).Time("completed_at", rec.CompletedAt).
			Msg("run inside rebuild window; skipping")
		c.Met.CountRun("skipped")
		return Result{DigestDate: digestDate, Skipped: true, Artifacts: rec.Artifacts}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.Cfg.WallClock)
	defer cancel()
	runID := uuid.NewString()
	started := time.Now()
	logger := log.With().Str("trace_id", runID).Str("digest_date", digestDate).Logger()
	logger.Info().Str("user_id", c.Cfg.UserID).Msg("digest run started")

	// FETCHING
	msgs, nextToken, swept, err := c.fetch(ctx, now)
	if err != nil {
		return Result{}, c.fail(StageFetching, err)
	}
	msgs, pairs, err := c.dedupe(msgs, swept)
	if err != nil {
		return Result{}, c.fail(StageFetching, err)
	}
	threads := thread.Build(msgs, thread.Options{MaxDepth: c.Cfg.MaxThreadDepth})
	lengths := thread.Lengths(threads)
	var ordered []mail.Message
	for _, t := range threads {
		ordered = append(ordered, t.Messages...)
	}
	logger.Info().Int("messages", len(ordered)).Int("threads", len(threads)).Bool("swept", swept).
		Msg("fetch complete")

	// NORMALIZING
	normalized, err := c.normalize(ctx, ordered)
	if err != nil {
		return Result{}, c.fail(StageNormalizing, err)
	}
	// Written once here, read-only for the rest of the run.
	bodies := make(map[string]mail.NormalizedMessage, len(normalized))
	for _, nm := range normalized {
		bodies[nm.MsgID] = nm
	}
	// The document carries an input-derived trace id so two runs over the
	// same messages emit byte-identical artifacts; runID stays random and
	// only correlates logs and gateway requests.
	docTraceID := documentTraceID(c.Cfg.UserID, digestDate, normalized)

	// EXTRACTING
	var chunks []evidence.Chunk
	extractive := make(map[string][]digest.Item) // evidence_id -> fallback items
	for _, nm := range normalized {
		senderRank := c.Ranker.SenderImportance(nm.Sender)
		cands := c.Extractor.Extract(nm.TextBody, senderRank, nm.ReceivedAt)
		split := evidence.Split(nm)
		chunks = append(chunks, split...)
		for _, cand := range cands {
			ch, ok := containing(split, cand)
			if !ok {
				continue
			}
			extractive[ch.EvidenceID] = append(extractive[ch.EvidenceID], digest.Item{
				Kind:       cand.Kind,
				Text:       cand.Text,
				Verb:       cand.Verb,
				Who:        cand.Who,
				Due:        cand.Due,
				Confidence: cand.Confidence,
				EvidenceID: ch.EvidenceID,
			})
		}
	}
	selected := evidence.SelectWithinBudget(chunks, c.Cfg.CallBudgetTokens, c.Extractor.QuickScore)

	// LLM_CALLING
	items, extractiveOnly, err := c.extractItems(ctx, selected, extractive, digestDate, runID)
	if err != nil {
		return Result{}, c.fail(StageLLMCalling, err)
	}
	for _, it := range items {
		c.Met.CountAction(string(it.Kind))
	}

	// CITING
	items, err = c.cite(items, chunks, bodies)
	if err != nil {
		return Result{}, c.fail(StageCiting, err)
	}

	// RANKING
	inputs := make([]rank.Input, 0, len(items))
	chunkByID := indexChunks(chunks)
	for _, it := range items {
		ch := chunkByID[it.EvidenceID]
		nm := bodies[ch.MsgID]
		inputs = append(inputs, rank.Input{
			Item:           it,
			Sender:         nm.Sender,
			To:             nm.To,
			CC:             nm.CC,
			Subject:        nm.Subject,
			HasAttachments: nm.HasAttachments,
			ReceivedAt:     nm.ReceivedAt,
			ThreadLength:   lengths[nm.MsgID],
		})
	}
	ranked := c.Ranker.Rank(inputs, now)

	// ASSEMBLING
	artifacts, err := c.persist(ranked, digestDate, docTraceID)
	if err != nil {
		return Result{}, c.fail(StageAssembling, err)
	}
	if err := c.Store.MarkSeen(pairs); err != nil {
		return Result{}, c.fail(StageAssembling, err)
	}
	if err := c.Store.MarkRunDone(state.RunRecord{
		DigestDate: digestDate, CompletedAt: now, Artifacts: artifacts,
	}); err != nil {
		return Result{}, c.fail(StageAssembling, err)
	}
	if err := c.Store.SaveWatermark(state.Watermark{Token: nextToken, SweptAt: now}); err != nil {
		return Result{}, c.fail(StageAssembling, err)
	}

	c.Met.CountRun("ok")
	c.Met.ObserveBuild(time.Since(started).Seconds())
	logger.Info().Int("items", len(ranked)).Bool("extractive_only", extractiveOnly).
		Dur("took", time.Since(started)).Msg("digest run complete")
	return Result{
		DigestDate:     digestDate,
		TraceID:        docTraceID,
		ExtractiveOnly: extractiveOnly,
		ItemCount:      len(ranked),
		Artifacts:      artifacts,
	}, nil
}

// fetch loads messages since the watermark. A missing watermark falls back to
// the look-back horizon; a corrupted one (or repeated page failures) triggers
// a full sweep over three look-back windows.
func (c *Controller) fetch(ctx context.Context, now time.Time) ([]mail.Message, string, bool, error) {
	since := now.Add(-c.Cfg.Lookback)
	token := ""
	w, err := c.Store.LoadWatermark()
	switch {
	case err == nil:
		since, token = w.SweptAt, w.Token
	case errors.Is(err, state.ErrNoWatermark):
		// First run; keep the default horizon.
	case errors.Is(err, state.ErrCorrupted):
		log.Warn().Err(err).Msg("watermark corrupted; full sweep")
		msgs, serr := c.sweep(ctx)
		return msgs, "", true, serr
	default:
		return nil, "", false, err
	}

	var out []mail.Message
	failures := 0
	for {
		pctx, cancel := context.WithTimeout(ctx, c.Cfg.PageTimeout)
		res, err := c.Source.Fetch(pctx, since, token)
		cancel()
		if err != nil {
			if !mail.IsRetryable(err) {
				return nil, "", false, err
			}
			failures++
			if failures > 1 {
				// Repeated sync errors: abandon incremental sync for a sweep.
				log.Warn().Err(err).Msg("repeated fetch failures; full sweep")
				msgs, serr := c.sweep(ctx)
				return msgs, "", true, serr
			}
			continue
		}
		out = append(out, res.Messages...)
		token = res.NextToken
		if res.Done {
			return out, token, false, nil
		}
	}
}

func (c *Controller) sweep(ctx context.Context) ([]mail.Message, error) {
	return c.Source.Sweep(ctx, c.Cfg.Lookback*3)
}

// dedupe drops duplicate (msg_id, changekey) pairs within the batch and
// returns the pairs to record after a successful run. On the sweep path the
// persistent seen-set also applies, so a re-seated watermark does not
// double-process messages already digested before the corruption.
func (c *Controller) dedupe(msgs []mail.Message, swept bool) ([]mail.Message, map[string]string, error) {
	pairs := make(map[string]string, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if swept {
			seen, err := c.Store.Seen(m.MsgID, m.ChangeKey)
			if err != nil {
				return nil, nil, err
			}
			if seen {
				c.Met.CountEmail("duplicate")
				continue
			}
		}
		if _, dup := pairs[m.MsgID]; dup {
			continue
		}
		pairs[m.MsgID] = m.ChangeKey
		out = append(out, m)
	}
	return out, pairs, nil
}

// normalize runs HTML normalization and body cleaning per message on a
// bounded worker pool. Results land in a pre-sized slice, so no lock is
// needed and the output order matches the input order.
func (c *Controller) normalize(ctx context.Context, msgs []mail.Message) ([]mail.NormalizedMessage, error) {
	results := make([]mail.NormalizedMessage, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Cfg.Workers)
	for i, m := range msgs {
		i, m := i, m
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			text := htmltext.Normalize(m.RawBody)
			res := c.Cleaner.Clean(text)
			results[i] = mail.NormalizedMessage{
				Message:      m,
				TextBody:     res.CleanedText,
				RemovedSpans: res.RemovedSpans,
				Checksum:     mail.BodyChecksum(res.CleanedText),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	kept := results[:0]
	for _, nm := range results {
		if nm.TextBody == "" {
			c.Met.CountEmail("empty")
			continue
		}
		c.Met.CountEmail("processed")
		kept = append(kept, nm)
	}
	return kept, nil
}

// extractItems runs the gateway over the selected evidence, degrading to the
// rule-based extraction when the gateway is absent or the budget refuses the
// call.
func (c *Controller) extractItems(ctx context.Context, selected []evidence.Chunk, extractive map[string][]digest.Item, digestDate, traceID string) ([]digest.Item, bool, error) {
	if c.Gateway == nil {
		return flattenExtractive(selected, extractive), true, nil
	}
	items, err := c.Gateway.ExtractItems(ctx, gateway.Request{
		Chunks:     selected,
		DigestDate: digestDate,
		TraceID:    traceID,
		Locale:     c.Cfg.Locale,
	})
	if errors.Is(err, gateway.ErrBudgetExceeded) {
		log.Warn().Err(err).Msg("gateway budget refused; extractive-only mode")
		return flattenExtractive(selected, extractive), true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return items, false, nil
}

// flattenExtractive emits rule-based candidates for the selected chunks in
// chunk order.
func flattenExtractive(selected []evidence.Chunk, extractive map[string][]digest.Item) []digest.Item {
	var out []digest.Item
	for _, ch := range selected {
		out = append(out, extractive[ch.EvidenceID]...)
	}
	return out
}

// cite attaches and validates citations. Items citing an unknown evidence id
// are fatal in strict mode and dropped in lax mode.
func (c *Controller) cite(items []digest.Item, chunks []evidence.Chunk, bodies map[string]mail.NormalizedMessage) ([]digest.Item, error) {
	chunkByID := indexChunks(chunks)
	builder := &citation.Builder{
		Bodies: bodies,
		FuzzApplied: func(msgID string, dist int) {
			log.Debug().Str("msg_id", msgID).Int("fuzz_distance", dist).Msg("fuzzy citation match")
		},
	}
	out := items[:0]
	for _, it := range items {
		ch, ok := chunkByID[it.EvidenceID]
		if !ok {
			c.Met.CountCitationFailure("not_found")
			if c.Cfg.CitationMode == citation.Strict {
				return nil, &citation.ValidationError{Invariant: "not_found",
					Detail: fmt.Sprintf("unknown evidence id %s", it.EvidenceID)}
			}
			continue
		}
		cit, err := builder.Build(ch, it.Text)
		if err != nil {
			c.Met.CountCitationFailure("not_found")
			if c.Cfg.CitationMode == citation.Strict {
				return nil, &citation.ValidationError{MsgID: ch.MsgID,
					Invariant: "not_found", Detail: err.Error()}
			}
			continue
		}
		it.Citations = append(it.Citations, cit)
		c.Met.ObserveCitationsPerItem(len(it.Citations))
		out = append(out, it)
	}
	validator := &citation.Validator{
		Bodies: bodies,
		Mode:   c.Cfg.CitationMode,
		OnFailure: func(invariant string) {
			c.Met.CountCitationFailure(invariant)
		},
	}
	if err := validator.Validate(out); err != nil {
		if c.Cfg.CitationMode == citation.Strict {
			return nil, err
		}
		log.Warn().Err(err).Msg("citation validation reported failures")
	}
	return out, nil
}

// persist writes the artifacts atomically and returns their paths.
func (c *Controller) persist(items []digest.Item, digestDate, traceID string) ([]string, error) {
	d := assemble.Build(items, digestDate, traceID)
	raw, err := assemble.JSON(d)
	if err != nil {
		return nil, err
	}
	md := assemble.Markdown(d, c.Cfg.Locale)

	jsonPath := filepath.Join(c.Cfg.OutputDir, "digest-"+digestDate+".json")
	mdPath := filepath.Join(c.Cfg.OutputDir, "digest-"+digestDate+".md")
	if err := state.AtomicWriteFile(jsonPath, raw, 0o644); err != nil {
		return nil, err
	}
	if err := state.AtomicWriteFile(mdPath, []byte(md), 0o644); err != nil {
		return nil, err
	}
	artifacts := []string{jsonPath, mdPath}
	if c.Cfg.WritePDF {
		pdfPath := filepath.Join(c.Cfg.OutputDir, "digest-"+digestDate+".pdf")
		if err := assemble.WritePDF(md, pdfPath); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, pdfPath)
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func (c *Controller) fail(stage Stage, err error) error {
	kind := Classify(err)
	log.Error().Str("stage", stage.String()).Str("kind", string(kind)).Err(err).Msg("digest run failed")
	c.Met.CountRun("failed")
	return &RunError{Stage: stage, Kind: kind, Err: err}
}

// documentTraceID hashes the run inputs into the artifact trace id.
func documentTraceID(userID, digestDate string, msgs []mail.NormalizedMessage) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(digestDate))
	for _, nm := range msgs {
		h.Write([]byte{0})
		h.Write([]byte(nm.MsgID))
		h.Write([]byte{0})
		h.Write([]byte(nm.Checksum))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func indexChunks(chunks []evidence.Chunk) map[string]evidence.Chunk {
	out := make(map[string]evidence.Chunk, len(chunks))
	for _, ch := range chunks {
		out[ch.EvidenceID] = ch
	}
	return out
}

// containing returns the chunk whose span covers the candidate sentence.
func containing(chunks []evidence.Chunk, cand extractor.Candidate) (evidence.Chunk, bool) {
	for _, ch := range chunks {
		if cand.Start >= ch.StartInBody && cand.End <= ch.EndInBody {
			return ch, true
		}
	}
	return evidence.Chunk{}, false
}
