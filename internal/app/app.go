// Package app wires configuration into a runnable digest pipeline and owns
// the process-level exit-code policy.
package app

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maildrift/inboxdigest/internal/budget"
	"github.com/maildrift/inboxdigest/internal/citation"
	"github.com/maildrift/inboxdigest/internal/cleaner"
	"github.com/maildrift/inboxdigest/internal/extractor"
	"github.com/maildrift/inboxdigest/internal/gateway"
	"github.com/maildrift/inboxdigest/internal/mail"
	"github.com/maildrift/inboxdigest/internal/metrics"
	"github.com/maildrift/inboxdigest/internal/rank"
	"github.com/maildrift/inboxdigest/internal/runctl"
	"github.com/maildrift/inboxdigest/internal/state"
)

// App holds the resolved configuration for one invocation.
type App struct {
	Cfg Config
}

// Run builds the pipeline and executes one digest run.
func (a *App) Run(ctx context.Context) (runctl.Result, error) {
	if err := Validate(a.Cfg); err != nil {
		return runctl.Result{}, err
	}

	met := metrics.New()
	if a.Cfg.MetricsAddr != "" {
		go func() {
			if err := met.Serve(a.Cfg.MetricsAddr); err != nil {
				log.Warn().Err(err).Str("addr", a.Cfg.MetricsAddr).Msg("metrics endpoint stopped")
			}
		}()
	}

	store, err := state.Open(filepath.Join(a.Cfg.StateDir, "state.db"))
	if err != nil {
		return runctl.Result{}, err
	}
	defer store.Close()

	source := &mail.FixtureSource{Path: a.Cfg.FixturePath, PageSize: a.Cfg.PageSize}

	cln := cleaner.New(cleaner.Config{
		Enabled:               a.Cfg.CleanerEnabled,
		KeepTopQuoteHead:      a.Cfg.KeepTopQuoteHead,
		MaxTopQuoteParagraphs: a.Cfg.MaxTopQuoteParagraphs,
		MaxTopQuoteLines:      a.Cfg.MaxTopQuoteLines,
		MaxQuoteRemovalLength: a.Cfg.MaxQuoteRemovalLength,
		WhitelistPatterns:     a.Cfg.WhitelistPatterns,
		BlacklistPatterns:     a.Cfg.BlacklistPatterns,
		TrackRemovedSpans:     a.Cfg.TrackRemovedSpans,
	})
	met.CountExtractorErrors(cln.PatternErrors())

	ext := extractor.New(extractor.Config{
		UserAliases:         append(append([]string{}, a.Cfg.UserAliases...), a.Cfg.UserAddresses...),
		ExtraActionPatterns: a.Cfg.ExtraActionPatterns,
	})
	met.CountExtractorErrors(ext.PatternErrors())

	weights := a.Cfg.RankWeights
	if weights == (rank.Weights{}) {
		weights = rank.DefaultWeights()
	}
	ranker := &rank.Ranker{
		Config: rank.Config{
			Enabled:          a.Cfg.RankerEnabled,
			Weights:          weights,
			UserAddresses:    a.Cfg.UserAddresses,
			ImportantSenders: a.Cfg.ImportantSenders,
			ProjectTags:      a.Cfg.ProjectTags,
		},
		Met: met,
	}

	var gw runctl.Gateway
	if !a.Cfg.ExtractiveOnly {
		tracker := &budget.Tracker{
			MaxTokens:       a.Cfg.MaxTokensPerRun,
			CostLimit:       a.Cfg.CostLimitPerRun,
			PricePerKTokens: a.Cfg.PricePerKTokens,
		}
		gw = gateway.New(gateway.Config{
			BaseURL:       a.Cfg.LLMBaseURL,
			APIKey:        a.Cfg.LLMAPIKey,
			Model:         a.Cfg.LLMModel,
			Timeout:       time.Duration(a.Cfg.LLMTimeoutS) * time.Second,
			PromptVersion: a.Cfg.PromptVersion,
			RatePerSec:    a.Cfg.LLMRatePerSec,
			CacheDir:      a.Cfg.LLMCacheDir,
		}, tracker, met)
	}

	mode := citation.Lax
	if a.Cfg.StrictCitations {
		mode = citation.Strict
	}

	now, digestDate, lookback := a.resolveClock()
	ctl := &runctl.Controller{
		Cfg: runctl.Config{
			UserID:           a.Cfg.UserID,
			OutputDir:        a.Cfg.OutputDir,
			Locale:           a.Cfg.Locale,
			Lookback:         lookback,
			Workers:          a.Cfg.Workers,
			WallClock:        time.Duration(a.Cfg.WallClockSeconds) * time.Second,
			Force:            a.Cfg.Force,
			CallBudgetTokens: a.Cfg.CallBudgetTokens,
			CitationMode:     mode,
			MaxThreadDepth:   a.Cfg.MaxThreadDepth,
			WritePDF:         a.Cfg.WritePDF,
		},
		Source:    source,
		Cleaner:   cln,
		Extractor: ext,
		Gateway:   gw,
		Ranker:    ranker,
		Store:     store,
		Met:       met,
	}
	return ctl.Run(ctx, digestDate, now)
}

// resolveClock derives the digest date and ingest horizon from the user's
// timezone and window mode. With calendar_day the horizon reaches back to
// local midnight of the digest date; rolling_24h keeps a fixed look-back.
func (a *App) resolveClock() (time.Time, string, time.Duration) {
	loc := time.UTC
	if a.Cfg.Timezone != "" {
		if l, err := time.LoadLocation(a.Cfg.Timezone); err == nil {
			loc = l
		} else {
			log.Warn().Str("timezone", a.Cfg.Timezone).Err(err).Msg("unknown timezone; using UTC")
		}
	}
	now := time.Now().In(loc)

	digestDate := a.Cfg.DigestDate
	if digestDate == "" {
		digestDate = now.Format("2006-01-02")
	}

	lookback := time.Duration(a.Cfg.LookbackHours) * time.Hour
	if a.Cfg.Window == WindowCalendarDay {
		if day, err := time.ParseInLocation("2006-01-02", digestDate, loc); err == nil {
			if d := now.Sub(day); d > 0 {
				lookback = d
			}
		}
	}
	return now, digestDate, lookback
}

// ExitCode maps a run error to the process exit code: 0 success, 2 strict
// citation validation failure, 1 anything else fatal.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ve *citation.ValidationError
	if errors.As(err, &ve) {
		return 2
	}
	return 1
}
