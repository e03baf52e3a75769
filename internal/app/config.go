package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maildrift/inboxdigest/internal/rank"
)

// Window selects how the ingest horizon relates to the digest date.
const (
	WindowCalendarDay = "calendar_day"
	WindowRolling24h  = "rolling_24h"
)

// Config is the resolved configuration of one digest invocation. Flags and
// environment populate it first; a config file overlays the gaps.
type Config struct {
	UserID        string
	UserAliases   []string
	UserAddresses []string
	OutputDir     string
	StateDir      string

	// FixturePath points at a JSON mailbox fixture; it is the offline source
	// used by tests and local runs.
	FixturePath string
	PageSize    int

	LookbackHours int
	Timezone      string
	Window        string
	// DigestDate overrides the computed date (YYYY-MM-DD).
	DigestDate string
	Locale     string
	Force      bool

	Workers          int
	WallClockSeconds int
	MaxThreadDepth   int
	WritePDF         bool
	MetricsAddr      string
	Verbose          bool

	LLMBaseURL    string
	LLMModel      string
	LLMAPIKey     string
	LLMTimeoutS   int
	PromptVersion string
	LLMCacheDir   string
	LLMRatePerSec float64
	// ExtractiveOnly skips the gateway entirely.
	ExtractiveOnly bool

	MaxTokensPerRun  int
	CostLimitPerRun  float64
	PricePerKTokens  float64
	CallBudgetTokens int

	CleanerEnabled        bool
	KeepTopQuoteHead      bool
	MaxTopQuoteParagraphs int
	MaxTopQuoteLines      int
	MaxQuoteRemovalLength int
	WhitelistPatterns     []string
	BlacklistPatterns     []string
	TrackRemovedSpans     bool

	ExtraActionPatterns []string

	RankerEnabled    bool
	RankWeights      rank.Weights
	ImportantSenders map[string]float64
	ProjectTags      []string

	StrictCitations bool
}

// Validate rejects configurations the pipeline cannot run with.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.UserID) == "" {
		return errors.New("config: user id is required")
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return errors.New("config: output dir is required")
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		return errors.New("config: state dir is required")
	}
	if strings.TrimSpace(cfg.FixturePath) == "" {
		return errors.New("config: a mailbox source is required (set fixture path)")
	}
	if !cfg.ExtractiveOnly && strings.TrimSpace(cfg.LLMModel) == "" {
		return errors.New("config: llm.model is required (or run extractive-only)")
	}
	if cfg.Window != "" && cfg.Window != WindowCalendarDay && cfg.Window != WindowRolling24h {
		return fmt.Errorf("config: unknown time window %q", cfg.Window)
	}
	if cfg.LookbackHours < 0 || cfg.MaxTokensPerRun < 0 || cfg.WallClockSeconds < 0 {
		return errors.New("config: negative limits are not allowed")
	}
	return nil
}
