package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maildrift/inboxdigest/internal/app"
)

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	// Logging setup
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var (
		configPath    string
		userID        string
		userAliases   string
		userAddresses string
		outputDir     string
		stateDir      string
		fixturePath   string
		pageSize      int
		lookbackHours int
		timezone      string
		window        string
		digestDate    string
		locale        string
		force         bool
		workers       int
		wallClockS    int
		writePDF      bool
		metricsAddr   string
		verbose       bool

		llmBaseURL     string
		llmModel       string
		llmKey         string
		llmTimeoutS    int
		promptVersion  string
		llmCacheDir    string
		llmRatePerSec  float64
		extractiveOnly bool

		maxTokensPerRun  int
		costLimitPerRun  float64
		pricePerKTokens  float64
		callBudgetTokens int

		cleanerDisabled  bool
		keepTopQuoteHead bool
		rankerDisabled   bool
		strictCitations  bool
	)

	flag.StringVar(&configPath, "config", os.Getenv("INBOXDIGEST_CONFIG"), "Path to YAML/JSON config file")
	flag.StringVar(&userID, "user.id", os.Getenv("DIGEST_USER_ID"), "Digest owner identifier")
	flag.StringVar(&userAliases, "user.aliases", os.Getenv("DIGEST_USER_ALIASES"), "Comma-separated owner names for mention detection")
	flag.StringVar(&userAddresses, "user.addresses", os.Getenv("DIGEST_USER_ADDRESSES"), "Comma-separated owner addresses for To/CC features")
	flag.StringVar(&outputDir, "output.dir", os.Getenv("DIGEST_OUTPUT_DIR"), "Directory for digest artifacts")
	flag.StringVar(&stateDir, "state.dir", os.Getenv("DIGEST_STATE_DIR"), "Directory for watermark and run state")
	flag.StringVar(&fixturePath, "ews.fixture", os.Getenv("EWS_FIXTURE"), "Path to JSON mailbox fixture (offline source)")
	flag.IntVar(&pageSize, "ews.pageSize", 100, "Fetch batch size")
	flag.IntVar(&lookbackHours, "ews.lookbackHours", 24, "Look-back horizon in hours for full sweep")
	flag.StringVar(&timezone, "time.userTimezone", os.Getenv("DIGEST_TIMEZONE"), "IANA timezone of the digest owner")
	flag.StringVar(&window, "time.window", "", "Ingest window: calendar_day or rolling_24h")
	flag.StringVar(&digestDate, "date", "", "Digest date override (YYYY-MM-DD; default today)")
	flag.StringVar(&locale, "locale", "", "Rendering language, e.g. 'ru' or 'en'")
	flag.BoolVar(&force, "force", false, "Rebuild even inside the 48h window")
	flag.IntVar(&workers, "workers", 0, "Worker pool size for per-message normalization (default 4)")
	flag.IntVar(&wallClockS, "wallClockS", 0, "Per-run wall-clock budget in seconds (default 300)")
	flag.BoolVar(&writePDF, "enable.pdf", false, "Also write a PDF artifact")
	flag.StringVar(&metricsAddr, "metrics.addr", os.Getenv("METRICS_ADDR"), "Prometheus scrape address, e.g. :9090 (empty disables)")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")

	flag.StringVar(&llmBaseURL, "llm.base", os.Getenv("LLM_BASE_URL"), "OpenAI-compatible base URL")
	flag.StringVar(&llmModel, "llm.model", os.Getenv("LLM_MODEL"), "Model name")
	flag.StringVar(&llmKey, "llm.key", os.Getenv("LLM_API_KEY"), "API key for the gateway")
	flag.IntVar(&llmTimeoutS, "llm.timeoutS", 0, "Per-call timeout in seconds (default 45)")
	flag.StringVar(&promptVersion, "llm.promptVersion", "", "Prompt schema version: v1 or v2 (default v2)")
	flag.StringVar(&llmCacheDir, "llm.cacheDir", os.Getenv("LLM_CACHE_DIR"), "Reply cache directory (empty disables)")
	flag.Float64Var(&llmRatePerSec, "llm.ratePerSec", 0, "Gateway request rate limit (0 disables)")
	flag.BoolVar(&extractiveOnly, "extractive-only", false, "Skip the gateway and emit rule-based items")

	flag.IntVar(&maxTokensPerRun, "llm.maxTokensPerRun", 0, "Token cap per run (0 disables)")
	flag.Float64Var(&costLimitPerRun, "llm.costLimitPerRun", 0, "Cost cap per run in billing units (0 disables)")
	flag.Float64Var(&pricePerKTokens, "llm.pricePerKTokens", 0, "Price per 1k tokens for the cost cap")
	flag.IntVar(&callBudgetTokens, "llm.callBudgetTokens", 0, "Evidence tokens packed per call (default 3000)")

	flag.BoolVar(&cleanerDisabled, "cleaner.disable", false, "Disable body cleaning")
	flag.BoolVar(&keepTopQuoteHead, "cleaner.keepTopQuoteHead", false, "Keep the head of the outermost quote")
	flag.BoolVar(&rankerDisabled, "ranker.disable", false, "Emit items in LLM order without rank scores")
	flag.BoolVar(&strictCitations, "citations.strict", false, "Abort on the first citation invariant violation (exit code 2)")
	flag.Parse()

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg := app.Config{
		UserID:           userID,
		UserAliases:      splitList(userAliases),
		UserAddresses:    splitList(userAddresses),
		OutputDir:        outputDir,
		StateDir:         stateDir,
		FixturePath:      fixturePath,
		PageSize:         pageSize,
		LookbackHours:    lookbackHours,
		Timezone:         timezone,
		Window:           window,
		DigestDate:       digestDate,
		Locale:           locale,
		Force:            force,
		Workers:          workers,
		WallClockSeconds: wallClockS,
		WritePDF:         writePDF,
		MetricsAddr:      metricsAddr,
		Verbose:          verbose,
		LLMBaseURL:       llmBaseURL,
		LLMModel:         llmModel,
		LLMAPIKey:        llmKey,
		LLMTimeoutS:      llmTimeoutS,
		PromptVersion:    promptVersion,
		LLMCacheDir:      llmCacheDir,
		LLMRatePerSec:    llmRatePerSec,
		ExtractiveOnly:   extractiveOnly,
		MaxTokensPerRun:  maxTokensPerRun,
		CostLimitPerRun:  costLimitPerRun,
		PricePerKTokens:  pricePerKTokens,
		CallBudgetTokens: callBudgetTokens,
		CleanerEnabled:   !cleanerDisabled,
		KeepTopQuoteHead: keepTopQuoteHead,
		RankerEnabled:    !rankerDisabled,
		StrictCitations:  strictCitations,
	}
	if configPath != "" {
		fc, err := app.LoadConfigFile(configPath)
		if err != nil {
			log.Error().Err(err).Str("path", configPath).Msg("failed to load config file")
			os.Exit(1)
		}
		app.ApplyFileConfig(&cfg, fc)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app.App{Cfg: cfg}
	res, err := a.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("digest run failed")
		os.Exit(app.ExitCode(err))
	}
	if res.Skipped {
		log.Info().Str("digest_date", res.DigestDate).Msg("digest already current; nothing to do")
		return
	}
	log.Info().Str("digest_date", res.DigestDate).Int("items", res.ItemCount).
		Strs("artifacts", res.Artifacts).Bool("extractive_only", res.ExtractiveOnly).
		Msg("digest written")
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
