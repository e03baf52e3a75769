package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	yaml "gopkg.in/yaml.v3"

	"github.com/maildrift/inboxdigest/internal/rank"
)

// FileConfig is the single-file configuration schema. Nested sections map
// naturally to flags and environment variables.
type FileConfig struct {
	User struct {
		ID        string   `yaml:"id" json:"id"`
		Aliases   []string `yaml:"aliases" json:"aliases"`
		Addresses []string `yaml:"addresses" json:"addresses"`
	} `yaml:"user" json:"user"`

	Output struct {
		Dir string `yaml:"dir" json:"dir"`
		PDF bool   `yaml:"pdf" json:"pdf"`
	} `yaml:"output" json:"output"`

	StateDir string `yaml:"stateDir" json:"stateDir"`

	EWS struct {
		FixturePath   string `yaml:"fixturePath" json:"fixturePath"`
		PageSize      int    `yaml:"pageSize" json:"pageSize"`
		LookbackHours int    `yaml:"lookbackHours" json:"lookbackHours"`
	} `yaml:"ews" json:"ews"`

	Time struct {
		UserTimezone string `yaml:"userTimezone" json:"userTimezone"`
		Window       string `yaml:"window" json:"window"`
	} `yaml:"time" json:"time"`

	LLM struct {
		BaseURL         string  `yaml:"base" json:"base"`
		Model           string  `yaml:"model" json:"model"`
		APIKey          string  `yaml:"key" json:"key"`
		TimeoutS        int     `yaml:"timeoutS" json:"timeoutS"`
		PromptVersion   string  `yaml:"promptVersion" json:"promptVersion"`
		CacheDir        string  `yaml:"cacheDir" json:"cacheDir"`
		RatePerSec      float64 `yaml:"ratePerSec" json:"ratePerSec"`
		MaxTokensPerRun int     `yaml:"maxTokensPerRun" json:"maxTokensPerRun"`
		CostLimitPerRun float64 `yaml:"costLimitPerRun" json:"costLimitPerRun"`
		PricePerKTokens float64 `yaml:"pricePerKTokens" json:"pricePerKTokens"`
	} `yaml:"llm" json:"llm"`

	EmailCleaner struct {
		Enabled               *bool    `yaml:"enabled" json:"enabled"`
		KeepTopQuoteHead      bool     `yaml:"keepTopQuoteHead" json:"keepTopQuoteHead"`
		MaxTopQuoteParagraphs int      `yaml:"maxTopQuoteParagraphs" json:"maxTopQuoteParagraphs"`
		MaxTopQuoteLines      int      `yaml:"maxTopQuoteLines" json:"maxTopQuoteLines"`
		MaxQuoteRemovalLength int      `yaml:"maxQuoteRemovalLength" json:"maxQuoteRemovalLength"`
		WhitelistPatterns     []string `yaml:"whitelistPatterns" json:"whitelistPatterns"`
		BlacklistPatterns     []string `yaml:"blacklistPatterns" json:"blacklistPatterns"`
		TrackRemovedSpans     bool     `yaml:"trackRemovedSpans" json:"trackRemovedSpans"`
	} `yaml:"emailCleaner" json:"emailCleaner"`

	Extractor struct {
		ExtraActionPatterns []string `yaml:"extraActionPatterns" json:"extraActionPatterns"`
	} `yaml:"extractor" json:"extractor"`

	Ranker struct {
		Enabled          *bool              `yaml:"enabled" json:"enabled"`
		Weights          *rank.Weights      `yaml:"weights" json:"weights"`
		ImportantSenders map[string]float64 `yaml:"importantSenders" json:"importantSenders"`
		ProjectTags      []string           `yaml:"projectTags" json:"projectTags"`
	} `yaml:"ranker" json:"ranker"`

	Citations struct {
		Strict bool `yaml:"strict" json:"strict"`
	} `yaml:"citations" json:"citations"`

	Locale      string `yaml:"locale" json:"locale"`
	MetricsAddr string `yaml:"metricsAddr" json:"metricsAddr"`
	Verbose     bool   `yaml:"verbose" json:"verbose"`
}

// LoadConfigFile reads YAML or JSON into FileConfig.
func LoadConfigFile(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse json: %w", err)
		}
	default:
		// Try YAML then JSON.
		if err := yaml.Unmarshal(b, &fc); err != nil {
			if jerr := json.Unmarshal(b, &fc); jerr != nil {
				return fc, fmt.Errorf("parse config: %v (yaml) / %v (json)", err, jerr)
			}
		}
	}
	return fc, nil
}

// ApplyFileConfig overlays file values into cfg for fields still at their
// zero value, so explicit flags and environment keep precedence.
func ApplyFileConfig(cfg *Config, fc FileConfig) {
	if cfg == nil {
		return
	}
	if cfg.UserID == "" {
		cfg.UserID = fc.User.ID
	}
	if len(cfg.UserAliases) == 0 {
		cfg.UserAliases = append([]string{}, fc.User.Aliases...)
	}
	if len(cfg.UserAddresses) == 0 {
		cfg.UserAddresses = append([]string{}, fc.User.Addresses...)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = fc.Output.Dir
	}
	if !cfg.WritePDF && fc.Output.PDF {
		cfg.WritePDF = true
	}
	if cfg.StateDir == "" {
		cfg.StateDir = fc.StateDir
	}
	if cfg.FixturePath == "" {
		cfg.FixturePath = fc.EWS.FixturePath
	}
	if cfg.PageSize == 0 && fc.EWS.PageSize > 0 {
		cfg.PageSize = fc.EWS.PageSize
	}
	if cfg.LookbackHours == 0 && fc.EWS.LookbackHours > 0 {
		cfg.LookbackHours = fc.EWS.LookbackHours
	}
	if cfg.Timezone == "" {
		cfg.Timezone = fc.Time.UserTimezone
	}
	if cfg.Window == "" {
		cfg.Window = fc.Time.Window
	}
	if cfg.Locale == "" {
		cfg.Locale = fc.Locale
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = fc.MetricsAddr
	}
	if !cfg.Verbose && fc.Verbose {
		cfg.Verbose = true
	}

	if cfg.LLMBaseURL == "" {
		cfg.LLMBaseURL = fc.LLM.BaseURL
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = fc.LLM.Model
	}
	if cfg.LLMAPIKey == "" {
		cfg.LLMAPIKey = fc.LLM.APIKey
	}
	if cfg.LLMTimeoutS == 0 && fc.LLM.TimeoutS > 0 {
		cfg.LLMTimeoutS = fc.LLM.TimeoutS
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = fc.LLM.PromptVersion
	}
	if cfg.LLMCacheDir == "" {
		cfg.LLMCacheDir = fc.LLM.CacheDir
	}
	if cfg.LLMRatePerSec == 0 {
		cfg.LLMRatePerSec = fc.LLM.RatePerSec
	}
	if cfg.MaxTokensPerRun == 0 {
		cfg.MaxTokensPerRun = fc.LLM.MaxTokensPerRun
	}
	if cfg.CostLimitPerRun == 0 {
		cfg.CostLimitPerRun = fc.LLM.CostLimitPerRun
	}
	if cfg.PricePerKTokens == 0 {
		cfg.PricePerKTokens = fc.LLM.PricePerKTokens
	}

	if fc.EmailCleaner.Enabled != nil {
		cfg.CleanerEnabled = *fc.EmailCleaner.Enabled
	}
	if !cfg.KeepTopQuoteHead && fc.EmailCleaner.KeepTopQuoteHead {
		cfg.KeepTopQuoteHead = true
	}
	if cfg.MaxTopQuoteParagraphs == 0 {
		cfg.MaxTopQuoteParagraphs = fc.EmailCleaner.MaxTopQuoteParagraphs
	}
	if cfg.MaxTopQuoteLines == 0 {
		cfg.MaxTopQuoteLines = fc.EmailCleaner.MaxTopQuoteLines
	}
	if cfg.MaxQuoteRemovalLength == 0 {
		cfg.MaxQuoteRemovalLength = fc.EmailCleaner.MaxQuoteRemovalLength
	}
	if len(cfg.WhitelistPatterns) == 0 {
		cfg.WhitelistPatterns = append([]string{}, fc.EmailCleaner.WhitelistPatterns...)
	}
	if len(cfg.BlacklistPatterns) == 0 {
		cfg.BlacklistPatterns = append([]string{}, fc.EmailCleaner.BlacklistPatterns...)
	}
	if !cfg.TrackRemovedSpans && fc.EmailCleaner.TrackRemovedSpans {
		cfg.TrackRemovedSpans = true
	}

	if len(cfg.ExtraActionPatterns) == 0 {
		cfg.ExtraActionPatterns = append([]string{}, fc.Extractor.ExtraActionPatterns...)
	}

	if fc.Ranker.Enabled != nil {
		cfg.RankerEnabled = *fc.Ranker.Enabled
	}
	if cfg.RankWeights == (rank.Weights{}) && fc.Ranker.Weights != nil {
		cfg.RankWeights = *fc.Ranker.Weights
	}
	if len(cfg.ImportantSenders) == 0 && len(fc.Ranker.ImportantSenders) > 0 {
		cfg.ImportantSenders = fc.Ranker.ImportantSenders
	}
	if len(cfg.ProjectTags) == 0 {
		cfg.ProjectTags = append([]string{}, fc.Ranker.ProjectTags...)
	}
	if !cfg.StrictCitations && fc.Citations.Strict {
		cfg.StrictCitations = true
	}
}
