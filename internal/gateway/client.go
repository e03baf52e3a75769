// Package gateway is the LLM gateway client: request formatting, strict
// schema validation with one corrective round-trip, deterministic retries,
// rate limiting, and token/cost caps.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/maildrift/inboxdigest/internal/budget"
	"github.com/maildrift/inboxdigest/internal/digest"
	"github.com/maildrift/inboxdigest/internal/evidence"
	"github.com/maildrift/inboxdigest/internal/metrics"
)

// DefaultTimeout bounds one gateway call.
const DefaultTimeout = 45 * time.Second

// ErrBudgetExceeded reports that sending would overshoot the per-run token or
// cost cap. The controller reacts by degrading to extractive-only mode.
var ErrBudgetExceeded = errors.New("gateway budget exceeded")

// ErrSchema reports that the reply failed schema validation even after the
// corrective round-trip; the run must fail.
var ErrSchema = errors.New("gateway reply failed schema validation")

// ChatClient mirrors the subset of the OpenAI client we need, so tests can
// substitute a scripted backend.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config configures the client.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	Timeout       time.Duration
	PromptVersion string  // PromptV1 or PromptV2; empty means v2
	RatePerSec    float64 // zero disables rate limiting
	CacheDir      string  // empty disables the reply cache
	// MaxRetries bounds backoff retries for transport and 429/5xx failures.
	MaxRetries uint64
}

// Client calls the gateway. Construct with New; the zero value is not usable.
type Client struct {
	cfg     Config
	chat    ChatClient
	cache   *Cache
	limiter *rate.Limiter
	tracker *budget.Tracker
	met     *metrics.Metrics
}

// New builds a client over an OpenAI-compatible HTTP endpoint with bearer
// auth. tracker may be nil when no caps apply.
func New(cfg Config, tracker *budget.Tracker, met *metrics.Metrics) *Client {
	transport := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		transport.BaseURL = cfg.BaseURL
	}
	return NewWithChatClient(cfg, openai.NewClientWithConfig(transport), tracker, met)
}

// NewWithChatClient wires an explicit backend; tests use this with a stub.
func NewWithChatClient(cfg Config, chat ChatClient, tracker *budget.Tracker, met *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = PromptV2
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	c := &Client{cfg: cfg, chat: chat, tracker: tracker, met: met}
	if cfg.CacheDir != "" {
		c.cache = &Cache{Dir: cfg.CacheDir}
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return c
}

// Request is one extraction call over a selected chunk set.
type Request struct {
	Chunks     []evidence.Chunk
	DigestDate string
	TraceID    string
	Locale     string
}

// ExtractItems asks the gateway to classify and summarize the evidence. The
// reply must validate against the digest schema; one corrective round-trip is
// attempted on violation. Retries carry the trace id, so at-least-once
// delivery stays idempotent on the gateway side.
func (c *Client) ExtractItems(ctx context.Context, req Request) ([]digest.Item, error) {
	if len(req.Chunks) == 0 {
		return nil, nil
	}
	system := systemMessage(c.cfg.PromptVersion)
	user := userMessage(req.Chunks, req.DigestDate, req.Locale)
	fallbackEvidence := req.Chunks[0].EvidenceID
	inputTokens := redactTokens(req.Chunks)

	// Deterministic rerun path: a cached reply bypasses budget and transport.
	cacheKey := CacheKey(c.cfg.Model, system+"\n\n"+user)
	if c.cache != nil {
		if raw, ok, _ := c.cache.Get(ctx, cacheKey); ok {
			items, err := digest.ParseItems(raw, fallbackEvidence)
			if err == nil {
				return items, nil
			}
			log.Warn().Str("trace_id", req.TraceID).Err(err).Msg("discarding invalid cached gateway reply")
		}
	}

	promptTokens := budget.EstimatePromptTokens(system, user, nil)
	if c.tracker != nil && !c.tracker.Allow(promptTokens) {
		return nil, fmt.Errorf("%w: prompt needs %d tokens", ErrBudgetExceeded, promptTokens)
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}
	reply, err := c.call(ctx, messages, req.TraceID, promptTokens)
	if err != nil {
		return nil, err
	}

	items, parseErr := c.validate(reply, fallbackEvidence, inputTokens)
	if parseErr == nil {
		c.saveCache(ctx, cacheKey, reply)
		return items, nil
	}

	// Exactly one corrective round-trip on schema violation.
	log.Warn().Str("trace_id", req.TraceID).Err(parseErr).Msg("gateway reply invalid; corrective retry")
	c.met.CountRun("retry")
	corrective := append(messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: correctiveMessage},
	)
	correctiveTokens := promptTokens + budget.EstimateTokens(reply) + budget.EstimateTokens(correctiveMessage)
	if c.tracker != nil && !c.tracker.Allow(correctiveTokens) {
		return nil, fmt.Errorf("%w: corrective retry needs %d tokens", ErrBudgetExceeded, correctiveTokens)
	}
	reply, err = c.call(ctx, corrective, req.TraceID, correctiveTokens)
	if err != nil {
		return nil, err
	}
	items, parseErr = c.validate(reply, fallbackEvidence, inputTokens)
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, parseErr)
	}
	c.saveCache(ctx, cacheKey, reply)
	return items, nil
}

// call performs one logical request with transport-level retries and records
// latency and token spend per attempt.
func (c *Client) call(ctx context.Context, messages []openai.ChatCompletionMessage, traceID string, estTokens int) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	var content string
	op := func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		started := time.Now()
		resp, err := c.chat.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
			Model:       c.cfg.Model,
			Messages:    messages,
			Temperature: 0.0,
			N:           1,
			User:        traceID,
		})
		c.met.ObserveLLMLatency(float64(time.Since(started).Milliseconds()))
		if err != nil {
			if retryable(err) {
				log.Debug().Str("trace_id", traceID).Err(err).Msg("retryable gateway error")
				return err
			}
			return backoff.Permanent(err)
		}
		// Spend is recorded per attempt, preferring the gateway's own usage.
		in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		if in == 0 {
			in = estTokens
		}
		if c.tracker != nil {
			c.tracker.Spend(in)
		}
		c.met.AddTokens(in, out)
		if len(resp.Choices) == 0 {
			return backoff.Permanent(errors.New("gateway returned no choices"))
		}
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	// Jitter comes from RandomizationFactor (default 0.5).
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx))
	if err != nil {
		return "", fmt.Errorf("gateway call: %w", err)
	}
	return content, nil
}

func (c *Client) validate(reply string, fallbackEvidence string, inputTokens map[string]bool) ([]digest.Item, error) {
	if err := checkRedaction(inputTokens, reply); err != nil {
		return nil, &digest.SchemaError{Field: "redaction", Reason: err.Error()}
	}
	return digest.ParseItems([]byte(stripFences(reply)), fallbackEvidence)
}

func (c *Client) saveCache(ctx context.Context, key, reply string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Save(ctx, key, []byte(stripFences(reply))); err != nil {
		log.Debug().Err(err).Msg("gateway cache save failed")
	}
}

// stripFences tolerates models wrapping JSON in markdown fences despite the
// contract; fenced-but-valid JSON is not worth a corrective round-trip.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

// retryable classifies transport failures and remote statuses worth a
// backoff retry: connect/read timeouts, 429, and 5xx.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Unwrapped transport errors (connection refused wrapped in url.Error
	// already satisfies net.Error above).
	var jsonErr *json.SyntaxError
	return !errors.As(err, &jsonErr) && strings.Contains(strings.ToLower(err.Error()), "connection")
}
