// Package ollamasummary implements internal/summary.Summarizer against an
// Ollama-compatible HTTP generation endpoint, one client per model tier.
package ollamasummary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nudgebot/ingestsvc/internal/config"
	"github.com/nudgebot/ingestsvc/internal/domain"
	"github.com/nudgebot/ingestsvc/internal/summary"
	"github.com/nudgebot/ingestsvc/pkg/fn"
	"github.com/nudgebot/ingestsvc/pkg/resilience"
)

const promptTemplate = "Summarize the following text in at most 120 words:\n\n%s"

// Client implements summary.Summarizer across the three configured tiers,
// dispatching each call to the tier's own {base_url, model, api_key}.
type Client struct {
	tiers  map[domain.ModelKey]tierClient
	client *http.Client
}

type tierClient struct {
	baseURL  string
	model    string
	provider string
	apiKey   string
	breaker  *resilience.Breaker
	limiter  *resilience.Limiter // nil disables limiting
}

// New builds a Client from the three tier configs. A tier whose BaseURL is
// empty is omitted; Summarize returns an error if the caller requests it.
// Each tier gets its own circuit breaker so a flaky strong-tier endpoint
// doesn't also trip calls to mid/budget, and its own rate limiter when an
// RPS cap is configured for it.
func New(cfg config.SummaryConfig) *Client {
	c := &Client{
		tiers:  make(map[domain.ModelKey]tierClient),
		client: &http.Client{Timeout: 60 * time.Second},
	}
	add := func(key domain.ModelKey, t config.ModelTierConfig) {
		if t.BaseURL == "" {
			return
		}
		tc := tierClient{
			baseURL: t.BaseURL, model: t.Model, provider: t.Provider, apiKey: t.APIKey,
			breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		}
		if t.RPS > 0 {
			tc.limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: t.RPS, Burst: 1})
		}
		c.tiers[key] = tc
	}
	add(domain.ModelStrong, cfg.Strong)
	add(domain.ModelMid, cfg.Mid)
	add(domain.ModelBudget, cfg.Budget)
	return c
}

type generateReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResp struct {
	Response string `json:"response"`
}

// Summarize implements summary.Summarizer.
func (c *Client) Summarize(ctx context.Context, text string, tier domain.ModelKey) (summary.Result, error) {
	t, ok := c.tiers[tier]
	if !ok {
		return summary.Result{}, fmt.Errorf("ollamasummary: no model tier configured for %q", tier)
	}

	start := time.Now()

	// The wire call is expressed as an fn.Stage so BreakerStage can wrap it
	// the same way a multi-stage fn.Pipeline would: the breaker sees a
	// fn.Result[generateResp], not a bare error, and a tripped breaker short-
	// circuits to fn.Err without ever building the request.
	generate := resilience.BreakerStage(t.breaker, func(ctx context.Context, prompt string) fn.Result[generateResp] {
		body, _ := json.Marshal(generateReq{
			Model:  t.model,
			Prompt: prompt,
			Stream: false,
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return fn.Err[generateResp](err)
		}
		req.Header.Set("Content-Type", "application/json")
		if t.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+t.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fn.Err[generateResp](err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fn.Errf[generateResp]("status %d", resp.StatusCode)
		}
		var parsed generateResp
		return fn.FromPair(parsed, json.NewDecoder(resp.Body).Decode(&parsed))
	})
	if t.limiter != nil {
		// Wait for a token before even probing the breaker, same "block
		// until allowed" idiom internal/fetcher uses for its own RPS cap.
		generate = resilience.LimiterStageWait(t.limiter, generate)
	}

	out, err := generate(ctx, fmt.Sprintf(promptTemplate, text)).Unwrap()
	if err != nil {
		return summary.Result{}, fmt.Errorf("ollamasummary: %w", err)
	}

	return summary.Result{
		Text:      out.Response,
		Provider:  t.provider,
		Model:     t.model,
		LatencyMS: int(time.Since(start).Milliseconds()),
	}, nil
}
