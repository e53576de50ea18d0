package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

const systemPrompt = `You are the trade advisor for a prediction-market copy-trading engine.
You receive one JSON document describing a candidate trade: the observed signal,
the tracked wallet's history and controls, market microstructure, the market
filter verdict and current risk aggregates.

Respond with a single JSON object and nothing else:

{
  "execute": true|false,
  "size": <number, shares to trade, 0 if execute is false>,
  "confidence": <number in [0,1]>,
  "urgency": "high"|"normal"|"low",
  "reasoning": "<one or two sentences>"
}

Reject trades from wallets with poor history, low-quality markets, markets the
filter blocked, or when risk headroom is nearly exhausted. Scale size down
rather than rejecting when the signal is good but large.`

// LLM asks an OpenAI-compatible chat completion endpoint for a verdict.
type LLM struct {
	http   *resty.Client
	model  string
	logger *slog.Logger
}

// NewLLM builds the client. BaseURL carries the full prefix up to
// /chat/completions (usually ending in /v1).
func NewLLM(cfg config.AdvisorConfig, logger *slog.Logger) *LLM {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")
	if cfg.ApiKey != "" {
		httpClient.SetAuthToken(cfg.ApiKey)
	}

	return &LLM{
		http:   httpClient,
		model:  cfg.Model,
		logger: logger.With("component", "advisor"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Decide sends the context and decodes the verdict. Transport failures
// surface as errors; output the model garbled becomes a rejection verdict
// so the trade is recorded rather than retried.
func (l *LLM) Decide(ctx context.Context, dc *types.DecisionContext) (types.Verdict, error) {
	prompt, err := json.MarshalIndent(dc, "", "  ")
	if err != nil {
		return types.Verdict{}, fmt.Errorf("advisor.Decide: encode context: %w", err)
	}

	req := chatRequest{
		Model: l.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(prompt)},
		},
		Temperature: 0.2,
	}

	var out chatResponse
	resp, err := l.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return types.Verdict{}, fmt.Errorf("advisor.Decide: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Verdict{}, fmt.Errorf("advisor.Decide: status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Error != nil {
		return types.Verdict{}, fmt.Errorf("advisor.Decide: api error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return types.Verdict{}, fmt.Errorf("advisor.Decide: empty choices")
	}

	verdict, err := parseVerdict(out.Choices[0].Message.Content)
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		l.logger.Warn("advisor output unparseable, rejecting trade", "error", parseErr.Err)
		return types.Verdict{
			Execute:    false,
			Confidence: 0,
			Urgency:    types.UrgencyNormal,
			Reasoning:  fmt.Sprintf("advisor output unparseable: %v", parseErr.Err),
		}, nil
	}
	if err != nil {
		return types.Verdict{}, err
	}
	return verdict, nil
}

// fenceRe matches a whole response wrapped in a markdown code block,
// optionally tagged json.
var fenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

type verdictPayload struct {
	Execute    bool    `json:"execute"`
	Size       float64 `json:"size"`
	Confidence float64 `json:"confidence"`
	Urgency    string  `json:"urgency"`
	Reasoning  string  `json:"reasoning"`
}

// parseVerdict decodes the model output and clamps it into contract range.
func parseVerdict(raw string) (types.Verdict, error) {
	stripped := stripFences(raw)

	var p verdictPayload
	if err := json.Unmarshal([]byte(stripped), &p); err != nil {
		return types.Verdict{}, &ParseError{Raw: raw, Err: err}
	}

	v := types.Verdict{
		Execute:    p.Execute,
		Size:       p.Size,
		Confidence: p.Confidence,
		Reasoning:  p.Reasoning,
	}
	if v.Size < 0 {
		v.Size = 0
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	} else if v.Confidence > 1 {
		v.Confidence = 1
	}

	switch types.Urgency(strings.ToLower(p.Urgency)) {
	case types.UrgencyHigh:
		v.Urgency = types.UrgencyHigh
	case types.UrgencyLow:
		v.Urgency = types.UrgencyLow
	default:
		v.Urgency = types.UrgencyNormal
	}
	return v, nil
}
