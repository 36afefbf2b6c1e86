package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"go-engage/logging"
)

type Verdict struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// Judge rates a reply for brand safety on a 0-100 scale, higher is riskier.
type Judge interface {
	Judge(ctx context.Context, comment string, c Context) (Verdict, error)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, comment string, c Context) (Verdict, error)

func (f JudgeFunc) Judge(ctx context.Context, comment string, c Context) (Verdict, error) {
	return f(ctx, comment, c)
}

const judgeSystemPrompt = `You are a brand-safety reviewer for replies posted by a personal finance brand.
Rate the reply from 0 (safe) to 100 (unsafe) considering: financial or legal advice-giving,
guarantees or promises of outcomes, offensiveness, disparagement of competitors,
regulatory exposure, and whether the reply fits the post it answers.
Respond with JSON only: {"score": <0-100>, "reasoning": "<one sentence>"}`

type LLMJudgeConfig struct {
	APIURL  string
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  logging.Logger
}

// LLMJudge asks an OpenAI-compatible chat completions endpoint for a verdict.
// Calls go through a retry policy and a circuit breaker so an outage fails
// fast instead of stalling every routing pass.
type LLMJudge struct {
	client   *http.Client
	apiURL   string
	apiKey   string
	model    string
	executor failsafe.Executor[Verdict]
	breaker  circuitbreaker.CircuitBreaker[Verdict]
}

var errEmptyCompletion = errors.New("judge: empty completion")

func NewLLMJudge(cfg LLMJudgeConfig) *LLMJudge {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	builder := circuitbreaker.NewBuilder[Verdict]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1)
	if cfg.Logger != nil {
		logger := cfg.Logger
		builder = builder.OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"from_state": stateName(e.OldState),
				"to_state":   stateName(e.NewState),
			}).Warn("AI judge circuit breaker state change")
		})
	}
	breaker := builder.Build()

	retry := retrypolicy.NewBuilder[Verdict]().
		WithMaxRetries(1).
		WithBackoff(250*time.Millisecond, 2*time.Second).
		HandleIf(func(_ Verdict, err error) bool {
			return err != nil && !errors.Is(err, circuitbreaker.ErrOpen)
		}).
		Build()

	return &LLMJudge{
		client:   &http.Client{Timeout: timeout},
		apiURL:   apiURL,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		executor: failsafe.With[Verdict](retry, breaker),
		breaker:  breaker,
	}
}

func (j *LLMJudge) Judge(ctx context.Context, comment string, c Context) (Verdict, error) {
	return j.executor.WithContext(ctx).Get(func() (Verdict, error) {
		return j.call(ctx, comment, c)
	})
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (j *LLMJudge) call(ctx context.Context, comment string, c Context) (Verdict, error) {
	if j.model == "" {
		return Verdict{}, errors.New("judge: model is required")
	}
	source, err := json.Marshal(c)
	if err != nil {
		return Verdict{}, fmt.Errorf("judge: marshal context: %w", err)
	}
	body, err := json.Marshal(chatRequest{
		Model: j.model,
		Messages: []chatMessage{
			{Role: "system", Content: judgeSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Post being replied to: %s\nReply: %s", source, comment)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("judge: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.apiURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("judge: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if j.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("judge: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Verdict{}, fmt.Errorf("judge: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Verdict{}, fmt.Errorf("judge: decode response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return Verdict{}, errEmptyCompletion
	}
	return parseVerdict(out.Choices[0].Message.Content)
}

// parseVerdict accepts the JSON object optionally wrapped in a markdown fence.
func parseVerdict(content string) (Verdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var v Verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &v); err != nil {
		return Verdict{}, fmt.Errorf("judge: parse verdict: %w", err)
	}
	if v.Score < 0 || v.Score > 100 {
		return Verdict{}, fmt.Errorf("judge: score %.1f out of range", v.Score)
	}
	return v, nil
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

// Open reports whether the circuit breaker is currently rejecting calls.
func (j *LLMJudge) Open() bool {
	return j.breaker.IsOpen()
}
