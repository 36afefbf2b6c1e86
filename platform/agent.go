package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// AgentConfig points an Agent at a platform sidecar that performs the
// actual API calls for one platform.
type AgentConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// Agent implements all three capabilities over HTTP:
//
//	POST {base}/publish           {"target_id", "text"}
//	POST {base}/discover          {"keywords"}
//	GET  {base}/metrics/{target}
//
// Discovery and metrics reads are retried on network errors, 5xx and 429.
// Publishing is never retried here; the execution worker owns that loop.
type Agent struct {
	baseURL string
	client  *http.Client
	reads   failsafe.Executor[[]byte]
}

// statusError carries a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.code, e.body)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return retryableStatus(se.code)
	}
	return !errors.Is(err, context.Canceled)
}

func NewAgent(cfg AgentConfig) *Agent {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 2
	}
	retry := retrypolicy.NewBuilder[[]byte]().
		WithBackoff(200*time.Millisecond, 3*time.Second).
		WithMaxRetries(retries).
		WithJitterFactor(0.1).
		HandleIf(func(_ []byte, err error) bool { return shouldRetry(err) }).
		Build()

	return &Agent{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		reads:   failsafe.With[[]byte](retry),
	}
}

func (a *Agent) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

type publishResponse struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
	Error      string `json:"error"`
	Retryable  bool   `json:"retryable"`
}

func (a *Agent) PublishReply(ctx context.Context, targetID, text string) PublishResult {
	data, err := a.do(ctx, http.MethodPost, "/publish", map[string]string{"target_id": targetID, "text": text})
	if err != nil {
		if shouldRetry(err) {
			return Transient(err)
		}
		return Permanent(err)
	}
	var out publishResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Permanent(fmt.Errorf("decode publish response: %w", err))
	}
	if !out.Success {
		err := errors.New(out.Error)
		if out.Error == "" {
			err = errors.New("publish rejected")
		}
		if out.Retryable {
			return Transient(err)
		}
		return Permanent(err)
	}
	return Published(out.ExternalID, out.URL)
}

func (a *Agent) Discover(ctx context.Context, keywords []string) ([]Content, error) {
	data, err := a.reads.WithContext(ctx).Get(func() ([]byte, error) {
		return a.do(ctx, http.MethodPost, "/discover", map[string][]string{"keywords": keywords})
	})
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	var out struct {
		Items []Content `json:"items"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode discover response: %w", err)
	}
	return out.Items, nil
}

func (a *Agent) FetchMetrics(ctx context.Context, targetID string) (Metrics, error) {
	data, err := a.reads.WithContext(ctx).Get(func() ([]byte, error) {
		return a.do(ctx, http.MethodGet, "/metrics/"+url.PathEscape(targetID), nil)
	})
	if err != nil {
		return Metrics{}, fmt.Errorf("fetch metrics: %w", err)
	}
	return NormalizeMetrics(data)
}
