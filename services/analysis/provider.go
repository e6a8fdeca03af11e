package analysis

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
)

//go:generate mockgen -source=provider.go -destination=mock_provider_test.go -package=analysis

// Provider produces a summary for one video. It is slow and fallible and
// has no side effects on the ledger.
type Provider interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*Summary, error)
}

// HTTPProvider calls a JSON summarisation endpoint.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

func NewHTTPProvider(endpoint, apiKey, model string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProvider{endpoint: endpoint, apiKey: apiKey, model: model, client: client}
}

type providerRequest struct {
	Model string `json:"model,omitempty"`
	AnalyzeRequest
}

func (p *HTTPProvider) Analyze(ctx context.Context, req AnalyzeRequest) (*Summary, error) {
	if p.endpoint == "" {
		return nil, errors.New("analysis provider endpoint not configured")
	}

	body, err := json.Marshal(providerRequest{Model: p.model, AnalyzeRequest: req})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("analysis provider returned %d: %s", resp.StatusCode, snippet)
	}

	var out Summary
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := ValidateSummary(&out, req.DurationSeconds); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateSummary rejects empty summaries and timestamps outside the video.
func ValidateSummary(s *Summary, durationSeconds int64) error {
	if s == nil || strings.TrimSpace(s.Summary) == "" {
		return fmt.Errorf("%w: empty summary", ErrMalformedResponse)
	}
	for _, ts := range s.Timestamps {
		if ts.Seconds < 0 || (durationSeconds > 0 && ts.Seconds > durationSeconds) {
			return fmt.Errorf("%w: timestamp %ds outside video", ErrMalformedResponse, ts.Seconds)
		}
	}
	return nil
}

func providerTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 2 * time.Minute
	}
	return d
}
