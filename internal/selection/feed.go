// Package selection talks to the external coin-selection feed: a polled HTTP
// source of per-symbol volatility plus the claim/release coordination that
// keeps two bot instances off the same symbol.
package selection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrAlreadyClaimed is returned by Claim when another instance holds the symbol.
var ErrAlreadyClaimed = errors.New("selection: symbol already claimed by another instance")

// Candidate is one row of the feed's candidate list.
type Candidate struct {
	Symbol      string  `json:"symbol"`
	Volatility  float64 `json:"volatility"`
	SampleCount int     `json:"sample_count"`
}

// Feed is an HTTP client for the selection service.
type Feed struct {
	baseURL    string
	httpClient *http.Client
	instanceID string
}

// NewFeed creates a new selection Feed client. instanceID identifies this bot
// in claim requests.
func NewFeed(baseURL, instanceID string) *Feed {
	return &Feed{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		instanceID: instanceID,
	}
}

// FetchCandidates returns the feed's current candidate list, best first.
func (f *Feed) FetchCandidates(ctx context.Context) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/candidates", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("selection: fetching candidates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("selection: candidates returned status %d: %s", resp.StatusCode, body)
	}

	var candidates []Candidate
	if err := json.NewDecoder(resp.Body).Decode(&candidates); err != nil {
		return nil, fmt.Errorf("selection: decoding candidates: %w", err)
	}
	return candidates, nil
}

// Claim reserves symbol for this instance. A 409 from the feed maps to
// ErrAlreadyClaimed so callers can fall through to the next candidate.
func (f *Feed) Claim(ctx context.Context, symbol string) error {
	return f.postSymbol(ctx, "/claim", symbol)
}

// Release gives symbol back to the feed. Best effort: callers log but do not
// abort on release failures.
func (f *Feed) Release(ctx context.Context, symbol string) error {
	return f.postSymbol(ctx, "/release", symbol)
}

func (f *Feed) postSymbol(ctx context.Context, endpoint, symbol string) error {
	payload, err := json.Marshal(map[string]string{
		"symbol":   symbol,
		"instance": f.instanceID,
	})
	if err != nil {
		return err
	}
	u, err := url.JoinPath(f.baseURL, endpoint)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("selection: %s %s: %w", endpoint, symbol, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", symbol, ErrAlreadyClaimed)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("selection: %s %s returned status %d: %s", endpoint, symbol, resp.StatusCode, body)
	}
}
