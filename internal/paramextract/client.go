// Package paramextract calls the external service that turns a planner's
// free-text brief into SeasonParameters.
package paramextract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

type Result struct {
	Parameters models.SeasonParameters `json:"parameters"`
	Confidence float64                 `json:"confidence,omitempty"`
	Notes      string                  `json:"notes,omitempty"`
}

type Client interface {
	Extract(ctx context.Context, prompt string) (Result, error)
}

type HTTPClientConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

type HTTPClient struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("parameter extractor base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/extract"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

// Extract returns validated parameters. Invalid parameters from the
// extractor are reported as ErrInvalidParameters and not retried.
func (c *HTTPClient) Extract(ctx context.Context, prompt string) (Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return Result{}, fmt.Errorf("%w: prompt required", models.ErrInvalidParameters)
	}
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return Result{}, fmt.Errorf("extractor marshal request: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return Result{}, fmt.Errorf("extractor build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(httpReq)
		if err != nil {
			lastErr = err
		} else {
			res, parseErr := decodeResult(resp)
			resp.Body.Close()
			if parseErr == nil {
				cancel()
				if err := res.Parameters.Validate(); err != nil {
					return Result{}, err
				}
				return res, nil
			}
			lastErr = parseErr
		}
		cancel()
		if errors.Is(lastErr, errRejected) {
			break
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return Result{}, fmt.Errorf("parameter extraction failed: %w", lastErr)
}

var errRejected = errors.New("extractor rejected request")

func decodeResult(resp *http.Response) (Result, error) {
	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("extractor unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: %s", errRejected, resp.Status)
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("extractor decode response: %w", err)
	}
	return res, nil
}
