package downstream

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

	"github.com/velmie/memgate/correlation"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultStorePath   = "/v1/memories"
	maxErrorBody       = 4096
)

// HTTPConfig configures the REST memory client.
type HTTPConfig struct {
	// BaseURL is the memory service root, e.g. "http://memory:8080".
	BaseURL string
	// StorePath is appended to BaseURL for store calls. Defaults to /v1/memories.
	StorePath string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Timeout bounds one HTTP round trip. Callers usually set a tighter
	// context deadline on top of it.
	Timeout time.Duration
	// Classifier maps response statuses to retry classes.
	Classifier *Classifier
	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// HTTPClient implements Client against a REST memory service.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	classifier Classifier
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

type storeRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("downstream: base URL is required")
	}
	path := cfg.StorePath
	if path == "" {
		path = defaultStorePath
	}
	classifier := DefaultClassifier()
	if cfg.Classifier != nil {
		classifier = *cfg.Classifier
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &HTTPClient{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		apiKey:     cfg.APIKey,
		classifier: classifier,
		httpClient: httpClient,
	}, nil
}

// Store posts content to the memory service.
func (c *HTTPClient) Store(ctx context.Context, content string, metadata map[string]any) (StoreResult, error) {
	body, err := json.Marshal(storeRequest{Content: content, Metadata: metadata})
	if err != nil {
		return StoreResult{}, Rejected(fmt.Errorf("marshaling store request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return StoreResult{}, Rejected(fmt.Errorf("creating store request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if id := correlation.FromContext(ctx); !id.IsZero() {
		req.Header.Set(correlation.HeaderName, id.String())
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StoreResult{}, Unavailable(fmt.Errorf("sending store request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return StoreResult{}, &StoreError{
			Transient:  c.classifier.ClassifyStatus(resp.StatusCode) == ClassTransient,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	// The write was accepted; retrying an unreadable acknowledgement would
	// store it twice.
	var result StoreResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return StoreResult{}, Rejected(fmt.Errorf("decoding store response (status %d): %w", resp.StatusCode, err))
	}
	if result.ID == "" {
		return StoreResult{}, Rejected(fmt.Errorf("store response (status %d) missing id", resp.StatusCode))
	}

	return result, nil
}
