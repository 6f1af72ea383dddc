// Package replica speaks to the cloud-hosted portal store over its sync API.
// The engine treats the replica as an opaque keyed document store: existence
// checks and idempotent upserts keyed by entity type and natural record id,
// plus a changed-since feed per reverse stream.
package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/syncbridge/internal/entities"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	apiKeyHeader          = "X-Api-Key"
	maxResponseBodyBytes  = 4 << 20
)

var (
	errMissingBaseURL = errors.New("replica base url is required")
	// ErrInvalidClientConfig indicates the client configuration is unusable.
	ErrInvalidClientConfig = errors.New("replica: invalid client config")
	// ErrUnexpectedStatus indicates the portal answered outside the expected status set.
	ErrUnexpectedStatus = errors.New("replica: unexpected response status")
)

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Client is the HTTP client for the portal's sync API. Every request carries
// a bounded deadline; a timeout surfaces as an ordinary error the caller
// counts as a transient failure.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// ChangedRow is one row from the changed-since feed.
type ChangedRow struct {
	RecordID         string         `json:"record_id"`
	UpdatedAtSeconds int64          `json:"updated_at_s"`
	Payload          map[string]any `json:"payload"`
}

// NewClient constructs a Client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Exists reports whether the replica already holds a row for the entity.
func (c *Client) Exists(ctx context.Context, entityType entities.EntityType, recordID string) (bool, error) {
	status, _, err := c.do(ctx, http.MethodGet, c.rowURL(entityType, recordID), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, c.statusError(http.MethodGet, status)
	}
}

// Upsert writes the payload under the row's natural key. The portal treats
// the key as the conflict target, so re-applying the same record after a
// retry converges on the same end state.
func (c *Client) Upsert(ctx context.Context, entityType entities.EntityType, recordID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("replica: marshal payload: %w", err)
	}

	status, _, err := c.do(ctx, http.MethodPut, c.rowURL(entityType, recordID), body)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		return c.statusError(http.MethodPut, status)
	}
}

// ChangedSince returns up to limit rows of the stream modified strictly
// after the given watermark, oldest first.
func (c *Client) ChangedSince(ctx context.Context, stream string, sinceSeconds int64, limit int) ([]ChangedRow, error) {
	query := url.Values{}
	query.Set("stream", stream)
	query.Set("since", strconv.FormatInt(sinceSeconds, 10))
	query.Set("limit", strconv.Itoa(limit))

	status, body, err := c.do(ctx, http.MethodGet, c.baseURL+"/api/sync/changes?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.statusError(http.MethodGet, status)
	}

	var decoded struct {
		Rows []ChangedRow `json:"rows"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("replica: decode changes feed: %w", err)
	}
	return decoded.Rows, nil
}

func (c *Client) rowURL(entityType entities.EntityType, recordID string) string {
	return c.baseURL + "/api/sync/" + url.PathEscape(entityType.String()) + "/" + url.PathEscape(recordID)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(requestCtx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		request.Header.Set(apiKeyHeader, c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, nil, fmt.Errorf("replica: %s %s: %w", method, target, err)
	}
	defer response.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("replica: read response: %w", err)
	}
	return response.StatusCode, payload, nil
}

func (c *Client) statusError(method string, status int) error {
	c.logger.Warn("replica request rejected",
		zap.String("method", method),
		zap.Int("status", status))
	return fmt.Errorf("%w: %d", ErrUnexpectedStatus, status)
}
