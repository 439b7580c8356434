package saveclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	userAgent = "draftsync/0.1"

	// defaultRetryAfter is used when a 429 response omits the
	// Retry-After header.
	defaultRetryAfter = 60 * time.Second
)

// TokenSource provides bearer tokens. Defined at the consumer per Go
// convention "accept interfaces, return structs"; the hosting application
// supplies the real implementation.
type TokenSource interface {
	Token() (string, error)
}

// Client issues compare-and-swap saves against the draft server.
// It classifies every attempt into a Result but performs no retries:
// retry policy (backoff, rate-limit waits, offline queueing) belongs to
// the engine, which needs the raw outcome to drive its state machine.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger

	// nowFunc stamps client_timestamp on requests. Tests override it.
	nowFunc func() time.Time
}

// NewClient creates a save protocol client.
// baseURL is typically "https://api.example.com/v1".
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// Save issues one PATCH /entities/{id} compare-and-swap write and
// classifies the response. The same opID must be reused across retries of
// the same logical attempt so a server with idempotency support treats
// duplicate delivery as a no-op.
//
// The returned error is non-nil only for request construction failures and
// context cancellation; transport failures are classified as OutcomeNetwork
// in the Result.
func (c *Client) Save(ctx context.Context, entityID, payload string, baseVersion int64, opID string) (*Result, error) {
	body, err := json.Marshal(saveRequest{
		Payload:         payload,
		BaseVersion:     baseVersion,
		OpID:            opID,
		ClientTimestamp: c.nowFunc().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("saveclient: encoding save request: %w", err)
	}

	reqURL := c.baseURL + "/entities/" + url.PathEscape(entityID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("saveclient: creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", opID)

	if err := c.authorize(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Context cancellation is the caller's doing, not a network outcome.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("saveclient: save canceled: %w", ctx.Err())
		}

		c.logger.Warn("save transport failure",
			slog.String("entity_id", entityID),
			slog.Int64("base_version", baseVersion),
			slog.String("error", err.Error()),
		)

		return &Result{Kind: OutcomeNetwork, Err: err}, nil
	}

	defer resp.Body.Close()

	return c.classify(resp, entityID, baseVersion)
}

// Fetch retrieves the entity's current server state. Used at document load
// time to establish the base version and updated_at for recovery checks.
func (c *Client) Fetch(ctx context.Context, entityID string) (*Entity, error) {
	reqURL := c.baseURL + "/entities/" + url.PathEscape(entityID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("saveclient: creating request: %w", err)
	}

	if err := c.authorize(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("saveclient: fetching %s: %w", entityID, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("request-id"),
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var ent Entity
	if err := json.NewDecoder(resp.Body).Decode(&ent); err != nil {
		return nil, fmt.Errorf("saveclient: decoding entity %s: %w", entityID, err)
	}

	return &ent, nil
}

// authorize attaches the bearer token and user agent to a request.
func (c *Client) authorize(req *http.Request) error {
	if c.token != nil {
		tok, err := c.token.Token()
		if err != nil {
			return fmt.Errorf("saveclient: obtaining token: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	req.Header.Set("User-Agent", userAgent)

	return nil
}

// classify maps an HTTP response to the closed outcome set.
func (c *Client) classify(resp *http.Response, entityID string, baseVersion int64) (*Result, error) {
	switch {
	case resp.StatusCode == http.StatusOK:
		var sr saveResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			// The write may have been applied; treat an unreadable success
			// body as a network-class ambiguity so the op_id retry path
			// resolves it.
			return &Result{Kind: OutcomeNetwork, Err: fmt.Errorf("saveclient: decoding success body: %w", err)}, nil
		}

		c.logger.Debug("save accepted",
			slog.String("entity_id", entityID),
			slog.Int64("new_version", sr.NewVersion),
		)

		return &Result{Kind: OutcomeSuccess, NewVersion: sr.NewVersion}, nil

	case resp.StatusCode == http.StatusConflict:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &Result{Kind: OutcomeNetwork, Err: fmt.Errorf("saveclient: reading conflict body: %w", err)}, nil
		}

		rec, err := parseRawConflict(body)
		if err != nil {
			return &Result{Kind: OutcomeNetwork, Err: fmt.Errorf("saveclient: decoding conflict body: %w", err)}, nil
		}

		c.logger.Info("save conflicted",
			slog.String("entity_id", entityID),
			slog.Int64("base_version", baseVersion),
			slog.Int64("latest_version", rec.LatestVersion),
		)

		return &Result{Kind: OutcomeConflict, Conflict: rec}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

		c.logger.Warn("save rate limited",
			slog.String("entity_id", entityID),
			slog.Duration("retry_after", retryAfter),
		)

		return &Result{Kind: OutcomeRateLimited, RetryAfter: retryAfter}, nil

	default:
		errBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("request-id"),
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}

		if isTransient(resp.StatusCode) {
			return &Result{Kind: OutcomeNetwork, Err: apiErr}, nil
		}

		c.logger.Error("save failed",
			slog.String("entity_id", entityID),
			slog.Int("status", resp.StatusCode),
		)

		return &Result{Kind: OutcomeFatal, Err: apiErr}, nil
	}
}

// parseRetryAfter interprets a Retry-After header value in seconds.
// Falls back to defaultRetryAfter when absent or unparseable.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return defaultRetryAfter
	}

	return time.Duration(seconds) * time.Second
}
