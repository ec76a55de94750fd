package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/probelab/netdash/internal/errors"
	"github.com/probelab/netdash/internal/logging"
	"github.com/probelab/netdash/internal/record"
	"github.com/probelab/netdash/internal/session"
)

const (
	defaultPullTimeout = 60 * time.Second
	maxErrorBody       = 4 << 10
)

// PullClient issues the stateless request/response fallback: one request
// carrying the scan spec, one response carrying the full result payload.
type PullClient struct {
	baseURL string
	client  *http.Client
	logger  *logging.Logger
}

// NewPullClient creates a pull client for the agent's HTTP base URL.
func NewPullClient(baseURL string, timeout time.Duration, logger *logging.Logger) *PullClient {
	if timeout <= 0 {
		timeout = defaultPullTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PullClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.WithComponent("pull"),
	}
}

// pullRequest is the request body: the scan spec plus the session id the
// engine uses to fence the response.
type pullRequest struct {
	SessionID   string   `json:"session_id"`
	Target      string   `json:"target,omitempty"`
	Ports       []int    `json:"ports,omitempty"`
	DurationMS  int64    `json:"duration_ms,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	TimeoutMS   int64    `json:"timeout_ms,omitempty"`
}

// Fetch runs one scan over the pull channel and returns the authoritative
// batch result. Cancellation propagates through ctx; a 429 or rate-limit
// message surfaces as a transport error the guard classifies as throttling.
func (p *PullClient) Fetch(ctx context.Context, sessionID string, spec session.ScanSpec) (*record.BatchResult, error) {
	body, err := json.Marshal(pullRequest{
		SessionID:   sessionID,
		Target:      spec.Target,
		Ports:       spec.Ports,
		DurationMS:  spec.Duration.Milliseconds(),
		Concurrency: spec.Concurrency,
		TimeoutMS:   spec.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding pull request: %w", err)
	}

	url := p.baseURL + spec.Tool.PullPath() + "/scan"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	p.logger.Debug("issuing pull request", "url", url, "session_id", sessionID)
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.WrapTransportError(errors.CodeTransport, "pull request failed", "pull", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, p.errorFromResponse(resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapTransportError(errors.CodeTransport, "reading pull response", "pull", err)
	}
	result, err := record.DecodeBatch(payload)
	if err != nil {
		return nil, errors.WrapTransportError(errors.CodeTransport, "decoding pull response", "pull", err)
	}
	return result, nil
}

// errorFromResponse maps a non-200 response to a typed transport error,
// carrying the agent's message verbatim and the status code for the guard.
func (p *PullClient) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := resp.Status
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			message = payload.Error
		} else if payload.Message != "" {
			message = payload.Message
		}
	}

	code := errors.CodeRemote
	if resp.StatusCode == http.StatusTooManyRequests {
		code = errors.CodeRateLimited
	}
	return errors.NewTransportError(code, message, "pull").WithStatus(resp.StatusCode)
}
