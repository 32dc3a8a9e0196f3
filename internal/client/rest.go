// Package client is the Go SDK for a proctorhub server: a websocket client
// for the signaling hub and a REST client for the collaborator surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"proctorhub/internal/metrics"
	"proctorhub/internal/retry"
	"proctorhub/pkg/types"
)

// RESTOptions tunes the REST client. Zero values take defaults.
type RESTOptions struct {
	HTTPClient *http.Client
	// Attempts bounds retries of idempotent calls and violation reports.
	Attempts  int
	BaseDelay time.Duration
	Breaker   *Breaker
	Logger    *slog.Logger
}

// REST calls the collaborator API. It satisfies proctor.Reporter and
// proctor.DecisionSource so a candidate engine can run against a remote server.
type REST struct {
	base      *url.URL
	http      *http.Client
	attempts  int
	baseDelay time.Duration
	breaker   *Breaker
	logger    *slog.Logger
}

func NewREST(baseURL string, opts RESTOptions) (*REST, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, baseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 200 * time.Millisecond
	}
	if opts.Breaker == nil {
		opts.Breaker = NewBreaker(5, 30*time.Second)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &REST{
		base:      u,
		http:      opts.HTTPClient,
		attempts:  opts.Attempts,
		baseDelay: opts.BaseDelay,
		breaker:   opts.Breaker,
		logger:    opts.Logger.With("component", "rest_client"),
	}, nil
}

// LogViolation reports v to POST /api/violations.
func (c *REST) LogViolation(ctx context.Context, v types.Violation) error {
	return c.do(ctx, "violations", http.MethodPost, "/api/violations", v, nil, true)
}

type decisionStatus struct {
	SessionID string             `json:"sessionId"`
	RequestID string             `json:"requestId"`
	Status    types.ReviewStatus `json:"status"`
	Comment   string             `json:"comment"`
	DecidedBy string             `json:"decidedBy"`
	DecidedAt *time.Time         `json:"decidedAt"`
}

// Decision polls GET /api/sessions/:id/decision. It returns nil while the
// request is pending, unknown to the server, or superseded by a newer one.
func (c *REST) Decision(ctx context.Context, sessionID, requestID string) (*types.Decision, error) {
	var st decisionStatus
	err := c.do(ctx, "decision", http.MethodGet, sessionPath(sessionID, "decision"), nil, &st, true)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if st.RequestID != requestID || st.Status == types.StatusPending {
		return nil, nil
	}
	d := &types.Decision{
		RequestID: st.RequestID,
		SessionID: sessionID,
		Approved:  st.Status == types.StatusApproved,
		Comment:   st.Comment,
		DecidedBy: st.DecidedBy,
	}
	if st.DecidedAt != nil {
		d.DecidedAt = *st.DecidedAt
	}
	return d, nil
}

// Decide posts a mentor decision for requestID.
func (c *REST) Decide(ctx context.Context, sessionID, requestID string, approved bool, comment, mentorID string) (*types.Decision, error) {
	body := map[string]any{"requestId": requestID, "approved": approved, "comment": comment, "mentorId": mentorID}
	var out struct {
		Decision *types.Decision `json:"decision"`
	}
	if err := c.do(ctx, "decide", http.MethodPost, sessionPath(sessionID, "decision"), body, &out, false); err != nil {
		return nil, err
	}
	return out.Decision, nil
}

func (c *REST) Terminate(ctx context.Context, sessionID, reason string) error {
	return c.do(ctx, "terminate", http.MethodPost, sessionPath(sessionID, "terminate"), map[string]string{"reason": reason}, nil, false)
}

func (c *REST) Flag(ctx context.Context, sessionID, reason string) error {
	return c.do(ctx, "flag", http.MethodPost, sessionPath(sessionID, "flag"), map[string]string{"reason": reason}, nil, false)
}

// Session fetches a session record with its violation log.
func (c *REST) Session(ctx context.Context, sessionID string) (*types.SessionRecord, []*types.Violation, error) {
	var out struct {
		Session    *types.SessionRecord `json:"session"`
		Violations []*types.Violation   `json:"violations"`
	}
	if err := c.do(ctx, "session", http.MethodGet, sessionPath(sessionID, ""), nil, &out, true); err != nil {
		return nil, nil, err
	}
	return out.Session, out.Violations, nil
}

func (c *REST) Streams(ctx context.Context) ([]types.StreamInfo, error) {
	var out struct {
		Streams []types.StreamInfo `json:"streams"`
	}
	if err := c.do(ctx, "streams", http.MethodGet, "/api/streams", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Streams, nil
}

func (c *REST) CreateReAttempt(ctx context.Context, examID, studentID, reason string) (*types.ReAttemptRequest, error) {
	body := map[string]string{"examId": examID, "studentId": studentID, "reason": reason}
	var out struct {
		ReAttempt *types.ReAttemptRequest `json:"reattempt"`
	}
	if err := c.do(ctx, "reattempt_create", http.MethodPost, "/api/reattempts", body, &out, false); err != nil {
		return nil, err
	}
	return out.ReAttempt, nil
}

func (c *REST) ReviewReAttempt(ctx context.Context, id string, approved bool, comment, reviewer string) (*types.ReAttemptRequest, error) {
	body := map[string]any{"approved": approved, "comment": comment, "reviewerId": reviewer}
	var out struct {
		ReAttempt *types.ReAttemptRequest `json:"reattempt"`
	}
	path := "/api/reattempts/" + url.PathEscape(id) + "/review"
	if err := c.do(ctx, "reattempt_review", http.MethodPost, path, body, &out, false); err != nil {
		return nil, err
	}
	return out.ReAttempt, nil
}

// ReAttempts lists requests, filtered by status when it is non-empty.
func (c *REST) ReAttempts(ctx context.Context, status types.ReviewStatus) ([]*types.ReAttemptRequest, error) {
	path := "/api/reattempts"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out struct {
		ReAttempts []*types.ReAttemptRequest `json:"reattempts"`
	}
	if err := c.do(ctx, "reattempt_list", http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out.ReAttempts, nil
}

func sessionPath(sessionID, suffix string) string {
	p := "/api/sessions/" + url.PathEscape(sessionID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// do runs one call through the breaker, retrying transport failures and 5xx
// responses when retryable. A 4xx is the server's answer and is never retried.
func (c *REST) do(ctx context.Context, endpoint, method, path string, body, out any, retryable bool) error {
	attempts := 1
	if retryable {
		attempts = c.attempts
	}
	return retry.Do(ctx, attempts, c.baseDelay, func(attempt int) error {
		if !c.breaker.Allow(endpoint) {
			metrics.ClientRequestsTotal.WithLabelValues(endpoint, "circuit_open").Inc()
			return retry.Permanent(ErrCircuitOpen)
		}
		err := c.roundTrip(ctx, method, path, body, out)

		var (
			apiErr *APIError
			perm   *retry.PermanentError
		)
		switch {
		case errors.As(err, &perm):
			return err
		case err == nil:
			c.breaker.Success(endpoint)
			metrics.ClientRequestsTotal.WithLabelValues(endpoint, "ok").Inc()
			return nil
		case errors.As(err, &apiErr) && !apiErr.Temporary():
			c.breaker.Success(endpoint)
			metrics.ClientRequestsTotal.WithLabelValues(endpoint, "rejected").Inc()
			return retry.Permanent(err)
		case ctx.Err() != nil:
			return retry.Permanent(err)
		}
		c.breaker.Failure(endpoint)
		metrics.ClientRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		c.logger.Debug("request failed", "endpoint", endpoint, "attempt", attempt, "error", err)
		return err
	})
}

func (c *REST) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&eb) == nil {
			apiErr.Code, apiErr.Message = eb.Error, eb.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
