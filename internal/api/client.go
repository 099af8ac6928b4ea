package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/domain"
)

var codePattern = regexp.MustCompile(`^[0-9]{4}$`)

type inferenceRequest struct {
	Enabled bool `json:"enabled"`
}

type inferenceResponse struct {
	InferenceEnabled bool `json:"inference_enabled"`
}

// Client queries the session registry for admission decisions before a
// signaling connection is attempted.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a registry client. A nil logger disables logging.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "api")),
	}
}

// CheckStatus fetches the current session snapshot for a 4-digit code.
// Anything other than exactly 4 digits is rejected locally without a
// network call. Transport failures and non-2xx responses come back as
// ErrQueryFailed so callers can treat them as retryable.
func (c *Client) CheckStatus(ctx context.Context, code string) (*domain.Session, error) {
	if !codePattern.MatchString(code) {
		return nil, fmt.Errorf("session code %q: %w", code, domain.ErrInvalidCode)
	}

	url := fmt.Sprintf("%s/api/session-status/%s", c.baseURL, code)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("session status query failed", zap.String("code", code), zap.Error(err))
		return nil, fmt.Errorf("session status request: %v: %w", err, domain.ErrQueryFailed)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %v: %w", err, domain.ErrQueryFailed)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("session status query rejected",
			zap.String("code", code),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("http %d: %s: %w", resp.StatusCode, string(respBody), domain.ErrQueryFailed)
	}

	var session domain.Session
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %v: %w", err, domain.ErrQueryFailed)
	}

	return &session, nil
}

// Admit runs the pre-flight admission check. The session must exist and
// have a free viewer slot; callers open the signaling channel only after
// Admit succeeds.
func (c *Client) Admit(ctx context.Context, code string) (*domain.Session, error) {
	session, err := c.CheckStatus(ctx, code)
	if err != nil {
		return nil, err
	}

	if !session.Exists {
		return nil, fmt.Errorf("session %s: %w", code, domain.ErrSessionNotFound)
	}
	if !session.AvailableForViewer {
		c.logger.Info("viewer slot taken",
			zap.String("code", code),
			zap.Int("viewer_count", session.ViewerCount),
			zap.Int("max_viewers", session.MaxViewers))
		return nil, fmt.Errorf("session %s has no free viewer slot: %w", code, domain.ErrSessionUnavailable)
	}

	return session, nil
}

// SetInference toggles the server-side inference pipeline for a session
// and returns the state the registry settled on.
func (c *Client) SetInference(ctx context.Context, code string, enabled bool) (bool, error) {
	if !codePattern.MatchString(code) {
		return false, fmt.Errorf("session code %q: %w", code, domain.ErrInvalidCode)
	}

	body, err := json.Marshal(inferenceRequest{Enabled: enabled})
	if err != nil {
		return false, fmt.Errorf("marshal inference request: %w", err)
	}

	url := fmt.Sprintf("%s/api/inference-toggle/%s", c.baseURL, code)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("inference toggle request: %v: %w", err, domain.ErrQueryFailed)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read response: %v: %w", err, domain.ErrQueryFailed)
	}

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("http %d: %s: %w", resp.StatusCode, string(respBody), domain.ErrQueryFailed)
	}

	var toggleResp inferenceResponse
	if err := json.Unmarshal(respBody, &toggleResp); err != nil {
		return false, fmt.Errorf("unmarshal response: %w", err)
	}

	c.logger.Info("inference toggled",
		zap.String("code", code),
		zap.Bool("enabled", toggleResp.InferenceEnabled))
	return toggleResp.InferenceEnabled, nil
}
