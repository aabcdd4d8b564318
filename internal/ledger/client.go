// Package ledger is the stateless request layer against the remote credit
// ledger service. The ledger is the single source of truth for balances; this
// client never computes credits and never retries a spend.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/figureai/credits-go-rewrite/internal/logging"
	"github.com/figureai/credits-go-rewrite/internal/models"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	actionGetCredits   = "get-credits"
	actionSpendCredits = "spend-credits"
	actionCheckReset   = "check-reset"

	operationsPath = "/credit-operations"

	defaultTimeout = 15 * time.Second
)

var (
	// ErrNoResponse marks a transport failure where no response arrived, so
	// the server may or may not have processed the request.
	ErrNoResponse = errors.New("no response from ledger")

	// ErrAmbiguousSpend marks a spend whose outcome is unknown. The caller
	// must treat the spend as failed for UI purposes and refresh immediately
	// to reconcile against the authoritative balance.
	ErrAmbiguousSpend = errors.New("spend outcome unknown")

	// ErrInvalidAmount rejects spend requests before they reach the wire.
	ErrInvalidAmount = errors.New("spend amount must be positive")
)

// Config controls the ledger client.
type Config struct {
	BaseURL  string
	APIToken string // optional bearer token
	Timeout  time.Duration
	Logger   *zerolog.Logger
}

// Client issues the three ledger operations keyed by principal. It holds no
// balance state and is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
	apiToken   string
	timeout    time.Duration

	mu       sync.RWMutex
	endpoint string
}

// New constructs a ledger client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ledger base URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "ledger-client").Logger()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		},
		logger:   logger,
		endpoint: baseURL + operationsPath,
		apiToken: strings.TrimSpace(cfg.APIToken),
		timeout:  timeout,
	}, nil
}

// SetBaseURL repoints the client at a different ledger endpoint. Used by
// config hot reload; in-flight requests finish against the old endpoint.
func (c *Client) SetBaseURL(baseURL string) error {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return errors.New("ledger base URL is required")
	}
	c.mu.Lock()
	c.endpoint = baseURL + operationsPath
	c.mu.Unlock()
	return nil
}

func (c *Client) currentEndpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

type balanceRequest struct {
	Principal string `json:"principal"`
	Action    string `json:"action"`
}

type spendRequest struct {
	Principal string `json:"principal"`
	Amount    int    `json:"amount"`
	Reason    string `json:"reason"`
	Action    string `json:"action"`
}

// GetBalance fetches the authoritative balance snapshot. On transport or
// remote failure it returns a safe default snapshot alongside the error; the
// error is a flag for the caller, and the snapshot is always renderable.
func (c *Client) GetBalance(ctx context.Context, principal string) (models.BalanceSnapshot, error) {
	var snapshot models.BalanceSnapshot
	err := c.invoke(ctx, balanceRequest{Principal: principal, Action: actionGetCredits}, &snapshot)
	if err != nil {
		c.logger.Warn().Err(err).Str("principal", principal).Msg("get balance failed; returning safe default")
		return models.SafeDefault(), fmt.Errorf("get balance: %w", err)
	}
	normalizeSnapshot(&snapshot)
	return snapshot, nil
}

// Spend asks the ledger to deduct credits. The call is at-most-once-effective
// on the server: once any response is received, success or failure, it is
// never retried. A transport failure with no response returns
// ErrAmbiguousSpend, the one case where the outcome is genuinely unknown.
func (c *Client) Spend(ctx context.Context, principal string, amount int, reason string) (models.SpendResult, error) {
	if amount <= 0 {
		return models.SpendResult{}, ErrInvalidAmount
	}

	attemptID := ulid.Make().String()
	logger := c.logger.With().Str("attempt_id", attemptID).Str("principal", principal).Int("amount", amount).Logger()

	var result models.SpendResult
	err := c.invoke(ctx, spendRequest{
		Principal: principal,
		Amount:    amount,
		Reason:    reason,
		Action:    actionSpendCredits,
	}, &result)
	if err != nil {
		if errors.Is(err, ErrNoResponse) {
			logger.Error().Err(err).Msg("spend sent but no response received; outcome unknown")
			return models.SpendResult{Success: false, Error: "spend outcome unknown"},
				fmt.Errorf("%w (attempt %s): %s", ErrAmbiguousSpend, attemptID, err)
		}
		logger.Warn().Err(err).Msg("spend rejected by ledger")
		return models.SpendResult{Success: false, Error: err.Error()}, fmt.Errorf("spend: %w", err)
	}

	logger.Debug().Bool("success", result.Success).Int("remaining", result.RemainingCredits).Msg("spend response")
	return result, nil
}

// CheckReset asks the ledger to apply a periodic credit reset if one is due.
// Safe to call repeatedly; reset_performed=false is the common answer.
func (c *Client) CheckReset(ctx context.Context, principal string) (models.ResetResult, error) {
	var result models.ResetResult
	err := c.invoke(ctx, balanceRequest{Principal: principal, Action: actionCheckReset}, &result)
	if err != nil {
		c.logger.Warn().Err(err).Str("principal", principal).Msg("reset check failed")
		return models.ResetResult{}, fmt.Errorf("check reset: %w", err)
	}
	return result, nil
}

// invoke posts one JSON request and decodes the response. Transport failures
// where no response arrived are wrapped in ErrNoResponse so callers can
// distinguish them from a received rejection.
func (c *Client) invoke(ctx context.Context, reqBody, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqCtx, requestID := logging.WithRequestID(reqCtx, "")

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.currentEndpoint(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoResponse, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("ledger responded with status %s", resp.Status)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// normalizeSnapshot fills in the free-tier defaults the ledger omits for
// unknown users, matching the safe default shape.
func normalizeSnapshot(s *models.BalanceSnapshot) {
	if s.SubscriptionStatus == "" {
		s.SubscriptionStatus = models.SubscriptionFree
	}
	if s.SubscriptionType == "" {
		s.SubscriptionType = models.TypeFree
	}
	if s.Credits < 0 {
		s.Credits = 0
	}
}
