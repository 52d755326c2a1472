package nowpayments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider"
)

const (
	defaultBaseURL = "https://api.nowpayments.io"

	// Bearer tokens from /v1/auth expire after five minutes.
	tokenTTL    = 5 * time.Minute
	tokenMargin = 30 * time.Second
)

// Payout statuses the processor reports.
const (
	statusCreating   = "CREATING"
	statusWaiting    = "WAITING"
	statusProcessing = "PROCESSING"
	statusSending    = "SENDING"
	statusFinished   = "FINISHED"
	statusFailed     = "FAILED"
	statusRejected   = "REJECTED"
	statusExpired    = "EXPIRED"
)

// Config carries the processor credentials. Email and password are only used
// for the short-lived payout bearer token.
type Config struct {
	BaseURL  string
	APIKey   string
	Email    string
	Password string
}

// Client is the crypto payout processor adapter. Polling is by the opaque
// payout batch withdrawal ID returned at dispatch.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ provider.PayoutProvider = (*Client)(nil)

func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Name() string { return domain.ProviderNowPayments }

type payoutWithdrawal struct {
	ID        string          `json:"id"`
	Address   string          `json:"address"`
	Currency  string          `json:"currency"`
	Amount    json.RawMessage `json:"amount"`
	Status    string          `json:"status"`
	Error     string          `json:"error"`
	CreatedAt string          `json:"created_at"`
	FinishedAt string         `json:"finished_at"`
}

type payoutBatch struct {
	ID          string             `json:"id"`
	Withdrawals []payoutWithdrawal `json:"withdrawals"`
}

func (c *Client) InitiatePayout(ctx context.Context, req provider.PayoutRequest) (*provider.PayoutResult, error) {
	if req.Recipient.CryptoAddress == "" || req.Recipient.CryptoCurrency == "" {
		return nil, &provider.RejectedError{
			Provider: c.Name(),
			Code:     "INVALID_DESTINATION",
			Message:  "crypto address and currency are required",
		}
	}

	amount := domain.NewMoney(req.AmountMicros, req.Currency).ToDecimal()
	body, err := json.Marshal(map[string]any{
		"withdrawals": []map[string]any{{
			"address":     req.Recipient.CryptoAddress,
			"currency":    strings.ToLower(req.Recipient.CryptoCurrency),
			"amount":      amount,
			"fiat_amount": amount,
			"fiat_currency": strings.ToLower(req.Currency),
			"unique_external_id": req.TransactionID,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode payout payload: %w", err)
	}

	status, respBody, err := c.do(ctx, http.MethodPost, "/v1/payout", body, true)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusBadRequest {
		return nil, &provider.RejectedError{
			Provider: c.Name(),
			Code:     fmt.Sprintf("HTTP_%d", status),
			Message:  strings.TrimSpace(string(respBody)),
		}
	}

	var batch payoutBatch
	if err := json.Unmarshal(respBody, &batch); err != nil {
		return nil, fmt.Errorf("decode payout response: %w", err)
	}
	if len(batch.Withdrawals) == 0 {
		return nil, fmt.Errorf("payout batch %s contains no withdrawals", batch.ID)
	}
	w := batch.Withdrawals[0]
	return &provider.PayoutResult{
		Status:            c.MapStatus(w.Status),
		ProviderReference: w.ID,
		Message:           w.Error,
	}, nil
}

func (c *Client) CheckPayoutStatus(ctx context.Context, providerRef string) (*provider.PayoutStatus, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/v1/payout/"+providerRef, nil, false)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusBadRequest {
		return nil, fmt.Errorf("nowpayments status check returned %d", status)
	}

	var w payoutWithdrawal
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	out := &provider.PayoutStatus{
		RawStatus: w.Status,
		Status:    c.MapStatus(w.Status),
		Recipient: w.Address,
		Comment:   w.Error,
	}
	if units, err := parseAmount(w.Amount); err == nil {
		out.AmountMicros = units
	}
	if w.FinishedAt != "" {
		if ts, err := time.Parse(time.RFC3339, w.FinishedAt); err == nil {
			out.CompletedAt = &ts
		}
	}
	return out, nil
}

func (c *Client) MapStatus(raw string) domain.PayoutState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case statusFinished:
		return domain.PayoutStateCompleted
	case statusFailed, statusRejected, statusExpired:
		return domain.PayoutStateFailed
	case statusProcessing, statusSending:
		return domain.PayoutStateProcessing
	case statusCreating, statusWaiting:
		return domain.PayoutStatePending
	default:
		return domain.PayoutStatePending
	}
}

type webhookPayload struct {
	ID               string          `json:"id"`
	BatchWithdrawalID string         `json:"batch_withdrawal_id"`
	Status           string          `json:"status"`
	Address          string          `json:"address"`
	Amount           json.RawMessage `json:"amount"`
	Error            string          `json:"error"`
	UniqueExternalID string          `json:"unique_external_id"`
}

func (c *Client) ParseWebhook(payload []byte) (*provider.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedWebhook, err)
	}
	if p.Status == "" {
		return nil, fmt.Errorf("%w: missing status", provider.ErrMalformedWebhook)
	}
	if p.ID == "" && p.UniqueExternalID == "" {
		return nil, fmt.Errorf("%w: missing payout references", provider.ErrMalformedWebhook)
	}
	event := &provider.WebhookEvent{
		TransactionID:     p.UniqueExternalID,
		ProviderReference: p.ID,
		RawStatus:         p.Status,
		Status:            c.MapStatus(p.Status),
		Comment:           p.Error,
	}
	if units, err := parseAmount(p.Amount); err == nil {
		event.AmountMicros = units
	}
	return event, nil
}

// authToken returns a cached payout bearer token, logging in when missing or
// stale. A redundant login under concurrency is a harmless extra call; the
// mutex only guards the cached value.
func (c *Client) authToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Until(c.tokenExpiry) > tokenMargin {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	body, err := json.Marshal(map[string]string{
		"email":    c.cfg.Email,
		"password": c.cfg.Password,
	})
	if err != nil {
		return "", fmt.Errorf("encode auth payload: %w", err)
	}
	status, respBody, err := c.do(ctx, http.MethodPost, "/v1/auth", body, false)
	if err != nil {
		return "", err
	}
	if status >= http.StatusBadRequest {
		return "", fmt.Errorf("nowpayments auth returned %d", status)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil || resp.Token == "" {
		return "", fmt.Errorf("nowpayments auth returned no token")
	}

	c.mu.Lock()
	c.token = resp.Token
	c.tokenExpiry = time.Now().Add(tokenTTL)
	c.mu.Unlock()
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, authed bool) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token, err := c.authToken(ctx)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &provider.TransientError{Provider: c.Name(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &provider.TransientError{Provider: c.Name(), Err: err}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, nil, &provider.TransientError{Provider: c.Name(), Err: fmt.Errorf("provider returned %d", resp.StatusCode)}
	}
	return resp.StatusCode, respBody, nil
}

// parseAmount tolerates both string and numeric amounts in provider payloads.
func parseAmount(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("no amount")
	}
	s := strings.Trim(string(raw), `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return int64(f * 1_000_000), nil
}
