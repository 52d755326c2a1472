package feexpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider"
)

const (
	defaultBaseURL = "https://api.feexpay.me"

	// The free-text reason field has hard provider-side constraints.
	minDescriptionLen  = 5
	fallbackDescription = "Withdrawal payout"
)

// route is one (country, network) dispatch target: each pair has its own
// endpoint path, provider network code and dialing prefix.
type route struct {
	path    string
	network string
	prefix  string
}

// routes keys are "COUNTRY/NETWORK" in upper case.
var routes = map[string]route{
	"BJ/MTN":    {path: "/api/payouts/public/mtn_bj", network: "MTN_BJ", prefix: "229"},
	"BJ/MOOV":   {path: "/api/payouts/public/moov_bj", network: "MOOV_BJ", prefix: "229"},
	"CI/MTN":    {path: "/api/payouts/public/mtn_ci", network: "MTN_CI", prefix: "225"},
	"CI/ORANGE": {path: "/api/payouts/public/orange_ci", network: "ORANGE_CI", prefix: "225"},
	"CI/MOOV":   {path: "/api/payouts/public/moov_ci", network: "MOOV_CI", prefix: "225"},
	"TG/MOOV":   {path: "/api/payouts/public/togo", network: "MOOV_TG", prefix: "228"},
	"TG/TMONEY": {path: "/api/payouts/public/togo", network: "TMONEY_TG", prefix: "228"},
	"SN/ORANGE": {path: "/api/payouts/public/orange_sn", network: "ORANGE_SN", prefix: "221"},
	"SN/FREE":   {path: "/api/payouts/public/free_sn", network: "FREE_SN", prefix: "221"},
	"BF/MOOV":   {path: "/api/payouts/public/moov_bf", network: "MOOV_BF", prefix: "226"},
	"BF/ORANGE": {path: "/api/payouts/public/orange_bf", network: "ORANGE_BF", prefix: "226"},
	"CM/MTN":    {path: "/api/payouts/public/mtn_cm", network: "MTN_CM", prefix: "237"},
	"CM/ORANGE": {path: "/api/payouts/public/orange_cm", network: "ORANGE_CM", prefix: "237"},
}

// Provider statuses seen on both payout responses and webhooks.
const (
	statusSuccessful = "SUCCESSFUL"
	statusFailed     = "FAILED"
	statusPending    = "PENDING"
	statusProcessing = "PROCESSING"
)

const minPayoutUnits = 100

// Config carries the shop credentials.
type Config struct {
	BaseURL string
	APIKey  string
	ShopID  string
}

// Client is the country/network routed mobile-money aggregator adapter.
// Webhooks echo the caller-supplied callback_info verbatim, which is the only
// reliable way to recover the internal transaction ID.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
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

func (c *Client) Name() string { return domain.ProviderFeexPay }

type payoutRequest struct {
	ShopID       string         `json:"shop"`
	Amount       int64          `json:"amount"`
	PhoneNumber  string         `json:"phoneNumber"`
	Network      string         `json:"network"`
	Motif        string         `json:"motif"`
	CallbackInfo []callbackInfo `json:"callback_info"`
}

// callbackInfo is opaque caller context the provider echoes back on webhooks.
type callbackInfo struct {
	TransactionID string `json:"transaction_id"`
}

type payoutResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

func (c *Client) InitiatePayout(ctx context.Context, req provider.PayoutRequest) (*provider.PayoutResult, error) {
	rt, err := resolveRoute(req.Recipient.Country, req.Recipient.Network)
	if err != nil {
		return nil, &provider.RejectedError{Provider: c.Name(), Code: "UNSUPPORTED_OPERATOR", Message: err.Error()}
	}
	units := domain.NewMoney(req.AmountMicros, req.Currency).ProviderUnits()
	if units < minPayoutUnits {
		return nil, &provider.RejectedError{
			Provider: c.Name(),
			Code:     "AMOUNT_BELOW_MINIMUM",
			Message:  fmt.Sprintf("amount %d below provider minimum %d", units, minPayoutUnits),
		}
	}
	phone, err := formatPhone(rt.prefix, req.Recipient.Phone)
	if err != nil {
		return nil, &provider.RejectedError{Provider: c.Name(), Code: "INVALID_PHONE", Message: err.Error()}
	}

	body, err := json.Marshal(payoutRequest{
		ShopID:       c.cfg.ShopID,
		Amount:       units,
		PhoneNumber:  phone,
		Network:      rt.network,
		Motif:        SanitizeDescription(req.Description),
		CallbackInfo: []callbackInfo{{TransactionID: req.TransactionID}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode payout payload: %w", err)
	}

	status, respBody, err := c.do(ctx, http.MethodPost, rt.path, body)
	if err != nil {
		return nil, err
	}

	var resp payoutResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode payout response (%d): %w", status, err)
	}
	if status >= http.StatusBadRequest || strings.EqualFold(resp.Status, statusFailed) {
		return nil, &provider.RejectedError{
			Provider: c.Name(),
			Code:     fmt.Sprintf("HTTP_%d", status),
			Message:  defaultString(resp.Message, "payout refused"),
		}
	}
	return &provider.PayoutResult{
		Status:            c.MapStatus(resp.Status),
		ProviderReference: resp.Reference,
		Message:           resp.Message,
	}, nil
}

type statusResponse struct {
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	PhoneNumber string `json:"phoneNumber"`
	Comment     string `json:"comment"`
}

func (c *Client) CheckPayoutStatus(ctx context.Context, providerRef string) (*provider.PayoutStatus, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/payouts/status/public/"+providerRef, nil)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusBadRequest {
		return nil, fmt.Errorf("feexpay status check returned %d", status)
	}
	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &provider.PayoutStatus{
		RawStatus:    resp.Status,
		Status:       c.MapStatus(resp.Status),
		AmountMicros: domain.FromProviderUnits(resp.Amount, "").Amount,
		Recipient:    resp.PhoneNumber,
		Comment:      resp.Comment,
	}, nil
}

func (c *Client) MapStatus(raw string) domain.PayoutState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case statusSuccessful:
		return domain.PayoutStateCompleted
	case statusFailed:
		return domain.PayoutStateFailed
	case statusProcessing:
		return domain.PayoutStateProcessing
	case statusPending:
		return domain.PayoutStatePending
	default:
		return domain.PayoutStatePending
	}
}

type webhookPayload struct {
	Reference    string          `json:"reference"`
	Status       string          `json:"status"`
	Amount       int64           `json:"amount"`
	Comment      string          `json:"comment"`
	CallbackInfo json.RawMessage `json:"callback_info"`
}

// ParseWebhook recovers the internal transaction ID from the echoed
// callback_info. The provider sends it back exactly as submitted, but older
// dispatch code sent a bare object instead of a one-element array, so both
// shapes are accepted.
func (c *Client) ParseWebhook(payload []byte) (*provider.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedWebhook, err)
	}
	if p.Status == "" {
		return nil, fmt.Errorf("%w: missing status", provider.ErrMalformedWebhook)
	}

	txID := extractCallbackTransactionID(p.CallbackInfo)
	if txID == "" && p.Reference == "" {
		return nil, fmt.Errorf("%w: no callback_info and no reference", provider.ErrMalformedWebhook)
	}
	return &provider.WebhookEvent{
		TransactionID:     txID,
		ProviderReference: p.Reference,
		RawStatus:         p.Status,
		Status:            c.MapStatus(p.Status),
		AmountMicros:      domain.FromProviderUnits(p.Amount, "").Amount,
		Comment:           p.Comment,
	}, nil
}

func extractCallbackTransactionID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var list []callbackInfo
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0].TransactionID
	}
	var single callbackInfo
	if err := json.Unmarshal(raw, &single); err == nil {
		return single.TransactionID
	}
	return ""
}

// SanitizeDescription enforces the provider's constraints on the free-text
// reason: alphanumeric and spaces only, minimum length, deterministic
// fallback when sanitization empties the string.
func SanitizeDescription(desc string) string {
	var b strings.Builder
	for _, r := range desc {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		}
	}
	clean := strings.Join(strings.Fields(b.String()), " ")
	if len(clean) < minDescriptionLen {
		return fallbackDescription
	}
	return clean
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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

func resolveRoute(country, network string) (route, error) {
	key := strings.ToUpper(strings.TrimSpace(country)) + "/" + strings.ToUpper(strings.TrimSpace(network))
	rt, ok := routes[key]
	if !ok {
		return route{}, fmt.Errorf("no payout route for %s", key)
	}
	return rt, nil
}

// formatPhone normalizes the subscriber number and prepends the route's
// country dialing prefix.
func formatPhone(prefix, phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "+")
	phone = strings.TrimPrefix(phone, prefix)
	phone = strings.ReplaceAll(phone, " ", "")
	if phone == "" {
		return "", fmt.Errorf("empty phone number")
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("phone number contains non-digits")
		}
	}
	return prefix + phone, nil
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
