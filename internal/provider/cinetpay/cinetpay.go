package cinetpay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://client.cinetpay.com"

	// Transfer API treatment statuses.
	statusNew       = "NEW" // queued, not yet picked up
	statusReceived  = "REC" // received by the operator, in flight
	statusValidated = "VAL" // funds delivered
	statusRejected  = "REJ" // refused by the operator

	// Top-level response code for a successful operation.
	codeSuccess = 0
	// Contact registration code meaning the contact already exists; the
	// provider signals this as an error but it must be treated as success.
	codeDuplicateContact = 726

	// Transfers below this amount are refused by the aggregator.
	minTransferUnits = 500
)

// Config carries the merchant credentials for the transfer API.
type Config struct {
	BaseURL   string
	APIKey    string
	Password  string
	NotifyURL string
}

// Client is the contact-based mobile-money aggregator adapter. Every transfer
// needs a short-lived bearer token and a registered recipient contact; both
// concerns live entirely inside this adapter.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	tokens     *tokenCache
}

var _ provider.PayoutProvider = (*Client)(nil)

func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	c.tokens = newTokenCache(c.login)
	return c
}

func (c *Client) Name() string { return domain.ProviderCinetPay }

// envelope is the transfer API's outer response shape. Data is kept raw
// because the API nests results one or two array levels deep depending on
// the endpoint.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type transferEntry struct {
	TransactionID   string `json:"transaction_id"`
	ClientID        string `json:"client_transaction_id"`
	Amount          int64  `json:"amount"`
	Receiver        string `json:"receiver"`
	TreatmentStatus string `json:"treatment_status"`
	Comment         string `json:"comment"`
	ValidatedAt     string `json:"validated_at"`
}

// InitiatePayout registers the recipient as a contact (idempotently) and
// dispatches a transfer to them.
func (c *Client) InitiatePayout(ctx context.Context, req provider.PayoutRequest) (*provider.PayoutResult, error) {
	units := domain.NewMoney(req.AmountMicros, req.Currency).ProviderUnits()
	if units < minTransferUnits {
		return nil, &provider.RejectedError{
			Provider: c.Name(),
			Code:     "AMOUNT_BELOW_MINIMUM",
			Message:  fmt.Sprintf("amount %d below provider minimum %d", units, minTransferUnits),
		}
	}
	prefix, phone := sanitizePhone(req.Recipient.Prefix, req.Recipient.Phone)
	if prefix == "" || phone == "" {
		return nil, &provider.RejectedError{
			Provider: c.Name(),
			Code:     "INVALID_PHONE",
			Message:  "recipient phone and dialing prefix are required",
		}
	}

	if err := c.addContact(ctx, prefix, phone, req.Recipient); err != nil {
		return nil, err
	}

	payload, err := json.Marshal([]map[string]any{{
		"prefix":                prefix,
		"phone":                 phone,
		"amount":                units,
		"client_transaction_id": req.TransactionID,
		"notify_url":            c.cfg.NotifyURL,
	}})
	if err != nil {
		return nil, fmt.Errorf("encode transfer payload: %w", err)
	}

	env, err := c.call(ctx, http.MethodPost, "/v1/transfer/money/send/contact", payload)
	if err != nil {
		return nil, err
	}
	if env.Code != codeSuccess {
		return nil, &provider.RejectedError{
			Provider: c.Name(),
			Code:     fmt.Sprintf("%d", env.Code),
			Message:  env.Message,
		}
	}

	entry, err := firstTransferEntry(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode transfer response: %w", err)
	}
	return &provider.PayoutResult{
		Status:            c.MapStatus(entry.TreatmentStatus),
		ProviderReference: entry.TransactionID,
		Message:           env.Message,
	}, nil
}

// CheckPayoutStatus polls the transfer API by the provider's own reference.
// Safe to call repeatedly.
func (c *Client) CheckPayoutStatus(ctx context.Context, providerRef string) (*provider.PayoutStatus, error) {
	env, err := c.call(ctx, http.MethodGet, "/v1/transfer/check/money?transaction_id="+url.QueryEscape(providerRef), nil)
	if err != nil {
		return nil, err
	}
	if env.Code != codeSuccess {
		return nil, fmt.Errorf("cinetpay status check failed (code %d): %s", env.Code, env.Message)
	}
	entry, err := firstTransferEntry(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	status := &provider.PayoutStatus{
		RawStatus:    entry.TreatmentStatus,
		Status:       c.MapStatus(entry.TreatmentStatus),
		AmountMicros: domain.FromProviderUnits(entry.Amount, "").Amount,
		Recipient:    entry.Receiver,
		Comment:      entry.Comment,
	}
	if entry.ValidatedAt != "" {
		if ts, err := time.Parse("2006-01-02 15:04:05", entry.ValidatedAt); err == nil {
			status.CompletedAt = &ts
		}
	}
	return status, nil
}

// MapStatus folds the four-state treatment scale into the shared vocabulary.
// Unknown strings map to pending: never assume success.
func (c *Client) MapStatus(raw string) domain.PayoutState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case statusNew:
		return domain.PayoutStatePending
	case statusReceived:
		return domain.PayoutStateProcessing
	case statusValidated:
		return domain.PayoutStateCompleted
	case statusRejected:
		return domain.PayoutStateFailed
	default:
		return domain.PayoutStatePending
	}
}

// webhookPayload is the notify_url push shape.
type webhookPayload struct {
	TransactionID   string `json:"transaction_id"`
	ClientID        string `json:"client_transaction_id"`
	TreatmentStatus string `json:"treatment_status"`
	Amount          int64  `json:"amount"`
	Comment         string `json:"comment"`
}

func (c *Client) ParseWebhook(payload []byte) (*provider.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedWebhook, err)
	}
	if p.TransactionID == "" && p.ClientID == "" {
		return nil, fmt.Errorf("%w: missing transaction references", provider.ErrMalformedWebhook)
	}
	if p.TreatmentStatus == "" {
		return nil, fmt.Errorf("%w: missing treatment_status", provider.ErrMalformedWebhook)
	}
	return &provider.WebhookEvent{
		TransactionID:     p.ClientID,
		ProviderReference: p.TransactionID,
		RawStatus:         p.TreatmentStatus,
		Status:            c.MapStatus(p.TreatmentStatus),
		AmountMicros:      domain.FromProviderUnits(p.Amount, "").Amount,
		Comment:           p.Comment,
	}, nil
}

// addContact registers the recipient before the first transfer. A duplicate
// contact answer is success, not failure.
func (c *Client) addContact(ctx context.Context, prefix, phone string, r provider.Recipient) error {
	payload, err := json.Marshal([]map[string]any{{
		"prefix":  prefix,
		"phone":   phone,
		"name":    defaultString(r.Name, "SBC"),
		"surname": defaultString(r.Surname, "Member"),
		"email":   defaultString(r.Email, "support@sbc.finance"),
	}})
	if err != nil {
		return fmt.Errorf("encode contact payload: %w", err)
	}

	env, err := c.call(ctx, http.MethodPost, "/v1/transfer/contact", payload)
	if err != nil {
		return err
	}
	if env.Code == codeSuccess {
		return nil
	}
	if contactAlreadyExists(env) {
		zap.L().Debug("cinetpay contact already registered", zap.String("phone", phone))
		return nil
	}
	return &provider.RejectedError{
		Provider: c.Name(),
		Code:     fmt.Sprintf("%d", env.Code),
		Message:  "contact registration refused: " + env.Message,
	}
}

// contactAlreadyExists checks both the top-level code and the per-entry codes
// inside the nested array envelope for the duplicate-contact signal.
func contactAlreadyExists(env *envelope) bool {
	if env.Code == codeDuplicateContact {
		return true
	}
	var nested [][]struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(env.Data, &nested); err == nil {
		for _, batch := range nested {
			for _, entry := range batch {
				if entry.Code == codeDuplicateContact {
					return true
				}
			}
		}
	}
	return false
}

func (c *Client) login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("apikey", c.cfg.APIKey)
	form.Set("password", c.cfg.Password)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &provider.TransientError{Provider: c.Name(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &provider.TransientError{Provider: c.Name(), Err: err}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if env.Code != codeSuccess {
		return "", fmt.Errorf("cinetpay login refused (code %d): %s", env.Code, env.Message)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		return "", fmt.Errorf("cinetpay login returned no token")
	}
	return data.Token, nil
}

// call performs an authenticated transfer API request, transparently fetching
// or refreshing the bearer token.
func (c *Client) call(ctx context.Context, method, path string, jsonData []byte) (*envelope, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + path
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	endpoint += sep + "token=" + url.QueryEscape(token) + "&lang=en"

	var reqBody io.Reader
	if jsonData != nil {
		form := url.Values{}
		form.Set("data", string(jsonData))
		reqBody = strings.NewReader(form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if jsonData != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &provider.TransientError{Provider: c.Name(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.TransientError{Provider: c.Name(), Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Token raced its five-minute expiry; drop it so the next call
		// re-authenticates.
		c.tokens.Invalidate()
		return nil, &provider.TransientError{Provider: c.Name(), Err: fmt.Errorf("token expired mid-flight")}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &provider.TransientError{Provider: c.Name(), Err: fmt.Errorf("provider returned %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	return &env, nil
}

// firstTransferEntry unwraps the nested-array envelope the transfer endpoints
// answer with; some endpoints nest one level, some two.
func firstTransferEntry(data json.RawMessage) (*transferEntry, error) {
	var nested [][]transferEntry
	if err := json.Unmarshal(data, &nested); err == nil && len(nested) > 0 && len(nested[0]) > 0 {
		return &nested[0][0], nil
	}
	var flat []transferEntry
	if err := json.Unmarshal(data, &flat); err == nil && len(flat) > 0 {
		return &flat[0], nil
	}
	return nil, fmt.Errorf("empty transfer envelope")
}

func sanitizePhone(prefix, phone string) (string, string) {
	prefix = strings.TrimLeft(strings.TrimSpace(prefix), "+")
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "+"+prefix)
	phone = strings.TrimPrefix(phone, prefix)
	phone = strings.ReplaceAll(phone, " ", "")
	if !digitsOnly(prefix) || !digitsOnly(phone) {
		return "", ""
	}
	return prefix, phone
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
