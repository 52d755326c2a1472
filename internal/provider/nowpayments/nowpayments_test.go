package nowpayments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider"
	"github.com/stretchr/testify/require"
)

type fakePayoutAPI struct {
	mu         sync.Mutex
	authCalls  int
	lastPayout map[string]any
	pollStatus string
}

func (f *fakePayoutAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authCalls++
		f.mu.Unlock()
		w.Write([]byte(`{"token":"jwt-token"}`))
	})
	mux.HandleFunc("/v1/payout", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer jwt-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("x-api-key") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var payload struct {
			Withdrawals []map[string]any `json:"withdrawals"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		f.mu.Lock()
		if len(payload.Withdrawals) > 0 {
			f.lastPayout = payload.Withdrawals[0]
		}
		f.mu.Unlock()
		w.Write([]byte(`{"id":"batch-1","withdrawals":[{"id":"wd-55","status":"CREATING","amount":"50"}]}`))
	})
	mux.HandleFunc("/v1/payout/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.pollStatus
		f.mu.Unlock()
		if status == "" {
			status = "WAITING"
		}
		w.Write([]byte(`{"id":"wd-55","status":"` + status + `","amount":"50","address":"TTest"}`))
	})
	return mux
}

func newTestClient(t *testing.T, api *fakePayoutAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "np-key", Email: "ops@example.com", Password: "secret"})
}

func cryptoRequest() provider.PayoutRequest {
	return provider.PayoutRequest{
		TransactionID: "33333333-4444-5555-6666-777777777777",
		AmountMicros:  50_000_000,
		Currency:      "USD",
		Recipient: provider.Recipient{
			CryptoAddress:  "TTestAddress",
			CryptoCurrency: "USDTTRC20",
		},
	}
}

func TestInitiatePayoutSendsBatchWithExternalID(t *testing.T) {
	api := &fakePayoutAPI{}
	client := newTestClient(t, api)

	result, err := client.InitiatePayout(context.Background(), cryptoRequest())
	require.NoError(t, err)
	require.Equal(t, "wd-55", result.ProviderReference)
	require.Equal(t, domain.PayoutStatePending, result.Status)

	require.Equal(t, "TTestAddress", api.lastPayout["address"])
	require.Equal(t, "usdttrc20", api.lastPayout["currency"])
	require.Equal(t, "33333333-4444-5555-6666-777777777777", api.lastPayout["unique_external_id"])
	require.Equal(t, 1, api.authCalls)
}

func TestInitiatePayoutRejectsMissingDestination(t *testing.T) {
	api := &fakePayoutAPI{}
	client := newTestClient(t, api)

	req := cryptoRequest()
	req.Recipient.CryptoAddress = ""
	_, err := client.InitiatePayout(context.Background(), req)
	require.True(t, provider.IsRejected(err))
	require.Zero(t, api.authCalls)
}

func TestTokenIsReusedWhileFresh(t *testing.T) {
	api := &fakePayoutAPI{}
	client := newTestClient(t, api)

	for i := 0; i < 3; i++ {
		_, err := client.InitiatePayout(context.Background(), cryptoRequest())
		require.NoError(t, err)
	}
	require.Equal(t, 1, api.authCalls)
}

func TestCheckPayoutStatus(t *testing.T) {
	api := &fakePayoutAPI{pollStatus: "FINISHED"}
	client := newTestClient(t, api)

	status, err := client.CheckPayoutStatus(context.Background(), "wd-55")
	require.NoError(t, err)
	require.Equal(t, "FINISHED", status.RawStatus)
	require.Equal(t, domain.PayoutStateCompleted, status.Status)
	require.EqualValues(t, 50_000_000, status.AmountMicros)
	// Polling needs no bearer token, only the API key.
	require.Zero(t, api.authCalls)
}

func TestMapStatusCoversLifecycle(t *testing.T) {
	client := New(Config{})
	require.Equal(t, domain.PayoutStatePending, client.MapStatus("CREATING"))
	require.Equal(t, domain.PayoutStatePending, client.MapStatus("WAITING"))
	require.Equal(t, domain.PayoutStateProcessing, client.MapStatus("PROCESSING"))
	require.Equal(t, domain.PayoutStateProcessing, client.MapStatus("SENDING"))
	require.Equal(t, domain.PayoutStateCompleted, client.MapStatus("finished"))
	require.Equal(t, domain.PayoutStateFailed, client.MapStatus("FAILED"))
	require.Equal(t, domain.PayoutStateFailed, client.MapStatus("REJECTED"))
	require.Equal(t, domain.PayoutStateFailed, client.MapStatus("EXPIRED"))
	require.Equal(t, domain.PayoutStatePending, client.MapStatus("NEW_MYSTERY_STATE"))
}

func TestParseWebhook(t *testing.T) {
	client := New(Config{})

	event, err := client.ParseWebhook([]byte(`{
		"id": "wd-55",
		"status": "FINISHED",
		"amount": 50,
		"unique_external_id": "33333333-4444-5555-6666-777777777777"
	}`))
	require.NoError(t, err)
	require.Equal(t, "33333333-4444-5555-6666-777777777777", event.TransactionID)
	require.Equal(t, "wd-55", event.ProviderReference)
	require.Equal(t, domain.PayoutStateCompleted, event.Status)
	require.EqualValues(t, 50_000_000, event.AmountMicros)

	_, err = client.ParseWebhook([]byte(`{"status":"FINISHED"}`))
	require.ErrorIs(t, err, provider.ErrMalformedWebhook)

	_, err = client.ParseWebhook([]byte(`{"id":"wd-55"}`))
	require.ErrorIs(t, err, provider.ErrMalformedWebhook)
}

func TestParseAmountToleratesStringAndNumber(t *testing.T) {
	units, err := parseAmount(json.RawMessage(`"12.5"`))
	require.NoError(t, err)
	require.EqualValues(t, 12_500_000, units)

	units, err = parseAmount(json.RawMessage(`12.5`))
	require.NoError(t, err)
	require.EqualValues(t, 12_500_000, units)

	_, err = parseAmount(nil)
	require.Error(t, err)
}
