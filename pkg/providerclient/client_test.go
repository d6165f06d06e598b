package providerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:         srv.URL,
		AppID:           "app-1",
		AppSecret:       "secret",
		Timeout:         200 * time.Millisecond,
		ReadMaxAttempts: 3,
		BaseBackoff:     time.Millisecond,
	}, nil)
	return c, srv
}

func writeEnvelope(w http.ResponseWriter, status, code int, msg string, data any) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Code: code, Msg: msg, Data: raw})
}

func TestCanonicalParamsAndSign(t *testing.T) {
	canonical := CanonicalParams(map[string]string{"b": "2", "a": "1", "empty": "", "c": "x y"})
	assert.Equal(t, "a=1&b=2&c=x y", canonical)

	sig := Sign("secret", "app-1", "1700000000", canonical)
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign("secret", "app-1", "1700000000", canonical))
	assert.NotEqual(t, sig, Sign("other", "app-1", "1700000000", canonical))
}

func TestVerifyWebhook(t *testing.T) {
	body := []byte(`{"type":"deposit","orderId":"DGT1"}`)
	sig := Sign("secret", "app-1", "1700000000", string(body))

	assert.True(t, VerifyWebhook("secret", "app-1", "1700000000", body, sig))
	assert.False(t, VerifyWebhook("secret", "app-1", "1700000001", body, sig))
	assert.False(t, VerifyWebhook("wrong", "app-1", "1700000000", body, sig))
	assert.False(t, VerifyWebhook("secret", "app-1", "1700000000", body, "not-hex"))
}

func TestClient_SignsRequests(t *testing.T) {
	var gotSig, gotTS string
	var gotBody map[string]string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotTS = r.Header.Get("X-Timestamp")
		assert.Equal(t, "app-1", r.Header.Get("X-App-Id"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		writeEnvelope(w, http.StatusOK, SuccessCode, "success", map[string]any{"recordId": "rec-1", "status": "Processing"})
	})

	receipt, err := c.SubmitWithdrawal(testContext(t), WithdrawalSubmission{
		OrderID: "WD1", Currency: "usdt", Chain: "TRX", Address: "T-addr", Amount: decimal.RequireFromString("12.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", receipt.RecordID)
	assert.Equal(t, OrderStatusProcessing, receipt.Status)
	assert.Equal(t, "USDT", gotBody["coinSymbol"])
	assert.Equal(t, Sign("secret", "app-1", gotTS, CanonicalParams(gotBody)), gotSig)
}

func TestClient_SubmitWithdrawalIsNeverRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeEnvelope(w, http.StatusBadGateway, 0, "upstream down", nil)
	})

	_, err := c.SubmitWithdrawal(testContext(t), WithdrawalSubmission{OrderID: "WD1", Currency: "USDT", Address: "a", Amount: decimal.NewFromInt(1)})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadGateway, perr.HTTPStatus)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_SubmitWithdrawalTimeout(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := c.SubmitWithdrawal(testContext(t), WithdrawalSubmission{OrderID: "WD1", Currency: "USDT", Address: "a", Amount: decimal.NewFromInt(1)})
	assert.True(t, IsTimeout(err), "expected timeout, got %v", err)
}

func TestClient_ReadsRetryTransientFailures(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		status    int
		wantCalls int32
		wantErr   bool
	}{
		{name: "recovers after 5xx", failures: 2, status: http.StatusServiceUnavailable, wantCalls: 3},
		{name: "recovers after 429", failures: 1, status: http.StatusTooManyRequests, wantCalls: 2},
		{name: "gives up after max attempts", failures: 5, status: http.StatusInternalServerError, wantCalls: 3, wantErr: true},
		{name: "4xx is not retried", failures: 5, status: http.StatusBadRequest, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				if n <= tt.failures {
					writeEnvelope(w, tt.status, 0, "try later", nil)
					return
				}
				assert.Equal(t, "BTC", r.URL.Query().Get("coinSymbols"))
				writeEnvelope(w, http.StatusOK, SuccessCode, "success", map[string]any{"prices": map[string]string{"BTC": "65000.5"}})
			})

			price, err := c.GetPrice(testContext(t), "btc")
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, price.USD.Equal(decimal.RequireFromString("65000.5")))
		})
	}
}

func TestClient_ProviderCodeMapsToProviderError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, 11003, "invalid address", nil)
	})

	_, err := c.ValidateAddress(testContext(t), "ETH", "0xnope")
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 11003, perr.Code)
	assert.Equal(t, "invalid address", perr.Message)
	assert.False(t, perr.Retryable())
}

func TestClient_GetOrderStatusNormalizesStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, OrderKindWithdrawal, r.URL.Query().Get("type"))
		writeEnvelope(w, http.StatusOK, SuccessCode, "success", map[string]any{
			"orderId": "WD1", "recordId": "rec-9", "status": "Success", "amount": "3.2", "coinSymbol": "USDT", "txId": "0xabc",
		})
	})

	status, err := c.GetOrderStatus(testContext(t), OrderKindWithdrawal, "WD1")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusSuccess, status.Status)
	assert.Equal(t, "0xabc", status.TxHash)
	assert.True(t, status.Amount.Equal(decimal.RequireFromString("3.2")))
}

func TestIsRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "envelope code", err: &ProviderError{Op: "create_deposit_order", HTTPStatus: http.StatusOK, Code: 10002}, want: true},
		{name: "bad request", err: &ProviderError{Op: "create_deposit_order", HTTPStatus: http.StatusBadRequest}, want: true},
		{name: "wrapped rejection", err: fmt.Errorf("deposit: %w", &ProviderError{HTTPStatus: http.StatusForbidden}), want: true},
		{name: "rate limited", err: &ProviderError{HTTPStatus: http.StatusTooManyRequests}},
		{name: "server error", err: &ProviderError{HTTPStatus: http.StatusBadGateway}},
		{name: "unparsable success body", err: &ProviderError{HTTPStatus: http.StatusOK, Message: "unparsable response body"}},
		{name: "timeout", err: fmt.Errorf("create_deposit_order: %w", ErrTimeout)},
		{name: "transport", err: &transportError{op: "create_deposit_order", err: errors.New("connection reset by peer")}},
		{name: "canceled", err: context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRejection(tt.err))
		})
	}
}

func TestClient_GetOrderStatusNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, 0, "order not found", nil)
	})

	_, err := c.GetOrderStatus(testContext(t), OrderKindWithdrawal, "WD1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsRejection(err))
	assert.False(t, IsNotFound(&ProviderError{HTTPStatus: http.StatusBadRequest}))
}
