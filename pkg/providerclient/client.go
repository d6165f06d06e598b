/**
 * @description
 * This package provides a client for the custodial crypto payment provider.
 * It signs every request, throttles outbound traffic, maps the provider's
 * response envelope into ProviderError values, and converts payloads into
 * provider-neutral DTOs.
 *
 * Only read-only calls (price, balance, address check, order status) are
 * retried, with bounded exponential backoff. Deposit order creation and
 * withdrawal submission are attempted exactly once.
 *
 * @dependencies
 * - golang.org/x/time/rate: Outbound request throttling.
 * - github.com/shopspring/decimal: Crypto amounts and prices.
 * - go.uber.org/zap: Logging of raw provider failures.
 */
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBackoff = 2 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL           string
	AppID             string
	AppSecret         string
	Timeout           time.Duration
	ReadMaxAttempts   int
	RequestsPerSecond float64
	BaseBackoff       time.Duration
}

// Client is a client for the payment provider API.
type Client struct {
	baseURL      string
	appID        string
	appSecret    string
	httpClient   *http.Client
	timeout      time.Duration
	limiter      *rate.Limiter
	readAttempts int
	backoff      time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewClient creates a new provider client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ReadMaxAttempts <= 0 {
		cfg.ReadMaxAttempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		appID:        cfg.AppID,
		appSecret:    cfg.AppSecret,
		httpClient:   &http.Client{},
		timeout:      cfg.Timeout,
		limiter:      rate.NewLimiter(limit, 1),
		readAttempts: cfg.ReadMaxAttempts,
		backoff:      cfg.BaseBackoff,
		logger:       logger.Named("provider"),
		now:          time.Now,
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type depositAddressData struct {
	Address     string `json:"address"`
	Memo        string `json:"memo"`
	CheckoutURL string `json:"checkoutUrl"`
	ExpiredAt   int64  `json:"expiredAt"`
}

type withdrawData struct {
	RecordID string `json:"recordId"`
	Status   string `json:"status"`
}

type priceData struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

type assetData struct {
	Asset struct {
		Coin      string          `json:"coinSymbol"`
		Available decimal.Decimal `json:"available"`
		Frozen    decimal.Decimal `json:"frozen"`
	} `json:"asset"`
}

type addressData struct {
	Valid bool `json:"valid"`
}

type orderData struct {
	OrderID  string          `json:"orderId"`
	RecordID string          `json:"recordId"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Coin     string          `json:"coinSymbol"`
	Chain    string          `json:"chain"`
	TxID     string          `json:"txId"`
}

// CreateDepositOrder issues a deposit address or checkout link for orderID. Not retried.
func (c *Client) CreateDepositOrder(ctx context.Context, req DepositOrderRequest) (*DepositOrder, error) {
	params := map[string]string{
		"orderId":    req.OrderID,
		"coinSymbol": strings.ToUpper(req.Currency),
		"chain":      req.Chain,
	}
	if req.CryptoAmount.IsPositive() {
		params["amount"] = req.CryptoAmount.String()
	}
	if !req.ExpiresAt.IsZero() {
		params["expiredAt"] = strconv.FormatInt(req.ExpiresAt.Unix(), 10)
	}

	var data depositAddressData
	if err := c.do(ctx, "create_deposit_order", http.MethodPost, "/v2/deposit/orders", params, &data); err != nil {
		return nil, err
	}
	order := &DepositOrder{
		OrderID:    req.OrderID,
		Address:    data.Address,
		Memo:       data.Memo,
		PaymentURL: data.CheckoutURL,
	}
	if data.ExpiredAt > 0 {
		order.ExpiresAt = time.Unix(data.ExpiredAt, 0).UTC()
	}
	return order, nil
}

// SubmitWithdrawal asks the provider to pay out. It is attempted exactly once:
// on ErrTimeout the payout may or may not have been accepted.
func (c *Client) SubmitWithdrawal(ctx context.Context, req WithdrawalSubmission) (*WithdrawalReceipt, error) {
	params := map[string]string{
		"orderId":    req.OrderID,
		"coinSymbol": strings.ToUpper(req.Currency),
		"chain":      req.Chain,
		"address":    req.Address,
		"memo":       req.Memo,
		"amount":     req.Amount.String(),
	}

	var data withdrawData
	if err := c.do(ctx, "submit_withdrawal", http.MethodPost, "/v2/withdrawals", params, &data); err != nil {
		return nil, err
	}
	return &WithdrawalReceipt{
		OrderID:  req.OrderID,
		RecordID: data.RecordID,
		Status:   normalizeStatus(data.Status),
	}, nil
}

// GetPrice returns the USD spot price of currency.
func (c *Client) GetPrice(ctx context.Context, currency string) (*Price, error) {
	symbol := strings.ToUpper(currency)
	var data priceData
	if err := c.read(ctx, "get_price", "/v2/prices", map[string]string{"coinSymbols": symbol}, &data); err != nil {
		return nil, err
	}
	price, ok := data.Prices[symbol]
	if !ok || !price.IsPositive() {
		return nil, &ProviderError{Op: "get_price", HTTPStatus: http.StatusOK, Code: SuccessCode, Message: "no price for " + symbol}
	}
	return &Price{Currency: symbol, USD: price, QuotedAt: c.now().UTC()}, nil
}

// GetBalance returns the custodial balance for currency.
func (c *Client) GetBalance(ctx context.Context, currency string) (*AssetBalance, error) {
	symbol := strings.ToUpper(currency)
	var data assetData
	if err := c.read(ctx, "get_balance", "/v2/assets", map[string]string{"coinSymbol": symbol}, &data); err != nil {
		return nil, err
	}
	return &AssetBalance{Currency: symbol, Available: data.Asset.Available, Frozen: data.Asset.Frozen}, nil
}

// ValidateAddress checks whether address is deliverable on chain.
func (c *Client) ValidateAddress(ctx context.Context, chain, address string) (*AddressCheck, error) {
	var data addressData
	params := map[string]string{"chain": chain, "address": address}
	if err := c.read(ctx, "validate_address", "/v2/addresses/check", params, &data); err != nil {
		return nil, err
	}
	return &AddressCheck{Chain: chain, Address: address, Valid: data.Valid}, nil
}

// GetOrderStatus polls the provider for a deposit or withdrawal order.
func (c *Client) GetOrderStatus(ctx context.Context, kind, orderID string) (*OrderStatus, error) {
	var data orderData
	params := map[string]string{"orderId": orderID, "type": kind}
	if err := c.read(ctx, "get_order_status", "/v2/orders", params, &data); err != nil {
		return nil, err
	}
	return &OrderStatus{
		OrderID:  orderID,
		RecordID: data.RecordID,
		Kind:     kind,
		Status:   normalizeStatus(data.Status),
		Amount:   data.Amount,
		Currency: data.Coin,
		Chain:    data.Chain,
		TxHash:   data.TxID,
	}, nil
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "succeeded", "completed":
		return OrderStatusSuccess
	case "failed", "rejected", "cancelled", "canceled", "expired":
		return OrderStatusFailed
	default:
		return OrderStatusProcessing
	}
}

// read issues a GET and retries transport failures, 5xx and 429 with exponential backoff.
func (c *Client) read(ctx context.Context, op, path string, params map[string]string, out any) error {
	var err error
	for attempt := 1; attempt <= c.readAttempts; attempt++ {
		err = c.do(ctx, op, http.MethodGet, path, params, out)
		if err == nil || !retryable(err) || attempt == c.readAttempts {
			return err
		}

		wait := c.backoff << (attempt - 1)
		if wait > maxBackoff {
			wait = maxBackoff
		}
		c.logger.Debug("retrying provider read",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// do performs one signed request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, op, method, path string, params map[string]string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("provider rate limiter: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	endpoint := c.baseURL + path

	signature := Sign(c.appSecret, c.appID, timestamp, CanonicalParams(params))

	var body io.Reader
	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			if v != "" {
				query.Set(k, v)
			}
		}
		if encoded := query.Encode(); encoded != "" {
			endpoint += "?" + encoded
		}
	} else {
		payload := make(map[string]string, len(params))
		for k, v := range params {
			if v != "" {
				payload[k] = v
			}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-App-Id", c.appID)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", signature)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			c.logger.Warn("provider request timed out", zap.String("op", op), zap.Duration("timeout", c.timeout))
			return fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		return &transportError{op: op, err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		return &transportError{op: op, err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &ProviderError{Op: op, HTTPStatus: resp.StatusCode}
		if decodeErr == nil {
			perr.Code, perr.Message = env.Code, env.Msg
		}
		c.logger.Warn("provider returned non-2xx",
			zap.String("op", op), zap.Int("status", resp.StatusCode), zap.Int("code", perr.Code), zap.String("msg", perr.Message))
		return perr
	}
	if decodeErr != nil {
		c.logger.Warn("provider response unparsable", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.Error(decodeErr))
		return &ProviderError{Op: op, HTTPStatus: resp.StatusCode, Message: "unparsable response body"}
	}
	if env.Code != SuccessCode {
		c.logger.Warn("provider rejected request",
			zap.String("op", op), zap.Int("code", env.Code), zap.String("msg", env.Msg))
		return &ProviderError{Op: op, HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.Msg}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &ProviderError{Op: op, HTTPStatus: resp.StatusCode, Code: env.Code, Message: "unexpected data shape: " + err.Error()}
	}
	return nil
}
