package providerclient

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order kinds accepted by GetOrderStatus.
const (
	OrderKindDeposit    = "deposit"
	OrderKindWithdrawal = "withdrawal"
)

// Normalized order states.
const (
	OrderStatusProcessing = "processing"
	OrderStatusSuccess    = "success"
	OrderStatusFailed     = "failed"
)

// DepositOrderRequest asks the provider for a payment address. A zero
// CryptoAmount opens an order that accepts any amount.
type DepositOrderRequest struct {
	OrderID      string
	Currency     string
	Chain        string
	CryptoAmount decimal.Decimal
	ExpiresAt    time.Time
}

// DepositOrder is where the payer should send funds.
type DepositOrder struct {
	OrderID    string
	Address    string
	Memo       string
	PaymentURL string
	ExpiresAt  time.Time
}

// WithdrawalSubmission is a payout instruction.
type WithdrawalSubmission struct {
	OrderID  string
	Currency string
	Chain    string
	Address  string
	Memo     string
	Amount   decimal.Decimal
}

// WithdrawalReceipt acknowledges that the provider accepted a payout.
type WithdrawalReceipt struct {
	OrderID  string
	RecordID string
	Status   string
}

// Price is a spot quote in USD.
type Price struct {
	Currency string
	USD      decimal.Decimal
	QuotedAt time.Time
}

// AssetBalance is the custodial balance for one currency.
type AssetBalance struct {
	Currency  string
	Available decimal.Decimal
	Frozen    decimal.Decimal
}

// AddressCheck is the result of an address validity query.
type AddressCheck struct {
	Chain   string
	Address string
	Valid   bool
}

// OrderStatus is the provider's current view of an order.
type OrderStatus struct {
	OrderID  string
	RecordID string
	Kind     string
	Status   string
	Amount   decimal.Decimal
	Currency string
	Chain    string
	TxHash   string
}
