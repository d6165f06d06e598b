/**
 * @description
 * Deposit (purchase) and withdrawal flows. Local state is written first in
 * its own transaction, the provider is called with no lock held, and the
 * outcome is recorded in a second transaction.
 *
 * Key features:
 * - Withdrawals debit the wallet at request time; a refusal reverses the rows.
 * - Submission is a single provider call. A timeout leaves the request pending.
 * - Deposit orders carry a caller-generated ULID order id.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Crypto amounts and quote rates.
 * - pkg/providerclient: Payment provider adapter.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/config"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/metrics"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/store"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/pkg/providerclient"
)

const cryptoPrecision = 8

var errProviderNotConfigured = fmt.Errorf("%w: provider is not configured", domain.ErrPaymentProvider)

// DepositRequest asks for a payment address for Amount DGT minor units.
// Zero opens an order that credits whatever arrives.
type DepositRequest struct {
	Currency string
	Chain    string
	Amount   int64
}

// WithdrawalInput is a user's payout request.
type WithdrawalInput struct {
	Amount        int64
	Currency      string
	Chain         string
	WalletAddress string
	Memo          string
}

func providerFailure(op string, err error) error {
	countProviderError(op, err)
	return fmt.Errorf("%w: %w", domain.ErrPaymentProvider, err)
}

func countProviderError(op string, err error) {
	outcome := "error"
	if providerclient.IsTimeout(err) {
		outcome = "timeout"
	}
	metrics.ProviderCalls.WithLabelValues(op, outcome).Inc()
}

func providerOK(op string) {
	metrics.ProviderCalls.WithLabelValues(op, "ok").Inc()
}

// quoteRate returns DGT minor units per one unit of currency.
func (s *Service) quoteRate(ctx context.Context, settings config.EconomySettings, currency string) (decimal.Decimal, error) {
	price, err := s.provider.GetPrice(ctx, currency)
	if err != nil {
		return decimal.Zero, providerFailure("get_price", err)
	}
	providerOK("get_price")
	if !price.USD.IsPositive() || !settings.TokenUSDPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no usable price for %s", domain.ErrPaymentProvider, currency)
	}
	return price.USD.Div(settings.TokenUSDPrice).Mul(decimal.NewFromInt(settings.TokenScale)).Round(cryptoPrecision), nil
}

// creditForDeposit converts received crypto into DGT minor units. A fixed
// order paid in full credits exactly what was requested.
func creditForDeposit(po *domain.PurchaseOrder, received decimal.Decimal) int64 {
	if !po.OpenAmount() && received.GreaterThanOrEqual(po.CryptoAmountExpected) {
		return po.AmountRequested
	}
	credit := received.Mul(po.QuoteRate).Floor().IntPart()
	if !po.OpenAmount() && credit > po.AmountRequested {
		credit = po.AmountRequested
	}
	return credit
}

// RequestDeposit opens a purchase order and asks the provider for a
// deposit address.
func (s *Service) RequestDeposit(ctx context.Context, userID uuid.UUID, req DepositRequest) (order *domain.PurchaseOrder, err error) {
	start := time.Now()
	defer func() { s.observe("deposit_request", start, err) }()

	settings := s.economy()
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !settings.SupportsCurrency(currency) {
		return nil, domain.NewValidationError("currency", fmt.Sprintf("%q is not supported", req.Currency))
	}
	if req.Amount < 0 {
		return nil, domain.NewValidationError("amount", "must not be negative")
	}
	if s.provider == nil {
		return nil, errProviderNotConfigured
	}

	rate, err := s.quoteRate(ctx, settings, currency)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	order = &domain.PurchaseOrder{
		ID:                uuid.New(),
		UserID:            userID,
		AmountRequested:   req.Amount,
		Currency:          currency,
		Chain:             strings.ToUpper(strings.TrimSpace(req.Chain)),
		QuoteRate:         rate,
		ProviderReference: s.newOrderID(depositOrderPrefix),
		Status:            domain.PurchaseOrderStatusPending,
		ExpiresAt:         now.Add(settings.PurchaseOrderTTL),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Amount > 0 {
		order.CryptoAmountExpected = decimal.NewFromInt(req.Amount).Div(rate).RoundCeil(cryptoPrecision)
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.CreateWallet(ctx, userID, now); err != nil {
			return err
		}
		if req.Amount > 0 {
			wallets, err := tx.LockWallets(ctx, userID)
			if err != nil {
				return err
			}
			pending, err := s.post(ctx, tx, wallets[userID], domain.Transaction{
				ToUserID:          uuidPtr(userID),
				Amount:            req.Amount,
				Type:              domain.TransactionTypeDeposit,
				Status:            domain.TransactionStatusPending,
				ExternalReference: stringPtr(order.ProviderReference),
				Metadata:          map[string]string{"currency": currency},
			})
			if err != nil {
				return err
			}
			order.TransactionID = uuidPtr(pending.ID)
		}
		return tx.InsertPurchaseOrder(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create purchase order: %w", err)
	}

	issued, callErr := s.provider.CreateDepositOrder(ctx, providerclient.DepositOrderRequest{
		OrderID:      order.ProviderReference,
		Currency:     currency,
		Chain:        order.Chain,
		CryptoAmount: order.CryptoAmountExpected,
		ExpiresAt:    order.ExpiresAt,
	})
	if callErr != nil {
		// Only an explicit refusal proves the provider never opened the order.
		if providerclient.IsRejection(callErr) {
			if ferr := s.failPurchaseOrder(ctx, order.ProviderReference); ferr != nil {
				s.logger.Error("failed to mark purchase order failed", zap.String("order_id", order.ProviderReference), zap.Error(ferr))
			}
		}
		s.logger.Warn("deposit address request failed",
			zap.String("order_id", order.ProviderReference),
			zap.Bool("rejected", providerclient.IsRejection(callErr)),
			zap.Error(callErr))
		return nil, providerFailure("create_deposit_order", callErr)
	}
	providerOK("create_deposit_order")

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		po, err := tx.GetPurchaseOrderByReferenceForUpdate(ctx, order.ProviderReference)
		if err != nil {
			return err
		}
		if issued.Address != "" {
			po.DepositAddress = stringPtr(issued.Address)
		}
		if issued.Memo != "" {
			po.DepositMemo = stringPtr(issued.Memo)
		}
		if issued.PaymentURL != "" {
			po.PaymentURL = stringPtr(issued.PaymentURL)
		}
		po.UpdatedAt = s.clock()
		if err := tx.UpdatePurchaseOrder(ctx, po); err != nil {
			return err
		}
		order = po
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store deposit address: %w", err)
	}
	return order, nil
}

func (s *Service) failPurchaseOrder(ctx context.Context, reference string) error {
	return s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		po, err := tx.GetPurchaseOrderByReferenceForUpdate(ctx, reference)
		if err != nil {
			return err
		}
		if po.Status != domain.PurchaseOrderStatusPending {
			return nil
		}
		return s.closePurchaseOrder(ctx, tx, po, domain.PurchaseOrderStatusFailed)
	})
}

// closePurchaseOrder ends an unpaid order and fails its pending row.
func (s *Service) closePurchaseOrder(ctx context.Context, tx store.Tx, po *domain.PurchaseOrder, status domain.PurchaseOrderStatus) error {
	now := s.clock()
	if po.TransactionID != nil && po.Status == domain.PurchaseOrderStatusPending {
		if err := tx.UpdateTransactionStatus(ctx, *po.TransactionID, domain.TransactionStatusFailed, nil, now); err != nil {
			return err
		}
	}
	po.Status = status
	po.UpdatedAt = now
	return tx.UpdatePurchaseOrder(ctx, po)
}

// GetDepositOrder returns a purchase order by its provider reference.
func (s *Service) GetDepositOrder(ctx context.Context, actor domain.Actor, reference string) (*domain.PurchaseOrder, error) {
	po, err := s.repo.GetPurchaseOrderByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if po.UserID != actor.UserID && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: order belongs to another user", domain.ErrUnauthorized)
	}
	return po, nil
}

// ListDepositOrders returns the user's recent purchase orders.
func (s *Service) ListDepositOrders(ctx context.Context, userID uuid.UUID, limit int) ([]domain.PurchaseOrder, error) {
	limit, _ = store.NormalizePage(limit, 0)
	orders, err := s.repo.ListPurchaseOrdersByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchase orders: %w", err)
	}
	if orders == nil {
		orders = []domain.PurchaseOrder{}
	}
	return orders, nil
}

// RequestWithdrawal reserves amount plus fee and records a pending payout.
// Small payouts are submitted right away.
func (s *Service) RequestWithdrawal(ctx context.Context, userID uuid.UUID, in WithdrawalInput) (req *domain.WithdrawalRequest, err error) {
	start := time.Now()
	defer func() { s.observe("withdrawal_request", start, err) }()

	settings := s.economy()
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	chain := strings.ToUpper(strings.TrimSpace(in.Chain))
	address := strings.TrimSpace(in.WalletAddress)
	switch {
	case in.Amount < settings.WithdrawalMinAmount || in.Amount > settings.WithdrawalMaxAmount || in.Amount <= 0:
		return nil, domain.NewValidationError("amount", fmt.Sprintf("must be between %d and %d", settings.WithdrawalMinAmount, settings.WithdrawalMaxAmount))
	case !settings.SupportsCurrency(currency):
		return nil, domain.NewValidationError("currency", fmt.Sprintf("%q is not supported", in.Currency))
	case address == "":
		return nil, domain.NewValidationError("wallet_address", "is required")
	}
	if s.provider == nil {
		return nil, errProviderNotConfigured
	}

	check, err := s.provider.ValidateAddress(ctx, chain, address)
	if err != nil {
		return nil, providerFailure("validate_address", err)
	}
	providerOK("validate_address")
	if !check.Valid {
		return nil, domain.NewValidationError("wallet_address", fmt.Sprintf("is not a valid %s address", chain))
	}
	rate, err := s.quoteRate(ctx, settings, currency)
	if err != nil {
		return nil, err
	}

	fee := settings.WithdrawalFee
	orderID := s.newOrderID(withdrawalOrderPrefix)
	now := s.clock()
	req = &domain.WithdrawalRequest{
		ID:            uuid.New(),
		UserID:        userID,
		OrderID:       orderID,
		Amount:        in.Amount,
		ProcessingFee: fee,
		Currency:      currency,
		Chain:         chain,
		WalletAddress: address,
		CryptoAmount:  decimal.NewFromInt(in.Amount).Div(rate).RoundFloor(cryptoPrecision),
		Status:        domain.WithdrawalStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if memo := strings.TrimSpace(in.Memo); memo != "" {
		req.Memo = &memo
	}
	metadata := map[string]string{"currency": currency, "chain": chain, "wallet_address": address}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		wallet, err := lockSender(ctx, tx, userID)
		if err != nil {
			return err
		}
		if wallet.SpendableBalance < in.Amount+fee {
			return fmt.Errorf("%w: balance %d, required %d including fee", domain.ErrInsufficientFunds, wallet.SpendableBalance, in.Amount+fee)
		}
		debit, err := s.post(ctx, tx, wallet, domain.Transaction{
			FromUserID:        uuidPtr(userID),
			Amount:            -in.Amount,
			Type:              domain.TransactionTypeWithdrawal,
			ExternalReference: stringPtr(orderID),
			Metadata:          metadata,
		})
		if err != nil {
			return err
		}
		req.TransactionID = debit.ID
		if fee > 0 {
			feeTxn, err := s.post(ctx, tx, wallet, domain.Transaction{
				FromUserID:        uuidPtr(userID),
				Amount:            -fee,
				Type:              domain.TransactionTypeFee,
				ExternalReference: stringPtr(orderID),
				Metadata:          map[string]string{"reason": "withdrawal_fee"},
			})
			if err != nil {
				return err
			}
			req.FeeTransactionID = uuidPtr(feeTxn.ID)
		}
		wallet.PendingWithdrawals++
		if err := tx.UpdateWallet(ctx, wallet); err != nil {
			return err
		}
		return tx.InsertWithdrawal(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, []uuid.UUID{userID}, domain.LedgerEvent{
		Type:           domain.EventWithdrawalRequest,
		UserID:         uuidPtr(userID),
		Amount:         in.Amount,
		TransactionIDs: []uuid.UUID{req.TransactionID},
		ReferenceID:    orderID,
		Attributes:     map[string]string{"currency": currency, "fee": fmt.Sprint(fee)},
	})

	if settings.WithdrawalAutoSubmitMax > 0 && in.Amount <= settings.WithdrawalAutoSubmitMax {
		submitted, err := s.submitWithdrawal(ctx, req.ID)
		if err != nil {
			// The request stays pending for an operator to resubmit.
			s.logger.Warn("automatic withdrawal submission failed", zap.String("order_id", orderID), zap.Error(err))
		}
		if submitted != nil {
			req = submitted
		}
	}
	return req, nil
}

// SubmitWithdrawal sends a pending withdrawal to the provider on behalf of an admin.
func (s *Service) SubmitWithdrawal(ctx context.Context, actor domain.Actor, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", domain.ErrUnauthorized)
	}
	return s.submitWithdrawal(ctx, withdrawalID)
}

// submitWithdrawal makes exactly one provider call and records the attempt.
// The request remains pending whatever the outcome.
func (s *Service) submitWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error) {
	if s.provider == nil {
		return nil, errProviderNotConfigured
	}
	current, err := s.repo.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.WithdrawalStatusPending {
		return nil, fmt.Errorf("%w: withdrawal is already %s", domain.ErrConflict, current.Status)
	}
	if current.ProviderRecordID != nil {
		return nil, fmt.Errorf("%w: provider already accepted withdrawal %s", domain.ErrConflict, current.OrderID)
	}

	submission := providerclient.WithdrawalSubmission{
		OrderID:  current.OrderID,
		Currency: current.Currency,
		Chain:    current.Chain,
		Address:  current.WalletAddress,
		Amount:   current.CryptoAmount,
	}
	if current.Memo != nil {
		submission.Memo = *current.Memo
	}
	receipt, callErr := s.provider.SubmitWithdrawal(ctx, submission)

	var updated *domain.WithdrawalRequest
	err = s.repo.WithinTx(context.WithoutCancel(ctx), func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, withdrawalID)
		if err != nil {
			return err
		}
		now := s.clock()
		w.SubmissionAttempts++
		w.SubmittedAt = timePtr(now)
		w.UpdatedAt = now
		if callErr != nil {
			w.LastError = stringPtr(callErr.Error())
		} else {
			w.LastError = nil
			if receipt.RecordID != "" {
				w.ProviderRecordID = stringPtr(receipt.RecordID)
			}
		}
		updated = w
		return tx.UpdateWithdrawal(ctx, w)
	})
	if err != nil {
		s.logger.Error("failed to record withdrawal submission",
			zap.String("order_id", current.OrderID),
			zap.NamedError("provider_err", callErr),
			zap.Error(err))
		return nil, fmt.Errorf("failed to record withdrawal submission: %w", err)
	}

	if callErr != nil {
		s.logger.Warn("withdrawal submission failed",
			zap.String("order_id", current.OrderID),
			zap.Bool("timeout", providerclient.IsTimeout(callErr)),
			zap.Error(callErr))
		return updated, providerFailure("submit_withdrawal", callErr)
	}
	providerOK("submit_withdrawal")
	s.logger.Info("withdrawal submitted", zap.String("order_id", current.OrderID), zap.String("record_id", receipt.RecordID))
	return updated, nil
}

// RejectWithdrawal refuses a pending withdrawal the provider has not
// accepted and returns the reserved funds. A withdrawal that was submitted
// without a recorded outcome is first checked with the provider; a failure
// it reports is applied as a provider event and the order is released.
func (s *Service) RejectWithdrawal(ctx context.Context, actor domain.Actor, withdrawalID uuid.UUID, reason string) (req *domain.WithdrawalRequest, err error) {
	start := time.Now()
	defer func() { s.observe("withdrawal_reject", start, err) }()

	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", domain.ErrUnauthorized)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, domain.NewValidationError("reason", "is required")
	}

	current, err := s.repo.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if err := rejectable(current); err != nil {
		return nil, err
	}
	if current.SubmissionAttempts > 0 {
		resolved, err := s.resolveUnknownSubmission(ctx, current)
		if err != nil || resolved != nil {
			return resolved, err
		}
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if err := rejectable(w); err != nil {
			return err
		}
		if w.SubmissionAttempts != current.SubmissionAttempts {
			return fmt.Errorf("%w: withdrawal %s was resubmitted during rejection", domain.ErrConflict, w.OrderID)
		}
		req = w
		return s.refuseWithdrawal(ctx, tx, w, "rejected by admin: "+strings.TrimSpace(reason))
	})
	if err != nil {
		return nil, err
	}
	s.afterWithdrawalResolved(ctx, req)
	return req, nil
}

func rejectable(w *domain.WithdrawalRequest) error {
	if w.Status != domain.WithdrawalStatusPending {
		return fmt.Errorf("%w: withdrawal is already %s", domain.ErrConflict, w.Status)
	}
	if w.ProviderRecordID != nil {
		return fmt.Errorf("%w: provider already accepted withdrawal %s", domain.ErrConflict, w.OrderID)
	}
	return nil
}

// resolveUnknownSubmission asks the provider what became of a submitted
// withdrawal. It returns nil, nil only when the provider has no record of
// the order. A terminal status is applied through ApplyProviderEvent; a
// provider failure yields the rejected withdrawal, anything else a conflict.
func (s *Service) resolveUnknownSubmission(ctx context.Context, w *domain.WithdrawalRequest) (*domain.WithdrawalRequest, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("%w: outcome of withdrawal %s is unknown and no provider is configured", domain.ErrConflict, w.OrderID)
	}
	status, err := s.provider.GetOrderStatus(ctx, providerclient.OrderKindWithdrawal, w.OrderID)
	if err != nil {
		if providerclient.IsNotFound(err) {
			providerOK("get_order_status")
			return nil, nil
		}
		countProviderError("get_order_status", err)
		s.logger.Warn("withdrawal status check failed", zap.String("order_id", w.OrderID), zap.Error(err))
		return nil, fmt.Errorf("%w: outcome of withdrawal %s is unknown: %v", domain.ErrConflict, w.OrderID, err)
	}
	providerOK("get_order_status")

	result := s.applyOrderStatus(ctx, w.OrderID, status)
	if result == nil {
		return nil, fmt.Errorf("%w: provider is still processing withdrawal %s", domain.ErrConflict, w.OrderID)
	}
	if !result.Outcome.Acknowledged() {
		return nil, fmt.Errorf("failed to apply provider status for withdrawal %s", w.OrderID)
	}
	resolved, err := s.repo.GetWithdrawal(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if resolved.Status != domain.WithdrawalStatusRejected {
		return nil, fmt.Errorf("%w: withdrawal %s is %s at the provider", domain.ErrConflict, w.OrderID, resolved.Status)
	}
	return resolved, nil
}

// applyOrderStatus feeds a polled terminal withdrawal status through the
// webhook path. It returns nil while the order is still processing.
func (s *Service) applyOrderStatus(ctx context.Context, orderID string, status *providerclient.OrderStatus) *WebhookResult {
	var eventStatus domain.WebhookEventStatus
	switch status.Status {
	case providerclient.OrderStatusSuccess:
		eventStatus = domain.WebhookStatusSuccess
	case providerclient.OrderStatusFailed:
		eventStatus = domain.WebhookStatusFailed
	default:
		return nil
	}
	return s.ApplyProviderEvent(ctx, domain.WebhookEvent{
		Provider:   s.webhook.Provider,
		OrderID:    orderID,
		RecordID:   status.RecordID,
		Type:       domain.WebhookEventWithdrawal,
		Status:     eventStatus,
		Amount:     status.Amount,
		Currency:   status.Currency,
		Chain:      status.Chain,
		TxHash:     status.TxHash,
		ReceivedAt: s.clock(),
	})
}

// refuseWithdrawal reverses the reserved rows and restores the balance.
// w must be locked by tx.
func (s *Service) refuseWithdrawal(ctx context.Context, tx store.Tx, w *domain.WithdrawalRequest, note string) error {
	wallets, err := tx.LockWallets(ctx, w.UserID)
	if err != nil {
		return err
	}
	wallet := wallets[w.UserID]
	now := s.clock()

	if err := tx.UpdateTransactionStatus(ctx, w.TransactionID, domain.TransactionStatusReversed, nil, now); err != nil {
		return err
	}
	restored := w.Amount
	if w.FeeTransactionID != nil {
		if err := tx.UpdateTransactionStatus(ctx, *w.FeeTransactionID, domain.TransactionStatusReversed, nil, now); err != nil {
			return err
		}
		restored += w.ProcessingFee
	}
	wallet.SpendableBalance += restored
	if wallet.PendingWithdrawals > 0 {
		wallet.PendingWithdrawals--
	}
	wallet.UpdatedAt = now
	if err := tx.UpdateWallet(ctx, wallet); err != nil {
		return err
	}

	w.Status = domain.WithdrawalStatusRejected
	w.ResolvedAt = timePtr(now)
	w.ResolutionNote = stringPtr(note)
	w.UpdatedAt = now
	return tx.UpdateWithdrawal(ctx, w)
}

// approveWithdrawal settles a paid-out withdrawal. w must be locked by tx.
func (s *Service) approveWithdrawal(ctx context.Context, tx store.Tx, w *domain.WithdrawalRequest, recordID, txHash string) error {
	wallets, err := tx.LockWallets(ctx, w.UserID)
	if err != nil {
		return err
	}
	wallet := wallets[w.UserID]
	now := s.clock()

	reference := txHash
	if reference == "" {
		reference = recordID
	}
	var ref *string
	if reference != "" {
		ref = stringPtr(reference)
	}
	if err := tx.UpdateTransactionStatus(ctx, w.TransactionID, domain.TransactionStatusConfirmed, ref, now); err != nil {
		return err
	}
	if wallet.PendingWithdrawals > 0 {
		wallet.PendingWithdrawals--
	}
	wallet.UpdatedAt = now
	if err := tx.UpdateWallet(ctx, wallet); err != nil {
		return err
	}

	w.Status = domain.WithdrawalStatusApproved
	if recordID != "" {
		w.ProviderRecordID = stringPtr(recordID)
	}
	if txHash != "" {
		w.TxHash = stringPtr(txHash)
	}
	w.ResolvedAt = timePtr(now)
	w.UpdatedAt = now
	return tx.UpdateWithdrawal(ctx, w)
}

func (s *Service) afterWithdrawalResolved(ctx context.Context, w *domain.WithdrawalRequest) {
	s.afterCommit(ctx, []uuid.UUID{w.UserID}, domain.LedgerEvent{
		Type:           domain.EventWithdrawalResolved,
		UserID:         uuidPtr(w.UserID),
		Amount:         w.Amount,
		TransactionIDs: []uuid.UUID{w.TransactionID},
		ReferenceID:    w.OrderID,
		Attributes:     map[string]string{"status": string(w.Status)},
	})
}

// GetWithdrawal returns a withdrawal visible to actor.
func (s *Service) GetWithdrawal(ctx context.Context, actor domain.Actor, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error) {
	w, err := s.repo.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if w.UserID != actor.UserID && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: withdrawal belongs to another user", domain.ErrUnauthorized)
	}
	return w, nil
}

// ListWithdrawals is the admin review queue.
func (s *Service) ListWithdrawals(ctx context.Context, actor domain.Actor, filter domain.WithdrawalFilter) ([]domain.WithdrawalRequest, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", domain.ErrUnauthorized)
	}
	filter.Limit, filter.Offset = store.NormalizePage(filter.Limit, filter.Offset)
	out, err := s.repo.ListWithdrawals(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	if out == nil {
		out = []domain.WithdrawalRequest{}
	}
	return out, nil
}

// ProviderBalance reports the custodial balance for currency.
func (s *Service) ProviderBalance(ctx context.Context, actor domain.Actor, currency string) (*providerclient.AssetBalance, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", domain.ErrUnauthorized)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return nil, domain.NewValidationError("currency", "is required")
	}
	if s.provider == nil {
		return nil, errProviderNotConfigured
	}
	balance, err := s.provider.GetBalance(ctx, currency)
	if err != nil {
		return nil, providerFailure("get_balance", err)
	}
	providerOK("get_balance")
	return balance, nil
}

func isContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
