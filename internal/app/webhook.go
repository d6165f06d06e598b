/**
 * @description
 * Webhook ingestion. A provider callback is verified, parsed into a
 * domain.WebhookEvent and handed to ApplyProviderEvent, the single idempotent
 * handler that also serves the reconciliation poll.
 *
 * Idempotency: the (order id, type) marker row is claimed and locked at the
 * start of the same database transaction that mutates the ledger. A marker
 * in a terminal state short-circuits redelivery; a failed mutation rolls the
 * marker back with everything else so the provider's retry can apply it.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Received crypto amounts.
 * - pkg/providerclient: Signature verification.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/metrics"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/store"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/pkg/orderid"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/pkg/providerclient"
)

var (
	ErrUnknownProvider  = fmt.Errorf("webhook provider %w", domain.ErrNotFound)
	ErrMalformedHeaders = fmt.Errorf("%w: missing or malformed webhook headers", domain.ErrValidation)
	ErrInvalidSignature = fmt.Errorf("%w: webhook signature mismatch", domain.ErrUnauthorized)
	ErrStaleWebhook     = fmt.Errorf("%w: webhook timestamp outside the accepted window", domain.ErrUnauthorized)
	errIgnoredEvent     = errors.New("event ignored")
	errAlreadyTerminal  = errors.New("event already applied")
)

// WebhookOutcome is how a verified event was handled.
type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookRetry     WebhookOutcome = "retry"
)

// Acknowledged reports whether the provider should stop redelivering.
func (o WebhookOutcome) Acknowledged() bool {
	return o != WebhookRetry
}

// WebhookHeaders are the authentication headers of a callback.
type WebhookHeaders struct {
	AppID     string
	Timestamp string
	Signature string
}

// WebhookResult describes the handling of one event.
type WebhookResult struct {
	Outcome WebhookOutcome          `json:"outcome"`
	OrderID string                  `json:"order_id,omitempty"`
	Type    domain.WebhookEventType `json:"type,omitempty"`
	Reason  string                  `json:"reason,omitempty"`
}

type webhookPayload struct {
	Type       string          `json:"type"`
	OrderID    string          `json:"orderId"`
	RecordID   string          `json:"recordId"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	CoinSymbol string          `json:"coinSymbol"`
	Chain      string          `json:"chain"`
	TxID       string          `json:"txId"`
}

// IngestWebhook verifies and applies a raw provider callback. An error is
// returned only when the callback cannot be authenticated; every verified
// callback yields a result.
func (s *Service) IngestWebhook(ctx context.Context, provider string, raw []byte, headers WebhookHeaders) (*WebhookResult, error) {
	log := s.logger.Named("webhook")
	if !strings.EqualFold(strings.TrimSpace(provider), s.webhook.Provider) || s.webhook.Secret == "" {
		return nil, ErrUnknownProvider
	}
	if headers.AppID == "" || headers.Timestamp == "" || headers.Signature == "" {
		return nil, ErrMalformedHeaders
	}
	ts, err := strconv.ParseInt(headers.Timestamp, 10, 64)
	if err != nil {
		return nil, ErrMalformedHeaders
	}

	if headers.AppID != s.webhook.AppID ||
		!providerclient.VerifyWebhook(s.webhook.Secret, headers.AppID, headers.Timestamp, raw, headers.Signature) {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		log.Warn("webhook signature verification failed", zap.String("app_id", headers.AppID))
		return nil, ErrInvalidSignature
	}
	if s.webhook.MaxSkew > 0 {
		skew := s.clock().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > s.webhook.MaxSkew {
			metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
			log.Warn("stale webhook rejected", zap.Duration("skew", skew))
			return nil, ErrStaleWebhook
		}
	}

	evt, err := parseWebhook(raw)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", string(WebhookIgnored)).Inc()
		log.Warn("malformed webhook payload acknowledged", zap.Error(err), zap.ByteString("payload", truncate(raw, 512)))
		return &WebhookResult{Outcome: WebhookIgnored, Reason: "malformed payload"}, nil
	}
	evt.Provider = s.webhook.Provider
	evt.ReceivedAt = s.clock()
	return s.ApplyProviderEvent(ctx, evt), nil
}

func parseWebhook(raw []byte) (domain.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("decode payload: %w", err)
	}
	if strings.TrimSpace(p.OrderID) == "" {
		return domain.WebhookEvent{}, domain.NewValidationError("orderId", "is required")
	}
	typ, err := domain.ParseWebhookEventType(p.Type)
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	status, err := domain.ParseWebhookEventStatus(p.Status)
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	return domain.WebhookEvent{
		OrderID:  strings.TrimSpace(p.OrderID),
		RecordID: p.RecordID,
		Type:     typ,
		Status:   status,
		Amount:   p.Amount,
		Currency: strings.ToUpper(p.CoinSymbol),
		Chain:    strings.ToUpper(p.Chain),
		TxHash:   p.TxID,
	}, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// ApplyProviderEvent applies a verified event at most once.
func (s *Service) ApplyProviderEvent(ctx context.Context, evt domain.WebhookEvent) *WebhookResult {
	log := s.logger.Named("webhook").With(
		zap.String("order_id", evt.OrderID),
		zap.String("type", string(evt.Type)),
		zap.String("status", string(evt.Status)))
	result := &WebhookResult{OrderID: evt.OrderID, Type: evt.Type}
	defer func() {
		metrics.WebhookEvents.WithLabelValues(string(evt.Type), string(result.Outcome)).Inc()
	}()

	if evt.Status == domain.WebhookStatusProcessing {
		result.Outcome = WebhookIgnored
		result.Reason = "not terminal"
		return result
	}
	if !knownOrderID(evt) {
		result.Outcome = WebhookIgnored
		result.Reason = "unknown order"
		log.Warn("event for an order this ledger never issued")
		return result
	}

	var (
		affected []uuid.UUID
		events   []domain.LedgerEvent
		resolved *domain.WithdrawalRequest
	)
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.clock()
		marker := &domain.WebhookMarker{
			OrderID:   evt.OrderID,
			Type:      evt.Type,
			Provider:  evt.Provider,
			Status:    domain.WebhookMarkerProcessing,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if evt.TxHash != "" {
			marker.TxHash = stringPtr(evt.TxHash)
		}
		stored, err := tx.ClaimWebhookEvent(ctx, marker)
		if err != nil {
			return err
		}
		if stored.Status.Terminal() {
			return errAlreadyTerminal
		}

		var terminal domain.WebhookMarkerStatus
		switch evt.Type {
		case domain.WebhookEventDeposit:
			terminal, affected, events, err = s.applyDepositEvent(ctx, tx, evt)
		case domain.WebhookEventWithdrawal:
			terminal, resolved, err = s.applyWithdrawalEvent(ctx, tx, evt)
		default:
			err = errIgnoredEvent
		}
		if err != nil {
			return err
		}

		stored.Status = terminal
		if evt.TxHash != "" {
			stored.TxHash = stringPtr(evt.TxHash)
		}
		stored.UpdatedAt = s.clock()
		return tx.UpdateWebhookEvent(ctx, stored)
	})

	switch {
	case err == nil:
		result.Outcome = WebhookApplied
		log.Info("provider event applied")
	case errors.Is(err, errAlreadyTerminal):
		result.Outcome = WebhookDuplicate
		log.Info("duplicate provider event acknowledged")
		return result
	case errors.Is(err, errIgnoredEvent), errors.Is(err, domain.ErrNotFound):
		result.Outcome = WebhookIgnored
		result.Reason = err.Error()
		log.Warn("provider event ignored", zap.Error(err))
		return result
	default:
		result.Outcome = WebhookRetry
		log.Error("failed to apply provider event; awaiting redelivery", zap.Error(err))
		return result
	}

	if resolved != nil {
		s.afterWithdrawalResolved(ctx, resolved)
	} else {
		s.afterCommit(ctx, affected, events...)
	}
	return result
}

func knownOrderID(evt domain.WebhookEvent) bool {
	switch evt.Type {
	case domain.WebhookEventDeposit:
		return orderid.Valid(depositOrderPrefix, evt.OrderID)
	case domain.WebhookEventWithdrawal:
		return orderid.Valid(withdrawalOrderPrefix, evt.OrderID)
	}
	return false
}

// applyDepositEvent settles a purchase order. Late success on an expired
// order still credits, since the funds did arrive.
func (s *Service) applyDepositEvent(ctx context.Context, tx store.Tx, evt domain.WebhookEvent) (domain.WebhookMarkerStatus, []uuid.UUID, []domain.LedgerEvent, error) {
	po, err := tx.GetPurchaseOrderByReferenceForUpdate(ctx, evt.OrderID)
	if err != nil {
		return "", nil, nil, err
	}
	if !po.Settleable() {
		// Finalised by an earlier event under a different marker status.
		return "", nil, nil, errAlreadyTerminal
	}

	if evt.Status == domain.WebhookStatusFailed {
		if po.Status == domain.PurchaseOrderStatusPending {
			if err := s.closePurchaseOrder(ctx, tx, po, domain.PurchaseOrderStatusFailed); err != nil {
				return "", nil, nil, err
			}
		}
		return domain.WebhookMarkerFailed, nil, nil, nil
	}

	if evt.Currency != "" && !strings.EqualFold(evt.Currency, po.Currency) {
		return "", nil, nil, fmt.Errorf("%w: paid in %s, order expects %s", errIgnoredEvent, evt.Currency, po.Currency)
	}
	credit := creditForDeposit(po, evt.Amount)
	now := s.clock()
	received := evt.Amount

	if credit <= 0 {
		if po.TransactionID != nil && po.Status == domain.PurchaseOrderStatusPending {
			if err := tx.UpdateTransactionStatus(ctx, *po.TransactionID, domain.TransactionStatusFailed, nil, now); err != nil {
				return "", nil, nil, err
			}
		}
		po.Status = domain.PurchaseOrderStatusFailed
		po.CryptoAmountReceived = &received
		po.UpdatedAt = now
		if err := tx.UpdatePurchaseOrder(ctx, po); err != nil {
			return "", nil, nil, err
		}
		return domain.WebhookMarkerFailed, nil, nil, nil
	}

	wallets, err := tx.LockWallets(ctx, po.UserID)
	if err != nil {
		return "", nil, nil, err
	}
	wallet := wallets[po.UserID]
	reference := evt.TxHash
	if reference == "" {
		reference = po.ProviderReference
	}

	var creditedID uuid.UUID
	pending := po.TransactionID
	if pending != nil {
		existing, err := tx.GetTransactionForUpdate(ctx, *pending)
		if err != nil {
			return "", nil, nil, err
		}
		if existing.Status == domain.TransactionStatusPending && existing.Amount == credit {
			if err := tx.UpdateTransactionStatus(ctx, existing.ID, domain.TransactionStatusConfirmed, &reference, now); err != nil {
				return "", nil, nil, err
			}
			wallet.SpendableBalance += credit
			wallet.UpdatedAt = now
			if err := tx.UpdateWallet(ctx, wallet); err != nil {
				return "", nil, nil, err
			}
			metrics.VolumeMoved.WithLabelValues(string(domain.TransactionTypeDeposit)).Add(float64(credit))
			creditedID = existing.ID
		} else if existing.Status == domain.TransactionStatusPending {
			if err := tx.UpdateTransactionStatus(ctx, existing.ID, domain.TransactionStatusFailed, nil, now); err != nil {
				return "", nil, nil, err
			}
		}
	}
	if creditedID == uuid.Nil {
		txn, err := s.post(ctx, tx, wallet, domain.Transaction{
			ToUserID:          uuidPtr(po.UserID),
			Amount:            credit,
			Type:              domain.TransactionTypeDeposit,
			ExternalReference: &reference,
			Metadata: map[string]string{
				"order_id": po.ProviderReference,
				"currency": po.Currency,
				"received": received.String(),
			},
		})
		if err != nil {
			return "", nil, nil, err
		}
		creditedID = txn.ID
	}

	po.Status = domain.PurchaseOrderStatusCompleted
	po.CryptoAmountReceived = &received
	po.CreditedAmount = &credit
	po.TransactionID = uuidPtr(creditedID)
	po.CompletedAt = timePtr(now)
	po.UpdatedAt = now
	if err := tx.UpdatePurchaseOrder(ctx, po); err != nil {
		return "", nil, nil, err
	}

	evtOut := domain.LedgerEvent{
		Type:           domain.EventDepositCredited,
		UserID:         uuidPtr(po.UserID),
		Amount:         credit,
		TransactionIDs: []uuid.UUID{creditedID},
		ReferenceID:    po.ProviderReference,
		Attributes:     map[string]string{"currency": po.Currency, "received": received.String()},
	}
	return domain.WebhookMarkerConfirmed, []uuid.UUID{po.UserID}, []domain.LedgerEvent{evtOut}, nil
}

// applyWithdrawalEvent resolves a pending withdrawal. The debit already
// happened at request time, so success never touches the balance.
func (s *Service) applyWithdrawalEvent(ctx context.Context, tx store.Tx, evt domain.WebhookEvent) (domain.WebhookMarkerStatus, *domain.WithdrawalRequest, error) {
	w, err := tx.GetWithdrawalByOrderIDForUpdate(ctx, evt.OrderID)
	if err != nil {
		return "", nil, err
	}
	if w.Status != domain.WithdrawalStatusPending {
		return "", nil, errAlreadyTerminal
	}

	if evt.Status == domain.WebhookStatusSuccess {
		if err := s.approveWithdrawal(ctx, tx, w, evt.RecordID, evt.TxHash); err != nil {
			return "", nil, err
		}
		return domain.WebhookMarkerConfirmed, w, nil
	}
	if err := s.refuseWithdrawal(ctx, tx, w, "provider reported failure"); err != nil {
		return "", nil, err
	}
	return domain.WebhookMarkerFailed, w, nil
}
