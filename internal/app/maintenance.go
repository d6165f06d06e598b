package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/metrics"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/store"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/pkg/providerclient"
)

// ExpirePurchaseOrders closes pending orders past their expiry. A later
// success event for an expired order still settles it.
func (s *Service) ExpirePurchaseOrders(ctx context.Context, limit int) (int, error) {
	orders, err := s.repo.ListExpiredPurchaseOrders(ctx, s.clock(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired purchase orders: %w", err)
	}

	expired := 0
	for _, candidate := range orders {
		changed := false
		err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			po, err := tx.GetPurchaseOrderByReferenceForUpdate(ctx, candidate.ProviderReference)
			if err != nil {
				return err
			}
			if po.Status != domain.PurchaseOrderStatusPending || s.clock().Before(po.ExpiresAt) {
				return nil
			}
			changed = true
			return s.closePurchaseOrder(ctx, tx, po, domain.PurchaseOrderStatusExpired)
		})
		if err != nil {
			if isContextDone(err) {
				return expired, err
			}
			s.logger.Error("failed to expire purchase order", zap.String("order_id", candidate.ProviderReference), zap.Error(err))
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// ReconcileWithdrawals polls the provider for withdrawals submitted before
// now-after that are still pending and applies any terminal status through
// the webhook handler.
func (s *Service) ReconcileWithdrawals(ctx context.Context, after time.Duration, limit int) (int, error) {
	if s.provider == nil {
		return 0, errProviderNotConfigured
	}
	stale, err := s.repo.ListStaleSubmittedWithdrawals(ctx, s.clock().Add(-after), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale withdrawals: %w", err)
	}

	applied := 0
	for _, w := range stale {
		status, err := s.provider.GetOrderStatus(ctx, providerclient.OrderKindWithdrawal, w.OrderID)
		if err != nil {
			if isContextDone(err) {
				return applied, err
			}
			countProviderError("get_order_status", err)
			s.logger.Warn("withdrawal status poll failed", zap.String("order_id", w.OrderID), zap.Error(err))
			continue
		}
		providerOK("get_order_status")

		result := s.applyOrderStatus(ctx, w.OrderID, status)
		if result == nil {
			continue
		}
		if result.Outcome == WebhookApplied {
			applied++
		}
	}
	return applied, nil
}

// AuditLedger replays every wallet and reports how many disagree with
// their stored balance.
func (s *Service) AuditLedger(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	mismatches := 0
	var afterID int64
	for {
		wallets, err := s.repo.ListWallets(ctx, afterID, batchSize)
		if err != nil {
			return mismatches, fmt.Errorf("failed to list wallets: %w", err)
		}
		for _, w := range wallets {
			afterID = w.ID
			audit, err := s.AuditWallet(ctx, w.UserID)
			if err != nil {
				return mismatches, fmt.Errorf("failed to replay wallet %d: %w", w.ID, err)
			}
			if !audit.Consistent {
				mismatches++
				s.logger.Error("ledger conservation mismatch",
					zap.String("user_id", w.UserID.String()),
					zap.Int64("stored_balance", audit.StoredBalance),
					zap.Int64("replayed_balance", audit.ReplayedBalance))
			}
		}
		if len(wallets) < batchSize {
			break
		}
	}
	metrics.AuditMismatches.Set(float64(mismatches))
	return mismatches, nil
}
