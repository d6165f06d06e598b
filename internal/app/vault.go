package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/metrics"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/store"
)

// LockVaultRequest describes a new escrow hold. A nil UnlockTime locks the
// funds until an admin releases them.
type LockVaultRequest struct {
	WalletAddress string
	Amount        int64
	UnlockTime    *time.Time
	Notes         string
}

// LockVault moves amount out of the user's spendable balance into a vault.
func (s *Service) LockVault(ctx context.Context, userID uuid.UUID, req LockVaultRequest) (vault *domain.Vault, err error) {
	start := time.Now()
	defer func() { s.observe("vault_lock", start, err) }()

	settings := s.economy()
	now := s.clock()
	if req.Amount <= 0 {
		return nil, domain.NewValidationError("amount", "must be positive")
	}
	if req.UnlockTime != nil {
		unlockAt := req.UnlockTime.UTC()
		if !unlockAt.After(now) {
			return nil, domain.NewValidationError("unlock_time", "must be in the future")
		}
		minLock := settings.VaultMinLockDuration
		if minLock < domain.MinimumVaultLock {
			minLock = domain.MinimumVaultLock
		}
		if unlockAt.Sub(now) < minLock {
			return nil, domain.NewValidationError("unlock_time", fmt.Sprintf("must be at least %s from now", minLock))
		}
		if settings.VaultMaxLockDuration > 0 && unlockAt.Sub(now) > settings.VaultMaxLockDuration {
			return nil, domain.NewValidationError("unlock_time", fmt.Sprintf("must be within %s from now", settings.VaultMaxLockDuration))
		}
		req.UnlockTime = &unlockAt
	}

	metadata := map[string]string{}
	if req.WalletAddress != "" {
		metadata["wallet_address"] = req.WalletAddress
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		wallet, err := lockSender(ctx, tx, userID)
		if err != nil {
			return err
		}
		vaultID := uuid.New()
		metadata["vault_id"] = vaultID.String()
		lockTxn, err := s.post(ctx, tx, wallet, domain.Transaction{
			FromUserID: uuidPtr(userID),
			Amount:     -req.Amount,
			Type:       domain.TransactionTypeVaultLock,
			Metadata:   metadata,
		})
		if err != nil {
			return err
		}

		vault = &domain.Vault{
			ID:                vaultID,
			UserID:            userID,
			WalletAddress:     req.WalletAddress,
			Amount:            req.Amount,
			InitialAmount:     req.Amount,
			LockedAt:          now,
			UnlockTime:        req.UnlockTime,
			Status:            domain.VaultStatusLocked,
			LockTransactionID: lockTxn.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if notes := strings.TrimSpace(req.Notes); notes != "" {
			vault.Notes = &notes
		}
		return tx.InsertVault(ctx, vault)
	})
	if err != nil {
		return nil, err
	}

	metrics.VaultTransitions.WithLabelValues(string(domain.VaultStatusLocked), "").Inc()
	s.afterCommit(ctx, []uuid.UUID{userID}, domain.LedgerEvent{
		Type:           domain.EventVaultLocked,
		UserID:         uuidPtr(userID),
		Amount:         vault.Amount,
		TransactionIDs: []uuid.UUID{vault.LockTransactionID},
		ReferenceID:    vault.ID.String(),
	})
	return vault, nil
}

// UnlockVault releases a vault for its owner once it has matured. Admins may
// release any vault at any time; that is recorded as an override.
func (s *Service) UnlockVault(ctx context.Context, actor domain.Actor, vaultID uuid.UUID) (*domain.Vault, error) {
	return s.unlockVault(ctx, actor, vaultID, "")
}

// AdminUnlockVault releases a vault regardless of its unlock time.
func (s *Service) AdminUnlockVault(ctx context.Context, actor domain.Actor, vaultID uuid.UUID, notes string) (*domain.Vault, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", domain.ErrUnauthorized)
	}
	if strings.TrimSpace(notes) == "" {
		return nil, domain.NewValidationError("notes", "are required for an override")
	}
	return s.unlockVault(ctx, actor, vaultID, notes)
}

func (s *Service) unlockVault(ctx context.Context, actor domain.Actor, vaultID uuid.UUID, notes string) (vault *domain.Vault, err error) {
	start := time.Now()
	defer func() { s.observe("vault_unlock", start, err) }()

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		v, err := tx.GetVaultForUpdate(ctx, vaultID)
		if err != nil {
			return err
		}
		if !v.Releasable() {
			return fmt.Errorf("vault %s already unlocked: %w", vaultID, store.ErrVaultNotFound)
		}

		now := s.clock()
		kind := domain.UnlockKindMatured
		switch {
		case actor.IsAdmin():
			if !v.Matured(now) || notes != "" {
				kind = domain.UnlockKindAdminOverride
			}
		case v.UserID != actor.UserID:
			return fmt.Errorf("%w: vault belongs to another user", domain.ErrUnauthorized)
		case !v.Matured(now):
			if v.UnlockTime == nil {
				return domain.NewValidationError("vault", "has no unlock time and can only be released by an admin")
			}
			return domain.NewValidationError("vault", fmt.Sprintf("is locked until %s", v.UnlockTime.Format(time.RFC3339)))
		}

		var unlockedBy *uuid.UUID
		if actor.UserID != uuid.Nil {
			unlockedBy = uuidPtr(actor.UserID)
		}
		vault, err = s.releaseVault(ctx, tx, v, kind, unlockedBy, notes)
		return err
	})
	if err != nil {
		return nil, err
	}

	if vault.UnlockKind != nil && *vault.UnlockKind == domain.UnlockKindAdminOverride {
		s.logger.Info("vault released by admin override",
			zap.String("vault_id", vault.ID.String()),
			zap.String("admin_id", actor.UserID.String()))
	}
	s.afterVaultRelease(ctx, vault)
	return vault, nil
}

// releaseVault credits the owner and closes the vault. v must be locked by tx.
func (s *Service) releaseVault(ctx context.Context, tx store.Tx, v *domain.Vault, kind domain.UnlockKind, by *uuid.UUID, notes string) (*domain.Vault, error) {
	wallets, err := tx.LockWallets(ctx, v.UserID)
	if err != nil {
		return nil, err
	}
	unlockTxn, err := s.post(ctx, tx, wallets[v.UserID], domain.Transaction{
		ToUserID: uuidPtr(v.UserID),
		Amount:   v.Amount,
		Type:     domain.TransactionTypeVaultUnlock,
		Metadata: map[string]string{"vault_id": v.ID.String(), "unlock_kind": string(kind)},
	})
	if err != nil {
		return nil, err
	}

	now := s.clock()
	v.Status = domain.VaultStatusUnlocked
	v.UnlockTransactionID = uuidPtr(unlockTxn.ID)
	v.UnlockKind = &kind
	v.UnlockedAt = timePtr(now)
	v.UnlockedBy = by
	if notes = strings.TrimSpace(notes); notes != "" {
		if v.Notes != nil && *v.Notes != "" {
			notes = *v.Notes + "\n" + notes
		}
		v.Notes = &notes
	}
	v.UpdatedAt = now
	if err := tx.UpdateVault(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Service) afterVaultRelease(ctx context.Context, v *domain.Vault) {
	kind := ""
	if v.UnlockKind != nil {
		kind = string(*v.UnlockKind)
	}
	metrics.VaultTransitions.WithLabelValues(string(domain.VaultStatusUnlocked), kind).Inc()
	s.afterCommit(ctx, []uuid.UUID{v.UserID}, domain.LedgerEvent{
		Type:           domain.EventVaultUnlocked,
		UserID:         uuidPtr(v.UserID),
		CounterpartyID: v.UnlockedBy,
		Amount:         v.Amount,
		TransactionIDs: []uuid.UUID{*v.UnlockTransactionID},
		ReferenceID:    v.ID.String(),
		Attributes:     map[string]string{"unlock_kind": kind},
	})
}

// GetVault returns a vault visible to actor.
func (s *Service) GetVault(ctx context.Context, actor domain.Actor, vaultID uuid.UUID) (*domain.Vault, error) {
	v, err := s.repo.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if v.UserID != actor.UserID && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: vault belongs to another user", domain.ErrUnauthorized)
	}
	return v, nil
}

// ListVaults returns the user's vaults, newest first.
func (s *Service) ListVaults(ctx context.Context, userID uuid.UUID) ([]domain.Vault, error) {
	vaults, err := s.repo.ListVaultsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	if vaults == nil {
		vaults = []domain.Vault{}
	}
	return vaults, nil
}

// ProcessMaturedVaults moves locked vaults past their unlock time to
// pending_unlock, or releases them when auto-release is on. It returns the
// number of vaults transitioned.
func (s *Service) ProcessMaturedVaults(ctx context.Context, limit int) (int, error) {
	autoRelease := s.economy().VaultAutoRelease
	candidates, err := s.repo.ListMaturedVaults(ctx, s.clock(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list matured vaults: %w", err)
	}

	processed := 0
	for _, candidate := range candidates {
		var changed *domain.Vault
		err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			v, err := tx.GetVaultForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			now := s.clock()
			if v.Status != domain.VaultStatusLocked || !v.Matured(now) {
				return nil
			}
			if autoRelease {
				changed, err = s.releaseVault(ctx, tx, v, domain.UnlockKindMatured, nil, "")
				return err
			}
			v.Status = domain.VaultStatusPendingUnlock
			v.UpdatedAt = now
			if err := tx.UpdateVault(ctx, v); err != nil {
				return err
			}
			changed = v
			return nil
		})
		if err != nil {
			if isContextDone(err) {
				return processed, err
			}
			s.logger.Error("failed to process matured vault", zap.String("vault_id", candidate.ID.String()), zap.Error(err))
			continue
		}
		if changed == nil {
			continue
		}
		processed++
		if changed.Status == domain.VaultStatusUnlocked {
			s.afterVaultRelease(ctx, changed)
			continue
		}
		metrics.VaultTransitions.WithLabelValues(string(domain.VaultStatusPendingUnlock), "").Inc()
		s.publish(ctx, domain.LedgerEvent{
			Type:        domain.EventVaultMatured,
			UserID:      uuidPtr(changed.UserID),
			Amount:      changed.Amount,
			ReferenceID: changed.ID.String(),
		})
	}
	return processed, nil
}
