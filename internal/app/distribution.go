/**
 * @description
 * Distribution engine: tips and rains. Bounds, burn percentage and cooldowns
 * come from the economy settings snapshot; this file only enforces them.
 *
 * Splits use integer minor units only. Tip burns round down, so the
 * recipient never receives less than the configured share. Rain remainders
 * go one unit each to the first recipients in ascending user id order.
 *
 * @dependencies
 * - github.com/google/uuid: User identifiers.
 */

package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/config"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/store"
)

const (
	cooldownOpTip  = "tip"
	cooldownOpRain = "rain"
)

// TipRequest is a tip from the acting user.
type TipRequest struct {
	ToUserID uuid.UUID
	Amount   int64
	Source   string
}

// TipResult holds every leg of a tip. Burn is nil when the burn share rounds
// to zero.
type TipResult struct {
	Debit  domain.Transaction  `json:"debit"`
	Credit domain.Transaction  `json:"credit"`
	Burn   *domain.Transaction `json:"burn,omitempty"`
}

// RainRequest spreads Amount across up to EligibleUserCount active users.
type RainRequest struct {
	Amount            int64
	EligibleUserCount int
	Channel           string
}

// RainShare is one recipient's portion.
type RainShare struct {
	UserID uuid.UUID `json:"user_id"`
	Amount int64     `json:"amount"`
}

// RainResult holds the sender debit and one credit per recipient.
type RainResult struct {
	Debit   domain.Transaction   `json:"debit"`
	Credits []domain.Transaction `json:"credits"`
	Shares  []RainShare          `json:"shares"`
}

// SplitBurn returns the burn and recipient shares of a tip.
func SplitBurn(amount, burnPercentage int64) (burnShare, recipientShare int64) {
	if burnPercentage <= 0 {
		return 0, amount
	}
	burnShare = amount * burnPercentage / 100
	return burnShare, amount - burnShare
}

// SplitEvenly divides total into n shares that differ by at most one unit.
// The first total%n shares carry the extra unit.
func SplitEvenly(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	base := total / int64(n)
	remainder := total % int64(n)
	shares := make([]int64, n)
	for i := range shares {
		shares[i] = base
		if int64(i) < remainder {
			shares[i]++
		}
	}
	return shares
}

// acquireCooldown starts the operation's window for actor unless their role
// bypasses it. The returned release func undoes the window.
func (s *Service) acquireCooldown(ctx context.Context, settings config.EconomySettings, actor domain.Actor, op string, window time.Duration) (func(), error) {
	noop := func() {}
	if window <= 0 || settings.CooldownBypassed(actor.IsModerator(), actor.IsAdmin()) {
		return noop, nil
	}
	key := cooldownKey(op, actor.UserID.String())
	remaining, err := s.cooldowns.Acquire(ctx, key, window)
	if err != nil {
		// The ledger stays correct without the cooldown store.
		s.logger.Warn("cooldown check failed; allowing operation", zap.String("op", op), zap.Error(err))
		return noop, nil
	}
	if remaining > 0 {
		return nil, &domain.CooldownError{Operation: op, RetryAfter: remaining}
	}
	return func() {
		if err := s.cooldowns.Release(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("failed to release cooldown", zap.String("op", op), zap.Error(err))
		}
	}, nil
}

// Tip debits the sender for the full amount, credits the recipient with the
// amount less the burn, and records the burn as an unowned fee row.
func (s *Service) Tip(ctx context.Context, actor domain.Actor, req TipRequest) (result *TipResult, err error) {
	start := time.Now()
	defer func() { s.observe("tip", start, err) }()

	settings := s.economy()
	from := actor.UserID
	if req.ToUserID == from {
		return nil, fmt.Errorf("%w: cannot tip yourself", domain.ErrInvalidTransfer)
	}
	if req.ToUserID == uuid.Nil {
		return nil, domain.NewValidationError("to_user_id", "is required")
	}
	if req.Amount < settings.TipMinAmount || req.Amount > settings.TipMaxAmount || req.Amount <= 0 {
		return nil, domain.NewValidationError("amount", fmt.Sprintf("must be between %d and %d", settings.TipMinAmount, settings.TipMaxAmount))
	}

	release, err := s.acquireCooldown(ctx, settings, actor, cooldownOpTip, settings.TipCooldown)
	if err != nil {
		return nil, err
	}

	burnShare, recipientShare := SplitBurn(req.Amount, settings.TipBurnPercentage)
	metadata := map[string]string{"burn_percentage": strconv.FormatInt(settings.TipBurnPercentage, 10)}
	if req.Source != "" {
		metadata["source"] = req.Source
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		wallets, err := lockParticipants(ctx, tx, from, req.ToUserID)
		if err != nil {
			return err
		}
		debit, err := s.post(ctx, tx, wallets[from], domain.Transaction{
			FromUserID: uuidPtr(from), ToUserID: uuidPtr(req.ToUserID), Amount: -req.Amount, Type: domain.TransactionTypeTip, Metadata: metadata,
		})
		if err != nil {
			return err
		}
		credit, err := s.post(ctx, tx, wallets[req.ToUserID], domain.Transaction{
			FromUserID: uuidPtr(from), ToUserID: uuidPtr(req.ToUserID), Amount: recipientShare, Type: domain.TransactionTypeTip, Metadata: metadata,
		})
		if err != nil {
			return err
		}
		result = &TipResult{Debit: *debit, Credit: *credit}
		if burnShare > 0 {
			if result.Burn, err = s.burn(ctx, tx, from, burnShare, map[string]string{"reason": "tip_burn", "tip_transaction_id": debit.ID.String()}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		release()
		return nil, err
	}

	ids := []uuid.UUID{result.Debit.ID, result.Credit.ID}
	if result.Burn != nil {
		ids = append(ids, result.Burn.ID)
	}
	s.afterCommit(ctx, []uuid.UUID{from, req.ToUserID}, domain.LedgerEvent{
		Type:           domain.EventTipSent,
		UserID:         uuidPtr(from),
		CounterpartyID: uuidPtr(req.ToUserID),
		Amount:         req.Amount,
		TransactionIDs: ids,
		Attributes: map[string]string{
			"recipient_share": strconv.FormatInt(recipientShare, 10),
			"burn_share":      strconv.FormatInt(burnShare, 10),
			"source":          req.Source,
		},
	})
	return result, nil
}

// Rain splits amount across the most recently active users of a channel,
// excluding the sender, in one atomic unit.
func (s *Service) Rain(ctx context.Context, actor domain.Actor, req RainRequest) (result *RainResult, err error) {
	start := time.Now()
	defer func() { s.observe("rain", start, err) }()

	settings := s.economy()
	from := actor.UserID
	if req.Amount < settings.RainMinAmount || req.Amount > settings.RainMaxAmount || req.Amount <= 0 {
		return nil, domain.NewValidationError("amount", fmt.Sprintf("must be between %d and %d", settings.RainMinAmount, settings.RainMaxAmount))
	}
	if req.EligibleUserCount < 1 || req.EligibleUserCount > settings.RainMaxRecipients {
		return nil, domain.NewValidationError("eligible_user_count", fmt.Sprintf("must be between 1 and %d", settings.RainMaxRecipients))
	}

	since := s.clock().Add(-settings.RainActivityWindow)
	candidates, err := s.activity.ActiveUsers(ctx, req.Channel, since, req.EligibleUserCount+1)
	if err != nil {
		return nil, fmt.Errorf("failed to load eligible users: %w", err)
	}
	recipients := make([]uuid.UUID, 0, req.EligibleUserCount)
	for _, id := range candidates {
		if id == from || id == uuid.Nil {
			continue
		}
		recipients = append(recipients, id)
		if len(recipients) == req.EligibleUserCount {
			break
		}
	}
	recipients = uniqueSorted(recipients)
	if len(recipients) == 0 {
		return nil, domain.NewValidationError("recipients", "no eligible users are active")
	}
	if req.Amount < int64(len(recipients)) {
		return nil, domain.NewValidationError("amount", "is too small to split between the eligible users")
	}

	release, err := s.acquireCooldown(ctx, settings, actor, cooldownOpRain, settings.RainCooldown)
	if err != nil {
		return nil, err
	}

	amounts := SplitEvenly(req.Amount, len(recipients))
	shares := make([]RainShare, len(recipients))
	for i, id := range recipients {
		shares[i] = RainShare{UserID: id, Amount: amounts[i]}
	}
	channel := normalizeChannel(req.Channel)
	metadata := map[string]string{"channel": channel, "recipients": strconv.Itoa(len(recipients))}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.clock()
		for _, id := range recipients {
			if _, err := tx.CreateWallet(ctx, id, now); err != nil {
				return err
			}
		}
		wallets, err := lockParticipants(ctx, tx, from, recipients...)
		if err != nil {
			return err
		}
		debit, err := s.post(ctx, tx, wallets[from], domain.Transaction{
			FromUserID: uuidPtr(from), Amount: -req.Amount, Type: domain.TransactionTypeRain, Metadata: metadata,
		})
		if err != nil {
			return err
		}
		result = &RainResult{Debit: *debit, Shares: shares, Credits: make([]domain.Transaction, 0, len(shares))}
		for _, share := range shares {
			credit, err := s.post(ctx, tx, wallets[share.UserID], domain.Transaction{
				FromUserID: uuidPtr(from), ToUserID: uuidPtr(share.UserID), Amount: share.Amount, Type: domain.TransactionTypeRain, Metadata: metadata,
			})
			if err != nil {
				return err
			}
			result.Credits = append(result.Credits, *credit)
		}
		return nil
	})
	if err != nil {
		release()
		return nil, err
	}

	ids := []uuid.UUID{result.Debit.ID}
	for _, c := range result.Credits {
		ids = append(ids, c.ID)
	}
	s.afterCommit(ctx, append([]uuid.UUID{from}, recipients...), domain.LedgerEvent{
		Type:           domain.EventRainCompleted,
		UserID:         uuidPtr(from),
		Amount:         req.Amount,
		TransactionIDs: ids,
		Attributes:     map[string]string{"channel": channel, "recipients": strconv.Itoa(len(recipients))},
	})
	return result, nil
}
