/**
 * @description
 * Balance Mutator: the only code that changes wallet balances. Every change
 * appends a transaction row in the same database transaction as the balance
 * update, so replaying confirmed rows always reproduces the stored balance.
 *
 * @dependencies
 * - github.com/google/uuid: Row identifiers.
 * - internal/metrics: Operation counters and latency.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/metrics"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/store"
)

// MaxAirdropRecipients caps a single airdrop.
const MaxAirdropRecipients = 1000

// TransferResult holds both legs of a transfer.
type TransferResult struct {
	Debit  domain.Transaction `json:"debit"`
	Credit domain.Transaction `json:"credit"`
}

func (s *Service) observe(op string, start time.Time, err error) {
	metrics.LedgerOperations.WithLabelValues(op, metrics.Outcome(err)).Inc()
	metrics.LedgerOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// post appends a row owned by wallet and applies its delta when confirmed.
// The wallet must already be locked by tx.
func (s *Service) post(ctx context.Context, tx store.Tx, wallet *domain.Wallet, entry domain.Transaction) (*domain.Transaction, error) {
	if entry.Status == "" {
		entry.Status = domain.TransactionStatusConfirmed
	}
	if entry.Status == domain.TransactionStatusConfirmed && wallet.SpendableBalance+entry.Amount < 0 {
		return nil, fmt.Errorf("%w: balance %d, required %d", domain.ErrInsufficientFunds, wallet.SpendableBalance, -entry.Amount)
	}

	now := s.clock()
	entry.ID = uuid.New()
	entry.UserID = uuidPtr(wallet.UserID)
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if err := tx.InsertTransaction(ctx, &entry); err != nil {
		return nil, fmt.Errorf("failed to record %s transaction: %w", entry.Type, err)
	}

	if entry.Status == domain.TransactionStatusConfirmed {
		wallet.SpendableBalance += entry.Amount
		wallet.UpdatedAt = now
		if err := tx.UpdateWallet(ctx, wallet); err != nil {
			return nil, fmt.Errorf("failed to update wallet: %w", err)
		}
		metrics.VolumeMoved.WithLabelValues(string(entry.Type)).Add(float64(abs(entry.Amount)))
	}
	return &entry, nil
}

// burn records value leaving circulation. The row has no owner, so it never
// affects a wallet replay.
func (s *Service) burn(ctx context.Context, tx store.Tx, from uuid.UUID, amount int64, metadata map[string]string) (*domain.Transaction, error) {
	now := s.clock()
	entry := domain.Transaction{
		ID:         uuid.New(),
		FromUserID: uuidPtr(from),
		Amount:     amount,
		Type:       domain.TransactionTypeFee,
		Status:     domain.TransactionStatusConfirmed,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.InsertTransaction(ctx, &entry); err != nil {
		return nil, fmt.Errorf("failed to record burn: %w", err)
	}
	metrics.BurnedTotal.Add(float64(amount))
	return &entry, nil
}

// lockSender locks a single paying wallet. A user without a wallet has
// nothing to spend.
func lockSender(ctx context.Context, tx store.Tx, userID uuid.UUID) (*domain.Wallet, error) {
	wallets, err := tx.LockWallets(ctx, userID)
	if errors.Is(err, store.ErrWalletNotFound) {
		return nil, fmt.Errorf("%w: user %s has no wallet", domain.ErrInsufficientFunds, userID)
	}
	if err != nil {
		return nil, err
	}
	return wallets[userID], nil
}

// lockParticipants locks the sender and recipients together, in wallet id
// order. Recipients must already hold a wallet.
func lockParticipants(ctx context.Context, tx store.Tx, sender uuid.UUID, recipients ...uuid.UUID) (map[uuid.UUID]*domain.Wallet, error) {
	ids := append([]uuid.UUID{sender}, recipients...)
	wallets, err := tx.LockWallets(ctx, ids...)
	if err == nil {
		return wallets, nil
	}
	if !errors.Is(err, store.ErrWalletNotFound) {
		return nil, err
	}
	if _, err := lockSender(ctx, tx, sender); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: recipient has no wallet", domain.ErrInvalidTransfer)
}

// OpenWallet returns the user's wallet, creating an empty one on first use.
func (s *Service) OpenWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	var wallet *domain.Wallet
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		wallet, err = tx.CreateWallet(ctx, userID, s.clock())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet: %w", err)
	}
	return wallet, nil
}

// Credit adds amount to the user's wallet, provisioning it if needed.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount int64, typ domain.TransactionType, metadata map[string]string) (txn *domain.Transaction, err error) {
	start := time.Now()
	defer func() { s.observe("credit", start, err) }()

	if amount <= 0 {
		return nil, domain.NewValidationError("amount", "must be positive")
	}
	if typ == "" {
		return nil, domain.NewValidationError("type", "is required")
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.CreateWallet(ctx, userID, s.clock()); err != nil {
			return err
		}
		wallets, err := tx.LockWallets(ctx, userID)
		if err != nil {
			return err
		}
		txn, err = s.post(ctx, tx, wallets[userID], domain.Transaction{
			ToUserID: uuidPtr(userID),
			Amount:   amount,
			Type:     typ,
			Metadata: metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, []uuid.UUID{userID})
	return txn, nil
}

// Debit removes amount from the user's wallet.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount int64, typ domain.TransactionType, metadata map[string]string) (txn *domain.Transaction, err error) {
	start := time.Now()
	defer func() { s.observe("debit", start, err) }()

	if amount <= 0 {
		return nil, domain.NewValidationError("amount", "must be positive")
	}
	if typ == "" {
		return nil, domain.NewValidationError("type", "is required")
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		wallet, err := lockSender(ctx, tx, userID)
		if err != nil {
			return err
		}
		txn, err = s.post(ctx, tx, wallet, domain.Transaction{
			FromUserID: uuidPtr(userID),
			Amount:     -amount,
			Type:       typ,
			Metadata:   metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, []uuid.UUID{userID})
	return txn, nil
}

// Transfer moves amount between two existing wallets as one atomic unit.
func (s *Service) Transfer(ctx context.Context, from, to uuid.UUID, amount int64, reason domain.TransferReason, metadata map[string]string) (result *TransferResult, err error) {
	start := time.Now()
	defer func() { s.observe("transfer", start, err) }()

	if from == to {
		return nil, fmt.Errorf("%w: sender and recipient are the same wallet", domain.ErrInvalidTransfer)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidTransfer)
	}
	typ := reason.TransactionType()

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		wallets, err := lockParticipants(ctx, tx, from, to)
		if err != nil {
			return err
		}
		debit, err := s.post(ctx, tx, wallets[from], domain.Transaction{
			FromUserID: uuidPtr(from), ToUserID: uuidPtr(to), Amount: -amount, Type: typ, Metadata: metadata,
		})
		if err != nil {
			return err
		}
		credit, err := s.post(ctx, tx, wallets[to], domain.Transaction{
			FromUserID: uuidPtr(from), ToUserID: uuidPtr(to), Amount: amount, Type: typ, Metadata: metadata,
		})
		if err != nil {
			return err
		}
		result = &TransferResult{Debit: *debit, Credit: *credit}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, []uuid.UUID{from, to}, domain.LedgerEvent{
		Type:           domain.EventTransferCompleted,
		UserID:         uuidPtr(from),
		CounterpartyID: uuidPtr(to),
		Amount:         amount,
		TransactionIDs: []uuid.UUID{result.Debit.ID, result.Credit.ID},
		Attributes:     map[string]string{"reason": reason.String()},
	})
	return result, nil
}

// GetBalance returns the display balance. It may be served from cache and
// must never feed a mutation decision.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error) {
	if cached, err := s.balances.Get(ctx, userID); err != nil {
		s.logger.Debug("balance cache read failed", zap.Error(err))
	} else if cached != nil {
		return cached, nil
	}

	balance := &domain.Balance{UserID: userID}
	wallet, err := s.repo.GetWalletByUserID(ctx, userID)
	switch {
	case errors.Is(err, store.ErrWalletNotFound):
		return balance, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	balance.Spendable = wallet.SpendableBalance
	balance.PendingWithdrawals = wallet.PendingWithdrawals

	if err := s.balances.Set(ctx, balance); err != nil {
		s.logger.Debug("balance cache write failed", zap.Error(err))
	}
	return balance, nil
}

// ListTransactions returns one page of the user's history, newest first.
func (s *Service) ListTransactions(ctx context.Context, filter domain.TransactionFilter) (*domain.TransactionPage, error) {
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return nil, domain.NewValidationError("from", "must be before to")
	}
	filter.Limit, filter.Offset = store.NormalizePage(filter.Limit, filter.Offset)

	rows, total, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if rows == nil {
		rows = []domain.Transaction{}
	}
	return &domain.TransactionPage{Transactions: rows, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// AdminAdjust applies a signed correction to a wallet.
func (s *Service) AdminAdjust(ctx context.Context, actor domain.Actor, userID uuid.UUID, delta int64, reason string) (txn *domain.Transaction, err error) {
	start := time.Now()
	defer func() { s.observe("admin_adjust", start, err) }()

	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", domain.ErrUnauthorized)
	}
	if delta == 0 {
		return nil, domain.NewValidationError("delta", "must not be zero")
	}
	if reason == "" {
		return nil, domain.NewValidationError("reason", "is required")
	}
	metadata := map[string]string{"reason": reason, "admin_id": actor.UserID.String()}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var wallet *domain.Wallet
		if delta > 0 {
			if _, err := tx.CreateWallet(ctx, userID, s.clock()); err != nil {
				return err
			}
			wallets, err := tx.LockWallets(ctx, userID)
			if err != nil {
				return err
			}
			wallet = wallets[userID]
		} else {
			var err error
			if wallet, err = lockSender(ctx, tx, userID); err != nil {
				return err
			}
		}
		var err error
		txn, err = s.post(ctx, tx, wallet, domain.Transaction{
			Amount: delta, Type: domain.TransactionTypeAdminAdjust, Metadata: metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("admin adjustment applied",
		zap.String("admin_id", actor.UserID.String()),
		zap.String("user_id", userID.String()),
		zap.Int64("delta", delta))
	s.afterCommit(ctx, []uuid.UUID{userID}, domain.LedgerEvent{
		Type:           domain.EventAdminAdjusted,
		UserID:         uuidPtr(userID),
		CounterpartyID: uuidPtr(actor.UserID),
		Amount:         delta,
		TransactionIDs: []uuid.UUID{txn.ID},
		Attributes:     map[string]string{"reason": reason},
	})
	return txn, nil
}

// Airdrop credits amountEach to every recipient in one atomic unit.
func (s *Service) Airdrop(ctx context.Context, actor domain.Actor, recipients []uuid.UUID, amountEach int64, reason string) (txns []domain.Transaction, err error) {
	start := time.Now()
	defer func() { s.observe("airdrop", start, err) }()

	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", domain.ErrUnauthorized)
	}
	if amountEach <= 0 {
		return nil, domain.NewValidationError("amount_each", "must be positive")
	}
	if reason == "" {
		return nil, domain.NewValidationError("reason", "is required")
	}
	users := uniqueSorted(recipients)
	if len(users) == 0 {
		return nil, domain.NewValidationError("recipients", "must not be empty")
	}
	if len(users) > MaxAirdropRecipients {
		return nil, domain.NewValidationError("recipients", fmt.Sprintf("at most %d per airdrop", MaxAirdropRecipients))
	}
	metadata := map[string]string{"reason": reason, "admin_id": actor.UserID.String()}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.clock()
		for _, id := range users {
			if _, err := tx.CreateWallet(ctx, id, now); err != nil {
				return err
			}
		}
		wallets, err := tx.LockWallets(ctx, users...)
		if err != nil {
			return err
		}
		txns = make([]domain.Transaction, 0, len(users))
		for _, id := range users {
			txn, err := s.post(ctx, tx, wallets[id], domain.Transaction{
				ToUserID: uuidPtr(id), Amount: amountEach, Type: domain.TransactionTypeAirdrop, Metadata: metadata,
			})
			if err != nil {
				return err
			}
			txns = append(txns, *txn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(txns))
	for i, t := range txns {
		ids[i] = t.ID
	}
	s.afterCommit(ctx, users, domain.LedgerEvent{
		Type:           domain.EventAirdropCompleted,
		CounterpartyID: uuidPtr(actor.UserID),
		Amount:         amountEach * int64(len(users)),
		TransactionIDs: ids,
		Attributes:     map[string]string{"reason": reason, "recipients": fmt.Sprint(len(users))},
	})
	return txns, nil
}

// AuditWallet compares the stored balance with a replay of confirmed rows.
// Both are read under the wallet lock so no posting lands in between.
func (s *Service) AuditWallet(ctx context.Context, userID uuid.UUID) (*domain.WalletAudit, error) {
	var audit *domain.WalletAudit
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		wallets, err := tx.LockWallets(ctx, userID)
		if err != nil {
			return err
		}
		replayed, err := tx.SumConfirmedAmounts(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to replay wallet: %w", err)
		}
		stored := wallets[userID].SpendableBalance
		audit = &domain.WalletAudit{
			UserID:          userID,
			StoredBalance:   stored,
			ReplayedBalance: replayed,
			Consistent:      replayed == stored,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return audit, nil
}

// uniqueSorted drops duplicates and orders ids by their string form.
func uniqueSorted(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
