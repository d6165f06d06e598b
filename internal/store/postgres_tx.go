package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

// postgresTx implements Tx over a pgx transaction.
type postgresTx struct {
	q querier
}

func (t *postgresTx) CreateWallet(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.Wallet, error) {
	_, err := t.q.Exec(ctx,
		`INSERT INTO wallets (user_id, spendable_balance, pending_withdrawals, created_at, updated_at)
		 VALUES ($1, 0, 0, $2, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return scanWallet(t.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
}

// LockWallets resolves wallet ids first, then takes row locks one at a time in
// ascending id so that concurrent multi-wallet operations never deadlock.
func (t *postgresTx) LockWallets(ctx context.Context, userIDs ...uuid.UUID) (map[uuid.UUID]*domain.Wallet, error) {
	if len(userIDs) == 0 {
		return map[uuid.UUID]*domain.Wallet{}, nil
	}

	rows, err := t.q.Query(ctx, `SELECT id FROM wallets WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve wallets: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to resolve wallets: %w", err)
	}
	if len(ids) != countDistinct(userIDs) {
		return nil, ErrWalletNotFound
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locked := make(map[uuid.UUID]*domain.Wallet, len(ids))
	for _, id := range ids {
		w, err := scanWallet(t.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return nil, fmt.Errorf("failed to lock wallet %d: %w", id, err)
		}
		locked[w.UserID] = w
	}
	return locked, nil
}

// SumConfirmedAmounts replays the confirmed rows owned by userID.
func (t *postgresTx) SumConfirmedAmounts(ctx context.Context, userID uuid.UUID) (int64, error) {
	var sum int64
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::bigint FROM ledger_transactions WHERE user_id = $1 AND status = $2`,
		userID, string(domain.TransactionStatusConfirmed),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to replay wallet %s: %w", userID, err)
	}
	return sum, nil
}

func countDistinct(ids []uuid.UUID) int {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}

func (t *postgresTx) UpdateWallet(ctx context.Context, wallet *domain.Wallet) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE wallets SET spendable_balance = $2, pending_withdrawals = $3, updated_at = $4 WHERE id = $1`,
		wallet.ID, wallet.SpendableBalance, wallet.PendingWithdrawals, wallet.UpdatedAt)
	if err != nil {
		if isCheckViolation(err) {
			return ErrNegativeBalance
		}
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	metadata := []byte("{}")
	if len(txn.Metadata) > 0 {
		encoded, err := json.Marshal(txn.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode transaction metadata: %w", err)
		}
		metadata = encoded
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO ledger_transactions (id, user_id, from_user_id, to_user_id, amount, type, status,
			external_reference, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		txn.ID, txn.UserID, txn.FromUserID, txn.ToUserID, txn.Amount, string(txn.Type), string(txn.Status),
		txn.ExternalReference, metadata, txn.CreatedAt, txn.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (t *postgresTx) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(t.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1 FOR UPDATE`, id))
}

func (t *postgresTx) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, externalRef *string, now time.Time) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE ledger_transactions
		 SET status = $2, external_reference = COALESCE($3, external_reference), updated_at = $4
		 WHERE id = $1`,
		id, string(status), externalRef, now)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func unlockKindString(kind *domain.UnlockKind) *string {
	if kind == nil {
		return nil
	}
	s := string(*kind)
	return &s
}

func (t *postgresTx) InsertVault(ctx context.Context, v *domain.Vault) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO vaults (id, user_id, wallet_address, amount, initial_amount, locked_at, unlock_time, status,
			lock_transaction_id, unlock_transaction_id, unlock_kind, unlocked_at, unlocked_by, notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		v.ID, v.UserID, v.WalletAddress, v.Amount, v.InitialAmount, v.LockedAt, v.UnlockTime, string(v.Status),
		v.LockTransactionID, v.UnlockTransactionID, unlockKindString(v.UnlockKind), v.UnlockedAt, v.UnlockedBy, v.Notes,
		v.CreatedAt, v.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert vault: %w", err)
	}
	return nil
}

func (t *postgresTx) GetVaultForUpdate(ctx context.Context, id uuid.UUID) (*domain.Vault, error) {
	return scanVault(t.q.QueryRow(ctx, `SELECT `+vaultColumns+` FROM vaults WHERE id = $1 FOR UPDATE`, id))
}

func (t *postgresTx) UpdateVault(ctx context.Context, v *domain.Vault) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE vaults SET amount = $2, status = $3, unlock_transaction_id = $4, unlock_kind = $5, unlocked_at = $6,
			unlocked_by = $7, notes = $8, updated_at = $9
		 WHERE id = $1`,
		v.ID, v.Amount, string(v.Status), v.UnlockTransactionID, unlockKindString(v.UnlockKind), v.UnlockedAt,
		v.UnlockedBy, v.Notes, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update vault: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVaultNotFound
	}
	return nil
}

func (t *postgresTx) InsertWithdrawal(ctx context.Context, w *domain.WithdrawalRequest) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO withdrawal_requests (id, user_id, order_id, amount, processing_fee, currency, chain, wallet_address,
			memo, crypto_amount, status, transaction_id, fee_transaction_id, provider_record_id, tx_hash, submitted_at,
			submission_attempts, last_error, resolved_at, resolution_note, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		w.ID, w.UserID, w.OrderID, w.Amount, w.ProcessingFee, w.Currency, w.Chain, w.WalletAddress,
		w.Memo, w.CryptoAmount.String(), string(w.Status), w.TransactionID, w.FeeTransactionID, w.ProviderRecordID, w.TxHash,
		w.SubmittedAt, w.SubmissionAttempts, w.LastError, w.ResolvedAt, w.ResolutionNote, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert withdrawal request: %w", err)
	}
	return nil
}

func (t *postgresTx) GetWithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*domain.WithdrawalRequest, error) {
	return scanWithdrawal(t.q.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id))
}

func (t *postgresTx) GetWithdrawalByOrderIDForUpdate(ctx context.Context, orderID string) (*domain.WithdrawalRequest, error) {
	return scanWithdrawal(t.q.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE order_id = $1 FOR UPDATE`, orderID))
}

func (t *postgresTx) UpdateWithdrawal(ctx context.Context, w *domain.WithdrawalRequest) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE withdrawal_requests SET status = $2, provider_record_id = $3, tx_hash = $4, submitted_at = $5,
			submission_attempts = $6, last_error = $7, resolved_at = $8, resolution_note = $9, updated_at = $10
		 WHERE id = $1`,
		w.ID, string(w.Status), w.ProviderRecordID, w.TxHash, w.SubmittedAt, w.SubmissionAttempts, w.LastError,
		w.ResolvedAt, w.ResolutionNote, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWithdrawalNotFound
	}
	return nil
}

func (t *postgresTx) InsertPurchaseOrder(ctx context.Context, o *domain.PurchaseOrder) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO purchase_orders (id, user_id, amount_requested, crypto_amount_expected, crypto_amount_received,
			currency, chain, quote_rate, provider_reference, deposit_address, deposit_memo, payment_url, transaction_id,
			credited_amount, status, expires_at, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		o.ID, o.UserID, o.AmountRequested, o.CryptoAmountExpected.String(), nullableDecimal(o.CryptoAmountReceived),
		o.Currency, o.Chain, o.QuoteRate.String(), o.ProviderReference, o.DepositAddress, o.DepositMemo, o.PaymentURL,
		o.TransactionID, o.CreditedAmount, string(o.Status), o.ExpiresAt, o.CompletedAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert purchase order: %w", err)
	}
	return nil
}

func (t *postgresTx) GetPurchaseOrderByReferenceForUpdate(ctx context.Context, reference string) (*domain.PurchaseOrder, error) {
	return scanPurchaseOrder(t.q.QueryRow(ctx,
		`SELECT `+purchaseOrderColumns+` FROM purchase_orders WHERE provider_reference = $1 FOR UPDATE`, reference))
}

func (t *postgresTx) UpdatePurchaseOrder(ctx context.Context, o *domain.PurchaseOrder) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE purchase_orders SET crypto_amount_received = $2::numeric, deposit_address = $3, deposit_memo = $4,
			payment_url = $5, transaction_id = $6, credited_amount = $7, status = $8, completed_at = $9, updated_at = $10
		 WHERE provider_reference = $1`,
		o.ProviderReference, nullableDecimal(o.CryptoAmountReceived), o.DepositAddress, o.DepositMemo, o.PaymentURL,
		o.TransactionID, o.CreditedAmount, string(o.Status), o.CompletedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update purchase order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPurchaseOrderNotFound
	}
	return nil
}

// ClaimWebhookEvent relies on the (order_id, event_type) primary key:
// concurrent deliveries of one event queue on the row lock taken here.
func (t *postgresTx) ClaimWebhookEvent(ctx context.Context, m *domain.WebhookMarker) (*domain.WebhookMarker, error) {
	_, err := t.q.Exec(ctx,
		`INSERT INTO webhook_events (order_id, event_type, provider, status, tx_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (order_id, event_type) DO NOTHING`,
		m.OrderID, string(m.Type), m.Provider, string(m.Status), m.TxHash, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	stored, err := scanWebhookMarker(t.q.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE order_id = $1 AND event_type = $2 FOR UPDATE`,
		m.OrderID, string(m.Type)))
	if err != nil {
		if errors.Is(err, ErrWebhookEventNotFound) {
			return nil, fmt.Errorf("webhook marker vanished after claim: %w", err)
		}
		return nil, err
	}
	return stored, nil
}

func (t *postgresTx) UpdateWebhookEvent(ctx context.Context, m *domain.WebhookMarker) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE webhook_events SET status = $3, tx_hash = COALESCE($4, tx_hash), updated_at = $5
		 WHERE order_id = $1 AND event_type = $2`,
		m.OrderID, string(m.Type), string(m.Status), m.TxHash, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookEventNotFound
	}
	return nil
}
