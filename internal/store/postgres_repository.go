/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface: read queries against the pool and the transaction boundary.
 * The row-locking mutations live in postgres_tx.go.
 *
 * Crypto amounts are NUMERIC columns selected as text and parsed into
 * decimal.Decimal so no precision is lost in the driver.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithinTx runs fn inside a read-committed transaction.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &postgresTx{q: tx})
	})
}

const walletColumns = `id, user_id, spendable_balance, pending_withdrawals, created_at, updated_at`

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.SpendableBalance, &w.PendingWithdrawals, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetWalletByUserID retrieves a wallet without locking it.
func (r *PostgresRepository) GetWalletByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
}

// ListWallets pages through wallets by id for the audit job.
func (r *PostgresRepository) ListWallets(ctx context.Context, afterID int64, limit int) ([]domain.Wallet, error) {
	rows, err := r.db.Query(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	wallets := make([]domain.Wallet, 0, limit)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

const transactionColumns = `id, user_id, from_user_id, to_user_id, amount, type, status, external_reference, metadata, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t        domain.Transaction
		typ      string
		status   string
		metadata []byte
	)
	err := row.Scan(&t.ID, &t.UserID, &t.FromUserID, &t.ToUserID, &t.Amount, &typ, &status,
		&t.ExternalReference, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	t.Type = domain.TransactionType(typ)
	t.Status = domain.TransactionStatus(status)
	if len(metadata) > 0 && string(metadata) != "{}" {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for transaction %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// GetTransaction retrieves a ledger row by id.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1`, id))
}

// ListTransactions returns one page of a user's history, newest first, plus the total count.
// Burn rows (no owner) appear in the sender's history.
func (r *PostgresRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	limit, offset := NormalizePage(filter.Limit, filter.Offset)

	conditions := []string{`(user_id = $1 OR (user_id IS NULL AND from_user_id = $1))`}
	args := []any{filter.UserID}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		conditions = append(conditions, fmt.Sprintf("type = ANY($%d)", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_transactions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM ledger_transactions WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, where, len(args)-1, len(args))
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	transactions := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		transactions = append(transactions, *t)
	}
	return transactions, total, rows.Err()
}

const vaultColumns = `id, user_id, wallet_address, amount, initial_amount, locked_at, unlock_time, status,
	lock_transaction_id, unlock_transaction_id, unlock_kind, unlocked_at, unlocked_by, notes, created_at, updated_at`

func scanVault(row pgx.Row) (*domain.Vault, error) {
	var (
		v          domain.Vault
		status     string
		unlockKind *string
	)
	err := row.Scan(&v.ID, &v.UserID, &v.WalletAddress, &v.Amount, &v.InitialAmount, &v.LockedAt, &v.UnlockTime, &status,
		&v.LockTransactionID, &v.UnlockTransactionID, &unlockKind, &v.UnlockedAt, &v.UnlockedBy, &v.Notes, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVaultNotFound
		}
		return nil, err
	}
	v.Status = domain.VaultStatus(status)
	if unlockKind != nil {
		kind := domain.UnlockKind(*unlockKind)
		v.UnlockKind = &kind
	}
	return &v, nil
}

func collectVaults(rows pgx.Rows) ([]domain.Vault, error) {
	defer rows.Close()
	vaults := make([]domain.Vault, 0)
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, *v)
	}
	return vaults, rows.Err()
}

// GetVault retrieves a vault by id.
func (r *PostgresRepository) GetVault(ctx context.Context, id uuid.UUID) (*domain.Vault, error) {
	return scanVault(r.db.QueryRow(ctx, `SELECT `+vaultColumns+` FROM vaults WHERE id = $1`, id))
}

// ListVaultsByUser returns a user's vaults, most recent first.
func (r *PostgresRepository) ListVaultsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Vault, error) {
	rows, err := r.db.Query(ctx, `SELECT `+vaultColumns+` FROM vaults WHERE user_id = $1 ORDER BY locked_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	return collectVaults(rows)
}

// ListMaturedVaults returns locked vaults whose unlock time has passed.
func (r *PostgresRepository) ListMaturedVaults(ctx context.Context, now time.Time, limit int) ([]domain.Vault, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+vaultColumns+` FROM vaults WHERE status = $1 AND unlock_time IS NOT NULL AND unlock_time <= $2 ORDER BY unlock_time LIMIT $3`,
		string(domain.VaultStatusLocked), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list matured vaults: %w", err)
	}
	return collectVaults(rows)
}

const withdrawalColumns = `id, user_id, order_id, amount, processing_fee, currency, chain, wallet_address, memo,
	crypto_amount::text, status, transaction_id, fee_transaction_id, provider_record_id, tx_hash, submitted_at,
	submission_attempts, last_error, resolved_at, resolution_note, created_at, updated_at`

func scanWithdrawal(row pgx.Row) (*domain.WithdrawalRequest, error) {
	var (
		w            domain.WithdrawalRequest
		cryptoAmount string
		status       string
	)
	err := row.Scan(&w.ID, &w.UserID, &w.OrderID, &w.Amount, &w.ProcessingFee, &w.Currency, &w.Chain, &w.WalletAddress, &w.Memo,
		&cryptoAmount, &status, &w.TransactionID, &w.FeeTransactionID, &w.ProviderRecordID, &w.TxHash, &w.SubmittedAt,
		&w.SubmissionAttempts, &w.LastError, &w.ResolvedAt, &w.ResolutionNote, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	if w.CryptoAmount, err = decimal.NewFromString(cryptoAmount); err != nil {
		return nil, fmt.Errorf("failed to parse crypto amount of withdrawal %s: %w", w.ID, err)
	}
	w.Status = domain.WithdrawalStatus(status)
	return &w, nil
}

func collectWithdrawals(rows pgx.Rows) ([]domain.WithdrawalRequest, error) {
	defer rows.Close()
	out := make([]domain.WithdrawalRequest, 0)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// GetWithdrawal retrieves a withdrawal request by id.
func (r *PostgresRepository) GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.WithdrawalRequest, error) {
	return scanWithdrawal(r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id))
}

// ListWithdrawals returns withdrawal requests matching filter, newest first.
func (r *PostgresRepository) ListWithdrawals(ctx context.Context, filter domain.WithdrawalFilter) ([]domain.WithdrawalRequest, error) {
	limit, offset := NormalizePage(filter.Limit, filter.Offset)
	conditions := []string{"TRUE"}
	args := []any{}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM withdrawal_requests WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		withdrawalColumns, strings.Join(conditions, " AND "), len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return collectWithdrawals(rows)
}

// ListStaleSubmittedWithdrawals returns pending requests submitted at or before the cutoff.
func (r *PostgresRepository) ListStaleSubmittedWithdrawals(ctx context.Context, submittedBefore time.Time, limit int) ([]domain.WithdrawalRequest, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests
		 WHERE status = $1 AND submitted_at IS NOT NULL AND submitted_at <= $2
		 ORDER BY submitted_at LIMIT $3`,
		string(domain.WithdrawalStatusPending), submittedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale withdrawals: %w", err)
	}
	return collectWithdrawals(rows)
}

const purchaseOrderColumns = `id, user_id, amount_requested, crypto_amount_expected::text, crypto_amount_received::text,
	currency, chain, quote_rate::text, provider_reference, deposit_address, deposit_memo, payment_url, transaction_id,
	credited_amount, status, expires_at, completed_at, created_at, updated_at`

func scanPurchaseOrder(row pgx.Row) (*domain.PurchaseOrder, error) {
	var (
		o        domain.PurchaseOrder
		expected string
		received *string
		rate     string
		status   string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.AmountRequested, &expected, &received, &o.Currency, &o.Chain, &rate,
		&o.ProviderReference, &o.DepositAddress, &o.DepositMemo, &o.PaymentURL, &o.TransactionID, &o.CreditedAmount,
		&status, &o.ExpiresAt, &o.CompletedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPurchaseOrderNotFound
		}
		return nil, err
	}
	if o.CryptoAmountExpected, err = decimal.NewFromString(expected); err != nil {
		return nil, fmt.Errorf("failed to parse expected amount of order %s: %w", o.ProviderReference, err)
	}
	if o.QuoteRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("failed to parse quote rate of order %s: %w", o.ProviderReference, err)
	}
	if received != nil {
		d, err := decimal.NewFromString(*received)
		if err != nil {
			return nil, fmt.Errorf("failed to parse received amount of order %s: %w", o.ProviderReference, err)
		}
		o.CryptoAmountReceived = &d
	}
	o.Status = domain.PurchaseOrderStatus(status)
	return &o, nil
}

func collectPurchaseOrders(rows pgx.Rows) ([]domain.PurchaseOrder, error) {
	defer rows.Close()
	out := make([]domain.PurchaseOrder, 0)
	for rows.Next() {
		o, err := scanPurchaseOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// GetPurchaseOrderByReference retrieves an order by its provider order id.
func (r *PostgresRepository) GetPurchaseOrderByReference(ctx context.Context, reference string) (*domain.PurchaseOrder, error) {
	return scanPurchaseOrder(r.db.QueryRow(ctx, `SELECT `+purchaseOrderColumns+` FROM purchase_orders WHERE provider_reference = $1`, reference))
}

// ListPurchaseOrdersByUser returns a user's most recent orders.
func (r *PostgresRepository) ListPurchaseOrdersByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.PurchaseOrder, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+purchaseOrderColumns+` FROM purchase_orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchase orders: %w", err)
	}
	return collectPurchaseOrders(rows)
}

// ListExpiredPurchaseOrders returns pending orders whose expiry has passed.
func (r *PostgresRepository) ListExpiredPurchaseOrders(ctx context.Context, now time.Time, limit int) ([]domain.PurchaseOrder, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+purchaseOrderColumns+` FROM purchase_orders WHERE status = $1 AND expires_at <= $2 ORDER BY expires_at LIMIT $3`,
		string(domain.PurchaseOrderStatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired purchase orders: %w", err)
	}
	return collectPurchaseOrders(rows)
}

const webhookColumns = `order_id, event_type, provider, status, tx_hash, created_at, updated_at`

func scanWebhookMarker(row pgx.Row) (*domain.WebhookMarker, error) {
	var (
		m         domain.WebhookMarker
		eventType string
		status    string
	)
	if err := row.Scan(&m.OrderID, &eventType, &m.Provider, &status, &m.TxHash, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookEventNotFound
		}
		return nil, err
	}
	m.Type = domain.WebhookEventType(eventType)
	m.Status = domain.WebhookMarkerStatus(status)
	return &m, nil
}

// GetWebhookEvent retrieves an idempotency marker.
func (r *PostgresRepository) GetWebhookEvent(ctx context.Context, orderID string, eventType domain.WebhookEventType) (*domain.WebhookMarker, error) {
	return scanWebhookMarker(r.db.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE order_id = $1 AND event_type = $2`, orderID, string(eventType)))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

func nullableDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
