/**
 * @description
 * In-memory implementation of Repository used by tests and by the service
 * when STORE_DRIVER=memory. Transactions are serialized by a single mutex;
 * each one works on a private copy of the state that replaces the shared
 * state only when fn returns nil.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

type webhookKey struct {
	orderID   string
	eventType domain.WebhookEventType
}

type memoryState struct {
	nextWalletID     int64
	wallets          map[uuid.UUID]domain.Wallet
	transactions     []domain.Transaction
	transactionIndex map[uuid.UUID]int
	vaults           map[uuid.UUID]domain.Vault
	withdrawals      map[uuid.UUID]domain.WithdrawalRequest
	withdrawalOrders map[string]uuid.UUID
	purchaseOrders   map[string]domain.PurchaseOrder
	webhookEvents    map[webhookKey]domain.WebhookMarker
}

func newMemoryState() *memoryState {
	return &memoryState{
		wallets:          make(map[uuid.UUID]domain.Wallet),
		transactionIndex: make(map[uuid.UUID]int),
		vaults:           make(map[uuid.UUID]domain.Vault),
		withdrawals:      make(map[uuid.UUID]domain.WithdrawalRequest),
		withdrawalOrders: make(map[string]uuid.UUID),
		purchaseOrders:   make(map[string]domain.PurchaseOrder),
		webhookEvents:    make(map[webhookKey]domain.WebhookMarker),
	}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		nextWalletID:     s.nextWalletID,
		wallets:          make(map[uuid.UUID]domain.Wallet, len(s.wallets)),
		transactions:     make([]domain.Transaction, len(s.transactions)),
		transactionIndex: make(map[uuid.UUID]int, len(s.transactionIndex)),
		vaults:           make(map[uuid.UUID]domain.Vault, len(s.vaults)),
		withdrawals:      make(map[uuid.UUID]domain.WithdrawalRequest, len(s.withdrawals)),
		withdrawalOrders: make(map[string]uuid.UUID, len(s.withdrawalOrders)),
		purchaseOrders:   make(map[string]domain.PurchaseOrder, len(s.purchaseOrders)),
		webhookEvents:    make(map[webhookKey]domain.WebhookMarker, len(s.webhookEvents)),
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	copy(c.transactions, s.transactions)
	for k, v := range s.transactionIndex {
		c.transactionIndex[k] = v
	}
	for k, v := range s.vaults {
		c.vaults[k] = v
	}
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range s.withdrawalOrders {
		c.withdrawalOrders[k] = v
	}
	for k, v := range s.purchaseOrders {
		c.purchaseOrders[k] = v
	}
	for k, v := range s.webhookEvents {
		c.webhookEvents[k] = v
	}
	return c
}

// MemoryRepository keeps the whole ledger in process memory.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memoryState
}

// NewMemoryRepository creates an empty in-memory ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemoryState()}
}

// WithinTx runs fn against a private copy of the state and commits it on success.
func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	working := r.state.clone()
	if err := fn(ctx, &memoryTx{state: working}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.state = working
	return nil
}

func (r *MemoryRepository) GetWalletByUserID(_ context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.state.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return &w, nil
}

func (r *MemoryRepository) ListWallets(_ context.Context, afterID int64, limit int) ([]domain.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Wallet, 0)
	for _, w := range r.state.wallets {
		if w.ID > afterID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetTransaction(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.state.transactionIndex[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	t := r.state.transactions[idx]
	return &t, nil
}

func (r *MemoryRepository) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit, offset := NormalizePage(filter.Limit, filter.Offset)
	matched := make([]domain.Transaction, 0)
	for _, t := range r.state.transactions {
		if transactionMatches(t, filter) {
			matched = append(matched, t)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []domain.Transaction{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func transactionMatches(t domain.Transaction, filter domain.TransactionFilter) bool {
	involved := (t.UserID != nil && *t.UserID == filter.UserID) ||
		(t.UserID == nil && t.FromUserID != nil && *t.FromUserID == filter.UserID)
	if !involved {
		return false
	}
	if len(filter.Types) > 0 && !containsType(filter.Types, t.Type) {
		return false
	}
	if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, t.Status) {
		return false
	}
	if filter.From != nil && t.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && !t.CreatedAt.Before(*filter.To) {
		return false
	}
	return true
}

func containsType(types []domain.TransactionType, t domain.TransactionType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsStatus(statuses []domain.TransactionStatus, s domain.TransactionStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) GetVault(_ context.Context, id uuid.UUID) (*domain.Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.state.vaults[id]
	if !ok {
		return nil, ErrVaultNotFound
	}
	return &v, nil
}

func (r *MemoryRepository) ListVaultsByUser(_ context.Context, userID uuid.UUID) ([]domain.Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Vault, 0)
	for _, v := range r.state.vaults {
		if v.UserID == userID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockedAt.After(out[j].LockedAt) })
	return out, nil
}

func (r *MemoryRepository) ListMaturedVaults(_ context.Context, now time.Time, limit int) ([]domain.Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Vault, 0)
	for _, v := range r.state.vaults {
		if v.Status == domain.VaultStatusLocked && v.Matured(now) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnlockTime.Before(*out[j].UnlockTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetWithdrawal(_ context.Context, id uuid.UUID) (*domain.WithdrawalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.state.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return &w, nil
}

func (r *MemoryRepository) ListWithdrawals(_ context.Context, filter domain.WithdrawalFilter) ([]domain.WithdrawalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit, offset := NormalizePage(filter.Limit, filter.Offset)
	out := make([]domain.WithdrawalRequest, 0)
	for _, w := range r.state.withdrawals {
		if filter.UserID != nil && w.UserID != *filter.UserID {
			continue
		}
		if filter.Status != nil && w.Status != *filter.Status {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []domain.WithdrawalRequest{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListStaleSubmittedWithdrawals(_ context.Context, submittedBefore time.Time, limit int) ([]domain.WithdrawalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.WithdrawalRequest, 0)
	for _, w := range r.state.withdrawals {
		if w.Status == domain.WithdrawalStatusPending && w.SubmittedAt != nil && !w.SubmittedAt.After(submittedBefore) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(*out[j].SubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetPurchaseOrderByReference(_ context.Context, reference string) (*domain.PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.state.purchaseOrders[reference]
	if !ok {
		return nil, ErrPurchaseOrderNotFound
	}
	return &o, nil
}

func (r *MemoryRepository) ListPurchaseOrdersByUser(_ context.Context, userID uuid.UUID, limit int) ([]domain.PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.PurchaseOrder, 0)
	for _, o := range r.state.purchaseOrders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListExpiredPurchaseOrders(_ context.Context, now time.Time, limit int) ([]domain.PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.PurchaseOrder, 0)
	for _, o := range r.state.purchaseOrders {
		if o.Status == domain.PurchaseOrderStatusPending && !o.ExpiresAt.After(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetWebhookEvent(_ context.Context, orderID string, eventType domain.WebhookEventType) (*domain.WebhookMarker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.state.webhookEvents[webhookKey{orderID: orderID, eventType: eventType}]
	if !ok {
		return nil, ErrWebhookEventNotFound
	}
	return &m, nil
}

// memoryTx mutates a private copy; the repository mutex is already held.
type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) SumConfirmedAmounts(_ context.Context, userID uuid.UUID) (int64, error) {
	var sum int64
	for _, txn := range t.state.transactions {
		if txn.UserID != nil && *txn.UserID == userID && txn.Status == domain.TransactionStatusConfirmed {
			sum += txn.Amount
		}
	}
	return sum, nil
}

func (t *memoryTx) CreateWallet(_ context.Context, userID uuid.UUID, now time.Time) (*domain.Wallet, error) {
	if w, ok := t.state.wallets[userID]; ok {
		return &w, nil
	}
	t.state.nextWalletID++
	w := domain.Wallet{
		ID:        t.state.nextWalletID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.state.wallets[userID] = w
	return &w, nil
}

func (t *memoryTx) LockWallets(_ context.Context, userIDs ...uuid.UUID) (map[uuid.UUID]*domain.Wallet, error) {
	out := make(map[uuid.UUID]*domain.Wallet, len(userIDs))
	for _, id := range userIDs {
		w, ok := t.state.wallets[id]
		if !ok {
			return nil, ErrWalletNotFound
		}
		out[id] = &w
	}
	return out, nil
}

func (t *memoryTx) UpdateWallet(_ context.Context, wallet *domain.Wallet) error {
	if _, ok := t.state.wallets[wallet.UserID]; !ok {
		return ErrWalletNotFound
	}
	if wallet.SpendableBalance < 0 || wallet.PendingWithdrawals < 0 {
		return ErrNegativeBalance
	}
	t.state.wallets[wallet.UserID] = *wallet
	return nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, txn *domain.Transaction) error {
	if _, exists := t.state.transactionIndex[txn.ID]; exists {
		return ErrDuplicate
	}
	row := *txn
	if txn.Metadata != nil {
		row.Metadata = make(map[string]string, len(txn.Metadata))
		for k, v := range txn.Metadata {
			row.Metadata[k] = v
		}
	}
	t.state.transactionIndex[row.ID] = len(t.state.transactions)
	t.state.transactions = append(t.state.transactions, row)
	return nil
}

func (t *memoryTx) GetTransactionForUpdate(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	idx, ok := t.state.transactionIndex[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	row := t.state.transactions[idx]
	return &row, nil
}

func (t *memoryTx) UpdateTransactionStatus(_ context.Context, id uuid.UUID, status domain.TransactionStatus, externalRef *string, now time.Time) error {
	idx, ok := t.state.transactionIndex[id]
	if !ok {
		return ErrTransactionNotFound
	}
	row := t.state.transactions[idx]
	row.Status = status
	if externalRef != nil {
		ref := *externalRef
		row.ExternalReference = &ref
	}
	row.UpdatedAt = now
	t.state.transactions[idx] = row
	return nil
}

func (t *memoryTx) InsertVault(_ context.Context, vault *domain.Vault) error {
	if _, exists := t.state.vaults[vault.ID]; exists {
		return ErrDuplicate
	}
	t.state.vaults[vault.ID] = *vault
	return nil
}

func (t *memoryTx) GetVaultForUpdate(_ context.Context, id uuid.UUID) (*domain.Vault, error) {
	v, ok := t.state.vaults[id]
	if !ok {
		return nil, ErrVaultNotFound
	}
	return &v, nil
}

func (t *memoryTx) UpdateVault(_ context.Context, vault *domain.Vault) error {
	if _, ok := t.state.vaults[vault.ID]; !ok {
		return ErrVaultNotFound
	}
	t.state.vaults[vault.ID] = *vault
	return nil
}

func (t *memoryTx) InsertWithdrawal(_ context.Context, req *domain.WithdrawalRequest) error {
	if _, exists := t.state.withdrawals[req.ID]; exists {
		return ErrDuplicate
	}
	if _, exists := t.state.withdrawalOrders[req.OrderID]; exists {
		return ErrDuplicate
	}
	t.state.withdrawals[req.ID] = *req
	t.state.withdrawalOrders[req.OrderID] = req.ID
	return nil
}

func (t *memoryTx) GetWithdrawalForUpdate(_ context.Context, id uuid.UUID) (*domain.WithdrawalRequest, error) {
	w, ok := t.state.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return &w, nil
}

func (t *memoryTx) GetWithdrawalByOrderIDForUpdate(ctx context.Context, orderID string) (*domain.WithdrawalRequest, error) {
	id, ok := t.state.withdrawalOrders[orderID]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return t.GetWithdrawalForUpdate(ctx, id)
}

func (t *memoryTx) UpdateWithdrawal(_ context.Context, req *domain.WithdrawalRequest) error {
	if _, ok := t.state.withdrawals[req.ID]; !ok {
		return ErrWithdrawalNotFound
	}
	t.state.withdrawals[req.ID] = *req
	return nil
}

func (t *memoryTx) InsertPurchaseOrder(_ context.Context, order *domain.PurchaseOrder) error {
	if _, exists := t.state.purchaseOrders[order.ProviderReference]; exists {
		return ErrDuplicate
	}
	t.state.purchaseOrders[order.ProviderReference] = *order
	return nil
}

func (t *memoryTx) GetPurchaseOrderByReferenceForUpdate(_ context.Context, reference string) (*domain.PurchaseOrder, error) {
	o, ok := t.state.purchaseOrders[reference]
	if !ok {
		return nil, ErrPurchaseOrderNotFound
	}
	return &o, nil
}

func (t *memoryTx) UpdatePurchaseOrder(_ context.Context, order *domain.PurchaseOrder) error {
	if _, ok := t.state.purchaseOrders[order.ProviderReference]; !ok {
		return ErrPurchaseOrderNotFound
	}
	t.state.purchaseOrders[order.ProviderReference] = *order
	return nil
}

func (t *memoryTx) ClaimWebhookEvent(_ context.Context, marker *domain.WebhookMarker) (*domain.WebhookMarker, error) {
	key := webhookKey{orderID: marker.OrderID, eventType: marker.Type}
	if existing, ok := t.state.webhookEvents[key]; ok {
		return &existing, nil
	}
	t.state.webhookEvents[key] = *marker
	stored := *marker
	return &stored, nil
}

func (t *memoryTx) UpdateWebhookEvent(_ context.Context, marker *domain.WebhookMarker) error {
	key := webhookKey{orderID: marker.OrderID, eventType: marker.Type}
	if _, ok := t.state.webhookEvents[key]; !ok {
		return ErrWebhookEventNotFound
	}
	t.state.webhookEvents[key] = *marker
	return nil
}
