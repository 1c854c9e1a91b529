package ledger

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// InMemoryStore implements Store in process memory.
//
// Units of work are serialised by one mutex. Each unit operates on a copy of
// the state that replaces the live state only when fn returns nil, so a
// failed unit leaves nothing behind.
type InMemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	accounts     map[string]Account
	purchases    map[string]Purchase
	generations  map[string]Generation
	transactions []Transaction
	corrections  []OwnershipCorrection
	reviews      []ReviewItem
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		state: &memState{
			accounts:    make(map[string]Account),
			purchases:   make(map[string]Purchase),
			generations: make(map[string]Generation),
		},
	}
}

func (s *memState) clone() *memState {
	return &memState{
		accounts:     maps.Clone(s.accounts),
		purchases:    maps.Clone(s.purchases),
		generations:  maps.Clone(s.generations),
		transactions: slices.Clone(s.transactions),
		corrections:  slices.Clone(s.corrections),
		reviews:      slices.Clone(s.reviews),
	}
}

// WithTx runs fn against a private copy of the state and publishes it on success.
func (s *InMemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type memTx struct {
	st *memState
}

func (t *memTx) CreateAccount(ctx context.Context, a *Account) error {
	if a.ID == "" {
		return ErrInvalidID
	}
	if _, ok := t.st.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrDuplicate)
	}
	t.st.accounts[a.ID] = *a
	return nil
}

func (t *memTx) GetAccount(ctx context.Context, id string) (*Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (t *memTx) ListAccounts(ctx context.Context) ([]Account, error) {
	out := make([]Account, 0, len(t.st.accounts))
	for _, a := range t.st.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error) {
	a, ok := t.st.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if a.CreditsBalance+delta < 0 {
		return a.CreditsBalance, ErrInsufficientBalance
	}
	a.CreditsBalance += delta
	t.st.accounts[accountID] = a
	return a.CreditsBalance, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	if txn.ID == "" {
		return ErrInvalidID
	}
	t.st.transactions = append(t.st.transactions, *txn)
	return nil
}

func (t *memTx) ListTransactions(ctx context.Context, accountID string) ([]Transaction, error) {
	var out []Transaction
	for _, txn := range t.st.transactions {
		if txn.AccountID == accountID {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (t *memTx) LastConsumption(ctx context.Context, generationID string) (*Transaction, error) {
	for i := len(t.st.transactions) - 1; i >= 0; i-- {
		txn := t.st.transactions[i]
		if txn.Kind == TransactionConsumption && txn.RelatedGenerationID == generationID {
			return &txn, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (t *memTx) ListConsumptionOwnership(ctx context.Context) ([]OwnershipRow, error) {
	var out []OwnershipRow
	for _, txn := range t.st.transactions {
		if txn.Kind != TransactionConsumption || txn.Status != TransactionCommitted {
			continue
		}
		row := OwnershipRow{
			TransactionID:        txn.ID,
			TransactionAccountID: txn.AccountID,
			GenerationID:         txn.RelatedGenerationID,
		}
		if g, ok := t.st.generations[txn.RelatedGenerationID]; ok {
			row.GenerationExists = true
			row.GenerationAccountID = g.AccountID
		}
		out = append(out, row)
	}
	return out, nil
}

func (t *memTx) CreatePurchase(ctx context.Context, p *Purchase) error {
	if p.ID == "" {
		return ErrInvalidID
	}
	if _, ok := t.st.purchases[p.ID]; ok {
		return fmt.Errorf("purchase %s: %w", p.ID, ErrDuplicate)
	}
	if p.ProviderPaymentID != "" {
		for _, existing := range t.st.purchases {
			if existing.ProviderPaymentID == p.ProviderPaymentID {
				return fmt.Errorf("payment %s: %w", p.ProviderPaymentID, ErrDuplicate)
			}
		}
	}
	t.st.purchases[p.ID] = *p
	return nil
}

func (t *memTx) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	p, ok := t.st.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	return &p, nil
}

func (t *memTx) GetPurchaseByPaymentID(ctx context.Context, providerPaymentID string) (*Purchase, error) {
	if providerPaymentID == "" {
		return nil, ErrPurchaseNotFound
	}
	for _, p := range t.st.purchases {
		if p.ProviderPaymentID == providerPaymentID {
			return &p, nil
		}
	}
	return nil, ErrPurchaseNotFound
}

func (t *memTx) TransitionPurchase(ctx context.Context, id string, from, to PurchaseStatus, at time.Time) (bool, error) {
	p, ok := t.st.purchases[id]
	if !ok {
		return false, ErrPurchaseNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = at
	t.st.purchases[id] = p
	return true, nil
}

func (t *memTx) MarkPurchaseApplied(ctx context.Context, id string, at time.Time) (bool, error) {
	p, ok := t.st.purchases[id]
	if !ok {
		return false, ErrPurchaseNotFound
	}
	if p.AppliedAt != nil || p.Status != PurchaseApproved {
		return false, nil
	}
	applied := at
	p.AppliedAt = &applied
	p.UpdatedAt = at
	t.st.purchases[id] = p
	return true, nil
}

func (t *memTx) CreateGeneration(ctx context.Context, g *Generation) error {
	if g.ID == "" {
		return ErrInvalidID
	}
	if _, ok := t.st.generations[g.ID]; ok {
		return fmt.Errorf("generation %s: %w", g.ID, ErrDuplicate)
	}
	t.st.generations[g.ID] = *g
	return nil
}

func (t *memTx) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	g, ok := t.st.generations[id]
	if !ok {
		return nil, ErrGenerationNotFound
	}
	return &g, nil
}

func (t *memTx) GetGenerationByTaskID(ctx context.Context, providerTaskID string) (*Generation, error) {
	if providerTaskID == "" {
		return nil, ErrGenerationNotFound
	}
	for _, g := range t.st.generations {
		if g.ProviderTaskID == providerTaskID {
			return &g, nil
		}
	}
	return nil, ErrGenerationNotFound
}

func (t *memTx) ListGenerations(ctx context.Context, status GenerationStatus, updatedBefore time.Time, limit int) ([]Generation, error) {
	var out []Generation
	for _, g := range t.st.generations {
		if g.Status == status && g.UpdatedAt.Before(updatedBefore) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ReserveCredits(ctx context.Context, generationID string, amount int64, at time.Time) (bool, error) {
	g, ok := t.st.generations[generationID]
	if !ok {
		return false, ErrGenerationNotFound
	}
	if g.CreditsUsed != 0 || g.Status != GenerationPending {
		return false, nil
	}
	g.CreditsReserved = amount
	g.CreditsUsed = amount
	g.UpdatedAt = at
	t.st.generations[generationID] = g
	return true, nil
}

func (t *memTx) ReleaseCredits(ctx context.Context, generationID string, at time.Time) (int64, error) {
	g, ok := t.st.generations[generationID]
	if !ok {
		return 0, ErrGenerationNotFound
	}
	if g.CreditsUsed <= 0 {
		return 0, nil
	}
	released := g.CreditsUsed
	g.CreditsUsed = 0
	g.UpdatedAt = at
	t.st.generations[generationID] = g
	return released, nil
}

func (t *memTx) UpdateGeneration(ctx context.Context, generationID string, from GenerationStatus, upd GenerationUpdate, at time.Time) (bool, error) {
	g, ok := t.st.generations[generationID]
	if !ok {
		return false, ErrGenerationNotFound
	}
	if g.Status != from {
		return false, nil
	}
	if upd.Status != "" {
		g.Status = upd.Status
	}
	if upd.ProviderTaskID != nil {
		g.ProviderTaskID = *upd.ProviderTaskID
	}
	if upd.ErrorMessage != nil {
		g.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ResultURL != nil {
		g.ResultURL = *upd.ResultURL
	}
	if upd.CoverURL != nil {
		g.CoverURL = *upd.CoverURL
	}
	if upd.DurationSeconds != nil {
		g.DurationSeconds = *upd.DurationSeconds
	}
	if upd.RetryCount != nil {
		g.RetryCount = *upd.RetryCount
	}
	g.UpdatedAt = at
	t.st.generations[generationID] = g
	return true, nil
}

func (t *memTx) ReassignGeneration(ctx context.Context, generationID, fromAccount, toAccount string, at time.Time) (bool, error) {
	g, ok := t.st.generations[generationID]
	if !ok {
		return false, ErrGenerationNotFound
	}
	if g.AccountID != fromAccount {
		return false, nil
	}
	g.AccountID = toAccount
	g.UpdatedAt = at
	t.st.generations[generationID] = g
	return true, nil
}

func (t *memTx) InsertOwnershipCorrection(ctx context.Context, c *OwnershipCorrection) error {
	if c.ID == "" {
		return ErrInvalidID
	}
	t.st.corrections = append(t.st.corrections, *c)
	return nil
}

func (t *memTx) ListOwnershipCorrections(ctx context.Context, generationID string) ([]OwnershipCorrection, error) {
	var out []OwnershipCorrection
	for _, c := range t.st.corrections {
		if generationID == "" || c.GenerationID == generationID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memTx) EnqueueReview(ctx context.Context, item *ReviewItem) (bool, error) {
	if item.ID == "" || item.Kind == "" || item.SubjectID == "" {
		return false, ErrInvalidID
	}
	for _, existing := range t.st.reviews {
		if existing.Kind == item.Kind && existing.SubjectID == item.SubjectID {
			return false, nil
		}
	}
	t.st.reviews = append(t.st.reviews, *item)
	return true, nil
}

func (t *memTx) ListReviewItems(ctx context.Context) ([]ReviewItem, error) {
	return slices.Clone(t.st.reviews), nil
}
