package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"creditsvc/internal/model"
)

type grantKey struct {
	subscriptionID string
	periodStart    int64
}

// MemoryStore is an in-process LedgerStore. A single mutex makes every
// check-and-write atomic, which gives the same per-account linearizability
// as the Postgres row lock.
type MemoryStore struct {
	mu sync.Mutex

	accounts      map[string]*model.Account
	transactions  []model.Transaction
	history       []model.SubscriptionHistoryEntry
	sessions      map[string]struct{}
	periods       map[grantKey]struct{}
	refundKeys    map[string]struct{}
	outputCounts  map[string]int
	pricePlans    map[string]model.Plan
	now           func() time.Time
	failAuditWith error
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*model.Account),
		sessions:     make(map[string]struct{}),
		periods:      make(map[grantKey]struct{}),
		refundKeys:   make(map[string]struct{}),
		outputCounts: make(map[string]int),
		pricePlans:   make(map[string]model.Plan),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// PutAccount inserts or replaces an account. Intended for seeding.
func (m *MemoryStore) PutAccount(a model.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Plan == "" {
		a.Plan = model.PlanNone
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	a.UpdatedAt = a.CreatedAt
	m.accounts[a.ID] = &a
}

// AddGeneratedOutputs records n durable outputs owned by accountID.
func (m *MemoryStore) AddGeneratedOutputs(accountID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputCounts[accountID] += n
}

// SetPricePlan maps a billing price id to a plan.
func (m *MemoryStore) SetPricePlan(priceID string, plan model.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pricePlans[priceID] = plan
}

// FailAuditWrites makes transaction and history inserts return err. Nil restores them.
func (m *MemoryStore) FailAuditWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAuditWith = err
}

// History returns a copy of the subscription history entries.
func (m *MemoryStore) History() []model.SubscriptionHistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SubscriptionHistoryEntry(nil), m.history...)
}

func copyAccount(a *model.Account) *model.Account {
	c := *a
	if a.BillingSubscriptionID != nil {
		v := *a.BillingSubscriptionID
		c.BillingSubscriptionID = &v
	}
	if a.BillingCustomerID != nil {
		v := *a.BillingCustomerID
		c.BillingCustomerID = &v
	}
	if a.SubscriptionStart != nil {
		v := *a.SubscriptionStart
		c.SubscriptionStart = &v
	}
	if a.SubscriptionRenewal != nil {
		v := *a.SubscriptionRenewal
		c.SubscriptionRenewal = &v
	}
	return &c
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// lookup must be called with mu held.
func (m *MemoryStore) lookup(accountID string) (*model.Account, error) {
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	return a, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("fetch account", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(accountID)
	if err != nil {
		return nil, err
	}
	return copyAccount(a), nil
}

func (m *MemoryStore) EnsureAccount(ctx context.Context, accountID string) (*model.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("ensure account", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		now := m.now()
		a = &model.Account{ID: accountID, Plan: model.PlanNone, CreatedAt: now, UpdatedAt: now}
		m.accounts[accountID] = a
	}
	return copyAccount(a), nil
}

func (m *MemoryStore) Debit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return 0, storeErr("debit account", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(accountID)
	if err != nil {
		return 0, err
	}
	if a.Credits < amount {
		return 0, &InsufficientCreditsError{Have: a.Credits, Need: amount}
	}
	a.Credits -= amount
	a.UpdatedAt = m.now()
	return a.Credits, nil
}

func (m *MemoryStore) Credit(ctx context.Context, accountID string, amount int64, refundKey string) (int64, bool, error) {
	if amount < 0 {
		return 0, false, ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return 0, false, storeErr("credit account", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(accountID)
	if err != nil {
		return 0, false, err
	}
	if amount == 0 {
		return a.Credits, false, nil
	}
	if refundKey != "" {
		if _, seen := m.refundKeys[refundKey]; seen {
			return a.Credits, false, nil
		}
		m.refundKeys[refundKey] = struct{}{}
	}
	a.Credits += amount
	a.UpdatedAt = m.now()
	return a.Credits, true, nil
}

func (m *MemoryStore) ApplyCheckoutGrant(ctx context.Context, g model.CheckoutGrant) (*model.GrantOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("apply checkout grant", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(g.AccountID)
	if err != nil {
		return nil, err
	}

	pk := grantKey{subscriptionID: g.SubscriptionID, periodStart: g.PeriodStart.UnixNano()}
	_, seenSession := m.sessions[g.SessionID]
	_, seenPeriod := m.periods[pk]
	if seenSession || (g.SubscriptionID != "" && seenPeriod) {
		return &model.GrantOutcome{Applied: false, Account: copyAccount(a)}, nil
	}
	m.sessions[g.SessionID] = struct{}{}
	if g.SubscriptionID != "" {
		m.periods[pk] = struct{}{}
	}

	a.Credits += g.Allocation
	a.Plan = g.Plan
	a.MonthlyAllocation = g.Allocation
	if g.SubscriptionID != "" {
		a.BillingSubscriptionID = strPtr(g.SubscriptionID)
	}
	if g.CustomerID != "" {
		a.BillingCustomerID = strPtr(g.CustomerID)
	}
	a.SubscriptionStart = timePtr(g.PeriodStart)
	a.SubscriptionRenewal = timePtr(g.PeriodEnd)
	a.UpdatedAt = m.now()
	return &model.GrantOutcome{Applied: true, Account: copyAccount(a)}, nil
}

func (m *MemoryStore) ApplySubscriptionUpdate(ctx context.Context, u model.SubscriptionUpdate) (*model.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("update subscription", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.bySubscription(u.SubscriptionID)
	if target == nil && u.AccountID != "" {
		if a, ok := m.accounts[u.AccountID]; ok && a.BillingSubscriptionID == nil {
			a.BillingSubscriptionID = strPtr(u.SubscriptionID)
			target = a
		}
	}
	if target == nil {
		return nil, fmt.Errorf("subscription %s: %w", u.SubscriptionID, ErrAccountNotFound)
	}
	target.Plan = u.Plan
	target.MonthlyAllocation = u.MonthlyAllocation
	if u.PeriodStart != nil {
		v := *u.PeriodStart
		target.SubscriptionStart = &v
	}
	if u.PeriodEnd != nil {
		v := *u.PeriodEnd
		target.SubscriptionRenewal = &v
	}
	target.UpdatedAt = m.now()
	return copyAccount(target), nil
}

func (m *MemoryStore) ClearSubscription(ctx context.Context, subscriptionID string) (*model.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("clear subscription", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.bySubscription(subscriptionID)
	if a == nil {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, ErrAccountNotFound)
	}
	a.Plan = model.PlanNone
	a.MonthlyAllocation = 0
	a.BillingSubscriptionID = nil
	a.SubscriptionStart = nil
	a.SubscriptionRenewal = nil
	a.UpdatedAt = m.now()
	return copyAccount(a), nil
}

// bySubscription must be called with mu held.
func (m *MemoryStore) bySubscription(subscriptionID string) *model.Account {
	if subscriptionID == "" {
		return nil
	}
	for _, a := range m.accounts {
		if a.BillingSubscriptionID != nil && *a.BillingSubscriptionID == subscriptionID {
			return a
		}
	}
	return nil
}

func (m *MemoryStore) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAuditWith != nil {
		return m.failAuditWith
	}
	prepareTransaction(txn)
	m.transactions = append(m.transactions, *txn)
	return nil
}

func (m *MemoryStore) InsertSubscriptionHistory(ctx context.Context, entry *model.SubscriptionHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAuditWith != nil {
		return m.failAuditWith
	}
	prepareHistory(entry)
	m.history = append(m.history, *entry)
	return nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, f model.TransactionFilter) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Transaction, 0)
	for _, t := range m.transactions {
		if t.AccountID != f.AccountID {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		if f.Since != nil && t.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !t.CreatedAt.Before(*f.Until) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return []model.Transaction{}, nil
	}
	out = out[f.Offset:]
	if limit := listLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountGeneratedOutputs(ctx context.Context, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputCounts[accountID], nil
}

func (m *MemoryStore) LookupPricePlan(ctx context.Context, priceID string) (model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pricePlans[priceID]
	if !ok {
		return model.PlanNone, fmt.Errorf("price %s: %w", priceID, ErrPriceNotMapped)
	}
	return p, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

var _ LedgerStore = (*MemoryStore)(nil)
