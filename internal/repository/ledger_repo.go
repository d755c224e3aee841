package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"creditsvc/internal/model"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by the ledger repository.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const accountColumns = `id, credits, plan, monthly_allocation, billing_subscription_id, billing_customer_id,
        subscription_start, subscription_renewal, created_at, updated_at`

type ledgerRepo struct {
	db DB
}

// NewLedgerRepo creates a Postgres-backed LedgerStore.
func NewLedgerRepo(db DB) LedgerStore {
	return &ledgerRepo{db: db}
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var plan string
	err := row.Scan(
		&a.ID,
		&a.Credits,
		&plan,
		&a.MonthlyAllocation,
		&a.BillingSubscriptionID,
		&a.BillingCustomerID,
		&a.SubscriptionStart,
		&a.SubscriptionRenewal,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Plan = model.Plan(plan)
	return &a, nil
}

// withTx runs fn inside a transaction and commits only if fn succeeds.
func (r *ledgerRepo) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (r *ledgerRepo) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	a, err := scanAccount(r.db.QueryRow(ctx, q, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	if err != nil {
		return nil, storeErr(fmt.Sprintf("fetch account %s", accountID), err)
	}
	return a, nil
}

func (r *ledgerRepo) EnsureAccount(ctx context.Context, accountID string) (*model.Account, error) {
	const q = `
        INSERT INTO accounts (id, credits, plan, monthly_allocation, created_at, updated_at)
        VALUES ($1, 0, 'none', 0, NOW(), NOW())
        ON CONFLICT (id) DO NOTHING
    `
	if _, err := r.db.Exec(ctx, q, accountID); err != nil {
		return nil, storeErr(fmt.Sprintf("ensure account %s", accountID), err)
	}
	return r.GetAccount(ctx, accountID)
}

// Debit relies on the row-level atomicity of a single conditional UPDATE: concurrent
// callers serialize on the row lock and each re-evaluates credits >= amount.
func (r *ledgerRepo) Debit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	const q = `
        UPDATE accounts
        SET credits = credits - $2, updated_at = NOW()
        WHERE id = $1 AND credits >= $2
        RETURNING credits
    `
	var balance int64
	err := r.db.QueryRow(ctx, q, accountID, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, storeErr(fmt.Sprintf("debit account %s", accountID), err)
	}

	// Nothing was written; find out why.
	var have int64
	err = r.db.QueryRow(ctx, `SELECT credits FROM accounts WHERE id = $1`, accountID).Scan(&have)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	if err != nil {
		return 0, storeErr(fmt.Sprintf("read balance for account %s", accountID), err)
	}
	return 0, &InsufficientCreditsError{Have: have, Need: amount}
}

func (r *ledgerRepo) Credit(ctx context.Context, accountID string, amount int64, refundKey string) (int64, bool, error) {
	if amount < 0 {
		return 0, false, ErrInvalidAmount
	}
	if amount == 0 {
		a, err := r.GetAccount(ctx, accountID)
		if err != nil {
			return 0, false, err
		}
		return a.Credits, false, nil
	}

	const creditQ = `
        UPDATE accounts
        SET credits = credits + $2, updated_at = NOW()
        WHERE id = $1
        RETURNING credits
    `
	if refundKey == "" {
		var balance int64
		err := r.db.QueryRow(ctx, creditQ, accountID, amount).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
		}
		if err != nil {
			return 0, false, storeErr(fmt.Sprintf("credit account %s", accountID), err)
		}
		return balance, true, nil
	}

	const gateQ = `
        INSERT INTO refund_applications (refund_key, account_id, amount, created_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (refund_key) DO NOTHING
    `
	var balance int64
	var applied bool
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, gateQ, refundKey, accountID, amount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			err := tx.QueryRow(ctx, `SELECT credits FROM accounts WHERE id = $1`, accountID).Scan(&balance)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
			}
			return err
		}
		err = tx.QueryRow(ctx, creditQ, accountID, amount).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
		}
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return 0, false, storeErr(fmt.Sprintf("refund %s to account %s", refundKey, accountID), err)
	}
	return balance, applied, nil
}

func (r *ledgerRepo) ApplyCheckoutGrant(ctx context.Context, g model.CheckoutGrant) (*model.GrantOutcome, error) {
	const gateQ = `
        INSERT INTO checkout_grants (session_id, account_id, subscription_id, period_start, plan, credits_granted, created_at)
        VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NOW())
        ON CONFLICT DO NOTHING
    `
	grantQ := `
        UPDATE accounts
        SET credits = credits + $2,
            plan = $3,
            monthly_allocation = $4,
            billing_subscription_id = COALESCE(NULLIF($5, ''), billing_subscription_id),
            billing_customer_id = COALESCE(NULLIF($6, ''), billing_customer_id),
            subscription_start = $7,
            subscription_renewal = $8,
            updated_at = NOW()
        WHERE id = $1
        RETURNING ` + accountColumns
	replayQ := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	var out model.GrantOutcome
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, gateQ, g.SessionID, g.AccountID, g.SubscriptionID, g.PeriodStart, string(g.Plan), g.Allocation)
		if err != nil {
			return err
		}
		q, args := grantQ, []any{g.AccountID, g.Allocation, string(g.Plan), g.Allocation, g.SubscriptionID, g.CustomerID, g.PeriodStart, g.PeriodEnd}
		if tag.RowsAffected() == 0 {
			q, args = replayQ, []any{g.AccountID}
		} else {
			out.Applied = true
		}
		a, err := scanAccount(tx.QueryRow(ctx, q, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("account %s: %w", g.AccountID, ErrAccountNotFound)
		}
		if err != nil {
			return err
		}
		out.Account = a
		return nil
	})
	if err != nil {
		return nil, storeErr(fmt.Sprintf("apply checkout grant %s", g.SessionID), err)
	}
	return &out, nil
}

func (r *ledgerRepo) ApplySubscriptionUpdate(ctx context.Context, u model.SubscriptionUpdate) (*model.Account, error) {
	bySub := `
        UPDATE accounts
        SET plan = $2,
            monthly_allocation = $3,
            subscription_start = COALESCE($4::timestamptz, subscription_start),
            subscription_renewal = COALESCE($5::timestamptz, subscription_renewal),
            updated_at = NOW()
        WHERE billing_subscription_id = $1
        RETURNING ` + accountColumns
	a, err := scanAccount(r.db.QueryRow(ctx, bySub, u.SubscriptionID, string(u.Plan), u.MonthlyAllocation, u.PeriodStart, u.PeriodEnd))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storeErr(fmt.Sprintf("update subscription %s", u.SubscriptionID), err)
	}
	if u.AccountID == "" {
		return nil, fmt.Errorf("subscription %s: %w", u.SubscriptionID, ErrAccountNotFound)
	}

	// The update can arrive before checkout completion is reconciled. Attach it to the
	// named account, but never overwrite a different subscription.
	byAccount := `
        UPDATE accounts
        SET billing_subscription_id = $1,
            plan = $2,
            monthly_allocation = $3,
            subscription_start = COALESCE($4::timestamptz, subscription_start),
            subscription_renewal = COALESCE($5::timestamptz, subscription_renewal),
            updated_at = NOW()
        WHERE id = $6 AND billing_subscription_id IS NULL
        RETURNING ` + accountColumns
	a, err = scanAccount(r.db.QueryRow(ctx, byAccount, u.SubscriptionID, string(u.Plan), u.MonthlyAllocation, u.PeriodStart, u.PeriodEnd, u.AccountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s for account %s: %w", u.SubscriptionID, u.AccountID, ErrAccountNotFound)
	}
	if err != nil {
		return nil, storeErr(fmt.Sprintf("update subscription %s", u.SubscriptionID), err)
	}
	return a, nil
}

func (r *ledgerRepo) ClearSubscription(ctx context.Context, subscriptionID string) (*model.Account, error) {
	q := `
        UPDATE accounts
        SET plan = 'none',
            monthly_allocation = 0,
            billing_subscription_id = NULL,
            subscription_start = NULL,
            subscription_renewal = NULL,
            updated_at = NOW()
        WHERE billing_subscription_id = $1
        RETURNING ` + accountColumns
	a, err := scanAccount(r.db.QueryRow(ctx, q, subscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, ErrAccountNotFound)
	}
	if err != nil {
		return nil, storeErr(fmt.Sprintf("clear subscription %s", subscriptionID), err)
	}
	return a, nil
}

func (r *ledgerRepo) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	prepareTransaction(txn)
	meta, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata for transaction %s: %w", txn.ID, err)
	}
	const q = `
        INSERT INTO credit_transactions (id, account_id, amount, kind, description, metadata, created_at)
        VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
    `
	// Text, not []byte: the simple protocol would send a bytea literal.
	_, err = r.db.Exec(ctx, q, txn.ID, txn.AccountID, txn.Amount, string(txn.Kind), txn.Description, string(meta), txn.CreatedAt)
	if err != nil {
		return storeErr(fmt.Sprintf("insert transaction for account %s", txn.AccountID), err)
	}
	return nil
}

func (r *ledgerRepo) InsertSubscriptionHistory(ctx context.Context, e *model.SubscriptionHistoryEntry) error {
	prepareHistory(e)
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details for history entry %s: %w", e.ID, err)
	}
	const q = `
        INSERT INTO subscription_history (id, account_id, subscription_id, event, plan, details, created_at)
        VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
    `
	_, err = r.db.Exec(ctx, q, e.ID, e.AccountID, e.SubscriptionID, e.Event, string(e.Plan), string(details), e.CreatedAt)
	if err != nil {
		return storeErr(fmt.Sprintf("insert subscription history for account %s", e.AccountID), err)
	}
	return nil
}

func (r *ledgerRepo) ListTransactions(ctx context.Context, f model.TransactionFilter) ([]model.Transaction, error) {
	qb := sq.Select("id", "account_id", "amount", "kind", "description", "metadata", "created_at").
		From("credit_transactions").
		Where(sq.Eq{"account_id": f.AccountID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(listLimit(f.Limit))).
		PlaceholderFormat(sq.Dollar)
	if f.Kind != "" {
		qb = qb.Where(sq.Eq{"kind": string(f.Kind)})
	}
	if f.Since != nil {
		qb = qb.Where(sq.GtOrEq{"created_at": *f.Since})
	}
	if f.Until != nil {
		qb = qb.Where(sq.Lt{"created_at": *f.Until})
	}
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset))
	}
	q, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build transaction query: %w", err)
	}

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, storeErr(fmt.Sprintf("list transactions for account %s", f.AccountID), err)
	}
	defer rows.Close()

	txns := make([]model.Transaction, 0)
	for rows.Next() {
		var t model.Transaction
		var kind string
		var meta []byte
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &kind, &t.Description, &meta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		t.Kind = model.TransactionKind(kind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata for transaction %s: %w", t.ID, err)
			}
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate transaction rows", err)
	}
	return txns, nil
}

func (r *ledgerRepo) CountGeneratedOutputs(ctx context.Context, accountID string) (int, error) {
	const q = `
        SELECT COUNT(*)
        FROM generated_outputs o
        JOIN projects p ON p.id = o.project_id
        WHERE p.owner_id = $1
    `
	var n int64
	if err := r.db.QueryRow(ctx, q, accountID).Scan(&n); err != nil {
		return 0, storeErr(fmt.Sprintf("count generated outputs for account %s", accountID), err)
	}
	return int(n), nil
}

func (r *ledgerRepo) LookupPricePlan(ctx context.Context, priceID string) (model.Plan, error) {
	const q = `SELECT plan FROM billing_prices WHERE price_id = $1 AND active`
	var plan string
	err := r.db.QueryRow(ctx, q, priceID).Scan(&plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PlanNone, fmt.Errorf("price %s: %w", priceID, ErrPriceNotMapped)
	}
	if err != nil {
		return model.PlanNone, storeErr(fmt.Sprintf("lookup plan for price %s", priceID), err)
	}
	p, ok := model.ParsePlan(plan)
	if !ok || !p.IsPaid() {
		return model.PlanNone, fmt.Errorf("price %s maps to unknown plan %q: %w", priceID, plan, ErrPriceNotMapped)
	}
	return p, nil
}

func (r *ledgerRepo) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return storeErr("ping ledger database", err)
	}
	return nil
}
