package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrAccountNotFound is returned when no account matches the given id or subscription.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientCredits matches any *InsufficientCreditsError via errors.Is.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrStoreUnavailable marks infrastructure failures; the caller may retry idempotent operations.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	// ErrTimeout means the outcome of a mutation is unknown. Re-read the balance before acting.
	ErrTimeout = errors.New("ledger store timeout")
	// ErrPriceNotMapped is returned when a billing price id has no plan.
	ErrPriceNotMapped = errors.New("price not mapped to a plan")
	// ErrInvalidAmount is returned for negative amounts, and for zero debits.
	ErrInvalidAmount = errors.New("invalid amount")
)

// InsufficientCreditsError reports the balance observed when a debit was rejected.
type InsufficientCreditsError struct {
	Have int64
	Need int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.Have, e.Need)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// storeErr classifies a driver error. Ledger sentinels pass through unchanged.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var insufficient *InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrPriceNotMapped),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrStoreUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), pgconn.Timeout(err):
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
