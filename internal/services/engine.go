// Package services implements the ledger engine: the account registry, the
// transaction ledger, the budget tracker and the chart aggregator, all sharing
// one store and one write lock.
package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ledger/internal/core"
	applog "ledger/internal/log"
)

// Event types handed to the EventPublisher after a committed mutation.
const (
	EventAccountCreated      = "account.created"
	EventAccountUpdated      = "account.updated"
	EventAccountDeleted      = "account.deleted"
	EventTransactionPosted   = "transaction.posted"
	EventTransactionReversed = "transaction.reversed"
	EventTransferPosted      = "transfer.posted"
)

// Store is the persistence the engine runs on. storage.SQLiteRepository
// implements it.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	CreateAccount(ctx context.Context, a core.Account, opening *core.Transaction) (core.Account, *core.Transaction, error)
	GetAccount(ctx context.Context, id int64) (core.Account, error)
	ListAccounts(ctx context.Context) ([]core.Account, error)
	UpdateAccount(ctx context.Context, a core.Account) (core.Account, error)
	DeleteAccount(ctx context.Context, id int64) (core.Account, error)

	AppendTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
	AppendTransfer(ctx context.Context, debit, credit core.Transaction) (core.Transfer, error)
	GetTransaction(ctx context.Context, id int64) (core.Transaction, error)
	ReversalOf(ctx context.Context, id int64) (core.Transaction, bool, error)
	ListTransactions(ctx context.Context, f core.TransactionFilter) iter.Seq2[core.Transaction, error]

	CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error)
	UpdateBudget(ctx context.Context, b core.Budget) (core.Budget, error)
	GetBudget(ctx context.Context, id int64) (core.Budget, error)
	ListBudgets(ctx context.Context) ([]core.Budget, error)
	DeleteBudget(ctx context.Context, id int64) error

	RebuildBalances(ctx context.Context) ([]core.BalanceDrift, error)
	VerifyBalances(ctx context.Context) ([]core.BalanceDrift, error)
}

// EventPublisher receives ledger events once they are committed.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
	Close() error
}

// Options configures an Engine. The zero value is usable.
type Options struct {
	Events         EventPublisher
	ChartCacheSize int
	ChartCacheTTL  time.Duration
	Now            func() time.Time
}

// Engine is the single entry point to the ledger components.
type Engine struct {
	store  Store
	events EventPublisher
	now    func() time.Time

	// mu serializes every write so that read-then-write SQL transactions never
	// race each other for the database lock.
	mu      sync.Mutex
	version atomic.Uint64

	Accounts *AccountRegistry
	Ledger   *TransactionLedger
	Budgets  *BudgetTracker
	Charts   *Aggregator
}

func NewEngine(store Store, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.ChartCacheSize <= 0 {
		opts.ChartCacheSize = 128
	}
	if opts.ChartCacheTTL <= 0 {
		opts.ChartCacheTTL = 5 * time.Minute
	}

	e := &Engine{
		store:  store,
		events: opts.Events,
		now:    opts.Now,
	}
	e.Accounts = &AccountRegistry{engine: e}
	e.Ledger = &TransactionLedger{engine: e}
	e.Budgets = &BudgetTracker{engine: e}
	e.Charts = newAggregator(e, opts.ChartCacheSize, opts.ChartCacheTTL)
	return e
}

// write runs fn while holding the write lock.
func (e *Engine) write(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

// ledgerChanged invalidates everything derived from the transaction log.
func (e *Engine) ledgerChanged() { e.version.Add(1) }

// Version is incremented by every committed ledger mutation.
func (e *Engine) Version() uint64 { return e.version.Load() }

// logger is the ledger component logger.
func logger() *slog.Logger { return applog.For(applog.ComponentLedger) }

func (e *Engine) publish(ctx context.Context, eventType string, payload any) {
	if e.events == nil {
		logger().DebugContext(ctx, "Event publisher not configured, skipping event", applog.FieldEvent, eventType)
		return
	}
	if err := e.events.Publish(ctx, eventType, payload); err != nil {
		// The mutation is already committed.
		logger().ErrorContext(ctx, "Failed to publish ledger event",
			applog.FieldEvent, eventType,
			applog.FieldOperation, applog.OpPublish,
			applog.FieldError, err)
	}
}

// Ping reports whether the store is usable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Rebuild recomputes every account balance by replaying the transaction log in
// id order and returns the accounts whose cached balance had drifted.
func (e *Engine) Rebuild(ctx context.Context) ([]core.BalanceDrift, error) {
	var drifts []core.BalanceDrift
	err := e.write(func() error {
		var err error
		drifts, err = e.store.RebuildBalances(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild balances: %w", err)
	}
	e.ledgerChanged()
	for _, d := range drifts {
		logger().WarnContext(ctx, "Balance drift repaired",
			applog.FieldOperation, applog.OpRebuild,
			applog.FieldAccountID, d.AccountID,
			"cached", d.Cached.String(),
			"replayed", d.Replayed.String())
	}
	return drifts, nil
}

// Verify compares cached balances against a replay of the log without
// repairing anything.
func (e *Engine) Verify(ctx context.Context) ([]core.BalanceDrift, error) {
	drifts, err := e.store.VerifyBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify balances: %w", err)
	}
	if len(drifts) > 0 {
		logger().WarnContext(ctx, "Balance drift detected", applog.FieldOperation, applog.OpVerify, "accounts", len(drifts))
	}
	return drifts, nil
}

// Close releases the store and the event publisher.
func (e *Engine) Close() error {
	var errs []error

	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}

	if e.events != nil {
		if err := e.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}

	return nil
}
