package services

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
	applog "ledger/internal/log"
)

// NewTransaction is the input of TransactionLedger.Post. A zero Timestamp
// means now.
type NewTransaction struct {
	AccountID int64
	Amount    decimal.Decimal
	Category  string
	Note      string
	Timestamp time.Time
}

// NewTransfer is the input of TransactionLedger.Transfer. Amount is the
// positive sum moved from FromAccountID to ToAccountID.
type NewTransfer struct {
	FromAccountID int64
	ToAccountID   int64
	Amount        decimal.Decimal
	Category      string
	Note          string
	Timestamp     time.Time
}

// TransactionLedger is the append-only log of economic events and the only
// writer of account balances.
type TransactionLedger struct {
	engine *Engine
}

// Post appends a transaction and moves the owning account's balance by its
// amount. Both happen in one store transaction.
func (l *TransactionLedger) Post(ctx context.Context, in NewTransaction) (core.Transaction, error) {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = l.engine.now()
	}

	// Currencies never change, so the amount is converted before the write
	// lock is taken.
	account, err := l.engine.store.GetAccount(ctx, in.AccountID)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("post transaction: %w", err)
	}
	amount, err := core.MoneyFromDecimal(in.Amount, account.Currency)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("post transaction: %w", err)
	}

	var posted core.Transaction
	err = l.engine.write(func() error {
		var err error
		posted, err = l.engine.store.AppendTransaction(ctx, core.Transaction{
			AccountID: account.ID,
			Amount:    amount,
			Category:  strings.TrimSpace(in.Category),
			Note:      strings.TrimSpace(in.Note),
			Timestamp: ts.UTC(),
		})
		if err == nil {
			l.engine.ledgerChanged()
		}
		return err
	})
	if err != nil {
		return core.Transaction{}, fmt.Errorf("post transaction: %w", err)
	}

	logger().InfoContext(ctx, "Transaction posted",
		applog.FieldTransactionID, posted.ID,
		applog.FieldAccountID, posted.AccountID,
		applog.FieldAmount, posted.Amount.String(),
		applog.FieldCategory, posted.Category)

	l.engine.publish(ctx, EventTransactionPosted, posted)
	return posted, nil
}

func (l *TransactionLedger) Get(ctx context.Context, id int64) (core.Transaction, error) {
	t, err := l.engine.store.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// List returns the matching transactions lazily in ascending id order. The
// sequence may be ranged over more than once.
func (l *TransactionLedger) List(ctx context.Context, f core.TransactionFilter) iter.Seq2[core.Transaction, error] {
	return l.engine.store.ListTransactions(ctx, f)
}

// Collect drains List into a slice.
func (l *TransactionLedger) Collect(ctx context.Context, f core.TransactionFilter) ([]core.Transaction, error) {
	out := []core.Transaction{}
	for t, err := range l.List(ctx, f) {
		if err != nil {
			return nil, fmt.Errorf("list transactions: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Reverse posts the offsetting transaction of id. A transaction can be
// reversed once: a second attempt fails with a ConflictError, unless
// idempotent is set, in which case the existing reversal is returned. Transfer
// legs cannot be reversed one at a time.
func (l *TransactionLedger) Reverse(ctx context.Context, id int64, idempotent bool) (core.Transaction, error) {
	var (
		reversal core.Transaction
		created  bool
	)
	err := l.engine.write(func() error {
		orig, err := l.engine.store.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if orig.TransferID != nil {
			return &core.ConflictError{Field: "id", Reason: fmt.Sprintf("transaction %d belongs to transfer %d, post the opposite transfer instead", id, *orig.TransferID)}
		}
		existing, ok, err := l.engine.store.ReversalOf(ctx, id)
		if err != nil {
			return err
		}
		if ok {
			if idempotent {
				reversal = existing
				return nil
			}
			return &core.ConflictError{Field: "id", Reason: fmt.Sprintf("transaction %d is already reversed by %d", id, existing.ID)}
		}

		reversal, err = l.engine.store.AppendTransaction(ctx, core.Transaction{
			AccountID:  orig.AccountID,
			Amount:     orig.Amount.Neg(),
			Category:   orig.Category,
			Note:       fmt.Sprintf("reversal of #%d", orig.ID),
			Timestamp:  l.engine.now(),
			ReversesID: &orig.ID,
		})
		if err != nil {
			return err
		}
		created = true
		l.engine.ledgerChanged()
		return nil
	})
	if err != nil {
		return core.Transaction{}, fmt.Errorf("reverse transaction: %w", err)
	}

	if !created {
		logger().InfoContext(ctx, "Transaction already reversed", applog.FieldTransactionID, id, applog.FieldReversalID, reversal.ID)
		return reversal, nil
	}

	logger().InfoContext(ctx, "Transaction reversed",
		applog.FieldTransactionID, id,
		applog.FieldReversalID, reversal.ID,
		applog.FieldAccountID, reversal.AccountID)

	l.engine.publish(ctx, EventTransactionReversed, reversal)
	return reversal, nil
}

// Transfer moves in.Amount between two accounts of the same currency. The
// debit and credit legs are appended together or not at all.
func (l *TransactionLedger) Transfer(ctx context.Context, in NewTransfer) (core.Transfer, error) {
	if !in.Amount.IsPositive() {
		return core.Transfer{}, core.Invalid("amount", "must be positive")
	}
	if in.FromAccountID == in.ToAccountID {
		return core.Transfer{}, core.Invalid("to_account_id", "must differ from from_account_id")
	}
	from, err := l.engine.store.GetAccount(ctx, in.FromAccountID)
	if err != nil {
		return core.Transfer{}, fmt.Errorf("transfer: %w", err)
	}
	to, err := l.engine.store.GetAccount(ctx, in.ToAccountID)
	if err != nil {
		return core.Transfer{}, fmt.Errorf("transfer: %w", err)
	}
	if from.Currency != to.Currency {
		return core.Transfer{}, fmt.Errorf("transfer: %w", &core.CurrencyMismatchError{Want: from.Currency, Got: to.Currency})
	}
	amount, err := core.MoneyFromDecimal(in.Amount, from.Currency)
	if err != nil {
		return core.Transfer{}, fmt.Errorf("transfer: %w", err)
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = l.engine.now()
	}
	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = core.TransferCategory
	}
	debitNote, creditNote := fmt.Sprintf("transfer to #%d", to.ID), fmt.Sprintf("transfer from #%d", from.ID)
	if note := strings.TrimSpace(in.Note); note != "" {
		debitNote, creditNote = note, note
	}

	var transfer core.Transfer
	err = l.engine.write(func() error {
		var err error
		transfer, err = l.engine.store.AppendTransfer(ctx,
			core.Transaction{AccountID: from.ID, Amount: amount.Neg(), Category: category, Note: debitNote, Timestamp: ts.UTC()},
			core.Transaction{AccountID: to.ID, Amount: amount, Category: category, Note: creditNote, Timestamp: ts.UTC()},
		)
		if err == nil {
			l.engine.ledgerChanged()
		}
		return err
	})
	if err != nil {
		return core.Transfer{}, fmt.Errorf("transfer: %w", err)
	}

	logger().InfoContext(ctx, "Transfer posted",
		applog.FieldTransferID, transfer.ID,
		"from_account_id", from.ID,
		"to_account_id", to.ID,
		applog.FieldAmount, amount.String())

	l.engine.publish(ctx, EventTransferPosted, transfer)
	return transfer, nil
}
