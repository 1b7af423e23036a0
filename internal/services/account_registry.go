package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
	applog "ledger/internal/log"
)

// NewAccount is the input of AccountRegistry.Create.
type NewAccount struct {
	Name           string
	AccountType    string
	Currency       string
	Note           string
	OpeningBalance decimal.Decimal
}

// AccountUpdate holds the editable fields of an account. Nil fields keep
// their current value. Currency and balance cannot be edited.
type AccountUpdate struct {
	Name        *string
	AccountType *string
	Note        *string
}

// AccountRegistry owns the account lifecycle. It never sets a balance
// directly; balances only move through transactions.
type AccountRegistry struct {
	engine *Engine
}

// Create validates in and stores a new account with a zero balance. A non-zero
// OpeningBalance is recorded as the account's first transaction.
func (r *AccountRegistry) Create(ctx context.Context, in NewAccount) (core.Account, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return core.Account{}, core.Invalid("name", "must not be empty")
	}
	accountType := strings.TrimSpace(in.AccountType)
	if accountType == "" {
		return core.Account{}, core.Invalid("account_type", "must not be empty")
	}
	currency, err := core.NormalizeCurrency(in.Currency)
	if err != nil {
		return core.Account{}, err
	}

	var opening *core.Transaction
	if !in.OpeningBalance.IsZero() {
		amount, err := core.MoneyFromDecimal(in.OpeningBalance, currency)
		if err != nil {
			var ve *core.ValidationError
			if errors.As(err, &ve) {
				return core.Account{}, core.Invalid("balance", ve.Reason)
			}
			return core.Account{}, err
		}
		opening = &core.Transaction{
			Amount:    amount,
			Category:  core.OpeningBalanceCategory,
			Note:      "opening balance",
			Timestamp: r.engine.now(),
		}
	}

	var (
		created core.Account
		first   *core.Transaction
	)
	err = r.engine.write(func() error {
		var err error
		created, first, err = r.engine.store.CreateAccount(ctx, core.Account{
			Name:        name,
			AccountType: accountType,
			Currency:    currency,
			Note:        strings.TrimSpace(in.Note),
		}, opening)
		if err == nil {
			r.engine.ledgerChanged()
		}
		return err
	})
	if err != nil {
		return core.Account{}, fmt.Errorf("create account: %w", err)
	}

	logger().InfoContext(ctx, "Account created",
		applog.FieldAccountID, created.ID,
		"name", created.Name,
		applog.FieldCurrency, created.Currency)

	r.engine.publish(ctx, EventAccountCreated, created)
	if first != nil {
		r.engine.publish(ctx, EventTransactionPosted, *first)
	}
	return created, nil
}

func (r *AccountRegistry) Get(ctx context.Context, id int64) (core.Account, error) {
	a, err := r.engine.store.GetAccount(ctx, id)
	if err != nil {
		return core.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// List returns all accounts ordered by id.
func (r *AccountRegistry) List(ctx context.Context) ([]core.Account, error) {
	accounts, err := r.engine.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// Update edits the name, type or note of account id. Renaming to the name of
// another account fails with a ConflictError.
func (r *AccountRegistry) Update(ctx context.Context, id int64, in AccountUpdate) (core.Account, error) {
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return core.Account{}, core.Invalid("name", "must not be empty")
	}
	if in.AccountType != nil && strings.TrimSpace(*in.AccountType) == "" {
		return core.Account{}, core.Invalid("account_type", "must not be empty")
	}

	var updated core.Account
	err := r.engine.write(func() error {
		current, err := r.engine.store.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			current.Name = strings.TrimSpace(*in.Name)
		}
		if in.AccountType != nil {
			current.AccountType = strings.TrimSpace(*in.AccountType)
		}
		if in.Note != nil {
			current.Note = strings.TrimSpace(*in.Note)
		}
		updated, err = r.engine.store.UpdateAccount(ctx, current)
		return err
	})
	if err != nil {
		return core.Account{}, fmt.Errorf("update account: %w", err)
	}

	logger().InfoContext(ctx, "Account updated", applog.FieldAccountID, id, "name", updated.Name)
	r.engine.publish(ctx, EventAccountUpdated, updated)
	return updated, nil
}

// Delete removes an account. Accounts referenced by any transaction cannot be
// deleted.
func (r *AccountRegistry) Delete(ctx context.Context, id int64) (core.Account, error) {
	var deleted core.Account
	err := r.engine.write(func() error {
		var err error
		deleted, err = r.engine.store.DeleteAccount(ctx, id)
		if err == nil {
			r.engine.ledgerChanged()
		}
		return err
	})
	if err != nil {
		return core.Account{}, fmt.Errorf("delete account: %w", err)
	}

	logger().InfoContext(ctx, "Account deleted", applog.FieldAccountID, id)
	r.engine.publish(ctx, EventAccountDeleted, deleted)
	return deleted, nil
}
