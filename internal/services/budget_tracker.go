package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
	"ledger/internal/date"
	applog "ledger/internal/log"
)

// BudgetInput holds the editable fields of a budget. Period is one of daily,
// weekly, monthly, quarterly, yearly or fixed; fixed budgets need StartsOn and
// EndsOn.
type BudgetInput struct {
	Category string
	Currency string
	Limit    decimal.Decimal
	Period   string
	StartsOn *date.Date
	EndsOn   *date.Date
	Note     string
}

// BudgetTracker manages budgets and evaluates them against the ledger. It
// never writes to the ledger.
type BudgetTracker struct {
	engine *Engine
}

func (in BudgetInput) budget() (core.Budget, error) {
	currency, err := core.NormalizeCurrency(in.Currency)
	if err != nil {
		return core.Budget{}, err
	}
	if in.Limit.IsNegative() {
		return core.Budget{}, core.Invalid("limit", "must not be negative")
	}
	limit, err := core.MoneyFromDecimal(in.Limit, currency)
	if err != nil {
		var ve *core.ValidationError
		if errors.As(err, &ve) {
			return core.Budget{}, core.Invalid("limit", ve.Reason)
		}
		return core.Budget{}, err
	}

	period := strings.ToLower(strings.TrimSpace(in.Period))
	if period != core.PeriodFixed {
		p, err := date.ParsePeriod(period)
		if err != nil {
			return core.Budget{}, core.Invalid("period", err.Error())
		}
		period = p.String()
	}

	b := core.Budget{
		Category: strings.TrimSpace(in.Category),
		Currency: currency,
		Limit:    limit,
		Period:   period,
		StartsOn: in.StartsOn,
		EndsOn:   in.EndsOn,
		Note:     strings.TrimSpace(in.Note),
	}
	return b, b.Validate()
}

func (t *BudgetTracker) Create(ctx context.Context, in BudgetInput) (core.Budget, error) {
	b, err := in.budget()
	if err != nil {
		return core.Budget{}, err
	}
	err = t.engine.write(func() error {
		b, err = t.engine.store.CreateBudget(ctx, b)
		return err
	})
	if err != nil {
		return core.Budget{}, fmt.Errorf("create budget: %w", err)
	}
	logger().InfoContext(ctx, "Budget created", applog.FieldBudgetID, b.ID, applog.FieldCategory, b.Category, "period", b.Period)
	return b, nil
}

// Update replaces every editable field of budget id.
func (t *BudgetTracker) Update(ctx context.Context, id int64, in BudgetInput) (core.Budget, error) {
	b, err := in.budget()
	if err != nil {
		return core.Budget{}, err
	}
	b.ID = id
	err = t.engine.write(func() error {
		b, err = t.engine.store.UpdateBudget(ctx, b)
		return err
	})
	if err != nil {
		return core.Budget{}, fmt.Errorf("update budget: %w", err)
	}
	logger().InfoContext(ctx, "Budget updated", applog.FieldBudgetID, b.ID)
	return b, nil
}

func (t *BudgetTracker) Get(ctx context.Context, id int64) (core.Budget, error) {
	b, err := t.engine.store.GetBudget(ctx, id)
	if err != nil {
		return core.Budget{}, fmt.Errorf("get budget: %w", err)
	}
	return b, nil
}

func (t *BudgetTracker) List(ctx context.Context) ([]core.Budget, error) {
	budgets, err := t.engine.store.ListBudgets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	return budgets, nil
}

func (t *BudgetTracker) Delete(ctx context.Context, id int64) error {
	err := t.engine.write(func() error {
		return t.engine.store.DeleteBudget(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	logger().InfoContext(ctx, "Budget deleted", applog.FieldBudgetID, id)
	return nil
}

// Evaluate sums the expenses that fall under budget id in the period
// containing asOf. Only accounts in the budget currency count and transfer
// legs are not spending. A zero asOf means today.
func (t *BudgetTracker) Evaluate(ctx context.Context, id int64, asOf date.Date) (core.BudgetStatus, error) {
	b, err := t.engine.store.GetBudget(ctx, id)
	if err != nil {
		return core.BudgetStatus{}, fmt.Errorf("evaluate budget: %w", err)
	}
	if asOf.IsZero() {
		asOf = date.FromTime(t.engine.now())
	}

	r := b.RangeFor(asOf)
	filter := core.TransactionFilter{Range: &r}
	if b.Category != "" {
		filter.Category = &b.Category
	}

	spent := core.Money{Currency: b.Currency}
	for tx, err := range t.engine.store.ListTransactions(ctx, filter) {
		if err != nil {
			return core.BudgetStatus{}, fmt.Errorf("evaluate budget: %w", err)
		}
		if tx.TransferID != nil || tx.Currency != b.Currency || !tx.Amount.IsNegative() || !b.MatchesCategory(tx.Category) {
			continue
		}
		if spent, err = spent.Add(tx.Amount.Neg()); err != nil {
			return core.BudgetStatus{}, fmt.Errorf("evaluate budget: %w", err)
		}
	}

	remaining, err := b.Limit.Add(spent.Neg())
	if err != nil {
		return core.BudgetStatus{}, fmt.Errorf("evaluate budget: %w", err)
	}

	return core.BudgetStatus{
		BudgetID:    b.ID,
		Category:    b.Category,
		Currency:    b.Currency,
		PeriodStart: r.From,
		PeriodEnd:   r.To,
		Spent:       spent,
		Limit:       b.Limit,
		Remaining:   remaining,
		OverBudget:  spent.Amount > b.Limit.Amount,
	}, nil
}
