package core

import (
	"time"

	"ledger/internal/date"
)

// OpeningBalanceCategory tags the implicit transaction created when an account
// is opened with a non-zero balance.
const OpeningBalanceCategory = "opening-balance"

// PeriodFixed marks a budget bound to one explicit date range instead of a
// recurring calendar period.
const PeriodFixed = "fixed"

// TransferCategory is the default category of both legs of a transfer.
const TransferCategory = "transfer"

type (
	// Account is a named money container. Balance is a cache over the
	// transaction log and only moves when a transaction is appended.
	Account struct {
		ID          int64     `json:"id"`
		Name        string    `json:"name"`
		AccountType string    `json:"account_type"`
		Currency    string    `json:"currency"`
		Balance     Money     `json:"balance"`
		Note        string    `json:"note,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
	}

	// Transaction is an immutable signed event on one account. Positive amounts
	// are income, negative amounts are expenses.
	Transaction struct {
		ID         int64     `json:"id"`
		AccountID  int64     `json:"account_id"`
		Amount     Money     `json:"amount"`
		Currency   string    `json:"currency"`
		Category   string    `json:"category,omitempty"`
		Note       string    `json:"note,omitempty"`
		Timestamp  time.Time `json:"timestamp"`
		CreatedAt  time.Time `json:"created_at"`
		ReversesID *int64    `json:"reverses_id,omitempty"`
		TransferID *int64    `json:"transfer_id,omitempty"`
	}

	// Transfer moves money between two accounts of one currency as a pair of
	// offsetting transactions appended together.
	Transfer struct {
		ID     int64       `json:"id"`
		Debit  Transaction `json:"debit"`
		Credit Transaction `json:"credit"`
	}

	// Budget caps spending of one category (or all categories when Category is
	// empty) in one currency over a recurring or fixed period.
	Budget struct {
		ID        int64      `json:"id"`
		Category  string     `json:"category,omitempty"`
		Currency  string     `json:"currency"`
		Limit     Money      `json:"limit"`
		Period    string     `json:"period"`
		StartsOn  *date.Date `json:"starts_on,omitempty"`
		EndsOn    *date.Date `json:"ends_on,omitempty"`
		Note      string     `json:"note,omitempty"`
		CreatedAt time.Time  `json:"created_at"`
		UpdatedAt time.Time  `json:"updated_at"`
	}

	// BudgetStatus is a budget evaluated against the ledger for one period.
	BudgetStatus struct {
		BudgetID    int64     `json:"budget_id"`
		Category    string    `json:"category,omitempty"`
		Currency    string    `json:"currency"`
		PeriodStart date.Date `json:"period_start"`
		PeriodEnd   date.Date `json:"period_end"`
		Spent       Money     `json:"spent"`
		Limit       Money     `json:"limit"`
		Remaining   Money     `json:"remaining"`
		OverBudget  bool      `json:"over_budget"`
	}

	// TransactionFilter narrows a ledger listing. Nil fields do not filter.
	TransactionFilter struct {
		AccountID *int64
		Category  *string
		Range     *date.Range
	}

	// ChartPoint is one bucket of the income/expense series.
	ChartPoint struct {
		PeriodStart date.Date `json:"period_start"`
		PeriodEnd   date.Date `json:"period_end"`
		Income      Money     `json:"income"`
		Expense     Money     `json:"expense"`
	}

	// ChartSeries is a dense, ascending sequence of buckets in one currency.
	ChartSeries struct {
		Bucket   date.Period  `json:"bucket"`
		Currency string       `json:"currency"`
		Points   []ChartPoint `json:"series"`
	}

	// BalanceDrift reports an account whose cached balance disagrees with the
	// sum of its transactions.
	BalanceDrift struct {
		AccountID int64 `json:"account_id"`
		Cached    Money `json:"cached"`
		Replayed  Money `json:"replayed"`
	}
)

// Matches reports whether t passes the filter.
func (f TransactionFilter) Matches(t Transaction) bool {
	if f.AccountID != nil && t.AccountID != *f.AccountID {
		return false
	}
	if f.Category != nil && t.Category != *f.Category {
		return false
	}
	if f.Range != nil && !f.Range.Contains(date.FromTime(t.Timestamp)) {
		return false
	}
	return true
}

// RangeFor returns the budget period that contains asOf. Fixed budgets always
// evaluate their own range.
func (b Budget) RangeFor(asOf date.Date) date.Range {
	if b.Period == PeriodFixed {
		return date.Range{From: *b.StartsOn, To: *b.EndsOn}
	}
	p, _ := date.ParsePeriod(b.Period)
	return date.NewRange(asOf, p)
}

// Validate checks the budget fields in declaration order.
func (b Budget) Validate() error {
	if b.Currency == "" {
		return Invalid("currency", "must not be empty")
	}
	if b.Limit.Amount < 0 {
		return Invalid("limit", "must not be negative")
	}
	if b.Period == PeriodFixed {
		if b.StartsOn == nil || b.EndsOn == nil {
			return Invalid("period", "fixed budgets need starts_on and ends_on")
		}
		if err := (date.Range{From: *b.StartsOn, To: *b.EndsOn}).Validate(); err != nil {
			return Invalid("period", err.Error())
		}
		return nil
	}
	if _, err := date.ParsePeriod(b.Period); err != nil {
		return Invalid("period", err.Error())
	}
	if b.StartsOn != nil || b.EndsOn != nil {
		return Invalid("period", "starts_on and ends_on are only allowed for fixed budgets")
	}
	return nil
}

// MatchesCategory reports whether a transaction category falls under the budget.
func (b Budget) MatchesCategory(category string) bool {
	return b.Category == "" || b.Category == category
}
