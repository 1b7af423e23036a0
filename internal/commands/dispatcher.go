// Package commands is the closed command interface of the ledger engine. Every
// command has a fixed payload schema; unknown commands, unknown fields and
// missing required fields are rejected with validation errors.
package commands

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
	"ledger/internal/date"
	applog "ledger/internal/log"
	"ledger/internal/services"
)

type handler func(ctx context.Context, payload []byte) (any, error)

// Dispatcher routes named commands to the engine.
type Dispatcher struct {
	engine   *services.Engine
	handlers map[string]handler
}

func NewDispatcher(engine *services.Engine) *Dispatcher {
	d := &Dispatcher{engine: engine}
	d.handlers = map[string]handler{
		"get_accounts":        d.getAccounts,
		"get_account":         d.getAccount,
		"create_account":      d.createAccount,
		"update_account":      d.updateAccount,
		"delete_account":      d.deleteAccount,
		"create_transaction":  d.createTransaction,
		"get_transaction":     d.getTransaction,
		"get_transactions":    d.getTransactions,
		"reverse_transaction": d.reverseTransaction,
		"create_transfer":     d.createTransfer,
		"create_budget":       d.createBudget,
		"update_budget":       d.updateBudget,
		"get_budgets":         d.getBudgets,
		"delete_budget":       d.deleteBudget,
		"get_budget_status":   d.getBudgetStatus,
		"get_chart_series":    d.getChartSeries,
		"verify_ledger":       d.verifyLedger,
	}
	return d
}

// Commands lists the supported command names in lexical order.
func (d *Dispatcher) Commands() []string {
	return slices.Sorted(maps.Keys(d.handlers))
}

// Dispatch runs command name with a JSON payload and returns a value ready to
// be encoded as JSON.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload []byte) (any, error) {
	h, ok := d.handlers[name]
	if !ok {
		return nil, core.Invalid("command", fmt.Sprintf("unknown command %q", name))
	}

	logger := applog.For(applog.ComponentCommands).With(applog.FieldOperation, applog.OpDispatch, applog.FieldCommand, name)
	start := time.Now()
	result, err := h(ctx, payload)
	if err != nil {
		logger.WarnContext(ctx, "Command failed",
			applog.FieldErrorKind, core.Kind(err),
			applog.FieldError, err,
			applog.FieldDuration, time.Since(start).Milliseconds())
		return nil, err
	}
	logger.DebugContext(ctx, "Command completed", applog.FieldDuration, time.Since(start).Milliseconds())
	return result, nil
}

// Handle runs an enveloped request.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (any, error) {
	if req.Version != 0 && req.Version != SchemaVersion {
		return nil, core.Invalid("version", fmt.Sprintf("unsupported schema version %d, want %d", req.Version, SchemaVersion))
	}
	return d.Dispatch(ctx, strings.TrimSpace(req.Command), req.Payload)
}

func (d *Dispatcher) getAccounts(ctx context.Context, payload []byte) (any, error) {
	if err := decode(payload, &struct{}{}); err != nil {
		return nil, err
	}
	return d.engine.Accounts.List(ctx)
}

func (d *Dispatcher) getAccount(ctx context.Context, payload []byte) (any, error) {
	var p idPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	id, err := requireID("id", p.ID)
	if err != nil {
		return nil, err
	}
	return d.engine.Accounts.Get(ctx, id)
}

func (d *Dispatcher) createAccount(ctx context.Context, payload []byte) (any, error) {
	var p createAccountPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	in := services.NewAccount{
		Name:        optional(p.Name),
		AccountType: optional(p.AccountType),
		Currency:    optional(p.Currency),
		Note:        optional(p.Note),
	}
	if p.Balance != nil {
		in.OpeningBalance = p.Balance.Decimal
	}
	return d.engine.Accounts.Create(ctx, in)
}

func (d *Dispatcher) updateAccount(ctx context.Context, payload []byte) (any, error) {
	var p updateAccountPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	id, err := requireID("id", p.ID)
	if err != nil {
		return nil, err
	}
	if p.Currency != nil {
		return nil, core.Invalid("currency", "cannot be changed")
	}
	if p.Balance != nil {
		return nil, core.Invalid("balance", "only moves through transactions")
	}
	return d.engine.Accounts.Update(ctx, id, services.AccountUpdate{
		Name:        p.Name,
		AccountType: p.AccountType,
		Note:        p.Note,
	})
}

func (d *Dispatcher) deleteAccount(ctx context.Context, payload []byte) (any, error) {
	var p idPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	id, err := requireID("id", p.ID)
	if err != nil {
		return nil, err
	}
	return d.engine.Accounts.Delete(ctx, id)
}

func (d *Dispatcher) createTransaction(ctx context.Context, payload []byte) (any, error) {
	var p createTransactionPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	accountID, err := requireID("account_id", p.AccountID)
	if err != nil {
		return nil, err
	}
	if p.Amount == nil {
		return nil, core.Invalid("amount", "is required")
	}
	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return nil, err
	}
	return d.engine.Ledger.Post(ctx, services.NewTransaction{
		AccountID: accountID,
		Amount:    p.Amount.Decimal,
		Category:  optional(p.Category),
		Note:      optional(p.Note),
		Timestamp: ts,
	})
}

func (d *Dispatcher) getTransaction(ctx context.Context, payload []byte) (any, error) {
	var p idPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	id, err := requireID("id", p.ID)
	if err != nil {
		return nil, err
	}
	return d.engine.Ledger.Get(ctx, id)
}

func (d *Dispatcher) getTransactions(ctx context.Context, payload []byte) (any, error) {
	var p getTransactionsPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	f := core.TransactionFilter{AccountID: p.AccountID, Category: p.Category}
	if p.DateRange != nil {
		r, err := p.DateRange.parse("date_range")
		if err != nil {
			return nil, err
		}
		f.Range = &r
	}
	return d.engine.Ledger.Collect(ctx, f)
}

func (d *Dispatcher) reverseTransaction(ctx context.Context, payload []byte) (any, error) {
	var p reverseTransactionPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	id, err := requireID("id", p.ID)
	if err != nil {
		return nil, err
	}
	return d.engine.Ledger.Reverse(ctx, id, p.Idempotent)
}

func (d *Dispatcher) createTransfer(ctx context.Context, payload []byte) (any, error) {
	var p createTransferPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	from, err := requireID("from_account_id", p.FromAccountID)
	if err != nil {
		return nil, err
	}
	to, err := requireID("to_account_id", p.ToAccountID)
	if err != nil {
		return nil, err
	}
	if p.Amount == nil {
		return nil, core.Invalid("amount", "is required")
	}
	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return nil, err
	}
	return d.engine.Ledger.Transfer(ctx, services.NewTransfer{
		FromAccountID: from,
		ToAccountID:   to,
		Amount:        p.Amount.Decimal,
		Category:      optional(p.Category),
		Note:          optional(p.Note),
		Timestamp:     ts,
	})
}

func (p budgetPayload) input() (services.BudgetInput, error) {
	if p.Currency == nil {
		return services.BudgetInput{}, core.Invalid("currency", "is required")
	}
	if p.Limit == nil {
		return services.BudgetInput{}, core.Invalid("limit", "is required")
	}
	if p.Period == nil {
		return services.BudgetInput{}, core.Invalid("period", "is required")
	}
	startsOn, err := parseDate("starts_on", p.StartsOn)
	if err != nil {
		return services.BudgetInput{}, err
	}
	endsOn, err := parseDate("ends_on", p.EndsOn)
	if err != nil {
		return services.BudgetInput{}, err
	}
	return services.BudgetInput{
		Category: optional(p.Category),
		Currency: *p.Currency,
		Limit:    p.Limit.Decimal,
		Period:   *p.Period,
		StartsOn: startsOn,
		EndsOn:   endsOn,
		Note:     optional(p.Note),
	}, nil
}

func (d *Dispatcher) createBudget(ctx context.Context, payload []byte) (any, error) {
	var p budgetPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.ID != nil {
		return nil, core.Invalid("id", "is assigned by the ledger")
	}
	in, err := p.input()
	if err != nil {
		return nil, err
	}
	return d.engine.Budgets.Create(ctx, in)
}

func (d *Dispatcher) updateBudget(ctx context.Context, payload []byte) (any, error) {
	var p budgetPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	id, err := requireID("id", p.ID)
	if err != nil {
		return nil, err
	}
	in, err := p.input()
	if err != nil {
		return nil, err
	}
	return d.engine.Budgets.Update(ctx, id, in)
}

func (d *Dispatcher) getBudgets(ctx context.Context, payload []byte) (any, error) {
	if err := decode(payload, &struct{}{}); err != nil {
		return nil, err
	}
	return d.engine.Budgets.List(ctx)
}

func (d *Dispatcher) deleteBudget(ctx context.Context, payload []byte) (any, error) {
	var p idPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	id, err := requireID("id", p.ID)
	if err != nil {
		return nil, err
	}
	if err := d.engine.Budgets.Delete(ctx, id); err != nil {
		return nil, err
	}
	return map[string]int64{"deleted": id}, nil
}

func (d *Dispatcher) getBudgetStatus(ctx context.Context, payload []byte) (any, error) {
	var p budgetStatusPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	id, err := requireID("budget_id", p.BudgetID)
	if err != nil {
		return nil, err
	}
	asOf, err := parseDate("as_of", p.AsOf)
	if err != nil {
		return nil, err
	}
	var day date.Date
	if asOf != nil {
		day = *asOf
	}
	return d.engine.Budgets.Evaluate(ctx, id, day)
}

func (d *Dispatcher) getChartSeries(ctx context.Context, payload []byte) (any, error) {
	var p chartSeriesPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Bucket == nil {
		return nil, core.Invalid("bucket", "is required")
	}
	bucket, err := date.ParsePeriod(*p.Bucket)
	if err != nil {
		return nil, core.Invalid("bucket", err.Error())
	}
	if p.DateRange == nil {
		return nil, core.Invalid("date_range", "is required")
	}
	r, err := p.DateRange.parse("date_range")
	if err != nil {
		return nil, err
	}

	q := services.ChartQuery{
		Bucket:    bucket,
		Range:     r,
		Currency:  optional(p.Currency),
		AccountID: p.AccountID,
	}
	if len(p.Rates) > 0 {
		q.Rates = make(map[string]decimal.Decimal, len(p.Rates))
		for code, rate := range p.Rates {
			q.Rates[code] = rate.Decimal
		}
	}
	return d.engine.Charts.Series(ctx, q)
}

// LedgerReport is the result of verify_ledger.
type LedgerReport struct {
	OK       bool                `json:"ok"`
	Repaired bool                `json:"repaired"`
	Drifts   []core.BalanceDrift `json:"drifts"`
}

func (d *Dispatcher) verifyLedger(ctx context.Context, payload []byte) (any, error) {
	var p verifyLedgerPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}

	var (
		drifts []core.BalanceDrift
		err    error
	)
	if p.Repair {
		drifts, err = d.engine.Rebuild(ctx)
	} else {
		drifts, err = d.engine.Verify(ctx)
	}
	if err != nil {
		return nil, err
	}
	if drifts == nil {
		drifts = []core.BalanceDrift{}
	}
	return LedgerReport{
		OK:       len(drifts) == 0,
		Repaired: p.Repair && len(drifts) > 0,
		Drifts:   drifts,
	}, nil
}
