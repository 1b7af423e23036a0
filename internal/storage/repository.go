package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"ledger/internal/core"
	"ledger/internal/date"
	applog "ledger/internal/log"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	now     func() time.Time
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dbPath + pragmas
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return &core.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// withTx runs fn in one SQL transaction. Errors returned by fn roll back and are
// passed through untouched; begin and commit failures become StorageErrors.
func (r *SQLiteRepository) withTx(ctx context.Context, op string, fn func(q *Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.StorageError{Op: op + ": begin", Err: err}
	}
	if err := fn(r.queries.WithTx(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			applog.For(applog.ComponentStorage).ErrorContext(ctx, "Rollback failed", applog.FieldOperation, op, applog.FieldError, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return &core.StorageError{Op: op + ": commit", Err: err}
	}
	return nil
}

// CreateAccount persists a new account with a zero balance. When opening is
// not nil it is appended as the account's first transaction in the same SQL
// transaction, so the account never exists without its opening balance.
func (r *SQLiteRepository) CreateAccount(ctx context.Context, a core.Account, opening *core.Transaction) (core.Account, *core.Transaction, error) {
	var (
		created core.Account
		first   *core.Transaction
	)
	err := r.withTx(ctx, "create account", func(q *Queries) error {
		exists, err := q.AccountNameExists(ctx, a.Name)
		if err != nil {
			return &core.StorageError{Op: "check account name", Err: err}
		}
		if exists {
			return &core.ConflictError{Field: "name", Reason: fmt.Sprintf("account %q already exists", a.Name)}
		}

		row, err := q.InsertAccount(ctx, accountRow{
			Name:        a.Name,
			AccountType: a.AccountType,
			Currency:    a.Currency,
			Note:        a.Note,
			CreatedAt:   formatTime(r.now()),
		})
		if err != nil {
			return &core.StorageError{Op: "insert account", Err: err}
		}
		created, err = accountFromRow(row)
		if err != nil {
			return err
		}

		if opening != nil {
			t := *opening
			t.AccountID = created.ID
			posted, balance, err := r.appendTx(ctx, q, t)
			if err != nil {
				return err
			}
			created.Balance = balance
			first = &posted
		}
		return nil
	})
	if err != nil {
		return core.Account{}, nil, err
	}

	applog.For(applog.ComponentStorage).InfoContext(ctx, "Account saved to SQLite",
		applog.FieldAccountID, created.ID,
		"name", created.Name,
		applog.FieldCurrency, created.Currency,
		"opening_balance", first != nil)

	return created, first, nil
}

func (r *SQLiteRepository) GetAccount(ctx context.Context, id int64) (core.Account, error) {
	row, err := r.queries.GetAccount(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Account{}, &core.NotFoundError{Kind: "account", ID: id}
	}
	if err != nil {
		return core.Account{}, &core.StorageError{Op: "get account", Err: err}
	}
	return accountFromRow(row)
}

// ListAccounts returns every account ordered by id.
func (r *SQLiteRepository) ListAccounts(ctx context.Context) ([]core.Account, error) {
	rows, err := r.queries.ListAccounts(ctx)
	if err != nil {
		return nil, &core.StorageError{Op: "list accounts", Err: err}
	}
	accounts := make([]core.Account, 0, len(rows))
	for _, row := range rows {
		a, err := accountFromRow(row)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// UpdateAccount rewrites the name, type and note of an account. Currency and
// balance are never touched.
func (r *SQLiteRepository) UpdateAccount(ctx context.Context, a core.Account) (core.Account, error) {
	var updated core.Account
	err := r.withTx(ctx, "update account", func(q *Queries) error {
		if _, err := q.GetAccount(ctx, a.ID); errors.Is(err, sql.ErrNoRows) {
			return &core.NotFoundError{Kind: "account", ID: a.ID}
		} else if err != nil {
			return &core.StorageError{Op: "get account", Err: err}
		}
		taken, err := q.AccountNameTaken(ctx, a.Name, a.ID)
		if err != nil {
			return &core.StorageError{Op: "check account name", Err: err}
		}
		if taken {
			return &core.ConflictError{Field: "name", Reason: fmt.Sprintf("account %q already exists", a.Name)}
		}
		row, err := q.UpdateAccount(ctx, accountRow{ID: a.ID, Name: a.Name, AccountType: a.AccountType, Note: a.Note})
		if err != nil {
			return &core.StorageError{Op: "update account", Err: err}
		}
		updated, err = accountFromRow(row)
		return err
	})
	if err != nil {
		return core.Account{}, err
	}
	applog.For(applog.ComponentStorage).InfoContext(ctx, "Account updated in SQLite", applog.FieldAccountID, updated.ID)
	return updated, nil
}

// DeleteAccount removes an account that no transaction references.
func (r *SQLiteRepository) DeleteAccount(ctx context.Context, id int64) (core.Account, error) {
	var deleted core.Account
	err := r.withTx(ctx, "delete account", func(q *Queries) error {
		row, err := q.GetAccount(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return &core.NotFoundError{Kind: "account", ID: id}
		}
		if err != nil {
			return &core.StorageError{Op: "get account", Err: err}
		}
		n, err := q.CountAccountTransactions(ctx, id)
		if err != nil {
			return &core.StorageError{Op: "count account transactions", Err: err}
		}
		if n > 0 {
			return &core.ConflictError{Field: "account_id", Reason: fmt.Sprintf("account %d has %d transactions", id, n)}
		}
		if err := q.DeleteAccount(ctx, id); err != nil {
			return &core.StorageError{Op: "delete account", Err: err}
		}
		deleted, err = accountFromRow(row)
		return err
	})
	if err != nil {
		return core.Account{}, err
	}
	applog.For(applog.ComponentStorage).InfoContext(ctx, "Account deleted from SQLite", applog.FieldAccountID, id)
	return deleted, nil
}

// AppendTransaction inserts t and moves the owning account's balance by
// t.Amount in one SQL transaction.
func (r *SQLiteRepository) AppendTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	var posted core.Transaction
	err := r.withTx(ctx, "append transaction", func(q *Queries) error {
		var err error
		posted, _, err = r.appendTx(ctx, q, t)
		return err
	})
	if err != nil {
		return core.Transaction{}, err
	}

	applog.For(applog.ComponentStorage).InfoContext(ctx, "Transaction saved to SQLite",
		applog.FieldTransactionID, posted.ID,
		applog.FieldAccountID, posted.AccountID,
		applog.FieldAmount, posted.Amount.Amount,
		applog.FieldCurrency, posted.Currency)

	return posted, nil
}

// AppendTransfer appends the debit and credit legs of a transfer and links
// them, all in one SQL transaction. Either both legs and both balance updates
// are committed or nothing is.
func (r *SQLiteRepository) AppendTransfer(ctx context.Context, debit, credit core.Transaction) (core.Transfer, error) {
	if debit.Amount.Currency != credit.Amount.Currency {
		return core.Transfer{}, &core.CurrencyMismatchError{Want: debit.Amount.Currency, Got: credit.Amount.Currency}
	}
	if debit.Amount.Amount != -credit.Amount.Amount || !debit.Amount.IsNegative() {
		return core.Transfer{}, core.Invalid("amount", "transfer legs must offset each other")
	}
	if debit.AccountID == credit.AccountID {
		return core.Transfer{}, core.Invalid("to_account_id", "must differ from from_account_id")
	}

	var transfer core.Transfer
	err := r.withTx(ctx, "append transfer", func(q *Queries) error {
		var err error
		if transfer.Debit, _, err = r.appendTx(ctx, q, debit); err != nil {
			return err
		}
		if transfer.Credit, _, err = r.appendTx(ctx, q, credit); err != nil {
			return err
		}
		transfer.ID, err = q.InsertTransfer(ctx, transfer.Debit.ID, transfer.Credit.ID, formatTime(r.now()))
		if err != nil {
			return &core.StorageError{Op: "insert transfer", Err: err}
		}
		transfer.Debit.TransferID = &transfer.ID
		transfer.Credit.TransferID = &transfer.ID
		return nil
	})
	if err != nil {
		return core.Transfer{}, err
	}

	applog.For(applog.ComponentStorage).InfoContext(ctx, "Transfer saved to SQLite",
		applog.FieldTransferID, transfer.ID,
		applog.FieldTransactionID, transfer.Debit.ID,
		applog.FieldAmount, transfer.Credit.Amount.Amount)
	return transfer, nil
}

func (r *SQLiteRepository) appendTx(ctx context.Context, q *Queries, t core.Transaction) (core.Transaction, core.Money, error) {
	row, err := q.GetAccount(ctx, t.AccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, core.Money{}, &core.NotFoundError{Kind: "account", ID: t.AccountID}
	}
	if err != nil {
		return core.Transaction{}, core.Money{}, &core.StorageError{Op: "get account", Err: err}
	}
	if t.Amount.Currency != row.Currency {
		return core.Transaction{}, core.Money{}, &core.CurrencyMismatchError{Want: row.Currency, Got: t.Amount.Currency}
	}

	var reverses sql.NullInt64
	if t.ReversesID != nil {
		if _, err := q.GetReversal(ctx, *t.ReversesID); err == nil {
			return core.Transaction{}, core.Money{}, &core.ConflictError{Field: "id", Reason: fmt.Sprintf("transaction %d is already reversed", *t.ReversesID)}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return core.Transaction{}, core.Money{}, &core.StorageError{Op: "get reversal", Err: err}
		}
		reverses = sql.NullInt64{Int64: *t.ReversesID, Valid: true}
	}

	balance, err := core.Money{Amount: row.Balance, Currency: row.Currency}.Add(t.Amount)
	if err != nil {
		return core.Transaction{}, core.Money{}, err
	}

	t.CreatedAt = r.now()
	id, err := q.InsertTransaction(ctx, transactionRow{
		AccountID:  t.AccountID,
		Amount:     t.Amount.Amount,
		Category:   t.Category,
		Note:       t.Note,
		OccurredAt: formatTime(t.Timestamp),
		CreatedAt:  formatTime(t.CreatedAt),
		ReversesID: reverses,
	})
	if err != nil {
		return core.Transaction{}, core.Money{}, &core.StorageError{Op: "insert transaction", Err: err}
	}
	if err := q.SetAccountBalance(ctx, t.AccountID, balance.Amount); err != nil {
		return core.Transaction{}, core.Money{}, &core.StorageError{Op: "update balance", Err: err}
	}

	t.ID = id
	t.Currency = row.Currency
	t.Timestamp = t.Timestamp.UTC()
	return t, balance, nil
}

func (r *SQLiteRepository) GetTransaction(ctx context.Context, id int64) (core.Transaction, error) {
	row, err := r.queries.GetTransaction(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, &core.NotFoundError{Kind: "transaction", ID: id}
	}
	if err != nil {
		return core.Transaction{}, &core.StorageError{Op: "get transaction", Err: err}
	}
	return transactionFromRow(row)
}

// ReversalOf returns the transaction that reverses id, if any.
func (r *SQLiteRepository) ReversalOf(ctx context.Context, id int64) (core.Transaction, bool, error) {
	row, err := r.queries.GetReversal(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, false, nil
	}
	if err != nil {
		return core.Transaction{}, false, &core.StorageError{Op: "get reversal", Err: err}
	}
	t, err := transactionFromRow(row)
	return t, err == nil, err
}

// ListTransactions returns a lazy sequence of matching transactions in
// ascending id order. Each iteration runs its own query inside one read
// transaction, so the sequence can be ranged over again and every pass sees a
// consistent snapshot.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, f core.TransactionFilter) iter.Seq2[core.Transaction, error] {
	params := ListTransactionsParams{AccountID: f.AccountID, Category: f.Category}
	if f.Range != nil {
		from := formatTime(f.Range.From.Time())
		before := formatTime(f.Range.To.Add(1).Time())
		params.OccurredFrom, params.OccurredBefore = &from, &before
	}

	return func(yield func(core.Transaction, error) bool) {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			yield(core.Transaction{}, &core.StorageError{Op: "list transactions: begin", Err: err})
			return
		}
		defer tx.Rollback()

		rows, err := r.queries.WithTx(tx).ListTransactions(ctx, params)
		if err != nil {
			yield(core.Transaction{}, &core.StorageError{Op: "list transactions", Err: err})
			return
		}
		defer rows.Close()

		for rows.Next() {
			row, err := scanTransactionRow(rows)
			if err != nil {
				yield(core.Transaction{}, &core.StorageError{Op: "scan transaction", Err: err})
				return
			}
			t, err := transactionFromRow(row)
			if err != nil {
				yield(core.Transaction{}, err)
				return
			}
			if !yield(t, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(core.Transaction{}, &core.StorageError{Op: "list transactions", Err: err})
		}
	}
}

// RebuildBalances replays the whole log in id order and rewrites every cached
// balance. It returns the accounts whose cache was wrong before the rebuild.
func (r *SQLiteRepository) RebuildBalances(ctx context.Context) ([]core.BalanceDrift, error) {
	var drifts []core.BalanceDrift
	err := r.withTx(ctx, "rebuild balances", func(q *Queries) error {
		var err error
		drifts, err = replay(ctx, q)
		if err != nil {
			return err
		}
		for _, d := range drifts {
			if err := q.SetAccountBalance(ctx, d.AccountID, d.Replayed.Amount); err != nil {
				return &core.StorageError{Op: "update balance", Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(drifts) > 0 {
		applog.For(applog.ComponentStorage).WarnContext(ctx, "Rebuilt drifted balances from transaction log", "accounts", len(drifts))
	}
	return drifts, nil
}

// VerifyBalances compares cached balances with a replay of the log without
// changing anything.
func (r *SQLiteRepository) VerifyBalances(ctx context.Context) ([]core.BalanceDrift, error) {
	var drifts []core.BalanceDrift
	err := r.withTx(ctx, "verify balances", func(q *Queries) error {
		var err error
		drifts, err = replay(ctx, q)
		return err
	})
	return drifts, err
}

func replay(ctx context.Context, q *Queries) ([]core.BalanceDrift, error) {
	accounts, err := q.ListAccounts(ctx)
	if err != nil {
		return nil, &core.StorageError{Op: "list accounts", Err: err}
	}
	sums := make(map[int64]core.Money, len(accounts))
	for _, a := range accounts {
		sums[a.ID] = core.Money{Currency: a.Currency}
	}

	rows, err := q.ListTransactions(ctx, ListTransactionsParams{})
	if err != nil {
		return nil, &core.StorageError{Op: "list transactions", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTransactionRow(rows)
		if err != nil {
			return nil, &core.StorageError{Op: "scan transaction", Err: err}
		}
		sum, err := sums[t.AccountID].Add(core.Money{Amount: t.Amount, Currency: t.Currency})
		if err != nil {
			return nil, fmt.Errorf("replay transaction %d: %w", t.ID, err)
		}
		sums[t.AccountID] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, &core.StorageError{Op: "list transactions", Err: err}
	}

	var drifts []core.BalanceDrift
	for _, a := range accounts {
		if sums[a.ID].Amount != a.Balance {
			drifts = append(drifts, core.BalanceDrift{
				AccountID: a.ID,
				Cached:    core.Money{Amount: a.Balance, Currency: a.Currency},
				Replayed:  sums[a.ID],
			})
		}
	}
	return drifts, nil
}

func (r *SQLiteRepository) CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	now := formatTime(r.now())
	row := budgetToRow(b)
	row.CreatedAt, row.UpdatedAt = now, now

	created, err := r.queries.InsertBudget(ctx, row)
	if err != nil {
		return core.Budget{}, &core.StorageError{Op: "insert budget", Err: err}
	}
	applog.For(applog.ComponentStorage).InfoContext(ctx, "Budget saved to SQLite", applog.FieldBudgetID, created.ID, applog.FieldCategory, created.Category, "period", created.Period)
	return budgetFromRow(created)
}

func (r *SQLiteRepository) UpdateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	row := budgetToRow(b)
	row.UpdatedAt = formatTime(r.now())

	updated, err := r.queries.UpdateBudget(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Budget{}, &core.NotFoundError{Kind: "budget", ID: b.ID}
	}
	if err != nil {
		return core.Budget{}, &core.StorageError{Op: "update budget", Err: err}
	}
	return budgetFromRow(updated)
}

func (r *SQLiteRepository) GetBudget(ctx context.Context, id int64) (core.Budget, error) {
	row, err := r.queries.GetBudget(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Budget{}, &core.NotFoundError{Kind: "budget", ID: id}
	}
	if err != nil {
		return core.Budget{}, &core.StorageError{Op: "get budget", Err: err}
	}
	return budgetFromRow(row)
}

func (r *SQLiteRepository) ListBudgets(ctx context.Context) ([]core.Budget, error) {
	rows, err := r.queries.ListBudgets(ctx)
	if err != nil {
		return nil, &core.StorageError{Op: "list budgets", Err: err}
	}
	budgets := make([]core.Budget, 0, len(rows))
	for _, row := range rows {
		b, err := budgetFromRow(row)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, b)
	}
	return budgets, nil
}

func (r *SQLiteRepository) DeleteBudget(ctx context.Context, id int64) error {
	n, err := r.queries.DeleteBudget(ctx, id)
	if err != nil {
		return &core.StorageError{Op: "delete budget", Err: err}
	}
	if n == 0 {
		return &core.NotFoundError{Kind: "budget", ID: id}
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, &core.StorageError{Op: "parse timestamp", Err: err}
	}
	return t, nil
}

func accountFromRow(row accountRow) (core.Account, error) {
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return core.Account{}, err
	}
	return core.Account{
		ID:          row.ID,
		Name:        row.Name,
		AccountType: row.AccountType,
		Currency:    row.Currency,
		Balance:     core.Money{Amount: row.Balance, Currency: row.Currency},
		Note:        row.Note,
		CreatedAt:   created,
	}, nil
}

func transactionFromRow(row transactionRow) (core.Transaction, error) {
	occurred, err := parseTime(row.OccurredAt)
	if err != nil {
		return core.Transaction{}, err
	}
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return core.Transaction{}, err
	}
	t := core.Transaction{
		ID:        row.ID,
		AccountID: row.AccountID,
		Amount:    core.Money{Amount: row.Amount, Currency: row.Currency},
		Currency:  row.Currency,
		Category:  row.Category,
		Note:      row.Note,
		Timestamp: occurred,
		CreatedAt: created,
	}
	if row.ReversesID.Valid {
		id := row.ReversesID.Int64
		t.ReversesID = &id
	}
	if row.TransferID.Valid {
		id := row.TransferID.Int64
		t.TransferID = &id
	}
	return t, nil
}

func budgetToRow(b core.Budget) budgetRow {
	row := budgetRow{
		ID:         b.ID,
		Category:   b.Category,
		Currency:   b.Currency,
		LimitMinor: b.Limit.Amount,
		Period:     b.Period,
		Note:       b.Note,
	}
	if b.StartsOn != nil {
		row.StartsOn = sql.NullString{String: b.StartsOn.String(), Valid: true}
	}
	if b.EndsOn != nil {
		row.EndsOn = sql.NullString{String: b.EndsOn.String(), Valid: true}
	}
	return row
}

func budgetFromRow(row budgetRow) (core.Budget, error) {
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return core.Budget{}, err
	}
	updated, err := parseTime(row.UpdatedAt)
	if err != nil {
		return core.Budget{}, err
	}
	b := core.Budget{
		ID:        row.ID,
		Category:  row.Category,
		Currency:  row.Currency,
		Limit:     core.Money{Amount: row.LimitMinor, Currency: row.Currency},
		Period:    row.Period,
		Note:      row.Note,
		CreatedAt: created,
		UpdatedAt: updated,
	}
	for _, f := range []struct {
		src sql.NullString
		dst **date.Date
	}{{row.StartsOn, &b.StartsOn}, {row.EndsOn, &b.EndsOn}} {
		if !f.src.Valid {
			continue
		}
		d, err := date.Parse(f.src.String)
		if err != nil {
			return core.Budget{}, &core.StorageError{Op: "parse budget date", Err: err}
		}
		*f.dst = &d
	}
	return b, nil
}
