package storage

import (
	"context"
	"database/sql"
	"strings"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries holds the SQL statements of the ledger schema.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// Row types mirror the tables one to one; conversion to core types happens in
// the repository.

type accountRow struct {
	ID          int64
	Name        string
	AccountType string
	Currency    string
	Balance     int64
	Note        string
	CreatedAt   string
}

type transactionRow struct {
	ID         int64
	AccountID  int64
	Amount     int64
	Currency   string
	Category   string
	Note       string
	OccurredAt string
	CreatedAt  string
	ReversesID sql.NullInt64
	TransferID sql.NullInt64
}

type budgetRow struct {
	ID         int64
	Category   string
	Currency   string
	LimitMinor int64
	Period     string
	StartsOn   sql.NullString
	EndsOn     sql.NullString
	Note       string
	CreatedAt  string
	UpdatedAt  string
}

type scanner interface {
	Scan(dest ...any) error
}

const accountColumns = `id, name, account_type, currency, balance, note, created_at`

func scanAccountRow(s scanner) (accountRow, error) {
	var a accountRow
	err := s.Scan(&a.ID, &a.Name, &a.AccountType, &a.Currency, &a.Balance, &a.Note, &a.CreatedAt)
	return a, err
}

const insertAccount = `INSERT INTO accounts (name, account_type, currency, balance, note, created_at)
VALUES (?, ?, ?, 0, ?, ?)
RETURNING ` + accountColumns

func (q *Queries) InsertAccount(ctx context.Context, a accountRow) (accountRow, error) {
	row := q.db.QueryRowContext(ctx, insertAccount, a.Name, a.AccountType, a.Currency, a.Note, a.CreatedAt)
	return scanAccountRow(row)
}

const getAccount = `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`

func (q *Queries) GetAccount(ctx context.Context, id int64) (accountRow, error) {
	return scanAccountRow(q.db.QueryRowContext(ctx, getAccount, id))
}

const accountNameExists = `SELECT EXISTS (SELECT 1 FROM accounts WHERE name = ?)`

func (q *Queries) AccountNameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx, accountNameExists, name).Scan(&exists)
	return exists, err
}

const listAccounts = `SELECT ` + accountColumns + ` FROM accounts ORDER BY id`

func (q *Queries) ListAccounts(ctx context.Context) ([]accountRow, error) {
	rows, err := q.db.QueryContext(ctx, listAccounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accountRow
	for rows.Next() {
		a, err := scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const accountNameTaken = `SELECT EXISTS (SELECT 1 FROM accounts WHERE name = ? AND id <> ?)`

// AccountNameTaken reports whether another account than id uses name.
func (q *Queries) AccountNameTaken(ctx context.Context, name string, id int64) (bool, error) {
	var taken bool
	err := q.db.QueryRowContext(ctx, accountNameTaken, name, id).Scan(&taken)
	return taken, err
}

const updateAccount = `UPDATE accounts SET name = ?, account_type = ?, note = ?
WHERE id = ?
RETURNING ` + accountColumns

func (q *Queries) UpdateAccount(ctx context.Context, a accountRow) (accountRow, error) {
	return scanAccountRow(q.db.QueryRowContext(ctx, updateAccount, a.Name, a.AccountType, a.Note, a.ID))
}

const setAccountBalance = `UPDATE accounts SET balance = ? WHERE id = ?`

func (q *Queries) SetAccountBalance(ctx context.Context, id, balance int64) error {
	_, err := q.db.ExecContext(ctx, setAccountBalance, balance, id)
	return err
}

const deleteAccount = `DELETE FROM accounts WHERE id = ?`

func (q *Queries) DeleteAccount(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, deleteAccount, id)
	return err
}

const countAccountTransactions = `SELECT COUNT(*) FROM transactions WHERE account_id = ?`

func (q *Queries) CountAccountTransactions(ctx context.Context, accountID int64) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countAccountTransactions, accountID).Scan(&n)
	return n, err
}

const transactionColumns = `t.id, t.account_id, t.amount, a.currency, t.category, t.note, t.occurred_at, t.created_at, t.reverses_id,
COALESCE((SELECT id FROM transfers WHERE debit_id = t.id), (SELECT id FROM transfers WHERE credit_id = t.id))`

func scanTransactionRow(s scanner) (transactionRow, error) {
	var t transactionRow
	err := s.Scan(&t.ID, &t.AccountID, &t.Amount, &t.Currency, &t.Category, &t.Note, &t.OccurredAt, &t.CreatedAt, &t.ReversesID, &t.TransferID)
	return t, err
}

const insertTransaction = `INSERT INTO transactions (account_id, amount, category, note, occurred_at, created_at, reverses_id)
VALUES (?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertTransaction(ctx context.Context, t transactionRow) (int64, error) {
	res, err := q.db.ExecContext(ctx, insertTransaction, t.AccountID, t.Amount, t.Category, t.Note, t.OccurredAt, t.CreatedAt, t.ReversesID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const insertTransfer = `INSERT INTO transfers (debit_id, credit_id, created_at) VALUES (?, ?, ?)`

func (q *Queries) InsertTransfer(ctx context.Context, debitID, creditID int64, createdAt string) (int64, error) {
	res, err := q.db.ExecContext(ctx, insertTransfer, debitID, creditID, createdAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const getTransaction = `SELECT ` + transactionColumns + `
FROM transactions t JOIN accounts a ON a.id = t.account_id
WHERE t.id = ?`

func (q *Queries) GetTransaction(ctx context.Context, id int64) (transactionRow, error) {
	return scanTransactionRow(q.db.QueryRowContext(ctx, getTransaction, id))
}

const getReversal = `SELECT ` + transactionColumns + `
FROM transactions t JOIN accounts a ON a.id = t.account_id
WHERE t.reverses_id = ?`

func (q *Queries) GetReversal(ctx context.Context, originalID int64) (transactionRow, error) {
	return scanTransactionRow(q.db.QueryRowContext(ctx, getReversal, originalID))
}

// ListTransactionsParams narrows ListTransactions. Nil fields do not filter;
// OccurredFrom is inclusive, OccurredBefore exclusive.
type ListTransactionsParams struct {
	AccountID      *int64
	Category       *string
	OccurredFrom   *string
	OccurredBefore *string
}

func (q *Queries) ListTransactions(ctx context.Context, p ListTransactionsParams) (*sql.Rows, error) {
	var (
		where []string
		args  []any
	)
	if p.AccountID != nil {
		where = append(where, "t.account_id = ?")
		args = append(args, *p.AccountID)
	}
	if p.Category != nil {
		where = append(where, "t.category = ?")
		args = append(args, *p.Category)
	}
	if p.OccurredFrom != nil {
		where = append(where, "t.occurred_at >= ?")
		args = append(args, *p.OccurredFrom)
	}
	if p.OccurredBefore != nil {
		where = append(where, "t.occurred_at < ?")
		args = append(args, *p.OccurredBefore)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + transactionColumns + ` FROM transactions t JOIN accounts a ON a.id = t.account_id`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY t.id")
	return q.db.QueryContext(ctx, b.String(), args...)
}

const budgetColumns = `id, category, currency, limit_minor, period, starts_on, ends_on, note, created_at, updated_at`

func scanBudgetRow(s scanner) (budgetRow, error) {
	var b budgetRow
	err := s.Scan(&b.ID, &b.Category, &b.Currency, &b.LimitMinor, &b.Period, &b.StartsOn, &b.EndsOn, &b.Note, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

const insertBudget = `INSERT INTO budgets (category, currency, limit_minor, period, starts_on, ends_on, note, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ` + budgetColumns

func (q *Queries) InsertBudget(ctx context.Context, b budgetRow) (budgetRow, error) {
	row := q.db.QueryRowContext(ctx, insertBudget, b.Category, b.Currency, b.LimitMinor, b.Period, b.StartsOn, b.EndsOn, b.Note, b.CreatedAt, b.UpdatedAt)
	return scanBudgetRow(row)
}

const updateBudget = `UPDATE budgets
SET category = ?, currency = ?, limit_minor = ?, period = ?, starts_on = ?, ends_on = ?, note = ?, updated_at = ?
WHERE id = ?
RETURNING ` + budgetColumns

func (q *Queries) UpdateBudget(ctx context.Context, b budgetRow) (budgetRow, error) {
	row := q.db.QueryRowContext(ctx, updateBudget, b.Category, b.Currency, b.LimitMinor, b.Period, b.StartsOn, b.EndsOn, b.Note, b.UpdatedAt, b.ID)
	return scanBudgetRow(row)
}

const getBudget = `SELECT ` + budgetColumns + ` FROM budgets WHERE id = ?`

func (q *Queries) GetBudget(ctx context.Context, id int64) (budgetRow, error) {
	return scanBudgetRow(q.db.QueryRowContext(ctx, getBudget, id))
}

const listBudgets = `SELECT ` + budgetColumns + ` FROM budgets ORDER BY id`

func (q *Queries) ListBudgets(ctx context.Context) ([]budgetRow, error) {
	rows, err := q.db.QueryContext(ctx, listBudgets)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []budgetRow
	for rows.Next() {
		b, err := scanBudgetRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const deleteBudget = `DELETE FROM budgets WHERE id = ?`

func (q *Queries) DeleteBudget(ctx context.Context, id int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteBudget, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
