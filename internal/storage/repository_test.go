package storage

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"ledger/internal/core"
	"ledger/internal/date"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "data", "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func mustAccount(t *testing.T, repo *SQLiteRepository, name, currency string) core.Account {
	t.Helper()
	a, _, err := repo.CreateAccount(context.Background(), core.Account{Name: name, AccountType: "checking", Currency: currency}, nil)
	if err != nil {
		t.Fatalf("CreateAccount(%q) error = %v", name, err)
	}
	return a
}

func mustPost(t *testing.T, repo *SQLiteRepository, accountID, amount int64, currency, category string, at time.Time) core.Transaction {
	t.Helper()
	tx, err := repo.AppendTransaction(context.Background(), core.Transaction{
		AccountID: accountID,
		Amount:    core.Money{Amount: amount, Currency: currency},
		Category:  category,
		Timestamp: at,
	})
	if err != nil {
		t.Fatalf("AppendTransaction() error = %v", err)
	}
	return tx
}

func collect(t *testing.T, repo *SQLiteRepository, f core.TransactionFilter) []core.Transaction {
	t.Helper()
	var out []core.Transaction
	for tx, err := range repo.ListTransactions(context.Background(), f) {
		if err != nil {
			t.Fatalf("ListTransactions() error = %v", err)
		}
		out = append(out, tx)
	}
	return out
}

func TestCreateAccount(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := mustAccount(t, repo, "Checking", "EUR")
	if a.ID != 1 || a.Balance.Amount != 0 || a.Currency != "EUR" {
		t.Errorf("unexpected account %+v", a)
	}
	if a.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	_, _, err := repo.CreateAccount(ctx, core.Account{Name: "Checking", AccountType: "savings", Currency: "USD"}, nil)
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("duplicate name error = %v, want conflict", err)
	}

	accounts, err := repo.ListAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 {
		t.Errorf("len(accounts) = %d, want 1", len(accounts))
	}
}

func TestCreateAccountWithOpeningBalance(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	opening := &core.Transaction{
		Amount:    core.Money{Amount: 10000, Currency: "EUR"},
		Category:  core.OpeningBalanceCategory,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	a, first, err := repo.CreateAccount(ctx, core.Account{Name: "Wallet", AccountType: "cash", Currency: "EUR"}, opening)
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || first.AccountID != a.ID {
		t.Fatalf("opening transaction = %+v", first)
	}
	if a.Balance.Amount != 10000 {
		t.Errorf("balance = %d, want 10000", a.Balance.Amount)
	}

	got, err := repo.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance.Amount != 10000 {
		t.Errorf("stored balance = %d, want 10000", got.Balance.Amount)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetAccount(context.Background(), 42)
	var nf *core.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "account" || nf.ID != 42 {
		t.Fatalf("GetAccount() error = %v, want account 42 not found", err)
	}
}

func TestAppendTransaction(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	a := mustAccount(t, repo, "Checking", "EUR")
	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		tx      core.Transaction
		wantErr error
	}{
		{
			name:    "unknown account",
			tx:      core.Transaction{AccountID: 99, Amount: core.Money{Amount: 1, Currency: "EUR"}, Timestamp: at},
			wantErr: core.ErrNotFound,
		},
		{
			name:    "currency mismatch",
			tx:      core.Transaction{AccountID: a.ID, Amount: core.Money{Amount: 1, Currency: "USD"}, Timestamp: at},
			wantErr: core.ErrCurrencyMismatch,
		},
		{
			name: "income",
			tx:   core.Transaction{AccountID: a.ID, Amount: core.Money{Amount: 2500, Currency: "EUR"}, Category: "salary", Timestamp: at},
		},
		{
			name: "expense",
			tx:   core.Transaction{AccountID: a.ID, Amount: core.Money{Amount: -700, Currency: "EUR"}, Category: "food", Timestamp: at},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.AppendTransaction(ctx, tt.tx)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	got, err := repo.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance.Amount != 1800 {
		t.Errorf("balance = %d, want 1800", got.Balance.Amount)
	}
}

func TestAppendTransactionOverflow(t *testing.T) {
	repo := newTestRepo(t)
	a := mustAccount(t, repo, "Big", "EUR")
	mustPost(t, repo, a.ID, 1<<62, "EUR", "", time.Now())
	mustPost(t, repo, a.ID, 1<<62-1, "EUR", "", time.Now())

	_, err := repo.AppendTransaction(context.Background(), core.Transaction{
		AccountID: a.ID,
		Amount:    core.Money{Amount: 1 << 62, Currency: "EUR"},
		Timestamp: time.Now(),
	})
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("error = %v, want validation", err)
	}

	txs := collect(t, repo, core.TransactionFilter{})
	if len(txs) != 2 {
		t.Errorf("rejected transaction was stored: %d transactions", len(txs))
	}
}

func TestUpdateAccount(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	a := mustAccount(t, repo, "Checking", "EUR")
	mustAccount(t, repo, "Savings", "EUR")
	mustPost(t, repo, a.ID, 500, "EUR", "", time.Now())

	got, err := repo.UpdateAccount(ctx, core.Account{ID: a.ID, Name: "Main", AccountType: "debit", Note: "salary", Currency: "USD"})
	if err != nil {
		t.Fatalf("UpdateAccount() error = %v", err)
	}
	if got.Name != "Main" || got.AccountType != "debit" || got.Note != "salary" {
		t.Errorf("updated account = %+v", got)
	}
	if got.Currency != "EUR" || got.Balance.Amount != 500 {
		t.Errorf("currency/balance changed: %s %d", got.Currency, got.Balance.Amount)
	}

	// Keeping its own name is not a conflict.
	if _, err := repo.UpdateAccount(ctx, core.Account{ID: a.ID, Name: "Main", AccountType: "debit"}); err != nil {
		t.Errorf("UpdateAccount() with unchanged name error = %v", err)
	}
	if _, err := repo.UpdateAccount(ctx, core.Account{ID: a.ID, Name: "Savings", AccountType: "debit"}); !errors.Is(err, core.ErrConflict) {
		t.Errorf("duplicate name error = %v, want conflict", err)
	}
	if _, err := repo.UpdateAccount(ctx, core.Account{ID: 99, Name: "Ghost", AccountType: "debit"}); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("missing account error = %v, want not found", err)
	}
}

func TestAppendTransfer(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	from := mustAccount(t, repo, "Checking", "EUR")
	to := mustAccount(t, repo, "Savings", "EUR")
	mustPost(t, repo, from.ID, 1000, "EUR", "", time.Now())

	tr, err := repo.AppendTransfer(ctx,
		core.Transaction{AccountID: from.ID, Amount: core.Money{Amount: -300, Currency: "EUR"}, Category: core.TransferCategory, Timestamp: time.Now()},
		core.Transaction{AccountID: to.ID, Amount: core.Money{Amount: 300, Currency: "EUR"}, Category: core.TransferCategory, Timestamp: time.Now()},
	)
	if err != nil {
		t.Fatalf("AppendTransfer() error = %v", err)
	}
	if tr.Debit.TransferID == nil || *tr.Debit.TransferID != tr.ID || tr.Credit.TransferID == nil || *tr.Credit.TransferID != tr.ID {
		t.Errorf("legs not linked: %+v", tr)
	}

	stored, err := repo.GetTransaction(ctx, tr.Credit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.TransferID == nil || *stored.TransferID != tr.ID {
		t.Errorf("stored credit transfer id = %v, want %d", stored.TransferID, tr.ID)
	}

	for id, want := range map[int64]int64{from.ID: 700, to.ID: 300} {
		a, err := repo.GetAccount(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if a.Balance.Amount != want {
			t.Errorf("account %d balance = %d, want %d", id, a.Balance.Amount, want)
		}
	}

	if _, err := repo.db.Exec(`DELETE FROM transfers WHERE id = ?`, tr.ID); err == nil {
		t.Error("delete of a transfer should fail")
	}
}

func TestAppendTransferIsAtomic(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	from := mustAccount(t, repo, "Checking", "EUR")
	full := mustAccount(t, repo, "Full", "EUR")
	mustPost(t, repo, full.ID, math.MaxInt64, "EUR", "", time.Now())

	tests := []struct {
		name   string
		credit core.Transaction
		want   error
	}{
		{"credit overflows", core.Transaction{AccountID: full.ID, Amount: core.Money{Amount: 50, Currency: "EUR"}}, core.ErrValidation},
		{"credit account missing", core.Transaction{AccountID: 99, Amount: core.Money{Amount: 50, Currency: "EUR"}}, core.ErrNotFound},
		{"currency mismatch", core.Transaction{AccountID: full.ID, Amount: core.Money{Amount: 50, Currency: "USD"}}, core.ErrCurrencyMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.credit.Timestamp = time.Now()
			debit := core.Transaction{AccountID: from.ID, Amount: core.Money{Amount: -50, Currency: "EUR"}, Timestamp: time.Now()}
			if _, err := repo.AppendTransfer(ctx, debit, tt.credit); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}

			a, err := repo.GetAccount(ctx, from.ID)
			if err != nil {
				t.Fatal(err)
			}
			if a.Balance.Amount != 0 {
				t.Errorf("debit leg was applied: balance = %d", a.Balance.Amount)
			}
			if txs := collect(t, repo, core.TransactionFilter{AccountID: &from.ID}); len(txs) != 0 {
				t.Errorf("debit leg was stored: %+v", txs)
			}
		})
	}
}

func TestReversalIsUnique(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	a := mustAccount(t, repo, "Checking", "EUR")
	orig := mustPost(t, repo, a.ID, -1200, "EUR", "rent", time.Now())

	rev := core.Transaction{
		AccountID:  a.ID,
		Amount:     orig.Amount.Neg(),
		Category:   orig.Category,
		Timestamp:  time.Now(),
		ReversesID: &orig.ID,
	}
	first, err := repo.AppendTransaction(ctx, rev)
	if err != nil {
		t.Fatal(err)
	}
	if first.ReversesID == nil || *first.ReversesID != orig.ID {
		t.Fatalf("ReversesID = %v", first.ReversesID)
	}

	if _, err := repo.AppendTransaction(ctx, rev); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("second reversal error = %v, want conflict", err)
	}

	found, ok, err := repo.ReversalOf(ctx, orig.ID)
	if err != nil || !ok || found.ID != first.ID {
		t.Fatalf("ReversalOf() = %+v, %v, %v", found, ok, err)
	}
	if _, ok, _ := repo.ReversalOf(ctx, first.ID); ok {
		t.Error("reversal should not itself be reversed")
	}
}

func TestListTransactionsFilters(t *testing.T) {
	repo := newTestRepo(t)
	a := mustAccount(t, repo, "A", "EUR")
	b := mustAccount(t, repo, "B", "EUR")

	day := func(s string) time.Time { return date.MustParse(s).Time().Add(15 * time.Hour) }
	mustPost(t, repo, a.ID, -100, "EUR", "food", day("2024-01-31"))
	mustPost(t, repo, b.ID, -200, "EUR", "food", day("2024-02-01"))
	mustPost(t, repo, a.ID, 300, "EUR", "salary", day("2024-02-29"))
	mustPost(t, repo, a.ID, -400, "EUR", "food", day("2024-03-01"))

	aID := a.ID
	food := "food"
	feb := date.Range{From: date.MustParse("2024-02-01"), To: date.MustParse("2024-02-29")}

	tests := []struct {
		name    string
		filter  core.TransactionFilter
		wantIDs []int64
	}{
		{"all", core.TransactionFilter{}, []int64{1, 2, 3, 4}},
		{"account", core.TransactionFilter{AccountID: &aID}, []int64{1, 3, 4}},
		{"category", core.TransactionFilter{Category: &food}, []int64{1, 2, 4}},
		{"range inclusive", core.TransactionFilter{Range: &feb}, []int64{2, 3}},
		{"combined", core.TransactionFilter{AccountID: &aID, Category: &food, Range: &feb}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(t, repo, tt.filter)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d transactions, want %d", len(got), len(tt.wantIDs))
			}
			for i, tx := range got {
				if tx.ID != tt.wantIDs[i] {
					t.Errorf("got[%d].ID = %d, want %d", i, tx.ID, tt.wantIDs[i])
				}
				if tx.Currency != "EUR" {
					t.Errorf("got[%d].Currency = %q", i, tx.Currency)
				}
			}
		})
	}
}

func TestListTransactionsIsRestartable(t *testing.T) {
	repo := newTestRepo(t)
	a := mustAccount(t, repo, "A", "EUR")
	for i := 0; i < 5; i++ {
		mustPost(t, repo, a.ID, int64(i+1), "EUR", "", time.Now())
	}

	seq := repo.ListTransactions(context.Background(), core.TransactionFilter{})
	count := func() int {
		n := 0
		for _, err := range seq {
			if err != nil {
				t.Fatal(err)
			}
			n++
		}
		return n
	}
	if first, second := count(), count(); first != 5 || second != 5 {
		t.Errorf("passes returned %d and %d, want 5 and 5", first, second)
	}

	// Stopping early must release the read transaction.
	for range seq {
		break
	}
	mustPost(t, repo, a.ID, 1, "EUR", "", time.Now())
}

func TestDeleteAccount(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	empty := mustAccount(t, repo, "Empty", "EUR")
	used := mustAccount(t, repo, "Used", "EUR")
	mustPost(t, repo, used.ID, 100, "EUR", "", time.Now())

	if _, err := repo.DeleteAccount(ctx, used.ID); !errors.Is(err, core.ErrConflict) {
		t.Errorf("delete used account error = %v, want conflict", err)
	}
	if _, err := repo.DeleteAccount(ctx, 99); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("delete unknown account error = %v, want not found", err)
	}
	deleted, err := repo.DeleteAccount(ctx, empty.ID)
	if err != nil || deleted.ID != empty.ID {
		t.Fatalf("DeleteAccount() = %+v, %v", deleted, err)
	}
	if _, err := repo.GetAccount(ctx, empty.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("deleted account still readable: %v", err)
	}

	// Ids are never reused.
	next := mustAccount(t, repo, "Next", "EUR")
	if next.ID <= used.ID {
		t.Errorf("new account id %d reuses a deleted id", next.ID)
	}
}

func TestTransactionsAreImmutable(t *testing.T) {
	repo := newTestRepo(t)
	a := mustAccount(t, repo, "A", "EUR")
	tx := mustPost(t, repo, a.ID, 100, "EUR", "", time.Now())

	if _, err := repo.db.Exec(`UPDATE transactions SET amount = 1 WHERE id = ?`, tx.ID); err == nil {
		t.Error("update of a transaction should fail")
	}
	if _, err := repo.db.Exec(`DELETE FROM transactions WHERE id = ?`, tx.ID); err == nil {
		t.Error("delete of a transaction should fail")
	}
}

func TestVerifyAndRebuildBalances(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	a := mustAccount(t, repo, "A", "EUR")
	b := mustAccount(t, repo, "B", "JPY")
	mustPost(t, repo, a.ID, 500, "EUR", "", time.Now())
	mustPost(t, repo, a.ID, -200, "EUR", "", time.Now())
	mustPost(t, repo, b.ID, 1000, "JPY", "", time.Now())

	drifts, err := repo.VerifyBalances(ctx)
	if err != nil || len(drifts) != 0 {
		t.Fatalf("VerifyBalances() = %v, %v, want no drift", drifts, err)
	}

	if _, err := repo.db.Exec(`UPDATE accounts SET balance = 42 WHERE id = ?`, a.ID); err != nil {
		t.Fatal(err)
	}

	drifts, err = repo.VerifyBalances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(drifts) != 1 || drifts[0].AccountID != a.ID || drifts[0].Cached.Amount != 42 || drifts[0].Replayed.Amount != 300 {
		t.Fatalf("VerifyBalances() = %+v", drifts)
	}

	if _, err := repo.RebuildBalances(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := repo.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance.Amount != 300 {
		t.Errorf("balance after rebuild = %d, want 300", got.Balance.Amount)
	}
}

func TestBudgetCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	start, end := date.MustParse("2024-06-01"), date.MustParse("2024-08-31")
	b, err := repo.CreateBudget(ctx, core.Budget{
		Category: "travel",
		Currency: "EUR",
		Limit:    core.Money{Amount: 150000, Currency: "EUR"},
		Period:   core.PeriodFixed,
		StartsOn: &start,
		EndsOn:   &end,
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.ID == 0 || b.StartsOn == nil || *b.StartsOn != start || *b.EndsOn != end {
		t.Fatalf("CreateBudget() = %+v", b)
	}

	b.Period, b.StartsOn, b.EndsOn = "monthly", nil, nil
	b.Limit.Amount = 50000
	updated, err := repo.UpdateBudget(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Period != "monthly" || updated.StartsOn != nil || updated.Limit.Amount != 50000 {
		t.Errorf("UpdateBudget() = %+v", updated)
	}

	list, err := repo.ListBudgets(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListBudgets() = %v, %v", list, err)
	}

	if err := repo.DeleteBudget(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteBudget(ctx, b.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second delete error = %v, want not found", err)
	}
	if _, err := repo.GetBudget(ctx, b.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetBudget() error = %v, want not found", err)
	}
	if _, err := repo.UpdateBudget(ctx, b); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("UpdateBudget() error = %v, want not found", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	repo, err := NewSQLiteRepository(path)
	if err != nil {
		t.Fatal(err)
	}
	a := mustAccount(t, repo, "A", "EUR")
	mustPost(t, repo, a.ID, 123, "EUR", "", time.Now())
	repo.Close()

	repo, err = NewSQLiteRepository(path)
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()
	got, err := repo.GetAccount(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance.Amount != 123 {
		t.Errorf("balance after reopen = %d, want 123", got.Balance.Amount)
	}
}
