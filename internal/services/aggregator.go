package services

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"ledger/internal/cache"
	"ledger/internal/core"
	"ledger/internal/date"
)

// MaxChartBuckets bounds the length of a chart series.
const MaxChartBuckets = 5000

// ChartQuery selects a chart series. Without Currency every transaction in
// scope must share one currency. With Currency set, transactions in other
// currencies are converted with Rates, expressed as units of Currency per unit
// of the source currency.
type ChartQuery struct {
	Bucket    date.Period
	Range     date.Range
	Currency  string
	Rates     map[string]decimal.Decimal
	AccountID *int64
}

// Aggregator rolls the ledger up into dense income/expense series.
type Aggregator struct {
	engine *Engine
	cache  *cache.LRUCache[core.ChartSeries]
	group  singleflight.Group
}

func newAggregator(e *Engine, size int, ttl time.Duration) *Aggregator {
	return &Aggregator{
		engine: e,
		cache:  cache.NewLRUCache[core.ChartSeries](size, ttl),
	}
}

// Cache exposes the series cache so it can be registered for periodic cleanup.
func (a *Aggregator) Cache() cache.Cleaner { return a.cache }

// Series returns one point per bucket from the bucket containing q.Range.From
// to the bucket containing q.Range.To, empty buckets included.
func (a *Aggregator) Series(ctx context.Context, q ChartQuery) (core.ChartSeries, error) {
	q, err := normalizeQuery(q)
	if err != nil {
		return core.ChartSeries{}, err
	}

	key := a.key(q)
	if s, ok := a.cache.Get(key); ok {
		return cloneSeries(s), nil
	}

	v, err, _ := a.group.Do(key, func() (any, error) {
		s, err := a.compute(ctx, q)
		if err != nil {
			return core.ChartSeries{}, err
		}
		a.cache.Set(key, s)
		return s, nil
	})
	if err != nil {
		return core.ChartSeries{}, fmt.Errorf("chart series: %w", err)
	}
	return cloneSeries(v.(core.ChartSeries)), nil
}

func normalizeQuery(q ChartQuery) (ChartQuery, error) {
	if !q.Bucket.Valid() {
		return q, core.Invalid("bucket", fmt.Sprintf("unknown period %v", q.Bucket))
	}
	if err := q.Range.Validate(); err != nil {
		return q, core.Invalid("range", err.Error())
	}
	if n := q.Range.BucketCount(q.Bucket, MaxChartBuckets+1); n > MaxChartBuckets {
		return q, core.Invalid("range", fmt.Sprintf("more than %d %s buckets", MaxChartBuckets, q.Bucket))
	}

	if q.Currency != "" {
		cur, err := core.NormalizeCurrency(q.Currency)
		if err != nil {
			return q, err
		}
		q.Currency = cur
	}
	if len(q.Rates) > 0 {
		if q.Currency == "" {
			return q, core.Invalid("rates", "a target currency is required")
		}
		rates := make(map[string]decimal.Decimal, len(q.Rates))
		for code, rate := range q.Rates {
			cur, err := core.NormalizeCurrency(code)
			if err != nil {
				return q, core.Invalid("rates", err.Error())
			}
			if !rate.IsPositive() {
				return q, core.Invalid("rates", fmt.Sprintf("rate for %s must be positive", cur))
			}
			rates[cur] = rate
		}
		q.Rates = rates
	}
	return q, nil
}

// key identifies a query against one ledger version.
func (a *Aggregator) key(q ChartQuery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v%d|%s|%s|%s", a.engine.Version(), q.Bucket, q.Range, q.Currency)
	if q.AccountID != nil {
		fmt.Fprintf(&b, "|a%d", *q.AccountID)
	}
	for _, code := range slices.Sorted(maps.Keys(q.Rates)) {
		fmt.Fprintf(&b, "|%s=%s", code, q.Rates[code].String())
	}
	return b.String()
}

func (a *Aggregator) compute(ctx context.Context, q ChartQuery) (core.ChartSeries, error) {
	buckets := q.Range.Buckets(q.Bucket)
	income := make([]decimal.Decimal, len(buckets))
	expense := make([]decimal.Decimal, len(buckets))

	currency := q.Currency
	r := q.Range
	for tx, err := range a.engine.store.ListTransactions(ctx, core.TransactionFilter{AccountID: q.AccountID, Range: &r}) {
		if err != nil {
			return core.ChartSeries{}, err
		}

		if tx.TransferID != nil {
			continue
		}

		amount := tx.Amount.Decimal()
		switch {
		case currency == "":
			currency = tx.Currency
		case q.Currency == "" && tx.Currency != currency:
			return core.ChartSeries{}, &core.CurrencyMismatchError{Got: tx.Currency}
		case tx.Currency != currency:
			rate, ok := q.Rates[tx.Currency]
			if !ok {
				return core.ChartSeries{}, &core.CurrencyMismatchError{Want: currency, Got: tx.Currency}
			}
			amount = amount.Mul(rate)
		}

		d := date.FromTime(tx.Timestamp)
		i := sort.Search(len(buckets), func(i int) bool { return !buckets[i].To.Before(d) })
		if i == len(buckets) {
			continue
		}
		if amount.IsPositive() {
			income[i] = income[i].Add(amount)
		} else {
			expense[i] = expense[i].Sub(amount)
		}
	}

	if currency == "" && q.AccountID != nil {
		acct, err := a.engine.store.GetAccount(ctx, *q.AccountID)
		if err != nil {
			return core.ChartSeries{}, err
		}
		currency = acct.Currency
	}

	points := make([]core.ChartPoint, len(buckets))
	for i, b := range buckets {
		in, err := core.RoundMoney(income[i], currency)
		if err != nil {
			return core.ChartSeries{}, core.Invalid("series", fmt.Sprintf("income of %s is out of range", b))
		}
		out, err := core.RoundMoney(expense[i], currency)
		if err != nil {
			return core.ChartSeries{}, core.Invalid("series", fmt.Sprintf("expense of %s is out of range", b))
		}
		points[i] = core.ChartPoint{PeriodStart: b.From, PeriodEnd: b.To, Income: in, Expense: out}
	}
	return core.ChartSeries{Bucket: q.Bucket, Currency: currency, Points: points}, nil
}

func cloneSeries(s core.ChartSeries) core.ChartSeries {
	s.Points = slices.Clone(s.Points)
	return s
}
