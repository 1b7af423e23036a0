package date

import "fmt"

// Range is an inclusive range of days.
type Range struct {
	From Date `json:"from"`
	To   Date `json:"to"`
}

// NewRange returns the period of kind p that contains d.
func NewRange(d Date, p Period) Range {
	return Range{From: d.StartOf(p), To: d.EndOf(p)}
}

// Validate checks that both bounds are set and ordered.
func (r Range) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("range bounds must be set")
	}
	if r.To.Before(r.From) {
		return fmt.Errorf("range end %s is before start %s", r.To, r.From)
	}
	return nil
}

// Contains reports whether d lies in the range, bounds included.
func (r Range) Contains(d Date) bool { return !d.Before(r.From) && !d.After(r.To) }

// Buckets splits the range into consecutive periods of kind p. The first bucket
// starts at the beginning of the period containing From and the last one ends
// with the period containing To, so the result has no gaps.
func (r Range) Buckets(p Period) []Range {
	var out []Range
	for start := r.From.StartOf(p); !start.After(r.To); start = start.EndOf(p).Add(1) {
		out = append(out, Range{From: start, To: start.EndOf(p)})
	}
	return out
}

// BucketCount returns len(r.Buckets(p)) without allocating. Counting stops at
// limit when limit is positive.
func (r Range) BucketCount(p Period, limit int) int {
	n := 0
	for start := r.From.StartOf(p); !start.After(r.To); start = start.EndOf(p).Add(1) {
		n++
		if n == limit {
			break
		}
	}
	return n
}

func (r Range) String() string { return fmt.Sprintf("%s..%s", r.From, r.To) }
