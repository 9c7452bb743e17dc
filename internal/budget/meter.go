package budget

import (
	"context"
	"sync/atomic"
)

type meterKey struct{}

// Meter totals the tokens reserved by Admit calls made with a context that
// carries it. One meter per discovery job gives that job's spend.
type Meter struct {
	spent atomic.Int64
	calls atomic.Int64
}

// WithMeter returns a context whose admissions are recorded on m.
func WithMeter(ctx context.Context, m *Meter) context.Context {
	return context.WithValue(ctx, meterKey{}, m)
}

// MeterFrom returns the meter carried by ctx, or nil.
func MeterFrom(ctx context.Context) *Meter {
	m, _ := ctx.Value(meterKey{}).(*Meter)
	return m
}

// Spent returns the tokens reserved so far.
func (m *Meter) Spent() int { return int(m.spent.Load()) }

// Calls returns the number of admitted calls so far.
func (m *Meter) Calls() int { return int(m.calls.Load()) }

func (m *Meter) add(tokens int) {
	m.spent.Add(int64(tokens))
	m.calls.Add(1)
}
