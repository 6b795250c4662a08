// Package currency implements the money arithmetic for pledge
// execution: fee computation, minimum-pledge pricing and the
// cent-accurate split of a pledge across recipients.
package currency

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Schedule is the versioned fee schedule in effect when a pledge is
// made. Pledges carry the schedule's algorithm number and are rejected
// at execution time if it no longer matches the active schedule.
type Schedule struct {
	Algorithm   int
	MinContrib  decimal.Decimal // dollars
	MaxContrib  decimal.Decimal // dollars, per recipient
	FeesFixed   decimal.Decimal // dollars
	FeesPercent decimal.Decimal // 0.09 means 9%
}

var cent = decimal.New(1, -2)

// Net returns the portion of a gross pledge amount available for
// contributions after fees: solve gross = net + fixed + net*percent,
// truncated to the cent.
func (s Schedule) Net(gross decimal.Decimal) decimal.Decimal {
	net := gross.Sub(s.FeesFixed).Div(decimal.New(1, 0).Add(s.FeesPercent))
	return net.RoundDown(2)
}

// Fees returns the fee charged on a net contribution total: the fixed
// fee plus the percent fee, rounded up to the cent so fees are never
// undercollected by a fraction of a cent.
func (s Schedule) Fees(net decimal.Decimal) decimal.Decimal {
	return s.FeesFixed.Add(net.Mul(s.FeesPercent)).RoundUp(2)
}

// MinimumPledge returns the smallest pledge that still lets one cent
// reach each of maxSplit possible recipients after fees, floored at
// the schedule's minimum contribution.
func (s Schedule) MinimumPledge(maxSplit int) decimal.Decimal {
	m := cent.Mul(decimal.NewFromInt(int64(maxSplit))).
		Mul(decimal.New(1, 0).Add(s.FeesPercent)).
		Add(s.FeesFixed).
		RoundUp(2)
	if m.LessThan(s.MinContrib) {
		return s.MinContrib
	}
	return m
}

// Allocate splits net across the given weights, cent-accurate. Each
// share is truncated to the cent; the residual left by truncation is
// added to the largest share so the shares sum exactly to net (minus
// any weight-zero shares, which come back as zero).
func Allocate(net decimal.Decimal, weights []decimal.Decimal) ([]decimal.Decimal, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("allocate: no weights")
	}
	totalWeight := decimal.Zero
	for _, w := range weights {
		if w.IsNegative() {
			return nil, fmt.Errorf("allocate: negative weight %s", w)
		}
		totalWeight = totalWeight.Add(w)
	}
	if totalWeight.IsZero() {
		return nil, fmt.Errorf("allocate: zero total weight")
	}
	shares := make([]decimal.Decimal, len(weights))
	allocated := decimal.Zero
	largest := 0
	for i, w := range weights {
		shares[i] = net.Mul(w).Div(totalWeight).RoundDown(2)
		allocated = allocated.Add(shares[i])
		if shares[i].GreaterThan(shares[largest]) {
			largest = i
		}
	}
	residual := net.Sub(allocated)
	if residual.IsNegative() {
		return nil, fmt.Errorf("allocate: over-allocated by %s", residual.Neg())
	}
	shares[largest] = shares[largest].Add(residual)
	return shares, nil
}

// Parse converts a dollar string such as "0.20" into a Decimal,
// erroring on anything that is not an exact dollars-and-cents value.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.Equal(d.RoundDown(2)) {
		return decimal.Zero, fmt.Errorf("amount %q has sub-cent precision", s)
	}
	return d, nil
}
