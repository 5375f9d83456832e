// Package money defines the single representation of money in the core:
// a 64-bit signed integer of minor currency units (1 IDR = 100 minor).
// No floating-point arithmetic ever touches these values.
package money

import (
	"fmt"
	"math"
)

// Amount is a quantity of minor currency units.
type Amount int64

// MinorPerIDR is the number of minor units in one IDR.
const MinorPerIDR Amount = 100

// ErrOverflow is returned when checked arithmetic would wrap around.
type OverflowError struct {
	Op   string
	A, B Amount
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("amount overflow: %d %s %d", int64(e.A), e.Op, int64(e.B))
}

// New returns an Amount from a raw minor-unit count.
func New(minor int64) Amount {
	return Amount(minor)
}

// Minor returns the raw minor-unit count.
func (a Amount) Minor() int64 {
	return int64(a)
}

// Add returns a+b, failing on int64 overflow. Overflowing requires balances
// beyond 9e18 minor units, but the guard stays.
func (a Amount) Add(b Amount) (Amount, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, &OverflowError{Op: "+", A: a, B: b}
	}
	return a + b, nil
}

// Sub returns a-b, failing on int64 overflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, &OverflowError{Op: "-", A: a, B: b}
	}
	return a - b, nil
}

// Neg returns -a. MinInt64 has no positive counterpart and fails.
func (a Amount) Neg() (Amount, error) {
	if a == math.MinInt64 {
		return 0, &OverflowError{Op: "neg", A: a}
	}
	return -a, nil
}

// IsPositive reports whether a is strictly greater than zero.
func (a Amount) IsPositive() bool {
	return a > 0
}

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool {
	return a == 0
}

// IsNegative reports whether a is strictly less than zero.
func (a Amount) IsNegative() bool {
	return a < 0
}

func (a Amount) String() string {
	return fmt.Sprintf("%d", int64(a))
}

// Sum adds all amounts with overflow checking.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	var err error
	for _, a := range amounts {
		total, err = total.Add(a)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
