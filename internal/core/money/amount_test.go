package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmountAdd(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Amount
		want      Amount
		wantError bool
	}{
		{name: "simple", a: 100, b: 50, want: 150},
		{name: "negative operand", a: 100, b: -150, want: -50},
		{name: "zero", a: 0, b: 0, want: 0},
		{name: "overflow high", a: math.MaxInt64, b: 1, wantError: true},
		{name: "overflow low", a: math.MinInt64, b: -1, wantError: true},
		{name: "max boundary ok", a: math.MaxInt64 - 1, b: 1, want: math.MaxInt64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.Add(tt.b)
			if tt.wantError {
				require.Error(t, err)
				assert.IsType(t, &OverflowError{}, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmountSub(t *testing.T) {
	got, err := New(500_000).Sub(New(12_500))
	require.NoError(t, err)
	assert.Equal(t, New(487_500), got)

	_, err = New(math.MinInt64).Sub(New(1))
	require.Error(t, err)
}

func TestSum(t *testing.T) {
	// A balanced journal sums to zero.
	total, err := Sum(-500_000, 487_500, 12_500)
	require.NoError(t, err)
	assert.True(t, total.IsZero())

	_, err = Sum(math.MaxInt64, 1)
	require.Error(t, err)
}

func TestPredicates(t *testing.T) {
	assert.True(t, New(1).IsPositive())
	assert.False(t, New(0).IsPositive())
	assert.True(t, New(0).IsZero())
	assert.True(t, New(-1).IsNegative())
}
