package pos

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bonus-ledger/bonus"
)

func TestParseSalePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    SalePolicy
		wantErr bool
	}{
		{"debit", PolicyDebit, false},
		{" Accrue ", PolicyAccrue, false},
		{"", "", true},
		{"earn", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSalePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAccrual_RoundsToCents(t *testing.T) {
	tests := []struct {
		amount, pct, want string
	}{
		{"1000", "5", "50"},
		{"33.33", "3", "1"},      // 0.9999
		{"10.10", "2.5", "0.25"}, // 0.2525
		{"0.5", "1", "0.01"},     // 0.005 rounds half away from zero
		{"250", "0", "0"},
	}
	for _, tt := range tests {
		got := Accrual(decimal.RequireFromString(tt.amount), decimal.RequireFromString(tt.pct))
		assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "%s × %s%%: got %s", tt.amount, tt.pct, got)
	}
}

func TestSalePolicy_BonusFor(t *testing.T) {
	amount := decimal.NewFromInt(200)
	customerPct := decimal.NewFromInt(10)
	override := decimal.NewFromInt(1)

	earned, used, err := PolicyDebit.bonusFor(amount, nil, customerPct)
	require.NoError(t, err)
	assert.True(t, earned.IsZero())
	assert.True(t, used.Equal(amount))

	_, _, err = PolicyDebit.bonusFor(amount, &override, customerPct)
	assert.ErrorIs(t, err, bonus.ErrValidation)

	earned, used, err = PolicyAccrue.bonusFor(amount, nil, customerPct)
	require.NoError(t, err)
	assert.Equal(t, "20", earned.String())
	assert.True(t, used.IsZero())

	earned, _, err = PolicyAccrue.bonusFor(amount, &override, customerPct)
	require.NoError(t, err)
	assert.Equal(t, "2", earned.String())

	_, _, err = SalePolicy("").bonusFor(amount, nil, customerPct)
	assert.Error(t, err)
}
