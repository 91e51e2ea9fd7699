package bonus

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func row(earned, used string, deleted bool) Transaction {
	return Transaction{BonusEarned: dec(earned), BonusUsed: dec(used), LineDeleted: deleted}
}

func TestReduce(t *testing.T) {
	tests := []struct {
		name      string
		startup   string
		txs       []Transaction
		earned    string
		used      string
		remaining string
	}{
		{
			name:    "empty log yields startup",
			startup: "500", earned: "0", used: "0", remaining: "500",
		},
		{
			name:    "only deleted rows yields startup",
			startup: "500",
			txs:     []Transaction{row("10", "20", true), row("5", "0", true)},
			earned:  "0", used: "0", remaining: "500",
		},
		{
			name:    "sale then collection",
			startup: "0",
			txs:     []Transaction{row("0", "1000", false), row("1000", "0", false)},
			earned:  "1000", used: "1000", remaining: "0",
		},
		{
			name:    "deleted rows are skipped",
			startup: "0",
			txs:     []Transaction{row("0", "1000", true), row("1000", "0", false)},
			earned:  "1000", used: "0", remaining: "1000",
		},
		{
			name:    "negative remaining is not clamped",
			startup: "10",
			txs:     []Transaction{row("0", "25.5", false)},
			earned:  "0", used: "25.5", remaining: "-15.5",
		},
		{
			name:    "fractional amounts stay exact",
			startup: "0.1",
			txs:     []Transaction{row("0.2", "0", false), row("0.1", "0.3", false)},
			earned:  "0.3", used: "0.3", remaining: "0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reduce(dec(tt.startup), tt.txs)
			assert.True(t, dec(tt.earned).Equal(got.Earned), "earned: got %s", got.Earned)
			assert.True(t, dec(tt.used).Equal(got.Used), "used: got %s", got.Used)
			assert.True(t, dec(tt.remaining).Equal(got.Remaining), "remaining: got %s", got.Remaining)
		})
	}
}

func TestReduce_OrderIndependent(t *testing.T) {
	txs := []Transaction{row("3", "1", false), row("0", "7", false), row("9", "0", true), row("2.5", "0", false)}
	reversed := make([]Transaction, len(txs))
	for i := range txs {
		reversed[len(txs)-1-i] = txs[i]
	}

	assert.True(t, Reduce(dec("4"), txs).Equal(Reduce(dec("4"), reversed)))
}

func TestDrift(t *testing.T) {
	same := Totals{Earned: dec("1"), Used: dec("2"), Remaining: dec("-1")}
	assert.False(t, Drift{Cached: same, Derived: same}.Drifted())

	// 1.0 and 1 are the same amount.
	scaled := Totals{Earned: dec("1.0"), Used: dec("2.00"), Remaining: dec("-1")}
	assert.False(t, Drift{Cached: same, Derived: scaled}.Drifted())

	off := same
	off.Remaining = dec("0")
	assert.True(t, Drift{Cached: same, Derived: off}.Drifted())
}
