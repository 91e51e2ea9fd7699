package pos

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/bonus-ledger/bonus"
)

// SalePolicy decides how a sale turns into bonus. There is no default; every
// tenant must name one.
type SalePolicy string

const (
	// PolicyDebit pays with bonus: the sale amount is recorded as BonusUsed.
	PolicyDebit SalePolicy = "debit"

	// PolicyAccrue rewards the sale: amount × percent / 100 is recorded as
	// BonusEarned. The percent comes from the request, else from the
	// customer's special bonus percent.
	PolicyAccrue SalePolicy = "accrue"
)

var hundred = decimal.NewFromInt(100)

// ParseSalePolicy accepts "debit" or "accrue", case-insensitively.
func ParseSalePolicy(s string) (SalePolicy, error) {
	switch p := SalePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyDebit, PolicyAccrue:
		return p, nil
	case "":
		return "", fmt.Errorf("sale policy is required (debit or accrue)")
	default:
		return "", fmt.Errorf("unknown sale policy %q (want debit or accrue)", s)
	}
}

func (p SalePolicy) String() string { return string(p) }

// bonusFor computes the bonus columns of a sale row.
func (p SalePolicy) bonusFor(amount decimal.Decimal, requested *decimal.Decimal, customerPct decimal.Decimal) (earned, used decimal.Decimal, err error) {
	switch p {
	case PolicyDebit:
		if requested != nil {
			return decimal.Zero, decimal.Zero, &bonus.ValidationError{
				Field:  "bonus_percent",
				Reason: "not accepted under the debit sale policy",
			}
		}
		return decimal.Zero, amount, nil
	case PolicyAccrue:
		pct := customerPct
		if requested != nil {
			pct = *requested
		}
		if pct.IsNegative() {
			return decimal.Zero, decimal.Zero, &bonus.ValidationError{Field: "bonus_percent", Reason: "must not be negative"}
		}
		return Accrual(amount, pct), decimal.Zero, nil
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("sale policy %q is not configured", p)
	}
}

// Accrual returns amount × pct / 100 rounded half away from zero to cents.
func Accrual(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred).Round(2)
}
