package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"

	"github.com/warp/bonus-ledger/bonus"
	"github.com/warp/bonus-ledger/pos"
)

const timeFormat = "2006-01-02 15:04:05"

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	return table
}

func renderCustomer(w io.Writer, c bonus.Customer) {
	table := newTable(w, "Field", "Value")
	table.AppendBulk([][]string{
		{"customer_key", string(c.Key)},
		{"name", c.Name},
		{"card_number", c.CardNumber},
		{"bonus_startup_value", c.BonusStartupValue.String()},
		{"special_bonus_percent", c.SpecialBonusPercent.String()},
		{"total_bonus_earned", c.TotalBonusEarned.String()},
		{"total_bonus_used", c.TotalBonusUsed.String()},
		{"total_bonus_remaining", c.TotalBonusRemaining.String()},
		{"edited_at", c.EditedAt.Format(timeFormat)},
	})
	table.Render()
}

func renderBalance(w io.Writer, b pos.Balance) {
	table := newTable(w, "Customer", "Startup", "Earned", "Used", "Remaining")
	table.Append([]string{
		string(b.CustomerKey),
		b.BonusStartupValue.String(),
		b.TotalBonusEarned.String(),
		b.TotalBonusUsed.String(),
		b.TotalBonusRemaining.String(),
	})
	table.Render()
}

func renderTransactions(w io.Writer, txs []bonus.Transaction) {
	table := newTable(w, "Added", "ID", "Type", "Order", "Amount due", "Earned", "Used", "Deleted")
	for _, tx := range txs {
		deleted := ""
		if tx.LineDeleted {
			deleted = "yes"
		}
		table.Append([]string{
			tx.AddedAt.Format(timeFormat),
			string(tx.ID),
			tx.Type,
			tx.OrderKey,
			tx.AmountDue.String(),
			tx.BonusEarned.String(),
			tx.BonusUsed.String(),
			deleted,
		})
	}
	table.SetFooter([]string{"", "", "", "", "", "", "rows", fmt.Sprint(len(txs))})
	table.Render()
}

func renderDrifts(w io.Writer, drifts []bonus.Drift) {
	if len(drifts) == 0 {
		fmt.Fprintln(w, "no drift")
		return
	}
	table := newTable(w, "Customer", "Cached earned", "Log earned", "Cached used", "Log used", "Cached remaining", "Log remaining")
	for _, d := range drifts {
		table.Append([]string{
			string(d.CustomerKey),
			d.Cached.Earned.String(), d.Derived.Earned.String(),
			d.Cached.Used.String(), d.Derived.Used.String(),
			d.Cached.Remaining.String(), d.Derived.Remaining.String(),
		})
	}
	table.Render()
}

func renderReport(w io.Writer, r bonus.RecomputeReport) {
	fmt.Fprintf(w, "customers: %d  drifted: %d  failed: %d\n", r.Customers, len(r.Drifted), len(r.Failed))
	if len(r.Drifted) == 0 && len(r.Failed) == 0 {
		return
	}

	table := newTable(w, "Customer", "Result")
	for _, k := range r.Drifted {
		table.Append([]string{string(k), "repaired"})
	}
	failed := make([]string, 0, len(r.Failed))
	for k := range r.Failed {
		failed = append(failed, string(k))
	}
	sort.Strings(failed)
	for _, k := range failed {
		table.Append([]string{k, r.Failed[bonus.CustomerKey(k)].Error()})
	}
	table.Render()
}
