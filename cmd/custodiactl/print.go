package main

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/mbd888/custodia/internal/reconciliation"
	"github.com/mbd888/custodia/internal/settlement"
)

func printSettlements(w io.Writer, records []*settlement.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no unresolved settlements")
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("Key", "Kind", "Deal", "Amount", "Status", "Tx", "Age", "Detail")
	for _, r := range records {
		table.Append(r.Key, r.DealKind, r.DealID, r.Amount, string(r.Status), short(r.TxHash, 12),
			time.Since(r.CreatedAt).Truncate(time.Second).String(), short(r.Detail, 40))
	}
	table.Render()
}

func printReport(w io.Writer, r *reconciliation.Report) {
	if r == nil {
		fmt.Fprintln(w, "empty report")
		return
	}
	fmt.Fprintf(w, "checked at %s, frozen total %s USDC, finalized %d\n",
		r.CheckedAt.Format(time.RFC3339), r.FrozenTotal, r.Finalized)

	if len(r.Mismatches) == 0 {
		fmt.Fprintln(w, "frozen totals match open deals")
	} else {
		table := tablewriter.NewWriter(w)
		table.Header("User", "Frozen", "Expected", "Diff")
		for _, m := range r.Mismatches {
			table.Append(m.UserID, m.Frozen, m.Expected, m.Diff)
		}
		table.Render()
	}
	if r.Repaired > 0 {
		fmt.Fprintf(w, "repaired %d users\n", r.Repaired)
	}
	if len(r.Unresolved) > 0 {
		fmt.Fprintf(w, "%d unresolved settlements:\n", len(r.Unresolved))
		printSettlements(w, r.Unresolved)
	}
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
