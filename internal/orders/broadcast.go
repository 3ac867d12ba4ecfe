package orders

import "context"

type PatchOp struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// AdminPatch is pushed to connected admin sessions so they can patch their view
// of one order without refetching it.
type AdminPatch struct {
	OrderID                 string          `json:"orderId"`
	Patches                 []PatchOp       `json:"patches"`
	NewStatusEntry          *StatusEntry    `json:"newStatusEntry,omitempty"`
	NewFinancialsEventEntry *FinancialEvent `json:"newFinancialsEventEntry,omitempty"`
}

type Broadcaster interface {
	Broadcast(ctx context.Context, msg AdminPatch) error
}

// FinancialsPatches lists the derived financial fields that change with every event.
func FinancialsPatches(f Financials) []PatchOp {
	return []PatchOp{
		{Path: "financials.total_paid", Value: f.TotalPaid},
		{Path: "financials.total_refunded", Value: f.TotalRefunded},
		{Path: "financials.state", Value: f.State},
		{Path: "financials.current_online_transaction", Value: f.CurrentOnlineTransaction},
	}
}
