package financials

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type OnlineInput struct {
	Provider string `json:"provider,omitempty"`
	// Amount defaults to the outstanding balance for payments and to the net paid
	// amount for refunds.
	Amount decimal.Decimal `json:"amount"`
}

type OnlineResult struct {
	TransactionID string                    `json:"transaction_id"`
	RedirectURL   string                    `json:"redirect_url,omitempty"`
	Guard         *orders.OnlineTransaction `json:"current_online_transaction"`
}

func (l *Ledger) StartOnlinePayment(ctx context.Context, actor orders.Actor, orderID string, in OnlineInput) (*OnlineResult, error) {
	return l.startOnline(ctx, actor, orderID, orders.OnlinePayment, in)
}

func (l *Ledger) StartOnlineRefund(ctx context.Context, actor orders.Actor, orderID string, in OnlineInput) (*OnlineResult, error) {
	if !actor.IsStaff() {
		return nil, apperr.Forbidden("only staff may start refunds")
	}
	return l.startOnline(ctx, actor, orderID, orders.OnlineRefund, in)
}

// startOnline holds the order's online transaction guard across the provider
// round trip. Every failing exit clears the guard again.
func (l *Ledger) startOnline(ctx context.Context, actor orders.Actor, orderID string, typ orders.OnlineTxType, in OnlineInput) (res *OnlineResult, err error) {
	ctx, span := tracer.Start(ctx, "financials.StartOnline")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID), attribute.String("type", string(typ)))

	o, err := l.loadFinal(ctx, l.Store, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(o.CustomerID) {
		return nil, apperr.Forbidden("order %s belongs to another customer", orderID)
	}
	amount, err := onlineAmount(o, typ, in.Amount)
	if err != nil {
		return nil, err
	}
	provider, err := l.provider(in.Provider)
	if err != nil {
		return nil, err
	}

	guard := orders.OnlineTransaction{
		Type:      typ,
		Status:    orders.OnlineInit,
		Provider:  provider.Name(),
		Amount:    amount,
		StartedAt: l.Now().UTC(),
	}
	ok, err := l.Store.BeginOnlineTransaction(ctx, orderID, guard)
	if err != nil {
		return nil, fmt.Errorf("begin online transaction: %w", err)
	}
	if !ok {
		if cur, gerr := l.Store.GetOrder(ctx, orderID); gerr == nil && !orders.GuardAllowed(cur.Status, typ) {
			return nil, apperr.Conflict(apperr.ReasonInvalidTransition, "order %s is %s", orderID, cur.Status)
		}
		return nil, apperr.Conflict(apperr.ReasonOnlineInProgress, "an online transaction is already in progress for order %s", orderID)
	}
	defer func() {
		if err == nil {
			return
		}
		if cerr := l.Store.ClearOnlineTransaction(context.WithoutCancel(ctx), orderID); cerr != nil {
			l.Log.Error("online transaction guard not cleared", zap.String("order_id", orderID), zap.Error(cerr))
		}
	}()

	req := payment.CreateRequest{OrderID: orderID, Amount: amount, Description: fmt.Sprintf("order %d", o.Final.Number)}
	var created payment.CreateResult
	if typ == orders.OnlineRefund {
		req.OriginalIDs = settledIDs(o, provider.Name())
		created, err = provider.CreateRefund(ctx, req)
	} else {
		created, err = provider.CreatePayment(ctx, req)
	}
	if err != nil {
		l.Log.Warn("provider call failed", zap.String("order_id", orderID), zap.String("provider", provider.Name()), zap.Error(err))
		return nil, apperr.Wrap(apperr.KindInternal, apperr.ReasonProviderFailure, err, "payment provider request failed")
	}

	guard.Status = orders.OnlineProcessing
	guard.PendingIDs = []string{created.TransactionID}
	if _, err = l.Store.UpdateOnlineTransaction(ctx, orderID, guard); err != nil {
		return nil, fmt.Errorf("update online transaction: %w", err)
	}
	// A callback may have settled the transaction before the pending id was stored.
	if cur, gerr := l.Store.GetOrder(ctx, orderID); gerr == nil && cur.IsFinal() && hasTransaction(cur.Final.Financials.EventHistory, created.TransactionID) {
		if cerr := l.Store.ClearOnlineTransaction(ctx, orderID); cerr != nil {
			l.Log.Error("online transaction guard not cleared", zap.String("order_id", orderID), zap.Error(cerr))
		}
	}

	l.Log.Info("online transaction started",
		zap.String("order_id", orderID),
		zap.String("type", string(typ)),
		zap.String("provider", provider.Name()),
		zap.String("transaction_id", created.TransactionID),
	)
	l.Notify.Patch(ctx, orders.AdminPatch{
		OrderID: orderID,
		Patches: []orders.PatchOp{{Path: "financials.current_online_transaction", Value: guard}},
	})
	return &OnlineResult{TransactionID: created.TransactionID, RedirectURL: created.RedirectURL, Guard: &guard}, nil
}

func (l *Ledger) provider(name string) (payment.Provider, error) {
	if l.Providers == nil {
		return nil, apperr.Validation("no payment provider configured")
	}
	var (
		p   payment.Provider
		err error
	)
	if name == "" {
		p, err = l.Providers.Default()
	} else {
		p, err = l.Providers.Get(name)
	}
	if errors.Is(err, payment.ErrUnknownProvider) {
		return nil, apperr.Validation("unknown payment provider %q", name)
	}
	return p, err
}

func onlineAmount(o *orders.Order, typ orders.OnlineTxType, requested decimal.Decimal) (decimal.Decimal, error) {
	net := o.Final.Financials.NetPaid()
	if requested.IsNegative() {
		return decimal.Zero, apperr.Validation("amount must be positive")
	}
	if typ == orders.OnlineRefund {
		if !net.IsPositive() {
			return decimal.Zero, apperr.Conflict(apperr.ReasonNothingToRefund, "nothing to refund")
		}
		if requested.IsZero() {
			return net, nil
		}
		if requested.GreaterThan(net.Add(orders.Epsilon)) {
			return decimal.Zero, apperr.Validation("refund exceeds the net paid amount")
		}
		return requested, nil
	}

	if o.Status == orders.StatusCancelled {
		return decimal.Zero, apperr.Conflict(apperr.ReasonInvalidTransition, "order %s is cancelled", o.ID)
	}
	if requested.IsPositive() {
		return requested, nil
	}
	due := o.Totals.Total.Sub(net)
	if !due.GreaterThan(orders.Epsilon) {
		return decimal.Zero, apperr.Conflict(apperr.ReasonConflict, "order %s is already paid", o.ID)
	}
	return due, nil
}

// settledIDs lists the provider payments a refund can draw on.
func settledIDs(o *orders.Order, provider string) []string {
	var out []string
	for _, e := range o.Final.Financials.EventHistory {
		if e.Voided == nil && e.Kind == orders.PaymentSuccess && e.Action.Online != nil && e.Action.Online.Provider == provider {
			out = append(out, e.Action.Online.TransactionID)
		}
	}
	return out
}

func hasTransaction(h []orders.FinancialEvent, txID string) bool {
	return slices.ContainsFunc(h, func(e orders.FinancialEvent) bool {
		return e.Voided == nil && e.TransactionID() == txID
	})
}
