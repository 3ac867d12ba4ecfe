package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	PaymentSuccess EventKind = "payment_success"
	PaymentFailed  EventKind = "payment_failed"
	RefundSuccess  EventKind = "refund_success"
	RefundFailed   EventKind = "refund_failed"
)

func (k EventKind) Valid() bool {
	switch k {
	case PaymentSuccess, PaymentFailed, RefundSuccess, RefundFailed:
		return true
	}
	return false
}

func (k EventKind) IsRefund() bool { return k == RefundSuccess || k == RefundFailed }

type Method string

const (
	MethodCash         Method = "cash"
	MethodBankTransfer Method = "bank_transfer"
	MethodCardManual   Method = "card_manual"
	MethodOnline       Method = "online"
)

func (m Method) Offline() bool {
	return m == MethodCash || m == MethodBankTransfer || m == MethodCardManual
}

type CashDetails struct {
	Received decimal.Decimal `json:"received"`
	Change   decimal.Decimal `json:"change"`
}

type BankTransferDetails struct {
	Reference string `json:"reference"`
}

type CardManualDetails struct {
	Last4 string `json:"last4,omitempty"`
}

type OnlineDetails struct {
	Provider      string `json:"provider"`
	TransactionID string `json:"transaction_id"`
}

// Action is a tagged variant: the detail pointer matching Method is the only one set.
type Action struct {
	Method       Method               `json:"method"`
	Amount       decimal.Decimal      `json:"amount"`
	Cash         *CashDetails         `json:"cash,omitempty"`
	BankTransfer *BankTransferDetails `json:"bank_transfer,omitempty"`
	CardManual   *CardManualDetails   `json:"card_manual,omitempty"`
	Online       *OnlineDetails       `json:"online,omitempty"`
}

type Voiding struct {
	Actor Actor     `json:"actor"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

type FinancialEvent struct {
	ID     string    `json:"id"`
	Kind   EventKind `json:"kind"`
	Action Action    `json:"action"`
	Actor  Actor     `json:"actor"`
	At     time.Time `json:"at"`
	Voided *Voiding  `json:"voided,omitempty"`
}

func (e FinancialEvent) TransactionID() string {
	if e.Action.Online == nil {
		return ""
	}
	return e.Action.Online.TransactionID
}

type FinancialState string

const (
	StatePending       FinancialState = "pending"
	StatePartial       FinancialState = "partial"
	StatePaid          FinancialState = "paid"
	StateOverpaid      FinancialState = "overpaid"
	StateNegative      FinancialState = "negative"
	StateVoided        FinancialState = "voided"
	StateRefundPending FinancialState = "refund_pending"
	StateRefunded      FinancialState = "refunded"
	StateOverRefunded  FinancialState = "over_refunded"
)

type OnlineTxType string

const (
	OnlinePayment OnlineTxType = "payment"
	OnlineRefund  OnlineTxType = "refund"
)

// GuardAllowed reports whether an online transaction of type t may start on an
// order in status s. Cancelled orders only take refunds.
func GuardAllowed(s Status, t OnlineTxType) bool {
	return t == OnlineRefund || s != StatusCancelled
}

type OnlineTxStatus string

const (
	OnlineInit       OnlineTxStatus = "init"
	OnlineProcessing OnlineTxStatus = "processing"
)

// OnlineTransaction guards an in-flight provider round trip on one order.
type OnlineTransaction struct {
	Type       OnlineTxType    `json:"type"`
	Status     OnlineTxStatus  `json:"status"`
	Provider   string          `json:"provider"`
	Amount     decimal.Decimal `json:"amount"`
	StartedAt  time.Time       `json:"started_at"`
	PendingIDs []string        `json:"pending_ids,omitempty"`
}

type Financials struct {
	TotalPaid                decimal.Decimal    `json:"total_paid"`
	TotalRefunded            decimal.Decimal    `json:"total_refunded"`
	State                    FinancialState     `json:"state"`
	EventHistory             []FinancialEvent   `json:"event_history"`
	CurrentOnlineTransaction *OnlineTransaction `json:"current_online_transaction,omitempty"`
}

func (f Financials) NetPaid() decimal.Decimal { return f.TotalPaid.Sub(f.TotalRefunded) }
