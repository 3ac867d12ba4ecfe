package orders

import "sort"

type Status string

const (
	StatusDraft            Status = "draft"
	StatusConfirmed        Status = "confirmed"
	StatusProcessing       Status = "processing"
	StatusReadyForPickup   Status = "ready_for_pickup"
	StatusReadyForShipment Status = "ready_for_shipment"
	StatusPickedUp         Status = "picked_up"
	StatusInTransit        Status = "in_transit"
	StatusDelivered        Status = "delivered"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
)

// Final statuses accept no further transitions.
func (s Status) Final() bool { return s == StatusCompleted || s == StatusCancelled }

// Editable statuses allow post-confirmation edits of the order content.
func (s Status) Editable() bool { return s == StatusConfirmed || s == StatusProcessing }

type Step struct {
	Status          Status
	Order           int
	Methods         []DeliveryMethod
	RollbackAllowed bool
}

func (s Step) supports(m DeliveryMethod) bool {
	for _, x := range s.Methods {
		if x == m {
			return true
		}
	}
	return false
}

var allMethods = []DeliveryMethod{DeliveryPickup, DeliveryCourier, DeliveryTransport}

// Steps is the full step table; Sequence narrows it per delivery method.
var Steps = []Step{
	{Status: StatusConfirmed, Order: 1, Methods: allMethods},
	{Status: StatusProcessing, Order: 2, Methods: allMethods, RollbackAllowed: true},
	{Status: StatusReadyForPickup, Order: 3, Methods: []DeliveryMethod{DeliveryPickup}, RollbackAllowed: true},
	{Status: StatusReadyForShipment, Order: 3, Methods: []DeliveryMethod{DeliveryTransport}, RollbackAllowed: true},
	{Status: StatusPickedUp, Order: 4, Methods: []DeliveryMethod{DeliveryPickup}, RollbackAllowed: true},
	{Status: StatusInTransit, Order: 4, Methods: []DeliveryMethod{DeliveryCourier, DeliveryTransport}, RollbackAllowed: true},
	{Status: StatusDelivered, Order: 5, Methods: []DeliveryMethod{DeliveryCourier, DeliveryTransport}, RollbackAllowed: true},
	{Status: StatusCompleted, Order: 6, Methods: allMethods},
}

func Sequence(m DeliveryMethod) []Step {
	out := make([]Step, 0, len(Steps))
	for _, s := range Steps {
		if s.supports(m) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
