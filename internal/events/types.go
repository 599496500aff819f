package events

// Event enumerates high-level topics inside the orchestration core.
type Event string

const (
	EventPriceTick            Event = "price_tick"
	EventIntent               Event = "intent"
	EventRiskRejected         Event = "risk.rejected"
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderPartiallyFilled Event = "order.partially_filled"
	EventOrderFilled          Event = "order.filled"
	EventOrderCancelled       Event = "order.cancelled"
	EventPositionChange       Event = "position_change"
	EventReconcileConflict    Event = "reconcile.conflict"
	EventCycleAudit           Event = "cycle.audit"
)
