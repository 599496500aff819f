package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"mts-core/internal/agent"
	"mts-core/internal/events"
	"mts-core/internal/gateway"
	"mts-core/internal/order"
	"mts-core/internal/portfolio"
	"mts-core/pkg/db"
)

// Outcome classifies what happened to one role's intent within a cycle.
type Outcome string

const (
	OutcomeNoOp         Outcome = "NO_OP"
	OutcomeRiskRejected Outcome = "RISK_REJECTED"
	OutcomeValidation   Outcome = "VALIDATION_ERROR"
	OutcomeError        Outcome = "ERROR"
	OutcomeSubmitted    Outcome = "SUBMITTED"
)

// AuditEntry is one role's line in the cycle audit record.
type AuditEntry struct {
	Role       string  `json:"role"`
	Kind       string  `json:"kind"`
	Instrument string  `json:"instrument,omitempty"`
	Size       float64 `json:"size,omitempty"`
	Outcome    Outcome `json:"outcome"`
	Reason     string  `json:"reason,omitempty"`
	OrderID    string  `json:"order_id,omitempty"`
	Status     string  `json:"status,omitempty"`
}

// Audit is the full record for one cycle.
type Audit struct {
	CycleID    string       `json:"cycle_id"`
	InstanceID string       `json:"instance_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Entries    []AuditEntry `json:"entries"`
}

// ContextSource supplies the per-cycle market view.
type ContextSource interface {
	Context() agent.MarketContext
}

// Orchestrator sequences the roles. Roles run strictly one after another so
// each sees the committed effects of the roles before it; conflicting
// intents on one instrument resolve by cycle order because later roles are
// risk-checked against the already-updated position.
type Orchestrator struct {
	deciders []agent.Decider
	gw       *gateway.Gateway
	book     *portfolio.Store
	orders   *order.Manager
	source   ContextSource
	bus      *events.Bus
	database *db.Database

	instanceID    string
	interval      time.Duration
	settleTimeout time.Duration
}

// New wires an orchestrator. database and bus may be nil in tests.
func New(deciders []agent.Decider, gw *gateway.Gateway, book *portfolio.Store, orders *order.Manager, source ContextSource, bus *events.Bus, database *db.Database, instanceID string, interval, settleTimeout time.Duration) *Orchestrator {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if settleTimeout <= 0 {
		settleTimeout = 5 * time.Second
	}
	return &Orchestrator{
		deciders:      deciders,
		gw:            gw,
		book:          book,
		orders:        orders,
		source:        source,
		bus:           bus,
		database:      database,
		instanceID:    instanceID,
		interval:      interval,
		settleTimeout: settleTimeout,
	}
}

// Run drives cycles on the configured interval until the context ends.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Printf("[orchestrator] running %d roles every %s", len(o.deciders), o.interval)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[orchestrator] stopped")
			return
		case <-ticker.C:
			if _, err := o.RunCycle(ctx); err != nil {
				log.Printf("[orchestrator] cycle failed: %v", err)
			}
		}
	}
}

// RunCycle executes one full cycle and returns its audit record. A failing
// role never blocks the roles after it; only context cancellation aborts
// the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) (Audit, error) {
	audit := Audit{
		CycleID:    uuid.NewString(),
		InstanceID: o.instanceID,
		StartedAt:  time.Now().UTC(),
	}

	for _, d := range o.deciders {
		if ctx.Err() != nil {
			return audit, ctx.Err()
		}
		// Fresh snapshot per role: role N+1 sees role N's committed fills.
		intent := d.Decide(o.book.Snapshot(), o.source.Context())
		audit.Entries = append(audit.Entries, o.execute(ctx, d.Role(), intent))
	}

	audit.FinishedAt = time.Now().UTC()
	if err := o.record(ctx, audit); err != nil {
		log.Printf("[orchestrator] cycle %s audit not persisted: %v", audit.CycleID, err)
	}
	return audit, nil
}

func (o *Orchestrator) execute(ctx context.Context, role string, in agent.Intent) AuditEntry {
	entry := AuditEntry{
		Role:       role,
		Kind:       string(in.Kind),
		Instrument: in.Instrument,
		Size:       in.Size,
	}
	if in.IsNoOp() {
		entry.Outcome = OutcomeNoOp
		return entry
	}

	// The nonce ties the key to this role's turn in this process run, so a
	// gateway-level retry of the same turn dedupes while the same intent in
	// the next cycle is a fresh action.
	nonce := fmt.Sprintf("%s|%s", o.instanceID, uuid.NewString())
	key := gateway.NewIdempotencyKey(in, nonce)

	res, err := o.gw.Submit(ctx, in, key)
	switch {
	case gateway.IsValidation(err):
		entry.Outcome = OutcomeValidation
		entry.Reason = err.Error()
	case err != nil:
		entry.Outcome = OutcomeError
		entry.Reason = err.Error()
		log.Printf("[orchestrator] role %s submit failed: %v", role, err)
	case res.Order == nil:
		entry.Outcome = OutcomeRiskRejected
		entry.Reason = string(res.Decision.Reason)
	default:
		entry.Outcome = OutcomeSubmitted
		entry.OrderID = res.Order.ID

		// Hold the next role's turn until this order settles out of
		// Pending (or times out) so two roles never race one instrument's
		// risk budget.
		settled, werr := o.orders.WaitSettled(ctx, res.Order.ID, o.settleTimeout)
		if werr != nil {
			entry.Status = string(res.Order.Status)
		} else {
			entry.Status = string(settled.Status)
		}
	}
	return entry
}

func (o *Orchestrator) record(ctx context.Context, a Audit) error {
	if o.bus != nil {
		o.bus.Publish(events.EventCycleAudit, a)
	}
	if o.database == nil {
		return nil
	}
	raw, err := json.Marshal(a.Entries)
	if err != nil {
		return fmt.Errorf("marshal audit entries: %w", err)
	}
	return o.database.CreateCycleAudit(ctx, db.CycleAudit{
		CycleID:    a.CycleID,
		InstanceID: a.InstanceID,
		StartedAt:  a.StartedAt,
		FinishedAt: a.FinishedAt,
		Entries:    string(raw),
	})
}
