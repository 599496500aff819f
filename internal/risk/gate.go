package risk

import (
	"fmt"
	"math"

	"mts-core/internal/agent"
	"mts-core/internal/portfolio"
)

const epsilon = 1e-9

// Reason identifies which limit rejected an intent.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInstrumentBlocked Reason = "INSTRUMENT_NOT_TRADABLE"
	ReasonPositionLimit     Reason = "POSITION_SIZE_LIMIT"
	ReasonNotionalLimit     Reason = "NOTIONAL_EXPOSURE_LIMIT"
	ReasonOpenOrderLimit    Reason = "OPEN_ORDER_LIMIT"
	ReasonOrderSizeLimit    Reason = "ORDER_SIZE_LIMIT"
)

// Limits is the reloadable risk configuration. It is read-only during an
// evaluation; the orchestrator swaps it only between cycles.
type Limits struct {
	Instruments         map[string]bool
	MaxPositionSize     float64
	MaxNotionalExposure float64
	MaxOpenOrders       int
	MaxOrderFraction    float64
}

// NewLimits builds Limits from the configured tradable list.
func NewLimits(instruments []string, maxPos, maxNotional float64, maxOpen int, maxFraction float64) Limits {
	set := make(map[string]bool, len(instruments))
	for _, in := range instruments {
		set[in] = true
	}
	return Limits{
		Instruments:         set,
		MaxPositionSize:     maxPos,
		MaxNotionalExposure: maxNotional,
		MaxOpenOrders:       maxOpen,
		MaxOrderFraction:    maxFraction,
	}
}

// Snapshot is everything the gate looks at besides the intent and the
// limits. The caller assembles it at evaluation time so the gate itself
// stays a pure function.
//
// InFlight is the signed unfilled quantity of open orders per instrument.
// Accepted-but-unfilled quantity already owns part of the budget: fills
// arrive asynchronously, so without it two intents in the same cycle could
// each pass the position check and overshoot the limit once both fill.
type Snapshot struct {
	Positions  map[string]portfolio.Position
	OpenOrders map[string]int
	InFlight   map[string]float64
	Marks      map[string]float64
}

// Decision is the gate's verdict. A rejection is a normal outcome, not an
// error; Reason and Detail explain it for the audit log.
type Decision struct {
	Accepted bool    `json:"accepted"`
	Reason   Reason  `json:"reason,omitempty"`
	Detail   string  `json:"detail,omitempty"`
	Delta    float64 `json:"delta"`
}

func reject(reason Reason, detail string, delta float64) Decision {
	return Decision{Accepted: false, Reason: reason, Detail: detail, Delta: delta}
}

// SignedDelta translates an intent into the signed change it would make to
// the instrument's net position, given the current signed quantity.
func SignedDelta(in agent.Intent, currentQty float64) float64 {
	switch in.Kind {
	case agent.KindOpenLong:
		return in.Size
	case agent.KindOpenShort:
		return -in.Size
	case agent.KindClose:
		if math.Abs(currentQty) < epsilon {
			return 0
		}
		qty := math.Abs(currentQty)
		if in.Size > 0 && in.Size < qty {
			qty = in.Size
		}
		if currentQty > 0 {
			return -qty
		}
		return qty
	case agent.KindAdjustSize:
		return in.Size - currentQty
	default:
		return 0
	}
}

// Evaluate runs the ordered limit checks and short-circuits on the first
// failure. It is deterministic and has no side effects.
func Evaluate(in agent.Intent, snap Snapshot, limits Limits) Decision {
	if !limits.Instruments[in.Instrument] {
		return reject(ReasonInstrumentBlocked, "instrument "+in.Instrument+" is not in the tradable set", 0)
	}

	current := snap.Positions[in.Instrument]
	delta := SignedDelta(in, current.Qty)
	resulting := current.Qty + snap.InFlight[in.Instrument] + delta

	if math.Abs(resulting) > limits.MaxPositionSize+epsilon {
		return reject(ReasonPositionLimit,
			formatLimit("resulting position", math.Abs(resulting), limits.MaxPositionSize), delta)
	}

	mark := markPrice(in, current, snap.Marks)
	exposure := math.Abs(resulting) * mark
	for inst, pos := range snap.Positions {
		if inst == in.Instrument {
			continue
		}
		exposure += math.Abs(pos.Qty+snap.InFlight[inst]) * markFor(inst, pos, snap.Marks)
	}
	for inst, qty := range snap.InFlight {
		if inst == in.Instrument {
			continue
		}
		if _, held := snap.Positions[inst]; held {
			continue
		}
		exposure += math.Abs(qty) * markFor(inst, portfolio.Position{}, snap.Marks)
	}
	if exposure > limits.MaxNotionalExposure+epsilon {
		return reject(ReasonNotionalLimit,
			formatLimit("aggregate notional", exposure, limits.MaxNotionalExposure), delta)
	}

	if snap.OpenOrders[in.Instrument] >= limits.MaxOpenOrders {
		return reject(ReasonOpenOrderLimit,
			formatLimit("open orders", float64(snap.OpenOrders[in.Instrument]), float64(limits.MaxOpenOrders)), delta)
	}

	maxOrder := limits.MaxOrderFraction * limits.MaxPositionSize
	if math.Abs(delta) > maxOrder+epsilon {
		return reject(ReasonOrderSizeLimit,
			formatLimit("order size", math.Abs(delta), maxOrder), delta)
	}

	return Decision{Accepted: true, Delta: delta}
}

// markPrice prices the instrument being traded: live mark first, then the
// intent's price limit, then the position's entry price.
func markPrice(in agent.Intent, pos portfolio.Position, marks map[string]float64) float64 {
	if m, ok := marks[in.Instrument]; ok && m > 0 {
		return m
	}
	if in.PriceLimit > 0 {
		return in.PriceLimit
	}
	return pos.AvgEntryPrice
}

func markFor(instrument string, pos portfolio.Position, marks map[string]float64) float64 {
	if m, ok := marks[instrument]; ok && m > 0 {
		return m
	}
	return pos.AvgEntryPrice
}

func formatLimit(what string, got, limit float64) string {
	return fmt.Sprintf("%s %.8g exceeds limit %.8g", what, got, limit)
}
