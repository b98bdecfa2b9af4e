package orders

import (
	"errors"
	"time"
)

// Order types.
const (
	TypeProduction = "PRODUCTION"
	TypeStorage    = "STORAGE"
)

// Step types.
const (
	StepNavigation  = "NAVIGATION"
	StepManufacture = "MANUFACTURE"
)

// Step and order states seen on the wire.
const (
	StatePending    = "PENDING"
	StateEnqueued   = "ENQUEUED"
	StateInProgress = "IN_PROGRESS"
	StateRunning    = "RUNNING"
	StateFinished   = "FINISHED"
	StateCompleted  = "COMPLETED"
)

// Domain errors.
var (
	ErrInvalidPayload = errors.New("orders: payload is not an order or list of orders")
	ErrMissingOrderID = errors.New("orders: order has no orderId")
)

// Step is one production step of an order.
type Step struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	State      string         `json:"state"`
	Source     string         `json:"source,omitempty"`
	Target     string         `json:"target,omitempty"`
	ModuleType string         `json:"moduleType,omitempty"`
	Command    string         `json:"command,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Order is the manager's record of one CCU order.
//
// Fields holds every field of the latest payload for the order, including
// the ones mapped onto typed fields, except productionSteps. The steps are
// only exposed through ProductionSteps so readers never see the raw step
// states next to the normalised ones.
type Order struct {
	OrderID            string         `json:"order_id"`
	OrderType          string         `json:"order_type"`
	WorkpieceType      string         `json:"workpiece_type"`
	State              string         `json:"state"`
	Status             string         `json:"status"`
	ProductionSteps    []Step         `json:"production_steps"`
	ReceivedAt         time.Time      `json:"received_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty"`
	CompletedTimestamp *time.Time     `json:"completed_timestamp,omitempty"`
	Fields             map[string]any `json:"fields"`
}

func (o *Order) clone() Order {
	out := *o
	out.ProductionSteps = cloneSteps(o.ProductionSteps)
	out.StartedAt = cloneTime(o.StartedAt)
	out.FinishedAt = cloneTime(o.FinishedAt)
	out.CompletedTimestamp = cloneTime(o.CompletedTimestamp)
	out.Fields, _ = deepCopy(o.Fields).(map[string]any)
	return out
}

func cloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s
		out[i].Extra, _ = deepCopy(s.Extra).(map[string]any)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// deepCopy copies decoded JSON values.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
