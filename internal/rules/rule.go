package rules

import (
	"time"

	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/expr"
)

// State is an alert instance's lifecycle state. The only edges are
// Pending→Firing, Pending→gone, Firing→Resolved, Resolved→gone.
type State string

const (
	StatePending  State = "pending"
	StateFiring   State = "firing"
	StateResolved State = "resolved"
)

// Rule is one alerting rule from the active configuration generation.
// Rules are immutable after construction; a reload swaps the whole set.
type Rule struct {
	// Name becomes the instance's alertname label and half of its identity.
	Name string

	// Expr is the compiled threshold expression.
	Expr *expr.Expr

	// For is the hold duration: the condition must stay true this long
	// before the instance fires. Zero fires on the first true tick.
	For time.Duration

	// Labels are attached to every instance, overriding series labels
	// on conflict.
	Labels model.LabelSet

	// Annotations carry non-identity display information.
	Annotations model.LabelSet
}

// Alert is one live alert instance. Identity is the fingerprint of
// Labels (alertname + rule labels + series labels) and never changes;
// only State, Value and the timestamps move.
type Alert struct {
	Labels      model.LabelSet `json:"labels"`
	Annotations model.LabelSet `json:"annotations,omitempty"`
	State       State          `json:"state"`
	Value       float64        `json:"value"`

	// ActiveAt is when the condition first became true (Pending entry).
	ActiveAt time.Time `json:"active_at"`

	// FiredAt is ActiveAt + For, fixed at the Firing transition. Using
	// the hold deadline rather than the observing tick keeps firing
	// timestamps deterministic under evaluator jitter.
	FiredAt time.Time `json:"fired_at,omitempty"`

	// ResolvedAt is when a firing condition was first observed false.
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Name returns the instance's alertname label.
func (a *Alert) Name() string {
	return string(a.Labels[model.AlertNameLabel])
}

// Fingerprint is the instance's stable identity.
func (a *Alert) Fingerprint() model.Fingerprint {
	return a.Labels.Fingerprint()
}

// Firing reports whether the instance is currently firing.
func (a *Alert) Firing() bool { return a.State == StateFiring }

// Resolved reports whether the instance's condition has cleared.
func (a *Alert) Resolved() bool { return a.State == StateResolved }

// instanceLabels merges series labels under rule labels and stamps the
// alertname, producing the instance's identity label set.
func (r *Rule) instanceLabels(series model.LabelSet) model.LabelSet {
	ls := series.Clone()
	for n, v := range r.Labels {
		ls[n] = v
	}
	ls[model.AlertNameLabel] = model.LabelValue(r.Name)
	return ls
}
