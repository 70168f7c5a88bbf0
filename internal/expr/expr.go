package expr

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/labels"
	"github.com/alertflow/alertflow/internal/store"
)

// instantLookback bounds how far back the latest point of a series may
// lie to still count for an instant selector. Series silent for longer
// are considered stale and do not match.
const instantLookback = 5 * time.Minute

// ErrNoData marks an evaluation against a selector no live series
// matches. Recorded as the rule's evaluation error for the tick.
var ErrNoData = errors.New("no series match selector")

// Querier is the sample-store view an expression needs.
type Querier interface {
	Query(name string, ms labels.Matchers, asOf time.Time, lookback time.Duration) []store.Series
}

// Result is one evaluated sample the comparison held for.
type Result struct {
	Labels model.LabelSet
	Value  float64
}

// Aggregation functions.
const (
	aggNone  = ""
	aggSum   = "sum"
	aggCount = "count"
	aggAvg   = "avg"
	aggMin   = "min"
	aggMax   = "max"
	aggRate  = "rate"
)

// Expr is a compiled alerting expression.
type Expr struct {
	agg       string
	name      string
	matchers  labels.Matchers
	window    time.Duration // rate range window
	cmp       string
	threshold float64
	src       string
}

// exprPattern: [agg(] name [{matchers}] [[range]] [)] cmp number
var exprPattern = regexp.MustCompile(
	`^\s*(?:(sum|count|avg|min|max|rate)\s*\(\s*)?` + // 1: aggregation
		`([a-zA-Z_:][a-zA-Z0-9_:]*)` + // 2: metric name
		`(?:\{([^}]*)\})?` + // 3: matcher body
		`(?:\[([^\]]+)\])?` + // 4: range
		`\s*(\))?` + // 5: closing paren
		`\s*(>=|<=|==|!=|>|<)` + // 6: comparison
		`\s*([+-]?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?)\s*$`) // 7: threshold

// Parse compiles src. Structural problems (unknown aggregation,
// unbalanced parens, a range on anything but rate, bad matchers) are
// reported here so config validation rejects the rule up front.
func Parse(src string) (*Expr, error) {
	sub := exprPattern.FindStringSubmatch(src)
	if sub == nil {
		return nil, fmt.Errorf("parse expression %q: want [agg(]metric[{matchers}][[range]][)] cmp number", src)
	}
	e := &Expr{agg: sub[1], name: sub[2], cmp: sub[6], src: src}

	if (e.agg != aggNone) != (sub[5] == ")") {
		return nil, fmt.Errorf("parse expression %q: unbalanced parentheses", src)
	}

	if sub[3] != "" {
		ms, err := labels.Parse(sub[3])
		if err != nil {
			return nil, fmt.Errorf("parse expression %q: %w", src, err)
		}
		e.matchers = ms
	}

	if sub[4] != "" {
		if e.agg != aggRate {
			return nil, fmt.Errorf("parse expression %q: range window is only valid with rate()", src)
		}
		d, err := model.ParseDuration(sub[4])
		if err != nil {
			return nil, fmt.Errorf("parse expression %q: bad range: %w", src, err)
		}
		e.window = time.Duration(d)
	} else if e.agg == aggRate {
		return nil, fmt.Errorf("parse expression %q: rate() requires a range window, e.g. rate(m[5m])", src)
	}

	v, err := strconv.ParseFloat(sub[7], 64)
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: bad threshold: %w", src, err)
	}
	e.threshold = v
	return e, nil
}

// String returns the original expression text.
func (e *Expr) String() string { return e.src }

// Eval evaluates the expression at asOf and returns one Result per
// series (or one combined Result for collapsing aggregations) for which
// the comparison held. A selector matching no live series returns
// ErrNoData.
func (e *Expr) Eval(q Querier, asOf time.Time) ([]Result, error) {
	switch e.agg {
	case aggNone:
		return e.evalInstant(q, asOf)
	case aggRate:
		return e.evalRate(q, asOf)
	default:
		return e.evalAggregate(q, asOf)
	}
}

func (e *Expr) evalInstant(q Querier, asOf time.Time) ([]Result, error) {
	series := q.Query(e.name, e.matchers, asOf, instantLookback)
	if len(series) == 0 {
		return nil, fmt.Errorf("%s: %w", e.name, ErrNoData)
	}
	var out []Result
	for _, sr := range series {
		v := float64(sr.Latest().Value)
		if e.compare(v) {
			out = append(out, Result{Labels: seriesLabels(sr.Metric), Value: v})
		}
	}
	return out, nil
}

// evalRate computes a per-second rate over the range window for each
// matching series. Series with fewer than two points in the window
// cannot produce a rate and are skipped; if every series is skipped the
// evaluation reports ErrNoData.
func (e *Expr) evalRate(q Querier, asOf time.Time) ([]Result, error) {
	series := q.Query(e.name, e.matchers, asOf, e.window)
	var (
		out  []Result
		seen bool
	)
	for _, sr := range series {
		if len(sr.Points) < 2 {
			continue
		}
		seen = true
		first, last := sr.Points[0], sr.Points[len(sr.Points)-1]
		elapsed := last.Timestamp.Sub(first.Timestamp).Seconds()
		if elapsed <= 0 {
			continue
		}
		delta := float64(last.Value - first.Value)
		if delta < 0 {
			// Counter reset: best effort, restart from the post-reset value.
			delta = float64(last.Value)
		}
		v := delta / elapsed
		if e.compare(v) {
			out = append(out, Result{Labels: seriesLabels(sr.Metric), Value: v})
		}
	}
	if !seen {
		return nil, fmt.Errorf("rate(%s[%s]): %w", e.name, e.window, ErrNoData)
	}
	return out, nil
}

// evalAggregate collapses all matching series into a single value. The
// result carries only the selector's equality labels, since per-series
// labels are no longer meaningful after aggregation.
func (e *Expr) evalAggregate(q Querier, asOf time.Time) ([]Result, error) {
	series := q.Query(e.name, e.matchers, asOf, instantLookback)
	if len(series) == 0 {
		return nil, fmt.Errorf("%s(%s): %w", e.agg, e.name, ErrNoData)
	}

	var v float64
	switch e.agg {
	case aggCount:
		v = float64(len(series))
	case aggSum, aggAvg:
		for _, sr := range series {
			v += float64(sr.Latest().Value)
		}
		if e.agg == aggAvg {
			v /= float64(len(series))
		}
	case aggMin, aggMax:
		v = float64(series[0].Latest().Value)
		for _, sr := range series[1:] {
			sv := float64(sr.Latest().Value)
			if (e.agg == aggMin && sv < v) || (e.agg == aggMax && sv > v) {
				v = sv
			}
		}
	}

	if !e.compare(v) {
		return nil, nil
	}
	ls := model.LabelSet{}
	for _, m := range e.matchers {
		if m.Type == labels.MatchEqual {
			ls[m.Name] = model.LabelValue(m.Value)
		}
	}
	return []Result{{Labels: ls, Value: v}}, nil
}

func (e *Expr) compare(v float64) bool {
	switch e.cmp {
	case ">":
		return v > e.threshold
	case ">=":
		return v >= e.threshold
	case "<":
		return v < e.threshold
	case "<=":
		return v <= e.threshold
	case "==":
		return v == e.threshold
	case "!=":
		return v != e.threshold
	}
	return false
}

// seriesLabels strips __name__ from a series' metric, returning the
// labels an alert instance inherits.
func seriesLabels(m model.Metric) model.LabelSet {
	ls := model.LabelSet(m).Clone()
	delete(ls, model.MetricNameLabel)
	return ls
}
