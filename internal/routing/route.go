package routing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/labels"
)

// Defaults applied at the root when the configuration leaves them out.
// Child nodes inherit their parent's effective values.
const (
	DefaultGroupWait      = 30 * time.Second
	DefaultGroupInterval  = 5 * time.Minute
	DefaultRepeatInterval = 4 * time.Hour
)

// Config is the YAML shape of one route node.
type Config struct {
	Receiver       string                     `yaml:"receiver,omitempty"`
	GroupBy        []model.LabelName          `yaml:"group_by,omitempty"`
	GroupWait      *model.Duration            `yaml:"group_wait,omitempty"`
	GroupInterval  *model.Duration            `yaml:"group_interval,omitempty"`
	RepeatInterval *model.Duration            `yaml:"repeat_interval,omitempty"`
	Match          map[model.LabelName]string `yaml:"match,omitempty"`
	MatchRE        map[model.LabelName]string `yaml:"match_re,omitempty"`
	Continue       bool                       `yaml:"continue,omitempty"`
	Routes         []*Config                  `yaml:"routes,omitempty"`
}

// Route is one compiled node. Fields hold effective (inherited) values.
type Route struct {
	// ID is the node's position path ("0", "0/1", ...). It is half of
	// every notification group key, so it must be stable for a given
	// configuration document.
	ID string

	Receiver       string
	GroupBy        []model.LabelName
	GroupWait      time.Duration
	GroupInterval  time.Duration
	RepeatInterval time.Duration
	Matchers       labels.Matchers
	Continue       bool
	Routes         []*Route

	root bool
}

// New compiles the route tree from its YAML form. The root node must
// name a receiver (the catch-all) and must carry no matchers, so every
// alert has somewhere to land.
func New(cfg *Config) (*Route, error) {
	if cfg == nil {
		return nil, fmt.Errorf("route: missing root node")
	}
	if cfg.Receiver == "" {
		return nil, fmt.Errorf("route: root node needs a receiver")
	}
	if len(cfg.Match) > 0 || len(cfg.MatchRE) > 0 {
		return nil, fmt.Errorf("route: root node must not have matchers")
	}
	parent := &Route{
		GroupWait:      DefaultGroupWait,
		GroupInterval:  DefaultGroupInterval,
		RepeatInterval: DefaultRepeatInterval,
	}
	return build(cfg, parent, "0")
}

func build(cfg *Config, parent *Route, id string) (*Route, error) {
	r := &Route{
		ID:             id,
		Receiver:       cfg.Receiver,
		GroupBy:        cfg.GroupBy,
		GroupWait:      parent.GroupWait,
		GroupInterval:  parent.GroupInterval,
		RepeatInterval: parent.RepeatInterval,
		Continue:       cfg.Continue,
		root:           parent.ID == "",
	}
	if r.Receiver == "" {
		r.Receiver = parent.Receiver
	}
	if r.GroupBy == nil {
		r.GroupBy = parent.GroupBy
	}
	if cfg.GroupWait != nil {
		r.GroupWait = time.Duration(*cfg.GroupWait)
	}
	if cfg.GroupInterval != nil {
		r.GroupInterval = time.Duration(*cfg.GroupInterval)
	}
	if cfg.RepeatInterval != nil {
		r.RepeatInterval = time.Duration(*cfg.RepeatInterval)
	}

	for name, value := range cfg.Match {
		m, err := labels.New(labels.MatchEqual, name, value)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", id, err)
		}
		r.Matchers = append(r.Matchers, m)
	}
	for name, value := range cfg.MatchRE {
		m, err := labels.New(labels.MatchRegexp, name, value)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", id, err)
		}
		r.Matchers = append(r.Matchers, m)
	}
	sort.Slice(r.Matchers, func(i, j int) bool { return r.Matchers[i].Name < r.Matchers[j].Name })

	for i, child := range cfg.Routes {
		c, err := build(child, r, fmt.Sprintf("%s/%d", id, i))
		if err != nil {
			return nil, err
		}
		r.Routes = append(r.Routes, c)
	}
	return r, nil
}

// Match walks the tree and returns the nodes that consume ls.
//
// A node consumes the alert when it matches and either has no matching
// child or has children but none of them match. Within a sibling list
// matching is depth-first and first-match-wins: a matching child with
// continue unset stops the scan; continue: true lets later siblings
// match too, which is the only way one alert fans out to several
// receivers. Called on the root (whose matcher set is empty) the result
// is never empty, so no alert is ever dropped.
func (r *Route) Match(ls model.LabelSet) []*Route {
	if !r.Matchers.Match(ls) {
		return nil
	}
	var out []*Route
	for _, child := range r.Routes {
		matched := child.Match(ls)
		out = append(out, matched...)
		if len(matched) > 0 && !child.Continue {
			break
		}
	}
	if len(out) == 0 {
		out = append(out, r)
	}
	return out
}

// IsRoot reports whether this node is the tree's catch-all root.
func (r *Route) IsRoot() bool { return r.root }

// GroupLabels projects ls onto the node's group_by keys. Absent labels
// are left out, so alerts lacking a grouping label still group together.
func (r *Route) GroupLabels(ls model.LabelSet) model.LabelSet {
	g := model.LabelSet{}
	for _, name := range r.GroupBy {
		if v, ok := ls[name]; ok {
			g[name] = v
		}
	}
	return g
}

// GroupKey builds the notification group key for an alert on this node:
// the node ID plus the sorted group-by projection.
func (r *Route) GroupKey(ls model.LabelSet) string {
	g := r.GroupLabels(ls)
	names := make([]string, 0, len(g))
	for n := range g {
		names = append(names, string(n))
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(r.ID)
	b.WriteByte('{')
	for i, n := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", n, g[model.LabelName(n)])
	}
	b.WriteByte('}')
	return b.String()
}
