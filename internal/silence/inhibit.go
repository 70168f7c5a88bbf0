package silence

import (
	"fmt"
	"sync"

	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/labels"
)

// InhibitConfig is the YAML shape of one inhibition rule.
type InhibitConfig struct {
	SourceMatch   map[model.LabelName]string `yaml:"source_match,omitempty"`
	SourceMatchRE map[model.LabelName]string `yaml:"source_match_re,omitempty"`
	TargetMatch   map[model.LabelName]string `yaml:"target_match,omitempty"`
	TargetMatchRE map[model.LabelName]string `yaml:"target_match_re,omitempty"`
	Equal         []model.LabelName          `yaml:"equal,omitempty"`
}

// InhibitRule mutes a target alert while some distinct firing alert
// matches the source side and agrees on all Equal labels.
type InhibitRule struct {
	Source labels.Matchers
	Target labels.Matchers
	Equal  []model.LabelName
}

// NewInhibitRule compiles one rule. A rule needs at least one matcher
// on each side; an empty side would match every alert.
func NewInhibitRule(cfg InhibitConfig) (*InhibitRule, error) {
	src, err := compileSide(cfg.SourceMatch, cfg.SourceMatchRE)
	if err != nil {
		return nil, fmt.Errorf("inhibit rule source: %w", err)
	}
	tgt, err := compileSide(cfg.TargetMatch, cfg.TargetMatchRE)
	if err != nil {
		return nil, fmt.Errorf("inhibit rule target: %w", err)
	}
	if len(src) == 0 || len(tgt) == 0 {
		return nil, fmt.Errorf("inhibit rule: both source and target need at least one matcher")
	}
	return &InhibitRule{Source: src, Target: tgt, Equal: cfg.Equal}, nil
}

func compileSide(eq, re map[model.LabelName]string) (labels.Matchers, error) {
	var ms labels.Matchers
	for name, value := range eq {
		m, err := labels.New(labels.MatchEqual, name, value)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	for name, value := range re {
		m, err := labels.New(labels.MatchRegexp, name, value)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, nil
}

// Inhibitor evaluates inhibition rules against the set of currently
// firing alerts, supplied by the firing callback so the check always
// sees the live state. Rules swap atomically on reload.
type Inhibitor struct {
	firing func() []model.LabelSet

	mu    sync.RWMutex
	rules []*InhibitRule
}

// NewInhibitor creates an Inhibitor reading firing alerts from firing.
func NewInhibitor(firing func() []model.LabelSet) *Inhibitor {
	return &Inhibitor{firing: firing}
}

// SetRules atomically replaces the rule set.
func (i *Inhibitor) SetRules(rules []*InhibitRule) {
	i.mu.Lock()
	i.rules = rules
	i.mu.Unlock()
}

// Mutes reports whether target is inhibited: some rule's target side
// matches it, and a distinct firing alert matches the rule's source
// side with all Equal labels agreeing. An alert never inhibits itself,
// so a label set that matches both sides of a rule stays audible unless
// a different source alert is firing.
func (i *Inhibitor) Mutes(target model.LabelSet) bool {
	i.mu.RLock()
	rules := i.rules
	i.mu.RUnlock()
	if len(rules) == 0 {
		return false
	}

	var sources []model.LabelSet // fetched lazily, most alerts match no target side
	for _, r := range rules {
		if !r.Target.Match(target) {
			continue
		}
		if sources == nil {
			sources = i.firing()
		}
		for _, src := range sources {
			if src.Equal(target) {
				continue
			}
			if !r.Source.Match(src) {
				continue
			}
			if equalLabels(src, target, r.Equal) {
				return true
			}
		}
	}
	return false
}

func equalLabels(a, b model.LabelSet, names []model.LabelName) bool {
	for _, n := range names {
		if a[n] != b[n] {
			return false
		}
	}
	return true
}
