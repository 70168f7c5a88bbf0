package dispatch

import (
	"sort"
	"time"

	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/routing"
	"github.com/alertflow/alertflow/internal/rules"
)

// group is one notification group: the alerts that share a route node
// and a group-by label projection. A group is owned by the dispatcher
// mutex; the only concurrency it sees is the in-flight delivery flag.
type group struct {
	key    string
	route  *routing.Route
	labels model.LabelSet // group-by projection

	members map[model.Fingerprint]*rules.Alert

	// gen increments on every membership or state change. A flush
	// captures it; completion compares to detect changes that arrived
	// while the delivery was in flight.
	gen uint64

	createdAt time.Time
	lastFlush time.Time // zero until the first successful flush
	nextFlush time.Time

	// resolvedPending is set when a member transitioned to resolved
	// since the last flush; resolution notifications go out immediately.
	resolvedPending bool

	inflight bool
}

func newGroup(key string, route *routing.Route, ls model.LabelSet, now time.Time) *group {
	return &group{
		key:       key,
		route:     route,
		labels:    route.GroupLabels(ls),
		members:   make(map[model.Fingerprint]*rules.Alert),
		createdAt: now,
		nextFlush: now.Add(route.GroupWait),
	}
}

// upsert inserts or refreshes one member and adjusts the flush deadline.
func (g *group) upsert(a *rules.Alert, now time.Time) {
	fp := a.Fingerprint()
	prev, ok := g.members[fp]
	if !ok && !a.Firing() {
		// A resolution for an alert that was never notified as firing
		// (e.g. muted for its whole life) has nothing to say.
		return
	}

	cp := *a
	g.members[fp] = &cp

	switch {
	case !ok && a.Firing():
		// New member. A group that has already flushed batches further
		// additions at group_interval from the last flush; a brand-new
		// group keeps waiting out group_wait.
		g.gen++
		if !g.lastFlush.IsZero() {
			g.advanceTo(g.lastFlush.Add(g.route.GroupInterval))
		}
	case ok && prev.Firing() && a.Resolved():
		// Resolution: notify immediately, repeat_interval notwithstanding.
		g.gen++
		g.resolvedPending = true
		g.advanceTo(now)
	}
}

// advanceTo pulls the flush deadline earlier; it never pushes it back.
func (g *group) advanceTo(t time.Time) {
	if g.nextFlush.IsZero() || t.Before(g.nextFlush) {
		g.nextFlush = t
	}
}

// snapshot returns the members in fingerprint order.
func (g *group) snapshot() []*rules.Alert {
	out := make([]*rules.Alert, 0, len(g.members))
	for _, a := range g.members {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Fingerprint() < out[j].Fingerprint()
	})
	return out
}

// pruneResolved drops resolved members that were part of a delivered
// notification. Returns true when the group is left empty.
func (g *group) pruneResolved(delivered []*rules.Alert) bool {
	for _, a := range delivered {
		if !a.Resolved() {
			continue
		}
		fp := a.Fingerprint()
		if cur, ok := g.members[fp]; ok && cur.Resolved() {
			delete(g.members, fp)
		}
	}
	return len(g.members) == 0
}

// Status is the read-only view of a group exposed on the API.
type Status struct {
	Key       string         `json:"key"`
	Receiver  string         `json:"receiver"`
	Labels    model.LabelSet `json:"labels"`
	Alerts    []*rules.Alert `json:"alerts"`
	LastFlush time.Time      `json:"last_flush,omitempty"`
	NextFlush time.Time      `json:"next_flush"`
}
