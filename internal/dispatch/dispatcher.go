package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/metrics"
	"github.com/alertflow/alertflow/internal/notify"
	"github.com/alertflow/alertflow/internal/routing"
	"github.com/alertflow/alertflow/internal/rules"
)

// MuteFunc reports whether an alert's labels are currently suppressed
// (silenced or inhibited). It is consulted both before grouping and
// again at flush time, so a silence created between the two still
// holds a notification back.
type MuteFunc func(ls model.LabelSet, now time.Time) bool

// Options tune delivery behavior. Zero values take the defaults noted
// on each field.
type Options struct {
	Workers        int           // concurrent deliveries across groups (default 4)
	AttemptTimeout time.Duration // per delivery attempt (default 10s)
	MaxAttempts    int           // retry cap; 0 takes the default (8), negative retries indefinitely at the backoff cap
	BackoffMin     time.Duration // default 1s
	BackoffMax     time.Duration // default 5m
	FlushTick      time.Duration // scheduler scan period (default 1s)
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 8
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.FlushTick <= 0 {
		o.FlushTick = time.Second
	}
}

// Dispatcher owns the notification group table. Alert batches arrive
// from the evaluator via OnAlerts; one scheduler loop scans group
// deadlines; deliveries run on a bounded semaphore with at most one in
// flight per group; a flush falling due during delivery coalesces into
// the completion path instead of queueing twice.
type Dispatcher struct {
	opts    Options
	mutes   MuteFunc
	metrics *metrics.Metrics

	mu        sync.Mutex
	route     *routing.Route
	receivers map[string]*notify.Receiver
	groups    map[string]*group
	now       func() time.Time // injectable for deterministic tests

	sem chan struct{}
	ctx context.Context // delivery lifetime; set by Run
}

// New creates a Dispatcher. mutes may be nil (nothing is suppressed).
func New(opts Options, mutes MuteFunc, m *metrics.Metrics) *Dispatcher {
	opts.withDefaults()
	if mutes == nil {
		mutes = func(model.LabelSet, time.Time) bool { return false }
	}
	return &Dispatcher{
		opts:      opts,
		mutes:     mutes,
		metrics:   m,
		receivers: make(map[string]*notify.Receiver),
		groups:    make(map[string]*group),
		now:       time.Now,
		sem:       make(chan struct{}, opts.Workers),
		ctx:       context.Background(),
	}
}

// SetRoute atomically swaps the routing tree. Existing groups keep
// their route snapshot until they drain; new pairings use the new tree.
func (d *Dispatcher) SetRoute(r *routing.Route) {
	d.mu.Lock()
	d.route = r
	d.mu.Unlock()
}

// SetReceivers atomically swaps the receiver table.
func (d *Dispatcher) SetReceivers(rs []*notify.Receiver) {
	table := make(map[string]*notify.Receiver, len(rs))
	for _, r := range rs {
		table[r.Name] = r
	}
	d.mu.Lock()
	d.receivers = table
	d.mu.Unlock()
}

// OnAlerts routes one evaluator batch into groups. Firing alerts that
// are currently muted are left out; the evaluator re-sends the firing
// set every tick, so they re-enter as soon as the mute lifts. Resolved
// alerts always pass through: they only update existing members.
func (d *Dispatcher) OnAlerts(alerts []*rules.Alert) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.route == nil {
		return
	}

	for _, a := range alerts {
		if a.Firing() && d.mutes(a.Labels, now) {
			continue
		}
		routes := d.route.Match(a.Labels)
		for _, r := range routes {
			if r.IsRoot() && len(r.Routes) > 0 && a.Firing() {
				// Fell through every child matcher: catch-all receiver.
				d.metrics.RoutingFallbacks.Inc()
			}
			key := r.GroupKey(a.Labels)
			g, ok := d.groups[key]
			if !ok {
				if a.Resolved() {
					// A resolution with no group to resolve into has
					// nothing to notify.
					continue
				}
				g = newGroup(key, r, a.Labels, now)
				d.groups[key] = g
				d.metrics.ActiveGroups.Inc()
				slog.Debug("dispatch: group created", "group", key, "receiver", r.Receiver)
			}
			g.upsert(a, now)
		}
	}
}

// Run starts the flush scheduler and blocks until ctx is cancelled.
// In-flight deliveries stop retrying once ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	t := time.NewTicker(d.opts.FlushTick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.SchedulerPass(d.now())
		}
	}
}

// SchedulerPass scans every group once and starts deliveries for those
// whose deadline has passed. Exported so tests drive time explicitly.
func (d *Dispatcher) SchedulerPass(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, g := range d.groups {
		if g.inflight {
			continue
		}
		if len(g.members) == 0 {
			// Drained group: keep it around for repeat_interval so a
			// flapping alert reuses its timing, then drop it.
			if now.Sub(g.lastFlush) >= g.route.RepeatInterval {
				delete(d.groups, key)
				d.metrics.ActiveGroups.Dec()
				slog.Debug("dispatch: group deleted", "group", key)
			}
			continue
		}
		if g.nextFlush.IsZero() || now.Before(g.nextFlush) {
			continue
		}
		d.startFlushLocked(g, now)
	}
}

// startFlushLocked renders the group and hands delivery to the pool.
// Members muted at flush time are excluded; if nothing audible remains
// the flush is skipped and re-checked a group_interval later.
func (d *Dispatcher) startFlushLocked(g *group, now time.Time) {
	all := g.snapshot()
	audible := all[:0:0]
	for _, a := range all {
		if a.Firing() && d.mutes(a.Labels, now) {
			continue
		}
		audible = append(audible, a)
	}
	if len(audible) == 0 {
		g.nextFlush = now.Add(g.route.GroupInterval)
		return
	}

	status := "resolved"
	for _, a := range audible {
		if a.Firing() {
			status = "firing"
			break
		}
	}

	n := &notify.Notification{
		Receiver:    g.route.Receiver,
		Status:      status,
		GroupKey:    g.key,
		GroupLabels: g.labels.Clone(),
		Alerts:      audible,
	}
	recv, ok := d.receivers[g.route.Receiver]
	if !ok {
		// Config validation rejects unknown receivers; reaching this
		// means a reload removed one mid-drain. Drop with a trace.
		slog.Error("dispatch: receiver vanished, dropping flush",
			"group", g.key, "receiver", g.route.Receiver)
		g.nextFlush = now.Add(g.route.GroupInterval)
		return
	}

	g.inflight = true
	gen := g.gen
	go d.deliver(g, gen, recv, n)
}

// deliver runs the retry loop for one flush, bounded by the worker
// semaphore, then reports the outcome back under the dispatcher lock.
func (d *Dispatcher) deliver(g *group, gen uint64, recv *notify.Receiver, n *notify.Notification) {
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-d.ctx.Done():
		d.complete(g, gen, n, false)
		return
	}

	b := &backoff.Backoff{
		Min:    d.opts.BackoffMin,
		Max:    d.opts.BackoffMax,
		Jitter: true,
	}

	ok := false
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(d.ctx, d.opts.AttemptTimeout)
		retry, err := recv.Notify(actx, n)
		cancel()

		if err == nil {
			ok = true
			break
		}
		slog.Warn("dispatch: delivery failed",
			"group", n.GroupKey,
			"receiver", n.Receiver,
			"attempt", attempt,
			"retry", retry,
			"err", err,
		)
		if !retry {
			break
		}
		if d.opts.MaxAttempts > 0 && attempt >= d.opts.MaxAttempts {
			break
		}

		select {
		case <-time.After(b.Duration()):
		case <-d.ctx.Done():
			d.complete(g, gen, n, false)
			return
		}
	}

	if ok {
		d.metrics.NotificationsSent.WithLabelValues(n.Receiver).Inc()
	} else {
		d.metrics.NotificationsFailed.WithLabelValues(n.Receiver).Inc()
	}
	d.complete(g, gen, n, ok)
}

// complete finalizes one flush: clears the in-flight flag, prunes
// delivered resolutions, and schedules the next deadline. Changes that
// arrived while the delivery was in flight (gen moved) flush again at
// group_interval, the coalescing path for requests made mid-flight.
func (d *Dispatcher) complete(g *group, gen uint64, n *notify.Notification, ok bool) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	g.inflight = false

	if !ok {
		// Keep the payload's members; try the whole group again later.
		g.nextFlush = now.Add(g.route.GroupInterval)
		return
	}

	g.lastFlush = now
	g.pruneResolved(n.Alerts)

	switch {
	case g.gen != gen:
		// Membership moved under the delivery; coalesced follow-up.
		if g.resolvedPending {
			g.nextFlush = now
		} else {
			g.nextFlush = now.Add(g.route.GroupInterval)
		}
	default:
		g.resolvedPending = false
		g.nextFlush = now.Add(g.route.RepeatInterval)
	}
}

// Groups returns the current group table for the query surface, sorted
// by group key.
func (d *Dispatcher) Groups() []Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Status, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, Status{
			Key:       g.key,
			Receiver:  g.route.Receiver,
			Labels:    g.labels.Clone(),
			Alerts:    g.snapshot(),
			LastFlush: g.lastFlush,
			NextFlush: g.nextFlush,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
