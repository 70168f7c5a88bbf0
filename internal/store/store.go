package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/labels"
)

// DefaultRetention is how long samples are kept when no retention is
// configured.
const DefaultRetention = time.Hour

// Series is the queryable view of one time series: its full label set
// (including __name__) and the points that fell inside the requested
// window, in ascending timestamp order.
type Series struct {
	Metric model.Metric
	Points []model.SamplePair
}

// Latest returns the most recent point of the series.
// Callers must only invoke it on a series with at least one point;
// Query never returns an empty one.
func (s Series) Latest() model.SamplePair {
	return s.Points[len(s.Points)-1]
}

type series struct {
	metric model.Metric
	points []model.SamplePair // ascending by timestamp
}

// Store is a thread-safe in-memory sample buffer keyed by series
// fingerprint. A background goroutine (Run) periodically evicts points
// older than the retention window.
type Store struct {
	mu        sync.RWMutex
	series    map[model.Fingerprint]*series
	retention time.Duration
	now       func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given retention. A non-positive
// retention falls back to DefaultRetention.
func New(retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		series:    make(map[model.Fingerprint]*series),
		retention: retention,
		now:       time.Now,
	}
}

// Add records one sample for the series identified by metric.
// Appends are amortized O(1); an out-of-order sample (older than the
// series tail) is insert-sorted, which is rare and tolerated rather
// than rejected. Callers must not modify metric after calling Add.
func (s *Store) Add(metric model.Metric, t model.Time, v model.SampleValue) {
	fp := metric.FastFingerprint()
	p := model.SamplePair{Timestamp: t, Value: v}

	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.series[fp]
	if !ok {
		sr = &series{metric: metric}
		s.series[fp] = sr
	}

	if n := len(sr.points); n == 0 || !t.Before(sr.points[n-1].Timestamp) {
		sr.points = append(sr.points, p)
		return
	}
	i := sort.Search(len(sr.points), func(i int) bool {
		return sr.points[i].Timestamp.After(t)
	})
	sr.points = append(sr.points, model.SamplePair{})
	copy(sr.points[i+1:], sr.points[i:])
	sr.points[i] = p
}

// Query returns every series whose name equals name and whose label set
// satisfies ms, with the points in the window (asOf-lookback, asOf].
// Series with no point in the window are omitted. The returned point
// slices are copies; callers may retain them freely.
func (s *Store) Query(name string, ms labels.Matchers, asOf time.Time, lookback time.Duration) []Series {
	at := model.TimeFromUnixNano(asOf.UnixNano())
	from := at.Add(-lookback)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Series
	for _, sr := range s.series {
		if string(sr.metric[model.MetricNameLabel]) != name {
			continue
		}
		if !ms.Match(model.LabelSet(sr.metric)) {
			continue
		}
		lo := sort.Search(len(sr.points), func(i int) bool {
			return sr.points[i].Timestamp.After(from)
		})
		hi := sort.Search(len(sr.points), func(i int) bool {
			return sr.points[i].Timestamp.After(at)
		})
		if lo == hi {
			continue
		}
		pts := make([]model.SamplePair, hi-lo)
		copy(pts, sr.points[lo:hi])
		out = append(out, Series{Metric: sr.metric, Points: pts})
	}
	return out
}

// SeriesCount returns the number of series currently held, including
// ones whose points have all aged out but are not yet evicted.
func (s *Store) SeriesCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}

// Evict drops points older than now minus retention and removes series
// left with no points. It returns the number of points dropped.
func (s *Store) Evict(now time.Time) int {
	cutoff := model.TimeFromUnixNano(now.Add(-s.retention).UnixNano())

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for fp, sr := range s.series {
		keep := sort.Search(len(sr.points), func(i int) bool {
			return sr.points[i].Timestamp.After(cutoff)
		})
		if keep == 0 {
			continue
		}
		removed += keep
		if keep == len(sr.points) {
			delete(s.series, fp)
			continue
		}
		sr.points = append(sr.points[:0], sr.points[keep:]...)
	}
	return removed
}

// Run starts the background retention eviction loop. It ticks at half
// the retention interval (minimum 1 second) and blocks until ctx is
// cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted expired samples", "points", n)
			}
		}
	}
}
