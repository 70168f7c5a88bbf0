package silence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/labels"
)

// gcRetention is how long an expired silence remains listable before
// the garbage collector drops it.
const gcRetention = time.Hour

// Silence is one time-bounded suppression rule. It mutes an alert whose
// labels satisfy every matcher while now is within [StartsAt, EndsAt).
type Silence struct {
	ID        string    `json:"id"`
	Matchers  string    `json:"matchers"` // raw filter, e.g. `service="api",env=~"prod|staging"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	CreatedBy string    `json:"created_by"`
	Comment   string    `json:"comment,omitempty"`

	matchers labels.Matchers
}

// Active reports whether the silence covers the instant now.
func (s *Silence) Active(now time.Time) bool {
	return !now.Before(s.StartsAt) && now.Before(s.EndsAt)
}

// Silences is the thread-safe silence store. Expired entries linger for
// an hour (for listing) and are then dropped by the Run loop.
type Silences struct {
	mu   sync.RWMutex
	byID map[string]*Silence
	now  func() time.Time // injectable for deterministic tests
}

// NewSilences returns an empty store.
func NewSilences() *Silences {
	return &Silences{
		byID: make(map[string]*Silence),
		now:  time.Now,
	}
}

// Create validates and stores a new silence. A zero startsAt means
// "starting now". The matcher string must parse to at least one
// predicate so a silence can never mute everything by accident.
func (s *Silences) Create(matchers string, startsAt, endsAt time.Time, createdBy, comment string) (*Silence, error) {
	ms, err := labels.Parse(matchers)
	if err != nil {
		return nil, fmt.Errorf("silence: %w", err)
	}
	if len(ms) == 0 {
		return nil, fmt.Errorf("silence: at least one matcher is required")
	}
	if startsAt.IsZero() {
		startsAt = s.now()
	}
	if !endsAt.After(startsAt) {
		return nil, fmt.Errorf("silence: ends_at must be after starts_at")
	}

	sil := &Silence{
		ID:        uuid.NewString(),
		Matchers:  matchers,
		StartsAt:  startsAt,
		EndsAt:    endsAt,
		CreatedBy: createdBy,
		Comment:   comment,
		matchers:  ms,
	}

	s.mu.Lock()
	s.byID[sil.ID] = sil
	s.mu.Unlock()

	slog.Info("silence created",
		"id", sil.ID,
		"matchers", matchers,
		"ends_at", endsAt,
		"by", createdBy,
	)
	cp := *sil
	return &cp, nil
}

// Expire ends the silence identified by id now. Expiring an already
// expired silence is an error so callers can distinguish a no-op.
func (s *Silences) Expire(id string) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sil, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("silence %s: not found", id)
	}
	if !sil.EndsAt.After(now) {
		return fmt.Errorf("silence %s: already expired", id)
	}
	if sil.StartsAt.After(now) {
		// Not started yet: cancel it outright.
		delete(s.byID, id)
		return nil
	}
	sil.EndsAt = now
	return nil
}

// List returns copies of all known silences, active ones first, then by
// start time.
func (s *Silences) List() []*Silence {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Silence, 0, len(s.byID))
	for _, sil := range s.byID {
		cp := *sil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].Active(now), out[j].Active(now)
		if ai != aj {
			return ai
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out
}

// Mutes reports whether any active silence matches ls at now.
func (s *Silences) Mutes(ls model.LabelSet, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sil := range s.byID {
		if sil.Active(now) && sil.matchers.Match(ls) {
			return true
		}
	}
	return false
}

// GC removes silences that expired more than gcRetention ago and
// returns how many were dropped.
func (s *Silences) GC(now time.Time) int {
	cutoff := now.Add(-gcRetention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sil := range s.byID {
		if sil.EndsAt.Before(cutoff) {
			delete(s.byID, id)
			removed++
		}
	}
	return removed
}

// Run drives periodic garbage collection until ctx is cancelled.
func (s *Silences) Run(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.GC(now); n > 0 {
				slog.Debug("silence: collected expired entries", "count", n)
			}
		}
	}
}
