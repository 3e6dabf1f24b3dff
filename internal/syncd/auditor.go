package syncd

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/podiumhq/podium/internal/vote"
)

// Drift describes a detected mismatch between the cache tally and the
// durable tally for one debate.
type Drift struct {
	DebateID string
	Cache    vote.Tally
	Durable  vote.Tally

	// Delta is cache minus durable per choice; a positive entry means the
	// durable store is missing votes.
	Delta map[vote.Choice]int
}

func (d *Drift) String() string {
	choices := make([]string, 0, len(d.Delta))
	for c := range d.Delta {
		choices = append(choices, string(c))
	}
	sort.Strings(choices)

	parts := make([]string, 0, len(choices))
	for _, c := range choices {
		parts = append(parts, fmt.Sprintf("%s%+d", c, d.Delta[vote.Choice(c)]))
	}
	return fmt.Sprintf("debate %s drift: %s", d.DebateID, strings.Join(parts, " "))
}

// Auditor verifies that durable tallies agree with the live cache. The
// cache is authoritative while a debate is open, so the auditor never
// repairs cache from durable state; repair means forcing a full resync
// toward the store, which the scheduler performs.
type Auditor struct {
	cache   *vote.Cache
	durable DurableStore
	logger  *log.Logger
	events  EventSink
}

// NewAuditor creates an auditor. Nil logger/events default to stderr and
// a discard sink.
func NewAuditor(cache *vote.Cache, durable DurableStore, logger *log.Logger, events EventSink) *Auditor {
	if logger == nil {
		logger = log.New(os.Stderr, "[auditor] ", log.LstdFlags)
	}
	if events == nil {
		events = nopSink{}
	}
	return &Auditor{cache: cache, durable: durable, logger: logger, events: events}
}

// AuditDebate recounts the durable tally for one debate and compares it
// with the cache tally. Debates with a non-empty dirty set are skipped:
// their divergence is expected and already queued for sync. Returns nil
// when no drift is found.
func (a *Auditor) AuditDebate(ctx context.Context, debateID string) (*Drift, error) {
	dirty, err := a.cache.DirtyCount(debateID)
	if err != nil {
		return nil, err
	}
	if dirty > 0 {
		return nil, nil
	}

	cacheTally, err := a.cache.Tally(debateID)
	if err != nil {
		return nil, err
	}

	durableTally, err := a.durable.CountByChoice(ctx, debateID)
	if err != nil {
		return nil, &StoreError{DebateID: debateID, Err: err}
	}

	if cacheTally.Equal(durableTally) {
		return nil, nil
	}

	drift := &Drift{
		DebateID: debateID,
		Cache:    cacheTally,
		Durable:  durableTally,
		Delta:    make(map[vote.Choice]int),
	}
	for c, n := range cacheTally {
		if diff := n - durableTally[c]; diff != 0 {
			drift.Delta[c] = diff
		}
	}
	for c, n := range durableTally {
		if _, seen := drift.Delta[c]; !seen {
			if diff := cacheTally[c] - n; diff != 0 {
				drift.Delta[c] = diff
			}
		}
	}

	a.logger.Printf("WARNING: %s", drift)
	a.events.DriftDetected(*drift)
	return drift, nil
}
