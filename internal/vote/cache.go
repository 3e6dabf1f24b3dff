package vote

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Cache is the process-wide registry of live debate entries.
//
// The registry map is guarded by an RWMutex that is only held for lookup
// and registration; all per-debate work happens under that entry's own
// mutex, so contention exists only among concurrent voters of the same
// debate.
type Cache struct {
	mu      sync.RWMutex
	debates map[string]*entry

	// OnTallyChanged, if set, is invoked after every tally-affecting
	// mutation with the debate's fresh results. It is called outside the
	// entry lock and must not block for long; delivery downstream is the
	// consumer's responsibility.
	OnTallyChanged func(debateID string, r Results)
}

// entry is the in-memory aggregate for one debate (DebateCacheEntry).
//
// Invariant: tally always equals the per-choice count of votes; every
// mutation of votes updates tally in the same critical section.
type entry struct {
	mu sync.Mutex

	debateID    string
	choices     map[Choice]bool
	changeLimit int64 // max vote changes per participant, 0 = unlimited

	state    LockState
	closedAt time.Time

	votes      map[string]*Vote    // participant_id -> current vote
	tally      Tally               // derived, kept incrementally consistent
	dirty      map[string]struct{} // participant_ids changed since last sync
	lastSynced map[string]int64    // participant_id -> last synced version

	// snapshot holds an immutable Results copy republished on every tally
	// mutation so reads never block on writer contention.
	snapshot atomic.Pointer[Results]
}

// NewCache creates an empty cache registry.
func NewCache() *Cache {
	return &Cache{debates: make(map[string]*entry)}
}

// Register creates an open cache entry for a debate.
//
// choices is the valid option set (nil means pro/con/abstain); changeLimit
// caps how many times one participant may change their vote (0 = no cap).
// Registering an already-registered debate fails with ErrAlreadyRegistered.
func (c *Cache) Register(debateID string, choices []Choice, changeLimit int64) error {
	if debateID == "" {
		return fmt.Errorf("debate id is required")
	}
	if changeLimit < 0 {
		return fmt.Errorf("change limit must be >= 0 (got %d)", changeLimit)
	}
	if len(choices) == 0 {
		choices = DefaultChoices()
	}

	choiceSet := make(map[Choice]bool, len(choices))
	tally := make(Tally, len(choices))
	for _, ch := range choices {
		if ch == "" {
			return fmt.Errorf("empty choice is not allowed")
		}
		choiceSet[ch] = true
		tally[ch] = 0
	}

	e := &entry{
		debateID:    debateID,
		choices:     choiceSet,
		changeLimit: changeLimit,
		state:       Open,
		votes:       make(map[string]*Vote),
		tally:       tally,
		dirty:       make(map[string]struct{}),
		lastSynced:  make(map[string]int64),
	}
	e.publishSnapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.debates[debateID]; exists {
		return fmt.Errorf("debate %s: %w", debateID, ErrAlreadyRegistered)
	}
	c.debates[debateID] = e
	return nil
}

// lookup returns the entry for a debate without holding the registry lock
// during entry work.
func (c *Cache) lookup(debateID string) (*entry, error) {
	c.mu.RLock()
	e, ok := c.debates[debateID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("debate %s: %w", debateID, ErrUnknownDebate)
	}
	return e, nil
}

// publishSnapshot recomputes and republishes the lock-free Results view.
// Must be called with e.mu held.
func (e *entry) publishSnapshot() {
	r := computeResults(e.debateID, e.tally.Clone(), e.state)
	e.snapshot.Store(&r)
}

// CastOrChange records a participant's vote, atomically keeping the tally
// consistent and marking the participant dirty for the next sync cycle.
//
// Re-submitting the identical choice is a no-op that only refreshes
// UpdatedAt: it does not bump the version, does not mark dirty, and does
// not fire the tally-changed signal.
func (c *Cache) CastOrChange(debateID, participantID string, choice Choice) (*Vote, error) {
	if participantID == "" {
		return nil, fmt.Errorf("participant id is required")
	}

	e, err := c.lookup(debateID)
	if err != nil {
		return nil, err
	}

	var (
		result  Vote
		changed bool
		results Results
	)

	e.mu.Lock()
	if e.state != Open {
		e.mu.Unlock()
		return nil, fmt.Errorf("debate %s is %s: %w", debateID, e.state, ErrDebateLocked)
	}
	if !e.choices[choice] {
		e.mu.Unlock()
		return nil, fmt.Errorf("debate %s has no choice %q: %w", debateID, choice, ErrInvalidChoice)
	}

	now := time.Now().UTC()
	existing := e.votes[participantID]

	switch {
	case existing == nil:
		// First cast.
		v := &Vote{
			ID:            uuid.NewString(),
			DebateID:      debateID,
			ParticipantID: participantID,
			Choice:        choice,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		e.votes[participantID] = v
		e.tally[choice]++
		e.dirty[participantID] = struct{}{}
		changed = true
		result = *v

	case existing.Choice == choice:
		// Idempotent re-submission.
		existing.UpdatedAt = now
		result = *existing

	default:
		// Vote change: move the tally bucket and bump the version.
		if e.changeLimit > 0 && existing.Changes() >= e.changeLimit {
			e.mu.Unlock()
			return nil, fmt.Errorf("debate %s participant %s: %w", debateID, participantID, ErrChangeLimit)
		}
		e.tally[existing.Choice]--
		e.tally[choice]++
		existing.Choice = choice
		existing.Version++
		existing.UpdatedAt = now
		e.dirty[participantID] = struct{}{}
		changed = true
		result = *existing
	}

	if changed {
		e.publishSnapshot()
		results = *e.snapshot.Load()
	}
	e.mu.Unlock()

	if changed && c.OnTallyChanged != nil {
		c.OnTallyChanged(debateID, results)
	}

	return &result, nil
}

// Tally returns the current in-memory aggregate for a debate. The read is
// served from an immutable snapshot and never blocks on voters.
func (c *Cache) Tally(debateID string) (Tally, error) {
	e, err := c.lookup(debateID)
	if err != nil {
		return nil, err
	}
	r := e.snapshot.Load()
	t := make(Tally, len(r.Counts))
	for ch, n := range r.Counts {
		t[ch] = n
	}
	return t, nil
}

// Results returns the derived results view (counts, percentages, winner)
// for a debate, also served lock-free from the snapshot.
func (c *Cache) Results(debateID string) (Results, error) {
	e, err := c.lookup(debateID)
	if err != nil {
		return Results{}, err
	}
	return *e.snapshot.Load(), nil
}

// DrainDirty atomically swaps out and returns the debate's dirty set.
// Casts arriving during a sync cycle land in the fresh set and are picked
// up next cycle, never lost and never double-counted.
func (c *Cache) DrainDirty(debateID string) ([]string, error) {
	e, err := c.lookup(debateID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.dirty) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(e.dirty))
	for id := range e.dirty {
		ids = append(ids, id)
	}
	e.dirty = make(map[string]struct{})
	return ids, nil
}

// Requeue merges participant IDs back into the dirty set after a failed
// sync so nothing already drained is lost.
func (c *Cache) Requeue(debateID string, participantIDs []string) error {
	e, err := c.lookup(debateID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range participantIDs {
		if _, exists := e.votes[id]; exists {
			e.dirty[id] = struct{}{}
		}
	}
	return nil
}

// MarkSynced records the last durably-synced version per participant.
// Participants whose cached version already moved past the synced one are
// recorded at the synced version anyway; the newer version is dirty and
// will sync next cycle.
func (c *Cache) MarkSynced(debateID string, versions map[string]int64) error {
	e, err := c.lookup(debateID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, v := range versions {
		if v > e.lastSynced[id] {
			e.lastSynced[id] = v
		}
	}
	return nil
}

// MarkAllDirty flags every current vote for resync. Used by the auditor's
// drift repair and by forced resync.
func (c *Cache) MarkAllDirty(debateID string) (int, error) {
	e, err := c.lookup(debateID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.votes {
		e.dirty[id] = struct{}{}
	}
	return len(e.dirty), nil
}

// VotesFor returns value copies of the current votes for the given
// participants. Unknown participants are skipped (their vote may have been
// reset between drain and build).
func (c *Cache) VotesFor(debateID string, participantIDs []string) ([]Vote, error) {
	e, err := c.lookup(debateID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	votes := make([]Vote, 0, len(participantIDs))
	for _, id := range participantIDs {
		if v, ok := e.votes[id]; ok {
			votes = append(votes, *v)
		}
	}
	return votes, nil
}

// UnsyncedCount returns how many participants hold a vote version the
// durable store has not acknowledged yet. Unlike DirtyCount it survives
// a drain: a vote stays unsynced until MarkSynced records its version.
func (c *Cache) UnsyncedCount(debateID string) (int, error) {
	e, err := c.lookup(debateID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var n int
	for id, v := range e.votes {
		if v.Version > e.lastSynced[id] {
			n++
		}
	}
	return n, nil
}

// DirtyDebates returns the IDs of all debates with a non-empty dirty set.
// This is a cheap scan over live entries, not a durable-store query.
func (c *Cache) DirtyDebates() []string {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.debates))
	for _, e := range c.debates {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	var ids []string
	for _, e := range entries {
		e.mu.Lock()
		if len(e.dirty) > 0 {
			ids = append(ids, e.debateID)
		}
		e.mu.Unlock()
	}
	return ids
}

// DirtyCount returns the size of a debate's dirty set.
func (c *Cache) DirtyCount(debateID string) (int, error) {
	e, err := c.lookup(debateID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dirty), nil
}

// DebateIDs returns the IDs of all registered debates.
func (c *Cache) DebateIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.debates))
	for id := range c.debates {
		ids = append(ids, id)
	}
	return ids
}

// VoteCount returns how many participants currently hold a vote.
func (c *Cache) VoteCount(debateID string) (int, error) {
	e, err := c.lookup(debateID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.votes), nil
}

// ===== Lock coordination =====

// State returns a debate's current lock state.
func (c *Cache) State(debateID string) (LockState, error) {
	e, err := c.lookup(debateID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// Lock transitions a debate open -> locked. Further casts fail with
// ErrDebateLocked; tally reads keep working. The transition shares the
// entry mutex with CastOrChange, so no cast can slip in after locking.
func (c *Cache) Lock(debateID string) error {
	e, err := c.lookup(debateID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Open:
		e.state = Locked
		e.publishSnapshot()
		return nil
	case Locked:
		return nil // idempotent
	default:
		return fmt.Errorf("debate %s is %s: %w", debateID, e.state, ErrBadTransition)
	}
}

// BeginClose transitions a debate locked -> closed. It fails with ErrDirty
// while unsynced votes remain: the caller (the scheduler's ForceClose)
// must flush first, which is what guarantees the durable store matches the
// final cache tally at closure.
func (c *Cache) BeginClose(debateID string) error {
	e, err := c.lookup(debateID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Closed:
		return nil // idempotent
	case Open:
		return fmt.Errorf("debate %s is open, lock it first: %w", debateID, ErrBadTransition)
	}
	if len(e.dirty) > 0 {
		return fmt.Errorf("debate %s has %d unsynced votes: %w", debateID, len(e.dirty), ErrDirty)
	}
	e.state = Closed
	e.closedAt = time.Now().UTC()
	e.publishSnapshot()
	return nil
}

// Reset clears a debate's votes, tally, dirty set and sync bookkeeping.
// The lock state survives. The caller is responsible for clearing the
// durable rows in the same administrative operation.
func (c *Cache) Reset(debateID string) (int, error) {
	e, err := c.lookup(debateID)
	if err != nil {
		return 0, err
	}

	var (
		removed int
		results Results
	)

	e.mu.Lock()
	removed = len(e.votes)
	e.votes = make(map[string]*Vote)
	e.dirty = make(map[string]struct{})
	e.lastSynced = make(map[string]int64)
	for ch := range e.tally {
		e.tally[ch] = 0
	}
	e.publishSnapshot()
	results = *e.snapshot.Load()
	e.mu.Unlock()

	if removed > 0 && c.OnTallyChanged != nil {
		c.OnTallyChanged(debateID, results)
	}
	return removed, nil
}

// Evict removes a closed debate's entry from the registry once it has been
// closed for at least grace. Evicting a live debate fails with ErrNotClosed.
func (c *Cache) Evict(debateID string, grace time.Duration) error {
	e, err := c.lookup(debateID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.state != Closed {
		e.mu.Unlock()
		return fmt.Errorf("debate %s is %s: %w", debateID, e.state, ErrNotClosed)
	}
	if time.Since(e.closedAt) < grace {
		e.mu.Unlock()
		return fmt.Errorf("debate %s closed %s ago, grace is %s", debateID, time.Since(e.closedAt).Round(time.Millisecond), grace)
	}
	e.mu.Unlock()

	c.mu.Lock()
	delete(c.debates, debateID)
	c.mu.Unlock()
	return nil
}
