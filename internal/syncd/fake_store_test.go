package syncd

import (
	"context"
	"sync"
	"time"

	"github.com/podiumhq/podium/internal/store"
	"github.com/podiumhq/podium/internal/vote"
)

// fakeStore is an in-memory DurableStore with transactional semantics:
// writes stage against a copy and only land on commit. Failures can be
// injected per debate, and call shapes are recorded so tests can assert
// the one-find, one-update, one-insert batch contract.
type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]map[string]store.StoredVote // debate -> participant -> row
	markers map[string]int
	txFail  map[string]error // injected failure for tx operations
	cntFail map[string]error // injected failure for CountByChoice

	findSizes   []int // ids per non-empty FindVotes call
	updateSizes []int // votes per non-empty UpdateVotes call
	insertSizes []int // votes per non-empty InsertVotes call
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:    make(map[string]map[string]store.StoredVote),
		markers: make(map[string]int),
		txFail:  make(map[string]error),
		cntFail: make(map[string]error),
	}
}

func (f *fakeStore) failTx(debateID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txFail[debateID] = err
}

func (f *fakeStore) heal(debateID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.txFail, debateID)
	delete(f.cntFail, debateID)
}

// seed places a row directly, bypassing the transactional path.
func (f *fakeStore) seed(debateID string, sv store.StoredVote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[debateID] == nil {
		f.rows[debateID] = make(map[string]store.StoredVote)
	}
	f.rows[debateID][sv.ParticipantID] = sv
}

func (f *fakeStore) rowCount(debateID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[debateID])
}

func (f *fakeStore) tally(debateID string) vote.Tally {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := make(vote.Tally)
	for _, sv := range f.rows[debateID] {
		t[sv.Choice]++
	}
	return t
}

func (f *fakeStore) marker(debateID string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.markers[debateID]
	return n, ok
}

func cloneRows(rows map[string]map[string]store.StoredVote) map[string]map[string]store.StoredVote {
	out := make(map[string]map[string]store.StoredVote, len(rows))
	for debate, byParticipant := range rows {
		inner := make(map[string]store.StoredVote, len(byParticipant))
		for id, sv := range byParticipant {
			inner[id] = sv
		}
		out[debate] = inner
	}
	return out
}

func (f *fakeStore) InTx(ctx context.Context, fn func(BatchTx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tx := &fakeTx{store: f, staged: cloneRows(f.rows)}
	if err := fn(tx); err != nil {
		return err // staged writes are discarded
	}
	f.rows = tx.staged
	return nil
}

func (f *fakeStore) CountByChoice(ctx context.Context, debateID string) (vote.Tally, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.cntFail[debateID]; err != nil {
		return nil, err
	}
	t := make(vote.Tally)
	for _, sv := range f.rows[debateID] {
		t[sv.Choice]++
	}
	return t, nil
}

func (f *fakeStore) DeleteVotes(ctx context.Context, debateID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.txFail[debateID]; err != nil {
		return 0, err
	}
	n := int64(len(f.rows[debateID]))
	delete(f.rows, debateID)
	return n, nil
}

func (f *fakeStore) WriteFlushMarker(ctx context.Context, debateID string, pending int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers[debateID] = pending
	return nil
}

func (f *fakeStore) ClearFlushMarker(ctx context.Context, debateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.markers, debateID)
	return nil
}

// fakeTx stages writes against a row copy held by one InTx call.
type fakeTx struct {
	store  *fakeStore
	staged map[string]map[string]store.StoredVote
}

func (t *fakeTx) FindVotes(ctx context.Context, debateID string, participantIDs []string) (map[string]store.StoredVote, error) {
	if err := t.store.txFail[debateID]; err != nil {
		return nil, err
	}
	if len(participantIDs) > 0 {
		t.store.findSizes = append(t.store.findSizes, len(participantIDs))
	}
	found := make(map[string]store.StoredVote)
	for _, id := range participantIDs {
		if sv, ok := t.staged[debateID][id]; ok {
			found[id] = sv
		}
	}
	return found, nil
}

func (t *fakeTx) UpdateVotes(ctx context.Context, debateID string, votes []vote.Vote) error {
	if err := t.store.txFail[debateID]; err != nil {
		return err
	}
	if len(votes) == 0 {
		return nil
	}
	t.store.updateSizes = append(t.store.updateSizes, len(votes))
	t.apply(debateID, votes)
	return nil
}

func (t *fakeTx) InsertVotes(ctx context.Context, debateID string, votes []vote.Vote) error {
	if err := t.store.txFail[debateID]; err != nil {
		return err
	}
	if len(votes) == 0 {
		return nil
	}
	t.store.insertSizes = append(t.store.insertSizes, len(votes))
	t.apply(debateID, votes)
	return nil
}

// apply mirrors the version-guarded upsert of the real store.
func (t *fakeTx) apply(debateID string, votes []vote.Vote) {
	if t.staged[debateID] == nil {
		t.staged[debateID] = make(map[string]store.StoredVote)
	}
	for _, v := range votes {
		if existing, ok := t.staged[debateID][v.ParticipantID]; ok && existing.Version >= v.Version {
			continue
		}
		t.staged[debateID][v.ParticipantID] = store.StoredVote{
			ParticipantID: v.ParticipantID,
			VoteID:        v.ID,
			Choice:        v.Choice,
			Version:       v.Version,
			UpdatedAt:     v.UpdatedAt,
		}
	}
}

// fakeSink records scheduler events for assertions.
type fakeSink struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	drifts    []Drift
	alerts    []string
}

func (s *fakeSink) SyncCompleted(debateID string, res *Result, took time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, debateID)
}

func (s *fakeSink) SyncFailed(debateID string, pending int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, debateID)
}

func (s *fakeSink) DriftDetected(d Drift) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drifts = append(s.drifts, d)
}

func (s *fakeSink) OperatorAlert(debateID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, debateID+": "+msg)
}

func (s *fakeSink) failedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

func (s *fakeSink) driftCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drifts)
}

func (s *fakeSink) alertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}
