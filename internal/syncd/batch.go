// Package syncd reconciles the in-memory vote cache with the durable
// store: a scheduler drains dirty debates on a fixed interval, a batch
// writer applies each debate's drained votes in one transaction, and an
// auditor periodically verifies that durable tallies match the cache.
package syncd

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/podiumhq/podium/internal/store"
	"github.com/podiumhq/podium/internal/vote"
)

// BatchTx is the set of operations available inside one durable
// transaction while reconciling a debate's batch.
type BatchTx interface {
	// FindVotes returns existing rows for the given participants.
	FindVotes(ctx context.Context, debateID string, participantIDs []string) (map[string]store.StoredVote, error)

	// UpdateVotes applies one batched update for rows with a stale
	// stored version.
	UpdateVotes(ctx context.Context, debateID string, votes []vote.Vote) error

	// InsertVotes applies one batched insert for participants with no
	// stored row.
	InsertVotes(ctx context.Context, debateID string, votes []vote.Vote) error
}

// DurableStore is the boundary to the relational vote store. All batch
// steps for one debate run inside a single InTx call: either the whole
// batch commits or none of it does.
type DurableStore interface {
	InTx(ctx context.Context, fn func(BatchTx) error) error
	CountByChoice(ctx context.Context, debateID string) (vote.Tally, error)
	DeleteVotes(ctx context.Context, debateID string) (int64, error)
	WriteFlushMarker(ctx context.Context, debateID string, pending int) error
	ClearFlushMarker(ctx context.Context, debateID string) error
}

// SQLStore adapts *store.DB to the DurableStore boundary.
type SQLStore struct {
	*store.DB
}

// InTx narrows the concrete transaction type to the BatchTx interface.
func (s SQLStore) InTx(ctx context.Context, fn func(BatchTx) error) error {
	return s.DB.InTx(ctx, func(tx *store.Tx) error {
		return fn(tx)
	})
}

// StoreError wraps a durable-store failure for one debate's batch. It is
// never surfaced to a voter; the scheduler requeues and retries.
type StoreError struct {
	DebateID string
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("durable store failed for debate %s: %v", e.DebateID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Batch is the ephemeral reconciliation unit for one debate and one sync
// cycle: the drained participant IDs, value copies of their current
// votes, and the tally snapshot taken at build time (used by the audit
// trail). It is discarded once the cycle commits or fails.
type Batch struct {
	DebateID     string
	Participants []string
	Votes        []vote.Vote
	Tally        vote.Tally
	BuiltAt      time.Time
}

// Result reports what one applied batch changed.
type Result struct {
	DebateID  string
	Inserted  int
	Updated   int
	Unchanged int

	// Tally is the batch's build-time snapshot, carried through so the
	// audit trail records the standings this flush was reconciling toward.
	Tally vote.Tally

	// Versions maps each written participant to the version now durable,
	// recorded back into the cache as last_synced_version.
	Versions map[string]int64
}

// Writer builds the minimal set of durable writes for a batch and applies
// them: one existence query, one batched update, one batched insert, all
// inside a single transaction.
type Writer struct {
	store  DurableStore
	logger *log.Logger
}

// NewWriter creates a batch writer. A nil logger defaults to stderr.
func NewWriter(durable DurableStore, logger *log.Logger) *Writer {
	if logger == nil {
		logger = log.New(os.Stderr, "[batch] ", log.LstdFlags)
	}
	return &Writer{store: durable, logger: logger}
}

// Apply reconciles one batch against the durable store.
//
// The split into updates (row exists with an older version) and inserts
// (no row) happens against FindVotes results read inside the same
// transaction, so a concurrent writer can never cause a duplicate row or
// a version regression. Failure wraps as *StoreError and leaves the store
// untouched.
func (w *Writer) Apply(ctx context.Context, batch *Batch) (*Result, error) {
	res := &Result{
		DebateID: batch.DebateID,
		Tally:    batch.Tally,
		Versions: make(map[string]int64, len(batch.Votes)),
	}

	if len(batch.Votes) == 0 {
		return res, nil
	}

	ids := make([]string, 0, len(batch.Votes))
	for _, v := range batch.Votes {
		ids = append(ids, v.ParticipantID)
	}

	err := w.store.InTx(ctx, func(tx BatchTx) error {
		existing, err := tx.FindVotes(ctx, batch.DebateID, ids)
		if err != nil {
			return err
		}

		var updates, inserts []vote.Vote
		for _, v := range batch.Votes {
			sv, ok := existing[v.ParticipantID]
			switch {
			case !ok:
				inserts = append(inserts, v)
			case sv.Version < v.Version:
				updates = append(updates, v)
			default:
				// Stored version is current or newer; nothing to write.
				res.Unchanged++
				res.Versions[v.ParticipantID] = sv.Version
			}
		}

		if err := tx.UpdateVotes(ctx, batch.DebateID, updates); err != nil {
			return err
		}
		if err := tx.InsertVotes(ctx, batch.DebateID, inserts); err != nil {
			return err
		}

		res.Updated = len(updates)
		res.Inserted = len(inserts)
		for _, v := range updates {
			res.Versions[v.ParticipantID] = v.Version
		}
		for _, v := range inserts {
			res.Versions[v.ParticipantID] = v.Version
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{DebateID: batch.DebateID, Err: err}
	}

	return res, nil
}
