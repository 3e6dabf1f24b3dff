package syncd

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/podiumhq/podium/internal/store"
	"github.com/podiumhq/podium/internal/vote"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func batchVote(participantID string, choice vote.Choice, version int64) vote.Vote {
	now := time.Now().UTC()
	return vote.Vote{
		ID:            "vote-" + participantID,
		DebateID:      "d1",
		ParticipantID: participantID,
		Choice:        choice,
		Version:       version,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func makeBatch(votes ...vote.Vote) *Batch {
	ids := make([]string, 0, len(votes))
	tally := make(vote.Tally)
	for _, v := range votes {
		ids = append(ids, v.ParticipantID)
		tally[v.Choice]++
	}
	return &Batch{
		DebateID:     "d1",
		Participants: ids,
		Votes:        votes,
		Tally:        tally,
		BuiltAt:      time.Now().UTC(),
	}
}

// TestWriterSplitsBatch drains a batch with two known participants and
// one new one: exactly one existence query, one two-row update and one
// one-row insert must reach the store.
func TestWriterSplitsBatch(t *testing.T) {
	fs := newFakeStore()
	fs.seed("d1", store.StoredVote{ParticipantID: "p1", Choice: vote.ChoicePro, Version: 1})
	fs.seed("d1", store.StoredVote{ParticipantID: "p2", Choice: vote.ChoicePro, Version: 1})

	w := NewWriter(fs, discardLogger())
	batch := makeBatch(
		batchVote("p1", vote.ChoiceCon, 2),
		batchVote("p2", vote.ChoiceCon, 2),
		batchVote("p3", vote.ChoiceAbstain, 1),
	)

	res, err := w.Apply(context.Background(), batch)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if res.Updated != 2 || res.Inserted != 1 || res.Unchanged != 0 {
		t.Errorf("result = %d updated, %d inserted, %d unchanged; want 2/1/0",
			res.Updated, res.Inserted, res.Unchanged)
	}
	if len(fs.findSizes) != 1 || fs.findSizes[0] != 3 {
		t.Errorf("find calls = %v, want one 3-id query", fs.findSizes)
	}
	if len(fs.updateSizes) != 1 || fs.updateSizes[0] != 2 {
		t.Errorf("update calls = %v, want one 2-row statement", fs.updateSizes)
	}
	if len(fs.insertSizes) != 1 || fs.insertSizes[0] != 1 {
		t.Errorf("insert calls = %v, want one 1-row statement", fs.insertSizes)
	}

	for _, id := range []string{"p1", "p2", "p3"} {
		if _, ok := res.Versions[id]; !ok {
			t.Errorf("result versions missing %s", id)
		}
	}
	if got := fs.tally("d1"); !got.Equal(vote.Tally{vote.ChoiceCon: 2, vote.ChoiceAbstain: 1}) {
		t.Errorf("durable tally = %v", got)
	}
	// The build-time snapshot rides along for the audit trail.
	if !res.Tally.Equal(batch.Tally) {
		t.Errorf("result tally = %v, want batch snapshot %v", res.Tally, batch.Tally)
	}
}

func TestWriterStaleVersionUnchanged(t *testing.T) {
	fs := newFakeStore()
	fs.seed("d1", store.StoredVote{ParticipantID: "p1", Choice: vote.ChoiceCon, Version: 5})

	w := NewWriter(fs, discardLogger())
	res, err := w.Apply(context.Background(), makeBatch(batchVote("p1", vote.ChoicePro, 3)))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if res.Unchanged != 1 || res.Updated != 0 || res.Inserted != 0 {
		t.Errorf("result = %+v, want only unchanged", res)
	}
	if res.Versions["p1"] != 5 {
		t.Errorf("recorded version = %d, want the stored 5", res.Versions["p1"])
	}
	if len(fs.updateSizes) != 0 || len(fs.insertSizes) != 0 {
		t.Errorf("stale batch issued writes: updates=%v inserts=%v", fs.updateSizes, fs.insertSizes)
	}
	if got := fs.tally("d1"); got[vote.ChoiceCon] != 1 {
		t.Errorf("stale batch changed the store: %v", got)
	}
}

func TestWriterEmptyBatch(t *testing.T) {
	fs := newFakeStore()
	w := NewWriter(fs, discardLogger())

	res, err := w.Apply(context.Background(), makeBatch())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Inserted+res.Updated+res.Unchanged != 0 {
		t.Errorf("empty batch produced work: %+v", res)
	}
	if len(fs.findSizes) != 0 {
		t.Errorf("empty batch queried the store: %v", fs.findSizes)
	}
}

// TestWriterFailureLeavesStoreUntouched induces a fault mid-transaction
// and verifies nothing committed.
func TestWriterFailureLeavesStoreUntouched(t *testing.T) {
	fs := newFakeStore()
	fs.seed("d1", store.StoredVote{ParticipantID: "p1", Choice: vote.ChoicePro, Version: 1})
	fs.failTx("d1", errors.New("store offline"))

	w := NewWriter(fs, discardLogger())
	_, err := w.Apply(context.Background(), makeBatch(
		batchVote("p1", vote.ChoiceCon, 2),
		batchVote("p2", vote.ChoiceCon, 1),
	))

	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected *StoreError, got %v", err)
	}
	if storeErr.DebateID != "d1" {
		t.Errorf("StoreError debate = %q, want d1", storeErr.DebateID)
	}

	if fs.rowCount("d1") != 1 {
		t.Errorf("failed batch changed row count: %d, want 1", fs.rowCount("d1"))
	}
	if got := fs.tally("d1"); got[vote.ChoicePro] != 1 {
		t.Errorf("failed batch changed rows: %v", got)
	}
}
