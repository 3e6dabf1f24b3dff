package syncd

import (
	"context"
	"errors"
	"testing"

	"github.com/podiumhq/podium/internal/store"
	"github.com/podiumhq/podium/internal/vote"
)

func TestAuditCleanDebate(t *testing.T) {
	cache, _, sink, s := newTestScheduler(t, "d1")
	ctx := context.Background()

	cache.CastOrChange("d1", "p1", vote.ChoicePro)
	if err := s.ForceSync(ctx, "d1"); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}

	drift, err := s.Auditor().AuditDebate(ctx, "d1")
	if err != nil {
		t.Fatalf("AuditDebate failed: %v", err)
	}
	if drift != nil {
		t.Errorf("clean debate reported drift: %v", drift)
	}
	if sink.driftCount() != 0 {
		t.Errorf("sink recorded %d drifts, want 0", sink.driftCount())
	}
}

// TestAuditSkipsDirtyDebate: divergence while votes are pending is
// expected, not drift.
func TestAuditSkipsDirtyDebate(t *testing.T) {
	cache, _, _, s := newTestScheduler(t, "d1")
	ctx := context.Background()

	// Dirty vote, never synced: cache and durable disagree by design.
	cache.CastOrChange("d1", "p1", vote.ChoicePro)

	drift, err := s.Auditor().AuditDebate(ctx, "d1")
	if err != nil {
		t.Fatalf("AuditDebate failed: %v", err)
	}
	if drift != nil {
		t.Errorf("dirty debate must be skipped, got drift %v", drift)
	}
}

func TestAuditDetectsDrift(t *testing.T) {
	cache, fs, sink, s := newTestScheduler(t, "d1")
	ctx := context.Background()

	cache.CastOrChange("d1", "p1", vote.ChoicePro)
	cache.CastOrChange("d1", "p2", vote.ChoiceCon)
	if err := s.ForceSync(ctx, "d1"); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}

	// Simulate durable loss behind the engine's back.
	if _, err := fs.DeleteVotes(ctx, "d1"); err != nil {
		t.Fatalf("failed to wipe rows: %v", err)
	}

	drift, err := s.Auditor().AuditDebate(ctx, "d1")
	if err != nil {
		t.Fatalf("AuditDebate failed: %v", err)
	}
	if drift == nil {
		t.Fatal("drift not detected")
	}
	if drift.Delta[vote.ChoicePro] != 1 || drift.Delta[vote.ChoiceCon] != 1 {
		t.Errorf("delta = %v, want pro+1 con+1", drift.Delta)
	}
	if sink.driftCount() != 1 {
		t.Errorf("sink recorded %d drifts, want 1", sink.driftCount())
	}
}

func TestAuditStoreErrorWraps(t *testing.T) {
	cache, fs, _, s := newTestScheduler(t, "d1")
	ctx := context.Background()

	cache.CastOrChange("d1", "p1", vote.ChoicePro)
	if err := s.ForceSync(ctx, "d1"); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	fs.cntFail["d1"] = errors.New("store offline")

	_, err := s.Auditor().AuditDebate(ctx, "d1")
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Errorf("expected *StoreError, got %v", err)
	}
}

// TestSchedulerRepairsDrift runs the full audit pass: detect, mark all
// dirty, resync, converge.
func TestSchedulerRepairsDrift(t *testing.T) {
	cache, fs, _, s := newTestScheduler(t, "d1")
	ctx := context.Background()

	cache.CastOrChange("d1", "p1", vote.ChoicePro)
	cache.CastOrChange("d1", "p2", vote.ChoiceCon)
	if err := s.ForceSync(ctx, "d1"); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if _, err := fs.DeleteVotes(ctx, "d1"); err != nil {
		t.Fatalf("failed to wipe rows: %v", err)
	}

	s.auditAll(ctx)

	cacheTally, _ := cache.Tally("d1")
	if got := fs.tally("d1"); !got.Equal(cacheTally) {
		t.Errorf("repair did not converge: durable %v, cache %v", got, cacheTally)
	}
	if dirty, _ := cache.DirtyCount("d1"); dirty != 0 {
		t.Errorf("dirty after repair = %d, want 0", dirty)
	}
}

// TestRepairFailureEscalates: when the repair sync also fails, the
// auditor pass must raise an operator alert instead of looping silently.
func TestRepairFailureEscalates(t *testing.T) {
	cache, fs, sink, s := newTestScheduler(t, "d1")
	ctx := context.Background()

	cache.CastOrChange("d1", "p1", vote.ChoicePro)
	if err := s.ForceSync(ctx, "d1"); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if _, err := fs.DeleteVotes(ctx, "d1"); err != nil {
		t.Fatalf("failed to wipe rows: %v", err)
	}

	// Recount still works (drift is visible) but writes fail.
	fs.failTx("d1", errors.New("store read-only"))

	s.auditAll(ctx)

	if sink.alertCount() != 1 {
		t.Errorf("sink recorded %d alerts, want 1", sink.alertCount())
	}
	// The votes stay queued for the regular retry path.
	if dirty, _ := cache.DirtyCount("d1"); dirty != 1 {
		t.Errorf("dirty after failed repair = %d, want 1", dirty)
	}
}

// TestRepairEscalatesWhenDurableOutversions covers drift the version
// guard cannot fix: stale durable rows carrying a higher version than
// the cache (a re-registered debate restarts versions at 1). The resync
// no-ops, so the audit pass must escalate rather than re-detect the
// same drift forever.
func TestRepairEscalatesWhenDurableOutversions(t *testing.T) {
	cache, fs, sink, s := newTestScheduler(t, "d1")
	ctx := context.Background()

	fs.seed("d1", store.StoredVote{ParticipantID: "p1", Choice: vote.ChoiceCon, Version: 5})
	cache.CastOrChange("d1", "p1", vote.ChoicePro)

	// The flush "succeeds" but the guard skips the outversioned row.
	if err := s.ForceSync(ctx, "d1"); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if got := fs.tally("d1"); got[vote.ChoiceCon] != 1 {
		t.Fatalf("setup broken: durable tally = %v, want stale con row", got)
	}

	s.auditAll(ctx)
	s.auditAll(ctx)

	if sink.driftCount() == 0 {
		t.Fatal("drift not detected")
	}
	if got := sink.alertCount(); got != 2 {
		t.Errorf("alerts = %d, want one per audit pass: unrepairable drift must escalate", got)
	}
}

func TestDriftString(t *testing.T) {
	d := &Drift{
		DebateID: "d1",
		Delta: map[vote.Choice]int{
			vote.ChoicePro: 2,
			vote.ChoiceCon: -1,
		},
	}
	want := "debate d1 drift: con-1 pro+2"
	if got := d.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
