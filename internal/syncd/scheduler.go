package syncd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/podiumhq/podium/internal/vote"
)

// Config holds scheduler configuration.
type Config struct {
	// Interval is the wall-clock period between sync ticks.
	Interval time.Duration

	// Workers bounds how many debates sync concurrently, so a burst of
	// dirty debates cannot exhaust the durable store's connections.
	Workers int

	// StoreTimeout bounds each debate's durable-store transaction. A
	// timed-out batch counts as a failure and retries next tick.
	StoreTimeout time.Duration

	// AuditEvery runs the consistency auditor every N ticks (0 disables
	// periodic audits; explicit audits still work).
	AuditEvery int

	// ShutdownGrace bounds how long Close waits for in-flight batches.
	ShutdownGrace time.Duration

	// EvictGrace is how long a closed debate's cache entry lingers before
	// the tick loop evicts it (0 keeps closed entries forever).
	EvictGrace time.Duration

	// Logger for scheduler activity.
	Logger *log.Logger
}

// DefaultConfig returns the reference configuration: 2 second ticks,
// 4 workers, 5 second store timeout, audit every 15 ticks.
func DefaultConfig() *Config {
	return &Config{
		Interval:      2 * time.Second,
		Workers:       4,
		StoreTimeout:  5 * time.Second,
		AuditEvery:    15,
		ShutdownGrace: 10 * time.Second,
		EvictGrace:    10 * time.Minute,
		Logger:        log.New(os.Stderr, "[syncd] ", log.LstdFlags),
	}
}

// closeAttempts bounds how many flush rounds ForceClose tries before
// giving up; each round drains whatever arrived since the previous one.
const closeAttempts = 5

// logIDCap limits how many participant IDs a failure log line names.
const logIDCap = 5

// Scheduler is the periodic diff-and-batch reconciliation loop. Each tick
// it collects dirty debates and hands each one's batch to the writer,
// independently and concurrently, so a slow store for one debate never
// stalls the others.
type Scheduler struct {
	cache   *vote.Cache
	writer  *Writer
	durable DurableStore
	auditor *Auditor
	events  EventSink
	logger  *log.Logger

	interval      atomic.Int64 // nanoseconds, hot-reloadable
	auditEvery    atomic.Int32
	storeTimeout  time.Duration
	shutdownGrace time.Duration
	evictGrace    time.Duration

	sem      chan struct{}
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	ticks     atomic.Int64
}

// New creates a scheduler over the cache and durable store. A nil config
// uses DefaultConfig; a nil events sink discards events.
func New(cache *vote.Cache, durable DurableStore, cfg *Config, events EventSink) (*Scheduler, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if durable == nil {
		return nil, fmt.Errorf("durable store cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive (got %v)", cfg.Interval)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive (got %d)", cfg.Workers)
	}
	if cfg.StoreTimeout <= 0 {
		return nil, fmt.Errorf("store timeout must be positive (got %v)", cfg.StoreTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[syncd] ", log.LstdFlags)
	}
	if events == nil {
		events = nopSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cache:         cache,
		writer:        NewWriter(durable, cfg.Logger),
		durable:       durable,
		events:        events,
		logger:        cfg.Logger,
		storeTimeout:  cfg.StoreTimeout,
		shutdownGrace: cfg.ShutdownGrace,
		evictGrace:    cfg.EvictGrace,
		sem:           make(chan struct{}, cfg.Workers),
		ctx:           ctx,
		cancel:        cancel,
	}
	s.interval.Store(int64(cfg.Interval))
	s.auditEvery.Store(int32(cfg.AuditEvery))
	s.auditor = NewAuditor(cache, durable, cfg.Logger, events)
	return s, nil
}

// Auditor returns the scheduler's consistency auditor.
func (s *Scheduler) Auditor() *Auditor {
	return s.auditor
}

// SetInterval updates the tick interval; takes effect from the next tick.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval.Store(int64(d))
	}
}

// SetAuditEvery updates the audit cadence (0 disables periodic audits).
func (s *Scheduler) SetAuditEvery(n int) {
	if n >= 0 {
		s.auditEvery.Store(int32(n))
	}
}

// Start launches the background tick loop. Safe to call once; subsequent
// calls are no-ops.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// run is the long-lived tick loop. The timer is re-armed each iteration
// so interval changes apply without restarting.
func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		timer := time.NewTimer(time.Duration(s.interval.Load()))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick()
		}
	}
}

// tick dispatches every dirty debate to the worker pool and, on the audit
// cadence, kicks off an audit pass.
func (s *Scheduler) tick() {
	n := s.ticks.Add(1)

	for _, debateID := range s.cache.DirtyDebates() {
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}

		s.inflight.Add(1)
		go func(id string) {
			defer s.inflight.Done()
			defer func() { <-s.sem }()
			if err := s.syncDebate(s.ctx, id); err != nil {
				// Already logged and requeued; nothing else to do here.
				_ = err
			}
		}(debateID)
	}

	if every := s.auditEvery.Load(); every > 0 && n%int64(every) == 0 {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.auditAll(s.ctx)
		}()
	}

	s.evictClosed()
}

// evictClosed drops cache entries for debates that have been closed
// longer than the eviction grace. Their rows live on in the durable
// store, which owns closed debates.
func (s *Scheduler) evictClosed() {
	if s.evictGrace <= 0 {
		return
	}
	for _, debateID := range s.cache.DebateIDs() {
		state, err := s.cache.State(debateID)
		if err != nil || state != vote.Closed {
			continue
		}
		if err := s.cache.Evict(debateID, s.evictGrace); err == nil {
			s.logger.Printf("Evicted closed debate %s from cache", debateID)
		}
	}
}

// syncDebate drains one debate's dirty set, builds its batch and applies
// it. On failure the drained IDs go back into the dirty set and the
// debate retries next tick; sync failure is never fatal.
func (s *Scheduler) syncDebate(ctx context.Context, debateID string) error {
	drained, err := s.cache.DrainDirty(debateID)
	if err != nil {
		return err
	}
	if len(drained) == 0 {
		return nil
	}

	batch, err := s.buildBatch(debateID, drained)
	if err != nil {
		if reqErr := s.cache.Requeue(debateID, drained); reqErr != nil {
			s.logger.Printf("ERROR: requeue failed for debate %s: %v", debateID, reqErr)
		}
		return err
	}

	applyCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	res, err := s.writer.Apply(applyCtx, batch)
	cancel()

	if err != nil {
		if reqErr := s.cache.Requeue(debateID, drained); reqErr != nil {
			s.logger.Printf("ERROR: requeue failed for debate %s: %v", debateID, reqErr)
		}
		s.logger.Printf("WARNING: sync failed for debate %s (%d votes, e.g. %s): %v",
			debateID, len(drained), capIDs(drained), err)
		s.events.SyncFailed(debateID, len(drained), err)
		return err
	}

	if err := s.cache.MarkSynced(debateID, res.Versions); err != nil {
		s.logger.Printf("WARNING: mark synced failed for debate %s: %v", debateID, err)
	}

	// The debate is clean if nothing new arrived during the cycle; clear
	// any stale incomplete-flush marker from a previous run.
	if dirty, derr := s.cache.DirtyCount(debateID); derr == nil && dirty == 0 {
		if cerr := s.durable.ClearFlushMarker(ctx, debateID); cerr != nil && ctx.Err() == nil {
			s.logger.Printf("WARNING: clear flush marker failed for debate %s: %v", debateID, cerr)
		}
	}

	// Measured from batch build so the reported duration covers the whole
	// snapshot-to-commit window, not just the store round trip.
	took := time.Since(batch.BuiltAt)
	s.logger.Printf("Synced debate %s: %d inserted, %d updated, %d unchanged in %v",
		debateID, res.Inserted, res.Updated, res.Unchanged, took.Round(time.Millisecond))
	s.events.SyncCompleted(debateID, res, took)
	return nil
}

// buildBatch snapshots the drained participants' votes and the current
// tally into an ephemeral Batch.
func (s *Scheduler) buildBatch(debateID string, drained []string) (*Batch, error) {
	votes, err := s.cache.VotesFor(debateID, drained)
	if err != nil {
		return nil, err
	}
	tally, err := s.cache.Tally(debateID)
	if err != nil {
		return nil, err
	}
	return &Batch{
		DebateID:     debateID,
		Participants: drained,
		Votes:        votes,
		Tally:        tally,
		BuiltAt:      time.Now().UTC(),
	}, nil
}

// auditAll audits every registered debate and repairs any drift by
// forcing a full resync. If the repair sync also fails it escalates to an
// operator alert instead of looping silently.
func (s *Scheduler) auditAll(ctx context.Context) {
	for _, debateID := range s.cache.DebateIDs() {
		drift, err := s.auditor.AuditDebate(ctx, debateID)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Printf("WARNING: audit failed for debate %s: %v", debateID, err)
			}
			continue
		}
		if drift == nil {
			continue
		}
		if err := s.repairDrift(ctx, drift); err != nil {
			msg := fmt.Sprintf("drift repair failed for debate %s: %v", debateID, err)
			s.logger.Printf("ERROR: %s", msg)
			s.events.OperatorAlert(debateID, msg)
		}
	}
}

// repairDrift re-marks the debate's full vote set dirty and flushes it
// synchronously. The cache is authoritative while the debate is open, so
// repair always writes toward durable, never back into the cache.
//
// The flush alone is not proof of repair: the version-guarded upsert
// skips rows whose stored version is ahead of the cache (stale rows
// surviving a re-registered debate, for example), and such a sync
// reports success while changing nothing. Recount after the flush and
// fail loudly if the drift survived, so the caller escalates instead of
// re-detecting the same drift every cadence.
func (s *Scheduler) repairDrift(ctx context.Context, drift *Drift) error {
	marked, err := s.cache.MarkAllDirty(drift.DebateID)
	if err != nil {
		return err
	}
	s.logger.Printf("Repairing drift on debate %s: resyncing %d votes", drift.DebateID, marked)
	if err := s.ForceSync(ctx, drift.DebateID); err != nil {
		return err
	}

	cacheTally, err := s.cache.Tally(drift.DebateID)
	if err != nil {
		return err
	}
	durableTally, err := s.durable.CountByChoice(ctx, drift.DebateID)
	if err != nil {
		return &StoreError{DebateID: drift.DebateID, Err: err}
	}
	if !cacheTally.Equal(durableTally) {
		return fmt.Errorf("resync left durable rows diverged (durable %v, cache %v): stored versions likely outrun the cache",
			durableTally, cacheTally)
	}
	return nil
}

// ForceSync synchronously drains and applies one debate's batch,
// bypassing the tick. Used by the operational surface and drift repair.
func (s *Scheduler) ForceSync(ctx context.Context, debateID string) error {
	return s.syncDebate(ctx, debateID)
}

// ForceLock transitions a debate open -> locked.
func (s *Scheduler) ForceLock(debateID string) error {
	if err := s.cache.Lock(debateID); err != nil {
		return err
	}
	s.logger.Printf("Locked debate %s", debateID)
	return nil
}

// ForceClose locks a debate if needed, flushes until its dirty set is
// empty, then transitions locked -> closed. After a successful close the
// durable tally exactly matches the final cache tally.
func (s *Scheduler) ForceClose(ctx context.Context, debateID string) error {
	state, err := s.cache.State(debateID)
	if err != nil {
		return err
	}
	if state == vote.Open {
		if err := s.ForceLock(debateID); err != nil {
			return err
		}
	}

	for attempt := 0; attempt < closeAttempts; attempt++ {
		dirty, err := s.cache.DirtyCount(debateID)
		if err != nil {
			return err
		}
		if dirty == 0 {
			if err := s.cache.BeginClose(debateID); err != nil {
				if errors.Is(err, vote.ErrDirty) {
					continue // raced with a requeue, flush again
				}
				return err
			}
			s.logger.Printf("Closed debate %s", debateID)
			return nil
		}
		if err := s.ForceSync(ctx, debateID); err != nil {
			s.logger.Printf("WARNING: close flush attempt %d for debate %s failed: %v",
				attempt+1, debateID, err)
		}
	}
	return fmt.Errorf("debate %s still dirty after %d flush attempts: %w",
		debateID, closeAttempts, vote.ErrDirty)
}

// ForceReset clears a debate's durable rows and cache entry. The durable
// delete runs first so a crash in between leaves rows the next sync cycle
// simply won't recreate.
func (s *Scheduler) ForceReset(ctx context.Context, debateID string) (int, error) {
	if _, err := s.cache.State(debateID); err != nil {
		return 0, err
	}
	deleted, err := s.durable.DeleteVotes(ctx, debateID)
	if err != nil {
		return 0, &StoreError{DebateID: debateID, Err: err}
	}
	removed, err := s.cache.Reset(debateID)
	if err != nil {
		return 0, err
	}
	s.logger.Printf("Reset debate %s: %d cache votes, %d durable rows removed",
		debateID, removed, deleted)
	return removed, nil
}

// IncompleteFlush reports debates whose dirty sets could not be flushed
// before shutdown. Each one also has a durable flush marker so the next
// process surfaces it at startup.
type IncompleteFlush struct {
	Pending map[string]int // debate_id -> unflushed vote count
}

func (e *IncompleteFlush) Error() string {
	ids := make([]string, 0, len(e.Pending))
	for id := range e.Pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("shutdown flush incomplete for debates: %s", strings.Join(ids, ", "))
}

// Close stops the tick loop, waits out in-flight batches for the shutdown
// grace period, then forces a final synchronous flush of every dirty
// debate. Debates that still fail get a durable flush marker and are
// reported via *IncompleteFlush.
func (s *Scheduler) Close(ctx context.Context) error {
	s.cancel()
	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownGrace):
		s.logger.Printf("WARNING: in-flight syncs did not drain within %v", s.shutdownGrace)
	case <-ctx.Done():
	}

	incomplete := make(map[string]int)
	for _, debateID := range s.cache.DirtyDebates() {
		flushCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		err := s.ForceSync(flushCtx, debateID)
		cancel()
		if err == nil {
			continue
		}

		pending, derr := s.cache.DirtyCount(debateID)
		if derr != nil {
			pending = -1
		}
		incomplete[debateID] = pending
		markCtx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
		if merr := s.durable.WriteFlushMarker(markCtx, debateID, pending); merr != nil {
			s.logger.Printf("ERROR: failed to write flush marker for debate %s: %v", debateID, merr)
		}
		cancel()
	}

	if len(incomplete) > 0 {
		return &IncompleteFlush{Pending: incomplete}
	}
	s.logger.Printf("Scheduler stopped, all debates flushed")
	return nil
}

// capIDs formats up to logIDCap participant IDs for a log line.
func capIDs(ids []string) string {
	if len(ids) <= logIDCap {
		return strings.Join(ids, ",")
	}
	return strings.Join(ids[:logIDCap], ",") + ",..."
}
