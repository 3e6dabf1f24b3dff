// Package loadtest provides load testing utilities for the vote engine.
//
// The harness simulates many participants casting and changing votes
// concurrently across several live debates, validating that casts stay
// sub-millisecond while the background sync keeps the durable store
// converging, and that after force-closing every debate the durable
// tallies exactly match the cache.
package loadtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/podiumhq/podium/internal/store"
	"github.com/podiumhq/podium/internal/syncd"
	"github.com/podiumhq/podium/internal/vote"
)

// Harness wires a full engine (cache, durable store, scheduler) around
// synthetic debates and participants.
type Harness struct {
	Cache *vote.Cache
	DB    *store.DB
	Sched *syncd.Scheduler

	DebateIDs    []string
	Participants map[string][]string // debate_id -> participant_ids
}

// LatencyStats captures cast-path performance metrics.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	TotalCasts int
	Errors     int
}

// New creates a harness with the given number of debates and
// participants per debate, backed by a SQLite database at dbPath.
func New(dbPath string, debates, participantsPerDebate int, schedCfg *syncd.Config) (*Harness, error) {
	if debates <= 0 || participantsPerDebate <= 0 {
		return nil, fmt.Errorf("debates and participants must be positive")
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// High write concurrency during the run.
	db.RawDB().SetMaxOpenConns(50)
	db.RawDB().SetMaxIdleConns(20)

	cache := vote.NewCache()
	sched, err := syncd.New(cache, syncd.SQLStore{DB: db}, schedCfg, nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	h := &Harness{
		Cache:        cache,
		DB:           db,
		Sched:        sched,
		Participants: make(map[string][]string, debates),
	}

	for i := 0; i < debates; i++ {
		debateID := fmt.Sprintf("debate-%03d", i)
		if err := cache.Register(debateID, vote.DefaultChoices(), 0); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to register debate: %w", err)
		}
		ids := make([]string, participantsPerDebate)
		for j := range ids {
			ids[j] = uuid.NewString()
		}
		h.DebateIDs = append(h.DebateIDs, debateID)
		h.Participants[debateID] = ids
	}

	sched.Start()
	return h, nil
}

// Close shuts down the scheduler (flushing dirty debates) and the
// database.
func (h *Harness) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.Sched.Close(ctx); err != nil {
		_ = h.DB.Close()
		return err
	}
	return h.DB.Close()
}

// Run fires castsPerParticipant casts from every participant of every
// debate, each flipping between random choices, and returns aggregated
// cast latency statistics.
func (h *Harness) Run(castsPerParticipant int) (*LatencyStats, error) {
	choices := vote.DefaultChoices()

	var total int
	for _, ids := range h.Participants {
		total += len(ids)
	}

	// Every worker sends exactly once; the buffers hold them all so
	// nothing blocks before wg.Wait returns.
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, total)
	errorsChan := make(chan error, total)

	var worker int64
	for _, debateID := range h.DebateIDs {
		for _, participantID := range h.Participants[debateID] {
			worker++
			wg.Add(1)
			go func(debateID, participantID string, seed int64) {
				defer wg.Done()

				rng := rand.New(rand.NewSource(seed))
				durations := make([]time.Duration, 0, castsPerParticipant)

				for i := 0; i < castsPerParticipant; i++ {
					choice := choices[rng.Intn(len(choices))]
					start := time.Now()
					_, err := h.Cache.CastOrChange(debateID, participantID, choice)
					durations = append(durations, time.Since(start))

					if err != nil {
						errorsChan <- fmt.Errorf("cast %d for %s/%s failed: %w", i, debateID, participantID, err)
						return
					}
				}
				resultsChan <- durations
			}(debateID, participantID, worker+time.Now().UnixNano())
		}
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errorCount int
	for err := range errorsChan {
		errorCount++
		fmt.Printf("Error: %v\n", err)
	}

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no successful casts completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyConverged force-closes every debate and checks the round-trip
// law: the durable tally must equal the cache tally, byte for byte.
func (h *Harness) VerifyConverged(ctx context.Context) error {
	for _, debateID := range h.DebateIDs {
		if err := h.Sched.ForceClose(ctx, debateID); err != nil {
			return fmt.Errorf("failed to close debate %s: %w", debateID, err)
		}

		cacheTally, err := h.Cache.Tally(debateID)
		if err != nil {
			return err
		}
		durableTally, err := h.DB.CountByChoice(ctx, debateID)
		if err != nil {
			return err
		}
		if !cacheTally.Equal(durableTally) {
			return fmt.Errorf("debate %s diverged: cache=%v durable=%v", debateID, cacheTally, durableTally)
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalCasts: len(durations),
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Cast Latency Statistics:\n")
	fmt.Printf("  Total Casts: %d\n", s.TotalCasts)
	fmt.Printf("  Errors:      %d\n", s.Errors)
	fmt.Printf("  Min:         %v\n", s.Min)
	fmt.Printf("  P50 (Median): %v\n", s.P50)
	fmt.Printf("  Mean:        %v\n", s.Mean)
	fmt.Printf("  P95:         %v\n", s.P95)
	fmt.Printf("  P99:         %v\n", s.P99)
	fmt.Printf("  Max:         %v\n", s.Max)
}
