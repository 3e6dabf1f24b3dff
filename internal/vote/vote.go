// Package vote implements the in-memory vote cache for live debates.
//
// The cache is the system of record while a debate is open: casts are
// accepted against it with sub-millisecond latency, and a background sync
// process (internal/syncd) periodically reconciles it with the durable
// store. Each debate gets its own cache entry with its own mutex, so
// independent debates never contend with each other.
package vote

import (
	"errors"
	"math"
	"time"
)

// Choice is one side/option a participant can vote for.
type Choice string

// Conventional choice set for a two-sided debate.
const (
	ChoicePro     Choice = "pro"
	ChoiceCon     Choice = "con"
	ChoiceAbstain Choice = "abstain"
)

// DefaultChoices returns the conventional pro/con/abstain choice set.
func DefaultChoices() []Choice {
	return []Choice{ChoicePro, ChoiceCon, ChoiceAbstain}
}

// LockState is the per-debate write-enable state machine.
// Transitions are strictly forward: Open -> Locked -> Closed.
type LockState int

const (
	// Open accepts casts and vote changes.
	Open LockState = iota

	// Locked rejects further casts but still serves tally reads.
	Locked

	// Closed means the final sync completed and the durable store owns
	// the debate's rows; the cache entry becomes read-only.
	Closed
)

func (s LockState) String() string {
	switch s {
	case Open:
		return "open"
	case Locked:
		return "locked"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error taxonomy for the vote path. Sync-path failures never surface here;
// they are absorbed and retried by the scheduler.
var (
	// ErrDebateLocked rejects a cast because the debate is not open.
	ErrDebateLocked = errors.New("debate is not open for voting")

	// ErrInvalidChoice rejects a cast for a choice the debate doesn't offer.
	ErrInvalidChoice = errors.New("choice is not valid for this debate")

	// ErrChangeLimit rejects a cast because the participant used up the
	// debate's vote-change allowance.
	ErrChangeLimit = errors.New("maximum vote changes reached")

	// ErrUnknownDebate means no cache entry exists for the debate ID.
	ErrUnknownDebate = errors.New("debate not registered")

	// ErrAlreadyRegistered means Register was called twice for one debate.
	ErrAlreadyRegistered = errors.New("debate already registered")

	// ErrDirty refuses a locked->closed transition while unsynced votes
	// remain; the scheduler forces a flush instead of failing the operator.
	ErrDirty = errors.New("debate has unsynced votes")

	// ErrBadTransition refuses a lock state transition that would skip a
	// state or move backward.
	ErrBadTransition = errors.New("invalid lock state transition")

	// ErrNotClosed refuses eviction of a debate that is still live.
	ErrNotClosed = errors.New("debate is not closed")
)

// Vote is one participant's current choice in one debate.
// At most one Vote exists per (debate, participant) pair: a change
// overwrites in place and bumps Version, it never creates a second record.
type Vote struct {
	ID            string    `json:"id"`
	DebateID      string    `json:"debate_id"`
	ParticipantID string    `json:"participant_id"`
	Choice        Choice    `json:"choice"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Changes returns how many vote changes this participant has consumed.
// The first cast is version 1 and counts as zero changes.
func (v *Vote) Changes() int64 {
	if v.Version <= 1 {
		return 0
	}
	return v.Version - 1
}

// Tally is the aggregate count of current votes per choice.
type Tally map[Choice]int

// Clone returns an independent copy of the tally.
func (t Tally) Clone() Tally {
	out := make(Tally, len(t))
	for c, n := range t {
		out[c] = n
	}
	return out
}

// Total returns the number of votes across all choices.
func (t Tally) Total() int {
	var n int
	for _, c := range t {
		n += c
	}
	return n
}

// Equal reports whether two tallies hold identical counts, treating a
// missing key and a zero count as the same thing.
func (t Tally) Equal(other Tally) bool {
	for c, n := range t {
		if other[c] != n {
			return false
		}
	}
	for c, n := range other {
		if t[c] != n {
			return false
		}
	}
	return true
}

// WinnerTie is the Winner value when the leading choices are level.
const WinnerTie = "tie"

// Results is the derived view of a debate's tally: counts, percentages
// and the leading choice. It is computed entirely from cache state.
type Results struct {
	DebateID    string             `json:"debate_id"`
	TotalVotes  int                `json:"total_votes"`
	Counts      map[Choice]int     `json:"counts"`
	Percentages map[Choice]float64 `json:"percentages"`
	Winner      string             `json:"winner"`
	LockState   string             `json:"lock_state"`
}

// computeResults derives Results from a tally. Abstain never wins: it is
// excluded from the winner comparison but still counted and percentaged.
func computeResults(debateID string, t Tally, state LockState) Results {
	r := Results{
		DebateID:    debateID,
		TotalVotes:  t.Total(),
		Counts:      make(map[Choice]int, len(t)),
		Percentages: make(map[Choice]float64, len(t)),
		LockState:   state.String(),
	}

	for c, n := range t {
		r.Counts[c] = n
		if r.TotalVotes > 0 {
			pct := float64(n) / float64(r.TotalVotes) * 100
			r.Percentages[c] = math.Round(pct*100) / 100
		} else {
			r.Percentages[c] = 0
		}
	}

	best := 0
	for c, n := range t {
		if c != ChoiceAbstain && n > best {
			best = n
		}
	}
	winner := WinnerTie
	if best > 0 {
		var leaders []Choice
		for c, n := range t {
			if c != ChoiceAbstain && n == best {
				leaders = append(leaders, c)
			}
		}
		if len(leaders) == 1 {
			winner = string(leaders[0])
		}
	}
	r.Winner = winner

	return r
}
