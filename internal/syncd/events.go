package syncd

import "time"

// EventSink receives sync lifecycle events for operational broadcast.
// Implementations must not block; the dashboard handler fans these out to
// websocket clients.
type EventSink interface {
	// SyncCompleted fires after a debate's batch commits.
	SyncCompleted(debateID string, res *Result, took time.Duration)

	// SyncFailed fires when a batch fails and its participants are
	// requeued for the next tick.
	SyncFailed(debateID string, pending int, err error)

	// DriftDetected fires when the auditor finds a durable tally that
	// disagrees with the cache.
	DriftDetected(d Drift)

	// OperatorAlert fires when automatic recovery gave up and a human
	// needs to look.
	OperatorAlert(debateID, msg string)
}

// nopSink is the default sink when no dashboard is attached.
type nopSink struct{}

func (nopSink) SyncCompleted(string, *Result, time.Duration) {}
func (nopSink) SyncFailed(string, int, error)                {}
func (nopSink) DriftDetected(Drift)                          {}
func (nopSink) OperatorAlert(string, string)                 {}
