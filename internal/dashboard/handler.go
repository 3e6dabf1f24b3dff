// Package dashboard event handling: bridges engine events to WebSocket
// broadcast messages.
package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/podiumhq/podium/internal/syncd"
	"github.com/podiumhq/podium/internal/vote"
)

// Handler consumes the cache's tally-changed signal and the scheduler's
// event sink and formats them as dashboard messages. It implements
// syncd.EventSink.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// StatsData contains aggregate engine statistics.
type StatsData struct {
	TallyUpdates  int64 `json:"tally_updates"`
	SyncsComplete int64 `json:"syncs_complete"`
	SyncFailures  int64 `json:"sync_failures"`
	Drifts        int64 `json:"drifts"`
	VotesWritten  int64 `json:"votes_written"`
}

// SyncCompleteData describes one committed batch, including the tally
// snapshot the batch was built from.
type SyncCompleteData struct {
	DebateID  string        `json:"debate_id"`
	Inserted  int           `json:"inserted"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Tally     vote.Tally    `json:"tally"`
	Duration  time.Duration `json:"duration"`
}

// SyncErrorData describes one failed, requeued batch.
type SyncErrorData struct {
	DebateID string `json:"debate_id"`
	Pending  int    `json:"pending"`
	Error    string `json:"error"`
}

// DriftData describes a detected cache/durable mismatch.
type DriftData struct {
	DebateID string             `json:"debate_id"`
	Delta    map[vote.Choice]int `json:"delta"`
}

// AlertData carries an operator escalation.
type AlertData struct {
	DebateID string `json:"debate_id"`
	Message  string `json:"message"`
}

// NewHandler creates an event handler connected to a dashboard server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// OnTallyChanged is the cache's notification boundary: wire it to
// vote.Cache.OnTallyChanged. Delivery and ordering toward clients are
// this layer's concern, not the cache's.
func (h *Handler) OnTallyChanged(debateID string, r vote.Results) {
	h.mu.Lock()
	h.stats.TallyUpdates++
	h.mu.Unlock()

	h.send(MessageTypeTallyUpdate, r)
}

// SyncCompleted implements syncd.EventSink.
func (h *Handler) SyncCompleted(debateID string, res *syncd.Result, took time.Duration) {
	h.mu.Lock()
	h.stats.SyncsComplete++
	h.stats.VotesWritten += int64(res.Inserted + res.Updated)
	h.mu.Unlock()

	h.send(MessageTypeSyncComplete, SyncCompleteData{
		DebateID:  debateID,
		Inserted:  res.Inserted,
		Updated:   res.Updated,
		Unchanged: res.Unchanged,
		Tally:     res.Tally,
		Duration:  took,
	})
	h.broadcastStats()
}

// SyncFailed implements syncd.EventSink.
func (h *Handler) SyncFailed(debateID string, pending int, err error) {
	h.mu.Lock()
	h.stats.SyncFailures++
	h.mu.Unlock()

	h.send(MessageTypeSyncError, SyncErrorData{
		DebateID: debateID,
		Pending:  pending,
		Error:    err.Error(),
	})
}

// DriftDetected implements syncd.EventSink.
func (h *Handler) DriftDetected(d syncd.Drift) {
	h.mu.Lock()
	h.stats.Drifts++
	h.mu.Unlock()

	h.send(MessageTypeDrift, DriftData{
		DebateID: d.DebateID,
		Delta:    d.Delta,
	})
}

// OperatorAlert implements syncd.EventSink.
func (h *Handler) OperatorAlert(debateID, msg string) {
	h.logger.Printf("ALERT: debate %s: %s", debateID, msg)
	h.send(MessageTypeAlert, AlertData{DebateID: debateID, Message: msg})
}

// OnDebateState broadcasts a lock state transition.
func (h *Handler) OnDebateState(debateID string, state vote.LockState) {
	h.send(MessageTypeDebateState, map[string]string{
		"debate_id":  debateID,
		"lock_state": state.String(),
	})
}

// send marshals and broadcasts one message.
func (h *Handler) send(typ MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// broadcastStats sends current statistics to all clients.
func (h *Handler) broadcastStats() {
	h.mu.Lock()
	snapshot := h.stats
	h.mu.Unlock()
	h.send(MessageTypeStats, snapshot)
}

// GetStats returns the current statistics.
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
