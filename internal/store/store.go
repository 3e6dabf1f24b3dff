// Package store provides the durable SQLite tier for debate votes.
//
// The database runs in embedded mode with WAL for concurrent reads. While
// a debate is open the in-memory cache is authoritative and this store
// trails it by at most one sync interval; once a debate closes, ownership
// of its rows transfers here.
//
// Schema:
//   - votes: one row per (debate_id, participant_id), version-guarded
//   - flush_markers: debates whose final flush did not complete before a
//     shutdown, surfaced loudly on the next startup
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/podiumhq/podium/internal/vote"
)

// DB wraps the SQLite connection with vote-store functionality.
type DB struct {
	conn *sql.DB
	path string
}

// StoredVote is the durable row for one participant's vote.
type StoredVote struct {
	ParticipantID string
	VoteID        string
	Choice        vote.Choice
	Version       int64
	UpdatedAt     time.Time
}

// FlushMarker records a debate whose dirty set could not be flushed before
// the process exited.
type FlushMarker struct {
	DebateID string
	Pending  int
	MarkedAt time.Time
}

// Open creates a database connection at the specified path.
//
// The parent directory is created if needed, WAL mode is enabled for
// concurrent reads, and the schema is the caller's job via InitSchema.
// The caller must Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the vote tables and indexes. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS votes (
		debate_id      TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		vote_id        TEXT NOT NULL,
		choice         TEXT NOT NULL,
		version        INTEGER NOT NULL,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		PRIMARY KEY (debate_id, participant_id)
	);

	CREATE INDEX IF NOT EXISTS idx_votes_debate ON votes(debate_id);
	CREATE INDEX IF NOT EXISTS idx_votes_debate_choice ON votes(debate_id, choice);

	CREATE TABLE IF NOT EXISTS flush_markers (
		debate_id TEXT PRIMARY KEY,
		pending   INTEGER NOT NULL,
		marked_at TEXT NOT NULL
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Tx exposes the batch operations available inside one durable
// transaction: the existence check, the batched update and the batched
// insert either all commit or none do.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn inside a single transaction, rolling back on error.
func (db *DB) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SQLite caps bound parameters per statement (SQLITE_MAX_VARIABLE_NUMBER,
// 32766 by default). Batches are chunked below that cap; the chunks still
// run inside the same transaction, so atomicity is unaffected.
const maxBindVars = 32000

// Package variables so the chunk boundaries are testable with small batches.
var (
	// One bind var is reserved for debate_id in the IN query.
	findChunkSize = maxBindVars - 1
	// Each upserted row binds seven values.
	upsertChunkSize = maxBindVars / 7
)

// FindVotes returns the stored rows for the given participants of one
// debate, one IN query per chunk of participant IDs.
func (t *Tx) FindVotes(ctx context.Context, debateID string, participantIDs []string) (map[string]StoredVote, error) {
	found := make(map[string]StoredVote, len(participantIDs))
	for start := 0; start < len(participantIDs); start += findChunkSize {
		end := min(start+findChunkSize, len(participantIDs))
		if err := t.findVotesChunk(ctx, debateID, participantIDs[start:end], found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (t *Tx) findVotesChunk(ctx context.Context, debateID string, participantIDs []string, found map[string]StoredVote) error {
	if len(participantIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(participantIDs))
	placeholders = placeholders[:len(placeholders)-1]

	query := `
	SELECT participant_id, vote_id, choice, version, updated_at
	FROM votes
	WHERE debate_id = ? AND participant_id IN (` + placeholders + `)`

	args := make([]interface{}, 0, len(participantIDs)+1)
	args = append(args, debateID)
	for _, id := range participantIDs {
		args = append(args, id)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query votes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sv StoredVote
		var updatedAt string
		if err := rows.Scan(&sv.ParticipantID, &sv.VoteID, &sv.Choice, &sv.Version, &updatedAt); err != nil {
			return fmt.Errorf("failed to scan vote: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			sv.UpdatedAt = ts
		}
		found[sv.ParticipantID] = sv
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating votes: %w", err)
	}
	return nil
}

// upsertVotes writes a batch of votes in multi-row statements, one per
// chunk of rows. The version guard makes a stale write a no-op, so a
// racing writer can never regress a row, and the primary key makes a
// racing insert impossible.
func (t *Tx) upsertVotes(ctx context.Context, debateID string, votes []vote.Vote) error {
	for start := 0; start < len(votes); start += upsertChunkSize {
		end := min(start+upsertChunkSize, len(votes))
		if err := t.upsertVotesChunk(ctx, debateID, votes[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) upsertVotesChunk(ctx context.Context, debateID string, votes []vote.Vote) error {
	if len(votes) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`
	INSERT INTO votes (debate_id, participant_id, vote_id, choice, version, created_at, updated_at)
	VALUES `)

	args := make([]interface{}, 0, len(votes)*7)
	for i, v := range votes {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			debateID,
			v.ParticipantID,
			v.ID,
			string(v.Choice),
			v.Version,
			v.CreatedAt.Format(time.RFC3339Nano),
			v.UpdatedAt.Format(time.RFC3339Nano),
		)
	}

	sb.WriteString(`
	ON CONFLICT(debate_id, participant_id) DO UPDATE SET
		choice = excluded.choice,
		version = excluded.version,
		updated_at = excluded.updated_at
	WHERE excluded.version > votes.version`)

	if _, err := t.tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to write votes: %w", err)
	}
	return nil
}

// UpdateVotes applies one batched update for participants that already
// have a durable row with an older version.
func (t *Tx) UpdateVotes(ctx context.Context, debateID string, votes []vote.Vote) error {
	return t.upsertVotes(ctx, debateID, votes)
}

// InsertVotes applies one batched insert for participants with no durable
// row yet.
func (t *Tx) InsertVotes(ctx context.Context, debateID string, votes []vote.Vote) error {
	return t.upsertVotes(ctx, debateID, votes)
}

// CountByChoice recomputes the durable tally for a debate. Used by the
// consistency auditor to detect drift against the cache tally.
func (db *DB) CountByChoice(ctx context.Context, debateID string) (vote.Tally, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT choice, COUNT(*) FROM votes WHERE debate_id = ? GROUP BY choice`, debateID)
	if err != nil {
		return nil, fmt.Errorf("failed to count votes: %w", err)
	}
	defer rows.Close()

	tally := make(vote.Tally)
	for rows.Next() {
		var choice string
		var n int
		if err := rows.Scan(&choice, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		tally[vote.Choice(choice)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return tally, nil
}

// VoteCount returns the number of durable rows for a debate.
func (db *DB) VoteCount(ctx context.Context, debateID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM votes WHERE debate_id = ?`, debateID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count votes: %w", err)
	}
	return n, nil
}

// TotalVoteCount returns the number of durable rows across all debates.
func (db *DB) TotalVoteCount(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count votes: %w", err)
	}
	return n, nil
}

// DeleteVotes removes all durable rows for a debate. Idempotent; returns
// the number of rows removed. Supports the administrative reset.
func (db *DB) DeleteVotes(ctx context.Context, debateID string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM votes WHERE debate_id = ?`, debateID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete votes for debate %s: %w", debateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// ===== Flush markers =====

// WriteFlushMarker records that a debate's dirty set could not be flushed
// before shutdown. Overwrites any existing marker for the debate.
func (db *DB) WriteFlushMarker(ctx context.Context, debateID string, pending int) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO flush_markers (debate_id, pending, marked_at)
	VALUES (?, ?, ?)
	ON CONFLICT(debate_id) DO UPDATE SET
		pending = excluded.pending,
		marked_at = excluded.marked_at`,
		debateID, pending, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write flush marker for %s: %w", debateID, err)
	}
	return nil
}

// ClearFlushMarker removes a debate's flush marker once it syncs clean.
// Idempotent.
func (db *DB) ClearFlushMarker(ctx context.Context, debateID string) error {
	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM flush_markers WHERE debate_id = ?`, debateID); err != nil {
		return fmt.Errorf("failed to clear flush marker for %s: %w", debateID, err)
	}
	return nil
}

// IncompleteFlushes lists the debates whose final flush never completed.
// The serve command reports each of these loudly at startup so an operator
// can reconcile manually.
func (db *DB) IncompleteFlushes(ctx context.Context) ([]FlushMarker, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT debate_id, pending, marked_at FROM flush_markers ORDER BY marked_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flush markers: %w", err)
	}
	defer rows.Close()

	var markers []FlushMarker
	for rows.Next() {
		var m FlushMarker
		var markedAt string
		if err := rows.Scan(&m.DebateID, &m.Pending, &markedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flush marker: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, markedAt); err == nil {
			m.MarkedAt = ts
		}
		markers = append(markers, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flush markers: %w", err)
	}
	return markers, nil
}
