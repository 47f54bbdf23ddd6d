// Package store is the typed access layer over the relational store. It owns
// the schema, the migration runner, the transaction helper, and the durable
// job queue. The relational store is the source of truth; vector rows with no
// matching revision here are orphans and safe to ignore.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// ErrNotFound is returned when a row lookup misses.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateRevision is returned when an insert loses the race against a
// concurrent identical ingest. The earlier row is authoritative.
var ErrDuplicateRevision = errors.New("store: revision already exists")

// Store wraps the shared pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates the connection pool and verifies connectivity. The pgvector
// codecs are registered on every new connection so entity context embeddings
// bind and scan natively.
func New(ctx context.Context, dsn string, minConns, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Healthy reports whether the store answers a ping.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (s *Store) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---------------------------------------------------------------------------
// Artifact revisions
// ---------------------------------------------------------------------------

// Revision represents a row in artifact_revision.
type Revision struct {
	ArtifactUID     string     `json:"artifact_uid"`
	RevisionID      string     `json:"revision_id"`
	ArtifactID      string     `json:"artifact_id"`
	ArtifactType    string     `json:"artifact_type"`
	SourceSystem    string     `json:"source_system"`
	SourceID        *string    `json:"source_id,omitempty"`
	SourceTS        *time.Time `json:"source_ts,omitempty"`
	Title           *string    `json:"title,omitempty"`
	Author          *string    `json:"author,omitempty"`
	Participants    []string   `json:"participants,omitempty"`
	ContentHash     string     `json:"content_hash"`
	TokenCount      int        `json:"token_count"`
	IsChunked       bool       `json:"is_chunked"`
	ChunkCount      int        `json:"chunk_count"`
	Sensitivity     string     `json:"sensitivity"`
	VisibilityScope string     `json:"visibility_scope"`
	RetentionPolicy string     `json:"retention_policy"`
	ConversationID  *string    `json:"conversation_id,omitempty"`
	TurnRole        *string    `json:"turn_role,omitempty"`
	TurnIndex       *int       `json:"turn_index,omitempty"`
	IsLatest        bool       `json:"is_latest"`
	IngestedAt      time.Time  `json:"ingested_at"`
}

const revisionColumns = `artifact_uid, revision_id, artifact_id, artifact_type,
	source_system, source_id, source_ts, title, author, participants,
	content_hash, token_count, is_chunked, chunk_count,
	sensitivity, visibility_scope, retention_policy,
	conversation_id, turn_role, turn_index, is_latest, ingested_at`

func scanRevision(row pgx.Row) (*Revision, error) {
	var r Revision
	err := row.Scan(
		&r.ArtifactUID, &r.RevisionID, &r.ArtifactID, &r.ArtifactType,
		&r.SourceSystem, &r.SourceID, &r.SourceTS, &r.Title, &r.Author, &r.Participants,
		&r.ContentHash, &r.TokenCount, &r.IsChunked, &r.ChunkCount,
		&r.Sensitivity, &r.VisibilityScope, &r.RetentionPolicy,
		&r.ConversationID, &r.TurnRole, &r.TurnIndex, &r.IsLatest, &r.IngestedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRevision fetches one revision by its composite key.
func (s *Store) GetRevision(ctx context.Context, artifactUID, revisionID string) (*Revision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM artifact_revision
		 WHERE artifact_uid = $1 AND revision_id = $2`,
		artifactUID, revisionID)
	return scanRevision(row)
}

// LatestRevision fetches the latest revision of an artifact uid.
func (s *Store) LatestRevision(ctx context.Context, artifactUID string) (*Revision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM artifact_revision
		 WHERE artifact_uid = $1 AND is_latest`,
		artifactUID)
	return scanRevision(row)
}

// RevisionsByArtifactID fetches all revisions carrying a vector-store
// artifact id. Content-identical artifacts under different uids share an
// artifact id, so this can return more than one row.
func (s *Store) RevisionsByArtifactID(ctx context.Context, artifactID string) ([]Revision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+revisionColumns+` FROM artifact_revision
		 WHERE artifact_id = $1 ORDER BY ingested_at`,
		artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ConversationRevisions returns a conversation's turns in turn order.
func (s *Store) ConversationRevisions(ctx context.Context, conversationID string) ([]Revision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+revisionColumns+` FROM artifact_revision
		 WHERE conversation_id = $1 AND is_latest
		 ORDER BY turn_index NULLS LAST, ingested_at`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// InsertRevision demotes any existing latest revision of the uid and inserts
// the new one inside the given transaction.
func (s *Store) InsertRevision(ctx context.Context, tx pgx.Tx, r Revision) error {
	if _, err := tx.Exec(ctx,
		`UPDATE artifact_revision SET is_latest = FALSE
		 WHERE artifact_uid = $1 AND is_latest`,
		r.ArtifactUID,
	); err != nil {
		return fmt.Errorf("demoting previous latest: %w", err)
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO artifact_revision (`+revisionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,TRUE,now())`,
		r.ArtifactUID, r.RevisionID, r.ArtifactID, r.ArtifactType,
		r.SourceSystem, r.SourceID, r.SourceTS, r.Title, r.Author, r.Participants,
		r.ContentHash, r.TokenCount, r.IsChunked, r.ChunkCount,
		r.Sensitivity, r.VisibilityScope, r.RetentionPolicy,
		r.ConversationID, r.TurnRole, r.TurnIndex,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("revision %s/%s: %w", r.ArtifactUID, r.RevisionID, ErrDuplicateRevision)
		}
		return fmt.Errorf("inserting revision %s/%s: %w", r.ArtifactUID, r.RevisionID, err)
	}
	return nil
}

// DeleteByArtifactID hard-deletes every revision carrying the artifact id,
// cascading to jobs, events, evidence, actor/subject rows, and mentions.
// Returns the artifact uids that were deleted so the caller can clean up the
// vector store.
func (s *Store) DeleteByArtifactID(ctx context.Context, artifactID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM artifact_revision WHERE artifact_id = $1 RETURNING artifact_uid`,
		artifactID)
	if err != nil {
		return nil, fmt.Errorf("deleting artifact %s: %w", artifactID, err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// ---------------------------------------------------------------------------
// Status counts
// ---------------------------------------------------------------------------

// Counts holds the row counts reported by the status operation.
type Counts struct {
	Revisions   int64 `json:"artifact_revisions"`
	Events      int64 `json:"semantic_events"`
	Entities    int64 `json:"entities"`
	PendingJobs int64 `json:"pending_jobs"`
}

// TableCounts gathers the row counts for the status operation.
func (s *Store) TableCounts(ctx context.Context) (*Counts, error) {
	var c Counts
	row := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM artifact_revision),
			(SELECT count(*) FROM semantic_event),
			(SELECT count(*) FROM entity),
			(SELECT count(*) FROM event_jobs WHERE status = 'PENDING')`)
	if err := row.Scan(&c.Revisions, &c.Events, &c.Entities, &c.PendingJobs); err != nil {
		return nil, fmt.Errorf("gathering counts: %w", err)
	}
	return &c, nil
}
