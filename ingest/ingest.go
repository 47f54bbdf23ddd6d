// Package ingest implements the ingestion coordinator: validation,
// content-addressed identity, chunking, embedding, and the cross-store write
// sequence. Vector rows are written before the relational transaction so a
// partial failure can only leave orphaned vectors, never relational state
// pointing at missing text.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemo-dev/mnemo/chunker"
	"github.com/mnemo-dev/mnemo/llm"
	"github.com/mnemo-dev/mnemo/store"
	"github.com/mnemo-dev/mnemo/vecstore"
)

// maxContentBytes caps ingested content at 10 MB.
const maxContentBytes = 10 << 20

// shortTurnTokens is the ceiling below which a conversation turn skips
// extraction. Short turns carry little event signal and the conversation
// read-back path serves them verbatim.
const shortTurnTokens = 100

var artifactTypes = map[string]bool{
	"email": true, "doc": true, "chat": true, "transcript": true, "note": true,
}

// Request is the input to Ingest.
type Request struct {
	ArtifactType    string
	SourceSystem    string
	Content         string
	SourceID        string
	Title           string
	Author          string
	Participants    []string
	SourceTS        *time.Time
	Sensitivity     string
	VisibilityScope string
	RetentionPolicy string
	ConversationID  string
	TurnRole        string
	TurnIndex       *int
}

// Receipt is the result of Ingest.
type Receipt struct {
	ArtifactID  string     `json:"artifact_id"`
	ArtifactUID string     `json:"artifact_uid"`
	RevisionID  string     `json:"revision_id"`
	IsChunked   bool       `json:"is_chunked"`
	ChunkCount  int        `json:"chunk_count"`
	JobID       *uuid.UUID `json:"job_id,omitempty"`
	Status      string     `json:"status"` // stored or unchanged
}

// Coordinator runs the ingestion sequence.
type Coordinator struct {
	store          *store.Store
	vectors        *vecstore.Client
	embed          llm.Embedder
	chunks         *chunker.Chunker
	singlePieceMax int
	maxAttempts    int
}

// New creates a Coordinator.
func New(s *store.Store, v *vecstore.Client, embed llm.Embedder, ch *chunker.Chunker, singlePieceMax, maxAttempts int) *Coordinator {
	return &Coordinator{
		store:          s,
		vectors:        v,
		embed:          embed,
		chunks:         ch,
		singlePieceMax: singlePieceMax,
		maxAttempts:    maxAttempts,
	}
}

// Ingest validates, deduplicates, embeds, and stores one artifact.
func (c *Coordinator) Ingest(ctx context.Context, req Request) (*Receipt, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	artifactUID := store.NewArtifactUID(req.SourceSystem, req.SourceID)
	if req.SourceID == "" {
		artifactUID = store.RandomArtifactUID()
	}
	revisionID := store.NewRevisionID(req.Content)
	artifactID := store.NewArtifactID(req.Content)

	// Same content under the same uid is a true no-op: no re-embed, no
	// re-enqueue.
	if _, err := c.store.GetRevision(ctx, artifactUID, revisionID); err == nil {
		return c.unchangedReceipt(ctx, artifactID, artifactUID, revisionID), nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	tokenCount := c.chunks.Count(req.Content)
	chunked := tokenCount > c.singlePieceMax

	var pieces []chunker.Chunk
	if chunked {
		pieces = c.chunks.Split(artifactID, req.Content)
	}

	// Embed everything up front so a provider failure aborts before any
	// write lands in either store.
	vectors, err := c.embed.Embed(ctx, embedInputs(req.Content, pieces))
	if err != nil {
		return nil, fmt.Errorf("embedding content: %w", err)
	}

	var sourceTS int64
	if req.SourceTS != nil {
		sourceTS = req.SourceTS.Unix()
	}

	contentText := req.Content
	if chunked {
		// Chunked artifacts keep full text only in the chunk rows, and the
		// content row carries the first chunk's vector.
		contentText = ""
	}
	contentPoint := vecstore.Point{
		ID:          artifactID,
		Text:        contentText,
		Vector:      vectors[0],
		ArtifactUID: artifactUID,
		RevisionID:  revisionID,
		Source:      req.SourceSystem,
		Sensitivity: req.Sensitivity,
		SourceTS:    sourceTS,
	}
	if err := c.vectors.Upsert(ctx, vecstore.CollectionContent, []vecstore.Point{contentPoint}); err != nil {
		return nil, err
	}

	if chunked {
		points := make([]vecstore.Point, len(pieces))
		for i, p := range pieces {
			points[i] = vecstore.Point{
				ID:          p.ID,
				Text:        p.Content,
				Vector:      vectors[i],
				ArtifactUID: artifactUID,
				RevisionID:  revisionID,
				ChunkIndex:  p.Index,
				StartChar:   p.StartChar,
				EndChar:     p.EndChar,
				Source:      req.SourceSystem,
				Sensitivity: req.Sensitivity,
				SourceTS:    sourceTS,
			}
		}
		if err := c.vectors.Upsert(ctx, vecstore.CollectionChunks, points); err != nil {
			return nil, err
		}
	}

	rev := store.Revision{
		ArtifactUID:     artifactUID,
		RevisionID:      revisionID,
		ArtifactID:      artifactID,
		ArtifactType:    req.ArtifactType,
		SourceSystem:    req.SourceSystem,
		ContentHash:     store.ContentHash(req.Content),
		TokenCount:      tokenCount,
		IsChunked:       chunked,
		ChunkCount:      len(pieces),
		Sensitivity:     defaultString(req.Sensitivity, "internal"),
		VisibilityScope: defaultString(req.VisibilityScope, "team"),
		RetentionPolicy: defaultString(req.RetentionPolicy, "standard"),
	}
	if req.SourceID != "" {
		rev.SourceID = &req.SourceID
	}
	rev.SourceTS = req.SourceTS
	if req.Title != "" {
		rev.Title = &req.Title
	}
	if req.Author != "" {
		rev.Author = &req.Author
	}
	rev.Participants = req.Participants
	if req.ConversationID != "" {
		rev.ConversationID = &req.ConversationID
	}
	if req.TurnRole != "" {
		rev.TurnRole = &req.TurnRole
	}
	rev.TurnIndex = req.TurnIndex

	skipExtraction := c.isShortTurn(req, tokenCount)

	var jobID *uuid.UUID
	err = c.store.InTx(ctx, func(tx pgx.Tx) error {
		if err := c.store.InsertRevision(ctx, tx, rev); err != nil {
			return err
		}
		if skipExtraction {
			return nil
		}
		id, err := c.store.EnqueueJob(ctx, tx, artifactUID, revisionID, c.maxAttempts)
		if err != nil {
			return err
		}
		jobID = id
		return nil
	})
	if err != nil {
		// A concurrent identical ingest can win the insert between the dedup
		// read and this transaction; the winner's row is authoritative.
		if errors.Is(err, store.ErrDuplicateRevision) {
			return c.unchangedReceipt(ctx, artifactID, artifactUID, revisionID), nil
		}
		return nil, err
	}

	slog.Info("artifact stored",
		"artifact_uid", artifactUID, "revision_id", revisionID,
		"tokens", tokenCount, "chunks", len(pieces), "extraction", !skipExtraction)

	return &Receipt{
		ArtifactID:  artifactID,
		ArtifactUID: artifactUID,
		RevisionID:  revisionID,
		IsChunked:   chunked,
		ChunkCount:  len(pieces),
		JobID:       jobID,
		Status:      "stored",
	}, nil
}

// embedInputs returns the texts to embed, in the order their vectors are
// consumed. Chunked artifacts embed only their pieces: each piece fits the
// provider's per-text token cap, while the full content may not.
func embedInputs(content string, pieces []chunker.Chunk) []string {
	if len(pieces) == 0 {
		return []string{content}
	}
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Content
	}
	return texts
}

// unchangedReceipt builds the no-op receipt for content already stored under
// the same uid, carrying the existing job id when one exists.
func (c *Coordinator) unchangedReceipt(ctx context.Context, artifactID, artifactUID, revisionID string) *Receipt {
	receipt := &Receipt{
		ArtifactID:  artifactID,
		ArtifactUID: artifactUID,
		RevisionID:  revisionID,
		Status:      "unchanged",
	}
	if job, err := c.store.GetJob(ctx, artifactUID, revisionID); err == nil {
		receipt.JobID = &job.JobID
	}
	return receipt
}

func (c *Coordinator) validate(req Request) error {
	if !artifactTypes[req.ArtifactType] {
		return fmt.Errorf("%w: %q", ErrInvalidArtifactType, req.ArtifactType)
	}
	if req.Content == "" {
		return ErrEmptyContent
	}
	if len(req.Content) > maxContentBytes {
		return fmt.Errorf("%w: %d bytes", ErrContentTooLarge, len(req.Content))
	}
	if !utf8.ValidString(req.Content) {
		return ErrInvalidUTF8
	}
	return nil
}

// isShortTurn reports whether the request is a short conversation turn that
// skips extraction.
func (c *Coordinator) isShortTurn(req Request, tokenCount int) bool {
	return req.ConversationID != "" && req.TurnRole != "" && req.TurnIndex != nil &&
		tokenCount < shortTurnTokens
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
