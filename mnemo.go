// Package mnemo is a semantic memory server: it ingests textual artifacts
// under content-addressed identifiers, asynchronously extracts structured
// semantic events and entities from their text, and serves hybrid retrieval
// that fuses vector similarity with a 1-hop graph expansion over the
// extracted events.
package mnemo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-dev/mnemo/chunker"
	"github.com/mnemo-dev/mnemo/extract"
	"github.com/mnemo-dev/mnemo/graph"
	"github.com/mnemo-dev/mnemo/ingest"
	"github.com/mnemo-dev/mnemo/llm"
	"github.com/mnemo-dev/mnemo/retrieval"
	"github.com/mnemo-dev/mnemo/store"
	"github.com/mnemo-dev/mnemo/vecstore"
	"github.com/mnemo-dev/mnemo/worker"
)

// Memory is the main entry point for the semantic memory server.
type Memory interface {
	// Remember validates, stores, and enqueues extraction for an artifact.
	// Re-remembering identical content is a no-op.
	Remember(ctx context.Context, req RememberRequest) (*ingest.Receipt, error)

	// Recall runs hybrid retrieval, a direct-id lookup, or a conversation
	// read-back, depending on which input is set.
	Recall(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)

	// Forget hard-deletes an artifact and everything derived from it.
	// Requires confirm=true.
	Forget(ctx context.Context, id string, confirm bool) (*ForgetResult, error)

	// Reextract deletes a revision's events and resets its job so the
	// workers run extraction again from scratch.
	Reextract(ctx context.Context, artifactUID, revisionID string) (*store.Job, error)

	// Status reports job state for an artifact (when id is given) plus
	// store counts and subsystem health. It never fails on probe errors.
	Status(ctx context.Context, id string) (*StatusResult, error)

	// StartWorkers launches the extraction worker pool.
	StartWorkers(ctx context.Context)

	// Migrate applies pending relational schema migrations and ensures the
	// vector collections exist.
	Migrate(ctx context.Context) error

	// Store exposes the relational store for diagnostic access.
	Store() *store.Store

	// Close stops the workers and releases both store connections.
	Close() error
}

// RememberRequest is the input to Remember.
type RememberRequest struct {
	ArtifactType    string     `json:"artifact_type"`
	SourceSystem    string     `json:"source_system,omitempty"`
	Content         string     `json:"content"`
	SourceID        string     `json:"source_id,omitempty"`
	Title           string     `json:"title,omitempty"`
	Author          string     `json:"author,omitempty"`
	Participants    []string   `json:"participants,omitempty"`
	SourceTS        *time.Time `json:"source_ts,omitempty"`
	Sensitivity     string     `json:"sensitivity,omitempty"`
	VisibilityScope string     `json:"visibility_scope,omitempty"`
	RetentionPolicy string     `json:"retention_policy,omitempty"`
	ConversationID  string     `json:"conversation_id,omitempty"`
	TurnRole        string     `json:"turn_role,omitempty"`
	TurnIndex       *int       `json:"turn_index,omitempty"`
}

// ForgetResult reports what a forget removed.
type ForgetResult struct {
	ArtifactID       string `json:"artifact_id"`
	RevisionsDeleted int    `json:"revisions_deleted"`
	VectorsDeleted   bool   `json:"vectors_deleted"`
}

// JobStatus is the per-artifact extraction state in a status response.
type JobStatus struct {
	ArtifactUID string     `json:"artifact_uid"`
	RevisionID  string     `json:"revision_id"`
	State       string     `json:"state"` // PENDING, PROCESSING, COMPLETED, FAILED
	Attempts    int        `json:"attempts"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

// StatusResult is the output of Status. VectorPoints holds the exact point
// count per vector collection.
type StatusResult struct {
	Job          *JobStatus        `json:"job,omitempty"`
	Counts       *store.Counts     `json:"counts,omitempty"`
	VectorPoints map[string]uint64 `json:"vector_points,omitempty"`
	Health       map[string]bool   `json:"health"`
}

// memory is the concrete implementation of Memory.
type memory struct {
	cfg       Config
	store     *store.Store
	vectors   *vecstore.Client
	embed     *llm.Client
	chat      *llm.Client
	ingestor  *ingest.Coordinator
	retriever *retrieval.Service
	pool      *worker.Pool

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a Memory with the given configuration, connecting to both
// stores and both providers. Call Migrate before first use on a fresh
// database, and StartWorkers to enable extraction.
func New(ctx context.Context, cfg Config) (Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s, err := store.New(ctx, cfg.PostgresDSN, cfg.PoolMinConns, cfg.PoolMaxConns)
	if err != nil {
		return nil, fmt.Errorf("opening relational store: %w", err)
	}

	vectors, err := vecstore.New(cfg.QdrantHost, cfg.QdrantPort, cfg.EmbeddingDim)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	embed := llm.NewClient(llm.Config{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Timeout:    cfg.Embedding.Timeout,
		MaxRetries: cfg.RetryCount,
		BatchSize:  cfg.EmbedBatchSize,
	})
	chat := llm.NewClient(llm.Config{
		BaseURL:    cfg.Chat.BaseURL,
		APIKey:     cfg.Chat.APIKey,
		Model:      cfg.Chat.Model,
		Timeout:    cfg.Chat.Timeout,
		MaxRetries: cfg.RetryCount,
	})

	tok, err := chunker.NewTiktoken()
	if err != nil {
		s.Close()
		vectors.Close()
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	chunks := chunker.New(chunker.Config{
		Target:  cfg.ChunkTarget,
		Overlap: cfg.ChunkOverlap,
	}, tok)

	ingestor := ingest.New(s, vectors, embed, chunks, cfg.SinglePieceMax, cfg.EventMaxAttempts)

	resolver := graph.NewResolver(s, embed, chat)
	expander := graph.NewExpander(s)
	retriever := retrieval.New(s, vectors, embed, expander, cfg.GraphSeedLimit)

	extractor := extract.New(chat)
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	pool := worker.NewPool(workerID, cfg.WorkerCount, s, func(id string) *worker.Worker {
		return worker.NewWorker(id, s, vectors, extractor, resolver)
	}, cfg.PollInterval, cfg.StaleLockAfter)

	return &memory{
		cfg:       cfg,
		store:     s,
		vectors:   vectors,
		embed:     embed,
		chat:      chat,
		ingestor:  ingestor,
		retriever: retriever,
		pool:      pool,
	}, nil
}

func (m *memory) Migrate(ctx context.Context) error {
	if err := m.store.Migrate(ctx); err != nil {
		return err
	}
	return m.vectors.EnsureCollections(ctx)
}

func (m *memory) Remember(ctx context.Context, req RememberRequest) (*ingest.Receipt, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.ingestor.Ingest(ctx, ingest.Request{
		ArtifactType:    req.ArtifactType,
		SourceSystem:    req.SourceSystem,
		Content:         req.Content,
		SourceID:        req.SourceID,
		Title:           req.Title,
		Author:          req.Author,
		Participants:    req.Participants,
		SourceTS:        req.SourceTS,
		Sensitivity:     req.Sensitivity,
		VisibilityScope: req.VisibilityScope,
		RetentionPolicy: req.RetentionPolicy,
		ConversationID:  req.ConversationID,
		TurnRole:        req.TurnRole,
		TurnIndex:       req.TurnIndex,
	})
}

func (m *memory) Recall(ctx context.Context, req retrieval.Request) (*retrieval.Response, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	resp, err := m.retriever.Recall(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, retrieval.ErrMissingQuery):
			return nil, ErrMissingQuery
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, err
	}
	return resp, nil
}

// Forget hard-deletes the artifact behind an art_ id from both stores.
// Events are derived state and cannot be forgotten directly; the cross-store
// delete runs relational-first so derived rows are gone before vectors, and
// the vector side is best-effort idempotent.
func (m *memory) Forget(ctx context.Context, id string, confirm bool) (*ForgetResult, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if !confirm {
		return nil, ErrConfirmRequired
	}
	if store.IsEventID(id) {
		return nil, ErrEventNotForgettable
	}
	if !store.IsArtifactID(id) {
		return nil, fmt.Errorf("%w: unrecognized id %q", ErrNotFound, id)
	}

	uids, err := m.store.DeleteByArtifactID(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	result := &ForgetResult{
		ArtifactID:       id,
		RevisionsDeleted: len(uids),
		VectorsDeleted:   true,
	}
	for _, uid := range uids {
		if err := m.vectors.DeleteArtifact(ctx, uid); err != nil {
			// Deletion is idempotent; orphaned vectors are dropped by
			// recall's relational join and swept on retry.
			slog.Warn("vector delete failed", "artifact_uid", uid, "error", err)
			result.VectorsDeleted = false
		}
	}
	return result, nil
}

func (m *memory) Reextract(ctx context.Context, artifactUID, revisionID string) (*store.Job, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	job, err := m.store.ResetJob(ctx, artifactUID, revisionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: job for %s/%s", ErrNotFound, artifactUID, revisionID)
		}
		return nil, err
	}
	return job, nil
}

func (m *memory) Status(ctx context.Context, id string) (*StatusResult, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	result := &StatusResult{
		Health: map[string]bool{
			"postgres":  m.store.Healthy(ctx),
			"qdrant":    m.vectors.Healthy(ctx),
			"embedding": m.embed.Healthy(ctx),
		},
	}

	if counts, err := m.store.TableCounts(ctx); err == nil {
		result.Counts = counts
	} else {
		slog.Warn("gathering counts failed", "error", err)
	}

	points := make(map[string]uint64, 2)
	for _, coll := range []string{vecstore.CollectionContent, vecstore.CollectionChunks} {
		n, err := m.vectors.Count(ctx, coll)
		if err != nil {
			slog.Warn("counting vector points failed", "collection", coll, "error", err)
			continue
		}
		points[coll] = n
	}
	if len(points) > 0 {
		result.VectorPoints = points
	}

	if id != "" {
		js, err := m.jobStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		result.Job = js
	}
	return result, nil
}

// jobStatus resolves an art_ id (or a raw uid) to the latest revision's
// extraction state. DONE is reported as COMPLETED on the wire.
func (m *memory) jobStatus(ctx context.Context, id string) (*JobStatus, error) {
	var rev *store.Revision
	switch {
	case store.IsArtifactID(id):
		revs, err := m.store.RevisionsByArtifactID(ctx, id)
		if err != nil {
			return nil, err
		}
		for i := range revs {
			if revs[i].IsLatest {
				rev = &revs[i]
				break
			}
		}
		if rev == nil && len(revs) > 0 {
			rev = &revs[len(revs)-1]
		}
	case store.IsArtifactUID(id):
		r, err := m.store.LatestRevision(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		rev = r
	}
	if rev == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	js := &JobStatus{ArtifactUID: rev.ArtifactUID, RevisionID: rev.RevisionID}
	job, err := m.store.GetJob(ctx, rev.ArtifactUID, rev.RevisionID)
	if errors.Is(err, store.ErrNotFound) {
		// Short conversation turns never enqueue a job.
		js.State = "COMPLETED"
		return js, nil
	}
	if err != nil {
		return nil, err
	}

	js.State = job.Status
	if job.Status == store.JobDone {
		js.State = "COMPLETED"
	}
	js.Attempts = job.Attempts
	if job.Status == store.JobPending {
		t := job.NextRunAt
		js.NextRunAt = &t
	}
	js.LastError = job.LastErrorMessage
	return js, nil
}

func (m *memory) StartWorkers(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	m.pool.Start(ctx)
}

func (m *memory) Store() *store.Store {
	return m.store
}

func (m *memory) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	if started {
		m.pool.Stop()
	}
	m.store.Close()
	return m.vectors.Close()
}
