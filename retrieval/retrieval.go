// Package retrieval implements the recall operation: hybrid vector search
// with reciprocal rank fusion across the content and chunks collections,
// artifact-level deduplication, optional chunk-neighbor splicing, and 1-hop
// graph expansion seeded from the primary results' events.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-dev/mnemo/graph"
	"github.com/mnemo-dev/mnemo/llm"
	"github.com/mnemo-dev/mnemo/store"
	"github.com/mnemo-dev/mnemo/vecstore"
)

// Limit bounds for recall.
const (
	DefaultLimit = 10
	MaxLimit     = 50
	overfetch    = 3
)

// ChunkBoundary separates spliced neighbor chunks in result content.
const ChunkBoundary = "\n[CHUNK BOUNDARY]\n"

// ErrMissingQuery is returned when a request carries neither a query, an id,
// nor a conversation id.
var ErrMissingQuery = errors.New("retrieval: query, id, or conversation_id required")

// Request is the input to Recall. Pointer fields distinguish "absent"
// (the documented default) from an explicit zero value.
type Request struct {
	Query           string     `json:"query,omitempty"`
	ID              string     `json:"id,omitempty"`
	ConversationID  string     `json:"conversation_id,omitempty"`
	Limit           *int       `json:"limit,omitempty"`
	MinImportance   float64    `json:"min_importance,omitempty"`
	Expand          *bool      `json:"expand,omitempty"`
	IncludeEvents   *bool      `json:"include_events,omitempty"`
	IncludeEntities *bool      `json:"include_entities,omitempty"`
	ExpandNeighbors bool       `json:"expand_neighbors,omitempty"`
	GraphBudget     int        `json:"graph_budget,omitempty"`
	GraphFilters    []string   `json:"graph_filters,omitempty"`
	DateFrom        *time.Time `json:"date_from,omitempty"`
	DateTo          *time.Time `json:"date_to,omitempty"`
	Source          string     `json:"source,omitempty"`
	Sensitivity     string     `json:"sensitivity,omitempty"`
}

// Metadata is the relational context attached to a primary result.
type Metadata struct {
	ArtifactUID  string     `json:"artifact_uid"`
	RevisionID   string     `json:"revision_id"`
	ArtifactType string     `json:"artifact_type"`
	SourceSystem string     `json:"source_system,omitempty"`
	Title        *string    `json:"title,omitempty"`
	Author       *string    `json:"author,omitempty"`
	SourceTS     *time.Time `json:"source_ts,omitempty"`
	ChunkIndex   *int       `json:"chunk_index,omitempty"`
}

// Result is one primary hit.
type Result struct {
	ID         string        `json:"id"`
	Content    string        `json:"content"`
	Similarity float64       `json:"similarity"`
	Metadata   Metadata      `json:"metadata"`
	Events     []store.Event `json:"events,omitempty"`
}

// Related is one event reached through graph expansion.
type Related struct {
	ID       string     `json:"id"` // evt_…
	Reason   string     `json:"reason"`
	Content  string     `json:"content"` // the event narrative
	Category string     `json:"category"`
	Time     *time.Time `json:"event_time,omitempty"`
}

// EntityRef is a canonical entity surfaced with the results.
type EntityRef struct {
	EntityID      uuid.UUID `json:"entity_id"`
	CanonicalName string    `json:"canonical_name"`
	Type          string    `json:"type"`
}

// Turn is one conversation turn in the read-back shape.
type Turn struct {
	Role      string     `json:"role"`
	TurnIndex int        `json:"turn_index"`
	TS        *time.Time `json:"ts,omitempty"`
	Content   string     `json:"content"`
}

// Response is the output of Recall.
type Response struct {
	Results    []Result    `json:"results"`
	Related    []Related   `json:"related,omitempty"`
	Entities   []EntityRef `json:"entities,omitempty"`
	Turns      []Turn      `json:"turns,omitempty"`
	TotalCount int         `json:"total_count"`
}

// PrivacyHook filters ranked hits before truncation. The default hook passes
// everything through; visibility enforcement plugs in here.
type PrivacyHook func(hits []fusedHit) []fusedHit

// Service runs recall.
type Service struct {
	store     *store.Store
	vectors   *vecstore.Client
	embed     llm.Embedder
	expander  *graph.Expander
	seedLimit int
	privacy   PrivacyHook
}

// New creates a retrieval Service. seedLimit caps how many top event ids
// seed the graph expansion.
func New(s *store.Store, v *vecstore.Client, embed llm.Embedder, ex *graph.Expander, seedLimit int) *Service {
	return &Service{
		store:     s,
		vectors:   v,
		embed:     embed,
		expander:  ex,
		seedLimit: seedLimit,
		privacy:   func(hits []fusedHit) []fusedHit { return hits },
	}
}

// Recall dispatches to the direct-id, conversation, or query path.
func (s *Service) Recall(ctx context.Context, req Request) (*Response, error) {
	switch {
	case req.ID != "":
		return s.recallByID(ctx, req)
	case req.ConversationID != "":
		return s.recallConversation(ctx, req.ConversationID)
	case strings.TrimSpace(req.Query) != "":
		return s.recallByQuery(ctx, req)
	default:
		return nil, ErrMissingQuery
	}
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// clampLimit applies the limit contract: absent means the default, an
// explicit zero (or less) means no primary results.
func clampLimit(limit *int) int {
	switch {
	case limit == nil:
		return DefaultLimit
	case *limit <= 0:
		return 0
	case *limit > MaxLimit:
		return MaxLimit
	default:
		return *limit
	}
}

// filterEvents drops attached events below the importance floor. A zero
// floor keeps everything.
func filterEvents(events []store.Event, min float64) []store.Event {
	if min <= 0 {
		return events
	}
	kept := events[:0]
	for _, ev := range events {
		if ev.Confidence >= min {
			kept = append(kept, ev)
		}
	}
	return kept
}

// ---------------------------------------------------------------------------
// Query path
// ---------------------------------------------------------------------------

func (s *Service) recallByQuery(ctx context.Context, req Request) (*Response, error) {
	limit := clampLimit(req.Limit)
	if limit == 0 {
		return &Response{Results: []Result{}}, nil
	}

	vecs, err := s.embed.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	queryVec := vecs[0]

	filter := vecstore.Filter{
		Source:      req.Source,
		Sensitivity: req.Sensitivity,
		From:        req.DateFrom,
		To:          req.DateTo,
	}

	// Both collections are queried in parallel with over-fetch so fusion
	// and dedup have enough candidates to fill the limit.
	type searchOut struct {
		results []vecstore.Result
		err     error
	}
	contentCh := make(chan searchOut, 1)
	chunksCh := make(chan searchOut, 1)
	go func() {
		r, err := s.vectors.Search(ctx, vecstore.CollectionContent, queryVec, limit*overfetch, filter)
		contentCh <- searchOut{r, err}
	}()
	go func() {
		r, err := s.vectors.Search(ctx, vecstore.CollectionChunks, queryVec, limit*overfetch, filter)
		chunksCh <- searchOut{r, err}
	}()
	content, chunks := <-contentCh, <-chunksCh
	if content.err != nil {
		return nil, content.err
	}
	if chunks.err != nil {
		return nil, chunks.err
	}

	hits := fuseRRF(content.results, chunks.results)
	hits = dedupByArtifact(hits)
	hits = s.privacy(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}

	resp := &Response{Results: make([]Result, 0, len(hits))}
	for _, h := range hits {
		r, ok := s.buildResult(ctx, h, req.ExpandNeighbors)
		if !ok {
			continue
		}
		resp.Results = append(resp.Results, *r)
	}

	if boolOr(req.IncludeEvents, true) {
		for i := range resp.Results {
			m := resp.Results[i].Metadata
			events, err := s.store.ListEvents(ctx, m.ArtifactUID, m.RevisionID, false)
			if err != nil {
				slog.Warn("attaching events failed",
					"artifact_uid", m.ArtifactUID, "error", err)
				continue
			}
			resp.Results[i].Events = filterEvents(events, req.MinImportance)
		}
	}

	if boolOr(req.Expand, true) {
		resp.Related = s.expandFromResults(ctx, resp.Results, req.GraphFilters, req.GraphBudget)
	}

	if boolOr(req.IncludeEntities, true) {
		resp.Entities = s.collectEntities(ctx, resp.Results)
	}

	resp.TotalCount = len(resp.Results)
	return resp, nil
}

// buildResult joins a vector hit to its relational metadata. Hits whose
// revision no longer exists are orphans from a partial ingest and are
// silently dropped.
func (s *Service) buildResult(ctx context.Context, h fusedHit, expandNeighbors bool) (*Result, bool) {
	rev, err := s.store.GetRevision(ctx, h.ArtifactUID, h.RevisionID)
	if err != nil {
		if err != store.ErrNotFound {
			slog.Warn("joining hit to relational store failed", "id", h.ID, "error", err)
		}
		return nil, false
	}

	r := &Result{
		ID:         h.ID,
		Content:    h.Text,
		Similarity: h.RRFScore,
		Metadata: Metadata{
			ArtifactUID:  rev.ArtifactUID,
			RevisionID:   rev.RevisionID,
			ArtifactType: rev.ArtifactType,
			SourceSystem: rev.SourceSystem,
			Title:        rev.Title,
			Author:       rev.Author,
			SourceTS:     rev.SourceTS,
		},
	}
	if h.Collection == vecstore.CollectionChunks {
		idx := h.ChunkIndex
		r.Metadata.ChunkIndex = &idx
		if expandNeighbors {
			r.Content = s.spliceNeighbors(ctx, h)
		}
	}
	return r, true
}

// spliceNeighbors surrounds a chunk's text with its index±1 siblings,
// separated by explicit boundary markers. Ranking is unaffected.
func (s *Service) spliceNeighbors(ctx context.Context, h fusedHit) string {
	parts := []string{h.Text}
	if h.ChunkIndex > 0 {
		if prev, err := s.vectors.FetchChunkByIndex(ctx, h.ArtifactUID, h.RevisionID, h.ChunkIndex-1); err == nil && prev != nil {
			parts = append([]string{prev.Text}, parts...)
		}
	}
	if next, err := s.vectors.FetchChunkByIndex(ctx, h.ArtifactUID, h.RevisionID, h.ChunkIndex+1); err == nil && next != nil {
		parts = append(parts, next.Text)
	}
	return strings.Join(parts, ChunkBoundary)
}

// expandFromResults seeds graph expansion with the top event ids attached to
// the primary results. Expansion failures degrade to an empty related set.
func (s *Service) expandFromResults(ctx context.Context, results []Result, filters []string, budget int) []Related {
	var seeds []uuid.UUID
	for _, r := range results {
		for _, ev := range r.Events {
			seeds = append(seeds, ev.EventID)
			if len(seeds) >= s.seedLimit {
				break
			}
		}
		if len(seeds) >= s.seedLimit {
			break
		}
	}
	if len(seeds) == 0 {
		return nil
	}

	related, err := s.expander.Expand(ctx, seeds, filters, budget)
	if err != nil {
		slog.Warn("graph expansion failed", "error", err)
		return nil
	}

	out := make([]Related, len(related))
	for i, r := range related {
		out[i] = Related{
			ID:       store.FormatEventID(r.EventID),
			Reason:   r.Reason,
			Content:  r.Narrative,
			Category: r.Category,
			Time:     r.EventTime,
		}
	}
	return out
}

// collectEntities gathers the distinct entities acting in the attached
// events, sorted by name.
func (s *Service) collectEntities(ctx context.Context, results []Result) []EntityRef {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, r := range results {
		for _, ev := range r.Events {
			for _, a := range ev.Actors {
				if !seen[a.EntityID] {
					seen[a.EntityID] = true
					ids = append(ids, a.EntityID)
				}
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	entities, err := s.store.GetEntitiesByIDs(ctx, ids)
	if err != nil {
		slog.Warn("fetching entities failed", "error", err)
		return nil
	}
	out := make([]EntityRef, len(entities))
	for i, e := range entities {
		out[i] = EntityRef{EntityID: e.EntityID, CanonicalName: e.CanonicalName, Type: e.EntityType}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalName < out[j].CanonicalName })
	return out
}

// ---------------------------------------------------------------------------
// Direct-id path
// ---------------------------------------------------------------------------

func (s *Service) recallByID(ctx context.Context, req Request) (*Response, error) {
	switch {
	case store.IsArtifactID(req.ID):
		return s.recallArtifact(ctx, req.ID, req.MinImportance)
	case store.IsEventID(req.ID):
		return s.recallEvent(ctx, req.ID)
	default:
		return nil, fmt.Errorf("%w: unrecognized id %q", store.ErrNotFound, req.ID)
	}
}

func (s *Service) recallArtifact(ctx context.Context, artifactID string, minImportance float64) (*Response, error) {
	revs, err := s.store.RevisionsByArtifactID(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, artifactID)
	}

	resp := &Response{}
	for _, rev := range revs {
		if !rev.IsLatest {
			continue
		}
		content, err := s.loadText(ctx, &rev, artifactID)
		if err != nil {
			return nil, err
		}
		r := Result{
			ID:         artifactID,
			Content:    content,
			Similarity: 1.0,
			Metadata: Metadata{
				ArtifactUID:  rev.ArtifactUID,
				RevisionID:   rev.RevisionID,
				ArtifactType: rev.ArtifactType,
				SourceSystem: rev.SourceSystem,
				Title:        rev.Title,
				Author:       rev.Author,
				SourceTS:     rev.SourceTS,
			},
		}
		// Evidence is included on direct lookups only, to bound the
		// response size of broad queries.
		events, err := s.store.ListEvents(ctx, rev.ArtifactUID, rev.RevisionID, true)
		if err != nil {
			return nil, err
		}
		r.Events = filterEvents(events, minImportance)
		resp.Results = append(resp.Results, r)
	}
	resp.Entities = s.collectEntities(ctx, resp.Results)
	resp.TotalCount = len(resp.Results)
	return resp, nil
}

// loadText reads a revision's full text back from the vector store,
// reassembling chunked artifacts in index order.
func (s *Service) loadText(ctx context.Context, rev *store.Revision, artifactID string) (string, error) {
	if !rev.IsChunked {
		pt, err := s.vectors.Fetch(ctx, vecstore.CollectionContent, artifactID)
		if err != nil {
			return "", err
		}
		if pt == nil {
			return "", nil
		}
		return pt.Text, nil
	}

	chunks, err := s.vectors.FetchChunks(ctx, rev.ArtifactUID, rev.RevisionID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	lastEnd := 0
	for _, c := range chunks {
		text := c.Text
		// Chunks overlap; skip the already-emitted prefix.
		if c.StartChar < lastEnd && lastEnd-c.StartChar < len(text) {
			text = text[lastEnd-c.StartChar:]
		} else if c.StartChar < lastEnd {
			continue
		}
		b.WriteString(text)
		if c.EndChar > lastEnd {
			lastEnd = c.EndChar
		}
	}
	return b.String(), nil
}

func (s *Service) recallEvent(ctx context.Context, eventID string) (*Response, error) {
	id, ok := store.ParseEventID(eventID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, eventID)
	}
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}

	rev, err := s.store.GetRevision(ctx, ev.ArtifactUID, ev.RevisionID)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		Results: []Result{{
			ID:         eventID,
			Content:    ev.Narrative,
			Similarity: 1.0,
			Metadata: Metadata{
				ArtifactUID:  rev.ArtifactUID,
				RevisionID:   rev.RevisionID,
				ArtifactType: rev.ArtifactType,
				SourceSystem: rev.SourceSystem,
				Title:        rev.Title,
				Author:       rev.Author,
				SourceTS:     rev.SourceTS,
			},
			Events: []store.Event{*ev},
		}},
		TotalCount: 1,
	}
	resp.Entities = s.collectEntities(ctx, resp.Results)
	return resp, nil
}

// ---------------------------------------------------------------------------
// Conversation path
// ---------------------------------------------------------------------------

func (s *Service) recallConversation(ctx context.Context, conversationID string) (*Response, error) {
	revs, err := s.store.ConversationRevisions(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, fmt.Errorf("%w: conversation %s", store.ErrNotFound, conversationID)
	}

	resp := &Response{Turns: make([]Turn, 0, len(revs))}
	for i := range revs {
		rev := &revs[i]
		content, err := s.loadText(ctx, rev, rev.ArtifactID)
		if err != nil {
			return nil, err
		}
		t := Turn{Content: content, TS: rev.SourceTS}
		if rev.TurnRole != nil {
			t.Role = *rev.TurnRole
		}
		if rev.TurnIndex != nil {
			t.TurnIndex = *rev.TurnIndex
		}
		resp.Turns = append(resp.Turns, t)
	}
	resp.TotalCount = len(resp.Turns)
	return resp, nil
}
