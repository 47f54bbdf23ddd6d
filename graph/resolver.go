// Package graph owns the entity side of the knowledge graph: resolving
// surface forms to canonical entities and expanding a seed event set one hop
// out through shared actors and subjects. Edges are materialized as
// relational rows, which keeps expansion a pair of joins.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/mnemo-dev/mnemo/llm"
	"github.com/mnemo-dev/mnemo/store"
)

// Distance thresholds for embedding-based candidate retrieval. Cosine
// distance, so 0.15 corresponds to similarity 0.85.
const (
	candidateMaxDistance = 0.15
	directAcceptDistance = 0.05
	candidateLimit       = 5
)

// disambiguationThreshold is the minimum LLM confidence to accept a merge.
const disambiguationThreshold = 0.8

// SurfaceForm is one mention to resolve, with whatever context the
// extraction produced.
type SurfaceForm struct {
	Name         string
	Type         string
	Aliases      []string
	Role         string
	Organization string
	Email        string
	StartChar    int
	EndChar      int
}

// Resolver maps surface forms to canonical entity rows, creating new rows
// when nothing matches.
type Resolver struct {
	store *store.Store
	embed llm.Embedder
	chat  llm.Chatter
}

// NewResolver creates a Resolver.
func NewResolver(s *store.Store, embed llm.Embedder, chat llm.Chatter) *Resolver {
	return &Resolver{store: s, embed: embed, chat: chat}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Normalize lowercases and collapses whitespace. Exact and alias lookups key
// on this form.
func Normalize(name string) string {
	return whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), " ")
}

// contextString builds the short descriptor that gets embedded for
// similarity matching. Field order is fixed so equal contexts embed equally.
func contextString(name, entityType, role, organization, email string) string {
	return strings.Join([]string{name, entityType, role, organization, email}, " | ")
}

// Resolve runs the resolution pipeline for one surface form:
// exact name match, alias match, embedding-nearest candidates with direct
// accept under the tight threshold, LLM disambiguation for the rest, and
// finally creation of a fresh entity. The caller records the mention.
func (r *Resolver) Resolve(ctx context.Context, sf SurfaceForm, artifactUID, revisionID string) (*store.Entity, error) {
	name := strings.TrimSpace(sf.Name)
	if name == "" {
		return nil, fmt.Errorf("empty surface form")
	}
	normalized := Normalize(name)

	if e, err := r.store.GetEntityByNormalizedName(ctx, sf.Type, normalized); err == nil {
		return e, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	if e, err := r.store.GetEntityByAlias(ctx, sf.Type, normalized); err == nil {
		return e, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	probeText := contextString(name, sf.Type, sf.Role, sf.Organization, sf.Email)
	vecs, err := r.embed.Embed(ctx, []string{probeText})
	if err != nil {
		return nil, fmt.Errorf("embedding entity context: %w", err)
	}
	probe := pgvector.NewVector(vecs[0])

	candidates, err := r.store.NearestEntities(ctx, sf.Type, probe, candidateMaxDistance, candidateLimit)
	if err != nil {
		return nil, err
	}

	if len(candidates) > 0 && candidates[0].Distance <= directAcceptDistance {
		best := candidates[0].Entity
		r.recordAlias(ctx, best.EntityID, name, normalized)
		return &best, nil
	}

	nearMiss := len(candidates) > 0

	if len(candidates) > 0 {
		match, confident, err := r.disambiguate(ctx, sf, probeText, candidates)
		if err != nil {
			slog.Warn("entity disambiguation failed, creating new entity",
				"surface_form", name, "error", err)
		} else if confident {
			r.recordAlias(ctx, match.EntityID, name, normalized)
			return match, nil
		}
	}

	e := &store.Entity{
		EntityType:     sf.Type,
		CanonicalName:  name,
		NormalizedName: normalized,
		Embedding:      probe,
		FirstSeenUID:   &artifactUID,
		FirstSeenRev:   &revisionID,
		NeedsReview:    nearMiss,
	}
	if sf.Role != "" {
		e.Role = &sf.Role
	}
	if sf.Organization != "" {
		e.Organization = &sf.Organization
	}
	if sf.Email != "" {
		e.Email = &sf.Email
	}
	if err := r.store.InsertEntity(ctx, e); err != nil {
		return nil, err
	}
	for _, alias := range sf.Aliases {
		na := Normalize(alias)
		if na == "" || na == normalized {
			continue
		}
		r.recordAlias(ctx, e.EntityID, alias, na)
	}
	return e, nil
}

func (r *Resolver) recordAlias(ctx context.Context, entityID uuid.UUID, alias, normalized string) {
	if err := r.store.InsertAlias(ctx, entityID, alias, normalized); err != nil {
		slog.Warn("recording alias failed", "alias", alias, "error", err)
	}
}

// disambiguationPrompt asks the LLM whether the mention refers to one of the
// known candidate entities.
const disambiguationPrompt = `You are an entity disambiguation engine.
A document mentions an entity; decide whether it refers to one of the known entities below, or to something new.

MENTION:
%s

KNOWN CANDIDATES (index: context):
%s

Return a JSON object with exactly two keys:
  "match_index" : the index of the matching candidate, or -1 for no match
  "confidence"  : a float between 0.0 and 1.0

Rules:
- Match only when the mention and candidate clearly refer to the same real-world thing.
- Different people sharing a first name are NOT the same entity.
- Do NOT include any text outside the JSON object.`

type disambiguationResult struct {
	MatchIndex int     `json:"match_index"`
	Confidence float64 `json:"confidence"`
}

func (r *Resolver) disambiguate(ctx context.Context, sf SurfaceForm, probeText string, candidates []store.EntityCandidate) (*store.Entity, bool, error) {
	var b strings.Builder
	for i, c := range candidates {
		role, org, email := deref(c.Role), deref(c.Organization), deref(c.Email)
		fmt.Fprintf(&b, "%d: %s\n", i,
			contextString(c.CanonicalName, c.EntityType, role, org, email))
	}

	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf(disambiguationPrompt, probeText, b.String()),
		}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, false, err
	}

	var result disambiguationResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &result); err != nil {
		return nil, false, fmt.Errorf("parsing disambiguation result: %w", err)
	}
	if result.MatchIndex < 0 || result.MatchIndex >= len(candidates) {
		return nil, false, nil
	}
	if result.Confidence < disambiguationThreshold {
		return nil, false, nil
	}
	e := candidates[result.MatchIndex].Entity
	return &e, true, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
