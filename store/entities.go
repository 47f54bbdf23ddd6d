package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Entity represents a row in entity.
type Entity struct {
	EntityID       uuid.UUID       `json:"entity_id"`
	EntityType     string          `json:"entity_type"`
	CanonicalName  string          `json:"canonical_name"`
	NormalizedName string          `json:"normalized_name"`
	Role           *string         `json:"role,omitempty"`
	Organization   *string         `json:"organization,omitempty"`
	Email          *string         `json:"email,omitempty"`
	Embedding      pgvector.Vector `json:"-"`
	FirstSeenUID   *string         `json:"first_seen_uid,omitempty"`
	FirstSeenRev   *string         `json:"first_seen_rev,omitempty"`
	NeedsReview    bool            `json:"needs_review"`
	CreatedAt      time.Time       `json:"created_at"`
}

// EntityCandidate is an entity paired with its embedding distance to a probe.
type EntityCandidate struct {
	Entity
	Distance float64 `json:"distance"`
}

const entityColumns = `entity_id, entity_type, canonical_name, normalized_name,
	role, organization, email, context_embedding,
	first_seen_uid, first_seen_rev, needs_review, created_at`

func scanEntity(row pgx.Row) (*Entity, error) {
	var e Entity
	err := row.Scan(
		&e.EntityID, &e.EntityType, &e.CanonicalName, &e.NormalizedName,
		&e.Role, &e.Organization, &e.Email, &e.Embedding,
		&e.FirstSeenUID, &e.FirstSeenRev, &e.NeedsReview, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntityByNormalizedName looks up a unique entity by type and normalized
// name. A miss returns ErrNotFound; more than one hit also returns
// ErrNotFound, since an ambiguous exact match cannot resolve a mention.
func (s *Store) GetEntityByNormalizedName(ctx context.Context, entityType, normalizedName string) (*Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entity
		 WHERE entity_type = $1 AND normalized_name = $2
		 LIMIT 2`,
		entityType, normalizedName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

// GetEntityByAlias looks up a unique entity by type and normalized alias.
// Same uniqueness semantics as GetEntityByNormalizedName.
func (s *Store) GetEntityByAlias(ctx context.Context, entityType, normalizedAlias string) (*Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entity e
		 JOIN entity_alias a ON a.entity_id = e.entity_id
		 WHERE e.entity_type = $1 AND a.normalized_alias = $2
		 LIMIT 2`,
		entityType, normalizedAlias)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

// NearestEntities returns up to limit same-type entities within maxDistance
// cosine distance of the probe embedding, nearest first. The cast expression
// matches the hnsw index definition.
func (s *Store) NearestEntities(ctx context.Context, entityType string, probe pgvector.Vector, maxDistance float64, limit int) ([]EntityCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entityColumns+`,
		        context_embedding::halfvec(3072) <=> $2::vector::halfvec(3072) AS distance
		 FROM entity
		 WHERE entity_type = $1 AND context_embedding IS NOT NULL
		 ORDER BY context_embedding::halfvec(3072) <=> $2::vector::halfvec(3072)
		 LIMIT $3`,
		entityType, probe, limit)
	if err != nil {
		return nil, fmt.Errorf("searching entity embeddings: %w", err)
	}
	defer rows.Close()

	var out []EntityCandidate
	for rows.Next() {
		var c EntityCandidate
		if err := rows.Scan(
			&c.EntityID, &c.EntityType, &c.CanonicalName, &c.NormalizedName,
			&c.Role, &c.Organization, &c.Email, &c.Embedding,
			&c.FirstSeenUID, &c.FirstSeenRev, &c.NeedsReview, &c.CreatedAt,
			&c.Distance,
		); err != nil {
			return nil, err
		}
		if c.Distance > maxDistance {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertEntity inserts a new canonical entity.
func (s *Store) InsertEntity(ctx context.Context, e *Entity) error {
	if e.EntityID == uuid.Nil {
		e.EntityID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity
		   (entity_id, entity_type, canonical_name, normalized_name,
		    role, organization, email, context_embedding,
		    first_seen_uid, first_seen_rev, needs_review)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.EntityID, e.EntityType, e.CanonicalName, e.NormalizedName,
		e.Role, e.Organization, e.Email, e.Embedding,
		e.FirstSeenUID, e.FirstSeenRev, e.NeedsReview,
	)
	if err != nil {
		return fmt.Errorf("inserting entity %q: %w", e.CanonicalName, err)
	}
	return nil
}

// InsertAlias records a surface variant for an entity. Idempotent on
// (entity_id, normalized_alias).
func (s *Store) InsertAlias(ctx context.Context, entityID uuid.UUID, alias, normalizedAlias string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_alias (entity_id, alias, normalized_alias)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (entity_id, normalized_alias) DO NOTHING`,
		entityID, alias, normalizedAlias)
	return err
}

// GetEntitiesByIDs fetches a batch of entities by id.
func (s *Store) GetEntitiesByIDs(ctx context.Context, ids []uuid.UUID) ([]Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entity
		 WHERE entity_id = ANY($1::uuid[])
		 ORDER BY canonical_name`,
		ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// SetNeedsReview flags an entity for manual review.
func (s *Store) SetNeedsReview(ctx context.Context, entityID uuid.UUID, needsReview bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entity SET needs_review = $2 WHERE entity_id = $1`,
		entityID, needsReview)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
