package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Canonical event categories. The extractor normalizes free-form LLM output
// into this set; unmappable values degrade to CategoryOther.
const (
	CategoryCommitment    = "Commitment"
	CategoryExecution     = "Execution"
	CategoryDecision      = "Decision"
	CategoryCollaboration = "Collaboration"
	CategoryQualityRisk   = "QualityRisk"
	CategoryFeedback      = "Feedback"
	CategoryChange        = "Change"
	CategoryStakeholder   = "Stakeholder"
	CategoryOther         = "Other"
)

// Event represents a row in semantic_event, optionally hydrated with its
// actors and evidence.
type Event struct {
	EventID         uuid.UUID  `json:"event_id"`
	ArtifactUID     string     `json:"artifact_uid"`
	RevisionID      string     `json:"revision_id"`
	Category        string     `json:"category"`
	EventTime       *time.Time `json:"event_time,omitempty"`
	Narrative       string     `json:"narrative"`
	SubjectType     *string    `json:"subject_type,omitempty"`
	SubjectRef      *string    `json:"subject_ref,omitempty"`
	Confidence      float64    `json:"confidence"`
	ExtractionRunID uuid.UUID  `json:"extraction_run_id"`
	CreatedAt       time.Time  `json:"created_at"`

	Actors   []EventActor `json:"actors,omitempty"`
	Evidence []Evidence   `json:"evidence,omitempty"`
}

// Evidence represents a row in event_evidence.
type Evidence struct {
	EvidenceID  uuid.UUID `json:"evidence_id"`
	EventID     uuid.UUID `json:"event_id"`
	ArtifactUID string    `json:"artifact_uid"`
	RevisionID  string    `json:"revision_id"`
	ChunkID     *string   `json:"chunk_id,omitempty"`
	StartChar   int       `json:"start_char"`
	EndChar     int       `json:"end_char"`
	Quote       string    `json:"quote"`
}

// EventActor is an actor row joined with the entity's display name.
type EventActor struct {
	EntityID uuid.UUID `json:"entity_id"`
	Ref      string    `json:"ref"`
	Role     string    `json:"role"`
}

// EventWrite is the full write set for one event inside replace-on-success.
type EventWrite struct {
	Event    Event
	Evidence []Evidence
	Actors   []EventActor
	Subjects []uuid.UUID
}

// Mention is one surface-form occurrence recorded during entity resolution.
type Mention struct {
	EntityID    uuid.UUID
	ArtifactUID string
	RevisionID  string
	SurfaceForm string
	StartChar   int
	EndChar     int
}

// ReplaceEvents atomically replaces the event set of a revision: all existing
// events (and, by cascade, their evidence and actor/subject rows) are
// deleted, the new set is inserted, mentions are recorded, and the job is
// marked DONE, all in one transaction, so concurrent readers observe either
// the old set or the new set, never a mixture.
func (s *Store) ReplaceEvents(ctx context.Context, artifactUID, revisionID string, jobID uuid.UUID, events []EventWrite, mentions []Mention) error {
	return s.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM semantic_event WHERE artifact_uid = $1 AND revision_id = $2`,
			artifactUID, revisionID,
		); err != nil {
			return fmt.Errorf("deleting previous events: %w", err)
		}

		for _, w := range events {
			ev := w.Event
			if _, err := tx.Exec(ctx,
				`INSERT INTO semantic_event
				   (event_id, artifact_uid, revision_id, category, event_time,
				    narrative, subject_type, subject_ref, confidence, extraction_run_id)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				ev.EventID, artifactUID, revisionID, ev.Category, ev.EventTime,
				ev.Narrative, ev.SubjectType, ev.SubjectRef, ev.Confidence, jobID,
			); err != nil {
				return fmt.Errorf("inserting event: %w", err)
			}

			for _, evd := range w.Evidence {
				if _, err := tx.Exec(ctx,
					`INSERT INTO event_evidence
					   (evidence_id, event_id, artifact_uid, revision_id,
					    chunk_id, start_char, end_char, quote)
					 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
					evd.EvidenceID, ev.EventID, artifactUID, revisionID,
					evd.ChunkID, evd.StartChar, evd.EndChar, evd.Quote,
				); err != nil {
					return fmt.Errorf("inserting evidence: %w", err)
				}
			}

			for _, a := range w.Actors {
				if _, err := tx.Exec(ctx,
					`INSERT INTO event_actor (event_id, entity_id, role)
					 VALUES ($1,$2,$3)
					 ON CONFLICT (event_id, entity_id) DO NOTHING`,
					ev.EventID, a.EntityID, a.Role,
				); err != nil {
					return fmt.Errorf("inserting actor: %w", err)
				}
			}

			for _, sub := range w.Subjects {
				if _, err := tx.Exec(ctx,
					`INSERT INTO event_subject (event_id, entity_id)
					 VALUES ($1,$2)
					 ON CONFLICT (event_id, entity_id) DO NOTHING`,
					ev.EventID, sub,
				); err != nil {
					return fmt.Errorf("inserting subject: %w", err)
				}
			}
		}

		for _, m := range mentions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO entity_mention
				   (mention_id, entity_id, artifact_uid, revision_id,
				    surface_form, start_char, end_char)
				 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				uuid.New(), m.EntityID, artifactUID, revisionID,
				m.SurfaceForm, m.StartChar, m.EndChar,
			); err != nil {
				return fmt.Errorf("inserting mention: %w", err)
			}
		}

		return s.CompleteJob(ctx, tx, jobID)
	})
}

const eventColumns = `event_id, artifact_uid, revision_id, category, event_time,
	narrative, subject_type, subject_ref, confidence, extraction_run_id, created_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var ev Event
	err := row.Scan(
		&ev.EventID, &ev.ArtifactUID, &ev.RevisionID, &ev.Category, &ev.EventTime,
		&ev.Narrative, &ev.SubjectType, &ev.SubjectRef, &ev.Confidence,
		&ev.ExtractionRunID, &ev.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListEvents returns the events of a revision with actors attached.
// Evidence is attached only when withEvidence is set, to bound response size.
func (s *Store) ListEvents(ctx context.Context, artifactUID, revisionID string, withEvidence bool) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM semantic_event
		 WHERE artifact_uid = $1 AND revision_id = $2
		 ORDER BY event_time DESC NULLS LAST, created_at`,
		artifactUID, revisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range events {
		if err := s.attachActors(ctx, &events[i]); err != nil {
			return nil, err
		}
		if withEvidence {
			if err := s.attachEvidence(ctx, &events[i]); err != nil {
				return nil, err
			}
		}
	}
	return events, nil
}

// GetEvent fetches one event with actors and evidence.
func (s *Store) GetEvent(ctx context.Context, eventID uuid.UUID) (*Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM semantic_event WHERE event_id = $1`,
		eventID))
	if err != nil {
		return nil, err
	}
	if err := s.attachActors(ctx, ev); err != nil {
		return nil, err
	}
	if err := s.attachEvidence(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *Store) attachActors(ctx context.Context, ev *Event) error {
	rows, err := s.pool.Query(ctx,
		`SELECT a.entity_id, e.canonical_name, a.role
		 FROM event_actor a JOIN entity e ON e.entity_id = a.entity_id
		 WHERE a.event_id = $1
		 ORDER BY e.canonical_name`,
		ev.EventID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var a EventActor
		if err := rows.Scan(&a.EntityID, &a.Ref, &a.Role); err != nil {
			return err
		}
		ev.Actors = append(ev.Actors, a)
	}
	return rows.Err()
}

func (s *Store) attachEvidence(ctx context.Context, ev *Event) error {
	rows, err := s.pool.Query(ctx,
		`SELECT evidence_id, event_id, artifact_uid, revision_id,
		        chunk_id, start_char, end_char, quote
		 FROM event_evidence WHERE event_id = $1
		 ORDER BY start_char`,
		ev.EventID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.EvidenceID, &e.EventID, &e.ArtifactUID, &e.RevisionID,
			&e.ChunkID, &e.StartChar, &e.EndChar, &e.Quote); err != nil {
			return err
		}
		ev.Evidence = append(ev.Evidence, e)
	}
	return rows.Err()
}

// ---------------------------------------------------------------------------
// 1-hop graph expansion
// ---------------------------------------------------------------------------

// RelatedEvent is an event reached from a seed set through a shared entity.
type RelatedEvent struct {
	Event
	Reason string `json:"reason"` // same_actor:{name} or same_subject:{name}
}

// RelatedEvents runs the 1-hop expansion: from the seed events, out to the
// entities they share, and back to every other event those entities act in
// or are the subject of. The budget caps distinct related events after
// dedup; ties break by most recent event_time.
func (s *Store) RelatedEvents(ctx context.Context, seeds []uuid.UUID, categories []string, budget int) ([]RelatedEvent, error) {
	if len(seeds) == 0 || budget <= 0 {
		return nil, nil
	}
	if categories == nil {
		categories = []string{}
	}

	rows, err := s.pool.Query(ctx, `
		WITH seeds AS (SELECT unnest($1::uuid[]) AS event_id),
		reachable AS (
			SELECT ev.event_id, 'same_actor:' || ent.canonical_name AS reason,
			       ev.event_time
			FROM semantic_event ev
			JOIN event_actor a   ON a.event_id = ev.event_id
			JOIN event_actor sa  ON sa.entity_id = a.entity_id
			JOIN seeds s         ON s.event_id = sa.event_id
			JOIN entity ent      ON ent.entity_id = a.entity_id
			WHERE ev.event_id NOT IN (SELECT event_id FROM seeds)
			UNION
			SELECT ev.event_id, 'same_subject:' || ent.canonical_name,
			       ev.event_time
			FROM semantic_event ev
			JOIN event_subject su ON su.event_id = ev.event_id
			JOIN event_subject ss ON ss.entity_id = su.entity_id
			JOIN seeds s          ON s.event_id = ss.event_id
			JOIN entity ent       ON ent.entity_id = su.entity_id
			WHERE ev.event_id NOT IN (SELECT event_id FROM seeds)
		),
		deduped AS (
			SELECT DISTINCT ON (event_id) event_id, reason
			FROM reachable
			ORDER BY event_id, reason
		)
		SELECT `+prefixedEventColumns("ev")+`, d.reason
		FROM deduped d
		JOIN semantic_event ev ON ev.event_id = d.event_id
		WHERE cardinality($2::text[]) = 0 OR ev.category = ANY($2::text[])
		ORDER BY ev.event_time DESC NULLS LAST, ev.created_at DESC
		LIMIT $3`,
		seeds, categories, budget)
	if err != nil {
		return nil, fmt.Errorf("expanding related events: %w", err)
	}
	defer rows.Close()

	var related []RelatedEvent
	for rows.Next() {
		var r RelatedEvent
		if err := rows.Scan(
			&r.EventID, &r.ArtifactUID, &r.RevisionID, &r.Category, &r.EventTime,
			&r.Narrative, &r.SubjectType, &r.SubjectRef, &r.Confidence,
			&r.ExtractionRunID, &r.CreatedAt, &r.Reason,
		); err != nil {
			return nil, err
		}
		related = append(related, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range related {
		if err := s.attachActors(ctx, &related[i].Event); err != nil {
			return nil, err
		}
	}
	return related, nil
}

func prefixedEventColumns(alias string) string {
	return alias + `.event_id, ` + alias + `.artifact_uid, ` + alias + `.revision_id, ` +
		alias + `.category, ` + alias + `.event_time, ` + alias + `.narrative, ` +
		alias + `.subject_type, ` + alias + `.subject_ref, ` + alias + `.confidence, ` +
		alias + `.extraction_run_id, ` + alias + `.created_at`
}
