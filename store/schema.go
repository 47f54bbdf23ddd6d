package store

// schemaSQL is the base DDL for all relational tables. The relational store
// is the source of truth for all structured state; the vector store holds
// only embeddings and indexed text.
const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;

-- Content-addressed revisions of ingested artifacts
CREATE TABLE IF NOT EXISTS artifact_revision (
    artifact_uid     TEXT NOT NULL,
    revision_id      TEXT NOT NULL,
    artifact_id      TEXT NOT NULL,
    artifact_type    TEXT NOT NULL CHECK (artifact_type IN ('email','doc','chat','transcript','note')),
    source_system    TEXT NOT NULL DEFAULT '',
    source_id        TEXT,
    source_ts        TIMESTAMPTZ,
    title            TEXT,
    author           TEXT,
    participants     TEXT[],
    content_hash     TEXT NOT NULL,
    token_count      INTEGER NOT NULL,
    is_chunked       BOOLEAN NOT NULL DEFAULT FALSE,
    chunk_count      INTEGER NOT NULL DEFAULT 0,
    sensitivity      TEXT NOT NULL DEFAULT 'internal'
                     CHECK (sensitivity IN ('public','internal','confidential','restricted')),
    visibility_scope TEXT NOT NULL DEFAULT 'team'
                     CHECK (visibility_scope IN ('private','team','org','public')),
    retention_policy TEXT NOT NULL DEFAULT 'standard'
                     CHECK (retention_policy IN ('short','standard','long','permanent')),
    conversation_id  TEXT,
    turn_role        TEXT,
    turn_index       INTEGER,
    is_latest        BOOLEAN NOT NULL DEFAULT TRUE,
    ingested_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (artifact_uid, revision_id)
);

-- At most one latest revision per uid, enforced structurally
CREATE UNIQUE INDEX IF NOT EXISTS idx_revision_latest
    ON artifact_revision (artifact_uid) WHERE is_latest;
CREATE INDEX IF NOT EXISTS idx_revision_artifact_id ON artifact_revision (artifact_id);
CREATE INDEX IF NOT EXISTS idx_revision_conversation
    ON artifact_revision (conversation_id, turn_index) WHERE conversation_id IS NOT NULL;

-- Durable async extraction jobs
CREATE TABLE IF NOT EXISTS event_jobs (
    job_id             UUID PRIMARY KEY,
    artifact_uid       TEXT NOT NULL,
    revision_id        TEXT NOT NULL,
    job_type           TEXT NOT NULL DEFAULT 'extract_events',
    status             TEXT NOT NULL DEFAULT 'PENDING'
                       CHECK (status IN ('PENDING','PROCESSING','DONE','FAILED')),
    attempts           INTEGER NOT NULL DEFAULT 0,
    max_attempts       INTEGER NOT NULL DEFAULT 5,
    next_run_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    locked_at          TIMESTAMPTZ,
    locked_by          TEXT,
    last_error_code    TEXT,
    last_error_message TEXT,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (artifact_uid, revision_id, job_type),
    FOREIGN KEY (artifact_uid, revision_id)
        REFERENCES artifact_revision (artifact_uid, revision_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_jobs_pending
    ON event_jobs (status, next_run_at) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_jobs_revision ON event_jobs (artifact_uid, revision_id);

-- Extracted structured facts
CREATE TABLE IF NOT EXISTS semantic_event (
    event_id          UUID PRIMARY KEY,
    artifact_uid      TEXT NOT NULL,
    revision_id       TEXT NOT NULL,
    category          TEXT NOT NULL CHECK (category IN
                      ('Commitment','Execution','Decision','Collaboration',
                       'QualityRisk','Feedback','Change','Stakeholder','Other')),
    event_time        TIMESTAMPTZ,
    narrative         TEXT NOT NULL CHECK (char_length(narrative) <= 400),
    subject_type      TEXT CHECK (subject_type IN ('person','org','project','object','place','other')),
    subject_ref       TEXT,
    confidence        DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    extraction_run_id UUID,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    FOREIGN KEY (artifact_uid, revision_id)
        REFERENCES artifact_revision (artifact_uid, revision_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_event_revision ON semantic_event (artifact_uid, revision_id);
CREATE INDEX IF NOT EXISTS idx_event_category_time
    ON semantic_event (category, event_time DESC NULLS LAST);
CREATE INDEX IF NOT EXISTS idx_event_narrative_fts
    ON semantic_event USING gin (to_tsvector('english', narrative));

-- Text spans supporting events
CREATE TABLE IF NOT EXISTS event_evidence (
    evidence_id  UUID PRIMARY KEY,
    event_id     UUID NOT NULL REFERENCES semantic_event (event_id) ON DELETE CASCADE,
    artifact_uid TEXT NOT NULL,
    revision_id  TEXT NOT NULL,
    chunk_id     TEXT,
    start_char   INTEGER NOT NULL,
    end_char     INTEGER NOT NULL CHECK (end_char > start_char),
    quote        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evidence_revision ON event_evidence (artifact_uid, revision_id);
CREATE INDEX IF NOT EXISTS idx_evidence_event ON event_evidence (event_id);

-- Canonical named things
CREATE TABLE IF NOT EXISTS entity (
    entity_id         UUID PRIMARY KEY,
    entity_type       TEXT NOT NULL CHECK (entity_type IN ('person','org','project','object','place','other')),
    canonical_name    TEXT NOT NULL,
    normalized_name   TEXT NOT NULL,
    role              TEXT,
    organization      TEXT,
    email             TEXT,
    context_embedding vector(3072),
    first_seen_uid    TEXT,
    first_seen_rev    TEXT,
    needs_review      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entity_normalized ON entity (entity_type, normalized_name);
-- 3072 dims exceed the hnsw limit for vector; index through a halfvec cast.
-- Queries must use the same expression to hit the index.
CREATE INDEX IF NOT EXISTS idx_entity_embedding
    ON entity USING hnsw ((context_embedding::halfvec(3072)) halfvec_cosine_ops);

-- Known surface variants of an entity
CREATE TABLE IF NOT EXISTS entity_alias (
    entity_id        UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
    alias            TEXT NOT NULL,
    normalized_alias TEXT NOT NULL,
    UNIQUE (entity_id, normalized_alias)
);

-- Occurrences of surface forms; accumulates over time, no uniqueness
CREATE TABLE IF NOT EXISTS entity_mention (
    mention_id   UUID PRIMARY KEY,
    entity_id    UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
    artifact_uid TEXT NOT NULL,
    revision_id  TEXT NOT NULL,
    surface_form TEXT NOT NULL,
    start_char   INTEGER NOT NULL DEFAULT 0,
    end_char     INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    FOREIGN KEY (artifact_uid, revision_id)
        REFERENCES artifact_revision (artifact_uid, revision_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_mention_revision ON entity_mention (artifact_uid, revision_id);

-- Event participants (ACTED_IN edges)
CREATE TABLE IF NOT EXISTS event_actor (
    event_id  UUID NOT NULL REFERENCES semantic_event (event_id) ON DELETE CASCADE,
    entity_id UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
    role      TEXT NOT NULL DEFAULT 'other'
              CHECK (role IN ('owner','contributor','reviewer','stakeholder','other')),
    PRIMARY KEY (event_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_actor_entity ON event_actor (entity_id);

-- Event topics (ABOUT edges)
CREATE TABLE IF NOT EXISTS event_subject (
    event_id  UUID NOT NULL REFERENCES semantic_event (event_id) ON DELETE CASCADE,
    entity_id UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
    PRIMARY KEY (event_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_subject_entity ON event_subject (entity_id);
`
