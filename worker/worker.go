// Package worker runs the asynchronous extraction pipeline: claim a job,
// load the revision text, run the per-chunk and canonicalization passes,
// resolve entities, and replace the revision's event set atomically.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mnemo-dev/mnemo/extract"
	"github.com/mnemo-dev/mnemo/graph"
	"github.com/mnemo-dev/mnemo/llm"
	"github.com/mnemo-dev/mnemo/store"
	"github.com/mnemo-dev/mnemo/vecstore"
)

// Backoff bounds for transient failures: min(30 · 2^(attempts-1), 600)s.
const (
	backoffBase = 30 * time.Second
	backoffMax  = 600 * time.Second
)

// chunkConcurrency bounds parallel per-chunk LLM calls within one job.
const chunkConcurrency = 4

// errPermanent marks failures that must not be retried: schema validation,
// missing revision, missing vector rows.
var errPermanent = errors.New("worker: permanent failure")

// Worker processes one claimed job at a time.
type Worker struct {
	id        string
	store     *store.Store
	vectors   *vecstore.Client
	extractor *extract.Extractor
	resolver  *graph.Resolver
}

// NewWorker creates a Worker with the given identity.
func NewWorker(id string, s *store.Store, v *vecstore.Client, x *extract.Extractor, r *graph.Resolver) *Worker {
	return &Worker{id: id, store: s, vectors: v, extractor: x, resolver: r}
}

// RunOne claims and processes at most one job. Returns false when the queue
// was empty.
func (w *Worker) RunOne(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimJob(ctx, w.id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	start := time.Now()
	if err := w.process(ctx, job); err != nil {
		w.settleFailure(ctx, job, err)
		return true, nil
	}
	slog.Info("job completed",
		"job_id", job.JobID, "artifact_uid", job.ArtifactUID,
		"revision_id", job.RevisionID, "attempt", job.Attempts,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return true, nil
}

// settleFailure routes a processing error to retry or terminal failure.
func (w *Worker) settleFailure(ctx context.Context, job *store.Job, err error) {
	code := failureAction(err, job.Attempts, job.MaxAttempts)
	if code == "" {
		delay := Backoff(job.Attempts)
		slog.Warn("job will retry",
			"job_id", job.JobID, "attempt", job.Attempts, "delay", delay, "error", err)
		if rerr := w.store.RescheduleJob(ctx, job.JobID, delay, "TRANSIENT_FAILURE", err.Error()); rerr != nil {
			slog.Error("rescheduling job", "job_id", job.JobID, "error", rerr)
		}
		return
	}

	slog.Error("job failed",
		"job_id", job.JobID, "artifact_uid", job.ArtifactUID,
		"code", code, "attempts", job.Attempts, "error", err)
	if ferr := w.store.FailJob(ctx, job.JobID, code, err.Error()); ferr != nil {
		slog.Error("marking job failed", "job_id", job.JobID, "error", ferr)
	}
}

// failureAction maps a processing error and attempt count to a terminal
// error code, or "" when the job should be rescheduled. Only errors wrapped
// as errPermanent fail before the attempt budget runs out; store and network
// errors stay retryable.
func failureAction(err error, attempts, maxAttempts int) string {
	switch {
	case errors.Is(err, errPermanent):
		if errors.Is(err, store.ErrNotFound) {
			return "NOT_FOUND"
		}
		return "VALIDATION_ERROR"
	case attempts >= maxAttempts:
		return "MAX_ATTEMPTS_EXCEEDED"
	default:
		return ""
	}
}

// Backoff computes the retry delay for the given attempt count (1-based).
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}

// sourceChunk is one unit of text fed to the per-chunk pass. Whole-content
// revisions become a single degenerate chunk with a nil id. start is the
// chunk's artifact-relative character offset.
type sourceChunk struct {
	id    *string
	text  string
	start int
}

func (w *Worker) process(ctx context.Context, job *store.Job) error {
	rev, err := w.store.GetRevision(ctx, job.ArtifactUID, job.RevisionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: revision %s/%s: %w", errPermanent, job.ArtifactUID, job.RevisionID, err)
		}
		return err
	}

	chunks, err := w.loadChunks(ctx, rev)
	if err != nil {
		return err
	}

	results, err := w.extractAll(ctx, chunks)
	if err != nil {
		return w.classify(err)
	}

	canonical, err := w.extractor.Canonicalize(ctx, results)
	if err != nil {
		return w.classify(err)
	}

	texts := make(map[string]string, len(chunks))
	var wholeText string
	for _, c := range chunks {
		if c.id == nil {
			wholeText = c.text
		} else {
			texts[*c.id] = c.text
		}
	}
	valid := extract.ValidateEvents(canonical, func(chunkID *string) (string, bool) {
		if chunkID == nil {
			return wholeText, wholeText != ""
		}
		t, ok := texts[*chunkID]
		return t, ok
	})

	// Resolution errors are left unclassified: they come from the store and
	// the embedding provider, where failures are transient until proven
	// otherwise by the attempt budget.
	writes, mentions, err := w.resolve(ctx, rev, chunks, results, valid)
	if err != nil {
		return err
	}

	if err := w.store.ReplaceEvents(ctx, job.ArtifactUID, job.RevisionID, job.JobID, writes, mentions); err != nil {
		return err
	}
	return nil
}

// classify wraps non-transient extraction errors as permanent. Anything the
// provider marked transient stays retryable.
func (w *Worker) classify(err error) error {
	if llm.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", errPermanent, err)
}

// loadChunks reads the revision's text back from the vector store.
func (w *Worker) loadChunks(ctx context.Context, rev *store.Revision) ([]sourceChunk, error) {
	if !rev.IsChunked {
		pt, err := w.vectors.Fetch(ctx, vecstore.CollectionContent, rev.ArtifactID)
		if err != nil {
			return nil, err
		}
		if pt == nil || pt.Text == "" {
			return nil, fmt.Errorf("%w: content for %s missing in vector store", errPermanent, rev.ArtifactID)
		}
		return []sourceChunk{{id: nil, text: pt.Text}}, nil
	}

	rows, err := w.vectors.FetchChunks(ctx, rev.ArtifactUID, rev.RevisionID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: chunks for %s/%s missing in vector store", errPermanent, rev.ArtifactUID, rev.RevisionID)
	}
	chunks := make([]sourceChunk, len(rows))
	for i, r := range rows {
		id := r.ID
		chunks[i] = sourceChunk{id: &id, text: r.Text, start: r.StartChar}
	}
	return chunks, nil
}

// locateMention returns the artifact-relative character span of the first
// occurrence of name in the source text, or a zero span when the name never
// appears verbatim.
func locateMention(chunks []sourceChunk, name string) (int, int) {
	if name == "" {
		return 0, 0
	}
	for _, c := range chunks {
		idx := strings.Index(c.text, name)
		if idx < 0 {
			continue
		}
		start := c.start + utf8.RuneCountInString(c.text[:idx])
		return start, start + utf8.RuneCountInString(name)
	}
	return 0, 0
}

// extractAll runs the per-chunk pass over all chunks with bounded
// concurrency. Any chunk failure fails the job; partial extraction would
// break replace-on-success semantics.
func (w *Worker) extractAll(ctx context.Context, chunks []sourceChunk) ([]extract.ChunkResult, error) {
	results := make([]extract.ChunkResult, len(chunks))
	errs := make([]error, len(chunks))

	var wg sync.WaitGroup
	sem := make(chan struct{}, chunkConcurrency)
	for i, c := range chunks {
		wg.Add(1)
		go func(i int, c sourceChunk) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			r, err := w.extractor.ExtractChunk(ctx, c.id, c.text)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = *r
		}(i, c)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// resolve maps every actor ref, subject ref, and extracted entity name to a
// canonical entity, building the write set for replace-on-success.
func (w *Worker) resolve(ctx context.Context, rev *store.Revision, chunks []sourceChunk, chunkResults []extract.ChunkResult, events []extract.ExtractedEvent) ([]store.EventWrite, []store.Mention, error) {
	// Extracted entity metadata keyed by normalized name, for typing actor
	// and subject refs.
	extracted := make(map[string]extract.ExtractedEntity)
	for _, cr := range chunkResults {
		for _, e := range cr.Entities {
			key := graph.Normalize(e.Name)
			if key == "" {
				continue
			}
			if _, ok := extracted[key]; !ok {
				e.Type = extract.NormalizeEntityType(e.Type)
				extracted[key] = e
			}
		}
	}

	resolved := make(map[string]*store.Entity)
	var mentions []store.Mention
	resolveRef := func(name, fallbackType string) (*store.Entity, error) {
		key := graph.Normalize(name)
		if key == "" {
			return nil, fmt.Errorf("empty entity ref")
		}
		if e, ok := resolved[key]; ok {
			return e, nil
		}
		sf := graph.SurfaceForm{Name: name, Type: fallbackType}
		if meta, ok := extracted[key]; ok {
			sf.Name = meta.Name
			sf.Type = meta.Type
			sf.Aliases = meta.Aliases
		}
		sf.StartChar, sf.EndChar = locateMention(chunks, name)
		e, err := w.resolver.Resolve(ctx, sf, rev.ArtifactUID, rev.RevisionID)
		if err != nil {
			return nil, err
		}
		resolved[key] = e
		mentions = append(mentions, store.Mention{
			EntityID:    e.EntityID,
			ArtifactUID: rev.ArtifactUID,
			RevisionID:  rev.RevisionID,
			SurfaceForm: name,
			StartChar:   sf.StartChar,
			EndChar:     sf.EndChar,
		})
		return e, nil
	}

	// Entities extracted but never referenced by an event still get
	// resolved so their mentions accumulate.
	for _, meta := range extracted {
		if _, err := resolveRef(meta.Name, meta.Type); err != nil {
			return nil, nil, err
		}
	}

	writes := make([]store.EventWrite, 0, len(events))
	for _, ev := range events {
		write := store.EventWrite{
			Event: store.Event{
				EventID:    uuid.New(),
				Category:   ev.Category,
				Narrative:  ev.Narrative,
				Confidence: ev.Confidence,
			},
		}
		if ev.EventTime != nil {
			if t, err := time.Parse(time.RFC3339, *ev.EventTime); err == nil {
				write.Event.EventTime = &t
			}
		}

		for _, evd := range ev.Evidence {
			write.Evidence = append(write.Evidence, store.Evidence{
				EvidenceID: uuid.New(),
				EventID:    write.Event.EventID,
				ChunkID:    evd.ChunkID,
				StartChar:  evd.StartChar,
				EndChar:    evd.EndChar,
				Quote:      evd.Quote,
			})
		}

		seen := make(map[uuid.UUID]bool)
		for _, a := range ev.Actors {
			e, err := resolveRef(a.Ref, "person")
			if err != nil {
				if llm.IsTransient(err) {
					return nil, nil, err
				}
				slog.Warn("actor resolution failed, skipping",
					"ref", a.Ref, "error", err)
				continue
			}
			if seen[e.EntityID] {
				continue
			}
			seen[e.EntityID] = true
			write.Actors = append(write.Actors, store.EventActor{
				EntityID: e.EntityID, Ref: a.Ref, Role: a.Role,
			})
		}

		if subject := ev.Subject; subject != "" {
			e, err := resolveRef(subject, "other")
			switch {
			case err == nil:
				write.Subjects = append(write.Subjects, e.EntityID)
				write.Event.SubjectType = &e.EntityType
				write.Event.SubjectRef = &subject
			case llm.IsTransient(err):
				return nil, nil, err
			default:
				slog.Warn("subject resolution failed, keeping ref only",
					"ref", subject, "error", err)
				write.Event.SubjectRef = &subject
			}
		}

		writes = append(writes, write)
	}

	return writes, mentions, nil
}
