package retrieval

import (
	"math"
	"testing"

	"github.com/mnemo-dev/mnemo/store"
	"github.com/mnemo-dev/mnemo/vecstore"
)

func res(id, uid string) vecstore.Result {
	return vecstore.Result{ID: id, ArtifactUID: uid}
}

// ---------------------------------------------------------------------------
// Rank fusion
// ---------------------------------------------------------------------------

func TestFuseRRFScores(t *testing.T) {
	content := []vecstore.Result{res("a", "uid_a"), res("b", "uid_b")}
	chunks := []vecstore.Result{res("a", "uid_a"), res("c", "uid_c")}

	hits := fuseRRF(content, chunks)
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}

	// "a" is rank 0 in both sets: 2/60. "b" and "c" each 1/61.
	scores := map[string]float64{}
	for _, h := range hits {
		scores[h.ID] = h.RRFScore
	}
	if got, want := scores["a"], 2.0/60.0; math.Abs(got-want) > 1e-12 {
		t.Errorf("score(a) = %v, want %v", got, want)
	}
	if got, want := scores["b"], 1.0/61.0; math.Abs(got-want) > 1e-12 {
		t.Errorf("score(b) = %v, want %v", got, want)
	}
	if hits[0].ID != "a" {
		t.Errorf("top hit = %q, want a", hits[0].ID)
	}
}

func TestFuseRRFZeroIndexedRank(t *testing.T) {
	hits := fuseRRF([]vecstore.Result{res("only", "uid_x")}, nil)
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	// Rank 0 scores 1/(k+0), not 1/(k+1).
	if got, want := hits[0].RRFScore, 1.0/60.0; math.Abs(got-want) > 1e-12 {
		t.Errorf("rank-0 score = %v, want %v", got, want)
	}
}

func TestFuseRRFTieBreakByID(t *testing.T) {
	// Both rank 0 in one set each: identical scores, id decides.
	hits := fuseRRF([]vecstore.Result{res("zeta", "uid_z")}, []vecstore.Result{res("alpha", "uid_a")})
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != "alpha" || hits[1].ID != "zeta" {
		t.Errorf("tie order = %q, %q, want alpha, zeta", hits[0].ID, hits[1].ID)
	}
}

func TestFuseRRFCollectionLabels(t *testing.T) {
	hits := fuseRRF([]vecstore.Result{res("w", "uid_w")}, []vecstore.Result{res("c", "uid_c")})
	for _, h := range hits {
		switch h.ID {
		case "w":
			if h.Collection != vecstore.CollectionContent {
				t.Errorf("collection(w) = %q", h.Collection)
			}
		case "c":
			if h.Collection != vecstore.CollectionChunks {
				t.Errorf("collection(c) = %q", h.Collection)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Artifact dedup
// ---------------------------------------------------------------------------

func fh(id, uid, collection string) fusedHit {
	return fusedHit{Result: res(id, uid), Collection: collection}
}

func TestDedupChunkDisplacesWhole(t *testing.T) {
	in := []fusedHit{
		fh("whole", "uid_a", vecstore.CollectionContent),
		fh("other", "uid_b", vecstore.CollectionContent),
		fh("chunk", "uid_a", vecstore.CollectionChunks),
	}
	out := dedupByArtifact(in)
	if len(out) != 2 {
		t.Fatalf("got %d hits, want 2", len(out))
	}
	// The chunk takes the whole-artifact row's position.
	if out[0].ID != "chunk" {
		t.Errorf("position 0 = %q, want chunk", out[0].ID)
	}
	if out[1].ID != "other" {
		t.Errorf("position 1 = %q, want other", out[1].ID)
	}
}

func TestDedupEarlierChunkWins(t *testing.T) {
	in := []fusedHit{
		fh("chunk1", "uid_a", vecstore.CollectionChunks),
		fh("chunk2", "uid_a", vecstore.CollectionChunks),
	}
	out := dedupByArtifact(in)
	if len(out) != 1 || out[0].ID != "chunk1" {
		t.Errorf("out = %+v, want only chunk1", out)
	}
}

func TestDedupWholeNeverDisplacesChunk(t *testing.T) {
	in := []fusedHit{
		fh("chunk", "uid_a", vecstore.CollectionChunks),
		fh("whole", "uid_a", vecstore.CollectionContent),
	}
	out := dedupByArtifact(in)
	if len(out) != 1 || out[0].ID != "chunk" {
		t.Errorf("out = %+v, want only chunk", out)
	}
}

func TestDedupPreservesRankOrder(t *testing.T) {
	in := []fusedHit{
		fh("a", "uid_a", vecstore.CollectionContent),
		fh("b", "uid_b", vecstore.CollectionChunks),
		fh("c", "uid_c", vecstore.CollectionContent),
	}
	out := dedupByArtifact(in)
	if len(out) != 3 {
		t.Fatalf("got %d hits, want 3", len(out))
	}
	for i, want := range []string{"a", "b", "c"} {
		if out[i].ID != want {
			t.Errorf("position %d = %q, want %q", i, out[i].ID, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Limits
// ---------------------------------------------------------------------------

func TestClampLimit(t *testing.T) {
	lim := func(n int) *int { return &n }
	tests := []struct {
		name string
		in   *int
		want int
	}{
		{"absent limit defaults", nil, DefaultLimit},
		{"explicit zero returns nothing", lim(0), 0},
		{"negative returns nothing", lim(-5), 0},
		{"one", lim(1), 1},
		{"in range", lim(25), 25},
		{"at cap", lim(MaxLimit), MaxLimit},
		{"above cap", lim(MaxLimit + 1), MaxLimit},
		{"far above cap", lim(1000), MaxLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("%s: clampLimit = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestFilterEvents(t *testing.T) {
	events := func() []store.Event {
		return []store.Event{
			{Narrative: "commitment", Confidence: 0.9},
			{Narrative: "decision", Confidence: 0.5},
			{Narrative: "aside", Confidence: 0.1},
		}
	}

	got := filterEvents(events(), 0.5)
	if len(got) != 2 || got[0].Narrative != "commitment" || got[1].Narrative != "decision" {
		t.Fatalf("filterEvents(0.5) kept %d events, want commitment and decision", len(got))
	}
	if got := filterEvents(events(), 0); len(got) != 3 {
		t.Errorf("zero floor kept %d events, want all 3", len(got))
	}
	if got := filterEvents(events(), 0.95); len(got) != 0 {
		t.Errorf("high floor kept %d events, want 0", len(got))
	}
}
