package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/mnemo-dev/mnemo/llm"
)

// scriptedChat replays canned responses in order.
type scriptedChat struct {
	responses []string
	calls     int
}

func (s *scriptedChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if s.calls >= len(s.responses) {
		return nil, errors.New("no scripted response left")
	}
	resp := s.responses[s.calls]
	s.calls++
	return &llm.ChatResponse{Content: resp}, nil
}

// ---------------------------------------------------------------------------
// JSON extraction
// ---------------------------------------------------------------------------

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"leading whitespace", "  \n {\"a\":1}", `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"plain fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding prose", "Here is the result:\n{\"a\":1}\nHope that helps!", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.raw)
			if err != nil {
				t.Fatalf("extractJSON: %v", err)
			}
			if got != tt.want {
				t.Errorf("extractJSON = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractJSONNoObject(t *testing.T) {
	if _, err := extractJSON("no json here"); err == nil {
		t.Fatal("expected error when no object present")
	}
}

// ---------------------------------------------------------------------------
// Per-chunk pass
// ---------------------------------------------------------------------------

const chunkPassResponse = `{"entities":[{"name":"Alice","type":"person","aliases":[]}],"events":[{"category":"Commitment","subject":"API","actors":[{"ref":"Alice","role":"owner"}],"event_time":null,"narrative":"Alice committed to ship the API.","evidence":[{"quote":"Alice committed","start_char":0,"end_char":15}],"confidence":0.9}]}`

func TestExtractChunkStampsChunkID(t *testing.T) {
	chat := &scriptedChat{responses: []string{chunkPassResponse}}
	x := New(chat)

	chunkID := "art_abc::chunk::000::deadbeef"
	res, err := x.ExtractChunk(context.Background(), &chunkID, "Alice committed to ship the API.")
	if err != nil {
		t.Fatalf("ExtractChunk: %v", err)
	}
	if len(res.Entities) != 1 || res.Entities[0].Name != "Alice" {
		t.Errorf("entities = %+v", res.Entities)
	}
	if len(res.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(res.Events))
	}
	evd := res.Events[0].Evidence
	if len(evd) != 1 || evd[0].ChunkID == nil || *evd[0].ChunkID != chunkID {
		t.Errorf("evidence chunk id not stamped: %+v", evd)
	}
}

func TestExtractChunkNilChunkID(t *testing.T) {
	chat := &scriptedChat{responses: []string{chunkPassResponse}}
	x := New(chat)

	res, err := x.ExtractChunk(context.Background(), nil, "Alice committed to ship the API.")
	if err != nil {
		t.Fatalf("ExtractChunk: %v", err)
	}
	if res.ChunkID != nil {
		t.Errorf("ChunkID = %v, want nil", res.ChunkID)
	}
	if res.Events[0].Evidence[0].ChunkID != nil {
		t.Error("whole-content evidence should keep nil chunk id")
	}
}

func TestCallJSONRetriesMalformedOnce(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		"this is not json",
		chunkPassResponse,
	}}
	x := New(chat)

	_, err := x.ExtractChunk(context.Background(), nil, "text")
	if err != nil {
		t.Fatalf("ExtractChunk after retry: %v", err)
	}
	if chat.calls != 2 {
		t.Errorf("chat calls = %d, want 2", chat.calls)
	}
}

func TestCallJSONMalformedTwiceIsTransient(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		"still not json",
		"{broken",
	}}
	x := New(chat)

	_, err := x.ExtractChunk(context.Background(), nil, "text")
	if err == nil {
		t.Fatal("expected error after two malformed responses")
	}
	if !llm.IsTransient(err) {
		t.Errorf("malformed-after-retry error should be transient: %v", err)
	}
}

func TestExtractChunkProviderErrorNotRetried(t *testing.T) {
	chat := &scriptedChat{} // first call already errors
	x := New(chat)

	_, err := x.ExtractChunk(context.Background(), nil, "text")
	if err == nil {
		t.Fatal("expected provider error")
	}
	if chat.calls != 0 {
		t.Errorf("chat calls = %d, want 0 scripted responses consumed", chat.calls)
	}
}

// ---------------------------------------------------------------------------
// Canonicalization pass
// ---------------------------------------------------------------------------

func TestCanonicalize(t *testing.T) {
	chunkID := "art_abc::chunk::001::cafef00d"
	chat := &scriptedChat{responses: []string{
		`{"events":[{"category":"Decision","subject":"database","actors":[{"ref":"Alice","role":"owner"}],"event_time":null,"narrative":"Alice decided to use Postgres.","evidence":[{"chunk_id":"` + chunkID + `","quote":"use Postgres","start_char":17,"end_char":29}],"confidence":0.92}]}`,
	}}
	x := New(chat)

	events, err := x.Canonicalize(context.Background(), []ChunkResult{
		{ChunkID: &chunkID, Events: []ExtractedEvent{{Category: "Decision", Narrative: "Alice decided to use Postgres."}}},
	})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Category != "Decision" || ev.Confidence != 0.92 {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Evidence) != 1 || ev.Evidence[0].ChunkID == nil || *ev.Evidence[0].ChunkID != chunkID {
		t.Errorf("evidence lost its chunk id: %+v", ev.Evidence)
	}
}
