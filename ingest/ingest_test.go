package ingest

import (
	"errors"
	"strings"
	"testing"

	"github.com/mnemo-dev/mnemo/chunker"
)

// ---------------------------------------------------------------------------
// Embedding inputs
// ---------------------------------------------------------------------------

func TestEmbedInputsWholeContent(t *testing.T) {
	got := embedInputs("short note", nil)
	if len(got) != 1 || got[0] != "short note" {
		t.Fatalf("embedInputs = %v, want the content itself", got)
	}
}

func TestEmbedInputsChunkedSkipsFullContent(t *testing.T) {
	long := strings.Repeat("token ", 20000)
	pieces := []chunker.Chunk{
		{ID: "art_x::chunk::000::aaaaaaaa", Content: "first piece"},
		{ID: "art_x::chunk::001::bbbbbbbb", Content: "second piece"},
		{ID: "art_x::chunk::002::cccccccc", Content: "third piece"},
	}

	got := embedInputs(long, pieces)
	if len(got) != len(pieces) {
		t.Fatalf("embedInputs returned %d texts, want %d", len(got), len(pieces))
	}
	for i, text := range got {
		if text != pieces[i].Content {
			t.Errorf("text %d = %q, want %q", i, text, pieces[i].Content)
		}
		if text == long {
			t.Errorf("text %d is the full content; chunked artifacts embed their pieces only", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	c := New(nil, nil, nil, nil, 1200, 5)
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown type", Request{ArtifactType: "video", Content: "x"}, ErrInvalidArtifactType},
		{"empty content", Request{ArtifactType: "note"}, ErrEmptyContent},
		{"oversized content", Request{ArtifactType: "note", Content: strings.Repeat("a", maxContentBytes+1)}, ErrContentTooLarge},
		{"invalid utf-8", Request{ArtifactType: "note", Content: string([]byte{0xff, 0xfe})}, ErrInvalidUTF8},
		{"valid note", Request{ArtifactType: "note", Content: "fine"}, nil},
	}
	for _, tt := range tests {
		if err := c.validate(tt.req); !errors.Is(err, tt.want) {
			t.Errorf("%s: validate = %v, want %v", tt.name, err, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Short conversation turns
// ---------------------------------------------------------------------------

func TestIsShortTurn(t *testing.T) {
	c := New(nil, nil, nil, nil, 1200, 5)
	idx := 3
	tests := []struct {
		name   string
		req    Request
		tokens int
		want   bool
	}{
		{
			name:   "full turn metadata under the ceiling",
			req:    Request{ConversationID: "conv-1", TurnRole: "user", TurnIndex: &idx},
			tokens: 50,
			want:   true,
		},
		{
			name:   "at the ceiling extraction runs",
			req:    Request{ConversationID: "conv-1", TurnRole: "user", TurnIndex: &idx},
			tokens: 100,
			want:   false,
		},
		{
			name:   "missing conversation id",
			req:    Request{TurnRole: "user", TurnIndex: &idx},
			tokens: 50,
			want:   false,
		},
		{
			name:   "missing turn role",
			req:    Request{ConversationID: "conv-1", TurnIndex: &idx},
			tokens: 50,
			want:   false,
		},
		{
			name:   "missing turn index",
			req:    Request{ConversationID: "conv-1", TurnRole: "user"},
			tokens: 50,
			want:   false,
		},
	}
	for _, tt := range tests {
		if got := c.isShortTurn(tt.req, tt.tokens); got != tt.want {
			t.Errorf("%s: isShortTurn = %v, want %v", tt.name, got, tt.want)
		}
	}
}
