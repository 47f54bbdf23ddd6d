package chunker

import (
	"strings"
	"testing"
)

// runeTokenizer treats every rune as one token. Multi-byte runes keep the
// byte-offset arithmetic honest.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	var toks []int
	for _, r := range text {
		toks = append(toks, int(r))
	}
	return toks
}

func (runeTokenizer) Decode(tokens []int) string {
	var sb strings.Builder
	for _, t := range tokens {
		sb.WriteRune(rune(t))
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Windowing
// ---------------------------------------------------------------------------

func TestSplitEmpty(t *testing.T) {
	c := New(Config{Target: 10, Overlap: 3}, runeTokenizer{})
	if chunks := c.Split("art_abc", ""); chunks != nil {
		t.Fatalf("Split(\"\") = %v, want nil", chunks)
	}
}

func TestSplitSingleWindow(t *testing.T) {
	c := New(Config{Target: 10, Overlap: 3}, runeTokenizer{})
	text := "abcdefghij" // exactly Target tokens

	chunks := c.Split("art_abc", text)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	ch := chunks[0]
	if ch.Content != text {
		t.Errorf("Content = %q, want %q", ch.Content, text)
	}
	if ch.StartChar != 0 || ch.EndChar != len(text) {
		t.Errorf("offsets = [%d,%d), want [0,%d)", ch.StartChar, ch.EndChar, len(text))
	}
	if ch.TokenCount != 10 {
		t.Errorf("TokenCount = %d, want 10", ch.TokenCount)
	}
}

func TestSplitOneOverBudget(t *testing.T) {
	c := New(Config{Target: 10, Overlap: 3}, runeTokenizer{})
	text := "abcdefghijk" // Target+1 tokens

	chunks := c.Split("art_abc", text)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	// Second window starts at the stride (Target-Overlap) and covers the tail.
	if chunks[1].StartChar != 7 {
		t.Errorf("second chunk StartChar = %d, want 7", chunks[1].StartChar)
	}
	if chunks[1].EndChar != len(text) {
		t.Errorf("second chunk EndChar = %d, want %d", chunks[1].EndChar, len(text))
	}
}

func TestSplitOffsetsMatchContent(t *testing.T) {
	c := New(Config{Target: 8, Overlap: 2}, runeTokenizer{})
	text := "The quick brown fox jumps over the lazy dog, twice."

	chunks := c.Split("art_abc", text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if got := text[ch.StartChar:ch.EndChar]; got != ch.Content {
			t.Errorf("chunk %d: text[%d:%d] = %q, want %q", i, ch.StartChar, ch.EndChar, got, ch.Content)
		}
		if ch.Index != i {
			t.Errorf("chunk %d: Index = %d", i, ch.Index)
		}
	}
	// Consecutive windows share Overlap tokens.
	if chunks[1].StartChar >= chunks[0].EndChar {
		t.Error("expected overlapping windows")
	}
}

func TestSplitMultibyteOffsets(t *testing.T) {
	c := New(Config{Target: 4, Overlap: 1}, runeTokenizer{})
	text := "héllo wörld données"

	chunks := c.Split("art_abc", text)
	for i, ch := range chunks {
		if got := text[ch.StartChar:ch.EndChar]; got != ch.Content {
			t.Errorf("chunk %d: byte offsets drift on multibyte runes: %q vs %q", i, got, ch.Content)
		}
	}
}

func TestSplitDeterministic(t *testing.T) {
	c := New(Config{Target: 8, Overlap: 2}, runeTokenizer{})
	text := "a deterministic identity for every window of this text"

	first := c.Split("art_abc", text)
	second := c.Split("art_abc", text)
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("chunk %d: ids differ: %q vs %q", i, first[i].ID, second[i].ID)
		}
	}
}

func TestCount(t *testing.T) {
	c := New(Config{Target: 10, Overlap: 3}, runeTokenizer{})
	if got := c.Count("abcde"); got != 5 {
		t.Errorf("Count = %d, want 5", got)
	}
}

func TestDefaults(t *testing.T) {
	c := New(Config{}, runeTokenizer{})
	if c.cfg.Target != 900 {
		t.Errorf("default Target = %d, want 900", c.cfg.Target)
	}
	if c.cfg.Overlap != 100 {
		t.Errorf("default Overlap = %d, want 100", c.cfg.Overlap)
	}
}

// ---------------------------------------------------------------------------
// Chunk identity
// ---------------------------------------------------------------------------

func TestChunkID(t *testing.T) {
	id := ChunkID("art_5b3a1c9d2e4f", 7, "some content")
	if !strings.HasPrefix(id, "art_5b3a1c9d2e4f::chunk::007::") {
		t.Errorf("ChunkID = %q, want art_5b3a1c9d2e4f::chunk::007:: prefix", id)
	}
	parts := strings.Split(id, "::")
	if len(parts) != 4 || len(parts[3]) != 8 {
		t.Errorf("ChunkID = %q, want 8-hex-char content suffix", id)
	}
	if id != ChunkID("art_5b3a1c9d2e4f", 7, "some content") {
		t.Error("ChunkID is not deterministic")
	}
	if id == ChunkID("art_5b3a1c9d2e4f", 7, "other content") {
		t.Error("ChunkID ignores content")
	}
}
