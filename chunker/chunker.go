// Package chunker splits artifact text into overlapping token windows with
// deterministic identities and exact character offsets.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Tokenizer is the fixed tokenizer used for all token accounting. Encode and
// Decode must round-trip: the concatenation of per-token decodes equals the
// original text byte for byte.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// Config controls the windowing behaviour.
type Config struct {
	Target  int // window size in tokens
	Overlap int // tokens shared between consecutive windows
}

// Chunk is one token window of an artifact's text.
type Chunk struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	Index      int    `json:"chunk_index"`
	StartChar  int    `json:"start_char"`
	EndChar    int    `json:"end_char"`
	TokenCount int    `json:"token_count"`
}

// Chunker converts raw text into store-ready chunks.
type Chunker struct {
	cfg Config
	tok Tokenizer
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with the documented defaults.
func New(cfg Config, tok Tokenizer) *Chunker {
	if cfg.Target == 0 {
		cfg.Target = 900
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 100
	}
	return &Chunker{cfg: cfg, tok: tok}
}

// Count returns the token count of text under the fixed tokenizer.
func (c *Chunker) Count(text string) int {
	return len(c.tok.Encode(text))
}

// Split walks a sliding window over the encoded text. The stride is
// Target-Overlap tokens; each window is min(Target, remaining) tokens; the
// last window covers the tail exactly. Offsets are byte offsets into the
// original text and Content is always text[StartChar:EndChar].
//
// Chunk ids are deterministic: same (content, target, overlap, tokenizer)
// always yields the same list.
func (c *Chunker) Split(artifactID, text string) []Chunk {
	tokens := c.tok.Encode(text)
	if len(tokens) == 0 {
		return nil
	}

	stride := c.cfg.Target - c.cfg.Overlap

	// Byte length of every token, so window offsets can be computed without
	// repeated prefix decodes.
	tokLen := make([]int, len(tokens))
	for i, t := range tokens {
		tokLen[i] = len(c.tok.Decode([]int{t}))
	}

	var chunks []Chunk
	startTok := 0
	startByte := 0
	for {
		endTok := startTok + c.cfg.Target
		if endTok > len(tokens) {
			endTok = len(tokens)
		}

		endByte := startByte
		for i := startTok; i < endTok; i++ {
			endByte += tokLen[i]
		}

		content := text[startByte:endByte]
		idx := len(chunks)
		chunks = append(chunks, Chunk{
			ID:         ChunkID(artifactID, idx, content),
			Content:    content,
			Index:      idx,
			StartChar:  startByte,
			EndChar:    endByte,
			TokenCount: endTok - startTok,
		})

		if endTok >= len(tokens) {
			break
		}
		for i := startTok; i < startTok+stride; i++ {
			startByte += tokLen[i]
		}
		startTok += stride
	}
	return chunks
}

// ChunkID builds the deterministic chunk identity
// {artifactID}::chunk::{index:03d}::{sha256(content)[:8]}.
func ChunkID(artifactID string, index int, content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s::chunk::%03d::%s", artifactID, index, hex.EncodeToString(sum[:])[:8])
}
