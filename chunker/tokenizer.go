package chunker

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// tiktokenTokenizer wraps a tiktoken BPE encoding. BPE tokens partition the
// input bytes exactly, which is what makes offset bookkeeping in Split valid.
type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken returns the fixed cl100k_base tokenizer used for all token
// accounting across ingestion and chunking.
func NewTiktoken() (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("loading cl100k_base encoding: %w", err)
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}
