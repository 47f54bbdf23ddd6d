package mnemo

import (
	"errors"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig does not validate: %v", err)
	}
	if cfg.EmbeddingDim != 3072 {
		t.Errorf("EmbeddingDim = %d, want 3072", cfg.EmbeddingDim)
	}
	if cfg.SinglePieceMax != 1200 || cfg.ChunkTarget != 900 || cfg.ChunkOverlap != 100 {
		t.Errorf("chunk thresholds = %d/%d/%d, want 1200/900/100",
			cfg.SinglePieceMax, cfg.ChunkTarget, cfg.ChunkOverlap)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty dsn", func(c *Config) { c.PostgresDSN = "" }},
		{"zero dim", func(c *Config) { c.EmbeddingDim = 0 }},
		{"overlap >= target", func(c *Config) { c.ChunkOverlap = c.ChunkTarget }},
		{"single piece below target", func(c *Config) { c.SinglePieceMax = c.ChunkTarget - 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidArtifactType, CodeValidation},
		{ErrContentTooLarge, CodeValidation},
		{ErrInvalidUTF8, CodeValidation},
		{ErrEmptyContent, CodeValidation},
		{ErrMissingQuery, CodeValidation},
		{ErrConfirmRequired, CodeValidation},
		{ErrNotFound, CodeNotFound},
		{errors.New("anything else"), CodeTransient},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
