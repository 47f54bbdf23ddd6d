package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func chatOK(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"content":%q},"finish_reason":"stop"}],"model":"test-model","usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`, content)
}

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var body struct {
			Model          string `json:"model"`
			ResponseFormat *struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if body.Model != "test-model" {
			t.Errorf("model = %q", body.Model)
		}
		if body.ResponseFormat == nil || body.ResponseFormat.Type != "json_object" {
			t.Error("response_format not forwarded")
		}
		fmt.Fprint(w, chatOK(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "test-model"})
	resp, err := c.Chat(context.Background(), ChatRequest{
		Messages:       []Message{{Role: "user", Content: "hi"}},
		ResponseFormat: "json_object",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"ok":true}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.TotalTokens != 8 {
		t.Errorf("TotalTokens = %d, want 8", resp.TotalTokens)
	}
}

func TestChatPermanentErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test-model"})
	_, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if IsTransient(err) {
		t.Error("400 should not be transient")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("request count = %d, want 1 (no retry on 4xx)", n)
	}
}

func TestChatRetriesServerError(t *testing.T) {
	if testing.Short() {
		t.Skip("retry backoff sleeps")
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream exploded", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, chatOK("recovered"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test-model", MaxRetries: 1})
	resp, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat after retry: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("Content = %q", resp.Content)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("request count = %d, want 2", n)
	}
}

func TestChatContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, chatOK("late"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test-model"})
	_, err := c.Chat(ctx, ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

// ---------------------------------------------------------------------------
// Embeddings
// ---------------------------------------------------------------------------

func TestEmbedBatchingAndOrder(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if len(req.Input) > 2 {
			t.Errorf("batch size = %d, want <= 2", len(req.Input))
		}
		// Answer in reverse index order; the client must reorder.
		type datum struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		var data []datum
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, datum{
				Embedding: []float32{float32(len(req.Input[i]))},
				Index:     i,
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "embed-model", BatchSize: 2})
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := c.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != 1 || v[0] != float32(len(texts[i])) {
			t.Errorf("vector %d = %v, want [%d]", i, v, len(texts[i]))
		}
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("request count = %d, want 3", n)
	}
}

func TestEmbedEmpty(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused", Model: "embed-model"})
	vecs, err := c.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("Embed(nil) = %v, want nil", vecs)
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"embedding":[0.1],"index":0}]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "embed-model"})
	_, err := c.Embed(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("expected count mismatch error")
	}
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

func TestIsTransient(t *testing.T) {
	if !IsTransient(fmt.Errorf("wrapped: %w", ErrTransient)) {
		t.Error("wrapped ErrTransient not detected")
	}
	if !IsTransient(fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrTransient))) {
		t.Error("doubly wrapped ErrTransient not detected")
	}
	if IsTransient(errors.New("plain failure")) {
		t.Error("plain error reported transient")
	}
	if IsTransient(nil) {
		t.Error("nil reported transient")
	}
}

func TestRetryableStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusOK, false},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		if got := retryableStatusCode(tt.code); got != tt.want {
			t.Errorf("retryableStatusCode(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
