package embedclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return New(openai.NewClientWithConfig(cfg), "test-embed", 4, nil), &calls
}

func TestEmbedText_EmptyInputSkipsUpstream(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	vec, err := c.EmbedText(context.Background(), "   \n\t ")
	require.NoError(t, err)
	assert.Empty(t, vec)
	assert.Equal(t, int32(0), calls.Load(), "whitespace-only input must not call upstream")
}

func TestEmbedText_ReturnsVector(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.EmbeddingResponse{
			Data: []openai.Embedding{{Embedding: []float32{0.1, 0.2, 0.3}}},
		})
	})

	vec, err := c.EmbedText(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbedText_UpstreamFailureIsSwallowed(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})

	vec, err := c.EmbedText(context.Background(), "hello")
	require.NoError(t, err, "embedding is never on the critical path; failures degrade to an empty vector")
	assert.Empty(t, vec)
}
