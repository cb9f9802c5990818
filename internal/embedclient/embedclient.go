// Package embedclient wraps the upstream embeddings endpoint with a
// concurrency semaphore and silent failure, so embedding is never on the
// critical path of message handling.
package embedclient

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"

	"github.com/oleksiy-k/botcore/internal/telemetry"
)

// Client wraps an OpenAI-compatible embeddings endpoint.
type Client struct {
	api   *openai.Client
	model string
	sem   *semaphore.Weighted
	tel   *telemetry.Telemetry
}

// New builds an embedding Client. concurrency bounds the number of
// in-flight upstream calls (spec default 4).
func New(api *openai.Client, model string, concurrency int, tel *telemetry.Telemetry) *Client {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Client{api: api, model: model, sem: semaphore.NewWeighted(int64(concurrency)), tel: tel}
}

// EmbedText returns the embedding for text. Empty or whitespace-only input
// returns an empty vector without calling upstream. Any transport error is
// swallowed and reported as an empty vector, since embeddings are best-effort.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, nil
	}
	defer c.sem.Release(1)

	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.model),
	})
	if err != nil {
		if c.tel != nil {
			c.tel.IncEmbeddingError("upstream_failure")
		}
		return nil, nil
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}
	return resp.Data[0].Embedding, nil
}
