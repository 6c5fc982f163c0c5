package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// OllamaEmbedder calls the Ollama embed endpoint.
type OllamaEmbedder struct {
	client *api.Client
	model  string
}

// NewOllamaEmbedder talks to the Ollama server at baseURL (for example
// http://localhost:11434).
func NewOllamaEmbedder(baseURL, model string) (*OllamaEmbedder, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}
	return &OllamaEmbedder{client: api.NewClient(u, http.DefaultClient), model: model}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama embed: no embedding returned for model %s", e.model)
	}
	return resp.Embeddings[0], nil
}
