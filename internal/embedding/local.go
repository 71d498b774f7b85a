package embedding

import (
	"context"
	"sync/atomic"
)

// LocalProvider calls an Ollama-compatible /api/embeddings endpoint, one
// text per request.
type LocalProvider struct {
	endpoint  string
	model     string
	dimension int
	observed  atomic.Int64
}

// NewLocalProvider creates a LocalProvider from cfg.
func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var result localResponse
		if err := postJSON(ctx, p.endpoint+"/api/embeddings", "", localRequest{Model: p.model, Prompt: text}, &result); err != nil {
			return nil, err
		}
		out = append(out, result.Embedding)
	}
	if n := len(out[0]); n > 0 {
		p.observed.CompareAndSwap(0, int64(n))
	}
	return out, nil
}

func (p *LocalProvider) Dimension() int {
	if n := p.observed.Load(); n > 0 {
		return int(n)
	}
	return p.dimension
}
