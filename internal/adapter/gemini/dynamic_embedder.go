package gemini

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"docqa/internal/settings"
)

const DefaultEmbeddingModel = "gemini-embedding-001"

// DynamicEmbedder embeds with the API key currently stored in settings.
type DynamicEmbedder struct {
	clientCache
	model string
}

func NewDynamicEmbedder(svc *settings.Service, model string, opts ...option.ClientOption) *DynamicEmbedder {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &DynamicEmbedder{
		clientCache: clientCache{settingsSvc: svc, clientOpts: opts},
		model:       model,
	}
}

func (e *DynamicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	client, err := e.get(ctx)
	if err != nil {
		return nil, err
	}

	res, err := client.EmbeddingModel(e.model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding received")
	}
	return res.Embedding.Values, nil
}

// EmbedBatch sends all texts in one batchEmbedContents call.
func (e *DynamicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 1 {
		v, err := e.Embed(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{v}, nil
	}

	client, err := e.get(ctx)
	if err != nil {
		return nil, err
	}

	em := client.EmbeddingModel(e.model)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(res.Embeddings))
	for _, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("empty embedding received")
		}
		out = append(out, emb.Values)
	}
	return out, nil
}
