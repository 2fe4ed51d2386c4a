package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"docqa/internal/answer"
	"docqa/internal/settings"
)

const DefaultGenerationModel = "gemini-2.0-flash"

// DynamicGenerator generates answers with the API key currently stored in
// settings.
type DynamicGenerator struct {
	clientCache
	model string
}

func NewDynamicGenerator(svc *settings.Service, model string, opts ...option.ClientOption) *DynamicGenerator {
	if model == "" {
		model = DefaultGenerationModel
	}
	return &DynamicGenerator{
		clientCache: clientCache{settingsSvc: svc, clientOpts: opts},
		model:       model,
	}
}

func (g *DynamicGenerator) Model() string { return g.model }

func (g *DynamicGenerator) Generate(ctx context.Context, p answer.Prompt) (string, error) {
	client, err := g.get(ctx)
	if err != nil {
		return "", err
	}

	m := client.GenerativeModel(g.model)
	m.SetTemperature(0)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.System)}}

	resp, err := m.GenerateContent(ctx, genai.Text(p.UserText()))
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("empty generation response")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}
