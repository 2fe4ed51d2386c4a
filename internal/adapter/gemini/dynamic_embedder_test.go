package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"docqa/internal/settings"
)

// MockRepo implements settings.Repository
type MockRepo struct {
	Settings *settings.Settings
	Err      error
}

func (m *MockRepo) Get(ctx context.Context) (*settings.Settings, error) {
	return m.Settings, m.Err
}

func (m *MockRepo) Update(ctx context.Context, s *settings.Settings) error {
	return nil
}

func TestDynamicEmbedder_Embed_NoKey(t *testing.T) {
	repo := &MockRepo{
		Settings: &settings.Settings{GeminiAPIKey: ""},
	}
	embedder := NewDynamicEmbedder(settings.NewService(repo), "")

	_, err := embedder.Embed(context.Background(), "hello")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "gemini api key not configured")
}

func TestDynamicEmbedder_Embed_SettingsError(t *testing.T) {
	repo := &MockRepo{
		Err: errors.New("db fail"),
	}
	embedder := NewDynamicEmbedder(settings.NewService(repo), "")

	_, err := embedder.Embed(context.Background(), "hello")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get settings")
}

func TestDynamicEmbedder_DefaultModel(t *testing.T) {
	e := NewDynamicEmbedder(settings.NewService(&MockRepo{}), "")
	assert.Equal(t, DefaultEmbeddingModel, e.model)
}

func TestClientCache_Switching(t *testing.T) {
	repo := &MockRepo{
		Settings: &settings.Settings{GeminiAPIKey: "key1"},
	}
	embedder := NewDynamicEmbedder(settings.NewService(repo), "")
	ctx := context.Background()

	client1, err := embedder.getClient(ctx, "key1")
	assert.NoError(t, err)
	assert.NotNil(t, client1)
	assert.Equal(t, "key1", embedder.currentKey)

	client2, err := embedder.getClient(ctx, "key1")
	assert.NoError(t, err)
	assert.Equal(t, client1, client2)

	client3, err := embedder.getClient(ctx, "key2")
	assert.NoError(t, err)
	assert.NotEqual(t, client1, client3)
	assert.Equal(t, "key2", embedder.currentKey)

	assert.NoError(t, embedder.Close())
	assert.Empty(t, embedder.currentKey)
}
