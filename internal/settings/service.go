package settings

import (
	"context"
	"errors"
	"fmt"
)

var ErrInvalidSettings = errors.New("invalid settings")

type Settings struct {
	ID           int     `json:"-"`
	GeminiAPIKey string  `json:"gemini_api_key"`
	SearchTopK   int     `json:"search_top_k"`
	MinScore     float32 `json:"min_score"`
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if set.SearchTopK < 0 {
		return fmt.Errorf("%w: search_top_k must not be negative", ErrInvalidSettings)
	}
	if set.MinScore < -1 || set.MinScore > 1 {
		return fmt.Errorf("%w: min_score must be within [-1, 1]", ErrInvalidSettings)
	}
	return s.repo.Update(ctx, set)
}
