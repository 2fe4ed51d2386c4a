package config_test

import (
	"errors"
	"testing"

	"docqa/internal/config"

	"github.com/stretchr/testify/assert"
)

func validConfig() config.Config {
	return config.Config{
		DBHost:             "localhost",
		DBUser:             "user",
		DBName:             "db",
		Queue:              config.QueueLocal,
		Embedder:           config.EmbedderHash,
		Generator:          config.GeneratorExcerpt,
		IndexKind:          config.IndexFlat,
		EmbeddingDim:       64,
		ChunkMaxChars:      500,
		ChunkOverlapChars:  50,
		ChunkMinChars:      10,
		IndexMaxK:          20,
		ContextBudgetChars: 4000,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr bool
		errIs   error
	}{
		{
			name:    "Valid Config",
			mutate:  func(c *config.Config) {},
			wantErr: false,
		},
		{
			name:    "Missing DBHost",
			mutate:  func(c *config.Config) { c.DBHost = "" },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name:    "Missing DBUser",
			mutate:  func(c *config.Config) { c.DBUser = "" },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name:    "Missing DBName",
			mutate:  func(c *config.Config) { c.DBName = "" },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name:    "Unknown Queue",
			mutate:  func(c *config.Config) { c.Queue = "kafka" },
			wantErr: true,
			errIs:   config.ErrInvalid,
		},
		{
			name:    "Unknown Generator",
			mutate:  func(c *config.Config) { c.Generator = "gpt" },
			wantErr: true,
			errIs:   config.ErrInvalid,
		},
		{
			name:    "Unknown Index Kind",
			mutate:  func(c *config.Config) { c.IndexKind = "ivf" },
			wantErr: true,
			errIs:   config.ErrInvalid,
		},
		{
			name:    "Zero Dimension",
			mutate:  func(c *config.Config) { c.EmbeddingDim = 0 },
			wantErr: true,
			errIs:   config.ErrInvalid,
		},
		{
			name:    "Overlap Not Smaller Than Max",
			mutate:  func(c *config.Config) { c.ChunkOverlapChars = 500 },
			wantErr: true,
			errIs:   config.ErrInvalid,
		},
		{
			name:    "Min Exceeds Max",
			mutate:  func(c *config.Config) { c.ChunkMinChars = 501 },
			wantErr: true,
			errIs:   config.ErrInvalid,
		},
		{
			name:    "Zero Max K",
			mutate:  func(c *config.Config) { c.IndexMaxK = 0 },
			wantErr: true,
			errIs:   config.ErrInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errIs != nil {
					assert.True(t, errors.Is(err, tt.errIs))
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
