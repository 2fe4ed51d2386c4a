package worker_test

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRunner struct{ mock.Mock }

func (m *MockRunner) Run(ctx context.Context, documentID string) error {
	args := m.Called(ctx, documentID)
	return args.Error(0)
}

type MockHandler struct{ mock.Mock }

func (m *MockHandler) Handle(ctx context.Context, body []byte) error {
	args := m.Called(ctx, body)
	return args.Error(0)
}
