package inference

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockModule is a mock implementation of Module using testify/mock.
type MockModule struct {
	mock.Mock
}

func (m *MockModule) Forward(ctx context.Context, in Tensor) (Tensor, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(Tensor), args.Error(1)
}

func (m *MockModule) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
