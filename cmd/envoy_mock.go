package cmd

import (
	"context"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

// MockEnvoyService is a mock implementation of the EnvoyService interface.
type MockEnvoyService struct {
	AuthenticateFunc func(ctx context.Context) error
	DetectFunc       func(ctx context.Context) error
	RunFunc          func(ctx context.Context) error
	PollFunc         func(ctx context.Context) (model.PollResult, bool)
	ProfileFunc      func() *model.DeviceProfile
	AuthStatusFunc   func() model.AuthStatus
	LatestResultFunc func() *model.PollResult
}

func (m *MockEnvoyService) Authenticate(ctx context.Context) error {
	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx)
	}
	return nil
}

func (m *MockEnvoyService) Detect(ctx context.Context) error {
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx)
	}
	return nil
}

func (m *MockEnvoyService) Run(ctx context.Context) error {
	if m.RunFunc != nil {
		return m.RunFunc(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockEnvoyService) Poll(ctx context.Context) (model.PollResult, bool) {
	if m.PollFunc != nil {
		return m.PollFunc(ctx)
	}
	return model.PollResult{}, false
}

func (m *MockEnvoyService) Profile() *model.DeviceProfile {
	if m.ProfileFunc != nil {
		return m.ProfileFunc()
	}
	return nil
}

func (m *MockEnvoyService) AuthStatus() model.AuthStatus {
	if m.AuthStatusFunc != nil {
		return m.AuthStatusFunc()
	}
	return model.AuthStatusValid
}

func (m *MockEnvoyService) LatestResult() *model.PollResult {
	if m.LatestResultFunc != nil {
		return m.LatestResultFunc()
	}
	return nil
}
