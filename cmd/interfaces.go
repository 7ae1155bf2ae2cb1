package cmd

import (
	"context"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

// EnvoyService defines the interface that cmd.run expects from the gateway
// polling service.
type EnvoyService interface {
	Authenticate(ctx context.Context) error
	Detect(ctx context.Context) error
	Run(ctx context.Context) error
	Poll(ctx context.Context) (model.PollResult, bool)
	Profile() *model.DeviceProfile
	AuthStatus() model.AuthStatus
	LatestResult() *model.PollResult
}
