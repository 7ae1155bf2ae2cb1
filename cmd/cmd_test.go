package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anicoll/envoy-integration/internal/pkg/config"
	"github.com/anicoll/envoy-integration/internal/pkg/contxt"
	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

var _ EnvoyService = (*MockEnvoyService)(nil)

func testRunConfig() *config.Config {
	return &config.Config{
		EnvoyCfg: &config.EnvoyConfig{
			// nothing listens here, so run must fail at device detection.
			Host:           "127.0.0.1:1",
			PollInterval:   5 * time.Second,
			RequestTimeout: time.Second,
			RetryCount:     1,
			CycleDeadline:  10 * time.Second,
			TokenCachePath: "/tmp/envoy-test-tokens.json",
		},
		MqttCfg:  &config.MqttConfig{},
		LogLevel: "INFO",
	}
}

func TestRun_RejectsUnknownLogLevel(t *testing.T) {
	cfg := testRunConfig()
	cfg.LogLevel = "LOUD"

	err := run(context.Background(), cfg, "", "")
	assert.Error(t, err)
}

func TestRun_RejectsInvalidConfig(t *testing.T) {
	cfg := testRunConfig()
	cfg.EnvoyCfg.PollInterval = time.Second

	err := run(context.Background(), cfg, "", "")
	assert.Error(t, err)
}

func TestRun_FailsWhenDeviceUnreachable(t *testing.T) {
	cfg := testRunConfig()

	ctx := contxt.NewContext(10 * time.Second)
	err := run(ctx, cfg, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device detection")
}

func TestStartEnvoy_WrapsFailures(t *testing.T) {
	t.Parallel()

	m := &MockEnvoyService{
		AuthenticateFunc: func(context.Context) error { return errors.New("cloud said no") },
	}
	err := startEnvoy(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication")

	m = &MockEnvoyService{
		DetectFunc: func(context.Context) error { return errors.New("no endpoint answered") },
	}
	err = startEnvoy(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device detection")

	require.NoError(t, startEnvoy(context.Background(), &MockEnvoyService{}))
}

func TestMockEnvoyService_Defaults(t *testing.T) {
	t.Parallel()

	m := &MockEnvoyService{}
	require.NoError(t, m.Authenticate(context.Background()))
	require.NoError(t, m.Detect(context.Background()))

	_, ran := m.Poll(context.Background())
	assert.False(t, ran)
	assert.Nil(t, m.Profile())
	assert.Equal(t, model.AuthStatusValid, m.AuthStatus())
}
