package envoy

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/icholy/digest"
	"go.uber.org/zap"

	"github.com/anicoll/envoy-integration/internal/pkg/config"
	"github.com/anicoll/envoy-integration/internal/pkg/model"
	"github.com/anicoll/envoy-integration/internal/pkg/publisher"
	"github.com/anicoll/envoy-integration/internal/pkg/tokenstore"
)

// shapeRejectionLimit is how many consecutive cycles may fail shape
// recognition on every endpoint before the profile is considered stale
// and detection runs again. A firmware update changes the served shapes
// without the gateway restarting.
const shapeRejectionLimit = 3

type service struct {
	cfg      config.EnvoyConfig
	baseURL  string
	logger   *zap.Logger
	client   *http.Client
	// pre-7.x firmwares protect the inverters endpoint with digest auth.
	digestClient *http.Client
	store        tokenstore.Store
	provider     credentialProvider

	mu              sync.RWMutex
	profile         *model.DeviceProfile
	latest          *model.PollResult
	authStatus      model.AuthStatus
	shapeRejections int

	// cycleMu enforces non-overlapping poll cycles.
	cycleMu sync.Mutex
}

func New(cfg config.EnvoyConfig, store tokenstore.Store) *service {
	transport := &http.Transport{
		// the device serves a self-signed certificate on its LAN address.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	s := &service{
		cfg:     cfg,
		baseURL: "https://" + cfg.Host,
		logger:  zap.L().Named("envoy"),
		client:  &http.Client{Transport: transport},
		digestClient: &http.Client{
			Transport: &digest.Transport{
				Username:  "envoy",
				Password:  serialSuffix(cfg.Serial),
				Transport: transport,
			},
		},
		store: store,
		// nothing has been checked yet; Authenticate flips this.
		authStatus: model.AuthStatusInvalid,
	}
	return s
}

// serialSuffix is the default installer password on pre-7.x firmwares:
// the last six digits of the serial number.
func serialSuffix(serial string) string {
	if len(serial) <= 6 {
		return serial
	}
	return serial[len(serial)-6:]
}

// Authenticate picks the credential strategy for the device generation and
// primes it. For token firmwares this may block on the cloud exchange; a
// cached unexpired token short-circuits that.
func (s *service) Authenticate(ctx context.Context) error {
	var provider credentialProvider
	if s.cfg.UseOwnerToken || s.cfg.EnlightenUser != "" {
		source := newEnlightenClient(s.cfg.EnlightenUser, s.cfg.EnlightenPass, s.store)
		provider = newBearerProvider(s.cfg.Serial, s.store, source, s.setAuthStatus)
	} else {
		provider = newBasicProvider(s.cfg.Username, s.cfg.Password)
	}

	s.mu.Lock()
	s.provider = provider
	s.mu.Unlock()

	// prime without holding s.mu: the bearer provider reports status through
	// setAuthStatus, which takes the same mutex.
	if _, err := provider.Credentials(ctx); err != nil {
		return err
	}
	s.setAuthStatus(model.AuthStatusValid)
	return nil
}

// Detect probes the device and locks in its profile for the session.
func (s *service) Detect(ctx context.Context) error {
	s.mu.RLock()
	provider := s.provider
	s.mu.RUnlock()

	profile, err := s.detect(ctx, provider)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.profile = &profile
	s.shapeRejections = 0
	s.mu.Unlock()

	return publisher.RegisterDevice(&profile)
}

// Poll runs a single poll cycle. Cycles never overlap: a call arriving
// while one is in flight reports a skip instead of queueing.
func (s *service) Poll(ctx context.Context) (model.PollResult, bool) {
	if !s.cycleMu.TryLock() {
		s.logger.Warn("previous poll cycle still running, skipping")
		return model.PollResult{}, false
	}
	defer s.cycleMu.Unlock()

	s.mu.RLock()
	profile := s.profile
	provider := s.provider
	s.mu.RUnlock()

	result := s.collect(ctx, *profile, provider, endpointsFor(*profile))

	s.mu.Lock()
	s.latest = &result
	s.trackShapeRejections(result)
	redetect := s.shapeRejections >= shapeRejectionLimit
	s.mu.Unlock()

	if redetect {
		s.logger.Warn("every endpoint rejected for shape repeatedly, re-running detection")
		if err := s.Detect(ctx); err != nil {
			s.logger.Error("re-detection failed, keeping stale profile", zap.Error(err))
		}
	}
	return result, true
}

// Run polls on the configured interval until the context ends. Terminal
// auth failures stop the loop; everything else is reported through the
// poll result and the loop keeps going.
func (s *service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		result, ran := s.Poll(ctx)
		if ran {
			s.publish(ctx, result)
			var authErr *model.AuthError
			if result.Outcome == model.PollTotalFailure &&
				errors.As(result.FailureReason, &authErr) && authErr.Terminal() {
				s.logger.Error("terminal authentication failure, stopping", zap.Error(authErr))
				return authErr
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *service) publish(ctx context.Context, result model.PollResult) {
	if result.Snapshot == nil {
		return
	}
	s.mu.RLock()
	profile := s.profile
	s.mu.RUnlock()
	if err := publisher.PublishSnapshot(ctx, profile, result.Snapshot); err != nil {
		s.logger.Error("failed to publish snapshot", zap.Error(err))
	}
}

func (s *service) trackShapeRejections(result model.PollResult) {
	if result.Outcome == model.PollSuccess {
		s.shapeRejections = 0
		return
	}
	for _, epErr := range result.EndpointErrors {
		if !errors.Is(epErr.Err, model.ErrUnrecognizedShape) {
			s.shapeRejections = 0
			return
		}
	}
	if len(result.EndpointErrors) > 0 {
		s.shapeRejections++
	}
}

func (s *service) setAuthStatus(status model.AuthStatus) {
	s.mu.Lock()
	s.authStatus = status
	s.mu.Unlock()
}

func (s *service) Profile() *model.DeviceProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

func (s *service) AuthStatus() model.AuthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authStatus
}

func (s *service) LatestResult() *model.PollResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}
