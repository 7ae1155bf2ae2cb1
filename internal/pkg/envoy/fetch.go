package envoy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

// collect runs one poll cycle: every endpoint fetched concurrently, each
// under its own timeout and retry budget, the whole cycle under one outer
// deadline. The outer deadline firing discards everything and reports a
// timeout; completed endpoint data is never exposed from an abandoned cycle.
func (s *service) collect(ctx context.Context, profile model.DeviceProfile, provider credentialProvider, endpoints []model.EndpointRequest) model.PollResult {
	cycleCtx, cancel := context.WithTimeoutCause(ctx, s.cfg.CycleDeadline, model.ErrCycleTimeout)
	defer cancel()

	var (
		mu           sync.Mutex
		raws         = make(map[model.EndpointKind][]byte, len(endpoints))
		endpointErrs []model.EndpointError
	)

	g, gctx := errgroup.WithContext(cycleCtx)
	for _, ep := range endpoints {
		ep := ep
		g.Go(func() error {
			body, err := s.fetchWithRetry(gctx, profile, ep, provider)
			if err != nil {
				if ep.Required {
					return err
				}
				s.logger.Warn("optional endpoint degraded",
					zap.String("endpoint", ep.Kind.String()), zap.Error(err))
				mu.Lock()
				endpointErrs = append(endpointErrs, model.EndpointError{Kind: ep.Kind, Err: err})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			raws[ep.Kind] = body
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(context.Cause(cycleCtx), model.ErrCycleTimeout) {
		return model.TotalFailure(model.ErrCycleTimeout)
	}
	if err != nil {
		return model.TotalFailure(err)
	}

	snap, parseErrs := normalize(raws, profile, time.Now(), s.logger)
	endpointErrs = append(endpointErrs, parseErrs...)
	if len(endpointErrs) > 0 {
		return model.PartialFailure(snap, endpointErrs)
	}
	return model.Success(snap)
}

// fetchWithRetry wraps one endpoint in the attempt budget. A 401 triggers
// the auth-failure escalation: on RefreshToken the request is retried once
// more with the new credential, not counted against the budget.
func (s *service) fetchWithRetry(ctx context.Context, profile model.DeviceProfile, ep model.EndpointRequest, provider credentialProvider) ([]byte, error) {
	attempts := s.cfg.RetryCount + 1
	authRetried := false
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && s.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			case <-time.After(s.cfg.RetryDelay):
			}
		}

		body, status, err := s.fetchOnce(ctx, profile, ep, provider)
		if err == nil && status == http.StatusOK {
			return body, nil
		}
		if ctx.Err() != nil {
			// the cycle was abandoned, not this request timing out.
			return nil, context.Cause(ctx)
		}

		switch {
		case err != nil:
			lastErr = err
		case status == http.StatusUnauthorized:
			if provider.HandleAuthFailure(status) == AuthRefreshToken && !authRetried {
				authRetried = true
				s.logger.Debug("device rejected credentials, refreshing token",
					zap.String("endpoint", ep.Kind.String()))
				if _, err := provider.Refresh(ctx); err != nil {
					return nil, err
				}
				attempt-- // the post-refresh attempt is free.
				continue
			}
			return nil, &model.AuthError{Kind: model.AuthBadCredentials, Err: &model.FetchError{
				Kind: model.FetchHTTP4xx, Endpoint: ep.Kind, StatusCode: status,
			}}
		case status >= 500:
			lastErr = &model.FetchError{Kind: model.FetchHTTP5xx, Endpoint: ep.Kind, StatusCode: status}
		default:
			// other 4xx will not improve with retries.
			return nil, &model.FetchError{Kind: model.FetchHTTP4xx, Endpoint: ep.Kind, StatusCode: status}
		}

		s.logger.Debug("fetch attempt failed",
			zap.String("endpoint", ep.Kind.String()),
			zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}

	return nil, lastErr
}

func (s *service) fetchOnce(ctx context.Context, profile model.DeviceProfile, ep model.EndpointRequest, provider credentialProvider) ([]byte, int, error) {
	creds, err := provider.Credentials(ctx)
	if err != nil {
		return nil, 0, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.baseURL+ep.Path, nil)
	if err != nil {
		return nil, 0, err
	}

	client := s.client
	if ep.Kind == model.EndpointInverters && !profile.TokenAuth() {
		// pre-7.x firmwares guard the inverters endpoint with digest auth;
		// the digest transport answers the challenge itself.
		client = s.digestClient
	} else {
		creds.Apply(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, classifyTransportError(ep.Kind, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &model.FetchError{Kind: model.FetchConnectionFailed, Endpoint: ep.Kind, Err: err}
	}
	return body, resp.StatusCode, nil
}

func classifyTransportError(kind model.EndpointKind, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.FetchError{Kind: model.FetchTimeout, Endpoint: kind, Err: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &model.FetchError{Kind: model.FetchTimeout, Endpoint: kind, Err: err}
	}
	return &model.FetchError{Kind: model.FetchConnectionFailed, Endpoint: kind, Err: err}
}
