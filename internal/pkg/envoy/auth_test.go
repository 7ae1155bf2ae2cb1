package envoy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
	"github.com/anicoll/envoy-integration/internal/pkg/tokenstore"
)

type mockTokenSource struct {
	obtainFunc func(ctx context.Context, serial string) (model.BearerCredential, error)
	calls      atomic.Int64
}

func (m *mockTokenSource) ObtainToken(ctx context.Context, serial string) (model.BearerCredential, error) {
	m.calls.Add(1)
	if m.obtainFunc != nil {
		return m.obtainFunc(ctx, serial)
	}
	return model.BearerCredential{
		Token:        "fresh-token",
		SerialNumber: serial,
		IssuedAt:     time.Now(),
		ExpiresAt:    time.Now().Add(12 * time.Hour),
	}, nil
}

func newTestStore(t *testing.T) tokenstore.Store {
	t.Helper()
	return tokenstore.NewFileStore(t.TempDir() + "/tokens.json")
}

func TestBasicProvider(t *testing.T) {
	t.Parallel()

	p := newBasicProvider("", "123456")
	creds, err := p.Credentials(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/production", nil)
	creds.Apply(req)
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "envoy", user)
	assert.Equal(t, "123456", pass)

	// a rejected local password cannot be recovered by refreshing.
	assert.Equal(t, AuthFail, p.HandleAuthFailure(http.StatusUnauthorized))
	_, err = p.Refresh(context.Background())
	var authErr *model.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, model.AuthBadCredentials, authErr.Kind)
	assert.True(t, authErr.Terminal())
}

func TestBearerProvider_UsesCachedToken(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	cached := model.BearerCredential{
		Token:        "cached-token",
		SerialNumber: "12345",
		IssuedAt:     time.Now(),
		ExpiresAt:    time.Now().Add(6 * time.Hour),
	}
	require.NoError(t, store.Save(context.Background(), cached))

	source := &mockTokenSource{}
	p := newBearerProvider("12345", store, source, nil)

	creds, err := p.Credentials(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/production.json", nil)
	creds.Apply(req)
	assert.Equal(t, "Bearer cached-token", req.Header.Get("Authorization"))
	assert.Equal(t, int64(0), source.calls.Load(), "cloud must not be contacted while the cached token is valid")
}

func TestBearerProvider_RefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	expired := model.BearerCredential{
		Token:        "stale-token",
		SerialNumber: "12345",
		IssuedAt:     time.Now().Add(-24 * time.Hour),
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.Save(context.Background(), expired))

	source := &mockTokenSource{}
	p := newBearerProvider("12345", store, source, nil)

	creds, err := p.Credentials(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/production.json", nil)
	creds.Apply(req)
	assert.Equal(t, "Bearer fresh-token", req.Header.Get("Authorization"))
	assert.Equal(t, int64(1), source.calls.Load())
}

func TestBearerProvider_SingleFlightRefresh(t *testing.T) {
	t.Parallel()

	source := &mockTokenSource{
		obtainFunc: func(ctx context.Context, serial string) (model.BearerCredential, error) {
			// slow exchange so every goroutine is in flight before the first
			// one completes.
			time.Sleep(50 * time.Millisecond)
			return model.BearerCredential{
				Token:        "fresh-token",
				SerialNumber: serial,
				ExpiresAt:    time.Now().Add(12 * time.Hour),
			}, nil
		},
	}
	p := newBearerProvider("12345", newTestStore(t), source, nil)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Refresh(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), source.calls.Load(), "concurrent 401s must coalesce into one token exchange")
}

func TestBearerProvider_StatusTransitions(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []model.AuthStatus
	record := func(status model.AuthStatus) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	}

	p := newBearerProvider("12345", newTestStore(t), &mockTokenSource{}, record)
	_, err := p.Credentials(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.AuthStatus{model.AuthStatusRefreshing, model.AuthStatusValid}, seen)
}

func TestBearerProvider_HandleAuthFailure(t *testing.T) {
	t.Parallel()

	p := newBearerProvider("12345", newTestStore(t), &mockTokenSource{}, nil)
	assert.Equal(t, AuthRefreshToken, p.HandleAuthFailure(http.StatusUnauthorized))
	assert.Equal(t, AuthFail, p.HandleAuthFailure(http.StatusForbidden))
}
