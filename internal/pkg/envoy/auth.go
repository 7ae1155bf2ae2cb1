package envoy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
	"github.com/anicoll/envoy-integration/internal/pkg/tokenstore"
)

type AuthAction int

const (
	// AuthFail: the failure is structural (bad local password); retrying
	// cannot help.
	AuthFail AuthAction = iota
	// AuthRefreshToken: obtain a fresh bearer token and retry once.
	AuthRefreshToken
)

// tokenSource is the cloud side of bearer auth, implemented by the
// Enlighten client.
type tokenSource interface {
	ObtainToken(ctx context.Context, serial string) (model.BearerCredential, error)
}

// credentialProvider supplies credentials for device requests and decides
// what a device-side 401 means. One provider is selected per session from
// the detected profile.
type credentialProvider interface {
	Credentials(ctx context.Context) (model.Credentials, error)
	HandleAuthFailure(statusCode int) AuthAction
	Refresh(ctx context.Context) (model.Credentials, error)
}

// basicProvider serves legacy and pre-7.x standard firmwares. The stock
// usernames envoy and installer pass through unchanged, empty passwords
// included.
type basicProvider struct {
	username string
	password string
}

func newBasicProvider(username, password string) *basicProvider {
	if username == "" {
		username = "envoy"
	}
	return &basicProvider{username: username, password: password}
}

func (p *basicProvider) Credentials(_ context.Context) (model.Credentials, error) {
	return model.BasicCredential{Username: p.username, Password: p.password}, nil
}

func (p *basicProvider) HandleAuthFailure(_ int) AuthAction {
	// a rejected local password is a configuration error, not refreshable.
	return AuthFail
}

func (p *basicProvider) Refresh(_ context.Context) (model.Credentials, error) {
	return nil, &model.AuthError{Kind: model.AuthBadCredentials, Err: fmt.Errorf("basic credentials cannot be refreshed")}
}

// bearerProvider serves 7.x+ firmwares. The live credential sits behind a
// mutex; a refresh is serialized so concurrent callers needing a token wait
// for the single in-flight exchange instead of issuing their own.
type bearerProvider struct {
	serial        string
	store         tokenstore.Store
	source        tokenSource
	refreshBuffer time.Duration
	onStatus      func(model.AuthStatus)
	logger        *zap.Logger

	mu          sync.Mutex
	live        *model.BearerCredential
	lastRefresh time.Time
}

func newBearerProvider(serial string, store tokenstore.Store, source tokenSource, onStatus func(model.AuthStatus)) *bearerProvider {
	if onStatus == nil {
		onStatus = func(model.AuthStatus) {}
	}
	return &bearerProvider{
		serial:        serial,
		store:         store,
		source:        source,
		refreshBuffer: time.Minute,
		onStatus:      onStatus,
		logger:        zap.L().Named("auth"),
	}
}

func (p *bearerProvider) Credentials(ctx context.Context) (model.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.live != nil && !p.expired(*p.live) {
		return *p.live, nil
	}

	// the store is the durable source of truth across restarts.
	cached, err := p.store.Load(ctx, p.serial)
	if err != nil {
		p.logger.Warn("token store read failed", zap.Error(err))
	}
	if cached != nil && !p.expired(*cached) {
		p.live = cached
		p.onStatus(model.AuthStatusValid)
		return *cached, nil
	}

	return p.refreshLocked(ctx)
}

func (p *bearerProvider) Refresh(ctx context.Context) (model.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// concurrent 401s from parallel endpoint fetches coalesce into the
	// refresh that already happened while this caller waited for the lock.
	if p.live != nil && time.Since(p.lastRefresh) < 5*time.Second {
		return *p.live, nil
	}
	return p.refreshLocked(ctx)
}

func (p *bearerProvider) refreshLocked(ctx context.Context) (model.Credentials, error) {
	p.onStatus(model.AuthStatusRefreshing)
	cred, err := p.source.ObtainToken(ctx, p.serial)
	if err != nil {
		p.onStatus(model.AuthStatusInvalid)
		return nil, err
	}
	p.live = &cred
	p.lastRefresh = time.Now()
	p.onStatus(model.AuthStatusValid)
	return cred, nil
}

func (p *bearerProvider) HandleAuthFailure(statusCode int) AuthAction {
	if statusCode == http.StatusUnauthorized {
		return AuthRefreshToken
	}
	return AuthFail
}

// expired prefers the exp claim inside the JWT itself, falling back to the
// expiry the cloud reported alongside the token. The signature is not
// verified; only the device can do that.
func (p *bearerProvider) expired(cred model.BearerCredential) bool {
	now := time.Now()
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(cred.Token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return !now.Add(p.refreshBuffer).Before(exp.Time)
		}
	}
	return cred.Expired(now, p.refreshBuffer)
}
