package envoy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
	"github.com/anicoll/envoy-integration/internal/pkg/tokenstore"
)

const (
	// Enlighten is the vendor cloud. Login establishes a web session; the
	// session is then exchanged for a device-scoped bearer token.
	defaultEnlightenBaseURL = "https://enlighten.enphaseenergy.com"

	loginPath = "/login/login.json"
	tokenPath = "/entrez-auth-token"
)

type loginResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type tokenResponse struct {
	Token          string `json:"token"`
	ExpiresAt      int64  `json:"expires_at"`
	GenerationTime int64  `json:"generation_time"`
}

// enlightenClient obtains device-scoped bearer tokens from the Enlighten
// cloud. Tokens are written through to the store before being returned.
type enlightenClient struct {
	baseURL  string
	username string
	password string
	store    tokenstore.Store
	client   *http.Client
	logger   *zap.Logger
}

func newEnlightenClient(username, password string, store tokenstore.Store) *enlightenClient {
	return &enlightenClient{
		baseURL:  defaultEnlightenBaseURL,
		username: username,
		password: password,
		store:    store,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   zap.L().Named("enlighten"),
	}
}

// ObtainToken runs the two-step exchange. Bad credentials and serial
// mismatches surface immediately; the cloud service being saturated is
// retried with backoff for as long as the context lives.
func (c *enlightenClient) ObtainToken(ctx context.Context, serial string) (model.BearerCredential, error) {
	var cred model.BearerCredential

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 5 * time.Minute
	policy.MaxElapsedTime = 0 // the cloud service is known to saturate; keep trying.

	operation := func() error {
		obtained, err := c.obtainOnce(ctx, serial)
		if err != nil {
			var authErr *model.AuthError
			if errors.As(err, &authErr) && authErr.Terminal() {
				return backoff.Permanent(err)
			}
			c.logger.Warn("token exchange failed, will retry", zap.Error(err))
			return err
		}
		cred = obtained
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return model.BearerCredential{}, err
	}

	if err := c.store.Save(ctx, cred); err != nil {
		// a failed write-through costs one extra exchange after restart.
		c.logger.Warn("failed to persist token", zap.Error(err))
	}
	return cred, nil
}

func (c *enlightenClient) obtainOnce(ctx context.Context, serial string) (model.BearerCredential, error) {
	session, err := c.login(ctx)
	if err != nil {
		return model.BearerCredential{}, err
	}
	return c.exchangeToken(ctx, serial, session)
}

// login returns the session cookies from the login response. They are
// carried to the exchange request explicitly; a cookie jar would scope
// them to the login path and never replay them on /entrez-auth-token.
func (c *enlightenClient) login(ctx context.Context) ([]*http.Cookie, error) {
	form := url.Values{}
	form.Set("user[email]", c.username)
	form.Set("user[password]", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &model.AuthError{Kind: model.AuthServiceUnavailable, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &model.AuthError{Kind: model.AuthBadCredentials, Err: fmt.Errorf("enlighten login rejected")}
	case resp.StatusCode >= 500:
		return nil, &model.AuthError{Kind: model.AuthServiceUnavailable, Err: fmt.Errorf("enlighten login status %d", resp.StatusCode)}
	default:
		return nil, &model.AuthError{Kind: model.AuthBadCredentials, Err: fmt.Errorf("enlighten login status %d", resp.StatusCode)}
	}

	login := loginResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return nil, &model.AuthError{Kind: model.AuthServiceUnavailable, Err: err}
	}
	c.logger.Debug("enlighten session established", zap.String("session_id", login.SessionID))
	return resp.Cookies(), nil
}

func (c *enlightenClient) exchangeToken(ctx context.Context, serial string, session []*http.Cookie) (model.BearerCredential, error) {
	tokenURL := fmt.Sprintf("%s%s?serial_num=%s", c.baseURL, tokenPath, url.QueryEscape(serial))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return model.BearerCredential{}, err
	}
	for _, cookie := range session {
		req.AddCookie(cookie)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return model.BearerCredential{}, &model.AuthError{Kind: model.AuthServiceUnavailable, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		// a fresh session was just established; its rejection will not heal
		// on retry.
		return model.BearerCredential{}, &model.AuthError{
			Kind: model.AuthBadCredentials,
			Err:  fmt.Errorf("session rejected at token exchange"),
		}
	case resp.StatusCode == http.StatusForbidden:
		return model.BearerCredential{}, &model.AuthError{
			Kind: model.AuthSerialMismatch,
			Err:  fmt.Errorf("account has no access to serial %s", serial),
		}
	case resp.StatusCode >= 500:
		return model.BearerCredential{}, &model.AuthError{
			Kind: model.AuthServiceUnavailable,
			Err:  fmt.Errorf("token exchange status %d", resp.StatusCode),
		}
	default:
		return model.BearerCredential{}, &model.AuthError{
			Kind: model.AuthBadCredentials,
			Err:  fmt.Errorf("token exchange status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.BearerCredential{}, &model.AuthError{Kind: model.AuthServiceUnavailable, Err: err}
	}
	token := tokenResponse{}
	if err := json.Unmarshal(body, &token); err != nil || token.Token == "" {
		return model.BearerCredential{}, &model.AuthError{
			Kind: model.AuthServiceUnavailable,
			Err:  fmt.Errorf("unexpected token response"),
		}
	}

	issued := time.Now()
	if token.GenerationTime > 0 {
		issued = time.Unix(token.GenerationTime, 0)
	}
	// expiry comes from the service: about a year for owner accounts, hours
	// for installer accounts.
	cred := model.BearerCredential{
		Token:        token.Token,
		SerialNumber: serial,
		IssuedAt:     issued,
		ExpiresAt:    time.Unix(token.ExpiresAt, 0),
	}
	c.logger.Info("obtained device token",
		zap.String("serial", serial), zap.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}
