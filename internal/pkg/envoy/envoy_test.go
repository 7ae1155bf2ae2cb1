package envoy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anicoll/envoy-integration/internal/pkg/config"
	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

const testInfoXML = `<?xml version="1.0" encoding="UTF-8"?>
<envoy_info>
  <device>
    <sn>122212345678</sn>
    <software>D7.0.88</software>
  </device>
</envoy_info>`

func testConfig(host string) config.EnvoyConfig {
	return config.EnvoyConfig{
		Host:           host,
		Serial:         "122212345678",
		PollInterval:   5 * time.Second,
		RequestTimeout: 2 * time.Second,
		RetryCount:     1,
		RetryDelay:     0,
		CycleDeadline:  10 * time.Second,
	}
}

// newTestService points a service at an httptest device instead of a LAN
// address.
func newTestService(t *testing.T, srv *httptest.Server) *service {
	t.Helper()
	u := srv.Listener.Addr().String()
	s := New(testConfig(u), newTestStore(t))
	s.baseURL = srv.URL
	s.client = srv.Client()
	s.digestClient = srv.Client()
	s.logger = zaptest.NewLogger(t)
	s.provider = newBasicProvider("envoy", "345678")
	return s
}

func meteredDeviceMux(t *testing.T) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/info.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testInfoXML))
	})
	mux.HandleFunc("/production.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(meteredProductionJSON))
	})
	mux.HandleFunc("/api/v1/production", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"wattsNow": 1234, "wattHoursToday": 5000, "wattHoursSevenDays": 35000, "wattHoursLifetime": 1000000}`))
	})
	mux.HandleFunc("/api/v1/production/inverters", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"serialNumber": "INV1", "lastReportDate": 1700000000, "lastReportWatts": 250}]`))
	})
	mux.HandleFunc("/ivp/ensemble/inventory", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"type": "ENCHARGE", "devices": [{"serial_num": "B1", "percent_full": 75, "encharge_capacity": 3500}]}]`))
	})
	mux.HandleFunc("/home.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"enpower": {"grid_status": "closed"}}`))
	})
	return mux
}

func TestDetect_Metered(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(meteredDeviceMux(t))
	defer srv.Close()

	s := newTestService(t, srv)
	profile, err := s.detect(context.Background(), s.provider)
	require.NoError(t, err)

	assert.Equal(t, model.ModelMetered, profile.Model)
	assert.Equal(t, "122212345678", profile.SerialNumber)
	assert.Equal(t, 7, profile.FirmwareGeneration)
	assert.True(t, profile.TokenAuth())
	assert.True(t, profile.MeteringEnabled)
	assert.True(t, profile.SupportsBatteries)
}

func TestDetect_StandardFallsBackToV1(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/info.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<envoy_info><device><sn>121812340000</sn><software>R4.10.35</software></device></envoy_info>`))
	})
	mux.HandleFunc("/api/v1/production", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"wattsNow": 500, "wattHoursLifetime": 20000}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestService(t, srv)
	profile, err := s.detect(context.Background(), s.provider)
	require.NoError(t, err)

	assert.Equal(t, model.ModelStandard, profile.Model)
	assert.Equal(t, 4, profile.FirmwareGeneration)
	assert.False(t, profile.TokenAuth())
	assert.False(t, profile.SupportsBatteries)
}

func TestDetect_LegacyHTML(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/info.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<envoy_info><device><sn>100912340000</sn><software>R3.8.2</software></device></envoy_info>`))
	})
	mux.HandleFunc("/production", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><table>
			<tr><td>Currently</td>
			<td> 2.1 kW</td></tr>
			<tr><td>Today</td>
			<td> 5 kWh</td></tr>
			<tr><td>Past Week</td>
			<td> 40 kWh</td></tr>
			<tr><td>Since Installation</td>
			<td> 2.5 MWh</td></tr>
			</table></body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestService(t, srv)
	profile, err := s.detect(context.Background(), s.provider)
	require.NoError(t, err)
	assert.Equal(t, model.ModelLegacy, profile.Model)
}

func TestDetect_NothingAnswers(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/info.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testInfoXML))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestService(t, srv)
	_, err := s.detect(context.Background(), s.provider)
	assert.ErrorIs(t, err, model.ErrDetection)
}

func TestPoll_MeteredHappyPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(meteredDeviceMux(t))
	defer srv.Close()

	s := newTestService(t, srv)
	profile := model.DeviceProfile{
		Model:              model.ModelMetered,
		SerialNumber:       "122212345678",
		FirmwareGeneration: 7,
		MeteringEnabled:    true,
		SupportsBatteries:  true,
		SupportsGridStatus: true,
	}
	s.profile = &profile

	result, ran := s.Poll(context.Background())
	require.True(t, ran)
	assert.Equal(t, model.PollSuccess, result.Outcome)

	snap := result.Snapshot
	require.NotNil(t, snap)
	assert.Equal(t, 1234.5, *snap.Production.CurrentW)
	require.NotNil(t, snap.Consumption)
	require.NotNil(t, snap.GridStatus)
	assert.Equal(t, model.GridStatusUp, *snap.GridStatus)
	require.Len(t, snap.Inverters, 1)
	assert.Equal(t, "INV1", snap.Inverters[0].Serial)
	require.Len(t, snap.Batteries, 1)

	assert.Equal(t, profile, *s.Profile())
	assert.Equal(t, result, *s.LatestResult())
}

func TestPoll_OptionalFailureIsPartial(t *testing.T) {
	t.Parallel()

	// the battery endpoint failing must not cost the production data.
	mux := http.NewServeMux()
	mux.HandleFunc("/ivp/ensemble/inventory", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.Handle("/", meteredDeviceMux(t))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestService(t, srv)
	s.profile = &model.DeviceProfile{
		Model:             model.ModelMetered,
		MeteringEnabled:   true,
		SupportsBatteries: true,
	}

	result, ran := s.Poll(context.Background())
	require.True(t, ran)
	assert.Equal(t, model.PollPartialFailure, result.Outcome)

	require.NotNil(t, result.Snapshot)
	assert.NotNil(t, result.Snapshot.Production.CurrentW)
	assert.Empty(t, result.Snapshot.Batteries)
	require.NotEmpty(t, result.EndpointErrors)
	assert.Equal(t, model.EndpointEnsembleInventory, result.EndpointErrors[0].Kind)
}

func TestPoll_RequiredFailureIsTotal(t *testing.T) {
	t.Parallel()

	var productionHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/production.json", func(w http.ResponseWriter, r *http.Request) {
		productionHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestService(t, srv)
	s.profile = &model.DeviceProfile{Model: model.ModelMetered, MeteringEnabled: true}

	result, ran := s.Poll(context.Background())
	require.True(t, ran)
	assert.Equal(t, model.PollTotalFailure, result.Outcome)
	assert.Nil(t, result.Snapshot)

	var fetchErr *model.FetchError
	require.ErrorAs(t, result.FailureReason, &fetchErr)
	assert.Equal(t, model.FetchHTTP5xx, fetchErr.Kind)
	// the retry budget is attempts = retry count + 1.
	assert.Equal(t, int64(2), productionHits.Load())
}

func TestPoll_CycleDeadlineDiscardsCompletedData(t *testing.T) {
	t.Parallel()

	mux := meteredDeviceMux(t)
	slow := http.NewServeMux()
	slow.HandleFunc("/home.json", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(`{"enpower": {"grid_status": "closed"}}`))
	})
	slow.Handle("/", mux)
	srv := httptest.NewServer(slow)
	defer srv.Close()

	s := newTestService(t, srv)
	s.cfg.CycleDeadline = 100 * time.Millisecond
	s.profile = &model.DeviceProfile{
		Model:              model.ModelMetered,
		MeteringEnabled:    true,
		SupportsBatteries:  true,
		SupportsGridStatus: true,
	}

	result, ran := s.Poll(context.Background())
	require.True(t, ran)
	assert.Equal(t, model.PollTotalFailure, result.Outcome)
	assert.ErrorIs(t, result.FailureReason, model.ErrCycleTimeout)
	// endpoints that finished before the deadline are discarded with the rest.
	assert.Nil(t, result.Snapshot)
}

func TestPoll_Bearer401TriggersSingleRefresh(t *testing.T) {
	t.Parallel()

	var refreshes atomic.Int64
	source := &mockTokenSource{
		obtainFunc: func(ctx context.Context, serial string) (model.BearerCredential, error) {
			refreshes.Add(1)
			return model.BearerCredential{
				Token:        "fresh-token",
				SerialNumber: serial,
				ExpiresAt:    time.Now().Add(12 * time.Hour),
			}, nil
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/production", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"wattsNow": 900, "wattHoursLifetime": 100000}`))
	})
	mux.HandleFunc("/api/v1/production/inverters", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestService(t, srv)
	store := newTestStore(t)
	stale := model.BearerCredential{
		Token:        "stale-token",
		SerialNumber: "122212345678",
		ExpiresAt:    time.Now().Add(time.Hour), // looks valid, device disagrees
	}
	require.NoError(t, store.Save(context.Background(), stale))
	s.provider = newBearerProvider("122212345678", store, source, nil)
	s.profile = &model.DeviceProfile{Model: model.ModelStandard, FirmwareGeneration: 7}

	result, ran := s.Poll(context.Background())
	require.True(t, ran)
	assert.Equal(t, model.PollSuccess, result.Outcome)
	assert.Equal(t, int64(1), refreshes.Load(), "parallel 401s must share one token exchange")
}

func TestPoll_NeverOverlaps(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(meteredDeviceMux(t))
	defer srv.Close()

	s := newTestService(t, srv)
	s.profile = &model.DeviceProfile{Model: model.ModelStandard}

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	_, ran := s.Poll(context.Background())
	assert.False(t, ran, "a cycle arriving while one runs must be skipped, not queued")
}

func TestBasicAuth401IsTerminal(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/production", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestService(t, srv)
	s.profile = &model.DeviceProfile{Model: model.ModelStandard, FirmwareGeneration: 7}

	result, ran := s.Poll(context.Background())
	require.True(t, ran)
	assert.Equal(t, model.PollTotalFailure, result.Outcome)

	var authErr *model.AuthError
	require.ErrorAs(t, result.FailureReason, &authErr)
	assert.Equal(t, model.AuthBadCredentials, authErr.Kind)
}

func TestAuthenticate_BearerUsesCachedToken(t *testing.T) {
	t.Parallel()

	cfg := testConfig("127.0.0.1:1")
	cfg.UseOwnerToken = true
	cfg.EnlightenUser = "owner@example.com"
	cfg.EnlightenPass = "hunter2"

	store := newTestStore(t)
	cached := model.BearerCredential{
		Token:        "cached-token",
		SerialNumber: cfg.Serial,
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Save(context.Background(), cached))

	s := New(cfg, store)
	s.logger = zaptest.NewLogger(t)
	assert.Equal(t, model.AuthStatusInvalid, s.AuthStatus(), "nothing is valid before the first check")

	// priming must complete on its own: the status callback takes the
	// service mutex, so Authenticate cannot hold it across the call.
	done := make(chan error, 1)
	go func() { done <- s.Authenticate(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Authenticate did not return with a cached token available")
	}

	assert.Equal(t, model.AuthStatusValid, s.AuthStatus())
	creds, err := s.provider.Credentials(context.Background())
	require.NoError(t, err)
	bearer, ok := creds.(model.BearerCredential)
	require.True(t, ok, "owner-token configuration must select bearer auth")
	assert.Equal(t, "cached-token", bearer.Token)
}

func TestAuthenticate_BasicReportsValid(t *testing.T) {
	t.Parallel()

	s := New(testConfig("127.0.0.1:1"), newTestStore(t))
	s.logger = zaptest.NewLogger(t)
	assert.Equal(t, model.AuthStatusInvalid, s.AuthStatus())

	require.NoError(t, s.Authenticate(context.Background()))
	assert.Equal(t, model.AuthStatusValid, s.AuthStatus())
}
