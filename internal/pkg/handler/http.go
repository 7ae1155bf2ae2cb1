package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

type envoyService interface {
	Profile() *model.DeviceProfile
	AuthStatus() model.AuthStatus
	LatestResult() *model.PollResult
}

type historyReader interface {
	GetProperties(ctx context.Context, identifier, slug string, from, to *time.Time) (model.Properties, error)
}

// Profile serves the device profile locked in at detection.
func Profile(envoy envoyService) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		profile := envoy.Profile()
		if profile == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("device not yet detected"))
			return
		}
		writeJSON(w, profileResponse{
			Model:              profile.Model.String(),
			SerialNumber:       profile.SerialNumber,
			FirmwareGeneration: profile.FirmwareGeneration,
			MeteringEnabled:    profile.MeteringEnabled,
			SupportsBatteries:  profile.SupportsBatteries,
			SupportsGridStatus: profile.SupportsGridStatus,
		})
	}
}

// AuthStatus reports the credential state the auth strategy last published.
func AuthStatus(envoy envoyService) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, authStatusResponse{Status: envoy.AuthStatus()})
	}
}

// LatestPoll serves the result of the most recent poll cycle.
func LatestPoll(envoy envoyService) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		result := envoy.LatestResult()
		if result == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("no poll cycle has completed yet"))
			return
		}

		resp := pollResponse{
			Outcome:  result.Outcome,
			Snapshot: result.Snapshot,
		}
		for _, epErr := range result.EndpointErrors {
			resp.Errors = append(resp.Errors, epErr.Err.Error())
		}
		if result.FailureReason != nil {
			resp.FailedFor = result.FailureReason.Error()
		}
		writeJSON(w, resp)
	}
}

// History serves stored sensor rows for one identifier/slug pair.
func History(db historyReader) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseHistoryQuery(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(err.Error()))
			return
		}

		properties, err := db.GetProperties(r.Context(), q.Identifier, q.Slug, q.From, q.To)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, properties)
	}
}

func Healthz() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func parseHistoryQuery(r *http.Request) (historyQuery, error) {
	q := historyQuery{
		Identifier: r.URL.Query().Get("identifier"),
		Slug:       r.URL.Query().Get("slug"),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return q, err
		}
		q.From = &t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return q, err
		}
		q.To = &t
	}
	return q, nil
}

func writeJSON(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func handleError(w http.ResponseWriter, err error) {
	zap.L().Error("request failed", zap.Error(err))
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(err.Error()))
}
