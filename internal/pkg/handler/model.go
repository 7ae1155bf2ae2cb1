package handler

import (
	"time"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

type profileResponse struct {
	Model              string `json:"model"`
	SerialNumber       string `json:"serial_number"`
	FirmwareGeneration int    `json:"firmware_generation"`
	MeteringEnabled    bool   `json:"metering_enabled"`
	SupportsBatteries  bool   `json:"supports_batteries"`
	SupportsGridStatus bool   `json:"supports_grid_status"`
}

type authStatusResponse struct {
	Status model.AuthStatus `json:"status"`
}

type pollResponse struct {
	Outcome   model.PollOutcome      `json:"outcome"`
	Snapshot  *model.MetricsSnapshot `json:"snapshot,omitempty"`
	Errors    []string               `json:"errors,omitempty"`
	FailedFor string                 `json:"failure_reason,omitempty"`
}

type historyQuery struct {
	Identifier string
	Slug       string
	From       *time.Time
	To         *time.Time
}
