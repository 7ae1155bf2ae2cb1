package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

var configuredDevices = map[string]struct{}{}

func (s *service) Write(ctx context.Context, data []model.Property) error {
	for _, row := range data {
		if err := s.publishRow(row); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDevice publishes a retained device announcement so consumers that
// attach later still learn what gateway the state topics belong to.
func (s *service) RegisterDevice(profile *model.DeviceProfile) error {
	if _, exists := configuredDevices[profile.SerialNumber]; exists {
		return nil
	}

	topic := fmt.Sprintf("%s/%s/device", topicRoot, profile.SerialNumber)
	payload, err := json.Marshal(map[string]any{
		"serial_number":       profile.SerialNumber,
		"model":               profile.Model.String(),
		"firmware_generation": profile.FirmwareGeneration,
		"metering_enabled":    profile.MeteringEnabled,
		"manufacturer":        "Enphase",
	})
	if err != nil {
		return err
	}

	token := s.client.Publish(topic, 1, true, payload)
	if err := token.Error(); err != nil {
		return err
	}
	if res := token.WaitTimeout(time.Second * 5); res {
		configuredDevices[profile.SerialNumber] = struct{}{}
	}
	return nil
}

func (s *service) publishRow(row model.Property) error {
	topic := fmt.Sprintf("%s/%s/%s/state", topicRoot, row.Identifier, row.Slug)

	payload := map[string]string{
		"value": row.Value,
	}
	if row.Unit != "" {
		payload["unit_of_measurement"] = row.Unit
	}

	publishData, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	token := s.client.Publish(topic, 0, false, publishData)
	res := token.WaitTimeout(time.Second * 10)
	if res {
		return nil
	}
	if err := token.Error(); err != nil {
		return err
	}
	return nil
}
