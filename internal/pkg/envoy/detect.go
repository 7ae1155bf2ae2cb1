package envoy

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

type infoDoc struct {
	XMLName xml.Name `xml:"envoy_info"`
	Device  struct {
		Serial   string `xml:"sn"`
		Software string `xml:"software"`
	} `xml:"device"`
}

var firmwareMajorRe = regexp.MustCompile(`(\d+)\.`)

// detect probes the device most-capable-first and locks in a profile for the
// session. The probe order mirrors what the firmware families actually serve:
// metered firmwares answer production.json with meter blocks, standard
// model-S answers the v1 API, and the oldest units only render the legacy
// production page.
func (s *service) detect(ctx context.Context, provider credentialProvider) (model.DeviceProfile, error) {
	serial, generation, err := s.readInfo(ctx)
	if err != nil {
		return model.DeviceProfile{}, fmt.Errorf("%w: %s", model.ErrDetection, err)
	}

	profile := model.DeviceProfile{
		SerialNumber:       serial,
		FirmwareGeneration: generation,
	}

	if body, err := s.probe(ctx, provider, "/production.json?details=1"); err == nil {
		if doc, perr := parseProductionJSON(body); perr == nil && doc.hasProductionAndConsumption() {
			profile.Model = model.ModelMetered
			profile.SupportsMetering = true
			profile.MeteringEnabled = doc.meteringEnabled()
			profile.SupportsBatteries = s.probeOK(ctx, provider, "/ivp/ensemble/inventory")
			profile.SupportsGridStatus = profile.SupportsBatteries
			s.logger.Info("device detected",
				zap.String("model", profile.Model.String()),
				zap.String("serial", serial),
				zap.Int("firmware_generation", generation),
				zap.Bool("metering_enabled", profile.MeteringEnabled))
			return profile, nil
		}
	}

	if body, err := s.probe(ctx, provider, "/api/v1/production"); err == nil {
		if _, perr := parseProductionV1(body); perr == nil {
			profile.Model = model.ModelStandard
			s.logger.Info("device detected",
				zap.String("model", profile.Model.String()),
				zap.String("serial", serial),
				zap.Int("firmware_generation", generation))
			return profile, nil
		}
	}

	if body, err := s.probe(ctx, provider, "/production"); err == nil {
		if _, perr := scrapeLegacyValue(legacyCurrentRe, string(body)); perr == nil {
			profile.Model = model.ModelLegacy
			s.logger.Info("device detected",
				zap.String("model", profile.Model.String()),
				zap.String("serial", serial))
			return profile, nil
		}
	}

	return model.DeviceProfile{}, fmt.Errorf("%w: no production endpoint answered with a recognized shape", model.ErrDetection)
}

// readInfo fetches /info.xml, which is served unauthenticated on every
// firmware family.
func (s *service) readInfo(ctx context.Context) (serial string, generation int, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.baseURL+"/info.xml", nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("info.xml returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}

	var doc infoDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return "", 0, fmt.Errorf("info.xml parse: %w", err)
	}
	if doc.Device.Serial == "" {
		return "", 0, fmt.Errorf("info.xml missing serial number")
	}

	if m := firmwareMajorRe.FindStringSubmatch(doc.Device.Software); m != nil {
		generation, _ = strconv.Atoi(m[1])
	}
	return doc.Device.Serial, generation, nil
}

// probe shares the poll cycle's retry budget; a rebooting device should not
// be classified off a single dropped request.
func (s *service) probe(ctx context.Context, provider credentialProvider, path string) ([]byte, error) {
	ep := model.EndpointRequest{Kind: model.EndpointKind("probe"), Path: path, Required: false}
	return s.fetchWithRetry(ctx, model.DeviceProfile{FirmwareGeneration: 7}, ep, provider)
}

func (s *service) probeOK(ctx context.Context, provider credentialProvider, path string) bool {
	body, err := s.probe(ctx, provider, path)
	if err != nil {
		return false
	}
	entries, err := parseEnsembleInventory(body)
	return err == nil && len(entries) > 0
}

// endpointsFor maps a locked-in profile to the set of endpoints each poll
// cycle fetches. Required endpoints decide cycle success; optional ones
// only degrade the snapshot.
func endpointsFor(profile model.DeviceProfile) []model.EndpointRequest {
	switch profile.Model {
	case model.ModelMetered:
		endpoints := []model.EndpointRequest{
			{Kind: model.EndpointProductionJSON, Path: "/production.json?details=1", Required: true},
		}
		if !profile.MeteringEnabled {
			// without enabled CTs the meter blocks carry no energy counters,
			// so the v1 totals fill them in.
			endpoints = append(endpoints, model.EndpointRequest{
				Kind: model.EndpointProductionV1, Path: "/api/v1/production", Required: true,
			})
		}
		endpoints = append(endpoints, model.EndpointRequest{
			Kind: model.EndpointInverters, Path: "/api/v1/production/inverters", Required: false,
		})
		if profile.SupportsBatteries {
			endpoints = append(endpoints,
				model.EndpointRequest{Kind: model.EndpointEnsembleInventory, Path: "/ivp/ensemble/inventory", Required: false},
				model.EndpointRequest{Kind: model.EndpointHomeJSON, Path: "/home.json", Required: false},
			)
		}
		return endpoints
	case model.ModelStandard:
		return []model.EndpointRequest{
			{Kind: model.EndpointProductionV1, Path: "/api/v1/production", Required: true},
			{Kind: model.EndpointInverters, Path: "/api/v1/production/inverters", Required: false},
		}
	default:
		return []model.EndpointRequest{
			{Kind: model.EndpointProductionLegacy, Path: "/production", Required: true},
		}
	}
}
