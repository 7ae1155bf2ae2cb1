package model

type ModelTag string

func (m ModelTag) String() string {
	return string(m)
}

const (
	// ModelMetered is an Envoy-S with consumption CTs, served by production.json.
	ModelMetered ModelTag = "metered"
	// ModelStandard is a production-only Envoy served by /api/v1/production.
	ModelStandard ModelTag = "standard"
	// ModelLegacy is an ancient Envoy that only exposes the /production HTML page.
	ModelLegacy ModelTag = "legacy"
)

// DeviceProfile classifies the gateway generation and capability. It is built
// once per session by detection and replaced wholesale on re-detection.
type DeviceProfile struct {
	Model              ModelTag
	SerialNumber       string
	FirmwareGeneration int
	MeteringEnabled    bool
	SupportsMetering   bool
	SupportsBatteries  bool
	SupportsGridStatus bool
}

// TokenAuth reports whether the firmware generation requires Enlighten
// bearer tokens instead of local basic/digest credentials.
func (p DeviceProfile) TokenAuth() bool {
	return p.FirmwareGeneration >= 7
}

type EndpointKind string

func (e EndpointKind) String() string {
	return string(e)
}

const (
	EndpointProductionJSON    EndpointKind = "production_json"
	EndpointProductionV1      EndpointKind = "production_v1"
	EndpointProductionLegacy  EndpointKind = "production_legacy"
	EndpointInverters         EndpointKind = "inverters"
	EndpointEnsembleInventory EndpointKind = "ensemble_inventory"
	EndpointHomeJSON          EndpointKind = "home_json"
)

// EndpointRequest is one device URL fetched during a poll cycle. Required
// endpoints failing fail the whole cycle; optional ones degrade to
// unavailable data.
type EndpointRequest struct {
	Kind     EndpointKind
	Path     string
	Required bool
}

type AuthStatus string

const (
	AuthStatusValid      AuthStatus = "valid"
	AuthStatusRefreshing AuthStatus = "refreshing"
	AuthStatusInvalid    AuthStatus = "invalid"
)

type GridStatus string

const (
	GridStatusUp      GridStatus = "up"
	GridStatusDown    GridStatus = "down"
	GridStatusUnknown GridStatus = "unknown"
)
