package envoy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

// Lifetime production counters on some firmwares wrap near these values.
// The raw counter is surfaced unmodified; correcting it here would hide the
// device quirk from downstream consumers.
const (
	rolloverUnmeteredWh = 1_190_000
	rolloverMeteredWh   = 1_920_000
)

// production.json document, shared by the metered probe and the metered poll
// cycle. Counter fields are pointers so a missing key stays distinguishable
// from a reported zero.
type productionDoc struct {
	Production  []measurementBlock `json:"production"`
	Consumption []measurementBlock `json:"consumption"`
	Storage     []storageBlock     `json:"storage"`
}

type measurementBlock struct {
	Type            string     `json:"type"`
	ActiveCount     int        `json:"activeCount"`
	MeasurementType string     `json:"measurementType"`
	ReadingTime     int64      `json:"readingTime"`
	WNow            *float64   `json:"wNow"`
	WhToday         *float64   `json:"whToday"`
	WhLastSevenDays *float64   `json:"whLastSevenDays"`
	WhLifetime      *float64   `json:"whLifetime"`
	Lines           []lineData `json:"lines"`
}

type lineData struct {
	WNow            *float64 `json:"wNow"`
	WhToday         *float64 `json:"whToday"`
	WhLastSevenDays *float64 `json:"whLastSevenDays"`
	WhLifetime      *float64 `json:"whLifetime"`
}

type storageBlock struct {
	Type        string   `json:"type"`
	ActiveCount int      `json:"activeCount"`
	PercentFull *float64 `json:"percentFull"`
	WhNow       *float64 `json:"whNow"`
	State       string   `json:"state"`
}

// /api/v1/production document served by standard and unmetered model-S
// devices.
type productionV1Doc struct {
	WattsNow           *float64 `json:"wattsNow"`
	WattHoursToday     *float64 `json:"wattHoursToday"`
	WattHoursSevenDays *float64 `json:"wattHoursSevenDays"`
	WattHoursLifetime  *float64 `json:"wattHoursLifetime"`
}

type inverterEntry struct {
	SerialNumber    string  `json:"serialNumber"`
	LastReportDate  int64   `json:"lastReportDate"`
	LastReportWatts float64 `json:"lastReportWatts"`
}

type ensembleEntry struct {
	Type    string           `json:"type"`
	Devices []ensembleDevice `json:"devices"`
}

type ensembleDevice struct {
	SerialNum        string   `json:"serial_num"`
	PercentFull      *float64 `json:"percent_full"`
	EnchargeCapacity *float64 `json:"encharge_capacity"`
}

type homeDoc struct {
	Enpower *struct {
		GridStatus string `json:"grid_status"`
	} `json:"enpower"`
}

func parseProductionJSON(body []byte) (*productionDoc, error) {
	doc := productionDoc{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, model.ErrUnrecognizedShape
	}
	if len(doc.Production) == 0 {
		return nil, model.ErrUnrecognizedShape
	}
	return &doc, nil
}

// hasProductionAndConsumption is the structural signature of a metered-capable
// model-S response.
func (d *productionDoc) hasProductionAndConsumption() bool {
	return len(d.Production) > 0 && len(d.Consumption) > 0
}

// meteringEnabled reports whether production CTs are actually installed, i.e.
// the eim block has an active count above zero.
func (d *productionDoc) meteringEnabled() bool {
	eim, ok := lo.Find(d.Production, func(b measurementBlock) bool {
		return b.Type == "eim"
	})
	return ok && eim.ActiveCount > 0
}

func parseProductionV1(body []byte) (*productionV1Doc, error) {
	doc := productionV1Doc{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, model.ErrUnrecognizedShape
	}
	if doc.WattsNow == nil && doc.WattHoursLifetime == nil {
		return nil, model.ErrUnrecognizedShape
	}
	return &doc, nil
}

func parseInverters(body []byte) ([]inverterEntry, error) {
	entries := []inverterEntry{}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, model.ErrUnrecognizedShape
	}
	return entries, nil
}

func parseEnsembleInventory(body []byte) ([]ensembleEntry, error) {
	entries := []ensembleEntry{}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, model.ErrUnrecognizedShape
	}
	return entries, nil
}

func parseHomeJSON(body []byte) (*homeDoc, error) {
	doc := homeDoc{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, model.ErrUnrecognizedShape
	}
	return &doc, nil
}

// Legacy firmware only serves an HTML status page. The values carry a unit
// suffix that needs scaling back to W/Wh.
var (
	legacyCurrentRe  = regexp.MustCompile(`<td>Currentl.*</td>\s+<td>\s*(\d+|\d+\.\d+)\s*(W|kW|MW)</td>`)
	legacyTodayRe    = regexp.MustCompile(`<td>Today</td>\s+<td>\s*(\d+|\d+\.\d+)\s*(Wh|kWh|MWh)</td>`)
	legacyWeekRe     = regexp.MustCompile(`<td>Past Week</td>\s+<td>\s*(\d+|\d+\.\d+)\s*(Wh|kWh|MWh)</td>`)
	legacyLifetimeRe = regexp.MustCompile(`<td>Since Installation</td>\s+<td>\s*(\d+|\d+\.\d+)\s*(Wh|kWh|MWh)</td>`)
)

type legacyProduction struct {
	CurrentW   float64
	TodayWh    float64
	SevenDayWh float64
	LifetimeWh float64
}

func parseLegacyProduction(body []byte) (*legacyProduction, error) {
	text := string(body)

	current, err := scrapeLegacyValue(legacyCurrentRe, text)
	if err != nil {
		return nil, err
	}
	today, err := scrapeLegacyValue(legacyTodayRe, text)
	if err != nil {
		return nil, err
	}
	week, err := scrapeLegacyValue(legacyWeekRe, text)
	if err != nil {
		return nil, err
	}
	lifetime, err := scrapeLegacyValue(legacyLifetimeRe, text)
	if err != nil {
		return nil, err
	}

	return &legacyProduction{
		CurrentW:   current,
		TodayWh:    today,
		SevenDayWh: week,
		LifetimeWh: lifetime,
	}, nil
}

func scrapeLegacyValue(re *regexp.Regexp, text string) (float64, error) {
	match := re.FindStringSubmatch(text)
	if match == nil {
		return 0, model.ErrUnrecognizedShape
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, model.ErrUnrecognizedShape
	}
	switch match[2] {
	case "kW", "kWh":
		value *= 1_000
	case "MW", "MWh":
		value *= 1_000_000
	}
	return value, nil
}

// normalize merges the raw per-endpoint bodies of one cycle into a snapshot.
// Parse failures degrade that endpoint's fields to unavailable and are
// reported alongside the snapshot.
func normalize(raws map[model.EndpointKind][]byte, profile model.DeviceProfile, now time.Time, logger *zap.Logger) (*model.MetricsSnapshot, []model.EndpointError) {
	snap := &model.MetricsSnapshot{Timestamp: now}
	var parseErrs []model.EndpointError

	record := func(kind model.EndpointKind, err error) {
		logger.Warn("endpoint response not normalized",
			zap.String("endpoint", kind.String()), zap.Error(err))
		parseErrs = append(parseErrs, model.EndpointError{Kind: kind, Err: err})
	}

	if body, ok := raws[model.EndpointProductionJSON]; ok {
		doc, err := parseProductionJSON(body)
		if err != nil {
			record(model.EndpointProductionJSON, err)
		} else {
			applyProductionJSON(snap, doc, profile, logger)
		}
	}

	if body, ok := raws[model.EndpointProductionV1]; ok {
		doc, err := parseProductionV1(body)
		if err != nil {
			record(model.EndpointProductionV1, err)
		} else {
			applyProductionV1(snap, doc, logger)
		}
	}

	if body, ok := raws[model.EndpointProductionLegacy]; ok {
		legacy, err := parseLegacyProduction(body)
		if err != nil {
			record(model.EndpointProductionLegacy, err)
		} else {
			snap.Production = model.EnergyTotals{
				CurrentW:   &legacy.CurrentW,
				TodayWh:    &legacy.TodayWh,
				SevenDayWh: &legacy.SevenDayWh,
				LifetimeWh: &legacy.LifetimeWh,
			}
		}
	}

	if body, ok := raws[model.EndpointInverters]; ok {
		entries, err := parseInverters(body)
		if err != nil {
			record(model.EndpointInverters, err)
		} else {
			for _, entry := range entries {
				snap.Inverters = append(snap.Inverters, model.InverterReading{
					Serial:     entry.SerialNumber,
					CurrentW:   entry.LastReportWatts,
					LastReport: time.Unix(entry.LastReportDate, 0),
				})
			}
		}
	}

	if body, ok := raws[model.EndpointEnsembleInventory]; ok {
		entries, err := parseEnsembleInventory(body)
		if err != nil {
			record(model.EndpointEnsembleInventory, err)
		} else {
			applyEnsemble(snap, entries)
		}
	}

	if body, ok := raws[model.EndpointHomeJSON]; ok {
		doc, err := parseHomeJSON(body)
		if err != nil {
			record(model.EndpointHomeJSON, err)
		} else {
			status := gridStatusFrom(doc)
			snap.GridStatus = &status
		}
	}

	return snap, parseErrs
}

func applyProductionJSON(snap *model.MetricsSnapshot, doc *productionDoc, profile model.DeviceProfile, logger *zap.Logger) {
	blockType := "inverters"
	if profile.MeteringEnabled {
		blockType = "eim"
	}
	block, ok := lo.Find(doc.Production, func(b measurementBlock) bool {
		return b.Type == blockType
	})
	if ok {
		// on unmetered model-S devices the energy counters come from
		// /api/v1/production instead; only take what this block reports.
		mergeTotals(&snap.Production, totalsFrom(block))
		if profile.MeteringEnabled {
			snap.ProductionPhases = phasesFrom(block.Lines)
			warnNearRollover(snap.Production.LifetimeWh, rolloverMeteredWh, logger)
		} else {
			warnNearRollover(snap.Production.LifetimeWh, rolloverUnmeteredWh, logger)
		}
	}

	// consumption only exists when CTs are configured; an absent or inactive
	// block stays nil rather than zero.
	if profile.MeteringEnabled {
		total, ok := lo.Find(doc.Consumption, func(b measurementBlock) bool {
			return b.MeasurementType == "total-consumption" || b.MeasurementType == ""
		})
		if ok && total.ActiveCount > 0 {
			totals := totalsFrom(total)
			snap.Consumption = &totals
			snap.ConsumptionPhases = phasesFrom(total.Lines)
		}
	}

	// ACB storage block; ENCHARGE batteries live in the ensemble inventory.
	// The block aggregates the whole ACB fleet and carries no per-unit
	// serial, so it gets a fixed one to keep it apart from ensemble rows.
	for _, storage := range doc.Storage {
		if storage.ActiveCount == 0 || storage.PercentFull == nil {
			continue
		}
		reading := model.BatteryReading{
			Serial:      "acb",
			PercentFull: *storage.PercentFull,
			StoredWh:    storage.WhNow,
		}
		snap.Batteries = append(snap.Batteries, reading)
	}
}

func applyProductionV1(snap *model.MetricsSnapshot, doc *productionV1Doc, logger *zap.Logger) {
	mergeTotals(&snap.Production, model.EnergyTotals{
		CurrentW:   doc.WattsNow,
		TodayWh:    doc.WattHoursToday,
		SevenDayWh: doc.WattHoursSevenDays,
		LifetimeWh: doc.WattHoursLifetime,
	})
	warnNearRollover(doc.WattHoursLifetime, rolloverUnmeteredWh, logger)
}

func applyEnsemble(snap *model.MetricsSnapshot, entries []ensembleEntry) {
	for _, entry := range entries {
		for _, device := range entry.Devices {
			if device.PercentFull == nil {
				continue
			}
			reading := model.BatteryReading{
				Serial:      device.SerialNum,
				PercentFull: *device.PercentFull,
			}
			snap.Batteries = append(snap.Batteries, reading)
			if device.EnchargeCapacity != nil {
				if snap.Battery.CapacityWh == nil {
					snap.Battery.CapacityWh = new(float64)
				}
				*snap.Battery.CapacityWh += *device.EnchargeCapacity
			}
		}
	}
	if len(snap.Batteries) > 0 {
		total := 0.0
		for _, b := range snap.Batteries {
			total += b.PercentFull
		}
		avg := total / float64(len(snap.Batteries))
		snap.Battery.TotalPercent = &avg
	}
}

func gridStatusFrom(doc *homeDoc) model.GridStatus {
	if doc.Enpower == nil || doc.Enpower.GridStatus == "" {
		return model.GridStatusUnknown
	}
	// "closed" means the grid relay is closed, i.e. on-grid.
	if doc.Enpower.GridStatus == "closed" {
		return model.GridStatusUp
	}
	return model.GridStatusDown
}

func totalsFrom(block measurementBlock) model.EnergyTotals {
	return model.EnergyTotals{
		CurrentW:   block.WNow,
		TodayWh:    block.WhToday,
		SevenDayWh: block.WhLastSevenDays,
		LifetimeWh: block.WhLifetime,
	}
}

// mergeTotals fills only the fields dst does not already have, so the eim
// block and the v1 counters can both contribute to one reading set.
func mergeTotals(dst *model.EnergyTotals, src model.EnergyTotals) {
	if dst.CurrentW == nil {
		dst.CurrentW = src.CurrentW
	}
	if dst.TodayWh == nil {
		dst.TodayWh = src.TodayWh
	}
	if dst.SevenDayWh == nil {
		dst.SevenDayWh = src.SevenDayWh
	}
	if dst.LifetimeWh == nil {
		dst.LifetimeWh = src.LifetimeWh
	}
}

func phasesFrom(lines []lineData) map[string]model.EnergyTotals {
	if len(lines) == 0 {
		return nil
	}
	phases := make(map[string]model.EnergyTotals, len(lines))
	for i, line := range lines {
		if i >= 3 {
			break
		}
		phases[fmt.Sprintf("l%d", i+1)] = model.EnergyTotals{
			CurrentW:   line.WNow,
			TodayWh:    line.WhToday,
			SevenDayWh: line.WhLastSevenDays,
			LifetimeWh: line.WhLifetime,
		}
	}
	return phases
}

func warnNearRollover(lifetimeWh *float64, threshold float64, logger *zap.Logger) {
	if lifetimeWh == nil {
		return
	}
	// counters reset near the threshold on affected firmwares; the raw value
	// is passed through regardless.
	if *lifetimeWh > threshold*0.98 && *lifetimeWh < threshold {
		logger.Debug("lifetime counter near known rollover threshold",
			zap.Float64("lifetime_wh", *lifetimeWh), zap.Float64("threshold_wh", threshold))
	}
}
