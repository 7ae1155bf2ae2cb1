package publisher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	gslug "github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

var errAlreadyRegistered = errors.New("publisher already registered")

var (
	registeredPublishers = make(map[string]publisher)
	sensors              sync.Map
)

type publisher interface {
	// Write publishes the flattened snapshot rows to the adapter.
	Write(ctx context.Context, data []model.Property) error
	RegisterDevice(profile *model.DeviceProfile) error
}

func RegisterPublisher(name string, publisher publisher) error {
	if _, ok := registeredPublishers[name]; ok {
		return errAlreadyRegistered
	}
	registeredPublishers[name] = publisher
	return nil
}

func RegisterDevice(profile *model.DeviceProfile) error {
	for name, publisher := range registeredPublishers {
		if err := publisher.RegisterDevice(profile); err != nil {
			zap.L().Error("failed to register device", zap.Error(err), zap.String("publisher", name))
			continue
		}
		zap.L().Debug("registered device", zap.String("serial", profile.SerialNumber), zap.String("publisher", name))
	}
	return nil
}

// PublishSnapshot flattens a snapshot into sensor rows and fans them out to
// every registered adapter. Absent readings produce no row at all, so a
// consumer can tell "no meter installed" apart from "zero watts". Rows whose
// value has not changed since the last publish are dropped.
func PublishSnapshot(ctx context.Context, profile *model.DeviceProfile, snap *model.MetricsSnapshot) error {
	identifier := fmt.Sprintf("%s_%s", profile.Model.String(), profile.SerialNumber)
	data := flatten(identifier, snap)

	for name, publisher := range registeredPublishers {
		if err := publisher.Write(ctx, data); err != nil {
			zap.L().Error("failed to publish data", zap.Error(err), zap.String("publisher", name))
			continue
		}
		zap.L().Debug("updated sensors", zap.Int("count", len(data)), zap.String("publisher", name))
	}
	return nil
}

func flatten(identifier string, snap *model.MetricsSnapshot) []model.Property {
	rows := make([]model.Property, 0, 16)

	appendRow := func(name, unit string, value *float64) {
		if value == nil {
			return
		}
		s := gslug.Make(name)
		val := strconv.FormatFloat(*value, 'f', 3, 64)
		if !shouldUpdate(identifier, s, val) {
			return
		}
		rows = append(rows, model.Property{
			TimeStamp:  snap.Timestamp,
			Unit:       unit,
			Value:      val,
			Identifier: identifier,
			Slug:       s,
		})
	}

	appendTotals := func(prefix string, t *model.EnergyTotals) {
		if t == nil {
			return
		}
		appendRow(prefix+" current power", "W", t.CurrentW)
		appendRow(prefix+" energy today", "Wh", t.TodayWh)
		appendRow(prefix+" energy last seven days", "Wh", t.SevenDayWh)
		appendRow(prefix+" energy lifetime", "Wh", t.LifetimeWh)
	}

	appendTotals("production", &snap.Production)
	appendTotals("consumption", snap.Consumption)
	for phase, totals := range snap.ProductionPhases {
		appendTotals("production "+phase, &totals)
	}
	for phase, totals := range snap.ConsumptionPhases {
		appendTotals("consumption "+phase, &totals)
	}

	if snap.GridStatus != nil {
		val := string(*snap.GridStatus)
		s := gslug.Make("grid status")
		if shouldUpdate(identifier, s, val) {
			rows = append(rows, model.Property{
				TimeStamp:  snap.Timestamp,
				Value:      val,
				Identifier: identifier,
				Slug:       s,
			})
		}
	}

	for _, inv := range snap.Inverters {
		w := float64(inv.CurrentW)
		appendRow("inverter "+inv.Serial, "W", &w)
	}

	for _, bat := range snap.Batteries {
		pct := float64(bat.PercentFull)
		appendRow("battery "+bat.Serial+" soc", "%", &pct)
		appendRow("battery "+bat.Serial+" stored", "Wh", bat.StoredWh)
	}
	appendRow("battery soc", "%", snap.Battery.TotalPercent)
	appendRow("battery capacity", "Wh", snap.Battery.CapacityWh)

	return rows
}

func shouldUpdate(identifier, slug, newValue string) bool {
	key := fmt.Sprintf("%s_%s", identifier, slug)
	oldValue, exists := sensors.Load(key)
	if exists && strings.EqualFold(newValue, oldValue.(string)) {
		return false
	}
	if !exists {
		zap.L().Info("configured sensor", zap.String("device", identifier), zap.String("sensor", slug))
	}
	sensors.Store(key, newValue)
	return true
}
