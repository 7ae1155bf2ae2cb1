package model

import "time"

// EnergyTotals carries one production or consumption reading set. Nil fields
// mean the device did not report the value this cycle, which is distinct from
// a reported zero.
type EnergyTotals struct {
	CurrentW   *float64 `json:"current_w"`
	TodayWh    *float64 `json:"today_wh"`
	SevenDayWh *float64 `json:"seven_day_wh"`
	LifetimeWh *float64 `json:"lifetime_wh"`
}

type InverterReading struct {
	Serial     string    `json:"serial"`
	CurrentW   float64   `json:"current_w"`
	LastReport time.Time `json:"last_report"`
}

type BatteryReading struct {
	Serial      string  `json:"serial"`
	PercentFull float64 `json:"percent_full"`
	// StoredWh is the energy currently held, reported by the ACB fleet
	// block only; ensemble devices report state of charge alone.
	StoredWh *float64 `json:"stored_wh,omitempty"`
}

type BatteryAggregate struct {
	TotalPercent *float64 `json:"total_percent"`
	CapacityWh   *float64 `json:"capacity_wh"`
}

// MetricsSnapshot is the canonical result of one poll cycle. A snapshot is
// never mutated after the cycle that built it completes; a new poll produces
// a new snapshot.
type MetricsSnapshot struct {
	Timestamp         time.Time               `json:"timestamp"`
	Production        EnergyTotals            `json:"production"`
	Consumption       *EnergyTotals           `json:"consumption,omitempty"`
	ProductionPhases  map[string]EnergyTotals `json:"production_phases,omitempty"`
	ConsumptionPhases map[string]EnergyTotals `json:"consumption_phases,omitempty"`
	GridStatus        *GridStatus             `json:"grid_status,omitempty"`
	Inverters         []InverterReading       `json:"inverters,omitempty"`
	Batteries         []BatteryReading        `json:"batteries,omitempty"`
	Battery           BatteryAggregate        `json:"battery"`
}

type PollOutcome string

const (
	PollSuccess        PollOutcome = "success"
	PollPartialFailure PollOutcome = "partial_failure"
	PollTotalFailure   PollOutcome = "total_failure"
)

type EndpointError struct {
	Kind EndpointKind
	Err  error
}

// PollResult is the outcome of one cycle. Snapshot is non-nil only for
// success and partial failure, enforced by the constructors below.
type PollResult struct {
	Outcome        PollOutcome
	Snapshot       *MetricsSnapshot
	EndpointErrors []EndpointError
	FailureReason  error
}

func Success(snap *MetricsSnapshot) PollResult {
	return PollResult{Outcome: PollSuccess, Snapshot: snap}
}

func PartialFailure(snap *MetricsSnapshot, errs []EndpointError) PollResult {
	return PollResult{Outcome: PollPartialFailure, Snapshot: snap, EndpointErrors: errs}
}

func TotalFailure(reason error) PollResult {
	return PollResult{Outcome: PollTotalFailure, FailureReason: reason}
}
