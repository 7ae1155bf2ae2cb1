package database

import (
	"context"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

func (db *Database) Write(ctx context.Context, data []model.Property) error {
	tx, err := db.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, row := range data {
		if _, err := tx.Exec(ctx, `
			INSERT INTO Property (time_stamp, unit_of_measurement, value, identifier, slug)
			VALUES ($1, $2, $3, $4, $5)
		`, row.TimeStamp, row.Unit, row.Value, row.Identifier, row.Slug); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (db *Database) RegisterDevice(profile *model.DeviceProfile) error {
	_, err := db.conn.Exec(context.Background(), `
		INSERT INTO Device (serial_number, model, firmware_generation, metering_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (serial_number) DO UPDATE
		SET model = EXCLUDED.model,
		    firmware_generation = EXCLUDED.firmware_generation,
		    metering_enabled = EXCLUDED.metering_enabled;`,
		profile.SerialNumber, profile.Model.String(), profile.FirmwareGeneration, profile.MeteringEnabled)
	if err != nil {
		return err
	}

	return nil
}
