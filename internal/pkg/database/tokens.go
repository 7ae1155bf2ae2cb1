package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

// Load returns the stored bearer token for a serial, or nil when none
// has been saved yet. Implements the token store used by the auth strategy.
func (db *Database) Load(ctx context.Context, serial string) (*model.BearerCredential, error) {
	const query = `
	SELECT token, serial_number, issued_at, expires_at
	FROM AuthToken
	WHERE serial_number = $1;
	`

	var cred model.BearerCredential
	err := db.conn.QueryRow(ctx, query, serial).Scan(&cred.Token, &cred.SerialNumber, &cred.IssuedAt, &cred.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

func (db *Database) Save(ctx context.Context, cred model.BearerCredential) error {
	_, err := db.conn.Exec(ctx, `
		INSERT INTO AuthToken (serial_number, token, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (serial_number) DO UPDATE
		SET token = EXCLUDED.token,
		    issued_at = EXCLUDED.issued_at,
		    expires_at = EXCLUDED.expires_at;`,
		cred.SerialNumber, cred.Token, cred.IssuedAt, cred.ExpiresAt)
	return err
}
