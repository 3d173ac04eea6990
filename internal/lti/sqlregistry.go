// internal/lti/sqlregistry.go
package lti

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLRegistry is a ClientRegistry backed by the lti_registrations table
// (sqlite or postgres via database/sql).
type SQLRegistry struct {
	DB *sql.DB
	// Now overrides the clock in tests.
	Now func() time.Time
}

var _ ClientRegistry = (*SQLRegistry)(nil)

func (s *SQLRegistry) GetRegistration(ctx context.Context, registrationID string) (ClientRegistration, error) {
	var reg ClientRegistration
	row := s.DB.QueryRowContext(ctx, `
SELECT registration_id, client_id, issuer, auth_uri, token_uri, jwks_uri
FROM lti_registrations WHERE registration_id = $1`, registrationID)
	err := row.Scan(&reg.RegistrationID, &reg.ClientID, &reg.Issuer,
		&reg.AuthorizationURI, &reg.TokenURI, &reg.JWKSURI)
	if errors.Is(err, sql.ErrNoRows) {
		return ClientRegistration{}, ErrRegistrationNotFound
	}
	if err != nil {
		return ClientRegistration{}, fmt.Errorf("registry: get %q: %w", registrationID, err)
	}
	return reg, nil
}

// Upsert inserts or replaces a registration.
func (s *SQLRegistry) Upsert(ctx context.Context, reg ClientRegistration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	now := s.now().Unix()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO lti_registrations
  (registration_id, client_id, issuer, auth_uri, token_uri, jwks_uri, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
ON CONFLICT (registration_id) DO UPDATE SET
  client_id = EXCLUDED.client_id,
  issuer = EXCLUDED.issuer,
  auth_uri = EXCLUDED.auth_uri,
  token_uri = EXCLUDED.token_uri,
  jwks_uri = EXCLUDED.jwks_uri,
  updated_at = EXCLUDED.updated_at`,
		reg.RegistrationID, reg.ClientID, reg.Issuer,
		reg.AuthorizationURI, reg.TokenURI, reg.JWKSURI, now)
	if err != nil {
		return fmt.Errorf("registry: upsert %q: %w", reg.RegistrationID, err)
	}
	return nil
}

// Delete removes a registration; deleting an absent id is not an error.
func (s *SQLRegistry) Delete(ctx context.Context, registrationID string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM lti_registrations WHERE registration_id = $1`, registrationID)
	if err != nil {
		return fmt.Errorf("registry: delete %q: %w", registrationID, err)
	}
	return nil
}

// List returns every registration ordered by id.
func (s *SQLRegistry) List(ctx context.Context) ([]ClientRegistration, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT registration_id, client_id, issuer, auth_uri, token_uri, jwks_uri
FROM lti_registrations ORDER BY registration_id`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []ClientRegistration
	for rows.Next() {
		var reg ClientRegistration
		if err := rows.Scan(&reg.RegistrationID, &reg.ClientID, &reg.Issuer,
			&reg.AuthorizationURI, &reg.TokenURI, &reg.JWKSURI); err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *SQLRegistry) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
