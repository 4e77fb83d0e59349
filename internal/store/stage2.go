package store

import (
	"context"
	"database/sql"

	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/pkg/errors"
)

func (s *Store) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := s.rebind(`SELECT id, username, displayname, password, inuse, call_waiting
		FROM users WHERE username = ?`)

	var (
		user        models.User
		displayName sql.NullString
		password    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID, &user.Username, &displayName, &password, &user.InUse, &user.CallWaiting)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStoreUnavailable, "failed to load user")
	}
	user.DisplayName = displayName.String
	user.Password = password.String
	return &user, nil
}

// ActiveRegistration returns the freshest unexpired device registration.
func (s *Store) ActiveRegistration(ctx context.Context, username string) (*models.Registration, error) {
	query := s.rebind(`SELECT id, username, location, oconnection_id, expires
		FROM registrations
		WHERE username = ? AND expires > CURRENT_TIMESTAMP
		ORDER BY expires DESC LIMIT 1`)

	var (
		reg         models.Registration
		oconnection sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&reg.ID, &reg.Username, &reg.Location, &oconnection, &reg.Expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStoreUnavailable, "failed to load registration")
	}
	reg.OConnectionID = oconnection.String
	return &reg, nil
}

// HasActiveCall reports whether the call already has a leg with the given
// role, identified by its stage-1 correlation id.
func (s *Store) HasActiveCall(ctx context.Context, role, eventphoneID string) (bool, error) {
	query := s.rebind(`SELECT COUNT(*) FROM active_calls WHERE role = ? AND x_eventphone_id = ?`)

	var count int64
	err := s.db.QueryRowContext(ctx, query, role, eventphoneID).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrStoreUnavailable, "failed to check active calls")
	}
	return count > 0, nil
}
