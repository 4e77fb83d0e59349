package store

import (
	"context"
	"database/sql"

	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/pkg/errors"
)

// Gateway is the narrow read interface the tree builder consumes.
type Gateway interface {
	ExtensionByNumber(ctx context.Context, number string) (*models.Extension, error)
	ExtensionByID(ctx context.Context, id int64) (*models.Extension, error)
	ForkRanks(ctx context.Context, extensionID int64) ([]models.ForkRank, error)
}

const extensionColumns = `id, number, name, short_name, yate_id, outgoing_extension,
	outgoing_name, dialout_allowed, ringback, forwarding_delay,
	forwarding_extension_id, lang, type, forwarding_mode`

func (s *Store) ExtensionByNumber(ctx context.Context, number string) (*models.Extension, error) {
	query := s.rebind(`SELECT ` + extensionColumns + ` FROM extensions WHERE number = ?`)
	row := s.db.QueryRowContext(ctx, query, number)
	return scanExtension(row)
}

func (s *Store) ExtensionByID(ctx context.Context, id int64) (*models.Extension, error) {
	query := s.rebind(`SELECT ` + extensionColumns + ` FROM extensions WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, query, id)
	return scanExtension(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExtension(row rowScanner) (*models.Extension, error) {
	var (
		ext          models.Extension
		name         sql.NullString
		shortName    sql.NullString
		homeServer   sql.NullInt64
		outNumber    sql.NullString
		outName      sql.NullString
		ringback     sql.NullString
		fwdDelay     sql.NullInt64
		fwdExtension sql.NullInt64
		lang         sql.NullString
	)

	err := row.Scan(&ext.ID, &ext.Number, &name, &shortName, &homeServer, &outNumber,
		&outName, &ext.DialoutAllowed, &ringback, &fwdDelay,
		&fwdExtension, &lang, &ext.Kind, &ext.ForwardingMode)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStoreUnavailable, "failed to load extension")
	}

	ext.Name = name.String
	ext.ShortName = shortName.String
	ext.OutgoingNumber = outNumber.String
	ext.OutgoingName = outName.String
	ext.Ringback = ringback.String
	ext.Language = lang.String
	if homeServer.Valid {
		id := homeServer.Int64
		ext.HomeServerID = &id
	}
	if fwdDelay.Valid {
		delay := int(fwdDelay.Int64)
		ext.ForwardingDelay = &delay
	}
	if fwdExtension.Valid {
		id := fwdExtension.Int64
		ext.ForwardingExtensionID = &id
	}

	return &ext, nil
}
