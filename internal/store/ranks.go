package store

import (
	"context"
	"database/sql"

	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/pkg/errors"
)

// ForkRanks loads the ordered expansion steps of a GROUP or MULTIRING
// extension with their members pre-joined. Rank index order and member
// insertion order are preserved; both are load-bearing for deterministic
// tree paths.
func (s *Store) ForkRanks(ctx context.Context, extensionID int64) ([]models.ForkRank, error) {
	query := `SELECT r.id, r.extension_id, r.` + s.quoteIdent("index") + `, r.delay, r.mode,
		m.active, m.type,
		e.` + extensionColumnsPrefixed("e") + `
	FROM fork_ranks r
	JOIN fork_rank_members m ON m.fork_rank_id = r.id
	JOIN extensions e ON e.id = m.extension_id
	WHERE r.extension_id = ?
	ORDER BY r.` + s.quoteIdent("index") + `, m.id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), extensionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStoreUnavailable, "failed to load fork ranks")
	}
	defer rows.Close()

	var ranks []models.ForkRank
	var current *models.ForkRank

	for rows.Next() {
		var (
			rank   models.ForkRank
			delay  sql.NullInt64
			member models.RankMember
		)

		ext, err := scanRankRow(rows, &rank, &delay, &member)
		if err != nil {
			return nil, err
		}
		if delay.Valid {
			d := int(delay.Int64)
			rank.Delay = &d
		}
		member.Extension = ext
		member.ExtensionID = ext.ID

		if current == nil || current.ID != rank.ID {
			ranks = append(ranks, rank)
			current = &ranks[len(ranks)-1]
		}
		current.Members = append(current.Members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrStoreUnavailable, "failed to iterate fork ranks")
	}

	return ranks, nil
}

func scanRankRow(rows *sql.Rows, rank *models.ForkRank, delay *sql.NullInt64, member *models.RankMember) (*models.Extension, error) {
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

	err := rows.Scan(&rank.ID, &rank.ExtensionID, &rank.Index, delay, &rank.Mode,
		&member.Active, &member.Kind,
		&ext.ID, &ext.Number, &name, &shortName, &homeServer, &outNumber,
		&outName, &ext.DialoutAllowed, &ringback, &fwdDelay,
		&fwdExtension, &lang, &ext.Kind, &ext.ForwardingMode)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStoreUnavailable, "failed to scan fork rank row")
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
		d := int(fwdDelay.Int64)
		ext.ForwardingDelay = &d
	}
	if fwdExtension.Valid {
		id := fwdExtension.Int64
		ext.ForwardingExtensionID = &id
	}

	return &ext, nil
}

// extensionColumnsPrefixed lists the extension columns qualified with a table
// alias for join queries.
func extensionColumnsPrefixed(alias string) string {
	return `id, ` + alias + `.number, ` + alias + `.name, ` + alias + `.short_name, ` +
		alias + `.yate_id, ` + alias + `.outgoing_extension, ` + alias + `.outgoing_name, ` +
		alias + `.dialout_allowed, ` + alias + `.ringback, ` + alias + `.forwarding_delay, ` +
		alias + `.forwarding_extension_id, ` + alias + `.lang, ` + alias + `.type, ` +
		alias + `.forwarding_mode`
}
