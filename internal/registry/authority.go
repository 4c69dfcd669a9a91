package registry

import (
	"database/sql"
	"fmt"

	"github.com/paulmach/orb"
	_ "modernc.org/sqlite"

	"github.com/hydrolith/vshift/internal/crs"
)

// Accuracy thresholds for mapping an authority operation's declared accuracy
// in meters onto the coarse class. Operations without a stated accuracy are
// treated as medium: the authority vetted them, but nothing supports an
// exact claim.
const (
	exactAccuracyMeters    = 0.1
	ballparkAccuracyMeters = 5.0
)

// LoadAuthorityDB loads CRS definitions and coordinate operations from a
// PROJ authority database (proj.db). The database is opened read-only and
// closed before returning.
//
// Deprecated entries are skipped. Operations gain coverage extents through
// the usage/extent tables where present, otherwise they are treated as
// global.
func (r *Registry) LoadAuthorityDB(path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open authority database: %w", err)
	}
	defer db.Close()

	if err := r.loadAuthorityCRS(db); err != nil {
		return err
	}
	return r.loadAuthorityOperations(db)
}

func (r *Registry) loadAuthorityCRS(db *sql.DB) error {
	rows, err := db.Query(
		`SELECT auth_name, code, type FROM crs_view WHERE deprecated = 0`)
	if err != nil {
		return fmt.Errorf("query crs_view: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var auth, code, typ string
		if err := rows.Scan(&auth, &code, &typ); err != nil {
			return fmt.Errorf("scan crs_view: %w", err)
		}
		kind := crs.KindHorizontal
		switch typ {
		case "vertical":
			kind = crs.KindVertical
		case "compound":
			kind = crs.KindCompound
		}
		r.DeclareCRS(auth+":"+code, kind)
	}
	return rows.Err()
}

func (r *Registry) loadAuthorityOperations(db *sql.DB) error {
	// One extent per operation is enough for edge applicability; the
	// MIN() collapses the rare multi-usage entries deterministically.
	rows, err := db.Query(`
		SELECT op.auth_name, op.code, op.name,
		       op.source_crs_auth_name, op.source_crs_code,
		       op.target_crs_auth_name, op.target_crs_code,
		       op.accuracy,
		       MIN(e.west_lon), MIN(e.south_lat), MIN(e.east_lon), MIN(e.north_lat)
		FROM coordinate_operation_view op
		LEFT JOIN usage u
		  ON u.object_table_name = op.table_name
		 AND u.object_auth_name = op.auth_name
		 AND u.object_code = op.code
		LEFT JOIN extent e
		  ON e.auth_name = u.extent_auth_name
		 AND e.code = u.extent_code
		WHERE op.deprecated = 0
		  AND op.source_crs_auth_name IS NOT NULL
		  AND op.target_crs_auth_name IS NOT NULL
		GROUP BY op.auth_name, op.code
		ORDER BY op.auth_name, op.code`)
	if err != nil {
		return fmt.Errorf("query coordinate_operation_view: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var auth, code, name, srcAuth, srcCode, dstAuth, dstCode string
		var accuracy sql.NullFloat64
		var west, south, east, north sql.NullFloat64
		if err := rows.Scan(&auth, &code, &name, &srcAuth, &srcCode,
			&dstAuth, &dstCode, &accuracy, &west, &south, &east, &north); err != nil {
			return fmt.Errorf("scan coordinate_operation_view: %w", err)
		}

		op := Operation{
			Source:     srcAuth + ":" + srcCode,
			Target:     dstAuth + ":" + dstCode,
			Name:       fmt.Sprintf("%s:%s %s", auth, code, name),
			Accuracy:   classifyMeters(accuracy),
			Reversible: true,
		}
		if accuracy.Valid {
			op.AccuracyMeters = accuracy.Float64
		}
		if west.Valid && south.Valid && east.Valid && north.Valid {
			op.Coverage = orb.Bound{
				Min: orb.Point{west.Float64, south.Float64},
				Max: orb.Point{east.Float64, north.Float64},
			}
		} else {
			op.Global = true
		}
		r.Register(op)
	}
	return rows.Err()
}

func classifyMeters(accuracy sql.NullFloat64) Accuracy {
	switch {
	case !accuracy.Valid:
		return AccuracyMedium
	case accuracy.Float64 <= exactAccuracyMeters:
		return AccuracyExact
	case accuracy.Float64 > ballparkAccuracyMeters:
		return AccuracyBallpark
	default:
		return AccuracyMedium
	}
}
