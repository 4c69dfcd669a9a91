package container

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hydrolith/vshift/internal/executor"
)

// PointCloudAdapter reads and writes SQLite point stores.
//
// The store is any SQLite database with a table carrying x, y and z columns;
// the first such table in schema order is the point table. Only those three
// columns are rewritten. Every other column and table, indexes and triggers
// included, survives because the output starts as a byte copy of the input.
type PointCloudAdapter struct{}

// Shape returns ShapePointCloud.
func (*PointCloudAdapter) Shape() Shape { return ShapePointCloud }

type pointCloudPayload struct {
	sourcePath string
	table      string
	rowids     []int64
}

// Read locates the point table and loads its coordinates in rowid order.
func (a *PointCloudAdapter) Read(path string) (*executor.Batch, *Meta, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, nil, fmt.Errorf("opening point store: %w", err)
	}
	defer db.Close()

	table, err := findPointTable(db)
	if err != nil {
		return nil, nil, fmt.Errorf("point store %s: %w", path, err)
	}

	rows, err := db.Query(fmt.Sprintf(`SELECT rowid, x, y, z FROM %q ORDER BY rowid`, table))
	if err != nil {
		return nil, nil, fmt.Errorf("reading points: %w", err)
	}
	defer rows.Close()

	p := &pointCloudPayload{sourcePath: path, table: table}
	var xs, ys, zs []float64
	var valid []bool
	for rows.Next() {
		var rowid int64
		var x, y, z sql.NullFloat64
		if err := rows.Scan(&rowid, &x, &y, &z); err != nil {
			return nil, nil, fmt.Errorf("scanning point: %w", err)
		}
		p.rowids = append(p.rowids, rowid)
		xs = append(xs, x.Float64)
		ys = append(ys, y.Float64)
		zs = append(zs, z.Float64)
		// A NULL ordinate is not the coordinate 0; the row passes through
		// untransformed.
		valid = append(valid, x.Valid && y.Valid && z.Valid)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading points: %w", err)
	}

	batch := executor.NewBatch(len(p.rowids))
	copy(batch.X, xs)
	copy(batch.Y, ys)
	copy(batch.Z, zs)
	for i, ok := range valid {
		if !ok {
			batch.Valid[i] = false
		}
	}
	return batch, &Meta{payload: p}, nil
}

// findPointTable returns the first user table whose columns include x, y
// and z.
func findPointTable(db *sql.DB) (string, error) {
	rows, err := db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY rowid`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	for _, table := range tables {
		ok, err := hasCoordinateColumns(db, table)
		if err != nil {
			return "", err
		}
		if ok {
			return table, nil
		}
	}
	return "", fmt.Errorf("no table with x, y, z columns")
}

func hasCoordinateColumns(db *sql.DB, table string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	found := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		found[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return found["x"] && found["y"] && found["z"], nil
}

// Write copies the source store and rewrites the coordinate columns in one
// transaction. Demoted entries keep their original coordinates.
func (a *PointCloudAdapter) Write(path string, batch *executor.Batch, meta *Meta) error {
	p, ok := meta.payload.(*pointCloudPayload)
	if !ok {
		return fmt.Errorf("point store write without matching read")
	}
	if batch.Len() != len(p.rowids) {
		return fmt.Errorf("batch has %d points, store has %d", batch.Len(), len(p.rowids))
	}

	tmp := path + ".partial"
	if err := copyFile(p.sourcePath, tmp); err != nil {
		return fmt.Errorf("copying point store: %w", err)
	}
	if err := a.rewrite(tmp, batch, meta, p); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (a *PointCloudAdapter) rewrite(path string, batch *executor.Batch, meta *Meta, p *pointCloudPayload) error {
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return fmt.Errorf("opening output store: %w", err)
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	update, err := tx.Prepare(fmt.Sprintf(
		`UPDATE %q SET x = ?, y = ?, z = ? WHERE rowid = ?`, p.table))
	if err != nil {
		return err
	}
	defer update.Close()

	for i, rowid := range p.rowids {
		if !batch.Valid[i] {
			continue
		}
		if _, err := update.Exec(batch.X[i], batch.Y[i], batch.Z[i], rowid); err != nil {
			return fmt.Errorf("updating point %d: %w", rowid, err)
		}
	}

	if meta.Provenance != nil {
		if _, err := tx.Exec(
			`CREATE TABLE IF NOT EXISTS vshift_provenance (job_id TEXT, source_crs TEXT, target_crs TEXT, pipeline TEXT)`); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO vshift_provenance (job_id, source_crs, target_crs, pipeline) VALUES (?, ?, ?, ?)`,
			meta.Provenance.JobID, meta.Provenance.SourceCRS, meta.Provenance.TargetCRS, meta.Provenance.Pipeline); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
