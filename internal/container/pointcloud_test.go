package container

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE surveys (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE points (
		id INTEGER PRIMARY KEY,
		x REAL, y REAL, z REAL,
		intensity REAL,
		classification INTEGER
	)`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO points (x, y, z, intensity, classification) VALUES
		(-70.1, 43.1, -10.0, 0.9, 2),
		(-70.2, 43.2, -11.0, 0.8, 2),
		(-70.3, 43.3, -12.0, 0.7, 9)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO surveys (name) VALUES ('H13999')`)
	require.NoError(t, err)
}

func TestPointCloudRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.db")
	out := filepath.Join(dir, "out.db")
	createTestStore(t, in)

	adapter := &PointCloudAdapter{}
	batch, meta, err := adapter.Read(in)
	require.NoError(t, err)
	require.Equal(t, 3, batch.Len())
	assert.Equal(t, -70.2, batch.X[1])

	for i := 0; i < batch.Len(); i++ {
		batch.X[i] += 0.5
		batch.Z[i] -= 1.0
	}
	batch.Valid[2] = false // demoted entry keeps its original row
	meta.Provenance = &Provenance{JobID: "job-3", SourceCRS: "EPSG:6318", TargetCRS: "EPSG:6318+NOAA:5224"}
	require.NoError(t, adapter.Write(out, batch, meta))

	db, err := sql.Open("sqlite", "file:"+out+"?mode=ro")
	require.NoError(t, err)
	defer db.Close()

	var x, z, intensity float64
	require.NoError(t, db.QueryRow(
		`SELECT x, z, intensity FROM points WHERE id = 2`).Scan(&x, &z, &intensity))
	assert.Equal(t, -69.7, x)
	assert.Equal(t, -12.0, z)
	assert.Equal(t, 0.8, intensity, "attribute columns untouched")

	require.NoError(t, db.QueryRow(`SELECT x FROM points WHERE id = 3`).Scan(&x))
	assert.Equal(t, -70.3, x, "demoted point untouched")

	// The sibling table survives the copy.
	var name string
	require.NoError(t, db.QueryRow(`SELECT name FROM surveys`).Scan(&name))
	assert.Equal(t, "H13999", name)

	var job string
	require.NoError(t, db.QueryRow(`SELECT job_id FROM vshift_provenance`).Scan(&job))
	assert.Equal(t, "job-3", job)
}

func TestPointCloudNullCoordinatesStayInvalid(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "nulls.db")
	out := filepath.Join(dir, "out.db")
	db, err := sql.Open("sqlite", "file:"+in)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE points (id INTEGER PRIMARY KEY, x REAL, y REAL, z REAL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO points (x, y, z) VALUES
		(-70.1, 43.1, -10.0),
		(-70.2, 43.2, NULL)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	adapter := &PointCloudAdapter{}
	batch, meta, err := adapter.Read(in)
	require.NoError(t, err)
	require.Equal(t, 2, batch.Len())
	assert.True(t, batch.Valid[0])
	assert.False(t, batch.Valid[1], "NULL ordinate must not become the coordinate 0")

	batch.X[0] += 0.5
	require.NoError(t, adapter.Write(out, batch, meta))

	outDB, err := sql.Open("sqlite", "file:"+out+"?mode=ro")
	require.NoError(t, err)
	defer outDB.Close()

	var x float64
	var z sql.NullFloat64
	require.NoError(t, outDB.QueryRow(`SELECT x, z FROM points WHERE id = 2`).Scan(&x, &z))
	assert.Equal(t, -70.2, x, "row with NULL ordinate untouched")
	assert.False(t, z.Valid)
}

func TestPointCloudNoPointTable(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "empty.db")
	db, err := sql.Open("sqlite", "file:"+in)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE notes (body TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, _, err = (&PointCloudAdapter{}).Read(in)
	assert.Error(t, err)
}

func TestPointCloudSkipsTablesWithoutCoordinates(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "mixed.db")
	db, err := sql.Open("sqlite", "file:"+in)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE metadata (key TEXT, value TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE soundings (x REAL, y REAL, z REAL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO soundings VALUES (1, 2, 3)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	batch, _, err := (&PointCloudAdapter{}).Read(in)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Len())
	assert.Equal(t, 1.0, batch.X[0])
}
