package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/springinnovate/nci-ndr-analysis/pkg/log"
	"github.com/springinnovate/nci-ndr-analysis/pkg/utils"
)

const createTableSQL = `
CREATE TABLE job_status (
    scenario_id TEXT NOT NULL,
    raster_id TEXT NOT NULL,
    lng_min FLOAT NOT NULL,
    lat_min FLOAT NOT NULL,
    lng_max FLOAT NOT NULL,
    lat_max FLOAT NOT NULL,
    stitched INT NOT NULL);
`

// Catalog is the durable record of every stitching work item and its
// completion flag, backed by a SQLite database file. The coordinator is
// the single writer; dispatch reads go through a separate read-only
// snapshot connection so they never block writers.
type Catalog struct {
	path string
	db   *sql.DB
	ro   *sql.DB
}

// Open the catalog database at path, creating the parent directory if
// needed. The table itself is created by Init.
func Open(ctx context.Context, path string) (*Catalog, error) {
	if path == "" {
		return nil, fmt.Errorf("catalog path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	// The snapshot connection is opened up front so readers on different
	// goroutines never mutate the catalog struct.
	ro, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open catalog read-only: %w", err)
	}

	return &Catalog{path: path, db: db, ro: ro}, nil
}

// Init drops and recreates the job_status table and bulk-inserts the full
// cross product of scenarios, rasters and grid cells, all unstitched.
// If tokenPath is non-empty a token file with the completion timestamp is
// written afterwards. Any failure here is fatal to startup.
func (c *Catalog) Init(ctx context.Context, scenarios, rasters []string, step float64, tokenPath string) error {
	if _, err := c.db.ExecContext(ctx, "DROP TABLE IF EXISTS job_status;"); err != nil {
		return fmt.Errorf("drop job_status: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create job_status: %w", err)
	}

	cells := Grid(step)
	log.Infof("initializing catalog: %d scenarios x %d rasters x %d cells",
		len(scenarios), len(rasters), len(cells))

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO job_status("+
			"scenario_id, raster_id, lng_min, lat_min, lng_max, lat_max, stitched) "+
			"VALUES (?, ?, ?, ?, ?, ?, 0)")
	if err != nil {
		return fmt.Errorf("prepare catalog insert: %w", err)
	}
	defer stmt.Close()

	for _, scenario := range scenarios {
		for _, raster := range rasters {
			for _, cell := range cells {
				if _, err := stmt.ExecContext(ctx, scenario, raster,
					cell.LngMin, cell.LatMin, cell.LngMax, cell.LatMax); err != nil {
					return fmt.Errorf("insert work item: %w", err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog insert: %w", err)
	}

	if tokenPath != "" {
		stamp := time.Now().Format(time.RFC3339)
		if err := os.WriteFile(tokenPath, []byte(stamp), 0o644); err != nil {
			return fmt.Errorf("write catalog token: %w", err)
		}
	}

	return nil
}

// Unstitched returns a snapshot of every work item whose stitched flag is
// still zero. The read does not block concurrent writers and mutates
// nothing.
func (c *Catalog) Unstitched(ctx context.Context) ([]Key, error) {
	rows, err := c.ro.QueryContext(ctx,
		"SELECT scenario_id, raster_id, lng_min, lat_min, lng_max, lat_max "+
			"FROM job_status WHERE stitched=0")
	if err != nil {
		return nil, fmt.Errorf("query unstitched: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.ScenarioID, &key.RasterID,
			&key.LngMin, &key.LatMin, &key.LngMax, &key.LatMax); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CountUnstitched reports the current backlog size.
func (c *Catalog) CountUnstitched(ctx context.Context) (int, error) {
	var n int
	err := c.ro.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM job_status WHERE stitched=0").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unstitched: %w", err)
	}
	return n, nil
}

// MarkStitched records confirmed completion of a work item.
func (c *Catalog) MarkStitched(ctx context.Context, key Key) error {
	res, err := c.db.ExecContext(ctx,
		"UPDATE job_status SET stitched=1 "+
			"WHERE scenario_id=? AND raster_id=? AND lng_min=? AND lat_min=?",
		key.ScenarioID, key.RasterID, key.LngMin, key.LatMin)
	if err != nil {
		return fmt.Errorf("mark stitched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark stitched: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no catalog row for %s/%s (%g, %g): %w",
			key.ScenarioID, key.RasterID, key.LngMin, key.LatMin, utils.ErrNotFound)
	}
	return nil
}

func (c *Catalog) Close() error {
	_ = c.ro.Close()
	return c.db.Close()
}
