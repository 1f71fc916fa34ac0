// Package db keeps an in-memory DuckDB index of loaded layer features so
// they can be queried with SQL.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// FeatureTable is the table IndexLayer fills.
const FeatureTable = "layer_features"

// Config holds database configuration. An empty DataDir opens an
// in-memory database.
type Config struct {
	DataDir string
	DBName  string
	// Extensions are installed and loaded on open; failures are ignored.
	Extensions []string
}

// Open opens DuckDB and creates the feature table.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn := ""
	if cfg.DataDir != "" {
		duckdbDir := filepath.Join(cfg.DataDir, "duckdb")
		if err := os.MkdirAll(duckdbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create duckdb directory: %w", err)
		}
		name := cfg.DBName
		if name == "" {
			name = "agrimap"
		}
		dsn = filepath.Join(duckdbDir, name+".duckdb")
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}

	for _, ext := range cfg.Extensions {
		// Extensions might be unavailable offline; plain WKT still works.
		conn.ExecContext(ctx, fmt.Sprintf("INSTALL %s; LOAD %s;", ext, ext))
	}

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+FeatureTable+` (
		layer_id      VARCHAR NOT NULL,
		feature_idx   INTEGER NOT NULL,
		geometry_type VARCHAR,
		wkt           VARCHAR,
		min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
		properties    VARCHAR
	)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating %s: %w", FeatureTable, err)
	}
	return conn, nil
}

// FeatureIndex writes layer features into FeatureTable.
type FeatureIndex struct {
	db *sql.DB
	mu sync.Mutex
}

// NewFeatureIndex wraps an opened database.
func NewFeatureIndex(db *sql.DB) *FeatureIndex {
	return &FeatureIndex{db: db}
}

// DB returns the underlying connection.
func (x *FeatureIndex) DB() *sql.DB {
	if x == nil {
		return nil
	}
	return x.db
}

// IndexLayer replaces the rows of layerID with the features of fc and
// returns how many were written.
func (x *FeatureIndex) IndexLayer(ctx context.Context, layerID string, fc *geojson.FeatureCollection) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+FeatureTable+` WHERE layer_id = ?`, layerID); err != nil {
		return 0, fmt.Errorf("clearing layer %s: %w", layerID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+FeatureTable+`
		(layer_id, feature_idx, geometry_type, wkt, min_x, min_y, max_x, max_y, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	n := 0
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		props, err := json.Marshal(f.Properties)
		if err != nil {
			return 0, fmt.Errorf("layer %s feature %d: %w", layerID, i, err)
		}
		b := f.Geometry.Bound()
		if _, err := stmt.ExecContext(ctx,
			layerID, i, f.Geometry.GeoJSONType(), wkt.MarshalString(f.Geometry),
			b.Min[0], b.Min[1], b.Max[0], b.Max[1], string(props),
		); err != nil {
			return 0, fmt.Errorf("layer %s feature %d: %w", layerID, i, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// Count returns the number of indexed features of layerID.
func (x *FeatureIndex) Count(ctx context.Context, layerID string) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx, `SELECT count(*) FROM `+FeatureTable+` WHERE layer_id = ?`, layerID).Scan(&n)
	return n, err
}
