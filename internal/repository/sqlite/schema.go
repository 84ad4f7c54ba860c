package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/garnizeh/nudge/pkg/models"
)

// CreateSchema inserts or updates a document schema by version.
func (r *SQLiteRepo) CreateSchema(ctx context.Context, version, description, schemaJSON string) (int64, error) {
	ts := now()
	_, err := r.conn.Exec(ctx,
		`INSERT INTO doc_schemas (version, description, schema_json, created, updated) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(version) DO UPDATE SET description = excluded.description, schema_json = excluded.schema_json, updated = excluded.updated`,
		version, description, schemaJSON, ts, ts)
	if err != nil {
		return 0, err
	}
	// LastInsertId is unreliable on the update branch of an upsert.
	var id int64
	if err := r.conn.QueryRow(ctx, `SELECT id FROM doc_schemas WHERE version = ?`, version).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *SQLiteRepo) GetSchemaByVersion(ctx context.Context, version string) (*models.Schema, error) {
	row := r.conn.QueryRow(ctx, `SELECT id, version, description, schema_json, created, updated FROM doc_schemas WHERE version = ?`, version)
	s, err := scanSchema(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (r *SQLiteRepo) ListSchemas(ctx context.Context) ([]models.Schema, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT id, version, description, schema_json, created, updated FROM doc_schemas ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Schema
	for rows.Next() {
		s, err := scanSchema(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) DeleteSchema(ctx context.Context, version string) error {
	_, err := r.conn.Exec(ctx, `DELETE FROM doc_schemas WHERE version = ?`, version)
	return err
}

func scanSchema(sc scanner) (*models.Schema, error) {
	var (
		s    models.Schema
		desc sql.NullString
	)
	if err := sc.Scan(&s.ID, &s.Version, &desc, &s.SchemaJSON, &s.Created, &s.Updated); err != nil {
		return nil, err
	}
	s.Description = desc.String
	return &s, nil
}
