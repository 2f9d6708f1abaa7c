package assets

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists asset records so they survive restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the asset database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open asset database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure asset database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate asset database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assets (
		asset_id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		subfolder TEXT NOT NULL DEFAULT '',
		folder_type TEXT NOT NULL,
		prompt_id TEXT NOT NULL DEFAULT '',
		workflow_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		mime_type TEXT NOT NULL,
		width INTEGER DEFAULT 0,
		height INTEGER DEFAULT 0,
		bytes_size INTEGER DEFAULT 0,
		metadata TEXT,
		session_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_assets_created ON assets(created_at);
	CREATE INDEX IF NOT EXISTS idx_assets_workflow ON assets(workflow_id);
	CREATE INDEX IF NOT EXISTS idx_assets_session ON assets(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRecord upserts one asset record.
func (s *SQLiteStore) SaveRecord(r *Record) error {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode asset metadata: %w", err)
	}

	var expiresAt any
	if !r.ExpiresAt.IsZero() {
		expiresAt = r.ExpiresAt.UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO assets (
			asset_id, filename, subfolder, folder_type, prompt_id, workflow_id,
			created_at, expires_at, mime_type, width, height, bytes_size, metadata, session_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id) DO UPDATE SET
			metadata = excluded.metadata,
			expires_at = excluded.expires_at
	`,
		r.AssetID, r.Filename, r.Subfolder, r.FolderType, r.PromptID, r.WorkflowID,
		r.CreatedAt.UTC(), expiresAt, r.MimeType, r.Width, r.Height, r.BytesSize,
		string(metadata), r.SessionID,
	)
	if err != nil {
		return fmt.Errorf("save asset %s: %w", r.AssetID, err)
	}
	return nil
}

// LoadRecords reads every persisted record.
func (s *SQLiteStore) LoadRecords() ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT asset_id, filename, subfolder, folder_type, prompt_id, workflow_id,
		       created_at, expires_at, mime_type, width, height, bytes_size, metadata, session_id
		FROM assets
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		var expiresAt sql.NullTime
		var metadata sql.NullString
		if err := rows.Scan(
			&r.AssetID, &r.Filename, &r.Subfolder, &r.FolderType, &r.PromptID, &r.WorkflowID,
			&r.CreatedAt, &expiresAt, &r.MimeType, &r.Width, &r.Height, &r.BytesSize,
			&metadata, &r.SessionID,
		); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		if expiresAt.Valid {
			r.ExpiresAt = expiresAt.Time
		}
		if metadata.Valid && metadata.String != "" && metadata.String != "null" {
			if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for asset %s: %w", r.AssetID, err)
			}
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// DeleteRecord removes one persisted record; missing ids are not an error.
func (s *SQLiteStore) DeleteRecord(assetID string) error {
	if _, err := s.db.Exec(`DELETE FROM assets WHERE asset_id = ?`, assetID); err != nil {
		return fmt.Errorf("delete asset %s: %w", assetID, err)
	}
	return nil
}

// PurgeExpired deletes persisted records whose TTL elapsed before now.
func (s *SQLiteStore) PurgeExpired(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM assets WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired assets: %w", err)
	}
	return res.RowsAffected()
}
