package vault

import (
	"database/sql"
	"errors"
	"fmt"
)

// Schema versions.
const (
	// SchemaVersion1 holds vault_keys and credentials(id_hash, record, created_at).
	SchemaVersion1 = 1
	// SchemaVersion2 adds credentials.updated_at so replacements are visible
	// without decrypting records.
	SchemaVersion2 = 2
	// CurrentSchemaVersion is the version created by Init.
	CurrentSchemaVersion = SchemaVersion2
)

// ErrUnsupportedSchema is returned when a vault was written by a newer release.
var ErrUnsupportedSchema = errors.New("vault: database schema is newer than this release supports")

// createTables creates the current schema on an empty database.
func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vault_keys (
			id INTEGER PRIMARY KEY,
			encrypted_dek BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	// record is the AES-GCM sealed JSON credential with the nonce prepended;
	// id_hash is SHA-256 of "username:issuer" and is also the sealing AAD.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			id INTEGER PRIMARY KEY,
			id_hash TEXT UNIQUE NOT NULL,
			record BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	return setSchemaVersion(db, CurrentSchemaVersion)
}

// getSchemaVersion returns the stored schema version, or 1 for databases that
// predate the schema_version table.
func getSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return SchemaVersion1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vault: failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return SchemaVersion1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vault: failed to get schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("vault: failed to create schema_version table: %w", err)
	}

	if _, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("vault: failed to set schema version: %w", err)
	}
	return nil
}

// migrateSchema brings db up to CurrentSchemaVersion.
func migrateSchema(db *sql.DB) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("%w: found v%d, support up to v%d", ErrUnsupportedSchema, version, CurrentSchemaVersion)
	}

	if version < SchemaVersion2 {
		if err := migrateToV2(db); err != nil {
			return fmt.Errorf("vault: migration to v2 failed: %w", err)
		}
	}
	return nil
}

// migrateToV2 adds credentials.updated_at and backfills it from created_at.
// Safe to re-run.
func migrateToV2(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	columns, err := getTableColumns(tx, "credentials")
	if err != nil {
		return fmt.Errorf("failed to get table columns: %w", err)
	}

	// SQLite rejects non-constant defaults in ALTER TABLE, so backfill instead.
	if !columns["updated_at"] {
		if _, err := tx.Exec("ALTER TABLE credentials ADD COLUMN updated_at TIMESTAMP"); err != nil {
			return fmt.Errorf("failed to add updated_at column: %w", err)
		}
	}
	if _, err := tx.Exec("UPDATE credentials SET updated_at = created_at WHERE updated_at IS NULL"); err != nil {
		return fmt.Errorf("failed to backfill updated_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return setSchemaVersion(db, SchemaVersion2)
}

// getTableColumns returns the column names of tableName.
func getTableColumns(tx *sql.Tx, tableName string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	return columns, rows.Err()
}
