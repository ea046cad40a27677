package vault

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// IntegrityCheckResult is the outcome of CheckIntegrity.
type IntegrityCheckResult struct {
	Valid            bool     `json:"valid"`
	SaltExists       bool     `json:"salt_exists"`
	MetaValid        bool     `json:"meta_valid"`
	DBExists         bool     `json:"db_exists"`
	DBIntegrity      bool     `json:"db_integrity"`
	PermissionsValid bool     `json:"permissions_valid"`
	SchemaVersion    int      `json:"schema_version"`
	Errors           []string `json:"errors,omitempty"`
}

func (r *IntegrityCheckResult) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *IntegrityCheckResult) checkPerm(name string, info os.FileInfo, expected string) {
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		r.PermissionsValid = false
		r.fail("%s has insecure permissions: %04o (expected %s)", name, perm, expected)
	}
}

// CheckIntegrity inspects the vault files without unlocking: salt size,
// metadata JSON, permissions, schema version and SQLite integrity_check.
func (s *Store) CheckIntegrity() (*IntegrityCheckResult, error) {
	result := &IntegrityCheckResult{Valid: true, PermissionsValid: true}

	if info, err := os.Stat(s.path); err == nil {
		result.checkPerm("vault directory", info, "0700")
	}

	saltPath := filepath.Join(s.path, SaltFileName)
	if info, err := os.Stat(saltPath); err != nil {
		result.fail("salt file not found: %s", saltPath)
	} else {
		result.SaltExists = true
		if info.Size() != SaltLength {
			result.fail("salt file has incorrect size: expected %d, got %d", SaltLength, info.Size())
		}
		result.checkPerm("salt file", info, "0600")
	}

	metaPath := filepath.Join(s.path, MetaFileName)
	if info, err := os.Stat(metaPath); err != nil {
		result.fail("metadata file not found: %s", metaPath)
	} else {
		result.checkPerm("metadata file", info, "0600")
		result.MetaValid = checkMeta(metaPath, result)
	}

	dbPath := filepath.Join(s.path, DBFileName)
	info, err := os.Stat(dbPath)
	if err != nil {
		result.fail("database file not found: %s", dbPath)
		return result, nil
	}
	result.DBExists = true
	result.checkPerm("database file", info, "0600")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		result.fail("failed to open database: %v", err)
		return result, nil
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&integrity); err != nil {
		result.fail("database integrity check failed: %v", err)
		return result, nil
	}
	if integrity != "ok" {
		result.fail("database integrity check returned: %s", integrity)
		return result, nil
	}

	for _, table := range []string{"vault_keys", "credentials"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			result.fail("required table not found: %s", table)
		}
	}

	version, err := getSchemaVersion(db)
	if err != nil {
		result.fail("%v", err)
	} else {
		result.SchemaVersion = version
		if version > CurrentSchemaVersion {
			result.fail("schema v%d is newer than supported v%d", version, CurrentSchemaVersion)
		}
	}

	result.DBIntegrity = len(result.Errors) == 0
	return result, nil
}

func checkMeta(path string, result *IntegrityCheckResult) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		result.fail("failed to read metadata file: %v", err)
		return false
	}
	var meta VaultMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		result.fail("metadata file is not valid JSON: %v", err)
		return false
	}
	if meta.Version == "" {
		result.fail("metadata file missing version field")
		return false
	}
	if !meta.KDF.Valid() {
		result.fail("metadata file missing KDF parameters")
		return false
	}
	return true
}
