package database

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one embedded schema file, named like "001_initial.sql"
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationManager applies the embedded schema migrations in version order
type MigrationManager struct {
	db    *sql.DB
	files fs.FS
	log   *zap.Logger
}

// NewMigrationManager creates a migration manager over the embedded migrations
func NewMigrationManager(db *sql.DB, log *zap.Logger) *MigrationManager {
	sub, _ := fs.Sub(migrationFiles, "migrations")
	return &MigrationManager{db: db, files: sub, log: log.Named("migrations")}
}

func (m *MigrationManager) ensureTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// applied maps version to recorded checksum
func (m *MigrationManager) applied() (map[int]string, error) {
	rows, err := m.db.Query("SELECT version, checksum FROM migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var version int
		var sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		out[version] = sum
	}
	return out, rows.Err()
}

func (m *MigrationManager) load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(e.Name(), "%d_", &version); err != nil {
			m.log.Warn("skipping migration file with invalid name", zap.String("file", e.Name()))
			continue
		}
		content, err := fs.ReadFile(m.files, e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(content)
		out = append(out, Migration{
			Version:  version,
			Name:     strings.TrimSuffix(e.Name(), ".sql"),
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Pending returns the migrations not yet applied. An applied migration whose
// file changed since is an error.
func (m *MigrationManager) Pending() ([]Migration, error) {
	if err := m.ensureTable(); err != nil {
		return nil, err
	}
	done, err := m.applied()
	if err != nil {
		return nil, err
	}
	all, err := m.load()
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, mig := range all {
		sum, ok := done[mig.Version]
		if !ok {
			pending = append(pending, mig)
			continue
		}
		if sum != "" && sum != mig.Checksum {
			return nil, fmt.Errorf("migration %s was modified after it was applied", mig.Name)
		}
	}
	return pending, nil
}

// RunMigrations applies every pending migration, each in its own transaction
func (m *MigrationManager) RunMigrations() error {
	pending, err := m.Pending()
	if err != nil {
		return err
	}
	for _, mig := range pending {
		err := Transaction(m.db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(mig.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}
			_, err := tx.Exec("INSERT INTO migrations (version, name, checksum) VALUES (?, ?, ?)",
				mig.Version, mig.Name, mig.Checksum)
			return err
		})
		if err != nil {
			return err
		}
		m.log.Info("applied migration", zap.Int("version", mig.Version), zap.String("name", mig.Name))
	}
	return nil
}
