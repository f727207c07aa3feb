// internal/database/db.go
package database

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Database wraps the SQLite database connection
type Database struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	d := &Database{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS provider_api_configs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		base_url TEXT NOT NULL DEFAULT '',
		auth_token TEXT NOT NULL DEFAULT '',
		is_default INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_provider_api_configs_provider ON provider_api_configs(provider_id);

	CREATE TABLE IF NOT EXISTS turn_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		project_path TEXT NOT NULL,
		permission_mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		attempts INTEGER NOT NULL DEFAULT 0,
		user_message_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_turn_runs_session ON turn_runs(session_id);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// SaveProviderApiConfig saves or updates a provider API config. A default
// config clears the default flag of the provider's other configs.
func (d *Database) SaveProviderApiConfig(config *ProviderApiConfig) error {
	now := time.Now()
	config.UpdatedAt = now
	if config.CreatedAt.IsZero() {
		config.CreatedAt = now
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if config.IsDefault {
		if _, err := tx.Exec(`UPDATE provider_api_configs SET is_default = 0 WHERE provider_id = ? AND id != ?`,
			config.ProviderID, config.ID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO provider_api_configs
		(id, name, provider_id, base_url, auth_token, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		config.ID, config.Name, config.ProviderID, config.BaseURL, config.AuthToken,
		config.IsDefault, config.CreatedAt, config.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

const providerConfigColumns = `id, name, provider_id, base_url, auth_token, is_default, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProviderConfig(row scanner) (*ProviderApiConfig, error) {
	config := &ProviderApiConfig{}
	err := row.Scan(&config.ID, &config.Name, &config.ProviderID, &config.BaseURL, &config.AuthToken,
		&config.IsDefault, &config.CreatedAt, &config.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// GetProviderApiConfig retrieves a provider API config by ID
func (d *Database) GetProviderApiConfig(id string) (*ProviderApiConfig, error) {
	return scanProviderConfig(d.db.QueryRow(`SELECT `+providerConfigColumns+` FROM provider_api_configs WHERE id = ?`, id))
}

// GetDefaultProviderApiConfig retrieves the default config for a provider.
// It returns sql.ErrNoRows when the provider has none.
func (d *Database) GetDefaultProviderApiConfig(providerID string) (*ProviderApiConfig, error) {
	return scanProviderConfig(d.db.QueryRow(`SELECT `+providerConfigColumns+`
		FROM provider_api_configs WHERE provider_id = ? AND is_default = 1`, providerID))
}

// GetAllProviderApiConfigs retrieves all provider API configs
func (d *Database) GetAllProviderApiConfigs() ([]*ProviderApiConfig, error) {
	rows, err := d.db.Query(`SELECT ` + providerConfigColumns + ` FROM provider_api_configs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*ProviderApiConfig
	for rows.Next() {
		config, err := scanProviderConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, config)
	}
	return configs, rows.Err()
}

// DeleteProviderApiConfig deletes a provider API config by ID
func (d *Database) DeleteProviderApiConfig(id string) error {
	_, err := d.db.Exec("DELETE FROM provider_api_configs WHERE id = ?", id)
	return err
}
