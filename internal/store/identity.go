package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const nodeIDKey = "node_id"

// NodeID returns the persistent node identifier, generating one on first run.
// The identifier survives restarts so sequence numbers stay attributable.
func (d *DB) NodeID() (string, error) {
	var id string
	err := d.db.QueryRow(`SELECT value FROM node_config WHERE key = ?`, nodeIDKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to read node id: %w", err)
	}

	id = uuid.New().String()
	_, err = d.db.Exec(`INSERT INTO node_config (key, value) VALUES (?, ?)`, nodeIDKey, id)
	if err != nil {
		return "", fmt.Errorf("failed to persist node id: %w", err)
	}
	return id, nil
}

// GetSetting returns a node_config value, or empty string if unset
func (d *DB) GetSetting(key string) (string, error) {
	var val string
	err := d.db.QueryRow(`SELECT value FROM node_config WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return val, nil
}

// SetSetting upserts a node_config value
func (d *DB) SetSetting(key, value string) error {
	_, err := d.db.Exec(`
		INSERT INTO node_config (key, value, updated_at) VALUES (?, ?, unixepoch())
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = unixepoch()
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
