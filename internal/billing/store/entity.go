package store

import (
	"database/sql"
	"fmt"
)

// EntityStore maintains the user and organization mirrors the identity
// resolver checks against. Rows are synced from the authenticated session on
// each request, so an entity exists locally before its first checkout.
type EntityStore struct {
	db *sql.DB
}

func NewEntityStore(db *sql.DB) *EntityStore {
	return &EntityStore{db: db}
}

func (s *EntityStore) UserExists(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM users WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("user exists: %w", err)
	}
	return true, nil
}

func (s *EntityStore) OrganizationExists(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM organizations WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("organization exists: %w", err)
	}
	return true, nil
}

func (s *EntityStore) SyncUser(id, email, name string) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, email, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			updated_at = CURRENT_TIMESTAMP`,
		id, email, name)
	if err != nil {
		return fmt.Errorf("sync user: %w", err)
	}
	return nil
}

func (s *EntityStore) SyncOrganization(id, name string) error {
	_, err := s.db.Exec(`
		INSERT INTO organizations (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			updated_at = CURRENT_TIMESTAMP`,
		id, name)
	if err != nil {
		return fmt.Errorf("sync organization: %w", err)
	}
	return nil
}
