package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukerupert/bywater/internal/billing/model"
)

type CustomerLinkStore struct {
	db *sql.DB
}

func NewCustomerLinkStore(db *sql.DB) *CustomerLinkStore {
	return &CustomerLinkStore{db: db}
}

const customerLinkCols = `id, polar_customer_id, user_id, organization_id, created_at, updated_at`

func scanCustomerLink(scanner interface{ Scan(...any) error }) (*model.CustomerLink, error) {
	var link model.CustomerLink
	var userID, orgID sql.NullString
	err := scanner.Scan(&link.ID, &link.PolarCustomerID, &userID, &orgID, &link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		link.UserID = &userID.String
	}
	if orgID.Valid {
		link.OrganizationID = &orgID.String
	}
	return &link, nil
}

// Upsert records which local entity owns a provider customer ID. An update
// never clears an existing linkage: nil IDs leave the stored columns alone.
func (s *CustomerLinkStore) Upsert(polarCustomerID string, userID, orgID *string) error {
	if userID == nil && orgID == nil {
		return fmt.Errorf("upsert customer link: user or organization required")
	}
	_, err := s.db.Exec(`
		INSERT INTO customer_links (id, polar_customer_id, user_id, organization_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(polar_customer_id) DO UPDATE SET
			user_id = COALESCE(excluded.user_id, customer_links.user_id),
			organization_id = COALESCE(excluded.organization_id, customer_links.organization_id),
			updated_at = CURRENT_TIMESTAMP`,
		uuid.NewString(), polarCustomerID, userID, orgID,
	)
	if err != nil {
		return fmt.Errorf("upsert customer link: %w", err)
	}
	return nil
}

func (s *CustomerLinkStore) GetByPolarCustomerID(polarCustomerID string) (*model.CustomerLink, error) {
	row := s.db.QueryRow(`SELECT `+customerLinkCols+` FROM customer_links WHERE polar_customer_id = ?`, polarCustomerID)
	link, err := scanCustomerLink(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer link: %w", err)
	}
	return link, nil
}
