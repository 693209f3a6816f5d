package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/bywater/internal/billing/model"
)

type ProductStore struct {
	db *sql.DB
}

func NewProductStore(db *sql.DB) *ProductStore {
	return &ProductStore{db: db}
}

const productCols = `id, name, description, is_recurring, is_archived, polar_organization_id, modified_at, created_at, updated_at`

func scanProduct(scanner interface{ Scan(...any) error }) (*model.Product, error) {
	var p model.Product
	var isRecurring, isArchived int
	err := scanner.Scan(
		&p.ID, &p.Name, &p.Description, &isRecurring, &isArchived,
		&p.PolarOrganizationID, &p.ModifiedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.IsRecurring = isRecurring != 0
	p.IsArchived = isArchived != 0
	return &p, nil
}

// Upsert creates or updates a product keyed by the provider's product ID,
// last-writer-wins on modified_at like the subscription upsert.
func (s *ProductStore) Upsert(p *model.Product) (applied bool, err error) {
	recurring, archived := 0, 0
	if p.IsRecurring {
		recurring = 1
	}
	if p.IsArchived {
		archived = 1
	}
	res, err := s.db.Exec(`
		INSERT INTO products (id, name, description, is_recurring, is_archived, polar_organization_id, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			is_recurring = excluded.is_recurring,
			is_archived = excluded.is_archived,
			polar_organization_id = excluded.polar_organization_id,
			modified_at = excluded.modified_at,
			updated_at = CURRENT_TIMESTAMP
		WHERE excluded.modified_at >= products.modified_at`,
		p.ID, p.Name, p.Description, recurring, archived, p.PolarOrganizationID, p.ModifiedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("upsert product: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *ProductStore) GetByID(id string) (*model.Product, error) {
	row := s.db.QueryRow(`SELECT `+productCols+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}
