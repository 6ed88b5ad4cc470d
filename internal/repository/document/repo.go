package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/dossier-executor/internal/model"
)

var ErrDocumentNotFound = errors.New("document not found")

// Repository reads BI documents and their drivers.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// GetByLabel loads a document with its drivers in declared order.
func (r *Repository) GetByLabel(ctx context.Context, label string) (model.Document, error) {
	query := `
		SELECT d.id, d.name, d.organization, d.exec_roles,
		       COALESCE(
		           json_agg(json_build_object('url_name', dd.url_name, 'label', dd.label, 'position', dd.position)
		                    ORDER BY dd.position) FILTER (WHERE dd.url_name IS NOT NULL),
		           '[]'
		       )
		FROM documents d
		LEFT JOIN document_drivers dd ON dd.document_id = d.id
		WHERE d.label = $1
		GROUP BY d.id
    `

	var doc model.Document
	var rolesBytes, driversBytes []byte

	err := r.db.QueryRowContext(ctx, query, label).Scan(
		&doc.ID, &doc.Name, &doc.Organization, &rolesBytes, &driversBytes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Document{}, ErrDocumentNotFound
		}

		return model.Document{}, fmt.Errorf("get: failed to get document: %w", err)
	}

	if err := json.Unmarshal(rolesBytes, &doc.ExecRoles); err != nil {
		return model.Document{}, fmt.Errorf("get: failed to unmarshal roles: %w", err)
	}

	if err := json.Unmarshal(driversBytes, &doc.Drivers); err != nil {
		return model.Document{}, fmt.Errorf("get: failed to unmarshal drivers: %w", err)
	}

	doc.Label = label

	return doc, nil
}
