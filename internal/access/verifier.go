// Package access decides whether a caller may execute a document.
package access

import (
	"context"
	"slices"

	"github.com/aliskhannn/dossier-executor/internal/model"
	"github.com/aliskhannn/dossier-executor/internal/tenant"
)

// Verifier checks execution rights on documents.
type Verifier struct{}

// NewVerifier creates a new Verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// CanExecute reports whether the caller, acting with role, may execute doc.
// The document must belong to the tenant bound to ctx and list role among its
// execution roles.
func (v *Verifier) CanExecute(ctx context.Context, doc model.Document, profile model.Profile, role string) bool {
	t, ok := tenant.FromContext(ctx)
	if !ok || t.Name != profile.Organization {
		return false
	}

	if doc.Organization != "" && doc.Organization != t.Name {
		return false
	}

	return slices.Contains(doc.ExecRoles, role)
}
