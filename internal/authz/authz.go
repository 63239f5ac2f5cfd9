// Package authz answers whether a principal may record an action on a
// document, based on the live requests addressed to them.
package authz

import (
	"context"
	"database/sql"
	"fmt"

	"docflow/internal/domain"
)

// AuthorizationError indicates the principal holds no pending request the
// attempted action would satisfy.
type AuthorizationError struct {
	PrincipalID string
	ActionCode  string
	DocumentID  string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("principal %s is not authorized to take %s on document %s", e.PrincipalID, e.ActionCode, e.DocumentID)
}

// Service provides addressing checks backed by SQL.
type Service struct {
	DB *sql.DB
}

// AddressedRequestIDs returns the live request ids whose materialized items
// name the principal on the document.
func (s Service) AddressedRequestIDs(ctx context.Context, tx *sql.Tx, documentID, principalID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT ar.id FROM action_requests ar
JOIN action_items ai ON ai.action_request_id=ar.id
WHERE ar.document_id=? AND ai.principal_id=? AND ar.current_indicator=1 AND ar.status!=?
ORDER BY ar.id`, documentID, principalID, domain.RequestDone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsAddressed reports whether the principal holds any live item on the
// document.
func (s Service) IsAddressed(ctx context.Context, tx *sql.Tx, documentID, principalID string) (bool, error) {
	ids, err := s.AddressedRequestIDs(ctx, tx, documentID, principalID)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}
