package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"docflow/internal/config"
	"docflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleVersion signals that a guarded document update lost a concurrent
// race; the caller retries the whole operation.
var ErrStaleVersion = errors.New("stale document version")

// --- documents ---

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,doc_type,title,status,initiator_id,route_node,route_level,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.DocType, d.Title, d.Status, d.InitiatorID, nullable(d.RouteNode), d.RouteLevel, d.Version, d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDocument(row *sql.Row) (domain.Document, error) {
	var d domain.Document
	var routeNode sql.NullString
	err := row.Scan(&d.ID, &d.DocType, &d.Title, &d.Status, &d.InitiatorID, &routeNode, &d.RouteLevel, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if routeNode.Valid {
		d.RouteNode = routeNode.String
	}
	return d, err
}

const documentColumns = `id,doc_type,title,status,initiator_id,route_node,route_level,version,created_at,updated_at`

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	return scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

func (r Repo) ListDocuments(ctx context.Context, limit int) ([]domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		var routeNode sql.NullString
		if err := rows.Scan(&d.ID, &d.DocType, &d.Title, &d.Status, &d.InitiatorID, &routeNode, &d.RouteLevel, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if routeNode.Valid {
			d.RouteNode = routeNode.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpdateDocumentGuarded writes document state only if the stored version
// still matches; this is the per-document serialization boundary.
func (r Repo) UpdateDocumentGuarded(ctx context.Context, tx *sql.Tx, d domain.Document, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET status=?, route_node=?, route_level=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		d.Status, nullable(d.RouteNode), d.RouteLevel, d.UpdatedAt, d.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := r.GetDocumentTx(ctx, tx, d.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleVersion
	}
	return nil
}

// --- action requests ---

const requestColumns = `id,document_id,parent_id,action_requested,status,recipient_type,principal_id,group_id,role_name,qualifier,delegation_type,responsibility_id,priority,route_node,route_level,force_action,approve_policy,current_indicator,annotation,action_taken_id,created_at`

func (r Repo) InsertActionRequest(ctx context.Context, tx *sql.Tx, req domain.ActionRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO action_requests(`+requestColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.DocumentID, nullableStringPtr(req.ParentID), req.ActionRequested, req.Status, req.RecipientType,
		nullableStringPtr(req.PrincipalID), nullableStringPtr(req.GroupID), nullableStringPtr(req.RoleName), nullableStringPtr(req.Qualifier),
		req.DelegationType, nullable(req.ResponsibilityID), req.Priority, nullable(req.RouteNode), req.RouteLevel,
		boolToInt(req.ForceAction), req.ApprovePolicy, boolToInt(req.CurrentIndicator), nullable(req.Annotation),
		nullableStringPtr(req.ActionTakenID), req.CreatedAt)
	return err
}

type requestScanner interface {
	Scan(dest ...any) error
}

func scanActionRequest(s requestScanner) (domain.ActionRequest, error) {
	var req domain.ActionRequest
	var parentID, principalID, groupID, roleName, qualifier, responsibilityID, routeNode, annotation, actionTakenID sql.NullString
	var forceAction, currentIndicator int
	err := s.Scan(&req.ID, &req.DocumentID, &parentID, &req.ActionRequested, &req.Status, &req.RecipientType,
		&principalID, &groupID, &roleName, &qualifier, &req.DelegationType, &responsibilityID, &req.Priority,
		&routeNode, &req.RouteLevel, &forceAction, &req.ApprovePolicy, &currentIndicator, &annotation, &actionTakenID, &req.CreatedAt)
	if err != nil {
		return req, err
	}
	if parentID.Valid {
		req.ParentID = &parentID.String
	}
	if principalID.Valid {
		req.PrincipalID = &principalID.String
	}
	if groupID.Valid {
		req.GroupID = &groupID.String
	}
	if roleName.Valid {
		req.RoleName = &roleName.String
	}
	if qualifier.Valid {
		req.Qualifier = &qualifier.String
	}
	if responsibilityID.Valid {
		req.ResponsibilityID = responsibilityID.String
	}
	if routeNode.Valid {
		req.RouteNode = routeNode.String
	}
	if annotation.Valid {
		req.Annotation = annotation.String
	}
	if actionTakenID.Valid {
		req.ActionTakenID = &actionTakenID.String
	}
	req.ForceAction = forceAction != 0
	req.CurrentIndicator = currentIndicator != 0
	return req, nil
}

func (r Repo) GetActionRequest(ctx context.Context, id string) (domain.ActionRequest, error) {
	req, err := scanActionRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM action_requests WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	return req, err
}

func (r Repo) GetActionRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.ActionRequest, error) {
	req, err := scanActionRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM action_requests WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	return req, err
}

func (r Repo) queryRequests(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, query string, args ...any) ([]domain.ActionRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionRequest
	for rows.Next() {
		req, err := scanActionRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// ListCurrentRequests returns the live request forest for a document.
func (r Repo) ListCurrentRequests(ctx context.Context, documentID string) ([]domain.ActionRequest, error) {
	return r.queryRequests(ctx, r.DB, `SELECT `+requestColumns+` FROM action_requests WHERE document_id=? AND current_indicator=1 ORDER BY created_at, id`, documentID)
}

func (r Repo) ListPendingRequestsTx(ctx context.Context, tx *sql.Tx, documentID string) ([]domain.ActionRequest, error) {
	return r.queryRequests(ctx, tx, `SELECT `+requestColumns+` FROM action_requests WHERE document_id=? AND current_indicator=1 AND status!=? ORDER BY created_at, id`,
		documentID, domain.RequestDone)
}

func (r Repo) ListChildRequestsTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.ActionRequest, error) {
	return r.queryRequests(ctx, tx, `SELECT `+requestColumns+` FROM action_requests WHERE parent_id=? AND current_indicator=1 ORDER BY created_at, id`, parentID)
}

// ListPendingRequestsByGroupTx serves membership propagation: every live
// request addressed to the group.
func (r Repo) ListPendingRequestsByGroupTx(ctx context.Context, tx *sql.Tx, groupID string) ([]domain.ActionRequest, error) {
	return r.queryRequests(ctx, tx, `SELECT `+requestColumns+` FROM action_requests WHERE group_id=? AND current_indicator=1 AND status!=? ORDER BY created_at, id`,
		groupID, domain.RequestDone)
}

// ListPendingRoleRequestsTx serves role membership propagation: every live
// role-rooted request for the named role.
func (r Repo) ListPendingRoleRequestsTx(ctx context.Context, tx *sql.Tx, roleName string) ([]domain.ActionRequest, error) {
	return r.queryRequests(ctx, tx, `SELECT `+requestColumns+` FROM action_requests WHERE role_name=? AND current_indicator=1 AND status!=? ORDER BY created_at, id`,
		roleName, domain.RequestDone)
}

// ListPendingRequestsForPrincipalTx returns pending requests a principal is
// addressed by, via the materialized action items.
func (r Repo) ListPendingRequestsForPrincipalTx(ctx context.Context, tx *sql.Tx, documentID, principalID string) ([]domain.ActionRequest, error) {
	cols := make([]string, 0)
	for _, c := range strings.Split(requestColumns, ",") {
		cols = append(cols, "ar."+c)
	}
	query := `SELECT ` + strings.Join(cols, ",") + ` FROM action_requests ar
JOIN action_items ai ON ai.action_request_id=ar.id
WHERE ar.document_id=? AND ai.principal_id=? AND ar.current_indicator=1 AND ar.status!=?
ORDER BY ar.created_at, ar.id`
	return r.queryRequests(ctx, tx, query, documentID, principalID, domain.RequestDone)
}

// MarkRequestDoneTx transitions a request to done. The status guard keeps
// the transition monotonic; a done request is never resurrected.
func (r Repo) MarkRequestDoneTx(ctx context.Context, tx *sql.Tx, requestID string, actionTakenID *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE action_requests SET status=?, action_taken_id=COALESCE(?, action_taken_id) WHERE id=? AND status!=?`,
		domain.RequestDone, nullableStringPtr(actionTakenID), requestID, domain.RequestDone)
	return err
}

func (r Repo) ActivateRequestTx(ctx context.Context, tx *sql.Tx, requestID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE action_requests SET status=? WHERE id=? AND status=?`,
		domain.RequestActivated, requestID, domain.RequestInitialized)
	return err
}

// --- action items ---

const itemColumns = `id,document_id,action_request_id,principal_id,action_requested,delegator_id,created_at`

func (r Repo) InsertActionItemTx(ctx context.Context, tx *sql.Tx, item domain.ActionItem) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO action_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?)`,
		item.ID, item.DocumentID, item.ActionRequestID, item.PrincipalID, item.ActionRequested, nullableStringPtr(item.DelegatorID), item.CreatedAt)
	return err
}

func (r Repo) DeleteActionItemsByRequestTx(ctx context.Context, tx *sql.Tx, requestID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM action_items WHERE action_request_id=?`, requestID)
	return err
}

func (r Repo) DeleteActionItemTx(ctx context.Context, tx *sql.Tx, requestID, principalID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM action_items WHERE action_request_id=? AND principal_id=?`, requestID, principalID)
	return err
}

func scanActionItems(rows *sql.Rows) ([]domain.ActionItem, error) {
	defer rows.Close()
	var res []domain.ActionItem
	for rows.Next() {
		var item domain.ActionItem
		var delegator sql.NullString
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.ActionRequestID, &item.PrincipalID, &item.ActionRequested, &delegator, &item.CreatedAt); err != nil {
			return nil, err
		}
		if delegator.Valid {
			item.DelegatorID = &delegator.String
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) ListActionItemsByRequestTx(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.ActionItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM action_items WHERE action_request_id=? ORDER BY principal_id`, requestID)
	if err != nil {
		return nil, err
	}
	return scanActionItems(rows)
}

// ListPendingActionItems is the full per-principal action list; documentID
// narrows it to one document when non-empty.
func (r Repo) ListPendingActionItems(ctx context.Context, principalID, documentID string) ([]domain.ActionItem, error) {
	clauses := []string{"principal_id=?"}
	args := []any{principalID}
	if documentID != "" {
		clauses = append(clauses, "document_id=?")
		args = append(args, documentID)
	}
	query := `SELECT ` + itemColumns + ` FROM action_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanActionItems(rows)
}

func (r Repo) ListActionItemsByDocument(ctx context.Context, documentID string) ([]domain.ActionItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM action_items WHERE document_id=? ORDER BY principal_id, created_at`, documentID)
	if err != nil {
		return nil, err
	}
	return scanActionItems(rows)
}

// --- actions taken ---

func (r Repo) InsertActionTakenTx(ctx context.Context, tx *sql.Tx, at domain.ActionTaken) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actions_taken(id,document_id,principal_id,action_code,annotation,created_at) VALUES (?,?,?,?,?,?)`,
		at.ID, at.DocumentID, at.PrincipalID, at.ActionCode, nullable(at.Annotation), at.CreatedAt)
	return err
}

func (r Repo) ListActionsTaken(ctx context.Context, documentID string) ([]domain.ActionTaken, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,document_id,principal_id,action_code,annotation,created_at FROM actions_taken WHERE document_id=? ORDER BY created_at, id`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionTaken
	for rows.Next() {
		var at domain.ActionTaken
		var annotation sql.NullString
		if err := rows.Scan(&at.ID, &at.DocumentID, &at.PrincipalID, &at.ActionCode, &annotation, &at.CreatedAt); err != nil {
			return nil, err
		}
		if annotation.Valid {
			at.Annotation = annotation.String
		}
		res = append(res, at)
	}
	return res, rows.Err()
}

// ActionCodesTakenByTx lists the codes a principal has recorded on a
// document, for prior-action suppression.
func (r Repo) ActionCodesTakenByTx(ctx context.Context, tx *sql.Tx, documentID, principalID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT action_code FROM actions_taken WHERE document_id=? AND principal_id=?`, documentID, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// PrincipalsWhoTookTx returns distinct principals that recorded any of the
// given codes on the document.
func (r Repo) PrincipalsWhoTookTx(ctx context.Context, tx *sql.Tx, documentID string, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")
	args := []any{documentID}
	for _, c := range codes {
		args = append(args, c)
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT principal_id FROM actions_taken WHERE document_id=? AND action_code IN (%s) ORDER BY principal_id`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- document type configs ---

func (r Repo) UpsertDocTypeConfig(ctx context.Context, docType string, cfg *config.Config) error {
	return upsertDocTypeConfig(ctx, r.DB, nil, docType, cfg)
}

func (r Repo) UpsertDocTypeConfigTx(ctx context.Context, tx *sql.Tx, docType string, cfg *config.Config) error {
	return upsertDocTypeConfig(ctx, nil, tx, docType, cfg)
}

func upsertDocTypeConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, docType string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO doc_type_configs(doc_type,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(doc_type) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, docType, string(payload), now, now)
	return err
}

func (r Repo) GetDocTypeConfig(ctx context.Context, docType string) (*config.Config, error) {
	return decodeDocTypeConfig(r.DB.QueryRowContext(ctx, `SELECT config_json FROM doc_type_configs WHERE doc_type=?`, docType))
}

func (r Repo) GetDocTypeConfigTx(ctx context.Context, tx *sql.Tx, docType string) (*config.Config, error) {
	return decodeDocTypeConfig(tx.QueryRowContext(ctx, `SELECT config_json FROM doc_type_configs WHERE doc_type=?`, docType))
}

func decodeDocTypeConfig(row *sql.Row) (*config.Config, error) {
	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, documentID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, documentID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, documentID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if documentID != "" {
		clauses = append(clauses, "document_id=?")
		args = append(args, documentID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,document_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, documentID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if documentID != "" {
		clauses = append(clauses, "document_id=?")
		args = append(args, documentID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,document_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

func (r Repo) scanEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var documentID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &documentID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if documentID.Valid {
			e.DocumentID = documentID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally per document.
func (r Repo) LatestEventID(ctx context.Context, documentID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if documentID != "" {
		query += ` WHERE document_id=?`
		args = append(args, documentID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
