// Package engine drives the document action-request lifecycle: request
// resolution, action-taken recording and membership propagation. Each public
// operation runs in one transaction and appends its route-log events inside
// that transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docflow/internal/authz"
	"docflow/internal/config"
	"docflow/internal/domain"
	"docflow/internal/events"
	"docflow/internal/identity"
	"docflow/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Identity identity.Service
	Roles    identity.RoleResolver
	Authz    authz.Service
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Identity: identity.Service{DB: db},
		Authz:    authz.Service{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
	e.Roles = identity.ConfigRoles{Config: cfg}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ConflictError reports that a concurrent operation modified the document
// while this one was in flight. The caller retries the whole operation.
type ConflictError struct {
	DocumentID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("document %s was modified concurrently; retry", e.DocumentID)
}

// DocumentStateError reports an operation attempted against a document no
// longer accepting it.
type DocumentStateError struct {
	DocumentID string
	Status     string
}

func (e DocumentStateError) Error() string {
	return fmt.Sprintf("document %s is %s", e.DocumentID, e.Status)
}

// UnresolvableRecipientError is the soft routing anomaly for a recipient that
// resolves to zero principals. The request stays initialized and the rest of
// the batch proceeds.
type UnresolvableRecipientError struct {
	RequestID     string
	RecipientType string
	Recipient     string
}

func (e UnresolvableRecipientError) Error() string {
	return fmt.Sprintf("%s recipient %s on request %s resolved to no principals", e.RecipientType, e.Recipient, e.RequestID)
}

// DocumentCreateOptions are parameters for creating a document.
type DocumentCreateOptions struct {
	ID          string
	DocType     string
	Title       string
	InitiatorID string
	RouteNode   string
	ActorID     string
}

func (e Engine) CreateDocument(ctx context.Context, opts DocumentCreateOptions) (domain.Document, error) {
	if e.Config == nil {
		return domain.Document{}, errors.New("config not loaded")
	}
	if opts.DocType == "" {
		return domain.Document{}, errors.New("doc-type is required")
	}
	if opts.Title == "" {
		return domain.Document{}, errors.New("title is required")
	}
	if opts.InitiatorID == "" {
		return domain.Document{}, errors.New("initiator is required")
	}
	now := e.nowRFC3339()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	d := domain.Document{
		ID:          id,
		DocType:     opts.DocType,
		Title:       opts.Title,
		Status:      domain.DocumentEnroute,
		InitiatorID: opts.InitiatorID,
		RouteNode:   opts.RouteNode,
		RouteLevel:  0,
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
		return domain.Document{}, fmt.Errorf("insert document: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "document.created", d.ID, "document", d.ID, opts.ActorID, events.EventPayload{
		"doc_type": d.DocType,
		"title":    d.Title,
		"status":   d.Status,
	}); err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

// effectivePolicy layers a document type's stored config over the loaded one.
func (e Engine) effectivePolicy(ctx context.Context, docType string) (config.DocTypePolicy, error) {
	stored, err := e.Repo.GetDocTypeConfig(ctx, docType)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return config.DocTypePolicy{}, err
	}
	if stored != nil {
		return stored.PolicyFor(docType), nil
	}
	if e.Config == nil {
		return config.DocTypePolicy{}, errors.New("config not loaded")
	}
	return e.Config.PolicyFor(docType), nil
}

// effectivePolicyTx is the in-transaction variant; the pool is capped at one
// connection, so a non-tx query inside an open transaction would deadlock.
func (e Engine) effectivePolicyTx(ctx context.Context, tx *sql.Tx, docType string) (config.DocTypePolicy, error) {
	stored, err := e.Repo.GetDocTypeConfigTx(ctx, tx, docType)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return config.DocTypePolicy{}, err
	}
	if stored != nil {
		return stored.PolicyFor(docType), nil
	}
	if e.Config == nil {
		return config.DocTypePolicy{}, errors.New("config not loaded")
	}
	return e.Config.PolicyFor(docType), nil
}

// completeDocument writes the guarded document update that serializes
// concurrent operations on the same document.
func (e Engine) completeDocument(ctx context.Context, tx *sql.Tx, d domain.Document, expectedVersion int64) error {
	d.UpdatedAt = e.nowRFC3339()
	err := e.Repo.UpdateDocumentGuarded(ctx, tx, d, expectedVersion)
	if errors.Is(err, repo.ErrStaleVersion) {
		return ConflictError{DocumentID: d.ID}
	}
	return err
}
