package engine

import (
	"context"
	"errors"
	"testing"

	"docflow/internal/config"
	"docflow/internal/db"
	"docflow/internal/migrate"
)

// A writer that loses the document version race must come back as a
// ConflictError so the API can answer 409 and the caller can retry.
func TestConcurrentDocumentUpdateIsConflict(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default())
	ctx := context.Background()
	doc, err := e.CreateDocument(ctx, DocumentCreateOptions{
		DocType:     "memo",
		Title:       "t",
		InitiatorID: "init",
		ActorID:     "init",
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}

	// Another writer bumps the version after our snapshot was taken.
	if _, err := conn.ExecContext(ctx, `UPDATE documents SET version=version+1 WHERE id=?`, doc.ID); err != nil {
		t.Fatalf("bump version: %v", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = e.completeDocument(ctx, tx, doc, doc.Version)
	var conflict ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if conflict.DocumentID != doc.ID {
		t.Fatalf("conflict names document %s, want %s", conflict.DocumentID, doc.ID)
	}
}
