package app

import (
	"context"
	"errors"

	"docflow/internal/config"
	"docflow/internal/repo"
)

// ResolveConfig loads the workspace config, falling back to the embedded
// default when docflow.yml is absent.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// SeedDocTypeConfigs stores the config for each cataloged document type that
// has no stored config yet, so later config edits do not rewrite policy under
// documents already in flight.
func SeedDocTypeConfigs(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	for docType := range cfg.DocumentTypes.Catalog {
		_, err := r.GetDocTypeConfig(ctx, docType)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := r.UpsertDocTypeConfig(ctx, docType, cfg); err != nil {
			return err
		}
	}
	return nil
}
