package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"docflow/internal/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if _, ok := cfg.DocumentTypes.Catalog["purchase-order"]; !ok {
		t.Fatalf("default catalog missing purchase-order")
	}
}

func TestPolicyForLayersCatalogOverDefaults(t *testing.T) {
	cfg := config.Default()

	po := cfg.PolicyFor("purchase-order")
	if po.ApprovePolicy != "first" || po.InitiatorPolicy != "fyi" {
		t.Fatalf("purchase-order policy = %+v", po)
	}
	tr := cfg.PolicyFor("travel-request")
	if tr.ApprovePolicy != "all" || tr.InitiatorPolicy != "skip" {
		t.Fatalf("travel-request policy = %+v", tr)
	}
	memo := cfg.PolicyFor("memo")
	if memo.CompleteApproveSame == nil || !*memo.CompleteApproveSame {
		t.Fatalf("memo should set complete_approve_same")
	}

	// Unknown types fall back to defaults with every field filled in.
	unknown := cfg.PolicyFor("no-such-type")
	if unknown.ApprovePolicy != "first" || unknown.InitiatorPolicy != "none" {
		t.Fatalf("unknown type policy = %+v", unknown)
	}
	if unknown.CompleteApproveSame == nil {
		t.Fatalf("complete_approve_same must never be nil after layering")
	}
}

func TestFromYAMLRejectsBadPolicies(t *testing.T) {
	bad := [][]byte{
		[]byte("document_types:\n  defaults:\n    approve_policy: sometimes\n"),
		[]byte("document_types:\n  catalog:\n    memo:\n      initiator_policy: maybe\n"),
		[]byte("webhooks:\n  - events: [action.taken]\n"),
	}
	for i, data := range bad {
		if _, err := config.FromYAML(data); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file should be nil,nil; got %v %v", cfg, err)
	}

	path := filepath.Join(dir, "docflow.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg == nil || cfg.PolicyFor("travel-request").ApprovePolicy != "all" {
		t.Fatalf("loaded config should match the generated default")
	}
}

func TestRoundTripPreservesRoles(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
roles:
  catalog:
    fiscal-officer:
      members: [f1, f2]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	role, ok := cfg.Roles.Catalog["fiscal-officer"]
	if !ok || len(role.Members) != 2 {
		t.Fatalf("role catalog = %+v", cfg.Roles.Catalog)
	}
}
