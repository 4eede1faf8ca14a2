package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"permitline/internal/domain"
)

func TestDefaultTemplateValidates(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("default template: %v", err)
	}
	if !cfg.Workflow.Drafts {
		t.Fatalf("expected drafts enabled by default")
	}
	if got := cfg.RequiredDocuments(domain.KindLostOrStolenReplacement, "any"); len(got) != 3 || got[2] != "police_report" {
		t.Fatalf("unexpected lost/stolen checklist %v", got)
	}
	p := cfg.ReopenPolicy()
	if !p.Allows(domain.KindNew, "any") || p.Allows(domain.KindRenewal, "any") {
		t.Fatalf("unexpected reopen policy %+v", p)
	}
}

func TestServiceChecklistReplacesKind(t *testing.T) {
	cfg, err := FromYAML([]byte(`
checklists:
  kinds:
    NEW: [a, b]
  services:
    import-permit: [c]
`))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.RequiredDocuments(domain.KindNew, "import-permit"); len(got) != 1 || got[0] != "c" {
		t.Fatalf("service checklist not applied: %v", got)
	}
	if got := cfg.RequiredDocuments(domain.KindNew, "other"); len(got) != 2 {
		t.Fatalf("kind checklist not applied: %v", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown reopen kind":  "workflow:\n  reopen_after_director_rejection:\n    kinds: [UPGRADE]\n",
		"unknown checklist":    "checklists:\n  kinds:\n    TRANSFER: [a]\n",
		"duplicate document":   "checklists:\n  kinds:\n    NEW: [a, a]\n",
		"bad webhook url":      "notifications:\n  webhook:\n    url: ftp://example.com\n",
		"kafka without topic":  "notifications:\n  kafka:\n    brokers: [localhost:9092]\n    topic: \"\"\n",
		"unknown audit filter": "webhooks:\n  - url: http://localhost:9000/hook\n    events: [TASK_DONE]\n",
		"negative cache ttl":   "dashboard:\n  cache_ttl_seconds: -1\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Certificates.Prefix != "CERT" {
		t.Fatalf("expected default prefix, got %q", cfg.Certificates.Prefix)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "permitline.yml"), []byte("certificates:\n  prefix: LIC\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Certificates.Prefix != "LIC" {
		t.Fatalf("prefix not read from file: %q", cfg.Certificates.Prefix)
	}
}
