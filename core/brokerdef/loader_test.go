package brokerdef

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrubline/scrubline/core/model"
)

const validBroker = `id: example-people
category: people_search
region: us
scan_priority_tier: 1
scan_method: url_template
url_template: https://example-people.com/search?name={name}
removal_method: form
confirmation: web_scan
requires_captcha: false
required_fields: [name, city]
typical_sla_days: 30
last_verified: "2026-01-15T00:00:00Z"
origin: example-people.com
regulation_subject: [ccpa]
`

func writeDef(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDir_ValidDefinition(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeDef(t, dir, "example.broker.yaml", validBroker)

	res, err := NewLoader().LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected load errors: %v", res.Errors)
	}
	if len(res.Definitions) != 1 {
		t.Fatalf("got %d definitions, want 1", len(res.Definitions))
	}

	def := res.Definitions[0]
	if def.ID != "example-people" {
		t.Errorf("id = %q", def.ID)
	}
	if def.ScanMethod != model.ScanMethodURLTemplate || def.RemovalMethod != model.RemovalMethodForm {
		t.Errorf("methods = %s/%s", def.ScanMethod, def.RemovalMethod)
	}
	if def.TypicalSLA != 30*24*time.Hour {
		t.Errorf("sla = %v, want 720h", def.TypicalSLA)
	}
	if res.TrustLevels[def.ID] != TrustUnverified {
		t.Errorf("trust without verifier = %v, want unverified", res.TrustLevels[def.ID])
	}
}

func TestLoadDir_RejectsUnknownTopLevelKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeDef(t, dir, "bad.broker.yaml", validBroker+"surprise_key: boom\n")

	res, err := NewLoader().LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Definitions) != 0 {
		t.Fatal("definition with an unknown key must be rejected")
	}
	if len(res.Errors) != 1 {
		t.Fatalf("got %d errors, want 1", len(res.Errors))
	}
}

func TestLoadDir_RejectsBadEnumAndKeepsGoodFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeDef(t, dir, "a.broker.yaml", validBroker)
	bad := `id: broken-broker
scan_method: telepathy
removal_method: form
confirmation: web_scan
`
	writeDef(t, dir, "b.broker.yaml", bad)

	res, err := NewLoader().LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Definitions) != 1 || res.Definitions[0].ID != "example-people" {
		t.Fatalf("the valid definition must survive a sibling's rejection, got %v", res.Definitions)
	}
	if len(res.Errors) != 1 || res.Errors[0].Path == "" {
		t.Fatalf("the rejected definition must be reported with its path, got %v", res.Errors)
	}
}

func TestLoadDir_RejectsDuplicateIDs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeDef(t, dir, "a.broker.yaml", validBroker)
	writeDef(t, dir, "z.broker.yaml", validBroker)

	res, err := NewLoader().LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Definitions) != 1 {
		t.Fatalf("duplicate id must load once, got %d", len(res.Definitions))
	}
	if len(res.Errors) != 1 {
		t.Fatalf("duplicate must be reported, got %v", res.Errors)
	}
}

func TestCheckRequiredFields(t *testing.T) {
	t.Parallel()

	def := model.BrokerDefinition{ID: "x", RequiredFields: []string{"name", "city"}}

	ok, missing := CheckRequiredFields(def, map[string]bool{"name": true, "city": true})
	if !ok || len(missing) != 0 {
		t.Errorf("fully populated profile reported missing %v", missing)
	}

	ok, missing = CheckRequiredFields(def, map[string]bool{"name": true})
	if ok {
		t.Error("missing city must fail the check")
	}
	if len(missing) != 1 || missing[0] != "city" {
		t.Errorf("missing = %v, want [city]", missing)
	}
}
