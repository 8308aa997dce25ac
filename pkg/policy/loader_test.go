package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const denyNothing = "import rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}\n"

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader()

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "test-policy.rego")

	regoContent := `# Rejects entries named invalid
package test.policy

import rego.v1

deny contains msg if {
	some step in input.plan.steps
	step.entry_id == "invalid"
	msg := "invalid entry"
}`
	writePolicy(t, policyFile, regoContent)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "test-policy" {
		t.Errorf("Expected name 'test-policy', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if policy.Description != "Rejects entries named invalid" {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", policy.Severity)
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Expected source metadata %s, got %v", policyFile, policy.Metadata["source"])
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader()

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "test-policy.json")

	policy := Policy{
		Name:        "test-json-policy",
		Description: "A test policy",
		Rego:        "package test\n\n" + denyNothing,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"test"},
	}

	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writePolicy(t, policyFile, string(data))

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if loaded.Name != policy.Name {
		t.Errorf("Expected name '%s', got '%s'", policy.Name, loaded.Name)
	}
	if loaded.Description != policy.Description {
		t.Errorf("Expected description '%s', got '%s'", policy.Description, loaded.Description)
	}
	if loaded.Severity != policy.Severity {
		t.Errorf("Expected severity '%s', got '%s'", policy.Severity, loaded.Severity)
	}
}

func TestLoadFromFile_JSONDefaults(t *testing.T) {
	loader := NewLoader()

	policyFile := filepath.Join(t.TempDir(), "p.json")
	writePolicy(t, policyFile, `{"name": "minimal", "rego": "package minimal"}`)

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if !loaded.Enabled {
		t.Error("JSON policies without enabled should default to enabled")
	}
	if loaded.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", loaded.Severity)
	}
	if loaded.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader()

	tmpDir := t.TempDir()
	files := map[string]string{
		"policy1.rego":           "package policy1\n\n" + denyNothing,
		"policy2.rego":           "package policy2\n\n" + denyNothing,
		"nested/policy3.rego":    "package policy3\n\n" + denyNothing,
		"policy1_test.rego":      "package policy1_test\n",
		"README.md":              "# Test",
		".git/hooks/ignore.rego": "package ignored\n",
	}
	for name, content := range files {
		writePolicy(t, filepath.Join(tmpDir, name), content)
	}

	loaded, err := loader.loadFromDirectory(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	var names []string
	for _, p := range loaded {
		names = append(names, p.Name)
	}
	want := []string{"policy3", "policy1", "policy2"}
	if len(names) != len(want) {
		t.Fatalf("Expected policies %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Expected policies in lexical path order %v, got %v", want, names)
			break
		}
	}
}

func TestLoadFromDirectory_BrokenFile(t *testing.T) {
	loader := NewLoader()

	tmpDir := t.TempDir()
	writePolicy(t, filepath.Join(tmpDir, "good.rego"), "package good\n\n"+denyNothing)
	writePolicy(t, filepath.Join(tmpDir, "bad.json"), "{not json")

	if _, err := loader.loadFromDirectory(context.Background(), tmpDir); err == nil {
		t.Error("Expected a broken policy file to fail the directory load")
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader()

	tmpDir := t.TempDir()
	dir1 := filepath.Join(tmpDir, "dir1")
	writePolicy(t, filepath.Join(dir1, "policy1.rego"), "package p1\n\n"+denyNothing)

	file1 := filepath.Join(tmpDir, "policy2.rego")
	writePolicy(t, file1, "package p2\n\n"+denyNothing)

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir1, file1})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}
}

func TestLoadBundle(t *testing.T) {
	loader := NewLoader()

	bundleFile := filepath.Join(t.TempDir(), "bundle.json")

	bundle := PolicyBundle{
		Name:        "test-bundle",
		Version:     "1.0.0",
		Description: "Test policy bundle",
		Policies: []Policy{
			{
				Name:     "policy1",
				Rego:     "package p1\n\n" + denyNothing,
				Severity: SeverityError,
				Enabled:  true,
			},
			{
				Name:     "policy2",
				Rego:     "package p2\n\n" + denyNothing,
				Severity: SeverityWarning,
				Enabled:  true,
			},
		},
		CreatedAt: time.Now(),
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	writePolicy(t, bundleFile, string(data))

	loaded, err := loader.LoadBundle(context.Background(), bundleFile)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}

	if loaded.Name != bundle.Name {
		t.Errorf("Expected bundle name '%s', got '%s'", bundle.Name, loaded.Name)
	}
	if loaded.Version != bundle.Version {
		t.Errorf("Expected version '%s', got '%s'", bundle.Version, loaded.Version)
	}
	if len(loaded.Policies) != len(bundle.Policies) {
		t.Errorf("Expected %d policies, got %d", len(bundle.Policies), len(loaded.Policies))
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name: "single line comment",
			content: `# This is a test policy
package test`,
			expected: "This is a test policy",
		},
		{
			name: "multi line comments",
			content: `# This is a test policy
# that spans multiple lines
package test`,
			expected: "This is a test policy that spans multiple lines",
		},
		{
			name:     "no comments",
			content:  "package test\n\ndeny contains \"x\" if false",
			expected: "",
		},
		{
			name: "comments with empty lines",
			content: `# First line
#
# Second line
package test`,
			expected: "First line Second line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractDescription(tt.content)
			if result != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestLoader_CacheInvalidation(t *testing.T) {
	loader := NewLoader()

	policyFile := filepath.Join(t.TempDir(), "test.rego")
	writePolicy(t, policyFile, "# first\npackage test\n")

	first, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	again, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if first != again {
		t.Error("Expected unchanged file to be served from cache")
	}

	writePolicy(t, policyFile, "# second\npackage test\n")
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(policyFile, later, later); err != nil {
		t.Fatalf("Failed to touch file: %v", err)
	}

	reloaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if reloaded.Description != "second" {
		t.Errorf("Expected modified file to be reloaded, got description %q", reloaded.Description)
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "test.txt")
	writePolicy(t, policyFile, "not a policy")

	if _, err := NewLoader().loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "test.json")
	writePolicy(t, policyFile, "invalid json")

	if _, err := NewLoader().loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	if _, err := NewLoader().loadFromPath(context.Background(), "/nonexistent/path"); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestIsPolicyFile(t *testing.T) {
	tests := map[string]bool{
		"a.rego":      true,
		"a.json":      true,
		"a_test.rego": false,
		"a.yaml":      false,
		"rego":        false,
	}
	for path, want := range tests {
		if got := IsPolicyFile(path); got != want {
			t.Errorf("IsPolicyFile(%q) = %v, want %v", path, got, want)
		}
	}
}
