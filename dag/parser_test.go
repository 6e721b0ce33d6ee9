package dag

import "testing"

func TestParseValidYAMLBuildsGraph(t *testing.T) {
	yamlDoc := []byte(`
id: test-sync
name: Test Sync
nodes:
  - id: src
    kind: source
  - id: xform
    kind: transformer
    transformer: upper
    entity_types: [Raw]
  - id: dst
    kind: destination
    destination: fake
    entity_types: [Upper]
edges:
  - from: src
    to: xform
  - from: xform
    to: dst
`)
	g, err := Parse(yamlDoc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.ID != "test-sync" {
		t.Fatalf("got id %q, want test-sync", g.ID)
	}
	if next := g.Next("src"); len(next) != 1 || next[0] != "xform" {
		t.Fatalf("expected src to feed xform, got %v", next)
	}
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("not: [valid yaml")); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestParsePropagatesBuildValidationErrors(t *testing.T) {
	yamlDoc := []byte(`
id: bad-sync
nodes:
  - id: src
    kind: source
edges:
  - from: src
    to: missing
`)
	if _, err := Parse(yamlDoc); err == nil {
		t.Fatal("expected error for edge referencing unknown node")
	}
}
