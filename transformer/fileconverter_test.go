package transformer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/evalgo/airweave-sync/entity"
)

func writeConverterInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestFileConverterPlainTextPassesThrough(t *testing.T) {
	c := NewFileConverter()
	path := writeConverterInput(t, "doc.txt", "hello world")

	out, err := c.Transform(context.Background(), entity.Entity{
		EntityID: "e1",
		Fields:   map[string]any{"local_path": path, "mime_type": "text/plain"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Fields["markdown"] != "hello world" {
		t.Fatalf("expected plain text passthrough, got %v", out[0].Fields["markdown"])
	}
	if !strings.HasSuffix(out[0].Fields["local_path"].(string), ".md") {
		t.Fatalf("expected converted local_path to end in .md, got %v", out[0].Fields["local_path"])
	}
}

func TestFileConverterCSVProducesMarkdownTable(t *testing.T) {
	c := NewFileConverter()
	path := writeConverterInput(t, "doc.csv", "name,age\nalice,30\nbob,40\n")

	out, err := c.Transform(context.Background(), entity.Entity{
		EntityID: "e2",
		Fields:   map[string]any{"local_path": path, "mime_type": "text/csv"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	md := out[0].Fields["markdown"].(string)
	if !strings.Contains(md, "| name | age |") {
		t.Fatalf("expected markdown table header, got %q", md)
	}
	if !strings.Contains(md, "| alice | 30 |") {
		t.Fatalf("expected markdown table row, got %q", md)
	}
}

func TestFileConverterJSONPrettyPrintsInFence(t *testing.T) {
	c := NewFileConverter()
	path := writeConverterInput(t, "doc.json", `{"a":1,"b":[1,2,3]}`)

	out, err := c.Transform(context.Background(), entity.Entity{
		EntityID: "e3",
		Fields:   map[string]any{"local_path": path, "mime_type": "application/json"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	md := out[0].Fields["markdown"].(string)
	if !strings.HasPrefix(md, "```json\n") || !strings.Contains(md, "```\n") {
		t.Fatalf("expected json fenced block, got %q", md)
	}
	if !strings.Contains(md, "\"a\": 1") {
		t.Fatalf("expected pretty-printed json, got %q", md)
	}
}

func TestFileConverterJSONRejectsMalformedInput(t *testing.T) {
	c := NewFileConverter()
	path := writeConverterInput(t, "doc.json", `{not valid json`)

	_, err := c.Transform(context.Background(), entity.Entity{
		EntityID: "e4",
		Fields:   map[string]any{"local_path": path, "mime_type": "application/json"},
	})
	if err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestFileConverterXMLWrapsWellFormedDocument(t *testing.T) {
	c := NewFileConverter()
	path := writeConverterInput(t, "doc.xml", `<root><child>value</child></root>`)

	out, err := c.Transform(context.Background(), entity.Entity{
		EntityID: "e5",
		Fields:   map[string]any{"local_path": path, "mime_type": "application/xml"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	md := out[0].Fields["markdown"].(string)
	if !strings.HasPrefix(md, "```xml\n") {
		t.Fatalf("expected xml fenced block, got %q", md)
	}
}

func TestFileConverterXMLRejectsMalformedInput(t *testing.T) {
	c := NewFileConverter()
	path := writeConverterInput(t, "doc.xml", `<root><child></root>`)

	_, err := c.Transform(context.Background(), entity.Entity{
		EntityID: "e6",
		Fields:   map[string]any{"local_path": path, "mime_type": "application/xml"},
	})
	if err == nil {
		t.Fatal("expected error for malformed xml")
	}
}

func TestFileConverterDispatchesRegisteredConverterFunc(t *testing.T) {
	c := NewFileConverter()
	called := false
	c.Register("application/pdf", func(ctx context.Context, path string, raw []byte) (string, error) {
		called = true
		return "# converted pdf\n", nil
	})
	path := writeConverterInput(t, "doc.pdf", "%PDF-1.4 fake content")

	out, err := c.Transform(context.Background(), entity.Entity{
		EntityID: "e7",
		Fields:   map[string]any{"local_path": path, "mime_type": "application/pdf"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected registered ConverterFunc to be invoked")
	}
	if out[0].Fields["markdown"] != "# converted pdf\n" {
		t.Fatalf("expected registered converter's output, got %v", out[0].Fields["markdown"])
	}
}

func TestFileConverterFallsBackToExtensionWhenMimeUnknown(t *testing.T) {
	c := NewFileConverter()
	c.Register("docx", func(ctx context.Context, path string, raw []byte) (string, error) {
		return "converted via extension\n", nil
	})
	path := writeConverterInput(t, "doc.docx", "binary-ish content")

	out, err := c.Transform(context.Background(), entity.Entity{
		EntityID: "e8",
		Fields:   map[string]any{"local_path": path, "mime_type": "application/vnd.openxmlformats-officedocument.wordprocessingml.document.unknown"},
	})
	if err != nil {
		t.Fatalf("expected extension-based fallback to succeed: %v", err)
	}
	if out[0].Fields["markdown"] != "converted via extension\n" {
		t.Fatalf("expected extension-registered converter's output, got %v", out[0].Fields["markdown"])
	}
}

func TestFileConverterErrorsWithoutLocalPath(t *testing.T) {
	c := NewFileConverter()
	_, err := c.Transform(context.Background(), entity.Entity{EntityID: "e9"})
	if err == nil {
		t.Fatal("expected error when entity has no local_path")
	}
}

func TestFileConverterErrorsForUnknownFormat(t *testing.T) {
	c := NewFileConverter()
	path := writeConverterInput(t, "doc.bin", "raw bytes")

	_, err := c.Transform(context.Background(), entity.Entity{
		EntityID: "e10",
		Fields:   map[string]any{"local_path": path, "mime_type": "application/octet-stream"},
	})
	if err == nil {
		t.Fatal("expected error for unregistered binary format")
	}
}
