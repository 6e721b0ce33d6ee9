package transformer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/evalgo/airweave-sync/entity"
)

// ConverterFunc converts a file's raw bytes to markdown text. Plugged in
// per mime type for formats this package doesn't convert natively (docx,
// pptx, xlsx, html, pdf, image) — full document-conversion engines are out
// of scope (spec.md Non-goals); FileConverter only owns the dispatch.
type ConverterFunc func(ctx context.Context, path string, raw []byte) (string, error)

// FileConverter materializes a FileEntity's local file to markdown so
// downstream chunkers have a uniform text representation regardless of
// source format. txt/csv/json/xml are converted natively; anything else is
// dispatched to an injected ConverterFunc registered for that mime type,
// and falls back to an error if none is registered.
type FileConverter struct {
	extra map[string]ConverterFunc
}

func NewFileConverter(extra ...map[string]ConverterFunc) *FileConverter {
	c := &FileConverter{extra: make(map[string]ConverterFunc)}
	for _, m := range extra {
		for k, v := range m {
			c.extra[strings.ToLower(k)] = v
		}
	}
	return c
}

// Register wires a ConverterFunc for a mime type, e.g. "application/pdf".
func (c *FileConverter) Register(mimeType string, fn ConverterFunc) {
	c.extra[strings.ToLower(mimeType)] = fn
}

func (c *FileConverter) Name() string { return "file_converter" }

func (c *FileConverter) Transform(ctx context.Context, in entity.Entity) ([]entity.Entity, error) {
	localPath, _ := in.Fields["local_path"].(string)
	mimeType, _ := in.Fields["mime_type"].(string)
	if localPath == "" {
		return nil, fmt.Errorf("file_converter: entity %s has no local_path to convert", in.EntityID)
	}

	raw, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("file_converter: reading %s: %w", localPath, err)
	}

	markdown, err := c.convert(ctx, localPath, mimeType, raw)
	if err != nil {
		return nil, err
	}

	convertedPath := localPath + ".md"
	if err := os.WriteFile(convertedPath, []byte(markdown), 0o600); err != nil {
		return nil, fmt.Errorf("file_converter: writing converted markdown for %s: %w", in.EntityID, err)
	}

	out := in
	fields := make(map[string]any, len(in.Fields)+1)
	for k, v := range in.Fields {
		fields[k] = v
	}
	fields["local_path"] = convertedPath
	fields["markdown"] = markdown
	out.Fields = fields
	return []entity.Entity{out}, nil
}

func (c *FileConverter) convert(ctx context.Context, path, mimeType string, raw []byte) (string, error) {
	lower := strings.ToLower(mimeType)
	if fn, ok := c.extra[lower]; ok {
		return fn(ctx, path, raw)
	}
	switch {
	case strings.Contains(lower, "markdown"):
		return string(raw), nil
	case strings.HasPrefix(lower, "text/plain"), lower == "":
		return convertPlainText(raw), nil
	case strings.Contains(lower, "csv"):
		return convertCSV(raw)
	case strings.Contains(lower, "json"):
		return convertJSON(raw)
	case strings.Contains(lower, "xml") && !strings.Contains(lower, "openxmlformats"):
		return convertXML(raw)
	default:
		if fn, ok := c.byExtension(path); ok {
			return fn(ctx, path, raw)
		}
		return "", fmt.Errorf("file_converter: no converter registered for mime type %q (%s)", mimeType, path)
	}
}

func (c *FileConverter) byExtension(path string) (ConverterFunc, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	fn, ok := c.extra[ext]
	return fn, ok
}

func convertPlainText(raw []byte) string {
	return string(raw)
}

// convertCSV renders rows as a markdown table, matching the reference
// conversion factory's tabular output shape.
func convertCSV(raw []byte) (string, error) {
	r := csv.NewReader(strings.NewReader(string(raw)))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("file_converter: parsing csv: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("| " + strings.Join(rows[0], " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(rows[0])) + "\n")
	for _, row := range rows[1:] {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return b.String(), nil
}

// convertJSON pretty-prints the document inside a fenced code block so it
// reads as a single chunkable text field rather than a nested structure.
func convertJSON(raw []byte) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("file_converter: parsing json: %w", err)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("file_converter: re-encoding json: %w", err)
	}
	return "```json\n" + string(pretty) + "\n```\n", nil
}

// convertXML validates the document is well-formed, then wraps it in a
// fenced block; XML has no canonical markdown rendering, so this preserves
// the raw structure for the embedding model rather than lossily flattening it.
func convertXML(raw []byte) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(string(raw)))
	for {
		_, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("file_converter: parsing xml: %w", err)
		}
	}
	return "```xml\n" + string(raw) + "\n```\n", nil
}
