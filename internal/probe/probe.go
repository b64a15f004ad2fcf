// Package probe drafts a declared table config from a bounded sample of a
// delimited file.
//
// Probing is an authoring aid behind the schemaprobe command. The pipeline
// itself never infers types at run time; it validates rows against the
// declared schema only, so every draft is meant to be reviewed and edited by
// a human before it becomes part of a config.
package probe

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"martetl/internal/config"
	"martetl/internal/schema"
)

const defaultMaxSample = 1 << 20 // 1 MiB

type Options struct {
	// Path is the delimited file to sample.
	Path string

	// Name overrides the draft table name. Empty derives it from Path.
	Name string

	// Comma is the field delimiter. Zero means ','.
	Comma rune

	// MaxSampleBytes caps how much of the file is read. Zero means 1 MiB.
	MaxSampleBytes int64
}

// Draft is an inferred table config plus the evidence it was drawn from.
type Draft struct {
	Table config.Table

	// SampleRows counts the data rows inference saw.
	SampleRows int

	// Headers are the raw header cells before normalization.
	Headers []string

	// Layouts holds the detected layout per date/timestamp column, "" for
	// other columns. Useful when the reviewer needs to resolve a mixed file.
	Layouts []string
}

// File samples a local delimited file and drafts its table config.
func File(opts Options) (*Draft, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("probe: path is required")
	}
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	defer f.Close()

	max := opts.MaxSampleBytes
	if max <= 0 {
		max = defaultMaxSample
	}
	sample, err := Sample(f, max)
	if err != nil {
		return nil, fmt.Errorf("probe: read %s: %w", opts.Path, err)
	}

	name := opts.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(opts.Path), filepath.Ext(opts.Path))
	}

	d, err := InferCSV(name, sample, opts.Comma)
	if err != nil {
		return nil, err
	}
	d.Table.Source = config.Source{Kind: "file", File: &config.FileSource{Path: opts.Path}}
	return d, nil
}

// Sample reads at most max bytes and cuts the result back to the last full
// line, so a truncated trailing record never skews inference. Inputs that fit
// within max are returned whole.
func Sample(r io.Reader, max int64) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) <= max {
		return buf, nil
	}
	buf = buf[:max]
	if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
		buf = buf[:i+1]
	}
	return buf, nil
}

// InferCSV parses a CSV sample and drafts a table named name. The zero comma
// means ','.
func InferCSV(name string, sample []byte, comma rune) (*Draft, error) {
	if comma == 0 {
		comma = ','
	}
	headers, rows, err := readSample(sample, comma)
	if err != nil {
		return nil, fmt.Errorf("probe: parse sample: %w", err)
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("probe: sample has no header row")
	}

	normalized := make([]string, len(headers))
	for i, h := range headers {
		n := normalizeHeader(h, i == 0)
		if n == "" {
			n = fmt.Sprintf("col_%d", i+1)
		}
		normalized[i] = n
	}

	inferred := inferTypes(rows, len(headers))
	layouts := detectLayouts(rows, inferred)

	cols := make([]schema.ColumnSpec, len(headers))
	for i := range headers {
		cols[i] = schema.ColumnSpec{Name: normalized[i], Type: schemaType(inferred[i])}
	}

	key := inferKey(normalized, rows)
	// The guessed key is only marked non-nullable when the sample backs it up.
	for _, k := range key {
		for i := range cols {
			if cols[i].Name == k && allNonEmpty(rows, i) {
				f := false
				cols[i].Nullable = &f
			}
		}
	}

	parser := config.Parser{Kind: "csv"}
	if comma != ',' {
		parser.Options = config.Options{"comma": string(comma)}
	}

	return &Draft{
		Table: config.Table{
			Name:       tableName(name),
			Parser:     parser,
			Columns:    cols,
			DateLayout: majorityLayout(layouts, inferred),
			Key:        key,
		},
		SampleRows: len(rows),
		Headers:    headers,
		Layouts:    layouts,
	}, nil
}

// normalizeHeader mirrors the csv parser's header rule, so a drafted column
// list matches what the parser resolves against the same file: trim, strip a
// leading BOM, lowercase, spaces to underscores.
func normalizeHeader(h string, first bool) string {
	h = strings.TrimSpace(h)
	if first {
		h = strings.TrimPrefix(h, "\uFEFF")
	}
	return strings.ReplaceAll(strings.ToLower(h), " ", "_")
}

// schemaType maps a probe label onto the declared schema type vocabulary.
func schemaType(inferred string) string {
	switch inferred {
	case "integer":
		return "bigint"
	case "float":
		return "double"
	case "boolean":
		return "bool"
	case "date":
		return "date"
	case "timestamp":
		return "timestamp"
	default:
		return "text"
	}
}

// tableName sanitizes a draft table name into [a-z0-9_] identifier form.
func tableName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		}
		// Anything else is dropped.
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "table"
	}
	return out
}
