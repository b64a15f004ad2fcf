// Package jsonl streams line-delimited JSON objects into pooled rows aligned
// to a declared column order. Files whose root is a JSON array of objects are
// accepted too, so one parser covers both export styles.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"martetl/internal/config"
	"martetl/internal/transformer"
)

// Options recognized (parser.options):
//   - header_map: {"Source Key": "target_column"} when object keys differ from
//     declared column names
//   - array_join_separator: used to flatten []string values into a scalar
//   - max_line_bytes: scanner line limit (default 1 MiB)
func StreamJSONLRows(
	ctx context.Context,
	r io.Reader,
	columns []string,
	opts config.Options,
	out chan<- *transformer.Row,
	onParseErr func(line int, err error),
) error {
	headerMap := readHeaderMap(opts)
	rev := reverseHeaderMap(headerMap)

	sep := strings.TrimSpace(opts.String("array_join_separator", ","))
	if sep == "" {
		sep = ","
	}

	line := 0

	emitObject := func(obj map[string]any) error {
		line++

		row := &transformer.Row{
			Line: line,
			V:    objectToRow(obj, columns, rev, sep),
		}

		select {
		case out <- row:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	br := bufio.NewReader(r)
	if isRootArray(br) {
		return streamArray(ctx, br, emitObject, onParseErr)
	}
	return streamLines(ctx, br, opts, emitObject, onParseErr)
}

// isRootArray peeks past leading whitespace for a '['.
func isRootArray(br *bufio.Reader) bool {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return false
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			br.ReadByte()
		case '[':
			return true
		default:
			return false
		}
	}
}

// streamLines decodes one object per line. A malformed line is reported and
// skipped; the stream continues, which matches how the CSV side treats bad
// records.
func streamLines(
	ctx context.Context,
	br *bufio.Reader,
	opts config.Options,
	emit func(map[string]any) error,
	onParseErr func(line int, err error),
) error {
	maxLine := opts.Int("max_line_bytes", 1<<20)

	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	physical := 0
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		physical++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()

		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			if onParseErr != nil {
				onParseErr(physical, fmt.Errorf("jsonl: decode line: %w", err))
			}
			continue
		}
		if err := emit(obj); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		if onParseErr != nil {
			onParseErr(physical, err)
		}
		return fmt.Errorf("jsonl: scan: %w", err)
	}
	return nil
}

// streamArray decodes elements of a root array one at a time. Element errors
// abort: after a syntax error inside an array there is no safe resync point.
func streamArray(
	ctx context.Context,
	br *bufio.Reader,
	emit func(map[string]any) error,
	onParseErr func(line int, err error),
) error {
	dec := json.NewDecoder(br)
	dec.UseNumber()

	if _, err := dec.Token(); err != nil { // consume '['
		if onParseErr != nil {
			onParseErr(0, err)
		}
		return fmt.Errorf("jsonl: read array start: %w", err)
	}

	n := 0
	for dec.More() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var raw any
		if err := dec.Decode(&raw); err != nil {
			if onParseErr != nil {
				onParseErr(n+1, err)
			}
			return fmt.Errorf("jsonl: decode array element: %w", err)
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			err := fmt.Errorf("jsonl: array element not an object (got %T)", raw)
			if onParseErr != nil {
				onParseErr(n+1, err)
			}
			return err
		}
		n++
		if err := emit(obj); err != nil {
			return err
		}
	}

	if end, err := dec.Token(); err != nil {
		return fmt.Errorf("jsonl: read array end: %w", err)
	} else if end != json.Delim(']') {
		return fmt.Errorf("jsonl: expected array end ']', got %v", end)
	}
	return nil
}

// readHeaderMap extracts header_map from parser options.
func readHeaderMap(opts config.Options) map[string]string {
	res := make(map[string]string)

	raw := opts.Any("header_map")
	if raw == nil {
		return res
	}

	switch m := raw.(type) {
	case map[string]string:
		for k, v := range m {
			res[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				res[k] = s
			}
		}
	}

	return res
}

// reverseHeaderMap builds normalized->original for lookup without per-record
// map copies.
func reverseHeaderMap(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for orig, norm := range h {
		if orig == "" || norm == "" {
			continue
		}
		out[norm] = orig
	}
	return out
}

// objectToRow maps a decoded object into a []any aligned with columns. It
// uses the reverse header map to look up original keys, and flattens
// array-of-strings into a joined scalar.
func objectToRow(obj map[string]any, columns []string, rev map[string]string, sep string) []any {
	row := make([]any, len(columns))
	for i, col := range columns {
		v, ok := obj[col]
		if !ok {
			if orig, ok2 := rev[col]; ok2 {
				v = obj[orig]
			} else {
				v = nil
			}
		}
		row[i] = normalizeScalarValue(v, sep)
	}
	return row
}

// normalizeScalarValue flattens array-of-strings to a joined string.
// Everything else passes through untouched.
func normalizeScalarValue(v any, sep string) any {
	switch t := v.(type) {
	case nil:
		return nil

	case []string:
		if len(t) == 0 {
			return ""
		}
		return strings.Join(t, sep)

	case []any:
		if len(t) == 0 {
			return ""
		}
		ss := make([]string, 0, len(t))
		for _, it := range t {
			if it == nil {
				continue
			}
			s, ok := it.(string)
			if !ok {
				return v // mixed types; keep original
			}
			ss = append(ss, s)
		}
		if len(ss) == 0 {
			return ""
		}
		return strings.Join(ss, sep)

	default:
		return v
	}
}
