// Package csv streams delimited files into pooled rows aligned to a declared
// column order.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"martetl/internal/config"
	"martetl/internal/transformer"
	"martetl/internal/transformer/builtin"
)

// decoderFor maps the "encoding" parser option onto a charset decoder.
// Legacy storefront extracts commonly arrive as Latin-1 or Windows-1252.
func decoderFor(name string) (*encoding.Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "latin1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1.NewDecoder(), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder(), nil
	default:
		return nil, fmt.Errorf("csv: unsupported encoding %q", name)
	}
}

// wrapSource stacks the configured charset decoder and byte scrubber on top
// of the raw source. The scrub runs on decoded text, so patterns are plain
// UTF-8 strings.
func wrapSource(src io.ReadCloser, opt config.Options) (io.ReadCloser, error) {
	dec, err := decoderFor(opt.String("encoding", ""))
	if err != nil {
		return nil, err
	}

	r := io.Reader(src)
	if dec != nil {
		r = transform.NewReader(r, dec)
	}
	if from := opt.String("scrub_from", ""); from != "" {
		r = newStreamingRewriter(r, []byte(from), []byte(opt.String("scrub_to", "")))
	}

	if r == io.Reader(src) {
		return src, nil
	}

	type rc struct {
		io.Reader
		io.Closer
	}
	return &rc{Reader: r, Closer: src}, nil
}

// StreamCSVRows streams CSV into pooled *transformer.Row objects aligned to the
// target 'columns' order.
//
// NOTE on cancellation:
// On ctx cancellation we must NOT return in-flight rows to the pool (Drop instead),
// otherwise the parser can reuse them immediately while downstream drain-safe
// stages still read them.
func StreamCSVRows(
	ctx context.Context,
	src io.ReadCloser,
	columns []string,
	opt config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	var line int

	hasHeader := opt.Bool("has_header", true)
	comma := opt.Rune("comma", ',')
	trim := opt.Bool("trim_space", true)
	hm := opt.StringMap("header_map")
	lazy := opt.Bool("lazy_quotes", false)
	fieldsPer := opt.Int("fields_per_record", 0)
	requireAll := opt.Bool("require_all_columns", false)

	r, err := wrapSource(src, opt)
	if err != nil {
		if onErr != nil {
			onErr(0, err)
		}
		return err
	}

	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.ReuseRecord = true
	cr.LazyQuotes = lazy
	if fieldsPer != 0 {
		cr.FieldsPerRecord = fieldsPer
	} else {
		cr.FieldsPerRecord = -1
	}

	colIx := make([]int, len(columns))
	for i := range colIx {
		colIx[i] = -1
	}

	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	if hasHeader {
		hdr, err := readRec()
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("read header: %w", err))
			}
			return err
		}
		srcToIdx := make(map[string]int, len(hdr))
		for i, h := range hdr {
			if builtin.HasEdgeSpace(h) {
				h = strings.TrimSpace(h)
			}
			if i == 0 {
				h = strings.TrimPrefix(h, "\uFEFF")
			}
			if mapped, ok := hm[h]; ok {
				h = mapped
			} else {
				h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
			}
			srcToIdx[h] = i
		}
		for t, target := range columns {
			if si, ok := srcToIdx[target]; ok {
				colIx[t] = si
			}
		}

		if requireAll {
			var missing []string
			for t, target := range columns {
				if colIx[t] < 0 {
					missing = append(missing, target)
				}
			}
			if len(missing) > 0 {
				err := fmt.Errorf("csv: header is missing declared columns: %s", strings.Join(missing, ", "))
				if onErr != nil {
					onErr(line, err)
				}
				return err
			}
		}
	} else {
		for i := range columns {
			colIx[i] = i
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		row := transformer.GetRow(len(columns))
		row.Line = line

		for t := range columns {
			si := colIx[t]
			if si < 0 || si >= len(rec) {
				row.V[t] = nil
				continue
			}
			v := rec[si]
			if trim && builtin.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v == "" {
				row.V[t] = nil
			} else {
				row.V[t] = v
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			// IMPORTANT: do not re-pool on cancellation
			row.Drop()
			return ctx.Err()
		}
	}
}
