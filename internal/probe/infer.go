package probe

import (
	"bytes"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"
)

// readSample parses sample bytes into a trimmed header row and data rows.
// Probing is best-effort: quoting is lazy and records whose width does not
// match the header are skipped. The sample is expected to already be cut at
// a line boundary.
func readSample(data []byte, comma rune) ([]string, [][]string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil, nil
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma
	r.FieldsPerRecord = -1 // width is checked against the header below
	r.LazyQuotes = true

	headers, err := r.Read()
	if err != nil {
		return nil, nil, err
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	var rows [][]string
	for {
		rec, err := r.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return headers, rows, err
		}
		if len(rec) != len(headers) {
			continue
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, rec)
	}

	return headers, rows, nil
}

// inferTypes infers a coarse label per column: "integer", "float", "boolean",
// "date", "timestamp" or "text". Empty cells carry no signal; a column with
// no values at all stays "text".
//
// Boolean and timestamp checks accept exactly what the row validator coerces
// at run time, so a drafted type never promises more than a run delivers.
func inferTypes(rows [][]string, ncols int) []string {
	out := make([]string, ncols)
	for i := range out {
		out[i] = "text"
	}

	for col := 0; col < ncols; col++ {
		var seen bool
		allInt := true
		allFloat := true
		allBool := true
		allDate := true
		allTS := true

		for _, r := range rows {
			if col >= len(r) {
				continue
			}
			v := r[col]
			if v == "" {
				continue
			}
			seen = true

			if allInt {
				if _, err := strconv.ParseInt(v, 10, 64); err != nil {
					allInt = false
				}
			}
			if allFloat {
				if _, err := strconv.ParseFloat(v, 64); err != nil {
					allFloat = false
				}
			}
			if allBool {
				if _, err := strconv.ParseBool(v); err != nil {
					allBool = false
				}
			}
			if allDate {
				if _, _, ok := parseDate(v); !ok {
					allDate = false
				}
			}
			if allTS {
				if _, _, ok := parseTimestamp(v); !ok {
					allTS = false
				}
			}
		}

		if !seen {
			continue
		}
		// Prefer more specific types.
		switch {
		case allInt:
			out[col] = "integer"
		case allBool:
			out[col] = "boolean"
		case allDate:
			out[col] = "date"
		case allTS:
			out[col] = "timestamp"
		case allFloat:
			out[col] = "float"
		}
	}

	return out
}

// detectLayouts picks a layout per date/timestamp column by majority over the
// sample. Other columns get "".
func detectLayouts(rows [][]string, inferred []string) []string {
	out := make([]string, len(inferred))
	for i, kind := range inferred {
		if kind != "date" && kind != "timestamp" {
			continue
		}
		counts := map[string]int{}
		for _, r := range rows {
			if i >= len(r) || r[i] == "" {
				continue
			}
			var lay string
			var ok bool
			if kind == "date" {
				_, lay, ok = parseDate(r[i])
			} else {
				_, lay, ok = parseTimestamp(r[i])
			}
			if ok && lay != "" {
				counts[lay]++
			}
		}
		best, bestN := "", 0
		for lay, n := range counts {
			if n > bestN {
				best, bestN = lay, n
			}
		}
		out[i] = best
	}
	return out
}

// majorityLayout picks the most common layout across date columns. The ISO
// default comes back as "" since an empty DateLayout already means ISO.
func majorityLayout(layouts, inferred []string) string {
	counts := map[string]int{}
	for i, lay := range layouts {
		if lay == "" || i >= len(inferred) || inferred[i] != "date" {
			continue
		}
		counts[lay]++
	}
	best, bestN := "", 0
	for lay, n := range counts {
		if n > bestN {
			best, bestN = lay, n
		}
	}
	if best == "2006-01-02" {
		return ""
	}
	return best
}

// inferKey guesses an entity key: the column with the highest sample
// distinctness. It is a suggestion for the reviewer, not a uniqueness proof.
func inferKey(normalized []string, rows [][]string) []string {
	const capDistinct = 10000

	bestIdx := -1
	bestDistinct := 0
	for i := range normalized {
		set := make(map[string]struct{})
		for _, r := range rows {
			if i >= len(r) || r[i] == "" {
				continue
			}
			set[r[i]] = struct{}{}
			if len(set) >= capDistinct {
				break
			}
		}
		if len(set) > bestDistinct {
			bestDistinct = len(set)
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil
	}
	return []string{normalized[bestIdx]}
}

func allNonEmpty(rows [][]string, col int) bool {
	for _, r := range rows {
		if col >= len(r) {
			continue
		}
		if r[col] == "" {
			return false
		}
	}
	return len(rows) > 0
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"01/02/2006",
}

// timestampLayouts matches the set the row validator accepts.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseDate(s string) (time.Time, string, bool) {
	for _, lay := range dateLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, lay, true
		}
	}
	return time.Time{}, "", false
}

func parseTimestamp(s string) (time.Time, string, bool) {
	for _, lay := range timestampLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, lay, true
		}
	}
	return time.Time{}, "", false
}
