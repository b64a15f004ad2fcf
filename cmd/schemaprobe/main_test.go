package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"martetl/internal/config"
)

func TestRunMain_DraftJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "orders.csv")
	data := "id,amount,city\n1,2.50,Rio\n2,3.25,Recife\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code := runMain([]string{"-file", path, "-v"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code=%d, stderr=%q", code, stderr.String())
	}

	var tbl config.Table
	if err := json.Unmarshal(stdout.Bytes(), &tbl); err != nil {
		t.Fatalf("draft is not valid JSON: %v\n%s", err, stdout.String())
	}

	if tbl.Name != "orders" {
		t.Fatalf("name=%q, want %q", tbl.Name, "orders")
	}
	if len(tbl.Columns) != 3 {
		t.Fatalf("columns=%d, want 3", len(tbl.Columns))
	}
	if tbl.Columns[0].Name != "id" || tbl.Columns[0].Type != "bigint" {
		t.Fatalf("column[0]=%s %s, want id bigint", tbl.Columns[0].Name, tbl.Columns[0].Type)
	}
	if tbl.Columns[1].Type != "double" {
		t.Fatalf("amount type=%q, want double", tbl.Columns[1].Type)
	}
	if tbl.Source.File == nil || tbl.Source.File.Path != path {
		t.Fatalf("source=%+v, want file %s", tbl.Source, path)
	}

	if !strings.Contains(stderr.String(), "sampled 2 rows") {
		t.Fatalf("stderr=%q, want sample evidence", stderr.String())
	}
}

func TestRunMain_DelimiterFlag(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "semi.csv")
	if err := os.WriteFile(path, []byte("a;b\n1;x\n"), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code := runMain([]string{"-file", path, "-comma", ";", "-name", "Semi Data"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code=%d, stderr=%q", code, stderr.String())
	}

	var tbl config.Table
	if err := json.Unmarshal(stdout.Bytes(), &tbl); err != nil {
		t.Fatalf("draft is not valid JSON: %v", err)
	}
	if tbl.Name != "semi_data" {
		t.Fatalf("name=%q, want %q", tbl.Name, "semi_data")
	}
	if got := tbl.Parser.Options.Rune("comma", ','); got != ';' {
		t.Fatalf("parser comma=%q, want ';'", got)
	}
}

func TestRunMain_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantCode      int
		wantStderrSub string
	}{
		{
			name:          "missing_file_flag",
			args:          []string{},
			wantCode:      2,
			wantStderrSub: "usage: schemaprobe",
		},
		{
			name:          "unknown_flag",
			args:          []string{"-wat"},
			wantCode:      2,
			wantStderrSub: "flag provided but not defined",
		},
		{
			name:          "missing_file",
			args:          []string{"-file", "does-not-exist.csv"},
			wantCode:      1,
			wantStderrSub: "probe:",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(tc.args, &stdout, &stderr)
			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
		})
	}
}
