// Command schemaprobe drafts a declared table schema from a bounded sample of
// a local delimited file and prints it as config JSON for human review.
//
// The pipeline never infers types at run time; a draft is a starting point
// for a config, not a contract.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"martetl/internal/probe"
)

func main() {
	os.Exit(runMain(os.Args[1:], os.Stdout, os.Stderr))
}

func runMain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("schemaprobe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		file     string
		name     string
		comma    string
		maxBytes int64
		verbose  bool
	)
	fs.StringVar(&file, "file", "", "delimited file to sample")
	fs.StringVar(&name, "name", "", "draft table name (default: file base name)")
	fs.StringVar(&comma, "comma", ",", "field delimiter")
	fs.Int64Var(&maxBytes, "max-bytes", 1<<20, "sample size cap in bytes")
	fs.BoolVar(&verbose, "v", false, "print sample evidence to stderr")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		fmt.Fprintln(stderr, "usage: schemaprobe -file data.csv [-name table] [-comma \";\"] [-max-bytes n]")
		return 2
	}

	var delim rune
	if comma != "" {
		delim = []rune(comma)[0]
	}

	d, err := probe.File(probe.Options{
		Path:           file,
		Name:           name,
		Comma:          delim,
		MaxSampleBytes: maxBytes,
	})
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	if verbose {
		fmt.Fprintf(stderr, "sampled %d rows from %s\n", d.SampleRows, file)
		fmt.Fprintf(stderr, "header,column,type,layout\n")
		for i, h := range d.Headers {
			lay := ""
			if i < len(d.Layouts) {
				lay = d.Layouts[i]
			}
			c := d.Table.Columns[i]
			fmt.Fprintf(stderr, "%s,%s,%s,%s\n", h, c.Name, c.Type, lay)
		}
	}

	out, err := json.MarshalIndent(d.Table, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "encode draft: %v\n", err)
		return 1
	}
	out = append(out, '\n')
	if _, err := stdout.Write(out); err != nil {
		fmt.Fprintf(stderr, "write draft: %v\n", err)
		return 1
	}
	return 0
}
