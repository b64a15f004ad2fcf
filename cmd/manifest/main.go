// Command manifest lists the data file URLs linked from an HTML index page.
//
// Vendors tend to publish extracts as a directory listing or a "downloads"
// page rather than a stable API. manifest fetches that page once, extracts
// the anchors that look like extract files, and prints one absolute URL per
// line, ready to pipe into the fetch command:
//
//	manifest -url https://vendor.example/exports/ -suffix .csv | fetch -o data
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"martetl/internal/source"
)

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// runMain returns the process exit code: 0 on success, 1 when the page
// cannot be fetched or parsed, 2 on usage errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("manifest", flag.ContinueOnError)
	fs.SetOutput(stderr)

	pageURL := fs.String("url", "", "index page to scan for file links")
	selector := fs.String("selector", "", "anchor selector (default: every a[href])")
	suffixes := fs.String("suffix", "", "comma separated path suffixes to keep (e.g. .csv,.jsonl)")
	sameHost := fs.Bool("same-host", false, "drop links pointing off the index page's host")
	timeout := fs.Duration("t", 60*time.Second, "fetch timeout")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*pageURL) == "" {
		fmt.Fprintln(stderr, "usage: manifest -url <index page> [-selector S] [-suffix .csv,...] [-same-host]")
		return 2
	}

	m := source.Manifest{
		Selector: *selector,
		Suffixes: splitSuffixes(*suffixes),
		SameHost: *sameHost,
	}

	links, err := source.FetchLinks(ctx, *pageURL, *timeout, m)
	if err != nil {
		fmt.Fprintf(stderr, "manifest: %v\n", err)
		return 1
	}
	if len(links) == 0 {
		fmt.Fprintf(stderr, "manifest: no matching links on %s\n", *pageURL)
		return 1
	}

	for _, link := range links {
		fmt.Fprintln(stdout, link)
	}
	return 0
}

func splitSuffixes(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
