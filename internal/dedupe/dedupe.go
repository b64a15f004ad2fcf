// Package dedupe collapses a cleaned table to one row per entity key.
//
// Winners are picked by a configured ranking (e.g. latest update timestamp);
// exact ties resolve deterministically by original input order, or reject the
// tied rows under the strict policy. Reruns over identical input always keep
// identical rows.
package dedupe

import (
	"fmt"
	"strings"

	"martetl/internal/storage"
	"martetl/pkg/records"
)

type Policy string

const (
	// PolicyStable resolves exact ties by input order: the earliest row wins.
	PolicyStable Policy = "stable"
	// PolicyStrict rejects all rows tied for first rank instead of guessing.
	PolicyStrict Policy = "strict"
)

// OrderBy ranks rows within a key group. Nil cells rank last under both
// directions, so a row with a missing ranking column never beats one that has
// it.
type OrderBy struct {
	Column string
	Desc   bool
}

type Options struct {
	// Key lists the entity key columns. Required.
	Key []string

	OrderBy []OrderBy
	Policy  Policy

	// Lines optionally maps input indexes to source line numbers for reject
	// reporting. When absent, 1-based input positions are used.
	Lines []int
}

// Reject is one row removed for a reason other than being an ordinary
// duplicate.
type Reject struct {
	Line   int    `json:"line"`
	Key    string `json:"key,omitempty"`
	Reason string `json:"reason"`
}

type Stats struct {
	Seen      int64 `json:"seen"`
	Kept      int64 `json:"kept"`
	Dropped   int64 `json:"dropped"`
	TieGroups int64 `json:"tie_groups"`
	NilKeys   int64 `json:"nil_keys"`
	Ambiguous int64 `json:"ambiguous"`
}

type Result struct {
	Kept    []records.Record
	Rejects []Reject
	Stats   Stats
}

// Deduplicate keeps exactly one row per distinct entity key. Output preserves
// first-seen key order.
func Deduplicate(in []records.Record, opt Options) (Result, error) {
	if len(opt.Key) == 0 {
		return Result{}, fmt.Errorf("dedupe: key columns are required")
	}
	switch opt.Policy {
	case "", PolicyStable, PolicyStrict:
	default:
		return Result{}, fmt.Errorf("dedupe: unknown policy %q", opt.Policy)
	}

	lineOf := func(i int) int {
		if i < len(opt.Lines) {
			return opt.Lines[i]
		}
		return i + 1
	}

	res := Result{Stats: Stats{Seen: int64(len(in))}}

	groups := make(map[string][]int, len(in))
	var keyOrder []string

	for i, r := range in {
		key, ok := compositeKey(r, opt.Key)
		if !ok {
			res.Stats.NilKeys++
			res.Rejects = append(res.Rejects, Reject{
				Line:   lineOf(i),
				Reason: "nil value in entity key",
			})
			continue
		}
		if _, exists := groups[key]; !exists {
			keyOrder = append(keyOrder, key)
		}
		groups[key] = append(groups[key], i)
	}

	for _, key := range keyOrder {
		idxs := groups[key]
		if len(idxs) == 1 {
			res.Kept = append(res.Kept, in[idxs[0]])
			res.Stats.Kept++
			continue
		}

		best := make([]int, 1, len(idxs))
		best[0] = idxs[0]
		for _, i := range idxs[1:] {
			c := rank(in[i], in[best[0]], opt.OrderBy)
			switch {
			case c < 0:
				best = append(best[:0], i)
			case c == 0:
				best = append(best, i)
			}
		}

		if len(best) > 1 {
			res.Stats.TieGroups++
			if opt.Policy == PolicyStrict {
				res.Stats.Ambiguous += int64(len(best))
				res.Stats.Dropped += int64(len(idxs) - len(best))
				for _, i := range best {
					res.Rejects = append(res.Rejects, Reject{
						Line:   lineOf(i),
						Key:    key,
						Reason: fmt.Sprintf("ambiguous duplicate: %d rows tie for first rank", len(best)),
					})
				}
				continue
			}
		}

		// Stable fallback: the earliest tied row wins. best[0] already holds
		// the lowest input index because appends preserve scan order.
		res.Kept = append(res.Kept, in[best[0]])
		res.Stats.Kept++
		res.Stats.Dropped += int64(len(idxs) - 1)
	}

	return res, nil
}

// compositeKey normalizes the key cells into one map key. ok is false when
// any key cell is nil.
func compositeKey(r records.Record, key []string) (string, bool) {
	var b strings.Builder
	for i, k := range key {
		v, exists := r[k]
		if !exists || v == nil {
			return "", false
		}
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(storage.NormalizeKey(v))
	}
	return b.String(), true
}

// rank orders two rows under the configured ranking: negative means a ranks
// before b, zero means an exact tie.
func rank(a, b records.Record, obs []OrderBy) int {
	for _, ob := range obs {
		av := a[ob.Column]
		bv := b[ob.Column]

		if av == nil && bv == nil {
			continue
		}
		if av == nil {
			return 1
		}
		if bv == nil {
			return -1
		}

		c := records.Compare(av, bv)
		if c == 0 {
			continue
		}
		if ob.Desc {
			return -c
		}
		return c
	}
	return 0
}

