package dedupe

import (
	"reflect"
	"testing"
	"time"

	"martetl/pkg/records"
)

func ts(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDeduplicate_KeepsLatestByTimestamp(t *testing.T) {
	in := []records.Record{
		{"order_id": "o-1", "status": "created", "updated_at": ts("2017-01-01")},
		{"order_id": "o-1", "status": "delivered", "updated_at": ts("2017-01-03")},
	}

	res, err := Deduplicate(in, Options{
		Key:     []string{"order_id"},
		OrderBy: []OrderBy{{Column: "updated_at", Desc: true}},
	})
	if err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}

	if len(res.Kept) != 1 {
		t.Fatalf("kept = %d, want 1", len(res.Kept))
	}
	if res.Kept[0]["status"] != "delivered" {
		t.Fatalf("kept row = %#v, want the 2017-01-03 version", res.Kept[0])
	}
	if res.Stats.Dropped != 1 || res.Stats.Kept != 1 {
		t.Fatalf("stats = %+v", res.Stats)
	}
}

func TestDeduplicate_StableTieKeepsEarliestRow(t *testing.T) {
	in := []records.Record{
		{"order_id": "o-1", "src": "first", "updated_at": ts("2017-01-02")},
		{"order_id": "o-1", "src": "second", "updated_at": ts("2017-01-02")},
	}

	res, err := Deduplicate(in, Options{
		Key:     []string{"order_id"},
		OrderBy: []OrderBy{{Column: "updated_at", Desc: true}},
	})
	if err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}

	if len(res.Kept) != 1 || res.Kept[0]["src"] != "first" {
		t.Fatalf("kept = %#v, want the earliest input row", res.Kept)
	}
	if res.Stats.TieGroups != 1 {
		t.Fatalf("tie groups = %d, want 1", res.Stats.TieGroups)
	}
}

func TestDeduplicate_StrictRejectsTiedRows(t *testing.T) {
	in := []records.Record{
		{"order_id": "o-1", "updated_at": ts("2017-01-02")},
		{"order_id": "o-1", "updated_at": ts("2017-01-02")},
		{"order_id": "o-1", "updated_at": ts("2017-01-01")}, // ranks below the tie
	}

	res, err := Deduplicate(in, Options{
		Key:     []string{"order_id"},
		OrderBy: []OrderBy{{Column: "updated_at", Desc: true}},
		Policy:  PolicyStrict,
	})
	if err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}

	if len(res.Kept) != 0 {
		t.Fatalf("kept = %#v, want none", res.Kept)
	}
	if len(res.Rejects) != 2 {
		t.Fatalf("rejects = %d, want the two tied rows", len(res.Rejects))
	}
	if res.Stats.Ambiguous != 2 || res.Stats.Dropped != 1 {
		t.Fatalf("stats = %+v", res.Stats)
	}
	if res.Rejects[0].Line != 1 || res.Rejects[1].Line != 2 {
		t.Fatalf("reject lines = %+v", res.Rejects)
	}
}

func TestDeduplicate_NilKeyRejected(t *testing.T) {
	in := []records.Record{
		{"order_id": nil, "x": 1},
		{"x": 2}, // key column absent entirely
		{"order_id": "o-1", "x": 3},
	}

	res, err := Deduplicate(in, Options{Key: []string{"order_id"}, Lines: []int{10, 20, 30}})
	if err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}

	if len(res.Kept) != 1 {
		t.Fatalf("kept = %d, want 1", len(res.Kept))
	}
	if res.Stats.NilKeys != 2 {
		t.Fatalf("nil keys = %d, want 2", res.Stats.NilKeys)
	}
	if res.Rejects[0].Line != 10 || res.Rejects[1].Line != 20 {
		t.Fatalf("reject lines = %+v, want source line numbers", res.Rejects)
	}
}

func TestDeduplicate_CompositeKeyAndOrder(t *testing.T) {
	in := []records.Record{
		{"order_id": "o-1", "item": int64(1)},
		{"order_id": "o-2", "item": int64(1)},
		{"order_id": "o-1", "item": int64(2)},
		{"order_id": "o-1", "item": int64(1)}, // dup of row 0
	}

	res, err := Deduplicate(in, Options{Key: []string{"order_id", "item"}})
	if err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}

	if len(res.Kept) != 3 {
		t.Fatalf("kept = %d, want 3", len(res.Kept))
	}
	// First-seen key order is preserved.
	want := []string{"o-1", "o-2", "o-1"}
	for i, r := range res.Kept {
		if r["order_id"] != want[i] {
			t.Fatalf("kept order = %#v", res.Kept)
		}
	}
}

func TestDeduplicate_NilRanksLast(t *testing.T) {
	in := []records.Record{
		{"order_id": "o-1", "src": "no-ts", "updated_at": nil},
		{"order_id": "o-1", "src": "has-ts", "updated_at": ts("2016-06-01")},
	}

	for _, desc := range []bool{true, false} {
		res, err := Deduplicate(in, Options{
			Key:     []string{"order_id"},
			OrderBy: []OrderBy{{Column: "updated_at", Desc: desc}},
		})
		if err != nil {
			t.Fatalf("Deduplicate: %v", err)
		}
		if res.Kept[0]["src"] != "has-ts" {
			t.Fatalf("desc=%v kept %#v; nil must never win", desc, res.Kept[0])
		}
	}
}

func TestDeduplicate_SecondaryOrderingBreaksTies(t *testing.T) {
	in := []records.Record{
		{"order_id": "o-1", "updated_at": ts("2017-01-02"), "seq": int64(1)},
		{"order_id": "o-1", "updated_at": ts("2017-01-02"), "seq": int64(9)},
	}

	res, err := Deduplicate(in, Options{
		Key: []string{"order_id"},
		OrderBy: []OrderBy{
			{Column: "updated_at", Desc: true},
			{Column: "seq", Desc: true},
		},
	})
	if err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}
	if res.Kept[0]["seq"] != int64(9) {
		t.Fatalf("kept = %#v, want seq 9", res.Kept[0])
	}
	if res.Stats.TieGroups != 0 {
		t.Fatalf("tie groups = %d; second ordering column resolved it", res.Stats.TieGroups)
	}
}

func TestDeduplicate_Deterministic(t *testing.T) {
	in := []records.Record{
		{"k": "a", "v": int64(3)},
		{"k": "b", "v": int64(1)},
		{"k": "a", "v": int64(3)},
		{"k": "b", "v": int64(2)},
	}
	opt := Options{Key: []string{"k"}, OrderBy: []OrderBy{{Column: "v", Desc: true}}}

	first, err := Deduplicate(in, opt)
	if err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Deduplicate(in, opt)
		if err != nil {
			t.Fatalf("Deduplicate: %v", err)
		}
		if !reflect.DeepEqual(first.Kept, again.Kept) {
			t.Fatalf("run %d differed: %#v vs %#v", i, first.Kept, again.Kept)
		}
	}
}

func TestDeduplicate_InvalidOptions(t *testing.T) {
	if _, err := Deduplicate(nil, Options{}); err == nil {
		t.Fatalf("expected error for missing key")
	}
	if _, err := Deduplicate(nil, Options{Key: []string{"k"}, Policy: "latest"}); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
