package postgres

import "testing"

func TestSCD2RowHashChangeDetection(t *testing.T) {
	tests := []struct {
		name         string
		currentHash  any
		newHash      any
		expectChange bool
	}{
		{"same string", "abc", "abc", false},
		{"string vs bytes same", "abc", []byte("abc"), false},
		{"different hash", "abc", "def", true},
		{"nil both", nil, nil, false},
		{"nil vs value", nil, "abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := !equalScalar(tt.currentHash, tt.newHash)
			if changed != tt.expectChange {
				t.Fatalf("expected change=%v got %v", tt.expectChange, changed)
			}
		})
	}
}

func TestEntityKeyIndexing(t *testing.T) {
	cols := []string{"order_id", "customer_id", "row_hash"}
	idx := indexColumns(cols)

	keyIdx, err := indicesFor([]string{"order_id", "customer_id"}, idx)
	if err != nil {
		t.Fatalf("indicesFor: %v", err)
	}
	if keyIdx[0] != 0 || keyIdx[1] != 1 {
		t.Fatalf("entity key indices incorrect: %v", keyIdx)
	}

	if _, err := indicesFor([]string{"missing"}, idx); err == nil {
		t.Fatalf("expected error for missing key column")
	}
}

func TestInsertDecisionUsingRowHash(t *testing.T) {
	columns := []string{"customer_id", "city", "row_hash"}
	hashIdx, ok := indexColumns(columns)["row_hash"]
	if !ok {
		t.Fatal("row_hash not found")
	}

	current := []any{"c-1", "franca", "aaa"}
	incomingSame := []any{"c-1", "franca", "aaa"}
	incomingChanged := []any{"c-1", "sao paulo", "bbb"}

	if !equalScalar(current[hashIdx], incomingSame[hashIdx]) {
		t.Fatalf("expected unchanged hash to compare equal")
	}
	if equalScalar(current[hashIdx], incomingChanged[hashIdx]) {
		t.Fatalf("expected changed hash to compare not equal")
	}
}

func TestRowsEqual(t *testing.T) {
	t.Parallel()

	if !rowsEqual([]any{"a", int64(1), []byte("x")}, []any{"a", int64(1), "x"}) {
		t.Fatalf("expected mixed string/bytes rows to compare equal")
	}
	if rowsEqual([]any{"a"}, []any{"a", "b"}) {
		t.Fatalf("expected length mismatch to compare not equal")
	}
	if rowsEqual([]any{"a", "b"}, []any{"a", "c"}) {
		t.Fatalf("expected differing values to compare not equal")
	}
}

func TestKeyValues(t *testing.T) {
	t.Parallel()

	row := []any{"c-1", "franca", "SP", "hash-a"}
	got := keyValues(row, []int{0, 2})
	if len(got) != 2 || got[0] != "c-1" || got[1] != "SP" {
		t.Fatalf("keyValues incorrect: %v", got)
	}
}
