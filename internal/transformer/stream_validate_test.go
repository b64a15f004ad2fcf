package transformer

import (
	"context"
	"strings"
	"testing"
	"time"

	"martetl/internal/schema"
)

func nullable(b bool) *bool { return &b }

func ordersValidator(t *testing.T) *schema.RowValidator {
	t.Helper()
	rv, err := schema.Compile(schema.Table{
		Name: "orders",
		Columns: []schema.ColumnSpec{
			{Name: "order_id", Type: "text", Nullable: nullable(false)},
			{Name: "amount", Type: "double"},
			{Name: "purchased_at", Type: "timestamp"},
		},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return rv
}

func TestValidateLoopRows_CoercesAndForwards(t *testing.T) {
	rv := ordersValidator(t)

	in := make(chan *Row, 2)
	out := make(chan *Row, 2)

	in <- &Row{Line: 2, V: []any{"o-1", "129.90", "2017-01-03 14:33:00"}}
	in <- &Row{Line: 3, V: []any{"o-2", "", "2017-01-01"}}
	close(in)

	if err := ValidateLoopRows(context.Background(), in, out, rv, nil, nil); err != nil {
		t.Fatalf("ValidateLoopRows: %v", err)
	}
	close(out)

	r1 := <-out
	if r1.V[1] != 129.90 {
		t.Fatalf("amount = %#v, want float64", r1.V[1])
	}
	if _, ok := r1.V[2].(time.Time); !ok {
		t.Fatalf("purchased_at = %#v, want time.Time", r1.V[2])
	}

	r2 := <-out
	if r2.V[1] != nil {
		t.Fatalf("empty amount = %#v, want nil", r2.V[1])
	}
}

func TestValidateLoopRows_RejectsAndReports(t *testing.T) {
	rv := ordersValidator(t)

	in := make(chan *Row, 2)
	out := make(chan *Row, 2)

	in <- &Row{Line: 5, V: []any{"", "1.0", "2017-01-01"}} // null key
	in <- &Row{Line: 6, V: []any{"o-3", "2.0", "2017-01-02"}}
	close(in)

	var rejects []schema.Violation
	err := ValidateLoopRows(context.Background(), in, out, rv, nil, func(v schema.Violation) {
		rejects = append(rejects, v)
	})
	if err != nil {
		t.Fatalf("ValidateLoopRows: %v", err)
	}
	close(out)

	if len(rejects) != 1 {
		t.Fatalf("rejects = %d, want 1", len(rejects))
	}
	if rejects[0].Line != 5 || rejects[0].Column != "order_id" {
		t.Fatalf("unexpected reject: %+v", rejects[0])
	}

	var kept int
	for range out {
		kept++
	}
	if kept != 1 {
		t.Fatalf("kept = %d, want 1", kept)
	}
}

func TestValidateLoopRows_FailFastAborts(t *testing.T) {
	rv := ordersValidator(t)

	const total = 40
	in := make(chan *Row, total)
	out := make(chan *Row, total)

	// Every row is bad; with MinRows=10 the loop must abort at row 10.
	for i := 0; i < total; i++ {
		in <- &Row{Line: i + 1, V: []any{"", "x", "y"}}
	}
	close(in)

	ff := &schema.FailFast{MaxFraction: 0.05, MinRows: 10}
	err := ValidateLoopRows(context.Background(), in, out, rv, ff, nil)
	if err == nil {
		t.Fatalf("expected fail-fast abort")
	}
	if !strings.Contains(err.Error(), "orders") {
		t.Fatalf("abort error should name the table: %v", err)
	}
	if ff.Seen() != 10 {
		t.Fatalf("seen = %d, want abort exactly at MinRows", ff.Seen())
	}
}

func TestValidateLoopRows_CancelDropsRows(t *testing.T) {
	rv := ordersValidator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := make(chan *Row, 1)
	out := make(chan *Row) // unbuffered: a forward would block forever

	in <- &Row{Line: 1, V: []any{"o-1", "1.0", "2017-01-01"}}
	close(in)

	done := make(chan error, 1)
	go func() { done <- ValidateLoopRows(ctx, in, out, rv, nil, nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ValidateLoopRows: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ValidateLoopRows did not drain after cancel")
	}
}
