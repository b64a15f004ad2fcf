package transformer

import (
	"context"

	"martetl/internal/schema"
)

// ValidateLoopRows coerces streamed rows against a declared schema.
//
// Valid rows are forwarded with typed cells in place of raw strings. Rejected
// rows are freed and reported through onReject; they never reach out. When the
// fail-fast tracker trips, a table-level violation is returned immediately;
// the caller is expected to cancel ctx so the producer unwinds.
func ValidateLoopRows(
	ctx context.Context,
	in <-chan *Row,
	out chan<- *Row,
	rv *schema.RowValidator,
	ff *schema.FailFast,
	onReject func(v schema.Violation),
) error {
	for r := range in {
		// On cancellation: drain without re-pooling (prevents reuse races).
		select {
		case <-ctx.Done():
			if r != nil {
				r.Drop()
			}
			continue
		default:
		}

		if r == nil {
			continue
		}

		viol, ok := rv.ValidateRow(r.V, r.Line)
		if !ok {
			if onReject != nil {
				onReject(viol)
			}
			r.Free()
			if ff != nil && ff.Observe(true) {
				return ff.Err(rv.Table().Name)
			}
			continue
		}
		if ff != nil {
			ff.Observe(false)
		}

		select {
		case out <- r:
		case <-ctx.Done():
			r.Drop()
		}
	}
	return nil
}
