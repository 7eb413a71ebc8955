package eventstore

import (
	"sort"

	"calsync/internal/model"
)

// coverage is a sorted set of disjoint, non-adjacent half-open windows.
type coverage []model.Window

func (c coverage) add(w model.Window) coverage {
	if w.Empty() {
		return c
	}
	out := make(coverage, 0, len(c)+1)
	out = append(out, c...)
	out = append(out, w)
	sort.Slice(out, func(i, j int) bool { return out[i].From.Before(out[j].From) })

	merged := out[:1]
	for _, next := range out[1:] {
		last := &merged[len(merged)-1]
		if !next.From.After(last.To) {
			if next.To.After(last.To) {
				last.To = next.To
			}
			continue
		}
		merged = append(merged, next)
	}
	return merged
}

// missing returns the parts of w not covered, in order.
func (c coverage) missing(w model.Window) []model.Window {
	if w.Empty() {
		return nil
	}
	out := make([]model.Window, 0)
	cursor := w.From
	for _, have := range c {
		if !have.To.After(cursor) {
			continue
		}
		if !have.From.Before(w.To) {
			break
		}
		if have.From.After(cursor) {
			out = append(out, model.Window{From: cursor, To: have.From})
		}
		cursor = have.To
		if !cursor.Before(w.To) {
			return out
		}
	}
	if cursor.Before(w.To) {
		out = append(out, model.Window{From: cursor, To: w.To})
	}
	return out
}

func (c coverage) covers(w model.Window) bool {
	return len(c.missing(w)) == 0
}

// span returns the smallest window containing every window in ws.
func span(ws []model.Window) model.Window {
	if len(ws) == 0 {
		return model.Window{}
	}
	out := ws[0]
	for _, w := range ws[1:] {
		if w.From.Before(out.From) {
			out.From = w.From
		}
		if w.To.After(out.To) {
			out.To = w.To
		}
	}
	return out
}
