package recur

import (
	"testing"
	"time"

	"calsync/internal/model"
)

func weekly(start time.Time) model.Event {
	return model.Event{
		ID:    model.Identity{SourceID: "caldav:work:home", CalendarID: "home", UID: "standup"},
		Title: "Standup",
		Start: start,
		End:   start.Add(30 * time.Minute),
		RRule: "FREQ=WEEKLY;BYDAY=MO",
	}
}

func TestExpandClipsInfiniteRuleToWindow(t *testing.T) {
	x := New(time.UTC)
	start := time.Date(2020, 1, 6, 9, 0, 0, 0, time.UTC) // a Monday
	ev := weekly(start)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	occ := x.Expand(ev, from, to).Collect()

	// Mondays in March 2026: 2, 9, 16, 23, 30.
	if len(occ) != 5 {
		t.Fatalf("expected 5 occurrences, got %d", len(occ))
	}
	for _, o := range occ {
		if o.Start.Before(from) || !o.Start.Before(to) {
			t.Fatalf("occurrence outside window: %s", o.Start)
		}
		if o.Origin != model.OriginOccurrence {
			t.Fatalf("expected occurrence origin, got %s", o.Origin)
		}
		if o.End.Sub(o.Start) != 30*time.Minute {
			t.Fatalf("duration not preserved: %s", o.End.Sub(o.Start))
		}
	}
}

func TestExpandIsRestartable(t *testing.T) {
	x := New(time.UTC)
	ev := weekly(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	seq := x.Expand(ev, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	first := seq.Collect()
	second := seq.Collect()
	if len(first) != len(second) || len(first) != 4 {
		t.Fatalf("expected two identical passes of 4, got %d and %d", len(first), len(second))
	}

	// Early termination must not disturb later passes.
	for range seq.All() {
		break
	}
	if got := len(seq.Collect()); got != 4 {
		t.Fatalf("expected 4 after partial iteration, got %d", got)
	}
}

func TestExpandAppliesExceptionsByIdentity(t *testing.T) {
	x := New(time.UTC)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ev := weekly(start)
	ev.ExDates = []time.Time{start.AddDate(0, 0, 7)} // drop 9 March
	ev.Overrides = []model.Override{
		{RecurrenceID: start.AddDate(0, 0, 14), Cancelled: true}, // drop 16 March
		{
			RecurrenceID: start.AddDate(0, 0, 21),
			Title:        "Standup (moved)",
			Start:        start.AddDate(0, 0, 22).Add(time.Hour),
			End:          start.AddDate(0, 0, 22).Add(90 * time.Minute),
		},
	}

	occ := x.Expand(ev, start, start.AddDate(0, 0, 28)).Collect()
	if len(occ) != 2 {
		t.Fatalf("expected 2 occurrences after exclusions, got %d: %+v", len(occ), occ)
	}
	if !occ[0].Start.Equal(start) {
		t.Fatalf("expected first occurrence at %s, got %s", start, occ[0].Start)
	}
	moved := occ[1]
	if moved.Title != "Standup (moved)" {
		t.Fatalf("override content not applied: %q", moved.Title)
	}
	if !moved.Start.Equal(start.AddDate(0, 0, 22).Add(time.Hour)) {
		t.Fatalf("override time not applied: %s", moved.Start)
	}
	if !moved.RecurrenceID.Equal(start.AddDate(0, 0, 21)) {
		t.Fatalf("recurrence id should stay the original start, got %s", moved.RecurrenceID)
	}
}

func TestExpandAllDayUsesCalendarDays(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	x := New(berlin)
	ev := model.Event{
		ID:     model.Identity{SourceID: "ics:holidays", CalendarID: "holidays", UID: "trash"},
		Title:  "Trash day",
		Start:  time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		AllDay: true,
		RRule:  "FREQ=WEEKLY;COUNT=3",
	}
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, berlin)
	occ := x.Expand(ev, from, from.AddDate(0, 1, 0)).Collect()
	if len(occ) != 3 {
		t.Fatalf("expected 3 all-day occurrences, got %d", len(occ))
	}
	for i, o := range occ {
		want := time.Date(2026, 3, 3+7*i, 0, 0, 0, 0, berlin)
		if !o.Start.Equal(want) || !o.End.Equal(want.AddDate(0, 0, 1)) {
			t.Fatalf("occurrence %d: got %s..%s, want midnight %s", i, o.Start, o.End, want)
		}
		if o.InstanceKey != want.Format("20060102") {
			t.Fatalf("unexpected instance key %q", o.InstanceKey)
		}
	}
}

func TestExpandIncludesOccurrenceStartingBeforeWindow(t *testing.T) {
	x := New(time.UTC)
	start := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	ev := model.Event{
		ID:    model.Identity{SourceID: "s", CalendarID: "c", UID: "night"},
		Title: "Night shift",
		Start: start,
		End:   start.Add(10 * time.Hour),
		RRule: "FREQ=DAILY",
	}
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	occ := x.Expand(ev, from, from.Add(24*time.Hour)).Collect()
	// 1 March 22:00 overlaps into the window, 2 March 22:00 starts inside it.
	if len(occ) != 2 {
		t.Fatalf("expected 2 overlapping occurrences, got %d", len(occ))
	}
}

func TestExpandMalformedRuleYieldsEmpty(t *testing.T) {
	x := New(time.UTC)
	ev := weekly(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	ev.RRule = "FREQ=SOMETIMES"
	if occ := x.Expand(ev, ev.Start, ev.Start.AddDate(0, 1, 0)).Collect(); len(occ) != 0 {
		t.Fatalf("expected empty sequence for malformed rule, got %d", len(occ))
	}
}

func TestExpandRespectsCap(t *testing.T) {
	x := &Expander{Location: time.UTC, MaxOccurrences: 3}
	ev := weekly(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	ev.RRule = "FREQ=DAILY"
	if occ := x.Expand(ev, ev.Start, ev.Start.AddDate(0, 1, 0)).Collect(); len(occ) != 3 {
		t.Fatalf("expected cap of 3, got %d", len(occ))
	}
}

func TestOverlapsSingleEvent(t *testing.T) {
	x := New(time.UTC)
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := model.Event{ID: model.Identity{UID: "lunch"}, Start: start, End: start.Add(time.Hour)}
	if !x.Overlaps(ev, model.Window{From: start.Add(-time.Hour), To: start.Add(time.Minute)}) {
		t.Fatalf("expected overlap")
	}
	if x.Overlaps(ev, model.Window{From: start.Add(time.Hour), To: start.Add(2 * time.Hour)}) {
		t.Fatalf("expected no overlap for window starting at event end")
	}
}
