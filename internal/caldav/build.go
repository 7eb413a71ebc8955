package caldav

import (
	"errors"
	"time"

	"github.com/emersion/go-ical"

	"calsync/internal/model"
)

// BuildCalendar renders ev (and its overrides) as a VCALENDAR resource.
func BuildCalendar(ev model.Event, now time.Time) (*ical.Calendar, error) {
	if ev.ID.UID == "" {
		return nil, errors.New("caldav: event has no uid")
	}
	if ev.Detached() {
		return nil, errors.New("caldav: detached instance cannot be serialized on its own")
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)

	master := newVEvent(ev.ID.UID, now)
	setContent(master, ev.Title, ev.Description, ev.Location)
	setBounds(master, ev.Start, ev.End, ev.AllDay, ev.TimeZone)

	if ev.Recurring() {
		rule := ical.NewProp(ical.PropRecurrenceRule)
		// Raw value; SetText would escape the ';' separators.
		rule.Value = ev.RRule
		master.Props.Set(rule)

		for _, ex := range ev.ExDates {
			p := ical.NewProp(ical.PropExceptionDates)
			setTime(p, ex, ev.AllDay, ev.TimeZone)
			master.Props.Add(p)
		}
	}
	cal.Children = append(cal.Children, master)

	if !ev.Recurring() {
		return cal, nil
	}
	for _, o := range ev.Overrides {
		if o.Cancelled {
			// Local deletes use EXDATE; this keeps remote cancellations.
			child := newVEvent(ev.ID.UID, now)
			rid := ical.NewProp(ical.PropRecurrenceID)
			setTime(rid, o.RecurrenceID, ev.AllDay, ev.TimeZone)
			child.Props.Set(rid)
			setContent(child, ev.Title, "", "")
			setBounds(child, o.RecurrenceID, o.RecurrenceID.Add(ev.End.Sub(ev.Start)), ev.AllDay, ev.TimeZone)
			child.Props.SetText(ical.PropStatus, "CANCELLED")
			cal.Children = append(cal.Children, child)
			continue
		}
		child := newVEvent(ev.ID.UID, now)
		rid := ical.NewProp(ical.PropRecurrenceID)
		setTime(rid, o.RecurrenceID, ev.AllDay, ev.TimeZone)
		child.Props.Set(rid)
		setContent(child, o.Title, o.Description, o.Location)
		setBounds(child, o.Start, o.End, ev.AllDay, ev.TimeZone)
		cal.Children = append(cal.Children, child)
	}
	return cal, nil
}

func newVEvent(uid string, now time.Time) *ical.Component {
	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetText(ical.PropUID, uid)
	comp.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	return comp
}

func setContent(comp *ical.Component, title, description, location string) {
	comp.Props.SetText(ical.PropSummary, title)
	if description != "" {
		comp.Props.SetText(ical.PropDescription, description)
	}
	if location != "" {
		comp.Props.SetText(ical.PropLocation, location)
	}
}

func setBounds(comp *ical.Component, start, end time.Time, allDay bool, tz string) {
	dtstart := ical.NewProp(ical.PropDateTimeStart)
	setTime(dtstart, start, allDay, tz)
	comp.Props.Set(dtstart)

	if end.After(start) {
		dtend := ical.NewProp(ical.PropDateTimeEnd)
		setTime(dtend, end, allDay, tz)
		comp.Props.Set(dtend)
	}
}

// setTime writes a DATE for all-day values, a zoned DATE-TIME when the event
// carries a known zone, and UTC otherwise.
func setTime(p *ical.Prop, t time.Time, allDay bool, tz string) {
	if allDay {
		p.SetDate(t)
		return
	}
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			p.SetDateTime(t.In(loc))
			return
		}
	}
	p.SetDateTime(t.UTC())
}
