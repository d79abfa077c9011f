// Package ics renders persisted event instances as iCalendar payloads, the
// interchange format calendar clients expect from the /export command and
// the shape a CalDAV backend stores per object.
package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"calendar-assistant/internal/model"
)

const prodID = "-//calendar-assistant//EN"

// EncodeInstance renders a single instance as a standalone VCALENDAR with
// one VEVENT. The result is stored alongside the instance row.
func EncodeInstance(inst model.EventInstance) string {
	cal := newCalendar()
	addEvent(cal, inst, time.Now().UTC())
	return cal.Serialize()
}

// ExportCalendar renders a set of instances as one VCALENDAR.
func ExportCalendar(instances []model.EventInstance) string {
	cal := newCalendar()
	stamp := time.Now().UTC()
	for _, inst := range instances {
		addEvent(cal, inst, stamp)
	}
	return cal.Serialize()
}

func newCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetProductId(prodID)
	cal.SetMethod(ical.MethodPublish)
	return cal
}

func addEvent(cal *ical.Calendar, inst model.EventInstance, stamp time.Time) {
	ev := cal.AddEvent(inst.ID)
	ev.SetDtStampTime(stamp)
	ev.SetStartAt(inst.StartUTC.UTC())
	ev.SetEndAt(inst.EndUTC.UTC())
	ev.SetSummary(inst.Title)
	if inst.Place != "" {
		ev.SetLocation(inst.Place)
	}
	if inst.Description != "" {
		ev.SetDescription(inst.Description)
	}
}
