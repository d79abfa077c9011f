// Package intent holds the boundary between the LLM extraction service and
// the typed event model. The LLM's loosely-typed output is validated and
// converted into a strict EventTemplate here; nothing downstream ever sees
// an unvalidated rule.
package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"calendar-assistant/internal/model"
)

// ErrNeedsClarification signals that the extraction is too ambiguous or
// low-confidence to act on; the caller should ask the user instead of
// guessing.
var ErrNeedsClarification = errors.New("extraction needs clarification")

// Extractor converts free text into a structured extraction. Implemented by
// the external LLM client; the core only consumes this interface.
type Extractor interface {
	Extract(ctx context.Context, text string) (Extraction, error)
}

// RecurrencePayload is the LLM's recurrence description before validation.
type RecurrencePayload struct {
	Frequency string   `json:"frequency" validate:"required,oneof=daily weekly monthly"`
	Interval  int      `json:"interval" validate:"omitempty,min=1"`
	Weekdays  []string `json:"weekdays" validate:"omitempty,dive,oneof=mon tue wed thu fri sat sun"`
	Count     int      `json:"count" validate:"omitempty,min=1"`
	Until     string   `json:"until" validate:"omitempty,datetime=2006-01-02"`
}

// Extraction is the raw structured result of one LLM call.
type Extraction struct {
	Title              string             `json:"title" validate:"required"`
	StartTime          string             `json:"start_time" validate:"required"`
	Timezone           string             `json:"timezone" validate:"required,timezone"`
	DurationMinutes    int                `json:"duration_minutes" validate:"omitempty,min=0"`
	Location           string             `json:"location"`
	Description        string             `json:"description"`
	Recurrence         *RecurrencePayload `json:"recurrence"`
	Confidence         float64            `json:"confidence" validate:"min=0,max=1"`
	NeedsClarification bool               `json:"needs_clarification"`
	Question           string             `json:"question"`
}

var validate = validator.New()

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// Template validates the extraction and converts it into an EventTemplate.
// An extraction flagged for clarification, or whose confidence is below
// threshold, returns ErrNeedsClarification.
func (e Extraction) Template(threshold float64) (model.EventTemplate, error) {
	var tmpl model.EventTemplate

	if e.NeedsClarification || e.Confidence < threshold {
		return tmpl, ErrNeedsClarification
	}
	if err := validate.Struct(e); err != nil {
		return tmpl, fmt.Errorf("invalid extraction: %w", err)
	}

	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return tmpl, fmt.Errorf("load timezone %q: %w", e.Timezone, err)
	}
	start, err := time.ParseInLocation("2006-01-02T15:04:05", e.StartTime, loc)
	if err != nil {
		return tmpl, fmt.Errorf("parse start time %q: %w", e.StartTime, err)
	}

	tmpl = model.EventTemplate{
		Title:       strings.TrimSpace(e.Title),
		Start:       start,
		Duration:    time.Duration(e.DurationMinutes) * time.Minute,
		Place:       strings.TrimSpace(e.Location),
		Description: strings.TrimSpace(e.Description),
	}

	if e.Recurrence != nil {
		rule, err := e.Recurrence.rule(loc)
		if err != nil {
			return tmpl, err
		}
		tmpl.Recurrence = &rule
	}

	if err := tmpl.Validate(); err != nil {
		return tmpl, fmt.Errorf("invalid template: %w", err)
	}
	return tmpl, nil
}

func (p RecurrencePayload) rule(loc *time.Location) (model.RecurrenceRule, error) {
	rule := model.RecurrenceRule{
		Frequency: model.Frequency(p.Frequency),
		Interval:  p.Interval,
		Count:     p.Count,
	}
	if rule.Interval == 0 {
		rule.Interval = 1
	}
	for _, name := range p.Weekdays {
		wd, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return rule, fmt.Errorf("unknown weekday %q", name)
		}
		rule.Weekdays = append(rule.Weekdays, wd)
	}
	if p.Until != "" {
		day, err := time.ParseInLocation("2006-01-02", p.Until, loc)
		if err != nil {
			return rule, fmt.Errorf("parse until %q: %w", p.Until, err)
		}
		// Until is inclusive of the whole day.
		until := day.AddDate(0, 0, 1).Add(-time.Second)
		rule.Until = &until
	}
	return rule, rule.Validate()
}
