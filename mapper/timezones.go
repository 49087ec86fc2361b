package mapper

import (
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"
)

const (
	dateLayout          = "2006-01-02"
	floatingLayout      = "2006-01-02T15:04:05"
	normalizedTimeStamp = "2006-01-02T15:04:05Z"
)

// eventTime is a normalized start or end: either a calendar date or an
// instant rendered in UTC.
type eventTime struct {
	allDay bool
	date   string
	at     time.Time
}

// parseEventTime interprets a Calendar API date/time. Instants with an offset
// keep it; floating times are placed in the event's timezone, then in
// defaultTZ.
func parseEventTime(dt *calendar.EventDateTime, defaultTZ string) (*eventTime, error) {
	if dt == nil || (dt.Date == "" && dt.DateTime == "") {
		return nil, nil
	}
	if dt.Date != "" {
		d, err := time.Parse(dateLayout, dt.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", dt.Date, err)
		}
		return &eventTime{allDay: true, date: d.Format(dateLayout)}, nil
	}
	if t, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
		return &eventTime{at: t.UTC()}, nil
	}
	loc, err := loadLocation(dt.TimeZone, defaultTZ)
	if err != nil {
		return nil, err
	}
	t, err := time.ParseInLocation(floatingLayout, dt.DateTime, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid date-time %q: %w", dt.DateTime, err)
	}
	return &eventTime{at: t.UTC()}, nil
}

func loadLocation(tz, defaultTZ string) (*time.Location, error) {
	for _, name := range []string{tz, defaultTZ} {
		if name == "" {
			continue
		}
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
		}
		return loc, nil
	}
	return time.UTC, nil
}

// asDate demotes an instant to its UTC calendar date.
func (e *eventTime) asDate() *eventTime {
	if e.allDay {
		return e
	}
	return &eventTime{allDay: true, date: e.at.Format(dateLayout)}
}

func (e *eventTime) object() Object {
	if e.allDay {
		return Object{"date": e.date}
	}
	return Object{"dateTime": e.at.Format(normalizedTimeStamp)}
}
