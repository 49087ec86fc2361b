package mapper

import (
	"fmt"
	"strings"

	"github.com/breez/data-mirror/sink"
	"google.golang.org/api/calendar/v3"
)

const KindEvent = "event"

// EventMapper maps Calendar API events to event documents.
type EventMapper struct {
	// DefaultTimezone places floating date-times that carry no timezone.
	DefaultTimezone string
	// AlarmMinutes adds a display alarm this many minutes before start when positive.
	AlarmMinutes int
}

func (m EventMapper) Map(id string, payload any) (sink.Document, error) {
	event, err := asEvent(payload)
	if err != nil {
		return sink.Document{}, err
	}
	uid := event.Id
	if uid == "" {
		uid = id
	}
	if uid == "" {
		return sink.Document{}, ErrMissingID
	}

	body := Object{"kind": KindEvent, "uid": uid}
	put(body, "summary", clean(event.Summary))
	put(body, "description", cleanText(event.Description))
	put(body, "location", clean(event.Location))

	start, err := parseEventTime(event.Start, m.DefaultTimezone)
	if err != nil {
		return sink.Document{}, fmt.Errorf("event %v start: %w", uid, err)
	}
	end, err := parseEventTime(event.End, m.DefaultTimezone)
	if err != nil {
		return sink.Document{}, fmt.Errorf("event %v end: %w", uid, err)
	}
	// an all-day bound forces the other bound to a date as well
	if start != nil && end != nil && start.allDay != end.allDay {
		start, end = start.asDate(), end.asDate()
	}
	if start != nil {
		put(body, "start", start.object())
		body["allDay"] = start.allDay
	}
	if end != nil {
		put(body, "end", end.object())
	}

	put(body, "status", strings.ToUpper(clean(event.Status)))
	switch clean(event.Visibility) {
	case "":
	case "public":
		body["class"] = "PUBLIC"
	default:
		body["class"] = "PRIVATE"
	}

	if o := event.Organizer; o != nil && clean(o.Email) != "" {
		organizer := Object{"email": strings.ToLower(clean(o.Email))}
		cn := clean(o.DisplayName)
		if cn == "" {
			cn = organizer["email"].(string)
		}
		organizer["cn"] = cn
		body["organizer"] = organizer
	}

	attendees := make([]Object, 0, len(event.Attendees))
	for _, a := range event.Attendees {
		if a == nil || clean(a.Email) == "" {
			continue
		}
		email := strings.ToLower(clean(a.Email))
		cn := clean(a.DisplayName)
		if cn == "" {
			cn = email
		}
		role := "REQ-PARTICIPANT"
		if a.Optional {
			role = "OPT-PARTICIPANT"
		}
		item := Object{"email": email, "cn": cn, "role": role}
		put(item, "partstat", strings.ToUpper(clean(a.ResponseStatus)))
		attendees = append(attendees, item)
	}
	if err := putSorted(body, "attendees", attendees); err != nil {
		return sink.Document{}, fmt.Errorf("event %v: %w", uid, err)
	}

	rules := make([]string, 0, len(event.Recurrence))
	for _, line := range event.Recurrence {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "RRULE:") || strings.HasPrefix(line, "EXDATE") || strings.HasPrefix(line, "RDATE") {
			rules = append(rules, line)
		}
	}
	put(body, "recurrence", sortedStrings(rules))

	if m.AlarmMinutes > 0 {
		body["alarm"] = Object{"action": "DISPLAY", "trigger": fmt.Sprintf("-PT%dM", m.AlarmMinutes)}
	}

	return newDocument(uid, KindEvent, DomainEvent, body)
}

func asEvent(payload any) (*calendar.Event, error) {
	switch p := payload.(type) {
	case *calendar.Event:
		if p == nil {
			return nil, fmt.Errorf("nil event payload")
		}
		return p, nil
	case calendar.Event:
		return &p, nil
	}
	event, ok, err := decodeRaw[calendar.Event](payload)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("unsupported event payload %T", payload)
	}
	return event, nil
}
