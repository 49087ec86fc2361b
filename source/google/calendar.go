package google

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/breez/data-mirror/retry"
	"github.com/breez/data-mirror/source"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// CalendarSource reads event feeds. Each scope is routed to one calendar.
type CalendarSource struct {
	svc       *calendar.Service
	calendars map[string]string
	PageSize  int64
}

// NewCalendarSource builds a source for the given scope to calendar id routes.
func NewCalendarSource(ctx context.Context, calendars map[string]string, opts ...option.ClientOption) (*CalendarSource, error) {
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	routes := make(map[string]string, len(calendars))
	for scope, id := range calendars {
		routes[scope] = id
	}
	return &CalendarSource{svc: svc, calendars: routes, PageSize: 250}, nil
}

func (s *CalendarSource) Fetch(ctx context.Context, scope, cursor string) (*source.Batch, error) {
	return s.list(ctx, scope, func(call *calendar.EventsListCall) *calendar.EventsListCall {
		if cursor != "" {
			return call.SyncToken(cursor)
		}
		return call
	})
}

// FetchWindow lists events changed since the window start, including
// cancelled ones, and keeps the sync token of the last page.
func (s *CalendarSource) FetchWindow(ctx context.Context, scope string, since time.Time) (*source.Batch, error) {
	return s.list(ctx, scope, func(call *calendar.EventsListCall) *calendar.EventsListCall {
		return call.TimeMin(since.UTC().Format(time.RFC3339))
	})
}

func (s *CalendarSource) list(ctx context.Context, scope string, prepare func(*calendar.EventsListCall) *calendar.EventsListCall) (*source.Batch, error) {
	calendarID, ok := s.calendars[scope]
	if !ok {
		return nil, retry.MarkFatal(fmt.Errorf("no calendar configured for scope %v", scope))
	}
	batch := &source.Batch{}
	pageToken := ""
	for {
		call := prepare(s.svc.Events.List(calendarID).ShowDeleted(true).MaxResults(s.pageSize()))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list events of %v: %w", calendarID, classify(err, syncTokenGone))
		}
		for _, e := range resp.Items {
			if e == nil || e.Id == "" {
				continue
			}
			batch.Records = append(batch.Records, source.Record{
				ID:      e.Id,
				Payload: e,
				Deleted: e.Status == "cancelled",
			})
		}
		if resp.NextSyncToken != "" {
			batch.NextCursor = resp.NextSyncToken
		}
		if resp.NextPageToken == "" {
			return batch, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (s *CalendarSource) pageSize() int64 {
	if s.PageSize <= 0 || s.PageSize > 2500 {
		return 250
	}
	return s.PageSize
}

func syncTokenGone(apiErr *googleapi.Error) bool {
	return apiErr.Code == http.StatusGone || hasReason(apiErr, "fullSyncRequired")
}
