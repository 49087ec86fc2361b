// Package google implements change-feed sources over the Google People and
// Calendar APIs.
package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/breez/data-mirror/retry"
	"github.com/breez/data-mirror/source"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/people/v1"
)

// Scopes requested when building clients from credentials JSON.
var Scopes = []string{
	people.ContactsReadonlyScope,
	calendar.CalendarReadonlyScope,
}

// ClientOptions returns the client options for a credentials JSON blob
// (service account or authorized user).
func ClientOptions(credentialsJSON []byte, extra ...option.ClientOption) ([]option.ClientOption, error) {
	if len(credentialsJSON) == 0 {
		return nil, retry.MarkFatal(errors.New("google credentials are empty"))
	}
	opts := []option.ClientOption{
		option.WithCredentialsJSON(credentialsJSON),
		option.WithScopes(Scopes...),
	}
	return append(opts, extra...), nil
}

// classify tags a Google API error with its retry class. invalidated reports
// whether the error means the sync token can no longer be used.
func classify(err error, invalidated func(*googleapi.Error) bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if invalidated != nil && invalidated(apiErr) {
			return fmt.Errorf("%w: %v", source.ErrInvalidated, apiErr.Message)
		}
		switch apiErr.Code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return retry.MarkTransient(err)
		case http.StatusUnauthorized:
			return retry.MarkFatal(err)
		case http.StatusForbidden:
			if hasReason(apiErr, "rateLimitExceeded", "userRateLimitExceeded") {
				return retry.MarkTransient(err)
			}
			return retry.MarkFatal(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.MarkTransient(err)
	}
	return err
}

func hasReason(apiErr *googleapi.Error, reasons ...string) bool {
	for _, item := range apiErr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
