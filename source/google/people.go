package google

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/breez/data-mirror/source"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/people/v1"
)

const (
	defaultPersonFields = "names,emailAddresses,phoneNumbers,organizations,biographies," +
		"birthdays,addresses,urls,nicknames,memberships,photos,metadata"
	defaultPageSize = 200
)

// PeopleSource reads the authenticated user's connections. It serves a single
// scope; the scope name is not interpreted.
type PeopleSource struct {
	svc *people.Service
	// PageSize is the connections page size, 1..1000.
	PageSize int64
	// Groups restricts the feed to members of these contact groups
	// (resource names such as contactGroups/myContacts). Contacts outside
	// every group are reported as deleted so that the mirror drops them.
	Groups       []string
	PersonFields string
}

func NewPeopleSource(ctx context.Context, opts ...option.ClientOption) (*PeopleSource, error) {
	svc, err := people.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create people service: %w", err)
	}
	return &PeopleSource{svc: svc, PageSize: defaultPageSize, PersonFields: defaultPersonFields}, nil
}

func (s *PeopleSource) Fetch(ctx context.Context, scope, cursor string) (*source.Batch, error) {
	batch := &source.Batch{}
	pageToken := ""
	for {
		call := s.svc.People.Connections.List("people/me").
			PersonFields(s.personFields()).
			PageSize(s.pageSize()).
			RequestSyncToken(true)
		if cursor != "" {
			call = call.SyncToken(cursor)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list connections for %v: %w", scope, classify(err, expiredSyncToken))
		}
		for _, p := range resp.Connections {
			if p == nil || p.ResourceName == "" {
				continue
			}
			batch.Records = append(batch.Records, source.Record{
				ID:      p.ResourceName,
				Payload: p,
				Deleted: (p.Metadata != nil && p.Metadata.Deleted) || !s.inGroups(p),
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

// FetchWindow lists every connection: the People API has no change-time
// filter, so the window is the whole address book.
func (s *PeopleSource) FetchWindow(ctx context.Context, scope string, _ time.Time) (*source.Batch, error) {
	return s.Fetch(ctx, scope, "")
}

func (s *PeopleSource) inGroups(p *people.Person) bool {
	if len(s.Groups) == 0 || (p.Metadata != nil && p.Metadata.Deleted) {
		return true
	}
	for _, m := range p.Memberships {
		if m == nil || m.ContactGroupMembership == nil {
			continue
		}
		for _, g := range s.Groups {
			if m.ContactGroupMembership.ContactGroupResourceName == g {
				return true
			}
		}
	}
	return false
}

func (s *PeopleSource) pageSize() int64 {
	if s.PageSize <= 0 || s.PageSize > 1000 {
		return defaultPageSize
	}
	return s.PageSize
}

func (s *PeopleSource) personFields() string {
	if s.PersonFields == "" {
		return defaultPersonFields
	}
	return s.PersonFields
}

func expiredSyncToken(apiErr *googleapi.Error) bool {
	switch apiErr.Code {
	case http.StatusGone:
		return true
	case http.StatusBadRequest:
		return hasReason(apiErr, "EXPIRED_SYNC_TOKEN") ||
			containsFold(apiErr.Message, "sync token is expired") ||
			containsFold(apiErr.Body, "EXPIRED_SYNC_TOKEN")
	}
	return false
}
