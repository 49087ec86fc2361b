// Package docrpc is the gRPC contract of the document store: request and
// reply messages, a protobuf codec, the service descriptor, a typed client and
// a sink.Sink implementation on top of it.
package docrpc

import (
	"fmt"
)

type Status int32

const (
	Status_SUCCESS Status = iota
	Status_CONFLICT
	Status_NOT_FOUND
	Status_DUPLICATE
)

func (s Status) String() string {
	switch s {
	case Status_SUCCESS:
		return "SUCCESS"
	case Status_CONFLICT:
		return "CONFLICT"
	case Status_NOT_FOUND:
		return "NOT_FOUND"
	case Status_DUPLICATE:
		return "DUPLICATE"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

type Document struct {
	Locator    string `json:"locator,omitempty"`
	Identifier string `json:"identifier"`
	Kind       string `json:"kind"`
	Body       []byte `json:"body,omitempty"`
	Hash       string `json:"hash"`
	Revision   int64  `json:"revision,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
}

func (d *Document) signedPayload() string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("%v-%v-%x-%v", d.Identifier, d.Kind, d.Body, d.Hash)
}

type CreateRequest struct {
	Collection  string    `json:"collection"`
	Document    *Document `json:"document"`
	RequestTime int64     `json:"requestTime"`
	Signature   string    `json:"signature"`
}

func (r *CreateRequest) SignedPayload() string {
	return fmt.Sprintf("create-%v-%v-%v", r.Collection, r.Document.signedPayload(), r.RequestTime)
}
func (r *CreateRequest) GetSignature() string  { return r.Signature }
func (r *CreateRequest) GetRequestTime() int64 { return r.RequestTime }

type CreateReply struct {
	Status   Status `json:"status"`
	Locator  string `json:"locator,omitempty"`
	Revision int64  `json:"revision,omitempty"`
}

type UpdateRequest struct {
	Collection       string    `json:"collection"`
	Locator          string    `json:"locator"`
	Document         *Document `json:"document"`
	ExpectedRevision int64     `json:"expectedRevision"`
	RequestTime      int64     `json:"requestTime"`
	Signature        string    `json:"signature"`
}

func (r *UpdateRequest) SignedPayload() string {
	return fmt.Sprintf("update-%v-%v-%v-%v-%v", r.Collection, r.Locator, r.Document.signedPayload(), r.ExpectedRevision, r.RequestTime)
}
func (r *UpdateRequest) GetSignature() string  { return r.Signature }
func (r *UpdateRequest) GetRequestTime() int64 { return r.RequestTime }

type UpdateReply struct {
	Status   Status `json:"status"`
	Revision int64  `json:"revision,omitempty"`
}

type DeleteRequest struct {
	Collection  string `json:"collection"`
	Locator     string `json:"locator"`
	RequestTime int64  `json:"requestTime"`
	Signature   string `json:"signature"`
}

func (r *DeleteRequest) SignedPayload() string {
	return fmt.Sprintf("delete-%v-%v-%v", r.Collection, r.Locator, r.RequestTime)
}
func (r *DeleteRequest) GetSignature() string  { return r.Signature }
func (r *DeleteRequest) GetRequestTime() int64 { return r.RequestTime }

type DeleteReply struct {
	Status   Status `json:"status"`
	Revision int64  `json:"revision,omitempty"`
}

type FindRequest struct {
	Collection  string `json:"collection"`
	Identifier  string `json:"identifier"`
	RequestTime int64  `json:"requestTime"`
	Signature   string `json:"signature"`
}

func (r *FindRequest) SignedPayload() string {
	return fmt.Sprintf("find-%v-%v-%v", r.Collection, r.Identifier, r.RequestTime)
}
func (r *FindRequest) GetSignature() string  { return r.Signature }
func (r *FindRequest) GetRequestTime() int64 { return r.RequestTime }

type FindReply struct {
	Document *Document `json:"document,omitempty"`
}

type ListChangesRequest struct {
	Collection    string `json:"collection"`
	SinceRevision int64  `json:"sinceRevision"`
	RequestTime   int64  `json:"requestTime"`
	Signature     string `json:"signature"`
}

func (r *ListChangesRequest) SignedPayload() string {
	return fmt.Sprintf("list-%v-%v-%v", r.Collection, r.SinceRevision, r.RequestTime)
}
func (r *ListChangesRequest) GetSignature() string  { return r.Signature }
func (r *ListChangesRequest) GetRequestTime() int64 { return r.RequestTime }

type ListChangesReply struct {
	Changes []*Document `json:"changes"`
}

type TrackChangesRequest struct {
	Collection  string `json:"collection"`
	RequestTime int64  `json:"requestTime"`
	Signature   string `json:"signature"`
}

func (r *TrackChangesRequest) SignedPayload() string {
	return fmt.Sprintf("track-%v-%v", r.Collection, r.RequestTime)
}
func (r *TrackChangesRequest) GetSignature() string  { return r.Signature }
func (r *TrackChangesRequest) GetRequestTime() int64 { return r.RequestTime }
