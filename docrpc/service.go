package docrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "docstore.DocumentStore"

type DocumentStoreServer interface {
	Create(context.Context, *CreateRequest) (*CreateReply, error)
	Update(context.Context, *UpdateRequest) (*UpdateReply, error)
	Delete(context.Context, *DeleteRequest) (*DeleteReply, error)
	FindByIdentifier(context.Context, *FindRequest) (*FindReply, error)
	ListChanges(context.Context, *ListChangesRequest) (*ListChangesReply, error)
	TrackChanges(*TrackChangesRequest, DocumentStore_TrackChangesServer) error
}

// UnimplementedDocumentStoreServer can be embedded to satisfy the interface
// for a partial implementation.
type UnimplementedDocumentStoreServer struct{}

func (UnimplementedDocumentStoreServer) Create(context.Context, *CreateRequest) (*CreateReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Create not implemented")
}
func (UnimplementedDocumentStoreServer) Update(context.Context, *UpdateRequest) (*UpdateReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Update not implemented")
}
func (UnimplementedDocumentStoreServer) Delete(context.Context, *DeleteRequest) (*DeleteReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Delete not implemented")
}
func (UnimplementedDocumentStoreServer) FindByIdentifier(context.Context, *FindRequest) (*FindReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method FindByIdentifier not implemented")
}
func (UnimplementedDocumentStoreServer) ListChanges(context.Context, *ListChangesRequest) (*ListChangesReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListChanges not implemented")
}
func (UnimplementedDocumentStoreServer) TrackChanges(*TrackChangesRequest, DocumentStore_TrackChangesServer) error {
	return status.Errorf(codes.Unimplemented, "method TrackChanges not implemented")
}

type DocumentStore_TrackChangesServer interface {
	Send(*Document) error
	grpc.ServerStream
}

type trackChangesServer struct {
	grpc.ServerStream
}

func (x *trackChangesServer) Send(m *Document) error {
	return x.ServerStream.SendMsg(m)
}

func RegisterDocumentStoreServer(s grpc.ServiceRegistrar, srv DocumentStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler[Req any, Rep any](method string, call func(DocumentStoreServer, context.Context, *Req) (*Rep, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DocumentStoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DocumentStoreServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func trackChangesHandler(srv any, stream grpc.ServerStream) error {
	m := new(TrackChangesRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(DocumentStoreServer).TrackChanges(m, &trackChangesServer{stream})
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DocumentStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unaryHandler("Create", DocumentStoreServer.Create)},
		{MethodName: "Update", Handler: unaryHandler("Update", DocumentStoreServer.Update)},
		{MethodName: "Delete", Handler: unaryHandler("Delete", DocumentStoreServer.Delete)},
		{MethodName: "FindByIdentifier", Handler: unaryHandler("FindByIdentifier", DocumentStoreServer.FindByIdentifier)},
		{MethodName: "ListChanges", Handler: unaryHandler("ListChanges", DocumentStoreServer.ListChanges)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "TrackChanges",
			Handler:       trackChangesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "docstore/document_store.proto",
}

// DocumentStoreClient is the typed client of the service.
type DocumentStoreClient struct {
	cc grpc.ClientConnInterface
}

func NewDocumentStoreClient(cc grpc.ClientConnInterface) *DocumentStoreClient {
	return &DocumentStoreClient{cc: cc}
}

func invoke[Req any, Rep any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts ...grpc.CallOption) (*Rep, error) {
	out := new(Rep)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DocumentStoreClient) Create(ctx context.Context, in *CreateRequest, opts ...grpc.CallOption) (*CreateReply, error) {
	return invoke[CreateRequest, CreateReply](ctx, c.cc, "Create", in, opts...)
}

func (c *DocumentStoreClient) Update(ctx context.Context, in *UpdateRequest, opts ...grpc.CallOption) (*UpdateReply, error) {
	return invoke[UpdateRequest, UpdateReply](ctx, c.cc, "Update", in, opts...)
}

func (c *DocumentStoreClient) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteReply, error) {
	return invoke[DeleteRequest, DeleteReply](ctx, c.cc, "Delete", in, opts...)
}

func (c *DocumentStoreClient) FindByIdentifier(ctx context.Context, in *FindRequest, opts ...grpc.CallOption) (*FindReply, error) {
	return invoke[FindRequest, FindReply](ctx, c.cc, "FindByIdentifier", in, opts...)
}

func (c *DocumentStoreClient) ListChanges(ctx context.Context, in *ListChangesRequest, opts ...grpc.CallOption) (*ListChangesReply, error) {
	return invoke[ListChangesRequest, ListChangesReply](ctx, c.cc, "ListChanges", in, opts...)
}

type DocumentStore_TrackChangesClient interface {
	Recv() (*Document, error)
	grpc.ClientStream
}

type trackChangesClient struct {
	grpc.ClientStream
}

func (x *trackChangesClient) Recv() (*Document, error) {
	m := new(Document)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *DocumentStoreClient) TrackChanges(ctx context.Context, in *TrackChangesRequest, opts ...grpc.CallOption) (DocumentStore_TrackChangesClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/TrackChanges", opts...)
	if err != nil {
		return nil, err
	}
	x := &trackChangesClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
