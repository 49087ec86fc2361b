package docrpc

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

const protoPackage = "docstore"

// schema is the protobuf description of the document store messages. The Go
// structs in messages.go are converted to and from it field by field, using
// each field's json tag as the lowerCamel name of the protobuf field.
var schema protoreflect.FileDescriptor

func init() {
	fd, err := protodesc.NewFile(schemaProto(), nil)
	if err != nil {
		panic(fmt.Sprintf("docrpc: invalid schema: %v", err))
	}
	schema = fd
}

type fieldSpec struct {
	name     string
	number   int32
	kind     descriptorpb.FieldDescriptorProto_Type
	typeName string
	repeated bool
}

func scalarField(name string, number int32, kind descriptorpb.FieldDescriptorProto_Type) fieldSpec {
	return fieldSpec{name: name, number: number, kind: kind}
}

func documentField(name string, number int32) fieldSpec {
	return fieldSpec{name: name, number: number, kind: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, typeName: ".docstore.Document"}
}

func statusField(number int32) fieldSpec {
	return fieldSpec{name: "status", number: number, kind: descriptorpb.FieldDescriptorProto_TYPE_ENUM, typeName: ".docstore.Status"}
}

func messageProto(name string, fields ...fieldSpec) *descriptorpb.DescriptorProto {
	m := &descriptorpb.DescriptorProto{Name: proto.String(name)}
	for _, f := range fields {
		label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
		if f.repeated {
			label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
		}
		fp := &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(f.name),
			JsonName: proto.String(jsonName(f.name)),
			Number:   proto.Int32(f.number),
			Label:    label.Enum(),
			Type:     f.kind.Enum(),
		}
		if f.typeName != "" {
			fp.TypeName = proto.String(f.typeName)
		}
		m.Field = append(m.Field, fp)
	}
	return m
}

// jsonName lowerCamels a snake_case field name the way protoc does.
func jsonName(name string) string {
	out := make([]byte, 0, len(name))
	upper := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '_' {
			upper = true
			continue
		}
		if upper && 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		out = append(out, c)
	}
	return string(out)
}

func methodProto(name, in, out string, serverStreaming bool) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:            proto.String(name),
		InputType:       proto.String(".docstore." + in),
		OutputType:      proto.String(".docstore." + out),
		ServerStreaming: proto.Bool(serverStreaming),
	}
}

func schemaProto() *descriptorpb.FileDescriptorProto {
	const (
		str   = descriptorpb.FieldDescriptorProto_TYPE_STRING
		i64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
		bytes = descriptorpb.FieldDescriptorProto_TYPE_BYTES
		boolT = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	)
	statuses := make([]*descriptorpb.EnumValueDescriptorProto, 0, 4)
	for _, s := range []Status{Status_SUCCESS, Status_CONFLICT, Status_NOT_FOUND, Status_DUPLICATE} {
		statuses = append(statuses, &descriptorpb.EnumValueDescriptorProto{
			Name:   proto.String(s.String()),
			Number: proto.Int32(int32(s)),
		})
	}
	changes := documentField("changes", 1)
	changes.repeated = true

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("docstore/document_store.proto"),
		Package: proto.String(protoPackage),
		Syntax:  proto.String("proto3"),
		EnumType: []*descriptorpb.EnumDescriptorProto{{
			Name:  proto.String("Status"),
			Value: statuses,
		}},
		MessageType: []*descriptorpb.DescriptorProto{
			messageProto("Document",
				scalarField("locator", 1, str),
				scalarField("identifier", 2, str),
				scalarField("kind", 3, str),
				scalarField("body", 4, bytes),
				scalarField("hash", 5, str),
				scalarField("revision", 6, i64),
				scalarField("deleted", 7, boolT),
			),
			messageProto("CreateRequest",
				scalarField("collection", 1, str),
				documentField("document", 2),
				scalarField("request_time", 3, i64),
				scalarField("signature", 4, str),
			),
			messageProto("CreateReply",
				statusField(1),
				scalarField("locator", 2, str),
				scalarField("revision", 3, i64),
			),
			messageProto("UpdateRequest",
				scalarField("collection", 1, str),
				scalarField("locator", 2, str),
				documentField("document", 3),
				scalarField("expected_revision", 4, i64),
				scalarField("request_time", 5, i64),
				scalarField("signature", 6, str),
			),
			messageProto("UpdateReply",
				statusField(1),
				scalarField("revision", 2, i64),
			),
			messageProto("DeleteRequest",
				scalarField("collection", 1, str),
				scalarField("locator", 2, str),
				scalarField("request_time", 3, i64),
				scalarField("signature", 4, str),
			),
			messageProto("DeleteReply",
				statusField(1),
				scalarField("revision", 2, i64),
			),
			messageProto("FindRequest",
				scalarField("collection", 1, str),
				scalarField("identifier", 2, str),
				scalarField("request_time", 3, i64),
				scalarField("signature", 4, str),
			),
			messageProto("FindReply",
				documentField("document", 1),
			),
			messageProto("ListChangesRequest",
				scalarField("collection", 1, str),
				scalarField("since_revision", 2, i64),
				scalarField("request_time", 3, i64),
				scalarField("signature", 4, str),
			),
			messageProto("ListChangesReply", changes),
			messageProto("TrackChangesRequest",
				scalarField("collection", 1, str),
				scalarField("request_time", 2, i64),
				scalarField("signature", 3, str),
			),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("DocumentStore"),
			Method: []*descriptorpb.MethodDescriptorProto{
				methodProto("Create", "CreateRequest", "CreateReply", false),
				methodProto("Update", "UpdateRequest", "UpdateReply", false),
				methodProto("Delete", "DeleteRequest", "DeleteReply", false),
				methodProto("FindByIdentifier", "FindRequest", "FindReply", false),
				methodProto("ListChanges", "ListChangesRequest", "ListChangesReply", false),
				methodProto("TrackChanges", "TrackChangesRequest", "Document", true),
			},
		}},
	}
}
