package docrpc

import (
	"fmt"
	"reflect"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Codec puts the document store messages on the wire as protobuf, following
// the schema in schema.go. Use it with grpc.ForceCodec and
// grpc.ForceServerCodec; it is not registered globally so it never replaces
// grpc's own proto codec.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	sv, md, err := messageOf(v)
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(md)
	if err := fill(msg, sv); err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

func (Codec) Unmarshal(data []byte, v any) error {
	sv, md, err := messageOf(v)
	if err != nil {
		return err
	}
	msg := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("failed to unmarshal %v: %w", md.Name(), err)
	}
	sv.Set(reflect.Zero(sv.Type()))
	return read(msg, sv)
}

func (Codec) Name() string {
	return "proto"
}

// messageOf resolves the struct behind v and its message descriptor.
func messageOf(v any) (reflect.Value, protoreflect.MessageDescriptor, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, nil, fmt.Errorf("docrpc: cannot encode %T", v)
	}
	md := schema.Messages().ByName(protoreflect.Name(rv.Elem().Type().Name()))
	if md == nil {
		return reflect.Value{}, nil, fmt.Errorf("docrpc: %T is not a document store message", v)
	}
	return rv.Elem(), md, nil
}

func fieldName(sf reflect.StructField) string {
	name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
	return name
}

func fill(msg protoreflect.Message, sv reflect.Value) error {
	fields := msg.Descriptor().Fields()
	for i := 0; i < sv.NumField(); i++ {
		name := fieldName(sv.Type().Field(i))
		if name == "" || name == "-" {
			continue
		}
		fd := fields.ByJSONName(name)
		if fd == nil {
			return fmt.Errorf("docrpc: %v has no field %v", msg.Descriptor().Name(), name)
		}
		fv := sv.Field(i)
		if fv.IsZero() {
			continue
		}
		switch {
		case fd.IsList():
			list := msg.Mutable(fd).List()
			for j := 0; j < fv.Len(); j++ {
				elem := fv.Index(j)
				if elem.IsNil() {
					continue
				}
				item := list.NewElement()
				if err := fill(item.Message(), elem.Elem()); err != nil {
					return err
				}
				list.Append(item)
			}
		case fd.Kind() == protoreflect.MessageKind:
			if err := fill(msg.Mutable(fd).Message(), fv.Elem()); err != nil {
				return err
			}
		case fd.Kind() == protoreflect.EnumKind:
			msg.Set(fd, protoreflect.ValueOfEnum(protoreflect.EnumNumber(fv.Int())))
		case fd.Kind() == protoreflect.StringKind:
			msg.Set(fd, protoreflect.ValueOfString(fv.String()))
		case fd.Kind() == protoreflect.Int64Kind:
			msg.Set(fd, protoreflect.ValueOfInt64(fv.Int()))
		case fd.Kind() == protoreflect.BoolKind:
			msg.Set(fd, protoreflect.ValueOfBool(fv.Bool()))
		case fd.Kind() == protoreflect.BytesKind:
			msg.Set(fd, protoreflect.ValueOfBytes(fv.Bytes()))
		default:
			return fmt.Errorf("docrpc: unsupported field kind %v", fd.Kind())
		}
	}
	return nil
}

func read(msg protoreflect.Message, sv reflect.Value) error {
	fields := msg.Descriptor().Fields()
	for i := 0; i < sv.NumField(); i++ {
		name := fieldName(sv.Type().Field(i))
		if name == "" || name == "-" {
			continue
		}
		fd := fields.ByJSONName(name)
		if fd == nil {
			return fmt.Errorf("docrpc: %v has no field %v", msg.Descriptor().Name(), name)
		}
		fv := sv.Field(i)
		switch {
		case fd.IsList():
			list := msg.Get(fd).List()
			if list.Len() == 0 {
				continue
			}
			items := reflect.MakeSlice(fv.Type(), list.Len(), list.Len())
			for j := 0; j < list.Len(); j++ {
				item := reflect.New(fv.Type().Elem().Elem())
				if err := read(list.Get(j).Message(), item.Elem()); err != nil {
					return err
				}
				items.Index(j).Set(item)
			}
			fv.Set(items)
		case fd.Kind() == protoreflect.MessageKind:
			if !msg.Has(fd) {
				continue
			}
			item := reflect.New(fv.Type().Elem())
			if err := read(msg.Get(fd).Message(), item.Elem()); err != nil {
				return err
			}
			fv.Set(item)
		case fd.Kind() == protoreflect.EnumKind:
			fv.SetInt(int64(msg.Get(fd).Enum()))
		case fd.Kind() == protoreflect.StringKind:
			fv.SetString(msg.Get(fd).String())
		case fd.Kind() == protoreflect.Int64Kind:
			fv.SetInt(msg.Get(fd).Int())
		case fd.Kind() == protoreflect.BoolKind:
			fv.SetBool(msg.Get(fd).Bool())
		case fd.Kind() == protoreflect.BytesKind:
			if b := msg.Get(fd).Bytes(); len(b) > 0 {
				fv.SetBytes(append([]byte(nil), b...))
			}
		default:
			return fmt.Errorf("docrpc: unsupported field kind %v", fd.Kind())
		}
	}
	return nil
}
