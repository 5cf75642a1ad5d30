// Package codec turns envelope bodies into bytes and back. Every body type is
// identified on the wire by a type tag, and a Registry maps tags back to Go
// types on the receiving side.
package codec

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
)

var jsonAPI = sonic.ConfigStd

// TypeNamer lets a body choose its own wire type tag.
type TypeNamer interface {
	MessageTypeName() string
}

// RawBody is produced when a payload carries a type tag nobody registered.
// The tag stays available so the message can still be logged.
type RawBody struct {
	ContentType string
	Data        []byte
}

// Registry maps type tags to Go types. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewRegistry returns a registry that already knows the error envelope.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]reflect.Type)}
	Register[*errspkg.ErrorEnvelope](r)
	return r
}

// Register records T under its type tag and returns the tag.
func Register[T any](r *Registry) string {
	return r.RegisterType(reflect.TypeFor[T]())
}

// RegisterType records typ under its type tag and returns the tag. Pointer
// and value forms of a type share one tag.
func (r *Registry) RegisterType(typ reflect.Type) string {
	elem := baseType(typ)
	name := typeNameOf(elem)
	r.mu.Lock()
	r.types[name] = elem
	r.mu.Unlock()
	return name
}

// Lookup reports whether name is registered.
func (r *Registry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	typ, ok := r.types[name]
	return typ, ok
}

// Marshal encodes body and returns its type tag. Protobuf messages are encoded
// with protojson, everything else as JSON.
func (r *Registry) Marshal(body any) (string, []byte, error) {
	if body == nil {
		return "", nil, errspkg.ErrRequestRequired
	}
	if raw, ok := body.(*RawBody); ok {
		return raw.ContentType, raw.Data, nil
	}
	name := TypeName(body)
	if msg, ok := body.(proto.Message); ok {
		data, err := protojson.Marshal(msg)
		return name, data, err
	}
	data, err := jsonAPI.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return name, data, nil
}

// Unmarshal decodes data into a fresh pointer of the type registered under
// contentType. An unknown tag yields *RawBody instead of an error.
func (r *Registry) Unmarshal(contentType string, data []byte) (any, error) {
	if contentType == "" {
		return nil, errspkg.ErrContentTypeRequired
	}
	typ, ok := r.Lookup(contentType)
	if !ok {
		return &RawBody{ContentType: contentType, Data: data}, nil
	}
	ptr := reflect.New(typ).Interface()
	if msg, ok := ptr.(proto.Message); ok {
		if err := protojson.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", contentType, err)
		}
		return msg, nil
	}
	if err := jsonAPI.Unmarshal(data, ptr); err != nil {
		return nil, fmt.Errorf("decode %s: %w", contentType, err)
	}
	return ptr, nil
}

// TypeName returns the wire type tag of body.
func TypeName(body any) string {
	if body == nil {
		return ""
	}
	if raw, ok := body.(*RawBody); ok {
		return raw.ContentType
	}
	return typeNameOf(baseType(reflect.TypeOf(body)))
}

// TypeNameFor returns the wire type tag of T.
func TypeNameFor[T any]() string {
	return typeNameOf(baseType(reflect.TypeFor[T]()))
}

func baseType(typ reflect.Type) reflect.Type {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return typ
}

func typeNameOf(elem reflect.Type) string {
	ptr := reflect.New(elem).Interface()
	if namer, ok := ptr.(TypeNamer); ok {
		return namer.MessageTypeName()
	}
	if msg, ok := ptr.(proto.Message); ok {
		return string(msg.ProtoReflect().Descriptor().FullName())
	}
	if elem.Name() == "" || elem.PkgPath() == "" {
		return elem.String()
	}
	return elem.PkgPath() + "." + elem.Name()
}

// As converts a decoded body to T, bridging the pointer and value forms of the
// same type.
func As[T any](body any) (T, bool) {
	var zero T
	if body == nil {
		return zero, false
	}
	if typed, ok := body.(T); ok {
		return typed, true
	}

	want := reflect.TypeFor[T]()
	val := reflect.ValueOf(body)
	switch {
	case val.Kind() == reflect.Pointer && val.Type().Elem() == want:
		if val.IsNil() {
			return zero, false
		}
		return val.Elem().Interface().(T), true
	case want.Kind() == reflect.Pointer && want.Elem() == val.Type():
		ptr := reflect.New(val.Type())
		ptr.Elem().Set(val)
		return ptr.Interface().(T), true
	}
	return zero, false
}
