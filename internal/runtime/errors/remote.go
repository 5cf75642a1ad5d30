package errors

import (
	"encoding/json"
	sterrors "errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/bytedance/sonic"
	pkgerrors "github.com/pkg/errors"
)

// ErrorEnvelope carries a handler failure back to the caller. Only kinds that
// were registered with RegisterErrorKind are rebuilt into their concrete type on
// the receiving side; everything else surfaces as *ServiceError.
type ErrorEnvelope struct {
	Kind       string          `json:"kind"`
	Message    string          `json:"message"`
	StackTrace string          `json:"stackTrace,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// MessageTypeName pins the wire type tag of the envelope.
func (*ErrorEnvelope) MessageTypeName() string { return "rpcflow.ErrorEnvelope" }

var (
	kindMu     sync.RWMutex
	kindByName = map[string]reflect.Type{}
	nameByKind = map[reflect.Type]string{}
)

func init() {
	RegisterErrorKind[*WarningError]("rpcflow.Warning")
	RegisterErrorKind[*ServiceError]("rpcflow.ServiceError")
}

// RegisterErrorKind allows errors of type T to cross the wire and be rebuilt on
// the caller side. T must marshal to JSON.
func RegisterErrorKind[T error](kind string) {
	typ := reflect.TypeFor[T]()
	kindMu.Lock()
	defer kindMu.Unlock()
	kindByName[kind] = typ
	nameByKind[typ] = kind
}

func lookupKind(typ reflect.Type) (string, bool) {
	kindMu.RLock()
	defer kindMu.RUnlock()
	name, ok := nameByKind[typ]
	return name, ok
}

func lookupType(kind string) (reflect.Type, bool) {
	kindMu.RLock()
	defer kindMu.RUnlock()
	typ, ok := kindByName[kind]
	return typ, ok
}

// PanicError is produced when a handler panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// StackText renders the stack carried by err. Errors without a recorded stack
// get one captured at the call site.
func StackText(err error) string {
	if err == nil {
		return ""
	}
	var p *PanicError
	if sterrors.As(err, &p) {
		return p.Stack
	}
	var st stackTracer
	if sterrors.As(err, &st) {
		return fmt.Sprintf("%+v", st.StackTrace())
	}
	return fmt.Sprintf("%+v", pkgerrors.WithStack(err).(stackTracer).StackTrace())
}

// WrapError builds the envelope for err. The stack text comes from original so
// a remapped error still reports where the failure happened.
func WrapError(err, original error) *ErrorEnvelope {
	if original == nil {
		original = err
	}
	env := &ErrorEnvelope{
		Message:    err.Error(),
		StackTrace: StackText(original),
	}
	if kind, ok := lookupKind(reflect.TypeOf(err)); ok {
		env.Kind = kind
		if detail, mErr := sonic.ConfigStd.Marshal(err); mErr == nil {
			env.Detail = detail
		}
		return env
	}
	env.Kind = fmt.Sprintf("%T", err)
	return env
}

// Reconstruct turns the envelope back into an error. A registered kind with a
// decodable detail yields the original type; any other case yields *ServiceError.
func (e *ErrorEnvelope) Reconstruct() error {
	fallback := &ServiceError{Kind: e.Kind, Message: e.Message, StackTrace: e.StackTrace}
	typ, ok := lookupType(e.Kind)
	if !ok || len(e.Detail) == 0 {
		return fallback
	}

	target := typ
	if typ.Kind() == reflect.Pointer {
		target = typ.Elem()
	}
	ptr := reflect.New(target)
	if err := sonic.ConfigStd.Unmarshal(e.Detail, ptr.Interface()); err != nil {
		return fallback
	}

	var value reflect.Value
	if typ.Kind() == reflect.Pointer {
		value = ptr
	} else {
		value = ptr.Elem()
	}
	rebuilt, ok := value.Interface().(error)
	if !ok {
		return fallback
	}
	return rebuilt
}
