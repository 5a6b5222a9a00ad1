// ABOUTME: Tagged runtime value: nil, bool, int64, or a GC-managed object
// ABOUTME: Object values compare by identity; interning makes strings work too

// Package value defines the interpreter's runtime value representation.
// A Value is immutable once constructed; mutable state lives behind the
// object it may reference.
package value

import (
	"fmt"

	"github.com/qetlang/qet/gc"
)

// Kind discriminates the payload of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindObject
)

// Value is the interpreter's tagged value.
type Value struct {
	kind Kind
	i    int64
	obj  gc.Object
}

// Nil returns the nil value.
func Nil() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.i = 1
	}
	return v
}

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Obj wraps a GC object; obj must not be nil.
func Obj(obj gc.Object) Value {
	if obj == nil {
		panic("value: Obj of nil object")
	}
	return Value{kind: KindObject, obj: obj}
}

// Kind returns the value's discriminant.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether v is the nil value.
func (v Value) IsNil() bool { return v.kind == KindNil }

// IsBool reports whether v is a boolean.
func (v Value) IsBool() bool { return v.kind == KindBool }

// IsInt reports whether v is an integer.
func (v Value) IsInt() bool { return v.kind == KindInt }

// IsObject reports whether v references an object.
func (v Value) IsObject() bool { return v.kind == KindObject }

// AsBool returns the boolean payload.
func (v Value) AsBool() bool { return v.i != 0 }

// AsInt returns the integer payload.
func (v Value) AsInt() int64 { return v.i }

// AsObject returns the object payload, or nil for non-object values.
func (v Value) AsObject() gc.Object {
	if v.kind != KindObject {
		return nil
	}
	return v.obj
}

// Truthy implements the language's truthiness: nil and false are falsey,
// everything else is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.i != 0
	}
	return true
}

// Equal compares values: like kinds, like payloads; objects by identity
// (interned strings make content equality coincide with identity).
func (v Value) Equal(w Value) bool {
	if v.kind != w.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindObject:
		return v.obj == w.obj
	}
	return v.i == w.i
}

// Scan pushes the referenced object, if any, onto the scan context.
func (v Value) Scan(ctx *gc.ScanContext) {
	if v.kind == KindObject {
		ctx.Push(v.obj)
	}
}

// Shade marks the referenced object, if any, live for the current cycle.
func (v Value) Shade(m *gc.Mutator) {
	if v.kind == KindObject {
		m.Shade(v.obj)
	}
}

// String renders the value the way the interpreter prints it.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.i != 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	}
	if s, ok := v.obj.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("<object %p>", v.obj)
}
