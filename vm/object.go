// ABOUTME: Runtime object kinds: functions, closures, upvalues, classes, instances
// ABOUTME: Each is a GC object whose Scan pushes its strong references

package vm

import (
	"fmt"
	"unsafe"

	"github.com/qetlang/qet/gc"
	"github.com/qetlang/qet/intern"
	"github.com/qetlang/qet/table"
	"github.com/qetlang/qet/value"
)

// Function is a compiled function: arity, upvalue count, and bytecode.
// Functions are immutable after compilation finishes.
type Function struct {
	gc.Header
	Arity        int
	UpvalueCount int
	Chunk        Chunk
	Name         *intern.SNode // nil for the top-level script
}

// NewFunction registers an empty function under construction.
func NewFunction(m *gc.Mutator) *Function {
	f := &Function{}
	m.Register(f)
	return f
}

func (f *Function) Scan(ctx *gc.ScanContext) {
	if f.Name != nil {
		ctx.Push(f.Name)
	}
	f.Chunk.scan(ctx)
}

func (f *Function) Bytes() uintptr {
	return unsafe.Sizeof(*f) + uintptr(len(f.Chunk.Code)) +
		uintptr(len(f.Chunk.Constants))*unsafe.Sizeof(value.Value{})
}

func (f *Function) String() string {
	if f.Name == nil {
		return "<script>"
	}
	return fmt.Sprintf("<fn %s>", f.Name)
}

// Upvalue is a captured variable: open while its slot is still on some
// stack, closed once the frame unwinds and the value moves inside.
type Upvalue struct {
	gc.Header
	Location *value.Value // points into the VM stack while open
	Closed   value.Value
	Next     *Upvalue // intrusive open-upvalue list, stack-order
}

// NewUpvalue registers an open upvalue capturing slot.
func NewUpvalue(m *gc.Mutator, slot *value.Value) *Upvalue {
	u := &Upvalue{Location: slot}
	m.Register(u)
	return u
}

func (u *Upvalue) Scan(ctx *gc.ScanContext) {
	u.Closed.Scan(ctx)
	if u.Next != nil {
		ctx.Push(u.Next)
	}
}

func (u *Upvalue) Bytes() uintptr { return unsafe.Sizeof(*u) }

func (u *Upvalue) String() string { return "upvalue" }

// Closure pairs a function with its captured upvalues.
type Closure struct {
	gc.Header
	Function *Function
	Upvalues []*Upvalue
}

// NewClosure registers a closure with room for the function's upvalues.
func NewClosure(m *gc.Mutator, fn *Function) *Closure {
	c := &Closure{Function: fn, Upvalues: make([]*Upvalue, fn.UpvalueCount)}
	m.Register(c)
	m.Shade(fn)
	return c
}

func (c *Closure) Scan(ctx *gc.ScanContext) {
	ctx.Push(c.Function)
	for _, u := range c.Upvalues {
		if u != nil {
			ctx.Push(u)
		}
	}
}

func (c *Closure) Bytes() uintptr {
	return unsafe.Sizeof(*c) + uintptr(len(c.Upvalues))*unsafe.Sizeof(uintptr(0))
}

func (c *Closure) String() string { return c.Function.String() }

// Class is a named method table.
type Class struct {
	gc.Header
	Name    *intern.SNode
	Methods *table.Table
}

// NewClass registers a class with an empty method table.
func NewClass(m *gc.Mutator, name *intern.SNode) *Class {
	k := &Class{Name: name, Methods: table.New(m)}
	m.Register(k)
	m.Shade(name)
	m.Shade(k.Methods)
	return k
}

func (k *Class) Scan(ctx *gc.ScanContext) {
	ctx.Push(k.Name)
	ctx.Push(k.Methods)
}

func (k *Class) Bytes() uintptr { return unsafe.Sizeof(*k) }

func (k *Class) String() string { return k.Name.String() }

// Instance is a class instance with a field table.
type Instance struct {
	gc.Header
	Class  *Class
	Fields *table.Table
}

// NewInstance registers a fresh instance of class.
func NewInstance(m *gc.Mutator, class *Class) *Instance {
	in := &Instance{Class: class, Fields: table.New(m)}
	m.Register(in)
	m.Shade(class)
	m.Shade(in.Fields)
	return in
}

func (in *Instance) Scan(ctx *gc.ScanContext) {
	ctx.Push(in.Class)
	ctx.Push(in.Fields)
}

func (in *Instance) Bytes() uintptr { return unsafe.Sizeof(*in) }

func (in *Instance) String() string { return in.Class.Name.String() + " instance" }

// BoundMethod pins a receiver to a method closure.
type BoundMethod struct {
	gc.Header
	Receiver value.Value
	Method   *Closure
}

// NewBoundMethod registers a bound method.
func NewBoundMethod(m *gc.Mutator, receiver value.Value, method *Closure) *BoundMethod {
	b := &BoundMethod{Receiver: receiver, Method: method}
	m.Register(b)
	receiver.Shade(m)
	m.Shade(method)
	return b
}

func (b *BoundMethod) Scan(ctx *gc.ScanContext) {
	b.Receiver.Scan(ctx)
	ctx.Push(b.Method)
}

func (b *BoundMethod) Bytes() uintptr { return unsafe.Sizeof(*b) }

func (b *BoundMethod) String() string { return b.Method.String() }

// NativeFn is the signature of a built-in function.
type NativeFn func(args []value.Value) value.Value

// Native wraps a built-in function.
type Native struct {
	gc.Header
	Name     *intern.SNode
	Function NativeFn
}

// NewNative registers a built-in.
func NewNative(m *gc.Mutator, name *intern.SNode, fn NativeFn) *Native {
	n := &Native{Name: name, Function: fn}
	m.Register(n)
	m.Shade(name)
	return n
}

func (n *Native) Scan(ctx *gc.ScanContext) { ctx.Push(n.Name) }

func (n *Native) Bytes() uintptr { return unsafe.Sizeof(*n) }

func (n *Native) String() string { return "<native fn>" }
