// ABOUTME: The bytecode dispatch loop and its collector integration
// ABOUTME: Safepoints every 128 dispatches; roots enumerated at each handshake

// Package vm implements the qet interpreter: object kinds, the
// single-pass compiler, and the stack machine, over the values of
// package value. The VM is a mutator of the
// concurrent collector in package gc: it registers a root enumerator that
// shades its value stack, call frames, open upvalues, globals table, and
// the pinned "init" string, and it reaches a safepoint every 128
// dispatched instructions.
package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/qetlang/qet/gc"
	"github.com/qetlang/qet/intern"
	"github.com/qetlang/qet/table"
	"github.com/qetlang/qet/value"
)

// ErrCompile reports a syntax or resolution error from the compiler.
var ErrCompile = errors.New("compile error")

// ErrRuntime reports an error raised while executing bytecode.
var ErrRuntime = errors.New("runtime error")

const (
	stackMax  = 256 * frameMax
	frameMax  = 64
	safepoint = 128 // dispatches between handshakes
)

type callFrame struct {
	closure *Closure
	ip      int
	base    int // stack slot of the frame's slot zero
}

// VM is one interpreter instance bound to one mutator. It is not safe
// for concurrent use; run one VM per goroutine.
type VM struct {
	m      *gc.Mutator
	stack  [stackMax]value.Value
	top    int
	frames [frameMax]callFrame
	nframe int

	globals      *table.Table
	openUpvalues *Upvalue
	initString   *intern.SNode

	Stdout io.Writer

	removeRoots func()
	budget      int
}

// New creates a VM on the given mutator, installing its root enumerator
// and the clock native.
func New(m *gc.Mutator) *VM {
	vm := &VM{m: m, Stdout: os.Stdout}
	vm.globals = table.New(m)
	vm.initString = intern.InternString(m, "init")
	vm.removeRoots = m.AddRootEnumerator(vm.enumerateRoots)

	start := time.Now()
	vm.defineNative("clock", func(args []value.Value) value.Value {
		return value.Int(time.Since(start).Milliseconds())
	})
	return vm
}

// Close unregisters the VM's roots; the VM must not run afterwards.
func (vm *VM) Close() {
	if vm.removeRoots != nil {
		vm.removeRoots()
		vm.removeRoots = nil
	}
}

// enumerateRoots shades everything the running interpreter can reach:
// stack values, frame closures, the open upvalue list, the globals
// table, and the pinned init string.
func (vm *VM) enumerateRoots(shade func(gc.Object)) {
	for i := 0; i < vm.top; i++ {
		if obj := vm.stack[i].AsObject(); obj != nil {
			shade(obj)
		}
	}
	for i := 0; i < vm.nframe; i++ {
		shade(vm.frames[i].closure)
	}
	for u := vm.openUpvalues; u != nil; u = u.Next {
		shade(u)
	}
	shade(vm.globals)
	shade(vm.initString)
}

func (vm *VM) defineNative(name string, fn NativeFn) {
	sn := intern.InternString(vm.m, name)
	native := NewNative(vm.m, sn, fn)
	vm.globals.Set(vm.m, sn, value.Obj(native))
}

// stack primitives

func (vm *VM) push(v value.Value) {
	vm.stack[vm.top] = v
	vm.top++
}

func (vm *VM) pop() value.Value {
	vm.top--
	return vm.stack[vm.top]
}

func (vm *VM) peek(distance int) value.Value {
	return vm.stack[vm.top-1-distance]
}

func (vm *VM) resetStack() {
	vm.top = 0
	vm.nframe = 0
	vm.openUpvalues = nil
}

// runtimeError formats a message plus a stack trace and resets the VM.
func (vm *VM) runtimeError(format string, args ...any) error {
	trace := fmt.Sprintf(format, args...) + "\n"
	for i := vm.nframe - 1; i >= 0; i-- {
		frame := &vm.frames[i]
		fn := frame.closure.Function
		line := fn.Chunk.Lines[frame.ip-1]
		where := "script"
		if fn.Name != nil {
			where = fn.Name.String() + "()"
		}
		trace += fmt.Sprintf("[line %d] in %s\n", line, where)
	}
	vm.resetStack()
	return fmt.Errorf("%s%w", trace, ErrRuntime)
}

// Interpret compiles and runs source, returning nil, a compile error, or
// a runtime error.
func (vm *VM) Interpret(source string) error {
	fn, err := Compile(vm.m, source)
	if err != nil {
		return err
	}
	if klog.V(5).Enabled() {
		Disassemble(os.Stderr, &fn.Chunk, fn.String())
	}
	vm.push(value.Obj(fn))
	closure := NewClosure(vm.m, fn)
	vm.pop()
	vm.push(value.Obj(closure))
	if err := vm.call(closure, 0); err != nil {
		return err
	}
	return vm.run()
}

// calls

func (vm *VM) call(closure *Closure, argCount int) error {
	if argCount != closure.Function.Arity {
		return vm.runtimeError("Expected %d arguments but got %d.",
			closure.Function.Arity, argCount)
	}
	if vm.nframe == frameMax {
		return vm.runtimeError("Stack overflow.")
	}
	frame := &vm.frames[vm.nframe]
	vm.nframe++
	frame.closure = closure
	frame.ip = 0
	frame.base = vm.top - argCount - 1
	return nil
}

func (vm *VM) callValue(callee value.Value, argCount int) error {
	if obj := callee.AsObject(); obj != nil {
		switch c := obj.(type) {
		case *BoundMethod:
			vm.stack[vm.top-argCount-1] = c.Receiver
			return vm.call(c.Method, argCount)
		case *Class:
			instance := NewInstance(vm.m, c)
			vm.stack[vm.top-argCount-1] = value.Obj(instance)
			if init, ok := c.Methods.Get(vm.initString); ok {
				return vm.call(init.AsObject().(*Closure), argCount)
			}
			if argCount != 0 {
				return vm.runtimeError("Expected 0 arguments but got %d.", argCount)
			}
			return nil
		case *Closure:
			return vm.call(c, argCount)
		case *Native:
			result := c.Function(vm.stack[vm.top-argCount : vm.top])
			vm.top -= argCount + 1
			vm.push(result)
			return nil
		}
	}
	return vm.runtimeError("Can only call functions and classes.")
}

func (vm *VM) invokeFromClass(class *Class, name *intern.SNode, argCount int) error {
	method, ok := class.Methods.Get(name)
	if !ok {
		return vm.runtimeError("Undefined property '%s'.", name)
	}
	return vm.call(method.AsObject().(*Closure), argCount)
}

func (vm *VM) invoke(name *intern.SNode, argCount int) error {
	receiver := vm.peek(argCount)
	instance, ok := receiver.AsObject().(*Instance)
	if !ok {
		return vm.runtimeError("Only instances have methods.")
	}
	if field, ok := instance.Fields.Get(name); ok {
		vm.stack[vm.top-argCount-1] = field
		return vm.callValue(field, argCount)
	}
	return vm.invokeFromClass(instance.Class, name, argCount)
}

func (vm *VM) bindMethod(class *Class, name *intern.SNode) error {
	method, ok := class.Methods.Get(name)
	if !ok {
		return vm.runtimeError("Undefined property '%s'.", name)
	}
	bound := NewBoundMethod(vm.m, vm.peek(0), method.AsObject().(*Closure))
	vm.pop()
	vm.push(value.Obj(bound))
	return nil
}

// upvalues

func (vm *VM) captureUpvalue(slot int) *Upvalue {
	local := &vm.stack[slot]
	var prev *Upvalue
	u := vm.openUpvalues
	for u != nil && u.Location != local && vm.slotOf(u) > slot {
		prev = u
		u = u.Next
	}
	if u != nil && u.Location == local {
		return u
	}
	created := NewUpvalue(vm.m, local)
	created.Next = u
	if u != nil {
		vm.m.Shade(u)
	}
	if prev == nil {
		vm.openUpvalues = created
	} else {
		prev.Next = created
		vm.m.Shade(created)
	}
	return created
}

func (vm *VM) slotOf(u *Upvalue) int {
	for i := range vm.stack[:vm.top] {
		if &vm.stack[i] == u.Location {
			return i
		}
	}
	return -1
}

func (vm *VM) closeUpvalues(from int) {
	for vm.openUpvalues != nil && vm.slotOf(vm.openUpvalues) >= from {
		u := vm.openUpvalues
		u.Closed = *u.Location
		u.Closed.Shade(vm.m)
		u.Location = &u.Closed
		vm.openUpvalues = u.Next
	}
}

// run is the dispatch loop.
func (vm *VM) run() error {
	frame := &vm.frames[vm.nframe-1]

	readByte := func() byte {
		b := frame.closure.Function.Chunk.Code[frame.ip]
		frame.ip++
		return b
	}
	readShort := func() int {
		hi := int(readByte())
		lo := int(readByte())
		return hi<<8 | lo
	}
	readConstant := func() value.Value {
		return frame.closure.Function.Chunk.Constants[readByte()]
	}
	readString := func() *intern.SNode {
		return readConstant().AsObject().(*intern.SNode)
	}

	for {
		vm.budget++
		if vm.budget >= safepoint {
			vm.budget = 0
			vm.m.Handshake()
		}

		switch op := Op(readByte()); op {
		case OpConstant:
			vm.push(readConstant())
		case OpNil:
			vm.push(value.Nil())
		case OpTrue:
			vm.push(value.Bool(true))
		case OpFalse:
			vm.push(value.Bool(false))
		case OpPop:
			vm.pop()

		case OpGetLocal:
			slot := int(readByte())
			vm.push(vm.stack[frame.base+slot])
		case OpSetLocal:
			slot := int(readByte())
			vm.stack[frame.base+slot] = vm.peek(0)

		case OpGetGlobal:
			name := readString()
			v, ok := vm.globals.Get(name)
			if !ok {
				return vm.runtimeError("Undefined variable '%s'.", name)
			}
			vm.push(v)
		case OpDefineGlobal:
			name := readString()
			vm.globals.Set(vm.m, name, vm.peek(0))
			vm.pop()
		case OpSetGlobal:
			name := readString()
			if vm.globals.Set(vm.m, name, vm.peek(0)) {
				vm.globals.Delete(vm.m, name)
				return vm.runtimeError("Undefined variable '%s'.", name)
			}

		case OpGetUpvalue:
			slot := readByte()
			vm.push(*frame.closure.Upvalues[slot].Location)
		case OpSetUpvalue:
			slot := readByte()
			*frame.closure.Upvalues[slot].Location = vm.peek(0)
			vm.peek(0).Shade(vm.m)

		case OpGetProperty:
			instance, ok := vm.peek(0).AsObject().(*Instance)
			if !ok {
				return vm.runtimeError("Only instances have properties.")
			}
			name := readString()
			if v, ok := instance.Fields.Get(name); ok {
				vm.pop()
				vm.push(v)
				break
			}
			if err := vm.bindMethod(instance.Class, name); err != nil {
				return err
			}
		case OpSetProperty:
			instance, ok := vm.peek(1).AsObject().(*Instance)
			if !ok {
				return vm.runtimeError("Only instances have fields.")
			}
			name := readString()
			instance.Fields.Set(vm.m, name, vm.peek(0))
			v := vm.pop()
			vm.pop()
			vm.push(v)
		case OpGetSuper:
			name := readString()
			superclass := vm.pop().AsObject().(*Class)
			if err := vm.bindMethod(superclass, name); err != nil {
				return err
			}

		case OpEqual:
			b := vm.pop()
			a := vm.pop()
			vm.push(value.Bool(a.Equal(b)))
		case OpGreater:
			if err := vm.binaryCompare(func(a, b int64) bool { return a > b }); err != nil {
				return err
			}
		case OpLess:
			if err := vm.binaryCompare(func(a, b int64) bool { return a < b }); err != nil {
				return err
			}

		case OpAdd:
			switch {
			case vm.peek(0).IsInt() && vm.peek(1).IsInt():
				b := vm.pop().AsInt()
				a := vm.pop().AsInt()
				vm.push(value.Int(a + b))
			default:
				sa, aok := vm.peek(1).AsObject().(*intern.SNode)
				sb, bok := vm.peek(0).AsObject().(*intern.SNode)
				if !aok || !bok {
					return vm.runtimeError("Operands must be two numbers or two strings.")
				}
				cat := intern.InternString(vm.m, sa.String()+sb.String())
				vm.pop()
				vm.pop()
				vm.push(value.Obj(cat))
			}
		case OpSubtract:
			if err := vm.binaryInt(func(a, b int64) int64 { return a - b }); err != nil {
				return err
			}
		case OpMultiply:
			if err := vm.binaryInt(func(a, b int64) int64 { return a * b }); err != nil {
				return err
			}
		case OpDivide:
			if vm.peek(0).IsInt() && vm.peek(0).AsInt() == 0 {
				return vm.runtimeError("Division by zero.")
			}
			if err := vm.binaryInt(func(a, b int64) int64 { return a / b }); err != nil {
				return err
			}
		case OpNot:
			vm.push(value.Bool(!vm.pop().Truthy()))
		case OpNegate:
			if !vm.peek(0).IsInt() {
				return vm.runtimeError("Operand must be a number.")
			}
			vm.push(value.Int(-vm.pop().AsInt()))

		case OpPrint:
			fmt.Fprintln(vm.Stdout, vm.pop())

		case OpJump:
			offset := readShort()
			frame.ip += offset
		case OpJumpIfFalse:
			offset := readShort()
			if !vm.peek(0).Truthy() {
				frame.ip += offset
			}
		case OpLoop:
			offset := readShort()
			frame.ip -= offset

		case OpCall:
			argCount := int(readByte())
			if err := vm.callValue(vm.peek(argCount), argCount); err != nil {
				return err
			}
			frame = &vm.frames[vm.nframe-1]
		case OpInvoke:
			name := readString()
			argCount := int(readByte())
			if err := vm.invoke(name, argCount); err != nil {
				return err
			}
			frame = &vm.frames[vm.nframe-1]
		case OpSuperInvoke:
			name := readString()
			argCount := int(readByte())
			superclass := vm.pop().AsObject().(*Class)
			if err := vm.invokeFromClass(superclass, name, argCount); err != nil {
				return err
			}
			frame = &vm.frames[vm.nframe-1]

		case OpClosure:
			fn := readConstant().AsObject().(*Function)
			closure := NewClosure(vm.m, fn)
			vm.push(value.Obj(closure))
			for i := range closure.Upvalues {
				isLocal := readByte()
				index := int(readByte())
				if isLocal != 0 {
					closure.Upvalues[i] = vm.captureUpvalue(frame.base + index)
				} else {
					closure.Upvalues[i] = frame.closure.Upvalues[index]
				}
				vm.m.Shade(closure.Upvalues[i])
			}
		case OpCloseUpvalue:
			vm.closeUpvalues(vm.top - 1)
			vm.pop()

		case OpReturn:
			result := vm.pop()
			vm.closeUpvalues(frame.base)
			vm.nframe--
			if vm.nframe == 0 {
				vm.pop()
				return nil
			}
			vm.top = frame.base
			vm.push(result)
			frame = &vm.frames[vm.nframe-1]

		case OpClass:
			vm.push(value.Obj(NewClass(vm.m, readString())))
		case OpInherit:
			superclass, ok := vm.peek(1).AsObject().(*Class)
			if !ok {
				return vm.runtimeError("Superclass must be a class.")
			}
			subclass := vm.peek(0).AsObject().(*Class)
			subclass.Methods.AddAll(vm.m, superclass.Methods)
			vm.pop()
		case OpMethod:
			name := readString()
			method := vm.peek(0)
			class := vm.peek(1).AsObject().(*Class)
			class.Methods.Set(vm.m, name, method)
			vm.pop()

		default:
			return vm.runtimeError("Unknown opcode %d.", op)
		}
	}
}

func (vm *VM) binaryInt(fn func(a, b int64) int64) error {
	if !vm.peek(0).IsInt() || !vm.peek(1).IsInt() {
		return vm.runtimeError("Operands must be numbers.")
	}
	b := vm.pop().AsInt()
	a := vm.pop().AsInt()
	vm.push(value.Int(fn(a, b)))
	return nil
}

func (vm *VM) binaryCompare(fn func(a, b int64) bool) error {
	if !vm.peek(0).IsInt() || !vm.peek(1).IsInt() {
		return vm.runtimeError("Operands must be numbers.")
	}
	b := vm.pop().AsInt()
	a := vm.pop().AsInt()
	vm.push(value.Bool(fn(a, b)))
	return nil
}
