// ABOUTME: Bytecode chunk: opcode stream, constant pool, and line table
// ABOUTME: Chunks are owned by function objects and scanned through them

package vm

import (
	"github.com/qetlang/qet/gc"
	"github.com/qetlang/qet/value"
)

// Op is a bytecode opcode.
type Op uint8

const (
	OpConstant Op = iota
	OpNil
	OpTrue
	OpFalse
	OpPop
	OpGetLocal
	OpSetLocal
	OpGetGlobal
	OpDefineGlobal
	OpSetGlobal
	OpGetUpvalue
	OpSetUpvalue
	OpGetProperty
	OpSetProperty
	OpGetSuper
	OpEqual
	OpGreater
	OpLess
	OpAdd
	OpSubtract
	OpMultiply
	OpDivide
	OpNot
	OpNegate
	OpPrint
	OpJump
	OpJumpIfFalse
	OpLoop
	OpCall
	OpInvoke
	OpSuperInvoke
	OpClosure
	OpCloseUpvalue
	OpReturn
	OpClass
	OpInherit
	OpMethod
)

var opNames = [...]string{
	OpConstant:     "CONSTANT",
	OpNil:          "NIL",
	OpTrue:         "TRUE",
	OpFalse:        "FALSE",
	OpPop:          "POP",
	OpGetLocal:     "GET_LOCAL",
	OpSetLocal:     "SET_LOCAL",
	OpGetGlobal:    "GET_GLOBAL",
	OpDefineGlobal: "DEFINE_GLOBAL",
	OpSetGlobal:    "SET_GLOBAL",
	OpGetUpvalue:   "GET_UPVALUE",
	OpSetUpvalue:   "SET_UPVALUE",
	OpGetProperty:  "GET_PROPERTY",
	OpSetProperty:  "SET_PROPERTY",
	OpGetSuper:     "GET_SUPER",
	OpEqual:        "EQUAL",
	OpGreater:      "GREATER",
	OpLess:         "LESS",
	OpAdd:          "ADD",
	OpSubtract:     "SUBTRACT",
	OpMultiply:     "MULTIPLY",
	OpDivide:       "DIVIDE",
	OpNot:          "NOT",
	OpNegate:       "NEGATE",
	OpPrint:        "PRINT",
	OpJump:         "JUMP",
	OpJumpIfFalse:  "JUMP_IF_FALSE",
	OpLoop:         "LOOP",
	OpCall:         "CALL",
	OpInvoke:       "INVOKE",
	OpSuperInvoke:  "SUPER_INVOKE",
	OpClosure:      "CLOSURE",
	OpCloseUpvalue: "CLOSE_UPVALUE",
	OpReturn:       "RETURN",
	OpClass:        "CLASS",
	OpInherit:      "INHERIT",
	OpMethod:       "METHOD",
}

// String returns the disassembly mnemonic.
func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "UNKNOWN"
}

// Chunk is a compiled bytecode stream. Chunks exist only as members of
// function objects; the owning function's Scan walks the constant pool.
type Chunk struct {
	Code      []byte
	Constants []value.Value
	Lines     []int // source line per code byte
}

// Write appends one byte with its source line.
func (c *Chunk) Write(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// AddConstant appends v to the constant pool and returns its index. The
// stored value is shaded: the pool may belong to a function the collector
// has already blackened.
func (c *Chunk) AddConstant(m *gc.Mutator, v value.Value) int {
	v.Shade(m)
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

func (c *Chunk) scan(ctx *gc.ScanContext) {
	for _, v := range c.Constants {
		v.Scan(ctx)
	}
}
