// ABOUTME: Bytecode disassembler for debugging and tests
// ABOUTME: Writes one instruction per line with offsets and source lines

package vm

import (
	"fmt"
	"io"
)

// Disassemble writes a listing of the whole chunk under the given name.
func Disassemble(w io.Writer, c *Chunk, name string) {
	fmt.Fprintf(w, "== %s ==\n", name)
	for offset := 0; offset < len(c.Code); {
		offset = DisassembleInstruction(w, c, offset)
	}
}

// DisassembleInstruction writes the instruction at offset and returns the
// offset of the next one.
func DisassembleInstruction(w io.Writer, c *Chunk, offset int) int {
	fmt.Fprintf(w, "%04d ", offset)
	if offset > 0 && c.Lines[offset] == c.Lines[offset-1] {
		fmt.Fprintf(w, "   | ")
	} else {
		fmt.Fprintf(w, "%4d ", c.Lines[offset])
	}

	op := Op(c.Code[offset])
	switch op {
	case OpConstant, OpGetGlobal, OpDefineGlobal, OpSetGlobal,
		OpGetProperty, OpSetProperty, OpGetSuper, OpClass, OpMethod:
		return constantInstruction(w, c, op, offset)
	case OpGetLocal, OpSetLocal, OpGetUpvalue, OpSetUpvalue, OpCall:
		return byteInstruction(w, c, op, offset)
	case OpJump, OpJumpIfFalse:
		return jumpInstruction(w, c, op, 1, offset)
	case OpLoop:
		return jumpInstruction(w, c, op, -1, offset)
	case OpInvoke, OpSuperInvoke:
		return invokeInstruction(w, c, op, offset)
	case OpClosure:
		return closureInstruction(w, c, op, offset)
	default:
		fmt.Fprintf(w, "%s\n", op)
		return offset + 1
	}
}

func constantInstruction(w io.Writer, c *Chunk, op Op, offset int) int {
	idx := c.Code[offset+1]
	fmt.Fprintf(w, "%-16s %4d '%s'\n", op, idx, c.Constants[idx])
	return offset + 2
}

func byteInstruction(w io.Writer, c *Chunk, op Op, offset int) int {
	slot := c.Code[offset+1]
	fmt.Fprintf(w, "%-16s %4d\n", op, slot)
	return offset + 2
}

func jumpInstruction(w io.Writer, c *Chunk, op Op, sign int, offset int) int {
	jump := int(c.Code[offset+1])<<8 | int(c.Code[offset+2])
	fmt.Fprintf(w, "%-16s %4d -> %d\n", op, offset, offset+3+sign*jump)
	return offset + 3
}

func invokeInstruction(w io.Writer, c *Chunk, op Op, offset int) int {
	idx := c.Code[offset+1]
	argCount := c.Code[offset+2]
	fmt.Fprintf(w, "%-16s (%d args) %4d '%s'\n", op, argCount, idx, c.Constants[idx])
	return offset + 3
}

func closureInstruction(w io.Writer, c *Chunk, op Op, offset int) int {
	offset++
	idx := c.Code[offset]
	offset++
	fmt.Fprintf(w, "%-16s %4d %s\n", op, idx, c.Constants[idx])
	fn, _ := c.Constants[idx].AsObject().(*Function)
	if fn != nil {
		for i := 0; i < fn.UpvalueCount; i++ {
			isLocal := c.Code[offset]
			index := c.Code[offset+1]
			kind := "upvalue"
			if isLocal != 0 {
				kind = "local"
			}
			fmt.Fprintf(w, "%04d      |                     %s %d\n", offset, kind, index)
			offset += 2
		}
	}
	return offset
}
