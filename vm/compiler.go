// ABOUTME: Single-pass Pratt compiler from tokens to bytecode chunks
// ABOUTME: Registers in-progress functions as GC roots for the compile's duration

package vm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/qetlang/qet/gc"
	"github.com/qetlang/qet/intern"
	"github.com/qetlang/qet/value"
)

type precedence int

const (
	precNone       precedence = iota
	precAssignment            // =
	precOr                    // or
	precAnd                   // and
	precEquality              // == !=
	precComparison            // < > <= >=
	precTerm                  // + -
	precFactor                // * /
	precUnary                 // ! -
	precCall                  // . ()
	precPrimary
)

type parseFn func(p *parser, canAssign bool)

type parseRule struct {
	prefix parseFn
	infix  parseFn
	prec   precedence
}

type funcKind int

const (
	kindFunction funcKind = iota
	kindInitializer
	kindMethod
	kindScript
)

type local struct {
	name       Token
	depth      int
	isCaptured bool
}

type upvalueRef struct {
	index   uint8
	isLocal bool
}

// compiler holds the state for one function being assembled. Compilers
// nest lexically; the enclosing chain mirrors the function nesting.
type compiler struct {
	enclosing  *compiler
	function   *Function
	kind       funcKind
	locals     []local
	upvalues   []upvalueRef
	scopeDepth int
}

type classCompiler struct {
	enclosing     *classCompiler
	hasSuperclass bool
}

// parser drives the tokenizer and the compiler stack.
type parser struct {
	m       *gc.Mutator
	scanner *tokenizer
	current Token
	prev    Token

	hadError  bool
	panicMode bool
	errors    strings.Builder

	compiler     *compiler
	currentClass *classCompiler
}

// Compile turns source into a top-level function. The functions under
// construction are registered as roots through the mutator's enumerator
// mechanism so a collection during compilation cannot sweep them.
func Compile(m *gc.Mutator, source string) (*Function, error) {
	p := &parser{m: m, scanner: newTokenizer(source)}

	remove := m.AddRootEnumerator(func(shade func(gc.Object)) {
		for c := p.compiler; c != nil; c = c.enclosing {
			shade(c.function)
		}
	})
	defer remove()

	p.initCompiler(kindScript)
	p.advance()
	for !p.match(TokenEOF) {
		p.declaration()
	}
	fn := p.endCompiler()
	if p.hadError {
		return nil, fmt.Errorf("%s%w", p.errors.String(), ErrCompile)
	}
	return fn, nil
}

func (p *parser) initCompiler(kind funcKind) {
	c := &compiler{enclosing: p.compiler, function: NewFunction(p.m), kind: kind}
	p.compiler = c
	if kind != kindScript {
		c.function.Name = intern.InternString(p.m, p.prev.Lexeme)
	}
	// slot zero holds the receiver for methods, the closure otherwise
	slot := local{depth: 0}
	if kind != kindFunction {
		slot.name = Token{Type: TokenThis, Lexeme: "this"}
	}
	c.locals = append(c.locals, slot)
}

func (p *parser) endCompiler() *Function {
	p.emitReturn()
	fn := p.compiler.function
	p.compiler = p.compiler.enclosing
	return fn
}

// error reporting

func (p *parser) errorAt(tok Token, msg string) {
	if p.panicMode {
		return
	}
	p.panicMode = true
	p.hadError = true
	fmt.Fprintf(&p.errors, "[line %d] Error", tok.Line)
	switch tok.Type {
	case TokenEOF:
		p.errors.WriteString(" at end")
	case TokenError:
	default:
		fmt.Fprintf(&p.errors, " at '%s'", tok.Lexeme)
	}
	fmt.Fprintf(&p.errors, ": %s\n", msg)
}

func (p *parser) errorAtCurrent(msg string) { p.errorAt(p.current, msg) }

func (p *parser) error(msg string) { p.errorAt(p.prev, msg) }

// token plumbing

func (p *parser) advance() {
	p.prev = p.current
	for {
		p.current = p.scanner.next()
		if p.current.Type != TokenError {
			break
		}
		p.errorAtCurrent(p.current.Lexeme)
	}
}

func (p *parser) consume(t TokenType, msg string) {
	if p.current.Type == t {
		p.advance()
		return
	}
	p.errorAtCurrent(msg)
}

func (p *parser) check(t TokenType) bool { return p.current.Type == t }

func (p *parser) match(t TokenType) bool {
	if !p.check(t) {
		return false
	}
	p.advance()
	return true
}

// emitters

func (p *parser) chunk() *Chunk { return &p.compiler.function.Chunk }

func (p *parser) emitByte(b byte) { p.chunk().Write(b, p.prev.Line) }

func (p *parser) emitOp(op Op) { p.emitByte(byte(op)) }

func (p *parser) emitOps(a, b Op) {
	p.emitOp(a)
	p.emitOp(b)
}

func (p *parser) emitOpByte(op Op, b byte) {
	p.emitOp(op)
	p.emitByte(b)
}

func (p *parser) emitReturn() {
	if p.compiler.kind == kindInitializer {
		p.emitOpByte(OpGetLocal, 0)
	} else {
		p.emitOp(OpNil)
	}
	p.emitOp(OpReturn)
}

func (p *parser) makeConstant(v value.Value) byte {
	idx := p.chunk().AddConstant(p.m, v)
	if idx > 255 {
		p.error("Too many constants in one chunk.")
		return 0
	}
	return byte(idx)
}

func (p *parser) emitConstant(v value.Value) {
	p.emitOpByte(OpConstant, p.makeConstant(v))
}

func (p *parser) emitJump(op Op) int {
	p.emitOp(op)
	p.emitByte(0xff)
	p.emitByte(0xff)
	return len(p.chunk().Code) - 2
}

func (p *parser) patchJump(offset int) {
	jump := len(p.chunk().Code) - offset - 2
	if jump > 0xffff {
		p.error("Too much code to jump over.")
	}
	p.chunk().Code[offset] = byte(jump >> 8)
	p.chunk().Code[offset+1] = byte(jump)
}

func (p *parser) emitLoop(loopStart int) {
	p.emitOp(OpLoop)
	offset := len(p.chunk().Code) - loopStart + 2
	if offset > 0xffff {
		p.error("Loop body too large.")
	}
	p.emitByte(byte(offset >> 8))
	p.emitByte(byte(offset))
}

// identifiers and scopes

func (p *parser) identifierConstant(name Token) byte {
	return p.makeConstant(value.Obj(intern.InternString(p.m, name.Lexeme)))
}

func (p *parser) beginScope() { p.compiler.scopeDepth++ }

func (p *parser) endScope() {
	c := p.compiler
	c.scopeDepth--
	for len(c.locals) > 0 {
		l := &c.locals[len(c.locals)-1]
		if l.depth <= c.scopeDepth {
			break
		}
		if l.isCaptured {
			p.emitOp(OpCloseUpvalue)
		} else {
			p.emitOp(OpPop)
		}
		c.locals = c.locals[:len(c.locals)-1]
	}
}

func (p *parser) addLocal(name Token) {
	c := p.compiler
	if len(c.locals) > 255 {
		p.error("Too many local variables in function.")
		return
	}
	c.locals = append(c.locals, local{name: name, depth: -1})
}

func (p *parser) declareVariable() {
	c := p.compiler
	if c.scopeDepth == 0 {
		return
	}
	name := p.prev
	for i := len(c.locals) - 1; i >= 0; i-- {
		l := &c.locals[i]
		if l.depth != -1 && l.depth < c.scopeDepth {
			break
		}
		if l.name.Lexeme == name.Lexeme {
			p.error("Already a variable with this name in this scope.")
		}
	}
	p.addLocal(name)
}

func (p *parser) parseVariable(msg string) byte {
	p.consume(TokenIdentifier, msg)
	p.declareVariable()
	if p.compiler.scopeDepth > 0 {
		return 0
	}
	return p.identifierConstant(p.prev)
}

func (p *parser) markInitialized() {
	c := p.compiler
	if c.scopeDepth == 0 {
		return
	}
	c.locals[len(c.locals)-1].depth = c.scopeDepth
}

func (p *parser) defineVariable(global byte) {
	if p.compiler.scopeDepth > 0 {
		p.markInitialized()
		return
	}
	p.emitOpByte(OpDefineGlobal, global)
}

func (p *parser) resolveLocal(c *compiler, name Token) int {
	for i := len(c.locals) - 1; i >= 0; i-- {
		l := &c.locals[i]
		if l.name.Lexeme == name.Lexeme {
			if l.depth == -1 {
				p.error("Can't read local variable in its own initializer.")
			}
			return i
		}
	}
	return -1
}

func (p *parser) addUpvalue(c *compiler, index uint8, isLocal bool) int {
	for i, u := range c.upvalues {
		if u.index == index && u.isLocal == isLocal {
			return i
		}
	}
	if len(c.upvalues) > 255 {
		p.error("Too many closure variables in function.")
		return 0
	}
	c.upvalues = append(c.upvalues, upvalueRef{index: index, isLocal: isLocal})
	c.function.UpvalueCount = len(c.upvalues)
	return len(c.upvalues) - 1
}

func (p *parser) resolveUpvalue(c *compiler, name Token) int {
	if c.enclosing == nil {
		return -1
	}
	if l := p.resolveLocal(c.enclosing, name); l != -1 {
		c.enclosing.locals[l].isCaptured = true
		return p.addUpvalue(c, uint8(l), true)
	}
	if u := p.resolveUpvalue(c.enclosing, name); u != -1 {
		return p.addUpvalue(c, uint8(u), false)
	}
	return -1
}

// expressions

func (p *parser) parsePrecedence(prec precedence) {
	p.advance()
	rule := rules[p.prev.Type]
	if rule.prefix == nil {
		p.error("Expect expression.")
		return
	}
	canAssign := prec <= precAssignment
	rule.prefix(p, canAssign)

	for prec <= rules[p.current.Type].prec {
		p.advance()
		rules[p.prev.Type].infix(p, canAssign)
	}

	if canAssign && p.match(TokenEqual) {
		p.error("Invalid assignment target.")
	}
}

func (p *parser) expression() { p.parsePrecedence(precAssignment) }

func grouping(p *parser, _ bool) {
	p.expression()
	p.consume(TokenRightParen, "Expect ')' after expression.")
}

func number(p *parser, _ bool) {
	n, err := strconv.ParseInt(p.prev.Lexeme, 10, 64)
	if err != nil {
		p.error("Invalid integer literal.")
		return
	}
	p.emitConstant(value.Int(n))
}

func stringLit(p *parser, _ bool) {
	text := p.prev.Lexeme[1 : len(p.prev.Lexeme)-1] // strip quotes
	p.emitConstant(value.Obj(intern.InternString(p.m, text)))
}

func literal(p *parser, _ bool) {
	switch p.prev.Type {
	case TokenFalse:
		p.emitOp(OpFalse)
	case TokenNil:
		p.emitOp(OpNil)
	case TokenTrue:
		p.emitOp(OpTrue)
	}
}

func unary(p *parser, _ bool) {
	op := p.prev.Type
	p.parsePrecedence(precUnary)
	switch op {
	case TokenBang:
		p.emitOp(OpNot)
	case TokenMinus:
		p.emitOp(OpNegate)
	}
}

func binary(p *parser, _ bool) {
	op := p.prev.Type
	rule := rules[op]
	p.parsePrecedence(rule.prec + 1)
	switch op {
	case TokenBangEqual:
		p.emitOps(OpEqual, OpNot)
	case TokenEqualEqual:
		p.emitOp(OpEqual)
	case TokenGreater:
		p.emitOp(OpGreater)
	case TokenGreaterEqual:
		p.emitOps(OpLess, OpNot)
	case TokenLess:
		p.emitOp(OpLess)
	case TokenLessEqual:
		p.emitOps(OpGreater, OpNot)
	case TokenPlus:
		p.emitOp(OpAdd)
	case TokenMinus:
		p.emitOp(OpSubtract)
	case TokenStar:
		p.emitOp(OpMultiply)
	case TokenSlash:
		p.emitOp(OpDivide)
	}
}

func and(p *parser, _ bool) {
	end := p.emitJump(OpJumpIfFalse)
	p.emitOp(OpPop)
	p.parsePrecedence(precAnd)
	p.patchJump(end)
}

func or(p *parser, _ bool) {
	elseJump := p.emitJump(OpJumpIfFalse)
	endJump := p.emitJump(OpJump)
	p.patchJump(elseJump)
	p.emitOp(OpPop)
	p.parsePrecedence(precOr)
	p.patchJump(endJump)
}

func (p *parser) argumentList() byte {
	var count int
	if !p.check(TokenRightParen) {
		for {
			p.expression()
			if count == 255 {
				p.error("Can't have more than 255 arguments.")
			}
			count++
			if !p.match(TokenComma) {
				break
			}
		}
	}
	p.consume(TokenRightParen, "Expect ')' after arguments.")
	return byte(count)
}

func call(p *parser, _ bool) {
	argCount := p.argumentList()
	p.emitOpByte(OpCall, argCount)
}

func dot(p *parser, canAssign bool) {
	p.consume(TokenIdentifier, "Expect property name after '.'.")
	name := p.identifierConstant(p.prev)
	switch {
	case canAssign && p.match(TokenEqual):
		p.expression()
		p.emitOpByte(OpSetProperty, name)
	case p.match(TokenLeftParen):
		argCount := p.argumentList()
		p.emitOpByte(OpInvoke, name)
		p.emitByte(argCount)
	default:
		p.emitOpByte(OpGetProperty, name)
	}
}

func (p *parser) namedVariable(name Token, canAssign bool) {
	var getOp, setOp Op
	arg := p.resolveLocal(p.compiler, name)
	switch {
	case arg != -1:
		getOp, setOp = OpGetLocal, OpSetLocal
	default:
		if arg = p.resolveUpvalue(p.compiler, name); arg != -1 {
			getOp, setOp = OpGetUpvalue, OpSetUpvalue
		} else {
			arg = int(p.identifierConstant(name))
			getOp, setOp = OpGetGlobal, OpSetGlobal
		}
	}
	if canAssign && p.match(TokenEqual) {
		p.expression()
		p.emitOpByte(setOp, byte(arg))
	} else {
		p.emitOpByte(getOp, byte(arg))
	}
}

func variable(p *parser, canAssign bool) {
	p.namedVariable(p.prev, canAssign)
}

func this(p *parser, _ bool) {
	if p.currentClass == nil {
		p.error("Can't use 'this' outside of a class.")
		return
	}
	variable(p, false)
}

func super(p *parser, _ bool) {
	switch {
	case p.currentClass == nil:
		p.error("Can't use 'super' outside of a class.")
	case !p.currentClass.hasSuperclass:
		p.error("Can't use 'super' in a class with no superclass.")
	}
	p.consume(TokenDot, "Expect '.' after 'super'.")
	p.consume(TokenIdentifier, "Expect superclass method name.")
	name := p.identifierConstant(p.prev)

	p.namedVariable(Token{Type: TokenThis, Lexeme: "this"}, false)
	if p.match(TokenLeftParen) {
		argCount := p.argumentList()
		p.namedVariable(Token{Type: TokenSuper, Lexeme: "super"}, false)
		p.emitOpByte(OpSuperInvoke, name)
		p.emitByte(argCount)
	} else {
		p.namedVariable(Token{Type: TokenSuper, Lexeme: "super"}, false)
		p.emitOpByte(OpGetSuper, name)
	}
}

var rules map[TokenType]parseRule

func init() {
	rules = map[TokenType]parseRule{
		TokenLeftParen:    {grouping, call, precCall},
		TokenRightParen:   {nil, nil, precNone},
		TokenLeftBrace:    {nil, nil, precNone},
		TokenRightBrace:   {nil, nil, precNone},
		TokenComma:        {nil, nil, precNone},
		TokenDot:          {nil, dot, precCall},
		TokenMinus:        {unary, binary, precTerm},
		TokenPlus:         {nil, binary, precTerm},
		TokenSemicolon:    {nil, nil, precNone},
		TokenSlash:        {nil, binary, precFactor},
		TokenStar:         {nil, binary, precFactor},
		TokenBang:         {unary, nil, precNone},
		TokenBangEqual:    {nil, binary, precEquality},
		TokenEqual:        {nil, nil, precNone},
		TokenEqualEqual:   {nil, binary, precEquality},
		TokenGreater:      {nil, binary, precComparison},
		TokenGreaterEqual: {nil, binary, precComparison},
		TokenLess:         {nil, binary, precComparison},
		TokenLessEqual:    {nil, binary, precComparison},
		TokenIdentifier:   {variable, nil, precNone},
		TokenString:       {stringLit, nil, precNone},
		TokenNumber:       {number, nil, precNone},
		TokenAnd:          {nil, and, precAnd},
		TokenClass:        {nil, nil, precNone},
		TokenElse:         {nil, nil, precNone},
		TokenFalse:        {literal, nil, precNone},
		TokenFor:          {nil, nil, precNone},
		TokenFun:          {nil, nil, precNone},
		TokenIf:           {nil, nil, precNone},
		TokenNil:          {literal, nil, precNone},
		TokenOr:           {nil, or, precOr},
		TokenPrint:        {nil, nil, precNone},
		TokenReturn:       {nil, nil, precNone},
		TokenSuper:        {super, nil, precNone},
		TokenThis:         {this, nil, precNone},
		TokenTrue:         {literal, nil, precNone},
		TokenVar:          {nil, nil, precNone},
		TokenWhile:        {nil, nil, precNone},
		TokenError:        {nil, nil, precNone},
		TokenEOF:          {nil, nil, precNone},
	}
}

// statements and declarations

func (p *parser) block() {
	for !p.check(TokenRightBrace) && !p.check(TokenEOF) {
		p.declaration()
	}
	p.consume(TokenRightBrace, "Expect '}' after block.")
}

func (p *parser) functionBody(kind funcKind) {
	p.initCompiler(kind)
	p.beginScope()

	p.consume(TokenLeftParen, "Expect '(' after function name.")
	if !p.check(TokenRightParen) {
		for {
			p.compiler.function.Arity++
			if p.compiler.function.Arity > 255 {
				p.errorAtCurrent("Can't have more than 255 parameters.")
			}
			constant := p.parseVariable("Expect parameter name.")
			p.defineVariable(constant)
			if !p.match(TokenComma) {
				break
			}
		}
	}
	p.consume(TokenRightParen, "Expect ')' after parameters.")
	p.consume(TokenLeftBrace, "Expect '{' before function body.")
	p.block()

	upvalues := p.compiler.upvalues
	fn := p.endCompiler()
	p.emitOpByte(OpClosure, p.makeConstant(value.Obj(fn)))
	for _, u := range upvalues {
		if u.isLocal {
			p.emitByte(1)
		} else {
			p.emitByte(0)
		}
		p.emitByte(u.index)
	}
}

func (p *parser) method() {
	p.consume(TokenIdentifier, "Expect method name.")
	constant := p.identifierConstant(p.prev)
	kind := kindMethod
	if p.prev.Lexeme == "init" {
		kind = kindInitializer
	}
	p.functionBody(kind)
	p.emitOpByte(OpMethod, constant)
}

func (p *parser) classDeclaration() {
	p.consume(TokenIdentifier, "Expect class name.")
	className := p.prev
	nameConstant := p.identifierConstant(p.prev)
	p.declareVariable()
	p.emitOpByte(OpClass, nameConstant)
	p.defineVariable(nameConstant)

	cc := &classCompiler{enclosing: p.currentClass}
	p.currentClass = cc

	if p.match(TokenLess) {
		p.consume(TokenIdentifier, "Expect superclass name.")
		variable(p, false)
		if className.Lexeme == p.prev.Lexeme {
			p.error("A class can't inherit from itself.")
		}
		p.beginScope()
		p.addLocal(Token{Type: TokenSuper, Lexeme: "super"})
		p.defineVariable(0)
		p.namedVariable(className, false)
		p.emitOp(OpInherit)
		cc.hasSuperclass = true
	}

	p.namedVariable(className, false)
	p.consume(TokenLeftBrace, "Expect '{' before class body.")
	for !p.check(TokenRightBrace) && !p.check(TokenEOF) {
		p.method()
	}
	p.consume(TokenRightBrace, "Expect '}' after class body.")
	p.emitOp(OpPop)

	if cc.hasSuperclass {
		p.endScope()
	}
	p.currentClass = cc.enclosing
}

func (p *parser) funDeclaration() {
	global := p.parseVariable("Expect function name.")
	p.markInitialized()
	p.functionBody(kindFunction)
	p.defineVariable(global)
}

func (p *parser) varDeclaration() {
	global := p.parseVariable("Expect variable name.")
	if p.match(TokenEqual) {
		p.expression()
	} else {
		p.emitOp(OpNil)
	}
	p.consume(TokenSemicolon, "Expect ';' after variable declaration.")
	p.defineVariable(global)
}

func (p *parser) expressionStatement() {
	p.expression()
	p.consume(TokenSemicolon, "Expect ';' after expression.")
	p.emitOp(OpPop)
}

func (p *parser) printStatement() {
	p.expression()
	p.consume(TokenSemicolon, "Expect ';' after value.")
	p.emitOp(OpPrint)
}

func (p *parser) returnStatement() {
	if p.compiler.kind == kindScript {
		p.error("Can't return from top-level code.")
	}
	if p.match(TokenSemicolon) {
		p.emitReturn()
		return
	}
	if p.compiler.kind == kindInitializer {
		p.error("Can't return a value from an initializer.")
	}
	p.expression()
	p.consume(TokenSemicolon, "Expect ';' after return value.")
	p.emitOp(OpReturn)
}

func (p *parser) ifStatement() {
	p.consume(TokenLeftParen, "Expect '(' after 'if'.")
	p.expression()
	p.consume(TokenRightParen, "Expect ')' after condition.")

	thenJump := p.emitJump(OpJumpIfFalse)
	p.emitOp(OpPop)
	p.statement()
	elseJump := p.emitJump(OpJump)
	p.patchJump(thenJump)
	p.emitOp(OpPop)
	if p.match(TokenElse) {
		p.statement()
	}
	p.patchJump(elseJump)
}

func (p *parser) whileStatement() {
	loopStart := len(p.chunk().Code)
	p.consume(TokenLeftParen, "Expect '(' after 'while'.")
	p.expression()
	p.consume(TokenRightParen, "Expect ')' after condition.")

	exitJump := p.emitJump(OpJumpIfFalse)
	p.emitOp(OpPop)
	p.statement()
	p.emitLoop(loopStart)
	p.patchJump(exitJump)
	p.emitOp(OpPop)
}

func (p *parser) forStatement() {
	p.beginScope()
	p.consume(TokenLeftParen, "Expect '(' after 'for'.")
	switch {
	case p.match(TokenSemicolon):
		// no initializer
	case p.match(TokenVar):
		p.varDeclaration()
	default:
		p.expressionStatement()
	}

	loopStart := len(p.chunk().Code)
	exitJump := -1
	if !p.match(TokenSemicolon) {
		p.expression()
		p.consume(TokenSemicolon, "Expect ';' after loop condition.")
		exitJump = p.emitJump(OpJumpIfFalse)
		p.emitOp(OpPop)
	}

	if !p.match(TokenRightParen) {
		bodyJump := p.emitJump(OpJump)
		incrementStart := len(p.chunk().Code)
		p.expression()
		p.emitOp(OpPop)
		p.consume(TokenRightParen, "Expect ')' after for clauses.")
		p.emitLoop(loopStart)
		loopStart = incrementStart
		p.patchJump(bodyJump)
	}

	p.statement()
	p.emitLoop(loopStart)
	if exitJump != -1 {
		p.patchJump(exitJump)
		p.emitOp(OpPop)
	}
	p.endScope()
}

func (p *parser) statement() {
	switch {
	case p.match(TokenPrint):
		p.printStatement()
	case p.match(TokenFor):
		p.forStatement()
	case p.match(TokenIf):
		p.ifStatement()
	case p.match(TokenReturn):
		p.returnStatement()
	case p.match(TokenWhile):
		p.whileStatement()
	case p.match(TokenLeftBrace):
		p.beginScope()
		p.block()
		p.endScope()
	default:
		p.expressionStatement()
	}
}

func (p *parser) synchronize() {
	p.panicMode = false
	for p.current.Type != TokenEOF {
		if p.prev.Type == TokenSemicolon {
			return
		}
		switch p.current.Type {
		case TokenClass, TokenFun, TokenVar, TokenFor,
			TokenIf, TokenWhile, TokenPrint, TokenReturn:
			return
		}
		p.advance()
	}
}

func (p *parser) declaration() {
	switch {
	case p.match(TokenClass):
		p.classDeclaration()
	case p.match(TokenFun):
		p.funDeclaration()
	case p.match(TokenVar):
		p.varDeclaration()
	default:
		p.statement()
	}
	if p.panicMode {
		p.synchronize()
	}
}
