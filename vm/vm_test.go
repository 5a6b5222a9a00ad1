// ABOUTME: End-to-end interpreter tests: source in, printed output out
// ABOUTME: Covers expressions, control flow, closures, classes, and errors

package vm

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qetlang/qet/gc"
)

func TestMain(m *testing.M) {
	go gc.Collect()
	os.Exit(m.Run())
}

// runScript interprets source on a fresh VM and returns what it printed.
func runScript(t *testing.T, source string) (string, error) {
	t.Helper()
	m := gc.Enter()
	defer m.Leave()
	machine := New(m)
	defer machine.Close()
	var out bytes.Buffer
	machine.Stdout = &out
	err := machine.Interpret(source)
	return out.String(), err
}

func expectOutput(t *testing.T, source string, want ...string) {
	t.Helper()
	out, err := runScript(t, source)
	require.NoError(t, err)
	got := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Equal(t, want, got)
}

func TestArithmetic(t *testing.T) {
	expectOutput(t, `print 1 + 2 * 3 - 4 / 2;`, "5")
	expectOutput(t, `print -(3 - 5);`, "2")
	expectOutput(t, `print (1 + 2) * 3;`, "9")
}

func TestComparisonAndEquality(t *testing.T) {
	expectOutput(t, `print 1 < 2; print 2 <= 2; print 3 > 4; print 1 == 1; print 1 != 1;`,
		"true", "true", "false", "true", "false")
	expectOutput(t, `print "a" == "a"; print "a" == "b"; print nil == nil;`,
		"true", "false", "true")
}

func TestTruthiness(t *testing.T) {
	expectOutput(t, `print !nil; print !false; print !0; print !"";`,
		"true", "true", "false", "false")
}

func TestStringConcatenation(t *testing.T) {
	expectOutput(t, `print "foo" + "bar";`, "foobar")
	expectOutput(t, `var a = "a"; a = a + "b"; a = a + "c"; print a;`, "abc")
}

func TestGlobalsAndLocals(t *testing.T) {
	expectOutput(t, `
var g = 1;
{
  var l = 2;
  print g + l;
  l = 10;
  print l;
}
g = 5;
print g;`, "3", "10", "5")
}

func TestIfElse(t *testing.T) {
	expectOutput(t, `if (1 < 2) print "then"; else print "else";`, "then")
	expectOutput(t, `if (1 > 2) print "then"; else print "else";`, "else")
}

func TestLogicalOperators(t *testing.T) {
	expectOutput(t, `print true and 1; print false and 1; print false or 2; print true or 2;`,
		"1", "false", "2", "true")
}

func TestWhileLoop(t *testing.T) {
	expectOutput(t, `
var i = 0;
var sum = 0;
while (i < 5) {
  sum = sum + i;
  i = i + 1;
}
print sum;`, "10")
}

func TestForLoop(t *testing.T) {
	expectOutput(t, `
var sum = 0;
for (var i = 1; i <= 4; i = i + 1) {
  sum = sum + i;
}
print sum;`, "10")
}

func TestFunctionsAndRecursion(t *testing.T) {
	expectOutput(t, `
fun fib(n) {
  if (n < 2) return n;
  return fib(n - 1) + fib(n - 2);
}
print fib(15);`, "610")
}

func TestFunctionPrintsName(t *testing.T) {
	expectOutput(t, `
fun f() {}
print f;`, "<fn f>")
}

func TestClosures(t *testing.T) {
	expectOutput(t, `
fun makeCounter() {
  var count = 0;
  fun increment() {
    count = count + 1;
    return count;
  }
  return increment;
}
var a = makeCounter();
var b = makeCounter();
print a(); print a(); print b();`, "1", "2", "1")
}

func TestClosureCapturesVariableNotValue(t *testing.T) {
	expectOutput(t, `
var f;
{
  var x = 1;
  fun get() { return x; }
  x = 2;
  f = get;
}
print f();`, "2")
}

func TestClassesFieldsAndMethods(t *testing.T) {
	expectOutput(t, `
class Point {
  init(x, y) {
    this.x = x;
    this.y = y;
  }
  sum() { return this.x + this.y; }
}
var p = Point(3, 4);
print p.sum();
p.x = 10;
print p.sum();`, "7", "14")
}

func TestMethodBinding(t *testing.T) {
	expectOutput(t, `
class Greeter {
  init(name) { this.name = name; }
  greet() { return "hi " + this.name; }
}
var g = Greeter("ada");
var f = g.greet;
print f();`, "hi ada")
}

func TestInheritanceAndSuper(t *testing.T) {
	expectOutput(t, `
class A {
  speak() { return "A"; }
  both() { return this.speak() + "!"; }
}
class B < A {
  speak() { return "B" + super.speak(); }
}
print B().speak();
print B().both();`, "BA", "BA!")
}

func TestInheritedMethodShadowing(t *testing.T) {
	expectOutput(t, `
class A { m() { return 1; } n() { return 2; } }
class B < A { m() { return 10; } }
var b = B();
print b.m();
print b.n();
print A().m();`, "10", "2", "1")
}

func TestClockNative(t *testing.T) {
	out, err := runScript(t, `print clock() >= 0;`)
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)
}

func TestCompileErrors(t *testing.T) {
	for _, src := range []string{
		`var;`,
		`print 1 +;`,
		`return 1;`,
		`{ var a = a; }`,
		`1 = 2;`,
		`class A < A {}`,
	} {
		_, err := runScript(t, src)
		assert.ErrorIs(t, err, ErrCompile, "source: %s", src)
	}
}

func TestRuntimeErrors(t *testing.T) {
	cases := map[string]string{
		`print missing;`:       "Undefined variable",
		`print 1 + "a";`:       "Operands must be",
		`print -"a";`:          "Operand must be a number",
		`print 1 / 0;`:         "Division by zero",
		`var x = 1; x.field;`:  "Only instances",
		`"not callable"();`:    "Can only call",
		`print nil < 1;`:       "Operands must be numbers",
		`class A {} A(1);`:     "Expected 0 arguments",
		`fun f(a) {} f(1, 2);`: "Expected 1 arguments",
	}
	for src, msg := range cases {
		_, err := runScript(t, src)
		require.ErrorIs(t, err, ErrRuntime, "source: %s", src)
		assert.Contains(t, err.Error(), msg, "source: %s", src)
	}
}

func TestRuntimeErrorHasLineInfo(t *testing.T) {
	_, err := runScript(t, "var a = 1;\nprint missing;")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[line 2]")
}

func TestVMSurvivesManyCollections(t *testing.T) {
	// enough allocation and dispatch to cross many safepoints while the
	// collector churns underneath
	expectOutput(t, `
fun work(n) {
  var s = "";
  for (var i = 0; i < n; i = i + 1) {
    s = s + "x";
  }
  return s;
}
var total = 0;
for (var i = 0; i < 50; i = i + 1) {
  var s = work(40);
  if (s == work(40)) total = total + 1;
}
print total;`, "50")
}

func TestDisassemblerOutput(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()
	fn, err := Compile(m, `print 1 + 2;`)
	require.NoError(t, err)

	var out bytes.Buffer
	Disassemble(&out, &fn.Chunk, "test")
	s := out.String()
	assert.Contains(t, s, "== test ==")
	assert.Contains(t, s, "CONSTANT")
	assert.Contains(t, s, "ADD")
	assert.Contains(t, s, "PRINT")
	assert.Contains(t, s, "RETURN")
}
