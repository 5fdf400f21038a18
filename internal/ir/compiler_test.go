package ir

import (
	"testing"

	"boba/internal/ast"
)

func findError(errs []error, kind CompileErrorKind) *CompileError {
	for _, e := range errs {
		if ce, ok := e.(*CompileError); ok && ce.Kind == kind {
			return ce
		}
	}
	return nil
}

func findFunction(chunk Chunk, name string) *Function {
	for _, k := range chunk.Constants {
		if k.Kind == ConstFunction && k.Function.Name == name {
			return k.Function
		}
	}
	return nil
}

func hasOp(chunk Chunk, op OpCode) bool {
	for _, instr := range chunk.Code {
		if instr.Op == op {
			return true
		}
	}
	return false
}

func TestCompileInvalidAssignmentTarget(t *testing.T) {
	prog := &ast.Program{Stmts: []ast.Stmt{
		&ast.ExpressionStmt{Value: &ast.AssignExpr{
			Target: &ast.NumberExpr{Value: 1},
			Op:     ast.AssignSet,
			Rhs:    &ast.NumberExpr{Value: 2},
		}},
	}}
	_, errs := Compile(prog)
	if findError(errs, ErrInvalidAssignmentTarget) == nil {
		t.Fatalf("expected InvalidAssignmentTarget, got %v", errs)
	}
}

func TestCompileTopLevelReturnRejected(t *testing.T) {
	prog := &ast.Program{Stmts: []ast.Stmt{
		&ast.ReturnStmt{Value: &ast.NumberExpr{Value: 1}},
	}}
	_, errs := Compile(prog)
	if findError(errs, ErrTopLevelReturn) == nil {
		t.Fatalf("expected TopLevelReturn, got %v", errs)
	}
}

func TestCompileBreakAndConstAreUndefinedBehavior(t *testing.T) {
	prog := &ast.Program{Stmts: []ast.Stmt{
		&ast.BreakStmt{},
		&ast.ConstStmt{Name: "x", Value: &ast.NumberExpr{Value: 1}},
	}}
	_, errs := Compile(prog)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	for _, e := range errs {
		ce, ok := e.(*CompileError)
		if !ok || ce.Kind != ErrUndefinedBehavior {
			t.Fatalf("expected UndefinedBehavior, got %v", e)
		}
	}
}

func TestCompileDuplicateLocalInSameScope(t *testing.T) {
	body := &ast.BlockExpr{Stmts: []ast.Stmt{
		&ast.LetStmt{Name: "x", Value: &ast.NumberExpr{Value: 1}},
		&ast.LetStmt{Name: "x", Value: &ast.NumberExpr{Value: 2}},
	}}
	prog := &ast.Program{Stmts: []ast.Stmt{
		&ast.FunctionStmt{Name: "f", Body: body},
	}}
	_, errs := Compile(prog)
	if findError(errs, ErrVariableAlreadyExists) == nil {
		t.Fatalf("expected VariableAlreadyExists, got %v", errs)
	}
}

func TestCompileSelfReferentialLetRejected(t *testing.T) {
	// let x = x; inside a function body: x's own uninitialized local slot
	// shadows any outer/global x, so the reference resolves to itself
	// before its initializer has run.
	body := &ast.BlockExpr{Stmts: []ast.Stmt{
		&ast.LetStmt{Name: "x", Value: &ast.IdentExpr{Name: "x"}},
	}}
	prog := &ast.Program{Stmts: []ast.Stmt{
		&ast.FunctionStmt{Name: "f", Body: body},
	}}
	_, errs := Compile(prog)
	if findError(errs, ErrVariableDoesNotExist) == nil {
		t.Fatalf("expected VariableDoesNotExist, got %v", errs)
	}
}

func TestCompileTooManyArguments(t *testing.T) {
	args := make([]ast.Expr, 256)
	for i := range args {
		args[i] = &ast.NumberExpr{Value: float64(i)}
	}
	prog := &ast.Program{Stmts: []ast.Stmt{
		&ast.ExpressionStmt{Value: &ast.CallExpr{
			Callee: &ast.IdentExpr{Name: "f"},
			Args:   args,
		}},
	}}
	_, errs := Compile(prog)
	if findError(errs, ErrTooManyArguments) == nil {
		t.Fatalf("expected TooManyArguments, got %v", errs)
	}
}

func TestCompileTopLevelRecursiveFunctionResolvesAsGlobal(t *testing.T) {
	// fn f() { f } -- f is declared at scope depth 0, so it's a global;
	// referencing it inside its own body falls through resolveVariable's
	// local/upvalue misses straight to the global path, not an error.
	body := &ast.BlockExpr{Tail: &ast.IdentExpr{Name: "f"}}
	prog := &ast.Program{Stmts: []ast.Stmt{
		&ast.FunctionStmt{Name: "f", Body: body},
	}}
	fn, errs := Compile(prog)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	f := findFunction(fn.Chunk, "f")
	if f == nil {
		t.Fatalf("function f not found in the top-level constants")
	}
	if !hasOp(f.Chunk, OpGetGlobal) || hasOp(f.Chunk, OpGetUpvalue) {
		t.Fatalf("expected f to read itself via GetGlobal, got %v", f.Chunk.Code)
	}
}

func TestCompileNestedRecursiveFunctionResolvesAsUpvalue(t *testing.T) {
	// fn outer() { fn rec() { rec } } -- rec is a local of outer's body, so
	// rec's self-reference inside its own body must resolve via
	// resolveUpvalue onto outer's local, not a bare global lookup.
	inner := &ast.FunctionStmt{Name: "rec", Body: &ast.BlockExpr{Tail: &ast.IdentExpr{Name: "rec"}}}
	outerBody := &ast.BlockExpr{Stmts: []ast.Stmt{inner}}
	prog := &ast.Program{Stmts: []ast.Stmt{
		&ast.FunctionStmt{Name: "outer", Body: outerBody},
	}}
	fn, errs := Compile(prog)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	outer := findFunction(fn.Chunk, "outer")
	if outer == nil {
		t.Fatalf("function outer not found in the top-level constants")
	}
	rec := findFunction(outer.Chunk, "rec")
	if rec == nil {
		t.Fatalf("function rec not found in outer's constants")
	}
	if !hasOp(rec.Chunk, OpGetUpvalue) || hasOp(rec.Chunk, OpGetGlobal) {
		t.Fatalf("expected rec to read itself via GetUpvalue, got %v", rec.Chunk.Code)
	}
}

func TestCompileProgramEndsWithUnitReturn(t *testing.T) {
	fn, errs := Compile(&ast.Program{})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(fn.Chunk.Code) != 2 {
		t.Fatalf("expected exactly [Tuple(0), Return], got %v", fn.Chunk.Code)
	}
	if fn.Chunk.Code[0].Op != OpTuple || fn.Chunk.Code[1].Op != OpReturn {
		t.Fatalf("unexpected trailing instructions: %v", fn.Chunk.Code)
	}
}

func TestCompileExprWrapsInZeroArgFunction(t *testing.T) {
	fn, errs := CompileExpr(&ast.NumberExpr{Value: 42})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if fn.Arity != 0 {
		t.Fatalf("expected arity 0, got %d", fn.Arity)
	}
	last := fn.Chunk.Code[len(fn.Chunk.Code)-1]
	if last.Op != OpReturn {
		t.Fatalf("expected trailing Return, got %v", last)
	}
}
