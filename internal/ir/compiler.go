package ir

import (
	"fmt"

	"boba/internal/ast"
)

// CompileErrorKind tags the compile-time error taxonomy.
type CompileErrorKind int

const (
	ErrUnexpectedCharacter CompileErrorKind = iota
	ErrUnterminatedString
	ErrExpected
	ErrInvalidAssignmentTarget
	ErrVariableAlreadyExists
	ErrVariableDoesNotExist
	ErrTooManyArguments
	ErrTopLevelReturn
	ErrUndefinedBehavior
	ErrSyntaxError
)

// CompileError is one error produced while compiling. UnexpectedCharacter,
// UnterminatedString, Expected and SyntaxError belong to the surface-syntax
// parser this core does not own; they are kept in the taxonomy for
// embedding-API completeness but this compiler, which consumes an AST
// directly, never produces them.
type CompileError struct {
	Kind   CompileErrorKind
	Name   string // VariableAlreadyExists / VariableDoesNotExist
	Detail string // Expected / UndefinedBehavior
}

func (e *CompileError) Error() string {
	switch e.Kind {
	case ErrUnexpectedCharacter:
		return "unexpected character"
	case ErrUnterminatedString:
		return "unterminated string"
	case ErrExpected:
		return fmt.Sprintf("expected %s", e.Detail)
	case ErrInvalidAssignmentTarget:
		return "invalid assignment target"
	case ErrVariableAlreadyExists:
		return fmt.Sprintf("variable %q already exists in this scope", e.Name)
	case ErrVariableDoesNotExist:
		return fmt.Sprintf("variable %q does not exist", e.Name)
	case ErrTooManyArguments:
		return "too many arguments (max 255)"
	case ErrTopLevelReturn:
		return "cannot return from top level"
	case ErrUndefinedBehavior:
		return e.Detail
	case ErrSyntaxError:
		return fmt.Sprintf("syntax error: %s", e.Detail)
	default:
		return "compile error"
	}
}

// contextKind is the kind of function a compileContext is building.
type contextKind int

const (
	ctxTopLevel contextKind = iota
	ctxFunction
	ctxBlock
)

// local is a single lexical binding tracked during compilation. depth is
// sentinelUninitialized until the binding's initializer has fully compiled,
// so a declaration cannot refer to itself ("let x = x;").
type local struct {
	name       string
	depth      int
	isCaptured bool
}

const sentinelUninitialized = -1

// compileContext is one enclosing function on the compiler's context
// stack: the top-level program, a named fn, or a promoted block. Contexts
// are pushed when compilation of a function body begins and popped when it
// ends; the emitter always targets the chunk on top of the stack.
type compileContext struct {
	kind       contextKind
	name       string
	arity      int
	chunk      Chunk
	locals     []local
	upvalues   []UpvalueDesc
	scopeDepth int
}

// Compiler walks an AST and emits a Function per enclosing function,
// maintaining an explicit stack of compile contexts so inner contexts can
// resolve names in outer ones without outer contexts holding back-pointers
// to inner ones.
type Compiler struct {
	contexts []*compileContext
	errors   []error
}

// Compile compiles a complete program into its top-level Function: a
// zero-argument, unnamed function whose chunk, when run, executes every
// top-level statement in order and returns unit.
func Compile(prog *ast.Program) (*Function, []error) {
	c := &Compiler{}
	c.pushContext(ctxTopLevel, "", 0)
	for _, stmt := range prog.Stmts {
		c.compileStmt(stmt)
	}
	c.emit(OpTuple, 0)
	c.emit(OpReturn, 0)
	fn, _ := c.popContext()
	if len(c.errors) > 0 {
		return nil, c.errors
	}
	return fn, nil
}

// CompileExpr compiles a single expression into a zero-argument function,
// the REPL evaluation contract: evaluate(expr) == interpret(CompileExpr(expr)).
func CompileExpr(expr ast.Expr) (*Function, []error) {
	c := &Compiler{}
	c.pushContext(ctxFunction, "", 0)
	c.compileExpr(expr)
	c.emit(OpReturn, 0)
	fn, _ := c.popContext()
	if len(c.errors) > 0 {
		return nil, c.errors
	}
	return fn, nil
}

func (c *Compiler) addError(err error) {
	c.errors = append(c.errors, err)
}

func (c *Compiler) current() *compileContext {
	return c.contexts[len(c.contexts)-1]
}

func (c *Compiler) emit(op OpCode, a int) int {
	return c.current().chunk.Emit(op, a)
}

func (c *Compiler) pushContext(kind contextKind, name string, arity int) {
	ctx := &compileContext{
		kind:   kind,
		name:   name,
		arity:  arity,
		locals: []local{{name: "", depth: 0, isCaptured: false}}, // slot 0 is reserved for the closure itself
	}
	c.contexts = append(c.contexts, ctx)
}

// popContext closes out the current context's Function and returns it
// along with the upvalue descriptors the *caller* must pair with the
// Closure opcode it emits into the now-current (enclosing) chunk.
func (c *Compiler) popContext() (*Function, []UpvalueDesc) {
	ctx := c.contexts[len(c.contexts)-1]
	c.contexts = c.contexts[:len(c.contexts)-1]
	fn := &Function{Name: ctx.name, Arity: ctx.arity, Chunk: ctx.chunk}
	return fn, ctx.upvalues
}

// --- scopes ---

func (c *Compiler) beginScope() {
	c.current().scopeDepth++
}

// endScope walks locals from the top while their depth exceeds the new
// scope depth: closed-over locals emit CloseUpvalue, everything else emits
// Pop, before being dropped from the locals vector. This preserves I1-I3
// and leaves the stack holding exactly the scope's result.
func (c *Compiler) endScope() {
	ctx := c.current()
	ctx.scopeDepth--
	for len(ctx.locals) > 0 && ctx.locals[len(ctx.locals)-1].depth > ctx.scopeDepth {
		top := ctx.locals[len(ctx.locals)-1]
		if top.isCaptured {
			c.emit(OpCloseUpvalue, 0)
		} else {
			c.emit(OpPop, 0)
		}
		ctx.locals = ctx.locals[:len(ctx.locals)-1]
	}
}

// --- declaration / definition ---

// declareVariable registers name in the current scope. At scope depth 0
// (global) it interns name as a constant and returns its index; at any
// deeper scope it pushes an uninitialized local and returns -1.
func (c *Compiler) declareVariable(name string) int {
	ctx := c.current()
	if ctx.scopeDepth == 0 {
		return ctx.chunk.AddConstantString(name)
	}
	for i := len(ctx.locals) - 1; i >= 0; i-- {
		l := ctx.locals[i]
		if l.depth != sentinelUninitialized && l.depth < ctx.scopeDepth {
			break
		}
		if l.name == name {
			c.addError(&CompileError{Kind: ErrVariableAlreadyExists, Name: name})
			return -1
		}
	}
	ctx.locals = append(ctx.locals, local{name: name, depth: sentinelUninitialized})
	return -1
}

// markInitialized sets the most recently declared local's depth to the
// current scope depth. No-op at global scope, where there is no local to
// initialize.
func (c *Compiler) markInitialized() {
	ctx := c.current()
	if ctx.scopeDepth == 0 {
		return
	}
	ctx.locals[len(ctx.locals)-1].depth = ctx.scopeDepth
}

// defineVariable finishes a declaration: at global scope it emits
// DefineGlobal against the constant index declareVariable returned; at any
// deeper scope it marks the pending local initialized.
func (c *Compiler) defineVariable(nameConst int) {
	if c.current().scopeDepth > 0 {
		c.markInitialized()
		return
	}
	c.emit(OpDefineGlobal, nameConst)
}

// --- variable resolution (spec algorithm in 4.2.1) ---

func resolveLocal(ctx *compileContext, name string) (int, error) {
	for i := len(ctx.locals) - 1; i >= 0; i-- {
		if ctx.locals[i].name != name {
			continue
		}
		if ctx.locals[i].depth == sentinelUninitialized {
			return -1, &CompileError{Kind: ErrVariableDoesNotExist, Name: name}
		}
		return i, nil
	}
	return -1, nil
}

// addUpvalue records an upvalue descriptor on the context at contextIdx,
// deduplicating against any existing descriptor that captures the same
// source so sibling references inside the same function share one cell.
func (c *Compiler) addUpvalue(contextIdx int, desc UpvalueDesc) int {
	ctx := c.contexts[contextIdx]
	for i, existing := range ctx.upvalues {
		if existing == desc {
			return i
		}
	}
	ctx.upvalues = append(ctx.upvalues, desc)
	return len(ctx.upvalues) - 1
}

// resolveUpvalue searches outward from contextIdx for name, recording an
// upvalue descriptor on contexts[contextIdx] if found. It tries a local in
// the immediately enclosing context first; failing that, it recurses
// outward one more context and records a chained Upvalue descriptor.
func (c *Compiler) resolveUpvalue(contextIdx int, name string) (int, error) {
	if contextIdx == 0 {
		return -1, nil
	}
	enclosing := c.contexts[contextIdx-1]
	localIdx, err := resolveLocal(enclosing, name)
	if err != nil {
		return -1, err
	}
	if localIdx != -1 {
		enclosing.locals[localIdx].isCaptured = true
		return c.addUpvalue(contextIdx, UpvalueDesc{IsLocal: true, Index: localIdx}), nil
	}
	upIdx, err := c.resolveUpvalue(contextIdx-1, name)
	if err != nil {
		return -1, err
	}
	if upIdx != -1 {
		return c.addUpvalue(contextIdx, UpvalueDesc{IsLocal: false, Index: upIdx}), nil
	}
	return -1, nil
}

type varKind int

const (
	varLocal varKind = iota
	varUpvalue
	varGlobal
)

// resolveVariable implements spec 4.2.1: local shadows upvalue shadows
// global. Globals are resolved by interning the identifier as a string
// constant; existence is checked at runtime, not here.
func (c *Compiler) resolveVariable(name string) (varKind, int) {
	idx := len(c.contexts) - 1
	localIdx, err := resolveLocal(c.contexts[idx], name)
	if err != nil {
		c.addError(err)
		return varLocal, 0
	}
	if localIdx != -1 {
		return varLocal, localIdx
	}
	upIdx, err := c.resolveUpvalue(idx, name)
	if err != nil {
		c.addError(err)
		return varUpvalue, 0
	}
	if upIdx != -1 {
		return varUpvalue, upIdx
	}
	return varGlobal, c.current().chunk.AddConstantString(name)
}

func (c *Compiler) emitGet(name string) {
	kind, idx := c.resolveVariable(name)
	switch kind {
	case varLocal:
		c.emit(OpGetLocal, idx)
	case varUpvalue:
		c.emit(OpGetUpvalue, idx)
	case varGlobal:
		c.emit(OpGetGlobal, idx)
	}
}

func (c *Compiler) emitSet(name string) {
	kind, idx := c.resolveVariable(name)
	switch kind {
	case varLocal:
		c.emit(OpSetLocal, idx)
	case varUpvalue:
		c.emit(OpSetUpvalue, idx)
	case varGlobal:
		c.emit(OpSetGlobal, idx)
	}
}

// --- functions & blocks ---

// compileFunction pushes a new context, binds params as already-initialized
// locals (so the body can read them from its first statement), compiles the
// body, and emits a trailing Return. It is shared by fn declarations and
// block-to-thunk promotion: for a promoted block, params is empty and body
// is the *ast.BlockExpr being promoted.
func (c *Compiler) compileFunction(kind contextKind, name string, params []string, body ast.Expr) (*Function, []UpvalueDesc) {
	c.pushContext(kind, name, len(params))
	c.beginScope()
	for _, p := range params {
		c.declareVariable(p)
		c.markInitialized()
	}
	c.compileFunctionBody(body)
	c.emit(OpReturn, 0)
	return c.popContext()
}

// compileFunctionBody compiles body's statements directly into the current
// (already-pushed) context rather than promoting it again: the context
// pushed by compileFunction already serves as this body's own scope.
func (c *Compiler) compileFunctionBody(body ast.Expr) {
	if block, ok := body.(*ast.BlockExpr); ok {
		for _, s := range block.Stmts {
			c.compileStmt(s)
		}
		if block.Tail != nil {
			c.compileExpr(block.Tail)
		} else {
			c.emit(OpTuple, 0)
		}
		return
	}
	c.compileExpr(body)
}

func (c *Compiler) functionStmt(s *ast.FunctionStmt) {
	nameConst := c.declareVariable(s.Name)
	c.markInitialized() // before the body compiles, so the function can call itself
	fn, upvalues := c.compileFunction(ctxFunction, s.Name, s.Params, s.Body)
	k := c.current().chunk.AddConstantFunction(fn, upvalues)
	c.emit(OpClosure, k)
	c.defineVariable(nameConst)
}

// --- statements ---

func (c *Compiler) compileStmt(s ast.Stmt) {
	switch st := s.(type) {
	case *ast.FunctionStmt:
		c.functionStmt(st)
	case *ast.ConstStmt:
		c.addError(&CompileError{Kind: ErrUndefinedBehavior, Detail: "const declarations are not implemented"})
	case *ast.LetStmt:
		nameConst := c.declareVariable(st.Name)
		if st.Value != nil {
			c.compileExpr(st.Value)
		} else {
			c.emit(OpTuple, 0)
		}
		c.defineVariable(nameConst)
	case *ast.ReturnStmt:
		if c.current().kind == ctxTopLevel {
			c.addError(&CompileError{Kind: ErrTopLevelReturn})
		}
		if st.Value != nil {
			c.compileExpr(st.Value)
		} else {
			c.emit(OpTuple, 0)
		}
		c.emit(OpReturn, 0)
	case *ast.BreakStmt:
		c.addError(&CompileError{Kind: ErrUndefinedBehavior, Detail: "break is not implemented"})
	case *ast.ExpressionStmt:
		c.compileExpr(st.Value)
		c.emit(OpPop, 0)
	default:
		c.addError(&CompileError{Kind: ErrUndefinedBehavior, Detail: fmt.Sprintf("unhandled statement %T", s)})
	}
}

// --- expressions ---

func (c *Compiler) compileExpr(e ast.Expr) {
	switch ex := e.(type) {
	case *ast.LogExpr:
		c.compileExpr(ex.Value)
		c.emit(OpLog, 0)
	case *ast.BlockExpr:
		fn, upvalues := c.compileFunction(ctxBlock, "", nil, ex)
		k := c.current().chunk.AddConstantFunction(fn, upvalues)
		c.emit(OpClosure, k)
		c.emit(OpCall, 0)
	case *ast.IfExpr:
		c.compileIf(ex)
	case *ast.WhileExpr:
		c.compileWhile(ex)
	case *ast.AssignExpr:
		c.compileAssign(ex)
	case *ast.BinaryExpr:
		c.compileBinary(ex)
	case *ast.UnaryExpr:
		c.compileExpr(ex.Operand)
		switch ex.Op {
		case ast.UnaryNegate:
			c.emit(OpNegate, 0)
		case ast.UnaryNot:
			c.emit(OpNot, 0)
		}
	case *ast.PropertyExpr:
		c.addError(&CompileError{Kind: ErrUndefinedBehavior, Detail: "property access is not implemented"})
	case *ast.IndexExpr:
		c.addError(&CompileError{Kind: ErrUndefinedBehavior, Detail: "index access is not implemented"})
	case *ast.CallExpr:
		c.compileExpr(ex.Callee)
		if len(ex.Args) > 255 {
			c.addError(&CompileError{Kind: ErrTooManyArguments})
		}
		for _, a := range ex.Args {
			c.compileExpr(a)
		}
		c.emit(OpCall, len(ex.Args))
	case *ast.IdentExpr:
		c.emitGet(ex.Name)
	case *ast.NumberExpr:
		c.emit(OpConstant, c.current().chunk.AddConstantNumber(ex.Value))
	case *ast.StringExpr:
		c.emit(OpConstant, c.current().chunk.AddConstantString(ex.Value))
	case *ast.BoolExpr:
		if ex.Value {
			c.emit(OpTrue, 0)
		} else {
			c.emit(OpFalse, 0)
		}
	case *ast.TupleExpr:
		for _, el := range ex.Elems {
			c.compileExpr(el)
		}
		c.emit(OpTuple, len(ex.Elems))
	case *ast.RecordExpr:
		for key, val := range ex.Fields {
			c.compileExpr(val)
			c.emit(OpConstant, c.current().chunk.AddConstantString(key))
		}
		c.emit(OpRecord, len(ex.Fields))
	default:
		c.addError(&CompileError{Kind: ErrUndefinedBehavior, Detail: fmt.Sprintf("unhandled expression %T", e)})
	}
}

func (c *Compiler) compileIf(ex *ast.IfExpr) {
	c.compileExpr(ex.Cond)
	thenJump := c.current().chunk.EmitJump(OpJumpIfFalse)
	c.emit(OpPop, 0)
	c.compileExpr(ex.Then)
	elseJump := c.current().chunk.EmitJump(OpJump)
	c.current().chunk.PatchJump(thenJump)
	c.emit(OpPop, 0)
	if ex.Else != nil {
		c.compileExpr(ex.Else)
	} else {
		c.emit(OpTuple, 0)
	}
	c.current().chunk.PatchJump(elseJump)
}

func (c *Compiler) compileWhile(ex *ast.WhileExpr) {
	chunk := &c.current().chunk
	loopStart := len(chunk.Code)
	c.compileExpr(ex.Cond)
	exitJump := chunk.EmitJump(OpJumpIfFalse)
	c.emit(OpPop, 0)
	c.beginScope()
	for _, s := range ex.Body {
		c.compileStmt(s)
	}
	c.endScope()
	chunk.EmitLoop(loopStart)
	chunk.PatchJump(exitJump)
	c.emit(OpPop, 0)
	c.emit(OpTuple, 0)
}

func (c *Compiler) compileAssign(ex *ast.AssignExpr) {
	ident, ok := ex.Target.(*ast.IdentExpr)
	if !ok {
		c.addError(&CompileError{Kind: ErrInvalidAssignmentTarget})
		return
	}
	chunk := &c.current().chunk
	switch ex.Op {
	case ast.AssignSet:
		c.compileExpr(ex.Rhs)
	case ast.AssignOr:
		c.emitGet(ident.Name)
		rightJump := chunk.EmitJump(OpJumpIfFalse)
		endJump := chunk.EmitJump(OpJump)
		chunk.PatchJump(rightJump)
		c.emit(OpPop, 0)
		c.compileExpr(ex.Rhs)
		chunk.PatchJump(endJump)
	case ast.AssignAnd:
		c.emitGet(ident.Name)
		endJump := chunk.EmitJump(OpJumpIfFalse)
		c.emit(OpPop, 0)
		c.compileExpr(ex.Rhs)
		chunk.PatchJump(endJump)
	default:
		c.emitGet(ident.Name)
		c.compileExpr(ex.Rhs)
		switch ex.Op {
		case ast.AssignAdd:
			c.emit(OpAdd, 0)
		case ast.AssignSubtract:
			c.emit(OpSubtract, 0)
		case ast.AssignMultiply:
			c.emit(OpMultiply, 0)
		case ast.AssignDivide:
			c.emit(OpDivide, 0)
		case ast.AssignExponent:
			c.emit(OpExponent, 0)
		}
	}
	c.emitSet(ident.Name)
}

func (c *Compiler) compileBinary(ex *ast.BinaryExpr) {
	chunk := &c.current().chunk
	switch ex.Op {
	case ast.BinaryAnd:
		c.compileExpr(ex.Lhs)
		endJump := chunk.EmitJump(OpJumpIfFalse)
		c.emit(OpPop, 0)
		c.compileExpr(ex.Rhs)
		chunk.PatchJump(endJump)
	case ast.BinaryOr:
		c.compileExpr(ex.Lhs)
		rightJump := chunk.EmitJump(OpJumpIfFalse)
		endJump := chunk.EmitJump(OpJump)
		chunk.PatchJump(rightJump)
		c.emit(OpPop, 0)
		c.compileExpr(ex.Rhs)
		chunk.PatchJump(endJump)
	case ast.BinaryNotEqual:
		c.compileExpr(ex.Lhs)
		c.compileExpr(ex.Rhs)
		c.emit(OpEqual, 0)
		c.emit(OpNot, 0)
	case ast.BinaryGreaterEqual:
		c.compileExpr(ex.Lhs)
		c.compileExpr(ex.Rhs)
		c.emit(OpLessThan, 0)
		c.emit(OpNot, 0)
	case ast.BinaryLessEqual:
		c.compileExpr(ex.Lhs)
		c.compileExpr(ex.Rhs)
		c.emit(OpGreaterThan, 0)
		c.emit(OpNot, 0)
	default:
		c.compileExpr(ex.Lhs)
		c.compileExpr(ex.Rhs)
		switch ex.Op {
		case ast.BinaryEqual:
			c.emit(OpEqual, 0)
		case ast.BinaryGreaterThan:
			c.emit(OpGreaterThan, 0)
		case ast.BinaryLessThan:
			c.emit(OpLessThan, 0)
		case ast.BinaryAdd:
			c.emit(OpAdd, 0)
		case ast.BinarySubtract:
			c.emit(OpSubtract, 0)
		case ast.BinaryMultiply:
			c.emit(OpMultiply, 0)
		case ast.BinaryDivide:
			c.emit(OpDivide, 0)
		case ast.BinaryExponent:
			c.emit(OpExponent, 0)
		}
	}
}
