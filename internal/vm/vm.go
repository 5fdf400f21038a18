// Package vm implements the stack-based virtual machine that executes a
// compiled Chunk: call frames, the value stack, global bindings, and the
// open/closed upvalue registry that backs closures.
package vm

import (
	"fmt"
	"math"
	"strings"

	"boba/internal/ir"
	"boba/internal/value"
)

const maxFrames = 64

// Frame is one active function invocation: its closure, instruction
// pointer, and the stack index its locals start at. Arguments plus the
// called closure occupy slots [SlotsStart, SlotsStart+arity]; locals grow
// above them.
type Frame struct {
	Closure    *value.Closure
	IP         int
	SlotsStart int
}

// VM is a stack-based virtual machine for the language's compiled chunks.
// The value stack, globals, and frame stack belong exclusively to one VM
// instance and are never observed concurrently (single-threaded, §5).
type VM struct {
	stack   []value.Value
	sp      int
	frames  []Frame
	globals map[string]value.Value

	openUpvalues []*value.Upvalue
	logHandler   func(value.Value)
}

// NewVM creates an empty VM ready to Interpret or Evaluate a compiled
// Function.
func NewVM() *VM {
	return &VM{
		stack:   make([]value.Value, 0, 256),
		frames:  make([]Frame, 0, maxFrames),
		globals: make(map[string]value.Value),
	}
}

// DefineNative installs a host-provided callable under name in globals.
func (vm *VM) DefineNative(name string, fn func(args []value.Value) (value.Value, error)) {
	vm.globals[name] = value.NativeFn(&value.NativeFunction{Name: name, Fn: fn})
}

// SetLogHandler installs the callback the Log opcode invokes. With none
// set, Log prints to stdout.
func (vm *VM) SetLogHandler(h func(value.Value)) {
	vm.logHandler = h
}

// Interpret wraps fn in a zero-upvalue closure, calls it with no
// arguments, and runs until it returns. The stack and frames are cleared
// before Interpret returns, on either success or failure.
func (vm *VM) Interpret(fn *ir.Function) (value.Value, error) {
	closure := &value.Closure{Fn: fn}
	vm.push(value.ClosureValue(closure))
	if err := vm.call(closure, 0); err != nil {
		vm.reset()
		return value.Value{}, err
	}
	result, err := vm.run()
	vm.reset()
	if err != nil {
		return value.Value{}, err
	}
	return result, nil
}

// Evaluate runs a zero-argument function compiled from a single expression
// (ir.CompileExpr) and returns its value — the REPL evaluation contract.
func (vm *VM) Evaluate(fn *ir.Function) (value.Value, error) {
	return vm.Interpret(fn)
}

func (vm *VM) reset() {
	vm.stack = vm.stack[:0]
	vm.sp = 0
	vm.frames = vm.frames[:0]
}

// --- stack primitives ---

func (vm *VM) push(v value.Value) {
	if vm.sp >= len(vm.stack) {
		vm.stack = append(vm.stack, v)
	} else {
		vm.stack[vm.sp] = v
	}
	vm.sp++
}

func (vm *VM) pop() (value.Value, error) {
	if vm.sp == 0 {
		return value.Value{}, &RuntimeError{Kind: ErrUnknown, Detail: "stack underflow"}
	}
	vm.sp--
	return vm.stack[vm.sp], nil
}

func (vm *VM) peek(offset int) (value.Value, error) {
	idx := vm.sp - 1 - offset
	if idx < 0 || idx >= vm.sp {
		return value.Value{}, &RuntimeError{Kind: ErrUnknown, Detail: "stack underflow"}
	}
	return vm.stack[idx], nil
}

// --- calls ---

// call pushes a new frame for closure, failing if its arity doesn't match
// argc or the frame stack is already at its bound.
func (vm *VM) call(closure *value.Closure, argc int) error {
	if argc != closure.Fn.Arity {
		return &RuntimeError{
			Kind:     ErrIncorrectParameterCount,
			Expected: fmt.Sprintf("%d", closure.Fn.Arity),
			Got:      argc,
		}
	}
	if len(vm.frames) >= maxFrames {
		return &RuntimeError{Kind: ErrStackOverflow}
	}
	vm.frames = append(vm.frames, Frame{
		Closure:    closure,
		SlotsStart: vm.sp - 1 - argc,
	})
	return nil
}

// callValue dispatches a Call opcode on the callee's kind.
func (vm *VM) callValue(callee value.Value, argc int) error {
	switch callee.Kind {
	case value.KindClosure:
		return vm.call(callee.Closure, argc)
	case value.KindNativeFunction:
		args := make([]value.Value, argc)
		copy(args, vm.stack[vm.sp-argc:vm.sp])
		result, err := callee.Native.Fn(args)
		if err != nil {
			return err
		}
		vm.sp -= argc + 1
		vm.push(result)
		return nil
	default:
		return &RuntimeError{Kind: ErrInvalidCallSignature}
	}
}

// --- upvalues ---

// captureUpvalue returns the existing Open cell for slot if the registry
// already has one, so sibling closures capturing the same variable share a
// cell, or creates and registers a fresh one.
func (vm *VM) captureUpvalue(slot int) *value.Upvalue {
	for _, up := range vm.openUpvalues {
		if !up.IsClosed && up.Index == slot {
			return up
		}
	}
	up := &value.Upvalue{Index: slot}
	vm.openUpvalues = append(vm.openUpvalues, up)
	return up
}

// closeUpvalues relocates every still-Open cell at or above fromSlot into
// a Closed copy of its slot's current value, before that slot is dropped
// from the stack (I3).
func (vm *VM) closeUpvalues(fromSlot int) {
	for _, up := range vm.openUpvalues {
		if !up.IsClosed && up.Index >= fromSlot {
			up.Closed = vm.stack[up.Index]
			up.IsClosed = true
		}
	}
}

// --- dispatch loop ---

// run is the single flat dispatch loop: it never recurses into itself for
// nested calls, instead pushing/popping Frame entries on vm.frames, so the
// 64-frame bound above is enforced uniformly regardless of call depth.
func (vm *VM) run() (value.Value, error) {
	for {
		frame := &vm.frames[len(vm.frames)-1]
		chunk := &frame.Closure.Fn.Chunk
		instr := chunk.Code[frame.IP]
		frame.IP++

		switch instr.Op {
		case ir.OpTuple:
			n := instr.A
			elems := make([]value.Value, n)
			for i := n - 1; i >= 0; i-- {
				v, err := vm.pop()
				if err != nil {
					return value.Value{}, err
				}
				elems[i] = v
			}
			vm.push(value.Tuple(elems))

		case ir.OpRecord:
			fields := make(map[string]value.Value, instr.A)
			for i := 0; i < instr.A; i++ {
				key, err := vm.pop()
				if err != nil {
					return value.Value{}, err
				}
				val, err := vm.pop()
				if err != nil {
					return value.Value{}, err
				}
				fields[key.Str] = val
			}
			vm.push(value.Record(fields))

		case ir.OpConstant:
			c := chunk.Constants[instr.A]
			switch c.Kind {
			case ir.ConstNumber:
				vm.push(value.Number(c.Number))
			case ir.ConstString:
				vm.push(value.String(c.String))
			default:
				return value.Value{}, &RuntimeError{Kind: ErrUnknown, Detail: "constant is not loadable"}
			}

		case ir.OpTrue:
			vm.push(value.Boolean(true))
		case ir.OpFalse:
			vm.push(value.Boolean(false))

		case ir.OpPop:
			if _, err := vm.pop(); err != nil {
				return value.Value{}, err
			}
		case ir.OpPopN:
			for i := 0; i < instr.A; i++ {
				if _, err := vm.pop(); err != nil {
					return value.Value{}, err
				}
			}

		case ir.OpDefineGlobal:
			v, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			vm.globals[chunk.Constants[instr.A].String] = v

		case ir.OpGetLocal:
			vm.push(vm.stack[frame.SlotsStart+instr.A])
		case ir.OpSetLocal:
			v, err := vm.peek(0)
			if err != nil {
				return value.Value{}, err
			}
			vm.stack[frame.SlotsStart+instr.A] = v

		case ir.OpGetGlobal:
			name := chunk.Constants[instr.A].String
			v, ok := vm.globals[name]
			if !ok {
				return value.Value{}, &RuntimeError{Kind: ErrUndefinedVariable, Name: name}
			}
			vm.push(v)
		case ir.OpSetGlobal:
			name := chunk.Constants[instr.A].String
			if _, ok := vm.globals[name]; !ok {
				return value.Value{}, &RuntimeError{Kind: ErrUndefinedVariable, Name: name}
			}
			v, err := vm.peek(0)
			if err != nil {
				return value.Value{}, err
			}
			vm.globals[name] = v

		case ir.OpGetUpvalue:
			up := frame.Closure.Upvalues[instr.A]
			if up.IsClosed {
				vm.push(up.Closed)
			} else {
				vm.push(vm.stack[up.Index])
			}
		case ir.OpSetUpvalue:
			up := frame.Closure.Upvalues[instr.A]
			v, err := vm.peek(0)
			if err != nil {
				return value.Value{}, err
			}
			if up.IsClosed {
				up.Closed = v
			} else {
				vm.stack[up.Index] = v
			}

		case ir.OpEqual:
			b, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			a, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			vm.push(value.Boolean(value.Equal(a, b)))

		case ir.OpGreaterThan, ir.OpLessThan:
			b, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			a, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			if a.Kind != value.KindNumber {
				return value.Value{}, typeError("number", a)
			}
			if b.Kind != value.KindNumber {
				return value.Value{}, typeError("number", b)
			}
			if instr.Op == ir.OpGreaterThan {
				vm.push(value.Boolean(a.Number > b.Number))
			} else {
				vm.push(value.Boolean(a.Number < b.Number))
			}

		case ir.OpAdd:
			b, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			a, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			result, err := addValues(a, b)
			if err != nil {
				return value.Value{}, err
			}
			vm.push(result)

		case ir.OpMultiply:
			b, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			a, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			result, err := multiplyValues(a, b)
			if err != nil {
				return value.Value{}, err
			}
			vm.push(result)

		case ir.OpSubtract, ir.OpDivide, ir.OpExponent:
			b, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			a, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			if a.Kind != value.KindNumber {
				return value.Value{}, typeError("number", a)
			}
			if b.Kind != value.KindNumber {
				return value.Value{}, typeError("number", b)
			}
			switch instr.Op {
			case ir.OpSubtract:
				vm.push(value.Number(a.Number - b.Number))
			case ir.OpDivide:
				vm.push(value.Number(a.Number / b.Number))
			case ir.OpExponent:
				vm.push(value.Number(math.Pow(a.Number, b.Number)))
			}

		case ir.OpNot:
			v, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			if v.Kind != value.KindBoolean {
				return value.Value{}, typeError("boolean", v)
			}
			vm.push(value.Boolean(!v.Boolean))

		case ir.OpNegate:
			v, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			if v.Kind != value.KindNumber {
				return value.Value{}, typeError("number", v)
			}
			vm.push(value.Number(-v.Number))

		case ir.OpLog:
			v, err := vm.peek(0)
			if err != nil {
				return value.Value{}, err
			}
			if vm.logHandler != nil {
				vm.logHandler(v)
			} else {
				fmt.Println(v.String())
			}

		case ir.OpJump:
			if instr.Dir == ir.DirForwards {
				frame.IP += instr.A
			} else {
				frame.IP -= instr.A
			}

		case ir.OpJumpIfFalse:
			cond, err := vm.peek(0)
			if err != nil {
				return value.Value{}, err
			}
			if cond.Kind != value.KindBoolean {
				return value.Value{}, typeError("boolean", cond)
			}
			if !cond.Boolean {
				frame.IP += instr.A
			}

		case ir.OpCall:
			argc := instr.A
			callee, err := vm.peek(argc)
			if err != nil {
				return value.Value{}, err
			}
			if err := vm.callValue(callee, argc); err != nil {
				return value.Value{}, err
			}

		case ir.OpClosure:
			c := chunk.Constants[instr.A]
			ups := make([]*value.Upvalue, len(c.Upvalues))
			for i, desc := range c.Upvalues {
				if desc.IsLocal {
					ups[i] = vm.captureUpvalue(frame.SlotsStart + desc.Index)
				} else {
					ups[i] = frame.Closure.Upvalues[desc.Index]
				}
			}
			vm.push(value.ClosureValue(&value.Closure{Fn: c.Function, Upvalues: ups}))

		case ir.OpCloseUpvalue:
			vm.closeUpvalues(vm.sp - 1)
			if _, err := vm.pop(); err != nil {
				return value.Value{}, err
			}

		case ir.OpReturn:
			result, err := vm.pop()
			if err != nil {
				return value.Value{}, err
			}
			vm.closeUpvalues(frame.SlotsStart)
			if len(vm.frames) == 1 {
				vm.sp = 0
				vm.frames = vm.frames[:0]
				return result, nil
			}
			vm.sp = frame.SlotsStart
			vm.frames = vm.frames[:len(vm.frames)-1]
			vm.push(result)

		default:
			return value.Value{}, &RuntimeError{Kind: ErrUnknown, Detail: "unrecognized opcode"}
		}
	}
}

// addValues implements the Add overload: Number+Number, or any String/Number
// mix with at least one String, coerced through the canonical string
// conversion; everything else is unsupported.
func addValues(a, b value.Value) (value.Value, error) {
	if a.Kind == value.KindNumber && b.Kind == value.KindNumber {
		return value.Number(a.Number + b.Number), nil
	}
	aOK := a.Kind == value.KindString || a.Kind == value.KindNumber
	bOK := b.Kind == value.KindString || b.Kind == value.KindNumber
	if aOK && bOK && (a.Kind == value.KindString || b.Kind == value.KindString) {
		return value.String(value.ToDisplayString(a) + value.ToDisplayString(b)), nil
	}
	return value.Value{}, &RuntimeError{Kind: ErrOperationNotSupported}
}

// multiplyValues implements the Multiply overload: Number*Number, or
// String*Number (either order) repeating the string round(n) times.
func multiplyValues(a, b value.Value) (value.Value, error) {
	if a.Kind == value.KindNumber && b.Kind == value.KindNumber {
		return value.Number(a.Number * b.Number), nil
	}
	if a.Kind == value.KindString && b.Kind == value.KindNumber {
		return value.String(repeatString(a.Str, b.Number)), nil
	}
	if a.Kind == value.KindNumber && b.Kind == value.KindString {
		return value.String(repeatString(b.Str, a.Number)), nil
	}
	return value.Value{}, &RuntimeError{Kind: ErrOperationNotSupported}
}

func repeatString(s string, n float64) string {
	count := int(math.Round(n))
	if count < 0 {
		count = 0
	}
	return strings.Repeat(s, count)
}
