// Command boba is a minimal driver over the compiler and VM. There is no
// parser in this tree (see SPEC_FULL.md §1), so "programs" are hand-built
// ASTs rather than source files; the demo subcommand runs a handful of
// them to exercise the embedding API end to end.
package main

import (
	"flag"
	"fmt"
	"os"

	"boba/internal/ast"
	"boba/internal/ir"
	"boba/internal/vm"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "demo":
		if err := cmdDemo(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "help", "-h", "--help":
		usage()
	case "version", "-v", "--version":
		fmt.Println("boba", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`boba language core CLI

Usage:
  boba demo [-name=<program>]
  boba version

Commands:
  demo     Compile and run one of the built-in example programs
  version  Print the boba core version

Flags (demo):
  -name    Which built-in program to run: fib, closure, assign, all (default "all")`)
}

func cmdDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	name := fs.String("name", "all", "program to run: fib, closure, assign, all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	programs := map[string]*ast.Program{
		"fib":     fibProgram(),
		"closure": closureProgram(),
		"assign":  assignProgram(),
	}

	run := func(key string) error {
		prog, ok := programs[key]
		if !ok {
			return fmt.Errorf("no such demo program: %s", key)
		}
		fn, errs := ir.Compile(prog)
		if len(errs) > 0 {
			return fmt.Errorf("%s: compile error: %w", key, errs[0])
		}
		machine := vm.NewVM()
		result, err := machine.Interpret(fn)
		if err != nil {
			return fmt.Errorf("%s: runtime error: %w", key, err)
		}
		fmt.Printf("%s => %s\n", key, result.String())
		return nil
	}

	if *name == "all" {
		for _, key := range []string{"fib", "closure", "assign"} {
			if err := run(key); err != nil {
				return err
			}
		}
		return nil
	}
	return run(*name)
}

// fibProgram is the recursive-fibonacci scenario: fn fib(n) = if n < 2
// { n } else { fib(n-1) + fib(n-2) }; log fib(10).
func fibProgram() *ast.Program {
	fibBody := &ast.IfExpr{
		Cond: &ast.BinaryExpr{Lhs: &ast.IdentExpr{Name: "n"}, Op: ast.BinaryLessThan, Rhs: &ast.NumberExpr{Value: 2}},
		Then: &ast.BlockExpr{Tail: &ast.IdentExpr{Name: "n"}},
		Else: &ast.BlockExpr{Tail: &ast.BinaryExpr{
			Lhs: &ast.CallExpr{
				Callee: &ast.IdentExpr{Name: "fib"},
				Args:   []ast.Expr{&ast.BinaryExpr{Lhs: &ast.IdentExpr{Name: "n"}, Op: ast.BinarySubtract, Rhs: &ast.NumberExpr{Value: 1}}},
			},
			Op: ast.BinaryAdd,
			Rhs: &ast.CallExpr{
				Callee: &ast.IdentExpr{Name: "fib"},
				Args:   []ast.Expr{&ast.BinaryExpr{Lhs: &ast.IdentExpr{Name: "n"}, Op: ast.BinarySubtract, Rhs: &ast.NumberExpr{Value: 2}}},
			},
		}},
	}
	return &ast.Program{Stmts: []ast.Stmt{
		&ast.FunctionStmt{Name: "fib", Params: []string{"n"}, Body: fibBody},
		&ast.ExpressionStmt{Value: &ast.LogExpr{Value: &ast.CallExpr{
			Callee: &ast.IdentExpr{Name: "fib"},
			Args:   []ast.Expr{&ast.NumberExpr{Value: 10}},
		}}},
	}}
}

// closureProgram builds a counter via a function returning a closure over
// a mutable local: fn make_counter() { let count = 0; fn next() { count += 1;
// count }; next }; let c = make_counter(); log c(); log c() — each call
// observes the previous call's mutation through the shared upvalue cell.
func closureProgram() *ast.Program {
	nextBody := &ast.BlockExpr{
		Stmts: []ast.Stmt{
			&ast.ExpressionStmt{Value: &ast.AssignExpr{
				Target: &ast.IdentExpr{Name: "count"},
				Op:     ast.AssignAdd,
				Rhs:    &ast.NumberExpr{Value: 1},
			}},
		},
		Tail: &ast.IdentExpr{Name: "count"},
	}
	counterBody := &ast.BlockExpr{
		Stmts: []ast.Stmt{
			&ast.LetStmt{Name: "count", Value: &ast.NumberExpr{Value: 0}},
			&ast.FunctionStmt{Name: "next", Body: nextBody},
		},
		Tail: &ast.IdentExpr{Name: "next"},
	}
	return &ast.Program{Stmts: []ast.Stmt{
		&ast.FunctionStmt{Name: "make_counter", Params: nil, Body: counterBody},
		&ast.LetStmt{Name: "c", Value: &ast.CallExpr{Callee: &ast.IdentExpr{Name: "make_counter"}}},
		&ast.ExpressionStmt{Value: &ast.LogExpr{Value: &ast.CallExpr{Callee: &ast.IdentExpr{Name: "c"}}}},
		&ast.ExpressionStmt{Value: &ast.LogExpr{Value: &ast.CallExpr{Callee: &ast.IdentExpr{Name: "c"}}}},
	}}
}

// assignProgram exercises compound assignment and the string-coercion
// overload of Add: let s = "total = "; s += 15; log s.
func assignProgram() *ast.Program {
	return &ast.Program{Stmts: []ast.Stmt{
		&ast.LetStmt{Name: "s", Value: &ast.StringExpr{Value: "total = "}},
		&ast.ExpressionStmt{Value: &ast.AssignExpr{
			Target: &ast.IdentExpr{Name: "s"},
			Op:     ast.AssignAdd,
			Rhs:    &ast.NumberExpr{Value: 15},
		}},
		&ast.ExpressionStmt{Value: &ast.LogExpr{Value: &ast.IdentExpr{Name: "s"}}},
	}}
}
