package value

import "golang.org/x/text/unicode/norm"

// ToDisplayString is the canonical string conversion the Add overload
// applies to both operands when at least one of them is a string
// (spec: "canonical string conversion"). Multiply's string-repeat overload
// does not go through it: it repeats the string operand as is. It runs the value's display
// rendering through NFC normalization so that two operands whose source
// text used different Unicode normalization forms concatenate and compare
// identically once rendered — matching how nooga-paserati's
// String.normalize() builtin applies norm.NFC to canonicalize text.
func ToDisplayString(v Value) string {
	return norm.NFC.String(v.displayString())
}
