// Package fperr defines the stable FP0001..FP0200 structured error code
// namespace shared by the lexer, parser and evaluator, and the
// StructuredError type that carries one plus a source location.
//
// It lives below fhirpath/internal so that internal/lexer and
// internal/parser can produce StructuredErrors without importing the
// root fhirpath package (which imports them), and the root package
// re-exports the identifiers callers are meant to use.
package fperr

import "fmt"

// Code is a stable four-digit structured error identifier, FP0001..FP0200.
type Code string

// Parser errors, FP0001..FP0050.
const (
	CodeInvalidSyntax     Code = "FP0001"
	CodeUnexpectedChar    Code = "FP0002"
	CodeTrailingInput     Code = "FP0003"
	CodeInvalidTypeSpec   Code = "FP0004"
	CodeUnterminatedString Code = "FP0005"
	CodeMalformedNumber   Code = "FP0006"
	CodeInvalidIdentifier Code = "FP0007"
	CodeUnexpectedEOF     Code = "FP0008"
	CodeInvalidEscape     Code = "FP0009"
	CodeInvalidLiteral    Code = "FP0010"
)

// Evaluation errors, FP0051..FP0100 (temporal sub-range FP0070..FP0082).
const (
	CodeNonSingletonOperand Code = "FP0051"
	CodeDivideByZero        Code = "FP0052"
	CodeWrongArity          Code = "FP0053"
	CodeUnknownFunction     Code = "FP0054"
	CodePropertyNotFound    Code = "FP0055"
	CodeIndexOutOfRange     Code = "FP0056"
	CodeBadConversion       Code = "FP0057"
	CodeUnsupportedOperand  Code = "FP0058"
	CodeAmbiguousChoice     Code = "FP0059"
	CodeVariableNotDefined  Code = "FP0060"
	CodeInvalidArgument     Code = "FP0061"
	CodeUnresolvedReference Code = "FP0062"
	CodeMultiElementType    Code = "FP0063"
	CodeIncompatibleUnits   Code = "FP0064"
	CodeNotOrdered          Code = "FP0065"

	CodeInvalidDateTimeLiteral Code = "FP0070"
	CodeInvalidTimeLiteral     Code = "FP0071"
	CodeInvalidPrecision       Code = "FP0072"
	CodeInvalidTimezone        Code = "FP0073"
	CodeInvalidLeapYear        Code = "FP0079"

	CodeUnknownIdentifier  Code = "FP0124"
	CodeTerminologyMissing Code = "FP0125"
)

// ModelProvider errors, FP0101..FP0150.
const (
	CodeUnknownType        Code = "FP0101"
	CodeProviderFailure    Code = "FP0102"
	CodeChoiceUnresolvable Code = "FP0103"
)

// Analysis / system errors, FP0151..FP0200.
const (
	CodeVariableRedefinition Code = "FP0152"
	CodeRecursionLimit       Code = "FP0153"
)

// Location is a source-text span an error can be attributed to.
type Location struct {
	Offset int
	Length int
}

// StructuredError is the error value returned across the lexer, parser and
// evaluator. It always carries a stable Code; Location and Expression are
// best-effort context for the host to render.
type StructuredError struct {
	Code       Code
	Message    string
	Location   *Location
	Expression string
	Cause      error
}

func New(code Code, message string) *StructuredError {
	return &StructuredError{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *StructuredError {
	return &StructuredError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, message string) *StructuredError {
	return &StructuredError{Code: code, Message: message, Cause: cause}
}

func (e *StructuredError) Error() string {
	if e == nil {
		return ""
	}
	if e.Location != nil {
		return fmt.Sprintf("%s: %s (at offset %d)", e.Code, e.Message, e.Location.Offset)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StructuredError) Unwrap() error { return e.Cause }

// At returns a copy of e with Location set, for wrapping a lower-level error
// with the position of the syntax that triggered it.
func (e *StructuredError) At(offset, length int) *StructuredError {
	cp := *e
	cp.Location = &Location{Offset: offset, Length: length}
	return &cp
}

// WithExpression returns a copy of e annotated with the source snippet.
func (e *StructuredError) WithExpression(expr string) *StructuredError {
	cp := *e
	cp.Expression = expr
	return &cp
}
