package fhirpath

import (
	"github.com/fhirpath-go/fhirpath/internal/fperr"
)

// ErrCode is the stable four-digit structured error identifier the evaluator
// and its collaborators attach to every surfaced error (§7, FP0001..FP0200).
// Arithmetic/conversion failures are deliberately NOT wrapped in ErrCode:
// per spec they collapse to Empty rather than surface as errors.
type ErrCode = fperr.Code

// StructuredError is the concrete error type returned across the lexer,
// parser and evaluator. It implements error and Unwrap, so callers can
// errors.As(err, &structuredErr) to recover Code/Location/Expression.
type StructuredError = fperr.StructuredError

// Re-exported evaluation/ModelProvider/system error codes a host can match
// on with errors.As plus a Code comparison. Parser codes are produced
// directly by internal/lexer and internal/parser and are reachable the same
// way; they are not re-listed here to avoid a second source of truth.
const (
	CodeNonSingletonOperand = fperr.CodeNonSingletonOperand
	CodeDivideByZero        = fperr.CodeDivideByZero
	CodeWrongArity          = fperr.CodeWrongArity
	CodeUnknownFunction     = fperr.CodeUnknownFunction
	CodePropertyNotFound    = fperr.CodePropertyNotFound
	CodeIndexOutOfRange     = fperr.CodeIndexOutOfRange
	CodeBadConversion       = fperr.CodeBadConversion
	CodeUnsupportedOperand  = fperr.CodeUnsupportedOperand
	CodeAmbiguousChoice     = fperr.CodeAmbiguousChoice
	CodeVariableNotDefined  = fperr.CodeVariableNotDefined
	CodeInvalidArgument     = fperr.CodeInvalidArgument
	CodeUnresolvedReference = fperr.CodeUnresolvedReference
	CodeMultiElementType    = fperr.CodeMultiElementType
	CodeIncompatibleUnits   = fperr.CodeIncompatibleUnits
	CodeNotOrdered          = fperr.CodeNotOrdered
	CodeUnknownIdentifier   = fperr.CodeUnknownIdentifier
	CodeTerminologyMissing  = fperr.CodeTerminologyMissing
	CodeUnknownType         = fperr.CodeUnknownType
	CodeProviderFailure     = fperr.CodeProviderFailure
	CodeChoiceUnresolvable  = fperr.CodeChoiceUnresolvable
	CodeVariableRedefinition = fperr.CodeVariableRedefinition
	CodeRecursionLimit       = fperr.CodeRecursionLimit
)

func fperrRecursionLimit() error {
	return fperr.Newf(fperr.CodeRecursionLimit, "recursion limit of %d exceeded", maxEvalDepth)
}

func fperrMultiElementType() error {
	return fperr.New(fperr.CodeMultiElementType, "type operator requires a singleton operand")
}

func fperrUnknownFunction(name string) error {
	return fperr.Newf(fperr.CodeUnknownFunction, "unknown function or operator %q", name)
}

func fperrVariableNotDefined(name string) error {
	return fperr.Newf(fperr.CodeVariableNotDefined, "variable %%%s is not defined", name)
}

func fperrVariableRedefinition(name string) error {
	return fperr.Newf(fperr.CodeVariableRedefinition, "variable %%%s is already defined in this scope", name)
}

func fperrTerminologyUnavailable(fn string) error {
	return fperr.Newf(fperr.CodeTerminologyMissing, "no TerminologyProvider configured for %s()", fn)
}

func fperrUnresolvedReference(ref string) error {
	return fperr.Newf(fperr.CodeUnresolvedReference, "could not resolve reference %q", ref)
}

func fperrProviderFailure(cause error) error {
	return fperr.Wrap(fperr.CodeProviderFailure, cause, "model provider call failed")
}

func fperrUnknownType(spec TypeSpecifier) error {
	return fperr.Newf(fperr.CodeUnknownType, "unknown type %s", spec)
}

func fperrInvalidArgument(msg string) error {
	return fperr.New(fperr.CodeInvalidArgument, msg)
}
