package fhirpath

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fhirpath-go/fhirpath/internal/ast"
	"github.com/fhirpath-go/fhirpath/internal/parser"
)

// Expression represents a parsed FHIRPath expression that can be evaluated against a FHIR resource.
// Expressions are created using the Parse or MustParse functions.
type Expression struct {
	tree          ast.Node
	text          string
	sortDirection sortDirection
}

type sortDirection uint8

const (
	sortDirectionNone sortDirection = iota
	sortDirectionAsc
	sortDirectionDesc
)

// String returns the string representation of the expression.
// This is useful for debugging or displaying the expression.
func (e Expression) String() string {
	return e.text
}

// Parse parses a FHIRPath expression string and returns an Expression object.
// If the expression cannot be parsed, an error is returned.
//
// Example:
//
//	expr, err := fhirpath.Parse("Patient.name.given")
//	if err != nil {
//	    // Handle error
//	}
func Parse(expr string) (Expression, error) {
	tree, err := parser.Parse(expr)
	if err != nil {
		return Expression{}, err
	}
	return Expression{tree: tree, text: expr}, nil
}

// MustParse parses a FHIRPath expression string and returns an Expression object.
// If the expression cannot be parsed, it panics.
//
// This function is useful when you know the expression is valid and want to avoid
// error checking, such as in tests or with hardcoded expressions.
//
// Example:
//
//	expr := fhirpath.MustParse("Patient.name.given")
func MustParse(path string) Expression {
	expr, err := Parse(path)
	if err != nil {
		panic(err)
	}
	return expr
}

// sourceKey installs the original expression text into the context so that
// sub-expressions built while dispatching lambda arguments (where/select/...)
// can slice their own source snippet out of it for Expression.String().
type sourceKey struct{}

func withSource(ctx context.Context, text string) context.Context {
	return context.WithValue(ctx, sourceKey{}, text)
}

func sourceText(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

func spanText(src string, n ast.Node) string {
	if n == nil {
		return ""
	}
	sp := n.Location()
	if sp.Length <= 0 || sp.Offset < 0 || sp.Offset+sp.Length > len(src) {
		return ""
	}
	return src[sp.Offset : sp.Offset+sp.Length]
}

// Evaluate evaluates a FHIRPath expression against a target element and returns the resulting collection.
//
// The context parameter can be used to provide additional configuration for the evaluation,
// such as decimal precision settings, trace logging, or environment variables.
// For FHIR resources, use the context returned by a ModelProvider-aware constructor.
//
// The target parameter is the element against which the expression will be evaluated.
// This is typically a FHIR resource like a Patient or Observation, navigable as generic JSON.
//
// The expr parameter is the parsed FHIRPath expression to evaluate.
//
// Example:
//
//	expr := fhirpath.MustParse("Patient.name.given")
//	result, err := fhirpath.Evaluate(ctx, patient, expr)
//	if err != nil {
//	    // Handle error
//	}
func Evaluate(ctx context.Context, target Element, expr Expression) (Collection, error) {
	ctx = withEvaluationInstant(ctx)
	ctx = withSource(ctx, expr.text)
	for name, value := range systemVariables {
		if name == "context" {
			ctx = WithEnv(ctx, name, Collection{target})
		} else {
			ctx = WithEnv(ctx, name, value)
		}
	}

	result, _, err := evalNode(
		ctx,
		target, Collection{target},
		true,
		expr.tree,
		true,
	)
	return result, err
}

type evaluationInstantKey struct{}

// withEvaluationInstant fixes "now"/"today"/"timeOfDay" to a single instant
// for the whole evaluation, per the FHIRPath requirement that repeated calls
// to these functions within one expression evaluation return the same value.
func withEvaluationInstant(ctx context.Context) context.Context {
	if _, ok := ctx.Value(evaluationInstantKey{}).(time.Time); ok {
		return ctx
	}
	return context.WithValue(ctx, evaluationInstantKey{}, time.Now())
}

func evaluationInstant(ctx context.Context) time.Time {
	if t, ok := ctx.Value(evaluationInstantKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithEvaluationTime pins the instant now()/today()/timeOfDay() observe to t,
// overriding the once-per-Evaluate instant withEvaluationInstant would
// otherwise capture. Intended for tests and hosts that need deterministic
// temporal output; accepts a nil ctx for convenience in table-driven tests.
// t is truncated to millisecond precision.
func WithEvaluationTime(ctx context.Context, t time.Time) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, evaluationInstantKey{}, t.Truncate(time.Millisecond))
}

type envKey struct{}

var systemVariables = map[string]Collection{
	"context": nil,
	"ucum":    Collection{String("http://unitsofmeasure.org")},
	"loinc":   Collection{String("http://loinc.org")},
	"sct":     Collection{String("http://snomed.info/sct")},
}

// envFrame is one link of the variable-scope prototype chain (§3.5):
// a scope's own directly-defined variables plus the parent scope it
// inherits from. Deriving a child frame (withNewEnvStackFrame) is O(1) —
// it allocates an empty frame pointing at the parent, never copies the
// parent's variables — so lookups cost O(depth) but sibling scopes never
// pay for each other's defineVariable calls. Mirrors the Arc/Cow parent
// chain the reference evaluator's variable scope uses for the same reason.
type envFrame struct {
	mu     sync.Mutex
	own    map[string]Collection
	parent *envFrame
}

func (f *envFrame) get(name string) (Collection, bool) {
	for fr := f; fr != nil; fr = fr.parent {
		fr.mu.Lock()
		v, ok := fr.own[name]
		fr.mu.Unlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

func (f *envFrame) define(name string, value Collection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.own == nil {
		f.own = make(map[string]Collection, 4)
	}
	f.own[name] = value
}

// WithEnv installs a user or environment variable into the current
// environment stack frame, creating the root frame if none exists yet.
func WithEnv(ctx context.Context, name string, value Collection) context.Context {
	frame, ok := ctx.Value(envKey{}).(*envFrame)
	if !ok {
		frame = &envFrame{}
		ctx = context.WithValue(ctx, envKey{}, frame)
	}
	frame.define(name, value)
	return ctx
}

// withNewEnvStackFrame derives a fresh child environment frame, isolated
// from its parent's future defineVariable calls but still able to read
// every variable the parent (and its ancestors) already defined. Union
// branches and lambda parameter evaluations each get their own frame so
// that defineVariable in one does not leak into the other (§3.5 sibling
// isolation).
func withNewEnvStackFrame(ctx context.Context) (context.Context, *envFrame) {
	parent, _ := ctx.Value(envKey{}).(*envFrame)
	child := &envFrame{parent: parent}
	return context.WithValue(ctx, envKey{}, child), child
}

// envStackFrame returns the current frame's own locally-defined variables,
// for checks scoped to "already defined in this exact scope" (defineVariable's
// redefinition guard) rather than the full inherited lookup envValue does.
func envStackFrame(ctx context.Context) (map[string]Collection, bool) {
	frame, ok := ctx.Value(envKey{}).(*envFrame)
	if !ok {
		return nil, false
	}
	frame.mu.Lock()
	defer frame.mu.Unlock()
	return frame.own, true
}

func envValue(ctx context.Context, name string) (Collection, bool) {
	frame, ok := ctx.Value(envKey{}).(*envFrame)
	if !ok {
		return nil, false
	}
	return frame.get(name)
}

// Singleton converts a collection that is expected to hold exactly one
// element into that element, reporting ok=false for Empty and an error for
// collections with more than one element.
func Singleton[T Element](c Collection) (v T, ok bool, err error) {
	if len(c) == 0 {
		return v, false, nil
	} else if len(c) > 1 {
		return v, false, fmt.Errorf("can not convert to singleton: collection contains > 1 values")
	}

	// convert to input type
	v, ok, err = elementTo[T](c[0], false)

	// if not convertible but contains a single value, evaluate to true
	if _, wantBool := any(v).(Boolean); err != nil && wantBool {
		return any(Boolean(true)).(T), true, nil
	}

	return v, ok, err
}
