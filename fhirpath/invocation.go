package fhirpath

import (
	"context"

	"github.com/fhirpath-go/fhirpath/internal/ast"
)

// evalFunctionCall is the bridge between the AST walk in evaluator.go and
// the built-in registry in functions.go: it looks up name, wraps each
// argument AST node as an unevaluated Expression (functions decide for
// themselves whether/how often to evaluate each one, which is what makes
// where/select/iif/aggregate lambdas possible), and hands the registry
// entry an EvaluateFunc closure that re-enters evalNode with an optional
// $this/$index/$total lambda scope installed.
func evalFunctionCall(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	name string,
	args []ast.Node,
	sortDirs []ast.SortDirection,
) (Collection, bool, error) {
	fn, ok := getFunction(ctx, name)
	if !ok {
		return nil, false, fperrUnknownFunction(name)
	}

	src := sourceText(ctx)
	params := make([]Expression, len(args))
	for i, a := range args {
		params[i] = Expression{
			tree:          a,
			text:          spanText(src, a),
			sortDirection: fromASTSortDirection(sortDirs, i),
		}
	}

	evaluate := func(
		evalCtx context.Context,
		evalTarget Collection,
		expr Expression,
		scope *FunctionScope,
	) (Collection, bool, error) {
		callCtx := evalCtx
		if scope != nil {
			var this Element
			if len(evalTarget) == 1 {
				this = evalTarget[0]
			}
			callCtx = withFunctionScope(evalCtx, functionScope{
				this:      this,
				index:     scope.index,
				aggregate: scope.total != nil,
				total:     scope.total,
			})
		}
		return evalNode(callCtx, root, evalTarget, true, expr.tree, false)
	}

	return fn(ctx, root, target, inputOrdered, params, evaluate)
}

func fromASTSortDirection(dirs []ast.SortDirection, i int) sortDirection {
	if i >= len(dirs) {
		return sortDirectionNone
	}
	switch dirs[i] {
	case ast.SortAsc:
		return sortDirectionAsc
	case ast.SortDesc:
		return sortDirectionDesc
	default:
		return sortDirectionNone
	}
}

// evalExpression is a package-internal alias of evalNode kept so tests (and
// earlier call sites) can name the evaluator entry point either way.
func evalExpression(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	node ast.Node,
	isRoot bool,
) (Collection, bool, error) {
	return evalNode(ctx, root, target, inputOrdered, node, isRoot)
}
