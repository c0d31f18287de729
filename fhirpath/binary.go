package fhirpath

import (
	"context"
	"fmt"

	"github.com/fhirpath-go/fhirpath/internal/ast"
)

// evalBinary dispatches a BinaryOp node, mirroring the teacher's per-operator
// ExpressionContext cases but keyed on ast.BinaryOperator instead of parsing
// the operator back out of a parse-tree child's text.
func evalBinary(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.BinaryOp,
	isRoot bool,
) (result Collection, resultOrdered bool, err error) {
	switch t.Operator {
	case ast.Add, ast.Subtract, ast.Concatenate, ast.Multiply, ast.Divide, ast.IntegerDivide, ast.Modulo:
		return evalArithmetic(ctx, root, target, inputOrdered, t, isRoot)
	case ast.LessThan, ast.LessThanOrEqual, ast.GreaterThan, ast.GreaterThanOrEqual:
		return evalInequality(ctx, root, target, inputOrdered, t, isRoot)
	case ast.Equal, ast.NotEqual, ast.Equivalent, ast.NotEquivalent:
		return evalEquality(ctx, root, target, inputOrdered, t, isRoot)
	case ast.In, ast.Contains:
		return evalMembership(ctx, root, target, inputOrdered, t, isRoot)
	case ast.And:
		return evalAnd(ctx, root, target, inputOrdered, t, isRoot)
	case ast.Or, ast.Xor:
		return evalOrXor(ctx, root, target, inputOrdered, t, isRoot)
	case ast.Implies:
		return evalImplies(ctx, root, target, inputOrdered, t, isRoot)
	case ast.Union:
		return evalUnion(ctx, root, target, inputOrdered, t, isRoot)
	default:
		return nil, false, fmt.Errorf("unknown binary operator %v", t.Operator)
	}
}

func evalSides(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.BinaryOp,
	isRoot bool,
) (left, right Collection, leftOrdered, rightOrdered bool, err error) {
	left, leftOrdered, err = evalNode(ctx, root, target, inputOrdered, t.Left, isRoot)
	if err != nil {
		return nil, nil, false, false, err
	}
	right, rightOrdered, err = evalNode(ctx, root, target, inputOrdered, t.Right, isRoot)
	if err != nil {
		return nil, nil, false, false, err
	}
	return left, right, leftOrdered, rightOrdered, nil
}

func evalArithmetic(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.BinaryOp,
	isRoot bool,
) (Collection, bool, error) {
	left, right, _, _, err := evalSides(ctx, root, target, inputOrdered, t, isRoot)
	if err != nil {
		return nil, false, err
	}

	var result Collection
	switch t.Operator {
	case ast.Add:
		result, err = left.Add(ctx, right)
	case ast.Subtract:
		result, err = left.Subtract(ctx, right)
	case ast.Concatenate:
		result, err = left.Concat(ctx, right)
	case ast.Multiply:
		result, err = left.Multiply(ctx, right)
	case ast.Divide:
		result, err = left.Divide(ctx, right)
	case ast.IntegerDivide:
		result, err = left.Div(ctx, right)
	case ast.Modulo:
		result, err = left.Mod(ctx, right)
	}
	return result, true, err
}

func evalInequality(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.BinaryOp,
	isRoot bool,
) (Collection, bool, error) {
	left, right, _, _, err := evalSides(ctx, root, target, inputOrdered, t, isRoot)
	if err != nil {
		return nil, false, err
	}

	cmp, ok, err := left.Cmp(right)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, true, nil
	}

	var b bool
	switch t.Operator {
	case ast.LessThan:
		b = cmp < 0
	case ast.LessThanOrEqual:
		b = cmp <= 0
	case ast.GreaterThan:
		b = cmp > 0
	case ast.GreaterThanOrEqual:
		b = cmp >= 0
	}
	return Collection{Boolean(b)}, true, nil
}

func evalEquality(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.BinaryOp,
	isRoot bool,
) (Collection, bool, error) {
	left, right, leftOrdered, rightOrdered, err := evalSides(ctx, root, target, inputOrdered, t, isRoot)
	if err != nil {
		return nil, false, err
	}

	if (t.Operator == ast.Equal || t.Operator == ast.NotEqual) &&
		(len(left) > 1 || len(right) > 1) &&
		(!leftOrdered || !rightOrdered) {
		return nil, false, fmt.Errorf("expected ordered inputs for equality expression")
	}

	var result Collection
	switch t.Operator {
	case ast.Equal:
		eq, ok := left.Equal(right)
		if ok {
			result = Collection{Boolean(eq)}
		}
	case ast.NotEqual:
		eq, ok := left.Equal(right)
		if ok {
			result = Collection{Boolean(!eq)}
		}
	case ast.Equivalent:
		result = Collection{Boolean(left.Equivalent(right))}
	case ast.NotEquivalent:
		result = Collection{Boolean(!left.Equivalent(right))}
	}
	return result, true, nil
}

func evalMembership(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.BinaryOp,
	isRoot bool,
) (Collection, bool, error) {
	left, right, _, _, err := evalSides(ctx, root, target, inputOrdered, t, isRoot)
	if err != nil {
		return nil, false, err
	}

	switch t.Operator {
	case ast.In:
		if len(left) == 0 {
			return nil, true, nil
		}
		if len(left) > 1 {
			return nil, false, fmt.Errorf("left operand of \"in\" (membership) has more than 1 value")
		}
		return Collection{Boolean(right.Contains(left[0]))}, true, nil
	case ast.Contains:
		if len(right) == 0 {
			return nil, true, nil
		}
		if len(right) > 1 {
			return nil, false, fmt.Errorf("right operand of \"contains\" (membership) has more than 1 value")
		}
		return Collection{Boolean(left.Contains(right[0]))}, true, nil
	default:
		return nil, false, fmt.Errorf("unknown membership operator %v", t.Operator)
	}
}

// evalAnd implements FHIRPath's three-valued `and` (§4.4): both sides true
// is true, either side false is false regardless of the other, anything else
// (an Empty participant with no deciding false) is Empty.
func evalAnd(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.BinaryOp,
	isRoot bool,
) (Collection, bool, error) {
	left, right, _, _, err := evalSides(ctx, root, target, inputOrdered, t, isRoot)
	if err != nil {
		return nil, false, err
	}

	leftSingle, leftOk, err := Singleton[Boolean](left)
	if err != nil {
		return nil, false, err
	}
	rightSingle, rightOk, err := Singleton[Boolean](right)
	if err != nil {
		return nil, false, err
	}

	switch {
	case leftOk && bool(leftSingle) && rightOk && bool(rightSingle):
		return Collection{Boolean(true)}, true, nil
	case leftOk && !bool(leftSingle):
		return Collection{Boolean(false)}, true, nil
	case rightOk && !bool(rightSingle):
		return Collection{Boolean(false)}, true, nil
	default:
		return nil, true, nil
	}
}

func evalOrXor(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.BinaryOp,
	isRoot bool,
) (Collection, bool, error) {
	left, right, _, _, err := evalSides(ctx, root, target, inputOrdered, t, isRoot)
	if err != nil {
		return nil, false, err
	}

	leftSingle, leftOk, err := Singleton[Boolean](left)
	if err != nil {
		return nil, false, err
	}
	rightSingle, rightOk, err := Singleton[Boolean](right)
	if err != nil {
		return nil, false, err
	}

	if t.Operator == ast.Or {
		switch {
		case leftOk && !bool(leftSingle) && rightOk && !bool(rightSingle):
			return Collection{Boolean(false)}, true, nil
		case leftOk && bool(leftSingle):
			return Collection{Boolean(true)}, true, nil
		case rightOk && bool(rightSingle):
			return Collection{Boolean(true)}, true, nil
		default:
			return nil, true, nil
		}
	}

	// xor requires both operands defined.
	switch {
	case leftOk && rightOk && bool(leftSingle) != bool(rightSingle):
		return Collection{Boolean(true)}, true, nil
	case leftOk && rightOk && bool(leftSingle) == bool(rightSingle):
		return Collection{Boolean(false)}, true, nil
	default:
		return nil, true, nil
	}
}

func evalImplies(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.BinaryOp,
	isRoot bool,
) (Collection, bool, error) {
	left, right, _, _, err := evalSides(ctx, root, target, inputOrdered, t, isRoot)
	if err != nil {
		return nil, false, err
	}

	leftSingle, leftOk, err := Singleton[Boolean](left)
	if err != nil {
		return nil, false, err
	}
	rightSingle, rightOk, err := Singleton[Boolean](right)
	if err != nil {
		return nil, false, err
	}

	switch {
	case leftOk && bool(leftSingle):
		if rightOk {
			return Collection{rightSingle}, true, nil
		}
		return nil, true, nil
	case leftOk && !bool(leftSingle):
		return Collection{Boolean(true)}, true, nil
	case rightOk && bool(rightSingle):
		return Collection{Boolean(true)}, true, nil
	default:
		return nil, true, nil
	}
}

// evalUnion gives each side of `|` its own environment stack frame (§3.5):
// variables defined on one branch must not be visible on the other.
func evalUnion(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.BinaryOp,
	isRoot bool,
) (Collection, bool, error) {
	leftCtx, _ := withNewEnvStackFrame(ctx)
	left, leftOrdered, err := evalNode(leftCtx, root, target, inputOrdered, t.Left, isRoot)
	if err != nil {
		return nil, false, err
	}
	rightCtx, _ := withNewEnvStackFrame(ctx)
	right, rightOrdered, err := evalNode(rightCtx, root, target, inputOrdered, t.Right, isRoot)
	if err != nil {
		return nil, false, err
	}
	return left.Union(right), leftOrdered && rightOrdered, nil
}
