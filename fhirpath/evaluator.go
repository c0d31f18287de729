package fhirpath

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/fhirpath-go/fhirpath/internal/ast"
	"github.com/fhirpath-go/fhirpath/internal/parser"
)

// depthKey bounds AST traversal depth per evaluation (§5): a context-wide
// counter caps recursion so a pathological or cyclic expression fails with
// FP0153 instead of overflowing the Go stack.
type depthKey struct{}

const maxEvalDepth = 1000

func incDepth(ctx context.Context) (context.Context, error) {
	d, _ := ctx.Value(depthKey{}).(int)
	d++
	if d > maxEvalDepth {
		return ctx, fperrRecursionLimit()
	}
	return context.WithValue(ctx, depthKey{}, d), nil
}

// evalNode walks one AST node, mirroring the teacher's evalExpression/
// evalTerm dispatch but over the hand-written Pratt parser's ast.Node types
// instead of ANTLR parse-tree contexts.
func evalNode(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	node ast.Node,
	isRoot bool,
) (result Collection, resultOrdered bool, err error) {
	ctx, err = incDepth(ctx)
	if err != nil {
		return nil, false, err
	}

	switch t := node.(type) {
	case nil:
		return nil, true, nil

	case *ast.EntireExpression:
		return evalNode(ctx, root, target, inputOrdered, t.Root, isRoot)

	case *ast.Parenthesized:
		return evalNode(ctx, root, target, inputOrdered, t.Inner, isRoot)

	case *ast.Literal:
		return evalLiteral(t)

	case *ast.Collection:
		var acc Collection
		for _, el := range t.Elements {
			r, _, err := evalNode(ctx, root, target, inputOrdered, el, false)
			if err != nil {
				return nil, false, err
			}
			acc = append(acc, r...)
		}
		return acc, true, nil

	case *ast.Variable:
		return evalVariable(ctx, root, t)

	case *ast.Identifier:
		return evalMemberAccess(ctx, root, target, inputOrdered, t.Name, isRoot)

	case *ast.PropertyAccess:
		obj, ordered, err := evalNode(ctx, root, target, inputOrdered, t.Object, isRoot)
		if err != nil {
			return nil, false, err
		}
		return evalMemberAccess(ctx, root, obj, ordered, t.Property.Name, false)

	case *ast.IndexAccess:
		obj, ordered, err := evalNode(ctx, root, target, inputOrdered, t.Object, isRoot)
		if err != nil {
			return nil, false, err
		}
		if !ordered {
			return nil, false, errors.New("can not index into unordered collection")
		}
		idxColl, _, err := evalNode(ctx, root, target, inputOrdered, t.Index, false)
		if err != nil {
			return nil, false, err
		}
		index, ok, err := Singleton[Integer](idxColl)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		i := int(index)
		if i < 0 || i >= len(obj) {
			return nil, true, nil
		}
		return Collection{obj[i]}, true, nil

	case *ast.UnaryOp:
		return evalUnary(ctx, root, target, inputOrdered, t, isRoot)

	case *ast.BinaryOp:
		return evalBinary(ctx, root, target, inputOrdered, t, isRoot)

	case *ast.TypeCheck:
		return evalTypeCheck(ctx, root, target, inputOrdered, t, isRoot)

	case *ast.TypeCast:
		return evalTypeCast(ctx, root, target, inputOrdered, t, isRoot)

	case *ast.FunctionCall:
		return evalFunctionCall(ctx, root, target, inputOrdered, t.Name, t.Args, nil)

	case *ast.MethodCall:
		obj, ordered, err := evalNode(ctx, root, target, inputOrdered, t.Object, isRoot)
		if err != nil {
			return nil, false, err
		}
		return evalFunctionCall(ctx, root, obj, ordered, t.Method, t.Args, t.SortDirections)

	default:
		return nil, false, fmt.Errorf("unexpected expression node %T", node)
	}
}

func evalLiteral(lit *ast.Literal) (Collection, bool, error) {
	switch lit.Kind {
	case ast.LitNull:
		return nil, true, nil
	case ast.LitBoolean:
		return Collection{Boolean(lit.Text == "true")}, true, nil
	case ast.LitString:
		unescaped, err := parser.Unescape(lit.Text[1 : len(lit.Text)-1])
		return Collection{String(unescaped)}, true, err
	case ast.LitInteger:
		val, err := strconv.ParseInt(lit.Text, 10, 32)
		if err != nil {
			return nil, false, err
		}
		return Collection{Integer(val)}, true, nil
	case ast.LitLong:
		v, err := strconv.ParseInt(strings.TrimSuffix(lit.Text, "L"), 10, 64)
		if err != nil {
			return nil, false, err
		}
		return Collection{Long(v)}, true, nil
	case ast.LitDecimal:
		d, _, err := apd.NewFromString(lit.Text)
		return Collection{Decimal{Value: d}}, true, err
	case ast.LitDate:
		d, err := ParseDate(lit.Text)
		return Collection{d}, true, err
	case ast.LitTime:
		tv, err := ParseTime(lit.Text)
		return Collection{tv}, true, err
	case ast.LitDateTime:
		dt, err := ParseDateTime(lit.Text)
		return Collection{dt}, true, err
	case ast.LitQuantity:
		numText := strings.TrimSuffix(lit.Text, "L")
		v, _, err := apd.NewFromString(numText)
		if err != nil {
			return nil, false, err
		}
		u := strings.Trim(lit.Unit, "'")
		return Collection{Quantity{Value: Decimal{Value: v}, Unit: String(u)}}, true, nil
	default:
		return nil, false, fmt.Errorf("unexpected literal kind %v", lit.Kind)
	}
}

func evalVariable(ctx context.Context, root Element, v *ast.Variable) (Collection, bool, error) {
	switch v.Kind {
	case ast.VarSystem:
		switch v.Name {
		case "this":
			scope, ok := getFunctionScope(ctx)
			if ok {
				if scope.this == nil {
					return nil, true, nil
				}
				return Collection{scope.this}, true, nil
			}
			return Collection{root}, true, nil
		case "index":
			scope, ok := getFunctionScope(ctx)
			if !ok {
				return nil, false, fmt.Errorf("$index not defined outside a lambda")
			}
			return Collection{Integer(scope.index)}, true, nil
		case "total":
			scope, ok := getFunctionScope(ctx)
			if !ok || !scope.aggregate {
				return nil, false, fmt.Errorf("$total not defined (only in aggregate)")
			}
			return scope.total, true, nil
		default:
			return nil, false, fmt.Errorf("unknown system variable $%s", v.Name)
		}
	case ast.VarEnv:
		name := unwrapEnvName(v.Name)
		value, ok := envValue(ctx, name)
		if !ok {
			return nil, false, fperrVariableNotDefined(name)
		}
		return value, true, nil
	default:
		return nil, false, fmt.Errorf("unknown variable kind")
	}
}

// unwrapEnvName strips the backtick or single quotes a %`quoted` / %'quoted'
// environment-variable reference may carry around its inner name.
func unwrapEnvName(name string) string {
	if len(name) >= 2 {
		if (name[0] == '`' && name[len(name)-1] == '`') ||
			(name[0] == '\'' && name[len(name)-1] == '\'') {
			return name[1 : len(name)-1]
		}
	}
	return name
}

// evalMemberAccess resolves a bare or dotted identifier against target. It
// first tries structural navigation (Element.Children), and only when that
// yields nothing and the identifier is being resolved against the original
// root does it try resolving the name as a resource-type identity check
// (`Patient.name` where `Patient` both names the root's type and nothing
// literally called "Patient" exists as a child).
func evalMemberAccess(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	name string,
	isRoot bool,
) (Collection, bool, error) {
	var members Collection
	for _, e := range target {
		if children := e.Children(name); len(children) > 0 {
			members = append(members, children...)
			continue
		}
		// Structural lookup came up empty: if e carries raw JSON and name is
		// a value[x]-shaped base property, try resolving the concrete choice
		// key (§4.4) before giving up on this element.
		if ca, ok := e.(choiceAware); ok {
			if raw, ok := ca.rawObject(); ok {
				if key, ok := resolveChoiceKey(ctx, ca.declaredType(), name, raw); ok && key != name {
					members = append(members, e.Children(key)...)
				}
			}
		}
	}
	if len(members) > 0 {
		return members, inputOrdered, nil
	}

	if isRoot {
		expectedType, ok := resolveType(ctx, TypeSpecifier{Name: name})
		if ok {
			rootType := root.TypeInfo()
			if !subTypeOf(ctx, rootType, expectedType) {
				return nil, false, fmt.Errorf("expected element of type %s, got %s", expectedType, rootType)
			}
			return Collection{root}, inputOrdered, nil
		}
	}

	return members, inputOrdered, nil
}

func evalUnary(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.UnaryOp,
	isRoot bool,
) (Collection, bool, error) {
	operand, ordered, err := evalNode(ctx, root, target, inputOrdered, t.Operand, isRoot)
	if err != nil {
		return nil, false, err
	}
	switch t.Operator {
	case ast.Positive:
		return operand, ordered, nil
	case ast.Negate:
		result, err := operand.Multiply(ctx, Collection{Integer(-1)})
		return result, true, err
	case ast.Not:
		single, ok, err := Singleton[Boolean](operand)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}
		return Collection{Boolean(!single)}, true, nil
	default:
		return nil, false, fmt.Errorf("unknown unary operator %v", t.Operator)
	}
}

func evalTypeCheck(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.TypeCheck,
	isRoot bool,
) (Collection, bool, error) {
	expr, _, err := evalNode(ctx, root, target, inputOrdered, t.Expression, isRoot)
	if err != nil {
		return nil, false, err
	}
	if len(expr) == 0 {
		return nil, true, nil
	}
	if len(expr) != 1 {
		return nil, false, fperrMultiElementType()
	}
	r, err := isType(ctx, expr[0], fromASTTypeSpecifier(t.Type))
	if err != nil {
		return nil, false, err
	}
	return Collection{r}, true, nil
}

func evalTypeCast(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	t *ast.TypeCast,
	isRoot bool,
) (Collection, bool, error) {
	expr, _, err := evalNode(ctx, root, target, inputOrdered, t.Expression, isRoot)
	if err != nil {
		return nil, false, err
	}
	if len(expr) == 0 {
		return nil, true, nil
	}
	if len(expr) != 1 {
		return nil, false, fperrMultiElementType()
	}
	c, err := asType(ctx, expr[0], fromASTTypeSpecifier(t.Type))
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func fromASTTypeSpecifier(t ast.TypeSpecifier) TypeSpecifier {
	return TypeSpecifier{Namespace: t.Namespace, Name: t.Name}
}
