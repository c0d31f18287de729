// Package parser implements a Pratt (precedence-climbing) parser that turns
// a FHIRPath token stream into the ast package's Expression tree, per
// spec.md §4.2's precedence table.
package parser

import (
	"strconv"
	"strings"

	"github.com/fhirpath-go/fhirpath/internal/ast"
	"github.com/fhirpath-go/fhirpath/internal/fperr"
	"github.com/fhirpath-go/fhirpath/internal/lexer"
)

// precedence levels, lowest to highest binding power. Matches spec.md §4.2.
const (
	precNone = iota
	precImplies
	precOrXor
	precAnd
	precMembership // in, contains
	precEquality   // = != ~ !~
	precInequality // < <= > >=
	precUnion      // |
	precIsAs       // is, as
	precAdditive   // + - &
	precMultiplicative
	precUnary
	precPostfix
)

// binaryInfo describes one infix operator's precedence, associativity and
// AST operator tag.
type binaryInfo struct {
	prec      int
	rightAssoc bool
	op        ast.BinaryOperator
}

// Parser turns a token stream into an ast.Node.
type Parser struct {
	lex  *lexer.Lexer
	tok  lexer.Token
	src  string
	errs []error
}

// New constructs a Parser over src.
func New(src string) *Parser {
	l := lexer.New(src)
	p := &Parser{lex: l, src: src}
	p.tok = l.Next()
	return p
}

// Parse parses an entire FHIRPath expression: exactly one expression
// followed by EOF. Any trailing input is a syntax error (spec.md §4.2).
func Parse(src string) (ast.Node, error) {
	p := New(src)
	expr, err := p.parseExpression(precNone)
	if err != nil {
		return nil, firstErr(p, err)
	}
	if p.tok.Kind != lexer.EOF {
		return nil, firstErr(p, fperr.Newf(fperr.CodeTrailingInput,
			"unexpected input after expression at offset %d: %q", p.tok.Span.Offset, p.tok.Text))
	}
	if lexErrs := p.lex.Errors(); len(lexErrs) > 0 {
		return expr, lexErrs[0]
	}
	return expr, nil
}

func firstErr(p *Parser, fallback error) error {
	if lexErrs := p.lex.Errors(); len(lexErrs) > 0 {
		return lexErrs[0]
	}
	if len(p.errs) > 0 {
		return p.errs[0]
	}
	return fallback
}

func (p *Parser) advance() lexer.Token {
	cur := p.tok
	p.tok = p.lex.Next()
	return cur
}

func (p *Parser) expect(k lexer.Kind) (lexer.Token, error) {
	if p.tok.Kind != k {
		if p.tok.Kind == lexer.EOF {
			return lexer.Token{}, fperr.Newf(fperr.CodeUnexpectedEOF,
				"unexpected end of expression, expected %s", k).At(p.tok.Span.Offset, 0)
		}
		return lexer.Token{}, fperr.Newf(fperr.CodeInvalidSyntax,
			"unexpected token %q, expected %s", p.tok.Text, k).At(p.tok.Span.Offset, p.tok.Span.Length)
	}
	return p.advance(), nil
}

// keywordBinary maps a keyword operator's text to its precedence table
// entry; punctuation operators are matched by token kind in peekBinary.
var keywordBinary = map[string]binaryInfo{
	"implies":  {precImplies, true, ast.Implies},
	"or":       {precOrXor, false, ast.Or},
	"xor":      {precOrXor, false, ast.Xor},
	"and":      {precAnd, false, ast.And},
	"in":       {precMembership, false, ast.In},
	"contains": {precMembership, false, ast.Contains},
	"div":      {precMultiplicative, false, ast.IntegerDivide},
	"mod":      {precMultiplicative, false, ast.Modulo},
}

func (p *Parser) peekBinary() (binaryInfo, bool, bool) {
	// returns (info, isTypeOp, ok)
	switch p.tok.Kind {
	case lexer.Eq:
		return binaryInfo{precEquality, false, ast.Equal}, false, true
	case lexer.Neq:
		return binaryInfo{precEquality, false, ast.NotEqual}, false, true
	case lexer.Equiv:
		return binaryInfo{precEquality, false, ast.Equivalent}, false, true
	case lexer.NotEquiv:
		return binaryInfo{precEquality, false, ast.NotEquivalent}, false, true
	case lexer.Lt:
		return binaryInfo{precInequality, false, ast.LessThan}, false, true
	case lexer.Lte:
		return binaryInfo{precInequality, false, ast.LessThanOrEqual}, false, true
	case lexer.Gt:
		return binaryInfo{precInequality, false, ast.GreaterThan}, false, true
	case lexer.Gte:
		return binaryInfo{precInequality, false, ast.GreaterThanOrEqual}, false, true
	case lexer.Pipe:
		return binaryInfo{precUnion, false, ast.Union}, false, true
	case lexer.Plus:
		return binaryInfo{precAdditive, false, ast.Add}, false, true
	case lexer.Minus:
		return binaryInfo{precAdditive, false, ast.Subtract}, false, true
	case lexer.Amp:
		return binaryInfo{precAdditive, false, ast.Concatenate}, false, true
	case lexer.Star:
		return binaryInfo{precMultiplicative, false, ast.Multiply}, false, true
	case lexer.Slash:
		return binaryInfo{precMultiplicative, false, ast.Divide}, false, true
	case lexer.Ident:
		if p.tok.Text == "is" {
			return binaryInfo{precIsAs, false, ast.Is}, true, true
		}
		if p.tok.Text == "as" {
			return binaryInfo{precIsAs, false, ast.As}, true, true
		}
		if info, ok := keywordBinary[p.tok.Text]; ok {
			return info, false, true
		}
	}
	return binaryInfo{}, false, false
}

// parseExpression implements precedence climbing: parse a unary/primary
// term, then repeatedly consume binary operators whose precedence is >= min,
// recursing on the right-hand side with the operator's precedence + 1
// (left-assoc) or the operator's precedence (right-assoc).
func (p *Parser) parseExpression(min int) (ast.Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		info, isTypeOp, ok := p.peekBinary()
		if !ok || info.prec < min {
			break
		}
		p.advance()

		if isTypeOp {
			spec, err := p.parseTypeSpecifier()
			if err != nil {
				return nil, err
			}
			if info.op == ast.Is {
				left = &ast.TypeCheck{Expression: left, Type: spec}
			} else {
				left = &ast.TypeCast{Expression: left, Type: spec}
			}
			continue
		}

		nextMin := info.prec + 1
		if info.rightAssoc {
			nextMin = info.prec
		}
		right, err := p.parseExpression(nextMin)
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryOp{Operator: info.op, Left: left, Right: right}
	}
	return left, nil
}

// parseUnary handles unary prefix operators: not, unary -, unary +. They
// bind tighter than any binary operator but looser than postfix.
func (p *Parser) parseUnary() (ast.Node, error) {
	if p.tok.Kind == lexer.Ident && p.tok.Text == "not" {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryOp{Operator: ast.Not, Operand: operand}, nil
	}
	if p.tok.Kind == lexer.Plus {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryOp{Operator: ast.Positive, Operand: operand}, nil
	}
	if p.tok.Kind == lexer.Minus {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryOp{Operator: ast.Negate, Operand: operand}, nil
	}
	return p.parsePostfix()
}

// parsePostfix parses a primary term then greedily applies postfix
// navigation: .invocation, [index], (call-on-identifier is handled inside
// parsePrimary for the bare-function-call case).
func (p *Parser) parsePostfix() (ast.Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.tok.Kind {
		case lexer.Dot:
			p.advance()
			node, err = p.parseInvocation(node)
			if err != nil {
				return nil, err
			}
		case lexer.LBracket:
			p.advance()
			idx, err := p.parseExpression(precNone)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lexer.RBracket); err != nil {
				return nil, err
			}
			node = &ast.IndexAccess{Object: node, Index: idx}
		default:
			return node, nil
		}
	}
}

// parseInvocation parses the member after a dot: a bare identifier
// (PropertyAccess), identifier(...) (MethodCall), or $this/$index/$total.
func (p *Parser) parseInvocation(object ast.Node) (ast.Node, error) {
	switch p.tok.Kind {
	case lexer.Variable:
		return p.parseVariable()
	}
	ident, err := p.parseIdentName()
	if err != nil {
		return nil, err
	}
	if p.tok.Kind == lexer.LParen {
		args, sortDirs, err := p.parseArgList(ident)
		if err != nil {
			return nil, err
		}
		return &ast.MethodCall{Object: object, Method: ident, Args: args, SortDirections: sortDirsOrNil(sortDirs)}, nil
	}
	return &ast.PropertyAccess{Object: object, Property: &ast.Identifier{Name: ident}}, nil
}

func (p *Parser) parseIdentName() (string, error) {
	switch p.tok.Kind {
	case lexer.Delimited:
		tok := p.advance()
		return unescapeDelimited(tok.Text)
	case lexer.Ident:
		tok := p.advance()
		return tok.Text, nil
	default:
		return "", fperr.Newf(fperr.CodeInvalidIdentifier, "expected identifier, got %q", p.tok.Text).
			At(p.tok.Span.Offset, p.tok.Span.Length)
	}
}

func (p *Parser) parseVariable() (ast.Node, error) {
	tok := p.advance()
	name := strings.TrimPrefix(tok.Text, "$")
	return &ast.Variable{Kind: ast.VarSystem, Name: name}, nil
}

func (p *Parser) parseEnvVar() (ast.Node, error) {
	tok := p.advance()
	raw := strings.TrimPrefix(tok.Text, "%")
	name := raw
	if strings.HasPrefix(raw, "`") && strings.HasSuffix(raw, "`") && len(raw) >= 2 {
		unescaped, err := unescapeDelimited(raw)
		if err != nil {
			return nil, err
		}
		name = unescaped
	} else if strings.HasPrefix(raw, "'") && strings.HasSuffix(raw, "'") && len(raw) >= 2 {
		name = raw[1 : len(raw)-1]
	}
	return &ast.Variable{Kind: ast.VarEnv, Name: name}, nil
}

// parsePrimary parses a literal, identifier/function-call, variable,
// parenthesized expression, or collection literal.
func (p *Parser) parsePrimary() (ast.Node, error) {
	tok := p.tok
	switch tok.Kind {
	case lexer.Integer, lexer.Decimal:
		return p.parseNumberLiteral()
	case lexer.String:
		p.advance()
		return &ast.Literal{Kind: ast.LitString, Text: tok.Text}, nil
	case lexer.Date:
		p.advance()
		return &ast.Literal{Kind: ast.LitDate, Text: tok.Text}, nil
	case lexer.DateTime:
		p.advance()
		return &ast.Literal{Kind: ast.LitDateTime, Text: tok.Text}, nil
	case lexer.Time:
		p.advance()
		return &ast.Literal{Kind: ast.LitTime, Text: tok.Text}, nil
	case lexer.Variable:
		return p.parseVariable()
	case lexer.EnvVar:
		return p.parseEnvVar()
	case lexer.LParen:
		p.advance()
		inner, err := p.parseExpression(precNone)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.RParen); err != nil {
			return nil, err
		}
		return &ast.Parenthesized{Inner: inner}, nil
	case lexer.LBrace:
		return p.parseCollectionLiteral()
	case lexer.Delimited:
		name, err := p.parseIdentName()
		if err != nil {
			return nil, err
		}
		return p.finishIdentOrCall(name, true)
	case lexer.Ident:
		if tok.Text == "true" || tok.Text == "false" {
			p.advance()
			return &ast.Literal{Kind: ast.LitBoolean, Text: tok.Text}, nil
		}
		name := tok.Text
		p.advance()
		return p.finishIdentOrCall(name, false)
	default:
		if tok.Kind == lexer.EOF {
			return nil, fperr.Newf(fperr.CodeUnexpectedEOF, "unexpected end of expression").
				At(tok.Span.Offset, 0)
		}
		return nil, fperr.Newf(fperr.CodeInvalidSyntax, "unexpected token %q", tok.Text).
			At(tok.Span.Offset, tok.Span.Length)
	}
}

func (p *Parser) finishIdentOrCall(name string, delimited bool) (ast.Node, error) {
	if p.tok.Kind == lexer.LParen {
		args, _, err := p.parseArgList(name)
		if err != nil {
			return nil, err
		}
		return &ast.FunctionCall{Name: name, Args: args}, nil
	}
	return &ast.Identifier{Name: name, Delimited: delimited}, nil
}

func sortDirsOrNil(d []ast.SortDirection) []ast.SortDirection {
	for _, x := range d {
		if x != ast.SortNone {
			return d
		}
	}
	return nil
}

// parseArgList parses `(arg, arg, ...)`. For the special `sort` invocation,
// each argument may carry a leading `asc`/`desc` modifier (or the legacy
// unary-minus-means-desc convention); those are tracked in sortDirs.
func (p *Parser) parseArgList(funcName string) (args []ast.Node, sortDirs []ast.SortDirection, err error) {
	if _, err := p.expect(lexer.LParen); err != nil {
		return nil, nil, err
	}
	if p.tok.Kind == lexer.RParen {
		p.advance()
		return nil, nil, nil
	}
	for {
		dir := ast.SortNone
		if funcName == "sort" && p.tok.Kind == lexer.Ident && (p.tok.Text == "asc" || p.tok.Text == "desc") {
			if p.tok.Text == "asc" {
				dir = ast.SortAsc
			} else {
				dir = ast.SortDesc
			}
			p.advance()
		}
		arg, err := p.parseExpression(precNone)
		if err != nil {
			return nil, nil, err
		}
		if funcName == "sort" && dir == ast.SortNone {
			if unary, ok := arg.(*ast.UnaryOp); ok && unary.Operator == ast.Negate {
				dir = ast.SortDesc
				arg = unary.Operand
			}
		}
		args = append(args, arg)
		sortDirs = append(sortDirs, dir)
		if p.tok.Kind == lexer.Comma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(lexer.RParen); err != nil {
		return nil, nil, err
	}
	return args, sortDirs, nil
}

func (p *Parser) parseCollectionLiteral() (ast.Node, error) {
	if _, err := p.expect(lexer.LBrace); err != nil {
		return nil, err
	}
	var elems []ast.Node
	if p.tok.Kind != lexer.RBrace {
		for {
			e, err := p.parseExpression(precNone)
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
			if p.tok.Kind == lexer.Comma {
				p.advance()
				continue
			}
			break
		}
	}
	if _, err := p.expect(lexer.RBrace); err != nil {
		return nil, err
	}
	return &ast.Collection{Elements: elems}, nil
}

// quantityUnits are bare (non-string) unit keywords FHIRPath recognizes
// directly after a numeric literal, per the FHIRPath grammar's pluralized
// calendar duration keywords.
var quantityUnits = map[string]bool{
	"year": true, "years": true, "month": true, "months": true,
	"week": true, "weeks": true, "day": true, "days": true,
	"hour": true, "hours": true, "minute": true, "minutes": true,
	"second": true, "seconds": true, "millisecond": true, "milliseconds": true,
}

func (p *Parser) parseNumberLiteral() (ast.Node, error) {
	tok := p.advance()
	kind := ast.LitInteger
	if tok.Kind == lexer.Decimal {
		kind = ast.LitDecimal
	} else if strings.HasSuffix(tok.Text, "L") {
		kind = ast.LitLong
	}

	// Quantity: NUMBER STRING | NUMBER bare-unit-keyword
	if p.tok.Kind == lexer.String {
		unitTok := p.advance()
		return &ast.Literal{Kind: ast.LitQuantity, Text: tok.Text, Unit: unitTok.Text}, nil
	}
	if p.tok.Kind == lexer.Ident && quantityUnits[p.tok.Text] {
		unitTok := p.advance()
		return &ast.Literal{Kind: ast.LitQuantity, Text: tok.Text, Unit: unitTok.Text}, nil
	}

	return &ast.Literal{Kind: kind, Text: tok.Text}, nil
}

// parseTypeSpecifier parses the right-hand side of `is`/`as`: a possibly
// dotted, possibly backtick-escaped qualified identifier such as
// FHIR.Patient, `Patient`, or System.Integer.
func (p *Parser) parseTypeSpecifier() (ast.TypeSpecifier, error) {
	first, err := p.parseIdentName()
	if err != nil {
		return ast.TypeSpecifier{}, err
	}
	parts := []string{first}
	for p.tok.Kind == lexer.Dot {
		p.advance()
		next, err := p.parseIdentName()
		if err != nil {
			return ast.TypeSpecifier{}, err
		}
		parts = append(parts, next)
	}
	spec := ast.TypeSpecifier{Name: parts[len(parts)-1]}
	if len(parts) > 1 {
		spec.Namespace = strings.Join(parts[:len(parts)-1], ".")
	}
	return spec, nil
}

func unescapeDelimited(s string) (string, error) {
	if len(s) < 2 {
		return "", fperr.New(fperr.CodeInvalidIdentifier, "empty delimited identifier")
	}
	return unescape(s[1 : len(s)-1])
}

// unescape processes FHIRPath string escapes: \\ \' \` \t \n \r \f and \uXXXX.
func unescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fperr.New(fperr.CodeInvalidSyntax, "trailing escape in string literal")
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case '\'':
			b.WriteByte('\'')
		case '`':
			b.WriteByte('`')
		case '"':
			b.WriteByte('"')
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'f':
			b.WriteByte('\f')
		case '/':
			b.WriteByte('/')
		case 'u':
			if i+4 >= len(s) {
				return "", fperr.New(fperr.CodeInvalidSyntax, "invalid \\u escape in string literal")
			}
			v, err := strconv.ParseInt(s[i+1:i+5], 16, 32)
			if err != nil {
				return "", fperr.Newf(fperr.CodeInvalidSyntax, "invalid \\u escape: %v", err)
			}
			b.WriteRune(rune(v))
			i += 4
		default:
			return "", fperr.Newf(fperr.CodeInvalidSyntax, "unknown escape sequence \\%c", s[i])
		}
	}
	return b.String(), nil
}

// Unescape is the exported form used by literal evaluation for string text.
func Unescape(s string) (string, error) { return unescape(s) }
