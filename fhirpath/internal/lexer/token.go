// Package lexer tokenizes FHIRPath source text into a stream of Tokens
// carrying source offsets, ready for the Pratt parser in internal/parser.
package lexer

import "fmt"

// Kind identifies the lexical category of a Token.
type Kind uint8

const (
	EOF Kind = iota
	Error

	Ident      // foo, Patient, where (keywords are also lexed as Ident; the parser decides)
	Delimited  // `where` (backtick-quoted identifier)
	Integer    // 123
	Decimal    // 1.5
	String     // 'hello'
	DateTime   // @2023-01-01T10:00:00Z
	Date       // @2023-01-01
	Time       // @T10:00:00
	Variable   // $this, $index, $total
	EnvVar     // %resource, %x
	Unit       // 'mg', a bare time-unit keyword used after a number

	// Punctuation / operators
	Dot      // .
	Comma    // ,
	LParen   // (
	RParen   // )
	LBracket // [
	RBracket // ]
	LBrace   // {
	RBrace   // }
	Dollar   // $
	Percent  // %
	Pipe     // |
	Plus     // +
	Minus    // -
	Star     // *
	Slash    // /
	Eq       // =
	Neq      // !=
	Lte      // <=
	Gte      // >=
	Lt       // <
	Gt       // >
	Equiv    // ~
	NotEquiv // !~
	Amp      // &
	Colon    // :
)

var kindNames = map[Kind]string{
	EOF: "EOF", Error: "Error", Ident: "Ident", Delimited: "DelimitedIdent",
	Integer: "Integer", Decimal: "Decimal", String: "String",
	DateTime: "DateTime", Date: "Date", Time: "Time",
	Variable: "Variable", EnvVar: "EnvVar", Unit: "Unit",
	Dot: ".", Comma: ",", LParen: "(", RParen: ")",
	LBracket: "[", RBracket: "]", LBrace: "{", RBrace: "}",
	Dollar: "$", Percent: "%", Pipe: "|", Plus: "+", Minus: "-",
	Star: "*", Slash: "/", Eq: "=", Neq: "!=", Lte: "<=", Gte: ">=",
	Lt: "<", Gt: ">", Equiv: "~", NotEquiv: "!~", Amp: "&", Colon: ":",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// keywords that the lexer recognizes as word-operators. They are lexed as
// Ident; the parser's precedence table is what gives them operator meaning,
// so a FHIRPath property genuinely named e.g. "contains" still parses as an
// identifier in property-access position.
var Keywords = map[string]bool{
	"true": true, "false": true, "and": true, "or": true, "xor": true,
	"not": true, "implies": true, "in": true, "contains": true,
	"is": true, "as": true, "div": true, "mod": true,
}

// Span is a half-open [Offset, Offset+Length) byte range into the source text.
type Span struct {
	Offset int
	Length int
}

// Token is one lexical unit of FHIRPath source.
type Token struct {
	Kind  Kind
	Text  string // raw source text, including quotes/@ marker where relevant
	Span  Span
	Err   error // set when Kind == Error
}

func (t Token) String() string {
	return fmt.Sprintf("%s(%q)@%d", t.Kind, t.Text, t.Span.Offset)
}
