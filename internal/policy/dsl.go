package policy

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/cel-go/cel"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp
	tokParen
)

type token struct {
	kind tokenKind
	text string
}

// Normalize rewrites a policy predicate into a CEL expression.
//
// The predicate language accepts AND/OR/NOT in any case, bare enum words
// compared with a string variable using == or !=, and integer literals. Integer literals become
// doubles because every numeric signal is a double.
func Normalize(expr string) (string, error) {
	tokens, err := scan(expr)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", fmt.Errorf("empty predicate")
	}

	out := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		switch tok.kind {
		case tokIdent:
			out = append(out, rewriteIdent(tokens, i))
		case tokNumber:
			if strings.ContainsAny(tok.text, ".eE") {
				out = append(out, tok.text)
			} else {
				out = append(out, tok.text+".0")
			}
		default:
			out = append(out, tok.text)
		}
	}
	return joinTokens(out), nil
}

func rewriteIdent(tokens []token, i int) string {
	word := tokens[i].text
	switch strings.ToLower(word) {
	case "and":
		return "&&"
	case "or":
		return "||"
	case "not":
		return "!"
	case "true", "false":
		return strings.ToLower(word)
	}
	if _, known := variableTypes[word]; known {
		return word
	}
	// A bare word is an enum literal only when compared with a string
	// variable. Anything else stays an identifier so a misspelt variable
	// fails compilation instead of becoming a constant.
	if (isEqualityOp(tokens, i-1) && isStringVar(tokens, i-2)) ||
		(isEqualityOp(tokens, i+1) && isStringVar(tokens, i+2)) {
		return `"` + word + `"`
	}
	return word
}

func isStringVar(tokens []token, i int) bool {
	if i < 0 || i >= len(tokens) || tokens[i].kind != tokIdent {
		return false
	}
	return variableTypes[tokens[i].text] == cel.StringType
}

func isEqualityOp(tokens []token, i int) bool {
	if i < 0 || i >= len(tokens) {
		return false
	}
	return tokens[i].kind == tokOp && (tokens[i].text == "==" || tokens[i].text == "!=")
}

func joinTokens(parts []string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 && p != ")" && parts[i-1] != "(" && parts[i-1] != "!" && !(p == "(" && isCall(parts[i-1])) {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}

// isCall reports whether an identifier directly precedes '(' as a function name.
func isCall(prev string) bool {
	if prev == "" || prev == "true" || prev == "false" {
		return false
	}
	r := []rune(prev)[0]
	return r == '_' || unicode.IsLetter(r)
}

func scan(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '_' || unicode.IsLetter(r):
			j := i + 1
			for j < len(runes) && (runes[j] == '_' || runes[j] == '.' || unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j])) {
				j++
			}
			tokens = append(tokens, token{tokIdent, string(runes[i:j])})
			i = j
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.' || runes[j] == '_') {
				j++
			}
			if j < len(runes) && (runes[j] == 'e' || runes[j] == 'E') {
				j++
				if j < len(runes) && (runes[j] == '+' || runes[j] == '-') {
					j++
				}
				for j < len(runes) && unicode.IsDigit(runes[j]) {
					j++
				}
			}
			tokens = append(tokens, token{tokNumber, strings.ReplaceAll(string(runes[i:j]), "_", "")})
			i = j
		case r == '"' || r == '\'':
			j := i + 1
			for j < len(runes) && runes[j] != r {
				if runes[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			tokens = append(tokens, token{tokString, string(runes[i : j+1])})
			i = j + 1
		case r == '(' || r == ')':
			tokens = append(tokens, token{tokParen, string(r)})
			i++
		case r == '=' && (i+1 >= len(runes) || runes[i+1] != '='):
			return nil, fmt.Errorf("single '=' at offset %d, use '==' to compare", i)
		default:
			op, n := scanOperator(runes[i:])
			if n == 0 {
				return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
			}
			tokens = append(tokens, token{tokOp, op})
			i += n
		}
	}
	return tokens, nil
}

func scanOperator(rs []rune) (string, int) {
	if len(rs) >= 2 {
		switch two := string(rs[:2]); two {
		case "==", "!=", ">=", "<=", "&&", "||":
			return two, 2
		}
	}
	switch rs[0] {
	case '>', '<', '!', '+', '-', '*', '/', '%':
		return string(rs[0]), 1
	}
	return "", 0
}
