package config

import (
	"errors"
	"strings"
)

var errUnterminatedQuote = errors.New("unterminated quote")

// tokenize splits a profile line into arguments. Double and single quotes
// group words, a backslash escapes the next character outside single quotes,
// and an unquoted # or ; starts a comment.
func tokenize(line string) ([]string, error) {
	var (
		tokens  []string
		cur     strings.Builder
		inToken bool
		quote   rune
		escape  bool
	)
	for _, r := range line {
		switch {
		case escape:
			cur.WriteRune(r)
			escape = false
		case r == '\\' && quote != '\'':
			escape = true
			inToken = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\r':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		case (r == '#' || r == ';') && !inToken:
			return tokens, nil
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 || escape {
		return nil, errUnterminatedQuote
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// blockTag returns the name of an inline block tag like <ca> or </ca>.
func blockTag(line string) (name string, closing bool, ok bool) {
	line = strings.TrimSpace(line)
	if len(line) < 3 || line[0] != '<' || line[len(line)-1] != '>' {
		return "", false, false
	}
	name = line[1 : len(line)-1]
	if strings.HasPrefix(name, "/") {
		return name[1:], true, true
	}
	return name, false, true
}
