package match

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// expander replaces placeholders in rule text:
//
//	%0 .. %9   capture groups of the rule's filter regex
//	%NAME%     event attribute NAME (empty when absent)
//	%%         a literal percent sign
//
// Anything else after a '%' is kept verbatim.
type expander struct {
	captures []string
	attr     func(string) string
	// quote, when set, wraps every substituted value so a shell sees it as
	// a single literal word.
	quote func(string) (string, error)
}

func (x *expander) expand(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		next := s[i+1]
		switch {
		case next == '%':
			b.WriteByte('%')
			i++
		case next >= '0' && next <= '9':
			var v string
			if n := int(next - '0'); n < len(x.captures) {
				v = x.captures[n]
			}
			if err := x.write(&b, v); err != nil {
				return "", err
			}
			i++
		default:
			end := strings.IndexByte(s[i+1:], '%')
			name := ""
			if end > 0 {
				name = s[i+1 : i+1+end]
			}
			if !isVarName(name) {
				b.WriteByte('%')
				continue
			}
			if err := x.write(&b, x.attr(name)); err != nil {
				return "", err
			}
			i += end + 1
		}
	}
	return b.String(), nil
}

func (x *expander) write(b *strings.Builder, v string) error {
	if x.quote != nil {
		q, err := x.quote(v)
		if err != nil {
			return err
		}
		v = q
	}
	b.WriteString(v)
	return nil
}

func shellQuote(v string) (string, error) {
	return syntax.Quote(v, syntax.LangPOSIX)
}

func isVarName(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
