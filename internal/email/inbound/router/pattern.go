package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidTemplate is returned when a route template cannot be compiled.
var ErrInvalidTemplate = errors.New("invalid route template")

var placeholderName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Captures maps placeholder names to the text they matched.
type Captures map[string]string

// Pattern is a compiled route template.
type Pattern struct {
	template string
	names    []string
	re       *regexp.Regexp
}

// Compile turns a template such as "<name>@example.com" into a Pattern.
//
// Literal text matches itself. A placeholder written as <name> matches one or
// more characters (greedy) and binds them to name. The whole candidate must
// match. There is no escape for a literal '<' or '>': any '<' opens a
// placeholder, so templates cannot match angle brackets in the candidate.
func Compile(template string) (*Pattern, error) {
	var (
		expr  strings.Builder
		names []string
		seen  = map[string]bool{}
		rest  = template
	)
	expr.WriteByte('^')
	for {
		open := strings.IndexByte(rest, '<')
		if open < 0 {
			expr.WriteString(regexp.QuoteMeta(rest))
			break
		}
		expr.WriteString(regexp.QuoteMeta(rest[:open]))
		rest = rest[open+1:]

		closing := strings.IndexByte(rest, '>')
		if closing < 0 {
			return nil, fmt.Errorf("%w: %q: unterminated placeholder", ErrInvalidTemplate, template)
		}
		name := rest[:closing]
		rest = rest[closing+1:]

		if !placeholderName.MatchString(name) {
			return nil, fmt.Errorf("%w: %q: bad placeholder name %q", ErrInvalidTemplate, template, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %q: duplicate placeholder %q", ErrInvalidTemplate, template, name)
		}
		seen[name] = true
		names = append(names, name)
		fmt.Fprintf(&expr, "(?P<%s>.+)", name)
	}
	expr.WriteByte('$')

	re, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTemplate, template, err)
	}
	return &Pattern{template: template, names: names, re: re}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(template string) *Pattern {
	p, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return p
}

// Template returns the source template.
func (p *Pattern) Template() string { return p.template }

// Names returns placeholder names in template order.
func (p *Pattern) Names() []string {
	return append([]string(nil), p.names...)
}

// Match reports whether candidate matches the whole pattern and returns the
// captured placeholders. Matching is case-sensitive.
func (p *Pattern) Match(candidate string) (Captures, bool) {
	sub := p.re.FindStringSubmatch(candidate)
	if sub == nil {
		return nil, false
	}
	caps := make(Captures, len(p.names))
	for i, name := range p.re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		caps[name] = sub[i]
	}
	return caps, true
}

func (p *Pattern) String() string { return p.template }
