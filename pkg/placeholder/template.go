// Package placeholder implements the `{name}` templates used by stage
// commands, bootstrap commands and artifact key templates.
//
// Templates are compiled once at manifest load time so that unknown
// placeholders surface as configuration errors before any job starts.
package placeholder

import (
	"fmt"
	"sort"
	"strings"
)

type part interface {
	append(dst *strings.Builder, vars map[string]string) error
}

type literalPart string

type varPart string

func (p literalPart) append(dst *strings.Builder, _ map[string]string) error {
	dst.WriteString(string(p))
	return nil
}

func (p varPart) append(dst *strings.Builder, vars map[string]string) error {
	v, ok := vars[string(p)]
	if !ok {
		return fmt.Errorf("no value for placeholder {%s}", string(p))
	}
	dst.WriteString(v)
	return nil
}

// Template is a compiled `{name}` template.
//
// `{{` and `}}` produce literal braces so shell snippets like `${HOME}` can be
// written as `${{HOME}}`.
type Template struct {
	raw   string
	parts []part
}

// Compile parses a template string.
func Compile(template string) (*Template, error) {
	var parts []part
	var lit strings.Builder
	s := template
	for len(s) > 0 {
		switch {
		case strings.HasPrefix(s, "{{"):
			lit.WriteByte('{')
			s = s[2:]
		case strings.HasPrefix(s, "}}"):
			lit.WriteByte('}')
			s = s[2:]
		case s[0] == '}':
			return nil, fmt.Errorf("unmatched '}' in %q", template)
		case s[0] == '{':
			closeIdx := strings.IndexByte(s, '}')
			if closeIdx == -1 {
				return nil, fmt.Errorf("unclosed placeholder in %q", template)
			}
			name := strings.TrimSpace(s[1:closeIdx])
			if name == "" || strings.ContainsAny(name, "{ ") {
				return nil, fmt.Errorf("invalid placeholder {%s} in %q", s[1:closeIdx], template)
			}
			if lit.Len() > 0 {
				parts = append(parts, literalPart(lit.String()))
				lit.Reset()
			}
			parts = append(parts, varPart(name))
			s = s[closeIdx+1:]
		default:
			lit.WriteByte(s[0])
			s = s[1:]
		}
	}
	if lit.Len() > 0 {
		parts = append(parts, literalPart(lit.String()))
	}
	return &Template{raw: template, parts: parts}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// package-level defaults.
func MustCompile(template string) *Template {
	t, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return t
}

// Names returns the distinct placeholder names, sorted.
func (t *Template) Names() []string {
	seen := map[string]struct{}{}
	for _, p := range t.parts {
		if v, ok := p.(varPart); ok {
			seen[string(v)] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check returns an error naming the first placeholder not in allowed.
func (t *Template) Check(allowed map[string]struct{}) error {
	for _, n := range t.Names() {
		if _, ok := allowed[n]; !ok {
			return fmt.Errorf("unknown placeholder {%s} in %q", n, t.raw)
		}
	}
	return nil
}

// Apply renders the template with vars.
func (t *Template) Apply(vars map[string]string) (string, error) {
	var b strings.Builder
	for _, p := range t.parts {
		if err := p.append(&b, vars); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

// String returns the source text.
func (t *Template) String() string {
	if t == nil {
		return ""
	}
	return t.raw
}
