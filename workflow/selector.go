package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// Selector narrows a run down to some jobs and matrix cells, so that a single
// failing cell can be reproduced in isolation. It is parsed from the
// command-line form
//
//	job=test, os=linux, toolchain=[stable; beta], matrix.arch="arm64"
//
// Axis constraints only apply to jobs that declare the axis.
type Selector struct {
	Jobs []string
	Axes map[string][]string
}

var (
	ErrInvalidSelector = errors.New("invalid selector")
	ErrUnknownJob      = errors.New("selector names an unknown job")
	ErrUnknownAxis     = errors.New("selector names an unknown axis")
)

func (s *Selector) IsEmpty() bool {
	return s == nil || (len(s.Jobs) == 0 && len(s.Axes) == 0)
}

func (s *Selector) Match(job string, b Binding) bool {
	if s.IsEmpty() {
		return true
	}

	if len(s.Jobs) > 0 && !slices.Contains(s.Jobs, job) {
		return false
	}

	for axis, values := range s.Axes {
		v, ok := b.Get(axis)
		if !ok {
			continue
		}
		if !slices.Contains(values, v) {
			return false
		}
	}

	return true
}

// Validate checks the selector against a compiled pipeline.
func (s *Selector) Validate(p *Pipeline) error {
	if s.IsEmpty() {
		return nil
	}

	var d Diagnostics
	for _, j := range s.Jobs {
		if p.Job(j) == nil {
			d.AddError("selector.job", fmt.Errorf("%w: %q", ErrUnknownJob, j))
		}
	}

	for axis := range s.Axes {
		declared := false
		for _, j := range p.Jobs {
			for _, a := range j.Axes {
				if a.Name == axis {
					declared = true
				}
			}
		}
		if !declared {
			d.AddError("selector."+axis, fmt.Errorf("%w: %q", ErrUnknownAxis, axis))
		}
	}

	if d.IsErr() {
		return &ConfigurationError{Diagnostics: d}
	}
	return nil
}

// FormatSelector renders the selector picking exactly one cell of job. It
// is the inverse of ParseSelector: values that the bare form cannot carry
// are quoted.
func FormatSelector(job string, b Binding) string {
	parts := make([]string, 0, len(b)+1)
	parts = append(parts, "job="+formatValue(job))
	for _, av := range b {
		parts = append(parts, formatAxis(av.Axis)+"="+formatValue(av.Value))
	}
	return strings.Join(parts, ", ")
}

// formatAxis prefixes axis names that would otherwise read as a job key, or
// that the bare key form cannot spell.
func formatAxis(axis string) string {
	bare := axis != ""
	for _, r := range axis {
		if !isKeyRune(r) {
			bare = false
		}
	}

	switch {
	case !bare:
		return quote("matrix." + axis)
	case axis == "job" || axis == "jobs" || strings.Contains(axis, "."):
		return "matrix." + axis
	}
	return axis
}

func formatValue(v string) string {
	if v != "" && v == strings.TrimSpace(v) && !strings.ContainsAny(v, `=,;[]"\`) {
		return v
	}
	return quote(v)
}

func quote(v string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range v {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func ParseSelector(input string) (*Selector, error) {
	s := &Selector{Axes: make(map[string][]string)}
	p := selectorParser{in: []rune(strings.TrimSpace(input))}

	for !p.done() {
		key, err := p.key()
		if err != nil {
			return nil, err
		}
		if err := p.expect('='); err != nil {
			return nil, err
		}
		values, err := p.value()
		if err != nil {
			return nil, err
		}

		switch {
		case key == "job" || key == "jobs":
			s.Jobs = append(s.Jobs, values...)
		case strings.HasPrefix(key, "matrix."):
			axis := strings.TrimPrefix(key, "matrix.")
			s.Axes[axis] = append(s.Axes[axis], values...)
		case strings.Contains(key, "."):
			return nil, fmt.Errorf("%w: unsupported key %q", ErrInvalidSelector, key)
		default:
			s.Axes[key] = append(s.Axes[key], values...)
		}

		p.skipSpace()
		if p.done() {
			break
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		p.skipSpace()
	}

	return s, nil
}

type selectorParser struct {
	in  []rune
	pos int
}

func (p *selectorParser) done() bool {
	return p.pos >= len(p.in)
}

func (p *selectorParser) peek() rune {
	if p.done() {
		return 0
	}
	return p.in[p.pos]
}

func (p *selectorParser) skipSpace() {
	for !p.done() && unicode.IsSpace(p.peek()) {
		p.pos++
	}
}

func (p *selectorParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrInvalidSelector, p.pos, fmt.Sprintf(format, args...))
}

func (p *selectorParser) expect(r rune) error {
	if p.peek() != r {
		if p.done() {
			return p.errorf("expected %q, got end of input", r)
		}
		return p.errorf("expected %q, got %q", r, p.peek())
	}
	p.pos++
	return nil
}

func isKeyRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-'
}

func (p *selectorParser) key() (string, error) {
	if p.peek() == '"' {
		return p.quoted()
	}

	start := p.pos
	for !p.done() && isKeyRune(p.peek()) {
		p.pos++
	}
	if start == p.pos {
		return "", p.errorf("expected a key")
	}
	return string(p.in[start:p.pos]), nil
}

func (p *selectorParser) value() ([]string, error) {
	p.skipSpace()

	switch p.peek() {
	case '[':
		return p.array()
	case '"':
		v, err := p.quoted()
		if err != nil {
			return nil, err
		}
		return []string{v}, nil
	}

	start := p.pos
	for !p.done() && p.peek() != ',' {
		switch p.peek() {
		case '=', ';', '[', ']', '"':
			return nil, p.errorf("unexpected %q in value", p.peek())
		}
		p.pos++
	}
	v := strings.TrimSpace(string(p.in[start:p.pos]))
	if v == "" {
		return nil, p.errorf("empty value")
	}
	return []string{v}, nil
}

// quoted reads a "..." value verbatim. A backslash escapes the next rune.
func (p *selectorParser) quoted() (string, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for !p.done() && p.peek() != '"' {
		if p.peek() == '\\' {
			p.pos++
			if p.done() {
				break
			}
		}
		b.WriteRune(p.peek())
		p.pos++
	}
	if p.done() {
		return "", p.errorf("unterminated quoted value")
	}
	p.pos++ // closing quote
	return b.String(), nil
}

// array parses "[a; b; [c; d]]", flattening nested lists.
func (p *selectorParser) array() ([]string, error) {
	p.pos++ // [
	var values []string

	for {
		p.skipSpace()
		if p.done() {
			return nil, p.errorf("unterminated list")
		}

		switch p.peek() {
		case ']':
			p.pos++
			return values, nil
		case ';':
			p.pos++
			continue
		case '[':
			nested, err := p.array()
			if err != nil {
				return nil, err
			}
			values = append(values, nested...)
			continue
		}

		start := p.pos
		for !p.done() && p.peek() != ';' && p.peek() != ']' {
			p.pos++
		}
		if v := strings.TrimSpace(string(p.in[start:p.pos])); v != "" {
			values = append(values, v)
		}
	}
}
