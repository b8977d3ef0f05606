package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidPath = errors.New("token: invalid path")

// Step is one segment of a Path: a named field or a positional index.
type Step struct {
	name    string
	index   int
	isIndex bool
}

func Field(name string) Step { return Step{name: name} }

func Index(i int) Step { return Step{index: i, isIndex: true} }

// IsIndex reports whether s addresses an array position.
func (s Step) IsIndex() bool { return s.isIndex }

// Key is the map key s addresses. Index steps address "0", "1", ... when the
// container turns out to be a map.
func (s Step) Key() string {
	if s.isIndex {
		return strconv.Itoa(s.index)
	}
	return s.name
}

// Position is the array index s addresses; field steps holding a decimal
// name are accepted as positions too.
func (s Step) Position() (int, bool) {
	if s.isIndex {
		return s.index, true
	}
	i, err := strconv.Atoi(s.name)
	if err != nil {
		return 0, false
	}
	return i, true
}

func (s Step) String() string {
	if s.isIndex {
		return fmt.Sprintf("[%d]", s.index)
	}
	return "." + s.name
}

// Path is a root-relative location inside a value. The empty path is the root.
type Path []Step

func (p Path) String() string {
	if len(p) == 0 {
		return "$"
	}
	var b strings.Builder
	b.WriteString("$")
	for _, s := range p {
		b.WriteString(s.String())
	}
	return b.String()
}

// P builds a Path from strings (fields) and ints (indexes). It panics on any
// other step type, so it is meant for literal paths in code.
func P(steps ...any) Path {
	out := make(Path, 0, len(steps))
	for _, s := range steps {
		switch v := s.(type) {
		case string:
			out = append(out, Field(v))
		case int:
			out = append(out, Index(v))
		case Step:
			out = append(out, v)
		default:
			panic(fmt.Sprintf("token: unsupported path step %T", s))
		}
	}
	return out
}

// ParsePath reads the dotted form "a.b[0].c" (a leading "$" is allowed).
func ParsePath(raw string) (Path, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "$")
	out := Path{}
	for i := 0; i < len(raw); {
		switch raw[i] {
		case '.':
			i++
			j := i
			for j < len(raw) && raw[j] != '.' && raw[j] != '[' {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("%w: empty field at offset %d in %q", ErrInvalidPath, i, raw)
			}
			out = append(out, Field(raw[i:j]))
			i = j
		case '[':
			end := strings.IndexByte(raw[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated index in %q", ErrInvalidPath, raw)
			}
			n, err := strconv.Atoi(raw[i+1 : i+end])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad index %q", ErrInvalidPath, raw[i+1:i+end])
			}
			out = append(out, Index(n))
			i += end + 1
		default:
			if i != 0 {
				return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrInvalidPath, raw[i], i)
			}
			raw = "." + raw
		}
	}
	return out, nil
}

// MustParsePath is ParsePath for literal paths.
func MustParsePath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}
