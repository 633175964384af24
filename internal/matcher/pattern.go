// Package matcher turns endpoint URL patterns into path predicates, ranks
// competing matches and extracts named path parameters.
//
// Pattern syntax:
//
//	{name}   one non-empty path segment bound to name
//	:name    same, when it starts a segment
//	*        the rest of the path, including further slashes
//
// Everything else is literal text placed into a regular expression. Only "."
// and "?" are escaped, so other metacharacters keep their regex meaning unless
// the matcher is built with strict escaping.
package matcher

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/maypok86/otter"
	"go.uber.org/zap"
)

const segmentExpr = `([^/]+)`

// Compiled is a pattern translated into an anchored regular expression.
type Compiled struct {
	Pattern string
	Params  []string
	Expr    string
	re      *regexp.Regexp
	err     error
}

// Err returns the compilation error, if the pattern produced an invalid expression.
func (c *Compiled) Err() error {
	return c.err
}

// Matcher compiles patterns on demand and caches the result per pattern string.
type Matcher struct {
	strict bool
	log    *zap.Logger
	cache  otter.Cache[string, *Compiled]
}

type Option func(*Matcher)

// WithStrictEscaping quotes every regex metacharacter in literal pattern text.
func WithStrictEscaping(strict bool) Option {
	return func(m *Matcher) {
		m.strict = strict
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Matcher) {
		if log != nil {
			m.log = log
		}
	}
}

// New returns a Matcher caching up to cacheSize compiled patterns.
func New(cacheSize int, opts ...Option) *Matcher {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := otter.MustBuilder[string, *Compiled](cacheSize).
		Cost(func(_ string, _ *Compiled) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("matcher: failed to create pattern cache: " + err.Error())
	}

	m := &Matcher{log: zap.NewNop(), cache: cache}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Compile returns the cached translation of pattern.
func (m *Matcher) Compile(pattern string) *Compiled {
	if c, ok := m.cache.Get(pattern); ok {
		return c
	}
	c := Translate(pattern, m.strict)
	if c.err != nil {
		m.log.Warn("endpoint pattern does not compile",
			zap.String("pattern", pattern),
			zap.String("expr", c.Expr),
			zap.Error(c.err),
		)
	}
	m.cache.Set(pattern, c)
	return c
}

// Matches reports whether path satisfies pattern. An exact string match
// always succeeds; a pattern that fails to compile matches nothing else.
func (m *Matcher) Matches(pattern, path string) bool {
	if pattern == path {
		return true
	}
	c := m.Compile(pattern)
	if c.err != nil {
		return false
	}
	return c.re.MatchString(path)
}

// ExtractParams maps the pattern's named placeholders to the values found in
// path. It returns an empty map when the pattern has no placeholders, does not
// compile, or does not match.
func (m *Matcher) ExtractParams(pattern, path string) map[string]string {
	params := make(map[string]string)
	c := m.Compile(pattern)
	if c.err != nil || len(c.Params) == 0 {
		return params
	}
	match := c.re.FindStringSubmatch(path)
	if match == nil {
		return params
	}
	for i, name := range c.re.SubexpNames() {
		if !strings.HasPrefix(name, "p") || i >= len(match) {
			continue
		}
		idx, err := strconv.Atoi(name[1:])
		if err != nil || idx >= len(c.Params) {
			continue
		}
		params[c.Params[idx]] = match[i]
	}
	return params
}

// Translate converts pattern into an anchored expression. Placeholders become
// named groups p0..pN in declaration order so that groups introduced by
// unescaped literal parentheses never shift parameter positions.
func Translate(pattern string, strict bool) *Compiled {
	var (
		b      strings.Builder
		params []string
	)
	b.WriteString("^")

	addParam := func(name string) {
		b.WriteString("(?P<p")
		b.WriteString(strconv.Itoa(len(params)))
		b.WriteString(">")
		b.WriteString(segmentExpr[1:])
		params = append(params, name)
	}

	for i := 0; i < len(pattern); {
		ch := pattern[i]
		switch {
		case ch == '{':
			end := strings.IndexByte(pattern[i+1:], '}')
			if end > 0 && !strings.ContainsRune(pattern[i+1:i+1+end], '/') {
				addParam(pattern[i+1 : i+1+end])
				i += end + 2
				continue
			}
			writeLiteral(&b, ch, strict)
		case ch == ':' && (i == 0 || pattern[i-1] == '/'):
			j := i + 1
			for j < len(pattern) && isNameChar(pattern[j]) {
				j++
			}
			if j > i+1 {
				addParam(pattern[i+1 : j])
				i = j
				continue
			}
			writeLiteral(&b, ch, strict)
		case ch == '*':
			b.WriteString(".*")
		default:
			writeLiteral(&b, ch, strict)
		}
		i++
	}
	b.WriteString("$")

	c := &Compiled{Pattern: pattern, Params: params, Expr: b.String()}
	c.re, c.err = regexp.Compile(c.Expr)
	return c
}

// regexMeta lists the ASCII metacharacters escaped in strict mode. Bytes of
// multi-byte runes never collide with it and are copied through unchanged.
const regexMeta = `\+*()|[]{}^$`

func writeLiteral(b *strings.Builder, ch byte, strict bool) {
	switch {
	case ch == '.' || ch == '?':
		b.WriteByte('\\')
		b.WriteByte(ch)
	case strict && strings.IndexByte(regexMeta, ch) >= 0:
		b.WriteByte('\\')
		b.WriteByte(ch)
	default:
		b.WriteByte(ch)
	}
}

func isNameChar(ch byte) bool {
	return ch == '_' ||
		(ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9')
}
