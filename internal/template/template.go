// Package template renders operator-authored message text per recipient.
//
// Syntax:
//
//	{Hi|Hello|Hey}   alternative group, one option picked at random per render
//	{name}           variable reference
//
// A group is an alternative group when it contains '|'. Options may hold
// plain variable references ("{Hi {name}|Hello {name}}") but never another
// alternative group. Alternatives are resolved first, then variables, so a
// chosen option's {variable} is substituted. Unknown variables render as "".
package template

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"smartsend/internal/contact"
)

// Rand is the random source used to pick alternatives.
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
}

// processRand uses the math/rand/v2 top-level source, which is seeded once per
// process and safe for concurrent use.
type processRand struct{}

func (processRand) IntN(n int) int { return rand.IntN(n) }

type Option func(*Engine)

// WithRand injects a random source (tests use a seeded *rand.Rand).
func WithRand(r Rand) Option {
	return func(e *Engine) {
		if r != nil {
			e.rnd = r
		}
	}
}

// WithClock injects the clock used for date/time defaults.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine renders templates. It is safe for concurrent use.
type Engine struct {
	mu  sync.Mutex // guards rnd (injected sources are not goroutine-safe)
	rnd Rand
	now func() time.Time
}

func New(opts ...Option) *Engine {
	e := &Engine{rnd: processRand{}, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Program is a parsed, immutable template.
// Rendering a Program re-randomizes every call; rendered text is never cached.
type Program struct {
	src   string
	nodes []node
}

func (p *Program) Source() string { return p.src }

// Compile parses src. Syntax problems are returned as *SyntaxError.
func (e *Engine) Compile(src string) (*Program, error) {
	nodes, issues := parse(src)
	if err := issues.Err(); err != nil {
		return nil, err
	}
	return &Program{src: src, nodes: nodes}, nil
}

// Render resolves alternatives and variables of src for one recipient.
// It only fails on syntax errors.
func (e *Engine) Render(src string, r contact.Recipient, vars map[string]string) (string, error) {
	p, err := e.Compile(src)
	if err != nil {
		return "", err
	}
	return e.Execute(p, r, vars), nil
}

// Execute renders a compiled program.
func (e *Engine) Execute(p *Program, r contact.Recipient, vars map[string]string) string {
	if p == nil {
		return ""
	}
	sc := newScope(r, vars, e.now())
	var b strings.Builder
	b.Grow(len(p.src))
	for _, n := range p.nodes {
		switch n.kind {
		case nodeText:
			b.WriteString(n.text)
		case nodeVar:
			b.WriteString(sc.lookup(n.text))
		case nodeAlt:
			for _, on := range n.options[e.pick(len(n.options))] {
				if on.kind == nodeVar {
					b.WriteString(sc.lookup(on.text))
				} else {
					b.WriteString(on.text)
				}
			}
		}
	}
	return b.String()
}

func (e *Engine) pick(n int) int {
	if n <= 1 {
		return 0
	}
	e.mu.Lock()
	i := e.rnd.IntN(n)
	e.mu.Unlock()
	if i < 0 || i >= n {
		return 0
	}
	return i
}

// Preview renders n samples of src for one recipient.
func (e *Engine) Preview(src string, r contact.Recipient, vars map[string]string, n int) ([]string, error) {
	p, err := e.Compile(src)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, e.Execute(p, r, vars))
	}
	return out, nil
}

// Variants returns how many distinct option combinations p can produce,
// saturating at max.
func (p *Program) Variants(max int) int {
	total := 1
	for _, n := range p.nodes {
		if n.kind != nodeAlt {
			continue
		}
		total *= len(n.options)
		if max > 0 && total >= max {
			return max
		}
	}
	return total
}

// Variables lists the variable names referenced by p, in order of first use.
func (p *Program) Variables() []string {
	var (
		out  []string
		seen = map[string]bool{}
	)
	add := func(name string) {
		k := strings.ToLower(name)
		if !seen[k] {
			seen[k] = true
			out = append(out, name)
		}
	}
	for _, n := range p.nodes {
		switch n.kind {
		case nodeVar:
			add(n.text)
		case nodeAlt:
			for _, opt := range n.options {
				for _, on := range opt {
					if on.kind == nodeVar {
						add(on.text)
					}
				}
			}
		}
	}
	return out
}
