package media

import (
	"fmt"
	"strings"
)

// The overlay filter graph is the external-tool contract, but it is built
// from this small AST instead of newline-joined string fragments, so the
// audio-present and audio-absent branches stay one conditional apart.

// Step is a single filter with pre-rendered arguments.
type Step struct {
	Name string
	Args string
}

func (s Step) render() string {
	if s.Args == "" {
		return s.Name
	}
	return s.Name + "=" + s.Args
}

// Chain is a linear filter chain: labeled inputs, filters applied in
// order, labeled outputs. A chain with no inputs starts from a source
// filter (color, aevalsrc).
type Chain struct {
	Inputs  []string
	Steps   []Step
	Outputs []string
}

func (c Chain) render() string {
	var b strings.Builder
	for _, in := range c.Inputs {
		fmt.Fprintf(&b, "[%s]", in)
	}
	steps := make([]string, len(c.Steps))
	for i, s := range c.Steps {
		steps[i] = s.render()
	}
	b.WriteString(strings.Join(steps, ","))
	for _, out := range c.Outputs {
		fmt.Fprintf(&b, "[%s]", out)
	}
	return b.String()
}

// Graph is an ordered set of chains rendered to one filter_complex string.
type Graph struct {
	chains []Chain
}

// Add appends a chain to the graph.
func (g *Graph) Add(c Chain) {
	g.chains = append(g.chains, c)
}

// String renders the graph in the media tool's filter_complex syntax.
func (g *Graph) String() string {
	parts := make([]string, len(g.chains))
	for i, c := range g.chains {
		parts[i] = c.render()
	}
	return strings.Join(parts, ";")
}
