// Package dag wraps gonum's directed graph with name-addressed nodes and
// Graphviz export for saga step graphs.
package dag

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

// Graph is a directed graph whose nodes carry a unique name. An edge from A
// to B records that B depends on A, so A must complete before B may start.
type Graph struct {
	*simple.DirectedGraph
	attrs  encoding.Attributes
	byName map[string]*Node
}

func New() *Graph {
	return &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		byName:        make(map[string]*Node),
	}
}

// Add creates a node for name. The name must be unique within the graph.
func (g *Graph) Add(name string) (*Node, error) {
	if _, ok := g.byName[name]; ok {
		return nil, fmt.Errorf("node %q already present", name)
	}
	n := &Node{Node: g.DirectedGraph.NewNode(), name: name}
	if err := n.SetAttribute(encoding.Attribute{Key: "label", Value: name}); err != nil {
		return nil, err
	}
	g.AddNode(n)
	g.byName[name] = n
	return n, nil
}

// Lookup returns the node registered under name.
func (g *Graph) Lookup(name string) (*Node, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// Connect adds a dependency edge: to depends on from.
func (g *Graph) Connect(from, to string) error {
	f, ok := g.byName[from]
	if !ok {
		return fmt.Errorf("node %q not present", from)
	}
	t, ok := g.byName[to]
	if !ok {
		return fmt.Errorf("node %q not present", to)
	}
	if f.ID() == t.ID() {
		return fmt.Errorf("node %q cannot depend on itself", from)
	}
	g.SetEdge(g.NewEdge(f, t))
	return nil
}

// Predecessors returns the names of the nodes name depends on, sorted.
func (g *Graph) Predecessors(name string) []string {
	n, ok := g.byName[name]
	if !ok {
		return nil
	}
	var deps []string
	it := g.To(n.ID())
	for it.Next() {
		deps = append(deps, it.Node().(*Node).Name())
	}
	sort.Strings(deps)
	return deps
}

// Roots returns the names of the nodes with no dependencies, sorted.
func (g *Graph) Roots() []string {
	var roots []string
	for name, n := range g.byName {
		if g.To(n.ID()).Len() == 0 {
			roots = append(roots, name)
		}
	}
	sort.Strings(roots)
	return roots
}

// Names returns every node name, sorted.
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.byName))
	for name := range g.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Graph) Attributers() (encoding.Attributer, encoding.Attributer, encoding.Attributer) {
	return &Graph{}, &Node{}, &edge{}
}

func (g *Graph) Attributes() []encoding.Attribute {
	return g.attrs.Attributes()
}

func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.attrs.SetAttribute(attr)
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot(name string) (string, error) {
	data, err := dot.Marshal(g, name, "", "")
	if err != nil {
		return "", fmt.Errorf("failed to export DAG to DOT format: %v", err)
	}
	return string(data), nil
}

type Node struct {
	graph.Node
	name  string
	attrs encoding.Attributes
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) DOTID() string {
	return n.name
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

func (g *Graph) NewEdge(from, to graph.Node) graph.Edge {
	return &edge{Edge: g.DirectedGraph.NewEdge(from, to)}
}

type edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}
