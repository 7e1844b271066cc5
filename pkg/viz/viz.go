// Package viz renders a flow's graph as an SVG, a debugging aid for
// inspecting what a session actually produced.
package viz

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/sparkflow/sparkflow/pkg/flow"
)

// RenderSVG draws the nodes and edges of a graph. Edges referencing unknown
// nodes are still drawn: the session layer never enforces referential
// integrity, and a dangling edge is exactly the kind of thing worth seeing.
func RenderSVG(g *flow.Graph) ([]byte, error) {
	gv := graphviz.New()
	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("failed to setup graph: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	ensureNode := func(id string) (*cgraph.Node, error) {
		if n, ok := nodeMap[id]; ok {
			return n, nil
		}
		n, err := graph.CreateNode(id)
		if err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		nodeMap[id] = n
		return n, nil
	}

	for _, node := range g.Nodes {
		id := node.ID()
		if id == "" {
			continue
		}
		n, err := ensureNode(id)
		if err != nil {
			return nil, err
		}
		n.SetLabel(nodeLabel(node))
	}

	for i, edge := range g.Edges {
		source, _ := edge.StringField("source")
		target, _ := edge.StringField("target")
		if source == "" || target == "" {
			continue
		}
		from, err := ensureNode(source)
		if err != nil {
			return nil, err
		}
		to, err := ensureNode(target)
		if err != nil {
			return nil, err
		}
		name := edge.ID()
		if name == "" {
			name = fmt.Sprintf("e%d", i)
		}
		if _, err := graph.CreateEdge(name, from, to); err != nil {
			return nil, fmt.Errorf("failed to create edge: %w", err)
		}
	}

	var buff bytes.Buffer
	if err := gv.Render(graph, graphviz.SVG, &buff); err != nil {
		return nil, fmt.Errorf("failed to render: %w", err)
	}
	return buff.Bytes(), nil
}

// nodeLabel prefers the client's data.label / data.content over the raw id.
func nodeLabel(node flow.Doc) string {
	id := node.ID()
	raw, ok := node.Get("data")
	if !ok {
		return id
	}
	var data flow.Doc
	if err := data.UnmarshalJSON(raw); err != nil {
		return id
	}
	if label, ok := data.StringField("label"); ok && label != "" {
		return fmt.Sprintf("%s\n%s", id, label)
	}
	if content, ok := data.StringField("content"); ok && content != "" {
		return fmt.Sprintf("%s\n%s", id, content)
	}
	return id
}
