package flow

import "encoding/json"

// Role is a user's permission level on a flow.
type Role string

const (
	RoleOwner Role = "owner"
	RoleWrite Role = "write"
	RoleRead  Role = "read"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// EditorOption holds a user's private editor state for a flow.
type EditorOption struct {
	Viewport Viewport `json:"viewport"`
}

// Flow is the durable shared graph document. Nodes and edges are kept as
// opaque ordered documents since their shapes are owned by the client.
type Flow struct {
	ID           string                  `json:"id"`
	Permission   map[string]Role         `json:"permission"`
	EditorOption map[string]EditorOption `json:"editor_option"`
	Nodes        []Doc                   `json:"nodes"`
	Edges        []Doc                   `json:"edges"`
}

// Snapshot is a flow as shared with co-editors: permission and editor-option
// maps are stripped, they are never broadcast.
type Snapshot struct {
	ID    string `json:"id"`
	Nodes []Doc  `json:"nodes"`
	Edges []Doc  `json:"edges"`
}

func (f *Flow) Snapshot() *Snapshot {
	return &Snapshot{ID: f.ID, Nodes: f.Nodes, Edges: f.Edges}
}

// User is the durable user record attached to session membership at join
// time.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	ProfileURL string `json:"profile_url"`
}

// Graph is a flow's mutable nodes/edges pair: the shape of the session
// working copy.
type Graph struct {
	Nodes []Doc `json:"nodes"`
	Edges []Doc `json:"edges"`
}

// UpsertNode applies a node-change document to the graph. An unseen id
// appends the whole submitted document; a seen id merges only the submitted
// data/position/measured sub-fields into the existing node, leaving every
// other field alone.
func (g *Graph) UpsertNode(update Doc) {
	id := update.ID()
	for i := range g.Nodes {
		if g.Nodes[i].ID() != id {
			continue
		}
		for _, field := range []string{"data", "position", "measured"} {
			if raw, ok := update.Get(field); ok {
				g.Nodes[i].Set(field, raw)
			}
		}
		return
	}
	g.Nodes = append(g.Nodes, update)
}

// UpsertEdge applies an edge-change document: unseen ids append, seen ids
// replace the stored edge wholesale. Unlike nodes there is no per-field
// merge, and no check that source/target reference existing nodes.
func (g *Graph) UpsertEdge(update Doc) {
	id := update.ID()
	for i := range g.Edges {
		if g.Edges[i].ID() == id {
			g.Edges[i] = update
			return
		}
	}
	g.Edges = append(g.Edges, update)
}

// FindNode returns the node with the given id, or false.
func (g *Graph) FindNode(id string) (Doc, bool) {
	for _, n := range g.Nodes {
		if n.ID() == id {
			return n, true
		}
	}
	return Doc{}, false
}

func (g *Graph) Encode() ([]byte, error) {
	return json.Marshal(g)
}

func DecodeGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
