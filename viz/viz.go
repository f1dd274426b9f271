// Package viz renders topology snapshots for diagnostics. It writes
// graphviz DOT files and, when the dot binary is installed, PNG images
// into the artifacts directory. It only consumes snapshots and never
// touches live protocol state.
package viz

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/emicklei/dot"
	"github.com/sirupsen/logrus"

	"github.com/lisp3r/SimpleMeshModel/topology"
)

// Node colors: quarantined nodes gray, our own relays red, TC-learned
// relays green, the rest blue.
const (
	colorLocalMPR = "red"
	colorMPR      = "green"
	colorDefault  = "lightblue"
	colorIsolated = "gray"
	colorRoute    = "red"
)

// Renderer writes snapshot images into the artifacts directory.
type Renderer struct {
	log    *logrus.Entry
	dir    string
	layout string
}

// New creates a renderer. layout selects the graphviz layout engine
// (the visualize_mode config value); empty means the default dot layout.
func New(log *logrus.Entry, dir, layout string) (*Renderer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("viz: artifacts dir: %w", err)
	}
	return &Renderer{log: log, dir: dir, layout: layout}, nil
}

func nodeColor(n topology.NodeInfo) string {
	switch {
	case n.Isolated:
		return colorIsolated
	case n.LocalMPR:
		return colorLocalMPR
	case n.MPR:
		return colorMPR
	}
	return colorDefault
}

func (r *Renderer) build(snap topology.Snapshot, route []string) *dot.Graph {
	g := dot.NewGraph(dot.Undirected)
	if r.layout != "" {
		g.Attr("layout", r.layout)
	}
	nodes := make(map[string]dot.Node, len(snap.Nodes))
	for _, n := range snap.Nodes {
		dn := g.Node(n.Name).
			Attr("style", "filled").
			Attr("fillcolor", nodeColor(n))
		if len(n.Addrs) > 0 {
			dn.Attr("tooltip", strings.Join(n.Addrs, ", "))
		}
		nodes[n.Name] = dn
	}
	onRoute := make(map[topology.Edge]bool)
	for i := 0; i+1 < len(route); i++ {
		u, v := route[i], route[i+1]
		if u > v {
			u, v = v, u
		}
		onRoute[topology.Edge{U: u, V: v}] = true
	}
	for _, e := range snap.Edges {
		edge := g.Edge(nodes[e.U], nodes[e.V])
		if onRoute[e] {
			edge.Attr("color", colorRoute).Attr("penwidth", "2")
		}
	}
	return g
}

// write renders the graph as <base>.dot and best-effort as <base>.png.
func (r *Renderer) write(g *dot.Graph, base string) error {
	dotPath := filepath.Join(r.dir, base+".dot")
	if err := os.WriteFile(dotPath, []byte(g.String()), 0o644); err != nil {
		return fmt.Errorf("viz: write %s: %w", dotPath, err)
	}
	pngPath := filepath.Join(r.dir, base+".png")
	cmd := exec.Command("dot", "-Tpng", "-o", pngPath, dotPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		r.log.WithError(err).WithField("output", strings.TrimSpace(string(out))).
			Debug("graphviz unavailable, keeping dot file only")
	}
	return nil
}

// Network renders the current topology as <self>.png.
func (r *Renderer) Network(snap topology.Snapshot) error {
	return r.write(r.build(snap, nil), snap.Self)
}

// NetworkCycle renders the topology with a cycle counter, <self>-<n>.png.
func (r *Renderer) NetworkCycle(snap topology.Snapshot, cycle int) error {
	return r.write(r.build(snap, nil), fmt.Sprintf("%s-%d", snap.Self, cycle))
}

// Route renders a realized message path as <src>-><dst>.png.
func (r *Renderer) Route(snap topology.Snapshot, route []string) error {
	if len(route) < 2 {
		return fmt.Errorf("viz: route needs at least two hops, got %v", route)
	}
	base := fmt.Sprintf("%s->%s", route[0], route[len(route)-1])
	return r.write(r.build(snap, route), base)
}
