// Package topology holds a node's view of the mesh: an undirected graph of
// logical names with per-node attributes, and the queries the routing
// protocol needs from it.
//
// All mutation and read-modify-write sequences are serialized through a
// single mutex. Query results and snapshots are copies, safe to consume
// after the lock is released. Cross-node relationships are by name only.
package topology

import (
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"
)

// NodeInfo is the attribute record of one known node.
type NodeInfo struct {
	Name string

	// Addrs are the link addresses observed as origin for this name.
	Addrs []string

	// LocalMPR: this node is one of our chosen multipoint relays.
	LocalMPR bool

	// MPRSS: this node has chosen us as one of its relays, so we forward
	// on its behalf.
	MPRSS bool

	// MPR: this node is somebody's relay, learned from a TC. Diagnostic.
	MPR bool

	// Isolated: this node has been quarantined by the intrusion
	// prevention subsystem.
	Isolated bool
}

func (n *NodeInfo) clone() NodeInfo {
	c := *n
	c.Addrs = append([]string(nil), n.Addrs...)
	return c
}

// Option merges one attribute into a node record during Upsert.
type Option func(*NodeInfo)

// WithAddr adds a link address to the node's address set.
func WithAddr(addr string) Option {
	return func(n *NodeInfo) {
		if addr == "" {
			return
		}
		for _, a := range n.Addrs {
			if a == addr {
				return
			}
		}
		n.Addrs = append(n.Addrs, addr)
		sort.Strings(n.Addrs)
	}
}

// WithLocalMPR sets the local_mpr mark.
func WithLocalMPR(v bool) Option { return func(n *NodeInfo) { n.LocalMPR = v } }

// WithMPRSS sets the mpr-selector-of-self mark.
func WithMPRSS(v bool) Option { return func(n *NodeInfo) { n.MPRSS = v } }

// WithMPR sets the somebody's-relay mark.
func WithMPR(v bool) Option { return func(n *NodeInfo) { n.MPR = v } }

// WithIsolated sets the quarantine mark.
func WithIsolated(v bool) Option { return func(n *NodeInfo) { n.Isolated = v } }

// Edge is an undirected edge of a Snapshot, endpoints in sorted order.
type Edge struct {
	U, V string
}

// Snapshot is an immutable copy of the graph for visualization and
// diagnostics.
type Snapshot struct {
	Self  string
	Nodes []NodeInfo
	Edges []Edge
}

// DB is the topology database.
type DB struct {
	mu sync.Mutex

	self string

	g      *simple.UndirectedGraph
	ids    map[string]int64
	names  map[int64]string
	info   map[string]*NodeInfo
	nextID int64
}

// New creates a database seeded with the local node and its addresses.
func New(self string, addrs []string) *DB {
	db := &DB{
		self:  self,
		g:     simple.NewUndirectedGraph(),
		ids:   make(map[string]int64),
		names: make(map[int64]string),
		info:  make(map[string]*NodeInfo),
	}
	opts := make([]Option, 0, len(addrs))
	for _, a := range addrs {
		opts = append(opts, WithAddr(a))
	}
	db.mu.Lock()
	db.upsert(self, opts...)
	db.mu.Unlock()
	return db
}

// Self returns the local node name.
func (db *DB) Self() string { return db.self }

func (db *DB) upsert(name string, opts ...Option) *NodeInfo {
	n, ok := db.info[name]
	if !ok {
		id := db.nextID
		db.nextID++
		db.ids[name] = id
		db.names[id] = name
		db.g.AddNode(simple.Node(id))
		n = &NodeInfo{Name: name}
		db.info[name] = n
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Upsert creates the node if missing and merges the given attributes.
func (db *DB) Upsert(name string, opts ...Option) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.upsert(name, opts...)
}

func (db *DB) addEdge(u, v string) {
	if u == v {
		return
	}
	db.upsert(u)
	db.upsert(v)
	ui, vi := db.ids[u], db.ids[v]
	if db.g.HasEdgeBetween(ui, vi) {
		return
	}
	db.g.SetEdge(simple.Edge{F: simple.Node(ui), T: simple.Node(vi)})
}

// AddEdge records an undirected edge, creating endpoints as needed.
// Idempotent; self-edges are ignored.
func (db *DB) AddEdge(u, v string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.addEdge(u, v)
}

// RemoveNode removes a node and its incident edges. Removing an unknown
// node, or the local node, is a no-op: the graph is a soft cache.
func (db *DB) RemoveNode(name string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if name == db.self {
		return
	}
	id, ok := db.ids[name]
	if !ok {
		return
	}
	db.g.RemoveNode(id)
	delete(db.ids, name)
	delete(db.names, id)
	delete(db.info, name)
}

// Has reports whether the node is known.
func (db *DB) Has(name string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.info[name]
	return ok
}

// Info returns a copy of the node's attribute record.
func (db *DB) Info(name string) (NodeInfo, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	n, ok := db.info[name]
	if !ok {
		return NodeInfo{}, false
	}
	return n.clone(), true
}

func (db *DB) neighbors(name string) []string {
	id, ok := db.ids[name]
	if !ok {
		return nil
	}
	var out []string
	it := db.g.From(id)
	for it.Next() {
		out = append(out, db.names[it.Node().ID()])
	}
	sort.Strings(out)
	return out
}

// Neighbors returns the direct neighbors of a node, sorted by name.
func (db *DB) Neighbors(name string) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.neighbors(name)
}

func (db *DB) neighborsAt(name string, dist int) []string {
	id, ok := db.ids[name]
	if !ok || dist < 0 {
		return nil
	}
	if dist == 0 {
		return []string{name}
	}
	var out []string
	bfs := traverse.BreadthFirst{}
	bfs.Walk(db.g, simple.Node(id), func(n graph.Node, d int) bool {
		if d == dist {
			out = append(out, db.names[n.ID()])
		}
		return d > dist
	})
	sort.Strings(out)
	return out
}

// NeighborsAt returns the nodes at exactly the given hop distance.
func (db *DB) NeighborsAt(name string, dist int) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.neighborsAt(name, dist)
}

func (db *DB) shortestPath(src, dst string) []string {
	si, ok := db.ids[src]
	if !ok {
		return nil
	}
	di, ok := db.ids[dst]
	if !ok {
		return nil
	}
	if src == dst {
		return []string{src}
	}
	// Uniform edge cost makes Dijkstra a BFS shortest path.
	nodes, weight := path.DijkstraFrom(simple.Node(si), db.g).To(di)
	if math.IsInf(weight, 1) || len(nodes) == 0 {
		return nil
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, db.names[n.ID()])
	}
	return out
}

// ShortestPath returns a hop-minimal path from src to dst inclusive, or nil
// if either is unknown or unreachable.
func (db *DB) ShortestPath(src, dst string) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.shortestPath(src, dst)
}

// OnShortestPath reports whether via lies on some hop-minimal path from
// src to dst: d(src,via) + d(via,dst) = d(src,dst).
func (db *DB) OnShortestPath(src, via, dst string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	total := db.shortestPath(src, dst)
	if total == nil {
		return false
	}
	head := db.shortestPath(src, via)
	tail := db.shortestPath(via, dst)
	if head == nil || tail == nil {
		return false
	}
	return len(head)-1+len(tail)-1 == len(total)-1
}

// Reachable reports whether name can be reached from the local node.
func (db *DB) Reachable(name string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.shortestPath(db.self, name)) > 0
}

func (db *DB) byAttr(pred func(NodeInfo) bool) []string {
	var out []string
	for name, n := range db.info {
		if pred(*n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ByAttr returns the names whose records satisfy pred, sorted.
func (db *DB) ByAttr(pred func(NodeInfo) bool) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.byAttr(pred)
}

// LocalMPRs returns our chosen relay set.
func (db *DB) LocalMPRs() []string {
	return db.ByAttr(func(n NodeInfo) bool { return n.LocalMPR })
}

// MPRSelectors returns the nodes that chose us as their relay.
func (db *DB) MPRSelectors() []string {
	return db.ByAttr(func(n NodeInfo) bool { return n.MPRSS })
}

// IsMPR reports whether any node has chosen us as its relay.
func (db *DB) IsMPR() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, n := range db.info {
		if n.MPRSS {
			return true
		}
	}
	return false
}

// NeighborTable returns the records of our direct neighbors, sorted by name.
func (db *DB) NeighborTable() []NodeInfo {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []NodeInfo
	for _, name := range db.neighbors(db.self) {
		out = append(out, db.info[name].clone())
	}
	return out
}

// Snapshot copies the whole graph under the lock.
func (db *DB) Snapshot() Snapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := Snapshot{Self: db.self}
	for _, name := range db.byAttr(func(NodeInfo) bool { return true }) {
		s.Nodes = append(s.Nodes, db.info[name].clone())
	}
	it := db.g.Edges()
	for it.Next() {
		e := it.Edge()
		u, v := db.names[e.From().ID()], db.names[e.To().ID()]
		if u > v {
			u, v = v, u
		}
		s.Edges = append(s.Edges, Edge{U: u, V: v})
	}
	sort.Slice(s.Edges, func(i, j int) bool {
		if s.Edges[i].U != s.Edges[j].U {
			return s.Edges[i].U < s.Edges[j].U
		}
		return s.Edges[i].V < s.Edges[j].V
	})
	return s
}
