package olsr

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/lisp3r/SimpleMeshModel/config"
	"github.com/lisp3r/SimpleMeshModel/ips"
	"github.com/lisp3r/SimpleMeshModel/metrics"
	"github.com/lisp3r/SimpleMeshModel/topology"
)

// bus wires engines together as an in-memory radio: a broadcast by one
// node is handed to every node it has a link with, tagged with the
// sender's address.
type bus struct {
	nodes map[string]*busNode
	links map[[2]string]bool
}

type busNode struct {
	addr   string
	engine *Engine
	tr     *busTransport
}

type busTransport struct {
	fakeTransport
	bus  *bus
	name string
}

func (t *busTransport) SendBroadcast(payload []byte) error {
	if err := t.fakeTransport.SendBroadcast(payload); err != nil {
		return err
	}
	t.bus.deliver(t.name, payload)
	return nil
}

func newBus() *bus {
	return &bus{nodes: make(map[string]*busNode), links: make(map[[2]string]bool)}
}

func (b *bus) addNode(name string, side config.Side) *Engine {
	addr := fmt.Sprintf("10.0.0.%d", len(b.nodes)+1)
	cfg := config.Default()
	cfg.Name = name
	cfg.Side = side
	log := testLogger()
	tr := &busTransport{bus: b, name: name}
	tr.local = map[string]bool{addr: true}
	e := New(log, cfg, topology.New(name, []string{addr}), ips.New(log), tr, metrics.New(name), nil)
	b.nodes[name] = &busNode{addr: addr, engine: e, tr: tr}
	return e
}

func (b *bus) link(u, v string) {
	if u > v {
		u, v = v, u
	}
	b.links[[2]string{u, v}] = true
}

func (b *bus) linked(u, v string) bool {
	if u > v {
		u, v = v, u
	}
	return b.links[[2]string{u, v}]
}

func (b *bus) deliver(from string, payload []byte) {
	src := b.nodes[from].addr
	for name, n := range b.nodes {
		if name == from || !b.linked(from, name) {
			continue
		}
		n.engine.HandleDatagram(payload, src)
	}
}

// converge exchanges HELLO beats for the given number of rounds.
func (b *bus) converge(rounds int, order ...string) {
	for i := 0; i < rounds; i++ {
		for _, name := range order {
			if err := b.nodes[name].engine.SendHello(); err != nil {
				panic(err)
			}
		}
	}
}

// TestMesh_lineDelivery: three-node line a-b-c. After convergence a sees c
// at two hops through its relay b; an application message reaches c with
// the realized path recorded, and a credits b for the overheard forward.
func TestMesh_lineDelivery(t *testing.T) {
	b := newBus()
	a := b.addNode("a", config.SideGood)
	mid := b.addNode("b", config.SideGood)
	c := b.addNode("c", config.SideGood)
	b.link("a", "b")
	b.link("b", "c")

	b.converge(3, "a", "b", "c")

	if got := a.db.NeighborsAt("a", 1); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("N1(a) = %v, want [b]", got)
	}
	if got := a.db.NeighborsAt("a", 2); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("N2(a) = %v, want [c]", got)
	}
	if got := a.db.LocalMPRs(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("MPR(a) = %v, want [b]", got)
	}
	if !mid.db.IsMPR() {
		t.Fatal("b does not know it is a relay")
	}

	var delivered []string
	c.OnDeliver = func(sender, payload string, path []string) {
		if sender == "a" && payload == "hi" {
			delivered = path
		}
	}
	if err := a.SendCustom("hi", "c"); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(delivered, []string{"a", "b", "c"}) {
		t.Fatalf("delivered path = %v, want [a b c]", delivered)
	}
	if got := a.ips.Rating("b"); got != 1 {
		t.Errorf("Rating(b)@a = %d, want 1 after overheard forward", got)
	}
	if got := a.ips.PendingCount(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

// TestMesh_star: the hub of a star has no two-hop nodes and so selects no
// relays; every leaf reaches the others only through the hub and selects
// it.
func TestMesh_star(t *testing.T) {
	b := newBus()
	center := b.addNode("a", config.SideGood)
	leaves := []string{"b", "c", "d", "e"}
	for _, leaf := range leaves {
		b.addNode(leaf, config.SideGood)
		b.link("a", leaf)
	}
	b.converge(3, "a", "b", "c", "d", "e")

	if got := center.db.LocalMPRs(); len(got) != 0 {
		t.Errorf("MPR(center) = %v, want none", got)
	}
	for _, leaf := range leaves {
		if got := b.nodes[leaf].engine.db.LocalMPRs(); !reflect.DeepEqual(got, []string{"a"}) {
			t.Errorf("MPR(%s) = %v, want [a]", leaf, got)
		}
	}
	if !center.db.IsMPR() {
		t.Error("hub not selected by its leaves")
	}
}

// TestMesh_diamond: a-b-d and a-c-d; the tie breaks deterministically to b
// and traffic flows through exactly the chosen relay.
func TestMesh_diamond(t *testing.T) {
	b := newBus()
	a := b.addNode("a", config.SideGood)
	b.addNode("b", config.SideGood)
	b.addNode("c", config.SideGood)
	d := b.addNode("d", config.SideGood)
	b.link("a", "b")
	b.link("a", "c")
	b.link("b", "d")
	b.link("c", "d")

	b.converge(3, "a", "b", "c", "d")

	if got := a.db.LocalMPRs(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("MPR(a) = %v, want [b]", got)
	}

	var delivered []string
	d.OnDeliver = func(_, _ string, path []string) { delivered = path }
	if err := a.SendCustom("ping", "d"); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(delivered, []string{"a", "b", "d"}) {
		t.Fatalf("path = %v, want [a b d]", delivered)
	}
}

// TestMesh_ringTCSuppression: on a ring, a TC floods through the relays,
// stops instead of looping, and no name ever repeats in a route.
func TestMesh_ringTCSuppression(t *testing.T) {
	b := newBus()
	names := []string{"a", "b", "c", "d"}
	for _, n := range names {
		b.addNode(n, config.SideGood)
	}
	for i := range names {
		b.link(names[i], names[(i+1)%len(names)])
	}
	b.converge(4, names...)

	if err := b.nodes["a"].engine.SendTC(); err != nil {
		t.Fatal(err)
	}

	flooded := 0
	for _, n := range names {
		for _, m := range b.nodes[n].tr.sent {
			if m.TC == nil {
				continue
			}
			flooded++
			seen := make(map[string]bool)
			for _, hop := range m.TC.Route {
				if seen[hop] {
					t.Fatalf("route %v repeats %s", m.TC.Route, hop)
				}
				seen[hop] = true
			}
		}
	}
	if flooded < 2 {
		t.Errorf("TC was not flooded beyond the originator (%d TC broadcasts)", flooded)
	}
}

// TestMesh_evilRelayIsolated: the S4 arc. b silently drops traffic it
// should relay toward d; repeated unproven forwards drive its rating down
// at a until it is quarantined and evicted, the eviction is announced in
// a HELLO, and the honest bystander c in range of a follows suit.
func TestMesh_evilRelayIsolated(t *testing.T) {
	b := newBus()
	a := b.addNode("a", config.SideGood)
	evil := b.addNode("b", config.SideEvil)
	b.addNode("d", config.SideGood)
	c := b.addNode("c", config.SideGood)
	b.link("a", "b")
	b.link("b", "d")
	b.link("a", "c")

	b.converge(3, "a", "b", "d", "c")

	if got := a.ips.Rating("b"); got != 0 {
		t.Fatalf("Rating(b)@a = %d before probes, want 0", got)
	}
	for i := 0; i < 10 && !a.ips.IsIsolated("b"); i++ {
		if err := a.SendCustom("probe", "d"); err != nil {
			t.Fatal(err)
		}
		a.IPSTick()
		a.IPSTick()
	}
	if !a.ips.IsIsolated("b") {
		t.Fatalf("evil relay never isolated, rating %d", a.ips.Rating("b"))
	}
	if a.db.Has("b") {
		t.Error("isolated relay still in a's graph")
	}

	// The eviction tick announced the quarantine; the bystander heard the
	// HELLO and followed.
	if c.db.Has("b") {
		t.Error("honest bystander kept the quarantined relay")
	}
	if !c.ips.IsIsolated("b") {
		t.Error("honest bystander did not adopt the quarantine")
	}

	// Traffic from the quarantined node is ignored at a.
	if err := evil.SendHello(); err != nil {
		t.Fatal(err)
	}
	if a.db.Has("b") {
		t.Error("quarantined node re-entered a's graph")
	}
}

// TestMesh_framingDefense: the S5 arc. The evil node advertises a as
// isolated; a quarantines the claimant and keeps itself intact.
func TestMesh_framingDefense(t *testing.T) {
	b := newBus()
	a := b.addNode("a", config.SideGood)
	evil := b.addNode("b", config.SideEvil)
	b.link("a", "b")

	b.converge(2, "a", "b")

	// Forge the accusation by marking a as isolated in b's graph, then
	// let b beat.
	evil.db.Upsert("a", topology.WithIsolated(true))
	if err := evil.SendHello(); err != nil {
		t.Fatal(err)
	}

	if !a.ips.IsIsolated("b") {
		t.Error("claimant not quarantined")
	}
	if !a.db.Has("a") {
		t.Error("node removed itself on a false accusation")
	}
}
