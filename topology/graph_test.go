package topology

import (
	"reflect"
	"testing"
)

// line builds the graph a-b-c-... from consecutive pairs.
func line(db *DB, names ...string) {
	for i := 0; i+1 < len(names); i++ {
		db.AddEdge(names[i], names[i+1])
	}
}

func TestDB_UpsertMergesAttrs(t *testing.T) {
	db := New("a", []string{"10.0.0.1"})
	db.Upsert("b", WithAddr("10.0.0.2"))
	db.Upsert("b", WithAddr("10.0.1.2"), WithMPRSS(true))
	db.Upsert("b", WithAddr("10.0.0.2")) // duplicate addr

	got, ok := db.Info("b")
	if !ok {
		t.Fatal("Info(b) missing")
	}
	want := NodeInfo{Name: "b", Addrs: []string{"10.0.0.2", "10.0.1.2"}, MPRSS: true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Info(b) = %+v, want %+v", got, want)
	}
}

func TestDB_AddEdgeIdempotent(t *testing.T) {
	db := New("a", nil)
	db.AddEdge("a", "b")
	db.AddEdge("b", "a")
	db.AddEdge("a", "a") // self edge ignored

	if got := db.Neighbors("a"); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("Neighbors(a) = %v, want [b]", got)
	}
	snap := db.Snapshot()
	if len(snap.Edges) != 1 {
		t.Errorf("Snapshot().Edges = %v, want a single edge", snap.Edges)
	}
}

func TestDB_RemoveNode(t *testing.T) {
	db := New("a", nil)
	line(db, "a", "b", "c")
	db.RemoveNode("b")

	if db.Has("b") {
		t.Error("b still present after RemoveNode")
	}
	if got := db.Neighbors("a"); len(got) != 0 {
		t.Errorf("Neighbors(a) = %v, want none", got)
	}
	if db.Reachable("c") {
		t.Error("c still reachable after cut vertex removed")
	}

	// Soft-cache semantics: unknown and self removals are no-ops.
	db.RemoveNode("zzz")
	db.RemoveNode("a")
	if !db.Has("a") {
		t.Error("local node removed")
	}
}

func TestDB_NeighborsAt(t *testing.T) {
	db := New("a", nil)
	line(db, "a", "b", "c", "d")
	db.AddEdge("a", "e")
	db.AddEdge("e", "c") // second route to c

	tests := []struct {
		dist int
		want []string
	}{
		{dist: 0, want: []string{"a"}},
		{dist: 1, want: []string{"b", "e"}},
		{dist: 2, want: []string{"c"}},
		{dist: 3, want: []string{"d"}},
		{dist: 4, want: nil},
	}
	for _, tt := range tests {
		if got := db.NeighborsAt("a", tt.dist); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("NeighborsAt(a, %d) = %v, want %v", tt.dist, got, tt.want)
		}
	}
	if got := db.NeighborsAt("nope", 1); got != nil {
		t.Errorf("NeighborsAt(nope, 1) = %v, want nil", got)
	}
}

func TestDB_ShortestPath(t *testing.T) {
	db := New("a", nil)
	line(db, "a", "b", "c", "d")
	db.Upsert("island")

	tests := []struct {
		name     string
		src, dst string
		want     []string
	}{
		{name: "line", src: "a", dst: "d", want: []string{"a", "b", "c", "d"}},
		{name: "reverse", src: "d", dst: "a", want: []string{"d", "c", "b", "a"}},
		{name: "self", src: "a", dst: "a", want: []string{"a"}},
		{name: "unreachable", src: "a", dst: "island", want: nil},
		{name: "unknown dst", src: "a", dst: "zzz", want: nil},
		{name: "unknown src", src: "zzz", dst: "a", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := db.ShortestPath(tt.src, tt.dst); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ShortestPath(%s, %s) = %v, want %v", tt.src, tt.dst, got, tt.want)
			}
		})
	}
}

func TestDB_NeighborTable(t *testing.T) {
	db := New("a", nil)
	line(db, "a", "b", "c")
	db.AddEdge("a", "d")
	db.Upsert("b", WithAddr("10.0.0.2"), WithLocalMPR(true))
	db.Upsert("d", WithMPRSS(true))

	got := db.NeighborTable()
	want := []NodeInfo{
		{Name: "b", Addrs: []string{"10.0.0.2"}, LocalMPR: true},
		{Name: "d", MPRSS: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NeighborTable() = %+v, want %+v", got, want)
	}
}

func TestDB_DerivedSets(t *testing.T) {
	db := New("a", nil)
	line(db, "a", "b", "c")
	db.Upsert("b", WithLocalMPR(true))
	db.Upsert("c", WithMPRSS(true))

	if got := db.LocalMPRs(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("LocalMPRs() = %v, want [b]", got)
	}
	if got := db.MPRSelectors(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("MPRSelectors() = %v, want [c]", got)
	}
	if !db.IsMPR() {
		t.Error("IsMPR() = false with a non-empty selector set")
	}
	db.Upsert("c", WithMPRSS(false))
	if db.IsMPR() {
		t.Error("IsMPR() = true with an empty selector set")
	}
}

func TestDB_SnapshotIsACopy(t *testing.T) {
	db := New("a", nil)
	line(db, "a", "b")
	snap := db.Snapshot()
	snap.Nodes[0].Isolated = true
	snap.Nodes[0].Addrs = append(snap.Nodes[0].Addrs, "tampered")

	if info, _ := db.Info(snap.Nodes[0].Name); info.Isolated || len(info.Addrs) != 0 {
		t.Error("mutating a snapshot leaked into the database")
	}
}
