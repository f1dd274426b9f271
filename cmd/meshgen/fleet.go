package main

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emicklei/dot"
	"gopkg.in/yaml.v3"

	"github.com/lisp3r/SimpleMeshModel/config"
)

// Fleet is a test topology: named broadcast domains and the nodes attached
// to them. Two nodes share a link iff they share a network.
type Fleet struct {
	Networks []string
	Nodes    []FleetNode
}

// FleetNode is one generated node.
type FleetNode struct {
	Name     string
	Networks []string
}

// GenConfig are the knobs of the random fleet generator.
type GenConfig struct {
	NetworksCount          int   `yaml:"networks_count"`
	NetworkPeers           int   `yaml:"network_peers"`
	MaxGateways            int   `yaml:"max_gateways"`
	MaxGatewayConnectivity int   `yaml:"max_gateway_connectivity"`
	Seed                   int64 `yaml:"seed"`
}

// Validate reports the first bad knob.
func (c *GenConfig) Validate() error {
	if c.NetworksCount < 1 {
		return fmt.Errorf("networks_count must be at least 1, got %d", c.NetworksCount)
	}
	if c.NetworkPeers < 1 {
		return fmt.Errorf("network_peers must be at least 1, got %d", c.NetworkPeers)
	}
	if c.MaxGateways < 0 || c.MaxGatewayConnectivity < 0 {
		return fmt.Errorf("gateway knobs must not be negative")
	}
	return nil
}

// Generate materializes a random fleet: per-network plain nodes, plus
// gateway nodes that bridge a network to a few others.
func Generate(cfg GenConfig) (*Fleet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("meshgen: %w", err)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	f := &Fleet{}
	for i := 0; i < cfg.NetworksCount; i++ {
		f.Networks = append(f.Networks, fmt.Sprintf("network%d", i))
	}

	for i, nw := range f.Networks {
		for p := 0; p < cfg.NetworkPeers; p++ {
			f.Nodes = append(f.Nodes, FleetNode{
				Name:     fmt.Sprintf("nw%d-n%d", i, p),
				Networks: []string{nw},
			})
		}
	}

	if cfg.NetworksCount > 1 && cfg.MaxGateways > 0 {
		for i, nw := range f.Networks {
			others := make([]string, 0, len(f.Networks)-1)
			for j, o := range f.Networks {
				if j != i {
					others = append(others, o)
				}
			}
			for g := rng.Intn(cfg.MaxGateways) + 1; g > 0; g-- {
				span := 1
				if cfg.MaxGatewayConnectivity > 1 {
					span = rng.Intn(cfg.MaxGatewayConnectivity) + 1
				}
				if span > len(others) {
					span = len(others)
				}
				networks := append([]string{nw}, pick(rng, others, span)...)
				f.Nodes = append(f.Nodes, FleetNode{
					Name:     fmt.Sprintf("gw%d", len(f.Nodes)),
					Networks: networks,
				})
			}
		}
	}
	return f, nil
}

// pick draws n distinct elements from pool.
func pick(rng *rand.Rand, pool []string, n int) []string {
	idx := rng.Perm(len(pool))[:n]
	sort.Ints(idx)
	out := make([]string, 0, n)
	for _, i := range idx {
		out = append(out, pool[i])
	}
	return out
}

// ErrParseFleet reports a malformed fleet description line.
type ErrParseFleet struct {
	msg string
}

func (e ErrParseFleet) Error() string {
	return fmt.Sprintf("parse fleet: %s", e.msg)
}

// ParseFleet reads a fixed fleet description, one node per line:
//
//	node <name> <network> [<network>...]
//
// Blank lines and lines starting with # are skipped.
func ParseFleet(r io.Reader) (*Fleet, error) {
	f := &Fleet{}
	seenNW := make(map[string]bool)
	seenNode := make(map[string]bool)

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "node" {
			return nil, ErrParseFleet{msg: fmt.Sprintf("line %d: must be of the form: 'node <name> <network>...'", lineNo)}
		}
		name := fields[1]
		if seenNode[name] {
			return nil, ErrParseFleet{msg: fmt.Sprintf("line %d: duplicate node %q", lineNo, name)}
		}
		seenNode[name] = true
		networks := fields[2:]
		for _, nw := range networks {
			if !seenNW[nw] {
				seenNW[nw] = true
				f.Networks = append(f.Networks, nw)
			}
		}
		f.Nodes = append(f.Nodes, FleetNode{Name: name, Networks: networks})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(f.Nodes) == 0 {
		return nil, ErrParseFleet{msg: "no nodes"}
	}
	return f, nil
}

// LoadFleetDir rebuilds a fleet from the per-node configs a previous run
// wrote, so the compose file and graph can be re-rendered without
// regenerating the topology.
func LoadFleetDir(dir string) (*Fleet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("meshgen: read node configs: %w", err)
	}
	f := &Fleet{}
	seenNW := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var cfg config.Config
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("meshgen: node config %s: %w", entry.Name(), err)
		}
		if cfg.Name == "" {
			return nil, fmt.Errorf("meshgen: node config %s: missing name", entry.Name())
		}
		f.Nodes = append(f.Nodes, FleetNode{Name: cfg.Name, Networks: cfg.Networks})
		for _, nw := range cfg.Networks {
			if !seenNW[nw] {
				seenNW[nw] = true
				f.Networks = append(f.Networks, nw)
			}
		}
	}
	if len(f.Nodes) == 0 {
		return nil, fmt.Errorf("meshgen: no node configs in %s, generate with -recreate first", dir)
	}
	sort.Strings(f.Networks)
	sort.Slice(f.Nodes, func(i, j int) bool { return f.Nodes[i].Name < f.Nodes[j].Name })
	return f, nil
}

// Graph renders the implied node graph: an edge for every pair sharing a
// network.
func (f *Fleet) Graph() *dot.Graph {
	g := dot.NewGraph(dot.Undirected)
	nodes := make(map[string]dot.Node, len(f.Nodes))
	for _, n := range f.Nodes {
		nodes[n.Name] = g.Node(n.Name).Attr("style", "filled").Attr("fillcolor", "lightblue")
	}
	done := make(map[[2]string]bool)
	for _, nw := range f.Networks {
		members := f.members(nw)
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				key := [2]string{members[i], members[j]}
				if done[key] {
					continue
				}
				done[key] = true
				g.Edge(nodes[members[i]], nodes[members[j]])
			}
		}
	}
	return g
}

func (f *Fleet) members(network string) []string {
	var out []string
	for _, n := range f.Nodes {
		for _, nw := range n.Networks {
			if nw == network {
				out = append(out, n.Name)
				break
			}
		}
	}
	return out
}
