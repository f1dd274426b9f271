package main

import (
	"github.com/lisp3r/SimpleMeshModel/config"
)

// composeFile mirrors the docker-compose schema the fleet needs.
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]struct{}       `yaml:"networks"`
}

type composeService struct {
	Image    string   `yaml:"image"`
	Command  []string `yaml:"command"`
	Networks []string `yaml:"networks"`
	Volumes  []string `yaml:"volumes"`
}

const nodeImage = "simplemesh/meshnode:latest"

// Compose builds the docker-compose description: one service per node,
// attached to its networks, with the artifacts directory shared.
func (f *Fleet) Compose(artifactsDir string) composeFile {
	c := composeFile{
		Services: make(map[string]composeService, len(f.Nodes)),
		Networks: make(map[string]struct{}, len(f.Networks)),
	}
	for _, nw := range f.Networks {
		c.Networks[nw] = struct{}{}
	}
	for _, n := range f.Nodes {
		c.Services[n.Name] = composeService{
			Image:    nodeImage,
			Command:  []string{"meshnode", "/configs/" + n.Name + ".yml"},
			Networks: n.Networks,
			Volumes: []string{
				artifactsDir + ":/artifacts",
				"./node-configs:/configs:ro",
			},
		}
	}
	return c
}

// NodeConfig builds the per-node daemon configuration.
func (f *Fleet) NodeConfig(n FleetNode) *config.Config {
	cfg := config.Default()
	cfg.Name = n.Name
	cfg.Networks = n.Networks
	cfg.ArtifactsDir = "/artifacts"
	return cfg
}
