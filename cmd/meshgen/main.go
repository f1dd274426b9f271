// meshgen materializes test fleets: per-node configs, a docker-compose
// file wiring the containers onto their networks, and a rendering of the
// implied topology.
//
// By default an existing node-configs directory is reloaded and only the
// compose file and graph are re-rendered. -recreate regenerates the fleet
// from scratch; -clean wipes the shared artifacts directory.
//
//	meshgen -recreate [-config gen.yml] [-out .]
//	meshgen -fleet fleet.txt [-out .]
//	meshgen [-clean] [-out .]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

func main() {
	var (
		configPath = flag.String("config", "gen.yml", "generator config for a random fleet")
		fleetPath  = flag.String("fleet", "", "fixed fleet description (implies -recreate)")
		outDir     = flag.String("out", ".", "output directory")
		recreate   = flag.Bool("recreate", false, "regenerate node configs from scratch instead of reloading them")
		clean      = flag.Bool("clean", false, "clean the artifacts directory")
	)
	flag.Parse()
	log := logrus.New()

	if err := run(log, *configPath, *fleetPath, *outDir, *recreate, *clean); err != nil {
		log.Fatal(err)
	}
}

func run(log *logrus.Logger, configPath, fleetPath, outDir string, recreate, clean bool) error {
	configsDir := filepath.Join(outDir, "node-configs")
	artifactsDir := filepath.Join(outDir, "artifacts")
	recreate = recreate || fleetPath != ""

	if recreate {
		log.Info("recreating node configs")
		if err := os.RemoveAll(configsDir); err != nil {
			return err
		}
	}
	if recreate || clean {
		log.Info("cleaning artifacts dir")
		if err := os.RemoveAll(artifactsDir); err != nil {
			return err
		}
	}
	for _, dir := range []string{configsDir, artifactsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	var fleet *Fleet
	var err error
	if recreate {
		fleet, err = makeFleet(configPath, fleetPath)
		if err != nil {
			return err
		}
		for _, n := range fleet.Nodes {
			raw, err := yaml.Marshal(fleet.NodeConfig(n))
			if err != nil {
				return fmt.Errorf("node config %s: %w", n.Name, err)
			}
			path := filepath.Join(configsDir, n.Name+".yml")
			if err := os.WriteFile(path, raw, 0o644); err != nil {
				return err
			}
		}
		log.Infof("wrote %d node configs to %s", len(fleet.Nodes), configsDir)
	} else {
		fleet, err = LoadFleetDir(configsDir)
		if err != nil {
			return err
		}
		log.Infof("reloaded %d node configs from %s", len(fleet.Nodes), configsDir)
	}
	log.Infof("fleet: %d networks, %d nodes", len(fleet.Networks), len(fleet.Nodes))

	raw, err := yaml.Marshal(fleet.Compose("./artifacts"))
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	composePath := filepath.Join(outDir, "docker-compose.yml")
	if err := os.WriteFile(composePath, raw, 0o644); err != nil {
		return err
	}
	log.Infof("wrote %s", composePath)

	dotPath := filepath.Join(outDir, "network-graph.dot")
	if err := os.WriteFile(dotPath, []byte(fleet.Graph().String()), 0o644); err != nil {
		return err
	}
	pngPath := filepath.Join(outDir, "network-graph.png")
	if out, err := exec.Command("dot", "-Tpng", "-o", pngPath, dotPath).CombinedOutput(); err != nil {
		log.WithField("output", string(out)).Warn("graphviz unavailable, kept dot file only")
	} else {
		log.Infof("wrote %s", pngPath)
	}
	return nil
}

func makeFleet(configPath, fleetPath string) (*Fleet, error) {
	if fleetPath != "" {
		f, err := os.Open(fleetPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ParseFleet(f)
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	var cfg GenConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("generator config: %w", err)
	}
	return Generate(cfg)
}
