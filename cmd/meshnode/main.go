// meshnode is the mesh routing daemon: one process per node.
//
//	meshnode [config.yml]
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lisp3r/SimpleMeshModel/config"
	"github.com/lisp3r/SimpleMeshModel/ips"
	"github.com/lisp3r/SimpleMeshModel/metrics"
	"github.com/lisp3r/SimpleMeshModel/olsr"
	"github.com/lisp3r/SimpleMeshModel/topology"
	"github.com/lisp3r/SimpleMeshModel/transport"
	"github.com/lisp3r/SimpleMeshModel/viz"
)

func main() {
	if len(os.Args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: meshnode [config]")
		os.Exit(1)
	}
	cfgPath := config.DefaultPath
	if len(os.Args) == 2 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	tr, err := transport.New(log, cfg.BroadcastPort, cfg.InterfacePattern)
	if err != nil {
		log.WithError(err).Fatal("transport setup")
	}
	renderer, err := viz.New(log, cfg.ArtifactsDir, cfg.VisualizeMode)
	if err != nil {
		log.WithError(err).Fatal("visualizer setup")
	}

	db := topology.New(cfg.Name, tr.LocalAddrs())
	met := metrics.New(cfg.Name)
	engine := olsr.New(log, cfg, db, ips.New(log), tr, met, renderer)

	log.WithFields(logrus.Fields{
		"networks":   cfg.Networks,
		"interfaces": tr.LocalAddrs(),
		"side":       cfg.Side,
	}).Infof("%s up", cfg.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	if cfg.Telemetry.Metrics.Enabled {
		g.Go(func() error { return met.Serve(ctx, cfg.Telemetry.Metrics.ListenAddress) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("daemon")
	}
	log.Info("shut down")
}

// newLogger tees the node log to stderr and to a per-node file in the
// artifacts directory.
func newLogger(cfg *config.Config) (*logrus.Entry, error) {
	if err := os.MkdirAll(cfg.ArtifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts dir: %w", err)
	}
	logPath := filepath.Join(cfg.ArtifactsDir, cfg.Name+".log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log := logrus.New()
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	return log.WithField("node", cfg.Name), nil
}
