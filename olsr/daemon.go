package olsr

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run drives the node until ctx is canceled: the listener, the HELLO and
// TC beats, the reputation tick, the snapshot renderer, and the optional
// workload. Periodic tasks never hold the database lock across a
// broadcast.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.tr.Listen(ctx, e.HandleDatagram)
	})

	g.Go(func() error {
		return e.every(ctx, e.cfg.Timers.Hello.Std(), func() {
			if err := e.SendHello(); err != nil {
				e.log.WithError(err).Warn("hello beat")
			}
		})
	})

	g.Go(func() error {
		return e.every(ctx, e.cfg.Timers.TC.Std(), func() {
			if err := e.SendTC(); err != nil {
				e.log.WithError(err).Warn("tc beat")
			}
		})
	})

	g.Go(func() error {
		return e.every(ctx, e.cfg.Timers.IPS.Std(), e.IPSTick)
	})

	if e.viz != nil {
		g.Go(func() error {
			cycle := 0
			return e.every(ctx, e.cfg.Timers.Visualize.Std(), func() {
				snap := e.db.Snapshot()
				if err := e.viz.Network(snap); err != nil {
					e.log.WithError(err).Debug("snapshot render")
				}
				if err := e.viz.NetworkCycle(snap, cycle); err != nil {
					e.log.WithError(err).Debug("snapshot render")
				}
				cycle++
			})
		})
	}

	if w := e.cfg.Workload; w != nil {
		g.Go(func() error {
			return e.every(ctx, w.Period.Std(), func() {
				if err := e.SendCustom(w.Payload, w.Dest); err != nil {
					e.log.WithError(err).Warn("workload send")
				}
			})
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// every runs fn on a fixed period until ctx is canceled.
func (e *Engine) every(ctx context.Context, period time.Duration, fn func()) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}
