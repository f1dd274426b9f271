package olsr

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/lisp3r/SimpleMeshModel/config"
)

func TestEngine_Run_shutsDownCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, _ := newTestEngine("a", config.SideGood, "10.0.0.1")
	beat := config.Duration(10 * time.Millisecond)
	e.cfg.Timers = config.TimersConfig{Hello: beat, TC: beat, IPS: beat, Visualize: beat}
	e.cfg.Workload = &config.WorkloadConfig{Dest: "b", Payload: "tick", Period: beat}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// Let a few beats pass, then shut down.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}
