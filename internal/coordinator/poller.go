package coordinator

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Poller advances in-flight sagas on a fixed interval so restores finish
// even when nobody asks for their status.
type Poller struct {
	orchestrator *Orchestrator
	interval     time.Duration
}

func NewPoller(o *Orchestrator, interval time.Duration) *Poller {
	return &Poller{orchestrator: o, interval: interval}
}

// Start blocks until ctx is done. It satisfies controller-runtime's Runnable.
func (p *Poller) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "restore poller started", "interval", p.interval)
	wait.UntilWithContext(ctx, p.orchestrator.PollAll, p.interval)
	return nil
}

// NeedLeaderElection keeps a single replica polling when several run.
func (p *Poller) NeedLeaderElection() bool { return true }
